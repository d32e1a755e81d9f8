// Package codex implements a model provider backed by a Codex app-server
// peer. The provider spawns (or dials) the peer, drives its JSON-RPC 2.0
// protocol over line-delimited stdio or WebSocket frames, and translates the
// peer's notification stream into an ordered sequence of generation parts.
// Persistent mode keeps pooled workers alive across calls so thread state,
// the initialize handshake and suspended tool calls survive call boundaries.
package codex

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"goa.design/codex/approvals"
	"goa.design/codex/dyntools"
	"goa.design/codex/prompt"
	"goa.design/codex/session"
	"goa.design/codex/transport"
)

// Transport variants.
const (
	VariantStdio     = "stdio"
	VariantWebSocket = "websocket"
)

// Persistent pool scopes.
const (
	// ScopeProvider keeps the pool private to this provider instance.
	ScopeProvider = "provider"
	// ScopeGlobal shares the pool process-wide under a registry key.
	ScopeGlobal = "global"
)

// Defaults applied by New.
const (
	defaultCommand          = "codex"
	defaultClientName       = "codex-go"
	defaultClientVersion    = "0.1.0"
	defaultRequestTimeout   = 60 * time.Second
	defaultToolTimeout      = 60 * time.Second
	defaultInterruptTimeout = 5 * time.Second
)

type (
	// ClientInfo identifies this client in the initialize handshake.
	ClientInfo struct {
		Name    string `yaml:"name"`
		Version string `yaml:"version"`
		Title   string `yaml:"title,omitempty"`
	}

	// TransportOptions selects and configures the wire channel.
	TransportOptions struct {
		// Variant is VariantStdio (default) or VariantWebSocket.
		Variant   string                    `yaml:"variant"`
		Stdio     transport.StdioConfig     `yaml:"stdio"`
		WebSocket transport.WebSocketConfig `yaml:"websocket"`
	}

	// ThreadDefaults are applied when opening a fresh thread.
	ThreadDefaults struct {
		Cwd            string `yaml:"cwd,omitempty"`
		ApprovalPolicy string `yaml:"approvalPolicy,omitempty"`
		Sandbox        string `yaml:"sandbox,omitempty"`
	}

	// TurnDefaults are applied to every turn/start.
	TurnDefaults struct {
		Cwd            string `yaml:"cwd,omitempty"`
		ApprovalPolicy string `yaml:"approvalPolicy,omitempty"`
		SandboxPolicy  string `yaml:"sandboxPolicy,omitempty"`
		Model          string `yaml:"model,omitempty"`
		Effort         string `yaml:"effort,omitempty"`
		Summary        string `yaml:"summary,omitempty"`
	}

	// CompactionOptions control thread compaction on resume. Decide, when
	// set, overrides OnResume. Strict propagates compaction failures as
	// stream errors; otherwise they are logged and the turn proceeds.
	CompactionOptions struct {
		OnResume bool                                    `yaml:"onResume"`
		Strict   bool                                    `yaml:"strict"`
		Decide   func(ctx context.Context) (bool, error) `yaml:"-"`
	}

	// DebugOptions enable diagnostic logging.
	DebugOptions struct {
		LogPackets   bool `yaml:"logPackets"`
		LogToolCalls bool `yaml:"logToolCalls"`
	}

	// PersistentOptions enable pooled workers that survive across calls.
	PersistentOptions struct {
		// Scope is ScopeProvider (default) or ScopeGlobal.
		Scope string `yaml:"scope"`
		// Key names the shared pool under ScopeGlobal; empty derives a key
		// from the transport settings.
		Key         string        `yaml:"key,omitempty"`
		PoolSize    int           `yaml:"poolSize"`
		IdleTimeout time.Duration `yaml:"idleTimeout"`
	}

	// Options configures a Provider. The zero value plus New's defaults
	// yields a stdio provider running "codex app-server".
	Options struct {
		// DefaultModel is sent with thread/start when the request does not
		// name a model. Empty defers to the peer's default.
		DefaultModel string `yaml:"defaultModel,omitempty"`

		ClientInfo ClientInfo `yaml:"clientInfo"`

		// ExperimentalAPI advertises the experimental capability in the
		// initialize request. It is forced on when dynamic tools are present.
		ExperimentalAPI bool `yaml:"experimentalApi"`

		Transport      TransportOptions  `yaml:"transport"`
		ThreadDefaults ThreadDefaults    `yaml:"threadDefaults"`
		TurnDefaults   TurnDefaults      `yaml:"turnDefaults"`
		Compaction     CompactionOptions `yaml:"compaction"`

		// Tools are provider-level dynamic tools, executed locally.
		Tools []dyntools.Tool `yaml:"-"`

		ToolTimeout      time.Duration `yaml:"toolTimeout"`
		RequestTimeout   time.Duration `yaml:"requestTimeout"`
		InterruptTimeout time.Duration `yaml:"interruptTimeout"`

		Approvals approvals.Handlers `yaml:"-"`

		Debug DebugOptions `yaml:"debug"`

		// Persistent enables pooled cross-call sessions when non-nil.
		Persistent *PersistentOptions `yaml:"persistent,omitempty"`

		// EmitPlanUpdates surfaces turn/plan/updated notifications as
		// synthetic tool calls.
		EmitPlanUpdates bool `yaml:"emitPlanUpdates"`

		// FileWriter materializes inline file parts; nil uses temp files.
		FileWriter prompt.FileWriter `yaml:"-"`

		// DialTransport overrides transport construction. Embedders supply
		// custom channels here; nil builds one from the Transport options.
		DialTransport func() transport.Transport `yaml:"-"`
	}

	// Provider generates turns against an app-server peer. Safe for
	// concurrent use.
	Provider struct {
		opts  Options
		tools *dyntools.Dispatcher

		handle *session.Handle
		pool   *session.Pool
	}
)

// LoadOptions reads the data portion of Options from a YAML file. Function
// valued options (tools, approvals, compaction callback) must be set in code
// afterwards.
func LoadOptions(path string) (Options, error) {
	var opts Options
	b, err := os.ReadFile(path)
	if err != nil {
		return opts, fmt.Errorf("codex: read options: %w", err)
	}
	if err := yaml.Unmarshal(b, &opts); err != nil {
		return opts, fmt.Errorf("codex: parse options %s: %w", path, err)
	}
	return opts, nil
}

// New validates opts, applies defaults and builds a provider. Provider-level
// tool schemas are compiled here so malformed schemas fail fast.
func New(opts Options) (*Provider, error) {
	if opts.Transport.Variant == "" {
		opts.Transport.Variant = VariantStdio
	}
	switch opts.Transport.Variant {
	case VariantStdio:
		if opts.Transport.Stdio.Command == "" {
			opts.Transport.Stdio.Command = defaultCommand
			if len(opts.Transport.Stdio.Args) == 0 {
				opts.Transport.Stdio.Args = []string{"app-server"}
			}
		}
	case VariantWebSocket:
		if opts.Transport.WebSocket.URL == "" {
			return nil, errors.New("codex: websocket transport requires a URL")
		}
	default:
		return nil, fmt.Errorf("codex: unknown transport variant %q", opts.Transport.Variant)
	}
	if opts.ClientInfo.Name == "" {
		opts.ClientInfo.Name = defaultClientName
	}
	if opts.ClientInfo.Version == "" {
		opts.ClientInfo.Version = defaultClientVersion
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = defaultRequestTimeout
	}
	if opts.ToolTimeout <= 0 {
		opts.ToolTimeout = defaultToolTimeout
	}
	if opts.InterruptTimeout <= 0 {
		opts.InterruptTimeout = defaultInterruptTimeout
	}

	tools := dyntools.NewDispatcher(opts.ToolTimeout, opts.Debug.LogToolCalls)
	for _, t := range opts.Tools {
		if err := tools.Register(t); err != nil {
			return nil, err
		}
	}

	p := &Provider{opts: opts, tools: tools}

	if pc := opts.Persistent; pc != nil {
		size := pc.PoolSize
		if size < 1 {
			size = 1
		}
		switch pc.Scope {
		case ScopeGlobal:
			key := pc.Key
			if key == "" {
				key = p.derivedPoolKey()
			}
			h, err := session.Global().Acquire(key, p.newTransport, size, pc.IdleTimeout)
			if err != nil {
				return nil, err
			}
			p.handle = h
			p.pool = h.Pool()
		case ScopeProvider, "":
			p.pool = session.NewPool(p.newTransport, size, pc.IdleTimeout)
		default:
			return nil, fmt.Errorf("codex: unknown persistent scope %q", pc.Scope)
		}
	}
	return p, nil
}

// Close releases the provider's pooled workers: the last reference on a
// global pool shuts it down, a provider-scoped pool is shut down outright.
func (p *Provider) Close(ctx context.Context) {
	switch {
	case p.handle != nil:
		p.handle.Release(ctx)
	case p.pool != nil:
		p.pool.Shutdown(ctx)
	}
}

// Persistent reports whether the provider runs on pooled cross-call workers.
func (p *Provider) Persistent() bool { return p.pool != nil }

// newTransport builds one underlying channel from the transport options.
func (p *Provider) newTransport() transport.Transport {
	if p.opts.Transport.Variant == VariantWebSocket {
		return transport.NewWebSocket(p.opts.Transport.WebSocket)
	}
	return transport.NewStdio(p.opts.Transport.Stdio)
}

// derivedPoolKey fingerprints the transport settings so distinct peers never
// share a global pool by accident.
func (p *Provider) derivedPoolKey() string {
	t := p.opts.Transport
	if t.Variant == VariantWebSocket {
		return "websocket|" + t.WebSocket.URL
	}
	return "stdio|" + t.Stdio.Command + " " + strings.Join(t.Stdio.Args, " ") + "|" + t.Stdio.Dir
}
