// Package dyntools routes inbound dynamic tool calls to host-registered
// tools. Input schemas are compiled at registration and arguments validated
// before execution; every failure mode folds to a failure result so the turn
// keeps streaming.
package dyntools

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"
	"goa.design/clue/log"

	"goa.design/codex/jsonrpc"
)

// MethodToolCall is the inbound request method carrying tool invocations.
const MethodToolCall = "item/tool/call"

// Content item types of the wire result encoding.
const (
	ContentText  = "input_text"
	ContentImage = "input_image"
)

type (
	// Executor runs one tool invocation. Arguments were validated against
	// the tool's input schema before the call.
	Executor func(ctx context.Context, args json.RawMessage, call Call) (Result, error)

	// Tool is a host-registered dynamic tool. A nil Execute marks a
	// host-managed tool whose calls are answered by a later generation call
	// rather than executed locally.
	Tool struct {
		Name        string
		Description string
		InputSchema json.RawMessage
		Execute     Executor
	}

	// Call carries the correlation ids of one inbound invocation.
	Call struct {
		ThreadID string
		TurnID   string
		CallID   string
		ToolName string
	}

	// Result is the wire encoding of a tool outcome.
	Result struct {
		Success      bool          `json:"success"`
		ContentItems []ContentItem `json:"contentItems"`
	}

	// ContentItem is one element of a tool result.
	ContentItem struct {
		Type     string `json:"type"`
		Text     string `json:"text,omitempty"`
		ImageURL string `json:"image_url,omitempty"`
	}

	// Definition is the schema advertisement sent with thread/start.
	Definition struct {
		Name        string          `json:"name"`
		Description string          `json:"description,omitempty"`
		InputSchema json.RawMessage `json:"inputSchema,omitempty"`
	}

	// Dispatcher owns the registered tools and serves MethodToolCall.
	Dispatcher struct {
		timeout  time.Duration
		logCalls bool

		mu       sync.Mutex
		tools    map[string]*registered
		order    []string
	}

	registered struct {
		tool   Tool
		schema *jsonschema.Schema
	}

	callParams struct {
		ThreadID  string          `json:"threadId"`
		TurnID    string          `json:"turnId"`
		CallID    string          `json:"callId"`
		Tool      string          `json:"tool"`
		ToolName  string          `json:"toolName"`
		Arguments json.RawMessage `json:"arguments"`
	}
)

// TextResult builds a successful text result.
func TextResult(text string) Result {
	return Result{Success: true, ContentItems: []ContentItem{{Type: ContentText, Text: text}}}
}

// JSONResult stringifies v into a successful text result.
func JSONResult(v any) Result {
	b, err := json.Marshal(v)
	if err != nil {
		return Failure(fmt.Sprintf("encode tool result: %v", err))
	}
	return Result{Success: true, ContentItems: []ContentItem{{Type: ContentText, Text: string(b)}}}
}

// ImageResult builds a successful image result.
func ImageResult(url string) Result {
	return Result{Success: true, ContentItems: []ContentItem{{Type: ContentImage, ImageURL: url}}}
}

// Failure builds a failed result carrying a human-readable message.
func Failure(msg string) Result {
	return Result{Success: false, ContentItems: []ContentItem{{Type: ContentText, Text: msg}}}
}

// NewDispatcher builds a dispatcher. timeout bounds each execution; zero
// disables the bound. logCalls emits a debug line per invocation.
func NewDispatcher(timeout time.Duration, logCalls bool) *Dispatcher {
	return &Dispatcher{
		timeout:  timeout,
		logCalls: logCalls,
		tools:    make(map[string]*registered),
	}
}

// Register adds a tool, compiling its input schema. Registering a malformed
// schema or a duplicate name fails.
func (d *Dispatcher) Register(t Tool) error {
	if t.Name == "" {
		return fmt.Errorf("dyntools: tool name required")
	}
	var schema *jsonschema.Schema
	if len(t.InputSchema) > 0 {
		doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(t.InputSchema))
		if err != nil {
			return fmt.Errorf("dyntools: tool %q schema: %w", t.Name, err)
		}
		c := jsonschema.NewCompiler()
		if err := c.AddResource(t.Name+".json", doc); err != nil {
			return fmt.Errorf("dyntools: tool %q schema: %w", t.Name, err)
		}
		schema, err = c.Compile(t.Name + ".json")
		if err != nil {
			return fmt.Errorf("dyntools: tool %q schema: %w", t.Name, err)
		}
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.tools[t.Name]; ok {
		return fmt.Errorf("dyntools: tool %q already registered", t.Name)
	}
	d.tools[t.Name] = &registered{tool: t, schema: schema}
	d.order = append(d.order, t.Name)
	return nil
}

// Len reports the number of registered tools.
func (d *Dispatcher) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.tools)
}

// Tools returns the registered tools in registration order.
func (d *Dispatcher) Tools() []Tool {
	d.mu.Lock()
	defer d.mu.Unlock()
	tools := make([]Tool, 0, len(d.order))
	for _, name := range d.order {
		tools = append(tools, d.tools[name].tool)
	}
	return tools
}

// Definitions returns the schema advertisements in registration order.
func (d *Dispatcher) Definitions() []Definition {
	d.mu.Lock()
	defer d.mu.Unlock()
	defs := make([]Definition, 0, len(d.order))
	for _, name := range d.order {
		r := d.tools[name]
		defs = append(defs, Definition{
			Name:        r.tool.Name,
			Description: r.tool.Description,
			InputSchema: r.tool.InputSchema,
		})
	}
	return defs
}

// Lookup returns the registered tool by name.
func (d *Dispatcher) Lookup(name string) (Tool, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	r, ok := d.tools[name]
	if !ok {
		return Tool{}, false
	}
	return r.tool, true
}

// Invoke runs the named tool. Unknown tools, invalid arguments, handler
// errors and panics all come back as failure results, never as an error to
// encode at the protocol level.
func (d *Dispatcher) Invoke(ctx context.Context, name string, args json.RawMessage, call Call) Result {
	d.mu.Lock()
	r, ok := d.tools[name]
	d.mu.Unlock()
	if !ok {
		return Failure(fmt.Sprintf("unknown tool %q", name))
	}
	if r.tool.Execute == nil {
		return Failure(fmt.Sprintf("tool %q has no local executor", name))
	}

	if d.logCalls {
		log.Debug(ctx, log.KV{K: "msg", V: "dyntools: invoking tool"},
			log.KV{K: "tool", V: name}, log.KV{K: "call_id", V: call.CallID})
	}

	if r.schema != nil {
		var v any
		if len(args) > 0 {
			if err := json.Unmarshal(args, &v); err != nil {
				return Failure(fmt.Sprintf("tool %q: invalid arguments: %v", name, err))
			}
		}
		if err := r.schema.Validate(v); err != nil {
			return Failure(fmt.Sprintf("tool %q: arguments do not match schema: %v", name, err))
		}
	}

	if d.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.timeout)
		defer cancel()
	}
	res, err := safeExecute(ctx, r.tool.Execute, args, call)
	if err != nil {
		return Failure(fmt.Sprintf("tool %q: %v", name, err))
	}
	return res
}

// Attach registers the dispatcher on client and returns the removal function.
func (d *Dispatcher) Attach(client *jsonrpc.Client) func() {
	return client.OnRequest(MethodToolCall, func(ctx context.Context, req *jsonrpc.Request) (any, error) {
		name, args, call := DecodeCall(req.Params)
		return d.Invoke(ctx, name, args, call), nil
	})
}

// DecodeCall extracts the tool name, arguments and correlation ids from
// MethodToolCall params.
func DecodeCall(params json.RawMessage) (string, json.RawMessage, Call) {
	var p callParams
	_ = json.Unmarshal(params, &p)
	name := p.Tool
	if name == "" {
		name = p.ToolName
	}
	return name, p.Arguments, Call{
		ThreadID: p.ThreadID,
		TurnID:   p.TurnID,
		CallID:   p.CallID,
		ToolName: name,
	}
}

func safeExecute(ctx context.Context, fn Executor, args json.RawMessage, call Call) (res Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return fn(ctx, args, call)
}
