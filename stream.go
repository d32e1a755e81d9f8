package codex

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"

	"goa.design/clue/log"

	"goa.design/codex/dyntools"
	"goa.design/codex/jsonrpc"
	"goa.design/codex/prompt"
	"goa.design/codex/session"
	"goa.design/codex/stream"
	"goa.design/codex/telemetry"
	"goa.design/codex/transport"
)

type (
	// Request is one generation request.
	Request struct {
		// Messages is the normalized conversation. Resume threads are
		// detected by scanning assistant metadata for a recorded thread id.
		Messages []prompt.Message

		// Model overrides the provider's DefaultModel for this call.
		Model string

		// Tools are host-managed dynamic tools supplied with the request.
		// On a persistent transport their calls are not executed locally:
		// the call is parked on the worker, the stream ends with
		// finish(tool-calls), and the next call on the same worker supplies
		// the result through a tool message.
		Tools []dyntools.Tool
	}

	// Metadata describes the peer-side state of a streamed call.
	Metadata struct {
		ThreadID string
		TurnID   string
	}

	// Streamer delivers the ordered generation parts of one call. Recv
	// returns io.EOF after the stream closes; Close aborts the call.
	Streamer struct {
		c *call
	}

	// call owns the per-generation state: one transport, one RPC client,
	// one mapper, one part channel.
	call struct {
		p   *Provider
		req *Request

		ctx    context.Context
		cancel context.CancelFunc

		tr     transport.Transport
		pt     *session.PersistentTransport
		rpc    *jsonrpc.Client
		mapper *stream.Mapper

		tools    *dyntools.Dispatcher
		sdkTools map[string]bool
		resolver *prompt.Resolver

		out  chan stream.Part
		done chan struct{}

		mu       sync.Mutex
		closed   bool
		errSent  bool
		finished bool
		threadID string
		turnID   string

		cleanups []func()

		span  *telemetry.Span
		start time.Time
	}
)

// Wire methods sent by this client.
const (
	methodInitialize    = "initialize"
	methodInitialized   = "initialized"
	methodThreadStart   = "thread/start"
	methodThreadResume  = "thread/resume"
	methodThreadCompact = "thread/compact/start"
	methodTurnStart     = "turn/start"
	methodTurnInterrupt = "turn/interrupt"
)

type (
	initializeParams struct {
		ClientInfo   clientInfoParams `json:"clientInfo"`
		Capabilities *capabilities    `json:"capabilities,omitempty"`
	}

	clientInfoParams struct {
		Name    string `json:"name"`
		Version string `json:"version"`
		Title   string `json:"title,omitempty"`
	}

	capabilities struct {
		ExperimentalAPI bool `json:"experimentalApi"`
	}

	threadStartParams struct {
		Model                 string                `json:"model,omitempty"`
		DynamicTools          []dyntools.Definition `json:"dynamicTools,omitempty"`
		DeveloperInstructions string                `json:"developerInstructions,omitempty"`
		Cwd                   string                `json:"cwd,omitempty"`
		ApprovalPolicy        string                `json:"approvalPolicy,omitempty"`
		Sandbox               string                `json:"sandbox,omitempty"`
	}

	threadResumeParams struct {
		ThreadID               string `json:"threadId"`
		PersistExtendedHistory bool   `json:"persistExtendedHistory"`
		DeveloperInstructions  string `json:"developerInstructions,omitempty"`
	}

	turnStartParams struct {
		ThreadID       string             `json:"threadId"`
		Input          []prompt.InputItem `json:"input"`
		Cwd            string             `json:"cwd,omitempty"`
		ApprovalPolicy string             `json:"approvalPolicy,omitempty"`
		SandboxPolicy  string             `json:"sandboxPolicy,omitempty"`
		Model          string             `json:"model,omitempty"`
		Effort         string             `json:"effort,omitempty"`
		Summary        string             `json:"summary,omitempty"`
	}

	interruptParams struct {
		ThreadID string `json:"threadId"`
		TurnID   string `json:"turnId"`
	}

	// idEnvelope accepts both the flat and nested response forms the peer
	// uses for thread and turn ids.
	idEnvelope struct {
		ThreadID string `json:"threadId"`
		TurnID   string `json:"turnId"`
		Thread   struct {
			ID string `json:"id"`
		} `json:"thread"`
		Turn struct {
			ID string `json:"id"`
		} `json:"turn"`
	}
)

// Stream opens a generation call and returns its part stream. Setup runs
// asynchronously: protocol failures arrive through the stream as a single
// error part followed by close, never as a late error from this method.
func (p *Provider) Stream(ctx context.Context, req *Request) (*Streamer, error) {
	if req == nil {
		return nil, fmt.Errorf("codex: nil request")
	}

	tools := dyntools.NewDispatcher(p.opts.ToolTimeout, p.opts.Debug.LogToolCalls)
	sdk := make(map[string]bool, len(req.Tools))
	for _, t := range req.Tools {
		if err := tools.Register(t); err != nil {
			return nil, err
		}
		sdk[t.Name] = true
	}
	// Provider tools fill in behind request tools; the caller wins on a
	// name conflict.
	for _, t := range p.tools.Tools() {
		if sdk[t.Name] {
			continue
		}
		if err := tools.Register(t); err != nil {
			return nil, err
		}
	}

	cctx, cancel := context.WithCancel(ctx)
	c := &call{
		p:        p,
		req:      req,
		ctx:      cctx,
		cancel:   cancel,
		mapper:   stream.NewMapper(p.opts.EmitPlanUpdates),
		tools:    tools,
		sdkTools: sdk,
		resolver: prompt.NewResolver(p.opts.FileWriter),
		out:      make(chan stream.Part, 64),
		done:     make(chan struct{}),
		start:    time.Now(),
	}

	if p.pool != nil {
		pt, err := session.Borrow(cctx, p.pool)
		if err != nil {
			cancel()
			return nil, err
		}
		c.pt = pt
		c.tr = pt
	} else {
		c.tr = p.newTransport()
	}
	c.rpc = jsonrpc.NewClient(cctx, c.tr)

	go c.run()
	return &Streamer{c: c}, nil
}

// Recv returns the next part, or io.EOF once the stream has closed.
func (s *Streamer) Recv() (stream.Part, error) {
	p, ok := <-s.c.out
	if !ok {
		return stream.Part{}, io.EOF
	}
	return p, nil
}

// Close aborts the call and waits for the stream to settle. Idempotent.
func (s *Streamer) Close() error {
	s.c.cancel()
	<-s.c.done
	return nil
}

// Metadata returns the thread and turn ids recorded so far.
func (s *Streamer) Metadata() Metadata {
	s.c.mu.Lock()
	defer s.c.mu.Unlock()
	return Metadata{ThreadID: s.c.threadID, TurnID: s.c.turnID}
}

// run performs the per-call setup. Once the turn is underway the stream is
// driven entirely by inbound notifications; run returns without closing it.
func (c *call) run() {
	ctx := c.ctx
	_, c.span = telemetry.StartCall(ctx, c.model(), c.pt != nil)

	go func() {
		select {
		case <-ctx.Done():
			c.abort()
		case <-c.done:
		}
	}()

	if err := c.tr.Connect(ctx); err != nil {
		c.fail(fmt.Errorf("codex: connect: %w", err))
		return
	}

	c.addCleanup(c.tr.OnClose(func(err error) { c.transportClosed(err) }))
	if c.p.opts.Debug.LogPackets {
		c.addCleanup(c.tr.OnMessage(func(m jsonrpc.Message) {
			if b, err := jsonrpc.EncodeMessage(m); err == nil {
				log.Debug(ctx, log.KV{K: "msg", V: "codex: recv"}, log.KV{K: "packet", V: string(b)})
			}
		}))
	}
	c.addCleanup(c.tr.OnError(func(err error) {
		log.Debug(ctx, log.KV{K: "msg", V: "codex: transport event"}, log.KV{K: "err", V: err.Error()})
	}))

	c.addCleanup(c.rpc.OnAnyNotification(c.onNotification))
	c.addCleanup(c.p.opts.Approvals.Attach(c.rpc))
	c.addCleanup(c.rpc.OnRequestDeferred(dyntools.MethodToolCall, c.handleToolCall))

	if !c.initialize(ctx) {
		return
	}

	if c.pt != nil {
		if parked := c.pt.ParkedCall(); parked != nil {
			c.continueParked(ctx, parked)
			return
		}
	}
	c.startTurn(ctx)
}

// initialize performs the handshake. The persistent transport serves it from
// the worker cache when possible.
func (c *call) initialize(ctx context.Context) bool {
	params := initializeParams{
		ClientInfo: clientInfoParams{
			Name:    c.p.opts.ClientInfo.Name,
			Version: c.p.opts.ClientInfo.Version,
			Title:   c.p.opts.ClientInfo.Title,
		},
	}
	if c.experimental() {
		params.Capabilities = &capabilities{ExperimentalAPI: true}
	}
	if _, err := c.rpc.Call(ctx, methodInitialize, params, c.p.opts.RequestTimeout); err != nil {
		c.fail(fmt.Errorf("codex: initialize: %w", err))
		return false
	}
	if err := c.rpc.Notify(ctx, methodInitialized, nil); err != nil {
		c.fail(fmt.Errorf("codex: initialized: %w", err))
		return false
	}
	return true
}

// continueParked is the cross-call continuation branch: the worker holds a
// tool call parked by a previous generation call. The thread is resumed, the
// host-supplied result settles the parked request and no new turn is opened;
// the peer's still-open turn streams to completion.
func (c *call) continueParked(ctx context.Context, parked *session.ParkedCall) {
	threadID := parked.ThreadID
	if threadID == "" {
		threadID = prompt.ResumeThreadID(c.req.Messages)
	}
	c.setThreadID(threadID)

	if threadID != "" {
		resume := threadResumeParams{ThreadID: threadID, PersistExtendedHistory: false}
		if di := prompt.DeveloperInstructions(c.req.Messages); di != "" {
			resume.DeveloperInstructions = di
		}
		if _, err := c.rpc.Call(ctx, methodThreadResume, resume, c.p.opts.RequestTimeout); err != nil {
			c.fail(fmt.Errorf("codex: thread/resume: %w", err))
			return
		}
	}

	var result dyntools.Result
	if tr, ok := prompt.ToolResultFor(c.req.Messages, parked.CallID); ok {
		result = encodeToolOutput(tr.Output)
	} else {
		result = dyntools.Failure(fmt.Sprintf("no tool result supplied for call %q", parked.CallID))
	}
	if err := c.pt.RespondToParkedToolCall(ctx, result); err != nil {
		c.fail(fmt.Errorf("codex: respond to parked tool call %q: %w", parked.CallID, err))
		return
	}
	log.Debug(ctx, log.KV{K: "msg", V: "codex: parked tool call settled"},
		log.KV{K: "call_id", V: parked.CallID}, log.KV{K: "tool", V: parked.ToolName})
}

// startTurn is the normal branch: open or resume a thread, optionally
// compact, then start the turn.
func (c *call) startTurn(ctx context.Context) {
	msgs := c.req.Messages
	resumeID := prompt.ResumeThreadID(msgs)
	instructions := prompt.DeveloperInstructions(msgs)

	var (
		raw json.RawMessage
		err error
	)
	if resumeID != "" {
		params := threadResumeParams{
			ThreadID:               resumeID,
			PersistExtendedHistory: false,
			DeveloperInstructions:  instructions,
		}
		raw, err = c.rpc.Call(ctx, methodThreadResume, params, c.p.opts.RequestTimeout)
	} else {
		params := threadStartParams{
			Model:                 c.model(),
			DeveloperInstructions: instructions,
			Cwd:                   c.p.opts.ThreadDefaults.Cwd,
			ApprovalPolicy:        c.p.opts.ThreadDefaults.ApprovalPolicy,
			Sandbox:               c.p.opts.ThreadDefaults.Sandbox,
		}
		if c.experimental() {
			params.DynamicTools = c.tools.Definitions()
		}
		raw, err = c.rpc.Call(ctx, methodThreadStart, params, c.p.opts.RequestTimeout)
	}
	if err != nil {
		c.fail(fmt.Errorf("codex: open thread: %w", err))
		return
	}
	threadID := decodeThreadID(raw)
	if threadID == "" && resumeID != "" {
		threadID = resumeID
	}
	if threadID == "" {
		c.fail(fmt.Errorf("%w: no thread id in thread response", ErrProtocolViolation))
		return
	}
	c.setThreadID(threadID)

	if resumeID != "" && !c.maybeCompact(ctx, threadID) {
		return
	}

	input, err := prompt.TurnInput(ctx, msgs, c.resolver, resumeID != "")
	if err != nil {
		c.fail(err)
		return
	}
	turn := turnStartParams{
		ThreadID:       threadID,
		Input:          input,
		Cwd:            c.p.opts.TurnDefaults.Cwd,
		ApprovalPolicy: c.p.opts.TurnDefaults.ApprovalPolicy,
		SandboxPolicy:  c.p.opts.TurnDefaults.SandboxPolicy,
		Model:          c.p.opts.TurnDefaults.Model,
		Effort:         c.p.opts.TurnDefaults.Effort,
		Summary:        c.p.opts.TurnDefaults.Summary,
	}
	raw, err = c.rpc.Call(ctx, methodTurnStart, turn, c.p.opts.RequestTimeout)
	if err != nil {
		c.fail(fmt.Errorf("codex: turn/start: %w", err))
		return
	}
	turnID := decodeTurnID(raw)
	if turnID == "" {
		c.fail(fmt.Errorf("%w: no turn id in turn/start response", ErrProtocolViolation))
		return
	}
	c.mu.Lock()
	c.turnID = turnID
	c.mu.Unlock()
	c.span.Event("turn started")
}

// maybeCompact evaluates the compaction decision on resume and runs
// thread/compact/start when requested. Strict mode fails the stream on any
// error; lax mode logs and proceeds. Reports whether the call may continue.
func (c *call) maybeCompact(ctx context.Context, threadID string) bool {
	cmp := c.p.opts.Compaction
	want := cmp.OnResume
	if cmp.Decide != nil {
		var err error
		want, err = cmp.Decide(ctx)
		if err != nil {
			if cmp.Strict {
				c.fail(fmt.Errorf("%w: decision: %v", ErrCompactionFailed, err))
				return false
			}
			log.Warn(ctx, log.KV{K: "msg", V: "codex: compaction decision failed, skipping"},
				log.KV{K: "err", V: err.Error()})
			want = false
		}
	}
	if !want {
		return true
	}
	if _, err := c.rpc.Call(ctx, methodThreadCompact, map[string]string{"threadId": threadID}, c.p.opts.RequestTimeout); err != nil {
		if cmp.Strict {
			c.fail(fmt.Errorf("%w: %v", ErrCompactionFailed, err))
			return false
		}
		log.Warn(ctx, log.KV{K: "msg", V: "codex: compaction failed, continuing"},
			log.KV{K: "err", V: err.Error()})
	}
	return true
}

// onNotification pipes inbound notifications through the mapper into the
// part stream and closes it when the mapper reaches its terminal state.
func (c *call) onNotification(method string, params []byte) {
	for _, p := range c.mapper.Handle(method, params) {
		c.emit(p)
	}
	if c.mapper.Finished() {
		c.mu.Lock()
		c.finished = true
		c.mu.Unlock()
		c.closeStream()
	}
}

// handleToolCall serves inbound item/tool/call requests. Host-managed tools
// on a persistent transport are parked: the response is withheld, the stream
// ends with finish(tool-calls), and the next generation call on the worker
// supplies the result. Everything else executes locally and settles.
func (c *call) handleToolCall(ctx context.Context, req *jsonrpc.Request, reply *jsonrpc.Responder) {
	name, args, meta := dyntools.DecodeCall(req.Params)

	if c.pt != nil && c.sdkTools[name] {
		threadID := meta.ThreadID
		if threadID == "" {
			threadID = c.mapper.ThreadID()
		}
		parked := &session.ParkedCall{
			RequestID: req.ID,
			CallID:    meta.CallID,
			ToolName:  name,
			Arguments: args,
			ThreadID:  threadID,
		}
		if err := c.pt.ParkToolCall(parked); err != nil {
			_ = reply.Result(dyntools.Failure(fmt.Sprintf("cannot suspend tool call %q: %v", name, err)))
			return
		}
		c.emit(stream.Part{
			Type:       stream.PartToolCall,
			ToolCallID: meta.CallID,
			ToolName:   name,
			Input:      args,
			Dynamic:    true,
			ThreadID:   threadID,
		})
		c.emit(stream.Part{
			Type:         stream.PartFinish,
			FinishReason: stream.FinishToolCalls,
			ThreadID:     threadID,
		})
		c.mu.Lock()
		c.finished = true
		c.mu.Unlock()
		c.closeStream()
		return
	}

	_ = reply.Result(c.tools.Invoke(ctx, name, args, meta))
}

// abort reacts to caller cancellation: best-effort turn/interrupt bounded by
// InterruptTimeout, then one error part carrying ErrAborted.
func (c *call) abort() {
	c.mu.Lock()
	if c.closed || c.finished {
		c.mu.Unlock()
		return
	}
	threadID, turnID := c.threadID, c.turnID
	c.mu.Unlock()

	if threadID != "" && turnID != "" {
		ictx, cancel := context.WithTimeout(context.WithoutCancel(c.ctx), c.p.opts.InterruptTimeout)
		_, err := c.rpc.Call(ictx, methodTurnInterrupt,
			interruptParams{ThreadID: threadID, TurnID: turnID}, c.p.opts.InterruptTimeout)
		cancel()
		if err != nil {
			log.Debug(c.ctx, log.KV{K: "msg", V: "codex: turn/interrupt failed"},
				log.KV{K: "err", V: err.Error()})
		}
	}
	c.fail(ErrAborted)
}

// transportClosed reacts to the underlying channel closing mid-turn.
func (c *call) transportClosed(err error) {
	c.mu.Lock()
	terminal := !c.closed && !c.finished
	c.mu.Unlock()
	if !terminal {
		return
	}
	if err == nil {
		err = fmt.Errorf("codex: connection closed before turn completed")
	}
	c.fail(err)
}

// fail emits the single error part of this stream and closes it.
func (c *call) fail(err error) {
	c.mu.Lock()
	if c.closed || c.errSent {
		c.mu.Unlock()
		return
	}
	c.errSent = true
	threadID := c.threadID
	c.mu.Unlock()
	c.emit(stream.Part{Type: stream.PartError, Err: err, ThreadID: threadID})
	c.closeStream()
}

// emit delivers one part unless the stream already closed. Delivery holds the
// call mutex so closeStream never races a send with the channel close.
func (c *call) emit(p stream.Part) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	telemetry.CountParts(c.ctx, 1)
	select {
	case c.out <- p:
		return
	default:
	}
	select {
	case c.out <- p:
	case <-c.ctx.Done():
	}
}

// closeStream tears the call down exactly once: part channel closed, RPC
// client detached, listeners removed, transport released, temp files cleaned.
func (c *call) closeStream() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	cleanups := c.cleanups
	c.cleanups = nil
	c.mu.Unlock()

	close(c.out)
	c.rpc.Close()
	for _, fn := range cleanups {
		fn()
	}
	ctx := context.WithoutCancel(c.ctx)
	_ = c.tr.Disconnect(ctx)
	c.resolver.Cleanup(ctx)
	telemetry.RecordDuration(ctx, time.Since(c.start).Seconds())
	c.span.End(nil)
	close(c.done)
	c.cancel()
}

func (c *call) addCleanup(fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cleanups = append(c.cleanups, fn)
}

func (c *call) setThreadID(id string) {
	c.mapper.SetThreadID(id)
	c.mu.Lock()
	c.threadID = id
	c.mu.Unlock()
}

// model resolves the model for thread/start.
func (c *call) model() string {
	if c.req.Model != "" {
		return c.req.Model
	}
	return c.p.opts.DefaultModel
}

// experimental reports whether the experimental capability is advertised.
func (c *call) experimental() bool {
	return c.p.opts.ExperimentalAPI || c.tools.Len() > 0
}

// encodeToolOutput folds a host tool result into the wire encoding. JSON
// payloads are stringified; denied executions fail with the reason as text.
func encodeToolOutput(out prompt.ToolOutput) dyntools.Result {
	switch out.Type {
	case prompt.OutputJSON:
		return dyntools.Result{Success: true, ContentItems: []dyntools.ContentItem{
			{Type: dyntools.ContentText, Text: string(out.JSON)},
		}}
	case prompt.OutputDenied:
		return dyntools.Failure(out.Text)
	default:
		return dyntools.TextResult(out.Text)
	}
}

func decodeThreadID(raw json.RawMessage) string {
	var e idEnvelope
	_ = json.Unmarshal(raw, &e)
	if e.ThreadID != "" {
		return e.ThreadID
	}
	return e.Thread.ID
}

func decodeTurnID(raw json.RawMessage) string {
	var e idEnvelope
	_ = json.Unmarshal(raw, &e)
	if e.TurnID != "" {
		return e.TurnID
	}
	return e.Turn.ID
}
