// Package session provides reusable app-server connections that survive
// across generation calls. A Worker wraps one transport and caches the
// initialize handshake; a Pool coordinates worker acquisition with FIFO
// backpressure; a Registry shares keyed pools process-wide; and
// PersistentTransport presents a pooled worker through the transport contract
// for the lifetime of one generation call, parking in-flight tool calls
// across call boundaries.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"goa.design/codex/jsonrpc"
	"goa.design/codex/transport"
)

// State is the lifecycle state of a Worker.
type State string

const (
	// StateDisconnected means the underlying channel is closed. The worker
	// reconnects lazily on next use.
	StateDisconnected State = "disconnected"
	// StateIdle means the worker is connected (or reconnectable) and
	// available for acquisition.
	StateIdle State = "idle"
	// StateBusy means one generation call owns the worker.
	StateBusy State = "busy"
)

var (
	// ErrParkedCallExists reports an attempt to park a second tool call on a
	// worker that already holds one.
	ErrParkedCallExists = errors.New("session: worker already holds a parked tool call")
)

type (
	// ParkedCall is an inbound tool-call request whose JSON-RPC response was
	// deliberately withheld at end-of-turn so a later generation call on the
	// same worker can supply the result.
	ParkedCall struct {
		// RequestID is the peer's request id to settle later.
		RequestID jsonrpc.ID
		// CallID is the tool call identifier carried in the request params.
		CallID string
		// ToolName names the requested tool.
		ToolName string
		// Arguments is the raw tool input.
		Arguments json.RawMessage
		// ThreadID is the thread the call belongs to.
		ThreadID string
	}

	// Worker wraps one underlying transport into a reusable session. State
	// transitions: disconnected → idle → busy → idle → … → disconnected.
	// Transport loss resets the worker: the initialize cache is dropped and
	// session-scoped listeners are detached.
	Worker struct {
		tr transport.Transport

		mu          sync.Mutex
		state       State
		connected   bool
		initialized bool
		cachedInit  json.RawMessage
		parked      *ParkedCall
		idleTimeout time.Duration
		idleTimer   *time.Timer
		cleanups    []func()
		onExpire    func(*Worker)
		removeClose func()
	}
)

// NewWorker wraps tr. idleTimeout tears the worker down after release when it
// stays unused; zero disables expiry. onExpire, when non-nil, is invoked
// after an idle teardown (the pool uses it to forget the worker).
func NewWorker(tr transport.Transport, idleTimeout time.Duration, onExpire func(*Worker)) *Worker {
	w := &Worker{
		tr:          tr,
		state:       StateDisconnected,
		idleTimeout: idleTimeout,
		onExpire:    onExpire,
	}
	w.removeClose = tr.OnClose(func(error) { w.reset() })
	return w
}

// Transport exposes the underlying channel.
func (w *Worker) Transport() transport.Transport { return w.tr }

// State returns the current lifecycle state.
func (w *Worker) State() State {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

// EnsureConnected opens the underlying channel when it is closed.
func (w *Worker) EnsureConnected(ctx context.Context) error {
	w.mu.Lock()
	connected := w.connected
	w.mu.Unlock()
	if connected {
		return nil
	}
	if err := w.tr.Connect(ctx); err != nil {
		return err
	}
	w.mu.Lock()
	w.connected = true
	w.mu.Unlock()
	return nil
}

// Acquire marks the worker busy and cancels any pending idle teardown.
func (w *Worker) Acquire() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.idleTimer != nil {
		w.idleTimer.Stop()
		w.idleTimer = nil
	}
	w.state = StateBusy
}

// Release detaches session-scoped listeners, marks the worker idle and arms
// the idle teardown timer.
func (w *Worker) Release() {
	w.mu.Lock()
	cleanups := w.cleanups
	w.cleanups = nil
	w.state = StateIdle
	if w.idleTimeout > 0 {
		if w.idleTimer != nil {
			w.idleTimer.Stop()
		}
		w.idleTimer = time.AfterFunc(w.idleTimeout, w.expire)
	}
	w.mu.Unlock()
	for _, fn := range cleanups {
		fn()
	}
}

// Recycle detaches session-scoped listeners while keeping the worker busy.
// The pool uses it when handing a worker directly to a queued waiter.
func (w *Worker) Recycle() {
	w.mu.Lock()
	cleanups := w.cleanups
	w.cleanups = nil
	w.mu.Unlock()
	for _, fn := range cleanups {
		fn()
	}
}

// Shutdown stops timers, detaches all listeners and closes the underlying
// channel. Idempotent.
func (w *Worker) Shutdown(ctx context.Context) {
	w.mu.Lock()
	if w.idleTimer != nil {
		w.idleTimer.Stop()
		w.idleTimer = nil
	}
	cleanups := w.cleanups
	w.cleanups = nil
	removeClose := w.removeClose
	w.removeClose = nil
	w.mu.Unlock()

	for _, fn := range cleanups {
		fn()
	}
	if removeClose != nil {
		removeClose()
	}
	_ = w.tr.Disconnect(ctx)
	w.reset()
}

// AddSessionCleanup tracks a listener-removal function to run when the
// current borrower releases the worker.
func (w *Worker) AddSessionCleanup(fn func()) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.cleanups = append(w.cleanups, fn)
}

// MarkInitialized stores the initialize handshake result so later borrowers
// can skip the wire round-trip.
func (w *Worker) MarkInitialized(result json.RawMessage) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.initialized = true
	w.cachedInit = result
}

// InitializeResult returns the cached handshake result when present.
func (w *Worker) InitializeResult() (json.RawMessage, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.initialized {
		return nil, false
	}
	return w.cachedInit, true
}

// Park stores a suspended tool call on the worker. At most one call may be
// parked at a time.
func (w *Worker) Park(pc *ParkedCall) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.parked != nil {
		return ErrParkedCallExists
	}
	w.parked = pc
	return nil
}

// Parked returns the parked tool call, if any.
func (w *Worker) Parked() *ParkedCall {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.parked
}

// ClearParked drops the parked tool call.
func (w *Worker) ClearParked() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.parked = nil
}

// reset reacts to transport loss: the handshake cache is invalidated and
// session-scoped listeners are dropped. The parked call survives so a later
// borrower can still observe and fail it explicitly.
func (w *Worker) reset() {
	w.mu.Lock()
	w.state = StateDisconnected
	w.connected = false
	w.initialized = false
	w.cachedInit = nil
	cleanups := w.cleanups
	w.cleanups = nil
	w.mu.Unlock()
	for _, fn := range cleanups {
		fn()
	}
}

func (w *Worker) expire() {
	w.Shutdown(context.Background())
	if w.onExpire != nil {
		w.onExpire(w)
	}
}
