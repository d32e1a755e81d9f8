package session

import (
	"context"
	"errors"
	"sync"

	"goa.design/clue/log"

	"goa.design/codex/jsonrpc"
)

// Protocol methods intercepted by the persistent transport.
const (
	methodInitialize  = "initialize"
	methodInitialized = "initialized"
)

// ErrNoParkedCall reports a RespondToParkedToolCall on a worker with no
// parked call.
var ErrNoParkedCall = errors.New("session: no parked tool call")

// PersistentTransport presents a pool-borrowed worker through the transport
// contract for the lifetime of one generation call. Beyond passthrough it
// caches the initialize handshake on the worker so repeat calls synthesize
// the cached response locally, and it exposes the worker's parked-tool-call
// slot. Disconnect releases the worker back to the pool without closing the
// underlying channel and without clearing parked state.
type PersistentTransport struct {
	pool *Pool
	w    *Worker

	mu              sync.Mutex
	released        bool
	initID          *jsonrpc.ID
	skipInitialized bool

	msgs   listeners[jsonrpc.Message]
	errs   listeners[error]
	closes listeners[error]
}

// Borrow acquires a worker from pool and wraps it. The worker is returned to
// the pool by Disconnect.
func Borrow(ctx context.Context, pool *Pool) (*PersistentTransport, error) {
	w, err := pool.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	pt := &PersistentTransport{pool: pool, w: w}

	// Forwarding subscriptions are session-scoped: worker release drops
	// them, so a later borrower never observes this call's listeners.
	w.AddSessionCleanup(w.Transport().OnMessage(pt.forwardMessage))
	w.AddSessionCleanup(w.Transport().OnError(func(err error) { pt.errs.emit(err) }))
	w.AddSessionCleanup(w.Transport().OnClose(func(err error) { pt.closes.emit(err) }))
	return pt, nil
}

// Worker exposes the borrowed worker.
func (pt *PersistentTransport) Worker() *Worker { return pt.w }

// Connect opens the worker's underlying channel when needed.
func (pt *PersistentTransport) Connect(ctx context.Context) error {
	return pt.w.EnsureConnected(ctx)
}

// Disconnect releases the worker to the pool. The underlying channel stays
// open and parked state survives. Idempotent; never fails observably.
func (pt *PersistentTransport) Disconnect(context.Context) error {
	pt.mu.Lock()
	if pt.released {
		pt.mu.Unlock()
		return nil
	}
	pt.released = true
	pt.mu.Unlock()
	pt.pool.Release(pt.w)
	return nil
}

// Send passes messages through to the worker's channel, intercepting the
// initialize handshake: once the worker caches an initialize result, a new
// initialize request sends no bytes and the cached result is synthesized as
// an inbound message with the caller's request id; the matching initialized
// notification is likewise suppressed.
func (pt *PersistentTransport) Send(ctx context.Context, msg jsonrpc.Message) error {
	switch m := msg.(type) {
	case *jsonrpc.Request:
		if m.Method == methodInitialize {
			if cached, ok := pt.w.InitializeResult(); ok {
				pt.mu.Lock()
				pt.skipInitialized = true
				pt.mu.Unlock()
				id := m.ID
				go pt.synthesize(&jsonrpc.Response{ID: id, Result: cached})
				log.Debug(ctx, log.KV{K: "msg", V: "session: initialize served from worker cache"})
				return nil
			}
			pt.mu.Lock()
			id := m.ID
			pt.initID = &id
			pt.mu.Unlock()
		}
	case *jsonrpc.Notification:
		if m.Method == methodInitialized {
			pt.mu.Lock()
			skip := pt.skipInitialized
			pt.mu.Unlock()
			if skip {
				return nil
			}
		}
	}
	return pt.w.Transport().Send(ctx, msg)
}

// Notify builds a notification and sends it through Send so initialized
// suppression applies.
func (pt *PersistentTransport) Notify(ctx context.Context, method string, params any) error {
	raw, err := jsonrpc.MarshalParams(params)
	if err != nil {
		return err
	}
	return pt.Send(ctx, &jsonrpc.Notification{Method: method, Params: raw})
}

// OnMessage registers a listener for inbound and synthesized messages.
func (pt *PersistentTransport) OnMessage(fn func(jsonrpc.Message)) func() { return pt.msgs.add(fn) }

// OnError registers a non-fatal error listener.
func (pt *PersistentTransport) OnError(fn func(error)) func() { return pt.errs.add(fn) }

// OnClose registers a terminal-close listener.
func (pt *PersistentTransport) OnClose(fn func(error)) func() { return pt.closes.add(fn) }

// ParkToolCall stores a suspended tool call on the worker so the next
// generation call borrowing it can respond.
func (pt *PersistentTransport) ParkToolCall(pc *ParkedCall) error { return pt.w.Park(pc) }

// ParkedCall returns the worker's parked tool call, if any.
func (pt *PersistentTransport) ParkedCall() *ParkedCall { return pt.w.Parked() }

// RespondToParkedToolCall settles the parked request with result and clears
// the slot.
func (pt *PersistentTransport) RespondToParkedToolCall(ctx context.Context, result any) error {
	pc := pt.w.Parked()
	if pc == nil {
		return ErrNoParkedCall
	}
	raw, err := jsonrpc.MarshalParams(result)
	if err != nil {
		return err
	}
	if err := pt.w.Transport().Send(ctx, &jsonrpc.Response{ID: pc.RequestID, Result: raw}); err != nil {
		return err
	}
	pt.w.ClearParked()
	return nil
}

// forwardMessage relays an inbound message to this call's listeners,
// intercepting the response to a pass-through initialize request to populate
// the worker cache.
func (pt *PersistentTransport) forwardMessage(msg jsonrpc.Message) {
	if resp, ok := msg.(*jsonrpc.Response); ok {
		pt.mu.Lock()
		intercept := pt.initID != nil && *pt.initID == resp.ID
		if intercept {
			pt.initID = nil
		}
		pt.mu.Unlock()
		if intercept && resp.Error == nil {
			pt.w.MarkInitialized(resp.Result)
		}
	}
	pt.msgs.emit(msg)
}

// synthesize delivers a locally constructed message to this call's listeners
// unless the transport was already released.
func (pt *PersistentTransport) synthesize(msg jsonrpc.Message) {
	pt.mu.Lock()
	released := pt.released
	pt.mu.Unlock()
	if released {
		return
	}
	pt.msgs.emit(msg)
}

// listeners mirrors the registry used by the transport package; duplicated
// here to keep that package's registry unexported.
type listeners[T any] struct {
	mu   sync.Mutex
	next int
	fns  map[int]func(T)
}

func (l *listeners[T]) add(fn func(T)) func() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.fns == nil {
		l.fns = make(map[int]func(T))
	}
	l.next++
	key := l.next
	l.fns[key] = fn
	return func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		delete(l.fns, key)
	}
}

func (l *listeners[T]) emit(v T) {
	l.mu.Lock()
	fns := make([]func(T), 0, len(l.fns))
	for _, fn := range l.fns {
		fns = append(fns, fn)
	}
	l.mu.Unlock()
	for _, fn := range fns {
		fn(v)
	}
}
