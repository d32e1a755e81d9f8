// Package transport provides framed, bidirectional byte channels carrying
// JSON-RPC messages to a Codex app-server peer. Two variants exist:
// line-delimited JSON over subprocess stdio and native text frames over
// WebSocket. Both surface decoded messages, non-fatal errors (malformed
// frames, stderr chatter) and a single terminal close event.
package transport

import (
	"context"
	"errors"
	"sync"

	"goa.design/codex/jsonrpc"
)

var (
	// ErrUnavailable reports that the peer channel could not be opened.
	ErrUnavailable = errors.New("transport: peer unavailable")

	// ErrNotConnected reports a send on a closed or never-opened channel.
	ErrNotConnected = errors.New("transport: not connected")
)

// Transport is a framed bidirectional message channel. Implementations must
// deliver OnMessage callbacks sequentially from a single goroutine and emit
// OnClose exactly once per connection lifetime. Disconnect is best-effort and
// idempotent: calling it twice has the same observable effect as once.
type Transport interface {
	// Connect opens the channel. Fails with ErrUnavailable when the peer
	// cannot be reached.
	Connect(ctx context.Context) error

	// Disconnect closes the channel. It never fails observably.
	Disconnect(ctx context.Context) error

	// Send serializes and frames one message. Fails with ErrNotConnected
	// after close.
	Send(ctx context.Context, msg jsonrpc.Message) error

	// Notify builds a notification and sends it.
	Notify(ctx context.Context, method string, params any) error

	// OnMessage registers a decoded-message listener; the returned function
	// removes it.
	OnMessage(fn func(jsonrpc.Message)) func()

	// OnError registers a listener for non-fatal errors (malformed frames,
	// peer stderr output); the returned function removes it.
	OnError(fn func(error)) func()

	// OnClose registers a listener for the terminal close event; the
	// returned function removes it. The error is nil on clean shutdown.
	OnClose(fn func(error)) func()
}

// listeners is a removal-token callback registry shared by the transport
// variants.
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

// notify is the shared Notify implementation.
func notify(ctx context.Context, t Transport, method string, params any) error {
	raw, err := jsonrpc.MarshalParams(params)
	if err != nil {
		return err
	}
	return t.Send(ctx, &jsonrpc.Notification{Method: method, Params: raw})
}
