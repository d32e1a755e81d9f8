package session

import (
	"context"
	"sync"

	"goa.design/codex/jsonrpc"
	"goa.design/codex/transport"
)

// fakeTransport is an in-memory transport with removable listeners so tests
// can observe wire traffic and session-scoped listener teardown.
type fakeTransport struct {
	mu       sync.Mutex
	connects int
	closed   bool
	sent     []jsonrpc.Message

	nextKey  int
	msgFns   map[int]func(jsonrpc.Message)
	errFns   map[int]func(error)
	closeFns map[int]func(error)
}

var _ transport.Transport = (*fakeTransport)(nil)

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		msgFns:   make(map[int]func(jsonrpc.Message)),
		errFns:   make(map[int]func(error)),
		closeFns: make(map[int]func(error)),
	}
}

func (f *fakeTransport) Connect(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connects++
	f.closed = false
	return nil
}

func (f *fakeTransport) Disconnect(context.Context) error {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return nil
	}
	f.closed = true
	fns := make([]func(error), 0, len(f.closeFns))
	for _, fn := range f.closeFns {
		fns = append(fns, fn)
	}
	f.mu.Unlock()
	for _, fn := range fns {
		fn(nil)
	}
	return nil
}

func (f *fakeTransport) Send(_ context.Context, msg jsonrpc.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, msg)
	return nil
}

func (f *fakeTransport) Notify(ctx context.Context, method string, params any) error {
	raw, err := jsonrpc.MarshalParams(params)
	if err != nil {
		return err
	}
	return f.Send(ctx, &jsonrpc.Notification{Method: method, Params: raw})
}

func (f *fakeTransport) OnMessage(fn func(jsonrpc.Message)) func() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextKey++
	key := f.nextKey
	f.msgFns[key] = fn
	return func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		delete(f.msgFns, key)
	}
}

func (f *fakeTransport) OnError(fn func(error)) func() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextKey++
	key := f.nextKey
	f.errFns[key] = fn
	return func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		delete(f.errFns, key)
	}
}

func (f *fakeTransport) OnClose(fn func(error)) func() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextKey++
	key := f.nextKey
	f.closeFns[key] = fn
	return func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		delete(f.closeFns, key)
	}
}

// deliver pushes an inbound message through the registered listeners.
func (f *fakeTransport) deliver(msg jsonrpc.Message) {
	f.mu.Lock()
	fns := make([]func(jsonrpc.Message), 0, len(f.msgFns))
	for _, fn := range f.msgFns {
		fns = append(fns, fn)
	}
	f.mu.Unlock()
	for _, fn := range fns {
		fn(msg)
	}
}

func (f *fakeTransport) sentMessages() []jsonrpc.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]jsonrpc.Message{}, f.sent...)
}

func (f *fakeTransport) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}
