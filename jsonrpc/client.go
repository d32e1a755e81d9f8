package jsonrpc

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"goa.design/clue/log"
)

var (
	// ErrTimeout reports that a request deadline elapsed before the matching
	// response arrived. The pending entry is removed; a late response with
	// the same id is dropped.
	ErrTimeout = errors.New("jsonrpc: request timed out")

	// ErrDisconnected reports that the underlying channel closed while
	// requests were pending, or that the client was closed.
	ErrDisconnected = errors.New("jsonrpc: disconnected")
)

type (
	// Conn is the minimal transport surface the client needs. It is
	// satisfied by transport.Transport. Message delivery must be serialized:
	// the client assumes OnMessage callbacks never run concurrently.
	Conn interface {
		// Send serializes and frames one message.
		Send(ctx context.Context, msg Message) error
		// OnMessage registers a decoded-message listener and returns its
		// removal function.
		OnMessage(fn func(Message)) func()
		// OnClose registers a terminal-close listener and returns its
		// removal function. The error is nil on clean shutdown.
		OnClose(fn func(error)) func()
	}

	// RequestHandler serves one inbound request and settles it: the client
	// encodes the returned value as the result, or the returned error as a
	// JSON-RPC error response (an *Error is sent verbatim, anything else
	// becomes CodeHandlerError).
	RequestHandler func(ctx context.Context, req *Request) (any, error)

	// DeferredHandler serves one inbound request without settling it: the
	// handler owns the Responder and may reply immediately, later, or never.
	// Parking a tool call across generation calls is implemented by storing
	// the request id and leaving the Responder untouched.
	DeferredHandler func(ctx context.Context, req *Request, reply *Responder)

	// NotificationHandler consumes one inbound notification.
	NotificationHandler func(method string, params []byte)

	// Client is a JSON-RPC 2.0 correlator over a Conn. It owns outbound id
	// allocation, pending-request bookkeeping and inbound dispatch. A Client
	// serves a single logical session: inbound messages are processed in
	// arrival order and an inbound-request handler completes before the next
	// inbound message is dispatched.
	Client struct {
		ctx  context.Context
		conn Conn

		mu       sync.Mutex
		nextID   int64
		pending  map[ID]chan settled
		notif    map[string]map[int]NotificationHandler
		anyNotif map[int]NotificationHandler
		requests map[string]DeferredHandler
		nextSub  int
		closed   bool

		removeMsg   func()
		removeClose func()
	}

	// Responder settles one inbound request. It is safe to call at most one
	// of Result and Fail; subsequent calls are no-ops.
	Responder struct {
		c    *Client
		id   ID
		once sync.Once
	}

	settled struct {
		resp *Response
		err  error
	}
)

// NewClient builds a client over conn. ctx scopes handler invocations and
// outbound responses; it is typically the generation-call context.
func NewClient(ctx context.Context, conn Conn) *Client {
	c := &Client{
		ctx:      ctx,
		conn:     conn,
		pending:  make(map[ID]chan settled),
		notif:    make(map[string]map[int]NotificationHandler),
		anyNotif: make(map[int]NotificationHandler),
		requests: make(map[string]DeferredHandler),
	}
	c.removeMsg = conn.OnMessage(c.dispatch)
	c.removeClose = conn.OnClose(func(error) { c.Close() })
	return c
}

// Call sends a request and blocks until the matching response, the timeout,
// ctx cancellation or disconnect. A zero timeout disables the deadline.
// A peer error response is returned as an *Error.
func (c *Client) Call(ctx context.Context, method string, params any, timeout time.Duration) ([]byte, error) {
	raw, err := MarshalParams(params)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrDisconnected, method)
	}
	c.nextID++
	id := IntID(c.nextID)
	ch := make(chan settled, 1)
	c.pending[id] = ch
	c.mu.Unlock()

	var timer *time.Timer
	if timeout > 0 {
		timer = time.AfterFunc(timeout, func() {
			c.settle(id, settled{err: fmt.Errorf("%w: %s after %s", ErrTimeout, method, timeout)})
		})
		defer timer.Stop()
	}

	req := &Request{ID: id, Method: method, Params: raw}
	if err := c.conn.Send(ctx, req); err != nil {
		c.forget(id)
		return nil, fmt.Errorf("jsonrpc: send %s: %w", method, err)
	}

	select {
	case s := <-ch:
		if s.err != nil {
			return nil, s.err
		}
		if s.resp.Error != nil {
			return nil, s.resp.Error
		}
		return s.resp.Result, nil
	case <-ctx.Done():
		c.forget(id)
		return nil, ctx.Err()
	}
}

// Notify sends a fire-and-forget notification.
func (c *Client) Notify(ctx context.Context, method string, params any) error {
	raw, err := MarshalParams(params)
	if err != nil {
		return err
	}
	return c.conn.Send(ctx, &Notification{Method: method, Params: raw})
}

// OnNotification registers a handler for one inbound notification method and
// returns its removal function.
func (c *Client) OnNotification(method string, fn NotificationHandler) func() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.notif[method] == nil {
		c.notif[method] = make(map[int]NotificationHandler)
	}
	c.nextSub++
	key := c.nextSub
	c.notif[method][key] = fn
	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.notif[method], key)
	}
}

// OnAnyNotification registers a handler invoked for every inbound
// notification and returns its removal function.
func (c *Client) OnAnyNotification(fn NotificationHandler) func() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextSub++
	key := c.nextSub
	c.anyNotif[key] = fn
	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.anyNotif, key)
	}
}

// OnRequest registers a settling handler for one inbound request method and
// returns its removal function. Handler panics are recovered and encoded as
// CodeHandlerError responses.
func (c *Client) OnRequest(method string, fn RequestHandler) func() {
	return c.OnRequestDeferred(method, func(ctx context.Context, req *Request, reply *Responder) {
		result, err := invoke(ctx, fn, req)
		if err != nil {
			var rpcErr *Error
			if !errors.As(err, &rpcErr) {
				rpcErr = NewError(CodeHandlerError, err.Error(), nil)
			}
			_ = reply.Fail(rpcErr)
			return
		}
		_ = reply.Result(result)
	})
}

// OnRequestDeferred registers a deferred handler for one inbound request
// method and returns its removal function. The client sends no response on
// the handler's behalf.
func (c *Client) OnRequestDeferred(method string, fn DeferredHandler) func() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.requests[method] = fn
	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		if h, ok := c.requests[method]; ok && isSameHandler(h, fn) {
			delete(c.requests, method)
		}
	}
}

// Close detaches the client from its Conn and rejects every pending request
// with ErrDisconnected. It is idempotent and never closes the Conn itself.
func (c *Client) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	pending := c.pending
	c.pending = make(map[ID]chan settled)
	removeMsg, removeClose := c.removeMsg, c.removeClose
	c.removeMsg, c.removeClose = nil, nil
	c.mu.Unlock()

	if removeMsg != nil {
		removeMsg()
	}
	if removeClose != nil {
		removeClose()
	}
	for id, ch := range pending {
		ch <- settled{err: fmt.Errorf("%w: request %s abandoned", ErrDisconnected, id)}
	}
}

// Result settles the request with a success response.
func (r *Responder) Result(v any) error {
	var err error
	r.once.Do(func() {
		var raw []byte
		raw, err = MarshalParams(v)
		if err != nil {
			return
		}
		err = r.c.conn.Send(r.c.ctx, &Response{ID: r.id, Result: raw})
	})
	return err
}

// Fail settles the request with an error response.
func (r *Responder) Fail(e *Error) error {
	var err error
	r.once.Do(func() {
		err = r.c.conn.Send(r.c.ctx, &Response{ID: r.id, Error: e})
	})
	return err
}

// dispatch routes one inbound message. It runs on the Conn's delivery
// goroutine; request handlers complete before the next message is processed.
func (c *Client) dispatch(msg Message) {
	switch m := msg.(type) {
	case *Response:
		if !c.settle(m.ID, settled{resp: m}) {
			log.Debug(c.ctx, log.KV{K: "msg", V: "jsonrpc: dropping response for unknown id"}, log.KV{K: "id", V: m.ID.String()})
		}
	case *Request:
		c.mu.Lock()
		fn, ok := c.requests[m.Method]
		c.mu.Unlock()
		reply := &Responder{c: c, id: m.ID}
		if !ok {
			_ = reply.Fail(NewError(CodeMethodNotFound, fmt.Sprintf("method %q not found", m.Method), nil))
			return
		}
		fn(c.ctx, m, reply)
	case *Notification:
		c.mu.Lock()
		handlers := make([]NotificationHandler, 0, len(c.notif[m.Method])+len(c.anyNotif))
		for _, fn := range c.notif[m.Method] {
			handlers = append(handlers, fn)
		}
		for _, fn := range c.anyNotif {
			handlers = append(handlers, fn)
		}
		c.mu.Unlock()
		for _, fn := range handlers {
			fn(m.Method, m.Params)
		}
	}
}

// settle delivers the outcome for id and reports whether it was pending.
func (c *Client) settle(id ID, s settled) bool {
	c.mu.Lock()
	ch, ok := c.pending[id]
	if ok {
		delete(c.pending, id)
	}
	c.mu.Unlock()
	if ok {
		ch <- s
	}
	return ok
}

// forget removes a pending entry without delivering an outcome.
func (c *Client) forget(id ID) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

func invoke(ctx context.Context, fn RequestHandler, req *Request) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return fn(ctx, req)
}

// isSameHandler guards removal so a stale unsubscribe cannot drop a handler
// registered after it. Function values are not comparable in Go; identity is
// approximated by pointer equality of the wrapped value.
func isSameHandler(a, b DeferredHandler) bool {
	return fmt.Sprintf("%p", a) == fmt.Sprintf("%p", b)
}
