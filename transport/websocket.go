package transport

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"goa.design/codex/jsonrpc"
)

type (
	// WebSocketConfig describes a WebSocket connection to an app-server.
	WebSocketConfig struct {
		// URL is the ws:// or wss:// endpoint.
		URL string
		// Header carries extra handshake headers (auth tokens and the like).
		Header http.Header
		// HandshakeTimeout bounds the dial; zero uses the dialer default.
		HandshakeTimeout time.Duration
	}

	// WebSocket carries one JSON-RPC message per text frame.
	WebSocket struct {
		cfg WebSocketConfig

		mu        sync.Mutex
		conn      *websocket.Conn
		connected bool

		writeMu sync.Mutex

		msgs   listeners[jsonrpc.Message]
		errs   listeners[error]
		closes listeners[error]
	}
)

// NewWebSocket builds a WebSocket transport from cfg.
func NewWebSocket(cfg WebSocketConfig) *WebSocket {
	return &WebSocket{cfg: cfg}
}

// Connect dials the endpoint and starts the read pump.
func (w *WebSocket) Connect(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.connected {
		return nil
	}
	dialer := websocket.Dialer{HandshakeTimeout: w.cfg.HandshakeTimeout}
	conn, _, err := dialer.DialContext(ctx, w.cfg.URL, w.cfg.Header)
	if err != nil {
		return fmt.Errorf("%w: dial %s: %s", ErrUnavailable, w.cfg.URL, err)
	}
	w.conn = conn
	w.connected = true
	go w.readLoop(conn)
	return nil
}

// Disconnect performs the close handshake. Idempotent; never fails
// observably.
func (w *WebSocket) Disconnect(_ context.Context) error {
	w.mu.Lock()
	if !w.connected {
		w.mu.Unlock()
		return nil
	}
	w.connected = false
	conn := w.conn
	w.mu.Unlock()

	w.writeMu.Lock()
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	w.writeMu.Unlock()
	_ = conn.Close()
	return nil
}

// Send writes one message as a text frame.
func (w *WebSocket) Send(_ context.Context, msg jsonrpc.Message) error {
	w.mu.Lock()
	connected, conn := w.connected, w.conn
	w.mu.Unlock()
	if !connected || conn == nil {
		return ErrNotConnected
	}
	data, err := jsonrpc.EncodeMessage(msg)
	if err != nil {
		return err
	}
	w.writeMu.Lock()
	defer w.writeMu.Unlock()
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("%w: %s", ErrNotConnected, err)
	}
	return nil
}

// Notify builds a notification and sends it.
func (w *WebSocket) Notify(ctx context.Context, method string, params any) error {
	return notify(ctx, w, method, params)
}

// OnMessage registers a decoded-message listener.
func (w *WebSocket) OnMessage(fn func(jsonrpc.Message)) func() { return w.msgs.add(fn) }

// OnError registers a non-fatal error listener.
func (w *WebSocket) OnError(fn func(error)) func() { return w.errs.add(fn) }

// OnClose registers a terminal-close listener.
func (w *WebSocket) OnClose(fn func(error)) func() { return w.closes.add(fn) }

func (w *WebSocket) readLoop(conn *websocket.Conn) {
	for {
		kind, data, err := conn.ReadMessage()
		if err != nil {
			w.mu.Lock()
			wasConnected := w.connected
			w.connected = false
			w.mu.Unlock()
			if !wasConnected || websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				err = nil
			}
			w.closes.emit(err)
			return
		}
		if kind != websocket.TextMessage || len(data) == 0 {
			continue
		}
		msg, err := jsonrpc.DecodeMessage(data)
		if err != nil {
			w.errs.emit(err)
			continue
		}
		w.msgs.emit(msg)
	}
}
