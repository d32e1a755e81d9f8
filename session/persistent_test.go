package session

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"goa.design/codex/jsonrpc"
	"goa.design/codex/transport"
)

func borrowOn(t *testing.T, p *Pool) *PersistentTransport {
	t.Helper()
	pt, err := Borrow(context.Background(), p)
	require.NoError(t, err)
	require.NoError(t, pt.Connect(context.Background()))
	return pt
}

func TestPersistentInitializeCachedAcrossBorrows(t *testing.T) {
	fake := newFakeTransport()
	p := NewPool(func() transport.Transport { return fake }, 1, 0)
	defer p.Shutdown(context.Background())

	// First borrower: initialize goes over the wire.
	pt1 := borrowOn(t, p)
	var got1 []jsonrpc.Message
	pt1.OnMessage(func(m jsonrpc.Message) { got1 = append(got1, m) })

	init := &jsonrpc.Request{ID: jsonrpc.IntID(1), Method: "initialize", Params: json.RawMessage(`{"clientInfo":{"name":"t","version":"1"}}`)}
	require.NoError(t, pt1.Send(context.Background(), init))
	require.Len(t, fake.sentMessages(), 1, "first initialize reaches the wire")

	fake.deliver(&jsonrpc.Response{ID: jsonrpc.IntID(1), Result: json.RawMessage(`{"serverInfo":{"name":"peer"}}`)})
	require.Len(t, got1, 1)

	require.NoError(t, pt1.Notify(context.Background(), "initialized", nil))
	require.Len(t, fake.sentMessages(), 2, "first initialized reaches the wire")

	require.NoError(t, pt1.Disconnect(context.Background()))
	assert.False(t, fake.isClosed(), "release keeps the underlying channel open")

	// Second borrower: handshake is served from the worker cache.
	pt2 := borrowOn(t, p)
	synth := make(chan jsonrpc.Message, 1)
	pt2.OnMessage(func(m jsonrpc.Message) { synth <- m })

	require.NoError(t, pt2.Send(context.Background(), &jsonrpc.Request{ID: jsonrpc.IntID(1), Method: "initialize"}))
	assert.Len(t, fake.sentMessages(), 2, "cached initialize sends no bytes")

	select {
	case m := <-synth:
		resp, ok := m.(*jsonrpc.Response)
		require.True(t, ok)
		assert.Equal(t, jsonrpc.IntID(1), resp.ID, "synthesized response carries the caller's id")
		assert.JSONEq(t, `{"serverInfo":{"name":"peer"}}`, string(resp.Result))
	case <-time.After(time.Second):
		t.Fatal("no synthesized initialize response")
	}

	require.NoError(t, pt2.Notify(context.Background(), "initialized", nil))
	assert.Len(t, fake.sentMessages(), 2, "initialized is suppressed on the cached path")
}

func TestPersistentReleaseDropsSessionListeners(t *testing.T) {
	fake := newFakeTransport()
	p := NewPool(func() transport.Transport { return fake }, 1, 0)
	defer p.Shutdown(context.Background())

	pt1 := borrowOn(t, p)
	var seen int
	pt1.OnMessage(func(jsonrpc.Message) { seen++ })
	require.NoError(t, pt1.Disconnect(context.Background()))

	fake.deliver(&jsonrpc.Notification{Method: "turn/started"})
	assert.Zero(t, seen, "messages after release never reach the previous borrower")
}

func TestPersistentParkedCallLifecycle(t *testing.T) {
	fake := newFakeTransport()
	p := NewPool(func() transport.Transport { return fake }, 1, 0)
	defer p.Shutdown(context.Background())

	pt1 := borrowOn(t, p)
	require.ErrorIs(t, pt1.RespondToParkedToolCall(context.Background(), "x"), ErrNoParkedCall)

	parked := &ParkedCall{
		RequestID: jsonrpc.StringID("req-9"),
		CallID:    "c1",
		ToolName:  "lookup_ticket",
		Arguments: json.RawMessage(`{"id":"T-1"}`),
		ThreadID:  "thr_1",
	}
	require.NoError(t, pt1.ParkToolCall(parked))
	require.ErrorIs(t, pt1.ParkToolCall(&ParkedCall{CallID: "c2"}), ErrParkedCallExists)
	require.NoError(t, pt1.Disconnect(context.Background()))

	// The next borrower of the same worker observes the parked call.
	pt2 := borrowOn(t, p)
	got := pt2.ParkedCall()
	require.NotNil(t, got)
	assert.Equal(t, "c1", got.CallID)
	assert.Equal(t, "thr_1", got.ThreadID)

	before := len(fake.sentMessages())
	require.NoError(t, pt2.RespondToParkedToolCall(context.Background(), map[string]bool{"success": true}))
	sent := fake.sentMessages()
	require.Len(t, sent, before+1)
	resp, ok := sent[len(sent)-1].(*jsonrpc.Response)
	require.True(t, ok)
	assert.Equal(t, jsonrpc.StringID("req-9"), resp.ID)
	assert.JSONEq(t, `{"success":true}`, string(resp.Result))

	assert.Nil(t, pt2.ParkedCall(), "responding clears the slot")
}

func TestWorkerResetKeepsParkedCallDropsCache(t *testing.T) {
	fake := newFakeTransport()
	w := NewWorker(fake, 0, nil)
	require.NoError(t, w.EnsureConnected(context.Background()))

	w.MarkInitialized(json.RawMessage(`{}`))
	require.NoError(t, w.Park(&ParkedCall{CallID: "c1"}))

	_ = fake.Disconnect(context.Background())

	_, cached := w.InitializeResult()
	assert.False(t, cached, "transport loss invalidates the handshake cache")
	require.NotNil(t, w.Parked(), "the parked call survives transport loss")
	assert.Equal(t, StateDisconnected, w.State())
}
