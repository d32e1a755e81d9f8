package approvals

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"goa.design/codex/jsonrpc"
)

// fakeConn records outbound responses so tests can assert on decisions.
type fakeConn struct {
	mu     sync.Mutex
	sent   []jsonrpc.Message
	msgFns []func(jsonrpc.Message)
}

func (f *fakeConn) Send(_ context.Context, m jsonrpc.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, m)
	return nil
}

func (f *fakeConn) OnMessage(fn func(jsonrpc.Message)) func() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.msgFns = append(f.msgFns, fn)
	return func() {}
}

func (f *fakeConn) OnClose(func(error)) func() { return func() {} }

func (f *fakeConn) deliver(m jsonrpc.Message) {
	f.mu.Lock()
	fns := append([]func(jsonrpc.Message){}, f.msgFns...)
	f.mu.Unlock()
	for _, fn := range fns {
		fn(m)
	}
}

func (f *fakeConn) decisionOf(t *testing.T) Decision {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	require.NotEmpty(t, f.sent)
	resp, ok := f.sent[len(f.sent)-1].(*jsonrpc.Response)
	require.True(t, ok)
	require.Nil(t, resp.Error)
	var d struct {
		Decision Decision `json:"decision"`
	}
	require.NoError(t, json.Unmarshal(resp.Result, &d))
	return d.Decision
}

func request(method string, params string) *jsonrpc.Request {
	return &jsonrpc.Request{ID: jsonrpc.IntID(1), Method: method, Params: json.RawMessage(params)}
}

func TestDefaultDecisionIsReject(t *testing.T) {
	conn := &fakeConn{}
	c := jsonrpc.NewClient(context.Background(), conn)
	defer c.Close()
	Handlers{}.Attach(c)

	conn.deliver(request(MethodCommandApproval, `{"command":"rm -rf /"}`))
	assert.Equal(t, Reject, conn.decisionOf(t))

	conn.deliver(request(MethodFileChangeApproval, `{"itemId":"f1"}`))
	assert.Equal(t, Reject, conn.decisionOf(t))
}

func TestConfiguredDefaultDecision(t *testing.T) {
	conn := &fakeConn{}
	c := jsonrpc.NewClient(context.Background(), conn)
	defer c.Close()
	Handlers{Default: AcceptForSession}.Attach(c)

	conn.deliver(request(MethodCommandApproval, `{}`))
	assert.Equal(t, AcceptForSession, conn.decisionOf(t))
}

func TestCommandHandlerReceivesRequestFields(t *testing.T) {
	conn := &fakeConn{}
	c := jsonrpc.NewClient(context.Background(), conn)
	defer c.Close()

	var got CommandRequest
	Handlers{
		OnCommand: func(_ context.Context, req CommandRequest) (Decision, error) {
			got = req
			return Accept, nil
		},
	}.Attach(c)

	conn.deliver(request(MethodCommandApproval,
		`{"threadId":"thr_1","turnId":"turn_1","itemId":"i1","command":"ls -l","cwd":"/tmp"}`))
	assert.Equal(t, Accept, conn.decisionOf(t))
	assert.Equal(t, "thr_1", got.ThreadID)
	assert.Equal(t, "ls -l", got.Command)
	assert.Equal(t, "/tmp", got.Cwd)
}

func TestFileChangeHandlerDecision(t *testing.T) {
	conn := &fakeConn{}
	c := jsonrpc.NewClient(context.Background(), conn)
	defer c.Close()

	Handlers{
		OnFileChange: func(_ context.Context, req FileChangeRequest) (Decision, error) {
			if req.ItemID == "danger" {
				return Abort, nil
			}
			return Accept, nil
		},
	}.Attach(c)

	conn.deliver(request(MethodFileChangeApproval, `{"itemId":"danger"}`))
	assert.Equal(t, Abort, conn.decisionOf(t))

	conn.deliver(request(MethodFileChangeApproval, `{"itemId":"ok"}`))
	assert.Equal(t, Accept, conn.decisionOf(t))
}

func TestHandlerErrorFallsBackToDefault(t *testing.T) {
	conn := &fakeConn{}
	c := jsonrpc.NewClient(context.Background(), conn)
	defer c.Close()

	Handlers{
		OnCommand: func(context.Context, CommandRequest) (Decision, error) {
			return "", errors.New("policy service down")
		},
	}.Attach(c)

	conn.deliver(request(MethodCommandApproval, `{}`))
	assert.Equal(t, Reject, conn.decisionOf(t), "handler failure answers the default, not an error response")
}

func TestAttachRemovalDetachesBothMethods(t *testing.T) {
	conn := &fakeConn{}
	c := jsonrpc.NewClient(context.Background(), conn)
	defer c.Close()

	remove := Handlers{Default: Accept}.Attach(c)
	remove()

	conn.deliver(request(MethodCommandApproval, `{}`))
	conn.mu.Lock()
	resp := conn.sent[len(conn.sent)-1].(*jsonrpc.Response)
	conn.mu.Unlock()
	require.NotNil(t, resp.Error, "detached method answers method-not-found")
	assert.Equal(t, int64(jsonrpc.CodeMethodNotFound), resp.Error.Code)
}
