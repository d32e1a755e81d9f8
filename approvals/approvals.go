// Package approvals answers the app-server's command-execution and
// file-change approval requests. Dispatch is stateless: each inbound request
// delegates to a caller-supplied function, and any handler failure folds to
// the configured default decision so the turn keeps streaming.
package approvals

import (
	"context"
	"encoding/json"
	"fmt"

	"goa.design/clue/log"

	"goa.design/codex/jsonrpc"
)

// Decision is an approval outcome.
type Decision string

const (
	// Accept approves this request only.
	Accept Decision = "accept"
	// AcceptForSession approves this and all similar requests for the
	// session.
	AcceptForSession Decision = "acceptForSession"
	// Reject denies the request.
	Reject Decision = "reject"
	// Abort denies the request and asks the peer to stop the turn.
	Abort Decision = "abort"
)

// Inbound request methods served by this package.
const (
	MethodCommandApproval    = "item/commandExecution/requestApproval"
	MethodFileChangeApproval = "item/fileChange/requestApproval"
)

type (
	// CommandRequest describes a command the peer wants to execute.
	CommandRequest struct {
		ThreadID string   `json:"threadId"`
		TurnID   string   `json:"turnId"`
		ItemID   string   `json:"itemId"`
		Command  string   `json:"command"`
		Argv     []string `json:"argv"`
		Cwd      string   `json:"cwd"`
		Reason   string   `json:"reason"`
	}

	// FileChangeRequest describes file modifications the peer wants to apply.
	FileChangeRequest struct {
		ThreadID string          `json:"threadId"`
		TurnID   string          `json:"turnId"`
		ItemID   string          `json:"itemId"`
		Reason   string          `json:"reason"`
		Changes  json.RawMessage `json:"changes"`
	}

	// Handlers holds the caller-supplied decision functions. A nil function
	// yields the default decision. Default empty means Reject.
	Handlers struct {
		OnCommand    func(ctx context.Context, req CommandRequest) (Decision, error)
		OnFileChange func(ctx context.Context, req FileChangeRequest) (Decision, error)
		Default      Decision
	}

	decisionResult struct {
		Decision Decision `json:"decision"`
	}
)

// Attach registers both approval methods on client and returns a removal
// function covering both.
func (h Handlers) Attach(client *jsonrpc.Client) func() {
	rm1 := client.OnRequest(MethodCommandApproval, h.serveCommand)
	rm2 := client.OnRequest(MethodFileChangeApproval, h.serveFileChange)
	return func() {
		rm1()
		rm2()
	}
}

func (h Handlers) serveCommand(ctx context.Context, req *jsonrpc.Request) (any, error) {
	var p CommandRequest
	_ = json.Unmarshal(req.Params, &p)
	if h.OnCommand == nil {
		return decisionResult{Decision: h.fallback()}, nil
	}
	d, err := h.OnCommand(ctx, p)
	if err != nil {
		return decisionResult{Decision: h.logged(ctx, MethodCommandApproval, err)}, nil
	}
	return decisionResult{Decision: d}, nil
}

func (h Handlers) serveFileChange(ctx context.Context, req *jsonrpc.Request) (any, error) {
	var p FileChangeRequest
	_ = json.Unmarshal(req.Params, &p)
	if h.OnFileChange == nil {
		return decisionResult{Decision: h.fallback()}, nil
	}
	d, err := h.OnFileChange(ctx, p)
	if err != nil {
		return decisionResult{Decision: h.logged(ctx, MethodFileChangeApproval, err)}, nil
	}
	return decisionResult{Decision: d}, nil
}

func (h Handlers) fallback() Decision {
	if h.Default != "" {
		return h.Default
	}
	return Reject
}

// logged reports a handler failure and returns the fallback decision.
func (h Handlers) logged(ctx context.Context, method string, err error) Decision {
	d := h.fallback()
	log.Warn(ctx, log.KV{K: "msg", V: fmt.Sprintf("approvals: handler failed, answering %q", d)},
		log.KV{K: "method", V: method}, log.KV{K: "err", V: err.Error()})
	return d
}
