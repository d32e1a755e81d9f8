// Package stream defines the ordered generation-part vocabulary emitted for a
// turn and the Mapper that translates the app-server's notification stream
// into it. The mapper is a deterministic, single-threaded state machine: for
// every open text, reasoning or tool-call identifier a start part precedes
// all deltas, a terminal part follows them, and the finish part is always
// last.
package stream

import "encoding/json"

// PartType discriminates the generation parts produced for a turn.
type PartType string

// Part type constants. These values populate Part.Type.
const (
	PartStreamStart     PartType = "stream-start"
	PartTextStart       PartType = "text-start"
	PartTextDelta       PartType = "text-delta"
	PartTextEnd         PartType = "text-end"
	PartReasoningStart  PartType = "reasoning-start"
	PartReasoningDelta  PartType = "reasoning-delta"
	PartReasoningEnd    PartType = "reasoning-end"
	PartToolCall        PartType = "tool-call"
	PartToolResult      PartType = "tool-result"
	PartToolInputStart  PartType = "tool-input-start"
	PartToolInputDelta  PartType = "tool-input-delta"
	PartToolInputEnd    PartType = "tool-input-end"
	PartFinish          PartType = "finish"
	PartError           PartType = "error"
)

// FinishReason labels the outcome of a turn.
type FinishReason string

const (
	// FinishStop means the turn completed normally.
	FinishStop FinishReason = "stop"
	// FinishError means the peer reported the turn failed.
	FinishError FinishReason = "error"
	// FinishOther covers interruption and unknown peer statuses.
	FinishOther FinishReason = "other"
	// FinishToolCalls means the stream ended pending tool results.
	FinishToolCalls FinishReason = "tool-calls"
)

type (
	// Usage is the peer's token accounting snapshot for a turn.
	Usage struct {
		InputTokens       int `json:"inputTokens"`
		CachedInputTokens int `json:"cachedInputTokens"`
		OutputTokens      int `json:"outputTokens"`
		TotalTokens       int `json:"totalTokens"`
	}

	// Part is one element of the ordered generation stream. The Type value
	// indicates which fields are populated:
	//
	//   - text/reasoning parts: ID and, for deltas, Delta
	//   - tool-input parts: ID, ToolName, Delta
	//   - tool-call: ToolCallID, ToolName, Input, ProviderExecuted, Dynamic
	//   - tool-result: ToolCallID, ToolName, Result, Preliminary
	//   - finish: FinishReason, Usage
	//   - error: Err
	//
	// Every part except stream-start carries the active ThreadID when known
	// so callers can resume the thread later.
	Part struct {
		Type PartType

		ID    string
		Delta string

		ToolCallID       string
		ToolName         string
		Input            json.RawMessage
		Result           any
		Preliminary      bool
		ProviderExecuted bool
		Dynamic          bool

		FinishReason FinishReason
		Usage        Usage

		Err error

		ThreadID string
	}

	// CommandResult is the tool-result payload for provider-executed command
	// items. Preliminary results carry only the aggregated output so far.
	CommandResult struct {
		AggregatedOutput string `json:"aggregatedOutput"`
		ExitCode         *int   `json:"exitCode,omitempty"`
		Status           string `json:"status,omitempty"`
	}
)
