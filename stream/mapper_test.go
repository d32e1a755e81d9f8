package stream

import (
	"encoding/json"
	"fmt"
	"math/rand"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func handleAll(m *Mapper, events ...[2]string) []Part {
	var parts []Part
	for _, ev := range events {
		parts = append(parts, m.Handle(ev[0], []byte(ev[1]))...)
	}
	return parts
}

func types(parts []Part) []PartType {
	out := make([]PartType, len(parts))
	for i, p := range parts {
		out[i] = p.Type
	}
	return out
}

func TestPlainTextTurn(t *testing.T) {
	m := NewMapper(false)
	m.SetThreadID("thr_1")

	parts := handleAll(m,
		[2]string{"turn/started", `{"turn":{"id":"turn_1"}}`},
		[2]string{"item/started", `{"item":{"id":"m1","type":"agentMessage"}}`},
		[2]string{"item/agentMessage/delta", `{"itemId":"m1","delta":"Hello"}`},
		[2]string{"item/completed", `{"item":{"id":"m1","type":"agentMessage","text":"Hello"}}`},
		[2]string{"turn/completed", `{"turn":{"id":"turn_1","status":"completed"}}`},
	)

	require.Equal(t, []PartType{
		PartStreamStart, PartTextStart, PartTextDelta, PartTextEnd, PartFinish,
	}, types(parts))
	assert.Equal(t, "Hello", parts[2].Delta)
	assert.Equal(t, FinishStop, parts[4].FinishReason)
	assert.Equal(t, Usage{}, parts[4].Usage)
	for _, p := range parts[1:] {
		assert.Equal(t, "thr_1", p.ThreadID)
	}
	assert.Empty(t, parts[0].ThreadID, "stream-start is never stamped")
}

func TestAgentMessageFullTextFallback(t *testing.T) {
	m := NewMapper(false)
	parts := handleAll(m,
		[2]string{"item/started", `{"item":{"id":"m1","type":"agentMessage"}}`},
		[2]string{"item/completed", `{"item":{"id":"m1","type":"agentMessage","text":"whole message"}}`},
	)
	require.Equal(t, []PartType{PartStreamStart, PartTextStart, PartTextDelta, PartTextEnd}, types(parts))
	assert.Equal(t, "whole message", parts[2].Delta)
}

func TestCommandExecutionLifecycle(t *testing.T) {
	m := NewMapper(false)
	parts := handleAll(m,
		[2]string{"item/started", `{"item":{"id":"cmd1","type":"commandExecution","command":"ls -l","cwd":"/tmp"}}`},
		[2]string{"item/commandExecution/outputDelta", `{"itemId":"cmd1","delta":"total 0\n"}`},
		[2]string{"item/commandExecution/outputDelta", `{"itemId":"cmd1","delta":"done"}`},
		[2]string{"item/completed", `{"item":{"id":"cmd1","type":"commandExecution","aggregatedOutput":"total 0\ndone","exitCode":0,"status":"completed"}}`},
	)
	require.Equal(t, []PartType{
		PartStreamStart, PartToolCall, PartToolResult, PartToolResult, PartToolResult,
	}, types(parts))

	call := parts[1]
	assert.Equal(t, "cmd1", call.ToolCallID)
	assert.Equal(t, CommandExecutionToolName, call.ToolName)
	assert.True(t, call.ProviderExecuted)
	assert.JSONEq(t, `{"command":"ls -l","cwd":"/tmp"}`, string(call.Input))

	assert.True(t, parts[2].Preliminary)
	assert.True(t, parts[3].Preliminary)
	assert.Equal(t, CommandResult{AggregatedOutput: "total 0\n"}, parts[2].Result)

	final := parts[4]
	assert.False(t, final.Preliminary)
	res, ok := final.Result.(CommandResult)
	require.True(t, ok)
	assert.Equal(t, "total 0\ndone", res.AggregatedOutput)
	require.NotNil(t, res.ExitCode)
	assert.Equal(t, 0, *res.ExitCode)
	assert.Equal(t, "completed", res.Status)
}

func TestReasoningAndSummaryBreaks(t *testing.T) {
	m := NewMapper(false)
	parts := handleAll(m,
		[2]string{"item/started", `{"item":{"id":"r1","type":"reasoning"}}`},
		[2]string{"item/reasoning/textDelta", `{"itemId":"r1","delta":"thinking"}`},
		[2]string{"item/reasoning/summaryPartAdded", `{"itemId":"r1"}`},
		[2]string{"item/reasoning/summaryTextDelta", `{"itemId":"r1","delta":"summary"}`},
		[2]string{"item/completed", `{"item":{"id":"r1","type":"reasoning"}}`},
	)
	require.Equal(t, []PartType{
		PartStreamStart, PartReasoningStart, PartReasoningDelta, PartReasoningDelta,
		PartReasoningDelta, PartReasoningEnd,
	}, types(parts))
	assert.Equal(t, "\n\n", parts[3].Delta)
}

func TestWrapperEventsAreDropped(t *testing.T) {
	m := NewMapper(false)
	wrappers := []string{
		"turn/itemStarted", "turn/itemCompleted", "agent/messageDelta",
		"turn/reasoningTextDelta", "turn/reasoningSummaryTextDelta",
		"turn/reasoningSummaryPartAdded", "turn/planDelta", "turn/planUpdated",
		"turn/fileChangeOutputDelta", "command/executionOutputDelta",
		"turn/diffUpdated", "turn/diff/updated",
	}
	for _, method := range wrappers {
		assert.Empty(t, m.Handle(method, []byte(`{"itemId":"x","delta":"dup"}`)), method)
	}
}

func TestUnknownMethodsProduceNothing(t *testing.T) {
	m := NewMapper(false)
	assert.Empty(t, m.Handle("thread/somethingNew", []byte(`{}`)))
	assert.Empty(t, m.Handle("item/started", []byte(`not json`)))
}

func TestToolInputEvents(t *testing.T) {
	m := NewMapper(false)
	parts := handleAll(m,
		[2]string{"item/tool/callStarted", `{"callId":"c1","toolName":"lookup"}`},
		[2]string{"item/tool/callDelta", `{"callId":"c1","delta":"{\"id\":"}`},
		[2]string{"item/tool/callDelta", `{"callId":"c1","delta":"\"T-1\"}"}`},
		[2]string{"item/tool/callFinished", `{"callId":"c1"}`},
	)
	require.Equal(t, []PartType{
		PartStreamStart, PartToolInputStart, PartToolInputDelta, PartToolInputDelta, PartToolInputEnd,
	}, types(parts))
	assert.Equal(t, "lookup", parts[1].ToolName)
	assert.Equal(t, "c1", parts[1].ID)
}

func TestUsageSnapshotLastWins(t *testing.T) {
	m := NewMapper(false)
	handleAll(m,
		[2]string{"turn/started", `{}`},
		[2]string{"thread/tokenUsage/updated", `{"tokenUsage":{"inputTokens":1,"outputTokens":2,"totalTokens":3}}`},
		[2]string{"thread/tokenUsage/updated", `{"tokenUsage":{"inputTokens":10,"cachedInputTokens":4,"outputTokens":20,"totalTokens":34}}`},
	)
	parts := m.Handle("turn/completed", []byte(`{"turn":{"status":"completed"}}`))
	require.Equal(t, []PartType{PartFinish}, types(parts))
	assert.Equal(t, Usage{InputTokens: 10, CachedInputTokens: 4, OutputTokens: 20, TotalTokens: 34}, parts[0].Usage)
}

func TestFinishReasonFromStatus(t *testing.T) {
	cases := map[string]FinishReason{
		"completed":   FinishStop,
		"failed":      FinishError,
		"interrupted": FinishOther,
		"mystery":     FinishOther,
	}
	for status, want := range cases {
		m := NewMapper(false)
		parts := m.Handle("turn/completed", []byte(fmt.Sprintf(`{"turn":{"status":%q}}`, status)))
		require.Len(t, parts, 2, status) // stream-start + finish
		assert.Equal(t, want, parts[1].FinishReason, status)
	}
}

func TestTurnCompletedFlushesOpenItems(t *testing.T) {
	m := NewMapper(false)
	handleAll(m,
		[2]string{"item/started", `{"item":{"id":"m1","type":"agentMessage"}}`},
		[2]string{"item/started", `{"item":{"id":"r1","type":"reasoning"}}`},
		[2]string{"item/started", `{"item":{"id":"cmd1","type":"commandExecution","command":"ls"}}`},
		[2]string{"item/agentMessage/delta", `{"itemId":"m1","delta":"hi"}`},
	)
	parts := m.Handle("turn/completed", []byte(`{"turn":{"status":"interrupted"}}`))
	require.Equal(t, []PartType{PartTextEnd, PartReasoningEnd, PartToolResult, PartFinish}, types(parts))
	assert.Equal(t, "m1", parts[0].ID)
	assert.Equal(t, "r1", parts[1].ID)
	assert.Equal(t, "cmd1", parts[2].ToolCallID)
	assert.False(t, parts[2].Preliminary)
	assert.Equal(t, FinishOther, parts[3].FinishReason)
}

func TestMapperIsTerminalAfterFinish(t *testing.T) {
	m := NewMapper(false)
	m.Handle("turn/completed", []byte(`{"turn":{"status":"completed"}}`))
	require.True(t, m.Finished())
	assert.Empty(t, m.Handle("item/started", []byte(`{"item":{"id":"m2","type":"agentMessage"}}`)))
	assert.Empty(t, m.Handle("turn/completed", []byte(`{"turn":{"status":"completed"}}`)))
}

func TestPlanUpdatesReuseDeterministicID(t *testing.T) {
	m := NewMapper(true)
	first := m.Handle("turn/plan/updated", []byte(`{"turnId":"turn_1","plan":[{"step":"a"}]}`))
	require.Equal(t, []PartType{PartStreamStart, PartToolCall, PartToolResult}, types(first))
	assert.Equal(t, "plan:turn_1", first[1].ToolCallID)
	assert.Equal(t, PlanToolName, first[1].ToolName)
	assert.True(t, first[1].ProviderExecuted)

	second := m.Handle("turn/plan/updated", []byte(`{"turnId":"turn_1","plan":[{"step":"a"},{"step":"b"}]}`))
	require.Equal(t, []PartType{PartToolResult}, types(second))
	assert.Equal(t, "plan:turn_1", second[0].ToolCallID)
}

func TestPlanUpdatesDisabledByDefault(t *testing.T) {
	m := NewMapper(false)
	assert.Empty(t, m.Handle("turn/plan/updated", []byte(`{"turnId":"turn_1","plan":[]}`)))
}

// TestStreamDiscipline drives the mapper with random interleavings of item
// lifecycles and checks the ordering invariants hold regardless of schedule.
func TestStreamDiscipline(t *testing.T) {
	params := gopter.DefaultTestParameters()
	params.MinSuccessfulTests = 200
	properties := gopter.NewProperties(params)

	properties.Property("start/delta/end discipline under interleaving", prop.ForAll(
		func(seed int64, items int, deltas int) bool {
			m := NewMapper(false)
			rng := rand.New(rand.NewSource(seed))

			// Per-item event queues; order within an item is fixed, the
			// merge across items is random.
			kinds := []string{"agentMessage", "reasoning", "commandExecution"}
			queues := make([][][2]string, items)
			for i := range queues {
				id := fmt.Sprintf("item%d", i)
				kind := kinds[rng.Intn(len(kinds))]
				var q [][2]string
				q = append(q, [2]string{"item/started", fmt.Sprintf(`{"item":{"id":%q,"type":%q,"command":"ls"}}`, id, kind)})
				for d := 0; d < deltas; d++ {
					switch kind {
					case "agentMessage":
						q = append(q, [2]string{"item/agentMessage/delta", fmt.Sprintf(`{"itemId":%q,"delta":"x"}`, id)})
					case "reasoning":
						q = append(q, [2]string{"item/reasoning/textDelta", fmt.Sprintf(`{"itemId":%q,"delta":"x"}`, id)})
					case "commandExecution":
						q = append(q, [2]string{"item/commandExecution/outputDelta", fmt.Sprintf(`{"itemId":%q,"delta":"x"}`, id)})
					}
				}
				// Half the items complete explicitly, the rest rely on the
				// flush at turn/completed.
				if rng.Intn(2) == 0 {
					q = append(q, [2]string{"item/completed", fmt.Sprintf(`{"item":{"id":%q,"type":%q}}`, id, kind)})
				}
				queues[i] = q
			}

			var parts []Part
			parts = append(parts, m.Handle("turn/started", []byte(`{}`))...)
			for {
				live := make([]int, 0, len(queues))
				for i, q := range queues {
					if len(q) > 0 {
						live = append(live, i)
					}
				}
				if len(live) == 0 {
					break
				}
				i := live[rng.Intn(len(live))]
				ev := queues[i][0]
				queues[i] = queues[i][1:]
				parts = append(parts, m.Handle(ev[0], []byte(ev[1]))...)
			}
			parts = append(parts, m.Handle("turn/completed", []byte(`{"turn":{"status":"completed"}}`))...)

			return checkDiscipline(parts)
		},
		gen.Int64(),
		gen.IntRange(1, 5),
		gen.IntRange(0, 4),
	))

	properties.TestingRun(t)
}

// checkDiscipline verifies the ordering contract: one stream-start first, one
// finish last, starts before deltas before ends per id, and one final
// non-preliminary tool-result per tool call.
func checkDiscipline(parts []Part) bool {
	if len(parts) < 2 || parts[0].Type != PartStreamStart || parts[len(parts)-1].Type != PartFinish {
		return false
	}
	open := map[string]PartType{}
	closed := map[string]bool{}
	calls := map[string]bool{}
	finalResult := map[string]bool{}
	for i, p := range parts[1:] {
		switch p.Type {
		case PartStreamStart:
			return false
		case PartFinish:
			if i != len(parts)-2 {
				return false
			}
		case PartTextStart, PartReasoningStart:
			if _, ok := open[p.ID]; ok || closed[p.ID] {
				return false
			}
			open[p.ID] = p.Type
		case PartTextDelta:
			if open[p.ID] != PartTextStart {
				return false
			}
		case PartReasoningDelta:
			if open[p.ID] != PartReasoningStart {
				return false
			}
		case PartTextEnd, PartReasoningEnd:
			if _, ok := open[p.ID]; !ok {
				return false
			}
			delete(open, p.ID)
			closed[p.ID] = true
		case PartToolCall:
			if calls[p.ToolCallID] {
				return false
			}
			calls[p.ToolCallID] = true
		case PartToolResult:
			if !calls[p.ToolCallID] || finalResult[p.ToolCallID] {
				return false
			}
			if !p.Preliminary {
				finalResult[p.ToolCallID] = true
			}
		}
	}
	if len(open) != 0 {
		return false
	}
	for id := range calls {
		if !finalResult[id] {
			return false
		}
	}
	return true
}

// Guard against accidental type drift in the JSON envelopes the mapper
// decodes.
func TestItemEnvelopeDecoding(t *testing.T) {
	var e itemEnvelope
	require.NoError(t, json.Unmarshal([]byte(`{"item":{"id":"i1","type":"commandExecution","exitCode":2,"status":"failed"}}`), &e))
	assert.Equal(t, "i1", e.Item.ID)
	require.NotNil(t, e.Item.ExitCode)
	assert.Equal(t, 2, *e.Item.ExitCode)
}
