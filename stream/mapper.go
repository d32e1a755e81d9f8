package stream

import (
	"encoding/json"
	"strings"
	"sync"
)

// Item kinds streamed by the app-server.
const (
	itemAgentMessage     = "agentMessage"
	itemCommandExecution = "commandExecution"
)

// CommandExecutionToolName is the fixed tool name reported for
// provider-executed command items.
const CommandExecutionToolName = "provider_command_execution"

// PlanToolName is the tool name used for synthetic plan-update tool calls.
const PlanToolName = "update_plan"

// reasoningKinds are the item kinds surfaced as reasoning parts.
var reasoningKinds = map[string]bool{
	"plan":              true,
	"reasoning":         true,
	"fileChange":        true,
	"toolCall":          true,
	"mcpToolCall":       true,
	"webSearch":         true,
	"contextCompaction": true,
	"reviewMode":        true,
}

// wrapperMethods are the generic wrapped duplicates of canonical events. The
// canonical form is authoritative; wrappers are dropped so stream output is
// not duplicated. Raw diff payloads are dropped in both forms.
var wrapperMethods = map[string]bool{
	"turn/itemStarted":                true,
	"turn/itemCompleted":              true,
	"agent/messageDelta":              true,
	"turn/reasoningTextDelta":         true,
	"turn/reasoningSummaryTextDelta":  true,
	"turn/reasoningSummaryPartAdded":  true,
	"turn/planDelta":                  true,
	"turn/planUpdated":                true,
	"turn/fileChangeOutputDelta":      true,
	"command/executionOutputDelta":    true,
	"turn/diffUpdated":                true,
	"turn/diff/updated":               true,
	"turn/rawResponseItemCompleted":   true,
	"item/mcpToolCall/progress":       true,
	"item/commandExecution/terminalInteraction": true,
}

type (
	// Mapper translates one turn's notification stream into ordered
	// generation parts. It is single-threaded: Handle must not be called
	// concurrently. After the finish part is produced the mapper is terminal
	// and emits nothing further.
	Mapper struct {
		emitPlans bool

		// threadID is set from another goroutine once the thread opens;
		// everything else is owned by the notification dispatch goroutine.
		tmu      sync.Mutex
		threadID string

		started  bool
		finished bool

		openText      map[string]bool
		textOrder     []string
		textDeltaSeen map[string]bool

		openReasoning  map[string]bool
		reasoningOrder []string

		openTools map[string]*toolCallState
		toolOrder []string

		planSeen map[string]bool

		usage *Usage
	}

	toolCallState struct {
		name   string
		output strings.Builder
	}

	itemEnvelope struct {
		Item struct {
			ID               string          `json:"id"`
			Type             string          `json:"type"`
			Text             string          `json:"text"`
			Command          string          `json:"command"`
			Cwd              string          `json:"cwd"`
			AggregatedOutput string          `json:"aggregatedOutput"`
			ExitCode         *int            `json:"exitCode"`
			Status           string          `json:"status"`
		} `json:"item"`
	}

	deltaParams struct {
		ItemID string `json:"itemId"`
		Delta  string `json:"delta"`
	}

	toolInputParams struct {
		ItemID   string `json:"itemId"`
		CallID   string `json:"callId"`
		Tool     string `json:"tool"`
		ToolName string `json:"toolName"`
		Delta    string `json:"delta"`
	}

	usageParams struct {
		TokenUsage *Usage `json:"tokenUsage"`
		Usage      *Usage `json:"usage"`
	}

	planParams struct {
		TurnID string `json:"turnId"`
		Turn   struct {
			ID string `json:"id"`
		} `json:"turn"`
		Plan json.RawMessage `json:"plan"`
	}

	turnCompletedParams struct {
		Status string `json:"status"`
		Turn   struct {
			ID     string `json:"id"`
			Status string `json:"status"`
			Usage  *Usage `json:"usage"`
		} `json:"turn"`
	}
)

// NewMapper builds a mapper for one turn. emitPlans enables synthetic
// tool-call parts for turn/plan/updated notifications.
func NewMapper(emitPlans bool) *Mapper {
	return &Mapper{
		emitPlans:     emitPlans,
		openText:      make(map[string]bool),
		textDeltaSeen: make(map[string]bool),
		openReasoning: make(map[string]bool),
		openTools:     make(map[string]*toolCallState),
		planSeen:      make(map[string]bool),
	}
}

// SetThreadID records the active thread so parts can be stamped for resume.
func (m *Mapper) SetThreadID(id string) {
	m.tmu.Lock()
	m.threadID = id
	m.tmu.Unlock()
}

// ThreadID returns the active thread id, when known.
func (m *Mapper) ThreadID() string {
	m.tmu.Lock()
	defer m.tmu.Unlock()
	return m.threadID
}

// Finished reports whether the finish part was produced.
func (m *Mapper) Finished() bool { return m.finished }

// Handle consumes one inbound notification and returns the generation parts
// it produces, in order. Unknown and wrapper-form methods produce nothing.
func (m *Mapper) Handle(method string, params []byte) []Part {
	if m.finished || wrapperMethods[method] {
		return nil
	}

	var parts []Part
	switch method {
	case "turn/started":
		parts = m.ensureStarted(nil)

	case "item/started":
		var p itemEnvelope
		if json.Unmarshal(params, &p) != nil || p.Item.ID == "" {
			return nil
		}
		parts = m.itemStarted(&p)

	case "item/completed":
		var p itemEnvelope
		if json.Unmarshal(params, &p) != nil || p.Item.ID == "" {
			return nil
		}
		parts = m.itemCompleted(&p)

	case "item/agentMessage/delta":
		var p deltaParams
		if json.Unmarshal(params, &p) != nil || p.ItemID == "" {
			return nil
		}
		parts = m.textDelta(p.ItemID, p.Delta)

	case "item/reasoning/textDelta", "item/reasoning/summaryTextDelta",
		"item/plan/delta", "item/fileChange/outputDelta":
		var p deltaParams
		if json.Unmarshal(params, &p) != nil || p.ItemID == "" {
			return nil
		}
		parts = m.reasoningDelta(p.ItemID, p.Delta)

	case "item/reasoning/summaryPartAdded":
		var p deltaParams
		if json.Unmarshal(params, &p) != nil || p.ItemID == "" {
			return nil
		}
		// Section break between reasoning summary parts.
		parts = m.reasoningDelta(p.ItemID, "\n\n")

	case "item/commandExecution/outputDelta":
		var p deltaParams
		if json.Unmarshal(params, &p) != nil || p.ItemID == "" {
			return nil
		}
		parts = m.commandOutputDelta(p.ItemID, p.Delta)

	case "item/tool/callStarted":
		var p toolInputParams
		if json.Unmarshal(params, &p) != nil {
			return nil
		}
		id := p.CallID
		if id == "" {
			id = p.ItemID
		}
		if id == "" {
			return nil
		}
		name := p.ToolName
		if name == "" {
			name = p.Tool
		}
		parts = m.ensureStarted([]Part{{Type: PartToolInputStart, ID: id, ToolName: name}})

	case "item/tool/callDelta":
		var p toolInputParams
		if json.Unmarshal(params, &p) != nil || p.CallID == "" {
			return nil
		}
		parts = m.ensureStarted([]Part{{Type: PartToolInputDelta, ID: p.CallID, Delta: p.Delta}})

	case "item/tool/callFinished":
		var p toolInputParams
		if json.Unmarshal(params, &p) != nil || p.CallID == "" {
			return nil
		}
		parts = m.ensureStarted([]Part{{Type: PartToolInputEnd, ID: p.CallID}})

	case "thread/tokenUsage/updated":
		var p usageParams
		if json.Unmarshal(params, &p) != nil {
			return nil
		}
		if p.TokenUsage != nil {
			m.usage = p.TokenUsage
		} else if p.Usage != nil {
			m.usage = p.Usage
		}
		return nil

	case "turn/plan/updated":
		if !m.emitPlans {
			return nil
		}
		var p planParams
		if json.Unmarshal(params, &p) != nil {
			return nil
		}
		parts = m.planUpdated(&p)

	case "turn/completed":
		var p turnCompletedParams
		if json.Unmarshal(params, &p) != nil {
			return nil
		}
		parts = m.turnCompleted(&p)

	default:
		return nil
	}

	return m.stamp(parts)
}

// ensureStarted prefixes parts with the one-time stream-start part.
func (m *Mapper) ensureStarted(parts []Part) []Part {
	if m.started {
		return parts
	}
	m.started = true
	return append([]Part{{Type: PartStreamStart}}, parts...)
}

func (m *Mapper) itemStarted(p *itemEnvelope) []Part {
	id := p.Item.ID
	switch {
	case p.Item.Type == itemAgentMessage:
		if m.openText[id] {
			return nil
		}
		m.openText[id] = true
		m.textOrder = append(m.textOrder, id)
		return m.ensureStarted([]Part{{Type: PartTextStart, ID: id}})

	case p.Item.Type == itemCommandExecution:
		if _, ok := m.openTools[id]; ok {
			return nil
		}
		m.openTools[id] = &toolCallState{name: CommandExecutionToolName}
		m.toolOrder = append(m.toolOrder, id)
		input, _ := json.Marshal(map[string]string{
			"command": p.Item.Command,
			"cwd":     p.Item.Cwd,
		})
		return m.ensureStarted([]Part{{
			Type:             PartToolCall,
			ToolCallID:       id,
			ToolName:         CommandExecutionToolName,
			Input:            input,
			ProviderExecuted: true,
		}})

	case reasoningKinds[p.Item.Type]:
		if m.openReasoning[id] {
			return nil
		}
		m.openReasoning[id] = true
		m.reasoningOrder = append(m.reasoningOrder, id)
		return m.ensureStarted([]Part{{Type: PartReasoningStart, ID: id}})
	}
	return nil
}

func (m *Mapper) itemCompleted(p *itemEnvelope) []Part {
	id := p.Item.ID
	switch {
	case p.Item.Type == itemAgentMessage:
		var parts []Part
		if !m.openText[id] {
			// Completed without a start: open it so close discipline holds.
			m.openText[id] = true
			m.textOrder = append(m.textOrder, id)
			parts = append(parts, Part{Type: PartTextStart, ID: id})
		}
		if !m.textDeltaSeen[id] && p.Item.Text != "" {
			// No delta ever streamed; surface the completed text whole.
			parts = append(parts, Part{Type: PartTextDelta, ID: id, Delta: p.Item.Text})
			m.textDeltaSeen[id] = true
		}
		parts = append(parts, Part{Type: PartTextEnd, ID: id})
		m.closeText(id)
		return m.ensureStarted(parts)

	case p.Item.Type == itemCommandExecution:
		st, ok := m.openTools[id]
		if !ok {
			return nil
		}
		out := p.Item.AggregatedOutput
		if out == "" {
			out = st.output.String()
		}
		m.closeTool(id)
		return m.ensureStarted([]Part{{
			Type:       PartToolResult,
			ToolCallID: id,
			ToolName:   CommandExecutionToolName,
			Result: CommandResult{
				AggregatedOutput: out,
				ExitCode:         p.Item.ExitCode,
				Status:           p.Item.Status,
			},
		}})

	case reasoningKinds[p.Item.Type]:
		if !m.openReasoning[id] {
			return nil
		}
		m.closeReasoning(id)
		return m.ensureStarted([]Part{{Type: PartReasoningEnd, ID: id}})
	}
	return nil
}

func (m *Mapper) textDelta(id, delta string) []Part {
	var parts []Part
	if !m.openText[id] {
		m.openText[id] = true
		m.textOrder = append(m.textOrder, id)
		parts = append(parts, Part{Type: PartTextStart, ID: id})
	}
	m.textDeltaSeen[id] = true
	parts = append(parts, Part{Type: PartTextDelta, ID: id, Delta: delta})
	return m.ensureStarted(parts)
}

func (m *Mapper) reasoningDelta(id, delta string) []Part {
	var parts []Part
	if !m.openReasoning[id] {
		m.openReasoning[id] = true
		m.reasoningOrder = append(m.reasoningOrder, id)
		parts = append(parts, Part{Type: PartReasoningStart, ID: id})
	}
	parts = append(parts, Part{Type: PartReasoningDelta, ID: id, Delta: delta})
	return m.ensureStarted(parts)
}

func (m *Mapper) commandOutputDelta(id, delta string) []Part {
	st, ok := m.openTools[id]
	if !ok {
		return nil
	}
	st.output.WriteString(delta)
	return m.ensureStarted([]Part{{
		Type:        PartToolResult,
		ToolCallID:  id,
		ToolName:    st.name,
		Result:      CommandResult{AggregatedOutput: st.output.String()},
		Preliminary: true,
	}})
}

func (m *Mapper) planUpdated(p *planParams) []Part {
	turnID := p.TurnID
	if turnID == "" {
		turnID = p.Turn.ID
	}
	if turnID == "" {
		return nil
	}
	callID := "plan:" + turnID
	var parts []Part
	if !m.planSeen[turnID] {
		m.planSeen[turnID] = true
		parts = append(parts, Part{
			Type:             PartToolCall,
			ToolCallID:       callID,
			ToolName:         PlanToolName,
			Input:            p.Plan,
			ProviderExecuted: true,
		})
	}
	parts = append(parts, Part{
		Type:       PartToolResult,
		ToolCallID: callID,
		ToolName:   PlanToolName,
		Result:     p.Plan,
	})
	return m.ensureStarted(parts)
}

func (m *Mapper) turnCompleted(p *turnCompletedParams) []Part {
	status := p.Status
	if status == "" {
		status = p.Turn.Status
	}
	if p.Turn.Usage != nil {
		m.usage = p.Turn.Usage
	}

	parts := m.flush()

	var reason FinishReason
	switch status {
	case "completed":
		reason = FinishStop
	case "failed":
		reason = FinishError
	case "interrupted":
		reason = FinishOther
	default:
		reason = FinishOther
	}
	usage := Usage{}
	if m.usage != nil {
		usage = *m.usage
	}
	parts = append(parts, Part{Type: PartFinish, FinishReason: reason, Usage: usage})
	m.finished = true
	return m.ensureStarted(parts)
}

// flush closes every still-open id with synthetic terminal parts, in the
// order the ids were first opened.
func (m *Mapper) flush() []Part {
	var parts []Part
	for _, id := range m.textOrder {
		if m.openText[id] {
			parts = append(parts, Part{Type: PartTextEnd, ID: id})
			m.closeText(id)
		}
	}
	for _, id := range m.reasoningOrder {
		if m.openReasoning[id] {
			parts = append(parts, Part{Type: PartReasoningEnd, ID: id})
			m.closeReasoning(id)
		}
	}
	for _, id := range m.toolOrder {
		if st, ok := m.openTools[id]; ok {
			parts = append(parts, Part{
				Type:       PartToolResult,
				ToolCallID: id,
				ToolName:   st.name,
				Result:     CommandResult{AggregatedOutput: st.output.String()},
			})
			m.closeTool(id)
		}
	}
	return parts
}

func (m *Mapper) closeText(id string)      { delete(m.openText, id) }
func (m *Mapper) closeReasoning(id string) { delete(m.openReasoning, id) }
func (m *Mapper) closeTool(id string)      { delete(m.openTools, id) }

// stamp records the active thread id on every part except stream-start.
func (m *Mapper) stamp(parts []Part) []Part {
	id := m.ThreadID()
	if id == "" {
		return parts
	}
	for i := range parts {
		if parts[i].Type != PartStreamStart {
			parts[i].ThreadID = id
		}
	}
	return parts
}
