// Package prompt defines the normalized conversation model handed to the
// provider and the mapping from that model to app-server turn input. File
// parts carrying inline payloads are materialized through a Resolver before
// they reach the wire.
package prompt

import "encoding/json"

// ProviderID keys provider metadata carried on messages and parts.
const ProviderID = "codex"

// ThreadIDKey is the metadata field recording the thread a message was
// generated on.
const ThreadIDKey = "threadId"

// Role identifies the author of a message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// OutputType discriminates tool-result payloads.
type OutputType string

const (
	// OutputText is a plain text tool result.
	OutputText OutputType = "text"
	// OutputJSON is a structured tool result; it is stringified on the wire.
	OutputJSON OutputType = "json"
	// OutputDenied marks an execution the host refused; the reason travels
	// as text with success=false.
	OutputDenied OutputType = "execution-denied"
)

type (
	// Metadata carries provider-scoped metadata. The outer key is the
	// provider id; values round-trip opaquely except for ThreadIDKey which
	// this package reads to locate resumable threads.
	Metadata map[string]map[string]any

	// Message is one entry of the conversation. Content holds the ordered
	// parts; a plain-string message is a single TextPart.
	Message struct {
		Role     Role
		Content  []Part
		Metadata Metadata
	}

	// Part is one unit of message content.
	Part interface{ partMetadata() Metadata }

	// TextPart is plain text content.
	TextPart struct {
		Text     string
		Metadata Metadata
	}

	// FilePart is binary or referenced file content. Exactly one of URL and
	// Data is set: URL-valued parts pass through untouched, inline Data is
	// materialized by the Resolver.
	FilePart struct {
		MediaType string
		URL       string
		Data      []byte
		Metadata  Metadata
	}

	// ToolCallPart records a tool invocation requested by the assistant.
	ToolCallPart struct {
		CallID   string
		ToolName string
		Input    json.RawMessage
		Metadata Metadata
	}

	// ToolResultPart carries the host-side result for a prior tool call.
	ToolResultPart struct {
		CallID   string
		ToolName string
		Output   ToolOutput
		Metadata Metadata
	}

	// ToolOutput is the payload of a ToolResultPart. Text holds OutputText
	// and OutputDenied payloads; JSON holds OutputJSON payloads.
	ToolOutput struct {
		Type OutputType
		Text string
		JSON json.RawMessage
	}
)

func (p TextPart) partMetadata() Metadata       { return p.Metadata }
func (p FilePart) partMetadata() Metadata       { return p.Metadata }
func (p ToolCallPart) partMetadata() Metadata   { return p.Metadata }
func (p ToolResultPart) partMetadata() Metadata { return p.Metadata }

// Text builds a plain-text message.
func Text(role Role, text string) Message {
	return Message{Role: role, Content: []Part{TextPart{Text: text}}}
}

// ThreadID extracts the recorded thread id from metadata, if any.
func (md Metadata) ThreadID() string {
	if md == nil {
		return ""
	}
	v, ok := md[ProviderID][ThreadIDKey]
	if !ok {
		return ""
	}
	s, _ := v.(string)
	return s
}

// WithThreadID returns metadata stamping id under the provider key.
func WithThreadID(id string) Metadata {
	return Metadata{ProviderID: {ThreadIDKey: id}}
}
