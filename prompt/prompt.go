package prompt

import (
	"context"
	"net/url"
	"strings"
)

// InputItem is one turn-input element on the wire.
type InputItem struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
	Path string `json:"path,omitempty"`
	URL  string `json:"url,omitempty"`
}

// Input item types understood by the app-server.
const (
	inputText       = "text"
	inputLocalImage = "localImage"
	inputImage      = "image"
)

// DeveloperInstructions concatenates the system messages in order, separated
// by a blank line, and trims the result. Empty means absent.
func DeveloperInstructions(msgs []Message) string {
	var b strings.Builder
	for _, m := range msgs {
		if m.Role != RoleSystem {
			continue
		}
		for _, p := range m.Content {
			tp, ok := p.(TextPart)
			if !ok || tp.Text == "" {
				continue
			}
			if b.Len() > 0 {
				b.WriteString("\n\n")
			}
			b.WriteString(tp.Text)
		}
	}
	return strings.TrimSpace(b.String())
}

// ResumeThreadID scans assistant messages from last to first and returns the
// first thread id found on the message or any of its parts.
func ResumeThreadID(msgs []Message) string {
	for i := len(msgs) - 1; i >= 0; i-- {
		m := msgs[i]
		if m.Role != RoleAssistant {
			continue
		}
		if id := m.Metadata.ThreadID(); id != "" {
			return id
		}
		for _, p := range m.Content {
			if id := p.partMetadata().ThreadID(); id != "" {
				return id
			}
		}
	}
	return ""
}

// ToolResultFor locates the host-supplied result for callID in the tool
// messages of the prompt.
func ToolResultFor(msgs []Message, callID string) (ToolResultPart, bool) {
	for _, m := range msgs {
		if m.Role != RoleTool {
			continue
		}
		for _, p := range m.Content {
			if tr, ok := p.(ToolResultPart); ok && tr.CallID == callID {
				return tr, true
			}
		}
	}
	return ToolResultPart{}, false
}

// TurnInput maps user messages to wire input items. On a fresh thread every
// user message contributes in order; on resume only the last user message
// does. Consecutive text accumulates into one item, flushed before each image
// so ordering is preserved. Unsupported media is skipped.
func TurnInput(ctx context.Context, msgs []Message, r *Resolver, resume bool) ([]InputItem, error) {
	users := msgs
	if resume {
		users = nil
		for i := len(msgs) - 1; i >= 0; i-- {
			if msgs[i].Role == RoleUser {
				users = msgs[i : i+1]
				break
			}
		}
	}

	var (
		items []InputItem
		text  strings.Builder
	)
	flush := func() {
		if text.Len() > 0 {
			items = append(items, InputItem{Type: inputText, Text: text.String()})
			text.Reset()
		}
	}

	for _, m := range users {
		if m.Role != RoleUser {
			continue
		}
		for _, p := range m.Content {
			switch part := p.(type) {
			case TextPart:
				text.WriteString(part.Text)
			case FilePart:
				item, inline, err := mapFile(ctx, part, r)
				if err != nil {
					return nil, err
				}
				if inline != "" {
					text.WriteString(inline)
					continue
				}
				if item == nil {
					continue
				}
				flush()
				items = append(items, *item)
			}
		}
	}
	flush()
	return items, nil
}

// mapFile turns one file part into an input item, inline text, or nothing.
func mapFile(ctx context.Context, p FilePart, r *Resolver) (*InputItem, string, error) {
	if p.URL != "" {
		if path, ok := localPath(p.URL); ok {
			return &InputItem{Type: inputLocalImage, Path: path}, "", nil
		}
		return &InputItem{Type: inputImage, URL: p.URL}, "", nil
	}
	switch {
	case strings.HasPrefix(p.MediaType, "text/"):
		return nil, string(p.Data), nil
	case strings.HasPrefix(p.MediaType, "image/"):
		u, err := r.Resolve(ctx, p.MediaType, p.Data)
		if err != nil {
			return nil, "", err
		}
		if path, ok := localPath(u); ok {
			return &InputItem{Type: inputLocalImage, Path: path}, "", nil
		}
		return &InputItem{Type: inputImage, URL: u}, "", nil
	}
	return nil, "", nil
}

// localPath extracts the filesystem path from a file: URL.
func localPath(raw string) (string, bool) {
	if !strings.HasPrefix(raw, "file:") {
		return "", false
	}
	u, err := url.Parse(raw)
	if err != nil || u.Path == "" {
		return strings.TrimPrefix(raw, "file://"), true
	}
	return u.Path, true
}
