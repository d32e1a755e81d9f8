package codex

import (
	"context"
	"errors"
	"io"
	"strings"

	"goa.design/codex/prompt"
	"goa.design/codex/stream"
)

// Response is the aggregated outcome of a non-streaming generation call.
type Response struct {
	// Text is the concatenated assistant text, by item in order of first
	// appearance.
	Text string

	// Content retains the pass-through parts: tool calls, tool results and
	// tool input events, in stream order.
	Content []stream.Part

	FinishReason stream.FinishReason
	Usage        stream.Usage

	// ProviderMetadata carries the thread id for later resume.
	ProviderMetadata prompt.Metadata

	// Warnings reports non-fatal oddities observed while consuming the
	// stream.
	Warnings []string
}

// Generate runs one turn to completion and aggregates the stream. A stream
// error part surfaces as the returned error; parts received before it are
// lost to the caller by design.
func (p *Provider) Generate(ctx context.Context, req *Request) (*Response, error) {
	s, err := p.Stream(ctx, req)
	if err != nil {
		return nil, err
	}
	defer s.Close()

	var (
		texts    = make(map[string]*strings.Builder)
		order    []string
		resp     = &Response{}
		threadID string
		finished bool
	)
	for {
		part, err := s.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, err
		}
		if part.ThreadID != "" {
			threadID = part.ThreadID
		}
		switch part.Type {
		case stream.PartTextDelta:
			b, ok := texts[part.ID]
			if !ok {
				b = &strings.Builder{}
				texts[part.ID] = b
				order = append(order, part.ID)
			}
			b.WriteString(part.Delta)
		case stream.PartToolCall, stream.PartToolResult,
			stream.PartToolInputStart, stream.PartToolInputDelta, stream.PartToolInputEnd:
			resp.Content = append(resp.Content, part)
		case stream.PartFinish:
			resp.FinishReason = part.FinishReason
			resp.Usage = part.Usage
			finished = true
		case stream.PartError:
			return nil, part.Err
		}
	}

	if !finished {
		resp.Warnings = append(resp.Warnings, "stream closed without a finish part")
		resp.FinishReason = stream.FinishOther
	}
	var text strings.Builder
	for _, id := range order {
		text.WriteString(texts[id].String())
	}
	resp.Text = text.String()
	if threadID != "" {
		resp.ProviderMetadata = prompt.WithThreadID(threadID)
	}
	return resp, nil
}
