package prompt

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDeveloperInstructions(t *testing.T) {
	msgs := []Message{
		Text(RoleSystem, "Be brief."),
		Text(RoleUser, "hi"),
		Text(RoleSystem, "  Answer in French.  "),
	}
	assert.Equal(t, "Be brief.\n\nAnswer in French.", DeveloperInstructions(msgs))

	assert.Empty(t, DeveloperInstructions([]Message{Text(RoleUser, "hi")}))
	assert.Empty(t, DeveloperInstructions(nil))
}

func TestResumeThreadIDScansAssistantsLastToFirst(t *testing.T) {
	msgs := []Message{
		{Role: RoleAssistant, Metadata: WithThreadID("thr_old"), Content: []Part{TextPart{Text: "a"}}},
		Text(RoleUser, "more"),
		{Role: RoleAssistant, Metadata: WithThreadID("thr_new"), Content: []Part{TextPart{Text: "b"}}},
		Text(RoleUser, "continue"),
	}
	assert.Equal(t, "thr_new", ResumeThreadID(msgs))
}

func TestResumeThreadIDFromPartMetadata(t *testing.T) {
	msgs := []Message{
		{Role: RoleAssistant, Content: []Part{
			ToolCallPart{CallID: "c1", ToolName: "t", Metadata: WithThreadID("thr_part")},
		}},
	}
	assert.Equal(t, "thr_part", ResumeThreadID(msgs))
	assert.Empty(t, ResumeThreadID([]Message{Text(RoleUser, "hi")}))
}

func TestTurnInputBuffersTextAndFlushesBeforeImages(t *testing.T) {
	msgs := []Message{
		Text(RoleSystem, "ignored"),
		{Role: RoleUser, Content: []Part{
			TextPart{Text: "look at "},
			TextPart{Text: "this:"},
			FilePart{MediaType: "image/png", URL: "https://example.com/a.png"},
			TextPart{Text: "and this:"},
			FilePart{MediaType: "image/png", URL: "file:///tmp/b.png"},
		}},
		{Role: RoleUser, Content: []Part{TextPart{Text: "thanks"}}},
	}
	items, err := TurnInput(context.Background(), msgs, NewResolver(nil), false)
	require.NoError(t, err)
	require.Equal(t, []InputItem{
		{Type: "text", Text: "look at this:"},
		{Type: "image", URL: "https://example.com/a.png"},
		{Type: "text", Text: "and this:"},
		{Type: "localImage", Path: "/tmp/b.png"},
		{Type: "text", Text: "thanks"},
	}, items)
}

func TestTurnInputResumeUsesOnlyLastUserMessage(t *testing.T) {
	msgs := []Message{
		Text(RoleUser, "first"),
		{Role: RoleAssistant, Metadata: WithThreadID("thr_1"), Content: []Part{TextPart{Text: "reply"}}},
		Text(RoleUser, "second"),
	}
	items, err := TurnInput(context.Background(), msgs, NewResolver(nil), true)
	require.NoError(t, err)
	assert.Equal(t, []InputItem{{Type: "text", Text: "second"}}, items)
}

func TestTurnInputInlinesTextFilesAndSkipsUnsupported(t *testing.T) {
	msgs := []Message{
		{Role: RoleUser, Content: []Part{
			TextPart{Text: "log: "},
			FilePart{MediaType: "text/plain", Data: []byte("boom at line 3")},
			FilePart{MediaType: "audio/wav", Data: []byte{1, 2, 3}},
		}},
	}
	items, err := TurnInput(context.Background(), msgs, NewResolver(nil), false)
	require.NoError(t, err)
	assert.Equal(t, []InputItem{{Type: "text", Text: "log: boom at line 3"}}, items)
}

func TestTurnInputWritesInlineImages(t *testing.T) {
	dir := t.TempDir()
	r := NewResolver(&TempWriter{Dir: dir})
	msgs := []Message{
		{Role: RoleUser, Content: []Part{
			FilePart{MediaType: "image/png", Data: []byte("pngbytes")},
		}},
	}
	items, err := TurnInput(context.Background(), msgs, r, false)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "localImage", items[0].Type)
	assert.True(t, strings.HasPrefix(items[0].Path, dir))
	assert.True(t, strings.HasSuffix(items[0].Path, ".png"))

	data, err := os.ReadFile(items[0].Path)
	require.NoError(t, err)
	assert.Equal(t, []byte("pngbytes"), data)

	r.Cleanup(context.Background())
	_, err = os.Stat(items[0].Path)
	assert.True(t, os.IsNotExist(err), "cleanup removes produced files")
	r.Cleanup(context.Background()) // never fails, even repeated
}

func TestToolResultFor(t *testing.T) {
	msgs := []Message{
		Text(RoleUser, "check ticket"),
		{Role: RoleTool, Content: []Part{
			ToolResultPart{CallID: "c0", Output: ToolOutput{Type: OutputText, Text: "stale"}},
			ToolResultPart{CallID: "c1", Output: ToolOutput{Type: OutputText, Text: "open"}},
		}},
	}
	tr, ok := ToolResultFor(msgs, "c1")
	require.True(t, ok)
	assert.Equal(t, "open", tr.Output.Text)

	_, ok = ToolResultFor(msgs, "missing")
	assert.False(t, ok)
}

func TestTempWriterExtensions(t *testing.T) {
	w := &TempWriter{Dir: t.TempDir()}
	u, err := w.Write(context.Background(), "image/jpeg", []byte("x"))
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(u, "file://"))
	assert.Equal(t, ".jpg", filepath.Ext(u))
}
