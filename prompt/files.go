package prompt

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/google/uuid"
	"goa.design/clue/log"
)

type (
	// FileWriter persists inline file payloads and returns a URL the
	// app-server can read.
	FileWriter interface {
		Write(ctx context.Context, mediaType string, data []byte) (string, error)
	}

	// TempWriter writes payloads to uniquely named files under Dir (the
	// system temp directory when empty) and returns file: URLs.
	TempWriter struct {
		Dir string
	}

	// Resolver materializes inline payloads through a FileWriter and tracks
	// every URL it produced so Cleanup can remove them at end of turn.
	Resolver struct {
		writer FileWriter

		mu   sync.Mutex
		urls []string
	}
)

// NewResolver builds a resolver over writer. A nil writer falls back to
// TempWriter.
func NewResolver(writer FileWriter) *Resolver {
	if writer == nil {
		writer = &TempWriter{}
	}
	return &Resolver{writer: writer}
}

// Resolve writes data through the underlying writer and records the URL.
func (r *Resolver) Resolve(ctx context.Context, mediaType string, data []byte) (string, error) {
	u, err := r.writer.Write(ctx, mediaType, data)
	if err != nil {
		return "", fmt.Errorf("prompt: write file part: %w", err)
	}
	r.mu.Lock()
	r.urls = append(r.urls, u)
	r.mu.Unlock()
	return u, nil
}

// Cleanup removes every file this resolver produced. Best effort: failures
// are logged and never surfaced.
func (r *Resolver) Cleanup(ctx context.Context) {
	r.mu.Lock()
	urls := r.urls
	r.urls = nil
	r.mu.Unlock()
	for _, u := range urls {
		path, ok := localPath(u)
		if !ok {
			continue
		}
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			log.Debug(ctx, log.KV{K: "msg", V: "prompt: cleanup failed"},
				log.KV{K: "path", V: path}, log.KV{K: "err", V: err.Error()})
		}
	}
}

// Write stores data under a unique name and returns its file: URL.
func (w *TempWriter) Write(_ context.Context, mediaType string, data []byte) (string, error) {
	dir := w.Dir
	if dir == "" {
		dir = os.TempDir()
	}
	path := filepath.Join(dir, uuid.NewString()+extFor(mediaType))
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return "", err
	}
	return "file://" + path, nil
}

// extFor picks a file extension from the media subtype.
func extFor(mediaType string) string {
	_, sub, ok := strings.Cut(mediaType, "/")
	if !ok || sub == "" {
		return ""
	}
	if sub == "jpeg" {
		sub = "jpg"
	}
	return "." + sub
}
