package codex

import "errors"

var (
	// ErrAborted reports caller-initiated cancellation. It arrives through
	// the stream as the cause of an error part, never as a panic.
	ErrAborted = errors.New("codex: aborted")

	// ErrProtocolViolation reports a peer response missing a required thread
	// or turn id.
	ErrProtocolViolation = errors.New("codex: protocol violation")

	// ErrCompactionFailed reports a strict-mode compaction failure.
	ErrCompactionFailed = errors.New("codex: compaction failed")
)
