package transport

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"goa.design/clue/log"

	"goa.design/codex/jsonrpc"
)

const (
	// maxFrame bounds one line-delimited JSON frame from the peer.
	maxFrame = 1 << 20

	// defaultGrace is how long Disconnect waits for the subprocess to exit
	// after SIGTERM before killing it.
	defaultGrace = 3 * time.Second
)

type (
	// StdioConfig describes the app-server subprocess to spawn.
	StdioConfig struct {
		// Command is the executable to run.
		Command string
		// Args are the command arguments.
		Args []string
		// Env is the subprocess environment; nil inherits the parent's.
		Env []string
		// Dir is the working directory; empty inherits the parent's.
		Dir string
		// Grace bounds the wait between SIGTERM and SIGKILL on Disconnect.
		// Zero means defaultGrace.
		Grace time.Duration
	}

	// Stdio is a subprocess transport speaking line-delimited JSON on
	// stdin/stdout. Peer stderr lines and malformed frames are surfaced as
	// non-fatal error events; process exit is the terminal close event.
	Stdio struct {
		cfg StdioConfig

		mu        sync.Mutex
		cmd       *exec.Cmd
		stdin     io.WriteCloser
		connected bool
		exited    chan struct{}

		writeMu sync.Mutex

		msgs   listeners[jsonrpc.Message]
		errs   listeners[error]
		closes listeners[error]
	}
)

// NewStdio builds a subprocess transport from cfg.
func NewStdio(cfg StdioConfig) *Stdio {
	if cfg.Grace <= 0 {
		cfg.Grace = defaultGrace
	}
	return &Stdio{cfg: cfg}
}

// Connect spawns the subprocess and starts the frame reader.
func (s *Stdio) Connect(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.connected {
		return nil
	}

	cmd := exec.Command(s.cfg.Command, s.cfg.Args...)
	cmd.Env = s.cfg.Env
	cmd.Dir = s.cfg.Dir

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("%w: stdin pipe: %s", ErrUnavailable, err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("%w: stdout pipe: %s", ErrUnavailable, err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("%w: stderr pipe: %s", ErrUnavailable, err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("%w: start %s: %s", ErrUnavailable, s.cfg.Command, err)
	}
	log.Debug(ctx, log.KV{K: "msg", V: "transport: app-server spawned"}, log.KV{K: "command", V: s.cfg.Command}, log.KV{K: "pid", V: cmd.Process.Pid})

	s.cmd = cmd
	s.stdin = stdin
	s.connected = true
	s.exited = make(chan struct{})

	go s.readLoop(stdout)
	go s.stderrLoop(stderr)
	return nil
}

// Disconnect closes stdin, signals the subprocess and waits for exit within
// the grace deadline before killing it. Idempotent; never fails observably.
func (s *Stdio) Disconnect(ctx context.Context) error {
	s.mu.Lock()
	if !s.connected {
		s.mu.Unlock()
		return nil
	}
	s.connected = false
	cmd, stdin, exited := s.cmd, s.stdin, s.exited
	s.mu.Unlock()

	if stdin != nil {
		_ = stdin.Close()
	}
	if cmd != nil && cmd.Process != nil {
		_ = cmd.Process.Signal(syscall.SIGTERM)
	}
	select {
	case <-exited:
	case <-time.After(s.cfg.Grace):
		if cmd != nil && cmd.Process != nil {
			_ = cmd.Process.Kill()
		}
		<-exited
	case <-ctx.Done():
		if cmd != nil && cmd.Process != nil {
			_ = cmd.Process.Kill()
		}
	}
	return nil
}

// Send frames one message as a JSON line on the subprocess stdin.
func (s *Stdio) Send(_ context.Context, msg jsonrpc.Message) error {
	s.mu.Lock()
	connected, stdin := s.connected, s.stdin
	s.mu.Unlock()
	if !connected || stdin == nil {
		return ErrNotConnected
	}
	data, err := jsonrpc.EncodeMessage(msg)
	if err != nil {
		return err
	}
	data = append(data, '\n')

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if _, err := stdin.Write(data); err != nil {
		return fmt.Errorf("%w: %s", ErrNotConnected, err)
	}
	return nil
}

// Notify builds a notification and sends it.
func (s *Stdio) Notify(ctx context.Context, method string, params any) error {
	return notify(ctx, s, method, params)
}

// OnMessage registers a decoded-message listener.
func (s *Stdio) OnMessage(fn func(jsonrpc.Message)) func() { return s.msgs.add(fn) }

// OnError registers a non-fatal error listener.
func (s *Stdio) OnError(fn func(error)) func() { return s.errs.add(fn) }

// OnClose registers a terminal-close listener.
func (s *Stdio) OnClose(fn func(error)) func() { return s.closes.add(fn) }

// readLoop decodes line frames from the subprocess stdout. Malformed frames
// are reported and skipped; they never tear down the transport.
func (s *Stdio) readLoop(stdout io.Reader) {
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), maxFrame)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		msg, err := jsonrpc.DecodeMessage(line)
		if err != nil {
			s.errs.emit(err)
			continue
		}
		s.msgs.emit(msg)
	}

	err := s.cmd.Wait()
	if scanErr := scanner.Err(); scanErr != nil && err == nil {
		err = scanErr
	}

	s.mu.Lock()
	wasConnected := s.connected
	s.connected = false
	close(s.exited)
	s.mu.Unlock()

	if !wasConnected {
		// Deliberate Disconnect: a clean close regardless of exit status.
		err = nil
	}
	s.closes.emit(err)
}

// stderrLoop surfaces peer stderr lines as non-fatal error events.
func (s *Stdio) stderrLoop(stderr io.Reader) {
	scanner := bufio.NewScanner(stderr)
	scanner.Buffer(make([]byte, 0, 4096), maxFrame)
	for scanner.Scan() {
		if line := scanner.Text(); line != "" {
			s.errs.emit(fmt.Errorf("transport: app-server stderr: %s", line))
		}
	}
}
