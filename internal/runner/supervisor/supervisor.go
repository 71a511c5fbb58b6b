// Package supervisor runs the closed set of typed operations as OS
// processes: stream capture in arrival order, bounded in-memory tail,
// append-only jsonl log, graceful-then-forced cancellation, and a terminal
// exit delivered exactly once.
package supervisor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/vkrun/vkrun/internal/common/logger"
	"github.com/vkrun/vkrun/internal/controlplane/models"
	v1 "github.com/vkrun/vkrun/pkg/api/v1"
)

// ErrUnknownKind means the OpSpec named an operation outside the closed set.
var ErrUnknownKind = errors.New("unknown command kind")

// OpSpec describes one typed operation. Command is the resolved script or
// template invocation; callers never pass raw shell from external input.
type OpSpec struct {
	ExecutionID string
	Kind        models.CommandKind
	Command     string
	Dir         string

	WorkspaceID string
	SessionID   string
	Branch      string
	ExtraEnv    []string

	// LogPath is the per-execution jsonl file; empty disables the file sink.
	LogPath string

	// PTY runs the process under a pseudo-terminal (terminal_session).
	PTY        bool
	Cols, Rows int
}

// LogLine is one captured output line.
type LogLine struct {
	Seq    uint64
	Stream v1.LogStream
	TS     time.Time
	Bytes  []byte
}

// ExitResult is the terminal outcome of a supervised process.
type ExitResult struct {
	Code       int
	Err        error
	Cancelled  bool
	FinishedAt time.Time
}

// Supervisor launches and tracks operations.
type Supervisor struct {
	gracefulStop time.Duration
	ringBytes    int
	log          *logger.Logger

	mu      sync.Mutex
	handles map[string]*Handle
}

// New creates a Supervisor. gracefulStop is the SIGTERM→SIGKILL deadline;
// ringBytes bounds the in-memory output tail per execution.
func New(gracefulStop time.Duration, ringBytes int, log *logger.Logger) *Supervisor {
	return &Supervisor{
		gracefulStop: gracefulStop,
		ringBytes:    ringBytes,
		log:          log.WithFields(zap.String("component", "supervisor")),
		handles:      make(map[string]*Handle),
	}
}

// Handle tracks one running operation.
type Handle struct {
	ExecutionID string

	lines    chan LogLine
	ring     *ring
	file     *logFile
	cancelCh chan struct{}
	once     sync.Once

	done   chan struct{}
	result ExitResult

	cmd *exec.Cmd
	log *logger.Logger
}

// Lines streams captured output in arrival order. Closed after the last
// line, before Wait returns.
func (h *Handle) Lines() <-chan LogLine { return h.lines }

// Pid returns the supervised process id, or 0 before start.
func (h *Handle) Pid() int {
	if h.cmd != nil && h.cmd.Process != nil {
		return h.cmd.Process.Pid
	}
	return 0
}

// Tail returns the bounded in-memory output tail.
func (h *Handle) Tail() []byte { return h.ring.Tail() }

// Cancel requests termination: SIGTERM, then SIGKILL after the configured
// deadline. Idempotent.
func (h *Handle) Cancel() {
	h.once.Do(func() { close(h.cancelCh) })
}

// Wait blocks until the process is terminal and returns the exit result.
// The result is computed once; concurrent and repeated calls observe the
// same value.
func (h *Handle) Wait() ExitResult {
	<-h.done
	return h.result
}

// Run starts an operation. The returned Handle is already streaming.
func (s *Supervisor) Run(ctx context.Context, spec OpSpec) (*Handle, error) {
	if !models.ValidCommandKind(spec.Kind) {
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, spec.Kind)
	}
	if spec.Command == "" {
		return nil, fmt.Errorf("operation %s has no command", spec.Kind)
	}

	cmd := exec.Command(shellPath(), shellArgs(spec.Command)...)
	cmd.Dir = spec.Dir
	cmd.Env = append(os.Environ(),
		"VK_WORKSPACE_ID="+spec.WorkspaceID,
		"VK_WORKSPACE_BRANCH="+spec.Branch,
		"VK_SESSION_ID="+spec.SessionID,
	)
	cmd.Env = append(cmd.Env, spec.ExtraEnv...)
	setProcAttrs(cmd)

	h := &Handle{
		ExecutionID: spec.ExecutionID,
		lines:       make(chan LogLine, 256),
		ring:        newRing(s.ringBytes),
		cancelCh:    make(chan struct{}),
		done:        make(chan struct{}),
		cmd:         cmd,
		log: s.log.WithFields(
			zap.String("execution_id", spec.ExecutionID),
			zap.String("kind", string(spec.Kind))),
	}

	if spec.LogPath != "" {
		file, err := openLogFile(spec.LogPath)
		if err != nil {
			return nil, err
		}
		h.file = file
	}

	var pump func() error
	if spec.PTY {
		ptyReader, err := startPTY(cmd, spec.Cols, spec.Rows)
		if err != nil {
			h.closeFile()
			return nil, fmt.Errorf("failed to start pty: %w", err)
		}
		pump = func() error {
			h.pumpStream(ptyReader, v1.LogStreamStdout, &seqCounter{})
			return nil
		}
	} else {
		stdout, err := cmd.StdoutPipe()
		if err != nil {
			h.closeFile()
			return nil, err
		}
		stderr, err := cmd.StderrPipe()
		if err != nil {
			h.closeFile()
			return nil, err
		}
		if err := cmd.Start(); err != nil {
			h.closeFile()
			return nil, fmt.Errorf("failed to start %s: %w", spec.Kind, err)
		}
		seq := &seqCounter{}
		pump = func() error {
			var g errgroup.Group
			g.Go(func() error { h.pumpStream(stdout, v1.LogStreamStdout, seq); return nil })
			g.Go(func() error { h.pumpStream(stderr, v1.LogStreamStderr, seq); return nil })
			return g.Wait()
		}
	}

	s.track(h)
	go s.supervise(ctx, h, pump)
	h.log.Info("operation started", zap.Int("pid", h.Pid()))
	return h, nil
}

// Lookup returns the live handle for an execution, if any.
func (s *Supervisor) Lookup(executionID string) (*Handle, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.handles[executionID]
	return h, ok
}

func (s *Supervisor) track(h *Handle) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handles[h.ExecutionID] = h
}

func (s *Supervisor) untrack(h *Handle) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.handles[h.ExecutionID] == h {
		delete(s.handles, h.ExecutionID)
	}
}

// supervise owns the process lifecycle: cancellation escalation, stream
// drain, exit collection, file sync. The result is written exactly once.
func (s *Supervisor) supervise(ctx context.Context, h *Handle, pump func() error) {
	killTimer := make(chan struct{})
	go func() {
		select {
		case <-h.cancelCh:
		case <-ctx.Done():
			h.Cancel()
		case <-killTimer:
			return
		}
		h.log.Info("terminating operation", zap.Duration("grace", s.gracefulStop))
		terminate(h.cmd)
		select {
		case <-time.After(s.gracefulStop):
			h.log.Warn("grace period elapsed, killing")
			kill(h.cmd)
		case <-killTimer:
		}
	}()

	_ = pump()
	close(h.lines)
	err := h.cmd.Wait()
	close(killTimer)

	cancelled := false
	select {
	case <-h.cancelCh:
		cancelled = true
	default:
	}

	code := 0
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			code = exitErr.ExitCode()
		} else {
			code = -1
		}
	}
	h.result = ExitResult{
		Code:       code,
		Err:        err,
		Cancelled:  cancelled,
		FinishedAt: time.Now().UTC(),
	}
	h.closeFile()
	s.untrack(h)
	close(h.done)
	h.log.Info("operation finished",
		zap.Int("exit_code", code), zap.Bool("cancelled", cancelled))
}

type seqCounter struct {
	mu sync.Mutex
	n  uint64
}

func (c *seqCounter) next() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.n++
	return c.n
}

// pumpStream reads one stream line-wise, fanning each line into the channel,
// the ring, and the jsonl file. Lines from both streams share one sequence.
func (h *Handle) pumpStream(r io.Reader, stream v1.LogStream, seq *seqCounter) {
	buf := make([]byte, 32*1024)
	var pending []byte
	emit := func(line []byte) {
		out := make([]byte, len(line))
		copy(out, line)
		rec := LogLine{Seq: seq.next(), Stream: stream, TS: time.Now().UTC(), Bytes: out}
		_, _ = h.ring.Write(append(out, '\n'))
		if h.file != nil {
			_ = h.file.append(&v1.LogRecord{
				ExecutionID: h.ExecutionID,
				Seq:         rec.Seq,
				Stream:      stream,
				TS:          rec.TS,
				Bytes:       out,
			})
		}
		h.lines <- rec
	}
	for {
		n, err := r.Read(buf)
		if n > 0 {
			pending = append(pending, buf[:n]...)
			for {
				idx := bytes.IndexByte(pending, '\n')
				if idx < 0 {
					break
				}
				emit(pending[:idx])
				pending = pending[idx+1:]
			}
		}
		if err != nil {
			if len(pending) > 0 {
				emit(pending)
			}
			return
		}
	}
}

func (h *Handle) closeFile() {
	if h.file != nil {
		if err := h.file.closeSync(); err != nil {
			h.log.Warn("failed to sync log file", zap.Error(err))
		}
		h.file = nil
	}
}
