package process

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"
)

// DefaultTerminateGrace is used when Terminate is called with a zero grace
const DefaultTerminateGrace = 5 * time.Second

// ExecSpawner spawns daemons as OS child processes
type ExecSpawner struct {
	// Env is the base environment handed to every child
	Env    []string
	logger zerolog.Logger
}

// NewExecSpawner creates a spawner that inherits the current environment
func NewExecSpawner(logger zerolog.Logger) *ExecSpawner {
	return &ExecSpawner{
		Env:    os.Environ(),
		logger: logger,
	}
}

// Spawn starts req.Binary with stdout and stderr joined on a single pipe
func (s *ExecSpawner) Spawn(ctx context.Context, req SpawnRequest) (Handle, error) {
	if req.Binary == "" {
		return nil, ErrEmptyBinary
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	reader, writer, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create output pipe: %w", err)
	}

	cmd := exec.Command(req.Binary, req.Args...)
	cmd.Dir = req.Dir
	cmd.Env = append(append([]string{}, s.Env...), req.Env...)
	cmd.Stdin = nil
	cmd.Stdout = writer
	cmd.Stderr = writer

	if err := cmd.Start(); err != nil {
		reader.Close()
		writer.Close()
		return nil, fmt.Errorf("failed to start %s: %w", req.Binary, err)
	}

	// The child owns the write end now; keeping ours open would hide EOF.
	writer.Close()

	h := &execHandle{
		cmd:    cmd,
		output: reader,
		done:   make(chan struct{}),
	}
	go h.reap()

	s.logger.Debug().
		Str("binary", req.Binary).
		Strs("args", req.Args).
		Int("pid", cmd.Process.Pid).
		Msg("Process spawned")

	return h, nil
}

type execHandle struct {
	cmd    *exec.Cmd
	output *os.File

	done    chan struct{}
	waitErr error
	once    sync.Once
}

func (h *execHandle) reap() {
	err := h.cmd.Wait()
	h.once.Do(func() {
		h.waitErr = err
		close(h.done)
	})
}

func (h *execHandle) PID() int {
	return h.cmd.Process.Pid
}

func (h *execHandle) Output() io.Reader {
	return closeOnEOF{h.output}
}

func (h *execHandle) Alive() bool {
	select {
	case <-h.done:
		return false
	default:
		return true
	}
}

func (h *execHandle) Signal(sig os.Signal) error {
	if !h.Alive() {
		return ErrNotRunning
	}
	if err := h.cmd.Process.Signal(sig); err != nil {
		return fmt.Errorf("failed to send signal %v to process %d: %w", sig, h.PID(), err)
	}
	return nil
}

func (h *execHandle) Terminate(grace time.Duration) error {
	if !h.Alive() {
		return nil
	}
	if grace <= 0 {
		grace = DefaultTerminateGrace
	}

	if err := h.cmd.Process.Signal(syscall.SIGTERM); err != nil && h.Alive() {
		// SIGTERM is not deliverable everywhere; fall through to kill.
		_ = h.cmd.Process.Kill()
	}

	timer := time.NewTimer(grace)
	defer timer.Stop()

	select {
	case <-h.done:
		return nil
	case <-timer.C:
	}

	if err := h.cmd.Process.Kill(); err != nil && h.Alive() {
		return fmt.Errorf("failed to kill process %d: %w", h.PID(), err)
	}
	<-h.done
	return nil
}

func (h *execHandle) Wait() error {
	<-h.done
	return h.waitErr
}

// closeOnEOF releases the pipe once the reader has drained it
type closeOnEOF struct {
	f *os.File
}

func (r closeOnEOF) Read(p []byte) (int, error) {
	n, err := r.f.Read(p)
	if err != nil {
		r.f.Close()
	}
	return n, err
}
