// Package processtest provides in-memory process handles for tests.
package processtest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/harun/proxyd/pkg/process"
)

// Handle is a fake daemon process driven by the test
type Handle struct {
	pid    int
	reader *io.PipeReader
	writer *io.PipeWriter

	mu         sync.Mutex
	signals    []os.Signal
	terminated int
	done       chan struct{}
	closeOnce  sync.Once
}

// NewHandle creates a live fake process
func NewHandle(pid int) *Handle {
	r, w := io.Pipe()
	return &Handle{
		pid:    pid,
		reader: r,
		writer: w,
		done:   make(chan struct{}),
	}
}

// EmitLine writes one line to the process output. It blocks until the
// line has been read.
func (h *Handle) EmitLine(line string) error {
	_, err := fmt.Fprintln(h.writer, line)
	return err
}

// Exit simulates the process exiting on its own
func (h *Handle) Exit() {
	h.closeOnce.Do(func() {
		h.writer.Close()
		close(h.done)
	})
}

// Signals returns the signals delivered so far
func (h *Handle) Signals() []os.Signal {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]os.Signal(nil), h.signals...)
}

// TerminateCount returns how often Terminate was called
func (h *Handle) TerminateCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.terminated
}

func (h *Handle) PID() int          { return h.pid }
func (h *Handle) Output() io.Reader { return h.reader }

func (h *Handle) Alive() bool {
	select {
	case <-h.done:
		return false
	default:
		return true
	}
}

func (h *Handle) Signal(sig os.Signal) error {
	if !h.Alive() {
		return process.ErrNotRunning
	}
	h.mu.Lock()
	h.signals = append(h.signals, sig)
	h.mu.Unlock()
	return nil
}

func (h *Handle) Terminate(time.Duration) error {
	h.mu.Lock()
	h.terminated++
	h.mu.Unlock()
	h.Exit()
	return nil
}

func (h *Handle) Wait() error {
	<-h.done
	return nil
}

// ErrSpawn is returned by a Spawner configured to fail
var ErrSpawn = errors.New("fake spawn failure")

// Spawner records spawn requests and hands out fake handles
type Spawner struct {
	mu       sync.Mutex
	requests []process.SpawnRequest
	handles  []*Handle
	fail     error
	spawned  chan *Handle
}

// NewSpawner creates a spawner whose handles are also published on Spawned
func NewSpawner() *Spawner {
	return &Spawner{spawned: make(chan *Handle, 16)}
}

// FailWith makes every following Spawn return err
func (s *Spawner) FailWith(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fail = err
}

// Spawned delivers each handle as it is created
func (s *Spawner) Spawned() <-chan *Handle {
	return s.spawned
}

// Requests returns all spawn requests seen so far
func (s *Spawner) Requests() []process.SpawnRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]process.SpawnRequest(nil), s.requests...)
}

// Handles returns all handles created so far
func (s *Spawner) Handles() []*Handle {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*Handle(nil), s.handles...)
}

// Count returns the number of successful spawns
func (s *Spawner) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.handles)
}

func (s *Spawner) Spawn(_ context.Context, req process.SpawnRequest) (process.Handle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.requests = append(s.requests, req)
	if s.fail != nil {
		return nil, s.fail
	}

	h := NewHandle(1000 + len(s.handles))
	s.handles = append(s.handles, h)
	select {
	case s.spawned <- h:
	default:
	}
	return h, nil
}
