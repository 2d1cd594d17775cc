package process

import (
	"context"
	"errors"
	"io"
	"os"
	"time"
)

var (
	// ErrEmptyBinary is returned when no binary path is given to a spawner
	ErrEmptyBinary = errors.New("binary path is empty")

	// ErrNotRunning is returned when signalling a process that has exited
	ErrNotRunning = errors.New("process is not running")
)

// Handle is a spawned daemon process or an in-process backend
type Handle interface {
	// PID returns the OS process id, or 0 for in-process backends
	PID() int

	// Output returns the combined stdout/stderr stream. It reaches EOF
	// when the process exits. Only one reader may consume it.
	Output() io.Reader

	// Signal delivers sig to the process
	Signal(sig os.Signal) error

	// Terminate asks the process to exit and kills it if it is still
	// alive after grace
	Terminate(grace time.Duration) error

	// Alive reports whether the process has not exited yet
	Alive() bool

	// Wait blocks until the process exits
	Wait() error
}

// SpawnRequest describes a daemon invocation
type SpawnRequest struct {
	Binary string
	Args   []string
	Dir    string
	Env    []string
}

// Spawner starts daemon processes
type Spawner interface {
	Spawn(ctx context.Context, req SpawnRequest) (Handle, error)
}
