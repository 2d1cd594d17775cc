package daemon

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/gofrs/flock"
	"github.com/rs/zerolog"
)

const (
	pidFileName  = "proxyd.pid"
	lockFileName = "proxyd.lock"
)

var (
	// ErrAlreadyRunning is returned when another proxyd holds the data directory
	ErrAlreadyRunning = errors.New("proxyd is already running for this data directory")

	// ErrNotRunning is returned when no live proxyd owns the PID file
	ErrNotRunning = errors.New("proxyd is not running")
)

// LifecycleManager owns the data directory lock and the PID file
type LifecycleManager struct {
	dataDir string
	pidFile string
	lock    *flock.Flock
	logger  zerolog.Logger
}

// NewLifecycleManager creates a lifecycle manager for dataDir. Nothing is
// touched on disk until Start.
func NewLifecycleManager(dataDir string, logger zerolog.Logger) *LifecycleManager {
	return &LifecycleManager{
		dataDir: dataDir,
		pidFile: filepath.Join(dataDir, pidFileName),
		lock:    flock.New(filepath.Join(dataDir, lockFileName)),
		logger:  logger,
	}
}

// Start takes the data directory lock and writes the PID file
func (l *LifecycleManager) Start() error {
	if err := os.MkdirAll(l.dataDir, 0o700); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}

	locked, err := l.lock.TryLock()
	if err != nil {
		return fmt.Errorf("failed to lock data directory: %w", err)
	}
	if !locked {
		return ErrAlreadyRunning
	}

	if err := l.writePIDFile(); err != nil {
		_ = l.lock.Unlock()
		return fmt.Errorf("failed to write PID file: %w", err)
	}

	l.logger.Info().
		Str("pid_file", l.pidFile).
		Int("pid", os.Getpid()).
		Msg("Lifecycle manager started")

	return nil
}

// Stop removes the PID file and releases the lock
func (l *LifecycleManager) Stop() error {
	var errs []error

	if err := os.Remove(l.pidFile); err != nil && !os.IsNotExist(err) {
		errs = append(errs, fmt.Errorf("failed to remove PID file: %w", err))
	}
	if err := l.lock.Unlock(); err != nil {
		errs = append(errs, fmt.Errorf("failed to unlock data directory: %w", err))
	}

	l.logger.Info().Msg("Lifecycle manager stopped")
	return errors.Join(errs...)
}

func (l *LifecycleManager) writePIDFile() error {
	return os.WriteFile(l.pidFile, []byte(strconv.Itoa(os.Getpid())), 0o600)
}

// PIDFile returns the PID file path
func (l *LifecycleManager) PIDFile() string {
	return l.pidFile
}

// GetPID returns the PID recorded in the PID file
func (l *LifecycleManager) GetPID() (int, error) {
	data, err := os.ReadFile(l.pidFile)
	if err != nil {
		return 0, err
	}

	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("invalid PID file: %w", err)
	}

	return pid, nil
}

// StartedAt returns when the PID file was written
func (l *LifecycleManager) StartedAt() (time.Time, error) {
	info, err := os.Stat(l.pidFile)
	if err != nil {
		return time.Time{}, err
	}
	return info.ModTime(), nil
}

// IsRunning reports whether the process in the PID file is alive
func (l *LifecycleManager) IsRunning() bool {
	pid, err := l.GetPID()
	if err != nil {
		return false
	}
	return processAlive(pid)
}

// Signal delivers sig to the running proxyd
func (l *LifecycleManager) Signal(sig syscall.Signal) (int, error) {
	pid, err := l.GetPID()
	if err != nil {
		if os.IsNotExist(err) {
			return 0, ErrNotRunning
		}
		return 0, err
	}
	if !processAlive(pid) {
		return pid, ErrNotRunning
	}
	if err := syscall.Kill(pid, sig); err != nil {
		return pid, fmt.Errorf("failed to signal %d: %w", pid, err)
	}
	return pid, nil
}

// RemoveStalePIDFile deletes a PID file whose process is gone
func (l *LifecycleManager) RemoveStalePIDFile() error {
	if l.IsRunning() {
		return nil
	}
	if err := os.Remove(l.pidFile); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

func processAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := syscall.Kill(pid, syscall.Signal(0))
	return err == nil || errors.Is(err, syscall.EPERM)
}
