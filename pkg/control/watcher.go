package control

import (
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"

	"github.com/harun/proxyd/pkg/torrc"
)

// WatcherConfig holds configuration for the control endpoint watcher
type WatcherConfig struct {
	DataDirectory      string
	WithCookie         bool
	StabilityThreshold time.Duration
	OnReady            func(Endpoint)
	Logger             zerolog.Logger
}

// Watcher waits for the daemon to publish its control port and cookie and
// reports the endpoint once
type Watcher struct {
	watcher            *fsnotify.Watcher
	dir                string
	withCookie         bool
	stabilityThreshold time.Duration
	onReady            func(Endpoint)
	logger             zerolog.Logger

	mu       sync.Mutex
	timer    *time.Timer
	reported bool

	done     chan struct{}
	stopOnce sync.Once
}

// NewWatcher creates a watcher for the data directory
func NewWatcher(config WatcherConfig) (*Watcher, error) {
	if config.OnReady == nil {
		return nil, errors.New("OnReady callback is required")
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}

	if config.StabilityThreshold == 0 {
		config.StabilityThreshold = 50 * time.Millisecond
	}

	return &Watcher{
		watcher:            fw,
		dir:                config.DataDirectory,
		withCookie:         config.WithCookie,
		stabilityThreshold: config.StabilityThreshold,
		onReady:            config.OnReady,
		logger:             config.Logger,
		done:               make(chan struct{}),
	}, nil
}

// Start watches the data directory. Files that already exist are picked up
// immediately.
func (w *Watcher) Start() error {
	if err := w.watcher.Add(w.dir); err != nil {
		return fmt.Errorf("failed to watch data directory: %w", err)
	}

	go w.eventLoop()
	w.schedule()

	w.logger.Debug().
		Str("path", w.dir).
		Msg("Control endpoint watcher started")
	return nil
}

// Stop stops the watcher and cancels any pending discovery
func (w *Watcher) Stop() error {
	var err error
	w.stopOnce.Do(func() {
		w.mu.Lock()
		close(w.done)
		if w.timer != nil {
			w.timer.Stop()
		}
		w.mu.Unlock()

		if closeErr := w.watcher.Close(); closeErr != nil {
			err = fmt.Errorf("failed to close watcher: %w", closeErr)
		}
	})
	return err
}

func (w *Watcher) eventLoop() {
	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if w.relevant(event) {
				w.schedule()
			}

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn().Err(err).Msg("Control watcher error")

		case <-w.done:
			return
		}
	}
}

func (w *Watcher) relevant(event fsnotify.Event) bool {
	if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) {
		return false
	}
	switch filepath.Base(event.Name) {
	case torrc.ControlPortFile, torrc.CookieFile:
		return true
	}
	return false
}

// schedule debounces discovery so the daemon can finish writing both files
func (w *Watcher) schedule() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.reported || w.closed() {
		return
	}
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.stabilityThreshold, w.check)
}

func (w *Watcher) check() {
	endpoint, err := Discover(w.dir, w.withCookie)
	if err != nil {
		if !errors.Is(err, ErrNotReady) {
			w.logger.Warn().Err(err).Msg("Ignoring control endpoint")
		}
		return
	}

	w.mu.Lock()
	if w.reported || w.closed() {
		w.mu.Unlock()
		return
	}
	w.reported = true
	w.mu.Unlock()

	w.logger.Info().
		Str("addr", endpoint.Addr).
		Bool("cookie", len(endpoint.Cookie) > 0).
		Msg("Control endpoint discovered")

	w.onReady(endpoint)
}

func (w *Watcher) closed() bool {
	select {
	case <-w.done:
		return true
	default:
		return false
	}
}
