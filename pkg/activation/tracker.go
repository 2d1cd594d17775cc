package activation

import (
	"context"
	"sort"
	"sync"
	"time"

	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/rs/zerolog"

	"github.com/harun/proxyd/pkg/connstate"
)

const DefaultCleanupTimeout = 30 * time.Second

// Daemon is the lifecycle surface the tracker drives
type Daemon interface {
	Start()
	Stop()
	State() connstate.State
}

// SessionCleaner tears down daemon-scoped data after the last consumer leaves
type SessionCleaner interface {
	ClearSession(ctx context.Context) error
}

// Options configures a Tracker
type Options struct {
	Daemon  Daemon
	Cleaner SessionCleaner

	// CleanupTimeout bounds ClearSession
	CleanupTimeout time.Duration

	// OnChange is called with the new count after every attach or detach
	OnChange func(count int)

	Logger zerolog.Logger
}

// Tracker starts the daemon for the first consumer and stops it after the
// last one leaves, but only if it was the one that started it
type Tracker struct {
	daemon         Daemon
	cleaner        SessionCleaner
	cleanupTimeout time.Duration
	onChange       func(int)
	logger         zerolog.Logger

	mu     sync.Mutex
	count  int
	owned  bool
	leases map[string]*Lease
}

// New creates a tracker with no consumers
func New(opts Options) *Tracker {
	if opts.CleanupTimeout <= 0 {
		opts.CleanupTimeout = DefaultCleanupTimeout
	}

	return &Tracker{
		daemon:         opts.Daemon,
		cleaner:        opts.Cleaner,
		cleanupTimeout: opts.CleanupTimeout,
		onChange:       opts.OnChange,
		logger:         opts.Logger.With().Str("component", "activation").Logger(),
		leases:         make(map[string]*Lease),
	}
}

// OnConsumerAttached records a new consumer and starts the daemon for the
// first one
func (t *Tracker) OnConsumerAttached() {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.attachLocked()
}

func (t *Tracker) attachLocked() {
	t.count++

	if t.count == 1 {
		if state := t.daemon.State(); state == connstate.Disconnected {
			t.daemon.Start()
			t.owned = true
			t.logger.Info().Msg("First consumer attached, daemon started")
		} else {
			t.logger.Info().
				Str("state", state.String()).
				Msg("First consumer attached to a daemon started elsewhere")
		}
	}

	t.changedLocked()
}

// OnConsumerDetached records a consumer leaving. When the last one leaves
// and this tracker started the daemon, the daemon is stopped and its
// session data cleared.
func (t *Tracker) OnConsumerDetached() {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.detachLocked()
}

func (t *Tracker) detachLocked() {
	if t.count == 0 {
		t.logger.Warn().Msg("Consumer detached with none attached, ignoring")
		return
	}
	t.count--

	if t.count == 0 && t.owned {
		t.daemon.Stop()
		t.clearSession()
		t.owned = false
		t.logger.Info().Msg("Last consumer detached, daemon stopped")
	}

	t.changedLocked()
}

func (t *Tracker) clearSession() {
	if t.cleaner == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), t.cleanupTimeout)
	defer cancel()

	if err := t.cleaner.ClearSession(ctx); err != nil {
		t.logger.Error().Err(err).Msg("Failed to clear session data")
	}
}

func (t *Tracker) changedLocked() {
	t.logger.Debug().Int("consumers", t.count).Msg("Activation count changed")
	if t.onChange != nil {
		t.onChange(t.count)
	}
}

// ActivationCount returns the number of attached consumers
func (t *Tracker) ActivationCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.count
}

// HasActiveConsumers reports whether anyone is attached
func (t *Tracker) HasActiveConsumers() bool {
	return t.ActivationCount() > 0
}

// Owned reports whether the tracker started the running daemon
func (t *Tracker) Owned() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.owned
}

// Lease is one attached consumer. Releasing it more than once is harmless.
type Lease struct {
	ID         string    `json:"id"`
	Holder     string    `json:"holder,omitempty"`
	AcquiredAt time.Time `json:"acquired_at"`

	tracker *Tracker
	once    sync.Once
}

// Acquire attaches a consumer and returns its lease. Holder is a free-form
// label shown in status output.
func (t *Tracker) Acquire(holder string) *Lease {
	id, _ := gonanoid.New()
	lease := &Lease{
		ID:         id,
		Holder:     holder,
		AcquiredAt: time.Now(),
		tracker:    t,
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	t.leases[id] = lease
	t.attachLocked()
	return lease
}

// Release detaches the consumer
func (l *Lease) Release() {
	l.once.Do(func() {
		t := l.tracker
		t.mu.Lock()
		defer t.mu.Unlock()

		delete(t.leases, l.ID)
		t.detachLocked()
	})
}

// Leases returns the outstanding leases, oldest first
func (t *Tracker) Leases() []*Lease {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]*Lease, 0, len(t.leases))
	for _, l := range t.leases {
		out = append(out, l)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].AcquiredAt.Before(out[j].AcquiredAt)
	})
	return out
}
