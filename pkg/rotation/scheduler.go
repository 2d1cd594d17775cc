package rotation

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/harun/proxyd/pkg/supervisor"
)

var (
	// ErrInvalidSchedule is returned for expressions the parser rejects
	ErrInvalidSchedule = errors.New("invalid rotation schedule")

	// ErrNoTarget is returned when no identity target is configured
	ErrNoTarget = errors.New("rotation target is required")
)

// parser accepts standard 5-field expressions and descriptors such as
// "@hourly" or "@every 10m"
var parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Target is whatever can be asked for a fresh identity
type Target interface {
	NewIdentity() error
}

// Options configures a Scheduler
type Options struct {
	// Schedule is a cron expression or descriptor
	Schedule string

	// TZ is an optional IANA zone for the schedule. Empty means local time.
	TZ string

	Target Target
	Logger zerolog.Logger
}

// Scheduler requests a new identity from its target on a cron schedule
type Scheduler struct {
	target   Target
	schedule cron.Schedule
	cron     *cron.Cron
	logger   zerolog.Logger

	mu      sync.Mutex
	started bool
	lastRun time.Time
	lastErr error
}

// ParseSchedule validates a schedule expression in the given zone
func ParseSchedule(expr, tz string) (cron.Schedule, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return nil, fmt.Errorf("%w: empty expression", ErrInvalidSchedule)
	}
	if tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			return nil, fmt.Errorf("%w: timezone %q: %v", ErrInvalidSchedule, tz, err)
		}
		expr = "CRON_TZ=" + tz + " " + expr
	}

	sched, err := parser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSchedule, err)
	}
	return sched, nil
}

// New creates a stopped scheduler
func New(opts Options) (*Scheduler, error) {
	if opts.Target == nil {
		return nil, ErrNoTarget
	}

	sched, err := ParseSchedule(opts.Schedule, opts.TZ)
	if err != nil {
		return nil, err
	}

	logger := opts.Logger.With().Str("component", "rotation").Logger()

	loc := time.Local
	if opts.TZ != "" {
		loc, _ = time.LoadLocation(opts.TZ)
	}

	clog := cronLogger{logger: logger}
	s := &Scheduler{
		target:   opts.Target,
		schedule: sched,
		logger:   logger,
		cron: cron.New(
			cron.WithLocation(loc),
			cron.WithLogger(clog),
			cron.WithChain(cron.Recover(clog), cron.SkipIfStillRunning(clog)),
		),
	}
	s.cron.Schedule(sched, cron.FuncJob(s.rotate))

	return s, nil
}

// Start begins firing on the schedule. Calling it twice is a no-op.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return
	}
	s.started = true
	s.cron.Start()

	s.logger.Info().Time("next", s.schedule.Next(time.Now())).Msg("Identity rotation scheduled")
}

// Stop halts the schedule and waits for a running rotation to finish
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	s.started = false
	s.mu.Unlock()

	<-s.cron.Stop().Done()
	s.logger.Info().Msg("Identity rotation stopped")
}

// Next returns when the schedule fires next
func (s *Scheduler) Next() time.Time {
	return s.schedule.Next(time.Now())
}

// LastRun returns when the last rotation ran and its result
func (s *Scheduler) LastRun() (time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastRun, s.lastErr
}

func (s *Scheduler) rotate() {
	err := s.target.NewIdentity()

	s.mu.Lock()
	s.lastRun = time.Now()
	s.lastErr = err
	s.mu.Unlock()

	switch {
	case err == nil:
		s.logger.Info().Msg("Scheduled identity rotation requested")
	case errors.Is(err, supervisor.ErrStaleControlSignal):
		s.logger.Debug().Msg("Skipping rotation, daemon not connected")
	case errors.Is(err, supervisor.ErrIdentityThrottled):
		s.logger.Warn().Msg("Rotation throttled, schedule is tighter than the identity interval")
	default:
		s.logger.Error().Err(err).Msg("Scheduled identity rotation failed")
	}
}

// cronLogger routes cron's internal logging to zerolog
type cronLogger struct {
	logger zerolog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug().Fields(keysAndValues).Msg(msg)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error().Err(err).Fields(keysAndValues).Msg(msg)
}
