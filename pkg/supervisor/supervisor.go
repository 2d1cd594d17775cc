package supervisor

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"slices"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"github.com/harun/proxyd/internal/tracing"
	"github.com/harun/proxyd/pkg/connstate"
	"github.com/harun/proxyd/pkg/control"
	"github.com/harun/proxyd/pkg/process"
	"github.com/harun/proxyd/pkg/torrc"
)

const (
	tracerName = "proxyd/supervisor"

	DefaultIdentityInterval = 10 * time.Second
	controlDialTimeout      = 10 * time.Second
	identityTimeout         = 5 * time.Second
	maxLogLine              = 1024 * 1024

	statusClientEvent = "STATUS_CLIENT"
)

// DefaultReadyPatterns mark the daemon as usable when seen in its output
var DefaultReadyPatterns = []string{
	"Bootstrapped 100%",
	"circuit established",
}

// ConfigWriter renders a daemon config to disk and returns its path
type ConfigWriter interface {
	Write(cfg torrc.DaemonConfig) (string, error)
}

// ControlClient is the subset of the control connection the supervisor uses
type ControlClient interface {
	NewIdentity(ctx context.Context) error
	Close() error
}

// EventSource is implemented by control clients that stream async events.
// The supervisor subscribes to STATUS_CLIENT to learn about readiness.
type EventSource interface {
	SetEventHandler(handler func(control.Event))
	Subscribe(ctx context.Context, event string) error
}

// ControlDialer opens an authenticated control connection
type ControlDialer func(ctx context.Context, endpoint control.Endpoint) (ControlClient, error)

// Recorder receives lifecycle measurements
type Recorder interface {
	IncStart()
	IncStartFailure(reason string)
	IncCrash()
	IncStop()
	ObserveBootstrap(d time.Duration)
	IncIdentity(result string)
}

type nopRecorder struct{}

func (nopRecorder) IncStart()                      {}
func (nopRecorder) IncStartFailure(string)         {}
func (nopRecorder) IncCrash()                      {}
func (nopRecorder) IncStop()                       {}
func (nopRecorder) ObserveBootstrap(time.Duration) {}
func (nopRecorder) IncIdentity(string)             {}

// Options configures a Supervisor
type Options struct {
	BinaryPath string
	Config     torrc.DaemonConfig

	Writer  ConfigWriter
	Spawner process.Spawner

	// ReadyPatterns are matched as substrings of each output line
	ReadyPatterns []string

	// StopGrace bounds how long Stop waits after SIGTERM before killing
	StopGrace time.Duration

	// StartTimeout stops a daemon still connecting after this long. Zero
	// waits forever.
	StartTimeout time.Duration

	// IdentityInterval is the minimum spacing between new identity
	// requests. Negative disables throttling.
	IdentityInterval time.Duration

	// DialControl connects to the control port once the daemon publishes
	// it. Only used when Config.ControlPort is set.
	DialControl ControlDialer

	Recorder Recorder
	Logger   zerolog.Logger
}

// run is one spawned daemon process and everything tied to its lifetime
type run struct {
	gen       uint64
	id        string
	handle    process.Handle
	startedAt time.Time
	scanDone  chan struct{}
	logger    zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	// guarded by Supervisor.mu
	watcher    *control.Watcher
	control    ControlClient
	startTimer *time.Timer
}

// Supervisor starts and stops one local daemon and tracks its readiness
type Supervisor struct {
	opts     Options
	machine  *connstate.Machine
	limiter  *rate.Limiter
	recorder Recorder
	logger   zerolog.Logger

	// lifecycleMu serializes launch and stop work
	lifecycleMu sync.Mutex

	mu  sync.Mutex
	gen uint64
	cur *run
}

// New creates a supervisor in the Disconnected state
func New(opts Options) *Supervisor {
	if opts.Writer == nil {
		opts.Writer = torrc.NewWriter()
	}
	if opts.Spawner == nil {
		opts.Spawner = process.NewExecSpawner(opts.Logger)
	}
	if len(opts.ReadyPatterns) == 0 {
		opts.ReadyPatterns = DefaultReadyPatterns
	}
	if opts.StopGrace <= 0 {
		opts.StopGrace = process.DefaultTerminateGrace
	}
	if opts.IdentityInterval == 0 {
		opts.IdentityInterval = DefaultIdentityInterval
	}
	if opts.DialControl == nil {
		logger := opts.Logger
		opts.DialControl = func(ctx context.Context, e control.Endpoint) (ControlClient, error) {
			return control.Dial(ctx, e.Addr, e.Cookie, logger)
		}
	}
	if opts.Recorder == nil {
		opts.Recorder = nopRecorder{}
	}

	limit := rate.Every(opts.IdentityInterval)
	if opts.IdentityInterval < 0 {
		limit = rate.Inf
	}

	logger := opts.Logger.With().Str("component", "supervisor").Logger()

	return &Supervisor{
		opts:     opts,
		machine:  connstate.New(logger),
		limiter:  rate.NewLimiter(limit, 1),
		recorder: opts.Recorder,
		logger:   logger,
	}
}

// Start launches the daemon unless it is already starting or running. The
// config write and spawn happen on a background goroutine.
func (s *Supervisor) Start() {
	s.mu.Lock()
	if !s.machine.CompareAndTransition(connstate.Disconnected, connstate.Connecting) {
		state := s.machine.State()
		s.mu.Unlock()
		s.logger.Info().
			Str("state", state.String()).
			Msg("Daemon already starting or running, ignoring start")
		return
	}
	s.gen++
	gen := s.gen
	s.mu.Unlock()

	s.recorder.IncStart()
	go s.launch(gen)
}

func (s *Supervisor) launch(gen uint64) {
	s.lifecycleMu.Lock()
	defer s.lifecycleMu.Unlock()

	if !s.isCurrent(gen) {
		return
	}

	runID := tracing.NewRunID()
	ctx := tracing.WithRunID(context.Background(), runID)
	ctx, span := tracing.StartSpan(ctx, tracerName, "supervisor.launch",
		attribute.String("binary", s.opts.BinaryPath),
		attribute.String("data_dir", s.opts.Config.DataDirectory),
	)
	defer span.End()
	logger := tracing.LoggerFromContext(ctx, s.logger)

	cfg := s.opts.Config
	if cfg.ControlPort != "" {
		if err := control.RemoveStale(cfg.DataDirectory); err != nil {
			logger.Warn().Err(err).Msg("Failed to remove stale control files")
		}
	}

	path, err := s.opts.Writer.Write(cfg)
	if err != nil {
		s.failStart(gen, "config_write", fmt.Errorf("%w: %w", ErrConfigWrite, err), span, logger)
		return
	}

	handle, err := s.opts.Spawner.Spawn(ctx, process.SpawnRequest{
		Binary: s.opts.BinaryPath,
		Args:   []string{"-f", path},
		Dir:    cfg.DataDirectory,
	})
	if err != nil {
		s.failStart(gen, "spawn", fmt.Errorf("%w: %w", ErrProcessSpawn, err), span, logger)
		return
	}

	runCtx, cancel := context.WithCancel(ctx)
	r := &run{
		gen:       gen,
		id:        runID,
		handle:    handle,
		startedAt: time.Now(),
		scanDone:  make(chan struct{}),
		logger:    logger.With().Int("pid", handle.PID()).Logger(),
		ctx:       runCtx,
		cancel:    cancel,
	}

	if cfg.ControlPort != "" {
		w, err := control.NewWatcher(control.WatcherConfig{
			DataDirectory: cfg.DataDirectory,
			WithCookie:    cfg.CookieAuth,
			OnReady:       func(e control.Endpoint) { s.attachControl(r, e) },
			Logger:        r.logger,
		})
		if err != nil {
			r.logger.Warn().Err(err).Msg("Control port discovery unavailable")
		} else {
			r.watcher = w
		}
	}

	s.mu.Lock()
	if s.gen != gen {
		s.mu.Unlock()
		s.discard(r)
		return
	}
	s.cur = r
	if s.opts.StartTimeout > 0 {
		r.startTimer = time.AfterFunc(s.opts.StartTimeout, func() { s.startTimedOut(r) })
	}
	s.mu.Unlock()

	go s.scan(r)

	if r.watcher != nil {
		if err := r.watcher.Start(); err != nil {
			r.logger.Warn().Err(err).Msg("Failed to watch for control port")
		}
	}

	span.SetAttributes(attribute.Int("pid", handle.PID()))
	r.logger.Info().
		Str("binary", s.opts.BinaryPath).
		Str("config", path).
		Msg("Daemon spawned")
}

// discard ends a run that lost the race to a newer generation
func (s *Supervisor) discard(r *run) {
	s.teardown(r)
	if err := r.handle.Terminate(s.opts.StopGrace); err != nil {
		r.logger.Warn().Err(err).Msg("Failed to terminate superseded daemon")
	}
}

func (s *Supervisor) failStart(gen uint64, reason string, err error, span trace.Span, logger zerolog.Logger) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())

	s.mu.Lock()
	current := s.gen == gen
	if current {
		s.machine.Transition(connstate.Disconnected)
	}
	s.mu.Unlock()

	if !current {
		return
	}

	s.recorder.IncStartFailure(reason)
	logger.Error().
		Err(err).
		Str("binary", s.opts.BinaryPath).
		Msg("Failed to start daemon")
}

func (s *Supervisor) isCurrent(gen uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.gen == gen
}

// scan forwards daemon output to listeners and watches for readiness. It
// returns when the output reaches EOF.
func (s *Supervisor) scan(r *run) {
	defer close(r.scanDone)

	output := r.handle.Output()
	scanner := bufio.NewScanner(output)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLogLine)

	for scanner.Scan() {
		line := scanner.Text()
		s.machine.PublishLog(line)
		if s.isReadyLine(line) {
			s.markReady(r)
		}
	}

	if err := scanner.Err(); err != nil {
		r.logger.Warn().Err(err).Msg("Stopped reading daemon output")
		// Keep draining so the daemon never blocks on a full pipe
		io.Copy(io.Discard, output)
	}

	s.outputClosed(r)
}

func (s *Supervisor) isReadyLine(line string) bool {
	for _, p := range s.opts.ReadyPatterns {
		if strings.Contains(line, p) {
			return true
		}
	}
	return false
}

func (s *Supervisor) markReady(r *run) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cur != r || !s.machine.CompareAndTransition(connstate.Connecting, connstate.Connected) {
		return
	}
	if r.startTimer != nil {
		r.startTimer.Stop()
	}

	elapsed := time.Since(r.startedAt)
	s.recorder.ObserveBootstrap(elapsed)
	r.logger.Info().
		Dur("bootstrap", elapsed).
		Msg("Daemon ready")
}

// outputClosed handles the daemon going away without Stop
func (s *Supervisor) outputClosed(r *run) {
	s.mu.Lock()
	if s.cur != r {
		s.mu.Unlock()
		return
	}
	s.cur = nil
	from, changed := s.machine.Transition(connstate.Disconnected)
	s.mu.Unlock()

	s.teardown(r)
	if r.handle.Alive() {
		// Output closed but the process lingers
		go r.handle.Terminate(s.opts.StopGrace)
	}

	if changed {
		s.recorder.IncCrash()
		r.logger.Error().
			Err(ErrUnexpectedTermination).
			Str("state", from.String()).
			Msg("Daemon exited")
	}
}

// Stop terminates the daemon and waits for its output to drain. It is a
// no-op when nothing is running.
func (s *Supervisor) Stop() {
	s.lifecycleMu.Lock()
	defer s.lifecycleMu.Unlock()

	s.stopLocked(nil)
}

// stopLocked requires lifecycleMu. With expect set it only stops that run,
// and only while it is still connecting.
func (s *Supervisor) stopLocked(expect *run) bool {
	s.mu.Lock()
	if expect != nil && (s.cur != expect || s.machine.State() != connstate.Connecting) {
		s.mu.Unlock()
		return false
	}
	s.gen++
	gen := s.gen
	r := s.cur
	s.cur = nil
	s.mu.Unlock()

	if r != nil {
		_, span := tracing.StartSpan(r.ctx, tracerName, "supervisor.stop",
			attribute.Int("pid", r.handle.PID()),
		)
		s.teardown(r)

		if err := r.handle.Terminate(s.opts.StopGrace); err != nil {
			span.RecordError(err)
			r.logger.Warn().Err(err).Msg("Failed to terminate daemon")
		}

		select {
		case <-r.scanDone:
		case <-time.After(s.opts.StopGrace):
			r.logger.Warn().Msg("Daemon output still open after terminate")
		}

		span.End()
		s.recorder.IncStop()
		r.logger.Info().Msg("Daemon stopped")
	}

	// A Start that slipped in while terminating owns the state now
	s.mu.Lock()
	changed := false
	if s.gen == gen {
		_, changed = s.machine.Transition(connstate.Disconnected)
	}
	s.mu.Unlock()

	if r == nil && !changed {
		s.logger.Debug().Msg("Daemon not running, ignoring stop")
	}
	return true
}

func (s *Supervisor) startTimedOut(r *run) {
	s.lifecycleMu.Lock()
	defer s.lifecycleMu.Unlock()

	if !s.stopLocked(r) {
		return
	}

	s.recorder.IncStartFailure("timeout")
	r.logger.Error().
		Err(ErrStartTimeout).
		Dur("timeout", s.opts.StartTimeout).
		Msg("Daemon did not bootstrap, stopped")
}

// teardown releases everything tied to the run except the process itself
func (s *Supervisor) teardown(r *run) {
	s.mu.Lock()
	if r.startTimer != nil {
		r.startTimer.Stop()
	}
	w := r.watcher
	client := r.control
	r.watcher = nil
	r.control = nil
	s.mu.Unlock()

	r.cancel()
	if w != nil {
		w.Stop()
	}
	if client != nil {
		client.Close()
	}
}

func (s *Supervisor) attachControl(r *run, e control.Endpoint) {
	ctx, cancel := context.WithTimeout(r.ctx, controlDialTimeout)
	defer cancel()

	client, err := s.opts.DialControl(ctx, e)
	if err != nil {
		if r.ctx.Err() == nil {
			r.logger.Warn().Err(err).Str("addr", e.Addr).Msg("Failed to connect to control port")
		}
		return
	}

	s.mu.Lock()
	if s.cur != r {
		s.mu.Unlock()
		client.Close()
		return
	}
	r.control = client
	s.mu.Unlock()

	r.logger.Info().Str("addr", e.Addr).Msg("Control connection established")

	if events, ok := client.(EventSource); ok {
		s.subscribeStatus(r, events)
	}
}

// subscribeStatus marks the run ready when the daemon reports an
// established circuit, independently of its log output
func (s *Supervisor) subscribeStatus(r *run, events EventSource) {
	events.SetEventHandler(func(ev control.Event) {
		if isReadyEvent(ev) {
			s.markReady(r)
		}
	})

	ctx, cancel := context.WithTimeout(r.ctx, controlDialTimeout)
	defer cancel()

	if err := events.Subscribe(ctx, statusClientEvent); err != nil && r.ctx.Err() == nil {
		r.logger.Warn().Err(err).Msg("Failed to subscribe to control events")
	}
}

// isReadyEvent matches "STATUS_CLIENT <severity> CIRCUIT_ESTABLISHED" and
// "STATUS_CLIENT <severity> BOOTSTRAP PROGRESS=100 ..."
func isReadyEvent(ev control.Event) bool {
	if ev.Type != statusClientEvent {
		return false
	}

	fields := strings.Fields(ev.Text)
	if len(fields) < 2 {
		return false
	}
	switch fields[1] {
	case "CIRCUIT_ESTABLISHED":
		return true
	case "BOOTSTRAP":
		return slices.Contains(fields[2:], "PROGRESS=100")
	}
	return false
}

// NewIdentity asks the daemon for fresh circuits. It returns once the
// request is dispatched. ErrStaleControlSignal is returned when the daemon
// is not connected and ErrIdentityThrottled when requests come too fast.
func (s *Supervisor) NewIdentity() error {
	s.mu.Lock()
	r := s.cur
	state := s.machine.State()
	var client ControlClient
	if r != nil {
		client = r.control
	}
	s.mu.Unlock()

	if r == nil || state != connstate.Connected {
		s.recorder.IncIdentity("ignored")
		s.logger.Debug().
			Str("state", state.String()).
			Msg("Ignoring new identity request")
		return ErrStaleControlSignal
	}

	if !s.limiter.Allow() {
		s.recorder.IncIdentity("throttled")
		r.logger.Info().Msg("New identity requested too soon, dropped")
		return ErrIdentityThrottled
	}

	go s.dispatchIdentity(r, client)
	return nil
}

func (s *Supervisor) dispatchIdentity(r *run, client ControlClient) {
	if client != nil {
		ctx, cancel := context.WithTimeout(r.ctx, identityTimeout)
		err := client.NewIdentity(ctx)
		cancel()
		if err == nil {
			s.recorder.IncIdentity("control")
			r.logger.Info().Msg("New identity requested via control port")
			return
		}
		if errors.Is(err, context.Canceled) {
			return
		}
		r.logger.Warn().Err(err).Msg("Control port NEWNYM failed, falling back to SIGHUP")
	}

	if err := r.handle.Signal(syscall.SIGHUP); err != nil {
		s.recorder.IncIdentity("failed")
		r.logger.Warn().Err(err).Msg("Failed to signal daemon")
		return
	}
	s.recorder.IncIdentity("signal")
	r.logger.Info().Msg("New identity requested via SIGHUP")
}

// State returns the current connection state
func (s *Supervisor) State() connstate.State {
	return s.machine.State()
}

// IsRunning reports whether a daemon process is alive
func (s *Supervisor) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cur != nil && s.cur.handle.Alive()
}

// IsReady reports whether the proxy endpoint is usable
func (s *Supervisor) IsReady() bool {
	return s.machine.State() == connstate.Connected
}

// ProxyURI returns the socks5:// endpoint consumers should route through
func (s *Supervisor) ProxyURI() string {
	return s.opts.Config.ProxyURI()
}

// Config returns the daemon config the supervisor renders on start
func (s *Supervisor) Config() torrc.DaemonConfig {
	return s.opts.Config
}

// AddListener registers l for state and log events
func (s *Supervisor) AddListener(l connstate.Listener) connstate.ListenerID {
	return s.machine.AddListener(l)
}

// RemoveListener drops a registration
func (s *Supervisor) RemoveListener(id connstate.ListenerID) {
	s.machine.RemoveListener(id)
}

// Close stops the daemon and flushes pending listener notifications
func (s *Supervisor) Close() {
	s.Stop()
	s.machine.Close()
}
