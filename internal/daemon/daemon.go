package daemon

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/harun/proxyd/internal/config"
	"github.com/harun/proxyd/internal/logger"
	"github.com/harun/proxyd/internal/metrics"
	"github.com/harun/proxyd/internal/observability"
	"github.com/harun/proxyd/internal/tracing"
	"github.com/harun/proxyd/pkg/activation"
	"github.com/harun/proxyd/pkg/connstate"
	"github.com/harun/proxyd/pkg/process"
	"github.com/harun/proxyd/pkg/rotation"
	"github.com/harun/proxyd/pkg/session"
	"github.com/harun/proxyd/pkg/statusapi"
	"github.com/harun/proxyd/pkg/supervisor"
)

const (
	auditFileName = "audit.log"
	stopTimeout   = 5 * time.Second
)

// Version is reported to the tracer provider
var Version = "dev"

// Daemon wires one supervisor, its activation tracker and the surfaces
// around them
type Daemon struct {
	config *config.Config
	logger *logger.Logger

	supervisor *supervisor.Supervisor
	tracker    *activation.Tracker
	cleaner    *session.Cleaner
	metrics    *metrics.Metrics
	audit      *observability.AuditLogger

	// Optional services
	rotation *rotation.Scheduler
	api      *statusapi.Server

	lifecycle *LifecycleManager
	eventLoop *EventLoop

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	startTime time.Time
	running   bool
	mu        sync.RWMutex

	probeMu   sync.Mutex
	lastProbe *probeSnapshot

	tracingEnabled bool
}

// Status describes the proxyd process itself
type Status struct {
	Running   bool
	StartTime time.Time
	Uptime    time.Duration
}

var newSpawner = func(logger zerolog.Logger) process.Spawner {
	return process.NewExecSpawner(logger)
}

// New creates a daemon from a loaded config. Nothing runs until Start.
func New(cfg *config.Config, log *logger.Logger) (*Daemon, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())

	d := &Daemon{
		config: cfg,
		logger: log,
		ctx:    ctx,
		cancel: cancel,
	}

	if cfg.Tracing.Enabled {
		if err := tracing.InitOpenTelemetry(cfg.Tracing.ServiceName, Version); err != nil {
			log.Warn().Err(err).Msg("Failed to initialize tracing, continuing without it")
		} else {
			d.tracingEnabled = true
			log.Info().Msg("Tracing initialized")
		}
	}

	if err := d.initializeCoreModules(); err != nil {
		d.abort()
		return nil, fmt.Errorf("failed to initialize core modules: %w", err)
	}

	if err := d.initializeServices(); err != nil {
		d.abort()
		return nil, fmt.Errorf("failed to initialize services: %w", err)
	}

	d.lifecycle = NewLifecycleManager(cfg.DataDir, log.GetZerolog())
	d.eventLoop = NewEventLoop(d)

	d.audit.RecordConfig(ctx, "config_loaded", map[string]interface{}{
		"data_dir":    cfg.DataDir,
		"listen_port": cfg.Daemon.ListenPort,
		"control":     cfg.Daemon.ControlPort,
	})

	return d, nil
}

func (d *Daemon) abort() {
	d.cancel()
	if d.tracingEnabled {
		_ = tracing.ShutdownOpenTelemetry(context.Background())
		d.tracingEnabled = false
	}
	if d.audit != nil {
		_ = d.audit.Close()
	}
}

func (d *Daemon) initializeCoreModules() error {
	zl := d.logger.GetZerolog()

	auditPath := filepath.Join(d.config.DataDir, auditFileName)
	audit, err := observability.OpenAuditLog(auditPath)
	if err != nil {
		d.logger.Warn().Err(err).Msg("Failed to open audit log, audit events will be dropped")
		audit = observability.NewAuditLogger(nil)
	} else {
		d.logger.Info().Str("path", auditPath).Msg("Audit logger initialized")
	}
	d.audit = audit

	d.metrics = metrics.NewMetrics()

	d.supervisor = supervisor.New(supervisor.Options{
		BinaryPath:       d.config.Daemon.BinaryPath,
		Config:           d.config.DaemonSettings(),
		Spawner:          newSpawner(zl),
		ReadyPatterns:    d.config.Supervisor.ReadyPatterns,
		StopGrace:        d.config.StopGrace(),
		StartTimeout:     d.config.StartTimeout(),
		IdentityInterval: d.config.IdentityInterval(),
		Recorder:         d.metrics,
		Logger:           zl,
	})
	d.supervisor.AddListener(d.metrics.Listener())
	d.supervisor.AddListener(connstate.ListenerFuncs{StateChanged: d.recordState})
	d.logger.Info().
		Str("binary", d.config.Daemon.BinaryPath).
		Str("proxy", d.supervisor.ProxyURI()).
		Msg("Supervisor initialized")

	// An empty list in the file means "use the defaults"
	patterns := d.config.Session.Patterns
	if len(patterns) == 0 {
		patterns = nil
	}
	cleaner, err := session.NewCleaner(session.CleanerConfig{
		DataDirectory: d.config.Daemon.DataDirectory,
		Patterns:      patterns,
		Logger:        zl,
	})
	if err != nil {
		return fmt.Errorf("failed to create session cleaner: %w", err)
	}
	d.cleaner = cleaner
	d.cleaner.AddHook("probe_cache", func(context.Context) error {
		d.probeMu.Lock()
		d.lastProbe = nil
		d.probeMu.Unlock()
		return nil
	})

	d.tracker = activation.New(activation.Options{
		Daemon:         d.supervisor,
		Cleaner:        d.cleaner,
		CleanupTimeout: d.config.CleanupTimeout(),
		OnChange:       d.metrics.SetActivations,
		Logger:         zl,
	})
	d.logger.Info().Msg("Activation tracker initialized")

	return nil
}

func (d *Daemon) initializeServices() error {
	zl := d.logger.GetZerolog()

	if d.config.Rotation.Enabled {
		scheduler, err := rotation.New(rotation.Options{
			Schedule: d.config.Rotation.Schedule,
			TZ:       d.config.Rotation.TZ,
			Target:   scheduledIdentity{daemon: d},
			Logger:   zl,
		})
		if err != nil {
			return fmt.Errorf("failed to create rotation scheduler: %w", err)
		}
		d.rotation = scheduler
		d.logger.Info().Str("schedule", d.config.Rotation.Schedule).Msg("Identity rotation scheduled")
	}

	if d.config.API.Enabled {
		var lineFilter func(string) string
		if r := d.logger.Redactor(); r != nil {
			lineFilter = r.Redact
		}

		server, err := statusapi.NewServer(statusapi.Config{
			Addr:          d.config.APIAddr(),
			Token:         d.config.API.Token,
			Backend:       d,
			Metrics:       d.metrics.Handler(),
			LineFilter:    lineFilter,
			OnAuthFailure: d.recordAuthFailure,
			Logger:        zl,
		})
		if err != nil {
			return fmt.Errorf("failed to create status API: %w", err)
		}
		d.api = server
		d.supervisor.AddListener(server.Broadcaster())
		d.logger.Info().Str("addr", d.config.APIAddr()).Msg("Status API initialized")
	}

	return nil
}

// Start takes the data directory and starts the optional services. The
// proxy daemon itself starts with the first Acquire.
func (d *Daemon) Start() error {
	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		return fmt.Errorf("daemon is already running")
	}
	d.running = true
	d.startTime = time.Now()
	d.mu.Unlock()

	ctx := tracing.WithTraceID(d.ctx, tracing.NewTraceID())
	logger := tracing.LoggerFromContext(ctx, d.logger.GetZerolog())
	logger.Info().Msg("Starting proxyd")

	fail := func(err error) error {
		d.mu.Lock()
		d.running = false
		d.mu.Unlock()
		d.audit.RecordLifecycle(ctx, "proxyd_started", "failure", map[string]interface{}{"error": err.Error()})
		return err
	}

	if err := d.lifecycle.Start(); err != nil {
		return fail(fmt.Errorf("failed to start lifecycle manager: %w", err))
	}

	if d.api != nil {
		if err := d.api.Start(); err != nil {
			_ = d.lifecycle.Stop()
			return fail(fmt.Errorf("failed to start status API: %w", err))
		}
		logger.Info().Str("addr", d.api.Addr()).Msg("Status API started")
	}

	if d.rotation != nil {
		d.rotation.Start()
		logger.Info().Time("next", d.rotation.Next()).Msg("Rotation scheduler started")
	}

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.eventLoop.Run(d.ctx)
	}()

	d.audit.RecordLifecycle(ctx, "proxyd_started", "success", map[string]interface{}{"pid": os.Getpid()})
	logger.Info().Msg("proxyd started")

	return nil
}

// Stop releases every lease, stops the daemon and shuts the services down
func (d *Daemon) Stop() error {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return fmt.Errorf("daemon is not running")
	}
	d.running = false
	d.mu.Unlock()

	ctx := tracing.WithTraceID(context.Background(), tracing.NewTraceID())
	logger := tracing.LoggerFromContext(ctx, d.logger.GetZerolog())
	logger.Info().Msg("Stopping proxyd")

	if d.rotation != nil {
		d.rotation.Stop()
		logger.Info().Msg("Rotation scheduler stopped")
	}

	for _, lease := range d.tracker.Leases() {
		d.Release(lease)
	}
	d.supervisor.Close()
	logger.Info().Msg("Supervisor closed")

	if d.api != nil {
		stopCtx, cancel := context.WithTimeout(context.Background(), stopTimeout)
		if err := d.api.Stop(stopCtx); err != nil {
			logger.Error().Err(err).Msg("Failed to stop status API")
		}
		cancel()
	}

	d.cancel()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(stopTimeout):
		logger.Warn().Msg("Timeout waiting for goroutines to stop")
	}

	if err := d.lifecycle.Stop(); err != nil {
		logger.Error().Err(err).Msg("Failed to stop lifecycle manager")
	}

	if d.tracingEnabled {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), stopTimeout)
		if err := tracing.ShutdownOpenTelemetry(shutdownCtx); err != nil {
			logger.Error().Err(err).Msg("Failed to shutdown tracing")
		}
		cancel()
		d.tracingEnabled = false
	}

	d.audit.RecordLifecycle(ctx, "proxyd_stopped", "success", nil)
	if err := d.audit.Close(); err != nil {
		logger.Error().Err(err).Msg("Failed to close audit logger")
	}

	logger.Info().Msg("proxyd stopped")
	return nil
}

// Status returns the daemon status
func (d *Daemon) Status() Status {
	d.mu.RLock()
	defer d.mu.RUnlock()

	status := Status{Running: d.running}
	if d.running {
		status.StartTime = d.startTime
		status.Uptime = time.Since(d.startTime)
	}
	return status
}

// Wait blocks until SIGINT or SIGTERM, or until ctx is done, then stops
func (d *Daemon) Wait(ctx context.Context) {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	select {
	case sig := <-sigChan:
		d.logger.Info().Str("signal", sig.String()).Msg("Received signal")
	case <-ctx.Done():
	}

	if err := d.Stop(); err != nil {
		d.logger.Error().Err(err).Msg("Failed to stop daemon")
	}
}

// Acquire attaches a consumer. The first one starts the proxy daemon.
func (d *Daemon) Acquire(holder string) *activation.Lease {
	lease := d.tracker.Acquire(holder)
	d.audit.RecordConsumer(d.ctx, "lease_acquired", holder, map[string]interface{}{
		"lease_id":  lease.ID,
		"consumers": d.tracker.ActivationCount(),
	})
	return lease
}

// Release detaches a consumer. The last one stops the daemon if proxyd
// started it.
func (d *Daemon) Release(lease *activation.Lease) {
	lease.Release()
	d.audit.RecordConsumer(d.ctx, "lease_released", lease.Holder, map[string]interface{}{
		"lease_id":  lease.ID,
		"consumers": d.tracker.ActivationCount(),
	})
}

func (d *Daemon) recordState(state connstate.State) {
	st := d.supervisor.Status()
	ctx := tracing.WithRunID(context.Background(), st.RunID)
	d.audit.RecordLifecycle(ctx, "state_"+state.String(), "success", map[string]interface{}{
		"pid": st.PID,
	})
}

func (d *Daemon) recordAuthFailure(r *http.Request) {
	d.audit.RecordSecurity(r.Context(), "auth_rejected", r.RemoteAddr, "failure", map[string]interface{}{
		"path":   r.URL.Path,
		"method": r.Method,
	})
}

// GetConfig returns the daemon configuration
func (d *Daemon) GetConfig() *config.Config {
	return d.config
}

// GetLogger returns the logger
func (d *Daemon) GetLogger() *logger.Logger {
	return d.logger
}

func (d *Daemon) GetSupervisor() *supervisor.Supervisor {
	return d.supervisor
}

func (d *Daemon) GetTracker() *activation.Tracker {
	return d.tracker
}

func (d *Daemon) GetMetrics() *metrics.Metrics {
	return d.metrics
}

// GetStatusAPI returns the status API server, or nil when disabled
func (d *Daemon) GetStatusAPI() *statusapi.Server {
	return d.api
}

// GetRotation returns the rotation scheduler, or nil when disabled
func (d *Daemon) GetRotation() *rotation.Scheduler {
	return d.rotation
}

func (d *Daemon) GetLifecycle() *LifecycleManager {
	return d.lifecycle
}
