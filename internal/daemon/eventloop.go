package daemon

import (
	"context"
	"time"
)

const defaultProbeInterval = time.Minute

// EventLoop runs periodic health checks against the proxy
type EventLoop struct {
	daemon   *Daemon
	interval time.Duration
}

// NewEventLoop creates a new event loop
func NewEventLoop(d *Daemon) *EventLoop {
	return &EventLoop{
		daemon:   d,
		interval: defaultProbeInterval,
	}
}

// Run probes on every tick until ctx is done
func (e *EventLoop) Run(ctx context.Context) {
	e.daemon.logger.Info().Dur("interval", e.interval).Msg("Event loop started")

	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			e.daemon.logger.Info().Msg("Event loop stopping")
			return

		case <-ticker.C:
			e.processTasks(ctx)
		}
	}
}

// processTasks probes the proxy when it claims to be ready
func (e *EventLoop) processTasks(ctx context.Context) {
	if !e.daemon.supervisor.IsReady() {
		return
	}

	result := e.daemon.Probe(ctx)
	if result.Reachable {
		e.daemon.logger.Debug().
			Dur("latency", result.Latency).
			Int("consumers", e.daemon.tracker.ActivationCount()).
			Msg("Proxy healthy")
	}
}
