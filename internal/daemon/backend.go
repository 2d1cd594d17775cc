package daemon

import (
	"context"
	"errors"
	"time"

	"github.com/harun/proxyd/internal/tracing"
	"github.com/harun/proxyd/pkg/probe"
	"github.com/harun/proxyd/pkg/statusapi"
)

const schedulerActor = "scheduler"

// errNotReady is reported in probe results while the daemon is not connected
var errNotReady = errors.New("daemon not connected")

type probeSnapshot struct {
	result probe.Result
	runID  string
}

// Report implements statusapi.Backend
func (d *Daemon) Report(ctx context.Context, withProbe bool) statusapi.Report {
	status := d.supervisor.Status()
	report := statusapi.Report{
		Status:    status,
		Consumers: d.tracker.ActivationCount(),
		Owned:     d.tracker.Owned(),
		Leases:    d.tracker.Leases(),
	}

	if d.rotation != nil {
		if next := d.rotation.Next(); !next.IsZero() {
			report.NextRotation = &next
		}
		if last, err := d.rotation.LastRun(); !last.IsZero() {
			report.LastRotation = &last
			if err != nil {
				report.LastRotationError = err.Error()
			}
		}
	}

	if withProbe {
		result := d.Probe(ctx)
		report.Probe = &result
	} else if last := d.cachedProbe(status.RunID); last != nil {
		report.Probe = last
	}

	return report
}

// NewIdentity implements statusapi.Backend and records the outcome in the
// audit log
func (d *Daemon) NewIdentity(ctx context.Context) error {
	err := d.supervisor.NewIdentity()

	status := "success"
	var meta map[string]interface{}
	if err != nil {
		status = "failure"
		meta = map[string]interface{}{"error": err.Error()}
	}
	d.audit.RecordIdentity(ctx, tracing.GetActor(ctx), status, meta)

	return err
}

// Probe dials the probe target through the proxy. A daemon that is not
// connected is reported unreachable without dialing.
func (d *Daemon) Probe(ctx context.Context) probe.Result {
	status := d.supervisor.Status()
	if !status.Ready {
		return probe.Result{CheckedAt: time.Now(), Error: errNotReady.Error()}
	}

	result, err := probe.Check(ctx, probe.Config{
		ProxyURI: status.ProxyURI,
		Target:   d.config.Probe.Target,
		Timeout:  d.config.ProbeTimeout(),
	})
	d.metrics.ObserveProbe(result)
	if err != nil {
		d.logger.Warn().Err(err).Str("target", d.config.Probe.Target).Msg("Proxy probe failed")
	}

	d.probeMu.Lock()
	d.lastProbe = &probeSnapshot{result: result, runID: status.RunID}
	d.probeMu.Unlock()

	return result
}

// cachedProbe returns the last probe taken against the given run
func (d *Daemon) cachedProbe(runID string) *probe.Result {
	d.probeMu.Lock()
	defer d.probeMu.Unlock()

	if d.lastProbe == nil || d.lastProbe.runID != runID {
		return nil
	}
	result := d.lastProbe.result
	return &result
}

// scheduledIdentity adapts the daemon to rotation.Target
type scheduledIdentity struct {
	daemon *Daemon
}

func (s scheduledIdentity) NewIdentity() error {
	ctx := tracing.NewRequestContext(context.Background(), schedulerActor)
	return s.daemon.NewIdentity(ctx)
}

var _ statusapi.Backend = (*Daemon)(nil)

