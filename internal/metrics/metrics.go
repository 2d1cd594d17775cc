package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/harun/proxyd/pkg/connstate"
	"github.com/harun/proxyd/pkg/probe"
)

const namespace = "proxyd"

var states = []connstate.State{connstate.Disconnected, connstate.Connecting, connstate.Connected}

// Metrics holds the daemon's Prometheus collectors on a private registry
type Metrics struct {
	registry *prometheus.Registry

	// Lifecycle
	DaemonState        *prometheus.GaugeVec
	StartsTotal        prometheus.Counter
	StartFailuresTotal *prometheus.CounterVec
	CrashesTotal       prometheus.Counter
	StopsTotal         prometheus.Counter
	BootstrapDuration  prometheus.Histogram
	LogLinesTotal      prometheus.Counter

	// Consumers
	Activations prometheus.Gauge

	// Identity and probing
	IdentityRequestsTotal *prometheus.CounterVec
	ProbesTotal           *prometheus.CounterVec
	ProbeLatency          prometheus.Histogram
}

// NewMetrics creates and registers all metrics
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),

		DaemonState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "daemon_state",
				Help:      "1 for the daemon's current connection state, 0 otherwise",
			},
			[]string{"state"},
		),
		StartsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "daemon_starts_total",
				Help:      "Total number of daemon launches",
			},
		),
		StartFailuresTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "daemon_start_failures_total",
				Help:      "Total number of launches that never became ready",
			},
			[]string{"reason"},
		),
		CrashesTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "daemon_crashes_total",
				Help:      "Total number of unexpected daemon exits",
			},
		),
		StopsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "daemon_stops_total",
				Help:      "Total number of requested daemon stops",
			},
		),
		BootstrapDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "daemon_bootstrap_duration_seconds",
				Help:      "Time from spawn to readiness",
				Buckets:   []float64{1, 2, 5, 10, 20, 30, 60, 120, 300},
			},
		),
		LogLinesTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "daemon_log_lines_total",
				Help:      "Total number of daemon output lines",
			},
		),
		Activations: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "activations",
				Help:      "Number of attached consumers",
			},
		),
		IdentityRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "identity_requests_total",
				Help:      "New identity requests by outcome",
			},
			[]string{"result"},
		),
		ProbesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "probes_total",
				Help:      "SOCKS5 probes by outcome",
			},
			[]string{"result"},
		),
		ProbeLatency: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "probe_latency_seconds",
				Help:      "Latency of successful SOCKS5 probes",
				Buckets:   prometheus.DefBuckets,
			},
		),
	}

	m.registry.MustRegister(
		m.DaemonState,
		m.StartsTotal,
		m.StartFailuresTotal,
		m.CrashesTotal,
		m.StopsTotal,
		m.BootstrapDuration,
		m.LogLinesTotal,
		m.Activations,
		m.IdentityRequestsTotal,
		m.ProbesTotal,
		m.ProbeLatency,
	)

	m.SetState(connstate.Disconnected)
	return m
}

func (m *Metrics) IncStart() {
	m.StartsTotal.Inc()
}

func (m *Metrics) IncStartFailure(reason string) {
	m.StartFailuresTotal.WithLabelValues(reason).Inc()
}

func (m *Metrics) IncCrash() {
	m.CrashesTotal.Inc()
}

func (m *Metrics) IncStop() {
	m.StopsTotal.Inc()
}

func (m *Metrics) ObserveBootstrap(d time.Duration) {
	m.BootstrapDuration.Observe(d.Seconds())
}

func (m *Metrics) IncIdentity(result string) {
	m.IdentityRequestsTotal.WithLabelValues(result).Inc()
}

// SetState marks state as current and clears the others
func (m *Metrics) SetState(state connstate.State) {
	for _, s := range states {
		v := 0.0
		if s == state {
			v = 1
		}
		m.DaemonState.WithLabelValues(s.String()).Set(v)
	}
}

func (m *Metrics) SetActivations(n int) {
	m.Activations.Set(float64(n))
}

// ObserveProbe records a probe outcome
func (m *Metrics) ObserveProbe(r probe.Result) {
	if !r.Reachable {
		m.ProbesTotal.WithLabelValues("unreachable").Inc()
		return
	}
	m.ProbesTotal.WithLabelValues("reachable").Inc()
	m.ProbeLatency.Observe(r.Latency.Seconds())
}

// Listener tracks state and counts log lines. Register it on the
// supervisor.
func (m *Metrics) Listener() connstate.Listener {
	return connstate.ListenerFuncs{
		StateChanged: m.SetState,
		LogLine:      func(string) { m.LogLinesTotal.Inc() },
	}
}

// Handler returns an HTTP handler for the metrics endpoint
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// Registry returns the Prometheus registry
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}
