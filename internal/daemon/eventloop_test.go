package daemon

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewEventLoop(t *testing.T) {
	d, _ := createTestDaemon(t, testConfig(t))

	eventLoop := NewEventLoop(d)
	assert.Equal(t, d, eventLoop.daemon)
	assert.Equal(t, defaultProbeInterval, eventLoop.interval)
}

func TestEventLoopRun(t *testing.T) {
	d, _ := createTestDaemon(t, testConfig(t))
	eventLoop := NewEventLoop(d)
	eventLoop.interval = 10 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		eventLoop.Run(ctx)
		close(done)
	}()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("event loop did not stop")
	}
}

func TestEventLoop_SkipsProbeWhileDisconnected(t *testing.T) {
	d, _ := createTestDaemon(t, testConfig(t))

	NewEventLoop(d).processTasks(context.Background())

	assert.Equal(t, 0, testutil.CollectAndCount(d.GetMetrics().ProbesTotal))
}

func TestEventLoop_ProbesWhenConnected(t *testing.T) {
	cfg := testConfig(t)
	cfg.Daemon.ListenPort = freePort(t)
	d, spawner := createTestDaemon(t, cfg)

	d.Acquire("loop")
	h := nextHandle(t, spawner)
	require.NoError(t, h.EmitLine("Bootstrapped 100% (done): Done"))
	require.Eventually(t, func() bool {
		return d.GetSupervisor().IsReady()
	}, 2*time.Second, 10*time.Millisecond)

	NewEventLoop(d).processTasks(context.Background())

	assert.Equal(t, 1.0, testutil.ToFloat64(d.GetMetrics().ProbesTotal.WithLabelValues("unreachable")))
}
