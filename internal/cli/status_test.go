package cli

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harun/proxyd/pkg/activation"
	"github.com/harun/proxyd/pkg/statusapi"
	"github.com/harun/proxyd/pkg/supervisor"
)

type fakeBackend struct {
	report statusapi.Report
}

func (b *fakeBackend) Report(context.Context, bool) statusapi.Report {
	return b.report
}

func (b *fakeBackend) NewIdentity(context.Context) error {
	return supervisor.ErrIdentityThrottled
}

// startStatusAPI serves a fake backend and returns the api config section
// pointing at it
func startStatusAPI(t *testing.T, backend statusapi.Backend) map[string]interface{} {
	t.Helper()

	srv, err := statusapi.NewServer(statusapi.Config{Addr: "127.0.0.1:0", Backend: backend})
	require.NoError(t, err)

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	u, err := url.Parse(ts.URL)
	require.NoError(t, err)
	port, err := strconv.Atoi(u.Port())
	require.NoError(t, err)

	return map[string]interface{}{"enabled": true, "host": u.Hostname(), "port": port}
}

func TestStatusCommand(t *testing.T) {
	t.Run("command exists", func(t *testing.T) {
		assert.True(t, hasCommand("status"), "status command should exist")
	})

	t.Run("help text", func(t *testing.T) {
		output, err := execute(t, "status", "--help")
		require.NoError(t, err)

		assert.Contains(t, output, "status")
		assert.Contains(t, output, "probe")
	})

	t.Run("stopped", func(t *testing.T) {
		path, _ := writeTestConfig(t, nil)

		output, err := execute(t, "status", "--config", path)
		require.NoError(t, err)
		assert.Contains(t, output, "Status: stopped")
	})

	t.Run("running from PID file", func(t *testing.T) {
		path, dataDir := writeTestConfig(t, nil)
		require.NoError(t, os.MkdirAll(dataDir, 0700))
		require.NoError(t, os.WriteFile(filepath.Join(dataDir, "proxyd.pid"), []byte(strconv.Itoa(os.Getpid())), 0600))

		output, err := execute(t, "status", "--config", path)
		require.NoError(t, err)
		assert.Contains(t, output, "Status: running")
		assert.Contains(t, output, "PID: "+strconv.Itoa(os.Getpid()))
		assert.Contains(t, output, "Uptime:")

		output, err = execute(t, "status", "--config", path, "--json")
		require.NoError(t, err)

		var body map[string]interface{}
		require.NoError(t, json.Unmarshal([]byte(output), &body))
		assert.Equal(t, true, body["running"])
		assert.Equal(t, float64(os.Getpid()), body["pid"])
	})

	t.Run("api unavailable falls back to PID file", func(t *testing.T) {
		path, _ := writeTestConfig(t, map[string]interface{}{
			"api": map[string]interface{}{"enabled": true, "host": "127.0.0.1", "port": freePort(t)},
		})

		output, err := execute(t, "status", "--config", path)
		require.NoError(t, err)
		assert.Contains(t, output, "Status: stopped")
	})

	t.Run("report from api", func(t *testing.T) {
		started := time.Now().Add(-time.Minute)
		backend := &fakeBackend{report: statusapi.Report{
			Status: supervisor.Status{
				State:     "connected",
				Running:   true,
				Ready:     true,
				PID:       4242,
				StartedAt: &started,
				ProxyURI:  "socks5://127.0.0.1:9050",
			},
			Consumers: 1,
			Owned:     true,
			Leases:    []*activation.Lease{{ID: "abc", Holder: "tab-1", AcquiredAt: started}},
		}}
		path, _ := writeTestConfig(t, map[string]interface{}{"api": startStatusAPI(t, backend)})

		output, err := execute(t, "status", "--config", path)
		require.NoError(t, err)
		assert.Contains(t, output, "Daemon: connected")
		assert.Contains(t, output, "Daemon PID: 4242")
		assert.Contains(t, output, "Proxy: socks5://127.0.0.1:9050")
		assert.Contains(t, output, "Consumers: 1")
		assert.Contains(t, output, "tab-1 (abc")

		output, err = execute(t, "status", "--config", path, "--json")
		require.NoError(t, err)

		var report statusapi.Report
		require.NoError(t, json.Unmarshal([]byte(output), &report))
		assert.Equal(t, "connected", report.State)
		assert.Equal(t, 4242, report.PID)
	})

	t.Run("rotation times", func(t *testing.T) {
		next := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
		last := next.Add(-time.Hour)
		backend := &fakeBackend{report: statusapi.Report{
			Status:            supervisor.Status{State: "disconnected", Running: true},
			NextRotation:      &next,
			LastRotation:      &last,
			LastRotationError: supervisor.ErrStaleControlSignal.Error(),
		}}
		path, _ := writeTestConfig(t, map[string]interface{}{"api": startStatusAPI(t, backend)})

		output, err := execute(t, "status", "--config", path)
		require.NoError(t, err)
		assert.Contains(t, output, "Next rotation: 2026-03-01T12:00:00Z")
		assert.Contains(t, output, "Last rotation: 2026-03-01T11:00:00Z (failed: "+supervisor.ErrStaleControlSignal.Error()+")")
	})
}

func TestFormatDuration(t *testing.T) {
	tests := []struct {
		name     string
		duration time.Duration
		expected string
	}{
		{"seconds only", 45 * time.Second, "45s"},
		{"minutes and seconds", 2*time.Minute + 30*time.Second, "2m30s"},
		{"hours minutes seconds", 3*time.Hour + 15*time.Minute + 20*time.Second, "3h15m20s"},
		{"zero", 0, "0s"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := formatDuration(tt.duration)
			assert.Equal(t, tt.expected, result)
		})
	}
}
