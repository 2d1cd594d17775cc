package statusapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harun/proxyd/internal/tracing"
	"github.com/harun/proxyd/pkg/connstate"
	"github.com/harun/proxyd/pkg/probe"
	"github.com/harun/proxyd/pkg/supervisor"
)

type fakeBackend struct {
	mu          sync.Mutex
	report      Report
	identityErr error
	identities  int
	probed      bool
	traceID     string
}

func (b *fakeBackend) Report(_ context.Context, withProbe bool) Report {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.probed = withProbe
	r := b.report
	if withProbe {
		r.Probe = &probe.Result{Reachable: true, CheckedAt: time.Now()}
	}
	return r
}

func (b *fakeBackend) NewIdentity(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.identities++
	b.traceID = tracing.GetTraceID(ctx)
	return b.identityErr
}

func (b *fakeBackend) counts() (int, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.identities, b.probed
}

func newTestServer(t *testing.T, cfg Config) (*Server, *httptest.Server) {
	t.Helper()

	if cfg.Backend == nil {
		cfg.Backend = &fakeBackend{}
	}
	cfg.Logger = zerolog.Nop()

	s, err := NewServer(cfg)
	require.NoError(t, err)

	ts := httptest.NewServer(s.Handler())
	t.Cleanup(ts.Close)
	return s, ts
}

func TestNewServer_RequiresBackend(t *testing.T) {
	_, err := NewServer(Config{Logger: zerolog.Nop()})
	assert.Error(t, err)
}

func TestNewServer_DefaultAddr(t *testing.T) {
	s, err := NewServer(Config{Backend: &fakeBackend{}, Logger: zerolog.Nop()})
	require.NoError(t, err)
	// 9051 is the daemon's own control port
	assert.Equal(t, "127.0.0.1:9052", s.Addr())
}

func TestServer_Healthz(t *testing.T) {
	_, ts := newTestServer(t, Config{})

	resp, err := http.Get(ts.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	var body map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "ok", body["status"])
}

func TestServer_Status(t *testing.T) {
	backend := &fakeBackend{report: Report{
		Status: supervisor.Status{
			State:    "connected",
			Running:  true,
			Ready:    true,
			PID:      4242,
			ProxyURI: "socks5://127.0.0.1:9050",
		},
		Consumers: 2,
		Owned:     true,
	}}
	_, ts := newTestServer(t, Config{Backend: backend})

	resp, err := http.Get(ts.URL + "/status")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var raw map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&raw))
	assert.Equal(t, "connected", raw["state"])
	assert.Equal(t, float64(4242), raw["pid"])
	assert.Equal(t, float64(2), raw["consumers"])
	assert.Equal(t, "socks5://127.0.0.1:9050", raw["proxy_uri"])
	assert.NotContains(t, raw, "probe")
	_, probed := backend.counts()
	assert.False(t, probed)
}

func TestServer_StatusWithProbe(t *testing.T) {
	backend := &fakeBackend{}
	_, ts := newTestServer(t, Config{Backend: backend})

	report, err := NewStatusClient(ts.URL, "").Status(context.Background(), true)
	require.NoError(t, err)

	_, probed := backend.counts()
	assert.True(t, probed)
	require.NotNil(t, report.Probe)
	assert.True(t, report.Probe.Reachable)
}

func TestServer_Identity(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		wantCode int
	}{
		{name: "accepted", wantCode: http.StatusAccepted},
		{name: "not connected", err: supervisor.ErrStaleControlSignal, wantCode: http.StatusConflict},
		{name: "throttled", err: supervisor.ErrIdentityThrottled, wantCode: http.StatusTooManyRequests},
		{name: "other", err: errors.New("boom"), wantCode: http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			backend := &fakeBackend{identityErr: tt.err}
			_, ts := newTestServer(t, Config{Backend: backend})

			resp, err := http.Post(ts.URL+"/identity", "application/json", nil)
			require.NoError(t, err)
			resp.Body.Close()

			assert.Equal(t, tt.wantCode, resp.StatusCode)
			identities, _ := backend.counts()
			assert.Equal(t, 1, identities)
		})
	}
}

func TestServer_IdentityRejectsGet(t *testing.T) {
	_, ts := newTestServer(t, Config{})

	resp, err := http.Get(ts.URL + "/identity")
	require.NoError(t, err)
	resp.Body.Close()

	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestServer_IdentityToken(t *testing.T) {
	backend := &fakeBackend{}
	_, ts := newTestServer(t, Config{Backend: backend, Token: "s3cret"})

	post := func(header, value string) int {
		req, err := http.NewRequest(http.MethodPost, ts.URL+"/identity", nil)
		require.NoError(t, err)
		if header != "" {
			req.Header.Set(header, value)
		}
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		resp.Body.Close()
		return resp.StatusCode
	}

	assert.Equal(t, http.StatusUnauthorized, post("", ""))
	assert.Equal(t, http.StatusUnauthorized, post(TokenHeader, "wrong"))
	assert.Equal(t, http.StatusAccepted, post(TokenHeader, "s3cret"))
	assert.Equal(t, http.StatusAccepted, post("Authorization", "Bearer s3cret"))
	identities, _ := backend.counts()
	assert.Equal(t, 2, identities)
}

func TestServer_IdentityTraceHeader(t *testing.T) {
	backend := &fakeBackend{}
	_, ts := newTestServer(t, Config{Backend: backend})

	req, err := http.NewRequest(http.MethodPost, ts.URL+"/identity", nil)
	require.NoError(t, err)
	req.Header.Set("X-Trace-Id", "trace-abc")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()

	backend.mu.Lock()
	defer backend.mu.Unlock()
	assert.Equal(t, "trace-abc", backend.traceID)
}

func TestServer_OnAuthFailure(t *testing.T) {
	var mu sync.Mutex
	var rejected []string
	_, ts := newTestServer(t, Config{
		Token: "s3cret",
		OnAuthFailure: func(r *http.Request) {
			mu.Lock()
			rejected = append(rejected, r.URL.Path)
			mu.Unlock()
		},
	})

	resp, err := http.Post(ts.URL+"/identity", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"/identity"}, rejected)
}

func TestServer_Metrics(t *testing.T) {
	metrics := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("proxyd_up 1\n"))
	})
	_, ts := newTestServer(t, Config{Metrics: metrics})

	resp, err := http.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestServer_MetricsAbsent(t *testing.T) {
	_, ts := newTestServer(t, Config{})

	resp, err := http.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func dialEvents(t *testing.T, ts *httptest.Server) *websocket.Conn {
	t.Helper()

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/events"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readEvent(t *testing.T, conn *websocket.Conn) EventMessage {
	t.Helper()

	var msg EventMessage
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	require.NoError(t, conn.ReadJSON(&msg))
	return msg
}

func waitClients(t *testing.T, s *Server, n int) {
	t.Helper()
	require.Eventually(t, func() bool {
		return len(s.Clients()) == n
	}, 2*time.Second, 10*time.Millisecond)
}

func TestServer_EventsStream(t *testing.T) {
	backend := &fakeBackend{report: Report{Status: supervisor.Status{State: "connecting"}}}
	s, ts := newTestServer(t, Config{Backend: backend})

	conn := dialEvents(t, ts)

	hello := readEvent(t, conn)
	assert.Equal(t, EventHello, hello.Event)
	assert.Equal(t, map[string]interface{}{"state": "connecting"}, hello.Data)

	waitClients(t, s, 1)
	s.Broadcaster().OnStateChanged(connstate.Connected)
	s.Broadcaster().OnLogLine("Bootstrapped 100% (done): Done")

	state := readEvent(t, conn)
	assert.Equal(t, EventState, state.Event)
	assert.Equal(t, map[string]interface{}{"state": "connected"}, state.Data)
	assert.Greater(t, state.Seq, hello.Seq)

	line := readEvent(t, conn)
	assert.Equal(t, EventLog, line.Event)
	assert.Equal(t, map[string]interface{}{"line": "Bootstrapped 100% (done): Done"}, line.Data)
	assert.Greater(t, line.Seq, state.Seq)
}

func TestServer_EventsLineFilter(t *testing.T) {
	s, ts := newTestServer(t, Config{
		LineFilter: func(line string) string { return strings.ToUpper(line) },
	})

	conn := dialEvents(t, ts)
	readEvent(t, conn)
	waitClients(t, s, 1)

	s.Broadcaster().OnLogLine("quiet")

	msg := readEvent(t, conn)
	assert.Equal(t, map[string]interface{}{"line": "QUIET"}, msg.Data)
}

func TestServer_EventsClientRemovedOnClose(t *testing.T) {
	s, ts := newTestServer(t, Config{})

	conn := dialEvents(t, ts)
	readEvent(t, conn)
	waitClients(t, s, 1)

	require.NoError(t, conn.Close())
	waitClients(t, s, 0)
}

func TestServer_EventsRejectsForeignOrigin(t *testing.T) {
	_, ts := newTestServer(t, Config{})

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/events"
	header := http.Header{"Origin": []string{"http://evil.example"}}
	_, resp, err := websocket.DefaultDialer.Dial(wsURL, header)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestSameHostOrigin(t *testing.T) {
	tests := []struct {
		name   string
		origin string
		host   string
		want   bool
	}{
		{name: "no origin", host: "127.0.0.1:9051", want: true},
		{name: "same host", origin: "http://127.0.0.1:9051", host: "127.0.0.1:9051", want: true},
		{name: "other host", origin: "http://evil.example", host: "127.0.0.1:9051", want: false},
		{name: "other port", origin: "http://127.0.0.1:8080", host: "127.0.0.1:9051", want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/events", nil)
			r.Host = tt.host
			if tt.origin != "" {
				r.Header.Set("Origin", tt.origin)
			}
			assert.Equal(t, tt.want, sameHostOrigin(r))
		})
	}
}

func TestClient_DropsWhenBufferFull(t *testing.T) {
	c := newClient("slow", nil, "127.0.0.1")

	for i := 0; i < sendBuffer; i++ {
		require.True(t, c.enqueue([]byte("x")))
	}
	assert.False(t, c.enqueue([]byte("x")))
	assert.Equal(t, int64(1), c.dropped.Load())
}

func TestServer_StartStop(t *testing.T) {
	backend := &fakeBackend{report: Report{Status: supervisor.Status{State: "disconnected"}}}
	s, err := NewServer(Config{Addr: "127.0.0.1:0", Backend: backend, Logger: zerolog.Nop()})
	require.NoError(t, err)

	require.NoError(t, s.Start())
	assert.Error(t, s.Start())
	addr := s.Addr()
	assert.NotEqual(t, "127.0.0.1:0", addr)

	report, err := NewStatusClient(addr, "").Status(context.Background(), false)
	require.NoError(t, err)
	assert.Equal(t, "disconnected", report.State)

	require.NoError(t, s.Stop(context.Background()))
	require.NoError(t, s.Stop(context.Background()))

	_, err = NewStatusClient(addr, "").Status(context.Background(), false)
	assert.ErrorIs(t, err, ErrUnavailable)
}

func TestServer_StopClosesSubscribers(t *testing.T) {
	s, err := NewServer(Config{Addr: "127.0.0.1:0", Backend: &fakeBackend{}, Logger: zerolog.Nop()})
	require.NoError(t, err)
	require.NoError(t, s.Start())

	conn, _, err := websocket.DefaultDialer.Dial("ws://"+s.Addr()+"/events", nil)
	require.NoError(t, err)
	defer conn.Close()

	readEvent(t, conn)
	require.NoError(t, s.Stop(context.Background()))

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err = conn.ReadMessage()
	assert.Error(t, err)
}

func TestStatusClient_NewIdentityMapsErrors(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want error
	}{
		{name: "accepted"},
		{name: "not connected", err: supervisor.ErrStaleControlSignal, want: supervisor.ErrStaleControlSignal},
		{name: "throttled", err: supervisor.ErrIdentityThrottled, want: supervisor.ErrIdentityThrottled},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, ts := newTestServer(t, Config{Backend: &fakeBackend{identityErr: tt.err}})

			err := NewStatusClient(ts.URL, "").NewIdentity(context.Background())
			if tt.want == nil {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestStatusClient_Unauthorized(t *testing.T) {
	_, ts := newTestServer(t, Config{Token: "s3cret"})

	err := NewStatusClient(ts.URL, "wrong").NewIdentity(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unauthorized")

	assert.NoError(t, NewStatusClient(ts.URL, "s3cret").NewIdentity(context.Background()))
}
