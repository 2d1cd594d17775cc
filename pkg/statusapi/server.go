package statusapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/rs/zerolog"

	"github.com/harun/proxyd/internal/tracing"
	"github.com/harun/proxyd/pkg/supervisor"
)

const (
	DefaultAddr = "127.0.0.1:9052"

	readHeaderTimeout = 5 * time.Second
	shutdownTimeout   = 5 * time.Second
)

// Backend is what the API reports on and acts upon
type Backend interface {
	Report(ctx context.Context, withProbe bool) Report
	NewIdentity(ctx context.Context) error
}

// Config holds server configuration
type Config struct {
	// Addr is the listen address. Use port 0 for an ephemeral port.
	Addr string

	// Token guards POST endpoints when non-empty
	Token string

	Backend Backend

	// Metrics is mounted at /metrics when set
	Metrics http.Handler

	// LineFilter rewrites daemon log lines before they are streamed
	LineFilter func(string) string

	// OnAuthFailure is called for every request rejected for a bad token
	OnAuthFailure func(r *http.Request)

	Logger zerolog.Logger
}

// Server is the local status API
type Server struct {
	addr        string
	backend     Backend
	metrics     http.Handler
	clients     *ClientRegistry
	broadcaster *EventBroadcaster
	authHandler *AuthHandler
	upgrader    websocket.Upgrader
	logger      zerolog.Logger

	mu       sync.Mutex
	server   *http.Server
	listener net.Listener
	readers  sync.WaitGroup
}

// NewServer creates a server. Nothing listens until Start.
func NewServer(cfg Config) (*Server, error) {
	if cfg.Backend == nil {
		return nil, fmt.Errorf("backend is required")
	}
	if cfg.Addr == "" {
		cfg.Addr = DefaultAddr
	}

	logger := cfg.Logger.With().Str("component", "statusapi").Logger()
	clients := NewClientRegistry()
	broadcaster := NewEventBroadcaster(clients, logger)
	broadcaster.LineFilter = cfg.LineFilter

	auth := NewAuthHandler(cfg.Token)
	auth.OnReject = cfg.OnAuthFailure

	return &Server{
		addr:        cfg.Addr,
		backend:     cfg.Backend,
		metrics:     cfg.Metrics,
		clients:     clients,
		broadcaster: broadcaster,
		authHandler: auth,
		logger:      logger,
		upgrader: websocket.Upgrader{
			CheckOrigin: sameHostOrigin,
		},
	}, nil
}

// Broadcaster returns the listener to register on the supervisor
func (s *Server) Broadcaster() *EventBroadcaster {
	return s.broadcaster
}

// Handler builds the route table
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("GET /status", s.handleStatus)
	mux.HandleFunc("POST /identity", s.authHandler.Require(s.handleIdentity))
	mux.HandleFunc("GET /events", s.handleEvents)
	if s.metrics != nil {
		mux.Handle("GET /metrics", s.metrics)
	}
	return mux
}

// Start binds the listen address and serves in the background
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.server != nil {
		return fmt.Errorf("status api already started")
	}

	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.addr, err)
	}

	s.listener = ln
	s.server = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: readHeaderTimeout,
	}

	s.logger.Info().Str("addr", ln.Addr().String()).Msg("Starting status API")

	srv := s.server
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error().Err(err).Msg("Status API server error")
		}
	}()

	return nil
}

// Addr returns the bound address, or the configured one before Start
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.addr
}

// Stop closes subscribers and shuts the server down
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	srv := s.server
	s.server = nil
	s.listener = nil
	s.mu.Unlock()

	if srv == nil {
		return nil
	}

	s.logger.Info().Msg("Shutting down status API")

	for _, client := range s.clients.GetAll() {
		client.close()
	}

	ctx, cancel := context.WithTimeout(ctx, shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown status api: %w", err)
	}
	s.readers.Wait()

	s.logger.Info().Msg("Status API stopped")
	return nil
}

// Clients describes connected /events subscribers
func (s *Server) Clients() []ClientInfo {
	return s.clients.Info()
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	withProbe := r.URL.Query().Get("probe") != ""
	writeJSON(w, http.StatusOK, s.backend.Report(r.Context(), withProbe))
}

func (s *Server) handleIdentity(w http.ResponseWriter, r *http.Request) {
	ctx := tracing.NewRequestContext(r.Context(), r.RemoteAddr)
	if traceID := r.Header.Get("X-Trace-Id"); traceID != "" {
		ctx = tracing.WithTraceID(ctx, traceID)
	}
	logger := tracing.LoggerFromContext(ctx, s.logger)

	err := s.backend.NewIdentity(ctx)
	switch {
	case err == nil:
		logger.Info().Msg("Identity rotation accepted")
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
	case errors.Is(err, supervisor.ErrStaleControlSignal):
		writeJSON(w, http.StatusConflict, errorBody{Error: err.Error()})
	case errors.Is(err, supervisor.ErrIdentityThrottled):
		w.Header().Set("Retry-After", "10")
		writeJSON(w, http.StatusTooManyRequests, errorBody{Error: err.Error()})
	default:
		logger.Error().Err(err).Msg("Identity rotation failed")
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: err.Error()})
	}
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	s.readers.Add(1)
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.readers.Done()
		s.logger.Error().Err(err).Msg("Failed to upgrade connection")
		return
	}

	clientID, _ := gonanoid.New()
	client := newClient(clientID, conn, r.RemoteAddr)
	s.clients.Add(client)

	s.logger.Info().
		Str("clientId", clientID).
		Str("ip", r.RemoteAddr).
		Msg("Event subscriber connected")

	report := s.backend.Report(r.Context(), false)
	s.broadcaster.sendTo(client, EventHello, StateData{State: report.State})

	go client.writeLoop()
	go s.readLoop(client)
}

// readLoop drains inbound frames so close and ping control messages are
// processed, and unregisters the client when the connection ends
func (s *Server) readLoop(client *Client) {
	defer s.readers.Done()
	defer func() {
		client.close()
		s.clients.Remove(client.ID)
		s.logger.Info().Str("clientId", client.ID).Msg("Event subscriber disconnected")
	}()

	for {
		if _, _, err := client.Conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				s.logger.Warn().Err(err).Str("clientId", client.ID).Msg("WebSocket error")
			}
			return
		}
	}
}

// sameHostOrigin accepts non-browser clients and same-host browser pages
func sameHostOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	return u.Host == r.Host
}

func writeJSON(w http.ResponseWriter, code int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(body)
}
