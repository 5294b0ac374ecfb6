// Package server implements the Tally HTTP server, REST API, auth, and SSE real-time events.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/GoCodeAlone/tally/comms"
	"github.com/GoCodeAlone/tally/config"
	"github.com/GoCodeAlone/tally/milestone"
	"github.com/GoCodeAlone/tally/server/api"
	"github.com/GoCodeAlone/tally/server/ws"
	"github.com/GoCodeAlone/tally/task"
	"github.com/GoCodeAlone/tally/tree"
	"github.com/GoCodeAlone/tally/workflow"
)

// Server is the Tally HTTP server.
type Server struct {
	cfg     config.Config
	mux     *http.ServeMux
	httpSrv *http.Server
	logger  *slog.Logger

	store      task.Store
	tree       *tree.Manager
	workflow   *workflow.Engine
	milestones *milestone.Service
	bus        comms.Bus
	hub        *ws.Hub

	routesOnce sync.Once

	// mu guards the lifecycle fields below.
	mu          sync.Mutex
	stopped     bool
	unsubscribe func()

	// JWT secret caching
	secretOnce      sync.Once
	generatedSecret string

	startTime time.Time
	version   string
}

// New creates a new Server with the given config and logger.
func New(cfg config.Config, ver string, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		cfg:       cfg,
		mux:       http.NewServeMux(),
		logger:    logger,
		hub:       ws.NewHub(logger),
		startTime: time.Now(),
		version:   ver,
	}
}

// SetStore attaches the task store.
func (s *Server) SetStore(store task.Store) { s.store = store }

// SetTree attaches the task tree manager.
func (s *Server) SetTree(tm *tree.Manager) { s.tree = tm }

// SetWorkflow attaches the assignment workflow engine.
func (s *Server) SetWorkflow(e *workflow.Engine) { s.workflow = e }

// SetMilestones attaches the milestone service.
func (s *Server) SetMilestones(m *milestone.Service) { s.milestones = m }

// SetBus attaches a notification bus. Every notification published on it
// is forwarded to SSE clients.
func (s *Server) SetBus(bus comms.Bus) { s.bus = bus }

// Hub returns the SSE hub.
func (s *Server) Hub() *ws.Hub { return s.hub }

// Handler returns the root HTTP handler, registering routes on first use.
func (s *Server) Handler() http.Handler {
	s.routesOnce.Do(s.registerRoutes)
	return s.mux
}

// Start registers routes and begins listening. It returns nil after a
// graceful Stop, including a Stop that happened before Start.
func (s *Server) Start() error {
	addr := s.cfg.Server.Addr
	if addr == "" {
		addr = ":9090"
	}
	handler := s.Handler()

	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil
	}
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 15 * time.Second,
	}
	s.httpSrv = srv
	s.mu.Unlock()

	s.logger.Info("server listening", slog.String("addr", addr))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Stop gracefully shuts down the HTTP server. A server stopped before Start
// never listens.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	s.stopped = true
	srv, unsubscribe := s.httpSrv, s.unsubscribe
	s.unsubscribe = nil
	s.mu.Unlock()

	if unsubscribe != nil {
		unsubscribe()
	}
	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}

// registerRoutes sets up all HTTP routes.
func (s *Server) registerRoutes() {
	h := &api.Handlers{
		Store:      s.store,
		Tree:       s.tree,
		Workflow:   s.workflow,
		Milestones: s.milestones,
		Bus:        s.bus,
		Events:     s.hub,
		Logger:     s.logger,
		Version:    s.version,
		StartAt:    s.startTime,
	}

	s.mu.Lock()
	if s.bus != nil && !s.stopped {
		s.unsubscribe = s.bus.Subscribe(comms.AllRecipients, func(_ context.Context, n *comms.Notification) error {
			s.hub.Broadcast(ws.Event{Type: "notification", Payload: n})
			return nil
		})
	}
	s.mu.Unlock()

	// Public routes (no auth required)
	s.mux.HandleFunc("POST /api/auth/login", s.handleLogin)
	s.mux.HandleFunc("GET /api/status", h.StatusHandler())

	// SSE: EventSource cannot set headers, so the token travels in the query.
	s.mux.HandleFunc("GET /events", s.handleSSE)

	// Protected API, wrapped in auth middleware
	apiMux := http.NewServeMux()
	h.RegisterRoutes(apiMux)
	apiMux.HandleFunc("GET /api/auth/me", s.handleMe)

	s.mux.Handle("/api/", s.authMiddleware(apiMux))
}

func (s *Server) handleSSE(w http.ResponseWriter, r *http.Request) {
	if _, err := s.parseToken(r.URL.Query().Get("token")); err != nil {
		writeJSONError(w, http.StatusUnauthorized, "invalid token: "+err.Error())
		return
	}
	s.hub.ServeSSE(w, r)
}

// writeJSON encodes v as JSON and writes it with the given status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeJSONError writes a JSON error response.
func writeJSONError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
