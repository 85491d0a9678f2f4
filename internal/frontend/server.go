// Package frontend is the shared HTTP server every agent registers
// with. It carries the direct client routes (REST message exchange,
// WebSocket chat, profile pages), the event stream, an MCP endpoint,
// and health and version probes.
package frontend

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"html/template"
	"log/slog"
	"net"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mark3labs/mcp-go/server"

	"github.com/nugget/troupe/internal/character"
	"github.com/nugget/troupe/internal/connwatch"
	"github.com/nugget/troupe/internal/events"
	"github.com/nugget/troupe/internal/runtime"
)

// maxBodyBytes bounds JSON request bodies.
const maxBodyBytes = 1 << 20

// StartAgentFunc starts a new agent from a character definition and
// registers it with the server.
type StartAgentFunc func(ctx context.Context, c character.Character) (*runtime.Runtime, error)

// Config wires a Server.
type Config struct {
	Address string
	Logger  *slog.Logger
	Events  *events.Bus
	Health  *connwatch.Manager
}

// Server is the front-end HTTP server.
type Server struct {
	address   string
	logger    *slog.Logger
	events    *events.Bus
	health    *connwatch.Manager
	templates *template.Template
	mcp       *server.MCPServer

	mu         sync.RWMutex
	agents     map[uuid.UUID]*runtime.Runtime
	starting   map[uuid.UUID]struct{}
	startAgent StartAgentFunc

	server   *http.Server
	listener net.Listener
	port     int
}

// New creates a server with no registered agents.
func New(cfg Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	s := &Server{
		address:   cfg.Address,
		logger:    cfg.Logger,
		events:    cfg.Events,
		health:    cfg.Health,
		templates: loadTemplates(),
		agents:    make(map[uuid.UUID]*runtime.Runtime),
		starting:  make(map[uuid.UUID]struct{}),
	}
	s.mcp = s.newMCPServer()
	return s
}

// RegisterAgent makes rt reachable through the server. A runtime with
// the same id replaces the earlier one.
func (s *Server) RegisterAgent(rt *runtime.Runtime) {
	s.mu.Lock()
	s.agents[rt.AgentID()] = rt
	s.mu.Unlock()
	s.logger.Info("agent registered", "agent", rt.Name(), "agent_id", rt.AgentID())
}

// UnregisterAgent removes the agent with id. It reports whether one was
// registered.
func (s *Server) UnregisterAgent(id uuid.UUID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.agents[id]; !ok {
		return false
	}
	delete(s.agents, id)
	return true
}

// claimStart reserves id for a start request. It fails when the agent
// is already registered or another request is starting it.
func (s *Server) claimStart(id uuid.UUID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.agents[id]; ok {
		return false
	}
	if _, ok := s.starting[id]; ok {
		return false
	}
	s.starting[id] = struct{}{}
	return true
}

func (s *Server) releaseStart(id uuid.UUID) {
	s.mu.Lock()
	delete(s.starting, id)
	s.mu.Unlock()
}

// SetStartAgent installs the hook behind POST /agents/start.
func (s *Server) SetStartAgent(fn StartAgentFunc) {
	s.mu.Lock()
	s.startAgent = fn
	s.mu.Unlock()
}

// Agents returns the registered runtimes ordered by name.
func (s *Server) Agents() []*runtime.Runtime {
	s.mu.RLock()
	out := make([]*runtime.Runtime, 0, len(s.agents))
	for _, rt := range s.agents {
		out = append(out, rt)
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name() < out[j].Name() })
	return out
}

// lookup finds an agent by id or, failing that, by case-insensitive
// name or username.
func (s *Server) lookup(key string) (*runtime.Runtime, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if id, err := uuid.Parse(key); err == nil {
		rt, ok := s.agents[id]
		return rt, ok
	}
	for _, rt := range s.agents {
		c := rt.Character()
		if strings.EqualFold(c.Name, key) || strings.EqualFold(c.Username, key) {
			return rt, true
		}
	}
	return nil, false
}

// Handler returns the routed handler wrapped in request logging.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /v1/version", s.handleVersion)
	mux.HandleFunc("GET /v1/events", s.handleEvents)

	mux.HandleFunc("GET /agents", s.handleAgentList)
	mux.HandleFunc("POST /agents/start", s.handleAgentStart)
	mux.HandleFunc("GET /agents/{id}", s.handleAgentGet)
	mux.HandleFunc("GET /agents/{id}/profile", s.handleProfile)
	mux.HandleFunc("GET /agents/{id}/wallet.png", s.handleWalletQR)
	mux.HandleFunc("GET /agents/{id}/ws", s.handleAgentSocket)
	mux.HandleFunc("POST /{agentId}/message", s.handleMessage)

	mux.Handle("/mcp", server.NewStreamableHTTPServer(s.mcp))

	return s.withLogging(mux)
}

// Start binds the listener and serves in the background. A bind
// failure is returned; serve errors after that are logged.
func (s *Server) Start(ctx context.Context, port int) error {
	addr := fmt.Sprintf("%s:%d", s.address, port)
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}

	srv := &http.Server{
		Handler:     s.Handler(),
		ReadTimeout: 30 * time.Second,
		// Long-lived sockets manage their own deadlines.
		WriteTimeout: 120 * time.Second,
	}

	s.mu.Lock()
	s.server = srv
	s.listener = ln
	s.port = ln.Addr().(*net.TCPAddr).Port
	s.mu.Unlock()

	host := s.address
	if host == "" {
		host = "0.0.0.0"
	}
	s.logger.Info("starting front-end server", "address", host, "port", s.Port())

	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("front-end server stopped", "error", err)
		}
	}()
	return nil
}

// Port returns the bound port, or 0 before Start.
func (s *Server) Port() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.port
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.RLock()
	srv := s.server
	s.mu.RUnlock()
	if srv != nil {
		return srv.Shutdown(ctx)
	}
	return nil
}

func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Debug("request",
			"method", r.Method,
			"path", r.URL.Path,
			"duration", time.Since(start),
		)
	})
}

// writeJSON encodes v as JSON to w. Encode errors mean the client went
// away and are only logged.
func writeJSON(w http.ResponseWriter, v any, logger *slog.Logger) {
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Debug("failed to write JSON response", "error", err)
	}
}

func (s *Server) errorResponse(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	writeJSON(w, map[string]any{
		"error": map[string]any{
			"message": message,
			"type":    errorType(code),
			"code":    code,
		},
	}, s.logger)
}

func errorType(code int) string {
	switch {
	case code == http.StatusNotFound:
		return "not_found"
	case code >= 500:
		return "server_error"
	default:
		return "invalid_request_error"
	}
}
