// internal/server/server.go
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/markb/buildboard/internal/log"
	"github.com/markb/buildboard/internal/observability"
	"github.com/markb/buildboard/internal/realtime"
)

// HealthSource supplies the snapshot served by the health endpoints.
// *realtime.Registry satisfies it.
type HealthSource interface {
	Snapshot() realtime.HealthSnapshot
}

// Health status values.
const (
	StatusOK       = "ok"
	StatusDegraded = "degraded"
)

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status   string                  `json:"status"`
	Snapshot realtime.HealthSnapshot `json:"snapshot"`
}

// Config holds server configuration.
type Config struct {
	Addr           string
	AllowedOrigins []string
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
}

// DefaultConfig returns the default server configuration.
func DefaultConfig() Config {
	return Config{
		Addr:           ":9090",
		AllowedOrigins: []string{"*"},
		ReadTimeout:    5 * time.Second,
		WriteTimeout:   10 * time.Second,
	}
}

// Server exposes registry health over HTTP for dashboards and probes.
type Server struct {
	cfg    Config
	source HealthSource
	tel    *observability.Telemetry
	router *chi.Mux

	mu         sync.Mutex
	httpServer *http.Server
}

// New creates a server. tel may be nil.
func New(cfg Config, source HealthSource, tel *observability.Telemetry) *Server {
	if tel == nil {
		tel = &observability.Telemetry{}
	}
	s := &Server{
		cfg:    cfg,
		source: source,
		tel:    tel,
		router: chi.NewRouter(),
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	// CORS so browser dashboards can poll
	s.router.Use(cors.Handler(cors.Options{
		AllowedOrigins: s.cfg.AllowedOrigins,
		AllowedMethods: []string{"GET", "OPTIONS", "HEAD"},
		AllowedHeaders: []string{"*"},
		MaxAge:         300,
	}))

	s.router.Use(middleware.RequestID)
	s.router.Use(log.RequestLogger)
	s.router.Use(middleware.Recoverer)
	s.router.Use(observability.HTTPMiddleware(s.tel, "buildboard"))
	s.router.Use(middleware.SetHeader("Content-Type", "application/json"))

	s.router.Get("/health", s.handleHealth)
	s.router.Get("/health/channels", s.handleChannels)
	s.router.Get("/debug/logs", s.handleLogs)
}

// Router returns the HTTP handler.
func (s *Server) Router() *chi.Mux {
	return s.router
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	snap := s.source.Snapshot()
	resp := HealthResponse{Status: StatusOK, Snapshot: snap}
	code := http.StatusOK
	if !snap.Healthy() {
		resp.Status = StatusDegraded
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, resp)
}

func (s *Server) handleChannels(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.source.Snapshot().Channels)
}

func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	n := 100
	if v := r.URL.Query().Get("n"); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil || parsed < 1 {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "n must be a positive integer"})
			return
		}
		n = parsed
	}

	stats, ok := log.GetBufferStats()
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "log buffer disabled"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"lines": log.GetBufferedLogs(n),
		"stats": stats,
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Debug("server: encode response failed", "error", err.Error())
	}
}

// ListenAndServe binds cfg.Addr and serves until Shutdown.
func (s *Server) ListenAndServe() error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return err
	}
	return s.Serve(ln)
}

// Serve serves on ln until Shutdown. It returns nil after a clean shutdown.
func (s *Server) Serve(ln net.Listener) error {
	srv := &http.Server{
		Handler:      s.router,
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
	}
	s.mu.Lock()
	s.httpServer = srv
	s.mu.Unlock()

	log.Info("server: health endpoint listening", "addr", ln.Addr().String())
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	srv := s.httpServer
	s.mu.Unlock()
	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}
