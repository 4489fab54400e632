package server

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/lazypower/memvault/internal/engine"
	"github.com/lazypower/memvault/internal/metrics"
	"github.com/lazypower/memvault/internal/store"
)

// Options configures optional Server collaborators.
type Options struct {
	Version string
	Reaper  *engine.Reaper     // enables POST /api/admin/reap
	Metrics *metrics.Collector // enables GET /metrics and request metrics
	Logger  *zap.Logger
}

// Server is the memvault HTTP API. It maps verbs onto engine operations and
// does no authentication or payment processing.
type Server struct {
	db      *store.DB
	engine  *engine.Engine
	reaper  *engine.Reaper
	metrics *metrics.Collector
	logger  *zap.Logger
	router  chi.Router
	version string
	started time.Time
}

// New creates a new Server over eng.
func New(db *store.DB, eng *engine.Engine, opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	s := &Server{
		db:      db,
		engine:  eng,
		reaper:  opts.Reaper,
		metrics: opts.Metrics,
		logger:  opts.Logger.With(zap.String("component", "http")),
		version: opts.Version,
		started: time.Now(),
	}
	s.routes()
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) routes() {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)
	r.Use(middleware.RequestID)
	if s.metrics != nil {
		r.Use(s.instrument)
		r.Method(http.MethodGet, "/metrics", s.metrics.Handler())
	}

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", s.handleHealth)
		r.Get("/pricing", s.handlePricing)

		r.Post("/memory", s.handleStore)
		r.Post("/memory/search", s.handleSearch)
		r.Get("/memory/{id}", s.handleGet)
		r.Delete("/memory/{id}", s.handleDelete)

		r.Get("/agents/{agentID}/stats", s.handleStats)
		r.Post("/admin/reap", s.handleReap)
	})

	s.router = r
}

// instrument records request count and latency by route pattern.
func (s *Server) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := "unmatched"
		if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
			route = rc.RoutePattern()
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		s.metrics.RecordHTTPRequest(r.Method, route, status, time.Since(start))
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	dbOK := true
	if err := s.db.Ping(); err != nil {
		dbOK = false
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status":       "ok",
		"version":      s.version,
		"uptime":       time.Since(s.started).Seconds(),
		"db":           dbOK,
		"db_path":      s.db.Path,
		"live_records": s.engine.LiveRecords(),
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
