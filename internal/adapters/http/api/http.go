// Package api exposes the operational HTTP surface: health, metrics, stats,
// manual cycle triggers, snapshot lookup, preference-change notifications and
// the live in-app feed.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	corslib "github.com/rs/cors"

	"github.com/okian/statuswatch/internal/adapters/http/swagger"
	"github.com/okian/statuswatch/internal/adapters/repository"
	service "github.com/okian/statuswatch/internal/app"
	"github.com/okian/statuswatch/internal/domain/health"
	"github.com/okian/statuswatch/internal/domain/model"
	"github.com/okian/statuswatch/pkg/logger"
)

// Engine is the subset of the pipeline the handlers drive.
type Engine interface {
	StatsProvider
	RunCycle(ctx context.Context) (*service.Report, error)
	Snapshot(ctx context.Context, entityID string) (model.StatusSnapshot, error)
	PreferencesChanged(ctx context.Context, userID string) (*service.Reschedule, error)
	Health() *health.Tracker
}

// Server wires HTTP routes for the operational API.
type Server struct {
	engine  Engine
	feed    http.Handler
	origins []string
	logger  logger.Logger

	healthHandler *HealthHandler
	statsHandler  *StatsHandler
}

// Option configures a Server.
type Option func(*Server)

// WithFeed mounts the in-app websocket feed at /v1/feed.
func WithFeed(h http.Handler) Option {
	return func(s *Server) { s.feed = h }
}

// WithAllowedOrigins sets the CORS allow list. Empty allows any origin.
func WithAllowedOrigins(origins []string) Option {
	return func(s *Server) { s.origins = origins }
}

// WithLogger sets the server logger.
func WithLogger(l logger.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// NewServer creates a new API server with all handlers.
func NewServer(engine Engine, opts ...Option) *Server {
	s := &Server{engine: engine}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = logger.Get().Named("http")
	}
	s.healthHandler = NewHealthHandler(engine.Health())
	s.statsHandler = NewStatsHandler(engine)
	return s
}

// Routes builds the router.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	origins := s.origins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	c := corslib.New(corslib.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type"},
	})
	r.Use(c.Handler)

	r.Get("/healthz", MetricsMiddleware(s.healthHandler.HandleHealth, "healthz"))
	r.Get("/metrics", s.healthHandler.HandleMetrics)
	r.Get("/stats", MetricsMiddleware(s.statsHandler.HandleStats, "stats"))
	swagger.Register(r)

	r.Route("/v1", func(r chi.Router) {
		r.Post("/cycles", MetricsMiddleware(s.handleRunCycle, "cycles"))
		r.Get("/snapshots/{entityID}", MetricsMiddleware(s.handleSnapshot, "snapshots"))
		r.Post("/users/{userID}/preferences-changed", MetricsMiddleware(s.handlePreferencesChanged, "preferences"))
		if s.feed != nil {
			r.Get("/feed", MetricsMiddleware(s.feed.ServeHTTP, "feed"))
		}
	})
	return r
}

// handleRunCycle handles POST /v1/cycles. A cycle that ran but did not
// succeed still answers 200 with its report; the outcome says how it went.
func (s *Server) handleRunCycle(w http.ResponseWriter, r *http.Request) {
	rep, err := s.engine.RunCycle(r.Context())
	switch {
	case errors.Is(err, service.ErrNotStarted):
		writeError(w, http.StatusServiceUnavailable, "not_started", err)
	case rep != nil:
		writeJSON(w, http.StatusOK, rep)
	case err != nil:
		s.logger.Error(r.Context(), "manual cycle failed", logger.Error(err))
		writeError(w, http.StatusInternalServerError, "cycle_failed", err)
	default:
		writeError(w, http.StatusInternalServerError, "cycle_failed", nil)
	}
}

// handleSnapshot handles GET /v1/snapshots/{entityID}.
func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "entityID")
	snap, err := s.engine.Snapshot(r.Context(), id)
	switch {
	case errors.Is(err, repository.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", ErrNotFound)
	case err != nil:
		writeError(w, http.StatusInternalServerError, "store_error", err)
	default:
		writeJSON(w, http.StatusOK, snap)
	}
}

// handlePreferencesChanged handles POST /v1/users/{userID}/preferences-changed.
func (s *Server) handlePreferencesChanged(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	res, err := s.engine.PreferencesChanged(r.Context(), userID)
	switch {
	case errors.Is(err, service.ErrNotStarted):
		writeError(w, http.StatusServiceUnavailable, "not_started", err)
	case err != nil:
		s.logger.Warn(r.Context(), "preference change incomplete", logger.String("user_id", userID), logger.Error(err))
		writeError(w, http.StatusInternalServerError, "reschedule_failed", err)
	default:
		writeJSON(w, http.StatusOK, res)
	}
}

type errorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code string, err error) {
	msg := http.StatusText(status)
	if err != nil {
		msg = err.Error()
	}
	writeJSON(w, status, errorResponse{Code: code, Message: msg})
}
