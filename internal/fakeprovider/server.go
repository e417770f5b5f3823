package fakeprovider

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/okian/statuswatch/pkg/logger"
)

const defaultChangesPerStep = 3

// Server exposes a Roster over HTTP.
type Server struct {
	roster         *Roster
	changesPerStep int
	failEvery      int64
	requests       atomic.Int64
	logger         logger.Logger
}

// Option configures a Server.
type Option func(*Server)

// WithChangesPerStep sets how many players each step touches.
func WithChangesPerStep(k int) Option {
	return func(s *Server) {
		if k > 0 {
			s.changesPerStep = k
		}
	}
}

// WithFailEvery makes every nth roster request answer 503.
func WithFailEvery(n int) Option {
	return func(s *Server) { s.failEvery = int64(n) }
}

// WithLogger sets the server logger.
func WithLogger(l logger.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// NewServer wraps roster.
func NewServer(roster *Roster, opts ...Option) *Server {
	s := &Server{roster: roster, changesPerStep: defaultChangesPerStep}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = logger.Get().Named("fake-provider")
	}
	return s
}

// Routes builds the router.
//
//	GET  /roster              -> {"players":[...]}
//	POST /step?count=k        -> advance k players
//	POST /players/{id}        -> {"status":"out","note":"..."}
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Get("/roster", s.handleRoster)
	r.Post("/step", s.handleStep)
	r.Post("/players/{id}", s.handleSet)
	return r
}

func (s *Server) handleRoster(w http.ResponseWriter, r *http.Request) {
	n := s.requests.Add(1)
	if s.failEvery > 0 && n%s.failEvery == 0 {
		http.Error(w, "injected failure", http.StatusServiceUnavailable)
		return
	}
	players, version := s.roster.Snapshot()
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Roster-Version", strconv.Itoa(version))
	_ = json.NewEncoder(w).Encode(map[string]any{"players": players})
}

func (s *Server) handleStep(w http.ResponseWriter, r *http.Request) {
	k := s.changesPerStep
	if v := r.URL.Query().Get("count"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			http.Error(w, "count must be a positive integer", http.StatusBadRequest)
			return
		}
		k = n
	}
	changed := s.roster.Step(k)
	s.logger.Info(r.Context(), "roster advanced", logger.Strings("changed", changed))
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"changed": changed})
}

type setRequest struct {
	Status string `json:"status"`
	Note   string `json:"note"`
}

func (s *Server) handleSet(w http.ResponseWriter, r *http.Request) {
	var req setRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Status == "" {
		http.Error(w, "body must carry a status", http.StatusBadRequest)
		return
	}
	if !s.roster.Set(chi.URLParam(r, "id"), req.Status, req.Note) {
		http.NotFound(w, r)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Drift advances the roster every interval until ctx ends.
func (s *Server) Drift(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			changed := s.roster.Step(s.changesPerStep)
			s.logger.Debug(ctx, "roster drifted", logger.Strings("changed", changed))
		}
	}
}
