package api

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/okian/statuswatch/internal/domain/health"
	"github.com/okian/statuswatch/pkg/metrics"
)

// HealthHandler serves liveness and metrics.
type HealthHandler struct {
	tracker *health.Tracker
}

// NewHealthHandler creates a new health handler.
func NewHealthHandler(tracker *health.Tracker) *HealthHandler {
	return &HealthHandler{tracker: tracker}
}

// HandleHealth handles GET /healthz. It answers 503 once cycles keep failing.
func (h *HealthHandler) HandleHealth(w http.ResponseWriter, _ *http.Request) {
	st := h.tracker.Status()
	code := http.StatusOK
	if !st.Healthy {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, st)
}

// HandleMetrics serves the custom Prometheus registry.
func (h *HealthHandler) HandleMetrics(w http.ResponseWriter, r *http.Request) {
	promhttp.HandlerFor(metrics.GetRegistry(), promhttp.HandlerOpts{}).ServeHTTP(w, r)
}
