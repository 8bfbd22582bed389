package handler

import (
	"net/http"
	"sort"
	"time"
)

// Check reports whether one dependency is healthy.
type Check func() bool

// HealthHandler serves the liveness endpoint.
type HealthHandler struct {
	mode    string
	started time.Time
	checks  map[string]Check
}

// NewHealthHandler creates a HealthHandler. A failing check turns the
// response into 503.
func NewHealthHandler(mode string, checks map[string]Check) *HealthHandler {
	return &HealthHandler{mode: mode, started: time.Now().UTC(), checks: checks}
}

// HealthCheck handles GET /api/health.
func (h *HealthHandler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	names := make([]string, 0, len(h.checks))
	for name := range h.checks {
		names = append(names, name)
	}
	sort.Strings(names)

	status, code := "ok", http.StatusOK
	results := make(map[string]bool, len(names))
	for _, name := range names {
		ok := h.checks[name]()
		results[name] = ok
		if !ok {
			status, code = "degraded", http.StatusServiceUnavailable
		}
	}
	writeJSON(w, code, map[string]any{
		"status":         status,
		"mode":           h.mode,
		"checks":         results,
		"uptime_seconds": int64(time.Since(h.started).Seconds()),
		"timestamp":      time.Now().UTC().Format(time.RFC3339),
	})
}
