package api

import (
	"context"
	"net/http"
	"time"
)

// Check represents the status of one readiness dependency.
type Check struct {
	Status  string `json:"status"` // "pass" or "fail"
	Latency string `json:"latency,omitempty"`
	Message string `json:"message,omitempty"`
}

// Health handles GET /api/health.
func (h *Handler) Health(w http.ResponseWriter, _ *http.Request) {
	h.JSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"timestamp": time.Now().UTC().Format(time.RFC3339Nano),
		"uptime":    time.Since(h.startedAt).Seconds(),
	})
}

// Liveness handles GET /api/health/liveness.
func (h *Handler) Liveness(w http.ResponseWriter, _ *http.Request) {
	h.JSON(w, http.StatusOK, map[string]string{"status": "alive"})
}

// Readiness handles GET /api/health/readiness. Any failing dependency makes
// the instance unready.
func (h *Handler) Readiness(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	checks := make(map[string]Check, len(h.readiness))
	ready := true
	for name, dep := range h.readiness {
		start := time.Now()
		if err := dep.Ping(ctx); err != nil {
			h.logger.Warn().Err(err).Str("dependency", name).Msg("readiness check failed")
			checks[name] = Check{Status: "fail", Message: "connection failed"}
			ready = false
			continue
		}
		checks[name] = Check{Status: "pass", Latency: time.Since(start).String()}
	}

	if !ready {
		h.JSON(w, http.StatusServiceUnavailable, map[string]any{"status": "not ready", "checks": checks})
		return
	}
	h.JSON(w, http.StatusOK, map[string]any{"status": "ready", "checks": checks})
}
