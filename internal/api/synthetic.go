package api

import (
	"net/http"
)

// SyntheticMetrics handles GET /api/metrics/synthetic.
func (h *Handler) SyntheticMetrics(w http.ResponseWriter, r *http.Request) {
	if h.synthetic == nil {
		h.Error(w, http.StatusNotFound, "synthetic checks disabled")
		return
	}

	text, err := h.synthetic.Metrics(r.Context())
	if err != nil {
		h.logger.Error().Err(err).Msg("failed to load synthetic metrics")
		h.Error(w, http.StatusInternalServerError, "metrics unavailable")
		return
	}

	w.Header().Set("Content-Type", "text/plain; version=0.0.4")
	_, _ = w.Write([]byte(text))
}
