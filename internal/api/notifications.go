package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/Tyrowin/designconnect/internal/auth"
	"github.com/Tyrowin/designconnect/internal/server"
)

// PushNotification handles POST /api/notifications. The body is relayed
// verbatim as the payload of a notification event to every connection.
func (h *Handler) PushNotification(w http.ResponseWriter, r *http.Request) {
	var payload json.RawMessage
	if err := decodeJSON(w, r, &payload); err != nil || len(payload) == 0 {
		h.Error(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	if err := h.broadcaster.BroadcastToAll(server.EventNotification, payload); err != nil {
		if errors.Is(err, server.ErrHubClosed) {
			h.Error(w, http.StatusServiceUnavailable, "relay is shutting down")
			return
		}
		h.logger.Error().Err(err).Msg("notification broadcast failed")
		h.Error(w, http.StatusInternalServerError, "broadcast failed")
		return
	}

	h.logger.Info().Str("user_id", auth.IdentityFrom(r.Context()).ID).Msg("notification pushed")
	h.JSON(w, http.StatusAccepted, map[string]string{"status": "sent"})
}
