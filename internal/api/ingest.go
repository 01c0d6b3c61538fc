package api

import (
	"errors"
	"io"
	"net/http"

	"github.com/tjfontaine/webhook-gateway/internal/core/domain"
	"github.com/tjfontaine/webhook-gateway/internal/server"
)

type acceptedResponse struct {
	Status  string `json:"status"`
	EventID string `json:"event_id"`
}

// handleIngest accepts a webhook call on any path not claimed by a
// management route.
func (h *Handler) handleIngest(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxPayloadBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			h.metrics.EventReceived("invalid")
			server.WriteError(w, r, domain.Invalid("payload exceeds %d bytes", tooLarge.Limit))
			return
		}
		server.WriteError(w, r, domain.WrapError(domain.ErrorTypeInvalidRequest, "failed to read payload", err))
		return
	}

	ev, err := h.processor.Accept(r.Context(), r.URL.Path, body)
	if err != nil {
		server.WriteError(w, r, err)
		return
	}
	server.AddLogField(r.Context(), "event_id", ev.ID)
	server.WriteJSON(w, http.StatusAccepted, acceptedResponse{Status: "accepted", EventID: ev.ID})
}
