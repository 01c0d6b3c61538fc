package api

import (
	"encoding/json"
	"mime"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/tjfontaine/webhook-gateway/internal/core/domain"
	"github.com/tjfontaine/webhook-gateway/internal/server"
	"github.com/tjfontaine/webhook-gateway/internal/storage"
)

type queryResponse struct {
	Status  string   `json:"status"`
	Columns []string `json:"columns"`
	Result  [][]any  `json:"result"`
}

func (h *Handler) handleQuery(w http.ResponseWriter, r *http.Request) {
	q, err := queryText(w, r)
	if err != nil {
		server.WriteError(w, r, err)
		return
	}

	res, err := h.console.Run(r.Context(), q)
	if err != nil {
		server.WriteError(w, r, err)
		return
	}
	server.WriteJSON(w, http.StatusOK, queryResponse{Status: statusSuccess, Columns: res.Columns, Result: res.Rows})
}

// queryText reads the query from a JSON body or a form field.
func queryText(w http.ResponseWriter, r *http.Request) (string, error) {
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType == "application/json" {
		var body struct {
			Query string `json:"query"`
		}
		if err := decodeJSON(w, r, &body); err != nil {
			return "", err
		}
		return body.Query, nil
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxPayloadBytes)
	return r.FormValue("query"), nil
}

func (h *Handler) handleEcho(w http.ResponseWriter, r *http.Request) {
	var payload json.RawMessage
	if err := decodeJSON(w, r, &payload); err != nil {
		server.WriteError(w, r, err)
		return
	}
	server.WriteJSON(w, http.StatusOK, map[string]any{
		"status":      statusSuccess,
		"message":     "Echo webhook received your payload",
		"received_at": time.Now().UTC().Format(time.RFC3339Nano),
		"payload":     payload,
	})
}

type statsResponse struct {
	Status string `json:"status"`
	*domain.Stats
}

func (h *Handler) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.store.Stats(r.Context())
	if err != nil {
		server.WriteError(w, r, err)
		return
	}
	server.WriteJSON(w, http.StatusOK, statsResponse{Status: statusSuccess, Stats: stats})
}

func (h *Handler) handleEvents(w http.ResponseWriter, r *http.Request) {
	limit := intQuery(r, "limit", storage.DefaultEventLimit, maxEventLimit)
	events, err := h.store.RecentEvents(r.Context(), limit)
	if err != nil {
		server.WriteError(w, r, err)
		return
	}
	server.WriteJSON(w, http.StatusOK, map[string]any{"status": statusSuccess, "events": nonNil(events)})
}

func (h *Handler) handleEventDetail(w http.ResponseWriter, r *http.Request) {
	detail, err := h.store.EventDetail(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		server.WriteError(w, r, err)
		return
	}
	server.WriteJSON(w, http.StatusOK, map[string]any{"status": statusSuccess, "event": detail})
}
