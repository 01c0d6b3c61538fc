package api

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/tjfontaine/webhook-gateway/internal/core/domain"
	"github.com/tjfontaine/webhook-gateway/internal/server"
)

// webhookView is an endpoint as served to operators.
type webhookView struct {
	domain.Endpoint
	Active bool `json:"active"`
}

func viewOf(ep *domain.Endpoint) webhookView {
	return webhookView{Endpoint: *ep, Active: ep.Active()}
}

type webhookResponse struct {
	Status  string      `json:"status"`
	Webhook webhookView `json:"webhook"`
}

func (h *Handler) handleRegister(w http.ResponseWriter, r *http.Request) {
	cfg, err := h.decodeConfig(w, r)
	if err != nil {
		server.WriteError(w, r, err)
		return
	}

	ep, created, err := h.store.UpsertEndpoint(r.Context(), cfg)
	if err != nil {
		server.WriteError(w, r, err)
		return
	}
	server.AddLogField(r.Context(), "webhook_id", ep.ID)

	h.logger.Info("webhook registered",
		slog.String("webhook_id", ep.ID),
		slog.String("source_path", ep.Path),
		slog.Bool("created", created))
	server.WriteJSON(w, http.StatusOK, webhookResponse{Status: statusSuccess, Webhook: viewOf(ep)})
}

func (h *Handler) handleUpdateWebhook(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	server.AddLogField(r.Context(), "webhook_id", id)

	cfg, err := h.decodeConfig(w, r)
	if err != nil {
		server.WriteError(w, r, err)
		return
	}

	ep, err := h.store.UpdateEndpoint(r.Context(), id, cfg)
	if err != nil {
		server.WriteError(w, r, err)
		return
	}
	server.WriteJSON(w, http.StatusOK, webhookResponse{Status: statusSuccess, Webhook: viewOf(ep)})
}

func (h *Handler) decodeConfig(w http.ResponseWriter, r *http.Request) (domain.EndpointConfig, error) {
	var cfg domain.EndpointConfig
	if err := decodeJSON(w, r, &cfg); err != nil {
		return cfg, err
	}
	cfg.Normalize()
	return cfg, cfg.Validate()
}

func (h *Handler) handleSetStatus(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	server.AddLogField(r.Context(), "webhook_id", id)

	var body struct {
		Active *bool `json:"active"`
	}
	if err := decodeJSON(w, r, &body); err != nil {
		server.WriteError(w, r, err)
		return
	}
	active := body.Active == nil || *body.Active

	ep, err := h.store.SetEndpointActive(r.Context(), id, active)
	if err != nil {
		server.WriteError(w, r, err)
		return
	}
	server.WriteJSON(w, http.StatusOK, webhookResponse{Status: statusSuccess, Webhook: viewOf(ep)})
}

func (h *Handler) handleDeleteWebhook(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := chi.URLParam(r, "id")
	server.AddLogField(ctx, "webhook_id", id)

	// Each step commits on its own; a failure leaves the earlier ones applied
	// and a repeated DELETE resumes from there.
	failed := func(step string, err error) {
		h.logger.Error("webhook removal failed",
			slog.String("webhook_id", id),
			slog.String("step", step),
			slog.String("error", err.Error()))
		server.WriteError(w, r, err)
	}

	if _, err := h.store.GetEndpoint(ctx, id); err != nil {
		server.WriteError(w, r, err)
		return
	}
	if err := h.references.Delete(ctx, id); err != nil {
		failed("references", err)
		return
	}
	if err := h.functions.DeleteForEndpoint(ctx, id); err != nil {
		failed("functions", err)
		return
	}
	deleted, err := h.store.RetireEndpoint(ctx, id)
	if err != nil {
		failed("retire", err)
		return
	}

	msg := "Webhook deleted"
	if !deleted {
		msg = "Webhook marked as inactive (has event history)"
	}
	h.logger.Info("webhook removed", slog.String("webhook_id", id), slog.Bool("deleted", deleted))
	server.WriteJSON(w, http.StatusOK, map[string]string{"status": statusSuccess, "message": msg})
}

func (h *Handler) handleListWebhooks(w http.ResponseWriter, r *http.Request) {
	eps, err := h.store.ListEndpoints(r.Context())
	if err != nil {
		server.WriteError(w, r, err)
		return
	}
	views := make([]webhookView, 0, len(eps))
	for i := range eps {
		views = append(views, viewOf(&eps[i]))
	}
	server.WriteJSON(w, http.StatusOK, map[string]any{"status": statusSuccess, "webhooks": views})
}

func (h *Handler) handleGetWebhook(w http.ResponseWriter, r *http.Request) {
	ep, err := h.store.GetEndpoint(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		server.WriteError(w, r, err)
		return
	}
	server.WriteJSON(w, http.StatusOK, webhookResponse{Status: statusSuccess, Webhook: viewOf(ep)})
}
