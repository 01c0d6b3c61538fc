// Package api serves the gateway's management routes and the webhook
// ingestion catch-all.
package api

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tjfontaine/webhook-gateway/internal/auth"
	"github.com/tjfontaine/webhook-gateway/internal/core/domain"
	"github.com/tjfontaine/webhook-gateway/internal/extension"
	"github.com/tjfontaine/webhook-gateway/internal/pipeline"
	"github.com/tjfontaine/webhook-gateway/internal/query"
	"github.com/tjfontaine/webhook-gateway/internal/reference"
	"github.com/tjfontaine/webhook-gateway/internal/server"
	"github.com/tjfontaine/webhook-gateway/internal/storage"
	"github.com/tjfontaine/webhook-gateway/internal/telemetry"
)

const (
	// maxPayloadBytes caps inbound webhook and JSON management bodies.
	maxPayloadBytes = 10 << 20
	// maxUploadBytes caps reference table uploads.
	maxUploadBytes = 64 << 20
	// maxEventLimit caps GET /events.
	maxEventLimit = 200

	statusSuccess = "success"
)

// Config holds the handler dependencies.
type Config struct {
	Store         *storage.Store
	Processor     *pipeline.Processor
	Functions     *extension.Registry
	References    *reference.Store
	Console       *query.Console
	Authenticator *auth.Authenticator
	Metrics       *telemetry.Metrics
	Logger        *slog.Logger
}

// Handler implements the HTTP surface.
type Handler struct {
	store      *storage.Store
	processor  *pipeline.Processor
	functions  *extension.Registry
	references *reference.Store
	console    *query.Console
	auth       *auth.Authenticator
	metrics    *telemetry.Metrics
	logger     *slog.Logger
}

// New creates a Handler.
func New(cfg Config) *Handler {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		store:      cfg.Store,
		processor:  cfg.Processor,
		functions:  cfg.Functions,
		references: cfg.References,
		console:    cfg.Console,
		auth:       cfg.Authenticator,
		metrics:    cfg.Metrics,
		logger:     logger,
	}
}

// Mount registers every route on r. Management routes require the shared
// secret; health, metrics and ingestion do not.
func (h *Handler) Mount(r chi.Router) {
	r.Get("/", h.handleHealth)
	if h.metrics != nil {
		r.Handle("/metrics", promhttp.HandlerFor(h.metrics.Registry, promhttp.HandlerOpts{}))
	}

	r.Group(func(r chi.Router) {
		r.Use(server.AuthMiddleware(h.auth))

		r.Post("/register", h.handleRegister)
		r.Get("/webhooks", h.handleListWebhooks)
		r.Get("/webhook/{id}", h.handleGetWebhook)
		r.Put("/webhook/{id}", h.handleUpdateWebhook)
		r.Patch("/webhook/{id}/status", h.handleSetStatus)
		r.Delete("/webhooks/{id}", h.handleDeleteWebhook)

		r.Post("/upload_table", h.handleUploadTable)
		r.Get("/reference_tables", h.handleListReferenceTables)
		r.Post("/register_udf", h.handleRegisterFunction)
		r.Get("/udfs", h.handleListFunctions)

		r.Post("/query", h.handleQuery)
		r.Post("/echo-webhook", h.handleEcho)
		r.Get("/stats", h.handleStats)
		r.Get("/events", h.handleEvents)
		r.Get("/event/{id}/transformed", h.handleEventDetail)
	})

	r.Post("/*", h.handleIngest)

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		server.WriteError(w, r, domain.NotFound("Not found"))
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		server.WriteJSON(w, http.StatusMethodNotAllowed, server.ErrorResponse{Error: server.ErrorBody{
			Type:    domain.ErrorTypeInvalidRequest,
			Message: "Method not allowed",
		}})
	})
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	server.WriteJSON(w, http.StatusOK, map[string]string{
		"status":  "ok",
		"message": "Webhook gateway is running",
	})
}

// decodeJSON reads a JSON request body into v.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxPayloadBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return domain.Invalid("request body exceeds %d bytes", tooLarge.Limit)
		}
		return domain.WrapError(domain.ErrorTypeInvalidRequest, "failed to read request body", err)
	}
	if err := json.Unmarshal(body, v); err != nil {
		return domain.Invalid("Invalid JSON body: %v", err)
	}
	return nil
}

// intQuery parses a positive integer query parameter, clamped to max.
// Missing or malformed values yield def.
func intQuery(r *http.Request, key string, def, max int) int {
	v, err := strconv.Atoi(r.URL.Query().Get(key))
	if err != nil || v <= 0 {
		return def
	}
	if v > max {
		return max
	}
	return v
}

// nonNil returns an empty slice for nil so listings encode as [].
func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
