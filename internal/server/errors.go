package server

import (
	"encoding/json"
	"net/http"

	"github.com/tjfontaine/webhook-gateway/internal/core/domain"
)

// ErrorResponse is the JSON error envelope.
type ErrorResponse struct {
	Error ErrorBody `json:"error"`
}

// ErrorBody describes one error.
type ErrorBody struct {
	Type    domain.ErrorType `json:"type"`
	Message string           `json:"message"`
}

// WriteJSON writes payload as JSON with the given status.
func WriteJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// WriteError writes err as an error envelope. Errors that are not a
// domain.Error are reported as a generic server error; their text only goes
// to the request log.
func WriteError(w http.ResponseWriter, r *http.Request, err error) {
	e := domain.AsError(err)
	AddError(r.Context(), err)

	msg := e.Message
	if (e.Type == domain.ErrorTypeExecution || e.Type == domain.ErrorTypeExtension) && e.Err != nil {
		msg = e.Message + ": " + e.Err.Error()
	}
	WriteJSON(w, e.HTTPStatusCode(), ErrorResponse{Error: ErrorBody{Type: e.Type, Message: msg}})
}
