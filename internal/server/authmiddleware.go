package server

import (
	"net/http"

	"github.com/tjfontaine/webhook-gateway/internal/auth"
	"github.com/tjfontaine/webhook-gateway/internal/core/domain"
)

// AuthMiddleware rejects requests that do not carry the shared secret in the
// X-API-Key header.
func AuthMiddleware(authenticator *auth.Authenticator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := auth.ExtractAPIKey(r)
			if key == "" {
				WriteError(w, r, domain.NewError(domain.ErrorTypeAuthentication, "Missing "+auth.HeaderName+" header"))
				return
			}
			if !authenticator.Validate(key) {
				WriteError(w, r, domain.NewError(domain.ErrorTypeAuthentication, "Invalid API Key"))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
