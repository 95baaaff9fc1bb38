package middleware

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/streamlane/embedhub/internal/api/response"
)

// AuthFailureRecorder records rejected requests. Pass nil when metrics are disabled.
type AuthFailureRecorder interface {
	RecordAuthFailure(ctx context.Context)
}

// Auth middleware checks the bearer token in the Authorization header against apiKey.
func Auth(apiKey string, recorder AuthFailureRecorder) func(http.Handler) http.Handler {
	expected := []byte(apiKey)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			reject := func(detail string) {
				if recorder != nil {
					recorder.RecordAuthFailure(r.Context())
				}

				response.RespondUnauthorized(w, detail)
			}

			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				reject("Missing Authorization header")
				return
			}

			// Expected format: "Bearer <api-key>"
			scheme, token, ok := strings.Cut(authHeader, " ")
			if !ok || !strings.EqualFold(scheme, "bearer") {
				reject("Invalid Authorization header format. Expected: Bearer <api-key>")
				return
			}

			if token == "" {
				reject("API key is empty")
				return
			}

			if subtle.ConstantTimeCompare([]byte(token), expected) != 1 {
				reject("Invalid API key")
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
