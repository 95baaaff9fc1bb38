package middleware

import (
	"net/http"

	"github.com/google/uuid"

	"github.com/streamlane/embedhub/internal/observability"
)

const (
	requestIDHeader = "X-Request-ID"
	maxRequestIDLen = 128
)

// RequestID is the outermost middleware. It puts the request id into the context (where the log
// handler and problem responses pick it up) and echoes it in the response. A client-supplied
// X-Request-ID is kept when it is short printable ASCII; otherwise a UUIDv7 replaces it.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(requestIDHeader)
		if !validRequestID(id) {
			id = uuid.Must(uuid.NewV7()).String()
		}

		w.Header().Set(requestIDHeader, id)
		next.ServeHTTP(w, r.WithContext(observability.WithRequestID(r.Context(), id)))
	})
}

// validRequestID rejects empty, oversized and non-printable ids so they cannot forge log lines.
func validRequestID(id string) bool {
	if id == "" || len(id) > maxRequestIDLen {
		return false
	}

	for i := range len(id) {
		if c := id[i]; c < 0x21 || c > 0x7e {
			return false
		}
	}

	return true
}
