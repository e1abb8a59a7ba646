package middleware

import (
	"net/http"

	"github.com/google/uuid"
)

// RequestID assigns each request an ID used in error envelopes and logs.
// An incoming X-Request-ID header is kept so callers can correlate.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = uuid.NewString()
			r.Header.Set("X-Request-ID", id)
		}
		w.Header().Set("X-Request-ID", id)
		next.ServeHTTP(w, r)
	})
}
