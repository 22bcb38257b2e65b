// Package middleware holds HTTP middleware shared across transports.
package middleware

import (
	"crypto/subtle"
	"log/slog"
	"net/http"
	"strings"
)

// RequireToken admits only requests presenting the configured bearer token,
// compared in constant time. Mount it on the API subtree; health and metrics
// endpoints live outside it and stay open.
func RequireToken(token string, log *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			presented, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
			if !ok || subtle.ConstantTimeCompare([]byte(presented), []byte(token)) != 1 {
				log.WarnContext(r.Context(), "rejected unauthenticated request",
					"path", r.URL.Path,
				)
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusUnauthorized)
				_, _ = w.Write([]byte(`{"error":"unauthorized","message":"missing or invalid bearer token"}`))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
