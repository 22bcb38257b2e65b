package middleware

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRequireToken(t *testing.T) {
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	next := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	guarded := RequireToken("secret-token", log)(next)

	do := func(authorization string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, "/api/session/abc", nil)
		if authorization != "" {
			req.Header.Set("Authorization", authorization)
		}
		rec := httptest.NewRecorder()
		guarded.ServeHTTP(rec, req)
		return rec
	}

	t.Run("valid token passes through", func(t *testing.T) {
		rec := do("Bearer secret-token")
		assert.Equal(t, http.StatusNoContent, rec.Code)
	})

	t.Run("wrong token rejected", func(t *testing.T) {
		rec := do("Bearer wrong")
		require.Equal(t, http.StatusUnauthorized, rec.Code)
		assert.JSONEq(t, `{"error":"unauthorized","message":"missing or invalid bearer token"}`, rec.Body.String())
	})

	t.Run("missing header rejected", func(t *testing.T) {
		rec := do("")
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("non-bearer scheme rejected", func(t *testing.T) {
		rec := do("Basic secret-token")
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})
}
