// Package httptransport is the thin HTTP layer. It parses and validates the
// wire schema, delegates to the session manager, and maps domain error codes
// to statuses. No business logic lives here.
package httptransport

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	dErrors "spendvault/pkg/domain-errors"
)

// NewRouter wires all public endpoints. Middlewares apply to the API subtree
// only; health and metrics stay open.
func NewRouter(h *Handler, apiMiddleware ...func(http.Handler) http.Handler) http.Handler {
	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.Recoverer)

	r.Route("/api", func(r chi.Router) {
		r.Use(apiMiddleware...)
		r.Route("/session", func(r chi.Router) {
			r.Post("/open", h.handleOpen)
			r.Post("/spend", h.handleSpend)
			r.Post("/settle", h.handleSettle)
			r.Post("/cancel", h.handleCancel)
			r.Get("/{id}", h.handleStatus)
		})
		r.Get("/risk/rate", h.handleRiskRate)
	})

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())
	return r
}

var statusByCode = map[dErrors.Code]int{
	dErrors.CodeInvalidInput:       http.StatusBadRequest,
	dErrors.CodeNotFound:           http.StatusNotFound,
	dErrors.CodeConflict:           http.StatusConflict,
	dErrors.CodeAllowanceExceeded:  http.StatusConflict,
	dErrors.CodeSessionClosing:     http.StatusConflict,
	dErrors.CodeSessionClosed:      http.StatusConflict,
	dErrors.CodeContention:         http.StatusServiceUnavailable,
	dErrors.CodeUnavailable:        http.StatusServiceUnavailable,
	dErrors.CodeSettlementPending:  http.StatusAccepted,
	dErrors.CodeSettlementRejected: http.StatusConflict,
}

// writeError centralizes domain error translation so every endpoint returns
// the same JSON envelope. The message always carries the session id and its
// recorded state when the service knows them, letting callers distinguish
// "did not happen" from "may have happened, check status".
func writeError(w http.ResponseWriter, err error) {
	code := dErrors.CodeOf(err)
	status, ok := statusByCode[code]
	if !ok {
		status = http.StatusInternalServerError
	}
	writeJSON(w, status, errorEnvelope{Error: string(code), Message: err.Error()})
}

type errorEnvelope struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
