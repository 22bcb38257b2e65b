package httptransport

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"spendvault/internal/ledger/models"
	"spendvault/internal/ledger/service"
	"spendvault/pkg/domain"
	dErrors "spendvault/pkg/domain-errors"
)

// SessionService is the session manager surface the transport consumes.
type SessionService interface {
	Open(ctx context.Context, id domain.SessionID, payer, merchant domain.Address, allowance domain.Amount) (*models.Session, error)
	AddSpend(ctx context.Context, id domain.SessionID, delta domain.Amount, idempotencyKey string) (*service.SpendResult, error)
	Settle(ctx context.Context, id domain.SessionID) (*service.SettleResult, error)
	Cancel(ctx context.Context, id domain.SessionID) (*models.Session, error)
	Status(ctx context.Context, id domain.SessionID) (*models.Session, error)
}

// Handler carries the wired services. Construct with NewHandler.
type Handler struct {
	sessions SessionService
	risk     RiskQuery
}

// NewHandler creates the HTTP handler set.
func NewHandler(sessions SessionService, risk RiskQuery) *Handler {
	return &Handler{sessions: sessions, risk: risk}
}

type openRequest struct {
	SessionID string `json:"sessionId"`
	Payer     string `json:"payer"`
	Merchant  string `json:"merchant"`
	Allowance string `json:"allowance"`
}

type openResponse struct {
	SessionID string        `json:"sessionId"`
	State     string        `json:"state"`
	Allowance domain.Amount `json:"allowance"`
	Spent     domain.Amount `json:"spent"`
}

func (h *Handler) handleOpen(w http.ResponseWriter, r *http.Request) {
	var req openRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, dErrors.New(dErrors.CodeInvalidInput, "invalid request body"))
		return
	}

	id, err := domain.ParseSessionID(req.SessionID)
	if err != nil {
		writeError(w, dErrors.Wrap(err, dErrors.CodeInvalidInput, "sessionId"))
		return
	}
	payer, err := domain.ParseAddress(req.Payer)
	if err != nil {
		writeError(w, dErrors.Wrap(err, dErrors.CodeInvalidInput, "payer"))
		return
	}
	var merchant domain.Address
	if req.Merchant != "" {
		if merchant, err = domain.ParseAddress(req.Merchant); err != nil {
			writeError(w, dErrors.Wrap(err, dErrors.CodeInvalidInput, "merchant"))
			return
		}
	}
	allowance, err := domain.ParseAmount(req.Allowance)
	if err != nil {
		writeError(w, dErrors.Wrap(err, dErrors.CodeInvalidInput, "allowance"))
		return
	}

	record, err := h.sessions.Open(r.Context(), id, payer, merchant, allowance)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, openResponse{
		SessionID: record.ID.String(),
		State:     string(record.State),
		Allowance: record.Allowance,
		Spent:     record.Spent,
	})
}

type spendRequest struct {
	SessionID      string `json:"sessionId"`
	Delta          string `json:"delta"`
	IdempotencyKey string `json:"idempotencyKey"`
}

type spendResponse struct {
	SessionID string        `json:"sessionId"`
	Spent     domain.Amount `json:"spent"`
	Allowance domain.Amount `json:"allowance"`
}

func (h *Handler) handleSpend(w http.ResponseWriter, r *http.Request) {
	var req spendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, dErrors.New(dErrors.CodeInvalidInput, "invalid request body"))
		return
	}

	id, err := domain.ParseSessionID(req.SessionID)
	if err != nil {
		writeError(w, dErrors.Wrap(err, dErrors.CodeInvalidInput, "sessionId"))
		return
	}
	delta, err := domain.ParseAmount(req.Delta)
	if err != nil {
		writeError(w, dErrors.Wrap(err, dErrors.CodeInvalidInput, "delta"))
		return
	}
	idempotencyKey := req.IdempotencyKey
	if idempotencyKey == "" {
		idempotencyKey = r.Header.Get("Idempotency-Key")
	}

	result, err := h.sessions.AddSpend(r.Context(), id, delta, idempotencyKey)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, spendResponse{
		SessionID: result.SessionID,
		Spent:     result.Spent,
		Allowance: result.Allowance,
	})
}

type settleRequest struct {
	SessionID string `json:"sessionId"`
}

type settleResponse struct {
	SessionID        string        `json:"sessionId"`
	State            string        `json:"state"`
	SettlementAmount domain.Amount `json:"settlementAmount"`
}

func (h *Handler) handleSettle(w http.ResponseWriter, r *http.Request) {
	var req settleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, dErrors.New(dErrors.CodeInvalidInput, "invalid request body"))
		return
	}
	id, err := domain.ParseSessionID(req.SessionID)
	if err != nil {
		writeError(w, dErrors.Wrap(err, dErrors.CodeInvalidInput, "sessionId"))
		return
	}

	result, err := h.sessions.Settle(r.Context(), id)
	if err != nil {
		// Pending is a decided "not yet": 202 with the settling state rather
		// than an opaque failure.
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, settleResponse{
		SessionID:        result.SessionID,
		State:            string(result.State),
		SettlementAmount: result.SettlementAmount,
	})
}

type cancelResponse struct {
	SessionID string `json:"sessionId"`
	State     string `json:"state"`
}

func (h *Handler) handleCancel(w http.ResponseWriter, r *http.Request) {
	var req settleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, dErrors.New(dErrors.CodeInvalidInput, "invalid request body"))
		return
	}
	id, err := domain.ParseSessionID(req.SessionID)
	if err != nil {
		writeError(w, dErrors.Wrap(err, dErrors.CodeInvalidInput, "sessionId"))
		return
	}

	record, err := h.sessions.Cancel(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, cancelResponse{
		SessionID: record.ID.String(),
		State:     string(record.State),
	})
}

type statusResponse struct {
	SessionID        string         `json:"sessionId"`
	Payer            string         `json:"payer"`
	Merchant         string         `json:"merchant"`
	Allowance        domain.Amount  `json:"allowance"`
	Spent            domain.Amount  `json:"spent"`
	State            string         `json:"state"`
	CreatedAt        time.Time      `json:"createdAt"`
	LastActivityAt   time.Time      `json:"lastActivityAt"`
	SettledAt        *time.Time     `json:"settledAt,omitempty"`
	SettlementAmount *domain.Amount `json:"settlementAmount,omitempty"`
	RailReference    string         `json:"railReference,omitempty"`
}

func (h *Handler) handleStatus(w http.ResponseWriter, r *http.Request) {
	id, err := domain.ParseSessionID(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, dErrors.Wrap(err, dErrors.CodeInvalidInput, "session id"))
		return
	}

	record, err := h.sessions.Status(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, statusResponse{
		SessionID:        record.ID.String(),
		Payer:            record.Payer.String(),
		Merchant:         record.Merchant.String(),
		Allowance:        record.Allowance,
		Spent:            record.Spent,
		State:            string(record.State),
		CreatedAt:        record.CreatedAt,
		LastActivityAt:   record.LastActivityAt,
		SettledAt:        record.SettledAt,
		SettlementAmount: record.SettlementAmount,
		RailReference:    record.RailReference,
	})
}
