package httptransport

import (
	"net/http"
	"strconv"
	"time"

	"spendvault/pkg/domain"
	dErrors "spendvault/pkg/domain-errors"
)

// RiskQuery is the advisory rate surface consumed by the risk component.
type RiskQuery interface {
	SpendInWindow(payer, merchant domain.Address, window time.Duration) domain.Amount
	// CeilingPerMinute is the configured advisory spend-rate ceiling; zero
	// means no ceiling is configured.
	CeilingPerMinute() domain.Amount
}

type riskRateResponse struct {
	Payer         string        `json:"payer"`
	Merchant      string        `json:"merchant"`
	WindowSeconds int64         `json:"windowSeconds"`
	SpendInWindow domain.Amount `json:"spendInWindow"`
	MaxPerMinute  domain.Amount `json:"maxPerMinute"`
	Exceeded      bool          `json:"exceeded"`
}

func (h *Handler) handleRiskRate(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	payer, err := domain.ParseAddress(q.Get("payer"))
	if err != nil {
		writeError(w, dErrors.Wrap(err, dErrors.CodeInvalidInput, "payer"))
		return
	}
	merchant, err := domain.ParseAddress(q.Get("merchant"))
	if err != nil {
		writeError(w, dErrors.Wrap(err, dErrors.CodeInvalidInput, "merchant"))
		return
	}
	seconds, err := strconv.ParseInt(q.Get("windowSeconds"), 10, 64)
	if err != nil || seconds <= 0 {
		writeError(w, dErrors.New(dErrors.CodeInvalidInput, "windowSeconds must be a positive integer"))
		return
	}
	window := time.Duration(seconds) * time.Second

	spend := h.risk.SpendInWindow(payer, merchant, window)
	ceiling := h.risk.CeilingPerMinute()

	// The ceiling is per minute; scale it to the requested window before
	// comparing. Integer math only: ceiling*seconds/60.
	exceeded := false
	if !ceiling.IsZero() {
		scaled := ceiling.MulDiv(uint64(seconds), 60)
		exceeded = spend.Cmp(scaled) > 0
	}

	writeJSON(w, http.StatusOK, riskRateResponse{
		Payer:         payer.String(),
		Merchant:      merchant.String(),
		WindowSeconds: seconds,
		SpendInWindow: spend,
		MaxPerMinute:  ceiling,
		Exceeded:      exceeded,
	})
}
