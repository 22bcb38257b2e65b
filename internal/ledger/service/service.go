// Package service owns the session lifecycle state machine. All mutation is
// optimistic: read the record, validate the guard, compare-and-swap, retry on
// version conflict. No in-process lock guards session state, so any number of
// service instances can share one store.
package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"spendvault/internal/ledger/models"
	"spendvault/internal/ledger/ports"
	"spendvault/internal/platform/metrics"
	"spendvault/internal/settlement"
	"spendvault/pkg/domain"
	dErrors "spendvault/pkg/domain-errors"
	"spendvault/pkg/platform/sentinel"
)

const (
	defaultCASRetries = 5
	backoffBase       = 2 * time.Millisecond
)

// SpendResult is the outcome of an applied spend report. It is also the
// payload remembered by the idempotency store, so a retried report replays
// the exact totals it originally observed.
type SpendResult struct {
	SessionID string        `json:"session_id"`
	Spent     domain.Amount `json:"spent"`
	Allowance domain.Amount `json:"allowance"`
}

// SettleResult is the outcome of a finalized settlement.
type SettleResult struct {
	SessionID        string              `json:"session_id"`
	State            models.SessionState `json:"state"`
	SettlementAmount domain.Amount       `json:"settlement_amount"`
}

// Service is the session manager.
type Service struct {
	store           ports.LedgerStore
	auditor         ports.AuditPublisher
	dispatcher      *settlement.Dispatcher
	idem            ports.IdempotencyStore
	metrics         *metrics.Metrics
	logger          *slog.Logger
	tracer          trace.Tracer
	casRetries      int
	defaultMerchant domain.Address
	now             func() time.Time
}

// Option configures the Service.
type Option func(*Service)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) { s.logger = logger }
}

// WithMetrics sets the metrics collector.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

// WithIdempotencyStore enables replay protection for spend reports.
func WithIdempotencyStore(store ports.IdempotencyStore) Option {
	return func(s *Service) { s.idem = store }
}

// WithCASRetries bounds the optimistic retry loop.
func WithCASRetries(n int) Option {
	return func(s *Service) {
		if n > 0 {
			s.casRetries = n
		}
	}
}

// WithDefaultMerchant fills the merchant on open requests that omit it.
func WithDefaultMerchant(merchant domain.Address) Option {
	return func(s *Service) { s.defaultMerchant = merchant }
}

// WithClock overrides time.Now for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// New creates the session manager.
func New(store ports.LedgerStore, auditor ports.AuditPublisher, dispatcher *settlement.Dispatcher, opts ...Option) (*Service, error) {
	if store == nil {
		return nil, fmt.Errorf("ledger store is required")
	}
	if auditor == nil {
		return nil, fmt.Errorf("audit publisher is required")
	}
	if dispatcher == nil {
		return nil, fmt.Errorf("settlement dispatcher is required")
	}
	s := &Service{
		store:      store,
		auditor:    auditor,
		dispatcher: dispatcher,
		tracer:     otel.Tracer("spendvault/ledger"),
		casRetries: defaultCASRetries,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Open creates a session with a fixed allowance. The id is caller-supplied;
// reuse is a client error, never silently ignored.
func (s *Service) Open(ctx context.Context, id domain.SessionID, payer, merchant domain.Address, allowance domain.Amount) (*models.Session, error) {
	ctx, span := s.tracer.Start(ctx, "session.open")
	defer span.End()

	if merchant.IsNil() {
		merchant = s.defaultMerchant
	}
	if merchant.IsNil() {
		return nil, dErrors.New(dErrors.CodeInvalidInput, "merchant is required and no default is configured")
	}

	now := s.now()
	record := &models.Session{
		ID:             id,
		Payer:          payer,
		Merchant:       merchant,
		Allowance:      allowance,
		Spent:          domain.ZeroAmount(),
		State:          models.StateOpen,
		CreatedAt:      now,
		LastActivityAt: now,
	}

	event := s.newEvent(record, models.EventOpened, allowance)
	if err := s.store.Create(ctx, record, event); err != nil {
		if errors.Is(err, sentinel.ErrConflict) {
			return nil, dErrors.Wrap(err, dErrors.CodeConflict,
				fmt.Sprintf("session %s already exists", id))
		}
		return nil, dErrors.Wrap(err, dErrors.CodeUnavailable, "create session")
	}
	s.auditor.Forward(ctx, event)

	if s.metrics != nil {
		s.metrics.SessionsOpened.Inc()
	}
	s.log(ctx, "session opened", record, "allowance", allowance)
	created, err := s.store.Get(ctx, id)
	if err != nil {
		return record, nil
	}
	return created, nil
}

// AddSpend applies a spend delta against the allowance. Safe under arbitrary
// concurrent invocation for one session: losers of the swap retry against
// the fresh record, and the allowance guard re-runs every attempt.
func (s *Service) AddSpend(ctx context.Context, id domain.SessionID, delta domain.Amount, idempotencyKey string) (*SpendResult, error) {
	ctx, span := s.tracer.Start(ctx, "session.add_spend")
	defer span.End()

	if idempotencyKey != "" && s.idem != nil {
		prior, ok, err := s.idem.Remember(ctx, idempotencyKey)
		switch {
		case err != nil:
			// Degraded replay protection: proceed, but make it visible.
			if s.logger != nil {
				s.logger.WarnContext(ctx, "idempotency lookup failed, retries may re-apply",
					"key", idempotencyKey, "error", err)
			}
		case ok:
			var result SpendResult
			if err := json.Unmarshal(prior, &result); err == nil && result.SessionID == id.String() {
				if s.metrics != nil {
					s.metrics.IdempotentReplays.Inc()
				}
				return &result, nil
			}
		}
	}

	for attempt := 0; attempt < s.casRetries; attempt++ {
		record, err := s.get(ctx, id)
		if err != nil {
			return nil, err
		}
		if err := s.guardMutable(record); err != nil {
			s.countRejectedSpend(err)
			return nil, err
		}

		newSpent := record.Spent.Add(delta)
		if newSpent.Cmp(record.Allowance) > 0 {
			err := dErrors.Newf(dErrors.CodeAllowanceExceeded,
				"session %s in state %s: spend %s would exceed allowance %s (spent %s)",
				id, record.State, delta, record.Allowance, record.Spent)
			s.countRejectedSpend(err)
			return nil, err
		}

		next := record.Clone()
		next.Spent = newSpent
		next.LastActivityAt = s.now()

		event := s.newEvent(next, models.EventSpendAdded, delta)
		if err := s.swap(ctx, record, next, attempt, event); err != nil {
			if errors.Is(err, sentinel.ErrVersionConflict) {
				continue
			}
			return nil, err
		}
		if s.metrics != nil {
			s.metrics.SpendAccepted.Inc()
		}

		result := &SpendResult{
			SessionID: id.String(),
			Spent:     newSpent,
			Allowance: record.Allowance,
		}
		s.remember(ctx, idempotencyKey, result)
		return result, nil
	}

	err := dErrors.Newf(dErrors.CodeContention,
		"session %s: spend retries exhausted after %d attempts", id, s.casRetries)
	s.countRejectedSpend(err)
	return nil, err
}

// Settle freezes the accumulated spend and drives the session to a terminal
// outcome through the payment rail. Idempotent: settling an already-Settled
// session returns the original result.
func (s *Service) Settle(ctx context.Context, id domain.SessionID) (*SettleResult, error) {
	ctx, span := s.tracer.Start(ctx, "session.settle")
	defer span.End()

	settling, err := s.enterSettling(ctx, id)
	if err != nil || settling == nil {
		if err != nil {
			return nil, err
		}
		// Session already Settled; report the original settlement.
		record, err := s.get(ctx, id)
		if err != nil {
			return nil, err
		}
		return settledResult(record), nil
	}

	outcome := s.dispatcher.Dispatch(ctx, settling)
	switch outcome.Class {
	case settlement.OutcomeConfirmed:
		return s.finalizeSettled(ctx, settling, outcome)

	case settlement.OutcomePending:
		if err := s.emit(ctx, settling, models.EventSettlePending, *settling.SettlementAmount); err != nil {
			return nil, err
		}
		return nil, dErrors.Newf(dErrors.CodeSettlementPending,
			"session %s in state %s: settlement pending: %s", id, models.StateSettling, outcome.Reason)

	case settlement.OutcomeFailed:
		return s.reopenAfterFailure(ctx, settling, outcome)

	default: // OutcomeRejected
		return s.finalizeRejected(ctx, settling, outcome)
	}
}

// enterSettling transitions Open->Settling, freezing the spend. It returns
// (nil, nil) when the session is already Settled, the record in Settling when
// the fence is (or was already) in place, and an error otherwise.
func (s *Service) enterSettling(ctx context.Context, id domain.SessionID) (*models.Session, error) {
	for attempt := 0; attempt < s.casRetries; attempt++ {
		record, err := s.get(ctx, id)
		if err != nil {
			return nil, err
		}

		switch record.State {
		case models.StateSettled:
			return nil, nil
		case models.StateSettling:
			// A prior settle left the session pending; re-dispatch with the
			// frozen amount. The rail deduplicates on the instruction id.
			return record, nil
		case models.StateCancelled, models.StateExpired:
			return nil, dErrors.Newf(dErrors.CodeSessionClosed,
				"session %s in state %s cannot settle", id, record.State)
		}

		next := record.Clone()
		next.State = models.StateSettling
		frozen := record.Spent
		next.SettlementAmount = &frozen
		next.SettlementID = settlement.InstructionID(id)
		next.LastActivityAt = s.now()

		// The committed swap is the concurrency fence: any in-flight spend
		// that lost the race now observes Settling and aborts.
		event := s.newEvent(next, models.EventSettleRequested, frozen)
		if err := s.swap(ctx, record, next, attempt, event); err != nil {
			if errors.Is(err, sentinel.ErrVersionConflict) {
				continue
			}
			return nil, err
		}
		return next, nil
	}
	return nil, dErrors.Newf(dErrors.CodeContention,
		"session %s: settle retries exhausted after %d attempts", id, s.casRetries)
}

func (s *Service) finalizeSettled(ctx context.Context, settling *models.Session, outcome settlement.Outcome) (*SettleResult, error) {
	next := settling.Clone()
	next.State = models.StateSettled
	next.RailReference = outcome.Reference
	settledAt := s.now()
	next.SettledAt = &settledAt
	next.LastActivityAt = settledAt

	event := s.newEvent(next, models.EventSettled, *next.SettlementAmount)
	if err := s.swap(ctx, settling, next, 0, event); err != nil {
		if errors.Is(err, sentinel.ErrVersionConflict) {
			// A concurrent settle finalized first; the rail deduplicated, so
			// both observed the same transfer.
			record, getErr := s.get(ctx, settling.ID)
			if getErr == nil && record.State == models.StateSettled {
				return settledResult(record), nil
			}
			return nil, dErrors.Wrap(err, dErrors.CodeInvariantViolation,
				fmt.Sprintf("session %s left Settling without settling", settling.ID))
		}
		return nil, err
	}
	if s.metrics != nil {
		s.metrics.SessionsSettled.Inc()
	}
	s.log(ctx, "session settled", next, "settlement_amount", *next.SettlementAmount, "rail_reference", outcome.Reference)
	return settledResult(next), nil
}

func (s *Service) finalizeRejected(ctx context.Context, settling *models.Session, outcome settlement.Outcome) (*SettleResult, error) {
	next := settling.Clone()
	next.State = models.StateCancelled
	next.LastActivityAt = s.now()

	event := s.newEvent(next, models.EventCancelled, domain.ZeroAmount())
	if err := s.swap(ctx, settling, next, 0, event); err != nil {
		if !errors.Is(err, sentinel.ErrVersionConflict) {
			return nil, err
		}
		// A concurrent settle resolved the session first; report its outcome.
		record, getErr := s.get(ctx, settling.ID)
		if getErr != nil {
			return nil, getErr
		}
		if record.State == models.StateSettled {
			return settledResult(record), nil
		}
		return nil, dErrors.Newf(dErrors.CodeSettlementRejected,
			"session %s in state %s: settlement rejected: %s", settling.ID, record.State, outcome.Reason)
	}
	if s.metrics != nil {
		s.metrics.SessionsCancelled.Inc()
	}
	s.log(ctx, "settlement rejected, session cancelled", next, "reason", outcome.Reason)
	return nil, dErrors.Newf(dErrors.CodeSettlementRejected,
		"session %s in state %s: settlement rejected: %s", settling.ID, next.State, outcome.Reason)
}

// reopenAfterFailure bounces the session from Settling back to Open after a
// decided-but-retryable rail refusal: no transfer happened, so the session
// may take further spends and settle again later.
func (s *Service) reopenAfterFailure(ctx context.Context, settling *models.Session, outcome settlement.Outcome) (*SettleResult, error) {
	next := settling.Clone()
	next.State = models.StateOpen
	next.SettlementAmount = nil
	next.SettlementID = ""
	next.LastActivityAt = s.now()

	event := s.newEvent(settling, models.EventSettleFailed, *settling.SettlementAmount)
	if err := s.swap(ctx, settling, next, 0, event); err != nil {
		if !errors.Is(err, sentinel.ErrVersionConflict) {
			return nil, err
		}
		// A concurrent settle resolved the session first; report its outcome.
		record, getErr := s.get(ctx, settling.ID)
		if getErr != nil {
			return nil, getErr
		}
		if record.State == models.StateSettled {
			return settledResult(record), nil
		}
	}
	s.log(ctx, "settlement attempt failed, session reopened", next, "reason", outcome.Reason)
	return nil, dErrors.Newf(dErrors.CodeSettlementPending,
		"session %s in state %s: settlement attempt failed, retry settle: %s",
		settling.ID, models.StateOpen, outcome.Reason)
}

// Cancel releases the allowance reservation. Allowed only from Open.
func (s *Service) Cancel(ctx context.Context, id domain.SessionID) (*models.Session, error) {
	ctx, span := s.tracer.Start(ctx, "session.cancel")
	defer span.End()

	for attempt := 0; attempt < s.casRetries; attempt++ {
		record, err := s.get(ctx, id)
		if err != nil {
			return nil, err
		}
		if err := s.guardMutable(record); err != nil {
			return nil, err
		}

		next := record.Clone()
		next.State = models.StateCancelled
		next.LastActivityAt = s.now()

		event := s.newEvent(next, models.EventCancelled, domain.ZeroAmount())
		if err := s.swap(ctx, record, next, attempt, event); err != nil {
			if errors.Is(err, sentinel.ErrVersionConflict) {
				continue
			}
			return nil, err
		}
		if s.metrics != nil {
			s.metrics.SessionsCancelled.Inc()
		}
		s.log(ctx, "session cancelled", next)
		return next, nil
	}
	return nil, dErrors.Newf(dErrors.CodeContention,
		"session %s: cancel retries exhausted after %d attempts", id, s.casRetries)
}

// Status returns the current record.
func (s *Service) Status(ctx context.Context, id domain.SessionID) (*models.Session, error) {
	return s.get(ctx, id)
}

// AuditTrail returns the session's full event history.
func (s *Service) AuditTrail(ctx context.Context, id domain.SessionID) ([]models.AuditEvent, error) {
	events, err := s.store.AuditTrail(ctx, id)
	if err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			return nil, dErrors.Wrap(err, dErrors.CodeNotFound, fmt.Sprintf("session %s", id))
		}
		return nil, dErrors.Wrap(err, dErrors.CodeUnavailable, "audit trail")
	}
	return events, nil
}

// guardMutable rejects mutation of sessions past the Open state. Error
// messages carry the recorded state so callers can tell "did not happen"
// from "already decided".
func (s *Service) guardMutable(record *models.Session) error {
	switch record.State {
	case models.StateOpen:
		return nil
	case models.StateSettling:
		return dErrors.Newf(dErrors.CodeSessionClosing,
			"session %s in state %s: settlement in flight", record.ID, record.State)
	default:
		return dErrors.Newf(dErrors.CodeSessionClosed,
			"session %s in state %s is closed", record.ID, record.State)
	}
}

func (s *Service) get(ctx context.Context, id domain.SessionID) (*models.Session, error) {
	record, err := s.store.Get(ctx, id)
	if err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			return nil, dErrors.Wrap(err, dErrors.CodeNotFound, fmt.Sprintf("session %s", id))
		}
		return nil, dErrors.Wrap(err, dErrors.CodeUnavailable, "read session")
	}
	return record, nil
}

// swap runs one compare-and-swap attempt, committing the audit event with
// the record in the store's atomic step and fanning out the copy on success.
// On a version conflict it sleeps a jittered backoff before returning so the
// retrying caller does not stampede.
func (s *Service) swap(ctx context.Context, current, next *models.Session, attempt int, event *models.AuditEvent) error {
	err := s.store.CompareAndSwap(ctx, current.ID, current.Version, next, event)
	if err == nil {
		next.Version = current.Version + 1
		s.auditor.Forward(ctx, event)
		return nil
	}
	if errors.Is(err, sentinel.ErrVersionConflict) {
		if s.metrics != nil {
			s.metrics.CASConflicts.Inc()
		}
		backoff(ctx, attempt)
		return err
	}
	if errors.Is(err, sentinel.ErrNotFound) {
		return dErrors.Wrap(err, dErrors.CodeNotFound, fmt.Sprintf("session %s", current.ID))
	}
	return dErrors.Wrap(err, dErrors.CodeUnavailable, "swap session")
}

// newEvent builds a fully-identified audit event for atomic append with a
// mutation.
func (s *Service) newEvent(record *models.Session, kind models.EventKind, amount domain.Amount) *models.AuditEvent {
	return &models.AuditEvent{
		ID:        uuid.New(),
		SessionID: record.ID,
		Kind:      kind,
		Amount:    amount,
		Payer:     record.Payer,
		Merchant:  record.Merchant,
		At:        s.now(),
	}
}

// emit durably appends an event that accompanies no swap (dispatch attempts)
// and fans it out.
func (s *Service) emit(ctx context.Context, record *models.Session, kind models.EventKind, amount domain.Amount) error {
	event := s.newEvent(record, kind, amount)
	if err := s.auditor.Emit(ctx, event); err != nil {
		return dErrors.Wrap(err, dErrors.CodeUnavailable,
			fmt.Sprintf("append %s audit event for session %s", kind, record.ID))
	}
	return nil
}

func (s *Service) remember(ctx context.Context, key string, result *SpendResult) {
	if key == "" || s.idem == nil {
		return
	}
	payload, err := json.Marshal(result)
	if err != nil {
		return
	}
	if err := s.idem.Record(ctx, key, payload); err != nil && s.logger != nil {
		s.logger.WarnContext(ctx, "idempotency record failed", "key", key, "error", err)
	}
}

func (s *Service) countRejectedSpend(err error) {
	if s.metrics != nil {
		s.metrics.SpendRejected.WithLabelValues(string(dErrors.CodeOf(err))).Inc()
	}
}

func (s *Service) log(ctx context.Context, msg string, record *models.Session, attrs ...any) {
	if s.logger == nil {
		return
	}
	args := append([]any{"session_id", record.ID, "state", record.State}, attrs...)
	s.logger.InfoContext(ctx, msg, args...)
}

func settledResult(record *models.Session) *SettleResult {
	result := &SettleResult{
		SessionID: record.ID.String(),
		State:     record.State,
	}
	if record.SettlementAmount != nil {
		result.SettlementAmount = *record.SettlementAmount
	}
	return result
}

// backoff sleeps a full-jitter exponential delay, bailing early when the
// context is done.
func backoff(ctx context.Context, attempt int) {
	ceiling := backoffBase << attempt
	delay := time.Duration(rand.Int64N(int64(ceiling) + 1))
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}
