package models

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"spendvault/pkg/domain"
)

// SessionState is the lifecycle state of a payment session. Transitions only
// move forward; Settled, Cancelled and Expired are terminal.
type SessionState string

const (
	StateOpen      SessionState = "open"
	StateSettling  SessionState = "settling"
	StateSettled   SessionState = "settled"
	StateCancelled SessionState = "cancelled"
	StateExpired   SessionState = "expired"
)

// Terminal reports whether no further transition is possible.
func (s SessionState) Terminal() bool {
	return s == StateSettled || s == StateCancelled || s == StateExpired
}

// Session is a bounded spending authorization between a payer and a merchant.
// The record is versioned: every committed mutation goes through the store's
// compare-and-swap and bumps Version, which is how concurrent writers detect
// each other across service instances.
type Session struct {
	ID        domain.SessionID
	Payer     domain.Address
	Merchant  domain.Address
	Allowance domain.Amount
	Spent     domain.Amount
	State     SessionState

	CreatedAt      time.Time
	LastActivityAt time.Time
	SettledAt      *time.Time

	// SettlementAmount is the spent value frozen at the Open->Settling
	// transition; set once, never changed.
	SettlementAmount *domain.Amount
	// SettlementID is the deterministic instruction id handed to the payment
	// rail so it can deduplicate retried dispatches.
	SettlementID string
	// RailReference is the rail's receipt for a confirmed settlement.
	RailReference string

	Version uint64
}

// Clone returns a deep copy safe to hand across goroutines. Amount values are
// immutable so a shallow copy of them suffices; pointer fields are re-boxed.
func (s *Session) Clone() *Session {
	cp := *s
	if s.SettledAt != nil {
		t := *s.SettledAt
		cp.SettledAt = &t
	}
	if s.SettlementAmount != nil {
		a := *s.SettlementAmount
		cp.SettlementAmount = &a
	}
	return &cp
}

// EventKind classifies an audit event.
type EventKind string

const (
	EventOpened          EventKind = "opened"
	EventSpendAdded      EventKind = "spend_added"
	EventSettleRequested EventKind = "settle_requested"
	// EventSettlePending records an undecided dispatch outcome. It mutates no
	// session state; it exists so reconciliation can see every rail attempt.
	EventSettlePending EventKind = "settle_pending"
	// EventSettleFailed records a retryable dispatch failure bouncing the
	// session from Settling back to Open.
	EventSettleFailed EventKind = "settle_failed"
	EventSettled      EventKind = "settled"
	EventCancelled    EventKind = "cancelled"
	EventExpired      EventKind = "expired"
)

// AuditEvent is an immutable record of one state-affecting operation on a
// session. Events are append-only; Seq is assigned by the store and is
// strictly monotonic per session.
type AuditEvent struct {
	ID        uuid.UUID
	SessionID domain.SessionID
	Seq       uint64
	Kind      EventKind
	// Amount is the spend delta for spend_added, the settlement amount for
	// settle_* and settled, zero otherwise.
	Amount   domain.Amount
	Payer    domain.Address
	Merchant domain.Address
	At       time.Time
}

// Replay folds a session's full audit trail back into the current record.
// The trail is the source of truth: state, spent and settlement amount of the
// stored record must equal the replayed ones. Version is not reconstructed;
// it is a storage artifact.
func Replay(events []AuditEvent) (*Session, error) {
	if len(events) == 0 {
		return nil, fmt.Errorf("empty audit trail")
	}
	if events[0].Kind != EventOpened {
		return nil, fmt.Errorf("audit trail starts with %s, want %s", events[0].Kind, EventOpened)
	}

	s := &Session{
		ID:             events[0].SessionID,
		Payer:          events[0].Payer,
		Merchant:       events[0].Merchant,
		Allowance:      events[0].Amount,
		Spent:          domain.ZeroAmount(),
		State:          StateOpen,
		CreatedAt:      events[0].At,
		LastActivityAt: events[0].At,
	}

	for _, ev := range events[1:] {
		if ev.SessionID != s.ID {
			return nil, fmt.Errorf("audit trail mixes sessions %s and %s", s.ID, ev.SessionID)
		}
		switch ev.Kind {
		case EventSpendAdded:
			s.Spent = s.Spent.Add(ev.Amount)
			s.LastActivityAt = ev.At
		case EventSettleRequested:
			s.State = StateSettling
			frozen := ev.Amount
			s.SettlementAmount = &frozen
		case EventSettlePending:
			// Dispatch attempt recorded; state unchanged.
		case EventSettleFailed:
			s.State = StateOpen
			s.SettlementAmount = nil
		case EventSettled:
			s.State = StateSettled
			amount := ev.Amount
			s.SettlementAmount = &amount
			at := ev.At
			s.SettledAt = &at
		case EventCancelled:
			s.State = StateCancelled
		case EventExpired:
			s.State = StateExpired
		case EventOpened:
			return nil, fmt.Errorf("duplicate opened event at seq %d", ev.Seq)
		default:
			return nil, fmt.Errorf("unknown event kind %q at seq %d", ev.Kind, ev.Seq)
		}
	}
	return s, nil
}
