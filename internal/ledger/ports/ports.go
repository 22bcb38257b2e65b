// Package ports defines shared interfaces for the ledger module. Interfaces
// live here when consumed by more than one package to avoid duplication.
package ports

import (
	"context"
	"time"

	"spendvault/internal/ledger/models"
	"spendvault/pkg/domain"
)

// LedgerStore is the durable, versioned home of session records and their
// append-only audit trails. It is the only shared mutable resource in the
// system: all cross-instance coordination goes through CompareAndSwap, never
// through in-process locks.
//
// Error contract (pkg/platform/sentinel):
//   - Create returns ErrConflict when the session id is taken.
//   - Get returns ErrNotFound for unknown ids.
//   - CompareAndSwap returns ErrVersionConflict when the stored version does
//     not match expectedVersion, ErrNotFound for unknown ids.
//   - Any method may return ErrUnavailable (wrapped) on durability loss; the
//     whole caller operation is then safe to retry.
type LedgerStore interface {
	// Create persists a new record at version 1. A non-nil opened event is
	// appended in the same atomic step: both commit or neither, so the trail
	// never disagrees with a committed record.
	Create(ctx context.Context, session *models.Session, opened *models.AuditEvent) error

	// Get returns a copy of the current record.
	Get(ctx context.Context, id domain.SessionID) (*models.Session, error)

	// CompareAndSwap replaces the record if its stored version equals
	// expectedVersion, storing record with version expectedVersion+1. This is
	// the sole mutation primitive. A non-nil event is appended atomically
	// with the swap, with the store-assigned sequence number written back; a
	// lost swap appends nothing.
	CompareAndSwap(ctx context.Context, id domain.SessionID, expectedVersion uint64, record *models.Session, event *models.AuditEvent) error

	// AppendAudit appends an event outside any swap, assigning the next
	// per-session sequence number. For events that record no state change
	// (dispatch attempts). Events are never mutated or deleted.
	AppendAudit(ctx context.Context, event *models.AuditEvent) error

	// AuditTrail returns a session's events in sequence order.
	AuditTrail(ctx context.Context, id domain.SessionID) ([]models.AuditEvent, error)

	// OpenSessionsIdleSince lists Open sessions with no activity since the
	// cutoff. Feeds the TTL sweeper.
	OpenSessionsIdleSince(ctx context.Context, cutoff time.Time) ([]*models.Session, error)

	// SpendEventsSince lists spend_added events at or after the given time,
	// across sessions. Feeds rate-window rebuilds; ordering across sessions
	// is not guaranteed.
	SpendEventsSince(ctx context.Context, since time.Time) ([]models.AuditEvent, error)
}

// AuditPublisher persists audit events and fans them out to asynchronous
// consumers (rate monitor, kafka sink).
type AuditPublisher interface {
	// Emit appends the event durably, then fans out a copy.
	Emit(ctx context.Context, event *models.AuditEvent) error

	// Forward fans out a copy of an event the store already persisted
	// (atomically with its mutation). Never blocks and never fails.
	Forward(ctx context.Context, event *models.AuditEvent)
}

// IdempotencyStore remembers responses to mutating requests for a retention
// window so retried network calls do not double-apply.
type IdempotencyStore interface {
	// Remember returns the stored response for key if seen within the
	// retention window.
	Remember(ctx context.Context, key string) ([]byte, bool, error)

	// Record stores the response for key. Last write wins; callers serialize
	// per key by construction (same caller retries the same request).
	Record(ctx context.Context, key string, response []byte) error
}

// RateQuery is the advisory read the risk component consumes. It must never
// block or serialize with session mutation.
type RateQuery interface {
	// SpendInWindow sums spend deltas for the payer/merchant pair with
	// timestamps in [now-window, now]. The view is eventually consistent.
	SpendInWindow(payer, merchant domain.Address, window time.Duration) domain.Amount
}
