// Package audit persists session audit events and fans them out to
// asynchronous consumers. The trail in the ledger store is the source of
// truth; fan-out (rate monitor, kafka) is advisory and lossy by design.
package audit

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"spendvault/internal/ledger/models"
	"spendvault/internal/ledger/ports"
)

// Publisher appends events to the durable trail and offers a copy to the
// fan-out channel. Emit returns an error only when the durable append fails;
// a full fan-out buffer drops the copy rather than blocking the session
// manager's hot path.
type Publisher struct {
	store  ports.LedgerStore
	outbox chan models.AuditEvent
	logger *slog.Logger
}

// Option configures the Publisher.
type Option func(*Publisher)

// WithLogger sets a logger for drop warnings.
func WithLogger(logger *slog.Logger) Option {
	return func(p *Publisher) {
		p.logger = logger
	}
}

// WithBuffer sets the fan-out channel capacity.
func WithBuffer(n int) Option {
	return func(p *Publisher) {
		if n > 0 {
			p.outbox = make(chan models.AuditEvent, n)
		}
	}
}

// NewPublisher creates a publisher writing to the given store.
func NewPublisher(store ports.LedgerStore, opts ...Option) *Publisher {
	p := &Publisher{
		store:  store,
		outbox: make(chan models.AuditEvent, 1024),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Events exposes the fan-out channel for the worker.
func (p *Publisher) Events() <-chan models.AuditEvent {
	return p.outbox
}

func (p *Publisher) Emit(ctx context.Context, event *models.AuditEvent) error {
	if event.ID == uuid.Nil {
		event.ID = uuid.New()
	}
	if event.At.IsZero() {
		event.At = time.Now()
	}
	if err := p.store.AppendAudit(ctx, event); err != nil {
		return err
	}
	p.Forward(ctx, event)
	return nil
}

// Forward offers a copy of an already-persisted event to the fan-out
// channel. Used for events the store appended atomically with their
// mutation; the durable write already happened, so there is nothing to fail.
func (p *Publisher) Forward(ctx context.Context, event *models.AuditEvent) {
	select {
	case p.outbox <- *event:
	default:
		if p.logger != nil {
			p.logger.WarnContext(ctx, "audit fan-out buffer full, dropping copy",
				"session_id", event.SessionID, "kind", event.Kind)
		}
	}
}
