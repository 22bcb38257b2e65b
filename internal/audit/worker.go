package audit

import (
	"context"

	"spendvault/internal/ledger/models"
)

// Sink consumes fanned-out audit events. Implementations must not block for
// long: the worker is shared across sinks.
type Sink interface {
	Consume(ctx context.Context, event models.AuditEvent)
}

// Worker drains the publisher's fan-out channel into the registered sinks.
// It keeps background processing testable without wiring queue
// implementations into the session manager.
type Worker struct {
	inbox <-chan models.AuditEvent
	sinks []Sink
}

// NewWorker creates a worker over the given channel and sinks.
func NewWorker(inbox <-chan models.AuditEvent, sinks ...Sink) *Worker {
	return &Worker{inbox: inbox, sinks: sinks}
}

// Run consumes until the context is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event := <-w.inbox:
			for _, sink := range w.sinks {
				sink.Consume(ctx, event)
			}
		}
	}
}
