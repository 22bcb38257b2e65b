// Package settlement turns a frozen spend value into an idempotent payment
// instruction and classifies what the external rail did with it. It never
// decides session state on its own: the session manager owns the record and
// only finalizes Settled on a Confirmed outcome.
package settlement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"spendvault/internal/ledger/models"
	"spendvault/internal/platform/metrics"
	"spendvault/pkg/domain"
	"spendvault/pkg/platform/circuit"
)

// instructionSpace namespaces deterministic instruction ids. Re-dispatching
// the same session always produces the same id so the rail can deduplicate.
var instructionSpace = uuid.MustParse("60e18ef6-0d57-4d3c-9f9f-5ac22a9f35da")

// Instruction is the settlement order handed to the payment rail.
type Instruction struct {
	ID       string        `json:"id"`
	Session  string        `json:"session_id"`
	Payer    string        `json:"payer"`
	Merchant string        `json:"merchant"`
	Amount   domain.Amount `json:"amount"`
}

// Receipt is the rail's acknowledgement of a confirmed transfer.
type Receipt struct {
	Reference string
}

// OutcomeClass classifies a dispatch result.
type OutcomeClass string

const (
	// OutcomeConfirmed: the rail executed the transfer; the session may
	// finalize as Settled.
	OutcomeConfirmed OutcomeClass = "confirmed"
	// OutcomePending: undecided (timeout, transport failure, open breaker).
	// The rail may have acted; the session stays Settling and settle may be
	// re-invoked.
	OutcomePending OutcomeClass = "pending"
	// OutcomeFailed: the rail answered but refused without executing the
	// transfer. Retryable; the session reopens.
	OutcomeFailed OutcomeClass = "failed"
	// OutcomeRejected: the rail refused permanently; the session cancels.
	OutcomeRejected OutcomeClass = "rejected"
)

// Outcome is the classified result of one dispatch.
type Outcome struct {
	Class     OutcomeClass
	Reference string
	Reason    string
}

// RailError is returned by PaymentRail implementations to signal whether a
// failure is permanent. Errors that are not RailError are treated as
// transient.
type RailError struct {
	Permanent bool
	Msg       string
}

func (e *RailError) Error() string { return e.Msg }

// PaymentRail executes transfers. It is an external collaborator; the ledger
// core only records what it reports.
type PaymentRail interface {
	Transfer(ctx context.Context, instruction Instruction) (Receipt, error)
}

// Dispatcher drives rail calls with a timeout and a circuit breaker.
type Dispatcher struct {
	rail    PaymentRail
	breaker *circuit.Breaker
	timeout time.Duration
	metrics *metrics.Metrics
	logger  *slog.Logger
	tracer  trace.Tracer
}

// Option configures the Dispatcher.
type Option func(*Dispatcher)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(d *Dispatcher) { d.logger = logger }
}

// WithMetrics sets the metrics collector.
func WithMetrics(m *metrics.Metrics) Option {
	return func(d *Dispatcher) { d.metrics = m }
}

// WithTimeout bounds each rail call. Overruns classify as Pending, never as
// Rejected: an ambiguous transfer must stay retry-reconcilable.
func WithTimeout(timeout time.Duration) Option {
	return func(d *Dispatcher) {
		if timeout > 0 {
			d.timeout = timeout
		}
	}
}

// New creates a dispatcher over the given rail.
func New(rail PaymentRail, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		rail:    rail,
		breaker: circuit.New("payment-rail"),
		timeout: 10 * time.Second,
		tracer:  otel.Tracer("spendvault/settlement"),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// InstructionID returns the deterministic instruction id for a session.
func InstructionID(id domain.SessionID) string {
	return uuid.NewSHA1(instructionSpace, []byte(id)).String()
}

// Dispatch sends the settlement instruction for the session and classifies
// the result. The session must already carry its frozen settlement amount.
func (d *Dispatcher) Dispatch(ctx context.Context, session *models.Session) Outcome {
	ctx, span := d.tracer.Start(ctx, "settlement.dispatch")
	defer span.End()

	if session.SettlementAmount == nil {
		return Outcome{Class: OutcomeRejected, Reason: "no settlement amount frozen"}
	}

	if d.breaker.IsOpen() {
		return d.record(ctx, session, Outcome{
			Class:  OutcomePending,
			Reason: "payment rail circuit open",
		})
	}

	instruction := Instruction{
		ID:       InstructionID(session.ID),
		Session:  session.ID.String(),
		Payer:    session.Payer.String(),
		Merchant: session.Merchant.String(),
		Amount:   *session.SettlementAmount,
	}

	callCtx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	start := time.Now()
	receipt, err := d.rail.Transfer(callCtx, instruction)
	if d.metrics != nil {
		d.metrics.DispatchSeconds.Observe(time.Since(start).Seconds())
	}

	return d.record(ctx, session, d.classify(receipt, err))
}

func (d *Dispatcher) classify(receipt Receipt, err error) Outcome {
	if err == nil {
		d.breaker.RecordSuccess()
		return Outcome{Class: OutcomeConfirmed, Reference: receipt.Reference}
	}

	var railErr *RailError
	if errors.As(err, &railErr) {
		// Either refusal is a decided answer from a healthy rail: no
		// transfer happened. Permanent cancels, the rest may retry.
		d.breaker.RecordSuccess()
		if railErr.Permanent {
			return Outcome{Class: OutcomeRejected, Reason: railErr.Msg}
		}
		return Outcome{Class: OutcomeFailed, Reason: railErr.Msg}
	}

	if _, change := d.breaker.RecordFailure(); change.Opened && d.logger != nil {
		d.logger.Warn("payment rail circuit opened", "error", err)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return Outcome{Class: OutcomePending, Reason: "rail dispatch timed out"}
	}
	return Outcome{Class: OutcomePending, Reason: fmt.Sprintf("transient rail failure: %v", err)}
}

func (d *Dispatcher) record(ctx context.Context, session *models.Session, outcome Outcome) Outcome {
	if d.metrics != nil {
		d.metrics.SettlementOutcomes.WithLabelValues(string(outcome.Class)).Inc()
	}
	if d.logger != nil {
		d.logger.InfoContext(ctx, "settlement dispatched",
			"session_id", session.ID,
			"outcome", outcome.Class,
			"reason", outcome.Reason,
		)
	}
	return outcome
}
