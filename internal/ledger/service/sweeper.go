package service

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"spendvault/internal/ledger/models"
	"spendvault/internal/ledger/ports"
	"spendvault/internal/platform/metrics"
	"spendvault/pkg/domain"
	"spendvault/pkg/platform/sentinel"
)

// Sweeper expires Open sessions whose last activity is older than the TTL.
// It uses the same compare-and-swap discipline as every other mutation, so
// it is stateless, idempotent, and safe to run on every service instance at
// once: a sweep that loses a swap simply means the session saw activity (or
// another sweeper got there first) and is skipped.
type Sweeper struct {
	store    ports.LedgerStore
	auditor  ports.AuditPublisher
	ttl      time.Duration
	interval time.Duration
	metrics  *metrics.Metrics
	logger   *slog.Logger
	now      func() time.Time
}

// SweeperOption configures the Sweeper.
type SweeperOption func(*Sweeper)

// WithSweeperLogger sets the logger.
func WithSweeperLogger(logger *slog.Logger) SweeperOption {
	return func(s *Sweeper) { s.logger = logger }
}

// WithSweeperMetrics sets the metrics collector.
func WithSweeperMetrics(m *metrics.Metrics) SweeperOption {
	return func(s *Sweeper) { s.metrics = m }
}

// WithSweeperClock overrides time.Now for tests.
func WithSweeperClock(now func() time.Time) SweeperOption {
	return func(s *Sweeper) { s.now = now }
}

// NewSweeper creates a sweeper with the given idle TTL and run interval.
func NewSweeper(store ports.LedgerStore, auditor ports.AuditPublisher, ttl, interval time.Duration, opts ...SweeperOption) *Sweeper {
	s := &Sweeper{
		store:    store,
		auditor:  auditor,
		ttl:      ttl,
		interval: interval,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run sweeps on the configured interval until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := s.SweepOnce(ctx); err != nil && s.logger != nil {
				s.logger.WarnContext(ctx, "ttl sweep failed", "error", err)
			}
		}
	}
}

// SweepOnce expires all currently idle sessions and returns how many it
// transitioned.
func (s *Sweeper) SweepOnce(ctx context.Context) (int, error) {
	cutoff := s.now().Add(-s.ttl)
	idle, err := s.store.OpenSessionsIdleSince(ctx, cutoff)
	if err != nil {
		return 0, err
	}

	expired := 0
	for _, record := range idle {
		next := record.Clone()
		next.State = models.StateExpired
		next.LastActivityAt = s.now()

		event := &models.AuditEvent{
			ID:        uuid.New(),
			SessionID: record.ID,
			Kind:      models.EventExpired,
			Amount:    domain.ZeroAmount(),
			Payer:     record.Payer,
			Merchant:  record.Merchant,
			At:        s.now(),
		}
		err := s.store.CompareAndSwap(ctx, record.ID, record.Version, next, event)
		if errors.Is(err, sentinel.ErrVersionConflict) || errors.Is(err, sentinel.ErrNotFound) {
			continue
		}
		if err != nil {
			return expired, err
		}
		s.auditor.Forward(ctx, event)

		expired++
		if s.metrics != nil {
			s.metrics.SessionsExpired.Inc()
		}
		if s.logger != nil {
			s.logger.InfoContext(ctx, "session expired by ttl sweep",
				"session_id", record.ID, "idle_since", record.LastActivityAt)
		}
	}
	return expired, nil
}
