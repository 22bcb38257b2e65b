package ratemon

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"spendvault/internal/ledger/models"
	"spendvault/pkg/domain"
)

type MonitorSuite struct {
	suite.Suite
	monitor *Monitor
	clock   time.Time
}

func TestMonitorSuite(t *testing.T) {
	suite.Run(t, new(MonitorSuite))
}

func (s *MonitorSuite) SetupTest() {
	s.clock = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	s.monitor = New(time.Hour)
	s.monitor.now = func() time.Time { return s.clock }
}

func (s *MonitorSuite) spend(payer, merchant domain.Address, v uint64, at time.Time) {
	s.monitor.Consume(context.Background(), models.AuditEvent{
		Kind:     models.EventSpendAdded,
		Amount:   domain.AmountFromUint64(v),
		Payer:    payer,
		Merchant: merchant,
		At:       at,
	})
}

func (s *MonitorSuite) TestSpendInWindow() {
	s.Run("sums only samples inside the window", func() {
		s.spend("p1", "m1", 10, s.clock.Add(-50*time.Minute))
		s.spend("p1", "m1", 20, s.clock.Add(-10*time.Minute))
		s.spend("p1", "m1", 5, s.clock.Add(-time.Minute))

		got := s.monitor.SpendInWindow("p1", "m1", 15*time.Minute)
		s.Equal("25", got.String())
	})

	s.Run("windows are scoped per payer and merchant pair", func() {
		s.spend("p2", "m1", 7, s.clock.Add(-time.Minute))
		s.spend("p2", "m2", 9, s.clock.Add(-time.Minute))

		s.Equal("7", s.monitor.SpendInWindow("p2", "m1", time.Hour).String())
		s.Equal("9", s.monitor.SpendInWindow("p2", "m2", time.Hour).String())
		s.True(s.monitor.SpendInWindow("p2", "m3", time.Hour).IsZero())
	})

	s.Run("window wider than retention is truncated", func() {
		s.spend("p3", "m1", 4, s.clock.Add(-59*time.Minute))
		got := s.monitor.SpendInWindow("p3", "m1", 24*time.Hour)
		s.Equal("4", got.String())
	})

	s.Run("unknown pair reads zero", func() {
		s.True(s.monitor.SpendInWindow("nobody", "nowhere", time.Hour).IsZero())
	})
}

func (s *MonitorSuite) TestConsumeIgnoresNonSpendEvents() {
	for _, kind := range []models.EventKind{
		models.EventOpened, models.EventSettleRequested, models.EventSettled,
		models.EventCancelled, models.EventExpired,
	} {
		s.monitor.Consume(context.Background(), models.AuditEvent{
			Kind:     kind,
			Amount:   domain.AmountFromUint64(100),
			Payer:    "p1",
			Merchant: "m1",
			At:       s.clock,
		})
	}
	s.True(s.monitor.SpendInWindow("p1", "m1", time.Hour).IsZero())
}

func (s *MonitorSuite) TestRebuild() {
	s.spend("p1", "m1", 50, s.clock.Add(-time.Minute))

	events := []models.AuditEvent{
		{Kind: models.EventSpendAdded, Amount: domain.AmountFromUint64(11), Payer: "p1", Merchant: "m1", At: s.clock.Add(-5 * time.Minute)},
		{Kind: models.EventSpendAdded, Amount: domain.AmountFromUint64(13), Payer: "p1", Merchant: "m1", At: s.clock.Add(-2 * time.Hour)}, // outside retention
		{Kind: models.EventSettled, Amount: domain.AmountFromUint64(99), Payer: "p1", Merchant: "m1", At: s.clock},
	}
	s.monitor.Rebuild(events)

	// Rebuild replaces prior state entirely.
	s.Equal("11", s.monitor.SpendInWindow("p1", "m1", time.Hour).String())
}

func (s *MonitorSuite) TestCompact() {
	s.spend("p1", "m1", 3, s.clock.Add(-2*time.Hour))
	s.spend("p1", "m1", 8, s.clock.Add(-time.Minute))
	s.spend("p9", "m9", 1, s.clock.Add(-3*time.Hour))

	s.monitor.Compact()

	s.Equal("8", s.monitor.SpendInWindow("p1", "m1", time.Hour).String())
	s.monitor.mu.RLock()
	defer s.monitor.mu.RUnlock()
	s.Len(s.monitor.windows, 1)
	s.Len(s.monitor.windows["p1|m1"].samples, 1)
}

func TestRiskService(t *testing.T) {
	monitor := New(time.Hour)
	svc := NewRiskService(monitor, domain.AmountFromUint64(600))

	if got := svc.CeilingPerMinute().String(); got != "600" {
		t.Fatalf("ceiling = %s, want 600", got)
	}
	if !svc.SpendInWindow("p", "m", time.Minute).IsZero() {
		t.Fatal("expected zero spend for empty monitor")
	}
}
