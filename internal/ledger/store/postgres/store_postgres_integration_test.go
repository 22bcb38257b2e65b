//go:build integration

package postgres_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/suite"

	"spendvault/internal/ledger/models"
	"spendvault/internal/ledger/store/postgres"
	"spendvault/pkg/domain"
	"spendvault/pkg/platform/sentinel"
	"spendvault/pkg/testutil/containers"
)

type PostgresStoreSuite struct {
	suite.Suite
	postgres *containers.PostgresContainer
	store    *postgres.Store
}

func TestPostgresStoreSuite(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	suite.Run(t, new(PostgresStoreSuite))
}

func (s *PostgresStoreSuite) SetupSuite() {
	mgr := containers.GetManager()
	s.postgres = mgr.GetPostgres(s.T())
	s.store = postgres.New(s.postgres.DB)
	s.Require().NoError(s.store.Migrate(context.Background()))
}

func (s *PostgresStoreSuite) SetupTest() {
	err := s.postgres.TruncateTables(context.Background(), "session_audit", "sessions")
	s.Require().NoError(err)
}

func newSession(id string) *models.Session {
	now := time.Now().UTC().Truncate(time.Microsecond)
	return &models.Session{
		ID:             domain.SessionID(id),
		Payer:          "payer-1",
		Merchant:       "merchant-1",
		Allowance:      domain.AmountFromUint64(100),
		Spent:          domain.ZeroAmount(),
		State:          models.StateOpen,
		CreatedAt:      now,
		LastActivityAt: now,
	}
}

func (s *PostgresStoreSuite) TestCreateAndGet() {
	ctx := context.Background()

	s.Require().NoError(s.store.Create(ctx, newSession("pg-1"), nil))

	record, err := s.store.Get(ctx, "pg-1")
	s.Require().NoError(err)
	s.Equal(domain.SessionID("pg-1"), record.ID)
	s.Equal(models.StateOpen, record.State)
	s.Equal(uint64(1), record.Version)
	s.Nil(record.SettledAt)
	s.Nil(record.SettlementAmount)

	s.Run("duplicate create conflicts", func() {
		err := s.store.Create(ctx, newSession("pg-1"), nil)
		s.ErrorIs(err, sentinel.ErrConflict)
	})

	s.Run("unknown id not found", func() {
		_, err := s.store.Get(ctx, "pg-missing")
		s.ErrorIs(err, sentinel.ErrNotFound)
	})
}

func (s *PostgresStoreSuite) TestAmountsSurviveWeiScale() {
	ctx := context.Background()

	record := newSession("pg-wei")
	allowance, err := domain.ParseAmount("115792089237316195423570985008687907853269984665640564039457584007913129639935")
	s.Require().NoError(err)
	record.Allowance = allowance
	s.Require().NoError(s.store.Create(ctx, record, nil))

	stored, err := s.store.Get(ctx, "pg-wei")
	s.Require().NoError(err)
	s.Equal(0, stored.Allowance.Cmp(allowance))
}

func (s *PostgresStoreSuite) TestCompareAndSwap() {
	ctx := context.Background()

	s.Run("matching version commits", func() {
		s.Require().NoError(s.store.Create(ctx, newSession("pg-cas"), nil))
		record, err := s.store.Get(ctx, "pg-cas")
		s.Require().NoError(err)

		next := record.Clone()
		next.Spent = domain.AmountFromUint64(10)
		s.Require().NoError(s.store.CompareAndSwap(ctx, "pg-cas", record.Version, next, nil))

		stored, err := s.store.Get(ctx, "pg-cas")
		s.Require().NoError(err)
		s.Equal(uint64(2), stored.Version)
		s.Equal("10", stored.Spent.String())
	})

	s.Run("stale version conflicts", func() {
		s.Require().NoError(s.store.Create(ctx, newSession("pg-cas-stale"), nil))
		record, err := s.store.Get(ctx, "pg-cas-stale")
		s.Require().NoError(err)

		next := record.Clone()
		next.Spent = domain.AmountFromUint64(5)
		s.Require().NoError(s.store.CompareAndSwap(ctx, "pg-cas-stale", record.Version, next, nil))

		err = s.store.CompareAndSwap(ctx, "pg-cas-stale", record.Version, next, nil)
		s.ErrorIs(err, sentinel.ErrVersionConflict)
	})

	s.Run("unknown id not found", func() {
		err := s.store.CompareAndSwap(ctx, "pg-cas-missing", 1, newSession("pg-cas-missing"), nil)
		s.ErrorIs(err, sentinel.ErrNotFound)
	})

	s.Run("event commits with the swap, lost swap appends nothing", func() {
		s.Require().NoError(s.store.Create(ctx, newSession("pg-cas-ev"), nil))
		record, err := s.store.Get(ctx, "pg-cas-ev")
		s.Require().NoError(err)

		next := record.Clone()
		next.Spent = domain.AmountFromUint64(10)
		event := &models.AuditEvent{
			ID:        uuid.New(),
			SessionID: "pg-cas-ev",
			Kind:      models.EventSpendAdded,
			Amount:    domain.AmountFromUint64(10),
			Payer:     "payer-1",
			Merchant:  "merchant-1",
			At:        time.Now().UTC(),
		}
		s.Require().NoError(s.store.CompareAndSwap(ctx, "pg-cas-ev", record.Version, next, event))
		s.Equal(uint64(1), event.Seq)

		stale := &models.AuditEvent{
			ID:        uuid.New(),
			SessionID: "pg-cas-ev",
			Kind:      models.EventSpendAdded,
			Amount:    domain.AmountFromUint64(7),
			Payer:     "payer-1",
			Merchant:  "merchant-1",
			At:        time.Now().UTC(),
		}
		err = s.store.CompareAndSwap(ctx, "pg-cas-ev", record.Version, next, stale)
		s.ErrorIs(err, sentinel.ErrVersionConflict)

		trail, err := s.store.AuditTrail(ctx, "pg-cas-ev")
		s.Require().NoError(err)
		s.Require().Len(trail, 1)
		s.Equal(models.EventSpendAdded, trail[0].Kind)
	})

	s.Run("terminal fields persist through the swap", func() {
		s.Require().NoError(s.store.Create(ctx, newSession("pg-cas-settle"), nil))
		record, err := s.store.Get(ctx, "pg-cas-settle")
		s.Require().NoError(err)

		next := record.Clone()
		next.State = models.StateSettled
		frozen := domain.AmountFromUint64(40)
		next.SettlementAmount = &frozen
		next.SettlementID = uuid.NewString()
		next.RailReference = "tx-123"
		settledAt := time.Now().UTC().Truncate(time.Microsecond)
		next.SettledAt = &settledAt
		s.Require().NoError(s.store.CompareAndSwap(ctx, "pg-cas-settle", record.Version, next, nil))

		stored, err := s.store.Get(ctx, "pg-cas-settle")
		s.Require().NoError(err)
		s.Equal(models.StateSettled, stored.State)
		s.Require().NotNil(stored.SettlementAmount)
		s.Equal("40", stored.SettlementAmount.String())
		s.Equal("tx-123", stored.RailReference)
		s.Require().NotNil(stored.SettledAt)
		s.WithinDuration(settledAt, *stored.SettledAt, time.Millisecond)
	})
}

// Concurrent writers racing one version: the database must admit exactly one.
func (s *PostgresStoreSuite) TestCompareAndSwapConcurrency() {
	ctx := context.Background()
	s.Require().NoError(s.store.Create(ctx, newSession("pg-race"), nil))
	record, err := s.store.Get(ctx, "pg-race")
	s.Require().NoError(err)

	const writers = 20
	var wg sync.WaitGroup
	var wins, conflicts atomic.Int32
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			next := record.Clone()
			next.Spent = domain.AmountFromUint64(uint64(i + 1))
			err := s.store.CompareAndSwap(ctx, "pg-race", record.Version, next, nil)
			switch {
			case err == nil:
				wins.Add(1)
			case errors.Is(err, sentinel.ErrVersionConflict):
				conflicts.Add(1)
			}
		}(i)
	}
	wg.Wait()

	s.Equal(int32(1), wins.Load(), "exactly one swap should win")
	s.Equal(int32(writers-1), conflicts.Load())

	stored, err := s.store.Get(ctx, "pg-race")
	s.Require().NoError(err)
	s.Equal(uint64(2), stored.Version)
}

func (s *PostgresStoreSuite) TestAuditTrail() {
	ctx := context.Background()
	s.Require().NoError(s.store.Create(ctx, newSession("pg-audit"), nil))

	for i, kind := range []models.EventKind{models.EventOpened, models.EventSpendAdded, models.EventSpendAdded} {
		event := &models.AuditEvent{
			ID:        uuid.New(),
			SessionID: "pg-audit",
			Kind:      kind,
			Amount:    domain.AmountFromUint64(uint64(i)),
			Payer:     "payer-1",
			Merchant:  "merchant-1",
			At:        time.Now().UTC(),
		}
		s.Require().NoError(s.store.AppendAudit(ctx, event))
		s.Equal(uint64(i+1), event.Seq, "store assigns contiguous seq")
	}

	trail, err := s.store.AuditTrail(ctx, "pg-audit")
	s.Require().NoError(err)
	s.Require().Len(trail, 3)
	for i, ev := range trail {
		s.Equal(uint64(i+1), ev.Seq)
	}
	s.Equal(models.EventOpened, trail[0].Kind)
}

func (s *PostgresStoreSuite) TestOpenSessionsIdleSince() {
	ctx := context.Background()
	now := time.Now().UTC()

	idle := newSession("pg-idle")
	idle.LastActivityAt = now.Add(-2 * time.Hour)
	s.Require().NoError(s.store.Create(ctx, idle, nil))

	fresh := newSession("pg-fresh")
	s.Require().NoError(s.store.Create(ctx, fresh, nil))

	closed := newSession("pg-closed")
	closed.LastActivityAt = now.Add(-2 * time.Hour)
	s.Require().NoError(s.store.Create(ctx, closed, nil))
	record, err := s.store.Get(ctx, "pg-closed")
	s.Require().NoError(err)
	next := record.Clone()
	next.State = models.StateCancelled
	s.Require().NoError(s.store.CompareAndSwap(ctx, "pg-closed", record.Version, next, nil))

	got, err := s.store.OpenSessionsIdleSince(ctx, now.Add(-time.Hour))
	s.Require().NoError(err)
	s.Require().Len(got, 1)
	s.Equal(domain.SessionID("pg-idle"), got[0].ID)
}

func (s *PostgresStoreSuite) TestSpendEventsSince() {
	ctx := context.Background()
	now := time.Now().UTC()
	s.Require().NoError(s.store.Create(ctx, newSession("pg-spendev"), nil))

	add := func(kind models.EventKind, at time.Time) {
		s.Require().NoError(s.store.AppendAudit(ctx, &models.AuditEvent{
			ID: uuid.New(), SessionID: "pg-spendev", Kind: kind,
			Amount: domain.AmountFromUint64(1), Payer: "payer-1", Merchant: "merchant-1", At: at,
		}))
	}
	add(models.EventOpened, now.Add(-3*time.Hour))
	add(models.EventSpendAdded, now.Add(-2*time.Hour))
	add(models.EventSpendAdded, now.Add(-10*time.Minute))

	events, err := s.store.SpendEventsSince(ctx, now.Add(-time.Hour))
	s.Require().NoError(err)
	s.Require().Len(events, 1)
	s.Equal(models.EventSpendAdded, events[0].Kind)
}
