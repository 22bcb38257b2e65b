//go:build integration

package service_test

import (
	"context"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/suite"

	"spendvault/internal/audit"
	"spendvault/internal/ledger/models"
	"spendvault/internal/ledger/service"
	"spendvault/internal/ledger/store/postgres"
	"spendvault/internal/settlement"
	"spendvault/pkg/domain"
	dErrors "spendvault/pkg/domain-errors"
	"spendvault/pkg/testutil/containers"
)

// End-to-end over a real database: the in-memory suites prove the logic, this
// one proves the optimistic concurrency protocol holds against postgres.

type ServicePostgresSuite struct {
	suite.Suite
	pg      *containers.PostgresContainer
	store   *postgres.Store
	service *service.Service
}

func TestServicePostgresSuite(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	suite.Run(t, new(ServicePostgresSuite))
}

func (s *ServicePostgresSuite) SetupSuite() {
	s.pg = containers.GetManager().GetPostgres(s.T())
	s.store = postgres.New(s.pg.DB)
	s.Require().NoError(s.store.Migrate(context.Background()))

	publisher := audit.NewPublisher(s.store)
	dispatcher := settlement.New(settlement.NoopRail{})

	var err error
	s.service, err = service.New(s.store, publisher, dispatcher, service.WithCASRetries(400))
	s.Require().NoError(err)
}

func (s *ServicePostgresSuite) TestConcurrentSpendsAgainstAllowance() {
	ctx := context.Background()
	id := domain.SessionID("pg-svc-" + uuid.NewString())
	_, err := s.service.Open(ctx, id, "payer-1", "merchant-1", domain.AmountFromUint64(50))
	s.Require().NoError(err)

	const workers = 100
	var wg sync.WaitGroup
	var mu sync.Mutex
	accepted, overAllowance := 0, 0
	for range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.service.AddSpend(ctx, id, domain.AmountFromUint64(1), "")
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				accepted++
			case dErrors.HasCode(err, dErrors.CodeAllowanceExceeded):
				overAllowance++
			}
		}()
	}
	wg.Wait()

	s.Equal(50, accepted)
	s.Equal(50, overAllowance)

	record, err := s.service.Status(ctx, id)
	s.Require().NoError(err)
	s.Equal("50", record.Spent.String())

	trail, err := s.service.AuditTrail(ctx, id)
	s.Require().NoError(err)
	s.Len(trail, 51)

	replayed, err := models.Replay(trail)
	s.Require().NoError(err)
	s.Equal("50", replayed.Spent.String())
}

func (s *ServicePostgresSuite) TestSettleLifecycle() {
	ctx := context.Background()
	id := domain.SessionID("pg-settle-" + uuid.NewString())
	_, err := s.service.Open(ctx, id, "payer-1", "merchant-1", domain.AmountFromUint64(100))
	s.Require().NoError(err)
	_, err = s.service.AddSpend(ctx, id, domain.AmountFromUint64(60), "")
	s.Require().NoError(err)

	result, err := s.service.Settle(ctx, id)
	s.Require().NoError(err)
	s.Equal(models.StateSettled, result.State)
	s.Equal("60", result.SettlementAmount.String())

	// Idempotent re-settle.
	again, err := s.service.Settle(ctx, id)
	s.Require().NoError(err)
	s.Equal("60", again.SettlementAmount.String())

	record, err := s.service.Status(ctx, id)
	s.Require().NoError(err)
	s.NotEmpty(record.RailReference)
	s.NotNil(record.SettledAt)
}
