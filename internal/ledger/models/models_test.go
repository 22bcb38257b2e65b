package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"spendvault/pkg/domain"
)

func TestSessionStateTerminal(t *testing.T) {
	assert.False(t, StateOpen.Terminal())
	assert.False(t, StateSettling.Terminal())
	assert.True(t, StateSettled.Terminal())
	assert.True(t, StateCancelled.Terminal())
	assert.True(t, StateExpired.Terminal())
}

func TestSessionClone(t *testing.T) {
	settledAt := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	frozen := domain.AmountFromUint64(40)
	original := &Session{
		ID:               "clone-1",
		State:            StateSettled,
		SettledAt:        &settledAt,
		SettlementAmount: &frozen,
	}

	cp := original.Clone()
	cp.State = StateOpen
	*cp.SettledAt = settledAt.Add(time.Hour)
	*cp.SettlementAmount = domain.AmountFromUint64(99)

	assert.Equal(t, StateSettled, original.State)
	assert.Equal(t, settledAt, *original.SettledAt)
	assert.Equal(t, "40", original.SettlementAmount.String())
}

func trailEvent(id domain.SessionID, seq uint64, kind EventKind, amount uint64, at time.Time) AuditEvent {
	return AuditEvent{
		SessionID: id,
		Seq:       seq,
		Kind:      kind,
		Amount:    domain.AmountFromUint64(amount),
		Payer:     "payer-1",
		Merchant:  "merchant-1",
		At:        at,
	}
}

func TestReplay(t *testing.T) {
	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	t.Run("settled lifecycle", func(t *testing.T) {
		events := []AuditEvent{
			trailEvent("r-1", 1, EventOpened, 100, base),
			trailEvent("r-1", 2, EventSpendAdded, 30, base.Add(time.Minute)),
			trailEvent("r-1", 3, EventSpendAdded, 20, base.Add(2*time.Minute)),
			trailEvent("r-1", 4, EventSettleRequested, 50, base.Add(3*time.Minute)),
			trailEvent("r-1", 5, EventSettled, 50, base.Add(4*time.Minute)),
		}

		s, err := Replay(events)
		require.NoError(t, err)
		assert.Equal(t, StateSettled, s.State)
		assert.Equal(t, "50", s.Spent.String())
		assert.Equal(t, "100", s.Allowance.String())
		require.NotNil(t, s.SettlementAmount)
		assert.Equal(t, "50", s.SettlementAmount.String())
		require.NotNil(t, s.SettledAt)
		assert.Equal(t, base.Add(4*time.Minute), *s.SettledAt)
	})

	t.Run("pending dispatch leaves settling", func(t *testing.T) {
		events := []AuditEvent{
			trailEvent("r-2", 1, EventOpened, 100, base),
			trailEvent("r-2", 2, EventSettleRequested, 0, base.Add(time.Minute)),
			trailEvent("r-2", 3, EventSettlePending, 0, base.Add(time.Minute)),
		}

		s, err := Replay(events)
		require.NoError(t, err)
		assert.Equal(t, StateSettling, s.State)
	})

	t.Run("settle failure reopens", func(t *testing.T) {
		events := []AuditEvent{
			trailEvent("r-3", 1, EventOpened, 100, base),
			trailEvent("r-3", 2, EventSettleRequested, 10, base.Add(time.Minute)),
			trailEvent("r-3", 3, EventSettleFailed, 0, base.Add(2*time.Minute)),
		}

		s, err := Replay(events)
		require.NoError(t, err)
		assert.Equal(t, StateOpen, s.State)
		assert.Nil(t, s.SettlementAmount)
	})

	t.Run("expired lifecycle", func(t *testing.T) {
		events := []AuditEvent{
			trailEvent("r-4", 1, EventOpened, 100, base),
			trailEvent("r-4", 2, EventSpendAdded, 5, base.Add(time.Minute)),
			trailEvent("r-4", 3, EventExpired, 0, base.Add(time.Hour)),
		}

		s, err := Replay(events)
		require.NoError(t, err)
		assert.Equal(t, StateExpired, s.State)
		assert.Equal(t, "5", s.Spent.String())
	})

	t.Run("empty trail is an error", func(t *testing.T) {
		_, err := Replay(nil)
		assert.Error(t, err)
	})

	t.Run("trail must start with opened", func(t *testing.T) {
		_, err := Replay([]AuditEvent{trailEvent("r-5", 1, EventSpendAdded, 5, base)})
		assert.Error(t, err)
	})

	t.Run("mixed sessions are an error", func(t *testing.T) {
		_, err := Replay([]AuditEvent{
			trailEvent("r-6", 1, EventOpened, 100, base),
			trailEvent("r-other", 2, EventSpendAdded, 5, base),
		})
		assert.Error(t, err)
	})

	t.Run("duplicate opened is an error", func(t *testing.T) {
		_, err := Replay([]AuditEvent{
			trailEvent("r-7", 1, EventOpened, 100, base),
			trailEvent("r-7", 2, EventOpened, 100, base),
		})
		assert.Error(t, err)
	})
}
