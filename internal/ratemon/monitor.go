// Package ratemon maintains a sliding-window view of spend velocity per
// payer/merchant pair, derived from the audit trail. It holds only derived,
// recomputable state and never serializes with session mutation: events
// arrive asynchronously via the audit fan-out, so reads are eventually
// consistent by a bounded lag. That staleness is deliberate; the window only
// feeds advisory risk decisions.
package ratemon

import (
	"context"
	"sync"
	"time"

	"spendvault/internal/ledger/models"
	"spendvault/pkg/domain"
)

type sample struct {
	at     time.Time
	amount domain.Amount
}

// spendWindow tracks spend samples for one payer/merchant pair, oldest first.
type spendWindow struct {
	samples []sample
}

func (w *spendWindow) cleanup(cutoff time.Time) {
	i := 0
	for ; i < len(w.samples); i++ {
		if w.samples[i].at.After(cutoff) {
			break
		}
	}
	w.samples = w.samples[i:]
}

// Monitor aggregates spend deltas per payer/merchant pair.
type Monitor struct {
	mu        sync.RWMutex
	windows   map[string]*spendWindow
	maxWindow time.Duration
	now       func() time.Time
}

// New creates a monitor retaining samples for at most maxWindow.
func New(maxWindow time.Duration) *Monitor {
	return &Monitor{
		windows:   make(map[string]*spendWindow),
		maxWindow: maxWindow,
		now:       time.Now,
	}
}

func key(payer, merchant domain.Address) string {
	return payer.String() + "|" + merchant.String()
}

// Consume implements audit.Sink. Only spend deltas feed the windows.
func (m *Monitor) Consume(_ context.Context, event models.AuditEvent) {
	if event.Kind != models.EventSpendAdded {
		return
	}
	m.observe(event.Payer, event.Merchant, event.Amount, event.At)
}

func (m *Monitor) observe(payer, merchant domain.Address, amount domain.Amount, at time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := key(payer, merchant)
	w := m.windows[k]
	if w == nil {
		w = &spendWindow{}
		m.windows[k] = w
	}
	w.cleanup(m.now().Add(-m.maxWindow))
	w.samples = append(w.samples, sample{at: at, amount: amount})
}

// SpendInWindow sums deltas for the pair with timestamps in [now-window, now].
// Windows wider than the retention cap are truncated to it.
func (m *Monitor) SpendInWindow(payer, merchant domain.Address, window time.Duration) domain.Amount {
	if window > m.maxWindow {
		window = m.maxWindow
	}
	cutoff := m.now().Add(-window)

	m.mu.RLock()
	defer m.mu.RUnlock()
	total := domain.ZeroAmount()
	w := m.windows[key(payer, merchant)]
	if w == nil {
		return total
	}
	for _, s := range w.samples {
		if s.at.After(cutoff) {
			total = total.Add(s.amount)
		}
	}
	return total
}

// Rebuild replaces the monitor's state from stored spend events, used at
// startup so a restarted instance answers rate queries immediately.
func (m *Monitor) Rebuild(events []models.AuditEvent) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.windows = make(map[string]*spendWindow)
	cutoff := m.now().Add(-m.maxWindow)
	for _, ev := range events {
		if ev.Kind != models.EventSpendAdded || !ev.At.After(cutoff) {
			continue
		}
		k := key(ev.Payer, ev.Merchant)
		w := m.windows[k]
		if w == nil {
			w = &spendWindow{}
			m.windows[k] = w
		}
		w.samples = append(w.samples, sample{at: ev.At, amount: ev.Amount})
	}
}

// Compact drops expired samples and empty windows. Run periodically; reads
// already ignore expired samples, this just bounds memory.
func (m *Monitor) Compact() {
	m.mu.Lock()
	defer m.mu.Unlock()
	cutoff := m.now().Add(-m.maxWindow)
	for k, w := range m.windows {
		w.cleanup(cutoff)
		if len(w.samples) == 0 {
			delete(m.windows, k)
		}
	}
}

// RunCompaction compacts on the given interval until ctx is cancelled.
func (m *Monitor) RunCompaction(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			m.Compact()
		}
	}
}
