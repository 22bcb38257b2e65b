// Package memory provides the in-memory LedgerStore used by tests and
// single-node development. It honors the same error and versioning contract
// as the postgres store so services cannot tell them apart.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"spendvault/internal/ledger/models"
	"spendvault/pkg/domain"
	"spendvault/pkg/platform/sentinel"
)

type sessionSlot struct {
	record  *models.Session
	trail   []models.AuditEvent
	nextSeq uint64
}

// Store keeps versioned session records and audit trails in process memory.
type Store struct {
	mu    sync.RWMutex
	slots map[domain.SessionID]*sessionSlot
}

// New constructs an empty store.
func New() *Store {
	return &Store{slots: make(map[domain.SessionID]*sessionSlot)}
}

func (s *Store) Create(_ context.Context, session *models.Session, opened *models.AuditEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.slots[session.ID]; ok {
		return fmt.Errorf("session %s already exists: %w", session.ID, sentinel.ErrConflict)
	}
	record := session.Clone()
	record.Version = 1
	slot := &sessionSlot{record: record, nextSeq: 1}
	s.slots[session.ID] = slot
	if opened != nil {
		slot.append(opened)
	}
	return nil
}

func (s *Store) Get(_ context.Context, id domain.SessionID) (*models.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	slot, ok := s.slots[id]
	if !ok {
		return nil, fmt.Errorf("session %s: %w", id, sentinel.ErrNotFound)
	}
	return slot.record.Clone(), nil
}

// CompareAndSwap commits the record and, when given, its audit event under
// one mutex hold, so a committed mutation is never missing from the trail.
func (s *Store) CompareAndSwap(_ context.Context, id domain.SessionID, expectedVersion uint64, record *models.Session, event *models.AuditEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	slot, ok := s.slots[id]
	if !ok {
		return fmt.Errorf("session %s: %w", id, sentinel.ErrNotFound)
	}
	if slot.record.Version != expectedVersion {
		return fmt.Errorf("session %s at version %d, expected %d: %w",
			id, slot.record.Version, expectedVersion, sentinel.ErrVersionConflict)
	}
	next := record.Clone()
	next.Version = expectedVersion + 1
	slot.record = next
	if event != nil {
		slot.append(event)
	}
	return nil
}

func (s *Store) AppendAudit(_ context.Context, event *models.AuditEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	slot, ok := s.slots[event.SessionID]
	if !ok {
		return fmt.Errorf("session %s: %w", event.SessionID, sentinel.ErrNotFound)
	}
	slot.append(event)
	return nil
}

// append assigns the next sequence number and stores a copy. Callers hold
// the write lock.
func (slot *sessionSlot) append(event *models.AuditEvent) {
	ev := *event
	ev.Seq = slot.nextSeq
	slot.nextSeq++
	slot.trail = append(slot.trail, ev)
	event.Seq = ev.Seq
}

func (s *Store) AuditTrail(_ context.Context, id domain.SessionID) ([]models.AuditEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	slot, ok := s.slots[id]
	if !ok {
		return nil, fmt.Errorf("session %s: %w", id, sentinel.ErrNotFound)
	}
	return append([]models.AuditEvent{}, slot.trail...), nil
}

func (s *Store) OpenSessionsIdleSince(_ context.Context, cutoff time.Time) ([]*models.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var idle []*models.Session
	for _, slot := range s.slots {
		if slot.record.State == models.StateOpen && slot.record.LastActivityAt.Before(cutoff) {
			idle = append(idle, slot.record.Clone())
		}
	}
	sort.Slice(idle, func(i, j int) bool { return idle[i].ID < idle[j].ID })
	return idle, nil
}

func (s *Store) SpendEventsSince(_ context.Context, since time.Time) ([]models.AuditEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var events []models.AuditEvent
	for _, slot := range s.slots {
		for _, ev := range slot.trail {
			if ev.Kind == models.EventSpendAdded && !ev.At.Before(since) {
				events = append(events, ev)
			}
		}
	}
	return events, nil
}
