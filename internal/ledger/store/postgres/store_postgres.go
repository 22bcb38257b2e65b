// Package postgres provides the durable LedgerStore. Session mutation goes
// through a versioned UPDATE so optimistic concurrency holds across service
// instances sharing one database. A mutation and its audit event commit in
// one transaction: the trail never disagrees with a committed record.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"spendvault/internal/ledger/models"
	"spendvault/pkg/domain"
	"spendvault/pkg/platform/sentinel"
)

const pqUniqueViolation = "23505"

// Store implements ports.LedgerStore on PostgreSQL via lib/pq.
type Store struct {
	db *sql.DB
}

// New wraps an open database handle.
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// Migrate creates the ledger tables if they do not exist. Amounts are
// NUMERIC(78,0): wide enough for any uint256-scale wei value, exact by
// construction.
func (s *Store) Migrate(ctx context.Context) error {
	const ddl = `
CREATE TABLE IF NOT EXISTS sessions (
	id                TEXT PRIMARY KEY,
	payer             TEXT NOT NULL,
	merchant          TEXT NOT NULL,
	allowance         NUMERIC(78,0) NOT NULL,
	spent             NUMERIC(78,0) NOT NULL,
	state             TEXT NOT NULL,
	created_at        TIMESTAMPTZ NOT NULL,
	last_activity_at  TIMESTAMPTZ NOT NULL,
	settled_at        TIMESTAMPTZ,
	settlement_amount NUMERIC(78,0),
	settlement_id     TEXT NOT NULL DEFAULT '',
	rail_reference    TEXT NOT NULL DEFAULT '',
	version           BIGINT NOT NULL
);
CREATE INDEX IF NOT EXISTS sessions_open_idle ON sessions (last_activity_at) WHERE state = 'open';

CREATE TABLE IF NOT EXISTS session_audit (
	id         UUID PRIMARY KEY,
	session_id TEXT NOT NULL,
	seq        BIGINT NOT NULL,
	kind       TEXT NOT NULL,
	amount     NUMERIC(78,0) NOT NULL,
	payer      TEXT NOT NULL,
	merchant   TEXT NOT NULL,
	at         TIMESTAMPTZ NOT NULL,
	UNIQUE (session_id, seq)
);
CREATE INDEX IF NOT EXISTS session_audit_spend_at ON session_audit (at) WHERE kind = 'spend_added';
`
	if _, err := s.db.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("migrate ledger schema: %w", translate(err))
	}
	return nil
}

func (s *Store) Create(ctx context.Context, session *models.Session, opened *models.AuditEvent) error {
	const query = `
		INSERT INTO sessions (id, payer, merchant, allowance, spent, state,
			created_at, last_activity_at, settled_at, settlement_amount,
			settlement_id, rail_reference, version)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, 1)
	`
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("insert session %s: %w", session.ID, translate(err))
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, query,
		session.ID.String(), session.Payer.String(), session.Merchant.String(),
		session.Allowance.String(), session.Spent.String(), string(session.State),
		session.CreatedAt, session.LastActivityAt,
		nullTime(session.SettledAt), nullAmount(session.SettlementAmount),
		session.SettlementID, session.RailReference,
	)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == pqUniqueViolation {
			return fmt.Errorf("session %s already exists: %w", session.ID, sentinel.ErrConflict)
		}
		return fmt.Errorf("insert session %s: %w", session.ID, translate(err))
	}
	if opened != nil {
		if err := appendInTx(ctx, tx, opened); err != nil {
			return fmt.Errorf("insert session %s: %w", session.ID, translate(err))
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("insert session %s: %w", session.ID, translate(err))
	}
	return nil
}

func (s *Store) Get(ctx context.Context, id domain.SessionID) (*models.Session, error) {
	const query = `
		SELECT id, payer, merchant, allowance, spent, state, created_at,
			last_activity_at, settled_at, settlement_amount, settlement_id,
			rail_reference, version
		FROM sessions WHERE id = $1
	`
	record, err := scanSession(s.db.QueryRowContext(ctx, query, id.String()))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("session %s: %w", id, sentinel.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get session %s: %w", id, translate(err))
	}
	return record, nil
}

// CompareAndSwap runs the versioned UPDATE and the audit insert in one
// transaction. The UPDATE takes the session row lock, which serializes every
// appender on that session, so the MAX(seq)+1 assignment cannot collide.
func (s *Store) CompareAndSwap(ctx context.Context, id domain.SessionID, expectedVersion uint64, record *models.Session, event *models.AuditEvent) error {
	const query = `
		UPDATE sessions
		SET payer = $3, merchant = $4, allowance = $5, spent = $6, state = $7,
			last_activity_at = $8, settled_at = $9, settlement_amount = $10,
			settlement_id = $11, rail_reference = $12, version = version + 1
		WHERE id = $1 AND version = $2
	`
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("cas session %s: %w", id, translate(err))
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, query,
		id.String(), expectedVersion,
		record.Payer.String(), record.Merchant.String(),
		record.Allowance.String(), record.Spent.String(), string(record.State),
		record.LastActivityAt,
		nullTime(record.SettledAt), nullAmount(record.SettlementAmount),
		record.SettlementID, record.RailReference,
	)
	if err != nil {
		return fmt.Errorf("cas session %s: %w", id, translate(err))
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("cas session %s: %w", id, translate(err))
	}
	if affected != 1 {
		// Zero rows: either the id is unknown or the version moved. The
		// probe runs outside the transaction; nothing was written.
		var stored uint64
		err = s.db.QueryRowContext(ctx, `SELECT version FROM sessions WHERE id = $1`, id.String()).Scan(&stored)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("session %s: %w", id, sentinel.ErrNotFound)
		}
		if err != nil {
			return fmt.Errorf("cas session %s: %w", id, translate(err))
		}
		return fmt.Errorf("session %s at version %d, expected %d: %w",
			id, stored, expectedVersion, sentinel.ErrVersionConflict)
	}
	if event != nil {
		if err := appendInTx(ctx, tx, event); err != nil {
			return fmt.Errorf("cas session %s: %w", id, translate(err))
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("cas session %s: %w", id, translate(err))
	}
	return nil
}

// AppendAudit writes an event that accompanies no swap. It takes the session
// row lock first so its sequence assignment serializes with concurrent
// CompareAndSwap appenders.
func (s *Store) AppendAudit(ctx context.Context, event *models.AuditEvent) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("append audit for %s: %w", event.SessionID, translate(err))
	}
	defer tx.Rollback()

	var locked string
	err = tx.QueryRowContext(ctx,
		`SELECT id FROM sessions WHERE id = $1 FOR UPDATE`, event.SessionID.String(),
	).Scan(&locked)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("session %s: %w", event.SessionID, sentinel.ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("append audit for %s: %w", event.SessionID, translate(err))
	}
	if err := appendInTx(ctx, tx, event); err != nil {
		return fmt.Errorf("append audit for %s: %w", event.SessionID, translate(err))
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("append audit for %s: %w", event.SessionID, translate(err))
	}
	return nil
}

// appendInTx inserts the event with the next per-session sequence number.
// The caller's transaction must hold the session row lock.
func appendInTx(ctx context.Context, tx *sql.Tx, event *models.AuditEvent) error {
	const query = `
		INSERT INTO session_audit (id, session_id, seq, kind, amount, payer, merchant, at)
		VALUES ($1, $2,
			(SELECT COALESCE(MAX(seq), 0) + 1 FROM session_audit WHERE session_id = $2),
			$3, $4, $5, $6, $7)
		RETURNING seq
	`
	return tx.QueryRowContext(ctx, query,
		event.ID, event.SessionID.String(), string(event.Kind),
		event.Amount.String(), event.Payer.String(), event.Merchant.String(),
		event.At,
	).Scan(&event.Seq)
}

func (s *Store) AuditTrail(ctx context.Context, id domain.SessionID) ([]models.AuditEvent, error) {
	const query = `
		SELECT id, session_id, seq, kind, amount, payer, merchant, at
		FROM session_audit WHERE session_id = $1 ORDER BY seq
	`
	rows, err := s.db.QueryContext(ctx, query, id.String())
	if err != nil {
		return nil, fmt.Errorf("audit trail for %s: %w", id, translate(err))
	}
	defer rows.Close()
	return scanEvents(rows)
}

func (s *Store) OpenSessionsIdleSince(ctx context.Context, cutoff time.Time) ([]*models.Session, error) {
	const query = `
		SELECT id, payer, merchant, allowance, spent, state, created_at,
			last_activity_at, settled_at, settlement_amount, settlement_id,
			rail_reference, version
		FROM sessions
		WHERE state = 'open' AND last_activity_at < $1
		ORDER BY id
	`
	rows, err := s.db.QueryContext(ctx, query, cutoff)
	if err != nil {
		return nil, fmt.Errorf("list idle sessions: %w", translate(err))
	}
	defer rows.Close()

	var idle []*models.Session
	for rows.Next() {
		record, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("list idle sessions: %w", translate(err))
		}
		idle = append(idle, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list idle sessions: %w", translate(err))
	}
	return idle, nil
}

func (s *Store) SpendEventsSince(ctx context.Context, since time.Time) ([]models.AuditEvent, error) {
	const query = `
		SELECT id, session_id, seq, kind, amount, payer, merchant, at
		FROM session_audit WHERE kind = 'spend_added' AND at >= $1
	`
	rows, err := s.db.QueryContext(ctx, query, since)
	if err != nil {
		return nil, fmt.Errorf("list spend events: %w", translate(err))
	}
	defer rows.Close()
	return scanEvents(rows)
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func nullAmount(a *domain.Amount) sql.NullString {
	if a == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: a.String(), Valid: true}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*models.Session, error) {
	var record models.Session
	var settledAt sql.NullTime
	var settlementAmount sql.NullString
	var id, payer, merchant, allowance, spent, state, settlementID, railReference string
	err := row.Scan(&id, &payer, &merchant, &allowance, &spent, &state,
		&record.CreatedAt, &record.LastActivityAt, &settledAt,
		&settlementAmount, &settlementID, &railReference, &record.Version)
	if err != nil {
		return nil, err
	}

	record.ID = domain.SessionID(id)
	record.Payer = domain.Address(payer)
	record.Merchant = domain.Address(merchant)
	record.State = models.SessionState(state)
	record.SettlementID = settlementID
	record.RailReference = railReference
	if record.Allowance, err = domain.ParseAmount(allowance); err != nil {
		return nil, fmt.Errorf("stored allowance: %w", err)
	}
	if record.Spent, err = domain.ParseAmount(spent); err != nil {
		return nil, fmt.Errorf("stored spent: %w", err)
	}
	if settledAt.Valid {
		record.SettledAt = &settledAt.Time
	}
	if settlementAmount.Valid {
		amount, err := domain.ParseAmount(settlementAmount.String)
		if err != nil {
			return nil, fmt.Errorf("stored settlement amount: %w", err)
		}
		record.SettlementAmount = &amount
	}
	return &record, nil
}

func scanEvents(rows *sql.Rows) ([]models.AuditEvent, error) {
	var events []models.AuditEvent
	for rows.Next() {
		var ev models.AuditEvent
		var sessionID, kind, amount, payer, merchant string
		if err := rows.Scan(&ev.ID, &sessionID, &ev.Seq, &kind, &amount, &payer, &merchant, &ev.At); err != nil {
			return nil, translate(err)
		}
		ev.SessionID = domain.SessionID(sessionID)
		ev.Kind = models.EventKind(kind)
		ev.Payer = domain.Address(payer)
		ev.Merchant = domain.Address(merchant)
		var err error
		if ev.Amount, err = domain.ParseAmount(amount); err != nil {
			return nil, fmt.Errorf("stored event amount: %w", err)
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, translate(err)
	}
	return events, nil
}

// translate folds driver failures into the store error contract. Anything
// that is not a recognized constraint violation is treated as the storage
// layer being unavailable: the caller's operation failed cleanly before any
// state change it did not observe.
func translate(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%v: %w", err, sentinel.ErrUnavailable)
}
