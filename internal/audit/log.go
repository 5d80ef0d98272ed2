// Package audit persists the append-only transition history for accounting
// periods. Entries are the court record for disputes about when and why a
// period closed: they are never updated or deleted, and rejected transition
// attempts are recorded alongside successful ones.
package audit

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Entry represents one row in audit_log.
type Entry struct {
	ID          int64      `json:"id"`
	PeriodID    int64      `json:"period_id"`
	Action      string     `json:"action"`
	FromStatus  string     `json:"from_status"`
	ToStatus    string     `json:"to_status"`
	PerformedBy int64      `json:"performed_by"`
	PerformedAt time.Time  `json:"performed_at"`
	Notes       string     `json:"notes,omitempty"`
	SnapshotID  *int64     `json:"snapshot_id,omitempty"`
}

// Actions recorded for period transitions.
const (
	ActionStartReview = "START_REVIEW"
	ActionFinalize    = "FINALIZE"
	ActionLock        = "LOCK"
)

// Log writes and reads audit entries. Writes go through the pool directly,
// outside the transition transaction, so a rejected attempt still leaves a
// durable trace after the transaction rolls back.
type Log struct {
	pool *pgxpool.Pool
}

// NewLog returns a new Log.
func NewLog(pool *pgxpool.Pool) *Log {
	return &Log{pool: pool}
}

// Record persists the entry. PerformedAt defaults to NOW() when zero.
func (l *Log) Record(ctx context.Context, e Entry) error {
	if l == nil {
		return errors.New("audit: log not initialised")
	}
	if e.PeriodID == 0 || e.Action == "" {
		return errors.New("audit: entry requires period_id and action")
	}
	var at any
	if !e.PerformedAt.IsZero() {
		at = e.PerformedAt
	}
	_, err := l.pool.Exec(ctx, `INSERT INTO audit_log (period_id, action, from_status, to_status, performed_by, performed_at, notes, snapshot_id)
VALUES ($1, $2, $3, $4, $5, COALESCE($6, NOW()), $7, $8)`,
		e.PeriodID, e.Action, e.FromStatus, e.ToStatus, e.PerformedBy, at, e.Notes, e.SnapshotID)
	return err
}

// ListForPeriod returns the chronological history for a period.
func (l *Log) ListForPeriod(ctx context.Context, periodID int64) ([]Entry, error) {
	if l == nil {
		return nil, errors.New("audit: log not initialised")
	}
	rows, err := l.pool.Query(ctx, `SELECT id, period_id, action, from_status, to_status, performed_by, performed_at, notes, snapshot_id
FROM audit_log WHERE period_id = $1 ORDER BY performed_at ASC, id ASC`, periodID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var entries []Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.ID, &e.PeriodID, &e.Action, &e.FromStatus, &e.ToStatus, &e.PerformedBy, &e.PerformedAt, &e.Notes, &e.SnapshotID); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return entries, nil
}
