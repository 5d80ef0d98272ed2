package period

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/helderboek/helderboek/internal/platform/db"
	"github.com/helderboek/helderboek/internal/snapshot"
)

const periodColumns = `id, administration_id, period_type, period_key, start_date, end_date, status,
review_started_at, review_started_by, finalized_at, finalized_by, locked_at, locked_by, created_at, updated_at`

// TxRepo is the transactional slice of the repository. Everything on it runs
// inside a single RepeatableRead transaction opened by WithTx.
type TxRepo interface {
	// LoadForUpdate reads the period with a row lock so concurrent
	// transitions on the same period serialise.
	LoadForUpdate(ctx context.Context, periodID int64) (Period, error)
	// UpdateTransition persists the status and transition stamps.
	UpdateTransition(ctx context.Context, p Period) error
	// InsertSnapshot stores the closing snapshot in the same transaction as
	// the status flip.
	InsertSnapshot(ctx context.Context, snap snapshot.Snapshot) (int64, error)
}

// Repository is the persistence contract for periods.
type Repository interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepo) error) error
	Get(ctx context.Context, administrationID, periodID int64) (Period, error)
	GetByKey(ctx context.Context, administrationID int64, key string) (Period, error)
	ListForAdministration(ctx context.Context, administrationID int64) ([]Period, error)
}

// PgRepository is the pgx-backed Repository.
type PgRepository struct {
	pool      *pgxpool.Pool
	snapshots *snapshot.Store
}

// NewRepository constructs a PgRepository.
func NewRepository(pool *pgxpool.Pool, snapshots *snapshot.Store) *PgRepository {
	return &PgRepository{pool: pool, snapshots: snapshots}
}

var _ Repository = (*PgRepository)(nil)

// WithTx runs fn inside a RepeatableRead transaction with a TxRepo bound to it.
func (r *PgRepository) WithTx(ctx context.Context, fn func(context.Context, TxRepo) error) error {
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		return fn(ctx, &txRepo{tx: tx, snapshots: r.snapshots})
	})
}

// Get reads a period scoped to its administration.
func (r *PgRepository) Get(ctx context.Context, administrationID, periodID int64) (Period, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+periodColumns+`
FROM periods WHERE id = $1 AND administration_id = $2`, periodID, administrationID)
	return scanPeriod(row)
}

// GetByKey reads a period by its calendar key, e.g. "2025-Q2".
func (r *PgRepository) GetByKey(ctx context.Context, administrationID int64, key string) (Period, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+periodColumns+`
FROM periods WHERE administration_id = $1 AND period_key = $2`, administrationID, key)
	return scanPeriod(row)
}

// ListForAdministration returns all periods of an administration, oldest first.
func (r *PgRepository) ListForAdministration(ctx context.Context, administrationID int64) ([]Period, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+periodColumns+`
FROM periods WHERE administration_id = $1 ORDER BY start_date ASC, id ASC`, administrationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var periods []Period
	for rows.Next() {
		p, err := scanPeriod(rows)
		if err != nil {
			return nil, err
		}
		periods = append(periods, p)
	}
	return periods, rows.Err()
}

// PeriodWindow implements validation.PeriodSource.
func (r *PgRepository) PeriodWindow(ctx context.Context, periodID int64) (int64, time.Time, time.Time, error) {
	var (
		administrationID int64
		start, end       time.Time
	)
	err := r.pool.QueryRow(ctx, `SELECT administration_id, start_date, end_date
FROM periods WHERE id = $1`, periodID).Scan(&administrationID, &start, &end)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, time.Time{}, time.Time{}, ErrPeriodNotFound
	}
	return administrationID, start, end, err
}

type txRepo struct {
	tx        pgx.Tx
	snapshots *snapshot.Store
}

func (t *txRepo) LoadForUpdate(ctx context.Context, periodID int64) (Period, error) {
	row := t.tx.QueryRow(ctx, `SELECT `+periodColumns+`
FROM periods WHERE id = $1 FOR UPDATE`, periodID)
	return scanPeriod(row)
}

func (t *txRepo) UpdateTransition(ctx context.Context, p Period) error {
	tag, err := t.tx.Exec(ctx, `UPDATE periods
SET status = $2,
    review_started_at = $3, review_started_by = $4,
    finalized_at = $5, finalized_by = $6,
    locked_at = $7, locked_by = $8,
    updated_at = NOW()
WHERE id = $1`,
		p.ID, p.Status,
		p.ReviewStartedAt, p.ReviewStartedBy,
		p.FinalizedAt, p.FinalizedBy,
		p.LockedAt, p.LockedBy)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrPeriodNotFound
	}
	return nil
}

func (t *txRepo) InsertSnapshot(ctx context.Context, snap snapshot.Snapshot) (int64, error) {
	return t.snapshots.InsertTx(ctx, t.tx, snap)
}

func scanPeriod(row pgx.Row) (Period, error) {
	var p Period
	err := row.Scan(&p.ID, &p.AdministrationID, &p.Type, &p.Key, &p.StartDate, &p.EndDate, &p.Status,
		&p.ReviewStartedAt, &p.ReviewStartedBy, &p.FinalizedAt, &p.FinalizedBy,
		&p.LockedAt, &p.LockedBy, &p.CreatedAt, &p.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Period{}, ErrPeriodNotFound
	}
	return p, err
}
