package snapshot

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Store persists closing snapshots.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore constructs a Store.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// InsertTx writes the snapshot inside the caller's transaction so the status
// flip and the snapshot commit or roll back together. The unique constraint
// on period_id makes this create-once: a second insert fails with
// ErrSnapshotExists.
func (s *Store) InsertTx(ctx context.Context, tx pgx.Tx, snap Snapshot) (int64, error) {
	data, err := json.Marshal(snap.Content)
	if err != nil {
		return 0, fmt.Errorf("snapshot: marshal content: %w", err)
	}
	ackIDs := snap.Content.AcknowledgedYellowIDs
	if ackIDs == nil {
		ackIDs = []int64{}
	}
	var id int64
	err = tx.QueryRow(ctx, `INSERT INTO period_snapshots (period_id, data, acknowledged_yellow_ids, created_by)
VALUES ($1, $2, $3, $4) RETURNING id`,
		snap.PeriodID, data, ackIDs, snap.CreatedBy).Scan(&id)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return 0, ErrSnapshotExists
		}
		return 0, err
	}
	return id, nil
}

// GetByPeriod reads the stored snapshot for a period.
func (s *Store) GetByPeriod(ctx context.Context, periodID int64) (Snapshot, error) {
	if s == nil || s.pool == nil {
		return Snapshot{}, fmt.Errorf("snapshot: store not initialised")
	}
	var (
		snap Snapshot
		data []byte
	)
	err := s.pool.QueryRow(ctx, `SELECT id, period_id, data, created_by, created_at
FROM period_snapshots WHERE period_id = $1`, periodID).
		Scan(&snap.ID, &snap.PeriodID, &data, &snap.CreatedBy, &snap.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Snapshot{}, ErrSnapshotNotFound
		}
		return Snapshot{}, err
	}
	if err := json.Unmarshal(data, &snap.Content); err != nil {
		return Snapshot{}, fmt.Errorf("snapshot: unmarshal content: %w", err)
	}
	return snap, nil
}
