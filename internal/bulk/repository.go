package bulk

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/helderboek/helderboek/internal/platform/db"
)

// Store is the persistence contract for bulk operations.
type Store interface {
	Create(ctx context.Context, op Operation) (Operation, bool, error)
	Get(ctx context.Context, id int64) (Operation, error)
	FindByKey(ctx context.Context, key string) (Operation, error)
	List(ctx context.Context, f ListFilter) ([]Operation, error)
	MarkRunning(ctx context.Context, id int64, total int) error
	RecordResult(ctx context.Context, item ResultItem) error
	Finish(ctx context.Context, id int64, status Status) error
	Delete(ctx context.Context, id int64) error
}

// ListFilter narrows a listing. Zero values match everything.
type ListFilter struct {
	Status Status
	Type   OperationType
	Limit  int
}

// PgStore is the pgx-backed Store.
type PgStore struct {
	pool *pgxpool.Pool
}

// NewStore constructs a PgStore.
func NewStore(pool *pgxpool.Pool) *PgStore {
	return &PgStore{pool: pool}
}

var _ Store = (*PgStore)(nil)

const operationColumns = `id, idempotency_key, fingerprint, operation_type, targets, params, status,
requested_by, total_count, success_count, failed_count, skipped_count, created_at, started_at, finished_at`

// Create inserts the operation in PENDING state. When the idempotency key is
// already taken the stored operation is returned with created=false; the
// caller decides whether the reuse is a replay or a conflict.
func (s *PgStore) Create(ctx context.Context, op Operation) (Operation, bool, error) {
	targets, err := json.Marshal(op.Targets)
	if err != nil {
		return Operation{}, false, fmt.Errorf("bulk: marshal targets: %w", err)
	}
	params, err := json.Marshal(op.Params)
	if err != nil {
		return Operation{}, false, fmt.Errorf("bulk: marshal params: %w", err)
	}
	err = s.pool.QueryRow(ctx, `INSERT INTO bulk_operations (idempotency_key, fingerprint, operation_type, targets, params, status, requested_by)
VALUES ($1, $2, $3, $4, $5, $6, $7) RETURNING id, created_at`,
		op.IdempotencyKey, op.Fingerprint, op.Type, targets, params, StatusPending, op.RequestedBy).
		Scan(&op.ID, &op.CreatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			existing, ferr := s.FindByKey(ctx, op.IdempotencyKey)
			if ferr != nil {
				return Operation{}, false, ferr
			}
			return existing, false, nil
		}
		return Operation{}, false, err
	}
	op.Status = StatusPending
	return op, true, nil
}

// Get loads the operation with its result items in resolution order.
func (s *PgStore) Get(ctx context.Context, id int64) (Operation, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+operationColumns+` FROM bulk_operations WHERE id = $1`, id)
	op, err := scanOperation(row)
	if err != nil {
		return Operation{}, err
	}
	if op.Results, err = s.results(ctx, id); err != nil {
		return Operation{}, err
	}
	return op, nil
}

// FindByKey loads the operation with results by idempotency key.
func (s *PgStore) FindByKey(ctx context.Context, key string) (Operation, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+operationColumns+` FROM bulk_operations WHERE idempotency_key = $1`, key)
	op, err := scanOperation(row)
	if err != nil {
		return Operation{}, err
	}
	if op.Results, err = s.results(ctx, op.ID); err != nil {
		return Operation{}, err
	}
	return op, nil
}

// List returns recent operations without their result items, optionally
// narrowed by status and operation type.
func (s *PgStore) List(ctx context.Context, f ListFilter) ([]Operation, error) {
	limit := f.Limit
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx, `SELECT `+operationColumns+` FROM bulk_operations
WHERE ($1 = '' OR status = $1) AND ($2 = '' OR operation_type = $2)
ORDER BY created_at DESC, id DESC LIMIT $3`, string(f.Status), string(f.Type), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Operation
	for rows.Next() {
		op, err := scanOperation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, op)
	}
	return out, rows.Err()
}

// MarkRunning flips PENDING to RUNNING, stamping started_at and the resolved
// target total.
func (s *PgStore) MarkRunning(ctx context.Context, id int64, total int) error {
	tag, err := s.pool.Exec(ctx, `UPDATE bulk_operations SET status = $2, total_count = $4, started_at = NOW()
WHERE id = $1 AND status = $3`, id, StatusRunning, StatusPending, total)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("bulk: operation %d not pending", id)
	}
	return nil
}

// RecordResult inserts the item and bumps the matching counter atomically.
func (s *PgStore) RecordResult(ctx context.Context, item ResultItem) error {
	return db.WithTx(ctx, s.pool, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `INSERT INTO bulk_operation_results (operation_id, administration_id, position, status, detail, finished_at)
VALUES ($1, $2, $3, $4, $5, NOW())`,
			item.OperationID, item.AdministrationID, item.Position, item.Status, item.Detail)
		if err != nil {
			return err
		}
		_, err = tx.Exec(ctx, `UPDATE bulk_operations SET
    success_count = success_count + CASE WHEN $2 = 'SUCCESS' THEN 1 ELSE 0 END,
    failed_count  = failed_count  + CASE WHEN $2 = 'FAILED'  THEN 1 ELSE 0 END,
    skipped_count = skipped_count + CASE WHEN $2 = 'SKIPPED' THEN 1 ELSE 0 END
WHERE id = $1`, item.OperationID, string(item.Status))
		return err
	})
}

// Finish stamps the terminal status.
func (s *PgStore) Finish(ctx context.Context, id int64, status Status) error {
	_, err := s.pool.Exec(ctx, `UPDATE bulk_operations SET status = $2, finished_at = NOW() WHERE id = $1`, id, status)
	return err
}

// Delete removes a PENDING operation whose enqueue failed, so the
// idempotency key is usable again on retry.
func (s *PgStore) Delete(ctx context.Context, id int64) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM bulk_operations WHERE id = $1 AND status = $2`, id, StatusPending)
	return err
}

func (s *PgStore) results(ctx context.Context, operationID int64) ([]ResultItem, error) {
	rows, err := s.pool.Query(ctx, `SELECT id, operation_id, administration_id, position, status, detail, finished_at
FROM bulk_operation_results WHERE operation_id = $1 ORDER BY position ASC`, operationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []ResultItem
	for rows.Next() {
		var item ResultItem
		if err := rows.Scan(&item.ID, &item.OperationID, &item.AdministrationID, &item.Position, &item.Status, &item.Detail, &item.FinishedAt); err != nil {
			return nil, err
		}
		out = append(out, item)
	}
	return out, rows.Err()
}

func scanOperation(row pgx.Row) (Operation, error) {
	var (
		op              Operation
		targets, params []byte
	)
	err := row.Scan(&op.ID, &op.IdempotencyKey, &op.Fingerprint, &op.Type, &targets, &params, &op.Status,
		&op.RequestedBy, &op.TotalCount, &op.SuccessCount, &op.FailedCount, &op.SkippedCount,
		&op.CreatedAt, &op.StartedAt, &op.FinishedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Operation{}, ErrOperationNotFound
	}
	if err != nil {
		return Operation{}, err
	}
	if err := json.Unmarshal(targets, &op.Targets); err != nil {
		return Operation{}, fmt.Errorf("bulk: unmarshal targets: %w", err)
	}
	if err := json.Unmarshal(params, &op.Params); err != nil {
		return Operation{}, fmt.Errorf("bulk: unmarshal params: %w", err)
	}
	return op, nil
}
