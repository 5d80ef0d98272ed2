// Package admin holds the administration roster: the client bookkeepings an
// accountant manages. Bulk operations resolve their target set against this
// roster.
package admin

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Administration is one client bookkeeping.
type Administration struct {
	ID        int64  `json:"id"`
	Name      string `json:"name"`
	KvKNumber string `json:"kvk_number"`
	Email     string `json:"email"`
	IsActive  bool   `json:"is_active"`
	AdvisorID *int64 `json:"advisor_id,omitempty"`
}

// Filter narrows a roster listing. Zero value matches everything.
type Filter struct {
	OnlyActive bool  `json:"only_active,omitempty"`
	AdvisorID  int64 `json:"advisor_id,omitempty"`
}

// ErrAdministrationNotFound indicates an unknown administration id.
var ErrAdministrationNotFound = errors.New("admin: administration not found")

// Repository reads the roster.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// Get returns one administration.
func (r *Repository) Get(ctx context.Context, id int64) (Administration, error) {
	var a Administration
	err := r.pool.QueryRow(ctx, `SELECT id, name, kvk_number, email, is_active, advisor_id
FROM administrations WHERE id = $1`, id).
		Scan(&a.ID, &a.Name, &a.KvKNumber, &a.Email, &a.IsActive, &a.AdvisorID)
	if errors.Is(err, pgx.ErrNoRows) {
		return Administration{}, ErrAdministrationNotFound
	}
	return a, err
}

// List returns administrations matching the filter, ordered by id.
func (r *Repository) List(ctx context.Context, f Filter) ([]Administration, error) {
	rows, err := r.pool.Query(ctx, `SELECT id, name, kvk_number, email, is_active, advisor_id
FROM administrations
WHERE ($1::bool IS FALSE OR is_active)
  AND ($2::bigint = 0 OR advisor_id = $2)
ORDER BY id ASC`, f.OnlyActive, f.AdvisorID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Administration
	for rows.Next() {
		var a Administration
		if err := rows.Scan(&a.ID, &a.Name, &a.KvKNumber, &a.Email, &a.IsActive, &a.AdvisorID); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// Exists reports which of the given ids are present in the roster.
func (r *Repository) Exists(ctx context.Context, ids []int64) (map[int64]bool, error) {
	rows, err := r.pool.Query(ctx, `SELECT id FROM administrations WHERE id = ANY($1)`, ids)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	found := make(map[int64]bool, len(ids))
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		found[id] = true
	}
	return found, rows.Err()
}
