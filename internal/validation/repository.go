package validation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Repository persists validation issues and recalculation bookkeeping.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a Repository using the provided pool.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// OpenIssues returns all unresolved issues for a period, reds first, oldest
// first within severity. The CanFinalize hint is true when no red issue is
// open; the period state machine re-checks this itself.
func (r *Repository) OpenIssues(ctx context.Context, periodID int64) (IssueSet, error) {
	if r == nil || r.pool == nil {
		return IssueSet{}, fmt.Errorf("validation: repository not initialised")
	}
	rows, err := r.pool.Query(ctx, `SELECT id, period_id, administration_id, issue_code, severity, message, is_resolved, resolved_at, acknowledged_at, acknowledged_by, created_at
FROM validation_issues WHERE period_id = $1 AND NOT is_resolved ORDER BY severity ASC, id ASC`, periodID)
	if err != nil {
		return IssueSet{}, err
	}
	defer rows.Close()

	var set IssueSet
	for rows.Next() {
		var issue Issue
		if err := rows.Scan(&issue.ID, &issue.PeriodID, &issue.AdministrationID, &issue.Code, &issue.Severity, &issue.Message,
			&issue.IsResolved, &issue.ResolvedAt, &issue.AcknowledgedAt, &issue.AcknowledgedBy, &issue.CreatedAt); err != nil {
			return IssueSet{}, err
		}
		switch issue.Severity {
		case SeverityRed:
			set.Red = append(set.Red, issue)
		default:
			set.Yellow = append(set.Yellow, issue)
		}
	}
	if err := rows.Err(); err != nil {
		return IssueSet{}, err
	}
	set.CanFinalize = len(set.Red) == 0
	return set, nil
}

// EnsureOpenIssue inserts an open issue for (period, code) unless one already
// exists, keeping recalculation idempotent per finding.
func (r *Repository) EnsureOpenIssue(ctx context.Context, periodID, administrationID int64, code string, severity Severity, message string) error {
	_, err := r.pool.Exec(ctx, `INSERT INTO validation_issues (period_id, administration_id, issue_code, severity, message)
SELECT $1, $2, $3, $4, $5
WHERE NOT EXISTS (
    SELECT 1 FROM validation_issues WHERE period_id = $1 AND issue_code = $3 AND NOT is_resolved
)`, periodID, administrationID, code, string(severity), message)
	return err
}

// ResolveIssuesExcept marks open issues resolved whose code is no longer
// reported by the current recalculation.
func (r *Repository) ResolveIssuesExcept(ctx context.Context, periodID int64, openCodes []string) error {
	_, err := r.pool.Exec(ctx, `UPDATE validation_issues SET is_resolved = TRUE, resolved_at = NOW()
WHERE period_id = $1 AND NOT is_resolved AND NOT (issue_code = ANY($2))`, periodID, openCodes)
	return err
}

// AcknowledgeOpenYellow stamps every open yellow issue of the period as
// acknowledged by the actor. Returns the number of issues touched.
func (r *Repository) AcknowledgeOpenYellow(ctx context.Context, periodID, actorID int64) (int, error) {
	tag, err := r.pool.Exec(ctx, `UPDATE validation_issues SET acknowledged_at = NOW(), acknowledged_by = $2
WHERE period_id = $1 AND NOT is_resolved AND severity = 'YELLOW' AND acknowledged_at IS NULL`, periodID, actorID)
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}

// LedgerVersion computes a cheap change fingerprint for the administration's
// ledger rows inside the period window. Inserts and deletes move the id and
// count terms; the updated_at term moves on in-place edits such as a vat-code
// fix or a bank match, which leave both unchanged.
func (r *Repository) LedgerVersion(ctx context.Context, administrationID int64, start, end time.Time) (int64, error) {
	var version int64
	err := r.pool.QueryRow(ctx, `SELECT COALESCE(MAX(id), 0) + COUNT(*)
    + COALESCE((EXTRACT(EPOCH FROM MAX(updated_at)) * 1000)::BIGINT, 0)
FROM ledger_entries
WHERE administration_id = $1 AND entry_date >= $2 AND entry_date <= $3`, administrationID, start, end).Scan(&version)
	return version, err
}

// LastRunVersion returns the ledger version recorded by the previous
// recalculation, or (0, false) when the period was never validated.
func (r *Repository) LastRunVersion(ctx context.Context, periodID int64) (int64, bool, error) {
	var version int64
	err := r.pool.QueryRow(ctx, `SELECT ledger_version FROM validation_runs WHERE period_id = $1`, periodID).Scan(&version)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, false, nil
		}
		return 0, false, err
	}
	return version, true, nil
}

// RecordRun upserts the recalculation bookkeeping row.
func (r *Repository) RecordRun(ctx context.Context, periodID, ledgerVersion int64) error {
	_, err := r.pool.Exec(ctx, `INSERT INTO validation_runs (period_id, ledger_version, ran_at)
VALUES ($1, $2, NOW())
ON CONFLICT (period_id) DO UPDATE SET ledger_version = EXCLUDED.ledger_version, ran_at = NOW()`, periodID, ledgerVersion)
	return err
}

// OpenIssueCount returns the number of unresolved issues for a period.
func (r *Repository) OpenIssueCount(ctx context.Context, periodID int64) (int, error) {
	var count int
	err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM validation_issues WHERE period_id = $1 AND NOT is_resolved`, periodID).Scan(&count)
	return count, err
}
