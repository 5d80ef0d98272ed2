// Package ledger reads aggregated financial state from the posted entries:
// trial balance, statement lines, VAT totals and open AR/AP. It writes
// nothing; bookkeeping mutations happen in the ingestion pipeline.
package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/helderboek/helderboek/internal/snapshot"
)

// Account code prefixes per the standard Dutch chart of accounts layout used
// by the ingestion pipeline.
const (
	receivablePrefix = "13"
	payablePrefix    = "16"
)

// VATTotal is the aggregated base and tax for one VAT code.
type VATTotal struct {
	Code string
	Base decimal.Decimal
	Tax  decimal.Decimal
}

// Repository runs the aggregation queries.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// TrialBalance returns per-account debit/credit totals for the window.
func (r *Repository) TrialBalance(ctx context.Context, administrationID int64, start, end time.Time) ([]snapshot.TrialBalanceLine, error) {
	rows, err := r.pool.Query(ctx, `SELECT account_code, MAX(account_name),
COALESCE(SUM(amount) FILTER (WHERE amount > 0), 0)::text,
COALESCE(-SUM(amount) FILTER (WHERE amount < 0), 0)::text
FROM ledger_entries
WHERE administration_id = $1 AND entry_date >= $2 AND entry_date <= $3 AND NOT is_draft
GROUP BY account_code ORDER BY account_code`, administrationID, start, end)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []snapshot.TrialBalanceLine
	for rows.Next() {
		var (
			line          snapshot.TrialBalanceLine
			debit, credit string
		)
		if err := rows.Scan(&line.AccountCode, &line.AccountName, &debit, &credit); err != nil {
			return nil, err
		}
		if line.Debit, err = decimal.NewFromString(debit); err != nil {
			return nil, fmt.Errorf("ledger: parse debit: %w", err)
		}
		if line.Credit, err = decimal.NewFromString(credit); err != nil {
			return nil, fmt.Errorf("ledger: parse credit: %w", err)
		}
		out = append(out, line)
	}
	return out, rows.Err()
}

// StatementLines returns per-account balances for the given account classes.
// Balance-sheet classes aggregate from the beginning of time through the
// window end; P&L classes aggregate the window only.
func (r *Repository) StatementLines(ctx context.Context, administrationID int64, start, end time.Time, classes []string, cumulative bool) ([]snapshot.Line, error) {
	from := start
	if cumulative {
		from = time.Time{}
	}
	rows, err := r.pool.Query(ctx, `SELECT account_code, MAX(account_name), COALESCE(SUM(amount), 0)::text
FROM ledger_entries
WHERE administration_id = $1 AND entry_date >= $2 AND entry_date <= $3
  AND account_class = ANY($4) AND NOT is_draft
GROUP BY account_code ORDER BY account_code`, administrationID, from, end, classes)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []snapshot.Line
	for rows.Next() {
		var (
			line   snapshot.Line
			amount string
		)
		if err := rows.Scan(&line.AccountCode, &line.AccountName, &amount); err != nil {
			return nil, err
		}
		if line.Amount, err = decimal.NewFromString(amount); err != nil {
			return nil, fmt.Errorf("ledger: parse amount: %w", err)
		}
		out = append(out, line)
	}
	return out, rows.Err()
}

// VATTotals returns base and tax sums grouped by VAT code for the window.
func (r *Repository) VATTotals(ctx context.Context, administrationID int64, start, end time.Time) ([]VATTotal, error) {
	rows, err := r.pool.Query(ctx, `SELECT vat_code, COALESCE(SUM(amount), 0)::text, COALESCE(SUM(vat_amount), 0)::text
FROM ledger_entries
WHERE administration_id = $1 AND entry_date >= $2 AND entry_date <= $3
  AND vat_code IS NOT NULL AND NOT is_draft
GROUP BY vat_code ORDER BY vat_code`, administrationID, start, end)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []VATTotal
	for rows.Next() {
		var (
			t         VATTotal
			base, tax string
		)
		if err := rows.Scan(&t.Code, &base, &tax); err != nil {
			return nil, err
		}
		if t.Base, err = decimal.NewFromString(base); err != nil {
			return nil, fmt.Errorf("ledger: parse vat base: %w", err)
		}
		if t.Tax, err = decimal.NewFromString(tax); err != nil {
			return nil, fmt.Errorf("ledger: parse vat tax: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// OpenBalance sums the balance on accounts with the given code prefix through
// the window end.
func (r *Repository) OpenBalance(ctx context.Context, administrationID int64, end time.Time, prefix string) (decimal.Decimal, error) {
	var raw string
	err := r.pool.QueryRow(ctx, `SELECT COALESCE(SUM(amount), 0)::text
FROM ledger_entries
WHERE administration_id = $1 AND entry_date <= $2 AND account_code LIKE $3 || '%' AND NOT is_draft`,
		administrationID, end, prefix).Scan(&raw)
	if err != nil {
		return decimal.Zero, err
	}
	return decimal.NewFromString(raw)
}
