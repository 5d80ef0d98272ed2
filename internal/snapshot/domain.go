// Package snapshot stores the immutable point-in-time financial statement
// captured when a period is finalised. The store exposes create-once and
// read only; no update or delete path exists anywhere in the codebase.
package snapshot

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

// Line is one statement line with a signed balance.
type Line struct {
	AccountCode string          `json:"account_code"`
	AccountName string          `json:"account_name"`
	Amount      decimal.Decimal `json:"amount"`
}

// TrialBalanceLine carries the debit/credit totals per account.
type TrialBalanceLine struct {
	AccountCode string          `json:"account_code"`
	AccountName string          `json:"account_name"`
	Debit       decimal.Decimal `json:"debit"`
	Credit      decimal.Decimal `json:"credit"`
}

// VATBox is one rubric of the Dutch VAT return (1a, 1b, 4a, 5b, ...).
type VATBox struct {
	Box  string          `json:"box"`
	Base decimal.Decimal `json:"base"`
	Tax  decimal.Decimal `json:"tax"`
}

// Content is the financial payload frozen at finalisation. The acknowledged
// yellow set is part of the artifact: it records exactly which warnings the
// accountant accepted when signing off.
type Content struct {
	BalanceSheet          []Line             `json:"balance_sheet"`
	ProfitLoss            []Line             `json:"profit_loss"`
	TrialBalance          []TrialBalanceLine `json:"trial_balance"`
	VATSummary            []VATBox           `json:"vat_summary"`
	OpenReceivables       decimal.Decimal    `json:"open_receivables"`
	OpenPayables          decimal.Decimal    `json:"open_payables"`
	AcknowledgedYellowIDs []int64            `json:"acknowledged_yellow_issue_ids"`
}

// Snapshot is a stored closing snapshot.
type Snapshot struct {
	ID        int64     `json:"id"`
	PeriodID  int64     `json:"period_id"`
	Content   Content   `json:"content"`
	CreatedBy int64     `json:"created_by"`
	CreatedAt time.Time `json:"created_at"`
}

// ErrSnapshotExists indicates the period was already finalised once.
var ErrSnapshotExists = errors.New("snapshot: snapshot already exists for period")

// ErrSnapshotNotFound indicates no snapshot was stored for the period.
var ErrSnapshotNotFound = errors.New("snapshot: not found")
