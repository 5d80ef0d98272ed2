package ledger

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/helderboek/helderboek/internal/period"
	"github.com/helderboek/helderboek/internal/snapshot"
)

// Source is the query surface the builder needs, satisfied by Repository.
type Source interface {
	TrialBalance(ctx context.Context, administrationID int64, start, end time.Time) ([]snapshot.TrialBalanceLine, error)
	StatementLines(ctx context.Context, administrationID int64, start, end time.Time, classes []string, cumulative bool) ([]snapshot.Line, error)
	VATTotals(ctx context.Context, administrationID int64, start, end time.Time) ([]VATTotal, error)
	OpenBalance(ctx context.Context, administrationID int64, end time.Time, prefix string) (decimal.Decimal, error)
}

// Builder assembles the closing snapshot content from ledger state.
type Builder struct {
	source Source
}

// NewBuilder constructs a Builder.
func NewBuilder(source Source) *Builder {
	return &Builder{source: source}
}

var _ period.SnapshotBuilder = (*Builder)(nil)

// Build captures the financial statement for the period window.
func (b *Builder) Build(ctx context.Context, p period.Period, acknowledgedYellowIDs []int64) (snapshot.Content, error) {
	adminID, start, end := p.AdministrationID, p.StartDate, p.EndDate

	balanceSheet, err := b.source.StatementLines(ctx, adminID, start, end, []string{"ASSET", "LIABILITY", "EQUITY"}, true)
	if err != nil {
		return snapshot.Content{}, err
	}
	profitLoss, err := b.source.StatementLines(ctx, adminID, start, end, []string{"REVENUE", "EXPENSE"}, false)
	if err != nil {
		return snapshot.Content{}, err
	}
	trialBalance, err := b.source.TrialBalance(ctx, adminID, start, end)
	if err != nil {
		return snapshot.Content{}, err
	}
	vatTotals, err := b.source.VATTotals(ctx, adminID, start, end)
	if err != nil {
		return snapshot.Content{}, err
	}
	receivables, err := b.source.OpenBalance(ctx, adminID, end, receivablePrefix)
	if err != nil {
		return snapshot.Content{}, err
	}
	payables, err := b.source.OpenBalance(ctx, adminID, end, payablePrefix)
	if err != nil {
		return snapshot.Content{}, err
	}

	return snapshot.Content{
		BalanceSheet:          balanceSheet,
		ProfitLoss:            profitLoss,
		TrialBalance:          trialBalance,
		VATSummary:            SummariseVAT(vatTotals),
		OpenReceivables:       receivables,
		OpenPayables:          payables.Neg(),
		AcknowledgedYellowIDs: acknowledgedYellowIDs,
	}, nil
}

// vatBoxForCode maps internal VAT codes onto the rubrics of the Dutch VAT
// return. Unknown codes are reported verbatim so nothing silently drops out
// of the summary.
func vatBoxForCode(code string) string {
	switch code {
	case "HOOG":
		return "1a"
	case "LAAG":
		return "1b"
	case "EU_VERWERVING":
		return "4b"
	case "VOORBELASTING":
		return "5b"
	default:
		return code
	}
}

// SummariseVAT folds per-code totals into return rubrics.
func SummariseVAT(totals []VATTotal) []snapshot.VATBox {
	byBox := make(map[string]*snapshot.VATBox)
	var order []string
	for _, t := range totals {
		box := vatBoxForCode(t.Code)
		entry, ok := byBox[box]
		if !ok {
			entry = &snapshot.VATBox{Box: box}
			byBox[box] = entry
			order = append(order, box)
		}
		entry.Base = entry.Base.Add(t.Base)
		entry.Tax = entry.Tax.Add(t.Tax)
	}
	out := make([]snapshot.VATBox, 0, len(order))
	for _, box := range order {
		out = append(out, *byBox[box])
	}
	return out
}
