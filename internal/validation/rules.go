package validation

import (
	"context"
	"fmt"
	"time"
)

// RuleCounts aggregates the raw numbers the closing rules are derived from.
type RuleCounts struct {
	SuspenseBalance float64
	MissingVATCode  int
	UnmatchedBank   int
	DraftEntries    int
}

// Finding is one rule outcome to be synced into the issue table.
type Finding struct {
	Code     string
	Severity Severity
	Message  string
}

// RuleCounts runs the closing checks over the ledger window in one pass.
// Suspense accounts are the 23xx range (kruisposten/tussenrekeningen).
func (r *Repository) RuleCounts(ctx context.Context, administrationID int64, start, end time.Time) (RuleCounts, error) {
	var counts RuleCounts
	err := r.pool.QueryRow(ctx, `SELECT
    COALESCE(SUM(amount) FILTER (WHERE account_code LIKE '23%'), 0)::float8,
    COUNT(*) FILTER (WHERE vat_code IS NULL AND account_class IN ('REVENUE','EXPENSE') AND NOT is_draft),
    COUNT(*) FILTER (WHERE bank_matched = FALSE),
    COUNT(*) FILTER (WHERE is_draft)
FROM ledger_entries
WHERE administration_id = $1 AND entry_date >= $2 AND entry_date <= $3`,
		administrationID, start, end).Scan(&counts.SuspenseBalance, &counts.MissingVATCode, &counts.UnmatchedBank, &counts.DraftEntries)
	return counts, err
}

// Evaluate turns rule counts into findings.
func Evaluate(counts RuleCounts) []Finding {
	var findings []Finding
	if counts.SuspenseBalance != 0 {
		findings = append(findings, Finding{
			Code:     CodeSuspenseNotZero,
			Severity: SeverityRed,
			Message:  fmt.Sprintf("Tussenrekening is niet nul (saldo %.2f)", counts.SuspenseBalance),
		})
	}
	if counts.MissingVATCode > 0 {
		findings = append(findings, Finding{
			Code:     CodeMissingVATCode,
			Severity: SeverityRed,
			Message:  fmt.Sprintf("%d boekingen zonder btw-code", counts.MissingVATCode),
		})
	}
	if counts.UnmatchedBank > 0 {
		findings = append(findings, Finding{
			Code:     CodeUnmatchedBank,
			Severity: SeverityYellow,
			Message:  fmt.Sprintf("%d bankregels niet gekoppeld", counts.UnmatchedBank),
		})
	}
	if counts.DraftEntries > 0 {
		findings = append(findings, Finding{
			Code:     CodeDraftEntries,
			Severity: SeverityYellow,
			Message:  fmt.Sprintf("%d conceptboekingen in de periode", counts.DraftEntries),
		})
	}
	return findings
}
