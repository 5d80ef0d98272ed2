// Package validation owns the closing-validation issue catalog: the RED and
// YELLOW findings that gate whether an accounting period may be finalised.
package validation

import (
	"errors"
	"time"
)

// Severity classifies an issue.
type Severity string

const (
	// SeverityRed blocks finalisation until the issue is resolved.
	SeverityRed Severity = "RED"
	// SeverityYellow blocks finalisation until explicitly acknowledged.
	SeverityYellow Severity = "YELLOW"
)

// Issue codes produced by the recalculation rules.
const (
	CodeSuspenseNotZero = "SUSPENSE_NOT_ZERO"
	CodeMissingVATCode  = "MISSING_VAT_CODE"
	CodeUnmatchedBank   = "UNMATCHED_BANK_LINES"
	CodeDraftEntries    = "DRAFT_ENTRIES"
)

// Issue is a single validation finding for a period. Resolution and
// acknowledgement are independent: resolving removes the finding from the
// open set, acknowledging records that a human accepted a yellow finding.
type Issue struct {
	ID               int64      `json:"id"`
	PeriodID         int64      `json:"period_id"`
	AdministrationID int64      `json:"administration_id"`
	Code             string     `json:"issue_code"`
	Severity         Severity   `json:"severity"`
	Message          string     `json:"message"`
	IsResolved       bool       `json:"is_resolved"`
	ResolvedAt       *time.Time `json:"resolved_at,omitempty"`
	AcknowledgedAt   *time.Time `json:"acknowledged_at,omitempty"`
	AcknowledgedBy   *int64     `json:"acknowledged_by,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
}

// IssueSet is the catalog's view of a period's open issues. CanFinalize is an
// advisory hint; the period state machine performs its own authoritative
// red-count and acknowledgement check.
type IssueSet struct {
	Red         []Issue `json:"red_issues"`
	Yellow      []Issue `json:"yellow_issues"`
	CanFinalize bool    `json:"can_finalize"`
}

// YellowIDs returns the ids of all open yellow issues.
func (s IssueSet) YellowIDs() []int64 {
	ids := make([]int64, 0, len(s.Yellow))
	for _, issue := range s.Yellow {
		ids = append(ids, issue.ID)
	}
	return ids
}

// RedIDs returns the ids of all open red issues.
func (s IssueSet) RedIDs() []int64 {
	ids := make([]int64, 0, len(s.Red))
	for _, issue := range s.Red {
		ids = append(ids, issue.ID)
	}
	return ids
}

// RecalcResult reports a recalculation outcome. Skipped is true when the
// ledger has not changed since the previous run and force was false.
type RecalcResult struct {
	IssuesFound int  `json:"issues_found"`
	Skipped     bool `json:"skipped"`
}

// ErrPeriodUnknown indicates the period does not exist in the catalog's scope.
var ErrPeriodUnknown = errors.New("validation: unknown period")
