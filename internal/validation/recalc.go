package validation

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// PeriodSource resolves a period to its administration and date window.
// Implemented by the period repository; the interface keeps this package
// free of a dependency on the state machine.
type PeriodSource interface {
	PeriodWindow(ctx context.Context, periodID int64) (administrationID int64, start, end time.Time, err error)
}

// IssueSyncer is the slice of Repository the recalculator mutates through.
type IssueSyncer interface {
	OpenIssues(ctx context.Context, periodID int64) (IssueSet, error)
	EnsureOpenIssue(ctx context.Context, periodID, administrationID int64, code string, severity Severity, message string) error
	ResolveIssuesExcept(ctx context.Context, periodID int64, openCodes []string) error
	RuleCounts(ctx context.Context, administrationID int64, start, end time.Time) (RuleCounts, error)
	LedgerVersion(ctx context.Context, administrationID int64, start, end time.Time) (int64, error)
	LastRunVersion(ctx context.Context, periodID int64) (int64, bool, error)
	RecordRun(ctx context.Context, periodID, ledgerVersion int64) error
	OpenIssueCount(ctx context.Context, periodID int64) (int, error)
}

// Recalculator re-derives the issue catalog from ledger state. Recalculation
// is idempotent in its own right: without force it skips when the ledger has
// not changed since the previous run.
type Recalculator struct {
	repo    IssueSyncer
	periods PeriodSource
	logger  *slog.Logger
}

// NewRecalculator constructs a Recalculator.
func NewRecalculator(repo IssueSyncer, periods PeriodSource, logger *slog.Logger) *Recalculator {
	return &Recalculator{repo: repo, periods: periods, logger: logger}
}

// Recalculate evaluates the closing rules for the period and syncs the issue
// table: new findings open issues, findings no longer present resolve them.
func (r *Recalculator) Recalculate(ctx context.Context, administrationID, periodID int64, force bool) (RecalcResult, error) {
	owner, start, end, err := r.periods.PeriodWindow(ctx, periodID)
	if err != nil {
		return RecalcResult{}, err
	}
	if owner != administrationID {
		return RecalcResult{}, fmt.Errorf("%w: period %d does not belong to administration %d", ErrPeriodUnknown, periodID, administrationID)
	}

	version, err := r.repo.LedgerVersion(ctx, administrationID, start, end)
	if err != nil {
		return RecalcResult{}, err
	}
	if !force {
		last, ran, err := r.repo.LastRunVersion(ctx, periodID)
		if err != nil {
			return RecalcResult{}, err
		}
		if ran && last == version {
			count, err := r.repo.OpenIssueCount(ctx, periodID)
			if err != nil {
				return RecalcResult{}, err
			}
			return RecalcResult{IssuesFound: count, Skipped: true}, nil
		}
	}

	counts, err := r.repo.RuleCounts(ctx, administrationID, start, end)
	if err != nil {
		return RecalcResult{}, err
	}
	findings := Evaluate(counts)

	openCodes := make([]string, 0, len(findings))
	for _, f := range findings {
		openCodes = append(openCodes, f.Code)
		if err := r.repo.EnsureOpenIssue(ctx, periodID, administrationID, f.Code, f.Severity, f.Message); err != nil {
			return RecalcResult{}, err
		}
	}
	if err := r.repo.ResolveIssuesExcept(ctx, periodID, openCodes); err != nil {
		return RecalcResult{}, err
	}
	if err := r.repo.RecordRun(ctx, periodID, version); err != nil {
		return RecalcResult{}, err
	}

	count, err := r.repo.OpenIssueCount(ctx, periodID)
	if err != nil {
		return RecalcResult{}, err
	}
	if r.logger != nil {
		r.logger.Info("validation recalculated",
			slog.Int64("period_id", periodID),
			slog.Int64("administration_id", administrationID),
			slog.Int("issues_found", count))
	}
	return RecalcResult{IssuesFound: count}, nil
}

// Catalog is the read contract the period state machine consumes.
type Catalog interface {
	OpenIssues(ctx context.Context, periodID int64) (IssueSet, error)
}

var _ Catalog = (*Repository)(nil)
