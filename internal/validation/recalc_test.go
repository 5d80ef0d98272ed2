package validation

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type stubPeriods struct {
	owner      int64
	start, end time.Time
}

func (s *stubPeriods) PeriodWindow(ctx context.Context, periodID int64) (int64, time.Time, time.Time, error) {
	return s.owner, s.start, s.end, nil
}

type stubSyncer struct {
	version     int64
	lastVersion int64
	ran         bool
	counts      RuleCounts
	openCount   int

	countsQueried bool
	ensured       []string
	keptCodes     []string
	recordedRuns  []int64
}

func (s *stubSyncer) OpenIssues(ctx context.Context, periodID int64) (IssueSet, error) {
	return IssueSet{}, nil
}

func (s *stubSyncer) EnsureOpenIssue(ctx context.Context, periodID, administrationID int64, code string, severity Severity, message string) error {
	s.ensured = append(s.ensured, code)
	return nil
}

func (s *stubSyncer) ResolveIssuesExcept(ctx context.Context, periodID int64, openCodes []string) error {
	s.keptCodes = openCodes
	return nil
}

func (s *stubSyncer) RuleCounts(ctx context.Context, administrationID int64, start, end time.Time) (RuleCounts, error) {
	s.countsQueried = true
	return s.counts, nil
}

func (s *stubSyncer) LedgerVersion(ctx context.Context, administrationID int64, start, end time.Time) (int64, error) {
	return s.version, nil
}

func (s *stubSyncer) LastRunVersion(ctx context.Context, periodID int64) (int64, bool, error) {
	return s.lastVersion, s.ran, nil
}

func (s *stubSyncer) RecordRun(ctx context.Context, periodID, ledgerVersion int64) error {
	s.recordedRuns = append(s.recordedRuns, ledgerVersion)
	return nil
}

func (s *stubSyncer) OpenIssueCount(ctx context.Context, periodID int64) (int, error) {
	return s.openCount, nil
}

func window() *stubPeriods {
	return &stubPeriods{
		owner: 10,
		start: time.Date(2025, 4, 1, 0, 0, 0, 0, time.UTC),
		end:   time.Date(2025, 6, 30, 0, 0, 0, 0, time.UTC),
	}
}

func TestRecalculateSkipsWhenLedgerUnchanged(t *testing.T) {
	syncer := &stubSyncer{version: 42, lastVersion: 42, ran: true, openCount: 3}
	recalc := NewRecalculator(syncer, window(), nil)

	res, err := recalc.Recalculate(context.Background(), 10, 77, false)
	require.NoError(t, err)
	require.True(t, res.Skipped)
	require.Equal(t, 3, res.IssuesFound)
	require.False(t, syncer.countsQueried)
	require.Empty(t, syncer.recordedRuns)
}

func TestRecalculateRunsWhenLedgerVersionMoved(t *testing.T) {
	// An in-place edit moved the fingerprint without changing the id or
	// count terms. The stale finding from the previous run must be synced
	// away, not left blocking finalisation.
	syncer := &stubSyncer{
		version:     43,
		lastVersion: 42,
		ran:         true,
		counts:      RuleCounts{UnmatchedBank: 2},
		openCount:   1,
	}
	recalc := NewRecalculator(syncer, window(), nil)

	res, err := recalc.Recalculate(context.Background(), 10, 77, false)
	require.NoError(t, err)
	require.False(t, res.Skipped)
	require.Equal(t, 1, res.IssuesFound)
	require.True(t, syncer.countsQueried)
	require.Equal(t, []string{CodeUnmatchedBank}, syncer.ensured)
	// Codes absent from the current findings are resolved.
	require.Equal(t, []string{CodeUnmatchedBank}, syncer.keptCodes)
	require.Equal(t, []int64{43}, syncer.recordedRuns)
}

func TestRecalculateForceBypassesSkip(t *testing.T) {
	syncer := &stubSyncer{version: 42, lastVersion: 42, ran: true}
	recalc := NewRecalculator(syncer, window(), nil)

	res, err := recalc.Recalculate(context.Background(), 10, 77, true)
	require.NoError(t, err)
	require.False(t, res.Skipped)
	require.True(t, syncer.countsQueried)
	require.Equal(t, []int64{42}, syncer.recordedRuns)
}

func TestRecalculateFirstRunNeverSkips(t *testing.T) {
	syncer := &stubSyncer{version: 42, ran: false}
	recalc := NewRecalculator(syncer, window(), nil)

	res, err := recalc.Recalculate(context.Background(), 10, 77, false)
	require.NoError(t, err)
	require.False(t, res.Skipped)
	require.True(t, syncer.countsQueried)
}

func TestRecalculateRejectsForeignPeriod(t *testing.T) {
	recalc := NewRecalculator(&stubSyncer{}, window(), nil)

	_, err := recalc.Recalculate(context.Background(), 99, 77, false)
	require.ErrorIs(t, err, ErrPeriodUnknown)
}

func TestEvaluateMapsCountsToFindings(t *testing.T) {
	findings := Evaluate(RuleCounts{
		SuspenseBalance: 150.25,
		MissingVATCode:  2,
		UnmatchedBank:   1,
		DraftEntries:    4,
	})
	require.Len(t, findings, 4)

	bySeverity := map[string]Severity{}
	for _, f := range findings {
		bySeverity[f.Code] = f.Severity
	}
	require.Equal(t, SeverityRed, bySeverity[CodeSuspenseNotZero])
	require.Equal(t, SeverityRed, bySeverity[CodeMissingVATCode])
	require.Equal(t, SeverityYellow, bySeverity[CodeUnmatchedBank])
	require.Equal(t, SeverityYellow, bySeverity[CodeDraftEntries])

	require.Empty(t, Evaluate(RuleCounts{}))
}
