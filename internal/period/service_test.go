package period

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/helderboek/helderboek/internal/audit"
	"github.com/helderboek/helderboek/internal/shared"
	"github.com/helderboek/helderboek/internal/snapshot"
	"github.com/helderboek/helderboek/internal/validation"
)

type memoryRepo struct {
	periods    map[int64]*Period
	snapshots  map[int64]snapshot.Snapshot
	nextSnapID int64
}

func newMemoryRepo(periods ...Period) *memoryRepo {
	r := &memoryRepo{
		periods:   make(map[int64]*Period),
		snapshots: make(map[int64]snapshot.Snapshot),
	}
	for i := range periods {
		p := periods[i]
		r.periods[p.ID] = &p
	}
	return r
}

func (r *memoryRepo) WithTx(ctx context.Context, fn func(context.Context, TxRepo) error) error {
	return fn(ctx, r)
}

func (r *memoryRepo) Get(ctx context.Context, administrationID, periodID int64) (Period, error) {
	p, ok := r.periods[periodID]
	if !ok || p.AdministrationID != administrationID {
		return Period{}, ErrPeriodNotFound
	}
	return *p, nil
}

func (r *memoryRepo) GetByKey(ctx context.Context, administrationID int64, key string) (Period, error) {
	for _, p := range r.periods {
		if p.AdministrationID == administrationID && p.Key == key {
			return *p, nil
		}
	}
	return Period{}, ErrPeriodNotFound
}

func (r *memoryRepo) ListForAdministration(ctx context.Context, administrationID int64) ([]Period, error) {
	var out []Period
	for _, p := range r.periods {
		if p.AdministrationID == administrationID {
			out = append(out, *p)
		}
	}
	return out, nil
}

func (r *memoryRepo) LoadForUpdate(ctx context.Context, periodID int64) (Period, error) {
	p, ok := r.periods[periodID]
	if !ok {
		return Period{}, ErrPeriodNotFound
	}
	return *p, nil
}

func (r *memoryRepo) UpdateTransition(ctx context.Context, p Period) error {
	if _, ok := r.periods[p.ID]; !ok {
		return ErrPeriodNotFound
	}
	stored := p
	r.periods[p.ID] = &stored
	return nil
}

func (r *memoryRepo) InsertSnapshot(ctx context.Context, snap snapshot.Snapshot) (int64, error) {
	if _, ok := r.snapshots[snap.PeriodID]; ok {
		return 0, snapshot.ErrSnapshotExists
	}
	r.nextSnapID++
	snap.ID = r.nextSnapID
	snap.CreatedAt = time.Now()
	r.snapshots[snap.PeriodID] = snap
	return snap.ID, nil
}

type fakeCatalog struct {
	set validation.IssueSet
}

func (c *fakeCatalog) OpenIssues(ctx context.Context, periodID int64) (validation.IssueSet, error) {
	return c.set, nil
}

type fakeRecalc struct {
	calls int
	err   error
}

func (f *fakeRecalc) Recalculate(ctx context.Context, administrationID, periodID int64, force bool) (validation.RecalcResult, error) {
	f.calls++
	if f.err != nil {
		return validation.RecalcResult{}, f.err
	}
	return validation.RecalcResult{IssuesFound: 2}, nil
}

type fakeBuilder struct {
	built int
	err   error
}

func (f *fakeBuilder) Build(ctx context.Context, p Period, acknowledgedYellowIDs []int64) (snapshot.Content, error) {
	f.built++
	if f.err != nil {
		return snapshot.Content{}, f.err
	}
	return snapshot.Content{}, nil
}

type recordingAudit struct {
	entries []audit.Entry
}

func (a *recordingAudit) Record(ctx context.Context, e audit.Entry) error {
	a.entries = append(a.entries, e)
	return nil
}

func (a *recordingAudit) ListForPeriod(ctx context.Context, periodID int64) ([]audit.Entry, error) {
	var out []audit.Entry
	for _, e := range a.entries {
		if e.PeriodID == periodID {
			out = append(out, e)
		}
	}
	return out, nil
}

type noopLocker struct{}

func (noopLocker) Acquire(ctx context.Context, periodID int64) (func(), error) {
	return func() {}, nil
}

type heldLocker struct{}

func (heldLocker) Acquire(ctx context.Context, periodID int64) (func(), error) {
	return nil, shared.ErrLockHeld
}

type fakeAcks struct {
	stamped int
}

func (f *fakeAcks) AcknowledgeOpenYellow(ctx context.Context, periodID, actorID int64) (int, error) {
	f.stamped++
	return 2, nil
}

func yellowIssue(id int64) validation.Issue {
	return validation.Issue{ID: id, Severity: validation.SeverityYellow, Code: validation.CodeDraftEntries}
}

func redIssue(id int64) validation.Issue {
	return validation.Issue{ID: id, Severity: validation.SeverityRed, Code: validation.CodeSuspenseNotZero}
}

type fixture struct {
	repo    *memoryRepo
	catalog *fakeCatalog
	recalc  *fakeRecalc
	builder *fakeBuilder
	audit   *recordingAudit
	acks    *fakeAcks
	svc     *Service
}

func newFixture(t *testing.T, p Period, issues validation.IssueSet) *fixture {
	t.Helper()
	f := &fixture{
		repo:    newMemoryRepo(p),
		catalog: &fakeCatalog{set: issues},
		recalc:  &fakeRecalc{},
		builder: &fakeBuilder{},
		audit:   &recordingAudit{},
		acks:    &fakeAcks{},
	}
	f.svc = NewService(ServiceDeps{
		Repo:    f.repo,
		Catalog: f.catalog,
		Recalc:  f.recalc,
		Builder: f.builder,
		Acks:    f.acks,
		Audit:   f.audit,
		History: f.audit,
		Locker:  noopLocker{},
		Logger:  slog.New(slog.DiscardHandler),
	})
	return f
}

func openPeriod() Period {
	return Period{
		ID:               10,
		AdministrationID: 1,
		Type:             TypeQuarter,
		Key:              "2025-Q2",
		StartDate:        time.Date(2025, 4, 1, 0, 0, 0, 0, time.UTC),
		EndDate:          time.Date(2025, 6, 30, 0, 0, 0, 0, time.UTC),
		Status:           StatusOpen,
	}
}

var actor = shared.Actor{ID: 7, Email: "fiscalist@helderboek.nl"}

func TestStartReviewFlipsStatusAndRecalculates(t *testing.T) {
	f := newFixture(t, openPeriod(), validation.IssueSet{CanFinalize: true})

	p, _, err := f.svc.StartReview(context.Background(), 1, 10, actor)
	require.NoError(t, err)
	require.Equal(t, StatusReview, p.Status)
	require.NotNil(t, p.ReviewStartedAt)
	require.Equal(t, actor.ID, *p.ReviewStartedBy)
	require.Equal(t, 1, f.recalc.calls)

	require.Len(t, f.audit.entries, 1)
	require.Equal(t, audit.ActionStartReview, f.audit.entries[0].Action)
	require.Equal(t, string(StatusOpen), f.audit.entries[0].FromStatus)
	require.Equal(t, string(StatusReview), f.audit.entries[0].ToStatus)
}

func TestStartReviewIsReentrant(t *testing.T) {
	f := newFixture(t, openPeriod(), validation.IssueSet{CanFinalize: true})

	first, _, err := f.svc.StartReview(context.Background(), 1, 10, actor)
	require.NoError(t, err)
	second, _, err := f.svc.StartReview(context.Background(), 1, 10, actor)
	require.NoError(t, err)
	require.Equal(t, first.Status, second.Status)
	require.Equal(t, first.ReviewStartedAt, second.ReviewStartedAt)
	// The catalog is still refreshed on re-entry.
	require.Equal(t, 2, f.recalc.calls)
}

func TestStartReviewRejectsWrongAdministration(t *testing.T) {
	f := newFixture(t, openPeriod(), validation.IssueSet{})

	_, _, err := f.svc.StartReview(context.Background(), 99, 10, actor)
	require.ErrorIs(t, err, ErrPeriodNotFound)
	require.Empty(t, f.audit.entries)
}

func TestFinalizeBlockedByRedIssues(t *testing.T) {
	issues := validation.IssueSet{
		Red:    []validation.Issue{redIssue(1)},
		Yellow: []validation.Issue{yellowIssue(2)},
	}
	f := newFixture(t, openPeriod(), issues)

	_, err := f.svc.Finalize(context.Background(), 1, 10, []int64{2}, actor)
	var blocked *FinalizeBlockedError
	require.ErrorAs(t, err, &blocked)
	require.Equal(t, 1, blocked.RedCount)
	require.Equal(t, []int64{1}, blocked.RedIssueIDs)

	// Nothing flipped, nothing snapshotted, attempt still audited.
	p, err := f.repo.Get(context.Background(), 1, 10)
	require.NoError(t, err)
	require.Equal(t, StatusOpen, p.Status)
	require.Empty(t, f.repo.snapshots)
	require.Len(t, f.audit.entries, 1)
	require.Contains(t, f.audit.entries[0].Notes, "rejected")
}

func TestFinalizeRequiresFullAcknowledgement(t *testing.T) {
	issues := validation.IssueSet{
		Yellow:      []validation.Issue{yellowIssue(21), yellowIssue(22)},
		CanFinalize: true,
	}
	f := newFixture(t, openPeriod(), issues)

	_, err := f.svc.Finalize(context.Background(), 1, 10, []int64{21}, actor)
	var unack *UnacknowledgedIssuesError
	require.ErrorAs(t, err, &unack)
	require.Equal(t, []int64{22}, unack.MissingIDs)
	require.Empty(t, f.repo.snapshots)
}

func TestFinalizeSucceedsWithAllYellowsAcknowledged(t *testing.T) {
	issues := validation.IssueSet{
		Yellow:      []validation.Issue{yellowIssue(21), yellowIssue(22)},
		CanFinalize: true,
	}
	f := newFixture(t, openPeriod(), issues)

	res, err := f.svc.Finalize(context.Background(), 1, 10, []int64{22, 21, 21}, actor)
	require.NoError(t, err)
	require.False(t, res.AlreadyDone)
	require.Equal(t, StatusFinalized, res.Period.Status)
	require.NotZero(t, res.SnapshotID)

	snap := f.repo.snapshots[10]
	require.Equal(t, []int64{21, 22}, snap.Content.AcknowledgedYellowIDs)
	require.Equal(t, actor.ID, snap.CreatedBy)
	require.Equal(t, 1, f.acks.stamped)

	require.Len(t, f.audit.entries, 1)
	entry := f.audit.entries[0]
	require.Equal(t, audit.ActionFinalize, entry.Action)
	require.NotNil(t, entry.SnapshotID)
	require.Equal(t, res.SnapshotID, *entry.SnapshotID)
}

func TestFinalizeIsIdempotent(t *testing.T) {
	f := newFixture(t, openPeriod(), validation.IssueSet{CanFinalize: true})

	first, err := f.svc.Finalize(context.Background(), 1, 10, nil, actor)
	require.NoError(t, err)
	require.False(t, first.AlreadyDone)

	second, err := f.svc.Finalize(context.Background(), 1, 10, nil, actor)
	require.NoError(t, err)
	require.True(t, second.AlreadyDone)
	require.Equal(t, StatusFinalized, second.Period.Status)
	require.Len(t, f.repo.snapshots, 1)
	require.Equal(t, 1, f.builder.built)
}

func TestFinalizeFailsClosedWhenBuilderErrors(t *testing.T) {
	f := newFixture(t, openPeriod(), validation.IssueSet{CanFinalize: true})
	f.builder.err = errors.New("ledger unavailable")

	_, err := f.svc.Finalize(context.Background(), 1, 10, nil, actor)
	require.Error(t, err)

	p, err := f.repo.Get(context.Background(), 1, 10)
	require.NoError(t, err)
	require.Equal(t, StatusOpen, p.Status)
	require.Empty(t, f.repo.snapshots)
}

func TestFinalizeWhileTransitionInProgress(t *testing.T) {
	f := newFixture(t, openPeriod(), validation.IssueSet{CanFinalize: true})
	f.svc.locker = heldLocker{}

	_, err := f.svc.Finalize(context.Background(), 1, 10, nil, actor)
	require.ErrorIs(t, err, ErrTransitionInProgress)
}

func TestLockRequiresExplicitConfirmation(t *testing.T) {
	p := openPeriod()
	p.Status = StatusFinalized
	f := newFixture(t, p, validation.IssueSet{CanFinalize: true})

	_, err := f.svc.Lock(context.Background(), 1, 10, false, actor)
	require.ErrorIs(t, err, ErrConfirmationRequired)

	stored, err := f.repo.Get(context.Background(), 1, 10)
	require.NoError(t, err)
	require.Equal(t, StatusFinalized, stored.Status)
	require.Len(t, f.audit.entries, 1)
	require.Contains(t, f.audit.entries[0].Notes, "confirm_irreversible")
}

func TestLockIsOneShot(t *testing.T) {
	p := openPeriod()
	p.Status = StatusFinalized
	f := newFixture(t, p, validation.IssueSet{CanFinalize: true})

	locked, err := f.svc.Lock(context.Background(), 1, 10, true, actor)
	require.NoError(t, err)
	require.Equal(t, StatusLocked, locked.Status)
	require.NotNil(t, locked.LockedAt)

	_, err = f.svc.Lock(context.Background(), 1, 10, true, actor)
	require.ErrorIs(t, err, ErrPeriodLocked)
}

func TestLockRejectsNonFinalizedPeriod(t *testing.T) {
	f := newFixture(t, openPeriod(), validation.IssueSet{CanFinalize: true})

	_, err := f.svc.Lock(context.Background(), 1, 10, true, actor)
	require.ErrorIs(t, err, ErrInvalidTransition)
}

func TestLockedPeriodRejectsEveryTransition(t *testing.T) {
	p := openPeriod()
	p.Status = StatusLocked
	f := newFixture(t, p, validation.IssueSet{CanFinalize: true})

	_, _, err := f.svc.StartReview(context.Background(), 1, 10, actor)
	require.ErrorIs(t, err, ErrPeriodLocked)
	_, err = f.svc.Finalize(context.Background(), 1, 10, nil, actor)
	require.ErrorIs(t, err, ErrPeriodLocked)
}

// Mirrors the canonical closing flow: one red, two yellows, resolve the red,
// acknowledge both yellows, finalize, then lock.
func TestClosingScenario(t *testing.T) {
	issues := validation.IssueSet{
		Red:    []validation.Issue{redIssue(1)},
		Yellow: []validation.Issue{yellowIssue(2), yellowIssue(3)},
	}
	f := newFixture(t, openPeriod(), issues)
	ctx := context.Background()

	_, _, err := f.svc.StartReview(ctx, 1, 10, actor)
	require.NoError(t, err)

	_, err = f.svc.Finalize(ctx, 1, 10, nil, actor)
	var blocked *FinalizeBlockedError
	require.ErrorAs(t, err, &blocked)

	// Red resolved upstream.
	f.catalog.set = validation.IssueSet{
		Yellow:      []validation.Issue{yellowIssue(2), yellowIssue(3)},
		CanFinalize: true,
	}

	_, err = f.svc.Finalize(ctx, 1, 10, []int64{2}, actor)
	var unack *UnacknowledgedIssuesError
	require.ErrorAs(t, err, &unack)
	require.Equal(t, []int64{3}, unack.MissingIDs)

	res, err := f.svc.Finalize(ctx, 1, 10, []int64{2, 3}, actor)
	require.NoError(t, err)
	require.Equal(t, StatusFinalized, res.Period.Status)

	_, err = f.svc.Lock(ctx, 1, 10, false, actor)
	require.ErrorIs(t, err, ErrConfirmationRequired)

	locked, err := f.svc.Lock(ctx, 1, 10, true, actor)
	require.NoError(t, err)
	require.Equal(t, StatusLocked, locked.Status)

	_, err = f.svc.Finalize(ctx, 1, 10, []int64{2, 3}, actor)
	require.ErrorIs(t, err, ErrPeriodLocked)

	// Every attempt left a trace: review, three finalize attempts, two lock
	// attempts, and the rejected post-lock finalize.
	entries, err := f.svc.History(ctx, 1, 10)
	require.NoError(t, err)
	require.Len(t, entries, 7)
}
