package period

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/helderboek/helderboek/internal/audit"
	"github.com/helderboek/helderboek/internal/shared"
	"github.com/helderboek/helderboek/internal/snapshot"
	"github.com/helderboek/helderboek/internal/validation"
)

// Recalculator re-derives the validation issue catalog for a period.
type Recalculator interface {
	Recalculate(ctx context.Context, administrationID, periodID int64, force bool) (validation.RecalcResult, error)
}

// SnapshotBuilder assembles the financial content frozen at finalisation.
type SnapshotBuilder interface {
	Build(ctx context.Context, p Period, acknowledgedYellowIDs []int64) (snapshot.Content, error)
}

// Acknowledger stamps open yellow issues as acknowledged.
type Acknowledger interface {
	AcknowledgeOpenYellow(ctx context.Context, periodID, actorID int64) (int, error)
}

// AuditRecorder persists transition audit entries.
type AuditRecorder interface {
	Record(ctx context.Context, e audit.Entry) error
}

// AuditReader lists the recorded transition history.
type AuditReader interface {
	ListForPeriod(ctx context.Context, periodID int64) ([]audit.Entry, error)
}

// Locker takes the advisory lock around a period transition.
type Locker interface {
	Acquire(ctx context.Context, periodID int64) (func(), error)
}

// TransitionMetrics counts transition attempts by action and outcome.
type TransitionMetrics interface {
	ObserveTransition(action, outcome string)
}

// Current bundles a period with its open validation issues.
type Current struct {
	Period Period              `json:"period"`
	Issues validation.IssueSet `json:"validation"`
}

// FinalizeResult reports a successful (or idempotent) finalisation.
type FinalizeResult struct {
	Period      Period `json:"period"`
	SnapshotID  int64  `json:"snapshot_id"`
	AlreadyDone bool   `json:"already_finalized"`
}

// Service implements the period state machine. All transition decisions are
// made against the row-locked period inside a RepeatableRead transaction; the
// catalog's can_finalize hint is never trusted for gating.
type Service struct {
	repo      Repository
	catalog   validation.Catalog
	recalc    Recalculator
	builder   SnapshotBuilder
	acks      Acknowledger
	audit     AuditRecorder
	history   AuditReader
	locker    Locker
	archiver  snapshot.Archiver
	snapshots *snapshot.Store
	metrics   TransitionMetrics
	logger    *slog.Logger
	now       func() time.Time
}

// ServiceDeps carries the service's collaborators.
type ServiceDeps struct {
	Repo      Repository
	Catalog   validation.Catalog
	Recalc    Recalculator
	Builder   SnapshotBuilder
	Acks      Acknowledger
	Audit     AuditRecorder
	History   AuditReader
	Locker    Locker
	Archiver  snapshot.Archiver
	Snapshots *snapshot.Store
	Metrics   TransitionMetrics
	Logger    *slog.Logger
}

// NewService constructs a Service.
func NewService(d ServiceDeps) *Service {
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		repo:      d.Repo,
		catalog:   d.Catalog,
		recalc:    d.Recalc,
		builder:   d.Builder,
		acks:      d.Acks,
		audit:     d.Audit,
		history:   d.History,
		locker:    d.Locker,
		archiver:  d.Archiver,
		snapshots: d.Snapshots,
		metrics:   d.Metrics,
		logger:    logger,
		now:       time.Now,
	}
}

// GetCurrent returns the period together with its open issue set.
func (s *Service) GetCurrent(ctx context.Context, administrationID, periodID int64) (Current, error) {
	p, err := s.repo.Get(ctx, administrationID, periodID)
	if err != nil {
		return Current{}, err
	}
	issues, err := s.catalog.OpenIssues(ctx, periodID)
	if err != nil {
		return Current{}, err
	}
	return Current{Period: p, Issues: issues}, nil
}

// GetSnapshot returns the closing snapshot, scoped to the administration.
func (s *Service) GetSnapshot(ctx context.Context, administrationID, periodID int64) (snapshot.Snapshot, error) {
	if _, err := s.repo.Get(ctx, administrationID, periodID); err != nil {
		return snapshot.Snapshot{}, err
	}
	return s.snapshots.GetByPeriod(ctx, periodID)
}

// History returns the period's audit trail, scoped to the administration.
func (s *Service) History(ctx context.Context, administrationID, periodID int64) ([]audit.Entry, error) {
	if _, err := s.repo.Get(ctx, administrationID, periodID); err != nil {
		return nil, err
	}
	return s.history.ListForPeriod(ctx, periodID)
}

// StartReview moves an OPEN period into REVIEW and recalculates the issue
// catalog. Calling it on a period already in REVIEW is a safe no-op that
// still refreshes the catalog.
func (s *Service) StartReview(ctx context.Context, administrationID, periodID int64, actor shared.Actor) (Period, validation.RecalcResult, error) {
	var (
		result  Period
		from    Status
		flipped bool
	)
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepo) error {
		p, err := tx.LoadForUpdate(ctx, periodID)
		if err != nil {
			return err
		}
		if p.AdministrationID != administrationID {
			return ErrPeriodNotFound
		}
		from = p.Status
		switch p.Status {
		case StatusLocked:
			return ErrPeriodLocked
		case StatusFinalized:
			return fmt.Errorf("%w: cannot reopen a finalized period for review", ErrInvalidTransition)
		case StatusReview:
			result = p
			return nil
		}
		now := s.now()
		p.Status = StatusReview
		p.ReviewStartedAt = &now
		p.ReviewStartedBy = &actor.ID
		if err := tx.UpdateTransition(ctx, p); err != nil {
			return err
		}
		result = p
		flipped = true
		return nil
	})
	s.recordTransition(ctx, periodID, audit.ActionStartReview, from, StatusReview, actor, err, nil)
	if err != nil {
		return Period{}, validation.RecalcResult{}, err
	}
	if flipped {
		s.observe(audit.ActionStartReview, "ok")
	} else {
		s.observe(audit.ActionStartReview, "noop")
	}

	recalcRes, rerr := s.recalc.Recalculate(ctx, administrationID, periodID, false)
	if rerr != nil {
		// The transition already committed; surface the stale catalog in logs
		// rather than failing the call.
		s.logger.Warn("recalculation after start-review failed",
			slog.Int64("period_id", periodID), slog.Any("error", rerr))
	}
	s.logger.Info("period review started",
		slog.Int64("period_id", periodID),
		slog.Int64("administration_id", administrationID),
		slog.Bool("already_in_review", !flipped))
	return result, recalcRes, nil
}

// Finalize performs the gated OPEN/REVIEW → FINALIZED transition: zero open
// RED issues, every open YELLOW id acknowledged, snapshot insert and status
// flip in one transaction. Finalising an already FINALIZED period returns the
// current state without side effects.
func (s *Service) Finalize(ctx context.Context, administrationID, periodID int64, acknowledgedYellowIDs []int64, actor shared.Actor) (FinalizeResult, error) {
	release, err := s.locker.Acquire(ctx, periodID)
	if err != nil {
		return FinalizeResult{}, ErrTransitionInProgress
	}
	defer release()

	ackIDs := normalizeIDs(acknowledgedYellowIDs)

	var (
		res  FinalizeResult
		from Status
	)
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepo) error {
		p, err := tx.LoadForUpdate(ctx, periodID)
		if err != nil {
			return err
		}
		if p.AdministrationID != administrationID {
			return ErrPeriodNotFound
		}
		from = p.Status
		switch p.Status {
		case StatusLocked:
			return ErrPeriodLocked
		case StatusFinalized:
			res = FinalizeResult{Period: p, AlreadyDone: true}
			return nil
		}

		issues, err := s.catalog.OpenIssues(ctx, periodID)
		if err != nil {
			return err
		}
		if reds := issues.RedIDs(); len(reds) > 0 {
			return &FinalizeBlockedError{RedCount: len(reds), RedIssueIDs: reds}
		}
		if missing := missingIDs(issues.YellowIDs(), ackIDs); len(missing) > 0 {
			return &UnacknowledgedIssuesError{MissingIDs: missing}
		}

		content, err := s.builder.Build(ctx, p, ackIDs)
		if err != nil {
			return fmt.Errorf("period: build snapshot: %w", err)
		}
		content.AcknowledgedYellowIDs = ackIDs

		now := s.now()
		snapID, err := tx.InsertSnapshot(ctx, snapshot.Snapshot{
			PeriodID:  p.ID,
			Content:   content,
			CreatedBy: actor.ID,
		})
		if err != nil {
			if errors.Is(err, snapshot.ErrSnapshotExists) {
				// A concurrent finalize won the race; the row lock should have
				// prevented this, so treat it as a conflict rather than a noop.
				return fmt.Errorf("%w: snapshot already exists", ErrInvalidTransition)
			}
			return err
		}

		p.Status = StatusFinalized
		p.FinalizedAt = &now
		p.FinalizedBy = &actor.ID
		if err := tx.UpdateTransition(ctx, p); err != nil {
			return err
		}
		res = FinalizeResult{Period: p, SnapshotID: snapID}
		return nil
	})

	var snapRef *int64
	if err == nil && !res.AlreadyDone {
		snapRef = &res.SnapshotID
	}
	s.recordTransition(ctx, periodID, audit.ActionFinalize, from, StatusFinalized, actor, err, snapRef)
	if err != nil {
		return FinalizeResult{}, err
	}
	if res.AlreadyDone {
		s.observe(audit.ActionFinalize, "noop")
		return res, nil
	}
	s.observe(audit.ActionFinalize, "ok")

	if s.acks != nil {
		if _, aerr := s.acks.AcknowledgeOpenYellow(ctx, periodID, actor.ID); aerr != nil {
			s.logger.Warn("acknowledgement stamp failed", slog.Int64("period_id", periodID), slog.Any("error", aerr))
		}
	}
	s.archive(ctx, res)
	s.logger.Info("period finalized",
		slog.Int64("period_id", periodID),
		slog.Int64("administration_id", administrationID),
		slog.Int64("snapshot_id", res.SnapshotID),
		slog.Int("acknowledged_yellow", len(ackIDs)))
	return res, nil
}

// Lock performs the one-shot FINALIZED → LOCKED transition. The confirmation
// flag has no default: absent or false always fails.
func (s *Service) Lock(ctx context.Context, administrationID, periodID int64, confirmIrreversible bool, actor shared.Actor) (Period, error) {
	if !confirmIrreversible {
		_ = s.auditRejected(ctx, periodID, audit.ActionLock, actor, "confirm_irreversible not set")
		s.observe(audit.ActionLock, "rejected")
		return Period{}, ErrConfirmationRequired
	}

	release, err := s.locker.Acquire(ctx, periodID)
	if err != nil {
		return Period{}, ErrTransitionInProgress
	}
	defer release()

	var (
		result Period
		from   Status
	)
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepo) error {
		p, err := tx.LoadForUpdate(ctx, periodID)
		if err != nil {
			return err
		}
		if p.AdministrationID != administrationID {
			return ErrPeriodNotFound
		}
		from = p.Status
		switch p.Status {
		case StatusLocked:
			return ErrPeriodLocked
		case StatusOpen, StatusReview:
			return fmt.Errorf("%w: only a finalized period can be locked", ErrInvalidTransition)
		}
		now := s.now()
		p.Status = StatusLocked
		p.LockedAt = &now
		p.LockedBy = &actor.ID
		if err := tx.UpdateTransition(ctx, p); err != nil {
			return err
		}
		result = p
		return nil
	})
	s.recordTransition(ctx, periodID, audit.ActionLock, from, StatusLocked, actor, err, nil)
	if err != nil {
		return Period{}, err
	}
	s.observe(audit.ActionLock, "ok")
	s.logger.Info("period locked",
		slog.Int64("period_id", periodID),
		slog.Int64("administration_id", administrationID),
		slog.Int64("actor_id", actor.ID))
	return result, nil
}

func (s *Service) archive(ctx context.Context, res FinalizeResult) {
	if s.archiver == nil {
		return
	}
	snap := snapshot.Snapshot{ID: res.SnapshotID, PeriodID: res.Period.ID, CreatedBy: derefInt64(res.Period.FinalizedBy)}
	if s.snapshots != nil {
		if stored, err := s.snapshots.GetByPeriod(ctx, res.Period.ID); err == nil {
			snap = stored
		}
	}
	key := fmt.Sprintf("snapshots/%d/%s.json", res.Period.AdministrationID, res.Period.Key)
	if err := s.archiver.Archive(ctx, key, snap); err != nil {
		s.logger.Warn("snapshot archive failed",
			slog.Int64("period_id", res.Period.ID), slog.String("key", key), slog.Any("error", err))
	}
}

// recordTransition writes the audit row for every attempt, rejected ones
// included, and counts the outcome. Audit failures are logged, not
// propagated: a committed transition must not be reported as failed.
func (s *Service) recordTransition(ctx context.Context, periodID int64, action string, from, to Status, actor shared.Actor, cause error, snapshotID *int64) {
	if errors.Is(cause, ErrPeriodNotFound) {
		// Nothing to attach the entry to.
		return
	}
	entry := audit.Entry{
		PeriodID:    periodID,
		Action:      action,
		FromStatus:  string(from),
		PerformedBy: actor.ID,
		SnapshotID:  snapshotID,
	}
	if cause != nil {
		entry.ToStatus = string(from)
		entry.Notes = "rejected: " + cause.Error()
	} else {
		entry.ToStatus = string(to)
	}
	if err := s.audit.Record(ctx, entry); err != nil {
		s.logger.Error("audit write failed",
			slog.Int64("period_id", periodID), slog.String("action", action), slog.Any("error", err))
	}
	if cause != nil {
		s.observe(action, outcomeFor(cause))
	}
}

func (s *Service) auditRejected(ctx context.Context, periodID int64, action string, actor shared.Actor, note string) error {
	return s.audit.Record(ctx, audit.Entry{
		PeriodID:    periodID,
		Action:      action,
		PerformedBy: actor.ID,
		Notes:       "rejected: " + note,
	})
}

func (s *Service) observe(action, outcome string) {
	if s.metrics != nil {
		s.metrics.ObserveTransition(action, outcome)
	}
}

func outcomeFor(err error) string {
	var blocked *FinalizeBlockedError
	var unack *UnacknowledgedIssuesError
	switch {
	case errors.As(err, &blocked):
		return "rejected_red"
	case errors.As(err, &unack):
		return "rejected_unacknowledged"
	case errors.Is(err, ErrPeriodLocked), errors.Is(err, ErrInvalidTransition), errors.Is(err, ErrConfirmationRequired):
		return "rejected"
	default:
		return "error"
	}
}

// normalizeIDs sorts and dedupes the acknowledged set so the snapshot records
// a canonical form.
func normalizeIDs(ids []int64) []int64 {
	out := slices.Clone(ids)
	slices.Sort(out)
	return slices.Compact(out)
}

// missingIDs returns the open yellow ids absent from the acknowledged set.
func missingIDs(open, acknowledged []int64) []int64 {
	var missing []int64
	for _, id := range open {
		if !slices.Contains(acknowledged, id) {
			missing = append(missing, id)
		}
	}
	slices.Sort(missing)
	return missing
}

func derefInt64(v *int64) int64 {
	if v == nil {
		return 0
	}
	return *v
}
