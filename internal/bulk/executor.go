package bulk

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/helderboek/helderboek/internal/admin"
	"github.com/helderboek/helderboek/internal/notify"
	"github.com/helderboek/helderboek/internal/period"
	"github.com/helderboek/helderboek/internal/shared"
	"github.com/helderboek/helderboek/internal/validation"
	"github.com/helderboek/helderboek/internal/vat"
)

// PeriodFinder resolves a period by calendar key within an administration.
type PeriodFinder interface {
	GetByKey(ctx context.Context, administrationID int64, key string) (period.Period, error)
}

// PeriodLockService is the locking slice of the period state machine.
type PeriodLockService interface {
	Lock(ctx context.Context, administrationID, periodID int64, confirmIrreversible bool, actor shared.Actor) (period.Period, error)
}

// Recalculator re-derives the issue catalog for one period.
type Recalculator interface {
	Recalculate(ctx context.Context, administrationID, periodID int64, force bool) (validation.RecalcResult, error)
}

// Acknowledger stamps open yellow issues.
type Acknowledger interface {
	AcknowledgeOpenYellow(ctx context.Context, periodID, actorID int64) (int, error)
}

// DraftGenerator builds VAT drafts.
type DraftGenerator interface {
	Generate(ctx context.Context, administrationID, periodID int64, force bool, actorID int64) (vat.Draft, bool, error)
	GetByPeriod(ctx context.Context, periodID int64) (vat.Draft, error)
}

// AdminSource reads one administration, satisfied by admin.Repository.
type AdminSource interface {
	Get(ctx context.Context, id int64) (admin.Administration, error)
}

// ReminderSender dispatches the closing reminder for one administration.
type ReminderSender interface {
	SendPeriodReminder(ctx context.Context, adm admin.Administration, periodKey string, content notify.Content, vatPayable *decimal.Decimal) (bool, error)
}

// ActionExecutor maps each operation type onto its single-client action. Each
// action independently acquires whatever per-period serialization that
// action's own mutation requires; the executor holds no lock across clients.
type ActionExecutor struct {
	periods  PeriodFinder
	locks    PeriodLockService
	recalc   Recalculator
	acks     Acknowledger
	drafts   DraftGenerator
	admins   AdminSource
	reminder ReminderSender
}

// NewActionExecutor constructs an ActionExecutor.
func NewActionExecutor(periods PeriodFinder, locks PeriodLockService, recalc Recalculator, acks Acknowledger, drafts DraftGenerator, admins AdminSource, reminder ReminderSender) *ActionExecutor {
	return &ActionExecutor{
		periods:  periods,
		locks:    locks,
		recalc:   recalc,
		acks:     acks,
		drafts:   drafts,
		admins:   admins,
		reminder: reminder,
	}
}

var _ Executor = (*ActionExecutor)(nil)

// Execute runs op against one administration.
func (x *ActionExecutor) Execute(ctx context.Context, op Operation, administrationID int64) (string, error) {
	actor := shared.Actor{ID: op.RequestedBy}
	switch op.Type {
	case TypeRecalculate:
		return x.recalculate(ctx, op, administrationID)
	case TypeAcknowledgeYellow:
		return x.acknowledgeYellow(ctx, op, administrationID, actor)
	case TypeGenerateVATDraft:
		return x.generateDraft(ctx, op, administrationID, actor)
	case TypeSendReminders:
		return x.sendReminder(ctx, op, administrationID)
	case TypeLockPeriod:
		return x.lockPeriod(ctx, op, administrationID, actor)
	default:
		return "", fmt.Errorf("bulk: unsupported operation type %q", op.Type)
	}
}

func (x *ActionExecutor) recalculate(ctx context.Context, op Operation, administrationID int64) (string, error) {
	p, err := x.periods.GetByKey(ctx, administrationID, op.Params.PeriodKey)
	if err != nil {
		return "", err
	}
	res, err := x.recalc.Recalculate(ctx, administrationID, p.ID, op.Params.Force)
	if err != nil {
		return "", err
	}
	if res.Skipped {
		return "ledger unchanged since previous run", ErrSkipped
	}
	return fmt.Sprintf("%d open issue(s) after recalculation", res.IssuesFound), nil
}

func (x *ActionExecutor) acknowledgeYellow(ctx context.Context, op Operation, administrationID int64, actor shared.Actor) (string, error) {
	p, err := x.periods.GetByKey(ctx, administrationID, op.Params.PeriodKey)
	if err != nil {
		return "", err
	}
	if p.Status == period.StatusLocked {
		return "period already locked", ErrSkipped
	}
	n, err := x.acks.AcknowledgeOpenYellow(ctx, p.ID, actor.ID)
	if err != nil {
		return "", err
	}
	if n == 0 {
		return "no unacknowledged yellow issues", ErrSkipped
	}
	return fmt.Sprintf("%d yellow issue(s) acknowledged", n), nil
}

func (x *ActionExecutor) generateDraft(ctx context.Context, op Operation, administrationID int64, actor shared.Actor) (string, error) {
	p, err := x.periods.GetByKey(ctx, administrationID, op.Params.PeriodKey)
	if err != nil {
		return "", err
	}
	draft, regenerated, err := x.drafts.Generate(ctx, administrationID, p.ID, op.Params.Force, actor.ID)
	if err != nil {
		return "", err
	}
	if !regenerated {
		return "draft already current for ledger version", ErrSkipped
	}
	return fmt.Sprintf("draft generated, payable %s", draft.TotalPayable.StringFixed(2)), nil
}

func (x *ActionExecutor) sendReminder(ctx context.Context, op Operation, administrationID int64) (string, error) {
	adm, err := x.admins.Get(ctx, administrationID)
	if err != nil {
		return "", err
	}
	var payable *decimal.Decimal
	if op.Params.IncludeVATTotal {
		p, err := x.periods.GetByKey(ctx, administrationID, op.Params.PeriodKey)
		if err != nil {
			return "", err
		}
		draft, err := x.drafts.GetByPeriod(ctx, p.ID)
		switch {
		case err == nil:
			payable = &draft.TotalPayable
		case !errors.Is(err, vat.ErrDraftNotFound):
			return "", err
		}
	}
	content := notify.Content{
		Channel: op.Params.ReminderType,
		Title:   op.Params.ReminderTitle,
		Message: op.Params.ReminderMessage,
	}
	sent, err := x.reminder.SendPeriodReminder(ctx, adm, op.Params.PeriodKey, content, payable)
	if err != nil {
		return "", err
	}
	if !sent {
		return "reminder recently sent", ErrSkipped
	}
	return "reminder queued for " + adm.Email, nil
}

func (x *ActionExecutor) lockPeriod(ctx context.Context, op Operation, administrationID int64, actor shared.Actor) (string, error) {
	p, err := x.periods.GetByKey(ctx, administrationID, op.Params.PeriodKey)
	if err != nil {
		return "", err
	}
	locked, err := x.locks.Lock(ctx, administrationID, p.ID, op.Params.ConfirmIrreversible, actor)
	if err != nil {
		// Locking is one-shot; in a batch an already locked period is a
		// benign state, not a failure to retry.
		if errors.Is(err, period.ErrPeriodLocked) {
			return "period already locked", ErrSkipped
		}
		return "", err
	}
	return fmt.Sprintf("period %s locked at %s", locked.Key, locked.LockedAt.Format("2006-01-02 15:04:05")), nil
}
