// Package bulk applies one operation across a set of target administrations,
// with per-client failure isolation, stable result ordering and
// idempotency-key deduplication.
package bulk

import (
	"errors"
	"time"

	"github.com/helderboek/helderboek/internal/admin"
)

// OperationType enumerates the supported bulk operations.
type OperationType string

const (
	TypeRecalculate       OperationType = "RECALCULATE"
	TypeAcknowledgeYellow OperationType = "ACKNOWLEDGE_YELLOW"
	TypeGenerateVATDraft  OperationType = "GENERATE_VAT_DRAFT"
	TypeSendReminders     OperationType = "SEND_REMINDERS"
	TypeLockPeriod        OperationType = "LOCK_PERIOD"
)

// Valid reports whether the type is a known operation.
func (t OperationType) Valid() bool {
	switch t {
	case TypeRecalculate, TypeAcknowledgeYellow, TypeGenerateVATDraft, TypeSendReminders, TypeLockPeriod:
		return true
	}
	return false
}

// Status is the aggregate lifecycle of one bulk operation.
type Status string

const (
	StatusPending             Status = "PENDING"
	StatusRunning             Status = "RUNNING"
	StatusCompleted           Status = "COMPLETED"
	StatusCompletedWithErrors Status = "COMPLETED_WITH_ERRORS"
	StatusFailed              Status = "FAILED"
)

// Terminal reports whether the status is final.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusCompletedWithErrors, StatusFailed:
		return true
	}
	return false
}

// Valid reports whether the status is a known lifecycle value.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusRunning, StatusCompleted, StatusCompletedWithErrors, StatusFailed:
		return true
	}
	return false
}

// ItemStatus is the per-client outcome.
type ItemStatus string

const (
	ItemSuccess ItemStatus = "SUCCESS"
	ItemFailed  ItemStatus = "FAILED"
	ItemSkipped ItemStatus = "SKIPPED"
)

// Targets selects the administrations an operation applies to: an explicit id
// list, or a roster filter. Exactly one of the two must be set.
type Targets struct {
	AdministrationIDs []int64       `json:"administration_ids,omitempty"`
	Filter            *admin.Filter `json:"filter,omitempty"`
}

// Params carries the operation-specific inputs. PeriodKey selects the period
// per administration by calendar key, since target administrations have
// distinct period ids for the same interval. The reminder fields override the
// composed copy for SEND_REMINDERS; empty values keep the default Dutch
// message on the EMAIL channel.
type Params struct {
	PeriodKey           string `json:"period_key"`
	Force               bool   `json:"force,omitempty"`
	ConfirmIrreversible bool   `json:"confirm_irreversible,omitempty"`
	IncludeVATTotal     bool   `json:"include_vat_total,omitempty"`
	ReminderType        string `json:"reminder_type,omitempty"`
	ReminderTitle       string `json:"reminder_title,omitempty"`
	ReminderMessage     string `json:"reminder_message,omitempty"`
}

// Operation is one submitted bulk operation with its aggregate counters.
// TotalCount is stamped when execution starts, so polling clients can render
// progress against the counters without fetching the results array.
type Operation struct {
	ID             int64         `json:"id"`
	IdempotencyKey string        `json:"idempotency_key"`
	Fingerprint    string        `json:"-"`
	Type           OperationType `json:"operation_type"`
	Targets        Targets       `json:"targets"`
	Params         Params        `json:"params"`
	Status         Status        `json:"status"`
	RequestedBy    int64         `json:"requested_by"`
	TotalCount     int           `json:"total_count"`
	SuccessCount   int           `json:"success_count"`
	FailedCount    int           `json:"failed_count"`
	SkippedCount   int           `json:"skipped_count"`
	CreatedAt      time.Time     `json:"created_at"`
	StartedAt      *time.Time    `json:"started_at,omitempty"`
	FinishedAt     *time.Time    `json:"finished_at,omitempty"`
	Results        []ResultItem  `json:"results,omitempty"`
}

// ResultItem is the outcome for one target administration. Position preserves
// the order targets were resolved in, so retries and audits are reproducible.
type ResultItem struct {
	ID               int64      `json:"id"`
	OperationID      int64      `json:"operation_id"`
	AdministrationID int64      `json:"administration_id"`
	Position         int        `json:"position"`
	Status           ItemStatus `json:"status"`
	Detail           string     `json:"detail,omitempty"`
	FinishedAt       time.Time  `json:"finished_at"`
}

// ErrSkipped signals a per-client action that had nothing to do, e.g. a
// recalculation whose ledger is unchanged. The engine records the item as
// SKIPPED rather than SUCCESS or FAILED.
var ErrSkipped = errors.New("bulk: nothing to do")

// ErrOperationNotFound indicates an unknown operation id.
var ErrOperationNotFound = errors.New("bulk: operation not found")

// ErrIdempotencyMismatch indicates the idempotency key was reused with a
// different operation type or payload.
var ErrIdempotencyMismatch = errors.New("bulk: idempotency key reused with different payload")

// ErrNoTargets indicates the submission selects no administrations.
var ErrNoTargets = errors.New("bulk: no targets given")

// ErrInvalidSubmit indicates a malformed submission.
var ErrInvalidSubmit = errors.New("bulk: invalid submission")

// ErrConfirmationRequired rejects a LOCK_PERIOD submission without the
// explicit confirmation flag; bulk execution never weakens the per-period
// lock safety.
var ErrConfirmationRequired = errors.New("bulk: lock-period requires confirm_irreversible=true")

// AggregateStatus derives the terminal status from the counters.
func AggregateStatus(success, failed, total int) Status {
	switch {
	case failed == 0:
		return StatusCompleted
	case success == 0 && total > 0:
		return StatusFailed
	default:
		return StatusCompletedWithErrors
	}
}
