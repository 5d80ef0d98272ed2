// Package period owns the accounting-period lifecycle: the OPEN → REVIEW →
// FINALIZED → LOCKED state machine and the closing-validation gates on each
// transition.
package period

import (
	"errors"
	"fmt"
	"time"
)

// Status enumerates the period lifecycle stages. Status only moves forward;
// LOCKED is terminal.
type Status string

const (
	StatusOpen      Status = "OPEN"
	StatusReview    Status = "REVIEW"
	StatusFinalized Status = "FINALIZED"
	StatusLocked    Status = "LOCKED"
)

// Rank orders statuses for the monotonic-forward invariant.
func (s Status) Rank() int {
	switch s {
	case StatusOpen:
		return 0
	case StatusReview:
		return 1
	case StatusFinalized:
		return 2
	case StatusLocked:
		return 3
	default:
		return -1
	}
}

// Type enumerates the supported accounting calendar granularities.
type Type string

const (
	TypeMonth   Type = "MONTH"
	TypeQuarter Type = "QUARTER"
	TypeYear    Type = "YEAR"
)

// Period is one bounded accounting interval of an administration. Rows are
// created when the administration's calendar is provisioned and never
// deleted; only the five transition stamps below ever change.
type Period struct {
	ID               int64      `json:"id"`
	AdministrationID int64      `json:"administration_id"`
	Type             Type       `json:"period_type"`
	Key              string     `json:"key"`
	StartDate        time.Time  `json:"start_date"`
	EndDate          time.Time  `json:"end_date"`
	Status           Status     `json:"status"`
	ReviewStartedAt  *time.Time `json:"review_started_at,omitempty"`
	ReviewStartedBy  *int64     `json:"review_started_by,omitempty"`
	FinalizedAt      *time.Time `json:"finalized_at,omitempty"`
	FinalizedBy      *int64     `json:"finalized_by,omitempty"`
	LockedAt         *time.Time `json:"locked_at,omitempty"`
	LockedBy         *int64     `json:"locked_by,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
}

// ErrPeriodNotFound indicates the period does not exist within the
// administration's scope.
var ErrPeriodNotFound = errors.New("period: not found")

// ErrPeriodLocked is returned for any transition attempt on a LOCKED period.
var ErrPeriodLocked = errors.New("period: period is locked")

// ErrInvalidTransition indicates a transition the state machine does not
// define, e.g. locking a period that was never finalised.
var ErrInvalidTransition = errors.New("period: invalid transition")

// ErrConfirmationRequired is returned when lock is called without the
// explicit confirm_irreversible flag. This is a caller contract violation,
// not a recoverable validation failure.
var ErrConfirmationRequired = errors.New("period: lock requires confirm_irreversible=true")

// ErrTransitionInProgress indicates another request holds the period's
// transition lock; the caller should retry.
var ErrTransitionInProgress = errors.New("period: transition already in progress")

// FinalizeBlockedError rejects finalisation while unresolved RED issues
// remain open. The ids let the client render exactly what to fix.
type FinalizeBlockedError struct {
	RedCount    int
	RedIssueIDs []int64
}

func (e *FinalizeBlockedError) Error() string {
	return fmt.Sprintf("period: finalize blocked by %d unresolved red issue(s)", e.RedCount)
}

// UnacknowledgedIssuesError rejects finalisation when open YELLOW issues are
// missing from the acknowledged set. No partial acknowledgement: every open
// yellow id must be covered.
type UnacknowledgedIssuesError struct {
	MissingIDs []int64
}

func (e *UnacknowledgedIssuesError) Error() string {
	return fmt.Sprintf("period: %d open yellow issue(s) not acknowledged", len(e.MissingIDs))
}
