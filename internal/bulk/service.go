package bulk

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"golang.org/x/crypto/blake2b"
)

// Enqueuer hands an accepted operation to the background queue.
type Enqueuer interface {
	EnqueueBulkExecute(ctx context.Context, operationID int64) error
}

// SubmitInput is one bulk submission.
type SubmitInput struct {
	IdempotencyKey string
	Type           OperationType
	Targets        Targets
	Params         Params
	RequestedBy    int64
}

// Service accepts, deduplicates and exposes bulk operations. Execution
// happens asynchronously; callers poll the operation until it is terminal.
type Service struct {
	store  Store
	queue  Enqueuer
	logger *slog.Logger
}

// NewService constructs a Service.
func NewService(store Store, queue Enqueuer, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{store: store, queue: queue, logger: logger}
}

// Submit validates and stores the operation, then enqueues execution. A
// replayed idempotency key returns the stored operation unchanged, whatever
// its status, so side effects run at most once. Reusing a key with a
// different payload is a conflict.
func (s *Service) Submit(ctx context.Context, in SubmitInput) (Operation, bool, error) {
	if err := validateSubmit(in); err != nil {
		return Operation{}, false, err
	}
	fingerprint, err := Fingerprint(in.Type, in.Targets, in.Params)
	if err != nil {
		return Operation{}, false, err
	}

	op, created, err := s.store.Create(ctx, Operation{
		IdempotencyKey: in.IdempotencyKey,
		Fingerprint:    fingerprint,
		Type:           in.Type,
		Targets:        in.Targets,
		Params:         in.Params,
		RequestedBy:    in.RequestedBy,
	})
	if err != nil {
		return Operation{}, false, err
	}
	if !created {
		if op.Type != in.Type || op.Fingerprint != fingerprint {
			return Operation{}, false, ErrIdempotencyMismatch
		}
		return op, true, nil
	}

	if err := s.queue.EnqueueBulkExecute(ctx, op.ID); err != nil {
		// Release the key so the caller can retry the same submission.
		if derr := s.store.Delete(ctx, op.ID); derr != nil {
			s.logger.Error("release failed submission", slog.Int64("operation_id", op.ID), slog.Any("error", derr))
		}
		return Operation{}, false, fmt.Errorf("bulk: enqueue execution: %w", err)
	}
	s.logger.Info("bulk operation accepted",
		slog.Int64("operation_id", op.ID),
		slog.String("type", string(op.Type)),
		slog.String("idempotency_key", op.IdempotencyKey))
	return op, false, nil
}

// Get returns the operation with its per-client results.
func (s *Service) Get(ctx context.Context, id int64) (Operation, error) {
	return s.store.Get(ctx, id)
}

// List returns recent operations without result items, narrowed by the
// filter's status and type when set.
func (s *Service) List(ctx context.Context, f ListFilter) ([]Operation, error) {
	return s.store.List(ctx, f)
}

func validateSubmit(in SubmitInput) error {
	if strings.TrimSpace(in.IdempotencyKey) == "" {
		return fmt.Errorf("%w: idempotency key required", ErrInvalidSubmit)
	}
	if !in.Type.Valid() {
		return fmt.Errorf("%w: unknown operation type %q", ErrInvalidSubmit, in.Type)
	}
	if len(in.Targets.AdministrationIDs) == 0 && in.Targets.Filter == nil {
		return ErrNoTargets
	}
	if strings.TrimSpace(in.Params.PeriodKey) == "" {
		return fmt.Errorf("%w: period key required", ErrInvalidSubmit)
	}
	if in.Type == TypeLockPeriod && !in.Params.ConfirmIrreversible {
		return ErrConfirmationRequired
	}
	return nil
}

// Fingerprint hashes the operation payload so idempotency-key reuse with a
// different payload is detectable.
func Fingerprint(opType OperationType, targets Targets, params Params) (string, error) {
	payload, err := json.Marshal(struct {
		Type    OperationType `json:"type"`
		Targets Targets       `json:"targets"`
		Params  Params        `json:"params"`
	}{opType, targets, params})
	if err != nil {
		return "", fmt.Errorf("bulk: fingerprint payload: %w", err)
	}
	sum := blake2b.Sum256(payload)
	return hex.EncodeToString(sum[:]), nil
}
