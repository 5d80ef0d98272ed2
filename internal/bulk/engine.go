package bulk

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/helderboek/helderboek/internal/admin"
)

// Roster resolves target administrations, satisfied by admin.Repository.
type Roster interface {
	List(ctx context.Context, f admin.Filter) ([]admin.Administration, error)
	Exists(ctx context.Context, ids []int64) (map[int64]bool, error)
}

// Executor runs one operation against one administration. A nil error is
// SUCCESS, ErrSkipped is SKIPPED, anything else is FAILED. The returned
// detail is stored on the result item either way.
type Executor interface {
	Execute(ctx context.Context, op Operation, administrationID int64) (string, error)
}

// EngineMetrics counts finished operations and per-client outcomes.
type EngineMetrics interface {
	ObserveBulkOperation(opType, status string)
	ObserveBulkClient(opType, status string)
}

// Engine executes submitted operations with bounded parallelism. Per-client
// outcomes are independent: a failing or panicking client records a FAILED
// item and the batch continues.
type Engine struct {
	store       Store
	roster      Roster
	executor    Executor
	metrics     EngineMetrics
	logger      *slog.Logger
	parallelism int
}

// NewEngine constructs an Engine. Parallelism below 1 defaults to 4.
func NewEngine(store Store, roster Roster, executor Executor, metrics EngineMetrics, logger *slog.Logger, parallelism int) *Engine {
	if parallelism < 1 {
		parallelism = 4
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{store: store, roster: roster, executor: executor, metrics: metrics, logger: logger, parallelism: parallelism}
}

type outcome struct {
	status ItemStatus
	detail string
}

// Execute runs the operation to completion and stamps the aggregate status.
// Redelivery of an already finished operation is a no-op.
func (e *Engine) Execute(ctx context.Context, operationID int64) error {
	op, err := e.store.Get(ctx, operationID)
	if err != nil {
		return err
	}
	if op.Status.Terminal() {
		return nil
	}
	if op.Status == StatusRunning {
		// A previous attempt died mid-run. There is no resume contract;
		// leave the partial results for inspection instead of re-executing
		// side effects against clients that already succeeded.
		e.logger.Warn("bulk operation already running, skipping redelivery", slog.Int64("operation_id", op.ID))
		return nil
	}

	targets, known, err := e.resolveTargets(ctx, op.Targets)
	if err != nil {
		return fmt.Errorf("bulk: resolve targets: %w", err)
	}
	if err := e.store.MarkRunning(ctx, op.ID, len(targets)); err != nil {
		return err
	}

	outcomes := make([]outcome, len(targets))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.parallelism)
	for i, adminID := range targets {
		g.Go(func() error {
			var out outcome
			if !known[adminID] {
				out = outcome{status: ItemFailed, detail: "unknown administration"}
			} else {
				out = e.runOne(gctx, op, adminID)
			}
			outcomes[i] = out
			if err := e.store.RecordResult(gctx, ResultItem{
				OperationID:      op.ID,
				AdministrationID: adminID,
				Position:         i,
				Status:           out.status,
				Detail:           out.detail,
			}); err != nil {
				e.logger.Error("record bulk result",
					slog.Int64("operation_id", op.ID),
					slog.Int64("administration_id", adminID),
					slog.Any("error", err))
			}
			if e.metrics != nil {
				e.metrics.ObserveBulkClient(string(op.Type), string(out.status))
			}
			return nil
		})
	}
	_ = g.Wait()

	var success, failed int
	for _, out := range outcomes {
		switch out.status {
		case ItemSuccess:
			success++
		case ItemFailed:
			failed++
		}
	}
	status := AggregateStatus(success, failed, len(targets))
	if err := e.store.Finish(ctx, op.ID, status); err != nil {
		return err
	}
	if e.metrics != nil {
		e.metrics.ObserveBulkOperation(string(op.Type), string(status))
	}
	e.logger.Info("bulk operation finished",
		slog.Int64("operation_id", op.ID),
		slog.String("type", string(op.Type)),
		slog.String("status", string(status)),
		slog.Int("targets", len(targets)),
		slog.Int("failed", failed))
	return nil
}

// runOne executes a single client inside the failure boundary.
func (e *Engine) runOne(ctx context.Context, op Operation, administrationID int64) (out outcome) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("bulk client panicked",
				slog.Int64("operation_id", op.ID),
				slog.Int64("administration_id", administrationID),
				slog.Any("panic", r))
			out = outcome{status: ItemFailed, detail: fmt.Sprintf("panic: %v", r)}
		}
	}()
	detail, err := e.executor.Execute(ctx, op, administrationID)
	switch {
	case err == nil:
		return outcome{status: ItemSuccess, detail: detail}
	case errors.Is(err, ErrSkipped):
		if detail == "" {
			detail = err.Error()
		}
		return outcome{status: ItemSkipped, detail: detail}
	default:
		return outcome{status: ItemFailed, detail: err.Error()}
	}
}

// resolveTargets produces the stable, ordered target list. Explicit ids keep
// their submission order; unknown ids stay in the list and fail per-client.
func (e *Engine) resolveTargets(ctx context.Context, t Targets) ([]int64, map[int64]bool, error) {
	if len(t.AdministrationIDs) > 0 {
		known, err := e.roster.Exists(ctx, t.AdministrationIDs)
		if err != nil {
			return nil, nil, err
		}
		return t.AdministrationIDs, known, nil
	}
	var filter admin.Filter
	if t.Filter != nil {
		filter = *t.Filter
	}
	admins, err := e.roster.List(ctx, filter)
	if err != nil {
		return nil, nil, err
	}
	ids := make([]int64, 0, len(admins))
	known := make(map[int64]bool, len(admins))
	for _, a := range admins {
		ids = append(ids, a.ID)
		known[a.ID] = true
	}
	return ids, known, nil
}
