package bulk

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

type fakeQueue struct {
	enqueued []int64
	err      error
}

func (q *fakeQueue) EnqueueBulkExecute(ctx context.Context, operationID int64) error {
	if q.err != nil {
		return q.err
	}
	q.enqueued = append(q.enqueued, operationID)
	return nil
}

func validSubmit() SubmitInput {
	return SubmitInput{
		IdempotencyKey: "batch-2025q2-recalc",
		Type:           TypeRecalculate,
		Targets:        Targets{AdministrationIDs: []int64{1, 2}},
		Params:         Params{PeriodKey: "2025-Q2"},
		RequestedBy:    7,
	}
}

func TestSubmitAcceptsAndEnqueues(t *testing.T) {
	store := newMemStore()
	queue := &fakeQueue{}
	svc := NewService(store, queue, testLogger())

	op, replayed, err := svc.Submit(context.Background(), validSubmit())
	require.NoError(t, err)
	require.False(t, replayed)
	require.Equal(t, StatusPending, op.Status)
	require.Equal(t, []int64{op.ID}, queue.enqueued)
}

func TestSubmitReplaysSameKey(t *testing.T) {
	store := newMemStore()
	queue := &fakeQueue{}
	svc := NewService(store, queue, testLogger())

	first, _, err := svc.Submit(context.Background(), validSubmit())
	require.NoError(t, err)

	second, replayed, err := svc.Submit(context.Background(), validSubmit())
	require.NoError(t, err)
	require.True(t, replayed)
	require.Equal(t, first.ID, second.ID)
	// Side effects run at most once: no second enqueue.
	require.Len(t, queue.enqueued, 1)
}

func TestSubmitReplayReturnsStoredResult(t *testing.T) {
	store := newMemStore()
	queue := &fakeQueue{}
	svc := NewService(store, queue, testLogger())

	op, _, err := svc.Submit(context.Background(), validSubmit())
	require.NoError(t, err)
	require.NoError(t, store.MarkRunning(context.Background(), op.ID, 2))
	require.NoError(t, store.RecordResult(context.Background(), ResultItem{OperationID: op.ID, AdministrationID: 1, Status: ItemSuccess}))
	require.NoError(t, store.RecordResult(context.Background(), ResultItem{OperationID: op.ID, AdministrationID: 2, Position: 1, Status: ItemFailed, Detail: "boom"}))
	require.NoError(t, store.Finish(context.Background(), op.ID, StatusCompletedWithErrors))

	replay, replayed, err := svc.Submit(context.Background(), validSubmit())
	require.NoError(t, err)
	require.True(t, replayed)
	require.Equal(t, StatusCompletedWithErrors, replay.Status)
	require.Len(t, replay.Results, 2)
}

func TestSubmitRejectsKeyReuseWithDifferentPayload(t *testing.T) {
	store := newMemStore()
	svc := NewService(store, &fakeQueue{}, testLogger())

	_, _, err := svc.Submit(context.Background(), validSubmit())
	require.NoError(t, err)

	changed := validSubmit()
	changed.Params.PeriodKey = "2025-Q3"
	_, _, err = svc.Submit(context.Background(), changed)
	require.ErrorIs(t, err, ErrIdempotencyMismatch)

	otherType := validSubmit()
	otherType.Type = TypeSendReminders
	_, _, err = svc.Submit(context.Background(), otherType)
	require.ErrorIs(t, err, ErrIdempotencyMismatch)
}

func TestSubmitValidation(t *testing.T) {
	svc := NewService(newMemStore(), &fakeQueue{}, testLogger())
	ctx := context.Background()

	noKey := validSubmit()
	noKey.IdempotencyKey = "  "
	_, _, err := svc.Submit(ctx, noKey)
	require.Error(t, err)

	noTargets := validSubmit()
	noTargets.Targets = Targets{}
	_, _, err = svc.Submit(ctx, noTargets)
	require.ErrorIs(t, err, ErrNoTargets)

	badType := validSubmit()
	badType.Type = "REOPEN_PERIOD"
	_, _, err = svc.Submit(ctx, badType)
	require.Error(t, err)

	noPeriod := validSubmit()
	noPeriod.Params.PeriodKey = ""
	_, _, err = svc.Submit(ctx, noPeriod)
	require.Error(t, err)
}

func TestSubmitBulkLockRequiresConfirmation(t *testing.T) {
	svc := NewService(newMemStore(), &fakeQueue{}, testLogger())

	in := validSubmit()
	in.Type = TypeLockPeriod
	_, _, err := svc.Submit(context.Background(), in)
	require.ErrorIs(t, err, ErrConfirmationRequired)

	in.Params.ConfirmIrreversible = true
	_, _, err = svc.Submit(context.Background(), in)
	require.NoError(t, err)
}

func TestListFiltersByStatusAndType(t *testing.T) {
	store := newMemStore()
	queue := &fakeQueue{}
	svc := NewService(store, queue, testLogger())
	ctx := context.Background()

	recalc, _, err := svc.Submit(ctx, validSubmit())
	require.NoError(t, err)

	reminders := validSubmit()
	reminders.IdempotencyKey = "batch-2025q2-reminders"
	reminders.Type = TypeSendReminders
	_, _, err = svc.Submit(ctx, reminders)
	require.NoError(t, err)

	require.NoError(t, store.MarkRunning(ctx, recalc.ID, 2))
	require.NoError(t, store.Finish(ctx, recalc.ID, StatusCompleted))

	byType, err := svc.List(ctx, ListFilter{Type: TypeSendReminders})
	require.NoError(t, err)
	require.Len(t, byType, 1)
	require.Equal(t, TypeSendReminders, byType[0].Type)

	byStatus, err := svc.List(ctx, ListFilter{Status: StatusCompleted})
	require.NoError(t, err)
	require.Len(t, byStatus, 1)
	require.Equal(t, recalc.ID, byStatus[0].ID)

	both, err := svc.List(ctx, ListFilter{Status: StatusCompleted, Type: TypeSendReminders})
	require.NoError(t, err)
	require.Empty(t, both)

	all, err := svc.List(ctx, ListFilter{})
	require.NoError(t, err)
	require.Len(t, all, 2)
}

func TestSubmitReleasesKeyWhenEnqueueFails(t *testing.T) {
	store := newMemStore()
	queue := &fakeQueue{err: fmt.Errorf("redis down")}
	svc := NewService(store, queue, testLogger())

	_, _, err := svc.Submit(context.Background(), validSubmit())
	require.Error(t, err)

	// The same key is accepted once the queue recovers.
	queue.err = nil
	op, replayed, err := svc.Submit(context.Background(), validSubmit())
	require.NoError(t, err)
	require.False(t, replayed)
	require.Equal(t, []int64{op.ID}, queue.enqueued)
}
