package bulkhttp

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/require"

	"github.com/helderboek/helderboek/internal/bulk"
	"github.com/helderboek/helderboek/internal/shared"
)

type stubService struct {
	submitFn func(ctx context.Context, in bulk.SubmitInput) (bulk.Operation, bool, error)

	gotSubmit bulk.SubmitInput
	gotFilter bulk.ListFilter
	ops       []bulk.Operation
	listErr   error
}

func (s *stubService) Submit(ctx context.Context, in bulk.SubmitInput) (bulk.Operation, bool, error) {
	s.gotSubmit = in
	if s.submitFn != nil {
		return s.submitFn(ctx, in)
	}
	return bulk.Operation{ID: 1, Status: bulk.StatusPending}, false, nil
}

func (s *stubService) Get(ctx context.Context, id int64) (bulk.Operation, error) {
	return bulk.Operation{ID: id}, nil
}

func (s *stubService) List(ctx context.Context, f bulk.ListFilter) ([]bulk.Operation, error) {
	s.gotFilter = f
	return s.ops, s.listErr
}

func newTestRouter(svc *stubService) http.Handler {
	r := chi.NewRouter()
	NewHandler(slog.New(slog.DiscardHandler), svc).MountRoutes(r)
	return r
}

func doSubmit(t *testing.T, router http.Handler, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/bulk-operations", strings.NewReader(body))
	req.Header.Set("Idempotency-Key", "batch-1")
	req = req.WithContext(shared.ContextWithActor(req.Context(), shared.Actor{ID: 42}))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func TestListParsesStatusAndTypeFilters(t *testing.T) {
	svc := &stubService{ops: []bulk.Operation{{ID: 9, Status: bulk.StatusCompleted}}}
	rec := httptest.NewRecorder()
	newTestRouter(svc).ServeHTTP(rec,
		httptest.NewRequest(http.MethodGet, "/bulk-operations?status=COMPLETED&type=RECALCULATE&limit=10", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, bulk.ListFilter{
		Status: bulk.StatusCompleted,
		Type:   bulk.TypeRecalculate,
		Limit:  10,
	}, svc.gotFilter)

	var body struct {
		Operations []bulk.Operation `json:"operations"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Operations, 1)
}

func TestListRejectsUnknownFilterValues(t *testing.T) {
	for _, target := range []string{
		"/bulk-operations?status=DONE",
		"/bulk-operations?type=REOPEN_PERIOD",
	} {
		rec := httptest.NewRecorder()
		newTestRouter(&stubService{}).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, target, nil))
		require.Equal(t, http.StatusBadRequest, rec.Code, target)
	}
}

func TestSubmitPassesReminderParams(t *testing.T) {
	svc := &stubService{}
	rec := doSubmit(t, newTestRouter(svc), `{
		"operation_type": "SEND_REMINDERS",
		"targets": {"administration_ids": [1, 2]},
		"params": {
			"period_key": "2025-Q2",
			"reminder_type": "EMAIL",
			"reminder_title": "Kwartaal afsluiten",
			"reminder_message": "Lever de laatste stukken aan."
		}
	}`)

	require.Equal(t, http.StatusAccepted, rec.Code)
	require.Equal(t, "batch-1", svc.gotSubmit.IdempotencyKey)
	require.Equal(t, int64(42), svc.gotSubmit.RequestedBy)
	require.Equal(t, bulk.Params{
		PeriodKey:       "2025-Q2",
		ReminderType:    "EMAIL",
		ReminderTitle:   "Kwartaal afsluiten",
		ReminderMessage: "Lever de laatste stukken aan.",
	}, svc.gotSubmit.Params)
}

func TestSubmitWithoutIdempotencyKeyReturns400(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/bulk-operations",
		strings.NewReader(`{"operation_type":"RECALCULATE","targets":{"administration_ids":[1]},"params":{"period_key":"2025-Q2"}}`))
	req = req.WithContext(shared.ContextWithActor(req.Context(), shared.Actor{ID: 42}))
	rec := httptest.NewRecorder()
	newTestRouter(&stubService{}).ServeHTTP(rec, req)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}
