package adminhttp

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/require"

	"github.com/helderboek/helderboek/internal/admin"
)

type stubRoster struct {
	gotFilter admin.Filter
	admins    []admin.Administration
	err       error
}

func (s *stubRoster) List(ctx context.Context, f admin.Filter) ([]admin.Administration, error) {
	s.gotFilter = f
	return s.admins, s.err
}

func newTestRouter(roster *stubRoster) http.Handler {
	r := chi.NewRouter()
	NewHandler(slog.New(slog.DiscardHandler), roster).MountRoutes(r)
	return r
}

func TestListReturnsRoster(t *testing.T) {
	roster := &stubRoster{admins: []admin.Administration{
		{ID: 1, Name: "Bakkerij Jansen", KvKNumber: "12345678", Email: "jansen@example.nl", IsActive: true},
		{ID: 2, Name: "Fietsenmaker De Vries", IsActive: false},
	}}
	rec := httptest.NewRecorder()
	newTestRouter(roster).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/administrations", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Administrations []admin.Administration `json:"administrations"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Administrations, 2)
	require.Equal(t, "Bakkerij Jansen", body.Administrations[0].Name)
	require.Equal(t, admin.Filter{}, roster.gotFilter)
}

func TestListParsesFilterParams(t *testing.T) {
	roster := &stubRoster{}
	rec := httptest.NewRecorder()
	newTestRouter(roster).ServeHTTP(rec,
		httptest.NewRequest(http.MethodGet, "/administrations?only_active=true&advisor_id=9", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, admin.Filter{OnlyActive: true, AdvisorID: 9}, roster.gotFilter)
}

func TestListRejectsInvalidFilterParams(t *testing.T) {
	for _, target := range []string{
		"/administrations?only_active=misschien",
		"/administrations?advisor_id=abc",
		"/administrations?advisor_id=-1",
	} {
		rec := httptest.NewRecorder()
		newTestRouter(&stubRoster{}).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, target, nil))
		require.Equal(t, http.StatusBadRequest, rec.Code, target)
	}
}
