// Package adminhttp exposes the administration roster over JSON, used by
// clients to pick bulk operation targets.
package adminhttp

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/helderboek/helderboek/internal/admin"
	"github.com/helderboek/helderboek/internal/platform/httpx"
)

type rosterLister interface {
	List(ctx context.Context, f admin.Filter) ([]admin.Administration, error)
}

// Handler wires the roster endpoints.
type Handler struct {
	logger *slog.Logger
	roster rosterLister
}

// NewHandler constructs a roster HTTP handler.
func NewHandler(logger *slog.Logger, roster rosterLister) *Handler {
	return &Handler{logger: logger, roster: roster}
}

// MountRoutes registers the roster routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/administrations", h.list)
}

func (h *Handler) list(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var filter admin.Filter
	if raw := q.Get("only_active"); raw != "" {
		active, err := strconv.ParseBool(raw)
		if err != nil {
			httpx.Problem(w, http.StatusBadRequest, "Bad Request", "invalid only_active value")
			return
		}
		filter.OnlyActive = active
	}
	if raw := q.Get("advisor_id"); raw != "" {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || id <= 0 {
			httpx.Problem(w, http.StatusBadRequest, "Bad Request", "invalid advisor_id value")
			return
		}
		filter.AdvisorID = id
	}

	admins, err := h.roster.List(r.Context(), filter)
	if err != nil {
		h.logger.Error("list administrations", slog.String("path", r.URL.Path), slog.Any("error", err))
		httpx.Problem(w, http.StatusInternalServerError, "Internal Error", "")
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"administrations": admins})
}
