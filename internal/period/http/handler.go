// Package periodhttp exposes the period state machine over JSON endpoints.
package periodhttp

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/helderboek/helderboek/internal/audit"
	"github.com/helderboek/helderboek/internal/period"
	"github.com/helderboek/helderboek/internal/platform/httpx"
	"github.com/helderboek/helderboek/internal/shared"
	"github.com/helderboek/helderboek/internal/snapshot"
	"github.com/helderboek/helderboek/internal/validation"
)

type periodService interface {
	GetCurrent(ctx context.Context, administrationID, periodID int64) (period.Current, error)
	StartReview(ctx context.Context, administrationID, periodID int64, actor shared.Actor) (period.Period, validation.RecalcResult, error)
	Finalize(ctx context.Context, administrationID, periodID int64, acknowledgedYellowIDs []int64, actor shared.Actor) (period.FinalizeResult, error)
	Lock(ctx context.Context, administrationID, periodID int64, confirmIrreversible bool, actor shared.Actor) (period.Period, error)
	GetSnapshot(ctx context.Context, administrationID, periodID int64) (snapshot.Snapshot, error)
	History(ctx context.Context, administrationID, periodID int64) ([]audit.Entry, error)
}

type periodLister interface {
	ListForAdministration(ctx context.Context, administrationID int64) ([]period.Period, error)
}

// Handler wires the period lifecycle endpoints.
type Handler struct {
	logger  *slog.Logger
	service periodService
	lister  periodLister
}

// NewHandler constructs a period HTTP handler.
func NewHandler(logger *slog.Logger, service periodService, lister periodLister) *Handler {
	return &Handler{logger: logger, service: service, lister: lister}
}

// MountRoutes registers the period routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Route("/administrations/{administrationID}/periods", func(r chi.Router) {
		r.Get("/", h.list)
		r.Get("/{periodID}", h.getCurrent)
		r.Post("/{periodID}/review", h.startReview)
		r.Post("/{periodID}/finalize", h.finalize)
		r.Post("/{periodID}/lock", h.lock)
		r.Get("/{periodID}/snapshot", h.getSnapshot)
		r.Get("/{periodID}/audit", h.history)
	})
}

type startReviewResponse struct {
	Period        period.Period           `json:"period"`
	Recalculation validation.RecalcResult `json:"recalculation"`
}

type finalizeRequest struct {
	AcknowledgedYellowIssueIDs []int64 `json:"acknowledged_yellow_issue_ids"`
}

type lockRequest struct {
	ConfirmIrreversible *bool `json:"confirm_irreversible"`
}

func (h *Handler) list(w http.ResponseWriter, r *http.Request) {
	adminID, ok := pathID(r, "administrationID")
	if !ok {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "invalid administration id")
		return
	}
	periods, err := h.lister.ListForAdministration(r.Context(), adminID)
	if err != nil {
		h.respondError(w, r, "list periods", err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"periods": periods})
}

func (h *Handler) getCurrent(w http.ResponseWriter, r *http.Request) {
	adminID, periodID, ok := pathIDs(r)
	if !ok {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "invalid id")
		return
	}
	current, err := h.service.GetCurrent(r.Context(), adminID, periodID)
	if err != nil {
		h.respondError(w, r, "get period", err)
		return
	}
	httpx.JSON(w, http.StatusOK, current)
}

func (h *Handler) startReview(w http.ResponseWriter, r *http.Request) {
	adminID, periodID, ok := pathIDs(r)
	if !ok {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "invalid id")
		return
	}
	actor, ok := shared.ActorFromContext(r.Context())
	if !ok {
		httpx.Problem(w, http.StatusUnauthorized, "Unauthorized", "missing actor identity")
		return
	}
	p, recalc, err := h.service.StartReview(r.Context(), adminID, periodID, actor)
	if err != nil {
		h.respondError(w, r, "start review", err)
		return
	}
	httpx.JSON(w, http.StatusOK, startReviewResponse{Period: p, Recalculation: recalc})
}

func (h *Handler) finalize(w http.ResponseWriter, r *http.Request) {
	adminID, periodID, ok := pathIDs(r)
	if !ok {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "invalid id")
		return
	}
	actor, ok := shared.ActorFromContext(r.Context())
	if !ok {
		httpx.Problem(w, http.StatusUnauthorized, "Unauthorized", "missing actor identity")
		return
	}
	var req finalizeRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "invalid JSON body")
		return
	}
	res, err := h.service.Finalize(r.Context(), adminID, periodID, req.AcknowledgedYellowIssueIDs, actor)
	if err != nil {
		h.respondError(w, r, "finalize period", err)
		return
	}
	httpx.JSON(w, http.StatusOK, res)
}

func (h *Handler) lock(w http.ResponseWriter, r *http.Request) {
	adminID, periodID, ok := pathIDs(r)
	if !ok {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "invalid id")
		return
	}
	actor, ok := shared.ActorFromContext(r.Context())
	if !ok {
		httpx.Problem(w, http.StatusUnauthorized, "Unauthorized", "missing actor identity")
		return
	}
	var req lockRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "invalid JSON body")
		return
	}
	// Absent and false are equivalent: both are a usage error, not a no-op.
	confirm := req.ConfirmIrreversible != nil && *req.ConfirmIrreversible
	p, err := h.service.Lock(r.Context(), adminID, periodID, confirm, actor)
	if err != nil {
		h.respondError(w, r, "lock period", err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"period": p})
}

func (h *Handler) getSnapshot(w http.ResponseWriter, r *http.Request) {
	adminID, periodID, ok := pathIDs(r)
	if !ok {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "invalid id")
		return
	}
	snap, err := h.service.GetSnapshot(r.Context(), adminID, periodID)
	if err != nil {
		h.respondError(w, r, "get snapshot", err)
		return
	}
	httpx.JSON(w, http.StatusOK, snap)
}

func (h *Handler) history(w http.ResponseWriter, r *http.Request) {
	adminID, periodID, ok := pathIDs(r)
	if !ok {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "invalid id")
		return
	}
	entries, err := h.service.History(r.Context(), adminID, periodID)
	if err != nil {
		h.respondError(w, r, "get audit trail", err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"entries": entries})
}

func (h *Handler) respondError(w http.ResponseWriter, r *http.Request, op string, err error) {
	var blocked *period.FinalizeBlockedError
	var unack *period.UnacknowledgedIssuesError
	switch {
	case errors.As(err, &blocked):
		httpx.ProblemWithIssues(w, http.StatusUnprocessableEntity, "Finalize Blocked",
			"unresolved red issues block finalization", map[string]any{
				"red_count":     blocked.RedCount,
				"red_issue_ids": blocked.RedIssueIDs,
			})
	case errors.As(err, &unack):
		httpx.ProblemWithIssues(w, http.StatusUnprocessableEntity, "Acknowledgement Incomplete",
			"open yellow issues were not acknowledged", map[string]any{
				"missing_yellow_issue_ids": unack.MissingIDs,
			})
	case errors.Is(err, period.ErrPeriodNotFound), errors.Is(err, snapshot.ErrSnapshotNotFound):
		httpx.Problem(w, http.StatusNotFound, "Not Found", err.Error())
	case errors.Is(err, period.ErrConfirmationRequired):
		httpx.Problem(w, http.StatusBadRequest, "Confirmation Required", err.Error())
	case errors.Is(err, period.ErrPeriodLocked), errors.Is(err, period.ErrInvalidTransition):
		httpx.Problem(w, http.StatusConflict, "Invalid Transition", err.Error())
	case errors.Is(err, period.ErrTransitionInProgress):
		httpx.Problem(w, http.StatusConflict, "Transition In Progress", err.Error())
	default:
		h.logger.Error(op, slog.String("path", r.URL.Path), slog.Any("error", err))
		httpx.Problem(w, http.StatusInternalServerError, "Internal Error", "")
	}
}

func pathID(r *http.Request, name string) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, name), 10, 64)
	return id, err == nil && id > 0
}

func pathIDs(r *http.Request) (administrationID, periodID int64, ok bool) {
	administrationID, ok = pathID(r, "administrationID")
	if !ok {
		return 0, 0, false
	}
	periodID, ok = pathID(r, "periodID")
	return administrationID, periodID, ok
}
