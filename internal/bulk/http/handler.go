// Package bulkhttp exposes the bulk operation engine over JSON endpoints.
package bulkhttp

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/helderboek/helderboek/internal/admin"
	"github.com/helderboek/helderboek/internal/bulk"
	"github.com/helderboek/helderboek/internal/platform/httpx"
	"github.com/helderboek/helderboek/internal/shared"
)

type bulkService interface {
	Submit(ctx context.Context, in bulk.SubmitInput) (bulk.Operation, bool, error)
	Get(ctx context.Context, id int64) (bulk.Operation, error)
	List(ctx context.Context, f bulk.ListFilter) ([]bulk.Operation, error)
}

// Handler wires the bulk operation endpoints.
type Handler struct {
	logger    *slog.Logger
	service   bulkService
	validator *validator.Validate
}

// NewHandler constructs a bulk HTTP handler.
func NewHandler(logger *slog.Logger, service bulkService) *Handler {
	return &Handler{logger: logger, service: service, validator: validator.New()}
}

// MountRoutes registers the bulk routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Route("/bulk-operations", func(r chi.Router) {
		r.Post("/", h.submit)
		r.Get("/", h.list)
		r.Get("/{operationID}", h.get)
	})
}

type submitRequest struct {
	OperationType string `json:"operation_type" validate:"required"`
	Targets       struct {
		AdministrationIDs []int64       `json:"administration_ids"`
		Filter            *admin.Filter `json:"filter"`
	} `json:"targets"`
	Params struct {
		PeriodKey           string `json:"period_key" validate:"required"`
		Force               bool   `json:"force"`
		ConfirmIrreversible bool   `json:"confirm_irreversible"`
		IncludeVATTotal     bool   `json:"include_vat_total"`
		ReminderType        string `json:"reminder_type"`
		ReminderTitle       string `json:"reminder_title"`
		ReminderMessage     string `json:"reminder_message"`
	} `json:"params"`
}

type submitResponse struct {
	Operation bulk.Operation `json:"operation"`
	Replayed  bool           `json:"replayed"`
}

func (h *Handler) submit(w http.ResponseWriter, r *http.Request) {
	actor, ok := shared.ActorFromContext(r.Context())
	if !ok {
		httpx.Problem(w, http.StatusUnauthorized, "Unauthorized", "missing actor identity")
		return
	}
	key := r.Header.Get("Idempotency-Key")
	if key == "" {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "Idempotency-Key header required")
		return
	}
	var req submitRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "invalid JSON body")
		return
	}
	if err := h.validator.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}

	op, replayed, err := h.service.Submit(r.Context(), bulk.SubmitInput{
		IdempotencyKey: key,
		Type:           bulk.OperationType(req.OperationType),
		Targets: bulk.Targets{
			AdministrationIDs: req.Targets.AdministrationIDs,
			Filter:            req.Targets.Filter,
		},
		Params: bulk.Params{
			PeriodKey:           req.Params.PeriodKey,
			Force:               req.Params.Force,
			ConfirmIrreversible: req.Params.ConfirmIrreversible,
			IncludeVATTotal:     req.Params.IncludeVATTotal,
			ReminderType:        req.Params.ReminderType,
			ReminderTitle:       req.Params.ReminderTitle,
			ReminderMessage:     req.Params.ReminderMessage,
		},
		RequestedBy: actor.ID,
	})
	if err != nil {
		h.respondError(w, r, "submit bulk operation", err)
		return
	}
	status := http.StatusAccepted
	if replayed {
		status = http.StatusOK
	}
	httpx.JSON(w, status, submitResponse{Operation: op, Replayed: replayed})
}

func (h *Handler) get(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "operationID"), 10, 64)
	if err != nil || id <= 0 {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "invalid operation id")
		return
	}
	op, err := h.service.Get(r.Context(), id)
	if err != nil {
		h.respondError(w, r, "get bulk operation", err)
		return
	}
	httpx.JSON(w, http.StatusOK, op)
}

func (h *Handler) list(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := bulk.ListFilter{
		Status: bulk.Status(q.Get("status")),
		Type:   bulk.OperationType(q.Get("type")),
	}
	filter.Limit, _ = strconv.Atoi(q.Get("limit"))
	if filter.Status != "" && !filter.Status.Valid() {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "unknown status filter")
		return
	}
	if filter.Type != "" && !filter.Type.Valid() {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "unknown operation type filter")
		return
	}
	ops, err := h.service.List(r.Context(), filter)
	if err != nil {
		h.respondError(w, r, "list bulk operations", err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"operations": ops})
}

func (h *Handler) respondError(w http.ResponseWriter, r *http.Request, op string, err error) {
	switch {
	case errors.Is(err, bulk.ErrOperationNotFound):
		httpx.Problem(w, http.StatusNotFound, "Not Found", err.Error())
	case errors.Is(err, bulk.ErrIdempotencyMismatch):
		httpx.Problem(w, http.StatusUnprocessableEntity, "Idempotency Conflict", err.Error())
	case errors.Is(err, bulk.ErrNoTargets), errors.Is(err, bulk.ErrConfirmationRequired), errors.Is(err, bulk.ErrInvalidSubmit):
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", err.Error())
	default:
		h.logger.Error(op, slog.String("path", r.URL.Path), slog.Any("error", err))
		httpx.Problem(w, http.StatusInternalServerError, "Internal Error", "")
	}
}
