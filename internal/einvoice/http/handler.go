package einvoicehttp

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/meridian-erp/meridian-erp/internal/einvoice"
	"github.com/meridian-erp/meridian-erp/internal/platform/httpx"
)

// Submitter is the submission side of the e-invoice service.
type Submitter interface {
	SubmitBatch(ctx context.Context, tenantID int64, documentIDs []int64, observer einvoice.Observer) (*einvoice.Tracker, error)
	CancelDocument(ctx context.Context, documentID int64, reason string) error
}

// SchedulerAPI is the consolidation side exposed over HTTP.
type SchedulerAPI interface {
	RunDueConsolidations(ctx context.Context) (einvoice.RunSummary, error)
	ScheduleNextMonth(ctx context.Context) (int, error)
	CancelConsolidation(ctx context.Context, taskID int64, reason string) error
}

// TaskLister reads consolidation tasks for display.
type TaskLister interface {
	ListConsolidationTasks(ctx context.Context, tenantID int64, limit int) ([]einvoice.ConsolidationTask, error)
}

// Handler wires the e-invoice JSON endpoints.
type Handler struct {
	logger    *slog.Logger
	service   Submitter
	scheduler SchedulerAPI
	tasks     TaskLister
	snapshots *einvoice.SnapshotStore
	validate  *validator.Validate

	// baseCtx outlives individual requests; submissions keep polling after
	// the submitting request returns.
	baseCtx context.Context
}

// NewHandler constructs the e-invoice HTTP handler. baseCtx bounds the
// lifetime of background submissions; pass the server's root context.
func NewHandler(baseCtx context.Context, logger *slog.Logger, service Submitter, scheduler SchedulerAPI, tasks TaskLister, snapshots *einvoice.SnapshotStore) *Handler {
	if baseCtx == nil {
		baseCtx = context.Background()
	}
	if snapshots == nil {
		snapshots = einvoice.NewSnapshotStore(nil, 0)
	}
	return &Handler{
		logger:    logger,
		service:   service,
		scheduler: scheduler,
		tasks:     tasks,
		snapshots: snapshots,
		validate:  validator.New(),
		baseCtx:   baseCtx,
	}
}

// MountRoutes registers routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Route("/einvoice", func(r chi.Router) {
		r.Post("/submissions", h.createSubmission)
		r.Get("/submissions/{ref}", h.getSubmission)
		r.Post("/documents/{id}/cancel", h.cancelDocument)
		r.Get("/consolidations", h.listConsolidations)
		r.Post("/consolidations/run", h.runConsolidations)
		r.Post("/consolidations/schedule", h.scheduleConsolidations)
		r.Post("/consolidations/{id}/cancel", h.cancelConsolidation)
	})
}

type createSubmissionRequest struct {
	TenantID    int64   `json:"tenant_id" validate:"required,gt=0"`
	DocumentIDs []int64 `json:"document_ids" validate:"required,min=1,dive,gt=0"`
}

func (h *Handler) createSubmission(w http.ResponseWriter, r *http.Request) {
	var req createSubmissionRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "invalid json body")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}

	ref := uuid.NewString()
	initial := einvoice.Snapshot{
		Phase: einvoice.PhaseSubmission,
		Batch: einvoice.SubmissionBatch{
			BatchSize: len(req.DocumentIDs),
			Overall:   einvoice.OverallInProgress,
		},
	}
	if err := h.snapshots.Put(r.Context(), ref, initial); err != nil {
		h.logger.Error("store submission snapshot", slog.String("ref", ref), slog.Any("error", err))
		httpx.Problem(w, http.StatusInternalServerError, "Internal Error", "failed to register submission")
		return
	}

	observer := func(snapshot einvoice.Snapshot) {
		if err := h.snapshots.Put(h.baseCtx, ref, snapshot); err != nil {
			h.logger.Error("store submission snapshot", slog.String("ref", ref), slog.Any("error", err))
		}
	}

	go func() {
		tracker, err := h.service.SubmitBatch(h.baseCtx, req.TenantID, req.DocumentIDs, observer)
		if err == nil {
			return
		}
		h.logger.Error("submit batch",
			slog.String("ref", ref),
			slog.Int64("tenant_id", req.TenantID),
			slog.Any("error", err))
		failed := initial
		if tracker != nil {
			failed.Batch = tracker.State()
		}
		failed.Err = einvoice.ClassifyError(err)
		if putErr := h.snapshots.Put(h.baseCtx, ref, failed); putErr != nil {
			h.logger.Error("store submission snapshot", slog.String("ref", ref), slog.Any("error", putErr))
		}
	}()

	httpx.JSON(w, http.StatusAccepted, map[string]any{
		"ref":       ref,
		"documents": len(req.DocumentIDs),
	})
}

func (h *Handler) getSubmission(w http.ResponseWriter, r *http.Request) {
	ref := chi.URLParam(r, "ref")
	snapshot, ok, err := h.snapshots.Get(r.Context(), ref)
	if err != nil {
		h.logger.Error("load submission snapshot", slog.String("ref", ref), slog.Any("error", err))
		httpx.Problem(w, http.StatusInternalServerError, "Internal Error", "failed to load submission")
		return
	}
	if !ok {
		httpx.Problem(w, http.StatusNotFound, "Not Found", "submission not found")
		return
	}
	httpx.JSON(w, http.StatusOK, snapshot)
}

type cancelRequest struct {
	Reason string `json:"reason" validate:"required"`
}

func (h *Handler) cancelDocument(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "invalid document id")
		return
	}
	var req cancelRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "invalid json body")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	if err := h.service.CancelDocument(r.Context(), id, req.Reason); err != nil {
		if errors.Is(err, einvoice.ErrNotFound) {
			httpx.Problem(w, http.StatusNotFound, "Not Found", "document not found")
			return
		}
		h.logger.Error("cancel document", slog.Int64("document_id", id), slog.Any("error", err))
		httpx.Problem(w, http.StatusBadGateway, "Upstream Error", err.Error())
		return
	}
	httpx.NoContent(w)
}

func (h *Handler) listConsolidations(w http.ResponseWriter, r *http.Request) {
	tenantID, _ := strconv.ParseInt(r.URL.Query().Get("tenant_id"), 10, 64)
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	tasks, err := h.tasks.ListConsolidationTasks(r.Context(), tenantID, limit)
	if err != nil {
		h.logger.Error("list consolidation tasks", slog.Any("error", err))
		httpx.Problem(w, http.StatusInternalServerError, "Internal Error", "failed to list tasks")
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"tasks": tasks})
}

func (h *Handler) runConsolidations(w http.ResponseWriter, r *http.Request) {
	summary, err := h.scheduler.RunDueConsolidations(r.Context())
	if err != nil {
		h.logger.Error("run consolidations", slog.Any("error", err))
		httpx.Problem(w, http.StatusInternalServerError, "Internal Error", err.Error())
		return
	}
	httpx.JSON(w, http.StatusOK, summary)
}

func (h *Handler) scheduleConsolidations(w http.ResponseWriter, r *http.Request) {
	created, err := h.scheduler.ScheduleNextMonth(r.Context())
	if err != nil {
		h.logger.Error("schedule consolidations", slog.Any("error", err))
		httpx.Problem(w, http.StatusInternalServerError, "Internal Error", err.Error())
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"created": created})
}

func (h *Handler) cancelConsolidation(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "invalid task id")
		return
	}
	var req cancelRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "invalid json body")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	if err := h.scheduler.CancelConsolidation(r.Context(), id, req.Reason); err != nil {
		if errors.Is(err, einvoice.ErrNotFound) {
			httpx.Problem(w, http.StatusNotFound, "Not Found", "task not found")
			return
		}
		h.logger.Error("cancel consolidation", slog.Int64("task_id", id), slog.Any("error", err))
		httpx.Problem(w, http.StatusConflict, "Conflict", err.Error())
		return
	}
	httpx.NoContent(w)
}

