package generation

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/decorai/decorai-api/internal/domain/credit"
	"github.com/decorai/decorai-api/internal/middleware"
	"github.com/decorai/decorai-api/internal/pkg/errorhandler"
	"github.com/decorai/decorai-api/internal/pkg/response"
	"github.com/decorai/decorai-api/internal/pkg/validator"
)

// Handler serves generation endpoints.
type Handler struct {
	svc *Service
}

// NewHandler creates generation handler
func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

// Submit handles POST /generations
func (h *Handler) Submit(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())
	if userID == uuid.Nil {
		response.Unauthorized(w, "unauthorized")
		return
	}

	var req SubmitRequest
	if err := response.DecodeJSON(r.Body, &req); err != nil {
		response.BadRequest(w, "invalid JSON body")
		return
	}
	if errs := validator.Validate(req); errs != nil {
		errorhandler.HandleValidation(r.Context(), w, errs)
		return
	}

	in := SubmitInput{
		UserID:          userID,
		Mode:            req.Mode,
		InputImageURL:   req.InputImageURL,
		StyleRef:        req.StyleID,
		Prompt:          req.Prompt,
		NegativePrompt:  req.NegativePrompt,
		CreativeFreedom: req.CreativeFreedom,
		EnhancePrompt:   req.EnhancePrompt,
	}
	if req.ProjectID != "" {
		id, err := uuid.Parse(req.ProjectID)
		if err != nil {
			response.ValidationError(w, map[string]string{"project_id": "must be a valid UUID"})
			return
		}
		in.ProjectID = &id
	}

	result, err := h.svc.Submit(r.Context(), in)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	response.Accepted(w, SubmitResponse{
		JobID:            result.Job.ID,
		Status:           result.Job.Status,
		CreditsCost:      result.Job.CreditsCost,
		CreditsRemaining: result.CreditsRemaining,
	})
}

// Get handles GET /generations/{id}
func (h *Handler) Get(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())
	jobID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		response.BadRequest(w, "invalid job id")
		return
	}

	job, err := h.svc.Get(r.Context(), userID, jobID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	response.OK(w, JobResponseFromEntity(job))
}

// List handles GET /generations?status=&mode=&limit=&offset=
func (h *Handler) List(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())
	q := r.URL.Query()

	limit, _ := strconv.Atoi(q.Get("limit"))
	offset, _ := strconv.Atoi(q.Get("offset"))
	filter := ListFilter{Limit: limit, Offset: offset}

	if v := q.Get("status"); v != "" {
		status := Status(v)
		switch status {
		case StatusQueued, StatusProcessing, StatusCompleted, StatusFailed, StatusCancelled:
		default:
			response.BadRequest(w, "unknown status")
			return
		}
		filter.Status = &status
	}
	if v := q.Get("mode"); v != "" {
		mode, ok := ParseMode(v)
		if !ok {
			response.BadRequest(w, "unknown mode")
			return
		}
		filter.Mode = &mode
	}

	jobs, total, err := h.svc.List(r.Context(), userID, filter)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	items := make([]JobResponse, 0, len(jobs))
	for _, j := range jobs {
		items = append(items, JobResponseFromEntity(j))
	}

	filter = filter.normalized()
	response.WithMeta(w, items, response.NewMeta(total, filter.Limit, filter.Offset))
}

// Cancel handles POST /generations/{id}/cancel
func (h *Handler) Cancel(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())
	jobID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		response.BadRequest(w, "invalid job id")
		return
	}

	job, err := h.svc.Cancel(r.Context(), userID, jobID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	response.OK(w, JobResponseFromEntity(job))
}

// QueueStats handles GET /generations/queue/stats
func (h *Handler) QueueStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.svc.QueueStats(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	response.OK(w, stats)
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var verr *ValidationError
	switch {
	case errors.As(err, &verr):
		errorhandler.HandleValidation(r.Context(), w, verr.Fields)
	case errors.Is(err, ErrInsufficientCredits):
		response.PaymentRequired(w, "Insufficient credits. Please purchase more credits to continue.")
	case errors.Is(err, ErrJobNotFound):
		response.NotFound(w, "generation job not found")
	case errors.Is(err, credit.ErrUserNotFound):
		response.NotFound(w, "user not found")
	case errors.Is(err, ErrNotCancellable):
		response.Conflict(w, "generation job already finished")
	case errors.Is(err, ErrLedgerUnavailable):
		errorhandler.HandleError(r.Context(), w, http.StatusServiceUnavailable, "LEDGER_UNAVAILABLE", "Credit ledger is temporarily unavailable", err)
	default:
		errorhandler.HandleError(r.Context(), w, http.StatusInternalServerError, "INTERNAL_ERROR", "An unexpected error occurred", err)
	}
}

// Routes mounts the endpoints under /generations.
func (h *Handler) Routes(authMiddleware func(http.Handler) http.Handler) chi.Router {
	r := chi.NewRouter()
	r.Use(authMiddleware)
	r.Post("/", h.Submit)
	r.Get("/", h.List)
	r.Get("/queue/stats", h.QueueStats)
	r.Get("/{id}", h.Get)
	r.Post("/{id}/cancel", h.Cancel)
	return r
}
