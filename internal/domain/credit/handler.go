package credit

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/decorai/decorai-api/internal/middleware"
	"github.com/decorai/decorai-api/internal/pkg/errorhandler"
	"github.com/decorai/decorai-api/internal/pkg/response"
	"github.com/decorai/decorai-api/internal/pkg/validator"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

// GrantRequest is sent by the payment gateway when a purchase completes.
type GrantRequest struct {
	UserID      string `json:"user_id" validate:"required,uuid"`
	Amount      int    `json:"amount" validate:"required,gte=1"`
	Kind        string `json:"kind" validate:"required,oneof=purchase free_grant"`
	Reference   string `json:"reference" validate:"required,max=128"`
	Description string `json:"description" validate:"max=255"`
}

// Balance handles GET /credits/balance
func (h *Handler) Balance(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())
	if userID == uuid.Nil {
		response.Unauthorized(w, "unauthorized")
		return
	}

	balance, err := h.svc.Balance(r.Context(), userID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	response.OK(w, map[string]interface{}{"balance": balance})
}

// Transactions handles GET /credits/transactions?limit=&offset=
func (h *Handler) Transactions(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())
	if userID == uuid.Nil {
		response.Unauthorized(w, "unauthorized")
		return
	}

	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))
	if limit <= 0 {
		limit = defaultPageSize
	}
	if limit > maxPageSize {
		limit = maxPageSize
	}
	if offset < 0 {
		offset = 0
	}

	items, total, err := h.svc.ListTransactions(r.Context(), userID, limit, offset)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	response.WithMeta(w, items, response.NewMeta(total, limit, offset))
}

// Grant handles POST /internal/credits/grant
func (h *Handler) Grant(w http.ResponseWriter, r *http.Request) {
	var req GrantRequest
	if err := response.DecodeJSON(r.Body, &req); err != nil {
		response.BadRequest(w, "invalid JSON body")
		return
	}
	if errs := validator.Validate(req); errs != nil {
		errorhandler.HandleValidation(r.Context(), w, errs)
		return
	}

	userID, err := uuid.Parse(req.UserID)
	if err != nil {
		response.ValidationError(w, map[string]string{"user_id": "must be a valid UUID"})
		return
	}
	granted, err := h.svc.Grant(r.Context(), userID, req.Amount, Kind(req.Kind), req.Reference, Meta{
		RelatedEntityType: "payment",
		RelatedEntityID:   req.Reference,
		Description:       req.Description,
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	balance, err := h.svc.Balance(r.Context(), userID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	response.OK(w, map[string]interface{}{
		"granted": granted,
		"balance": balance,
	})
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, ErrUserNotFound):
		response.NotFound(w, "user not found")
	case errors.Is(err, ErrInvalidAmount), errors.Is(err, ErrInvalidKind):
		response.BadRequest(w, err.Error())
	case errors.Is(err, ErrLedgerUnavailable):
		errorhandler.HandleError(r.Context(), w, http.StatusServiceUnavailable, "LEDGER_UNAVAILABLE", "Credit ledger is temporarily unavailable", err)
	default:
		errorhandler.HandleError(r.Context(), w, http.StatusInternalServerError, "INTERNAL_ERROR", "An unexpected error occurred", err)
	}
}

// Routes mounts the user-facing endpoints under /credits.
func (h *Handler) Routes(authMiddleware func(http.Handler) http.Handler) chi.Router {
	r := chi.NewRouter()
	r.Use(authMiddleware)
	r.Get("/balance", h.Balance)
	r.Get("/transactions", h.Transactions)
	return r
}

// InternalRoutes mounts the service-to-service endpoints under /internal/credits.
func (h *Handler) InternalRoutes(serviceMiddleware func(http.Handler) http.Handler) chi.Router {
	r := chi.NewRouter()
	r.Use(serviceMiddleware)
	r.Post("/grant", h.Grant)
	return r
}
