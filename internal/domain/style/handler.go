package style

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/decorai/decorai-api/internal/pkg/errorhandler"
	"github.com/decorai/decorai-api/internal/pkg/response"
)

// Handler serves the public style catalog.
type Handler struct {
	catalog *Catalog
}

// NewHandler creates style handler
func NewHandler(catalog *Catalog) *Handler {
	return &Handler{catalog: catalog}
}

// List handles GET /styles?category=&is_premium=&sort=
func (h *Handler) List(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := ListFilter{Sort: q.Get("sort")}
	if v := q.Get("category"); v != "" {
		c := Category(v)
		filter.Category = &c
	}
	if v := q.Get("is_premium"); v != "" {
		premium, err := strconv.ParseBool(v)
		if err != nil {
			response.BadRequest(w, "is_premium must be true or false")
			return
		}
		filter.Premium = &premium
	}

	styles, err := h.catalog.List(r.Context(), filter)
	if err != nil {
		errorhandler.HandleError(r.Context(), w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to list styles", err)
		return
	}

	response.OK(w, styles)
}

// Get handles GET /styles/{id} (id or slug)
func (h *Handler) Get(w http.ResponseWriter, r *http.Request) {
	s, err := h.catalog.Lookup(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		if errors.Is(err, ErrStyleNotFound) || errors.Is(err, ErrStyleInactive) {
			response.NotFound(w, "style not found")
			return
		}
		errorhandler.HandleError(r.Context(), w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to load style", err)
		return
	}

	response.OK(w, s)
}

// Categories handles GET /styles/categories
func (h *Handler) Categories(w http.ResponseWriter, r *http.Request) {
	categories, err := h.catalog.Categories(r.Context())
	if err != nil {
		errorhandler.HandleError(r.Context(), w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to list categories", err)
		return
	}
	response.OK(w, categories)
}

// Routes returns style routes. The catalog is public.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/", h.List)
	r.Get("/categories", h.Categories)
	r.Get("/{id}", h.Get)
	return r
}
