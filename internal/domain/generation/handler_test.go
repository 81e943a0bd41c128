package generation

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/decorai/decorai-api/internal/middleware"
)

func newTestRouter(h *harness, userID uuid.UUID) chi.Router {
	auth := func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			next.ServeHTTP(w, r.WithContext(middleware.WithUserID(r.Context(), userID)))
		})
	}
	r := chi.NewRouter()
	r.Mount("/generations", NewHandler(h.service).Routes(auth))
	return r
}

type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   *struct {
		Code    string            `json:"code"`
		Details map[string]string `json:"details"`
	} `json:"error"`
	Meta *struct {
		Total int `json:"total"`
	} `json:"meta"`
}

func do(t *testing.T, r http.Handler, method, path string, body interface{}) (*httptest.ResponseRecorder, envelope) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	var env envelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	return rec, env
}

func TestSubmitEndpointAccepts(t *testing.T) {
	h := newHarness(t, 1)
	user := h.store.addUser(3)

	rec, env := do(t, newTestRouter(h, user), http.MethodPost, "/generations", map[string]interface{}{
		"mode":            "virtual_staging",
		"input_image_url": "https://img.test/empty.jpg",
	})
	require.Equal(t, http.StatusAccepted, rec.Code)

	var resp SubmitResponse
	require.NoError(t, json.Unmarshal(env.Data, &resp))
	require.Equal(t, StatusQueued, resp.Status)
	require.Equal(t, 2, resp.CreditsCost)
	require.Equal(t, 1, resp.CreditsRemaining)
}

func TestSubmitEndpointInsufficientCredits(t *testing.T) {
	h := newHarness(t, 1)
	user := h.store.addUser(0)

	rec, env := do(t, newTestRouter(h, user), http.MethodPost, "/generations", map[string]interface{}{
		"mode":            "vision_3d",
		"input_image_url": "https://img.test/room.jpg",
	})
	require.Equal(t, http.StatusPaymentRequired, rec.Code)
	require.Equal(t, "INSUFFICIENT_CREDITS", env.Error.Code)
}

func TestSubmitEndpointValidation(t *testing.T) {
	h := newHarness(t, 1)
	user := h.store.addUser(3)
	router := newTestRouter(h, user)

	rec, env := do(t, router, http.MethodPost, "/generations", map[string]interface{}{"mode": "upscale"})
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	require.Equal(t, "VALIDATION_ERROR", env.Error.Code)

	rec, env = do(t, router, http.MethodPost, "/generations", map[string]interface{}{"mode": "vision_3d"})
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	require.Contains(t, env.Error.Details, "input_image_url")

	rec, _ = do(t, router, http.MethodPost, "/generations", map[string]interface{}{"mode": "vision_3d", "surprise": true})
	require.Equal(t, http.StatusBadRequest, rec.Code)

	require.Equal(t, 3, h.store.balance(user))
}

func TestSubmitEndpointRejectsMalformedProjectID(t *testing.T) {
	h := newHarness(t, 1)
	user := h.store.addUser(3)
	router := newTestRouter(h, user)

	for _, id := range []string{"not-a-uuid", "urn:uuid:123", "{" + uuid.NewString() + "}"} {
		rec, env := do(t, router, http.MethodPost, "/generations", map[string]interface{}{
			"mode":            "vision_3d",
			"input_image_url": "https://img.test/room.jpg",
			"project_id":      id,
		})
		require.Equal(t, http.StatusUnprocessableEntity, rec.Code, id)
		require.Equal(t, "VALIDATION_ERROR", env.Error.Code, id)
		require.Contains(t, env.Error.Details, "project_id", id)
	}
	require.Equal(t, 3, h.store.balance(user))
}

func TestGetEndpoint(t *testing.T) {
	h := newHarness(t, 1)
	user := h.store.addUser(1)
	job := h.submit(t, user, ModeVision3D)

	rec, env := do(t, newTestRouter(h, user), http.MethodGet, "/generations/"+job.ID.String(), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var resp JobResponse
	require.NoError(t, json.Unmarshal(env.Data, &resp))
	require.Equal(t, job.ID, resp.ID)
	require.Equal(t, ProgressQueued, resp.Progress)

	rec, _ = do(t, newTestRouter(h, uuid.New()), http.MethodGet, "/generations/"+job.ID.String(), nil)
	require.Equal(t, http.StatusNotFound, rec.Code)

	rec, _ = do(t, newTestRouter(h, user), http.MethodGet, "/generations/not-a-uuid", nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCancelEndpoint(t *testing.T) {
	h := newHarness(t, 1)
	user := h.store.addUser(1)
	job := h.submit(t, user, ModeVision3D)
	router := newTestRouter(h, user)

	rec, env := do(t, router, http.MethodPost, "/generations/"+job.ID.String()+"/cancel", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var resp JobResponse
	require.NoError(t, json.Unmarshal(env.Data, &resp))
	require.Equal(t, StatusCancelled, resp.Status)

	rec, env = do(t, router, http.MethodPost, "/generations/"+job.ID.String()+"/cancel", nil)
	require.Equal(t, http.StatusConflict, rec.Code)
	require.Equal(t, "CONFLICT", env.Error.Code)
	require.Equal(t, 1, h.store.balance(user))
}

func TestListEndpoint(t *testing.T) {
	h := newHarness(t, 1)
	user := h.store.addUser(5)
	h.submit(t, user, ModeVision3D)
	h.submit(t, user, ModeFreestyle)
	router := newTestRouter(h, user)

	rec, env := do(t, router, http.MethodGet, "/generations?mode=freestyle", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var items []JobResponse
	require.NoError(t, json.Unmarshal(env.Data, &items))
	require.Len(t, items, 1)
	require.Equal(t, ModeFreestyle, items[0].Mode)
	require.Equal(t, 1, env.Meta.Total)

	rec, _ = do(t, router, http.MethodGet, "/generations?status=paused", nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestQueueStatsEndpoint(t *testing.T) {
	h := newHarness(t, 1)
	user := h.store.addUser(1)
	h.submit(t, user, ModeVision3D)

	rec, env := do(t, newTestRouter(h, user), http.MethodGet, "/generations/queue/stats", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var stats QueueStats
	require.NoError(t, json.Unmarshal(env.Data, &stats))
	require.Equal(t, 1, stats.Waiting)
	require.Equal(t, 1, stats.Queue.Ready)
}
