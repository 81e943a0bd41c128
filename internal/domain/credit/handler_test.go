package credit

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/require"

	"github.com/decorai/decorai-api/internal/middleware"
)

// memoryRepo is an in-process Repository used by handler and service tests.
type memoryRepo struct {
	mu       sync.Mutex
	balances map[uuid.UUID]int
	txs      []Transaction
	refs     map[string]bool
	failWith error
}

func newMemoryRepo() *memoryRepo {
	return &memoryRepo{balances: map[uuid.UUID]int{}, refs: map[string]bool{}}
}

func (m *memoryRepo) record(userID uuid.UUID, ref string, kind Kind, delta int) {
	m.refs[ref] = true
	m.balances[userID] += delta
	m.txs = append(m.txs, Transaction{ID: uuid.New(), UserID: userID, Reference: ref, Kind: kind, CreditsDelta: delta, Status: StatusCompleted})
}

func (m *memoryRepo) Reserve(ctx context.Context, userID uuid.UUID, amount int, meta Meta) (*Reservation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failWith != nil {
		return nil, m.failWith
	}
	bal, ok := m.balances[userID]
	if !ok {
		return nil, ErrUserNotFound
	}
	if bal < amount {
		return nil, ErrInsufficientCredits
	}
	ref := newReference(deductPrefix)
	m.record(userID, ref, KindDeduction, -amount)
	return &Reservation{Reference: ref, UserID: userID, Amount: amount, Balance: m.balances[userID]}, nil
}

func (m *memoryRepo) ReserveTx(ctx context.Context, _ *sqlx.Tx, userID uuid.UUID, amount int, meta Meta) (*Reservation, error) {
	return m.Reserve(ctx, userID, amount, meta)
}

func (m *memoryRepo) Refund(ctx context.Context, userID uuid.UUID, amount int, deductionRef string, meta Meta) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ref := RefundReference(deductionRef)
	if m.refs[ref] {
		return false, nil
	}
	m.record(userID, ref, KindRefund, amount)
	return true, nil
}

func (m *memoryRepo) RefundTx(ctx context.Context, _ *sqlx.Tx, userID uuid.UUID, amount int, deductionRef string, meta Meta) (bool, error) {
	return m.Refund(ctx, userID, amount, deductionRef, meta)
}

func (m *memoryRepo) Grant(ctx context.Context, userID uuid.UUID, amount int, kind Kind, reference string, meta Meta) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failWith != nil {
		return false, m.failWith
	}
	if _, ok := m.balances[userID]; !ok {
		return false, ErrUserNotFound
	}
	if reference == "" {
		reference = newReference(grantPrefix)
	}
	if m.refs[reference] {
		return false, nil
	}
	m.record(userID, reference, kind, amount)
	return true, nil
}

func (m *memoryRepo) Balance(ctx context.Context, userID uuid.UUID) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failWith != nil {
		return 0, m.failWith
	}
	bal, ok := m.balances[userID]
	if !ok {
		return 0, ErrUserNotFound
	}
	return bal, nil
}

func (m *memoryRepo) ListTransactions(ctx context.Context, userID uuid.UUID, limit, offset int) ([]Transaction, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var mine []Transaction
	for _, tx := range m.txs {
		if tx.UserID == userID {
			mine = append(mine, tx)
		}
	}
	total := len(mine)
	if offset >= total {
		return []Transaction{}, total, nil
	}
	end := offset + limit
	if end > total {
		end = total
	}
	return mine[offset:end], total, nil
}

func (m *memoryRepo) Audit(ctx context.Context, userID uuid.UUID) (*AuditResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sum := 0
	for _, tx := range m.txs {
		if tx.UserID == userID {
			sum += tx.CreditsDelta
		}
	}
	return &AuditResult{UserID: userID, Balance: m.balances[userID], LedgerSum: sum}, nil
}

func (m *memoryRepo) AuditAll(ctx context.Context) ([]AuditResult, error) {
	return nil, nil
}

func newTestRouter(svc *Service, userID uuid.UUID) chi.Router {
	h := NewHandler(svc)
	auth := func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			next.ServeHTTP(w, r.WithContext(middleware.WithUserID(r.Context(), userID)))
		})
	}
	pass := func(next http.Handler) http.Handler { return next }

	r := chi.NewRouter()
	r.Mount("/credits", h.Routes(auth))
	r.Mount("/internal/credits", h.InternalRoutes(pass))
	return r
}

type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   *struct {
		Code string `json:"code"`
	} `json:"error"`
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

func TestBalanceEndpoint(t *testing.T) {
	repo := newMemoryRepo()
	userID := uuid.New()
	repo.balances[userID] = 7

	rec, env := do(t, newTestRouter(NewService(repo), userID), http.MethodGet, "/credits/balance", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"balance":7}`, string(env.Data))
}

func TestBalanceEndpointLedgerDown(t *testing.T) {
	repo := newMemoryRepo()
	repo.failWith = unavailable("get balance", errors.New("connection refused"))

	rec, env := do(t, newTestRouter(NewService(repo), uuid.New()), http.MethodGet, "/credits/balance", nil)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	require.Equal(t, "LEDGER_UNAVAILABLE", env.Error.Code)
}

func TestGrantEndpointIsIdempotent(t *testing.T) {
	repo := newMemoryRepo()
	userID := uuid.New()
	repo.balances[userID] = 0
	r := newTestRouter(NewService(repo), userID)

	body := map[string]interface{}{
		"user_id":   userID.String(),
		"amount":    25,
		"kind":      "purchase",
		"reference": "PAY-1",
	}

	rec, env := do(t, r, http.MethodPost, "/internal/credits/grant", body)
	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"granted":true,"balance":25}`, string(env.Data))

	rec, env = do(t, r, http.MethodPost, "/internal/credits/grant", body)
	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"granted":false,"balance":25}`, string(env.Data))
}

func TestGrantEndpointValidation(t *testing.T) {
	r := newTestRouter(NewService(newMemoryRepo()), uuid.New())

	rec, env := do(t, r, http.MethodPost, "/internal/credits/grant", map[string]interface{}{
		"user_id": "not-a-uuid",
		"amount":  0,
		"kind":    "deduction",
	})
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	require.Equal(t, "VALIDATION_ERROR", env.Error.Code)
}

func TestGrantEndpointRejectsMalformedUserID(t *testing.T) {
	repo := newMemoryRepo()
	r := newTestRouter(NewService(repo), uuid.New())

	for _, id := range []string{"not-a-uuid", "urn:uuid:123", "{" + uuid.NewString() + "}"} {
		rec, env := do(t, r, http.MethodPost, "/internal/credits/grant", map[string]interface{}{
			"user_id":   id,
			"amount":    5,
			"kind":      "purchase",
			"reference": "PAY-" + id,
		})
		require.Equal(t, http.StatusUnprocessableEntity, rec.Code, id)
		require.Equal(t, "VALIDATION_ERROR", env.Error.Code, id)
	}
	require.Empty(t, repo.txs)
}

func TestTransactionsEndpointPaginates(t *testing.T) {
	repo := newMemoryRepo()
	userID := uuid.New()
	repo.balances[userID] = 10
	svc := NewService(repo)
	for i := 0; i < 3; i++ {
		_, err := svc.Reserve(context.Background(), userID, 1, Meta{})
		require.NoError(t, err)
	}

	req := httptest.NewRequest(http.MethodGet, "/credits/transactions?limit=2", nil)
	rec := httptest.NewRecorder()
	newTestRouter(svc, userID).ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Data []Transaction `json:"data"`
		Meta struct {
			Total   int  `json:"total"`
			HasNext bool `json:"has_next"`
		} `json:"meta"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Data, 2)
	require.Equal(t, 3, body.Meta.Total)
	require.True(t, body.Meta.HasNext)
}

func TestServiceGrantRejectsDeductionKind(t *testing.T) {
	_, err := NewService(newMemoryRepo()).Grant(context.Background(), uuid.New(), 5, KindDeduction, "", Meta{})
	require.ErrorIs(t, err, ErrInvalidKind)
}
