package generation

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/decorai/decorai-api/internal/domain/credit"
	"github.com/decorai/decorai-api/internal/domain/style"
	"github.com/decorai/decorai-api/internal/pkg/queue"
)

type ledgerRow struct {
	userID    uuid.UUID
	reference string
	delta     int
}

// memStore is an in-memory Repository with its own ledger. One mutex makes
// every method atomic, which stands in for the database transaction.
type memStore struct {
	mu       sync.Mutex
	jobs     map[uuid.UUID]*Job
	balances map[uuid.UUID]int
	rows     []ledgerRow
	refs     map[string]bool
}

func newMemStore() *memStore {
	return &memStore{
		jobs:     make(map[uuid.UUID]*Job),
		balances: make(map[uuid.UUID]int),
		refs:     make(map[string]bool),
	}
}

func (m *memStore) addUser(credits int) uuid.UUID {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := uuid.New()
	m.balances[id] = credits
	if credits > 0 {
		m.appendRow(id, "GRANT-"+uuid.NewString(), credits)
	}
	return id
}

func (m *memStore) appendRow(userID uuid.UUID, ref string, delta int) {
	m.rows = append(m.rows, ledgerRow{userID: userID, reference: ref, delta: delta})
	m.refs[ref] = true
}

func (m *memStore) balance(userID uuid.UUID) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.balances[userID]
}

func (m *memStore) ledgerSum(userID uuid.UUID) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	sum := 0
	for _, r := range m.rows {
		if r.userID == userID {
			sum += r.delta
		}
	}
	return sum
}

func (m *memStore) refundsFor(job *Job) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, r := range m.rows {
		if r.reference == credit.RefundReference(job.ReservationRef) {
			n++
		}
	}
	return n
}

func (m *memStore) job(t *testing.T, id uuid.UUID) *Job {
	t.Helper()
	j, err := m.GetByID(context.Background(), id)
	require.NoError(t, err)
	return j
}

func (m *memStore) mutate(id uuid.UUID, fn func(j *Job)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	fn(m.jobs[id])
}

func clone(j *Job) *Job {
	c := *j
	return &c
}

func (m *memStore) CreateWithReservation(_ context.Context, job *Job) (*credit.Reservation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	bal, ok := m.balances[job.UserID]
	if !ok {
		return nil, credit.ErrUserNotFound
	}
	if bal < job.CreditsCost {
		return nil, credit.ErrInsufficientCredits
	}
	m.balances[job.UserID] = bal - job.CreditsCost
	ref := "DEDUCT-" + uuid.NewString()
	m.appendRow(job.UserID, ref, -job.CreditsCost)

	now := time.Now()
	job.ReservationRef = ref
	job.Status = StatusQueued
	job.CreatedAt = now
	job.UpdatedAt = now
	m.jobs[job.ID] = clone(job)

	return &credit.Reservation{Reference: ref, UserID: job.UserID, Amount: job.CreditsCost, Balance: bal - job.CreditsCost}, nil
}

func (m *memStore) GetByID(_ context.Context, id uuid.UUID) (*Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return nil, ErrJobNotFound
	}
	return clone(j), nil
}

func (m *memStore) GetByIDForUser(ctx context.Context, userID, id uuid.UUID) (*Job, error) {
	j, err := m.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if j.UserID != userID {
		return nil, ErrJobNotFound
	}
	return j, nil
}

func (m *memStore) List(_ context.Context, userID uuid.UUID, filter ListFilter) ([]*Job, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var all []*Job
	for _, j := range m.jobs {
		if j.UserID != userID {
			continue
		}
		if filter.Status != nil && j.Status != *filter.Status {
			continue
		}
		if filter.Mode != nil && j.Mode != *filter.Mode {
			continue
		}
		all = append(all, clone(j))
	}
	sort.Slice(all, func(a, b int) bool { return all[a].CreatedAt.After(all[b].CreatedAt) })
	total := len(all)
	if filter.Offset >= total {
		return []*Job{}, total, nil
	}
	end := filter.Offset + filter.Limit
	if end > total {
		end = total
	}
	return all[filter.Offset:end], total, nil
}

func (m *memStore) ListByStatus(_ context.Context, status Status, limit int) ([]*Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Job, 0)
	for _, j := range m.jobs {
		if j.Status == status && len(out) < limit {
			out = append(out, clone(j))
		}
	}
	return out, nil
}

func (m *memStore) CountByStatus(context.Context) (StatusCounts, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	counts := StatusCounts{}
	for _, j := range m.jobs {
		counts[j.Status]++
	}
	return counts, nil
}

func (m *memStore) conflict(id uuid.UUID, op string) error {
	j, ok := m.jobs[id]
	if !ok {
		return ErrJobNotFound
	}
	return fmt.Errorf("%w: %s on %s job", ErrTransitionConflict, op, j.Status)
}

func (m *memStore) BeginAttempt(_ context.Context, id uuid.UUID, attempt int) (*Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok || (j.Status != StatusQueued && j.Status != StatusProcessing) || j.AttemptCount >= attempt {
		return nil, m.conflict(id, "begin attempt")
	}
	now := time.Now()
	j.Status = StatusProcessing
	j.AttemptCount = attempt
	if j.StartedAt == nil {
		j.StartedAt = &now
	}
	j.HeartbeatAt = &now
	return clone(j), nil
}

func (m *memStore) Heartbeat(_ context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok || j.Status != StatusProcessing {
		return m.conflict(id, "heartbeat")
	}
	now := time.Now()
	j.HeartbeatAt = &now
	return nil
}

func (m *memStore) SetExternalRef(_ context.Context, id uuid.UUID, ref string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok || j.Status != StatusProcessing {
		return m.conflict(id, "set external ref")
	}
	j.ExternalJobRef = &ref
	return nil
}

func (m *memStore) Complete(_ context.Context, id uuid.UUID, c Completion) (*Job, error) {
	if c.OutputURL == "" {
		return nil, ErrPersistence
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok || j.Status != StatusProcessing {
		return nil, m.conflict(id, "complete")
	}
	now := time.Now()
	url := c.OutputURL
	ms := now.Sub(*j.StartedAt).Milliseconds()
	j.Status = StatusCompleted
	j.OutputImageURL = &url
	j.CompletedAt = &now
	j.ProcessingMS = &ms
	return clone(j), nil
}

func (m *memStore) terminate(id, userID uuid.UUID, to Status, reason string) (*Job, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok || (userID != uuid.Nil && j.UserID != userID) {
		return nil, false, ErrJobNotFound
	}
	if j.Status != StatusQueued && j.Status != StatusProcessing {
		return nil, false, m.conflict(id, string(to))
	}
	now := time.Now()
	j.Status = to
	j.ErrorReason = &reason
	j.CompletedAt = &now

	refundRef := credit.RefundReference(j.ReservationRef)
	if m.refs[refundRef] {
		return clone(j), false, nil
	}
	m.appendRow(j.UserID, refundRef, j.CreditsCost)
	m.balances[j.UserID] += j.CreditsCost
	return clone(j), true, nil
}

func (m *memStore) FailAndRefund(_ context.Context, id uuid.UUID, reason string) (*Job, bool, error) {
	return m.terminate(id, uuid.Nil, StatusFailed, reason)
}

func (m *memStore) CancelAndRefund(_ context.Context, userID, id uuid.UUID) (*Job, bool, error) {
	return m.terminate(id, userID, StatusCancelled, "cancelled by user")
}

type fakeCatalog struct {
	styles map[string]*style.Style
	usage  map[uuid.UUID]int
	mu     sync.Mutex
}

func newFakeCatalog(styles ...*style.Style) *fakeCatalog {
	c := &fakeCatalog{styles: map[string]*style.Style{}, usage: map[uuid.UUID]int{}}
	for _, s := range styles {
		c.styles[s.ID.String()] = s
		c.styles[s.Slug] = s
	}
	return c
}

func (c *fakeCatalog) Resolve(_ context.Context, ref string) (*style.Style, error) {
	s, ok := c.styles[ref]
	if !ok {
		return nil, style.ErrStyleNotFound
	}
	if !s.IsActive {
		return nil, style.ErrStyleInactive
	}
	return s, nil
}

func (c *fakeCatalog) RecordUsage(_ context.Context, id uuid.UUID) {
	c.mu.Lock()
	c.usage[id]++
	c.mu.Unlock()
}

type progressEvent struct {
	jobID    uuid.UUID
	status   string
	progress int
}

type recordingNotifier struct {
	mu     sync.Mutex
	events []progressEvent
}

func (n *recordingNotifier) NotifyProgress(_ context.Context, _ uuid.UUID, jobID uuid.UUID, status string, progress int) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, progressEvent{jobID: jobID, status: status, progress: progress})
}

func (n *recordingNotifier) progressFor(jobID uuid.UUID) []int {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []int
	for _, e := range n.events {
		if e.jobID == jobID {
			out = append(out, e.progress)
		}
	}
	return out
}

type memAssets struct {
	mu    sync.Mutex
	saved map[string][]byte
	err   error
}

func (a *memAssets) PutGenerated(_ context.Context, jobID string, data []byte) (string, error) {
	if a.err != nil {
		return "", a.err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.saved == nil {
		a.saved = map[string][]byte{}
	}
	a.saved[jobID] = data
	return "https://cdn.test/generations/" + jobID + ".jpg", nil
}

// scriptedBackend returns outcomes in order, then repeats the last one.
type scriptedBackend struct {
	mu       sync.Mutex
	outcomes []Outcome
	calls    int
	params   []Params
}

func (b *scriptedBackend) Invoke(_ context.Context, p Params) Outcome {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.params = append(b.params, p)
	i := b.calls
	if i >= len(b.outcomes) {
		i = len(b.outcomes) - 1
	}
	b.calls++
	return b.outcomes[i]
}

func (b *scriptedBackend) callCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.calls
}

type failingQueue struct {
	queue.Queue
}

func (failingQueue) Enqueue(context.Context, queue.Entry) (bool, error) {
	return false, errors.New("redis: connection refused")
}

type harness struct {
	store     *memStore
	catalog   *fakeCatalog
	notifier  *recordingNotifier
	assets    *memAssets
	queue     *queue.MemoryQueue
	scheduler *Scheduler
	service   *Service
}

func newHarness(t *testing.T, concurrency int) *harness {
	t.Helper()
	h := &harness{
		store:    newMemStore(),
		catalog:  newFakeCatalog(),
		notifier: &recordingNotifier{},
		assets:   &memAssets{},
		queue:    queue.NewMemoryQueue(queue.DefaultAgingStep),
	}
	h.scheduler = NewScheduler(h.queue, nil, SchedulerConfig{Concurrency: concurrency, AdmissionTick: 5 * time.Millisecond})
	h.service = NewService(h.store, h.catalog, nil, h.scheduler, h.notifier)
	return h
}

func (h *harness) processor(backend Backend, policy RetryPolicy) *Processor {
	return NewProcessor(h.store, backend, h.catalog, h.assets, h.notifier, h.scheduler, policy)
}

func (h *harness) submit(t *testing.T, userID uuid.UUID, mode Mode) *Job {
	t.Helper()
	in := SubmitInput{UserID: userID, Mode: string(mode), InputImageURL: "https://img.test/room.jpg"}
	if mode == ModeFreestyle {
		in.InputImageURL = ""
		in.Prompt = "cozy reading nook"
	}
	res, err := h.service.Submit(context.Background(), in)
	require.NoError(t, err)
	return res.Job
}

// pop takes the next entry regardless of backoff.
func (h *harness) pop(t *testing.T) queue.Entry {
	t.Helper()
	e, err := h.queue.Pop(context.Background(), time.Now().Add(time.Hour))
	require.NoError(t, err)
	require.NotNil(t, e)
	return *e
}

func fastPolicy() RetryPolicy {
	p := DefaultRetryPolicy()
	p.BackoffBase = 10 * time.Millisecond
	p.BackoffCap = 50 * time.Millisecond
	p.AttemptTimeout = time.Second
	p.JobDeadline = 10 * time.Second
	return p
}

func requireLedgerConsistent(t *testing.T, store *memStore, userID uuid.UUID) {
	t.Helper()
	require.Equal(t, store.ledgerSum(userID), store.balance(userID), "balance must equal ledger sum")
}
