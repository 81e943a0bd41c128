package generation

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newTestRecovery(h *harness) *Recovery {
	return NewRecovery(h.store, h.scheduler, h.notifier, RecoveryConfig{Policy: fastPolicy(), Grace: 0})
}

// admit takes the job's entry off the queue and records the attempt,
// as a worker would right before crashing.
func (h *harness) admit(t *testing.T, job *Job, attempt int) {
	t.Helper()
	h.pop(t)
	_, err := h.store.BeginAttempt(context.Background(), job.ID, attempt)
	require.NoError(t, err)
}

func TestSweepRequeuesQueuedJobWithoutEntry(t *testing.T) {
	h := newHarness(t, 1)
	user := h.store.addUser(1)
	job := h.submit(t, user, ModeVision3D)
	h.pop(t)

	report, err := newTestRecovery(h).Sweep(context.Background())
	require.NoError(t, err)
	require.Equal(t, SweepReport{Requeued: 1}, report)

	entry := h.pop(t)
	require.Equal(t, job.ID.String(), entry.JobID)
	require.Equal(t, 1, entry.Attempt)
}

func TestSweepReadmitsAbandonedJob(t *testing.T) {
	h := newHarness(t, 1)
	user := h.store.addUser(1)
	job := h.submit(t, user, ModeVision3D)
	h.admit(t, job, 1)
	stale := time.Now().Add(-time.Minute)
	h.store.mutate(job.ID, func(j *Job) { j.HeartbeatAt = &stale })

	report, err := newTestRecovery(h).Sweep(context.Background())
	require.NoError(t, err)
	require.Equal(t, SweepReport{Readmitted: 1}, report)

	entry := h.pop(t)
	require.Equal(t, 2, entry.Attempt)
	require.Equal(t, StatusProcessing, h.store.job(t, job.ID).Status)
	require.Zero(t, h.store.balance(user))

	backend := &scriptedBackend{outcomes: []Outcome{urlSuccess()}}
	h.processor(backend, fastPolicy()).Process(context.Background(), entry)
	require.Equal(t, StatusCompleted, h.store.job(t, job.ID).Status)
}

func TestSweepFailsJobPastDeadline(t *testing.T) {
	h := newHarness(t, 1)
	user := h.store.addUser(1)
	job := h.submit(t, user, ModeVision3D)
	h.admit(t, job, 1)
	started := time.Now().Add(-time.Hour)
	h.store.mutate(job.ID, func(j *Job) { j.StartedAt = &started })

	rec := newTestRecovery(h)
	report, err := rec.Sweep(context.Background())
	require.NoError(t, err)
	require.Equal(t, SweepReport{TimedOut: 1, Refunded: 1}, report)

	done := h.store.job(t, job.ID)
	require.Equal(t, StatusFailed, done.Status)
	require.Equal(t, ReasonTimeout, *done.ErrorReason)
	require.Equal(t, 1, h.store.balance(user))

	report, err = rec.Sweep(context.Background())
	require.NoError(t, err)
	require.Equal(t, SweepReport{}, report)
	require.Equal(t, 1, h.store.refundsFor(done))
	requireLedgerConsistent(t, h.store, user)
}

func TestSweepFailsJobOutOfAttempts(t *testing.T) {
	h := newHarness(t, 1)
	user := h.store.addUser(1)
	job := h.submit(t, user, ModeVision3D)
	h.admit(t, job, 3)
	stale := time.Now().Add(-time.Minute)
	h.store.mutate(job.ID, func(j *Job) { j.HeartbeatAt = &stale })

	report, err := newTestRecovery(h).Sweep(context.Background())
	require.NoError(t, err)
	require.Equal(t, SweepReport{Exhausted: 1, Refunded: 1}, report)

	done := h.store.job(t, job.ID)
	require.Equal(t, StatusFailed, done.Status)
	require.Equal(t, ReasonWorkerLost, *done.ErrorReason)
	require.Equal(t, 1, h.store.balance(user))
}

func TestSweepLeavesLiveJobsAlone(t *testing.T) {
	h := newHarness(t, 1)
	user := h.store.addUser(2)
	queued := h.submit(t, user, ModeVision3D)
	running := h.submit(t, user, ModeRedesign2D)

	e, err := h.queue.Remove(context.Background(), running.ID.String())
	require.NoError(t, err)
	require.True(t, e)
	_, err = h.store.BeginAttempt(context.Background(), running.ID, 1)
	require.NoError(t, err)

	report, err := newTestRecovery(h).Sweep(context.Background())
	require.NoError(t, err)
	require.Equal(t, SweepReport{}, report)

	require.Equal(t, StatusQueued, h.store.job(t, queued.ID).Status)
	require.Equal(t, StatusProcessing, h.store.job(t, running.ID).Status)
}
