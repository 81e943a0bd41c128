package queue

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// queueContract runs the shared Queue semantics against an implementation.
func queueContract(t *testing.T, q Queue) {
	ctx := context.Background()
	base := time.Now().Add(-time.Minute).Truncate(time.Millisecond)

	t.Run("enqueue is idempotent", func(t *testing.T) {
		added, err := q.Enqueue(ctx, Entry{JobID: "dup", Priority: 1, EnqueuedAt: base})
		require.NoError(t, err)
		require.True(t, added)

		added, err = q.Enqueue(ctx, Entry{JobID: "dup", Priority: 2, EnqueuedAt: base})
		require.NoError(t, err)
		require.False(t, added)

		n, err := q.Len(ctx)
		require.NoError(t, err)
		require.Equal(t, 1, n)

		removed, err := q.Remove(ctx, "dup")
		require.NoError(t, err)
		require.True(t, removed)

		removed, err = q.Remove(ctx, "dup")
		require.NoError(t, err)
		require.False(t, removed)
	})

	t.Run("priority with FIFO inside a tier", func(t *testing.T) {
		for i, e := range []Entry{
			{JobID: "low-1", Priority: 1, EnqueuedAt: base},
			{JobID: "low-2", Priority: 1, EnqueuedAt: base.Add(time.Second)},
			{JobID: "high-1", Priority: 2, EnqueuedAt: base.Add(2 * time.Second)},
		} {
			added, err := q.Enqueue(ctx, e)
			require.NoError(t, err, "entry %d", i)
			require.True(t, added)
		}

		order := drain(t, q, time.Now())
		require.Equal(t, []string{"high-1", "low-1", "low-2"}, order)
	})

	t.Run("aging lets an old low-priority entry through", func(t *testing.T) {
		_, err := q.Enqueue(ctx, Entry{JobID: "old-low", Priority: 1, EnqueuedAt: base})
		require.NoError(t, err)
		// enqueued more than one aging step later, so its head start is used up
		_, err = q.Enqueue(ctx, Entry{JobID: "new-high", Priority: 2, EnqueuedAt: base.Add(45 * time.Second)})
		require.NoError(t, err)

		require.Equal(t, []string{"old-low", "new-high"}, drain(t, q, time.Now()))
	})

	t.Run("delayed entries wait for not_before", func(t *testing.T) {
		now := time.Now()
		_, err := q.Enqueue(ctx, Entry{JobID: "retry", Priority: 1, Attempt: 2, EnqueuedAt: now, NotBefore: now.Add(time.Hour)})
		require.NoError(t, err)

		e, err := q.Pop(ctx, now)
		require.NoError(t, err)
		require.Nil(t, e)

		ok, err := q.Contains(ctx, "retry")
		require.NoError(t, err)
		require.True(t, ok)

		stats, err := q.Stats(ctx)
		require.NoError(t, err)
		require.Equal(t, Stats{Ready: 0, Delayed: 1}, stats)

		e, err = q.Pop(ctx, now.Add(2*time.Hour))
		require.NoError(t, err)
		require.NotNil(t, e)
		require.Equal(t, "retry", e.JobID)
		require.Equal(t, 2, e.Attempt)
	})

	t.Run("remove delayed entry", func(t *testing.T) {
		now := time.Now()
		_, err := q.Enqueue(ctx, Entry{JobID: "gone", Priority: 1, EnqueuedAt: now, NotBefore: now.Add(time.Minute)})
		require.NoError(t, err)

		removed, err := q.Remove(ctx, "gone")
		require.NoError(t, err)
		require.True(t, removed)

		e, err := q.Pop(ctx, now.Add(time.Hour))
		require.NoError(t, err)
		require.Nil(t, e)
	})
}

func drain(t *testing.T, q Queue, now time.Time) []string {
	t.Helper()
	var ids []string
	for {
		e, err := q.Pop(context.Background(), now)
		require.NoError(t, err)
		if e == nil {
			return ids
		}
		ids = append(ids, e.JobID)
	}
}

func TestMemoryQueueContract(t *testing.T) {
	queueContract(t, NewMemoryQueue(30*time.Second))
}

func TestMemoryQueueRemoveFromMiddleOfHeap(t *testing.T) {
	q := NewMemoryQueue(time.Second)
	ctx := context.Background()
	base := time.Now().Add(-time.Minute)
	for i, id := range []string{"a", "b", "c", "d"} {
		_, err := q.Enqueue(ctx, Entry{JobID: id, Priority: 1, EnqueuedAt: base.Add(time.Duration(i) * time.Millisecond)})
		require.NoError(t, err)
	}

	removed, err := q.Remove(ctx, "b")
	require.NoError(t, err)
	require.True(t, removed)

	require.Equal(t, []string{"a", "c", "d"}, drain(t, q, time.Now()))
}
