package queue

import (
	"container/heap"
	"context"
	"sync"
	"time"
)

// MemoryQueue is an in-process Queue. It is not durable; it backs local
// development without Redis and the scheduler tests.
type MemoryQueue struct {
	mu        sync.Mutex
	agingStep time.Duration
	seq       uint64
	ready     itemHeap
	delayed   map[string]*item
	byID      map[string]*item
}

type item struct {
	entry Entry
	score int64
	seq   uint64
	index int
}

// NewMemoryQueue creates an empty in-process queue.
func NewMemoryQueue(agingStep time.Duration) *MemoryQueue {
	if agingStep <= 0 {
		agingStep = DefaultAgingStep
	}
	return &MemoryQueue{
		agingStep: agingStep,
		delayed:   make(map[string]*item),
		byID:      make(map[string]*item),
	}
}

func (q *MemoryQueue) Enqueue(_ context.Context, e Entry) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, ok := q.byID[e.JobID]; ok {
		return false, nil
	}
	if e.EnqueuedAt.IsZero() {
		e.EnqueuedAt = time.Now()
	}

	q.seq++
	it := &item{entry: e, score: readyScore(e, q.agingStep), seq: q.seq, index: -1}
	q.byID[e.JobID] = it
	if e.NotBefore.After(e.EnqueuedAt) {
		q.delayed[e.JobID] = it
	} else {
		heap.Push(&q.ready, it)
	}
	return true, nil
}

func (q *MemoryQueue) Pop(_ context.Context, now time.Time) (*Entry, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for id, it := range q.delayed {
		if !it.entry.NotBefore.After(now) {
			delete(q.delayed, id)
			heap.Push(&q.ready, it)
		}
	}

	if q.ready.Len() == 0 {
		return nil, nil
	}
	it := heap.Pop(&q.ready).(*item)
	delete(q.byID, it.entry.JobID)
	e := it.entry
	return &e, nil
}

func (q *MemoryQueue) Remove(_ context.Context, jobID string) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	it, ok := q.byID[jobID]
	if !ok {
		return false, nil
	}
	delete(q.byID, jobID)
	if _, delayed := q.delayed[jobID]; delayed {
		delete(q.delayed, jobID)
	} else if it.index >= 0 {
		heap.Remove(&q.ready, it.index)
	}
	return true, nil
}

func (q *MemoryQueue) Contains(_ context.Context, jobID string) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, ok := q.byID[jobID]
	return ok, nil
}

func (q *MemoryQueue) Len(_ context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.byID), nil
}

func (q *MemoryQueue) Stats(_ context.Context) (Stats, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return Stats{Ready: q.ready.Len(), Delayed: len(q.delayed)}, nil
}

// itemHeap orders by score, then insertion sequence.
type itemHeap []*item

func (h itemHeap) Len() int { return len(h) }

func (h itemHeap) Less(i, j int) bool {
	if h[i].score != h[j].score {
		return h[i].score < h[j].score
	}
	return h[i].seq < h[j].seq
}

func (h itemHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *itemHeap) Push(x interface{}) {
	it := x.(*item)
	it.index = len(*h)
	*h = append(*h, it)
}

func (h *itemHeap) Pop() interface{} {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	it.index = -1
	*h = old[:n-1]
	return it
}
