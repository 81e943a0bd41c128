// Package queue holds the durable admission queue for generation jobs.
//
// Ordering: an entry's ready score is its enqueue time minus
// priority*AgingStep, and the lowest score pops first. A higher tier gets a
// fixed head start instead of absolute precedence, so a lower tier is served
// once it has waited AgingStep longer. Within a tier order is FIFO.
// Entries with a NotBefore in the future wait in a delayed set.
package queue

import (
	"context"
	"time"
)

// DefaultAgingStep is the head start one priority level buys.
const DefaultAgingStep = 30 * time.Second

// Entry is a scheduling record for one job.
type Entry struct {
	JobID      string    `json:"job_id"`
	Priority   int       `json:"priority"`
	Attempt    int       `json:"attempt"`
	EnqueuedAt time.Time `json:"enqueued_at"`
	NotBefore  time.Time `json:"not_before"`
}

// Stats reports queue depth.
type Stats struct {
	Ready   int `json:"ready"`
	Delayed int `json:"delayed"`
}

// Queue is implemented by RedisQueue and MemoryQueue.
type Queue interface {
	// Enqueue adds e unless an entry for e.JobID is already present.
	Enqueue(ctx context.Context, e Entry) (bool, error)
	// Pop removes and returns the best ready entry, or nil when none is due.
	Pop(ctx context.Context, now time.Time) (*Entry, error)
	// Remove drops the entry for jobID if present.
	Remove(ctx context.Context, jobID string) (bool, error)
	// Contains reports whether an entry for jobID is present.
	Contains(ctx context.Context, jobID string) (bool, error)
	// Len is the number of ready and delayed entries.
	Len(ctx context.Context) (int, error)
	Stats(ctx context.Context) (Stats, error)
}

// readyScore is the sort key of an entry once it is due. Retries become due
// at NotBefore and line up behind entries already waiting in their tier.
func readyScore(e Entry, agingStep time.Duration) int64 {
	base := e.EnqueuedAt
	if e.NotBefore.After(base) {
		base = e.NotBefore
	}
	return base.UnixMilli() - int64(e.Priority)*agingStep.Milliseconds()
}
