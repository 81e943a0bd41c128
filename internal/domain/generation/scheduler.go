package generation

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/semaphore"

	"github.com/decorai/decorai-api/internal/pkg/queue"
)

// Redis channels shared by API and worker processes.
const (
	WakeChannel   = "generation:wake"
	CancelChannel = "generation:cancel"
)

// QueueKeyPrefix namespaces the Redis queue keys.
const QueueKeyPrefix = "generation:queue"

// SlotsKey holds the cluster-wide admission leases.
const SlotsKey = "generation:slots"

const defaultAdmissionTick = time.Second

// NewQueue returns the durable Redis queue, or an in-process queue when rdb is nil.
func NewQueue(rdb *redis.Client, agingStep time.Duration) queue.Queue {
	if rdb == nil {
		log.Warn().Msg("Redis not configured, generation queue is in-process only")
		return queue.NewMemoryQueue(agingStep)
	}
	return queue.NewRedisQueue(rdb, QueueKeyPrefix, agingStep)
}

// JobHandler runs one admitted queue entry. The slot is held until it returns.
type JobHandler func(ctx context.Context, entry queue.Entry)

// SchedulerConfig configures admission. Concurrency is the limit across
// every scheduler sharing Slots. Slots defaults to Redis leases when rdb is
// set and to a pool private to this scheduler otherwise.
type SchedulerConfig struct {
	Concurrency   int
	AdmissionTick time.Duration
	Slots         queue.Slots
	LeaseTTL      time.Duration
}

// Scheduler admits queued entries under a global concurrency bound. Enqueue
// and Cancel work in any process; Run only in workers.
type Scheduler struct {
	queue queue.Queue
	redis *redis.Client

	limit    int
	sem      *semaphore.Weighted
	slots    queue.Slots
	leaseTTL time.Duration
	tick     time.Duration

	mu       sync.Mutex
	inflight map[string]context.CancelFunc
	wg       sync.WaitGroup

	wake chan struct{}
}

// NewScheduler creates a scheduler over q. rdb may be nil (single process).
func NewScheduler(q queue.Queue, rdb *redis.Client, cfg SchedulerConfig) *Scheduler {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 3
	}
	if cfg.AdmissionTick <= 0 {
		cfg.AdmissionTick = defaultAdmissionTick
	}
	if cfg.LeaseTTL <= 0 {
		cfg.LeaseTTL = queue.DefaultLeaseTTL
	}
	if cfg.Slots == nil {
		if rdb != nil {
			cfg.Slots = queue.NewRedisSlots(rdb, SlotsKey)
		} else {
			cfg.Slots = queue.NewMemorySlots()
		}
	}
	return &Scheduler{
		queue:    q,
		redis:    rdb,
		limit:    cfg.Concurrency,
		sem:      semaphore.NewWeighted(int64(cfg.Concurrency)),
		slots:    cfg.Slots,
		leaseTTL: cfg.LeaseTTL,
		tick:     cfg.AdmissionTick,
		inflight: make(map[string]context.CancelFunc),
		wake:     make(chan struct{}, 1),
	}
}

// Enqueue adds an entry. Enqueuing a job that already has one is a no-op.
func (s *Scheduler) Enqueue(ctx context.Context, e queue.Entry) error {
	if e.EnqueuedAt.IsZero() {
		e.EnqueuedAt = time.Now()
	}
	added, err := s.queue.Enqueue(ctx, e)
	if err != nil {
		return err
	}
	if added {
		s.signal(ctx)
	}
	return nil
}

// Contains reports whether jobID has a queue entry or runs in this process.
func (s *Scheduler) Contains(ctx context.Context, jobID string) (bool, error) {
	if s.Running(jobID) {
		return true, nil
	}
	return s.queue.Contains(ctx, jobID)
}

// Cancel drops the queue entry of jobID. A job already running is signalled
// here and, through Redis, in every other worker. It reports whether an
// entry was removed before admission.
func (s *Scheduler) Cancel(ctx context.Context, jobID string) (bool, error) {
	removed, err := s.queue.Remove(ctx, jobID)
	if err != nil {
		return false, err
	}
	if removed {
		return true, nil
	}

	s.cancelLocal(jobID)
	if s.redis != nil {
		if err := s.redis.Publish(ctx, CancelChannel, jobID).Err(); err != nil {
			log.Warn().Err(err).Str("job_id", jobID).Msg("Failed to publish generation cancel")
		}
	}
	return false, nil
}

// Running reports whether jobID is admitted in this process.
func (s *Scheduler) Running(jobID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.inflight[jobID]
	return ok
}

// InFlight is the number of jobs admitted in this process.
func (s *Scheduler) InFlight() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.inflight)
}

// Active is the number of jobs holding an admission slot in any process.
func (s *Scheduler) Active(ctx context.Context) (int, error) {
	return s.slots.Active(ctx)
}

// Stats reports the queue depth.
func (s *Scheduler) Stats(ctx context.Context) (queue.Stats, error) {
	return s.queue.Stats(ctx)
}

// Run admits entries until ctx ends, then waits for running jobs to return.
func (s *Scheduler) Run(ctx context.Context, handle JobHandler) {
	if s.redis != nil {
		sub := s.redis.Subscribe(ctx, WakeChannel, CancelChannel)
		defer func() { _ = sub.Close() }()
		go s.listen(ctx, sub)
	}

	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()

	log.Info().Int("concurrency", s.limit).Msg("Generation scheduler started")
	for {
		s.admit(ctx, handle)

		select {
		case <-ctx.Done():
			s.wg.Wait()
			log.Info().Msg("Generation scheduler stopped")
			return
		case <-s.wake:
		case <-ticker.C:
		}
	}
}

// admit takes entries while both the local semaphore and a global slot are
// available. The slot is taken before the pop so no entry leaves the queue
// without one.
func (s *Scheduler) admit(ctx context.Context, handle JobHandler) {
	for ctx.Err() == nil {
		if !s.sem.TryAcquire(1) {
			return
		}

		lease := uuid.NewString()
		ok, err := s.slots.Acquire(ctx, lease, s.limit, s.leaseTTL)
		if err != nil || !ok {
			s.sem.Release(1)
			if err != nil {
				log.Error().Err(err).Msg("Failed to acquire generation slot")
			}
			return
		}

		entry, err := s.queue.Pop(ctx, time.Now())
		if err != nil || entry == nil {
			s.releaseSlot(lease, false)
			s.sem.Release(1)
			if err != nil {
				log.Error().Err(err).Msg("Failed to pop generation queue")
			}
			return
		}

		jobCtx, cancel := context.WithCancel(ctx)
		s.mu.Lock()
		s.inflight[entry.JobID] = cancel
		s.mu.Unlock()

		s.wg.Add(1)
		go func(e queue.Entry) {
			defer func() {
				s.mu.Lock()
				delete(s.inflight, e.JobID)
				s.mu.Unlock()
				cancel()
				s.sem.Release(1)
				s.releaseSlot(lease, true)
				s.wg.Done()
			}()
			stop := s.keepLease(lease, e.JobID)
			defer stop()
			handle(jobCtx, e)
		}(*entry)
	}
}

// keepLease renews lease until the returned func is called. Renewal ignores
// job cancellation; the handler still holds the slot while it finalizes.
func (s *Scheduler) keepLease(lease, jobID string) func() {
	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(s.leaseTTL / 3)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
				ok, err := s.slots.Renew(ctx, lease, s.leaseTTL)
				cancel()
				if err != nil {
					log.Warn().Err(err).Str("job_id", jobID).Msg("Failed to renew generation slot")
				} else if !ok {
					log.Warn().Str("job_id", jobID).Msg("Generation slot lease lapsed")
				}
			}
		}
	}()
	return func() { close(done) }
}

// releaseSlot frees lease. When wake is set, admission loops here and in
// other workers are woken to take the freed slot.
func (s *Scheduler) releaseSlot(lease string, wake bool) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.slots.Release(ctx, lease); err != nil {
		log.Warn().Err(err).Msg("Failed to release generation slot")
	}
	if wake {
		s.signal(ctx)
	}
}

func (s *Scheduler) listen(ctx context.Context, sub *redis.PubSub) {
	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			switch msg.Channel {
			case WakeChannel:
				s.nudge()
			case CancelChannel:
				s.cancelLocal(msg.Payload)
			}
		}
	}
}

func (s *Scheduler) cancelLocal(jobID string) {
	s.mu.Lock()
	cancel, ok := s.inflight[jobID]
	s.mu.Unlock()
	if ok {
		log.Info().Str("job_id", jobID).Msg("Cancelling running generation")
		cancel()
	}
}

// signal wakes local and remote admission loops.
func (s *Scheduler) signal(ctx context.Context) {
	s.nudge()
	if s.redis != nil {
		if err := s.redis.Publish(ctx, WakeChannel, "1").Err(); err != nil {
			log.Debug().Err(err).Msg("Failed to publish generation wake-up")
		}
	}
}

func (s *Scheduler) nudge() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}
