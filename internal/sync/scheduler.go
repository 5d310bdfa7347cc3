package sync

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	gosync "sync"

	"github.com/Martian-dev/mailsync/internal/model"
	"github.com/Martian-dev/mailsync/internal/queue"
)

// Scheduler periodically selects due providers and submits one job each to
// the worker pool. nextSyncAt is written only at the end of a pass, so a
// provider cannot be re-submitted while its own job is still running; the
// queue's per-provider dedup and the worker lock back that up.
type Scheduler struct {
	store    Store
	queue    queue.Queue
	tick     time.Duration
	batchCap int
	log      *logrus.Entry
}

// NewScheduler wires a scheduler.
func NewScheduler(st Store, q queue.Queue, tick time.Duration, batchCap int) *Scheduler {
	return &Scheduler{
		store:    st,
		queue:    q,
		tick:     tick,
		batchCap: batchCap,
		log:      logrus.WithField("pkg", "scheduler"),
	}
}

// Run ticks until ctx is cancelled. The first selection happens immediately.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()

	s.Tick(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Tick selects due providers, oldest due first, and enqueues jobs.
func (s *Scheduler) Tick(ctx context.Context) {
	due, err := s.store.DueProviders(ctx, time.Now().UTC(), s.batchCap)
	if err != nil {
		s.log.WithError(err).Error("selecting due providers")
		return
	}

	for _, cfg := range due {
		job := model.SyncJob{
			ID:         uuid.NewString(),
			ProviderID: cfg.ID,
			TenantID:   cfg.TenantID,
			Reason:     model.ReasonScheduled,
			EnqueuedAt: time.Now().UTC(),
		}
		if s.queue.Enqueue(job) {
			s.log.WithField("provider", cfg.ID).Debug("job enqueued")
		}
	}
}

// Pool runs a bounded set of workers draining the job queue. Passes for
// different providers run fully in parallel up to the pool size.
type Pool struct {
	queue   queue.Queue
	worker  *Worker
	size    int
	log     *logrus.Entry
}

// NewPool wires a worker pool.
func NewPool(q queue.Queue, w *Worker, size int) *Pool {
	return &Pool{
		queue:  q,
		worker: w,
		size:   size,
		log:    logrus.WithField("pkg", "pool"),
	}
}

// Run blocks until ctx is cancelled and all workers have drained.
func (p *Pool) Run(ctx context.Context) {
	var wg gosync.WaitGroup

	for i := 0; i < p.size; i++ {
		wg.Add(1)
		workerID := uuid.NewString()

		go func() {
			defer wg.Done()

			for {
				job, err := p.queue.DequeueAndLease(ctx, workerID)
				if err != nil {
					return
				}

				// RecordFailure has already scheduled the retry
				// through nextSyncAt, so the job is acked either
				// way; the next scheduler tick re-submits.
				_ = p.worker.RunPass(ctx, *job)
				p.queue.Ack(*job)
			}
		}()
	}

	wg.Wait()
}
