// Package queue provides the job queue contract between the scheduler and
// the worker pool, and an in-process implementation of it. At most one live
// job exists per provider at any time; duplicates are rejected at enqueue.
package queue

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/Martian-dev/mailsync/internal/model"
)

// ErrClosed is returned when the queue has been shut down.
var ErrClosed = errors.New("queue closed")

// Queue is the scheduling contract. Implementations must provide
// at-least-once delivery: a leased job that is nacked comes back.
type Queue interface {
	// Enqueue submits a job. It returns false when a live job already
	// exists for the same provider (queued, leased or awaiting retry).
	Enqueue(job model.SyncJob) bool

	// DequeueAndLease blocks until a job is available or ctx is done.
	DequeueAndLease(ctx context.Context, workerID string) (*model.SyncJob, error)

	// Ack completes a leased job, releasing the provider for future jobs.
	Ack(job model.SyncJob)

	// Nack returns a leased job to the queue after retryAfter.
	Nack(job model.SyncJob, retryAfter time.Duration)

	Close()
}

// MemoryQueue is the in-process Queue used by the daemon. Jobs are
// ephemeral; durability comes from the store's nextSyncAt, which re-submits
// work on the next scheduler tick after a crash.
type MemoryQueue struct {
	mu     sync.Mutex
	live   map[string]struct{}
	ch     chan model.SyncJob
	timers map[string]*time.Timer
	closed bool
}

// NewMemoryQueue creates a queue with the given backlog capacity.
func NewMemoryQueue(capacity int) *MemoryQueue {
	return &MemoryQueue{
		live:   make(map[string]struct{}),
		ch:     make(chan model.SyncJob, capacity),
		timers: make(map[string]*time.Timer),
	}
}

// Enqueue implements Queue.
func (q *MemoryQueue) Enqueue(job model.SyncJob) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return false
	}
	if _, ok := q.live[job.ProviderID]; ok {
		return false
	}

	select {
	case q.ch <- job:
		q.live[job.ProviderID] = struct{}{}
		return true
	default:
		return false
	}
}

// DequeueAndLease implements Queue.
func (q *MemoryQueue) DequeueAndLease(ctx context.Context, workerID string) (*model.SyncJob, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case job, ok := <-q.ch:
		if !ok {
			return nil, ErrClosed
		}
		return &job, nil
	}
}

// Ack implements Queue.
func (q *MemoryQueue) Ack(job model.SyncJob) {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.live, job.ProviderID)
}

// Nack implements Queue. The provider stays live until the retried job is
// leased and acked, so a second job cannot slip in between.
func (q *MemoryQueue) Nack(job model.SyncJob, retryAfter time.Duration) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		delete(q.live, job.ProviderID)
		return
	}

	if retryAfter <= 0 {
		select {
		case q.ch <- job:
		default:
			delete(q.live, job.ProviderID)
		}
		return
	}

	q.timers[job.ProviderID] = time.AfterFunc(retryAfter, func() {
		q.mu.Lock()
		defer q.mu.Unlock()

		delete(q.timers, job.ProviderID)
		if q.closed {
			delete(q.live, job.ProviderID)
			return
		}

		select {
		case q.ch <- job:
		default:
			delete(q.live, job.ProviderID)
		}
	})
}

// Close implements Queue.
func (q *MemoryQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return
	}
	q.closed = true

	for id, t := range q.timers {
		t.Stop()
		delete(q.timers, id)
	}

	close(q.ch)
}
