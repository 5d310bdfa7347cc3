package queue

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Martian-dev/mailsync/internal/model"
)

func testJob(providerID string) model.SyncJob {
	return model.SyncJob{
		ID:         "job-" + providerID,
		ProviderID: providerID,
		TenantID:   "tenant-1",
		Reason:     model.ReasonScheduled,
		EnqueuedAt: time.Now().UTC(),
	}
}

func TestEnqueueDedupesPerProvider(t *testing.T) {
	q := NewMemoryQueue(10)
	defer q.Close()

	assert.True(t, q.Enqueue(testJob("p1")))
	assert.False(t, q.Enqueue(testJob("p1")))
	assert.True(t, q.Enqueue(testJob("p2")))
}

func TestDequeueAndLease(t *testing.T) {
	q := NewMemoryQueue(10)
	defer q.Close()

	require.True(t, q.Enqueue(testJob("p1")))

	job, err := q.DequeueAndLease(context.Background(), "w1")
	require.NoError(t, err)
	assert.Equal(t, "p1", job.ProviderID)
}

func TestDequeueRespectsContext(t *testing.T) {
	q := NewMemoryQueue(10)
	defer q.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := q.DequeueAndLease(ctx, "w1")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestLeasedProviderStaysLiveUntilAck(t *testing.T) {
	q := NewMemoryQueue(10)
	defer q.Close()

	require.True(t, q.Enqueue(testJob("p1")))

	job, err := q.DequeueAndLease(context.Background(), "w1")
	require.NoError(t, err)

	// The provider is still live while the job is leased.
	assert.False(t, q.Enqueue(testJob("p1")))

	q.Ack(*job)
	assert.True(t, q.Enqueue(testJob("p1")))
}

func TestNackReturnsJobAfterDelay(t *testing.T) {
	q := NewMemoryQueue(10)
	defer q.Close()

	require.True(t, q.Enqueue(testJob("p1")))

	job, err := q.DequeueAndLease(context.Background(), "w1")
	require.NoError(t, err)

	q.Nack(*job, 30*time.Millisecond)

	// Still live during the retry delay.
	assert.False(t, q.Enqueue(testJob("p1")))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	retried, err := q.DequeueAndLease(ctx, "w1")
	require.NoError(t, err)
	assert.Equal(t, job.ID, retried.ID)
}

func TestNackImmediateRequeue(t *testing.T) {
	q := NewMemoryQueue(10)
	defer q.Close()

	require.True(t, q.Enqueue(testJob("p1")))

	job, err := q.DequeueAndLease(context.Background(), "w1")
	require.NoError(t, err)

	q.Nack(*job, 0)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	retried, err := q.DequeueAndLease(ctx, "w1")
	require.NoError(t, err)
	assert.Equal(t, job.ID, retried.ID)
}

func TestCloseUnblocksDequeue(t *testing.T) {
	q := NewMemoryQueue(10)

	errCh := make(chan error, 1)
	go func() {
		_, err := q.DequeueAndLease(context.Background(), "w1")
		errCh <- err
	}()

	time.Sleep(10 * time.Millisecond)
	q.Close()

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, ErrClosed)
	case <-time.After(time.Second):
		t.Fatal("dequeue did not unblock on close")
	}
}

func TestEnqueueAfterClose(t *testing.T) {
	q := NewMemoryQueue(10)
	q.Close()

	assert.False(t, q.Enqueue(testJob("p1")))
}
