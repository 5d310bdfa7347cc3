package sync

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Martian-dev/mailsync/internal/model"
	"github.com/Martian-dev/mailsync/internal/queue"
)

func TestSchedulerTickEnqueuesDueProviders(t *testing.T) {
	provider := &fakeProvider{
		vendor: model.VendorGmail,
		pages:  map[string]*ChangeSet{"": {NewCursor: "1"}},
	}
	f := newWorkerFixture(t, provider, time.Now().Add(time.Hour))
	ctx := context.Background()

	q := queue.NewMemoryQueue(10)
	defer q.Close()

	s := NewScheduler(f.store, q, time.Hour, 50)
	s.Tick(ctx)

	job, err := q.DequeueAndLease(ctx, "w1")
	require.NoError(t, err)
	assert.Equal(t, f.cfg.ID, job.ProviderID)
	assert.Equal(t, model.ReasonScheduled, job.Reason)

	// The provider is leased; a second tick cannot double-submit it.
	s.Tick(ctx)

	waitCtx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	_, err = q.DequeueAndLease(waitCtx, "w1")
	assert.Error(t, err)
}

func TestSchedulerSkipsFutureProviders(t *testing.T) {
	provider := &fakeProvider{vendor: model.VendorGmail}
	f := newWorkerFixture(t, provider, time.Now().Add(time.Hour))
	ctx := context.Background()

	require.NoError(t, f.store.RecordFailure(ctx, f.cfg.ID, 0, "", time.Now().Add(time.Hour)))

	q := queue.NewMemoryQueue(10)
	defer q.Close()

	NewScheduler(f.store, q, time.Hour, 50).Tick(ctx)

	waitCtx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	_, err := q.DequeueAndLease(waitCtx, "w1")
	assert.Error(t, err)
}

func TestPoolDrainsQueue(t *testing.T) {
	provider := &fakeProvider{
		vendor: model.VendorGmail,
		pages: map[string]*ChangeSet{
			"": {Messages: []RemoteMessage{{ExternalID: "m1", Folder: "INBOX"}}, NewCursor: "1"},
		},
	}
	f := newWorkerFixture(t, provider, time.Now().Add(time.Hour))

	q := queue.NewMemoryQueue(10)
	defer q.Close()

	require.True(t, q.Enqueue(job(f.cfg)))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan struct{})
	go func() {
		NewPool(q, f.worker, 2).Run(ctx)
		close(done)
	}()

	// Wait for the pass to land.
	deadline := time.After(5 * time.Second)
	for {
		got, err := f.store.GetProvider(context.Background(), f.cfg.ID)
		require.NoError(t, err)
		if got.Cursor == "1" {
			break
		}
		select {
		case <-deadline:
			t.Fatal("pool never processed the job")
		case <-time.After(10 * time.Millisecond):
		}
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("pool did not drain on cancel")
	}
}
