package events

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func event(tenantID, providerID string) MutationEvent {
	return MutationEvent{
		TenantID:   tenantID,
		Type:       TypeEmailUpdate,
		Reason:     ReasonSyncComplete,
		ProviderID: providerID,
		Timestamp:  time.Now().UTC(),
	}
}

func TestHubDeliversToOwnTenantOnly(t *testing.T) {
	hub := NewHub(time.Hour)
	defer hub.Close()

	chA, cancelA := hub.Subscribe("tenant-a")
	defer cancelA()
	chB, cancelB := hub.Subscribe("tenant-b")
	defer cancelB()

	hub.Publish(event("tenant-a", "prov-1"))

	select {
	case ev := <-chA:
		assert.Equal(t, "tenant-a", ev.TenantID)
		assert.Equal(t, "prov-1", ev.ProviderID)
	case <-time.After(time.Second):
		t.Fatal("tenant-a subscriber got nothing")
	}

	select {
	case ev := <-chB:
		t.Fatalf("tenant-b got a foreign event: %+v", ev)
	default:
	}
}

func TestHubFansOutToAllTenantSubscribers(t *testing.T) {
	hub := NewHub(time.Hour)
	defer hub.Close()

	ch1, cancel1 := hub.Subscribe("tenant-a")
	defer cancel1()
	ch2, cancel2 := hub.Subscribe("tenant-a")
	defer cancel2()

	hub.Publish(event("tenant-a", "prov-1"))

	for _, ch := range []<-chan MutationEvent{ch1, ch2} {
		select {
		case ev := <-ch:
			assert.Equal(t, "prov-1", ev.ProviderID)
		case <-time.After(time.Second):
			t.Fatal("subscriber got nothing")
		}
	}
}

func TestHubPublishNeverBlocksOnSlowSubscriber(t *testing.T) {
	hub := NewHub(time.Hour)
	defer hub.Close()

	_, cancel := hub.Subscribe("tenant-a")
	defer cancel()

	// Nobody drains the channel; publishing past the buffer must not hang.
	done := make(chan struct{})
	go func() {
		for i := 0; i < subscriberBuffer*3; i++ {
			hub.Publish(event("tenant-a", "prov-1"))
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked on a full subscriber")
	}
}

func TestHubCancelClosesChannel(t *testing.T) {
	hub := NewHub(time.Hour)
	defer hub.Close()

	ch, cancel := hub.Subscribe("tenant-a")
	cancel()
	// Double cancel is safe.
	cancel()

	_, open := <-ch
	assert.False(t, open)

	// Publishing after cancel must not panic.
	hub.Publish(event("tenant-a", "prov-1"))
}

func TestHubCloseClosesAllSubscribers(t *testing.T) {
	hub := NewHub(time.Hour)

	ch1, _ := hub.Subscribe("tenant-a")
	ch2, _ := hub.Subscribe("tenant-b")

	hub.Close()

	_, open := <-ch1
	assert.False(t, open)
	_, open = <-ch2
	assert.False(t, open)
}

func TestHubHeartbeat(t *testing.T) {
	hub := NewHub(20 * time.Millisecond)
	defer hub.Close()

	ch, cancel := hub.Subscribe("tenant-a")
	defer cancel()

	select {
	case ev := <-ch:
		require.Equal(t, TypeHeartbeat, ev.Type)
		assert.Equal(t, "tenant-a", ev.TenantID)
	case <-time.After(time.Second):
		t.Fatal("no heartbeat arrived")
	}
}
