// Package events is the per-tenant publish/subscribe channel that turns
// persisted mutations into realtime notifications, plus the JetStream path
// for durable delivery to external transports.
package events

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// subscriberBuffer is the per-subscriber channel depth. A full subscriber
// drops events rather than blocking the publisher; the UI can re-fetch.
const subscriberBuffer = 16

// Hub fans mutation events out to per-tenant subscribers. Publishing never
// blocks and never fails: a slow consumer loses events, not the publisher.
type Hub struct {
	mu   sync.RWMutex
	subs map[string]map[string]chan MutationEvent

	heartbeat time.Duration
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// NewHub creates a hub that interleaves a heartbeat event on every
// subscription at the given interval so idle connections can be detected as
// alive.
func NewHub(heartbeat time.Duration) *Hub {
	h := &Hub{
		subs:      make(map[string]map[string]chan MutationEvent),
		heartbeat: heartbeat,
		done:      make(chan struct{}),
	}

	h.wg.Add(1)
	go h.heartbeatLoop()

	return h
}

// Publish delivers ev to every subscriber of its tenant. Fire-and-forget.
func (h *Hub) Publish(ev MutationEvent) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, ch := range h.subs[ev.TenantID] {
		select {
		case ch <- ev:
		default:
		}
	}
}

// Subscribe returns a stream of the tenant's own events and a cancel
// function. The channel is closed on cancel or hub shutdown.
func (h *Hub) Subscribe(tenantID string) (<-chan MutationEvent, func()) {
	id := uuid.NewString()
	ch := make(chan MutationEvent, subscriberBuffer)

	h.mu.Lock()
	if h.subs[tenantID] == nil {
		h.subs[tenantID] = make(map[string]chan MutationEvent)
	}
	h.subs[tenantID][id] = ch
	h.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()

			if tenant, ok := h.subs[tenantID]; ok {
				if _, ok := tenant[id]; ok {
					delete(tenant, id)
					close(ch)
				}
				if len(tenant) == 0 {
					delete(h.subs, tenantID)
				}
			}
		})
	}

	return ch, cancel
}

// Close shuts the hub down and closes all subscriber channels.
func (h *Hub) Close() {
	h.closeOnce.Do(func() {
		close(h.done)
		h.wg.Wait()

		h.mu.Lock()
		defer h.mu.Unlock()

		for tenantID, tenant := range h.subs {
			for id, ch := range tenant {
				delete(tenant, id)
				close(ch)
			}
			delete(h.subs, tenantID)
		}
	})
}

func (h *Hub) heartbeatLoop() {
	defer h.wg.Done()

	ticker := time.NewTicker(h.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-h.done:
			return
		case <-ticker.C:
			h.mu.RLock()
			for tenantID, tenant := range h.subs {
				ev := Heartbeat(tenantID)
				for _, ch := range tenant {
					select {
					case ch <- ev:
					default:
					}
				}
			}
			h.mu.RUnlock()
		}
	}
}
