package events

import (
	"time"
)

// Type is the mutation event kind consumed by realtime subscribers.
type Type string

const (
	TypeEmailUpdate    Type = "emailUpdate"
	TypeCalendarUpdate Type = "calendarUpdate"
	TypeContactUpdate  Type = "contactUpdate"
	TypeHeartbeat      Type = "heartbeat"
)

// Event reasons.
const (
	ReasonSyncComplete        = "sync-complete"
	ReasonSyncFailed          = "sync-failed"
	ReasonProviderDeactivated = "provider-deactivated"
)

// MutationEvent describes a create/update/delete to a synchronized entity,
// published per tenant.
type MutationEvent struct {
	TenantID   string    `json:"tenantId"`
	Type       Type      `json:"type"`
	Reason     string    `json:"reason"`
	ProviderID string    `json:"providerId,omitempty"`
	EntityID   string    `json:"entityId,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// Heartbeat builds the periodic keepalive event for a tenant stream.
func Heartbeat(tenantID string) MutationEvent {
	return MutationEvent{
		TenantID:  tenantID,
		Type:      TypeHeartbeat,
		Reason:    "heartbeat",
		Timestamp: time.Now().UTC(),
	}
}
