package model

import (
	"time"
)

// Vendor identifies the remote mail system a provider connects to.
type Vendor string

const (
	VendorGmail   Vendor = "GMAIL"
	VendorOutlook Vendor = "OUTLOOK"
	VendorIMAP    Vendor = "IMAP"
)

// Priority tiers run 1..5; lower tiers poll more often.
const (
	MinPriorityTier = 1
	MaxPriorityTier = 5
)

// ProviderConfig is one connected mailbox. Credential material is stored
// encrypted; the plaintext never leaves the vault.
type ProviderConfig struct {
	ID       string `db:"id"`
	TenantID string `db:"tenant_id"`
	Vendor   Vendor `db:"vendor"`
	Address  string `db:"address"`

	// Endpoint is the server address for vendors that need one
	// (IMAP host:port). Empty for the OAuth vendors.
	Endpoint string `db:"endpoint"`

	AccessCiphertext  string `db:"access_ciphertext"`
	AccessIV          string `db:"access_iv"`
	RefreshCiphertext string `db:"refresh_ciphertext"`
	RefreshIV         string `db:"refresh_iv"`

	// TokenExpiry is zero for vendors without expiring credentials (IMAP).
	TokenExpiry time.Time `db:"token_expiry"`

	SyncPriority    int     `db:"sync_priority"`
	ErrorStreak     int     `db:"error_streak"`
	AvgActivityRate float64 `db:"avg_activity_rate"`

	LastSyncedAt *time.Time `db:"last_synced_at"`
	NextSyncAt   *time.Time `db:"next_sync_at"`

	// Cursor is vendor specific: gmail history id, graph delta link, or a
	// JSON map of folder to highest seen UID. It only ever moves forward.
	Cursor string `db:"cursor"`

	IsActive  bool      `db:"is_active"`
	LastError string    `db:"last_error"`
	CreatedAt time.Time `db:"created_at"`
	UpdatedAt time.Time `db:"updated_at"`
}

// Email is the canonical message record. Identity is (ProviderID,
// ExternalID); repeated delta fetches of the same remote message update the
// existing row.
type Email struct {
	ID         string    `db:"id"`
	ProviderID string    `db:"provider_id"`
	TenantID   string    `db:"tenant_id"`
	ExternalID string    `db:"external_id"`
	ThreadID   string    `db:"thread_id"`
	Folder     string    `db:"folder"`
	Labels     []string  `db:"-"`
	Subject    string    `db:"subject"`
	Sender     string    `db:"sender"`
	Snippet    string    `db:"snippet"`
	IsRead     bool      `db:"is_read"`
	IsStarred  bool      `db:"is_starred"`
	Size       int64     `db:"size"`
	ReceivedAt time.Time `db:"received_at"`
	CreatedAt  time.Time `db:"created_at"`
	UpdatedAt  time.Time `db:"updated_at"`
}

// Folder is a per-provider mailbox folder. Counts are a cache derived from
// Email rows and can be rebuilt from scratch.
type Folder struct {
	ID          string    `db:"id"`
	ProviderID  string    `db:"provider_id"`
	TenantID    string    `db:"tenant_id"`
	RemoteName  string    `db:"remote_name"`
	Name        string    `db:"name"`
	SpecialUse  string    `db:"special_use"`
	TotalCount  int       `db:"total_count"`
	UnreadCount int       `db:"unread_count"`
	UpdatedAt   time.Time `db:"updated_at"`
}

// SyncReason records why a job was submitted.
type SyncReason string

const (
	ReasonScheduled SyncReason = "scheduled"
	ReasonManual    SyncReason = "manual"
	ReasonWebhook   SyncReason = "webhook"
)

// SyncJob is one scheduling unit. Jobs are ephemeral; they live only inside
// the queue and are never persisted past their lease.
type SyncJob struct {
	ID         string
	ProviderID string
	TenantID   string
	Reason     SyncReason
	EnqueuedAt time.Time
}
