package sync

import (
	"context"
	"time"

	"github.com/Martian-dev/mailsync/internal/model"
	"github.com/Martian-dev/mailsync/internal/vault"
)

// FallbackLookback bounds the full resync performed after the vendor
// invalidates a cursor, and the initial backfill of a new provider.
const FallbackLookback = 30 * 24 * time.Hour

// RemoteMessage is a vendor message before canonicalization.
type RemoteMessage struct {
	ExternalID string
	ThreadID   string

	// Folder is the vendor folder or primary label the message lives in.
	Folder string

	// SpecialUseHint is the vendor's special-use tag for Folder, when the
	// vendor exposes one. Authoritative over name lookup.
	SpecialUseHint string

	// Labels are the raw vendor labels/categories beyond the folder.
	Labels []string

	Subject    string
	Sender     string
	Snippet    string
	IsRead     bool
	IsStarred  bool
	Size       int64
	ReceivedAt time.Time
}

// ChangeSet is one page of delta results. HasMore means the returned cursor
// is intermediate and the worker must keep fetching before the pass is
// complete; only the final page's cursor is durable.
type ChangeSet struct {
	Messages  []RemoteMessage
	NewCursor string
	HasMore   bool
}

// RemoteFolder is a vendor folder listing with vendor-side counts.
type RemoteFolder struct {
	RemoteName     string
	SpecialUseHint string
	TotalCount     int
	UnreadCount    int
}

// Provider is the capability interface every vendor adapter satisfies. Delta
// semantics differ per vendor (history token, delta link, highest UID per
// folder) but all are hidden behind the opaque cursor.
//
// Adapters report failures through the taxonomy types in this package:
// *AuthError, *RateLimitedError, *CursorInvalidatedError. Anything else is
// treated as a transient network failure.
type Provider interface {
	Vendor() model.Vendor

	// Refresh exchanges the refresh secret for fresh credentials. Vendors
	// without a refresh flow return the credential unchanged.
	Refresh(ctx context.Context, cred vault.Credential) (vault.Credential, error)

	// FetchChanges returns messages changed since cursor. An empty cursor
	// requests a backfill bounded by lookback.
	FetchChanges(ctx context.Context, cred vault.Credential, cursor string, lookback time.Duration) (*ChangeSet, error)

	// FetchFolders lists the provider's folders with special-use hints.
	FetchFolders(ctx context.Context, cred vault.Credential) ([]RemoteFolder, error)
}

// ProviderFactory builds the adapter for a vendor. Injected so tests can
// substitute fakes.
type ProviderFactory func(ctx context.Context, cfg *model.ProviderConfig) (Provider, error)
