package sync

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrSyncInProgress is returned when a pass cannot take the
	// per-provider lock. It does not count as a failure.
	ErrSyncInProgress = errors.New("sync already in progress for provider")

	// ErrProviderInactive is returned when a job targets a deactivated
	// provider.
	ErrProviderInactive = errors.New("provider is inactive")
)

// FailureClass partitions pass failures for checkpointing and backoff.
type FailureClass string

const (
	FailAuthExpired      FailureClass = "auth_expired"
	FailAuthRevoked      FailureClass = "auth_revoked"
	FailRateLimited      FailureClass = "rate_limited"
	FailCursorInvalid    FailureClass = "cursor_invalidated"
	FailNetworkTransient FailureClass = "network_transient"
	FailTimeout          FailureClass = "timeout"
)

// AuthError is returned by adapters when authentication fails. Revoked
// distinguishes a permanently dead grant (invalid_grant, consent revoked)
// from an expired token that a refresh can recover.
type AuthError struct {
	Vendor  string
	Message string
	Err     error

	// IsRevoked marks the failure as permanent. The provider is
	// deactivated and never scheduled again until reconnected.
	IsRevoked bool
}

func (e *AuthError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s auth: %s", e.Vendor, e.Message)
	}
	return fmt.Sprintf("%s auth failed", e.Vendor)
}

func (e *AuthError) Unwrap() error { return e.Err }

// Revoked reports whether the credential is permanently invalid. The vault
// matches on this method rather than the concrete type.
func (e *AuthError) Revoked() bool { return e.IsRevoked }

// RateLimitedError is returned by adapters when the vendor signals backoff.
// RetryAfter is zero when the vendor did not provide one.
type RateLimitedError struct {
	Vendor     string
	RetryAfter time.Duration
	Err        error
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("%s rate limited (retry after %s)", e.Vendor, e.RetryAfter)
}

func (e *RateLimitedError) Unwrap() error { return e.Err }

// CursorInvalidatedError is returned by adapters when the vendor rejects the
// stored cursor. The worker recovers with a bounded full resync.
type CursorInvalidatedError struct {
	Vendor string
	Cursor string
	Err    error
}

func (e *CursorInvalidatedError) Error() string {
	return fmt.Sprintf("%s rejected cursor %q", e.Vendor, e.Cursor)
}

func (e *CursorInvalidatedError) Unwrap() error { return e.Err }

// Classify maps an error from a pass to its failure class.
func Classify(err error) FailureClass {
	var authErr *AuthError
	if errors.As(err, &authErr) {
		if authErr.IsRevoked {
			return FailAuthRevoked
		}
		return FailAuthExpired
	}

	var rlErr *RateLimitedError
	if errors.As(err, &rlErr) {
		return FailRateLimited
	}

	var curErr *CursorInvalidatedError
	if errors.As(err, &curErr) {
		return FailCursorInvalid
	}

	if errors.Is(err, errTimeout) {
		return FailTimeout
	}

	return FailNetworkTransient
}

var errTimeout = errors.New("pass deadline exceeded")
