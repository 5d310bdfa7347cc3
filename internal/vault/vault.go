// Package vault owns credential custody: symmetric encryption of OAuth and
// IMAP secrets at rest, and refresh of expiring OAuth tokens. Callers never
// see cipher primitives and plaintext secrets never touch the store or logs.
package vault

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/Martian-dev/mailsync/internal/model"
)

// RefreshMargin is the safety window before token expiry at which a refresh
// is attempted.
const RefreshMargin = 5 * time.Minute

// refreshAttempts bounds transient-refresh retries within one pass.
const refreshAttempts = 3

// Credential is the decrypted secret bundle handed to adapters. For OAuth
// vendors both tokens are set; for IMAP, AccessToken carries the password
// and Expiry is zero.
type Credential struct {
	AccessToken  string
	RefreshToken string
	Expiry       time.Time
}

// Refresher exchanges a credential for a fresh one. Satisfied by the
// provider adapters.
type Refresher interface {
	Refresh(ctx context.Context, cred Credential) (Credential, error)
}

// revoked matches adapter auth errors that mark the grant permanently dead,
// without importing the adapter error types.
type revoked interface {
	error
	Revoked() bool
}

// Vault encrypts and decrypts secrets with a process-wide AES-256-GCM key.
type Vault struct {
	aead cipher.AEAD
}

// New creates a vault from a 32-byte key.
func New(key []byte) (*Vault, error) {
	if len(key) != 32 {
		return nil, fmt.Errorf("vault key must be 32 bytes, got %d", len(key))
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("creating cipher: %w", err)
	}

	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("creating GCM: %w", err)
	}

	return &Vault{aead: aead}, nil
}

// Encrypt seals a secret, returning hex ciphertext and a fresh hex iv.
func (v *Vault) Encrypt(secret string) (ciphertext, iv string, err error) {
	nonce := make([]byte, v.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", "", fmt.Errorf("generating iv: %w", err)
	}

	sealed := v.aead.Seal(nil, nonce, []byte(secret), nil)
	return hex.EncodeToString(sealed), hex.EncodeToString(nonce), nil
}

// Decrypt opens a hex ciphertext with its hex iv.
func (v *Vault) Decrypt(ciphertext, iv string) (string, error) {
	sealed, err := hex.DecodeString(ciphertext)
	if err != nil {
		return "", fmt.Errorf("decoding ciphertext: %w", err)
	}

	nonce, err := hex.DecodeString(iv)
	if err != nil {
		return "", fmt.Errorf("decoding iv: %w", err)
	}
	if len(nonce) != v.aead.NonceSize() {
		return "", fmt.Errorf("iv has wrong length %d", len(nonce))
	}

	plain, err := v.aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return "", fmt.Errorf("opening ciphertext: %w", err)
	}

	return string(plain), nil
}

// Open decrypts the credential bundle of a provider config.
func (v *Vault) Open(cfg *model.ProviderConfig) (Credential, error) {
	access, err := v.Decrypt(cfg.AccessCiphertext, cfg.AccessIV)
	if err != nil {
		return Credential{}, fmt.Errorf("decrypting access secret: %w", err)
	}

	cred := Credential{AccessToken: access, Expiry: cfg.TokenExpiry}

	if cfg.RefreshCiphertext != "" {
		refresh, err := v.Decrypt(cfg.RefreshCiphertext, cfg.RefreshIV)
		if err != nil {
			return Credential{}, fmt.Errorf("decrypting refresh secret: %w", err)
		}
		cred.RefreshToken = refresh
	}

	return cred, nil
}

// Seal encrypts a credential bundle into the provider config, replacing both
// secrets and their ivs together. cfg is untouched on error.
func (v *Vault) Seal(cfg *model.ProviderConfig, cred Credential) error {
	accessCT, accessIV, err := v.Encrypt(cred.AccessToken)
	if err != nil {
		return fmt.Errorf("encrypting access secret: %w", err)
	}

	var refreshCT, refreshIV string
	if cred.RefreshToken != "" {
		refreshCT, refreshIV, err = v.Encrypt(cred.RefreshToken)
		if err != nil {
			return fmt.Errorf("encrypting refresh secret: %w", err)
		}
	}

	cfg.AccessCiphertext = accessCT
	cfg.AccessIV = accessIV
	cfg.RefreshCiphertext = refreshCT
	cfg.RefreshIV = refreshIV
	cfg.TokenExpiry = cred.Expiry

	return nil
}

// EnsureValid returns a usable credential for the provider, refreshing
// through r when less than RefreshMargin remains before expiry. On refresh
// the new secrets are sealed back into cfg; the caller persists them. The
// second return reports whether cfg was mutated.
//
// A revoked grant surfaces immediately; transient refresh failures are
// retried a fixed number of times before surfacing.
func (v *Vault) EnsureValid(ctx context.Context, cfg *model.ProviderConfig, r Refresher) (Credential, bool, error) {
	cred, err := v.Open(cfg)
	if err != nil {
		return Credential{}, false, err
	}

	if cred.Expiry.IsZero() || time.Until(cred.Expiry) > RefreshMargin {
		return cred, false, nil
	}

	var lastErr error
	for attempt := 0; attempt < refreshAttempts; attempt++ {
		fresh, err := r.Refresh(ctx, cred)
		if err == nil {
			if err := v.Seal(cfg, fresh); err != nil {
				return Credential{}, false, err
			}
			return fresh, true, nil
		}

		var rev revoked
		if errors.As(err, &rev) && rev.Revoked() {
			return Credential{}, false, err
		}

		lastErr = err

		select {
		case <-ctx.Done():
			return Credential{}, false, ctx.Err()
		case <-time.After(time.Duration(attempt+1) * time.Second):
		}
	}

	return Credential{}, false, fmt.Errorf("token refresh failed after %d attempts: %w", refreshAttempts, lastErr)
}
