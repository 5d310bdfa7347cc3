// Package store is the durable sync state: provider configs, cursors,
// canonical emails and folders, and the event outbox. It is the single
// source of truth for idempotent upserts.
package store

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/Martian-dev/mailsync/internal/model"
)

//go:embed schema.sql
var schemaSQL string

// ErrNotFound is returned when a record does not exist.
var ErrNotFound = errors.New("record not found")

// ErrCursorConflict is returned when a pass tries to commit against a
// cursor that is no longer the one it started from.
var ErrCursorConflict = errors.New("cursor moved since pass started")

// Store wraps the sqlite database.
type Store struct {
	db *sqlx.DB
}

// Open opens or creates the database at dbPath and applies the schema.
func Open(dbPath string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}

	db, err := sqlx.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(time.Hour)

	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("applying schema: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

const providerColumns = `id, tenant_id, vendor, address, endpoint,
	access_ciphertext, access_iv, refresh_ciphertext, refresh_iv,
	token_expiry, sync_priority, error_streak, avg_activity_rate,
	last_synced_at, next_sync_at, cursor, is_active, last_error,
	created_at, updated_at`

// CreateProvider inserts a freshly connected mailbox.
func (s *Store) CreateProvider(ctx context.Context, cfg *model.ProviderConfig) error {
	if cfg.ID == "" {
		cfg.ID = uuid.NewString()
	}
	if cfg.SyncPriority == 0 {
		cfg.SyncPriority = 3
	}
	now := time.Now().UTC()
	cfg.CreatedAt = now
	cfg.UpdatedAt = now
	cfg.IsActive = true

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO provider_configs (`+providerColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, cfg.ID, cfg.TenantID, cfg.Vendor, cfg.Address, cfg.Endpoint,
		cfg.AccessCiphertext, cfg.AccessIV, cfg.RefreshCiphertext, cfg.RefreshIV,
		cfg.TokenExpiry.UTC(), cfg.SyncPriority, cfg.ErrorStreak, cfg.AvgActivityRate,
		cfg.LastSyncedAt, cfg.NextSyncAt, cfg.Cursor, cfg.IsActive, cfg.LastError,
		cfg.CreatedAt, cfg.UpdatedAt)
	if err != nil {
		return fmt.Errorf("inserting provider: %w", err)
	}

	return nil
}

// GetProvider loads a provider config by id.
func (s *Store) GetProvider(ctx context.Context, id string) (*model.ProviderConfig, error) {
	var cfg model.ProviderConfig
	err := s.db.GetContext(ctx, &cfg, `
		SELECT `+providerColumns+` FROM provider_configs WHERE id = ?
	`, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("loading provider %s: %w", id, err)
	}
	return &cfg, nil
}

// ListProviders returns all providers for a tenant.
func (s *Store) ListProviders(ctx context.Context, tenantID string) ([]model.ProviderConfig, error) {
	var out []model.ProviderConfig
	err := s.db.SelectContext(ctx, &out, `
		SELECT `+providerColumns+` FROM provider_configs
		WHERE tenant_id = ? ORDER BY created_at
	`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("listing providers: %w", err)
	}
	return out, nil
}

// DueProviders selects active providers whose next sync time is unset or in
// the past, oldest due first, capped at limit.
func (s *Store) DueProviders(ctx context.Context, now time.Time, limit int) ([]model.ProviderConfig, error) {
	var out []model.ProviderConfig
	err := s.db.SelectContext(ctx, &out, `
		SELECT `+providerColumns+` FROM provider_configs
		WHERE is_active = 1
		  AND (next_sync_at IS NULL OR next_sync_at <= ?)
		ORDER BY next_sync_at ASC NULLS FIRST
		LIMIT ?
	`, now.UTC(), limit)
	if err != nil {
		return nil, fmt.Errorf("selecting due providers: %w", err)
	}
	return out, nil
}

// UpdateCredentials persists a re-sealed credential bundle. Both secrets and
// their ivs are replaced together with the new expiry.
func (s *Store) UpdateCredentials(ctx context.Context, cfg *model.ProviderConfig) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE provider_configs SET
			access_ciphertext = ?, access_iv = ?,
			refresh_ciphertext = ?, refresh_iv = ?,
			token_expiry = ?, updated_at = ?
		WHERE id = ?
	`, cfg.AccessCiphertext, cfg.AccessIV,
		cfg.RefreshCiphertext, cfg.RefreshIV,
		cfg.TokenExpiry.UTC(), time.Now().UTC(), cfg.ID)
	if err != nil {
		return fmt.Errorf("updating credentials for %s: %w", cfg.ID, err)
	}
	return nil
}

// DeactivateProvider soft-deactivates a provider after an unrecoverable auth
// failure. It is never scheduled again until reconnected.
func (s *Store) DeactivateProvider(ctx context.Context, id, reason string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE provider_configs
		SET is_active = 0, last_error = ?, updated_at = ?
		WHERE id = ?
	`, reason, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("deactivating provider %s: %w", id, err)
	}
	return nil
}

// DeleteProvider hard-deletes a provider and everything it owns. Used on
// user disconnect; credentials are wiped with the row.
func (s *Store) DeleteProvider(ctx context.Context, id string) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning delete transaction: %w", err)
	}
	defer tx.Rollback()

	for _, q := range []string{
		`DELETE FROM emails WHERE provider_id = ?`,
		`DELETE FROM folders WHERE provider_id = ?`,
		`DELETE FROM provider_configs WHERE id = ?`,
	} {
		if _, err := tx.ExecContext(ctx, q, id); err != nil {
			return fmt.Errorf("deleting provider %s: %w", id, err)
		}
	}

	return tx.Commit()
}

// RecordFailure checkpoints a failed pass: error streak, failure message and
// the computed next sync time land in one statement so a crash cannot leave
// them out of step.
func (s *Store) RecordFailure(ctx context.Context, id string, streak int, lastError string, nextSyncAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE provider_configs
		SET error_streak = ?, last_error = ?, next_sync_at = ?, updated_at = ?
		WHERE id = ?
	`, streak, lastError, nextSyncAt.UTC(), time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("recording failure for %s: %w", id, err)
	}
	return nil
}
