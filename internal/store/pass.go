package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/Martian-dev/mailsync/internal/model"
)

// OutboxEvent is a broker-bound event written in the same transaction as
// the mutations that caused it.
type OutboxEvent struct {
	Subject string
	MsgID   string
	Payload []byte
}

// PassResult is everything one successful sync pass persists: the
// normalized rows, the cursor movement and the recomputed scheduling state.
// ApplyPass commits it as a single atomic unit.
type PassResult struct {
	Emails  []*model.Email
	Folders []*model.Folder

	// StartCursor is the cursor the pass fetched from. The commit is
	// rejected if the stored cursor no longer matches it.
	StartCursor string
	NewCursor   string

	SyncedAt     time.Time
	Priority     int
	ActivityRate float64
	NextSyncAt   time.Time

	Outbox []OutboxEvent
}

// ApplyPass commits a completed pass for one provider. Emails, folders, the
// cursor, the checkpoint fields and the outbox entries all land in one
// transaction; a crash before commit leaves the old cursor intact so the
// next pass re-fetches the same range and the upsert key deduplicates it.
func (s *Store) ApplyPass(ctx context.Context, providerID string, res *PassResult) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning pass transaction: %w", err)
	}
	defer tx.Rollback()

	for _, f := range res.Folders {
		if err := upsertFolderTx(ctx, tx, f); err != nil {
			return err
		}
	}

	for _, e := range res.Emails {
		if err := upsertEmailTx(ctx, tx, e); err != nil {
			return err
		}
	}

	if err := recomputeCountsTx(ctx, tx, providerID); err != nil {
		return err
	}

	// Compare-and-swap on the cursor: the pass only commits against the
	// cursor it started from, so a cursor can never move backwards.
	result, err := tx.ExecContext(ctx, `
		UPDATE provider_configs SET
			cursor = ?, last_synced_at = ?, next_sync_at = ?,
			sync_priority = ?, avg_activity_rate = ?,
			error_streak = 0, last_error = '', updated_at = ?
		WHERE id = ? AND cursor = ?
	`, res.NewCursor, res.SyncedAt.UTC(), res.NextSyncAt.UTC(),
		res.Priority, res.ActivityRate, time.Now().UTC(),
		providerID, res.StartCursor)
	if err != nil {
		return fmt.Errorf("checkpointing provider %s: %w", providerID, err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("checkpointing provider %s: %w", providerID, err)
	}
	if affected == 0 {
		return ErrCursorConflict
	}

	now := time.Now().Unix()
	for _, ev := range res.Outbox {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO event_outbox (subject, msg_id, payload, next_attempt_at, created_at)
			VALUES (?, ?, ?, ?, ?)
		`, ev.Subject, ev.MsgID, ev.Payload, now, now)
		if err != nil {
			return fmt.Errorf("enqueuing outbox event: %w", err)
		}
	}

	return tx.Commit()
}

func upsertEmailTx(ctx context.Context, tx *sqlx.Tx, e *model.Email) error {
	labels, err := json.Marshal(e.Labels)
	if err != nil {
		return fmt.Errorf("marshaling labels for %s: %w", e.ExternalID, err)
	}

	now := time.Now().UTC()

	// On conflict only vendor-authoritative fields are overwritten;
	// everything else keeps the stored value.
	_, err = tx.ExecContext(ctx, `
		INSERT INTO emails (
			id, provider_id, tenant_id, external_id, thread_id, folder,
			labels_json, subject, sender, snippet, is_read, is_starred,
			size, received_at, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (provider_id, external_id) DO UPDATE SET
			thread_id = excluded.thread_id,
			folder = excluded.folder,
			labels_json = excluded.labels_json,
			is_read = excluded.is_read,
			is_starred = excluded.is_starred,
			size = excluded.size,
			updated_at = excluded.updated_at
	`, uuid.NewString(), e.ProviderID, e.TenantID, e.ExternalID, e.ThreadID, e.Folder,
		string(labels), e.Subject, e.Sender, e.Snippet, e.IsRead, e.IsStarred,
		e.Size, e.ReceivedAt.UTC(), now, now)
	if err != nil {
		return fmt.Errorf("upserting email %s: %w", e.ExternalID, err)
	}

	return nil
}

func upsertFolderTx(ctx context.Context, tx *sqlx.Tx, f *model.Folder) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO folders (
			id, provider_id, tenant_id, remote_name, name, special_use,
			total_count, unread_count, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (provider_id, name) DO UPDATE SET
			remote_name = excluded.remote_name,
			special_use = excluded.special_use,
			total_count = excluded.total_count,
			unread_count = excluded.unread_count,
			updated_at = excluded.updated_at
	`, uuid.NewString(), f.ProviderID, f.TenantID, f.RemoteName, f.Name, f.SpecialUse,
		f.TotalCount, f.UnreadCount, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("upserting folder %s: %w", f.Name, err)
	}

	return nil
}

// recomputeCountsTx rebuilds cached folder counts from the email rows the
// provider actually holds. Counts are a cache, never a source of truth.
func recomputeCountsTx(ctx context.Context, tx *sqlx.Tx, providerID string) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE folders SET
			total_count = (
				SELECT COUNT(*) FROM emails
				WHERE emails.provider_id = folders.provider_id
				  AND emails.folder = folders.name
			),
			unread_count = (
				SELECT COUNT(*) FROM emails
				WHERE emails.provider_id = folders.provider_id
				  AND emails.folder = folders.name
				  AND emails.is_read = 0
			)
		WHERE provider_id = ?
	`, providerID)
	if err != nil {
		return fmt.Errorf("recomputing folder counts for %s: %w", providerID, err)
	}
	return nil
}

// RecomputeFolderCounts rebuilds the cached counts outside of a pass.
func (s *Store) RecomputeFolderCounts(ctx context.Context, providerID string) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning recount transaction: %w", err)
	}
	defer tx.Rollback()

	if err := recomputeCountsTx(ctx, tx, providerID); err != nil {
		return err
	}

	return tx.Commit()
}

type emailRow struct {
	model.Email
	LabelsJSON string `db:"labels_json"`
}

func (r *emailRow) toEmail() (model.Email, error) {
	e := r.Email
	if r.LabelsJSON != "" {
		if err := json.Unmarshal([]byte(r.LabelsJSON), &e.Labels); err != nil {
			return e, fmt.Errorf("unmarshaling labels: %w", err)
		}
	}
	return e, nil
}

const emailColumns = `id, provider_id, tenant_id, external_id, thread_id,
	folder, labels_json, subject, sender, snippet, is_read, is_starred,
	size, received_at, created_at, updated_at`

// GetEmail loads one email by its upsert identity.
func (s *Store) GetEmail(ctx context.Context, providerID, externalID string) (*model.Email, error) {
	var row emailRow
	err := s.db.GetContext(ctx, &row, `
		SELECT `+emailColumns+` FROM emails
		WHERE provider_id = ? AND external_id = ?
	`, providerID, externalID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("loading email %s: %w", externalID, err)
	}

	e, err := row.toEmail()
	if err != nil {
		return nil, err
	}
	return &e, nil
}

// ListEmails returns a provider's emails, optionally filtered by canonical
// folder, newest first.
func (s *Store) ListEmails(ctx context.Context, providerID, folder string) ([]model.Email, error) {
	query := `SELECT ` + emailColumns + ` FROM emails WHERE provider_id = ?`
	args := []interface{}{providerID}
	if folder != "" {
		query += ` AND folder = ?`
		args = append(args, folder)
	}
	query += ` ORDER BY received_at DESC`

	var rows []emailRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("listing emails: %w", err)
	}

	out := make([]model.Email, 0, len(rows))
	for i := range rows {
		e, err := rows[i].toEmail()
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}

// CountEmails returns the number of email rows a provider holds.
func (s *Store) CountEmails(ctx context.Context, providerID string) (int, error) {
	var n int
	err := s.db.GetContext(ctx, &n, `SELECT COUNT(*) FROM emails WHERE provider_id = ?`, providerID)
	if err != nil {
		return 0, fmt.Errorf("counting emails: %w", err)
	}
	return n, nil
}

// GetFolder loads a provider folder by canonical name.
func (s *Store) GetFolder(ctx context.Context, providerID, name string) (*model.Folder, error) {
	var f model.Folder
	err := s.db.GetContext(ctx, &f, `
		SELECT id, provider_id, tenant_id, remote_name, name, special_use,
		       total_count, unread_count, updated_at
		FROM folders WHERE provider_id = ? AND name = ?
	`, providerID, name)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("loading folder %s: %w", name, err)
	}
	return &f, nil
}

// ListFolders returns all folders for a provider.
func (s *Store) ListFolders(ctx context.Context, providerID string) ([]model.Folder, error) {
	var out []model.Folder
	err := s.db.SelectContext(ctx, &out, `
		SELECT id, provider_id, tenant_id, remote_name, name, special_use,
		       total_count, unread_count, updated_at
		FROM folders WHERE provider_id = ? ORDER BY name
	`, providerID)
	if err != nil {
		return nil, fmt.Errorf("listing folders: %w", err)
	}
	return out, nil
}
