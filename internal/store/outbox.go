package store

import (
	"context"
	"fmt"
	"time"
)

// OutboxMessage is a pending broker event.
type OutboxMessage struct {
	ID      int64  `db:"id"`
	Subject string `db:"subject"`
	MsgID   string `db:"msg_id"`
	Payload []byte `db:"payload"`
}

// DequeueOutbox fetches unpublished events whose retry time has passed.
func (s *Store) DequeueOutbox(ctx context.Context, limit int) ([]OutboxMessage, error) {
	var out []OutboxMessage
	err := s.db.SelectContext(ctx, &out, `
		SELECT id, subject, msg_id, payload
		FROM event_outbox
		WHERE published_at IS NULL AND next_attempt_at <= ?
		ORDER BY id
		LIMIT ?
	`, time.Now().Unix(), limit)
	if err != nil {
		return nil, fmt.Errorf("querying outbox: %w", err)
	}
	return out, nil
}

// MarkPublished marks an outbox event as delivered to the broker.
func (s *Store) MarkPublished(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE event_outbox SET published_at = ? WHERE id = ?
	`, time.Now().Unix(), id)
	if err != nil {
		return fmt.Errorf("marking outbox %d published: %w", id, err)
	}
	return nil
}

// MarkOutboxRetry bumps the retry counter and schedules the next attempt.
func (s *Store) MarkOutboxRetry(ctx context.Context, id int64, backoff time.Duration) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE event_outbox
		SET retries = retries + 1, next_attempt_at = ?
		WHERE id = ?
	`, time.Now().Add(backoff).Unix(), id)
	if err != nil {
		return fmt.Errorf("marking outbox %d for retry: %w", id, err)
	}
	return nil
}
