package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Martian-dev/mailsync/internal/model"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()

	s, err := Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	return s
}

func newTestProvider(t *testing.T, s *Store) *model.ProviderConfig {
	t.Helper()

	cfg := &model.ProviderConfig{
		TenantID:    "tenant-1",
		Vendor:      model.VendorGmail,
		Address:     "user@example.com",
		TokenExpiry: time.Now().Add(time.Hour).UTC(),
	}
	require.NoError(t, s.CreateProvider(context.Background(), cfg))

	return cfg
}

func email(providerID, externalID, folder string, read bool) *model.Email {
	return &model.Email{
		ProviderID: providerID,
		TenantID:   "tenant-1",
		ExternalID: externalID,
		Folder:     folder,
		Subject:    "subject " + externalID,
		IsRead:     read,
		ReceivedAt: time.Now().UTC(),
	}
}

func TestCreateAndGetProvider(t *testing.T) {
	s := newTestStore(t)
	cfg := newTestProvider(t, s)

	got, err := s.GetProvider(context.Background(), cfg.ID)
	require.NoError(t, err)

	assert.Equal(t, cfg.TenantID, got.TenantID)
	assert.Equal(t, model.VendorGmail, got.Vendor)
	assert.Equal(t, 3, got.SyncPriority)
	assert.True(t, got.IsActive)
	assert.Empty(t, got.Cursor)
}

func TestGetProviderNotFound(t *testing.T) {
	s := newTestStore(t)

	_, err := s.GetProvider(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDueProviders(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	fresh := newTestProvider(t, s)

	overdue := newTestProvider(t, s)
	past := now.Add(-time.Hour)
	require.NoError(t, s.RecordFailure(ctx, overdue.ID, 0, "", past))

	future := newTestProvider(t, s)
	require.NoError(t, s.RecordFailure(ctx, future.ID, 0, "", now.Add(time.Hour)))

	inactive := newTestProvider(t, s)
	require.NoError(t, s.DeactivateProvider(ctx, inactive.ID, "revoked"))

	due, err := s.DueProviders(ctx, now, 10)
	require.NoError(t, err)
	require.Len(t, due, 2)

	// Never-synced providers sort first, then oldest due.
	assert.Equal(t, fresh.ID, due[0].ID)
	assert.Equal(t, overdue.ID, due[1].ID)
}

func TestDueProvidersRespectsLimit(t *testing.T) {
	s := newTestStore(t)

	for i := 0; i < 5; i++ {
		newTestProvider(t, s)
	}

	due, err := s.DueProviders(context.Background(), time.Now().UTC(), 3)
	require.NoError(t, err)
	assert.Len(t, due, 3)
}

func TestApplyPassCommitsAtomically(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	cfg := newTestProvider(t, s)
	now := time.Now().UTC()

	res := &PassResult{
		Emails: []*model.Email{
			email(cfg.ID, "m1", "INBOX", false),
			email(cfg.ID, "m2", "INBOX", true),
		},
		Folders: []*model.Folder{
			{ProviderID: cfg.ID, TenantID: cfg.TenantID, RemoteName: "Inbox", Name: "INBOX", SpecialUse: "INBOX"},
		},
		StartCursor:  "",
		NewCursor:    "100",
		SyncedAt:     now,
		Priority:     2,
		ActivityRate: 6,
		NextSyncAt:   now.Add(15 * time.Minute),
		Outbox: []OutboxEvent{
			{Subject: "tenant.tenant-1.mail.events", MsgID: "sync-complete|p|100", Payload: []byte(`{}`)},
		},
	}
	require.NoError(t, s.ApplyPass(ctx, cfg.ID, res))

	got, err := s.GetProvider(ctx, cfg.ID)
	require.NoError(t, err)
	assert.Equal(t, "100", got.Cursor)
	assert.Equal(t, 2, got.SyncPriority)
	assert.Equal(t, 0, got.ErrorStreak)
	require.NotNil(t, got.LastSyncedAt)
	require.NotNil(t, got.NextSyncAt)

	count, err := s.CountEmails(ctx, cfg.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	folder, err := s.GetFolder(ctx, cfg.ID, "INBOX")
	require.NoError(t, err)
	assert.Equal(t, 2, folder.TotalCount)
	assert.Equal(t, 1, folder.UnreadCount)

	pending, err := s.DequeueOutbox(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "sync-complete|p|100", pending[0].MsgID)
}

func TestApplyPassReplayIsIdempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	cfg := newTestProvider(t, s)
	now := time.Now().UTC()

	first := &PassResult{
		Emails:      []*model.Email{email(cfg.ID, "m1", "INBOX", false)},
		StartCursor: "",
		NewCursor:   "50",
		SyncedAt:    now,
		Priority:    3,
		NextSyncAt:  now.Add(30 * time.Minute),
	}
	require.NoError(t, s.ApplyPass(ctx, cfg.ID, first))

	// Re-fetching the same message with updated flags must update in place,
	// not duplicate.
	replay := &PassResult{
		Emails:      []*model.Email{email(cfg.ID, "m1", "INBOX", true)},
		StartCursor: "50",
		NewCursor:   "60",
		SyncedAt:    now,
		Priority:    3,
		NextSyncAt:  now.Add(30 * time.Minute),
	}
	require.NoError(t, s.ApplyPass(ctx, cfg.ID, replay))

	count, err := s.CountEmails(ctx, cfg.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	got, err := s.GetEmail(ctx, cfg.ID, "m1")
	require.NoError(t, err)
	assert.True(t, got.IsRead)
}

func TestApplyPassRejectsStaleCursor(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	cfg := newTestProvider(t, s)
	now := time.Now().UTC()

	require.NoError(t, s.ApplyPass(ctx, cfg.ID, &PassResult{
		StartCursor: "",
		NewCursor:   "100",
		SyncedAt:    now,
		Priority:    3,
		NextSyncAt:  now.Add(time.Minute),
	}))

	// A pass that started from the old cursor cannot commit anymore.
	err := s.ApplyPass(ctx, cfg.ID, &PassResult{
		Emails:      []*model.Email{email(cfg.ID, "stale", "INBOX", false)},
		StartCursor: "",
		NewCursor:   "90",
		SyncedAt:    now,
		Priority:    3,
		NextSyncAt:  now.Add(time.Minute),
	})
	assert.ErrorIs(t, err, ErrCursorConflict)

	// The rejected transaction must leave nothing behind.
	got, err := s.GetProvider(ctx, cfg.ID)
	require.NoError(t, err)
	assert.Equal(t, "100", got.Cursor)

	count, err := s.CountEmails(ctx, cfg.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, count)
}

func TestRecomputeFolderCounts(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	cfg := newTestProvider(t, s)
	now := time.Now().UTC()

	require.NoError(t, s.ApplyPass(ctx, cfg.ID, &PassResult{
		Emails: []*model.Email{
			email(cfg.ID, "m1", "INBOX", false),
			email(cfg.ID, "m2", "INBOX", false),
			email(cfg.ID, "m3", "SENT", true),
		},
		Folders: []*model.Folder{
			{ProviderID: cfg.ID, TenantID: cfg.TenantID, Name: "INBOX", TotalCount: 999, UnreadCount: 999},
			{ProviderID: cfg.ID, TenantID: cfg.TenantID, Name: "SENT"},
		},
		StartCursor: "",
		NewCursor:   "1",
		SyncedAt:    now,
		Priority:    3,
		NextSyncAt:  now.Add(time.Minute),
	}))

	// Vendor-reported counts are replaced by what the rows actually say.
	inbox, err := s.GetFolder(ctx, cfg.ID, "INBOX")
	require.NoError(t, err)
	assert.Equal(t, 2, inbox.TotalCount)
	assert.Equal(t, 2, inbox.UnreadCount)

	sent, err := s.GetFolder(ctx, cfg.ID, "SENT")
	require.NoError(t, err)
	assert.Equal(t, 1, sent.TotalCount)
	assert.Equal(t, 0, sent.UnreadCount)
}

func TestListEmailsByFolder(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	cfg := newTestProvider(t, s)
	now := time.Now().UTC()

	require.NoError(t, s.ApplyPass(ctx, cfg.ID, &PassResult{
		Emails: []*model.Email{
			email(cfg.ID, "m1", "INBOX", false),
			email(cfg.ID, "m2", "SENT", true),
		},
		StartCursor: "",
		NewCursor:   "1",
		SyncedAt:    now,
		Priority:    3,
		NextSyncAt:  now.Add(time.Minute),
	}))

	inbox, err := s.ListEmails(ctx, cfg.ID, "INBOX")
	require.NoError(t, err)
	require.Len(t, inbox, 1)
	assert.Equal(t, "m1", inbox[0].ExternalID)

	all, err := s.ListEmails(ctx, cfg.ID, "")
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestDeleteProviderRemovesEverything(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	cfg := newTestProvider(t, s)
	now := time.Now().UTC()

	require.NoError(t, s.ApplyPass(ctx, cfg.ID, &PassResult{
		Emails:      []*model.Email{email(cfg.ID, "m1", "INBOX", false)},
		Folders:     []*model.Folder{{ProviderID: cfg.ID, TenantID: cfg.TenantID, Name: "INBOX"}},
		StartCursor: "",
		NewCursor:   "1",
		SyncedAt:    now,
		Priority:    3,
		NextSyncAt:  now.Add(time.Minute),
	}))

	require.NoError(t, s.DeleteProvider(ctx, cfg.ID))

	_, err := s.GetProvider(ctx, cfg.ID)
	assert.ErrorIs(t, err, ErrNotFound)

	count, err := s.CountEmails(ctx, cfg.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, count)

	folders, err := s.ListFolders(ctx, cfg.ID)
	require.NoError(t, err)
	assert.Empty(t, folders)
}

func TestRecordFailure(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	cfg := newTestProvider(t, s)

	next := time.Now().Add(time.Hour).UTC()
	require.NoError(t, s.RecordFailure(ctx, cfg.ID, 2, "fetching: boom", next))

	got, err := s.GetProvider(ctx, cfg.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, got.ErrorStreak)
	assert.Equal(t, "fetching: boom", got.LastError)
	require.NotNil(t, got.NextSyncAt)
	assert.WithinDuration(t, next, *got.NextSyncAt, time.Second)
}

func TestOutboxLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	cfg := newTestProvider(t, s)
	now := time.Now().UTC()

	require.NoError(t, s.ApplyPass(ctx, cfg.ID, &PassResult{
		StartCursor: "",
		NewCursor:   "1",
		SyncedAt:    now,
		Priority:    3,
		NextSyncAt:  now.Add(time.Minute),
		Outbox: []OutboxEvent{
			{Subject: "tenant.tenant-1.mail.events", MsgID: "e1", Payload: []byte(`{"a":1}`)},
			{Subject: "tenant.tenant-1.mail.events", MsgID: "e2", Payload: []byte(`{"a":2}`)},
		},
	}))

	pending, err := s.DequeueOutbox(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 2)

	require.NoError(t, s.MarkPublished(ctx, pending[0].ID))

	pending, err = s.DequeueOutbox(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "e2", pending[0].MsgID)

	// A retried event disappears until its next attempt time.
	require.NoError(t, s.MarkOutboxRetry(ctx, pending[0].ID, time.Hour))

	pending, err = s.DequeueOutbox(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, pending)
}
