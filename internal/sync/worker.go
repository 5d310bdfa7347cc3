package sync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/Martian-dev/mailsync/internal/events"
	"github.com/Martian-dev/mailsync/internal/model"
	natsjs "github.com/Martian-dev/mailsync/internal/nats"
	"github.com/Martian-dev/mailsync/internal/store"
	"github.com/Martian-dev/mailsync/internal/vault"
)

// rateLimitDelay is used when the vendor rate-limits without a retry-after.
const rateLimitDelay = 2 * time.Minute

// Store is the persistence surface the engine needs. Satisfied by
// *store.Store; injected so tests can run against a scratch database.
type Store interface {
	GetProvider(ctx context.Context, id string) (*model.ProviderConfig, error)
	DueProviders(ctx context.Context, now time.Time, limit int) ([]model.ProviderConfig, error)
	UpdateCredentials(ctx context.Context, cfg *model.ProviderConfig) error
	DeactivateProvider(ctx context.Context, id, reason string) error
	RecordFailure(ctx context.Context, id string, streak int, lastError string, nextSyncAt time.Time) error
	ApplyPass(ctx context.Context, providerID string, res *store.PassResult) error
}

// EventSink receives mutation events. Satisfied by *events.Hub.
type EventSink interface {
	Publish(ev events.MutationEvent)
}

// Normalizer canonicalizes vendor messages and folders.
type Normalizer interface {
	Message(cfg *model.ProviderConfig, msg RemoteMessage) (*model.Email, error)
	Folder(cfg *model.ProviderConfig, f RemoteFolder) *model.Folder
}

// Pass states, for logs and failure context.
const (
	stateLocking        = "locking"
	stateAuthenticating = "authenticating"
	stateFetching       = "fetching"
	stateNormalizing    = "normalizing"
	statePersisting     = "persisting"
)

// Worker executes one synchronization pass per job: auth, fetch delta,
// normalize, persist, checkpoint, emit events.
type Worker struct {
	store      Store
	vault      *vault.Vault
	factory    ProviderFactory
	normalizer Normalizer
	sink       EventSink
	locks      *lockTable

	passTimeout time.Duration
	log         *logrus.Entry
}

// NewWorker wires a worker. All collaborators are injected.
func NewWorker(st Store, v *vault.Vault, factory ProviderFactory, n Normalizer, sink EventSink, passTimeout time.Duration) *Worker {
	return &Worker{
		store:       st,
		vault:       v,
		factory:     factory,
		normalizer:  n,
		sink:        sink,
		locks:       newLockTable(),
		passTimeout: passTimeout,
		log:         logrus.WithField("pkg", "sync"),
	}
}

// RunPass runs one pass for the job's provider. ErrSyncInProgress and
// ErrProviderInactive abort without counting as failures; every other error
// has already been checkpointed when it is returned.
func (w *Worker) RunPass(ctx context.Context, job model.SyncJob) error {
	log := w.log.WithFields(logrus.Fields{
		"provider": job.ProviderID,
		"reason":   job.Reason,
	})

	if !w.locks.TryAcquire(job.ProviderID) {
		log.WithField("state", stateLocking).Debug("pass already running, skipping")
		return ErrSyncInProgress
	}
	defer w.locks.Release(job.ProviderID)

	cfg, err := w.store.GetProvider(ctx, job.ProviderID)
	if err != nil {
		return fmt.Errorf("loading provider: %w", err)
	}
	if !cfg.IsActive {
		return ErrProviderInactive
	}

	passCtx, cancel := context.WithTimeout(ctx, w.passTimeout)
	defer cancel()

	started := time.Now()

	if err := w.runPass(passCtx, log, cfg); err != nil {
		return w.fail(ctx, log, cfg, err)
	}

	log.WithField("elapsed", time.Since(started)).Info("pass complete")
	return nil
}

func (w *Worker) runPass(ctx context.Context, log *logrus.Entry, cfg *model.ProviderConfig) error {
	adapter, err := w.factory(ctx, cfg)
	if err != nil {
		return fmt.Errorf("creating adapter: %w", err)
	}

	// Authenticating.
	cred, refreshed, err := w.vault.EnsureValid(ctx, cfg, adapter)
	if err != nil {
		return wrapTimeout(ctx, fmt.Errorf("%s: %w", stateAuthenticating, err))
	}
	if refreshed {
		// The refreshed secrets must survive even if the rest of the
		// pass fails, or the next pass refreshes again with a possibly
		// single-use refresh token.
		if err := w.store.UpdateCredentials(ctx, cfg); err != nil {
			return fmt.Errorf("persisting refreshed credentials: %w", err)
		}
	}

	// Fetching: loop pages until the cursor is stable. Pages are buffered,
	// not yet durable; intermediate cursors are never persisted.
	startCursor := cfg.Cursor
	cursor := startCursor
	fellBack := false

	var messages []RemoteMessage
	for {
		cs, err := adapter.FetchChanges(ctx, cred, cursor, FallbackLookback)
		if err != nil {
			var curErr *CursorInvalidatedError
			if errors.As(err, &curErr) && cursor != "" && !fellBack {
				// Vendor rejected the stored cursor: bounded full
				// resync instead of failing the pass.
				log.WithField("state", stateFetching).Warn("cursor invalidated, falling back to bounded resync")
				fellBack = true
				cursor = ""
				messages = messages[:0]
				continue
			}
			return wrapTimeout(ctx, fmt.Errorf("%s: %w", stateFetching, err))
		}

		messages = append(messages, cs.Messages...)
		cursor = cs.NewCursor

		if !cs.HasMore {
			break
		}
	}

	remoteFolders, err := adapter.FetchFolders(ctx, cred)
	if err != nil {
		return wrapTimeout(ctx, fmt.Errorf("%s folders: %w", stateFetching, err))
	}

	// Normalizing. A message that fails to canonicalize is skipped and
	// logged; it does not abort the pass.
	emails := make([]*model.Email, 0, len(messages))
	for _, msg := range messages {
		email, err := w.normalizer.Message(cfg, msg)
		if err != nil {
			log.WithField("state", stateNormalizing).WithError(err).Warn("skipping message")
			continue
		}
		emails = append(emails, email)
	}

	folders := make([]*model.Folder, 0, len(remoteFolders))
	for _, rf := range remoteFolders {
		folders = append(folders, w.normalizer.Folder(cfg, rf))
	}

	// Checkpoint math.
	now := time.Now().UTC()
	observed := observedRate(cfg, len(messages), now)
	newRate := SmoothActivityRate(cfg.AvgActivityRate, observed)
	tier := TierForActivity(newRate)

	ev := events.MutationEvent{
		TenantID:   cfg.TenantID,
		Type:       events.TypeEmailUpdate,
		Reason:     events.ReasonSyncComplete,
		ProviderID: cfg.ID,
		Timestamp:  now,
	}
	payload, _ := json.Marshal(ev)

	res := &store.PassResult{
		Emails:       emails,
		Folders:      folders,
		StartCursor:  startCursor,
		NewCursor:    cursor,
		SyncedAt:     now,
		Priority:     tier,
		ActivityRate: newRate,
		NextSyncAt:   now.Add(EffectiveInterval(tier, 0)),
		Outbox: []store.OutboxEvent{{
			Subject: natsjs.Subject(cfg.TenantID),
			MsgID:   fmt.Sprintf("sync-complete|%s|%s", cfg.ID, cursor),
			Payload: payload,
		}},
	}

	// Persisting and checkpointing are one atomic unit.
	if err := w.store.ApplyPass(ctx, cfg.ID, res); err != nil {
		return wrapTimeout(ctx, fmt.Errorf("%s: %w", statePersisting, err))
	}

	// Fire-and-forget; a dropped event is acceptable, a lost mutation
	// is not, and the mutations are already committed.
	w.sink.Publish(ev)

	return nil
}

// fail checkpoints a failed pass: classification, streak, backoff and, for
// a revoked grant, deactivation. Uses the parent ctx, not the pass ctx,
// which may already be dead.
func (w *Worker) fail(ctx context.Context, log *logrus.Entry, cfg *model.ProviderConfig, passErr error) error {
	class := Classify(passErr)
	log.WithError(passErr).WithField("class", class).Warn("pass failed")

	now := time.Now().UTC()

	if class == FailAuthRevoked {
		if err := w.store.DeactivateProvider(ctx, cfg.ID, passErr.Error()); err != nil {
			log.WithError(err).Error("deactivating provider")
		}
		w.sink.Publish(events.MutationEvent{
			TenantID:   cfg.TenantID,
			Type:       events.TypeEmailUpdate,
			Reason:     events.ReasonProviderDeactivated,
			ProviderID: cfg.ID,
			Timestamp:  now,
		})
		return passErr
	}

	streak := cfg.ErrorStreak + 1

	var next time.Time
	switch class {
	case FailRateLimited:
		// Honor the vendor's retry-after; don't escalate the streak
		// past the soft cap, so a rate-limited provider isn't demoted
		// to the slowest tier for good.
		if streak > backoffSoftCap {
			streak = backoffSoftCap
		}
		var rlErr *RateLimitedError
		if errors.As(passErr, &rlErr) && rlErr.RetryAfter > 0 {
			next = now.Add(rlErr.RetryAfter)
		} else {
			next = now.Add(rateLimitDelay)
		}
	default:
		next = now.Add(EffectiveInterval(cfg.SyncPriority, streak))
	}

	if err := w.store.RecordFailure(ctx, cfg.ID, streak, passErr.Error(), next); err != nil {
		log.WithError(err).Error("recording failure")
	}

	w.sink.Publish(events.MutationEvent{
		TenantID:   cfg.TenantID,
		Type:       events.TypeEmailUpdate,
		Reason:     events.ReasonSyncFailed,
		ProviderID: cfg.ID,
		Timestamp:  now,
	})

	return passErr
}

// observedRate estimates messages/hour seen by this pass.
func observedRate(cfg *model.ProviderConfig, count int, now time.Time) float64 {
	var elapsed time.Duration
	if cfg.LastSyncedAt != nil {
		elapsed = now.Sub(*cfg.LastSyncedAt)
	}
	if elapsed < time.Minute {
		elapsed = time.Minute
	}
	return float64(count) / elapsed.Hours()
}

func wrapTimeout(ctx context.Context, err error) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", errTimeout, err)
	}
	return err
}
