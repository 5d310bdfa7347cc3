// Command mailsyncd runs the mailbox synchronization daemon: the scheduler,
// the worker pool, the outbox dispatcher and the trigger API in one process.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/Martian-dev/mailsync/internal/api"
	"github.com/Martian-dev/mailsync/internal/config"
	"github.com/Martian-dev/mailsync/internal/events"
	"github.com/Martian-dev/mailsync/internal/model"
	natsjs "github.com/Martian-dev/mailsync/internal/nats"
	"github.com/Martian-dev/mailsync/internal/normalize"
	"github.com/Martian-dev/mailsync/internal/providers/gmail"
	"github.com/Martian-dev/mailsync/internal/providers/imapvendor"
	"github.com/Martian-dev/mailsync/internal/providers/outlook"
	"github.com/Martian-dev/mailsync/internal/queue"
	"github.com/Martian-dev/mailsync/internal/store"
	"github.com/Martian-dev/mailsync/internal/sync"
	"github.com/Martian-dev/mailsync/internal/vault"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to config file")
	flag.Parse()

	log := logrus.New()
	log.SetFormatter(&logrus.JSONFormatter{})

	if err := run(*configPath, log); err != nil {
		log.WithError(err).Fatal("daemon exited")
	}
}

func run(configPath string, log *logrus.Logger) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := store.Open(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer st.Close()

	v, err := vault.New(cfg.Key())
	if err != nil {
		return fmt.Errorf("creating vault: %w", err)
	}

	hub := events.NewHub(cfg.HeartbeatInterval)
	defer hub.Close()

	q := queue.NewMemoryQueue(cfg.SchedulerBatchCap * 2)
	defer q.Close()

	factory := providerFactory(cfg)
	worker := sync.NewWorker(st, v, factory, normalize.NewCanonicalizer(), hub, cfg.PassTimeout)
	scheduler := sync.NewScheduler(st, q, cfg.SchedulerTick, cfg.SchedulerBatchCap)
	pool := sync.NewPool(q, worker, cfg.WorkerPoolSize)

	go scheduler.Run(ctx)
	go pool.Run(ctx)

	if cfg.NATSURL != "" {
		pub, err := natsjs.NewPublisher(cfg.NATSURL)
		if err != nil {
			return fmt.Errorf("connecting to broker: %w", err)
		}
		defer pub.Close()

		if err := pub.EnsureStream(ctx); err != nil {
			return fmt.Errorf("ensuring event stream: %w", err)
		}

		dispatcher := events.NewDispatcher(st, pub)
		go dispatcher.Run(ctx)
	} else {
		log.Warn("nats_url not set; outbox events stay queued in the store")
	}

	var verifier *api.Verifier
	if cfg.JWKSURL != "" {
		verifier, err = api.NewVerifier(ctx, cfg.JWKSURL)
		if err != nil {
			return fmt.Errorf("creating token verifier: %w", err)
		}
	} else {
		log.Warn("jwks_url not set; trigger API trusts the X-Tenant-ID header")
	}

	server := api.NewServer(st, v, q, hub, log)
	httpServer := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: server.Router(verifier),
	}

	errCh := make(chan error, 1)
	go func() {
		log.WithField("addr", cfg.ListenAddr).Info("trigger API listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("serving: %w", err)
	case <-ctx.Done():
	}

	log.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("http shutdown")
	}

	return nil
}

// providerFactory builds a vendor adapter for one provider config.
func providerFactory(cfg *config.Config) sync.ProviderFactory {
	return func(_ context.Context, pc *model.ProviderConfig) (sync.Provider, error) {
		switch pc.Vendor {
		case model.VendorGmail:
			return gmail.New(cfg.GoogleClientID, cfg.GoogleClientSecret), nil
		case model.VendorOutlook:
			return outlook.New(cfg.MicrosoftClientID, cfg.MicrosoftClientSecret, pc.Address), nil
		case model.VendorIMAP:
			return imapvendor.New(pc.Endpoint, pc.Address), nil
		default:
			return nil, fmt.Errorf("unknown vendor %q", pc.Vendor)
		}
	}
}
