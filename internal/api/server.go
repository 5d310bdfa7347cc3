// Package api is the trigger surface: connect and disconnect mailboxes, force
// a sync ahead of schedule, and stream a tenant's mutation events over SSE.
// Scheduling itself stays in the daemon; these endpoints only feed it.
package api

import (
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/Martian-dev/mailsync/internal/events"
	"github.com/Martian-dev/mailsync/internal/model"
	"github.com/Martian-dev/mailsync/internal/queue"
	"github.com/Martian-dev/mailsync/internal/store"
	"github.com/Martian-dev/mailsync/internal/vault"
)

// Server wires the HTTP endpoints to the engine.
type Server struct {
	store *store.Store
	vault *vault.Vault
	queue queue.Queue
	hub   *events.Hub
	log   *logrus.Logger
}

// NewServer creates the trigger API server.
func NewServer(st *store.Store, v *vault.Vault, q queue.Queue, hub *events.Hub, log *logrus.Logger) *Server {
	return &Server{store: st, vault: v, queue: q, hub: hub, log: log}
}

// Router builds the gin engine. verifier may be nil for local development.
func (s *Server) Router(verifier *Verifier) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	authed := r.Group("/", tenantMiddleware(verifier))
	authed.POST("/providers", s.connectProvider)
	authed.GET("/providers", s.listProviders)
	authed.DELETE("/providers/:id", s.disconnectProvider)
	authed.POST("/providers/:id/sync", s.forceSync)
	authed.GET("/events", s.streamEvents)

	return r
}

type connectRequest struct {
	Vendor       model.Vendor `json:"vendor" binding:"required"`
	Address      string       `json:"address" binding:"required"`
	Endpoint     string       `json:"endpoint"`
	AccessToken  string       `json:"accessToken" binding:"required"`
	RefreshToken string       `json:"refreshToken"`
	TokenExpiry  time.Time    `json:"tokenExpiry"`
	SyncPriority int          `json:"syncPriority"`
}

// providerView is the wire shape of a provider. Credential material never
// appears here, encrypted or not.
type providerView struct {
	ID           string       `json:"id"`
	Vendor       model.Vendor `json:"vendor"`
	Address      string       `json:"address"`
	Endpoint     string       `json:"endpoint,omitempty"`
	SyncPriority int          `json:"syncPriority"`
	ErrorStreak  int          `json:"errorStreak"`
	LastSyncedAt *time.Time   `json:"lastSyncedAt"`
	NextSyncAt   *time.Time   `json:"nextSyncAt"`
	IsActive     bool         `json:"isActive"`
	LastError    string       `json:"lastError,omitempty"`
	CreatedAt    time.Time    `json:"createdAt"`
}

func viewOf(cfg *model.ProviderConfig) providerView {
	return providerView{
		ID:           cfg.ID,
		Vendor:       cfg.Vendor,
		Address:      cfg.Address,
		Endpoint:     cfg.Endpoint,
		SyncPriority: cfg.SyncPriority,
		ErrorStreak:  cfg.ErrorStreak,
		LastSyncedAt: cfg.LastSyncedAt,
		NextSyncAt:   cfg.NextSyncAt,
		IsActive:     cfg.IsActive,
		LastError:    cfg.LastError,
		CreatedAt:    cfg.CreatedAt,
	}
}

func (s *Server) connectProvider(c *gin.Context) {
	var req connectRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	switch req.Vendor {
	case model.VendorGmail, model.VendorOutlook:
		if req.RefreshToken == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "refreshToken is required for OAuth vendors"})
			return
		}
	case model.VendorIMAP:
		if req.Endpoint == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "endpoint is required for IMAP"})
			return
		}
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown vendor"})
		return
	}

	cfg := &model.ProviderConfig{
		TenantID:     tenantID(c),
		Vendor:       req.Vendor,
		Address:      req.Address,
		Endpoint:     req.Endpoint,
		SyncPriority: req.SyncPriority,
	}

	cred := vault.Credential{
		AccessToken:  req.AccessToken,
		RefreshToken: req.RefreshToken,
		Expiry:       req.TokenExpiry,
	}
	if err := s.vault.Seal(cfg, cred); err != nil {
		s.log.WithError(err).Error("sealing credentials")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "could not store credentials"})
		return
	}

	if err := s.store.CreateProvider(c.Request.Context(), cfg); err != nil {
		s.log.WithError(err).Error("creating provider")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "could not create provider"})
		return
	}

	// Kick off the initial backfill without waiting for the scheduler.
	s.queue.Enqueue(model.SyncJob{
		ID:         uuid.NewString(),
		ProviderID: cfg.ID,
		TenantID:   cfg.TenantID,
		Reason:     model.ReasonManual,
		EnqueuedAt: time.Now().UTC(),
	})

	s.log.WithFields(logrus.Fields{
		"provider_id": cfg.ID,
		"vendor":      cfg.Vendor,
	}).Info("provider connected")

	c.JSON(http.StatusCreated, viewOf(cfg))
}

func (s *Server) listProviders(c *gin.Context) {
	configs, err := s.store.ListProviders(c.Request.Context(), tenantID(c))
	if err != nil {
		s.log.WithError(err).Error("listing providers")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "could not list providers"})
		return
	}

	views := make([]providerView, 0, len(configs))
	for i := range configs {
		views = append(views, viewOf(&configs[i]))
	}

	c.JSON(http.StatusOK, views)
}

// ownedProvider loads a provider and checks it belongs to the caller. A
// foreign id reads as not found.
func (s *Server) ownedProvider(c *gin.Context) (*model.ProviderConfig, bool) {
	cfg, err := s.store.GetProvider(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "provider not found"})
			return nil, false
		}
		s.log.WithError(err).Error("loading provider")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "could not load provider"})
		return nil, false
	}

	if cfg.TenantID != tenantID(c) {
		c.JSON(http.StatusNotFound, gin.H{"error": "provider not found"})
		return nil, false
	}

	return cfg, true
}

func (s *Server) disconnectProvider(c *gin.Context) {
	cfg, ok := s.ownedProvider(c)
	if !ok {
		return
	}

	if err := s.store.DeleteProvider(c.Request.Context(), cfg.ID); err != nil {
		s.log.WithError(err).Error("deleting provider")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "could not delete provider"})
		return
	}

	s.log.WithField("provider_id", cfg.ID).Info("provider disconnected")

	c.Status(http.StatusNoContent)
}

func (s *Server) forceSync(c *gin.Context) {
	cfg, ok := s.ownedProvider(c)
	if !ok {
		return
	}

	if !cfg.IsActive {
		c.JSON(http.StatusConflict, gin.H{"error": "provider is deactivated; reconnect it first"})
		return
	}

	accepted := s.queue.Enqueue(model.SyncJob{
		ID:         uuid.NewString(),
		ProviderID: cfg.ID,
		TenantID:   cfg.TenantID,
		Reason:     model.ReasonManual,
		EnqueuedAt: time.Now().UTC(),
	})
	if !accepted {
		// A sync is already queued or running; that sync covers this request.
		c.JSON(http.StatusAccepted, gin.H{"status": "already-syncing"})
		return
	}

	c.JSON(http.StatusAccepted, gin.H{"status": "queued"})
}

// streamEvents serves the tenant's mutation stream over SSE. Heartbeats from
// the hub keep intermediaries from closing the connection.
func (s *Server) streamEvents(c *gin.Context) {
	ch, cancel := s.hub.Subscribe(tenantID(c))
	defer cancel()

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")

	c.Stream(func(w io.Writer) bool {
		select {
		case <-c.Request.Context().Done():
			return false
		case ev, ok := <-ch:
			if !ok {
				return false
			}
			c.SSEvent(string(ev.Type), ev)
			return true
		}
	})
}
