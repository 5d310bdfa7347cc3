package api

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/lestrrat-go/jwx/v2/jwt"
)

const tenantKey = "tenant_id"

// Verifier validates bearer tokens against a cached JWKS. The token subject
// is the tenant id.
type Verifier struct {
	jwksURL    string
	cache      *jwk.Cache
	keySet     jwk.Set
	mu         sync.RWMutex
	refreshTTL time.Duration
}

// NewVerifier fetches the key set once up front and keeps it fresh in the
// background, so request verification never does network I/O.
func NewVerifier(ctx context.Context, jwksURL string) (*Verifier, error) {
	v := &Verifier{
		jwksURL:    jwksURL,
		refreshTTL: 5 * time.Minute,
	}

	cache := jwk.NewCache(ctx)
	if err := cache.Register(jwksURL, jwk.WithMinRefreshInterval(v.refreshTTL)); err != nil {
		return nil, fmt.Errorf("registering JWKS URL: %w", err)
	}
	v.cache = cache

	fetchCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	keySet, err := cache.Get(fetchCtx, jwksURL)
	if err != nil {
		return nil, fmt.Errorf("initial JWKS fetch: %w", err)
	}
	v.keySet = keySet

	go v.refreshLoop(ctx)

	return v, nil
}

func (v *Verifier) refreshLoop(ctx context.Context) {
	ticker := time.NewTicker(v.refreshTTL)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fetchCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			keySet, err := v.cache.Get(fetchCtx, v.jwksURL)
			cancel()

			if err == nil {
				v.mu.Lock()
				v.keySet = keySet
				v.mu.Unlock()
			}
			// Stale keys keep working until the next tick.
		}
	}
}

func (v *Verifier) keys() jwk.Set {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.keySet
}

// TenantFromRequest validates the bearer token and returns the tenant id.
func (v *Verifier) TenantFromRequest(r *http.Request) (string, error) {
	token, err := jwt.ParseRequest(r,
		jwt.WithKeySet(v.keys()),
		jwt.WithValidate(true),
	)
	if err != nil {
		return "", fmt.Errorf("parsing bearer token: %w", err)
	}

	tenantID := token.Subject()
	if tenantID == "" {
		return "", fmt.Errorf("token has no subject")
	}

	return tenantID, nil
}

// tenantMiddleware resolves the calling tenant. With a verifier it requires a
// valid bearer token; without one (local development) it trusts the
// X-Tenant-ID header.
func tenantMiddleware(v *Verifier) gin.HandlerFunc {
	return func(c *gin.Context) {
		if v == nil {
			tenantID := c.GetHeader("X-Tenant-ID")
			if tenantID == "" {
				c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing X-Tenant-ID header"})
				return
			}
			c.Set(tenantKey, tenantID)
			c.Next()
			return
		}

		tenantID, err := v.TenantFromRequest(c.Request)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid bearer token"})
			return
		}

		c.Set(tenantKey, tenantID)
		c.Next()
	}
}

func tenantID(c *gin.Context) string {
	return c.GetString(tenantKey)
}
