package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Martian-dev/mailsync/internal/events"
	"github.com/Martian-dev/mailsync/internal/model"
	"github.com/Martian-dev/mailsync/internal/queue"
	"github.com/Martian-dev/mailsync/internal/store"
	"github.com/Martian-dev/mailsync/internal/vault"
)

func testSyncJob(providerID string) model.SyncJob {
	return model.SyncJob{
		ID:         "probe",
		ProviderID: providerID,
		TenantID:   "tenant-a",
		Reason:     model.ReasonManual,
		EnqueuedAt: time.Now().UTC(),
	}
}

type apiFixture struct {
	store  *store.Store
	queue  *queue.MemoryQueue
	router *gin.Engine
}

func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	key := make([]byte, 32)
	for i := range key {
		key[i] = byte(i)
	}
	v, err := vault.New(key)
	require.NoError(t, err)

	hub := events.NewHub(time.Hour)
	t.Cleanup(hub.Close)

	q := queue.NewMemoryQueue(10)
	t.Cleanup(q.Close)

	log := logrus.New()
	server := NewServer(st, v, q, hub, log)

	// No verifier: tenant comes from the X-Tenant-ID header.
	return &apiFixture{store: st, queue: q, router: server.Router(nil)}
}

func (f *apiFixture) do(t *testing.T, method, path, tenant string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}

	req := httptest.NewRequest(method, path, &buf)
	if tenant != "" {
		req.Header.Set("X-Tenant-ID", tenant)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

func connectBody() map[string]any {
	return map[string]any{
		"vendor":       "GMAIL",
		"address":      "user@example.com",
		"accessToken":  "access",
		"refreshToken": "refresh",
		"tokenExpiry":  time.Now().Add(time.Hour).UTC(),
	}
}

func TestConnectProvider(t *testing.T) {
	f := newAPIFixture(t)

	rec := f.do(t, http.MethodPost, "/providers", "tenant-a", connectBody())
	require.Equal(t, http.StatusCreated, rec.Code)

	var view map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &view))
	assert.NotEmpty(t, view["id"])
	assert.Equal(t, "GMAIL", view["vendor"])
	assert.Equal(t, true, view["isActive"])

	// Credential material never shows up in the response, encrypted or not.
	assert.NotContains(t, rec.Body.String(), "access")
	assert.NotContains(t, rec.Body.String(), "refresh")
	assert.NotContains(t, rec.Body.String(), "ciphertext")

	// The initial backfill job is already queued.
	assert.False(t, f.queue.Enqueue(testSyncJob(view["id"].(string))))
}

func TestConnectRequiresAuth(t *testing.T) {
	f := newAPIFixture(t)

	rec := f.do(t, http.MethodPost, "/providers", "", connectBody())
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestConnectOAuthVendorRequiresRefreshToken(t *testing.T) {
	f := newAPIFixture(t)

	body := connectBody()
	delete(body, "refreshToken")

	rec := f.do(t, http.MethodPost, "/providers", "tenant-a", body)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestConnectIMAPRequiresEndpoint(t *testing.T) {
	f := newAPIFixture(t)

	body := map[string]any{
		"vendor":      "IMAP",
		"address":     "user@example.com",
		"accessToken": "password",
	}

	rec := f.do(t, http.MethodPost, "/providers", "tenant-a", body)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	body["endpoint"] = "imap.example.com:993"
	rec = f.do(t, http.MethodPost, "/providers", "tenant-a", body)
	assert.Equal(t, http.StatusCreated, rec.Code)
}

func TestListProvidersScopedToTenant(t *testing.T) {
	f := newAPIFixture(t)

	require.Equal(t, http.StatusCreated, f.do(t, http.MethodPost, "/providers", "tenant-a", connectBody()).Code)
	require.Equal(t, http.StatusCreated, f.do(t, http.MethodPost, "/providers", "tenant-b", connectBody()).Code)

	rec := f.do(t, http.MethodGet, "/providers", "tenant-a", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var views []map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &views))
	assert.Len(t, views, 1)
}

func TestDisconnectProvider(t *testing.T) {
	f := newAPIFixture(t)

	rec := f.do(t, http.MethodPost, "/providers", "tenant-a", connectBody())
	require.Equal(t, http.StatusCreated, rec.Code)

	var view map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &view))
	id := view["id"].(string)

	rec = f.do(t, http.MethodDelete, "/providers/"+id, "tenant-a", nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = f.do(t, http.MethodGet, "/providers", "tenant-a", nil)
	var views []map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &views))
	assert.Empty(t, views)
}

func TestDisconnectForeignProviderReadsAsNotFound(t *testing.T) {
	f := newAPIFixture(t)

	rec := f.do(t, http.MethodPost, "/providers", "tenant-a", connectBody())
	require.Equal(t, http.StatusCreated, rec.Code)

	var view map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &view))
	id := view["id"].(string)

	rec = f.do(t, http.MethodDelete, "/providers/"+id, "tenant-b", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestForceSync(t *testing.T) {
	f := newAPIFixture(t)

	rec := f.do(t, http.MethodPost, "/providers", "tenant-a", connectBody())
	require.Equal(t, http.StatusCreated, rec.Code)

	var view map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &view))
	id := view["id"].(string)

	// The connect already queued a job, so this collapses into it.
	rec = f.do(t, http.MethodPost, "/providers/"+id+"/sync", "tenant-a", nil)
	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.Contains(t, rec.Body.String(), "already-syncing")
}

func TestForceSyncUnknownProvider(t *testing.T) {
	f := newAPIFixture(t)

	rec := f.do(t, http.MethodPost, "/providers/nope/sync", "tenant-a", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHealthzIsPublic(t *testing.T) {
	f := newAPIFixture(t)

	rec := f.do(t, http.MethodGet, "/healthz", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}
