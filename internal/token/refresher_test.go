package token

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/oauth2"

	"github.com/quarrylabs/leadmail/internal/retry"
	"github.com/quarrylabs/leadmail/internal/store"
)

// memCredStore is an in-memory CredentialStore.
type memCredStore struct {
	mu       sync.Mutex
	creds    map[int64]store.Credential
	inactive map[int64]bool
}

func newMemCredStore() *memCredStore {
	return &memCredStore{
		creds:    make(map[int64]store.Credential),
		inactive: make(map[int64]bool),
	}
}

func (m *memCredStore) GetCredential(_ context.Context, accountID int64) (store.Credential, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cred, ok := m.creds[accountID]
	if !ok {
		return store.Credential{}, store.ErrNotFound
	}
	return cred, nil
}

func (m *memCredStore) PutCredential(_ context.Context, accountID int64, cred store.Credential) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.creds[accountID] = cred
	return nil
}

func (m *memCredStore) MarkInactive(_ context.Context, accountID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.inactive[accountID] = true
	return nil
}

func (m *memCredStore) isInactive(accountID int64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.inactive[accountID]
}

func newTestRefresher(creds CredentialStore, tokenURL string) *Refresher {
	r := NewRefresher(creds, &oauth2.Config{
		ClientID:     "client-id",
		ClientSecret: "client-secret",
		Endpoint:     oauth2.Endpoint{TokenURL: tokenURL},
	}, zap.NewNop())
	r.retry = retry.Policy{MaxAttempts: 3, BaseDelay: time.Millisecond, Retriable: isTransient}
	return r
}

func tokenEndpoint(t *testing.T, hits *atomic.Int64, response map[string]any, status int) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		json.NewEncoder(w).Encode(response)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestEnsureValidTokenSkipsRefreshWhileFresh(t *testing.T) {
	creds := newMemCredStore()
	creds.creds[1] = store.Credential{
		AccessToken:  "fresh",
		RefreshToken: "refresh",
		Expiry:       time.Now().Add(time.Hour),
	}

	var hits atomic.Int64
	srv := tokenEndpoint(t, &hits, nil, http.StatusOK)

	r := newTestRefresher(creds, srv.URL)
	tok, err := r.EnsureValidToken(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, "fresh", tok)
	assert.Zero(t, hits.Load())
}

func TestEnsureValidTokenRefreshesExpired(t *testing.T) {
	creds := newMemCredStore()
	creds.creds[1] = store.Credential{
		AccessToken:  "stale",
		RefreshToken: "refresh",
		Expiry:       time.Now().Add(-time.Minute),
	}

	var hits atomic.Int64
	srv := tokenEndpoint(t, &hits, map[string]any{
		"access_token": "renewed",
		"token_type":   "Bearer",
		"expires_in":   3600,
	}, http.StatusOK)

	r := newTestRefresher(creds, srv.URL)
	tok, err := r.EnsureValidToken(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, "renewed", tok)
	assert.Equal(t, int64(1), hits.Load())

	// New token and expiry are persisted before the token is handed out,
	// and the refresh token survives a response that omits it.
	stored := creds.creds[1]
	assert.Equal(t, "renewed", stored.AccessToken)
	assert.Equal(t, "refresh", stored.RefreshToken)
	assert.True(t, stored.Expiry.After(time.Now()))
}

func TestEnsureValidTokenNeverReturnsExpired(t *testing.T) {
	creds := newMemCredStore()
	var hits atomic.Int64
	srv := tokenEndpoint(t, &hits, map[string]any{
		"access_token": "renewed",
		"token_type":   "Bearer",
		"expires_in":   3600,
	}, http.StatusOK)
	r := newTestRefresher(creds, srv.URL)

	expiries := []time.Time{
		time.Now().Add(-time.Hour),
		time.Now().Add(-time.Second),
		time.Now(),
		{}, // unknown expiry is treated as expired
	}
	for i, expiry := range expiries {
		accountID := int64(i + 1)
		creds.creds[accountID] = store.Credential{
			AccessToken:  "stale",
			RefreshToken: "refresh",
			Expiry:       expiry,
		}

		_, err := r.EnsureValidToken(context.Background(), accountID)
		require.NoError(t, err)
		assert.True(t, creds.creds[accountID].Expiry.After(time.Now()))
	}
}

func TestRefreshRevokedMarksAccountInactive(t *testing.T) {
	creds := newMemCredStore()
	creds.creds[1] = store.Credential{
		AccessToken:  "stale",
		RefreshToken: "revoked",
		Expiry:       time.Now().Add(-time.Minute),
	}

	var hits atomic.Int64
	srv := tokenEndpoint(t, &hits, map[string]any{"error": "invalid_grant"}, http.StatusBadRequest)

	r := newTestRefresher(creds, srv.URL)
	_, err := r.EnsureValidToken(context.Background(), 1)

	var credErr *CredentialError
	require.ErrorAs(t, err, &credErr)
	assert.Equal(t, int64(1), credErr.AccountID)
	assert.True(t, creds.isInactive(1))
	assert.Equal(t, int64(1), hits.Load(), "a rejected grant must not be retried")
}

func TestRefreshEndpointDownRetriesThenFails(t *testing.T) {
	creds := newMemCredStore()
	creds.creds[1] = store.Credential{
		AccessToken:  "stale",
		RefreshToken: "refresh",
		Expiry:       time.Now().Add(-time.Minute),
	}

	var hits atomic.Int64
	srv := tokenEndpoint(t, &hits, map[string]any{"error": "temporarily_unavailable"}, http.StatusServiceUnavailable)

	r := newTestRefresher(creds, srv.URL)
	_, err := r.EnsureValidToken(context.Background(), 1)

	assert.ErrorIs(t, err, ErrProviderUnavailable)
	assert.Equal(t, int64(3), hits.Load())
	assert.False(t, creds.isInactive(1), "a transient outage must not deactivate the account")
}

func TestConcurrentRefreshersShareOneRefreshCall(t *testing.T) {
	creds := newMemCredStore()
	creds.creds[1] = store.Credential{
		AccessToken:  "stale",
		RefreshToken: "refresh",
		Expiry:       time.Now().Add(-time.Minute),
	}

	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		time.Sleep(50 * time.Millisecond)
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"access_token": "renewed",
			"token_type":   "Bearer",
			"expires_in":   3600,
		})
	}))
	t.Cleanup(srv.Close)

	r := newTestRefresher(creds, srv.URL)

	const callers = 8
	var wg sync.WaitGroup
	tokens := make([]string, callers)
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			tokens[i], errs[i] = r.EnsureValidToken(context.Background(), 1)
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int64(1), hits.Load(), "queued callers must reuse the in-flight refresh")
	for i := 0; i < callers; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, "renewed", tokens[i])
	}
}

func TestForceRefreshIgnoresStoredExpiry(t *testing.T) {
	creds := newMemCredStore()
	creds.creds[1] = store.Credential{
		AccessToken:  "looks-valid-but-rejected",
		RefreshToken: "refresh",
		Expiry:       time.Now().Add(time.Hour),
	}

	var hits atomic.Int64
	srv := tokenEndpoint(t, &hits, map[string]any{
		"access_token": "renewed",
		"token_type":   "Bearer",
		"expires_in":   3600,
	}, http.StatusOK)

	r := newTestRefresher(creds, srv.URL)
	tok, err := r.ForceRefresh(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, "renewed", tok)
	assert.Equal(t, int64(1), hits.Load())
}

func TestRefreshWithoutRefreshTokenFails(t *testing.T) {
	creds := newMemCredStore()
	creds.creds[1] = store.Credential{AccessToken: "stale", Expiry: time.Now().Add(-time.Minute)}

	var hits atomic.Int64
	srv := tokenEndpoint(t, &hits, nil, http.StatusOK)

	r := newTestRefresher(creds, srv.URL)
	_, err := r.EnsureValidToken(context.Background(), 1)

	var credErr *CredentialError
	require.ErrorAs(t, err, &credErr)
	assert.True(t, creds.isInactive(1))
	assert.Zero(t, hits.Load())
}
