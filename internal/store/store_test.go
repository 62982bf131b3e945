package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()

	s, err := Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() {
		if err := s.Close(); err != nil {
			t.Errorf("closing test store: %v", err)
		}
	})
	return s
}

func newTestAccount(t *testing.T, s *Store) *Account {
	t.Helper()

	account, err := s.UpsertAccount(context.Background(), "user-1", "jane@example.com", Credential{
		AccessToken:  "access",
		RefreshToken: "refresh",
		Expiry:       time.Now().Add(time.Hour),
	})
	require.NoError(t, err)
	return account
}

func newTestEmail(t *testing.T, s *Store, accountID int64, providerMessageID string) *Email {
	t.Helper()

	e := &Email{
		AccountID:         accountID,
		ProviderMessageID: providerMessageID,
		ProviderThreadID:  "thread-1",
		Subject:           "Quote request",
		SenderName:        "Jane Doe",
		SenderEmail:       "jane@example.com",
		ReceivedAt:        time.Now().Add(-time.Hour),
		BodyText:          "How much for 20 units?",
	}
	require.NoError(t, s.InsertEmail(context.Background(), e))
	return e
}

func TestUpsertAccountCreatesAndReconnects(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	account := newTestAccount(t, s)
	assert.Equal(t, AccountActive, account.Status)
	assert.Equal(t, "user-1", account.UserID)

	require.NoError(t, s.Disconnect(ctx, account.ID, "user-1"))

	got, err := s.GetAccount(ctx, account.ID)
	require.NoError(t, err)
	assert.Equal(t, AccountInactive, got.Status)

	// Re-authorizing the same mailbox reuses the row and reactivates it.
	again, err := s.UpsertAccount(ctx, "user-1", "jane@example.com", Credential{
		AccessToken:  "access-2",
		RefreshToken: "refresh-2",
		Expiry:       time.Now().Add(time.Hour),
	})
	require.NoError(t, err)
	assert.Equal(t, account.ID, again.ID)
	assert.Equal(t, AccountActive, again.Status)
	assert.Equal(t, "access-2", again.AccessToken)
}

func TestGetAccountNotFound(t *testing.T) {
	s := newTestStore(t)

	_, err := s.GetAccount(context.Background(), 42)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDisconnectChecksOwnership(t *testing.T) {
	s := newTestStore(t)
	account := newTestAccount(t, s)

	err := s.Disconnect(context.Background(), account.ID, "someone-else")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestCredentialRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	account := newTestAccount(t, s)

	expiry := time.Now().Add(30 * time.Minute).Truncate(time.Second)
	require.NoError(t, s.PutCredential(ctx, account.ID, Credential{
		AccessToken:  "new-access",
		RefreshToken: "new-refresh",
		Expiry:       expiry,
	}))

	cred, err := s.GetCredential(ctx, account.ID)
	require.NoError(t, err)
	assert.Equal(t, "new-access", cred.AccessToken)
	assert.Equal(t, "new-refresh", cred.RefreshToken)
	assert.True(t, cred.Expiry.Equal(expiry))

	_, err = s.GetCredential(ctx, 999)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestTouchLastSync(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	account := newTestAccount(t, s)
	assert.True(t, account.LastSync.IsZero())

	now := time.Now().Truncate(time.Second)
	require.NoError(t, s.TouchLastSync(ctx, account.ID, now))

	got, err := s.GetAccount(ctx, account.ID)
	require.NoError(t, err)
	assert.True(t, got.LastSync.Equal(now))
}

func TestListAccounts(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	newTestAccount(t, s)

	_, err := s.UpsertAccount(ctx, "user-2", "other@example.com", Credential{
		AccessToken: "a", RefreshToken: "r", Expiry: time.Now().Add(time.Hour),
	})
	require.NoError(t, err)

	accounts, err := s.ListAccounts(ctx, "user-1")
	require.NoError(t, err)
	require.Len(t, accounts, 1)
	assert.Equal(t, "jane@example.com", accounts[0].Email)
}
