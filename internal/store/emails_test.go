package store

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInsertEmailDefaultsAndGet(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	account := newTestAccount(t, s)

	e := newTestEmail(t, s, account.ID, "gm-1")
	assert.NotZero(t, e.ID)
	assert.Equal(t, EmailUnprocessed, e.Status)

	got, err := s.GetEmail(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, "gm-1", got.ProviderMessageID)
	assert.Equal(t, "Jane Doe", got.SenderName)
	assert.Equal(t, EmailUnprocessed, got.Status)
	assert.False(t, got.HasAttachments)
}

func TestInsertEmailDedupKey(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	account := newTestAccount(t, s)
	newTestEmail(t, s, account.ID, "gm-1")

	dup := &Email{
		AccountID:         account.ID,
		ProviderMessageID: "gm-1",
		ProviderThreadID:  "thread-1",
		SenderEmail:       "jane@example.com",
		ReceivedAt:        time.Now(),
	}
	assert.ErrorIs(t, s.InsertEmail(ctx, dup), ErrDuplicateEmail)

	// Same provider id under another account is a different message.
	other, err := s.UpsertAccount(ctx, "user-2", "other@example.com", Credential{
		AccessToken: "a", RefreshToken: "r", Expiry: time.Now().Add(time.Hour),
	})
	require.NoError(t, err)
	dup.AccountID = other.ID
	assert.NoError(t, s.InsertEmail(ctx, dup))
}

func TestInsertEmailConcurrentDuplicates(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	account := newTestAccount(t, s)

	const writers = 8
	var wg sync.WaitGroup
	errs := make([]error, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = s.InsertEmail(ctx, &Email{
				AccountID:         account.ID,
				ProviderMessageID: "gm-race",
				ProviderThreadID:  "thread-1",
				SenderEmail:       "jane@example.com",
				ReceivedAt:        time.Now(),
			})
		}(i)
	}
	wg.Wait()

	inserted := 0
	for _, err := range errs {
		if err == nil {
			inserted++
		} else {
			assert.ErrorIs(t, err, ErrDuplicateEmail)
		}
	}
	assert.Equal(t, 1, inserted)

	var count int
	require.NoError(t, s.DB.QueryRow(
		`SELECT COUNT(*) FROM emails WHERE provider_message_id = 'gm-race'`).Scan(&count))
	assert.Equal(t, 1, count)
}

func TestInsertEmailWithEventAppendsOutbox(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	account := newTestAccount(t, s)

	e := &Email{
		AccountID:         account.ID,
		ProviderMessageID: "gm-1",
		ProviderThreadID:  "thread-1",
		SenderEmail:       "jane@example.com",
		ReceivedAt:        time.Now(),
	}
	require.NoError(t, s.InsertEmailWithEvent(ctx, e, "account.1.email.stored", "email.stored", []byte(`{}`), "email.stored|1|gm-1"))

	messages, err := s.DequeueOutbox(ctx, 10)
	require.NoError(t, err)
	require.Len(t, messages, 1)
	assert.Equal(t, "account.1.email.stored", messages[0].Subject)
	assert.Equal(t, "email.stored|1|gm-1", messages[0].MsgID)

	// A duplicate insert must not leave a second outbox entry behind.
	dup := &Email{
		AccountID:         account.ID,
		ProviderMessageID: "gm-1",
		ProviderThreadID:  "thread-1",
		SenderEmail:       "jane@example.com",
		ReceivedAt:        time.Now(),
	}
	assert.ErrorIs(t,
		s.InsertEmailWithEvent(ctx, dup, "account.1.email.stored", "email.stored", []byte(`{}`), "email.stored|1|gm-1"),
		ErrDuplicateEmail)

	require.NoError(t, s.MarkPublished(ctx, messages[0].ID))
	messages, err = s.DequeueOutbox(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, messages)
}

func TestOutboxRetryDefersDelivery(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	account := newTestAccount(t, s)

	e := &Email{
		AccountID:         account.ID,
		ProviderMessageID: "gm-1",
		ProviderThreadID:  "thread-1",
		SenderEmail:       "jane@example.com",
		ReceivedAt:        time.Now(),
	}
	require.NoError(t, s.InsertEmailWithEvent(ctx, e, "subj", "email.stored", []byte(`{}`), "id-1"))

	messages, err := s.DequeueOutbox(ctx, 10)
	require.NoError(t, err)
	require.Len(t, messages, 1)

	require.NoError(t, s.MarkOutboxRetry(ctx, messages[0].ID, time.Hour))
	messages, err = s.DequeueOutbox(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, messages)
}

func TestListEmailsByStatus(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	account := newTestAccount(t, s)
	first := newTestEmail(t, s, account.ID, "gm-1")
	newTestEmail(t, s, account.ID, "gm-2")

	emails, err := s.ListEmailsByStatus(ctx, EmailUnprocessed, 10)
	require.NoError(t, err)
	assert.Len(t, emails, 2)

	require.NoError(t, s.UpsertClassification(ctx, first.ID, &Classification{
		Category: "lead", Confidence: 0.9,
	}))

	emails, err = s.ListEmailsByStatus(ctx, EmailUnprocessed, 10)
	require.NoError(t, err)
	require.Len(t, emails, 1)
	assert.Equal(t, "gm-2", emails[0].ProviderMessageID)
}

func TestMarkReviewedOnlyFromClassified(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	account := newTestAccount(t, s)
	e := newTestEmail(t, s, account.ID, "gm-1")

	// Not classified yet, so reviewing is not possible.
	assert.ErrorIs(t, s.MarkReviewed(ctx, e.ID), ErrNotFound)

	require.NoError(t, s.UpsertClassification(ctx, e.ID, &Classification{Category: "lead", Confidence: 0.8}))
	require.NoError(t, s.MarkReviewed(ctx, e.ID))

	got, err := s.GetEmail(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, EmailReviewed, got.Status)
}
