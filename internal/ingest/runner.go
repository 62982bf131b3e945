// Package ingest drives the fetch -> normalize -> dedup-store pipeline
// for connected mailbox accounts.
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/quarrylabs/leadmail/internal/gmail"
	"github.com/quarrylabs/leadmail/internal/retry"
	"github.com/quarrylabs/leadmail/internal/store"
	"github.com/quarrylabs/leadmail/internal/token"
)

// ErrAccountInactive means the account needs re-authorization before it
// can be synced.
var ErrAccountInactive = errors.New("ingest: account inactive")

// TokenProvider hands out currently-valid access tokens.
type TokenProvider interface {
	EnsureValidToken(ctx context.Context, accountID int64) (string, error)
	ForceRefresh(ctx context.Context, accountID int64) (string, error)
}

// Summary is the per-run outcome: how many ids the search returned, how
// many rows were inserted, how many were already present, and how many
// messages failed to fetch or normalize.
type Summary struct {
	Fetched int `json:"fetched"`
	Stored  int `json:"stored"`
	Skipped int `json:"skipped"`
	Failed  int `json:"failed"`
}

// Runner executes ingestion runs for one store/provider pair.
type Runner struct {
	store  *store.Store
	client gmail.Client
	tokens TokenProvider
	retry  retry.Policy
	log    *zap.Logger
}

// NewRunner wires the orchestrator around its collaborators.
func NewRunner(st *store.Store, client gmail.Client, tokens TokenProvider, log *zap.Logger) *Runner {
	return &Runner{
		store:  st,
		client: client,
		tokens: tokens,
		retry:  retry.DefaultPolicy(gmail.IsRetriable),
		log:    log,
	}
}

// FetchAndStore runs one ingestion pass: list matching messages, fetch and
// normalize each, insert the ones not already stored. Re-running with the
// same provider responses is a no-op thanks to the dedup key.
//
// A failure on one message skips that message and continues; credential or
// provider-wide failures abort the run. Emails inserted before an abort
// stay committed and last-sync is not advanced past the failure.
func (r *Runner) FetchAndStore(ctx context.Context, accountID int64, maxResults int64, query string, since time.Time) (Summary, error) {
	var summary Summary

	account, err := r.store.GetAccount(ctx, accountID)
	if err != nil {
		return summary, err
	}
	if account.Status != store.AccountActive {
		return summary, fmt.Errorf("%w: account %d", ErrAccountInactive, accountID)
	}

	accessToken, err := r.tokens.EnsureValidToken(ctx, accountID)
	if err != nil {
		return summary, err
	}

	var ids []string
	err = r.callWithAuth(ctx, accountID, &accessToken, func(tok string) error {
		var listErr error
		ids, listErr = r.client.ListMessages(ctx, tok, query, since, maxResults)
		return listErr
	})
	if err != nil {
		return summary, fmt.Errorf("list messages for account %d: %w", accountID, err)
	}

	for _, id := range ids {
		var msg *gmail.RawMessage
		err := r.callWithAuth(ctx, accountID, &accessToken, func(tok string) error {
			var getErr error
			msg, getErr = r.client.GetMessage(ctx, tok, id)
			return getErr
		})
		if err != nil {
			if isFatal(err) {
				return summary, fmt.Errorf("get message %s for account %d: %w", id, accountID, err)
			}
			r.log.Warn("skipping message that failed to fetch",
				zap.Int64("account_id", accountID), zap.String("message_id", id), zap.Error(err))
			summary.Failed++
			continue
		}
		summary.Fetched++

		normalized, err := gmail.Normalize(msg)
		if err != nil {
			r.log.Warn("skipping message that failed to normalize",
				zap.Int64("account_id", accountID), zap.String("message_id", id), zap.Error(err))
			summary.Failed++
			continue
		}

		stored, err := r.storeEmail(ctx, accountID, normalized)
		if err != nil {
			return summary, fmt.Errorf("store message %s for account %d: %w", id, accountID, err)
		}
		if stored {
			summary.Stored++
		} else {
			summary.Skipped++
		}
	}

	if err := r.store.TouchLastSync(ctx, accountID, time.Now()); err != nil {
		return summary, err
	}

	r.log.Info("ingestion run complete",
		zap.Int64("account_id", accountID),
		zap.Int("fetched", summary.Fetched),
		zap.Int("stored", summary.Stored),
		zap.Int("skipped", summary.Skipped),
		zap.Int("failed", summary.Failed))
	return summary, nil
}

// storeEmail inserts a normalized message behind the dedup check. The
// check-then-insert race resolves at the uniqueness constraint, which
// reports the row as already present rather than failing the run.
func (r *Runner) storeEmail(ctx context.Context, accountID int64, n *gmail.Normalized) (bool, error) {
	exists, err := r.store.EmailExists(ctx, accountID, n.ProviderMessageID)
	if err != nil {
		return false, err
	}
	if exists {
		return false, nil
	}

	email := &store.Email{
		AccountID:         accountID,
		ProviderMessageID: n.ProviderMessageID,
		ProviderThreadID:  n.ProviderThreadID,
		Subject:           n.Subject,
		SenderName:        n.SenderName,
		SenderEmail:       n.SenderEmail,
		ReceivedAt:        n.ReceivedAt,
		BodyText:          n.BodyText,
		BodyHTML:          n.BodyHTML,
		HasAttachments:    n.HasAttachments,
	}

	event := map[string]any{
		"event_id":            uuid.NewString(),
		"ts":                  time.Now().Unix(),
		"account_id":          accountID,
		"provider_message_id": n.ProviderMessageID,
		"provider_thread_id":  n.ProviderThreadID,
		"sender_email":        n.SenderEmail,
		"received_at":         n.ReceivedAt.Unix(),
	}
	payload, _ := json.Marshal(event)

	subject := fmt.Sprintf("account.%d.email.stored", accountID)
	msgID := fmt.Sprintf("email.stored|%d|%s", accountID, n.ProviderMessageID)

	err = r.store.InsertEmailWithEvent(ctx, email, subject, "email.stored", payload, msgID)
	if errors.Is(err, store.ErrDuplicateEmail) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// callWithAuth runs a provider call under the retry policy and, on an
// authorization rejection, forces exactly one token refresh and retries.
func (r *Runner) callWithAuth(ctx context.Context, accountID int64, accessToken *string, call func(tok string) error) error {
	err := r.retry.Do(ctx, func() error { return call(*accessToken) })
	if !errors.Is(err, gmail.ErrAuthRejected) {
		return err
	}

	fresh, refreshErr := r.tokens.ForceRefresh(ctx, accountID)
	if refreshErr != nil {
		return refreshErr
	}
	*accessToken = fresh
	return r.retry.Do(ctx, func() error { return call(*accessToken) })
}

// isFatal separates provider-wide conditions, which abort the run, from
// per-message failures, which only skip the message.
func isFatal(err error) bool {
	var credErr *token.CredentialError
	return errors.As(err, &credErr) ||
		errors.Is(err, gmail.ErrAuthRejected) ||
		errors.Is(err, gmail.ErrRateLimited) ||
		errors.Is(err, gmail.ErrUnavailable) ||
		errors.Is(err, token.ErrProviderUnavailable) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded)
}
