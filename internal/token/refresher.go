// Package token keeps stored Gmail credentials usable: it hands out
// access tokens and refreshes them against the provider's token endpoint
// when they expire.
package token

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"go.uber.org/zap"
	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"

	"github.com/quarrylabs/leadmail/internal/retry"
	"github.com/quarrylabs/leadmail/internal/store"
)

// ErrProviderUnavailable means the token endpoint could not be reached
// even after retrying.
var ErrProviderUnavailable = errors.New("token: provider unavailable")

// CredentialError means the refresh token was revoked or invalidated. The
// account has already been marked inactive; a human must re-authorize.
type CredentialError struct {
	AccountID int64
	Err       error
}

func (e *CredentialError) Error() string {
	return fmt.Sprintf("token: credential for account %d requires re-authorization: %v", e.AccountID, e.Err)
}

func (e *CredentialError) Unwrap() error { return e.Err }

// CredentialStore is the persistence surface the refresher needs.
type CredentialStore interface {
	GetCredential(ctx context.Context, accountID int64) (store.Credential, error)
	PutCredential(ctx context.Context, accountID int64, cred store.Credential) error
	MarkInactive(ctx context.Context, accountID int64) error
}

// Refresher serializes token refreshes per account. Two callers finding
// the same expired token share one refresh call; with Google a redeemed
// refresh token may rotate, so a duplicate refresh can revoke the grant.
type Refresher struct {
	creds CredentialStore
	oauth *oauth2.Config
	skew  time.Duration
	retry retry.Policy
	group singleflight.Group
	log   *zap.Logger
}

// NewRefresher creates a refresher around a credential store and the
// application's OAuth client configuration.
func NewRefresher(creds CredentialStore, oauth *oauth2.Config, log *zap.Logger) *Refresher {
	return &Refresher{
		creds: creds,
		oauth: oauth,
		skew:  30 * time.Second,
		retry: retry.DefaultPolicy(isTransient),
		log:   log,
	}
}

// EnsureValidToken returns an access token that is valid at call time,
// refreshing first when the stored expiry has passed. Expiry is treated as
// authoritative; callers seeing a post-expiry 401 anyway should use
// ForceRefresh once.
func (r *Refresher) EnsureValidToken(ctx context.Context, accountID int64) (string, error) {
	cred, err := r.creds.GetCredential(ctx, accountID)
	if err != nil {
		return "", fmt.Errorf("load credential for account %d: %w", accountID, err)
	}

	if r.stillValid(cred) {
		return cred.AccessToken, nil
	}
	return r.refresh(ctx, accountID, false)
}

// ForceRefresh discards the stored access token and fetches a new one,
// regardless of the recorded expiry. Used after the provider rejects a
// token that looked valid.
func (r *Refresher) ForceRefresh(ctx context.Context, accountID int64) (string, error) {
	return r.refresh(ctx, accountID, true)
}

func (r *Refresher) stillValid(cred store.Credential) bool {
	return cred.AccessToken != "" && !cred.Expiry.IsZero() && time.Now().Add(r.skew).Before(cred.Expiry)
}

func (r *Refresher) refresh(ctx context.Context, accountID int64, force bool) (string, error) {
	v, err, _ := r.group.Do(strconv.FormatInt(accountID, 10), func() (any, error) {
		// Re-read under the flight: a caller that queued behind an
		// in-progress refresh reuses its result instead of redeeming
		// the refresh token again.
		cred, err := r.creds.GetCredential(ctx, accountID)
		if err != nil {
			return "", fmt.Errorf("load credential for account %d: %w", accountID, err)
		}
		if !force && r.stillValid(cred) {
			return cred.AccessToken, nil
		}
		if cred.RefreshToken == "" {
			if markErr := r.creds.MarkInactive(ctx, accountID); markErr != nil {
				r.log.Error("failed to mark account inactive", zap.Int64("account_id", accountID), zap.Error(markErr))
			}
			return "", &CredentialError{AccountID: accountID, Err: errors.New("no refresh token stored")}
		}

		var tok *oauth2.Token
		err = r.retry.Do(ctx, func() error {
			src := r.oauth.TokenSource(ctx, &oauth2.Token{RefreshToken: cred.RefreshToken})
			tok, err = src.Token()
			return err
		})
		if err != nil {
			if isInvalidGrant(err) {
				if markErr := r.creds.MarkInactive(ctx, accountID); markErr != nil {
					r.log.Error("failed to mark account inactive", zap.Int64("account_id", accountID), zap.Error(markErr))
				}
				r.log.Warn("refresh token revoked, account needs re-authorization", zap.Int64("account_id", accountID))
				return "", &CredentialError{AccountID: accountID, Err: err}
			}
			return "", fmt.Errorf("%w: %v", ErrProviderUnavailable, err)
		}

		updated := store.Credential{
			AccessToken:  tok.AccessToken,
			RefreshToken: tok.RefreshToken,
			Expiry:       tok.Expiry,
		}
		// Google only returns a refresh token on the initial consent.
		if updated.RefreshToken == "" {
			updated.RefreshToken = cred.RefreshToken
		}

		// Persist before handing the token out so a crash never loses
		// a rotated refresh token.
		if err := r.creds.PutCredential(ctx, accountID, updated); err != nil {
			return "", fmt.Errorf("persist refreshed credential for account %d: %w", accountID, err)
		}

		r.log.Debug("access token refreshed", zap.Int64("account_id", accountID), zap.Time("expiry", tok.Expiry))
		return tok.AccessToken, nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

// isInvalidGrant detects the revoked/expired refresh token class of
// responses from the token endpoint.
func isInvalidGrant(err error) bool {
	var rerr *oauth2.RetrieveError
	if !errors.As(err, &rerr) {
		return false
	}
	if rerr.ErrorCode == "invalid_grant" || rerr.ErrorCode == "unauthorized_client" {
		return true
	}
	return rerr.Response != nil && rerr.Response.StatusCode == 401
}

// isTransient limits token-endpoint retries to transport-level failures.
// An HTTP response, even an error one, is answered by the provider and
// retrying it verbatim will not change the answer.
func isTransient(err error) bool {
	var rerr *oauth2.RetrieveError
	if errors.As(err, &rerr) {
		return rerr.Response != nil && rerr.Response.StatusCode >= 500
	}
	return true
}
