// Package gmail wraps the Gmail REST API behind the narrow surface the
// ingestion pipeline needs: code exchange, profile lookup, message search
// and message fetch.
package gmail

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/option"
)

// RawMessage is the provider's wire representation of one message:
// headers plus the MIME part tree with base64url bodies.
type RawMessage = gmail.Message

// TokenBundle is the result of an authorization-code exchange.
type TokenBundle struct {
	AccessToken  string
	RefreshToken string
	Expiry       time.Time
}

// Client is the provider boundary. A future non-Gmail provider only needs
// a new implementation of this interface.
type Client interface {
	ExchangeCode(ctx context.Context, code string) (TokenBundle, error)
	ProfileEmail(ctx context.Context, accessToken string) (string, error)
	ListMessages(ctx context.Context, accessToken, query string, since time.Time, maxResults int64) ([]string, error)
	GetMessage(ctx context.Context, accessToken, messageID string) (*RawMessage, error)
}

// OAuthSettings carries the application's OAuth client registration.
type OAuthSettings struct {
	ClientID     string
	ClientSecret string
	RedirectURL  string
}

// Service implements Client over google.golang.org/api/gmail/v1.
type Service struct {
	oauth *oauth2.Config
}

// NewService creates a Gmail client with read-only scope.
func NewService(settings OAuthSettings) *Service {
	return &Service{
		oauth: &oauth2.Config{
			ClientID:     settings.ClientID,
			ClientSecret: settings.ClientSecret,
			RedirectURL:  settings.RedirectURL,
			Scopes:       []string{gmail.GmailReadonlyScope},
			Endpoint:     google.Endpoint,
		},
	}
}

// AuthURL returns the consent-page URL for the authorization-code flow.
// Offline access is requested so a refresh token comes back with the code.
func (s *Service) AuthURL(state string) string {
	return s.oauth.AuthCodeURL(state,
		oauth2.AccessTypeOffline,
		oauth2.SetAuthURLParam("prompt", "consent"),
	)
}

// OAuth exposes the underlying OAuth configuration for the token refresher.
func (s *Service) OAuth() *oauth2.Config {
	return s.oauth
}

// ExchangeCode redeems an authorization code for tokens.
func (s *Service) ExchangeCode(ctx context.Context, code string) (TokenBundle, error) {
	tok, err := s.oauth.Exchange(ctx, code)
	if err != nil {
		return TokenBundle{}, mapError("exchange code", err)
	}
	return TokenBundle{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		Expiry:       tok.Expiry,
	}, nil
}

// ProfileEmail returns the mailbox address behind an access token.
func (s *Service) ProfileEmail(ctx context.Context, accessToken string) (string, error) {
	svc, err := s.svc(ctx, accessToken)
	if err != nil {
		return "", err
	}

	profile, err := svc.Users.GetProfile("me").Context(ctx).Do()
	if err != nil {
		return "", mapError("get profile", err)
	}
	return profile.EmailAddress, nil
}

// ListMessages searches the mailbox and returns matching message ids. The
// base query is combined with an after-date clause when since is set.
func (s *Service) ListMessages(ctx context.Context, accessToken, query string, since time.Time, maxResults int64) ([]string, error) {
	svc, err := s.svc(ctx, accessToken)
	if err != nil {
		return nil, err
	}

	q := ComposeQuery(query, since)
	resp, err := svc.Users.Messages.List("me").Q(q).MaxResults(maxResults).Context(ctx).Do()
	if err != nil {
		return nil, mapError("list messages", err)
	}

	ids := make([]string, 0, len(resp.Messages))
	for _, m := range resp.Messages {
		ids = append(ids, m.Id)
	}
	return ids, nil
}

// GetMessage fetches one message with its full MIME payload.
func (s *Service) GetMessage(ctx context.Context, accessToken, messageID string) (*RawMessage, error) {
	svc, err := s.svc(ctx, accessToken)
	if err != nil {
		return nil, err
	}

	msg, err := svc.Users.Messages.Get("me", messageID).Format("full").Context(ctx).Do()
	if err != nil {
		return nil, mapError(fmt.Sprintf("get message %s", messageID), err)
	}
	return msg, nil
}

// ComposeQuery appends the Gmail after: clause to a base search query.
func ComposeQuery(query string, since time.Time) string {
	if since.IsZero() {
		return query
	}
	clause := "after:" + since.Format("2006/01/02")
	if query == "" {
		return clause
	}
	return query + " " + clause
}

func (s *Service) svc(ctx context.Context, accessToken string) (*gmail.Service, error) {
	src := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: accessToken})
	svc, err := gmail.NewService(ctx, option.WithTokenSource(src))
	if err != nil {
		return nil, fmt.Errorf("failed to create gmail service: %w", err)
	}
	return svc, nil
}
