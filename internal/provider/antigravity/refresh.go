package antigravity

import (
	"context"
	"fmt"
	"net/http"

	"all2api-go/internal/models"
	"all2api-go/internal/refresh"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
)

// Refresher exchanges Google OAuth refresh tokens for access tokens.
type Refresher struct {
	client   *http.Client
	endpoint oauth2.Endpoint
}

// NewRefresher builds the refresher over the shared upstream client.
func NewRefresher(client *http.Client) *Refresher {
	return &Refresher{client: client, endpoint: google.Endpoint}
}

// NewRefresherWithEndpoint pins the token endpoint (tests).
func NewRefresherWithEndpoint(client *http.Client, tokenURL string) *Refresher {
	return &Refresher{client: client, endpoint: oauth2.Endpoint{TokenURL: tokenURL}}
}

// RefreshToken implements refresh.Refresher using the refresh-token grant.
func (r *Refresher) RefreshToken(ctx context.Context, cred *models.CredentialRef) (*refresh.Result, error) {
	if cred.ClientID == "" {
		return nil, fmt.Errorf("credential %d has no oauth client configured", cred.ID)
	}
	conf := &oauth2.Config{
		ClientID:     cred.ClientID,
		ClientSecret: cred.ClientSecret,
		Endpoint:     r.endpoint,
	}
	if r.client != nil {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, r.client)
	}

	src := conf.TokenSource(ctx, &oauth2.Token{RefreshToken: cred.RefreshToken})
	tok, err := src.Token()
	if err != nil {
		return nil, fmt.Errorf("google token refresh: %w", err)
	}

	res := &refresh.Result{
		AccessToken: tok.AccessToken,
		ExpiresAt:   tok.Expiry,
	}
	if tok.RefreshToken != "" && tok.RefreshToken != cred.RefreshToken {
		res.RefreshToken = tok.RefreshToken
	}
	return res, nil
}
