package orchids

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"all2api-go/internal/models"
	"all2api-go/internal/refresh"

	"github.com/golang-jwt/jwt/v5"
)

const defaultSessionsURL = "https://clerk.orchids.app/v1/client/sessions"

// Refresher obtains a fresh session JWT from the Clerk sessions endpoint
// using the credential's long-lived client JWT (stored as RefreshToken).
type Refresher struct {
	client      *http.Client
	sessionsURL string
}

// NewRefresher builds the refresher over the shared upstream client.
func NewRefresher(client *http.Client) *Refresher {
	return &Refresher{client: client, sessionsURL: defaultSessionsURL}
}

// NewRefresherWithURL pins the sessions endpoint (tests).
func NewRefresherWithURL(client *http.Client, url string) *Refresher {
	return &Refresher{client: client, sessionsURL: url}
}

type clerkSessionsResponse struct {
	Sessions []struct {
		ID              string `json:"id"`
		Status          string `json:"status"`
		LastActiveToken struct {
			JWT string `json:"jwt"`
		} `json:"last_active_token"`
	} `json:"sessions"`
}

// RefreshToken implements refresh.Refresher: fetch the session list and
// keep the JWT with the latest expiry.
func (r *Refresher) RefreshToken(ctx context.Context, cred *models.CredentialRef) (*refresh.Result, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.sessionsURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", cred.RefreshToken)

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return nil, fmt.Errorf("clerk sessions failed with status %d: %s", resp.StatusCode, body)
	}

	var sessions clerkSessionsResponse
	if err := json.NewDecoder(resp.Body).Decode(&sessions); err != nil {
		return nil, fmt.Errorf("decode sessions response: %w", err)
	}

	var freshest string
	var freshestExp time.Time
	for _, s := range sessions.Sessions {
		if s.Status != "" && s.Status != "active" {
			continue
		}
		token := s.LastActiveToken.JWT
		if token == "" {
			continue
		}
		exp := jwtExpiry(token)
		if freshest == "" || exp.After(freshestExp) {
			freshest = token
			freshestExp = exp
		}
	}
	if freshest == "" {
		return nil, fmt.Errorf("no active clerk session with a token")
	}

	return &refresh.Result{AccessToken: freshest, ExpiresAt: freshestExp}, nil
}

// jwtExpiry reads the exp claim without verifying the signature; the
// upstream verifies, the proxy only schedules refreshes.
func jwtExpiry(token string) time.Time {
	parser := jwt.NewParser()
	claims := jwt.MapClaims{}
	if _, _, err := parser.ParseUnverified(token, claims); err != nil {
		return time.Now().Add(time.Minute)
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Now().Add(time.Minute)
	}
	return exp.Time
}
