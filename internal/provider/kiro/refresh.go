package kiro

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"all2api-go/internal/models"
	"all2api-go/internal/refresh"
)

const (
	socialRefreshTemplate = "https://prod.%s.auth.desktop.kiro.dev/refreshToken"
	oidcTokenTemplate     = "https://oidc.%s.amazonaws.com/token"
)

// Refresher exchanges kiro refresh tokens. Social accounts use the desktop
// refresh endpoint; DeviceCode/IdC accounts go through AWS OIDC.
type Refresher struct {
	client    *http.Client
	socialURL string // test overrides
	oidcURL   string
}

// NewRefresher builds the refresher over the shared upstream client.
func NewRefresher(client *http.Client) *Refresher {
	return &Refresher{client: client}
}

// NewRefresherWithEndpoints pins both endpoints (tests).
func NewRefresherWithEndpoints(client *http.Client, socialURL, oidcURL string) *Refresher {
	return &Refresher{client: client, socialURL: socialURL, oidcURL: oidcURL}
}

type tokenResponse struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
	ExpiresIn    int    `json:"expiresIn"`
}

// RefreshToken implements refresh.Refresher.
func (r *Refresher) RefreshToken(ctx context.Context, cred *models.CredentialRef) (*refresh.Result, error) {
	region := cred.Region
	if region == "" {
		region = defaultRegion
	}

	var endpoint string
	var payload map[string]string
	switch cred.AuthMethod {
	case models.AuthDeviceCode, models.AuthIdC:
		endpoint = fmt.Sprintf(oidcTokenTemplate, region)
		if r.oidcURL != "" {
			endpoint = r.oidcURL
		}
		payload = map[string]string{
			"refreshToken": cred.RefreshToken,
			"clientId":     cred.ClientID,
			"clientSecret": cred.ClientSecret,
			"grantType":    "refresh_token",
		}
	default: // Social
		endpoint = fmt.Sprintf(socialRefreshTemplate, region)
		if r.socialURL != "" {
			endpoint = r.socialURL
		}
		payload = map[string]string{"refreshToken": cred.RefreshToken}
	}

	body, _ := json.Marshal(payload)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return nil, fmt.Errorf("kiro refresh failed with status %d: %s", resp.StatusCode, respBody)
	}

	var tr tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&tr); err != nil {
		return nil, fmt.Errorf("decode refresh response: %w", err)
	}
	if tr.AccessToken == "" {
		return nil, fmt.Errorf("refresh response missing access token")
	}

	expiresIn := tr.ExpiresIn
	if expiresIn <= 0 {
		expiresIn = 3600
	}
	return &refresh.Result{
		AccessToken:  tr.AccessToken,
		RefreshToken: tr.RefreshToken,
		ExpiresAt:    time.Now().Add(time.Duration(expiresIn) * time.Second),
	}, nil
}
