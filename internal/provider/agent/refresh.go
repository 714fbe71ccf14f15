package agent

import (
	"context"
	"fmt"
	"time"

	"all2api-go/internal/models"
	"all2api-go/internal/refresh"
)

// Refresher handles agent credentials, which carry a long-lived API token
// rather than an expiring grant: the stored refresh token IS the access
// token. Kept behind the refresh interface so the sweep and quarantine
// machinery treat all providers uniformly.
type Refresher struct{}

// NewRefresher builds the static-token refresher.
func NewRefresher() *Refresher { return &Refresher{} }

// RefreshToken implements refresh.Refresher.
func (r *Refresher) RefreshToken(ctx context.Context, cred *models.CredentialRef) (*refresh.Result, error) {
	if cred.RefreshToken == "" {
		return nil, fmt.Errorf("agent credential %d has no token", cred.ID)
	}
	return &refresh.Result{
		AccessToken: cred.RefreshToken,
		ExpiresAt:   time.Now().Add(365 * 24 * time.Hour),
	}, nil
}
