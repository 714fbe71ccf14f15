// Package refresh coordinates provider token refreshes: per-credential
// single-flight, persistence of rotated tokens, and health bookkeeping.
package refresh

import (
	"context"
	"fmt"
	"time"

	"all2api-go/internal/health"
	"all2api-go/internal/models"
	"all2api-go/internal/store"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"
)

// Result is the outcome of a provider refresh call.
type Result struct {
	AccessToken  string
	RefreshToken string // empty when the provider did not rotate it
	ExpiresAt    time.Time
}

// Refresher performs the provider-specific token exchange.
type Refresher interface {
	RefreshToken(ctx context.Context, cred *models.CredentialRef) (*Result, error)
}

// Service deduplicates concurrent refreshes per credential and persists
// the outcome.
type Service struct {
	store      *store.Store
	health     *health.Registry
	refreshers map[models.ProviderKind]Refresher
	group      singleflight.Group
	timeout    time.Duration
}

// NewService builds a refresh service.
func NewService(st *store.Store, h *health.Registry, timeout time.Duration) *Service {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Service{
		store:      st,
		health:     h,
		refreshers: make(map[models.ProviderKind]Refresher),
		timeout:    timeout,
	}
}

// Register installs the refresher for a provider kind.
func (s *Service) Register(kind models.ProviderKind, r Refresher) {
	s.refreshers[kind] = r
}

// RefreshRaw performs the provider token exchange without touching the
// store. Quarantined rows live outside the active tables, so the retry
// sweep persists the outcome itself via Restore.
func (s *Service) RefreshRaw(ctx context.Context, cred *models.CredentialRef) (*Result, error) {
	refresher, ok := s.refreshers[cred.Kind]
	if !ok {
		return nil, fmt.Errorf("refresh: no refresher for provider %q", cred.Kind)
	}
	rctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	return refresher.RefreshToken(rctx, cred)
}

// Refresh exchanges the credential's refresh token for a new access token.
// Concurrent callers for the same credential share one upstream call and
// one result. The returned ref carries the fresh tokens.
//
// The single-flight entry is cleared when the shared call resolves, so
// later callers re-evaluate expiry against the persisted state.
func (s *Service) Refresh(ctx context.Context, cred *models.CredentialRef) (*models.CredentialRef, error) {
	refresher, ok := s.refreshers[cred.Kind]
	if !ok {
		return nil, fmt.Errorf("refresh: no refresher for provider %q", cred.Kind)
	}

	v, err, _ := s.group.Do(cred.Key(), func() (interface{}, error) {
		// Detached context: a caller hanging up must not cancel a refresh
		// other requests are waiting on; the result stays usable either way.
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.timeout)
		defer cancel()

		res, err := refresher.RefreshToken(rctx, cred)
		if err != nil {
			s.health.MarkUnhealthy(cred.Key(), err.Error())
			if dbErr := s.store.RecordCredentialError(rctx, cred.Kind, cred.ID, err.Error()); dbErr != nil {
				log.WithError(dbErr).Warn("record refresh error failed")
			}
			return nil, err
		}

		if err := s.store.SaveTokens(rctx, cred.Kind, cred.ID, res.AccessToken, res.RefreshToken, res.ExpiresAt); err != nil {
			return nil, fmt.Errorf("persist refreshed tokens: %w", err)
		}
		s.health.MarkHealthy(cred.Key())

		updated := *cred
		updated.AccessToken = res.AccessToken
		if res.RefreshToken != "" {
			updated.RefreshToken = res.RefreshToken
		}
		updated.ExpiresAt = res.ExpiresAt
		log.WithFields(log.Fields{
			"provider":   cred.Kind,
			"credential": cred.ID,
			"expires_at": res.ExpiresAt.Format(time.RFC3339),
		}).Info("credential refreshed")
		return &updated, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*models.CredentialRef), nil
}
