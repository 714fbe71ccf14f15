// Package scheduler runs the periodic maintenance loops: proactive token
// refresh, quarantined-credential retry, and log retention.
package scheduler

import (
	"context"
	"sync"
	"time"

	"all2api-go/internal/health"
	"all2api-go/internal/models"
	"all2api-go/internal/provider"
	"all2api-go/internal/refresh"
	"all2api-go/internal/store"

	log "github.com/sirupsen/logrus"
)

const (
	refreshSweepInterval = 12 * time.Hour
	errorRetryInterval   = 1 * time.Hour
	logPruneInterval     = 24 * time.Hour

	logRetention   = 30 * 24 * time.Hour
	refreshStagger = 2 * time.Second
)

// Scheduler owns the background tickers.
type Scheduler struct {
	store    *store.Store
	health   *health.Registry
	refresher *refresh.Service
	adapters *provider.Registry

	stopCh chan struct{}
	wg     sync.WaitGroup

	// intervals are fields so tests can shrink them.
	refreshEvery time.Duration
	retryEvery   time.Duration
	pruneEvery   time.Duration
	stagger      time.Duration
}

// New builds the scheduler with production intervals.
func New(st *store.Store, h *health.Registry, r *refresh.Service, a *provider.Registry) *Scheduler {
	return &Scheduler{
		store:        st,
		health:       h,
		refresher:    r,
		adapters:     a,
		stopCh:       make(chan struct{}),
		refreshEvery: refreshSweepInterval,
		retryEvery:   errorRetryInterval,
		pruneEvery:   logPruneInterval,
		stagger:      refreshStagger,
	}
}

// Start launches the three loops.
func (s *Scheduler) Start() {
	s.loop("token-refresh-sweep", s.refreshEvery, s.RefreshSweep)
	s.loop("error-credential-retry", s.retryEvery, s.RetryQuarantined)
	s.loop("log-retention", s.pruneEvery, s.PruneLogs)
	log.Info("background schedulers started")
}

// Stop halts all loops and waits for in-flight runs.
func (s *Scheduler) Stop() {
	close(s.stopCh)
	s.wg.Wait()
}

func (s *Scheduler) loop(name string, interval time.Duration, fn func(context.Context)) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-s.stopCh:
				return
			case <-ticker.C:
				log.WithField("job", name).Debug("scheduler tick")
				ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
				fn(ctx)
				cancel()
			}
		}
	}()
}

// RefreshSweep refreshes every active credential whose token is expiring
// soon, with a stagger between calls; any refresh failure quarantines the row.
func (s *Scheduler) RefreshSweep(ctx context.Context) {
	now := time.Now()
	for _, kind := range []models.ProviderKind{
		models.ProviderKiro, models.ProviderAntigravity, models.ProviderOrchids, models.ProviderAgent,
	} {
		creds, err := s.store.ListActiveCredentials(ctx, kind)
		if err != nil {
			log.WithError(err).WithField("provider", kind).Warn("refresh sweep listing failed")
			continue
		}
		for _, cred := range creds {
			if !cred.ExpiringSoon(now) {
				continue
			}
			if _, err := s.refresher.Refresh(ctx, cred); err != nil {
				log.WithError(err).WithFields(log.Fields{
					"provider":   kind,
					"credential": cred.ID,
				}).Warn("sweep refresh failed, quarantining credential")
				if qErr := s.store.Quarantine(ctx, kind, cred.ID, err.Error()); qErr != nil {
					log.WithError(qErr).Warn("quarantine failed")
				}
				s.health.Forget(cred.Key())
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(s.stagger):
			}
		}
	}
}

// RetryQuarantined attempts to refresh every quarantined credential; on a
// successful refresh and usage probe the row is restored.
func (s *Scheduler) RetryQuarantined(ctx context.Context) {
	rows, err := s.store.ListQuarantined(ctx)
	if err != nil {
		log.WithError(err).Warn("quarantine listing failed")
		return
	}
	for i := range rows {
		row := rows[i]
		cred := row.Ref
		res, err := s.refresher.RefreshRaw(ctx, &cred)
		if err != nil {
			log.WithFields(log.Fields{
				"provider":   row.Kind,
				"credential": cred.ID,
			}).WithError(err).Debug("quarantined credential still failing")
			continue
		}
		cred.AccessToken = res.AccessToken
		if res.RefreshToken != "" {
			cred.RefreshToken = res.RefreshToken
		}
		cred.ExpiresAt = res.ExpiresAt

		if adapter := s.adapters.Get(row.Kind); adapter != nil {
			if err := adapter.Probe(ctx, &cred); err != nil {
				log.WithFields(log.Fields{
					"provider":   row.Kind,
					"credential": cred.ID,
				}).WithError(err).Debug("usage probe failed, keeping quarantined")
				continue
			}
		}

		row.Ref = cred
		newID, err := s.store.Restore(ctx, row)
		if err != nil {
			log.WithError(err).Warn("restore failed")
			continue
		}
		newRef := models.CredentialRef{Kind: row.Kind}
		newRef.ID = newID
		s.health.MarkHealthy(newRef.Key())
	}
}

// PruneLogs deletes accounting rows older than the retention window.
func (s *Scheduler) PruneLogs(ctx context.Context) {
	cutoff := time.Now().Add(-logRetention)
	deleted, err := s.store.DeleteLogsBefore(ctx, cutoff)
	if err != nil {
		log.WithError(err).Warn("log pruning failed")
		return
	}
	if deleted > 0 {
		log.WithField("deleted", deleted).Info("pruned old api logs")
	}
}
