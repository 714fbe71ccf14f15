// Package dispatch binds a downstream request to a credential and an
// adapter, retrying on recoverable upstream failures with a different
// credential. Lock and health bookkeeping for streaming responses happens
// when the stream terminates, not when it starts.
package dispatch

import (
	"context"
	"io"
	"net/http"
	"sync"
	"time"

	"all2api-go/internal/apierr"
	"all2api-go/internal/credlock"
	"all2api-go/internal/health"
	"all2api-go/internal/models"
	"all2api-go/internal/pool"
	"all2api-go/internal/provider"
	"all2api-go/internal/refresh"
	"all2api-go/internal/relay"
	"all2api-go/internal/store"

	log "github.com/sirupsen/logrus"
)

const defaultMaxAttempts = 3

// Engine wires the selection, locking, refresh, and adapter layers.
type Engine struct {
	store    *store.Store
	pool     *pool.Manager
	locks    *credlock.Table
	health   *health.Registry
	refresher *refresh.Service
	adapters *provider.Registry
}

// NewEngine builds the dispatcher.
func NewEngine(st *store.Store, p *pool.Manager, l *credlock.Table, h *health.Registry, r *refresh.Service, a *provider.Registry) *Engine {
	return &Engine{store: st, pool: p, locks: l, health: h, refresher: r, adapters: a}
}

// Execute runs the fallback loop for one request. The returned stream owns
// the credential lock: it is released when the stream is drained, errors,
// or is closed. The chosen credential is reported for accounting.
func (e *Engine) Execute(ctx context.Context, kind models.ProviderKind, req *relay.ChatRequest) (relay.Stream, *models.CredentialRef, *apierr.Error) {
	adapter := e.adapters.Get(kind)
	if adapter == nil {
		return nil, nil, apierr.New(http.StatusBadGateway, apierr.KindInternal, "no adapter for provider")
	}

	candidates, err := e.store.ListActiveCredentials(ctx, kind)
	if err != nil {
		return nil, nil, apierr.New(http.StatusInternalServerError, apierr.KindInternal, "credential lookup failed")
	}
	if len(candidates) == 0 {
		return nil, nil, apierr.New(http.StatusServiceUnavailable, apierr.KindNoCredential, "no credential available")
	}

	maxAttempts := defaultMaxAttempts
	if len(candidates) < maxAttempts {
		maxAttempts = len(candidates)
	}

	tried := make(map[string]bool)
	var lastErr *apierr.Error

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		cred := e.pool.Select(candidates, tried)
		if cred == nil {
			break
		}
		tried[cred.Key()] = true

		if err := e.locks.Acquire(ctx, cred.Key()); err != nil {
			return nil, nil, apierr.New(499, apierr.KindCancelled, "client closed request")
		}

		stream, aerr := e.attempt(ctx, adapter, cred, req)
		if aerr == nil {
			return stream, cred, nil
		}

		e.locks.Release(cred.Key())
		if aerr.AffectsHealth() {
			e.health.MarkUnhealthy(cred.Key(), aerr.Message)
		}
		if !aerr.Retryable() {
			return nil, nil, aerr
		}
		lastErr = aerr
		log.WithFields(log.Fields{
			"provider":   kind,
			"credential": cred.ID,
			"attempt":    attempt,
			"kind":       aerr.Kind,
		}).Warn("upstream attempt failed, trying next credential")
	}

	if lastErr != nil {
		return nil, nil, lastErr
	}
	return nil, nil, apierr.New(http.StatusServiceUnavailable, apierr.KindNoCredential, "no credential available")
}

// attempt runs one credential through refresh + call. The caller holds the
// credential lock; on success the returned stream inherits it.
func (e *Engine) attempt(ctx context.Context, adapter provider.Adapter, cred *models.CredentialRef, req *relay.ChatRequest) (relay.Stream, *apierr.Error) {
	if cred.ExpiringSoon(timeNow()) {
		refreshed, err := e.refresher.Refresh(ctx, cred)
		if err != nil {
			// Terminal for this credential: move it to the error table so
			// the hourly retry sweep owns it from here.
			if qErr := e.store.Quarantine(ctx, cred.Kind, cred.ID, err.Error()); qErr != nil {
				log.WithError(qErr).Warn("quarantine after refresh failure failed")
			}
			e.health.Forget(cred.Key())
			return nil, apierr.New(http.StatusBadGateway, apierr.KindRefreshFailed, apierr.Sanitize(err.Error()))
		}
		*cred = *refreshed
	}

	e.health.RecordUse(cred.Key())
	if err := e.store.IncrementCredentialUse(ctx, cred.Kind, cred.ID); err != nil {
		log.WithError(err).Warn("increment credential use failed")
	}

	stream, err := adapter.Call(ctx, cred, req)
	if err != nil {
		return nil, apierr.AsError(err)
	}

	return &guardedStream{
		inner: stream,
		onDone: func(streamErr error) {
			e.locks.Release(cred.Key())
			if streamErr == nil {
				e.health.MarkHealthy(cred.Key())
				return
			}
			ae := apierr.AsError(streamErr)
			if ae.AffectsHealth() {
				e.health.MarkUnhealthy(cred.Key(), ae.Message)
			}
		},
	}, nil
}

// guardedStream releases the credential lock and settles health exactly
// once when the stream finishes, fails, or is closed early.
type guardedStream struct {
	inner  relay.Stream
	once   sync.Once
	onDone func(err error)
}

func (g *guardedStream) Next(ctx context.Context) (relay.Event, error) {
	ev, err := g.inner.Next(ctx)
	if err == io.EOF {
		g.settle(nil)
		return ev, err
	}
	if err != nil {
		g.settle(err)
		return ev, err
	}
	return ev, nil
}

func (g *guardedStream) Close() error {
	err := g.inner.Close()
	g.settle(context.Canceled)
	return err
}

func (g *guardedStream) settle(err error) {
	g.once.Do(func() { g.onDone(err) })
}

// timeNow is swapped in tests.
var timeNow = func() time.Time { return time.Now() }
