// Package quota enforces per-API-key ceilings: expiry, per-IP concurrency,
// per-minute rate, and daily/monthly/lifetime request and cost limits.
// Cheap in-memory checks run before any database aggregation.
package quota

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"all2api-go/internal/apierr"
	"all2api-go/internal/models"
	"all2api-go/internal/pricing"
	"all2api-go/internal/store"
)

const rateWindow = time.Minute

// Enforcer owns the in-memory counters and queries the store for the
// aggregate ceilings.
type Enforcer struct {
	store *store.Store

	mu      sync.Mutex
	slots   map[slotKey]int
	windows map[uint][]time.Time
	now     func() time.Time
}

type slotKey struct {
	keyID uint
	ip    string
}

// NewEnforcer builds an enforcer over the given store.
func NewEnforcer(st *store.Store) *Enforcer {
	return &Enforcer{
		store:   st,
		slots:   make(map[slotKey]int),
		windows: make(map[uint][]time.Time),
		now:     time.Now,
	}
}

// Release frees the concurrency slot taken by Check. The returned func is
// safe to call multiple times; only the first call decrements.
type Release func()

// Check runs every quota gate in order; the first failure short-circuits.
// On success the (key, ip) concurrency slot is held until release is called.
func (e *Enforcer) Check(ctx context.Context, key *models.ApiKey, ip string) (Release, *apierr.Error) {
	now := e.now()

	// 1. Key expiry.
	if exp := key.ExpiresAt(); !exp.IsZero() && now.After(exp) {
		return nil, apierr.New(http.StatusUnauthorized, apierr.KindQuotaExceeded, "API key expired")
	}

	// 2. Per-IP concurrency (atomic compare-and-increment).
	var release Release = func() {}
	if key.Concurrency > 0 {
		sk := slotKey{keyID: key.ID, ip: ip}
		e.mu.Lock()
		if e.slots[sk] >= key.Concurrency {
			e.mu.Unlock()
			return nil, apierr.New(http.StatusTooManyRequests, apierr.KindQuotaExceeded,
				fmt.Sprintf("concurrency limit reached (%d concurrent requests per IP)", key.Concurrency))
		}
		e.slots[sk]++
		e.mu.Unlock()

		var once sync.Once
		release = func() {
			once.Do(func() {
				e.mu.Lock()
				if e.slots[sk] > 0 {
					e.slots[sk]--
				}
				if e.slots[sk] == 0 {
					delete(e.slots, sk)
				}
				e.mu.Unlock()
			})
		}
	}

	fail := func(msg string) (Release, *apierr.Error) {
		release()
		return nil, apierr.New(http.StatusTooManyRequests, apierr.KindQuotaExceeded, msg)
	}

	// 3. Per-minute rate (sliding window).
	if key.RateLimit > 0 {
		e.mu.Lock()
		win := e.windows[key.ID]
		cutoff := now.Add(-rateWindow)
		kept := win[:0]
		for _, ts := range win {
			if ts.After(cutoff) {
				kept = append(kept, ts)
			}
		}
		if len(kept) >= key.RateLimit {
			e.windows[key.ID] = kept
			e.mu.Unlock()
			return fail(fmt.Sprintf("rate limit reached (%d requests per minute)", key.RateLimit))
		}
		e.windows[key.ID] = append(kept, now)
		e.mu.Unlock()
	}

	// 4. Request-count ceilings (DB aggregation).
	dayStart := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	monthStart := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, now.Location())

	type countCheck struct {
		limit int64
		since time.Time
		label string
	}
	for _, cc := range []countCheck{
		{key.DailyLimit, dayStart, "daily"},
		{key.MonthlyLimit, monthStart, "monthly"},
		{key.TotalLimit, time.Time{}, "total"},
	} {
		if cc.limit <= 0 {
			continue
		}
		n, err := e.store.CountRequestsSince(ctx, key.ID, cc.since)
		if err != nil {
			release()
			return nil, apierr.New(http.StatusInternalServerError, apierr.KindInternal, "quota lookup failed")
		}
		if n >= cc.limit {
			return fail(fmt.Sprintf("%s request limit reached (%d)", cc.label, cc.limit))
		}
	}

	// 5. Cost ceilings: checked against recorded spend, so the request that
	// crosses a ceiling is still served and the next one is rejected.
	type costCheck struct {
		limit float64
		since time.Time
		label string
	}
	for _, cc := range []costCheck{
		{key.DailyCost, dayStart, "daily"},
		{key.MonthlyCost, monthStart, "monthly"},
		{key.TotalCost, time.Time{}, "total"},
	} {
		if cc.limit <= 0 {
			continue
		}
		spent, err := e.spentSince(ctx, key.ID, cc.since)
		if err != nil {
			release()
			return nil, apierr.New(http.StatusInternalServerError, apierr.KindInternal, "quota lookup failed")
		}
		if spent >= cc.limit {
			return fail(fmt.Sprintf("%s cost limit reached ($%.2f)", cc.label, cc.limit))
		}
	}

	return release, nil
}

func (e *Enforcer) spentSince(ctx context.Context, keyID uint, since time.Time) (float64, error) {
	totals, err := e.store.TokenTotalsSince(ctx, keyID, since)
	if err != nil {
		return 0, err
	}
	var sum float64
	for _, t := range totals {
		sum += pricing.Cost(t.Model, t.InputTokens, t.OutputTokens)
	}
	return sum, nil
}

// InFlight reports the live slot count for a (key, ip) pair.
func (e *Enforcer) InFlight(keyID uint, ip string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.slots[slotKey{keyID: keyID, ip: ip}]
}
