// Package pool picks the next credential for a request: healthy before
// recovering, idle before locked, least-recently-used first.
package pool

import (
	"sort"

	"all2api-go/internal/credlock"
	"all2api-go/internal/health"
	"all2api-go/internal/models"
)

// Manager ranks candidates using live health and lock state.
type Manager struct {
	health *health.Registry
	locks  *credlock.Table
}

// NewManager wires the selection policy to its registries.
func NewManager(h *health.Registry, l *credlock.Table) *Manager {
	return &Manager{health: h, locks: l}
}

// Select returns the best candidate not in excludeKeys, or nil when the pool
// is empty. When every candidate is excluded the exclude set is ignored, so
// a final attempt can still go out.
func (m *Manager) Select(candidates []*models.CredentialRef, excludeKeys map[string]bool) *models.CredentialRef {
	if len(candidates) == 0 {
		return nil
	}

	remaining := make([]*models.CredentialRef, 0, len(candidates))
	for _, c := range candidates {
		if !excludeKeys[c.Key()] {
			remaining = append(remaining, c)
		}
	}
	if len(remaining) == 0 {
		remaining = candidates
	}

	var healthy, recovering, other []*models.CredentialRef
	for _, c := range remaining {
		snap := m.health.Get(c.Key())
		switch {
		case snap.Healthy:
			healthy = append(healthy, c)
		case m.health.CanRecover(c.Key()):
			recovering = append(recovering, c)
		default:
			other = append(other, c)
		}
	}

	bucket := healthy
	if len(bucket) == 0 {
		bucket = recovering
	}
	if len(bucket) == 0 {
		bucket = other
	}

	m.rank(bucket)
	return bucket[0]
}

// rank sorts in place: lock-free first, then LRU (never-used first), then
// lowest use count, then shortest waiter queue.
func (m *Manager) rank(creds []*models.CredentialRef) {
	sort.SliceStable(creds, func(i, j int) bool {
		ki, kj := creds[i].Key(), creds[j].Key()
		bi, bj := m.locks.Busy(ki), m.locks.Busy(kj)
		if bi != bj {
			return !bi
		}
		si, sj := m.health.Get(ki), m.health.Get(kj)
		if !si.LastUsedAt.Equal(sj.LastUsedAt) {
			return si.LastUsedAt.Before(sj.LastUsedAt)
		}
		if si.UseCount != sj.UseCount {
			return si.UseCount < sj.UseCount
		}
		return m.locks.Waiters(ki) < m.locks.Waiters(kj)
	})
}
