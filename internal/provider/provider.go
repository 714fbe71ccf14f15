// Package provider defines the adapter contract every upstream implements
// and the registry the dispatcher selects from.
package provider

import (
	"context"

	"all2api-go/internal/models"
	"all2api-go/internal/relay"
)

// Adapter executes one chat request against an upstream using a specific
// credential, surfacing the response as a normalized event stream. The
// stream must emit exactly one MessageStart and one MessageStop.
type Adapter interface {
	Kind() models.ProviderKind
	Call(ctx context.Context, cred *models.CredentialRef, req *relay.ChatRequest) (relay.Stream, error)
	// Probe issues a minimal request to verify the credential works; used
	// before restoring quarantined credentials.
	Probe(ctx context.Context, cred *models.CredentialRef) error
}

// Registry maps provider kinds to adapters.
type Registry struct {
	adapters map[models.ProviderKind]Adapter
}

// NewRegistry builds an empty registry.
func NewRegistry() *Registry {
	return &Registry{adapters: make(map[models.ProviderKind]Adapter)}
}

// Register installs an adapter for its kind.
func (r *Registry) Register(a Adapter) {
	r.adapters[a.Kind()] = a
}

// Get returns the adapter for a kind, nil when absent.
func (r *Registry) Get(kind models.ProviderKind) Adapter {
	return r.adapters[kind]
}
