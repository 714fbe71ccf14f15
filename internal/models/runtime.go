package models

import (
	"fmt"
	"time"
)

// CredentialRef is the in-memory view of a credential row from any of the
// four credential tables, tagged with its provider kind. The pool, lock
// table, and health registry all key on Key().
type CredentialRef struct {
	Kind ProviderKind
	CredentialColumns
}

// Key returns the registry key, unique across provider tables.
func (c *CredentialRef) Key() string {
	return fmt.Sprintf("%s:%d", c.Kind, c.ID)
}

// refreshAhead is how long before expiry a token counts as expiring soon.
func refreshAhead(kind ProviderKind) time.Duration {
	if kind == ProviderAntigravity {
		return 50 * time.Minute
	}
	return 10 * time.Minute
}

// ExpiringSoon reports whether the access token should be refreshed before
// the next upstream call.
func (c *CredentialRef) ExpiringSoon(now time.Time) bool {
	if c.AccessToken == "" {
		return true
	}
	if c.ExpiresAt.IsZero() {
		return false
	}
	return now.Add(refreshAhead(c.Kind)).After(c.ExpiresAt)
}
