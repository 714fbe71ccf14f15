package apierr

import "fmt"

// Kind classifies an error by its dispatch semantics, not by upstream shape.
type Kind string

const (
	// KindAuthRejected upstream 401/403 or permanent refresh failure.
	KindAuthRejected Kind = "auth_rejected"
	// KindRateLimited upstream 429.
	KindRateLimited Kind = "rate_limited"
	// KindTransient upstream 5xx or network timeout; health untouched.
	KindTransient Kind = "transient"
	// KindQuotaExceeded downstream API-key quota denied; no upstream call made.
	KindQuotaExceeded Kind = "quota_exceeded"
	// KindInvalidRequest malformed body or unknown model.
	KindInvalidRequest Kind = "invalid_request"
	// KindNoCredential empty pool after exclusions.
	KindNoCredential Kind = "no_credential_available"
	// KindRefreshFailed terminal refresh failure; credential quarantined.
	KindRefreshFailed Kind = "refresh_failed"
	// KindCancelled downstream disconnected.
	KindCancelled Kind = "cancelled"
	// KindInternal everything else.
	KindInternal Kind = "internal"
)

// Error is the standardized error carried between the dispatcher and the
// HTTP layer. Status is the downstream HTTP status to surface.
type Error struct {
	Status  int
	Kind    Kind
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s (%d): %s", e.Kind, e.Status, e.Message)
}

// New builds an Error.
func New(status int, kind Kind, message string) *Error {
	return &Error{Status: status, Kind: kind, Message: message}
}

// Retryable reports whether the dispatcher should try another credential.
func (e *Error) Retryable() bool {
	switch e.Kind {
	case KindAuthRejected, KindRateLimited, KindTransient:
		return true
	}
	return false
}

// AffectsHealth reports whether the failing credential should be marked
// unhealthy. Transient upstream trouble leaves health untouched.
func (e *Error) AffectsHealth() bool {
	return e.Kind == KindAuthRejected || e.Kind == KindRateLimited
}
