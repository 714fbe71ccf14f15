package apierr

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
)

// revealingFragments are upstream 403 message fragments that leak the
// brokering implementation; they are rewritten before reaching callers.
var revealingFragments = []string{
	"AccessDeniedException",
	"Please run /login",
	"CodeWhisperer",
	"kiro",
	"cloudcode-pa",
}

const rewrittenMessage = "service temporarily unavailable"

// FromUpstreamStatus maps an upstream HTTP status + body to a classified Error.
func FromUpstreamStatus(statusCode int, upstreamBody []byte) *Error {
	msg := Sanitize(extractUpstreamMessage(upstreamBody))

	switch {
	case statusCode == http.StatusUnauthorized || statusCode == http.StatusForbidden:
		return New(statusCode, KindAuthRejected, firstNonEmpty(msg, "upstream rejected credentials"))
	case statusCode == http.StatusTooManyRequests:
		return New(statusCode, KindRateLimited, firstNonEmpty(msg, "upstream rate limit exceeded"))
	case statusCode >= 500:
		return New(statusCode, KindTransient, firstNonEmpty(msg, fmt.Sprintf("upstream error %d", statusCode)))
	case statusCode == http.StatusBadRequest:
		return New(statusCode, KindInvalidRequest, firstNonEmpty(msg, "invalid request"))
	default:
		return New(statusCode, KindInternal, firstNonEmpty(msg, fmt.Sprintf("upstream error %d", statusCode)))
	}
}

// FromTransportError classifies a network-level failure of an upstream call.
func FromTransportError(err error) *Error {
	if errors.Is(err, context.Canceled) {
		return New(499, KindCancelled, "client closed request")
	}
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return New(http.StatusGatewayTimeout, KindTransient, "upstream timeout")
	}
	return New(http.StatusBadGateway, KindTransient, Sanitize(err.Error()))
}

// AsError coerces an arbitrary error into *Error; errors that are not
// already classified go through FromTransportError (cancelled or transient).
func AsError(err error) *Error {
	var ae *Error
	if errors.As(err, &ae) {
		return ae
	}
	return FromTransportError(err)
}

// Sanitize rewrites implementation-revealing upstream messages.
func Sanitize(msg string) string {
	for _, frag := range revealingFragments {
		if strings.Contains(msg, frag) {
			return rewrittenMessage
		}
	}
	return msg
}

func extractUpstreamMessage(body []byte) string {
	if len(body) == 0 {
		return ""
	}
	var jsonErr map[string]interface{}
	if err := json.Unmarshal(body, &jsonErr); err == nil {
		if errObj, ok := jsonErr["error"].(map[string]interface{}); ok {
			if msg, ok := errObj["message"].(string); ok && msg != "" {
				return msg
			}
		}
		if msg, ok := jsonErr["message"].(string); ok && msg != "" {
			return msg
		}
	}
	msg := string(body)
	if len(msg) > 200 {
		return msg[:200] + "..."
	}
	return msg
}

func firstNonEmpty(strs ...string) string {
	for _, s := range strs {
		if s != "" {
			return s
		}
	}
	return ""
}
