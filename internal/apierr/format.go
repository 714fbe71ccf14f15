package apierr

import (
	"encoding/json"
	"net/http"
)

// Format selects the downstream error envelope shape.
type Format string

const (
	FormatOpenAI    Format = "openai"
	FormatAnthropic Format = "anthropic"
	FormatGemini    Format = "gemini"
)

// OpenAIEnvelope mirrors OpenAI's error envelope.
type OpenAIEnvelope struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    string `json:"code,omitempty"`
	} `json:"error"`
}

// AnthropicEnvelope mirrors the Anthropic Messages error envelope.
type AnthropicEnvelope struct {
	Type  string `json:"type"`
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

// GeminiEnvelope mirrors the Google API error structure.
type GeminiEnvelope struct {
	Error struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
		Status  string `json:"status"`
	} `json:"error"`
}

// ToJSON renders the error in the requested downstream format.
func (e *Error) ToJSON(format Format) []byte {
	switch format {
	case FormatAnthropic:
		env := AnthropicEnvelope{Type: "error"}
		env.Error.Type = e.anthropicType()
		env.Error.Message = e.Message
		b, _ := json.Marshal(env)
		return b
	case FormatGemini:
		env := GeminiEnvelope{}
		env.Error.Code = e.Status
		env.Error.Message = e.Message
		env.Error.Status = e.geminiStatus()
		b, _ := json.Marshal(env)
		return b
	default:
		env := OpenAIEnvelope{}
		env.Error.Message = e.Message
		env.Error.Type = e.openaiType()
		env.Error.Code = string(e.Kind)
		b, _ := json.Marshal(env)
		return b
	}
}

func (e *Error) openaiType() string {
	switch e.Kind {
	case KindAuthRejected:
		return "authentication_error"
	case KindRateLimited, KindQuotaExceeded:
		return "rate_limit_error"
	case KindInvalidRequest:
		return "invalid_request_error"
	default:
		return "server_error"
	}
}

func (e *Error) anthropicType() string {
	switch e.Kind {
	case KindAuthRejected:
		return "authentication_error"
	case KindRateLimited, KindQuotaExceeded:
		return "rate_limit_error"
	case KindInvalidRequest:
		return "invalid_request_error"
	case KindNoCredential, KindRefreshFailed, KindTransient:
		return "overloaded_error"
	default:
		return "api_error"
	}
}

func (e *Error) geminiStatus() string {
	switch e.Status {
	case http.StatusBadRequest:
		return "INVALID_ARGUMENT"
	case http.StatusUnauthorized:
		return "UNAUTHENTICATED"
	case http.StatusForbidden:
		return "PERMISSION_DENIED"
	case http.StatusNotFound:
		return "NOT_FOUND"
	case http.StatusTooManyRequests:
		return "RESOURCE_EXHAUSTED"
	case http.StatusServiceUnavailable:
		return "UNAVAILABLE"
	default:
		return "INTERNAL"
	}
}
