// Package relay defines the normalized chat request and the event stream
// exchanged between protocol translators and provider adapters. Every
// downstream format parses into ChatRequest; every upstream stream is
// surfaced as a sequence of Event values.
package relay

import "encoding/json"

// Role of a conversation turn.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// PartKind tags a message part.
type PartKind string

const (
	PartText       PartKind = "text"
	PartToolUse    PartKind = "tool_use"
	PartToolResult PartKind = "tool_result"
)

// Part is one content block inside a turn.
type Part struct {
	Kind PartKind

	// PartText
	Text string

	// PartToolUse
	ToolID    string
	ToolName  string
	ToolInput json.RawMessage

	// PartToolResult
	ResultFor string // tool-use id this result answers
	Result    string
	IsError   bool
}

// Turn is one conversation message.
type Turn struct {
	Role  Role
	Parts []Part
}

// Tool is a normalized tool definition.
type Tool struct {
	Name        string
	Description string
	InputSchema json.RawMessage
}

// ChatRequest is the provider-independent form of a downstream request.
type ChatRequest struct {
	Model       string
	System      string
	Turns       []Turn
	Tools       []Tool
	MaxTokens   int
	Temperature *float64
	TopP        *float64
	Stream      bool

	// ToolNames maps tool-use ids seen in assistant turns to tool names,
	// so tool_result blocks can be reassembled in the upstream shape.
	ToolNames map[string]string
}

// RegisterToolUse records a tool-use id so later results resolve its name.
func (r *ChatRequest) RegisterToolUse(id, name string) {
	if id == "" {
		return
	}
	if r.ToolNames == nil {
		r.ToolNames = make(map[string]string)
	}
	r.ToolNames[id] = name
}

// ToolNameFor resolves the tool name a result id belongs to.
func (r *ChatRequest) ToolNameFor(id string) string {
	if r.ToolNames == nil {
		return ""
	}
	return r.ToolNames[id]
}
