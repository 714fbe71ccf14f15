package relay

import "encoding/json"

// EventKind tags a normalized stream event. The set is closed: consumers
// switch exhaustively and treat unknown kinds as protocol errors.
type EventKind string

const (
	MessageStart      EventKind = "message_start"
	TextDelta         EventKind = "text_delta"
	ReasoningDelta    EventKind = "reasoning_delta"
	ToolUseStart      EventKind = "tool_use_start"
	ToolUseInputDelta EventKind = "tool_use_input_delta"
	ToolUseStop       EventKind = "tool_use_stop"
	UsageUpdate       EventKind = "usage_update"
	MessageStop       EventKind = "message_stop"
	ErrorEvent        EventKind = "error"
)

// Usage is the token accounting attached to UsageUpdate events. The final
// update wins.
type Usage struct {
	InputTokens  int64
	OutputTokens int64
}

// Event is one element of a normalized response stream.
//
// Invariants (enforced by EventValidator):
//   - exactly one MessageStart and one MessageStop per stream;
//   - every ToolUseStart is matched by a ToolUseStop with the same index;
//   - a text block closes before a tool-use block opens.
type Event struct {
	Kind EventKind

	// TextDelta / ReasoningDelta
	Text string

	// ToolUseStart
	ToolID   string
	ToolName string
	// ToolUseStart with a raw preview, and ToolUseInputDelta fragments.
	InputDelta string
	// ToolUseStop may carry the assembled input when the provider only
	// reports it whole.
	Input json.RawMessage

	// Block index for text and tool-use blocks.
	Index int

	// UsageUpdate
	Usage *Usage

	// MessageStop
	StopReason string

	// ErrorEvent
	Err error
}

// StopReason values carried by MessageStop.
const (
	StopEndTurn   = "end_turn"
	StopToolUse   = "tool_use"
	StopMaxTokens = "max_tokens"
)
