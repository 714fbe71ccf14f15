// Package agent is the protobuf-over-SSE command-agent provider adapter.
// The wire schema is a fixed, versioned contract; the codec below encodes
// and decodes it directly with protowire, so schema changes stay local to
// this package and never leak into the downstream API shape.
package agent

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// ToolType mirrors the provider's tool enum.
type ToolType int32

const (
	ToolTypeUnspecified ToolType = 0
	ToolTypeShell       ToolType = 1
	ToolTypeReadFiles   ToolType = 2
	ToolTypeFileDiffs   ToolType = 3
	ToolTypeGrep        ToolType = 4
	ToolTypeGlob        ToolType = 5
	ToolTypeMCP         ToolType = 6
)

// Message is one conversation entry inside a Task.
//
//	message Message {
//	  string role      = 1;
//	  string content   = 2;
//	  repeated ToolCallRecord tool_calls = 3;
//	}
type Message struct {
	Role      string
	Content   string
	ToolCalls []ToolCallRecord
}

// ToolCallRecord is a historic tool invocation replayed to the agent.
//
//	message ToolCallRecord {
//	  ToolType type   = 1;
//	  string call_id  = 2;
//	  string name     = 3;
//	  string args_json = 4;
//	  bool is_read_only = 5;
//	  bool is_risky     = 6;
//	}
type ToolCallRecord struct {
	Type       ToolType
	CallID     string
	Name       string
	ArgsJSON   string
	IsReadOnly bool
	IsRisky    bool
}

// FileContent is one entry of the request's input context.
type FileContent struct {
	Path    string
	Content []byte
}

// Request is the top-level upstream request.
//
//	message Request {
//	  Task task              = 1;  // Task { repeated Message messages = 1; string id = 2; }
//	  InputContext input     = 2;  // InputContext { repeated FileContent files = 1; }
//	  Settings settings      = 3;  // Settings { string model = 1; int32 max_tokens = 2; }
//	}
type Request struct {
	Messages  []Message
	TaskID    string
	Files     []FileContent
	Model     string
	MaxTokens int32
}

// Usage carries the token counts on stream_finished.
type Usage struct {
	InputTokens  int64
	OutputTokens int64
}

// ResponseEvent is one decoded upstream event. Exactly one payload field
// is set, mirroring the oneof:
//
//	message ResponseEvent {
//	  oneof payload {
//	    Init init                     = 1;
//	    AgentOutput agent_output      = 2;  // { string text = 1; }
//	    ToolCallEvent tool_call       = 3;  // shape of ToolCallRecord
//	    StreamFinished stream_finished = 4; // { string stop_reason = 1; Usage usage = 2; }
//	  }
//	}
type ResponseEvent struct {
	Init           bool
	AgentOutput    string
	ToolCall       *ToolCallRecord
	StreamFinished *StreamFinished
}

// StreamFinished terminates the stream.
type StreamFinished struct {
	StopReason string
	Usage      Usage
}

func appendStringField(b []byte, num protowire.Number, s string) []byte {
	if s == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}

func appendBoolField(b []byte, num protowire.Number, v bool) []byte {
	if !v {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, 1)
}

func appendMessageField(b []byte, num protowire.Number, body []byte) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, body)
}

func marshalToolCall(tc ToolCallRecord) []byte {
	var b []byte
	if tc.Type != ToolTypeUnspecified {
		b = protowire.AppendTag(b, 1, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(tc.Type))
	}
	b = appendStringField(b, 2, tc.CallID)
	b = appendStringField(b, 3, tc.Name)
	b = appendStringField(b, 4, tc.ArgsJSON)
	b = appendBoolField(b, 5, tc.IsReadOnly)
	b = appendBoolField(b, 6, tc.IsRisky)
	return b
}

func marshalMessage(m Message) []byte {
	var b []byte
	b = appendStringField(b, 1, m.Role)
	b = appendStringField(b, 2, m.Content)
	for _, tc := range m.ToolCalls {
		b = appendMessageField(b, 3, marshalToolCall(tc))
	}
	return b
}

// MarshalRequest encodes a Request in wire format.
func MarshalRequest(req *Request) []byte {
	var task []byte
	for _, m := range req.Messages {
		task = appendMessageField(task, 1, marshalMessage(m))
	}
	task = appendStringField(task, 2, req.TaskID)

	var input []byte
	for _, f := range req.Files {
		var fc []byte
		fc = appendStringField(fc, 1, f.Path)
		if len(f.Content) > 0 {
			fc = protowire.AppendTag(fc, 2, protowire.BytesType)
			fc = protowire.AppendBytes(fc, f.Content)
		}
		input = appendMessageField(input, 1, fc)
	}

	var settings []byte
	settings = appendStringField(settings, 1, req.Model)
	if req.MaxTokens > 0 {
		settings = protowire.AppendTag(settings, 2, protowire.VarintType)
		settings = protowire.AppendVarint(settings, uint64(req.MaxTokens))
	}

	var b []byte
	b = appendMessageField(b, 1, task)
	if len(input) > 0 {
		b = appendMessageField(b, 2, input)
	}
	if len(settings) > 0 {
		b = appendMessageField(b, 3, settings)
	}
	return b
}

type fieldVisitor func(num protowire.Number, typ protowire.Type, value []byte, varint uint64) error

// walkFields iterates a wire-format message, handing each field to visit.
func walkFields(b []byte, visit fieldVisitor) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]
		switch typ {
		case protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return protowire.ParseError(n)
			}
			if err := visit(num, typ, nil, v); err != nil {
				return err
			}
			b = b[n:]
		case protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return protowire.ParseError(n)
			}
			if err := visit(num, typ, v, 0); err != nil {
				return err
			}
			b = b[n:]
		case protowire.Fixed32Type:
			_, n := protowire.ConsumeFixed32(b)
			if n < 0 {
				return protowire.ParseError(n)
			}
			b = b[n:]
		case protowire.Fixed64Type:
			_, n := protowire.ConsumeFixed64(b)
			if n < 0 {
				return protowire.ParseError(n)
			}
			b = b[n:]
		default:
			return fmt.Errorf("agent codec: unsupported wire type %d", typ)
		}
	}
	return nil
}

func unmarshalToolCall(b []byte) (*ToolCallRecord, error) {
	tc := &ToolCallRecord{}
	err := walkFields(b, func(num protowire.Number, typ protowire.Type, value []byte, varint uint64) error {
		switch num {
		case 1:
			tc.Type = ToolType(varint)
		case 2:
			tc.CallID = string(value)
		case 3:
			tc.Name = string(value)
		case 4:
			tc.ArgsJSON = string(value)
		case 5:
			tc.IsReadOnly = varint == 1
		case 6:
			tc.IsRisky = varint == 1
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return tc, nil
}

// UnmarshalResponseEvent decodes one ResponseEvent.
func UnmarshalResponseEvent(b []byte) (*ResponseEvent, error) {
	ev := &ResponseEvent{}
	err := walkFields(b, func(num protowire.Number, typ protowire.Type, value []byte, varint uint64) error {
		switch num {
		case 1:
			ev.Init = true
		case 2:
			return walkFields(value, func(inner protowire.Number, _ protowire.Type, v []byte, _ uint64) error {
				if inner == 1 {
					ev.AgentOutput = string(v)
				}
				return nil
			})
		case 3:
			tc, err := unmarshalToolCall(value)
			if err != nil {
				return err
			}
			ev.ToolCall = tc
		case 4:
			fin := &StreamFinished{}
			err := walkFields(value, func(inner protowire.Number, _ protowire.Type, v []byte, varint uint64) error {
				switch inner {
				case 1:
					fin.StopReason = string(v)
				case 2:
					return walkFields(v, func(un protowire.Number, _ protowire.Type, _ []byte, uv uint64) error {
						switch un {
						case 1:
							fin.Usage.InputTokens = int64(uv)
						case 2:
							fin.Usage.OutputTokens = int64(uv)
						}
						return nil
					})
				}
				return nil
			})
			if err != nil {
				return err
			}
			ev.StreamFinished = fin
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return ev, nil
}

// marshalResponseEvent is the inverse of UnmarshalResponseEvent; fixtures
// and tests build upstream streams with it.
func marshalResponseEvent(ev *ResponseEvent) []byte {
	var b []byte
	if ev.Init {
		b = appendMessageField(b, 1, nil)
	}
	if ev.AgentOutput != "" {
		var out []byte
		out = appendStringField(out, 1, ev.AgentOutput)
		b = appendMessageField(b, 2, out)
	}
	if ev.ToolCall != nil {
		b = appendMessageField(b, 3, marshalToolCall(*ev.ToolCall))
	}
	if ev.StreamFinished != nil {
		var fin []byte
		fin = appendStringField(fin, 1, ev.StreamFinished.StopReason)
		var usage []byte
		if ev.StreamFinished.Usage.InputTokens > 0 {
			usage = protowire.AppendTag(usage, 1, protowire.VarintType)
			usage = protowire.AppendVarint(usage, uint64(ev.StreamFinished.Usage.InputTokens))
		}
		if ev.StreamFinished.Usage.OutputTokens > 0 {
			usage = protowire.AppendTag(usage, 2, protowire.VarintType)
			usage = protowire.AppendVarint(usage, uint64(ev.StreamFinished.Usage.OutputTokens))
		}
		if len(usage) > 0 {
			fin = appendMessageField(fin, 2, usage)
		}
		b = appendMessageField(b, 4, fin)
	}
	return b
}
