package relay

import "fmt"

// EventValidator checks the streaming invariants as events pass through.
// It is cheap enough to keep enabled in production paths and is the
// reference oracle for adapter tests.
type EventValidator struct {
	started    bool
	stopped    bool
	openBlocks map[int]EventKind
}

// NewEventValidator builds a validator for one stream.
func NewEventValidator() *EventValidator {
	return &EventValidator{openBlocks: make(map[int]EventKind)}
}

// Observe validates one event in sequence.
func (v *EventValidator) Observe(ev Event) error {
	switch ev.Kind {
	case MessageStart:
		if v.started {
			return fmt.Errorf("duplicate message_start")
		}
		v.started = true
	case MessageStop:
		if !v.started {
			return fmt.Errorf("message_stop before message_start")
		}
		if v.stopped {
			return fmt.Errorf("duplicate message_stop")
		}
		// Text blocks close implicitly at end of message; tool blocks must
		// have seen an explicit stop.
		for idx, kind := range v.openBlocks {
			if kind == TextDelta || kind == ReasoningDelta {
				delete(v.openBlocks, idx)
			}
		}
		if len(v.openBlocks) > 0 {
			return fmt.Errorf("message_stop with %d open tool blocks", len(v.openBlocks))
		}
		v.stopped = true
	case TextDelta, ReasoningDelta:
		if !v.started || v.stopped {
			return fmt.Errorf("%s outside message", ev.Kind)
		}
		v.openBlocks[ev.Index] = ev.Kind
	case ToolUseStart:
		if !v.started || v.stopped {
			return fmt.Errorf("tool_use_start outside message")
		}
		for idx, kind := range v.openBlocks {
			if kind == TextDelta || kind == ReasoningDelta {
				// Text blocks close implicitly when a tool block opens.
				delete(v.openBlocks, idx)
			}
		}
		if _, open := v.openBlocks[ev.Index]; open {
			return fmt.Errorf("tool_use_start reuses open index %d", ev.Index)
		}
		v.openBlocks[ev.Index] = ToolUseStart
	case ToolUseInputDelta:
		if v.openBlocks[ev.Index] != ToolUseStart {
			return fmt.Errorf("tool_use_input_delta for closed index %d", ev.Index)
		}
	case ToolUseStop:
		if v.openBlocks[ev.Index] != ToolUseStart {
			return fmt.Errorf("tool_use_stop without matching start at index %d", ev.Index)
		}
		delete(v.openBlocks, ev.Index)
	case UsageUpdate:
		if !v.started {
			return fmt.Errorf("usage_update before message_start")
		}
	case ErrorEvent:
		// Errors terminate the stream; no further bookkeeping.
	default:
		return fmt.Errorf("unknown event kind %q", ev.Kind)
	}
	return nil
}

// Done reports whether a complete, balanced message was observed. Text
// blocks never get explicit stops; open ones were already closed
// implicitly at message_stop.
func (v *EventValidator) Done() error {
	if !v.started {
		return fmt.Errorf("no message_start observed")
	}
	if !v.stopped {
		return fmt.Errorf("no message_stop observed")
	}
	return nil
}
