package orchids

import (
	"encoding/json"

	"all2api-go/internal/relay"

	"github.com/gorilla/websocket"
	"github.com/tidwall/gjson"
)

// protocolState tracks block indices across the event stream and services
// the fs_operation sub-protocol. Two event families describe tool calls:
// tool_call_preview frames carry growing input previews and never close
// their own block; a tool_call frame (input complete) closes it with the
// full input. A preview block without its tool_call is closed without input
// when text resumes, another tool's frame arrives, or the stream ends.
type protocolState struct {
	conn    *websocket.Conn
	pending []relay.Event

	blockIndex int
	textOpen   bool
	openToolID string
	openToolIdx int
	previewLen  int
	finished    bool
}

func newProtocolState(conn *websocket.Conn) *protocolState {
	return &protocolState{conn: conn, openToolIdx: -1}
}

func (p *protocolState) push(ev relay.Event) { p.pending = append(p.pending, ev) }

// handle processes one frame; returns true when the stream is complete.
func (p *protocolState) handle(data []byte) bool {
	root := gjson.ParseBytes(data)
	switch root.Get("type").String() {
	case "assistant_delta":
		if p.openToolIdx >= 0 {
			// Text resuming after a tool call means the preview block is
			// final; close it before opening a new text block.
			p.closeOpenTool(nil)
		}
		p.textOpen = true
		p.push(relay.Event{Kind: relay.TextDelta, Text: root.Get("content").String(), Index: p.blockIndex})

	case "thinking_delta":
		p.textOpen = true
		p.push(relay.Event{Kind: relay.ReasoningDelta, Text: root.Get("content").String(), Index: p.blockIndex})

	case "tool_call_preview":
		// Input preview: a block open for another tool is closed first;
		// this tool's block opens on first sight and receives the newly
		// revealed suffix, never a stop.
		toolID := root.Get("tool_call_id").String()
		preview := root.Get("input_preview").String()
		if p.openToolIdx < 0 || p.openToolID != toolID {
			p.closeOpenTool(nil)
			p.openBlockForTool(toolID, FromWireToolName(root.Get("name").String()))
		}
		if len(preview) > p.previewLen {
			p.push(relay.Event{Kind: relay.ToolUseInputDelta, InputDelta: preview[p.previewLen:], Index: p.openToolIdx})
			p.previewLen = len(preview)
		}

	case "tool_call":
		// Input complete: close (or open-and-close) with the full input.
		toolID := root.Get("tool_call_id").String()
		input := root.Get("input").Raw
		if input == "" {
			input = "{}"
		}
		if p.openToolIdx >= 0 && p.openToolID == toolID {
			p.closeOpenTool([]byte(input))
		} else {
			p.closeOpenTool(nil)
			p.openBlockForTool(toolID, FromWireToolName(root.Get("name").String()))
			p.closeOpenTool([]byte(input))
		}

	case "fs_operation":
		// The proxy does not execute filesystem ops; report success so the
		// upstream keeps streaming.
		p.replyFsOperation(root)

	case "usage":
		p.push(relay.Event{Kind: relay.UsageUpdate, Usage: &relay.Usage{
			InputTokens:  root.Get("input_tokens").Int(),
			OutputTokens: root.Get("output_tokens").Int(),
		}})

	case "done":
		p.closeOpenTool(nil)
		if u := root.Get("usage"); u.Exists() {
			p.push(relay.Event{Kind: relay.UsageUpdate, Usage: &relay.Usage{
				InputTokens:  u.Get("input_tokens").Int(),
				OutputTokens: u.Get("output_tokens").Int(),
			}})
		}
		reason := root.Get("stop_reason").String()
		if reason == "" {
			reason = relay.StopEndTurn
		}
		p.push(relay.Event{Kind: relay.MessageStop, StopReason: reason})
		p.finished = true
		return true

	case "error":
		p.forceStop()
		return true
	}
	return false
}

func (p *protocolState) openBlockForTool(toolID, name string) {
	if p.textOpen {
		p.textOpen = false
		p.blockIndex++
	}
	p.openToolIdx = p.blockIndex
	p.openToolID = toolID
	p.previewLen = 0
	p.push(relay.Event{
		Kind:     relay.ToolUseStart,
		ToolID:   toolID,
		ToolName: name,
		Index:    p.openToolIdx,
	})
}

// closeOpenTool emits the stop for the open tool block, attaching the full
// input when the final frame supplied one.
func (p *protocolState) closeOpenTool(input []byte) {
	if p.openToolIdx < 0 {
		return
	}
	ev := relay.Event{Kind: relay.ToolUseStop, Index: p.openToolIdx}
	if len(input) > 0 {
		ev.Input = input
	}
	p.push(ev)
	p.openToolIdx = -1
	p.openToolID = ""
	p.previewLen = 0
	p.blockIndex++
}

// forceStop balances the stream when the upstream ends abnormally.
func (p *protocolState) forceStop() {
	if p.finished {
		return
	}
	p.closeOpenTool(nil)
	p.push(relay.Event{Kind: relay.MessageStop, StopReason: relay.StopEndTurn})
	p.finished = true
}

// replyFsOperation answers an fs_operation request with a synthetic
// success. The reported byte counts are fabricated; refusing to answer is
// known to abort the stream.
func (p *protocolState) replyFsOperation(root gjson.Result) {
	reply := map[string]interface{}{
		"type":         "fs_operation_response",
		"operation_id": root.Get("operation_id").String(),
		"success":      true,
	}
	switch root.Get("op").String() {
	case "read":
		reply["content"] = ""
		reply["bytes_read"] = 0
	case "write":
		reply["bytes_written"] = len(root.Get("content").String())
	default:
		reply["result"] = "ok"
	}
	data, err := json.Marshal(reply)
	if err != nil {
		logDroppedFrame("fs_operation_response", err)
		return
	}
	if err := p.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		logDroppedFrame("fs_operation_response", err)
	}
}

// FromWireToolName normalizes the upstream tool identifier. The orchids
// protocol uses Anthropic-style names already; anything unrecognized passes
// through so MCP tools survive.
func FromWireToolName(name string) string {
	return name
}
