package translator

import (
	"encoding/json"
	"fmt"
	"strings"

	"all2api-go/internal/relay"

	"github.com/tidwall/gjson"
)

// ParseAnthropicRequest normalizes an Anthropic Messages request body.
func ParseAnthropicRequest(rawJSON []byte) (*relay.ChatRequest, error) {
	if !gjson.ValidBytes(rawJSON) {
		return nil, fmt.Errorf("invalid JSON body")
	}
	root := gjson.ParseBytes(rawJSON)
	model := root.Get("model").String()
	if model == "" {
		return nil, fmt.Errorf("model is required")
	}

	req := &relay.ChatRequest{
		Model:     model,
		MaxTokens: int(root.Get("max_tokens").Int()),
		Stream:    root.Get("stream").Bool(),
	}
	if t := root.Get("temperature"); t.Exists() {
		v := t.Float()
		req.Temperature = &v
	}
	if t := root.Get("top_p"); t.Exists() {
		v := t.Float()
		req.TopP = &v
	}

	// system: plain string or an array of text blocks.
	if sys := root.Get("system"); sys.Exists() {
		if sys.IsArray() {
			var parts []string
			for _, blk := range sys.Array() {
				if txt := blk.Get("text").String(); txt != "" {
					parts = append(parts, txt)
				}
			}
			req.System = strings.Join(parts, "\n")
		} else {
			req.System = sys.String()
		}
	}

	for _, tool := range root.Get("tools").Array() {
		schema := tool.Get("input_schema")
		req.Tools = append(req.Tools, relay.Tool{
			Name:        tool.Get("name").String(),
			Description: tool.Get("description").String(),
			InputSchema: json.RawMessage(schema.Raw),
		})
	}

	for _, msg := range root.Get("messages").Array() {
		role := relay.Role(msg.Get("role").String())
		if role != relay.RoleUser && role != relay.RoleAssistant {
			return nil, fmt.Errorf("unsupported message role %q", role)
		}
		turn := relay.Turn{Role: role}
		content := msg.Get("content")
		if !content.IsArray() {
			turn.Parts = append(turn.Parts, relay.Part{Kind: relay.PartText, Text: content.String()})
			req.Turns = append(req.Turns, turn)
			continue
		}
		for _, blk := range content.Array() {
			switch blk.Get("type").String() {
			case "text":
				turn.Parts = append(turn.Parts, relay.Part{Kind: relay.PartText, Text: blk.Get("text").String()})
			case "tool_use":
				id := blk.Get("id").String()
				name := blk.Get("name").String()
				req.RegisterToolUse(id, name)
				turn.Parts = append(turn.Parts, relay.Part{
					Kind:      relay.PartToolUse,
					ToolID:    id,
					ToolName:  name,
					ToolInput: json.RawMessage(blk.Get("input").Raw),
				})
			case "tool_result":
				turn.Parts = append(turn.Parts, relay.Part{
					Kind:      relay.PartToolResult,
					ResultFor: blk.Get("tool_use_id").String(),
					Result:    flattenToolResult(blk.Get("content")),
					IsError:   blk.Get("is_error").Bool(),
				})
			case "thinking":
				// Thinking blocks from prior assistant turns are dropped;
				// providers re-derive their own reasoning.
			default:
				turn.Parts = append(turn.Parts, relay.Part{Kind: relay.PartText, Text: blk.Get("text").String()})
			}
		}
		req.Turns = append(req.Turns, turn)
	}

	if len(req.Turns) == 0 {
		return nil, fmt.Errorf("messages must not be empty")
	}
	return req, nil
}

// flattenToolResult renders a tool_result content field (string or block
// array) to plain text.
func flattenToolResult(content gjson.Result) string {
	if !content.Exists() {
		return ""
	}
	if !content.IsArray() {
		return content.String()
	}
	var parts []string
	for _, blk := range content.Array() {
		if txt := blk.Get("text").String(); txt != "" {
			parts = append(parts, txt)
		}
	}
	return strings.Join(parts, "\n")
}

// BuildAnthropicRequest renders the internal form back into an Anthropic
// Messages request body. Parse and Build compose to the identity for all
// supported fields.
func BuildAnthropicRequest(req *relay.ChatRequest) ([]byte, error) {
	body := map[string]interface{}{
		"model":      req.Model,
		"max_tokens": req.MaxTokens,
	}
	if req.Stream {
		body["stream"] = true
	}
	if req.System != "" {
		body["system"] = req.System
	}
	if req.Temperature != nil {
		body["temperature"] = *req.Temperature
	}
	if req.TopP != nil {
		body["top_p"] = *req.TopP
	}
	if len(req.Tools) > 0 {
		tools := make([]interface{}, 0, len(req.Tools))
		for _, t := range req.Tools {
			tool := map[string]interface{}{"name": t.Name}
			if t.Description != "" {
				tool["description"] = t.Description
			}
			if len(t.InputSchema) > 0 {
				tool["input_schema"] = json.RawMessage(t.InputSchema)
			}
			tools = append(tools, tool)
		}
		body["tools"] = tools
	}

	messages := make([]interface{}, 0, len(req.Turns))
	for _, turn := range req.Turns {
		blocks := make([]interface{}, 0, len(turn.Parts))
		for _, p := range turn.Parts {
			switch p.Kind {
			case relay.PartText:
				blocks = append(blocks, map[string]interface{}{"type": "text", "text": p.Text})
			case relay.PartToolUse:
				input := p.ToolInput
				if len(input) == 0 {
					input = json.RawMessage(`{}`)
				}
				blocks = append(blocks, map[string]interface{}{
					"type":  "tool_use",
					"id":    p.ToolID,
					"name":  p.ToolName,
					"input": input,
				})
			case relay.PartToolResult:
				blk := map[string]interface{}{
					"type":        "tool_result",
					"tool_use_id": p.ResultFor,
					"content":     p.Result,
				}
				if p.IsError {
					blk["is_error"] = true
				}
				blocks = append(blocks, blk)
			}
		}
		messages = append(messages, map[string]interface{}{
			"role":    string(turn.Role),
			"content": blocks,
		})
	}
	body["messages"] = messages
	return json.Marshal(body)
}

// AnthropicEmitter renders normalized events as Anthropic Messages SSE.
type AnthropicEmitter struct {
	msgID string
	model string

	openIndex  int // index of the currently open content block, -1 if none
	openKind   relay.EventKind
	usage      relay.Usage
	stopReason string
}

// NewAnthropicEmitter builds the stateful SSE renderer for one response.
func NewAnthropicEmitter(msgID, model string) *AnthropicEmitter {
	return &AnthropicEmitter{msgID: msgID, model: model, openIndex: -1}
}

func jsonFrame(event string, payload interface{}) Frame {
	data, _ := json.Marshal(payload)
	return Frame{Event: event, Data: data}
}

// Emit converts one event into zero or more SSE frames.
func (e *AnthropicEmitter) Emit(ev relay.Event) []Frame {
	switch ev.Kind {
	case relay.MessageStart:
		return []Frame{
			jsonFrame("message_start", map[string]interface{}{
				"type": "message_start",
				"message": map[string]interface{}{
					"id":            e.msgID,
					"type":          "message",
					"role":          "assistant",
					"model":         e.model,
					"content":       []interface{}{},
					"stop_reason":   nil,
					"stop_sequence": nil,
					"usage":         map[string]int64{"input_tokens": 0, "output_tokens": 0},
				},
			}),
			jsonFrame("ping", map[string]string{"type": "ping"}),
		}

	case relay.TextDelta, relay.ReasoningDelta:
		var frames []Frame
		if e.openIndex != ev.Index || e.openKind != ev.Kind {
			frames = append(frames, e.closeOpenBlock()...)
			blockBody := map[string]interface{}{"type": "text", "text": ""}
			if ev.Kind == relay.ReasoningDelta {
				blockBody = map[string]interface{}{"type": "thinking", "thinking": ""}
			}
			frames = append(frames, jsonFrame("content_block_start", map[string]interface{}{
				"type":          "content_block_start",
				"index":         ev.Index,
				"content_block": blockBody,
			}))
			e.openIndex = ev.Index
			e.openKind = ev.Kind
		}
		deltaType := "text_delta"
		delta := map[string]interface{}{"type": deltaType, "text": ev.Text}
		if ev.Kind == relay.ReasoningDelta {
			delta = map[string]interface{}{"type": "thinking_delta", "thinking": ev.Text}
		}
		frames = append(frames, jsonFrame("content_block_delta", map[string]interface{}{
			"type":  "content_block_delta",
			"index": ev.Index,
			"delta": delta,
		}))
		return frames

	case relay.ToolUseStart:
		frames := e.closeOpenBlock()
		frames = append(frames, jsonFrame("content_block_start", map[string]interface{}{
			"type":  "content_block_start",
			"index": ev.Index,
			"content_block": map[string]interface{}{
				"type":  "tool_use",
				"id":    ev.ToolID,
				"name":  ev.ToolName,
				"input": map[string]interface{}{},
			},
		}))
		e.openIndex = ev.Index
		e.openKind = relay.ToolUseStart
		if ev.InputDelta != "" {
			frames = append(frames, e.inputDeltaFrame(ev.Index, ev.InputDelta))
		}
		return frames

	case relay.ToolUseInputDelta:
		return []Frame{e.inputDeltaFrame(ev.Index, ev.InputDelta)}

	case relay.ToolUseStop:
		var frames []Frame
		if len(ev.Input) > 0 {
			// Provider reported the whole input at stop time.
			frames = append(frames, e.inputDeltaFrame(ev.Index, string(ev.Input)))
		}
		frames = append(frames, jsonFrame("content_block_stop", map[string]interface{}{
			"type":  "content_block_stop",
			"index": ev.Index,
		}))
		if e.openIndex == ev.Index {
			e.openIndex = -1
		}
		e.stopReason = relay.StopToolUse
		return frames

	case relay.UsageUpdate:
		if ev.Usage != nil {
			e.usage = *ev.Usage
		}
		return nil

	case relay.MessageStop:
		frames := e.closeOpenBlock()
		reason := ev.StopReason
		if reason == "" {
			reason = e.stopReason
		}
		if reason == "" {
			reason = relay.StopEndTurn
		}
		frames = append(frames,
			jsonFrame("message_delta", map[string]interface{}{
				"type":  "message_delta",
				"delta": map[string]interface{}{"stop_reason": reason, "stop_sequence": nil},
				"usage": map[string]int64{
					"input_tokens":  e.usage.InputTokens,
					"output_tokens": e.usage.OutputTokens,
				},
			}),
			jsonFrame("message_stop", map[string]string{"type": "message_stop"}),
		)
		return frames

	case relay.ErrorEvent:
		msg := "stream error"
		if ev.Err != nil {
			msg = ev.Err.Error()
		}
		return []Frame{jsonFrame("error", map[string]interface{}{
			"type":  "error",
			"error": map[string]string{"type": "api_error", "message": msg},
		})}
	}
	return nil
}

func (e *AnthropicEmitter) inputDeltaFrame(index int, partial string) Frame {
	return jsonFrame("content_block_delta", map[string]interface{}{
		"type":  "content_block_delta",
		"index": index,
		"delta": map[string]interface{}{"type": "input_json_delta", "partial_json": partial},
	})
}

func (e *AnthropicEmitter) closeOpenBlock() []Frame {
	if e.openIndex < 0 {
		return nil
	}
	if e.openKind == relay.ToolUseStart {
		// Tool blocks close only on their explicit stop event.
		return nil
	}
	frame := jsonFrame("content_block_stop", map[string]interface{}{
		"type":  "content_block_stop",
		"index": e.openIndex,
	})
	e.openIndex = -1
	return []Frame{frame}
}

// CollectAnthropicMessage assembles a non-streaming Messages response from
// a drained event sequence.
func CollectAnthropicMessage(msgID, model string, events []relay.Event) ([]byte, error) {
	type block struct {
		Type     string          `json:"type"`
		Text     string          `json:"text,omitempty"`
		Thinking string          `json:"thinking,omitempty"`
		ID       string          `json:"id,omitempty"`
		Name     string          `json:"name,omitempty"`
		Input    json.RawMessage `json:"input,omitempty"`
	}

	blocks := make(map[int]*block)
	inputBuf := make(map[int]*strings.Builder)
	var order []int
	var usage relay.Usage
	stopReason := relay.StopEndTurn

	for _, ev := range events {
		switch ev.Kind {
		case relay.TextDelta:
			b, ok := blocks[ev.Index]
			if !ok {
				b = &block{Type: "text"}
				blocks[ev.Index] = b
				order = append(order, ev.Index)
			}
			b.Text += ev.Text
		case relay.ReasoningDelta:
			b, ok := blocks[ev.Index]
			if !ok {
				b = &block{Type: "thinking"}
				blocks[ev.Index] = b
				order = append(order, ev.Index)
			}
			b.Thinking += ev.Text
		case relay.ToolUseStart:
			b := &block{Type: "tool_use", ID: ev.ToolID, Name: ev.ToolName}
			blocks[ev.Index] = b
			order = append(order, ev.Index)
			buf := &strings.Builder{}
			buf.WriteString(ev.InputDelta)
			inputBuf[ev.Index] = buf
			stopReason = relay.StopToolUse
		case relay.ToolUseInputDelta:
			if buf, ok := inputBuf[ev.Index]; ok {
				buf.WriteString(ev.InputDelta)
			}
		case relay.ToolUseStop:
			if b, ok := blocks[ev.Index]; ok {
				raw := ""
				if buf, ok := inputBuf[ev.Index]; ok {
					raw = buf.String()
				}
				if len(ev.Input) > 0 {
					raw = string(ev.Input)
				}
				if raw == "" {
					raw = "{}"
				}
				if json.Valid([]byte(raw)) {
					b.Input = json.RawMessage(raw)
				} else {
					b.Input = json.RawMessage(`{}`)
				}
			}
		case relay.UsageUpdate:
			if ev.Usage != nil {
				usage = *ev.Usage
			}
		case relay.MessageStop:
			if ev.StopReason != "" {
				stopReason = ev.StopReason
			}
		}
	}

	content := make([]interface{}, 0, len(order))
	for _, idx := range order {
		content = append(content, blocks[idx])
	}

	return json.Marshal(map[string]interface{}{
		"id":            msgID,
		"type":          "message",
		"role":          "assistant",
		"model":         model,
		"content":       content,
		"stop_reason":   stopReason,
		"stop_sequence": nil,
		"usage": map[string]int64{
			"input_tokens":  usage.InputTokens,
			"output_tokens": usage.OutputTokens,
		},
	})
}
