package translator

import (
	"encoding/json"
	"fmt"
	"strings"

	"all2api-go/internal/relay"

	"github.com/tidwall/gjson"
)

// ParseOpenAIRequest normalizes an OpenAI chat-completions request body.
// system/developer messages fold into the system prompt; assistant
// tool_calls become tool-use parts; role:tool messages become tool results.
func ParseOpenAIRequest(rawJSON []byte) (*relay.ChatRequest, error) {
	if !gjson.ValidBytes(rawJSON) {
		return nil, fmt.Errorf("invalid JSON body")
	}
	root := gjson.ParseBytes(rawJSON)
	model := root.Get("model").String()
	if model == "" {
		return nil, fmt.Errorf("model is required")
	}

	req := &relay.ChatRequest{
		Model:  model,
		Stream: root.Get("stream").Bool(),
	}
	if mt := root.Get("max_tokens"); mt.Exists() {
		req.MaxTokens = int(mt.Int())
	} else if mt := root.Get("max_completion_tokens"); mt.Exists() {
		req.MaxTokens = int(mt.Int())
	}
	if t := root.Get("temperature"); t.Exists() {
		v := t.Float()
		req.Temperature = &v
	}
	if t := root.Get("top_p"); t.Exists() {
		v := t.Float()
		req.TopP = &v
	}

	for _, tool := range root.Get("tools").Array() {
		if tool.Get("type").String() != "function" {
			continue
		}
		fn := tool.Get("function")
		req.Tools = append(req.Tools, relay.Tool{
			Name:        fn.Get("name").String(),
			Description: fn.Get("description").String(),
			InputSchema: json.RawMessage(fn.Get("parameters").Raw),
		})
	}

	var systemParts []string
	for _, msg := range root.Get("messages").Array() {
		role := msg.Get("role").String()
		content := msg.Get("content")

		switch role {
		case "system", "developer":
			systemParts = append(systemParts, openaiContentText(content))

		case "user":
			req.Turns = append(req.Turns, relay.Turn{
				Role:  relay.RoleUser,
				Parts: []relay.Part{{Kind: relay.PartText, Text: openaiContentText(content)}},
			})

		case "assistant":
			turn := relay.Turn{Role: relay.RoleAssistant}
			if txt := openaiContentText(content); txt != "" {
				turn.Parts = append(turn.Parts, relay.Part{Kind: relay.PartText, Text: txt})
			}
			for _, tc := range msg.Get("tool_calls").Array() {
				if tc.Get("type").String() != "function" {
					continue
				}
				id := tc.Get("id").String()
				name := tc.Get("function.name").String()
				req.RegisterToolUse(id, name)
				args := tc.Get("function.arguments").String()
				if args == "" {
					args = "{}"
				}
				turn.Parts = append(turn.Parts, relay.Part{
					Kind:      relay.PartToolUse,
					ToolID:    id,
					ToolName:  name,
					ToolInput: json.RawMessage(args),
				})
			}
			if len(turn.Parts) > 0 {
				req.Turns = append(req.Turns, turn)
			}

		case "tool":
			req.Turns = append(req.Turns, relay.Turn{
				Role: relay.RoleUser,
				Parts: []relay.Part{{
					Kind:      relay.PartToolResult,
					ResultFor: msg.Get("tool_call_id").String(),
					Result:    openaiContentText(content),
				}},
			})

		default:
			return nil, fmt.Errorf("unsupported message role %q", role)
		}
	}
	req.System = strings.Join(systemParts, "\n")

	if len(req.Turns) == 0 {
		return nil, fmt.Errorf("messages must not be empty")
	}
	return req, nil
}

// openaiContentText flattens a content field that may be a string or an
// array of typed parts.
func openaiContentText(content gjson.Result) string {
	if !content.Exists() || content.Type == gjson.Null {
		return ""
	}
	if !content.IsArray() {
		return content.String()
	}
	var parts []string
	for _, p := range content.Array() {
		if p.Get("type").String() == "text" {
			parts = append(parts, p.Get("text").String())
		}
	}
	return strings.Join(parts, "\n")
}

// BuildOpenAIRequest renders the internal form back into an OpenAI chat
// request. Composes with ParseOpenAIRequest to the identity modulo model
// aliasing and system-message folding.
func BuildOpenAIRequest(req *relay.ChatRequest) ([]byte, error) {
	body := map[string]interface{}{"model": req.Model}
	if req.Stream {
		body["stream"] = true
	}
	if req.MaxTokens > 0 {
		body["max_tokens"] = req.MaxTokens
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
			fn := map[string]interface{}{"name": t.Name}
			if t.Description != "" {
				fn["description"] = t.Description
			}
			if len(t.InputSchema) > 0 {
				fn["parameters"] = json.RawMessage(t.InputSchema)
			}
			tools = append(tools, map[string]interface{}{"type": "function", "function": fn})
		}
		body["tools"] = tools
	}

	var messages []interface{}
	if req.System != "" {
		messages = append(messages, map[string]interface{}{"role": "system", "content": req.System})
	}
	for _, turn := range req.Turns {
		if turn.Role == relay.RoleAssistant {
			msg := map[string]interface{}{"role": "assistant"}
			var toolCalls []interface{}
			var texts []string
			for _, p := range turn.Parts {
				switch p.Kind {
				case relay.PartText:
					texts = append(texts, p.Text)
				case relay.PartToolUse:
					args := string(p.ToolInput)
					if args == "" {
						args = "{}"
					}
					toolCalls = append(toolCalls, map[string]interface{}{
						"id":   p.ToolID,
						"type": "function",
						"function": map[string]interface{}{
							"name":      p.ToolName,
							"arguments": args,
						},
					})
				}
			}
			if len(texts) > 0 {
				msg["content"] = strings.Join(texts, "")
			} else {
				msg["content"] = nil
			}
			if len(toolCalls) > 0 {
				msg["tool_calls"] = toolCalls
			}
			messages = append(messages, msg)
			continue
		}

		// User turns: tool results surface as role:tool messages.
		for _, p := range turn.Parts {
			switch p.Kind {
			case relay.PartText:
				messages = append(messages, map[string]interface{}{"role": "user", "content": p.Text})
			case relay.PartToolResult:
				messages = append(messages, map[string]interface{}{
					"role":         "tool",
					"tool_call_id": p.ResultFor,
					"content":      p.Result,
				})
			}
		}
	}
	body["messages"] = messages
	return json.Marshal(body)
}

// OpenAIEmitter renders normalized events as chat.completion.chunk SSE.
type OpenAIEmitter struct {
	id      string
	model   string
	created int64

	toolIndex  int // running tool_calls array index
	sawTool    bool
	usage      relay.Usage
	inToolCall bool
}

// NewOpenAIEmitter builds the chunk renderer for one response.
func NewOpenAIEmitter(id, model string, created int64) *OpenAIEmitter {
	return &OpenAIEmitter{id: id, model: model, created: created, toolIndex: -1}
}

func (e *OpenAIEmitter) chunk(delta map[string]interface{}, finish interface{}) Frame {
	payload := map[string]interface{}{
		"id":      e.id,
		"object":  "chat.completion.chunk",
		"created": e.created,
		"model":   e.model,
		"choices": []interface{}{map[string]interface{}{
			"index":         0,
			"delta":         delta,
			"finish_reason": finish,
		}},
	}
	data, _ := json.Marshal(payload)
	return Frame{Data: data}
}

// Emit converts one normalized event into zero or more chunks. The caller
// appends DoneFrame after MessageStop.
func (e *OpenAIEmitter) Emit(ev relay.Event) []Frame {
	switch ev.Kind {
	case relay.MessageStart:
		return []Frame{e.chunk(map[string]interface{}{"role": "assistant", "content": ""}, nil)}

	case relay.TextDelta:
		return []Frame{e.chunk(map[string]interface{}{"content": ev.Text}, nil)}

	case relay.ReasoningDelta:
		return []Frame{e.chunk(map[string]interface{}{"reasoning_content": ev.Text}, nil)}

	case relay.ToolUseStart:
		e.toolIndex++
		e.sawTool = true
		e.inToolCall = true
		call := map[string]interface{}{
			"index": e.toolIndex,
			"id":    ev.ToolID,
			"type":  "function",
			"function": map[string]interface{}{
				"name":      ev.ToolName,
				"arguments": ev.InputDelta,
			},
		}
		return []Frame{e.chunk(map[string]interface{}{"tool_calls": []interface{}{call}}, nil)}

	case relay.ToolUseInputDelta:
		if !e.inToolCall {
			return nil
		}
		call := map[string]interface{}{
			"index":    e.toolIndex,
			"function": map[string]interface{}{"arguments": ev.InputDelta},
		}
		return []Frame{e.chunk(map[string]interface{}{"tool_calls": []interface{}{call}}, nil)}

	case relay.ToolUseStop:
		var frames []Frame
		if len(ev.Input) > 0 && e.inToolCall {
			call := map[string]interface{}{
				"index":    e.toolIndex,
				"function": map[string]interface{}{"arguments": string(ev.Input)},
			}
			frames = append(frames, e.chunk(map[string]interface{}{"tool_calls": []interface{}{call}}, nil))
		}
		e.inToolCall = false
		return frames

	case relay.UsageUpdate:
		if ev.Usage != nil {
			e.usage = *ev.Usage
		}
		return nil

	case relay.MessageStop:
		finish := "stop"
		switch {
		case ev.StopReason == relay.StopMaxTokens:
			finish = "length"
		case ev.StopReason == relay.StopToolUse || e.sawTool:
			finish = "tool_calls"
		}
		final := e.chunk(map[string]interface{}{}, finish)
		usage := map[string]interface{}{
			"id":      e.id,
			"object":  "chat.completion.chunk",
			"created": e.created,
			"model":   e.model,
			"choices": []interface{}{},
			"usage": map[string]int64{
				"prompt_tokens":     e.usage.InputTokens,
				"completion_tokens": e.usage.OutputTokens,
				"total_tokens":      e.usage.InputTokens + e.usage.OutputTokens,
			},
		}
		data, _ := json.Marshal(usage)
		return []Frame{final, {Data: data}}

	case relay.ErrorEvent:
		msg := "stream error"
		if ev.Err != nil {
			msg = ev.Err.Error()
		}
		data, _ := json.Marshal(map[string]interface{}{
			"error": map[string]string{"message": msg, "type": "server_error"},
		})
		return []Frame{{Data: data}}
	}
	return nil
}

// CollectOpenAICompletion assembles a non-streaming chat.completion from a
// drained event sequence.
func CollectOpenAICompletion(id, model string, created int64, events []relay.Event) ([]byte, error) {
	var content strings.Builder
	var toolCalls []interface{}
	inputBuf := make(map[int]*strings.Builder)
	toolMeta := make(map[int][2]string) // index -> (id, name)
	var order []int
	var usage relay.Usage
	finish := "stop"

	for _, ev := range events {
		switch ev.Kind {
		case relay.TextDelta:
			content.WriteString(ev.Text)
		case relay.ToolUseStart:
			buf := &strings.Builder{}
			buf.WriteString(ev.InputDelta)
			inputBuf[ev.Index] = buf
			toolMeta[ev.Index] = [2]string{ev.ToolID, ev.ToolName}
			order = append(order, ev.Index)
			finish = "tool_calls"
		case relay.ToolUseInputDelta:
			if buf, ok := inputBuf[ev.Index]; ok {
				buf.WriteString(ev.InputDelta)
			}
		case relay.ToolUseStop:
			if len(ev.Input) > 0 {
				if buf, ok := inputBuf[ev.Index]; ok {
					buf.Reset()
					buf.Write(ev.Input)
				}
			}
		case relay.UsageUpdate:
			if ev.Usage != nil {
				usage = *ev.Usage
			}
		case relay.MessageStop:
			if ev.StopReason == relay.StopMaxTokens {
				finish = "length"
			}
		}
	}

	for i, idx := range order {
		args := inputBuf[idx].String()
		if args == "" {
			args = "{}"
		}
		meta := toolMeta[idx]
		toolCalls = append(toolCalls, map[string]interface{}{
			"index": i,
			"id":    meta[0],
			"type":  "function",
			"function": map[string]interface{}{
				"name":      meta[1],
				"arguments": args,
			},
		})
	}

	message := map[string]interface{}{"role": "assistant"}
	if content.Len() > 0 {
		message["content"] = content.String()
	} else {
		message["content"] = nil
	}
	if len(toolCalls) > 0 {
		message["tool_calls"] = toolCalls
	}

	return json.Marshal(map[string]interface{}{
		"id":      id,
		"object":  "chat.completion",
		"created": created,
		"model":   model,
		"choices": []interface{}{map[string]interface{}{
			"index":         0,
			"message":       message,
			"finish_reason": finish,
		}},
		"usage": map[string]int64{
			"prompt_tokens":     usage.InputTokens,
			"completion_tokens": usage.OutputTokens,
			"total_tokens":      usage.InputTokens + usage.OutputTokens,
		},
	})
}
