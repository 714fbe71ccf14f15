package translator

import (
	"encoding/json"
	"fmt"
	"strings"

	"all2api-go/internal/relay"

	"github.com/tidwall/gjson"
)

// ParseGeminiRequest normalizes a Gemini generateContent request body.
// The model comes from the URL path, not the body.
func ParseGeminiRequest(model string, rawJSON []byte) (*relay.ChatRequest, error) {
	if !gjson.ValidBytes(rawJSON) {
		return nil, fmt.Errorf("invalid JSON body")
	}
	if model == "" {
		return nil, fmt.Errorf("model is required")
	}
	root := gjson.ParseBytes(rawJSON)

	req := &relay.ChatRequest{Model: model}

	if sys := root.Get("systemInstruction"); sys.Exists() {
		var parts []string
		for _, p := range sys.Get("parts").Array() {
			if txt := p.Get("text").String(); txt != "" {
				parts = append(parts, txt)
			}
		}
		req.System = strings.Join(parts, "\n")
	}

	gen := root.Get("generationConfig")
	if gen.Exists() {
		if v := gen.Get("maxOutputTokens"); v.Exists() {
			req.MaxTokens = int(v.Int())
		}
		if v := gen.Get("temperature"); v.Exists() {
			f := v.Float()
			req.Temperature = &f
		}
		if v := gen.Get("topP"); v.Exists() {
			f := v.Float()
			req.TopP = &f
		}
	}

	for _, decl := range root.Get("tools.0.functionDeclarations").Array() {
		req.Tools = append(req.Tools, relay.Tool{
			Name:        decl.Get("name").String(),
			Description: decl.Get("description").String(),
			InputSchema: json.RawMessage(decl.Get("parameters").Raw),
		})
	}

	toolUseSeq := 0
	lastUseByName := map[string]string{}
	for _, content := range root.Get("contents").Array() {
		role := relay.RoleUser
		if content.Get("role").String() == "model" {
			role = relay.RoleAssistant
		}
		turn := relay.Turn{Role: role}
		for _, p := range content.Get("parts").Array() {
			switch {
			case p.Get("functionCall").Exists():
				fc := p.Get("functionCall")
				// Gemini has no tool-use ids; synthesize stable ones so the
				// result correlation map still works.
				toolUseSeq++
				id := fmt.Sprintf("toolu_g_%d", toolUseSeq)
				name := fc.Get("name").String()
				req.RegisterToolUse(id, name)
				lastUseByName[name] = id
				args := fc.Get("args").Raw
				if args == "" {
					args = "{}"
				}
				turn.Parts = append(turn.Parts, relay.Part{
					Kind:      relay.PartToolUse,
					ToolID:    id,
					ToolName:  name,
					ToolInput: json.RawMessage(args),
				})
			case p.Get("functionResponse").Exists():
				fr := p.Get("functionResponse")
				name := fr.Get("name").String()
				// Resolve the most recent tool-use id for this name.
				resultFor := lastUseByName[name]
				turn.Parts = append(turn.Parts, relay.Part{
					Kind:      relay.PartToolResult,
					ResultFor: resultFor,
					Result:    fr.Get("response").Raw,
				})
			case p.Get("text").Exists():
				turn.Parts = append(turn.Parts, relay.Part{Kind: relay.PartText, Text: p.Get("text").String()})
			}
		}
		if len(turn.Parts) > 0 {
			req.Turns = append(req.Turns, turn)
		}
	}

	if len(req.Turns) == 0 {
		return nil, fmt.Errorf("contents must not be empty")
	}
	return req, nil
}

// BuildGeminiRequest renders the internal form as a Gemini generateContent
// body, used both for the downstream round trip and the GCP upstream.
func BuildGeminiRequest(req *relay.ChatRequest) ([]byte, error) {
	body := map[string]interface{}{}

	if req.System != "" {
		body["systemInstruction"] = map[string]interface{}{
			"parts": []interface{}{map[string]string{"text": req.System}},
		}
	}

	gen := map[string]interface{}{}
	if req.MaxTokens > 0 {
		gen["maxOutputTokens"] = req.MaxTokens
	}
	if req.Temperature != nil {
		gen["temperature"] = *req.Temperature
	}
	if req.TopP != nil {
		gen["topP"] = *req.TopP
	}
	if len(gen) > 0 {
		body["generationConfig"] = gen
	}

	if len(req.Tools) > 0 {
		decls := make([]interface{}, 0, len(req.Tools))
		for _, t := range req.Tools {
			decl := map[string]interface{}{"name": t.Name}
			if t.Description != "" {
				decl["description"] = t.Description
			}
			if len(t.InputSchema) > 0 {
				decl["parameters"] = json.RawMessage(t.InputSchema)
			}
			decls = append(decls, decl)
		}
		body["tools"] = []interface{}{map[string]interface{}{"functionDeclarations": decls}}
	}

	contents := make([]interface{}, 0, len(req.Turns))
	for _, turn := range req.Turns {
		role := "user"
		if turn.Role == relay.RoleAssistant {
			role = "model"
		}
		var parts []interface{}
		for _, p := range turn.Parts {
			switch p.Kind {
			case relay.PartText:
				parts = append(parts, map[string]string{"text": p.Text})
			case relay.PartToolUse:
				var args interface{}
				if err := json.Unmarshal(p.ToolInput, &args); err != nil || args == nil {
					args = map[string]interface{}{}
				}
				parts = append(parts, map[string]interface{}{
					"functionCall": map[string]interface{}{"name": p.ToolName, "args": args},
				})
			case relay.PartToolResult:
				name := req.ToolNameFor(p.ResultFor)
				var response interface{}
				if err := json.Unmarshal([]byte(p.Result), &response); err != nil {
					response = map[string]string{"output": p.Result}
				}
				parts = append(parts, map[string]interface{}{
					"functionResponse": map[string]interface{}{"name": name, "response": response},
				})
			}
		}
		if len(parts) == 0 {
			continue
		}
		contents = append(contents, map[string]interface{}{"role": role, "parts": parts})
	}
	body["contents"] = contents
	return json.Marshal(body)
}

// GeminiEmitter renders normalized events as Gemini streamGenerateContent
// SSE frames (data-only, one candidates payload per frame).
type GeminiEmitter struct {
	model string
	usage relay.Usage
	// tool input fragments buffer until the block closes; Gemini reports
	// functionCall parts whole.
	inputBuf map[int]*strings.Builder
	toolName map[int]string
}

// NewGeminiEmitter builds the renderer for one response.
func NewGeminiEmitter(model string) *GeminiEmitter {
	return &GeminiEmitter{
		model:    model,
		inputBuf: make(map[int]*strings.Builder),
		toolName: make(map[int]string),
	}
}

func (e *GeminiEmitter) frame(parts []interface{}, finish string) Frame {
	candidate := map[string]interface{}{
		"content": map[string]interface{}{"role": "model", "parts": parts},
		"index":   0,
	}
	if finish != "" {
		candidate["finishReason"] = finish
	}
	payload := map[string]interface{}{
		"candidates":   []interface{}{candidate},
		"modelVersion": e.model,
	}
	if finish != "" {
		payload["usageMetadata"] = map[string]int64{
			"promptTokenCount":     e.usage.InputTokens,
			"candidatesTokenCount": e.usage.OutputTokens,
			"totalTokenCount":      e.usage.InputTokens + e.usage.OutputTokens,
		}
	}
	data, _ := json.Marshal(payload)
	return Frame{Data: data}
}

// Emit converts one normalized event into zero or more SSE frames.
func (e *GeminiEmitter) Emit(ev relay.Event) []Frame {
	switch ev.Kind {
	case relay.TextDelta:
		return []Frame{e.frame([]interface{}{map[string]string{"text": ev.Text}}, "")}

	case relay.ToolUseStart:
		buf := &strings.Builder{}
		buf.WriteString(ev.InputDelta)
		e.inputBuf[ev.Index] = buf
		e.toolName[ev.Index] = ev.ToolName
		return nil

	case relay.ToolUseInputDelta:
		if buf, ok := e.inputBuf[ev.Index]; ok {
			buf.WriteString(ev.InputDelta)
		}
		return nil

	case relay.ToolUseStop:
		raw := ""
		if buf, ok := e.inputBuf[ev.Index]; ok {
			raw = buf.String()
			delete(e.inputBuf, ev.Index)
		}
		if len(ev.Input) > 0 {
			raw = string(ev.Input)
		}
		var args interface{}
		if err := json.Unmarshal([]byte(raw), &args); err != nil || args == nil {
			args = map[string]interface{}{}
		}
		part := map[string]interface{}{
			"functionCall": map[string]interface{}{
				"name": e.toolName[ev.Index],
				"args": args,
			},
		}
		return []Frame{e.frame([]interface{}{part}, "")}

	case relay.UsageUpdate:
		if ev.Usage != nil {
			e.usage = *ev.Usage
		}
		return nil

	case relay.MessageStop:
		finish := "STOP"
		if ev.StopReason == relay.StopMaxTokens {
			finish = "MAX_TOKENS"
		}
		return []Frame{e.frame([]interface{}{}, finish)}

	case relay.ErrorEvent:
		msg := "stream error"
		if ev.Err != nil {
			msg = ev.Err.Error()
		}
		data, _ := json.Marshal(map[string]interface{}{
			"error": map[string]interface{}{"code": 500, "message": msg, "status": "INTERNAL"},
		})
		return []Frame{{Data: data}}
	}
	return nil
}

// CollectGeminiResponse assembles a non-streaming generateContent response.
func CollectGeminiResponse(model string, events []relay.Event) ([]byte, error) {
	var parts []interface{}
	var text strings.Builder
	inputBuf := make(map[int]*strings.Builder)
	toolName := make(map[int]string)
	var order []int
	var usage relay.Usage
	finish := "STOP"

	flushText := func() {
		if text.Len() > 0 {
			parts = append(parts, map[string]string{"text": text.String()})
			text.Reset()
		}
	}

	for _, ev := range events {
		switch ev.Kind {
		case relay.TextDelta:
			text.WriteString(ev.Text)
		case relay.ToolUseStart:
			buf := &strings.Builder{}
			buf.WriteString(ev.InputDelta)
			inputBuf[ev.Index] = buf
			toolName[ev.Index] = ev.ToolName
			order = append(order, ev.Index)
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
				finish = "MAX_TOKENS"
			}
		}
	}
	flushText()

	for _, idx := range order {
		var args interface{}
		if err := json.Unmarshal([]byte(inputBuf[idx].String()), &args); err != nil || args == nil {
			args = map[string]interface{}{}
		}
		parts = append(parts, map[string]interface{}{
			"functionCall": map[string]interface{}{"name": toolName[idx], "args": args},
		})
	}

	return json.Marshal(map[string]interface{}{
		"candidates": []interface{}{map[string]interface{}{
			"content":      map[string]interface{}{"role": "model", "parts": parts},
			"finishReason": finish,
			"index":        0,
		}},
		"usageMetadata": map[string]int64{
			"promptTokenCount":     usage.InputTokens,
			"candidatesTokenCount": usage.OutputTokens,
			"totalTokenCount":      usage.InputTokens + usage.OutputTokens,
		},
		"modelVersion": model,
	})
}
