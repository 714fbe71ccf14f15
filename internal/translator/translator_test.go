package translator

import (
	"encoding/json"
	"strings"
	"testing"

	"all2api-go/internal/models"
	"all2api-go/internal/relay"

	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
)

const anthropicFixture = `{
  "model": "claude-sonnet-4-20250514",
  "max_tokens": 1024,
  "stream": true,
  "system": "You are terse.",
  "temperature": 0.7,
  "tools": [
    {"name": "Bash", "description": "Run a shell command", "input_schema": {"type": "object", "properties": {"command": {"type": "string"}}}}
  ],
  "messages": [
    {"role": "user", "content": "list the files"},
    {"role": "assistant", "content": [
      {"type": "text", "text": "Listing now."},
      {"type": "tool_use", "id": "toolu_01", "name": "Bash", "input": {"command": "ls"}}
    ]},
    {"role": "user", "content": [
      {"type": "tool_result", "tool_use_id": "toolu_01", "content": "a.txt\nb.txt"}
    ]}
  ]
}`

func TestParseAnthropicRequest(t *testing.T) {
	req, err := ParseAnthropicRequest([]byte(anthropicFixture))
	require.NoError(t, err)
	require.Equal(t, "claude-sonnet-4-20250514", req.Model)
	require.Equal(t, "You are terse.", req.System)
	require.Equal(t, 1024, req.MaxTokens)
	require.True(t, req.Stream)
	require.NotNil(t, req.Temperature)
	require.InDelta(t, 0.7, *req.Temperature, 1e-9)
	require.Len(t, req.Tools, 1)
	require.Len(t, req.Turns, 3)

	assistant := req.Turns[1]
	require.Equal(t, relay.RoleAssistant, assistant.Role)
	require.Equal(t, relay.PartToolUse, assistant.Parts[1].Kind)
	require.Equal(t, "Bash", assistant.Parts[1].ToolName)

	// The tool_use id registered in an assistant turn resolves results.
	require.Equal(t, "Bash", req.ToolNameFor("toolu_01"))
	result := req.Turns[2].Parts[0]
	require.Equal(t, relay.PartToolResult, result.Kind)
	require.Equal(t, "toolu_01", result.ResultFor)
	require.Equal(t, "a.txt\nb.txt", result.Result)
}

func TestAnthropicRoundTripIdentity(t *testing.T) {
	req, err := ParseAnthropicRequest([]byte(anthropicFixture))
	require.NoError(t, err)
	rebuilt, err := BuildAnthropicRequest(req)
	require.NoError(t, err)
	reparsed, err := ParseAnthropicRequest(rebuilt)
	require.NoError(t, err)

	require.Equal(t, req.Model, reparsed.Model)
	require.Equal(t, req.System, reparsed.System)
	require.Equal(t, req.MaxTokens, reparsed.MaxTokens)
	require.Equal(t, len(req.Turns), len(reparsed.Turns))
	for i := range req.Turns {
		require.Equal(t, req.Turns[i].Role, reparsed.Turns[i].Role)
		require.Equal(t, len(req.Turns[i].Parts), len(reparsed.Turns[i].Parts))
		for j := range req.Turns[i].Parts {
			a, b := req.Turns[i].Parts[j], reparsed.Turns[i].Parts[j]
			require.Equal(t, a.Kind, b.Kind)
			require.Equal(t, a.Text, b.Text)
			require.Equal(t, a.ToolName, b.ToolName)
			require.Equal(t, a.ResultFor, b.ResultFor)
		}
	}
}

const openaiFixture = `{
  "model": "claude-sonnet-4-20250514",
  "max_tokens": 512,
  "messages": [
    {"role": "system", "content": "Be helpful."},
    {"role": "user", "content": "what files are here?"},
    {"role": "assistant", "content": null, "tool_calls": [
      {"id": "call_1", "type": "function", "function": {"name": "Bash", "arguments": "{\"command\":\"ls\"}"}}
    ]},
    {"role": "tool", "tool_call_id": "call_1", "content": "a.txt"}
  ],
  "tools": [
    {"type": "function", "function": {"name": "Bash", "description": "shell", "parameters": {"type": "object"}}}
  ]
}`

func TestParseOpenAIRequest(t *testing.T) {
	req, err := ParseOpenAIRequest([]byte(openaiFixture))
	require.NoError(t, err)
	require.Equal(t, "Be helpful.", req.System)
	require.Equal(t, 512, req.MaxTokens)
	require.Len(t, req.Turns, 3)
	require.Equal(t, relay.PartToolUse, req.Turns[1].Parts[0].Kind)
	require.Equal(t, relay.PartToolResult, req.Turns[2].Parts[0].Kind)
	require.Equal(t, "call_1", req.Turns[2].Parts[0].ResultFor)
	require.Equal(t, "Bash", req.ToolNameFor("call_1"))
}

func TestOpenAIRoundTripIdentity(t *testing.T) {
	req, err := ParseOpenAIRequest([]byte(openaiFixture))
	require.NoError(t, err)
	rebuilt, err := BuildOpenAIRequest(req)
	require.NoError(t, err)
	reparsed, err := ParseOpenAIRequest(rebuilt)
	require.NoError(t, err)

	require.Equal(t, req.System, reparsed.System)
	require.Equal(t, len(req.Turns), len(reparsed.Turns))
	require.Equal(t, req.Turns[1].Parts[0].ToolName, reparsed.Turns[1].Parts[0].ToolName)
	require.JSONEq(t, string(req.Turns[1].Parts[0].ToolInput), string(reparsed.Turns[1].Parts[0].ToolInput))
}

func TestParseRejectsGarbage(t *testing.T) {
	_, err := ParseAnthropicRequest([]byte("not json"))
	require.Error(t, err)
	_, err = ParseOpenAIRequest([]byte(`{"messages":[]}`))
	require.Error(t, err, "missing model")
	_, err = ParseAnthropicRequest([]byte(`{"model":"m","messages":[]}`))
	require.Error(t, err, "empty messages")
}

const geminiFixture = `{
  "systemInstruction": {"parts": [{"text": "Be brief."}]},
  "generationConfig": {"maxOutputTokens": 256, "temperature": 0.2},
  "tools": [{"functionDeclarations": [{"name": "Bash", "parameters": {"type": "object"}}]}],
  "contents": [
    {"role": "user", "parts": [{"text": "hello"}]},
    {"role": "model", "parts": [{"functionCall": {"name": "Bash", "args": {"command": "ls"}}}]},
    {"role": "user", "parts": [{"functionResponse": {"name": "Bash", "response": {"output": "a.txt"}}}]}
  ]
}`

func TestParseGeminiRequest(t *testing.T) {
	req, err := ParseGeminiRequest("gemini-2.5-pro", []byte(geminiFixture))
	require.NoError(t, err)
	require.Equal(t, "Be brief.", req.System)
	require.Equal(t, 256, req.MaxTokens)
	require.Len(t, req.Turns, 3)
	require.Equal(t, relay.PartToolUse, req.Turns[1].Parts[0].Kind)
	require.Equal(t, relay.PartToolResult, req.Turns[2].Parts[0].Kind)
	require.NotEmpty(t, req.Turns[2].Parts[0].ResultFor, "synthesized tool-use id correlates the result")
}

func TestGeminiRoundTrip(t *testing.T) {
	req, err := ParseGeminiRequest("gemini-2.5-pro", []byte(geminiFixture))
	require.NoError(t, err)
	rebuilt, err := BuildGeminiRequest(req)
	require.NoError(t, err)
	reparsed, err := ParseGeminiRequest("gemini-2.5-pro", rebuilt)
	require.NoError(t, err)
	require.Equal(t, req.System, reparsed.System)
	require.Equal(t, len(req.Turns), len(reparsed.Turns))
	require.Equal(t, "Bash", reparsed.Turns[1].Parts[0].ToolName)
}

func toolUseSequence() []relay.Event {
	return []relay.Event{
		{Kind: relay.MessageStart},
		{Kind: relay.TextDelta, Text: "Running ls.", Index: 0},
		{Kind: relay.ToolUseStart, ToolID: "toolu_9", ToolName: "Bash", Index: 1},
		{Kind: relay.ToolUseInputDelta, InputDelta: `{"command":`, Index: 1},
		{Kind: relay.ToolUseInputDelta, InputDelta: `"ls"}`, Index: 1},
		{Kind: relay.ToolUseStop, Index: 1},
		{Kind: relay.UsageUpdate, Usage: &relay.Usage{InputTokens: 12, OutputTokens: 7}},
		{Kind: relay.MessageStop, StopReason: relay.StopToolUse},
	}
}

func TestAnthropicEmitterToolRoundTrip(t *testing.T) {
	// Spec scenario: a Bash invocation surfaces as content_block_start of
	// type tool_use, input_json_delta frames, content_block_stop, then
	// message_delta with stop_reason tool_use.
	em := NewAnthropicEmitter("msg_01", "claude-sonnet-4-20250514")
	var all []Frame
	for _, ev := range toolUseSequence() {
		all = append(all, em.Emit(ev)...)
	}

	var wire strings.Builder
	for _, f := range all {
		wire.Write(f.Encode())
	}
	out := wire.String()

	require.Contains(t, out, "event: message_start")
	require.Contains(t, out, `"type":"tool_use"`)
	require.Contains(t, out, `"name":"Bash"`)
	require.Contains(t, out, `"input_json_delta"`)
	require.Contains(t, out, "event: content_block_stop")
	require.Contains(t, out, `"stop_reason":"tool_use"`)
	require.Contains(t, out, "event: message_stop")

	// Exactly one start and one stop.
	require.Equal(t, 1, strings.Count(out, "event: message_start"))
	require.Equal(t, 1, strings.Count(out, "event: message_stop"))

	// Text block closed before the tool block opened.
	textStop := strings.Index(out, `"content_block_stop"`)
	toolStart := strings.Index(out, `"tool_use"`)
	require.Greater(t, toolStart, textStop)
	require.GreaterOrEqual(t, textStop, 0)
}

func TestOpenAIEmitterFinishReasons(t *testing.T) {
	em := NewOpenAIEmitter("chatcmpl-1", "claude-sonnet-4-20250514", 1700000000)
	var frames []Frame
	for _, ev := range toolUseSequence() {
		frames = append(frames, em.Emit(ev)...)
	}
	var finish string
	for _, f := range frames {
		if fr := gjson.GetBytes(f.Data, "choices.0.finish_reason"); fr.Type == gjson.String {
			finish = fr.String()
		}
	}
	require.Equal(t, "tool_calls", finish)
}

func TestCollectAnthropicMessage(t *testing.T) {
	out, err := CollectAnthropicMessage("msg_01", "claude-sonnet-4-20250514", toolUseSequence())
	require.NoError(t, err)

	root := gjson.ParseBytes(out)
	require.Equal(t, "tool_use", root.Get("stop_reason").String())
	require.Equal(t, "Running ls.", root.Get("content.0.text").String())
	require.Equal(t, "Bash", root.Get("content.1.name").String())
	require.Equal(t, "ls", root.Get("content.1.input.command").String())
	require.EqualValues(t, 12, root.Get("usage.input_tokens").Int())
}

func TestCollectOpenAICompletion(t *testing.T) {
	out, err := CollectOpenAICompletion("chatcmpl-1", "m", 1700000000, toolUseSequence())
	require.NoError(t, err)
	root := gjson.ParseBytes(out)
	require.Equal(t, "tool_calls", root.Get("choices.0.finish_reason").String())
	require.Equal(t, "Bash", root.Get("choices.0.message.tool_calls.0.function.name").String())
	var args map[string]string
	require.NoError(t, json.Unmarshal([]byte(root.Get("choices.0.message.tool_calls.0.function.arguments").String()), &args))
	require.Equal(t, "ls", args["command"])
}

func TestGeminiEmitterFunctionCallWhole(t *testing.T) {
	em := NewGeminiEmitter("gemini-2.5-pro")
	var frames []Frame
	for _, ev := range toolUseSequence() {
		frames = append(frames, em.Emit(ev)...)
	}
	var sawCall bool
	for _, f := range frames {
		if gjson.GetBytes(f.Data, "candidates.0.content.parts.0.functionCall.name").String() == "Bash" {
			sawCall = true
			require.Equal(t, "ls", gjson.GetBytes(f.Data, "candidates.0.content.parts.0.functionCall.args.command").String())
		}
	}
	require.True(t, sawCall, "assembled functionCall emitted once complete")
}

func TestModelTableDefaults(t *testing.T) {
	require.Equal(t, "CLAUDE_SONNET_4_20250514_V1_0", UpstreamModel(models.ProviderKiro, "claude-sonnet-4-20250514"))
	require.Equal(t, "CLAUDE_SONNET_4_20250514_V1_0", UpstreamModel(models.ProviderKiro, "unknown-model"), "unknown models use the provider default")
	require.Equal(t, "claude-sonnet-4-20250514", DownstreamModel(models.ProviderKiro, "CLAUDE_SONNET_4_20250514_V1_0"))
}

func TestRouteByModel(t *testing.T) {
	require.Equal(t, models.ProviderAntigravity, RouteByModel("gemini-2.5-pro"))
	require.Equal(t, models.ProviderAntigravity, RouteByModel("gemini-anything"))
	require.Equal(t, models.ProviderOrchids, RouteByModel("claude-sonnet-4-5"))
	require.Equal(t, models.ProviderKiro, RouteByModel("claude-sonnet-4-20250514"))
}
