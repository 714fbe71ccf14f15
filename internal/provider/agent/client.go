package agent

import (
	"bytes"
	"context"
	"encoding/base64"
	"io"
	"net/http"
	"strings"

	"all2api-go/internal/apierr"
	"all2api-go/internal/models"
	"all2api-go/internal/provider"
	"all2api-go/internal/relay"
	"all2api-go/internal/translator"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

const defaultEndpoint = "https://app.agentapi.dev/ai/v1/generate"

// Adapter posts protobuf Requests and reads base64-line SSE of
// ResponseEvent messages.
type Adapter struct {
	client   *http.Client
	endpoint string
}

// New builds the adapter over the shared upstream client.
func New(client *http.Client) *Adapter {
	return &Adapter{client: client, endpoint: defaultEndpoint}
}

// NewWithEndpoint pins the endpoint (tests).
func NewWithEndpoint(client *http.Client, endpoint string) *Adapter {
	return &Adapter{client: client, endpoint: endpoint}
}

func (a *Adapter) Kind() models.ProviderKind { return models.ProviderAgent }

// toolTypeFor maps a downstream tool name to the wire enum.
func toolTypeFor(name string) ToolType {
	switch translator.ToAgentToolName(name) {
	case "run_shell_command":
		return ToolTypeShell
	case "read_files":
		return ToolTypeReadFiles
	case "apply_file_diffs":
		return ToolTypeFileDiffs
	case "grep":
		return ToolTypeGrep
	case "glob":
		return ToolTypeGlob
	default:
		return ToolTypeMCP
	}
}

// downstreamToolName maps a decoded tool call back to the downstream name,
// resolving the Write/Edit split by payload shape.
func downstreamToolName(tc *ToolCallRecord) string {
	if tc.Type == ToolTypeMCP {
		return translator.FromAgentToolName(tc.Name)
	}
	if tc.Type == ToolTypeFileDiffs {
		hasNewFiles := gjson.Get(tc.ArgsJSON, "new_files").Exists()
		return translator.AgentDiffToolName(hasNewFiles)
	}
	switch tc.Type {
	case ToolTypeShell:
		return "Bash"
	case ToolTypeReadFiles:
		return "Read"
	case ToolTypeGrep:
		return "Grep"
	case ToolTypeGlob:
		return "Glob"
	}
	return translator.FromAgentToolName(tc.Name)
}

// buildRequest flattens the conversation into the agent Task. Tool results
// fold into user content; historic tool calls are replayed with the
// side-channel shell flags attached.
func buildRequest(req *relay.ChatRequest) *Request {
	out := &Request{
		TaskID:    uuid.NewString(),
		Model:     translator.UpstreamModel(models.ProviderAgent, req.Model),
		MaxTokens: int32(req.MaxTokens),
	}

	if req.System != "" {
		out.Messages = append(out.Messages, Message{Role: "system", Content: req.System})
	}
	for _, turn := range req.Turns {
		msg := Message{Role: string(turn.Role)}
		var texts []string
		for _, p := range turn.Parts {
			switch p.Kind {
			case relay.PartText:
				texts = append(texts, p.Text)
			case relay.PartToolResult:
				texts = append(texts, "[tool result "+p.ResultFor+"]\n"+p.Result)
			case relay.PartToolUse:
				tc := ToolCallRecord{
					Type:     toolTypeFor(p.ToolName),
					CallID:   p.ToolID,
					Name:     translator.ToAgentToolName(p.ToolName),
					ArgsJSON: string(p.ToolInput),
				}
				if tc.Type == ToolTypeShell {
					command := gjson.GetBytes(p.ToolInput, "command").String()
					tc.IsReadOnly, tc.IsRisky = translator.ClassifyShellCommand(command)
					tc.ArgsJSON = annotateShellArgs(tc.ArgsJSON, tc.IsReadOnly, tc.IsRisky)
				}
				msg.ToolCalls = append(msg.ToolCalls, tc)
			}
		}
		msg.Content = strings.Join(texts, "\n")
		out.Messages = append(out.Messages, msg)
	}
	return out
}

// annotateShellArgs injects the side-channel flags into the args payload.
func annotateShellArgs(argsJSON string, readOnly, risky bool) string {
	if !gjson.Valid(argsJSON) {
		argsJSON = "{}"
	}
	out, err := sjson.Set(argsJSON, "is_read_only", readOnly)
	if err != nil {
		return argsJSON
	}
	out, err = sjson.Set(out, "is_risky", risky)
	if err != nil {
		return argsJSON
	}
	return out
}

// Call posts the protobuf request and parses the base64-line SSE reply.
func (a *Adapter) Call(ctx context.Context, cred *models.CredentialRef, req *relay.ChatRequest) (relay.Stream, error) {
	payload := MarshalRequest(buildRequest(req))

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/x-protobuf")
	httpReq.Header.Set("Accept", "text/event-stream")
	httpReq.Header.Set("Authorization", "Bearer "+cred.AccessToken)

	resp, err := a.client.Do(httpReq)
	if err != nil {
		return nil, apierr.FromTransportError(err)
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		_ = resp.Body.Close()
		return nil, apierr.FromUpstreamStatus(resp.StatusCode, body)
	}

	return newEventStream(ctx, resp.Body), nil
}

// Probe verifies the credential with a one-token request.
func (a *Adapter) Probe(ctx context.Context, cred *models.CredentialRef) error {
	probe := &relay.ChatRequest{
		Model:     translator.DefaultModel(models.ProviderAgent),
		MaxTokens: 1,
		Turns: []relay.Turn{
			{Role: relay.RoleUser, Parts: []relay.Part{{Kind: relay.PartText, Text: "ping"}}},
		},
	}
	stream, err := a.Call(ctx, cred, probe)
	if err != nil {
		return err
	}
	defer func() { _ = stream.Close() }()
	_, err = relay.Collect(ctx, stream)
	return err
}

// eventStream decodes base64-line SSE into normalized events.
type eventStream struct {
	body    io.ReadCloser
	scanner *provider.SSEScanner

	pending []relay.Event
	started bool
	stopped bool

	blockIndex int
	textOpen   bool
	sawTool    bool
}

func newEventStream(ctx context.Context, body io.ReadCloser) *eventStream {
	s := &eventStream{body: body, scanner: provider.NewSSEScanner(body)}
	go func() {
		<-ctx.Done()
		_ = body.Close()
	}()
	return s
}

func (s *eventStream) Close() error { return s.body.Close() }

func (s *eventStream) Next(ctx context.Context) (relay.Event, error) {
	for {
		if len(s.pending) > 0 {
			ev := s.pending[0]
			s.pending = s.pending[1:]
			return ev, nil
		}
		if s.stopped {
			return relay.Event{}, io.EOF
		}
		if err := ctx.Err(); err != nil {
			return relay.Event{}, err
		}

		sse, err := s.scanner.Next()
		if err == io.EOF {
			s.finish("", nil)
			continue
		}
		if err != nil {
			return relay.Event{}, err
		}
		decoded, err := base64.StdEncoding.DecodeString(strings.TrimSpace(sse.Data))
		if err != nil {
			// Skip malformed lines; keepalives are not base64.
			continue
		}
		ev, err := UnmarshalResponseEvent(decoded)
		if err != nil {
			continue
		}
		s.handle(ev)
	}
}

func (s *eventStream) emit(ev relay.Event) { s.pending = append(s.pending, ev) }

func (s *eventStream) ensureStarted() {
	if !s.started {
		s.started = true
		s.emit(relay.Event{Kind: relay.MessageStart})
	}
}

func (s *eventStream) handle(ev *ResponseEvent) {
	switch {
	case ev.Init:
		s.ensureStarted()

	case ev.AgentOutput != "":
		s.ensureStarted()
		s.textOpen = true
		s.emit(relay.Event{Kind: relay.TextDelta, Text: ev.AgentOutput, Index: s.blockIndex})

	case ev.ToolCall != nil:
		s.ensureStarted()
		if s.textOpen {
			s.textOpen = false
			s.blockIndex++
		}
		idx := s.blockIndex
		name := downstreamToolName(ev.ToolCall)
		callID := ev.ToolCall.CallID
		if callID == "" {
			callID = "toolu_ag_" + uuid.NewString()[:8]
		}
		args := ev.ToolCall.ArgsJSON
		if args == "" {
			args = "{}"
		}
		s.emit(relay.Event{Kind: relay.ToolUseStart, ToolID: callID, ToolName: name, Index: idx})
		s.emit(relay.Event{Kind: relay.ToolUseStop, Index: idx, Input: []byte(args)})
		s.blockIndex++
		s.sawTool = true

	case ev.StreamFinished != nil:
		s.finish(ev.StreamFinished.StopReason, &ev.StreamFinished.Usage)
	}
}

func (s *eventStream) finish(stopReason string, usage *Usage) {
	if s.stopped {
		return
	}
	s.ensureStarted()
	if usage != nil && (usage.InputTokens > 0 || usage.OutputTokens > 0) {
		s.emit(relay.Event{Kind: relay.UsageUpdate, Usage: &relay.Usage{
			InputTokens:  usage.InputTokens,
			OutputTokens: usage.OutputTokens,
		}})
	}
	if stopReason == "" {
		if s.sawTool {
			stopReason = relay.StopToolUse
		} else {
			stopReason = relay.StopEndTurn
		}
	}
	s.emit(relay.Event{Kind: relay.MessageStop, StopReason: stopReason})
	s.stopped = true
}
