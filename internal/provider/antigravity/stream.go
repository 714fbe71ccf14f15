package antigravity

import (
	"context"
	"fmt"
	"io"

	"all2api-go/internal/provider"
	"all2api-go/internal/relay"

	"github.com/tidwall/gjson"
)

// eventStream maps cloudcode SSE chunks onto normalized events. Chunks are
// v1internal-wrapped generateContent payloads; functionCall parts arrive
// whole, so each one yields start+stop with the full input attached.
type eventStream struct {
	body    io.ReadCloser
	scanner *provider.SSEScanner

	pending []relay.Event
	started bool
	stopped bool

	blockIndex int
	textOpen   bool
	usage      relay.Usage
	sawUsage   bool
	stopReason string
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
			s.finish()
			continue
		}
		if err != nil {
			return relay.Event{}, err
		}
		if sse.Data == "" || sse.Data == "[DONE]" {
			continue
		}
		s.handle(sse.Data)
	}
}

func (s *eventStream) emit(ev relay.Event) { s.pending = append(s.pending, ev) }

func (s *eventStream) ensureStarted() {
	if !s.started {
		s.started = true
		s.emit(relay.Event{Kind: relay.MessageStart})
	}
}

func (s *eventStream) handle(data string) {
	root := gjson.Parse(data)
	// Unwrap the v1internal envelope when present.
	if inner := root.Get("response"); inner.Exists() {
		root = inner
	}

	s.ensureStarted()

	candidate := root.Get("candidates.0")
	for _, part := range candidate.Get("content.parts").Array() {
		switch {
		case part.Get("functionCall").Exists():
			fc := part.Get("functionCall")
			if s.textOpen {
				s.textOpen = false
				s.blockIndex++
			}
			args := fc.Get("args").Raw
			if args == "" {
				args = "{}"
			}
			idx := s.blockIndex
			s.emit(relay.Event{
				Kind:     relay.ToolUseStart,
				ToolID:   toolUseID(fc.Get("name").String(), idx),
				ToolName: fc.Get("name").String(),
				Index:    idx,
			})
			s.emit(relay.Event{Kind: relay.ToolUseStop, Index: idx, Input: []byte(args)})
			s.blockIndex++
			s.sawTool = true

		case part.Get("thought").Bool():
			s.textOpen = true
			s.emit(relay.Event{Kind: relay.ReasoningDelta, Text: part.Get("text").String(), Index: s.blockIndex})

		case part.Get("text").Exists():
			s.textOpen = true
			s.emit(relay.Event{Kind: relay.TextDelta, Text: part.Get("text").String(), Index: s.blockIndex})
		}
	}

	if fr := candidate.Get("finishReason"); fr.Exists() && fr.String() != "" {
		switch fr.String() {
		case "MAX_TOKENS":
			s.stopReason = relay.StopMaxTokens
		default:
			s.stopReason = relay.StopEndTurn
		}
	}

	if um := root.Get("usageMetadata"); um.Exists() {
		s.usage = relay.Usage{
			InputTokens:  um.Get("promptTokenCount").Int(),
			OutputTokens: um.Get("candidatesTokenCount").Int(),
		}
		s.sawUsage = true
	}
}

func (s *eventStream) finish() {
	if s.stopped {
		return
	}
	s.ensureStarted()
	if s.sawUsage {
		u := s.usage
		s.emit(relay.Event{Kind: relay.UsageUpdate, Usage: &u})
	}
	reason := s.stopReason
	if s.sawTool {
		reason = relay.StopToolUse
	}
	if reason == "" {
		reason = relay.StopEndTurn
	}
	s.emit(relay.Event{Kind: relay.MessageStop, StopReason: reason})
	s.stopped = true
}

func toolUseID(name string, idx int) string {
	return fmt.Sprintf("toolu_ag_%s_%d", name, idx)
}
