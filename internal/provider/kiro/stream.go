package kiro

import (
	"context"
	"io"

	"all2api-go/internal/provider"
	"all2api-go/internal/relay"

	"github.com/tidwall/gjson"
)

// eventStream maps the CodeWhisperer SSE event families onto normalized
// events. Tool-use input arrives as fragments on toolUseEvent; the event
// carrying stop=true closes the block.
type eventStream struct {
	body    io.ReadCloser
	scanner *provider.SSEScanner

	pending []relay.Event
	started bool
	stopped bool

	blockIndex  int
	textOpen    bool
	openToolIdx int
}

func newEventStream(ctx context.Context, body io.ReadCloser) *eventStream {
	s := &eventStream{
		body:        body,
		scanner:     provider.NewSSEScanner(body),
		openToolIdx: -1,
	}
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
			s.finish("")
			continue
		}
		if err != nil {
			return relay.Event{}, err
		}
		s.handle(sse)
	}
}

func (s *eventStream) emit(ev relay.Event) { s.pending = append(s.pending, ev) }

func (s *eventStream) ensureStarted() {
	if !s.started {
		s.started = true
		s.emit(relay.Event{Kind: relay.MessageStart})
	}
}

func (s *eventStream) handle(sse provider.SSEEvent) {
	data := gjson.Parse(sse.Data)

	// Events arrive either tagged via the SSE event field or wrapped in a
	// single-key JSON object; accept both framings.
	name := sse.Event
	var payload gjson.Result
	if name == "" {
		data.ForEach(func(key, value gjson.Result) bool {
			name = key.String()
			payload = value
			return false
		})
	} else {
		payload = data
	}

	switch name {
	case "assistantResponseEvent":
		s.ensureStarted()
		if txt := payload.Get("content").String(); txt != "" {
			if !s.textOpen && s.openToolIdx < 0 {
				s.textOpen = true
			}
			s.emit(relay.Event{Kind: relay.TextDelta, Text: txt, Index: s.blockIndex})
		}

	case "toolUseEvent":
		s.ensureStarted()
		toolID := payload.Get("toolUseId").String()
		if s.openToolIdx < 0 {
			if s.textOpen {
				s.textOpen = false
				s.blockIndex++
			}
			s.openToolIdx = s.blockIndex
			s.emit(relay.Event{
				Kind:       relay.ToolUseStart,
				ToolID:     toolID,
				ToolName:   payload.Get("name").String(),
				Index:      s.openToolIdx,
				InputDelta: payload.Get("input").String(),
			})
		} else if frag := payload.Get("input").String(); frag != "" {
			s.emit(relay.Event{Kind: relay.ToolUseInputDelta, InputDelta: frag, Index: s.openToolIdx})
		}
		if payload.Get("stop").Bool() {
			s.emit(relay.Event{Kind: relay.ToolUseStop, Index: s.openToolIdx})
			s.openToolIdx = -1
			s.blockIndex++
		}

	case "messageMetadataEvent":
		s.ensureStarted()
		in := payload.Get("inputTokens").Int()
		out := payload.Get("outputTokens").Int()
		if in > 0 || out > 0 {
			s.emit(relay.Event{Kind: relay.UsageUpdate, Usage: &relay.Usage{InputTokens: in, OutputTokens: out}})
		}

	case "completionEvent", "messageStopEvent":
		s.finish(payload.Get("stopReason").String())

	case "errorEvent", "error":
		s.ensureStarted()
		s.finish("")
	}
}

// finish closes any open tool block and emits the terminal MessageStop.
func (s *eventStream) finish(stopReason string) {
	if s.stopped {
		return
	}
	s.ensureStarted()
	if s.openToolIdx >= 0 {
		s.emit(relay.Event{Kind: relay.ToolUseStop, Index: s.openToolIdx})
		s.openToolIdx = -1
	}
	if stopReason == "" {
		stopReason = relay.StopEndTurn
	}
	s.emit(relay.Event{Kind: relay.MessageStop, StopReason: stopReason})
	s.stopped = true
}
