// Package orchids is the WebSocket Claude provider adapter. One WebSocket
// carries one request: a single user-request frame with the full prompt
// and history goes out, a multi-event stream comes back. The protocol's
// fs_operation request-reply sub-protocol is answered with synthetic
// success frames; the proxy never executes filesystem operations.
package orchids

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"all2api-go/internal/apierr"
	"all2api-go/internal/models"
	"all2api-go/internal/relay"
	"all2api-go/internal/translator"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"
)

const (
	defaultWSEndpoint = "wss://api.orchids.app/v1/chat/ws"

	connectTimeout = 30 * time.Second
	messageTimeout = 120 * time.Second
)

// Adapter speaks the orchids WebSocket protocol.
type Adapter struct {
	dialer     *websocket.Dialer
	endpoint   string
	connectTO  time.Duration
	perMessage time.Duration
}

// New builds the adapter with the default endpoint and timeouts.
func New(connectTO, perMessage time.Duration) *Adapter {
	if connectTO <= 0 {
		connectTO = connectTimeout
	}
	if perMessage <= 0 {
		perMessage = messageTimeout
	}
	return &Adapter{
		dialer:     &websocket.Dialer{HandshakeTimeout: connectTO},
		endpoint:   defaultWSEndpoint,
		connectTO:  connectTO,
		perMessage: perMessage,
	}
}

// NewWithEndpoint pins the WebSocket URL (tests).
func NewWithEndpoint(endpoint string) *Adapter {
	a := New(0, 0)
	a.endpoint = endpoint
	return a
}

func (a *Adapter) Kind() models.ProviderKind { return models.ProviderOrchids }

// buildRequestFrame encodes the whole conversation into the single
// user_request frame the upstream expects.
func buildRequestFrame(req *relay.ChatRequest) ([]byte, error) {
	model := translator.UpstreamModel(models.ProviderOrchids, req.Model)

	var messages []interface{}
	for _, turn := range req.Turns {
		var blocks []interface{}
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
				blocks = append(blocks, map[string]interface{}{
					"type":        "tool_result",
					"tool_use_id": p.ResultFor,
					"content":     p.Result,
					"is_error":    p.IsError,
				})
			}
		}
		messages = append(messages, map[string]interface{}{
			"role":    string(turn.Role),
			"content": blocks,
		})
	}

	var tools []interface{}
	for _, t := range req.Tools {
		tool := map[string]interface{}{"name": t.Name, "description": t.Description}
		if len(t.InputSchema) > 0 {
			tool["input_schema"] = json.RawMessage(t.InputSchema)
		}
		tools = append(tools, tool)
	}

	frame := map[string]interface{}{
		"type":       "user_request",
		"request_id": uuid.NewString(),
		"model":      model,
		"messages":   messages,
	}
	if req.System != "" {
		frame["system"] = req.System
	}
	if len(tools) > 0 {
		frame["tools"] = tools
	}
	if req.MaxTokens > 0 {
		frame["max_tokens"] = req.MaxTokens
	}
	return json.Marshal(frame)
}

// Call dials the WebSocket, sends the request frame, and surfaces the
// event stream. Closing the returned stream closes the socket.
func (a *Adapter) Call(ctx context.Context, cred *models.CredentialRef, req *relay.ChatRequest) (relay.Stream, error) {
	header := http.Header{}
	header.Set("Authorization", "Bearer "+cred.AccessToken)

	dialCtx, cancel := context.WithTimeout(ctx, a.connectTO)
	defer cancel()
	conn, resp, err := a.dialer.DialContext(dialCtx, a.endpoint, header)
	if err != nil {
		if resp != nil {
			return nil, apierr.FromUpstreamStatus(resp.StatusCode, nil)
		}
		return nil, apierr.FromTransportError(err)
	}

	frame, err := buildRequestFrame(req)
	if err != nil {
		_ = conn.Close()
		return nil, apierr.New(http.StatusBadRequest, apierr.KindInvalidRequest, err.Error())
	}
	if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
		_ = conn.Close()
		return nil, apierr.FromTransportError(err)
	}

	stream, streamCtx := relay.NewChanStream(ctx, 16)
	go runReader(streamCtx, conn, stream, a.perMessage)
	return stream, nil
}

// Probe verifies the credential by dialing and immediately closing.
func (a *Adapter) Probe(ctx context.Context, cred *models.CredentialRef) error {
	header := http.Header{}
	header.Set("Authorization", "Bearer "+cred.AccessToken)
	dialCtx, cancel := context.WithTimeout(ctx, a.connectTO)
	defer cancel()
	conn, resp, err := a.dialer.DialContext(dialCtx, a.endpoint, header)
	if err != nil {
		if resp != nil {
			return apierr.FromUpstreamStatus(resp.StatusCode, nil)
		}
		return apierr.FromTransportError(err)
	}
	_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	_ = conn.Close()
	return nil
}

// runReader pumps WebSocket frames into the event channel until the
// protocol completes, errors, or the consumer cancels.
func runReader(ctx context.Context, conn *websocket.Conn, stream *relay.ChanStream, perMessage time.Duration) {
	defer close(stream.C)
	defer func() { _ = conn.Close() }()

	go func() {
		<-ctx.Done()
		_ = conn.Close()
	}()

	p := newProtocolState(conn)
	p.push(relay.Event{Kind: relay.MessageStart})

	for {
		_ = conn.SetReadDeadline(time.Now().Add(perMessage))
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if !p.finished {
				// Upstream hung up mid-message: close open blocks so the
				// downstream still sees a balanced stream.
				p.forceStop()
				p.flush(ctx, stream)
			}
			return
		}
		done := p.handle(data)
		p.flush(ctx, stream)
		if done {
			return
		}
	}
}

func (p *protocolState) flush(ctx context.Context, stream *relay.ChanStream) {
	for _, ev := range p.pending {
		select {
		case stream.C <- ev:
		case <-ctx.Done():
			return
		}
	}
	p.pending = p.pending[:0]
}

func logDroppedFrame(kind string, err error) {
	log.WithError(err).WithField("frame", kind).Debug("orchids frame dropped")
}
