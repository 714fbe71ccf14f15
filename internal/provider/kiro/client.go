// Package kiro is the Claude-over-AWS provider adapter. Requests go to the
// region-templated CodeWhisperer endpoint as provider-specific JSON; the
// response is SSE mapped onto the normalized event stream.
package kiro

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"all2api-go/internal/apierr"
	"all2api-go/internal/models"
	"all2api-go/internal/relay"
	"all2api-go/internal/translator"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
)

const (
	defaultRegion    = "us-east-1"
	endpointTemplate = "https://codewhisperer.%s.amazonaws.com/generateAssistantResponse"
	chatTriggerType  = "MANUAL"
	requestOrigin    = "AI_EDITOR"
)

// Adapter calls the CodeWhisperer generate endpoint.
type Adapter struct {
	client   *http.Client
	endpoint string // overrides the region template when set (tests)
}

// New builds the adapter over the shared upstream client.
func New(client *http.Client) *Adapter {
	return &Adapter{client: client}
}

// NewWithEndpoint pins the endpoint, bypassing region templating.
func NewWithEndpoint(client *http.Client, endpoint string) *Adapter {
	return &Adapter{client: client, endpoint: endpoint}
}

func (a *Adapter) Kind() models.ProviderKind { return models.ProviderKiro }

func (a *Adapter) url(cred *models.CredentialRef) string {
	if a.endpoint != "" {
		return a.endpoint
	}
	region := cred.Region
	if region == "" {
		region = defaultRegion
	}
	return fmt.Sprintf(endpointTemplate, region)
}

// buildBody renders the provider request schema: the latest user message is
// the current message, everything before it is history.
func buildBody(cred *models.CredentialRef, req *relay.ChatRequest) ([]byte, error) {
	modelID := translator.UpstreamModel(models.ProviderKiro, req.Model)

	var tools []interface{}
	for _, t := range req.Tools {
		schema := json.RawMessage(t.InputSchema)
		if len(schema) == 0 {
			schema = json.RawMessage(`{"type":"object"}`)
		}
		tools = append(tools, map[string]interface{}{
			"toolSpecification": map[string]interface{}{
				"name":        t.Name,
				"description": t.Description,
				"inputSchema": map[string]interface{}{"json": schema},
			},
		})
	}

	var history []interface{}
	var current map[string]interface{}

	flushUser := func(content string, toolResults []interface{}, last bool) {
		userMsg := map[string]interface{}{
			"content": content,
			"modelId": modelID,
			"origin":  requestOrigin,
		}
		msgCtx := map[string]interface{}{}
		if len(toolResults) > 0 {
			msgCtx["toolResults"] = toolResults
		}
		if last && len(tools) > 0 {
			msgCtx["tools"] = tools
		}
		if len(msgCtx) > 0 {
			userMsg["userInputMessageContext"] = msgCtx
		}
		wrapped := map[string]interface{}{"userInputMessage": userMsg}
		if last {
			current = wrapped
		} else {
			history = append(history, wrapped)
		}
	}

	for i, turn := range req.Turns {
		last := i == len(req.Turns)-1
		switch turn.Role {
		case relay.RoleUser:
			var texts []string
			var toolResults []interface{}
			for _, p := range turn.Parts {
				switch p.Kind {
				case relay.PartText:
					texts = append(texts, p.Text)
				case relay.PartToolResult:
					status := "success"
					if p.IsError {
						status = "error"
					}
					toolResults = append(toolResults, map[string]interface{}{
						"toolUseId": p.ResultFor,
						"status":    status,
						"content":   []interface{}{map[string]string{"text": p.Result}},
					})
				}
			}
			content := strings.Join(texts, "\n")
			if i == 0 && req.System != "" {
				content = req.System + "\n\n" + content
			}
			flushUser(content, toolResults, last)

		case relay.RoleAssistant:
			assistant := map[string]interface{}{}
			var texts []string
			var toolUses []interface{}
			for _, p := range turn.Parts {
				switch p.Kind {
				case relay.PartText:
					texts = append(texts, p.Text)
				case relay.PartToolUse:
					var input interface{}
					if err := json.Unmarshal(p.ToolInput, &input); err != nil || input == nil {
						input = map[string]interface{}{}
					}
					toolUses = append(toolUses, map[string]interface{}{
						"toolUseId": p.ToolID,
						"name":      p.ToolName,
						"input":     input,
					})
				}
			}
			assistant["content"] = strings.Join(texts, "\n")
			if len(toolUses) > 0 {
				assistant["toolUses"] = toolUses
			}
			history = append(history, map[string]interface{}{"assistantResponseMessage": assistant})
		}
	}

	if current == nil {
		return nil, fmt.Errorf("kiro: conversation must end with a user message")
	}

	body := map[string]interface{}{
		"conversationState": map[string]interface{}{
			"chatTriggerType": chatTriggerType,
			"conversationId":  uuid.NewString(),
			"currentMessage":  current,
			"history":         history,
		},
	}
	if cred.ProjectID != "" {
		body["profileArn"] = cred.ProjectID
	}
	return json.Marshal(body)
}

// Call issues the upstream request and parses its SSE into events.
func (a *Adapter) Call(ctx context.Context, cred *models.CredentialRef, req *relay.ChatRequest) (relay.Stream, error) {
	payload, err := buildBody(cred, req)
	if err != nil {
		return nil, apierr.New(http.StatusBadRequest, apierr.KindInvalidRequest, err.Error())
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.url(cred), bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+cred.AccessToken)
	httpReq.Header.Set("Accept", "text/event-stream")

	resp, err := a.client.Do(httpReq)
	if err != nil {
		return nil, apierr.FromTransportError(err)
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		_ = resp.Body.Close()
		log.WithFields(log.Fields{
			"status":     resp.StatusCode,
			"credential": cred.ID,
		}).Debug("kiro upstream rejected request")
		return nil, apierr.FromUpstreamStatus(resp.StatusCode, body)
	}

	return newEventStream(ctx, resp.Body), nil
}

// Probe issues a one-token request to verify the credential.
func (a *Adapter) Probe(ctx context.Context, cred *models.CredentialRef) error {
	probe := &relay.ChatRequest{
		Model:     translator.DefaultModel(models.ProviderKiro),
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
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	for {
		_, err := stream.Next(ctx)
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
	}
}
