// Package antigravity is the Gemini-over-GCP provider adapter. Requests
// are wrapped in the v1internal envelope and sent to the cloudcode
// generate endpoints with a bearer access token. Each credential needs a
// one-time onboarding step that discovers its Google Cloud project id.
package antigravity

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"all2api-go/internal/apierr"
	"all2api-go/internal/models"
	"all2api-go/internal/relay"
	"all2api-go/internal/translator"

	log "github.com/sirupsen/logrus"
)

const (
	baseURLProd  = "https://cloudcode-pa.googleapis.com/v1internal"
	baseURLDaily = "https://daily-cloudcode-pa.sandbox.googleapis.com/v1internal"
	userAgent    = "antigravity/1.11.5 (linux; x64)"
)

// Adapter calls the v1internal generate endpoints, prod first with a
// fallback to the daily sandbox on retryable statuses.
type Adapter struct {
	client    *http.Client
	baseURLs  []string
	onboarder *Onboarder
}

// New builds the adapter over the shared upstream client.
func New(client *http.Client, onboarder *Onboarder) *Adapter {
	return &Adapter{
		client:    client,
		baseURLs:  []string{baseURLProd, baseURLDaily},
		onboarder: onboarder,
	}
}

// NewWithBaseURLs pins the endpoint list (tests).
func NewWithBaseURLs(client *http.Client, onboarder *Onboarder, urls ...string) *Adapter {
	return &Adapter{client: client, baseURLs: urls, onboarder: onboarder}
}

func (a *Adapter) Kind() models.ProviderKind { return models.ProviderAntigravity }

// wrapV1Internal builds the envelope around a plain generateContent body.
func wrapV1Internal(geminiBody []byte, projectID, model string) ([]byte, error) {
	var request map[string]interface{}
	if err := json.Unmarshal(geminiBody, &request); err != nil {
		return nil, err
	}
	return json.Marshal(map[string]interface{}{
		"model":   model,
		"project": projectID,
		"request": request,
	})
}

func (a *Adapter) generateURL(base string, stream bool) string {
	// A base without a path would put ":method" in the port position.
	if u, err := url.Parse(base); err == nil && u.Path == "" {
		base += "/"
	}
	if stream {
		return fmt.Sprintf("%s:streamGenerateContent?alt=sse", base)
	}
	return fmt.Sprintf("%s:generateContent", base)
}

func shouldTryNextEndpoint(status int) bool {
	return status == http.StatusTooManyRequests ||
		status == http.StatusRequestTimeout ||
		status == http.StatusNotFound ||
		status >= 500
}

// Call issues the upstream request. Non-streaming downstream requests
// still use the streaming endpoint; the dispatcher collects the events.
func (a *Adapter) Call(ctx context.Context, cred *models.CredentialRef, req *relay.ChatRequest) (relay.Stream, error) {
	if cred.ProjectID == "" {
		projectID, err := a.onboarder.Onboard(ctx, cred)
		if err != nil {
			return nil, err
		}
		cred.ProjectID = projectID
	}

	geminiBody, err := translator.BuildGeminiRequest(req)
	if err != nil {
		return nil, apierr.New(http.StatusBadRequest, apierr.KindInvalidRequest, err.Error())
	}
	model := translator.UpstreamModel(models.ProviderAntigravity, req.Model)
	payload, err := wrapV1Internal(geminiBody, cred.ProjectID, model)
	if err != nil {
		return nil, apierr.New(http.StatusBadRequest, apierr.KindInvalidRequest, err.Error())
	}

	var lastErr error
	for i, base := range a.baseURLs {
		httpReq, reqErr := http.NewRequestWithContext(ctx, http.MethodPost, a.generateURL(base, true), bytes.NewReader(payload))
		if reqErr != nil {
			return nil, reqErr
		}
		httpReq.Header.Set("Content-Type", "application/json")
		httpReq.Header.Set("Authorization", "Bearer "+cred.AccessToken)
		httpReq.Header.Set("User-Agent", userAgent)

		resp, doErr := a.client.Do(httpReq)
		if doErr != nil {
			lastErr = apierr.FromTransportError(doErr)
			continue
		}
		if resp.StatusCode != http.StatusOK {
			body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
			_ = resp.Body.Close()
			lastErr = apierr.FromUpstreamStatus(resp.StatusCode, body)
			if i+1 < len(a.baseURLs) && shouldTryNextEndpoint(resp.StatusCode) {
				log.WithField("status", resp.StatusCode).Debug("antigravity falling back to next endpoint")
				continue
			}
			return nil, lastErr
		}
		return newEventStream(ctx, resp.Body), nil
	}
	return nil, lastErr
}

// Probe verifies the credential with a minimal generate call.
func (a *Adapter) Probe(ctx context.Context, cred *models.CredentialRef) error {
	probe := &relay.ChatRequest{
		Model:     translator.DefaultModel(models.ProviderAntigravity),
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
