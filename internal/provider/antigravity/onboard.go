package antigravity

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"all2api-go/internal/models"
	"all2api-go/internal/store"

	log "github.com/sirupsen/logrus"
)

// Onboarder performs the one-time per-credential discovery of the Google
// Cloud project id and persists it on the credential record.
type Onboarder struct {
	client  *http.Client
	store   *store.Store
	baseURL string
}

// NewOnboarder builds the onboarder. baseURL defaults to prod.
func NewOnboarder(client *http.Client, st *store.Store) *Onboarder {
	return &Onboarder{client: client, store: st, baseURL: baseURLProd}
}

// NewOnboarderWithBaseURL pins the endpoint (tests).
func NewOnboarderWithBaseURL(client *http.Client, st *store.Store, baseURL string) *Onboarder {
	return &Onboarder{client: client, store: st, baseURL: baseURL}
}

// Onboard calls loadCodeAssist to discover the cloudaicompanion project,
// falling back to onboardUser when the account has none yet.
func (o *Onboarder) Onboard(ctx context.Context, cred *models.CredentialRef) (string, error) {
	projectID, err := o.loadCodeAssist(ctx, cred)
	if err != nil {
		return "", err
	}
	if projectID == "" {
		projectID, err = o.onboardUser(ctx, cred)
		if err != nil {
			return "", err
		}
	}
	if projectID == "" {
		return "", fmt.Errorf("antigravity onboarding returned no project id")
	}

	if o.store != nil {
		if err := o.store.SaveProjectID(ctx, models.ProviderAntigravity, cred.ID, projectID); err != nil {
			log.WithError(err).Warn("persist discovered project id failed")
		}
	}
	log.WithFields(log.Fields{"credential": cred.ID, "project": projectID}).Info("antigravity credential onboarded")
	return projectID, nil
}

func (o *Onboarder) post(ctx context.Context, cred *models.CredentialRef, method string, payload interface{}) (map[string]interface{}, error) {
	body, _ := json.Marshal(payload)
	base := o.baseURL
	// A base without a path would put ":method" in the port position.
	if u, perr := url.Parse(base); perr == nil && u.Path == "" {
		base += "/"
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, base+":"+method, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+cred.AccessToken)
	req.Header.Set("User-Agent", userAgent)

	resp, err := o.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return nil, fmt.Errorf("%s failed with status %d: %s", method, resp.StatusCode, respBody)
	}

	var result map[string]interface{}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decode %s response: %w", method, err)
	}
	return result, nil
}

func (o *Onboarder) loadCodeAssist(ctx context.Context, cred *models.CredentialRef) (string, error) {
	result, err := o.post(ctx, cred, "loadCodeAssist", map[string]interface{}{
		"metadata": map[string]string{"pluginType": "ANTIGRAVITY"},
	})
	if err != nil {
		return "", err
	}
	if project, ok := result["cloudaicompanionProject"].(string); ok {
		return project, nil
	}
	if project, ok := result["cloudaicompanionProject"].(map[string]interface{}); ok {
		if id, ok := project["id"].(string); ok {
			return id, nil
		}
	}
	return "", nil
}

func (o *Onboarder) onboardUser(ctx context.Context, cred *models.CredentialRef) (string, error) {
	result, err := o.post(ctx, cred, "onboardUser", map[string]interface{}{
		"tierId":   "free-tier",
		"metadata": map[string]string{"pluginType": "ANTIGRAVITY"},
	})
	if err != nil {
		return "", err
	}
	// Long-running operation response carries the project under response.
	if response, ok := result["response"].(map[string]interface{}); ok {
		if project, ok := response["cloudaicompanionProject"].(map[string]interface{}); ok {
			if id, ok := project["id"].(string); ok {
				return id, nil
			}
		}
	}
	return "", nil
}
