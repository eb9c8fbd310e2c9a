package keypool

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/nulpointcorp/keygate/internal/models"
)

const azureAPIVersion = "2024-02-01"

// AzureTester validates Azure OpenAI deployments with a one-token chat
// completion. GPT-4 deployments get a second oversized-context probe to
// tell the 8k snapshot apart from GPT-4-Turbo, which shares the model name.
type AzureTester struct {
	provider *Provider
	http     *http.Client
	// baseURLFmt expands a resource name to its endpoint. Tests override
	// it to point at a local server.
	baseURLFmt string
	log        *slog.Logger
}

// NewAzureTester builds the tester. baseURLFmt is overridable for tests and
// must contain one %s for the resource name.
func NewAzureTester(p *Provider, log *slog.Logger, baseURLFmt string) *AzureTester {
	if baseURLFmt == "" {
		baseURLFmt = "https://%s.openai.azure.com"
	}
	return &AzureTester{
		provider:   p,
		http:       &http.Client{Timeout: 20 * time.Second},
		baseURLFmt: baseURLFmt,
		log:        log.With(slog.String("service", "azure")),
	}
}

type azureCompletionResponse struct {
	Model string `json:"model"`
	Error *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// Test implements KeyTester.
func (t *AzureTester) Test(ctx context.Context, k *Key) error {
	if k.Azure == nil {
		return fmt.Errorf("keypool: key %s has no azure state", k.Fingerprint)
	}

	status, body, err := t.complete(ctx, k, `{"messages":[{"role":"user","content":"hi"}],"max_tokens":1}`)
	if err != nil {
		return &CheckError{Network: true, Err: err}
	}
	if status != http.StatusOK {
		return azureCheckError(status, body)
	}

	fam := t.familyFromModel(ctx, k, body.Model)
	if fam == "" {
		t.log.Warn("unrecognized azure deployment model",
			slog.String("key", k.Fingerprint),
			slog.String("model", body.Model))
		return t.provider.Update(k.Fingerprint, Update{Families: make([]models.Family, 0)})
	}
	return t.provider.Update(k.Fingerprint, Update{Families: []models.Family{fam}})
}

// familyFromModel maps the deployment's underlying model to a family,
// probing for context size where the name is ambiguous.
func (t *AzureTester) familyFromModel(ctx context.Context, k *Key, model string) models.Family {
	switch {
	case strings.HasPrefix(model, "gpt-35-turbo"), strings.HasPrefix(model, "gpt-3.5-turbo"):
		return models.FamilyAzureTurbo
	case strings.HasPrefix(model, "gpt-4-32k"):
		return models.FamilyAzureGPT432k
	case strings.HasPrefix(model, "gpt-4o"), strings.Contains(model, "turbo"):
		return models.FamilyAzureGPT4Turbo
	case strings.HasPrefix(model, "gpt-4"):
		if t.probeContextLimit(ctx, k) {
			return models.FamilyAzureGPT4
		}
		return models.FamilyAzureGPT4Turbo
	case strings.HasPrefix(model, "dall-e"):
		return models.FamilyAzureDallE
	}
	return ""
}

// probeContextLimit sends a prompt past the 8k window. The base GPT-4
// snapshot rejects it with context_length_exceeded; GPT-4-Turbo accepts the
// same prompt, so any other outcome means turbo.
func (t *AzureTester) probeContextLimit(ctx context.Context, k *Key) bool {
	filler := strings.Repeat("lorem ipsum dolor sit amet ", 2000)
	payload := fmt.Sprintf(
		`{"messages":[{"role":"user","content":%q}],"max_tokens":1}`, filler)

	status, body, err := t.complete(ctx, k, payload)
	if err != nil {
		return false
	}
	return status == http.StatusBadRequest &&
		body.Error != nil &&
		body.Error.Code == "context_length_exceeded"
}

// complete POSTs a chat completion to the key's deployment and decodes the
// response envelope regardless of status.
func (t *AzureTester) complete(ctx context.Context, k *Key, payload string) (int, *azureCompletionResponse, error) {
	endpoint := fmt.Sprintf(
		"%s/openai/deployments/%s/chat/completions?api-version=%s",
		fmt.Sprintf(t.baseURLFmt, k.Azure.ResourceName),
		k.Azure.DeploymentID,
		azureAPIVersion,
	)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(payload))
	if err != nil {
		return 0, nil, err
	}
	req.Header.Set("api-key", k.Azure.APIKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.http.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return 0, nil, err
	}
	var body azureCompletionResponse
	if err := json.Unmarshal(raw, &body); err != nil {
		body = azureCompletionResponse{}
	}
	return resp.StatusCode, &body, nil
}

// azureCheckError maps a failed completion to the checker's classification
// shape.
func azureCheckError(status int, body *azureCompletionResponse) error {
	ce := &CheckError{
		StatusCode: status,
		Err:        fmt.Errorf("keypool: azure completion: status %d", status),
	}
	if body != nil && body.Error != nil {
		ce.Code = body.Error.Code
		ce.Err = fmt.Errorf("keypool: azure completion: %s (status %d)", body.Error.Message, status)
	}
	if status == http.StatusTooManyRequests {
		ce.RateLimitKind = "requests"
	}
	// 404 with DeploymentNotFound means the credential is useless.
	if status == http.StatusNotFound && ce.Code == "" {
		ce.Code = "DeploymentNotFound"
	}
	return ce
}
