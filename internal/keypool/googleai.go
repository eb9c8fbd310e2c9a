package keypool

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"google.golang.org/genai"

	"github.com/nulpointcorp/keygate/internal/models"
)

// GoogleAITester validates Google AI keys with a one-item models listing.
type GoogleAITester struct {
	provider   *Provider
	http       *http.Client
	baseURL    string
	apiVersion string
	log        *slog.Logger
}

// NewGoogleAITester builds the tester. baseURL is overridable for tests.
func NewGoogleAITester(p *Provider, log *slog.Logger, baseURL string) *GoogleAITester {
	t := &GoogleAITester{
		provider:   p,
		http:       &http.Client{Timeout: 15 * time.Second},
		log:        log.With(slog.String("service", "google-ai")),
		apiVersion: "v1beta",
	}
	if baseURL != "" {
		t.baseURL = baseURL
	}
	return t
}

// Test implements KeyTester. A successful listing grants the full Gemini
// family; Google AI keys are not feature-partitioned further.
func (t *GoogleAITester) Test(ctx context.Context, k *Key) error {
	cfg := &genai.ClientConfig{
		APIKey:     k.Secret,
		Backend:    genai.BackendGeminiAPI,
		HTTPClient: t.http,
	}
	if t.baseURL != "" {
		cfg.HTTPOptions = genai.HTTPOptions{BaseURL: t.baseURL, APIVersion: t.apiVersion}
	}
	client, err := genai.NewClient(ctx, cfg)
	if err != nil {
		return &CheckError{Network: true, Err: err}
	}

	if _, err := client.Models.List(ctx, &genai.ListModelsConfig{PageSize: 1}); err != nil {
		return toGoogleAICheckError(err)
	}

	return t.provider.Update(k.Fingerprint, Update{
		Families: []models.Family{models.FamilyGeminiPro},
	})
}

// toGoogleAICheckError maps genai errors to the checker's classification
// shape. The SDK's Code field carries the HTTP status.
func toGoogleAICheckError(err error) error {
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		ce := &CheckError{StatusCode: apiErr.Code, Code: apiErr.Status, Err: err}
		if apiErr.Code == http.StatusTooManyRequests {
			ce.RateLimitKind = "requests"
		}
		return ce
	}
	return &CheckError{Network: true, Err: err}
}
