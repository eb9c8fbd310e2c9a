package keypool

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/nulpointcorp/keygate/internal/models"
)

const mistralBaseURL = "https://api.mistral.ai"

// MistralTester validates Mistral keys against GET /v1/models and computes
// the family set from the returned model IDs.
type MistralTester struct {
	provider *Provider
	http     *http.Client
	baseURL  string
	log      *slog.Logger
}

// NewMistralTester builds the tester. baseURL is overridable for tests.
func NewMistralTester(p *Provider, log *slog.Logger, baseURL string) *MistralTester {
	if baseURL == "" {
		baseURL = mistralBaseURL
	}
	return &MistralTester{
		provider: p,
		http:     &http.Client{Timeout: 15 * time.Second},
		baseURL:  baseURL,
		log:      log.With(slog.String("service", "mistral-ai")),
	}
}

// Test implements KeyTester.
func (t *MistralTester) Test(ctx context.Context, k *Key) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, t.baseURL+"/v1/models", nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+k.Secret)

	resp, err := t.http.Do(req)
	if err != nil {
		return &CheckError{Network: true, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		ce := &CheckError{
			StatusCode: resp.StatusCode,
			Err:        fmt.Errorf("keypool: mistral models listing: status %d", resp.StatusCode),
		}
		if resp.StatusCode == http.StatusTooManyRequests {
			ce.RateLimitKind = "requests"
		}
		return ce
	}

	var payload struct {
		Data []struct {
			ID string `json:"id"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return &CheckError{Network: true, Err: err}
	}

	seen := make(map[models.Family]bool)
	fams := make([]models.Family, 0, 4)
	for _, m := range payload.Data {
		f := models.FamilyFor(models.ServiceMistralAI, m.ID)
		if f != "" && !seen[f] {
			seen[f] = true
			fams = append(fams, f)
		}
	}
	return t.provider.Update(k.Fingerprint, Update{Families: fams})
}
