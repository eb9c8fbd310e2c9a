package keypool

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"

	openaiSDK "github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"

	"github.com/nulpointcorp/keygate/internal/models"
)

const (
	openaiBaseURL = "https://api.openai.com/v1"

	// trialRPMCeiling: keys whose request limit is at or below this are
	// free-trial keys.
	trialRPMCeiling = 250
)

// OpenAITester validates OpenAI keys: lists models to compute the family
// set, probes the rate-limit headers to flag trial keys, and clones the key
// across any extra organizations it can act as.
type OpenAITester struct {
	provider *Provider
	http     *http.Client
	baseURL  string
	log      *slog.Logger
}

// NewOpenAITester builds the tester. baseURL is overridable for tests.
func NewOpenAITester(p *Provider, log *slog.Logger, baseURL string) *OpenAITester {
	if baseURL == "" {
		baseURL = openaiBaseURL
	}
	return &OpenAITester{
		provider: p,
		http:     &http.Client{Timeout: 15 * time.Second},
		baseURL:  baseURL,
		log:      log.With(slog.String("service", "openai")),
	}
}

// Test implements KeyTester.
func (t *OpenAITester) Test(ctx context.Context, k *Key) error {
	fams, err := t.listFamilies(ctx, k)
	if err != nil {
		return err
	}
	u := Update{Families: fams}

	rpm, perr := t.probeRateLimit(ctx, k)
	if perr != nil {
		// The probe is best-effort; header loss must not fail the key.
		t.log.Debug("rate-limit probe failed",
			slog.String("key", k.Fingerprint),
			slog.String("error", perr.Error()))
	} else if rpm > 0 {
		u.RPM = intPtr(rpm)
		u.Trial = boolPtr(rpm <= trialRPMCeiling)
	}

	if err := t.provider.Update(k.Fingerprint, u); err != nil {
		return err
	}

	// Org discovery only makes sense for the base key; clones already
	// carry their organization.
	if k.OpenAI == nil || k.OpenAI.Org == "" {
		t.cloneOrganizations(ctx, k)
	}
	return nil
}

// listFamilies computes the reachable family set from GET /v1/models. A key
// that sees any dated 32k snapshot is treated as having full gpt4-32k
// access.
func (t *OpenAITester) listFamilies(ctx context.Context, k *Key) ([]models.Family, error) {
	opts := []option.RequestOption{
		option.WithAPIKey(k.Secret),
		option.WithBaseURL(t.baseURL),
		option.WithHTTPClient(t.http),
	}
	if k.OpenAI != nil && k.OpenAI.Org != "" {
		opts = append(opts, option.WithHeader("OpenAI-Organization", k.OpenAI.Org))
	}
	client := openaiSDK.NewClient(opts...)

	page, err := client.Models.List(ctx)
	if err != nil {
		return nil, toOpenAICheckError(err)
	}

	seen := make(map[models.Family]bool)
	var fams []models.Family
	for _, m := range page.Data {
		f := models.FamilyFor(models.ServiceOpenAI, m.ID)
		if f != "" && !seen[f] {
			seen[f] = true
			fams = append(fams, f)
		}
	}
	if fams == nil {
		fams = make([]models.Family, 0)
	}
	return fams, nil
}

// probeRateLimit sends a deliberately malformed completion so the API
// rejects it cheaply while still returning the account's
// x-ratelimit-limit-requests header.
func (t *OpenAITester) probeRateLimit(ctx context.Context, k *Key) (int, error) {
	body := strings.NewReader(`{"model":"babbage-002","messages":[],"max_tokens":-1}`)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.baseURL+"/chat/completions", body)
	if err != nil {
		return 0, err
	}
	req.Header.Set("Authorization", "Bearer "+k.Secret)
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.http.Do(req)
	if err != nil {
		return 0, &CheckError{Network: true, Err: err}
	}
	defer resp.Body.Close()

	h := resp.Header.Get("x-ratelimit-limit-requests")
	if h == "" {
		return 0, fmt.Errorf("keypool: no x-ratelimit-limit-requests header (status %d)", resp.StatusCode)
	}
	rpm, err := strconv.Atoi(h)
	if err != nil {
		return 0, fmt.Errorf("keypool: bad x-ratelimit-limit-requests %q: %w", h, err)
	}
	return rpm, nil
}

type openaiOrg struct {
	ID        string `json:"id"`
	IsDefault bool   `json:"is_default"`
}

// cloneOrganizations lists the organizations the key can act as and
// registers a pool clone for each non-default one. Failures are logged and
// swallowed; org access is a bonus, not a requirement.
func (t *OpenAITester) cloneOrganizations(ctx context.Context, k *Key) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, t.baseURL+"/organizations", nil)
	if err != nil {
		return
	}
	req.Header.Set("Authorization", "Bearer "+k.Secret)

	resp, err := t.http.Do(req)
	if err != nil {
		t.log.Debug("organization listing failed",
			slog.String("key", k.Fingerprint),
			slog.String("error", err.Error()))
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return
	}

	var payload struct {
		Data []openaiOrg `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return
	}
	for _, org := range payload.Data {
		if org.IsDefault || org.ID == "" {
			continue
		}
		if _, err := t.provider.CloneWithOrg(k.Fingerprint, org.ID); err != nil {
			t.log.Warn("organization clone failed",
				slog.String("key", k.Fingerprint),
				slog.String("org", org.ID),
				slog.String("error", err.Error()))
		}
	}
}

// toOpenAICheckError maps SDK errors to the checker's classification shape.
func toOpenAICheckError(err error) error {
	var aerr *openaiSDK.Error
	if errors.As(err, &aerr) {
		ce := &CheckError{
			StatusCode: aerr.StatusCode,
			Code:       aerr.Code,
			Err:        err,
		}
		if aerr.StatusCode == http.StatusTooManyRequests {
			ce.RateLimitKind = openaiRateLimitKind(aerr.Type, aerr.Message)
		}
		return ce
	}
	return &CheckError{Network: true, Err: err}
}

// openaiRateLimitKind extracts the 429 subtype from the error type or
// message text.
func openaiRateLimitKind(errType, msg string) string {
	switch errType {
	case "requests", "tokens":
		return errType
	}
	lower := strings.ToLower(msg)
	switch {
	case strings.Contains(lower, "requests per min"), strings.Contains(lower, "rpm"):
		return "requests"
	case strings.Contains(lower, "tokens per min"), strings.Contains(lower, "tpm"):
		return "tokens"
	}
	return ""
}

// resetToken matches one component of an x-ratelimit-reset-* value.
var resetToken = regexp.MustCompile(`^(\d+(?:\.\d+)?)(ms|s|m|h|d)`)

// ParseResetWindow converts OpenAI's reset-header duration syntax
// ("14m25s", "21.003s", "200ms") to milliseconds. Malformed input yields 0.
func ParseResetWindow(s string) int64 {
	if s == "" {
		return 0
	}
	var total float64
	for s != "" {
		m := resetToken.FindStringSubmatch(s)
		if m == nil {
			return 0
		}
		v, err := strconv.ParseFloat(m[1], 64)
		if err != nil {
			return 0
		}
		switch m[2] {
		case "ms":
			total += v
		case "s":
			total += v * 1000
		case "m":
			total += v * 60 * 1000
		case "h":
			total += v * 60 * 60 * 1000
		case "d":
			total += v * 24 * 60 * 60 * 1000
		}
		s = s[len(m[0]):]
	}
	return int64(total)
}

// ResetLockout derives the effective OpenAI 429 lockout from the two reset
// headers: the larger window wins, capped by the pool-wide maximum.
func ResetLockout(resetRequests, resetTokens string) time.Duration {
	ms := ParseResetWindow(resetRequests)
	if tok := ParseResetWindow(resetTokens); tok > ms {
		ms = tok
	}
	d := time.Duration(ms) * time.Millisecond
	if d > maxLockout {
		d = maxLockout
	}
	return d
}
