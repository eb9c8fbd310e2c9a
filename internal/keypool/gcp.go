package keypool

import (
	"context"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/nulpointcorp/keygate/internal/models"
)

const (
	gcpTokenURL = "https://oauth2.googleapis.com/token"
	gcpScope    = "https://www.googleapis.com/auth/cloud-platform"

	// tokenSlack refreshes tokens this long before they expire.
	tokenSlack = 5 * time.Minute
)

// gcpClaudeVariants are the Vertex publisher model IDs probed per family.
var gcpClaudeVariants = []struct {
	modelID string
	family  models.Family
}{
	{"claude-3-sonnet@20240229", models.FamilyGCPClaude},
	{"claude-3-opus@20240229", models.FamilyGCPClaudeOpus},
}

// decodePrivateKey turns the base64 blob from a composite GCP credential
// into validated PEM. Raw PEM is accepted as-is for operator convenience.
func decodePrivateKey(blob string) (string, error) {
	pemText := blob
	if !strings.Contains(blob, "-----BEGIN") {
		raw, err := base64.StdEncoding.DecodeString(blob)
		if err != nil {
			return "", fmt.Errorf("private key is neither PEM nor base64: %w", err)
		}
		pemText = string(raw)
	}
	if _, err := parseRSAKey(pemText); err != nil {
		return "", err
	}
	return pemText, nil
}

func parseRSAKey(pemText string) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode([]byte(pemText))
	if block == nil {
		return nil, fmt.Errorf("no PEM block in private key")
	}
	if key, err := x509.ParsePKCS8PrivateKey(block.Bytes); err == nil {
		rsaKey, ok := key.(*rsa.PrivateKey)
		if !ok {
			return nil, fmt.Errorf("private key is not RSA")
		}
		return rsaKey, nil
	}
	key, err := x509.ParsePKCS1PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	return key, nil
}

// GCPTokenSource exchanges service-account JWTs for OAuth access tokens and
// caches them per key until shortly before expiry. Shared by the checker
// and the dispatch path.
type GCPTokenSource struct {
	http     *http.Client
	tokenURL string

	mu    sync.Mutex
	cache map[string]cachedToken
}

type cachedToken struct {
	token   string
	expires time.Time
}

// NewGCPTokenSource builds a token source. tokenURL is overridable for
// tests.
func NewGCPTokenSource(tokenURL string) *GCPTokenSource {
	if tokenURL == "" {
		tokenURL = gcpTokenURL
	}
	return &GCPTokenSource{
		http:     &http.Client{Timeout: 15 * time.Second},
		tokenURL: tokenURL,
		cache:    make(map[string]cachedToken),
	}
}

// Token returns a live access token for the key, minting one on cache miss.
func (s *GCPTokenSource) Token(ctx context.Context, k *Key) (string, error) {
	if k.GCP == nil {
		return "", fmt.Errorf("keypool: key %s has no gcp state", k.Fingerprint)
	}

	s.mu.Lock()
	cached, ok := s.cache[k.Fingerprint]
	s.mu.Unlock()
	if ok && time.Until(cached.expires) > tokenSlack {
		return cached.token, nil
	}

	assertion, err := signServiceAccountJWT(k.GCP.ClientEmail, k.GCP.PrivateKey, s.tokenURL)
	if err != nil {
		return "", err
	}

	form := url.Values{
		"grant_type": {"urn:ietf:params:oauth:grant-type:jwt-bearer"},
		"assertion":  {assertion},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.tokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := s.http.Do(req)
	if err != nil {
		return "", &CheckError{Network: true, Err: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return "", &CheckError{
			StatusCode: resp.StatusCode,
			Err:        fmt.Errorf("keypool: gcp token exchange: status %d: %s", resp.StatusCode, raw),
		}
	}

	var payload struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int    `json:"expires_in"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return "", fmt.Errorf("keypool: gcp token exchange: %w", err)
	}
	if payload.AccessToken == "" {
		return "", fmt.Errorf("keypool: gcp token exchange: empty token")
	}

	s.mu.Lock()
	s.cache[k.Fingerprint] = cachedToken{
		token:   payload.AccessToken,
		expires: time.Now().Add(time.Duration(payload.ExpiresIn) * time.Second),
	}
	s.mu.Unlock()
	return payload.AccessToken, nil
}

// Invalidate drops a cached token, e.g. after an upstream 401.
func (s *GCPTokenSource) Invalidate(fp string) {
	s.mu.Lock()
	delete(s.cache, fp)
	s.mu.Unlock()
}

// signServiceAccountJWT builds and RS256-signs the assertion for the OAuth
// exchange.
func signServiceAccountJWT(clientEmail, privateKeyPEM, audience string) (string, error) {
	key, err := parseRSAKey(privateKeyPEM)
	if err != nil {
		return "", err
	}

	now := time.Now()
	header := base64.RawURLEncoding.EncodeToString([]byte(`{"alg":"RS256","typ":"JWT"}`))
	claims, err := json.Marshal(map[string]any{
		"iss":   clientEmail,
		"scope": gcpScope,
		"aud":   audience,
		"iat":   now.Unix(),
		"exp":   now.Add(time.Hour).Unix(),
	})
	if err != nil {
		return "", err
	}
	signingInput := header + "." + base64.RawURLEncoding.EncodeToString(claims)

	digest := sha256.Sum256([]byte(signingInput))
	sig, err := rsa.SignPKCS1v15(rand.Reader, key, crypto.SHA256, digest[:])
	if err != nil {
		return "", fmt.Errorf("keypool: sign jwt: %w", err)
	}
	return signingInput + "." + base64.RawURLEncoding.EncodeToString(sig), nil
}

// GCPTester validates Vertex service accounts: mints a token and probes
// each Claude variant with an intentionally invalid invoke.
type GCPTester struct {
	provider *Provider
	tokens   *GCPTokenSource
	http     *http.Client
	// endpointOverride replaces the regional Vertex endpoint in tests.
	endpointOverride string
	log              *slog.Logger
}

// NewGCPTester builds the tester. endpointOverride is for tests.
func NewGCPTester(p *Provider, tokens *GCPTokenSource, log *slog.Logger, endpointOverride string) *GCPTester {
	return &GCPTester{
		provider:         p,
		tokens:           tokens,
		http:             &http.Client{Timeout: 20 * time.Second},
		endpointOverride: endpointOverride,
		log:              log.With(slog.String("service", "gcp")),
	}
}

func (t *GCPTester) endpoint(k *Key, modelID string) string {
	base := t.endpointOverride
	if base == "" {
		base = fmt.Sprintf("https://%s-aiplatform.googleapis.com", k.GCP.Region)
	}
	return fmt.Sprintf(
		"%s/v1/projects/%s/locations/%s/publishers/anthropic/models/%s:rawPredict",
		strings.TrimRight(base, "/"), k.GCP.ProjectID, k.GCP.Region, modelID,
	)
}

// Test implements KeyTester.
func (t *GCPTester) Test(ctx context.Context, k *Key) error {
	token, err := t.tokens.Token(ctx, k)
	if err != nil {
		return err
	}

	var fams []models.Family
	for _, v := range gcpClaudeVariants {
		ok, err := t.probeModel(ctx, k, token, v.modelID)
		if err != nil {
			return err
		}
		if ok {
			fams = append(fams, v.family)
		}
	}
	if fams == nil {
		fams = make([]models.Family, 0)
	}
	return t.provider.Update(k.Fingerprint, Update{Families: fams})
}

// probeModel mirrors the AWS probe: a body missing max_tokens yields a 400
// mentioning max_tokens when the model is granted.
func (t *GCPTester) probeModel(ctx context.Context, k *Key, token, modelID string) (bool, error) {
	payload := `{"anthropic_version":"vertex-2023-10-16","messages":[{"role":"user","content":"hi"}]}`
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.endpoint(k, modelID), strings.NewReader(payload))
	if err != nil {
		return false, err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.http.Do(req)
	if err != nil {
		return false, &CheckError{Network: true, Err: err}
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	body := strings.ToLower(string(raw))

	switch resp.StatusCode {
	case http.StatusBadRequest:
		return strings.Contains(body, "max_tokens"), nil
	case http.StatusForbidden, http.StatusNotFound:
		return false, nil
	case http.StatusUnauthorized:
		t.tokens.Invalidate(k.Fingerprint)
		return false, &CheckError{
			StatusCode: http.StatusUnauthorized,
			Err:        fmt.Errorf("keypool: vertex invoke %s: status 401", modelID),
		}
	case http.StatusTooManyRequests:
		return false, &CheckError{
			StatusCode:    http.StatusTooManyRequests,
			RateLimitKind: "requests",
			Err:           fmt.Errorf("keypool: vertex invoke %s: throttled", modelID),
		}
	default:
		return false, &CheckError{
			StatusCode: resp.StatusCode,
			Err:        fmt.Errorf("keypool: vertex invoke %s: status %d", modelID, resp.StatusCode),
		}
	}
}
