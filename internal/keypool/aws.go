package keypool

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/nulpointcorp/keygate/internal/models"
)

const sigV4Algorithm = "AWS4-HMAC-SHA256"

// awsClaudeVariants are the Bedrock model IDs probed per family. Access is
// checked variant by variant; Bedrock grants are per-model.
var awsClaudeVariants = []struct {
	modelID string
	family  models.Family
}{
	{"anthropic.claude-3-sonnet-20240229-v1:0", models.FamilyAWSClaude},
	{"anthropic.claude-3-opus-20240229-v1:0", models.FamilyAWSClaudeOpus},
}

// AWSTester validates Bedrock credentials with intentionally invalid invoke
// calls per Claude variant and reads the account's invocation-logging
// configuration.
type AWSTester struct {
	provider *Provider
	http     *http.Client
	// endpointOverride replaces the regional AWS endpoints in tests.
	endpointOverride string
	log              *slog.Logger
}

// NewAWSTester builds the tester. endpointOverride is for tests.
func NewAWSTester(p *Provider, log *slog.Logger, endpointOverride string) *AWSTester {
	return &AWSTester{
		provider:         p,
		http:             &http.Client{Timeout: 20 * time.Second},
		endpointOverride: endpointOverride,
		log:              log.With(slog.String("service", "aws")),
	}
}

func (t *AWSTester) runtimeEndpoint(region string) string {
	if t.endpointOverride != "" {
		return strings.TrimRight(t.endpointOverride, "/")
	}
	return fmt.Sprintf("https://bedrock-runtime.%s.amazonaws.com", region)
}

func (t *AWSTester) controlEndpoint(region string) string {
	if t.endpointOverride != "" {
		return strings.TrimRight(t.endpointOverride, "/")
	}
	return fmt.Sprintf("https://bedrock.%s.amazonaws.com", region)
}

// Test implements KeyTester.
func (t *AWSTester) Test(ctx context.Context, k *Key) error {
	if k.AWS == nil {
		return fmt.Errorf("keypool: key %s has no aws state", k.Fingerprint)
	}

	var fams []models.Family
	for _, v := range awsClaudeVariants {
		ok, err := t.probeModel(ctx, k, v.modelID)
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

	logging := t.loggingStatus(ctx, k)

	return t.provider.Update(k.Fingerprint, Update{
		Families:   fams,
		AWSLogging: logPtr(logging),
	})
}

// probeModel sends an invoke with a body missing max_tokens. A 400
// ValidationException complaining about max_tokens proves the model is
// granted; a 403 about model access proves it is not. Anything else is a
// credential-level failure.
func (t *AWSTester) probeModel(ctx context.Context, k *Key, modelID string) (bool, error) {
	payload := []byte(`{"anthropic_version":"bedrock-2023-05-31","messages":[{"role":"user","content":"hi"}]}`)
	endpoint := fmt.Sprintf("%s/model/%s/invoke", t.runtimeEndpoint(k.AWS.Region), modelID)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(string(payload)))
	if err != nil {
		return false, err
	}
	req.Header.Set("Content-Type", "application/json")
	if err := SignAWSRequest(req, payload, k.AWS.AccessKey, k.AWS.SecretKey, k.AWS.Region, "bedrock"); err != nil {
		return false, err
	}

	resp, err := t.http.Do(req)
	if err != nil {
		return false, &CheckError{Network: true, Err: err}
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	body := strings.ToLower(string(raw))

	switch resp.StatusCode {
	case http.StatusBadRequest:
		if strings.Contains(body, "max_tokens") {
			return true, nil
		}
		return false, nil
	case http.StatusForbidden:
		if strings.Contains(body, "access to the model") ||
			strings.Contains(body, "don't have access") {
			return false, nil
		}
		return false, &CheckError{
			StatusCode: http.StatusForbidden,
			Code:       awsErrorType(raw),
			Err:        fmt.Errorf("keypool: bedrock invoke %s: status 403", modelID),
		}
	case http.StatusTooManyRequests:
		return false, &CheckError{
			StatusCode:    http.StatusTooManyRequests,
			RateLimitKind: "requests",
			Err:           fmt.Errorf("keypool: bedrock invoke %s: throttled", modelID),
		}
	default:
		return false, &CheckError{
			StatusCode: resp.StatusCode,
			Code:       awsErrorType(raw),
			Err:        fmt.Errorf("keypool: bedrock invoke %s: status %d", modelID, resp.StatusCode),
		}
	}
}

// loggingStatus reads the account's invocation-logging configuration. A
// failed read leaves the status unknown; the selection policy treats
// unknown as safe.
func (t *AWSTester) loggingStatus(ctx context.Context, k *Key) AWSLoggingStatus {
	endpoint := t.controlEndpoint(k.AWS.Region) + "/logging/modelinvocations"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return AWSLoggingUnknown
	}
	if err := SignAWSRequest(req, nil, k.AWS.AccessKey, k.AWS.SecretKey, k.AWS.Region, "bedrock"); err != nil {
		return AWSLoggingUnknown
	}

	resp, err := t.http.Do(req)
	if err != nil {
		return AWSLoggingUnknown
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return AWSLoggingUnknown
	}

	var payload struct {
		LoggingConfig *json.RawMessage `json:"loggingConfig"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return AWSLoggingUnknown
	}
	if payload.LoggingConfig != nil && string(*payload.LoggingConfig) != "null" {
		return AWSLoggingEnabled
	}
	return AWSLoggingDisabled
}

// awsErrorType extracts the "__type" discriminator from a Bedrock error
// body.
func awsErrorType(raw []byte) string {
	var be struct {
		Type string `json:"__type"`
	}
	if json.Unmarshal(raw, &be) == nil {
		// The type often arrives namespaced, e.g.
		// "com.amazon...#UnrecognizedClientException".
		if i := strings.LastIndex(be.Type, "#"); i >= 0 {
			return be.Type[i+1:]
		}
		return be.Type
	}
	return ""
}

// SignAWSRequest applies SigV4 over the request for the given service
// scope. The dispatch path signs bedrock-runtime invokes with the same
// routine the checker uses.
func SignAWSRequest(req *http.Request, payload []byte, accessKey, secretKey, region, service string) error {
	now := time.Now().UTC()
	datestamp := now.Format("20060102")
	amzdate := now.Format("20060102T150405Z")

	host := req.URL.Host
	if host == "" {
		host = req.Host
	}
	req.Header.Set("Host", host)
	req.Header.Set("X-Amz-Date", amzdate)

	payloadHash := sha256Hex(payload)

	signedHeaders := "host;x-amz-date"
	canonicalHeaders := fmt.Sprintf("host:%s\nx-amz-date:%s\n", host, amzdate)
	if ct := req.Header.Get("Content-Type"); ct != "" {
		signedHeaders = "content-type;" + signedHeaders
		canonicalHeaders = fmt.Sprintf("content-type:%s\n", ct) + canonicalHeaders
	}

	canonicalURI := req.URL.EscapedPath()
	if canonicalURI == "" {
		canonicalURI = "/"
	}

	canonicalRequest := strings.Join([]string{
		req.Method,
		canonicalURI,
		req.URL.RawQuery,
		canonicalHeaders,
		signedHeaders,
		payloadHash,
	}, "\n")

	credentialScope := fmt.Sprintf("%s/%s/%s/aws4_request", datestamp, region, service)
	stringToSign := strings.Join([]string{
		sigV4Algorithm,
		amzdate,
		credentialScope,
		sha256Hex([]byte(canonicalRequest)),
	}, "\n")

	signingKey := deriveSigningKey(secretKey, datestamp, region, service)
	signature := hex.EncodeToString(hmacSHA256(signingKey, stringToSign))

	req.Header.Set("Authorization", fmt.Sprintf(
		"%s Credential=%s/%s, SignedHeaders=%s, Signature=%s",
		sigV4Algorithm, accessKey, credentialScope, signedHeaders, signature,
	))
	return nil
}

func deriveSigningKey(secretKey, date, region, svc string) []byte {
	kDate := hmacSHA256([]byte("AWS4"+secretKey), date)
	kRegion := hmacSHA256(kDate, region)
	kService := hmacSHA256(kRegion, svc)
	return hmacSHA256(kService, "aws4_request")
}

func hmacSHA256(key []byte, data string) []byte {
	h := hmac.New(sha256.New, key)
	h.Write([]byte(data))
	return h.Sum(nil)
}

func sha256Hex(data []byte) string {
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:])
}
