package proxy

import (
	"bytes"
	"compress/gzip"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/nulpointcorp/keygate/internal/keypool"
	"github.com/nulpointcorp/keygate/internal/models"
	"github.com/nulpointcorp/keygate/internal/sse"
)

func errResponse(status int, body string, header http.Header) *http.Response {
	if header == nil {
		header = make(http.Header)
	}
	return &http.Response{
		StatusCode: status,
		Header:     header,
		Body:       io.NopCloser(strings.NewReader(body)),
	}
}

func gzipBody(t *testing.T, s string) string {
	t.Helper()
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	if _, err := gz.Write([]byte(s)); err != nil {
		t.Fatalf("gzip write: %v", err)
	}
	if err := gz.Close(); err != nil {
		t.Fatalf("gzip close: %v", err)
	}
	return buf.String()
}

func snapshotFor(t *testing.T, pool *keypool.Pool, svc models.Service, fp string) keypool.Snapshot {
	t.Helper()
	for _, snap := range pool.List()[svc] {
		if snap.Fingerprint == fp {
			return snap
		}
	}
	t.Fatalf("no snapshot for %s/%s", svc, fp)
	return keypool.Snapshot{}
}

// TestClassifyFailure covers the status-to-pool-action mapping.
func TestClassifyFailure(t *testing.T) {
	tests := []struct {
		name    string
		svc     models.Service
		model   string
		status  int
		body    string
		headers http.Header

		wantRetryable bool
		wantRevoked   bool
		wantOverQuota bool
		wantLockedOut bool
		minLockout    time.Duration
	}{
		{
			name:        "401 revokes the key",
			svc:         models.ServiceAnthropic,
			model:       "claude-2",
			status:      http.StatusUnauthorized,
			body:        `{"error":{"type":"authentication_error","message":"invalid x-api-key"}}`,
			wantRevoked: true,
		},
		{
			name:        "403 revokes the key",
			svc:         models.ServiceOpenAI,
			model:       "gpt-4",
			status:      http.StatusForbidden,
			body:        `{"error":{"code":"account_deactivated","message":"deactivated"}}`,
			wantRevoked: true,
		},
		{
			name:          "429 insufficient_quota disables for quota",
			svc:           models.ServiceOpenAI,
			model:         "gpt-4",
			status:        http.StatusTooManyRequests,
			body:          `{"error":{"code":"insufficient_quota","message":"You exceeded your current quota"}}`,
			wantOverQuota: true,
		},
		{
			name:          "429 credit balance phrase disables for quota",
			svc:           models.ServiceAnthropic,
			model:         "claude-2",
			status:        http.StatusTooManyRequests,
			body:          `{"error":{"type":"rate_limit_error","message":"Your credit balance is too low to access the API"}}`,
			wantOverQuota: true,
		},
		{
			name:          "429 plain is a retryable lockout",
			svc:           models.ServiceAnthropic,
			model:         "claude-2",
			status:        http.StatusTooManyRequests,
			body:          `{"error":{"type":"rate_limit_error","message":"Number of requests exceeded"}}`,
			wantRetryable: true,
			wantLockedOut: true,
		},
		{
			name:   "429 with openai reset headers extends the lockout",
			svc:    models.ServiceOpenAI,
			model:  "gpt-4",
			status: http.StatusTooManyRequests,
			body:   `{"error":{"code":"rate_limit_exceeded","message":"Rate limit reached"}}`,
			headers: http.Header{
				"X-Ratelimit-Reset-Requests": []string{"6s"},
				"X-Ratelimit-Reset-Tokens":   []string{"120ms"},
			},
			wantRetryable: true,
			wantLockedOut: true,
			minLockout:    5 * time.Second,
		},
		{
			name:          "500 is retryable",
			svc:           models.ServiceOpenAI,
			model:         "gpt-4",
			status:        http.StatusInternalServerError,
			body:          `{"error":{"message":"The server had an error"}}`,
			wantRetryable: true,
			wantLockedOut: true,
		},
		{
			name:          "anthropic preamble complaint is retryable",
			svc:           models.ServiceAnthropic,
			model:         "claude-2",
			status:        http.StatusBadRequest,
			body:          `{"error":{"type":"invalid_request_error","message":"prompt must start with a Human turn"}}`,
			wantRetryable: true,
		},
		{
			name:          "gzip quota body is decoded",
			svc:           models.ServiceOpenAI,
			model:         "gpt-4",
			status:        http.StatusTooManyRequests,
			body:          "", // set below
			headers:       http.Header{"Content-Encoding": []string{"gzip"}},
			wantOverQuota: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pool := testPool(t, keypool.Config{
				OpenAIKeys:    []string{"sk-oa-classify"},
				AnthropicKeys: []string{"sk-ant-classify"},
			}, map[models.Service][]models.Family{
				models.ServiceOpenAI:    {models.FamilyGPT4},
				models.ServiceAnthropic: {models.FamilyClaude},
			})
			o := testOrchestrator(pool)

			key, err := pool.Get(tt.model, tt.svc)
			if err != nil {
				t.Fatalf("Get: %v", err)
			}
			in := &inboundRequest{RequestID: "req-1", Service: tt.svc, Model: tt.model}

			body := tt.body
			if tt.headers.Get("Content-Encoding") == "gzip" {
				body = gzipBody(t, `{"error":{"code":"insufficient_quota","message":"quota"}}`)
			}
			before := time.Now()
			ue := o.classifyFailure(in, key, errResponse(tt.status, body, tt.headers))

			if ue.Retryable != tt.wantRetryable {
				t.Errorf("Retryable = %v, want %v", ue.Retryable, tt.wantRetryable)
			}
			snap := snapshotFor(t, pool, tt.svc, key.Fingerprint)
			if snap.Revoked != tt.wantRevoked {
				t.Errorf("Revoked = %v, want %v", snap.Revoked, tt.wantRevoked)
			}
			if snap.OverQuota != tt.wantOverQuota {
				t.Errorf("OverQuota = %v, want %v", snap.OverQuota, tt.wantOverQuota)
			}
			if (tt.wantRevoked || tt.wantOverQuota) && !snap.Disabled {
				t.Error("key should be disabled")
			}
			if tt.wantLockedOut && !snap.RateLimitedUntil.After(before) {
				t.Error("expected a rate-limit lockout")
			}
			if tt.minLockout > 0 && snap.RateLimitedUntil.Before(before.Add(tt.minLockout)) {
				t.Errorf("lockout until %v, want at least %v", snap.RateLimitedUntil, before.Add(tt.minLockout))
			}
		})
	}
}

// TestPreambleRewriteAfterComplaint verifies the classify → rebuild loop: a
// preamble complaint flips the key flag and the next upstream build rewrites
// the prompt.
func TestPreambleRewriteAfterComplaint(t *testing.T) {
	pool := testPool(t, keypool.Config{
		AnthropicKeys: []string{"sk-ant-preamble"},
	}, map[models.Service][]models.Family{
		models.ServiceAnthropic: {models.FamilyClaude},
	})
	o := testOrchestrator(pool)

	key, err := pool.Get("claude-2", models.ServiceAnthropic)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	in := &inboundRequest{
		RequestID: "req-1",
		Service:   models.ServiceAnthropic,
		Dialect:   sse.DialectAnthropicText,
		Model:     "claude-2",
		Body:      []byte(`{"model":"claude-2","prompt":"Hi Claude"}`),
	}

	ue := o.classifyFailure(in, key, errResponse(http.StatusBadRequest,
		`{"error":{"type":"invalid_request_error","message":"prompt must start with a Human turn"}}`, nil))
	if !ue.Retryable {
		t.Fatal("preamble complaint must be retryable")
	}

	call, err := o.anthropicUpstream(t.Context(), in, key)
	if err != nil {
		t.Fatalf("anthropicUpstream: %v", err)
	}
	sent, err := io.ReadAll(call.req.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	if !strings.Contains(string(sent), `\n\nHuman:Hi Claude`) {
		t.Errorf("prompt not rewritten: %s", sent)
	}
}

// TestParseErrorBody covers the envelope fallbacks.
func TestParseErrorBody(t *testing.T) {
	tests := []struct {
		name     string
		body     string
		wantCode string
		wantMsg  string
	}{
		{
			name:     "openai code envelope",
			body:     `{"error":{"code":"insufficient_quota","message":"quota"}}`,
			wantCode: "insufficient_quota",
			wantMsg:  "quota",
		},
		{
			name:     "anthropic type envelope",
			body:     `{"error":{"type":"overloaded_error","message":"Overloaded"}}`,
			wantCode: "overloaded_error",
			wantMsg:  "Overloaded",
		},
		{
			name:    "top-level message",
			body:    `{"message":"The security token included in the request is invalid."}`,
			wantMsg: "The security token included in the request is invalid.",
		},
		{
			name:    "raw text fallback",
			body:    "upstream exploded",
			wantMsg: "upstream exploded",
		},
		{
			name: "empty body",
			body: "",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, msg := parseErrorBody([]byte(tt.body))
			if code != tt.wantCode {
				t.Errorf("code = %q, want %q", code, tt.wantCode)
			}
			if msg != tt.wantMsg {
				t.Errorf("message = %q, want %q", msg, tt.wantMsg)
			}
		})
	}
}
