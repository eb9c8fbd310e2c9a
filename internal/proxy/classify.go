package proxy

import (
	"compress/flate"
	"compress/gzip"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/nulpointcorp/keygate/internal/keypool"
	"github.com/nulpointcorp/keygate/internal/models"
)

// errRateLimited rejects inbound requests over the proxy's own RPM limit.
var errRateLimited = errors.New("proxy: inbound rate limit exceeded")

// errStreamRequired rejects non-streaming requests while the queue is under
// heavy load.
var errStreamRequired = errors.New("proxy: queue under load, streaming required")

// upstreamError is a classified provider failure. Retryable errors
// re-enqueue the request; fatal ones surface to the client.
type upstreamError struct {
	Service   models.Service
	Status    int
	Code      string
	Message   string
	Retryable bool
}

func (e *upstreamError) Error() string {
	return fmt.Sprintf("proxy: %s upstream %d (%s): %s", e.Service, e.Status, e.Code, e.Message)
}

// HTTPStatus maps the upstream failure to the status surfaced pre-stream.
func (e *upstreamError) HTTPStatus() int {
	switch {
	case e.Status == http.StatusTooManyRequests:
		return http.StatusTooManyRequests
	case e.Status >= 500:
		return http.StatusBadGateway
	case e.Status >= 400:
		return e.Status
	default:
		return http.StatusBadGateway
	}
}

// quotaPhrases flag 4xx bodies that mean exhausted credit rather than a
// transient throttle.
var quotaPhrases = []string{
	"insufficient_quota",
	"billing_not_active",
	"usage blocked until",
	"credit balance is too low",
}

// classifyFailure decodes an upstream ≥400 response, applies the matching
// pool action, and returns the classified error. Pool mutations happen here,
// before the client sees anything.
func (o *Orchestrator) classifyFailure(in *inboundRequest, key *keypool.Key, resp *http.Response) *upstreamError {
	body, err := decodeBody(resp)
	if err != nil {
		body = nil
	}
	code, message := parseErrorBody(body)
	lowered := strings.ToLower(message)

	ue := &upstreamError{
		Service: in.Service,
		Status:  resp.StatusCode,
		Code:    code,
		Message: message,
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		o.pool.Disable(in.Service, key.Fingerprint, keypool.DisableRevoked)

	case resp.StatusCode == http.StatusTooManyRequests:
		if code == "insufficient_quota" || containsAny(lowered, quotaPhrases) {
			o.pool.Disable(in.Service, key.Fingerprint, keypool.DisableQuota)
			break
		}
		ue.Retryable = true
		if in.Service == models.ServiceOpenAI {
			lockout := keypool.ResetLockout(
				resp.Header.Get("x-ratelimit-reset-requests"),
				resp.Header.Get("x-ratelimit-reset-tokens"))
			if lockout > 0 {
				o.pool.MarkRateLimitedFor(in.Service, key.Fingerprint, lockout)
				break
			}
		}
		o.pool.MarkRateLimited(in.Service, key.Fingerprint)

	case resp.StatusCode >= 500:
		ue.Retryable = true
		o.pool.MarkRateLimited(in.Service, key.Fingerprint)

	case resp.StatusCode == http.StatusBadRequest &&
		in.Service == models.ServiceAnthropic &&
		strings.Contains(lowered, "prompt must start with"):
		// The account enforces the "\n\nHuman:" preamble; record it and
		// retry with the rewritten prompt.
		o.pool.Update(in.Service, key.Fingerprint, keypool.Update{RequiresPreamble: boolPtr(true)})
		ue.Retryable = true

	case containsAny(lowered, quotaPhrases):
		o.pool.Disable(in.Service, key.Fingerprint, keypool.DisableQuota)
	}

	o.log.Warn("upstream failure",
		slog.String("request_id", in.RequestID),
		slog.String("service", string(in.Service)),
		slog.String("key", key.Fingerprint),
		slog.Int("status", resp.StatusCode),
		slog.String("code", code),
		slog.Bool("retryable", ue.Retryable))
	if o.metrics != nil {
		o.metrics.RecordUpstreamError(string(in.Service), code)
	}
	return ue
}

// decodeBody reads an error body, transparently inflating gzip or deflate
// content.
func decodeBody(resp *http.Response) ([]byte, error) {
	var r io.Reader = resp.Body
	switch strings.ToLower(resp.Header.Get("Content-Encoding")) {
	case "gzip":
		gz, err := gzip.NewReader(resp.Body)
		if err != nil {
			return nil, err
		}
		defer gz.Close()
		r = gz
	case "deflate":
		fl := flate.NewReader(resp.Body)
		defer fl.Close()
		r = fl
	}
	return io.ReadAll(io.LimitReader(r, 1<<20))
}

// parseErrorBody extracts code and message from the OpenAI and Anthropic
// error envelopes; unknown shapes fall back to the raw text.
func parseErrorBody(body []byte) (code, message string) {
	var envelope struct {
		Error struct {
			Code    string `json:"code"`
			Type    string `json:"type"`
			Message string `json:"message"`
		} `json:"error"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(body, &envelope); err == nil {
		code = envelope.Error.Code
		if code == "" {
			code = envelope.Error.Type
		}
		message = envelope.Error.Message
		if message == "" {
			message = envelope.Message
		}
		if code != "" || message != "" {
			return code, message
		}
	}
	return "", strings.TrimSpace(string(body))
}

func containsAny(s string, phrases []string) bool {
	for _, p := range phrases {
		if strings.Contains(s, p) {
			return true
		}
	}
	return false
}

func boolPtr(b bool) *bool { return &b }
