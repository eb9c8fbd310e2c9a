package proxy

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/nulpointcorp/keygate/internal/keypool"
	"github.com/nulpointcorp/keygate/internal/models"
	"github.com/nulpointcorp/keygate/internal/sse"
)

const (
	anthropicVersionHeader = "2023-06-01"
	azureAPIVersion        = "2024-02-01"
	vertexAnthropicVersion = "vertex-2023-10-16"
)

// upstreamCall is a fully authorized request plus the demarshalling setup
// for its response stream.
type upstreamCall struct {
	req *http.Request

	// adapter demarshals the upstream body; dialect and apiVersion select
	// the transformer for its events.
	adapter    sse.Adapter
	dialect    sse.Dialect
	apiVersion string
}

// buildUpstream signs and shapes the provider request for a selected key.
// GCP token exchange and AWS SigV4 happen here, after the queue released
// the request.
func (o *Orchestrator) buildUpstream(ctx context.Context, in *inboundRequest, key *keypool.Key) (*upstreamCall, error) {
	switch in.Service {
	case models.ServiceOpenAI:
		return o.openAIUpstream(ctx, in, key)
	case models.ServiceAnthropic:
		return o.anthropicUpstream(ctx, in, key)
	case models.ServiceGoogleAI:
		return o.googleAIUpstream(ctx, in, key)
	case models.ServiceMistralAI:
		return o.mistralUpstream(ctx, in, key)
	case models.ServiceAWS:
		return o.awsUpstream(ctx, in, key)
	case models.ServiceAzure:
		return o.azureUpstream(ctx, in, key)
	case models.ServiceGCP:
		return o.gcpUpstream(ctx, in, key)
	}
	return nil, fmt.Errorf("proxy: no upstream for service %q", in.Service)
}

func jsonRequest(ctx context.Context, url string, body []byte) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("proxy: build upstream request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	return req, nil
}

func (o *Orchestrator) openAIUpstream(ctx context.Context, in *inboundRequest, key *keypool.Key) (*upstreamCall, error) {
	base := o.baseURL(models.ServiceOpenAI, "https://api.openai.com")
	path := "/v1/chat/completions"
	dialect := sse.DialectOpenAIChat
	if in.Dialect == sse.DialectOpenAIText {
		path = "/v1/completions"
		dialect = sse.DialectOpenAIText
	}
	req, err := jsonRequest(ctx, base+path, in.Body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+key.Secret)
	if key.OpenAI != nil && key.OpenAI.Org != "" {
		req.Header.Set("OpenAI-Organization", key.OpenAI.Org)
	}
	return &upstreamCall{req: req, adapter: sse.NewTextAdapter(), dialect: dialect}, nil
}

func (o *Orchestrator) anthropicUpstream(ctx context.Context, in *inboundRequest, key *keypool.Key) (*upstreamCall, error) {
	base := o.baseURL(models.ServiceAnthropic, "https://api.anthropic.com")
	path, dialect := "/v1/complete", sse.DialectAnthropicText
	if in.Dialect == sse.DialectAnthropicChat {
		path, dialect = "/v1/messages", sse.DialectAnthropicChat
	}

	body := in.Body
	if dialect == sse.DialectAnthropicText && key.Anthropic != nil && key.Anthropic.RequiresPreamble {
		fixed, err := ensurePreamble(body)
		if err != nil {
			return nil, err
		}
		body = fixed
	}

	req, err := jsonRequest(ctx, base+path, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("X-API-Key", key.Secret)
	req.Header.Set("anthropic-version", anthropicVersionHeader)
	return &upstreamCall{req: req, adapter: sse.NewTextAdapter(), dialect: dialect, apiVersion: in.APIVersion}, nil
}

// ensurePreamble prepends the "\n\nHuman:" preamble for keys whose account
// rejects raw prompts.
func ensurePreamble(body []byte) ([]byte, error) {
	var payload map[string]json.RawMessage
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("proxy: preamble rewrite: %w", err)
	}
	var prompt string
	if err := json.Unmarshal(payload["prompt"], &prompt); err != nil {
		return nil, fmt.Errorf("proxy: preamble rewrite: %w", err)
	}
	if strings.HasPrefix(prompt, "\n\nHuman:") {
		return body, nil
	}
	fixed, err := json.Marshal("\n\nHuman:" + prompt)
	if err != nil {
		return nil, err
	}
	payload["prompt"] = fixed
	return json.Marshal(payload)
}

func (o *Orchestrator) googleAIUpstream(ctx context.Context, in *inboundRequest, key *keypool.Key) (*upstreamCall, error) {
	base := o.baseURL(models.ServiceGoogleAI, "https://generativelanguage.googleapis.com")
	action := "generateContent"
	var adapter sse.Adapter = sse.NewTextAdapter()
	if in.Stream {
		// The streaming endpoint returns one JSON array delivered
		// incrementally, not SSE.
		action = "streamGenerateContent"
		adapter = sse.NewJSONArrayAdapter()
	}
	url := fmt.Sprintf("%s/v1beta/models/%s:%s?key=%s", base, in.Model, action, key.Secret)
	req, err := jsonRequest(ctx, url, in.Body)
	if err != nil {
		return nil, err
	}
	return &upstreamCall{req: req, adapter: adapter, dialect: sse.DialectGoogleAI}, nil
}

func (o *Orchestrator) mistralUpstream(ctx context.Context, in *inboundRequest, key *keypool.Key) (*upstreamCall, error) {
	base := o.baseURL(models.ServiceMistralAI, "https://api.mistral.ai")
	req, err := jsonRequest(ctx, base+"/v1/chat/completions", in.Body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+key.Secret)
	return &upstreamCall{req: req, adapter: sse.NewTextAdapter(), dialect: sse.DialectMistral}, nil
}

func (o *Orchestrator) awsUpstream(ctx context.Context, in *inboundRequest, key *keypool.Key) (*upstreamCall, error) {
	if key.AWS == nil {
		return nil, fmt.Errorf("proxy: key %s has no AWS state", key.Fingerprint)
	}
	base := o.baseURL(models.ServiceAWS,
		fmt.Sprintf("https://bedrock-runtime.%s.amazonaws.com", key.AWS.Region))

	// Bedrock carries the model in the path and rejects bodies with model
	// or stream fields.
	body, err := stripFields(in.Body, "model", "stream")
	if err != nil {
		return nil, err
	}
	action := "invoke"
	if in.Stream {
		action = "invoke-with-response-stream"
	}
	req, err := jsonRequest(ctx, fmt.Sprintf("%s/model/%s/%s", base, in.Model, action), body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if err := keypool.SignAWSRequest(req, body, key.AWS.AccessKey, key.AWS.SecretKey, key.AWS.Region, "bedrock"); err != nil {
		return nil, err
	}

	var adapter sse.Adapter = sse.NewTextAdapter()
	if in.Stream {
		adapter = sse.NewEventStreamAdapter()
	}
	// Bedrock Claude streams non-cumulative completion deltas.
	return &upstreamCall{req: req, adapter: adapter, dialect: sse.DialectAnthropicText, apiVersion: sse.AnthropicV2}, nil
}

func (o *Orchestrator) azureUpstream(ctx context.Context, in *inboundRequest, key *keypool.Key) (*upstreamCall, error) {
	if key.Azure == nil {
		return nil, fmt.Errorf("proxy: key %s has no Azure state", key.Fingerprint)
	}
	base := o.baseURL(models.ServiceAzure,
		fmt.Sprintf("https://%s.openai.azure.com", key.Azure.ResourceName))
	url := fmt.Sprintf("%s/openai/deployments/%s/chat/completions?api-version=%s",
		base, key.Azure.DeploymentID, azureAPIVersion)

	// The deployment fixes the model; the body field is ignored upstream
	// but the inbound "azure-" alias would be rejected.
	body, err := stripFields(in.Body, "model")
	if err != nil {
		return nil, err
	}
	req, err := jsonRequest(ctx, url, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("api-key", key.Azure.APIKey)
	return &upstreamCall{req: req, adapter: sse.NewTextAdapter(), dialect: sse.DialectAzure}, nil
}

func (o *Orchestrator) gcpUpstream(ctx context.Context, in *inboundRequest, key *keypool.Key) (*upstreamCall, error) {
	if key.GCP == nil {
		return nil, fmt.Errorf("proxy: key %s has no GCP state", key.Fingerprint)
	}
	token, err := o.pool.TokenSource().Token(ctx, key)
	if err != nil {
		return nil, err
	}

	base := o.baseURL(models.ServiceGCP,
		fmt.Sprintf("https://%s-aiplatform.googleapis.com", key.GCP.Region))
	action := "rawPredict"
	if in.Stream {
		action = "streamRawPredict"
	}
	url := fmt.Sprintf("%s/v1/projects/%s/locations/%s/publishers/anthropic/models/%s:%s",
		base, key.GCP.ProjectID, key.GCP.Region, in.Model, action)

	// Vertex wants the anthropic_version marker instead of a model field.
	body, err := stripFields(in.Body, "model")
	if err != nil {
		return nil, err
	}
	body, err = setField(body, "anthropic_version", vertexAnthropicVersion)
	if err != nil {
		return nil, err
	}
	req, err := jsonRequest(ctx, url, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	return &upstreamCall{req: req, adapter: sse.NewTextAdapter(), dialect: sse.DialectAnthropicChat, apiVersion: in.APIVersion}, nil
}

// stripFields removes top-level keys from a JSON object body.
func stripFields(body []byte, fields ...string) ([]byte, error) {
	var payload map[string]json.RawMessage
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("proxy: rewrite body: %w", err)
	}
	for _, f := range fields {
		delete(payload, f)
	}
	return json.Marshal(payload)
}

// setField sets a top-level string key on a JSON object body.
func setField(body []byte, field, value string) ([]byte, error) {
	var payload map[string]json.RawMessage
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("proxy: rewrite body: %w", err)
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return nil, err
	}
	payload[field] = raw
	return json.Marshal(payload)
}
