package proxy

import (
	"encoding/json"
	"fmt"
	"net"
	"strings"

	"github.com/valyala/fasthttp"

	"github.com/nulpointcorp/keygate/internal/models"
	"github.com/nulpointcorp/keygate/internal/sse"
)

// inboundRequest is the normalized form of one client request, carried from
// validation through dispatch and retries.
type inboundRequest struct {
	RequestID  string
	Service    models.Service
	Dialect    sse.Dialect
	APIVersion string

	Model  string
	Family models.Family
	Stream bool

	// Body is the client's request body, forwarded (with per-service
	// rewrites) to the upstream.
	Body []byte

	// PromptTokens is the chars/4 estimate over the prompt text.
	PromptTokens int
}

// errBadRequest wraps validation failures with a 400 mapping.
type errBadRequest struct{ msg string }

func (e *errBadRequest) Error() string { return e.msg }

func badRequest(format string, args ...any) error {
	return &errBadRequest{msg: fmt.Sprintf(format, args...)}
}

// parseInbound validates the request body against the dialect's schema and
// resolves the model family.
func (o *Orchestrator) parseInbound(ctx *fasthttp.RequestCtx, svc models.Service, dialect sse.Dialect) (*inboundRequest, error) {
	body := append([]byte(nil), ctx.PostBody()...)
	in := &inboundRequest{
		Service:    svc,
		Dialect:    dialect,
		APIVersion: string(ctx.Request.Header.Peek("anthropic-version")),
		Body:       body,
	}
	if in.APIVersion == "" {
		in.APIVersion = sse.AnthropicV2
	}

	var prompt string
	switch dialect {
	case sse.DialectOpenAIChat, sse.DialectMistral, sse.DialectAzure:
		var req struct {
			Model    string `json:"model"`
			Stream   bool   `json:"stream"`
			Messages []struct {
				Content json.RawMessage `json:"content"`
			} `json:"messages"`
		}
		if err := json.Unmarshal(body, &req); err != nil {
			return nil, badRequest("invalid JSON: %s", err)
		}
		if len(req.Messages) == 0 {
			return nil, badRequest("field 'messages' is required")
		}
		in.Model, in.Stream = req.Model, req.Stream
		for _, m := range req.Messages {
			prompt += messageText(m.Content)
		}

	case sse.DialectOpenAIText:
		var req struct {
			Model  string `json:"model"`
			Stream bool   `json:"stream"`
			Prompt string `json:"prompt"`
		}
		if err := json.Unmarshal(body, &req); err != nil {
			return nil, badRequest("invalid JSON: %s", err)
		}
		in.Model, in.Stream, prompt = req.Model, req.Stream, req.Prompt

	case sse.DialectAnthropicText:
		var req struct {
			Model  string `json:"model"`
			Stream bool   `json:"stream"`
			Prompt string `json:"prompt"`
		}
		if err := json.Unmarshal(body, &req); err != nil {
			return nil, badRequest("invalid JSON: %s", err)
		}
		if req.Prompt == "" {
			return nil, badRequest("field 'prompt' is required")
		}
		in.Model, in.Stream, prompt = req.Model, req.Stream, req.Prompt

	case sse.DialectAnthropicChat:
		var req struct {
			Model    string `json:"model"`
			Stream   bool   `json:"stream"`
			Messages []struct {
				Content json.RawMessage `json:"content"`
			} `json:"messages"`
		}
		if err := json.Unmarshal(body, &req); err != nil {
			return nil, badRequest("invalid JSON: %s", err)
		}
		if len(req.Messages) == 0 {
			return nil, badRequest("field 'messages' is required")
		}
		in.Model, in.Stream = req.Model, req.Stream
		for _, m := range req.Messages {
			prompt += messageText(m.Content)
		}

	case sse.DialectGoogleAI:
		// Model and streaming mode come from the path:
		// /models/<model>:generateContent or :streamGenerateContent.
		call, _ := ctx.UserValue("model_call").(string)
		model, action, ok := strings.Cut(call, ":")
		if !ok {
			return nil, badRequest("path must be models/<model>:generateContent")
		}
		var req struct {
			Contents []struct {
				Parts []struct {
					Text string `json:"text"`
				} `json:"parts"`
			} `json:"contents"`
		}
		if err := json.Unmarshal(body, &req); err != nil {
			return nil, badRequest("invalid JSON: %s", err)
		}
		if len(req.Contents) == 0 {
			return nil, badRequest("field 'contents' is required")
		}
		in.Model = model
		in.Stream = action == "streamGenerateContent"
		for _, c := range req.Contents {
			for _, p := range c.Parts {
				prompt += p.Text
			}
		}

	default:
		return nil, badRequest("unsupported dialect %q", dialect)
	}

	if in.Model == "" {
		return nil, badRequest("field 'model' is required")
	}
	in.Family = models.FamilyFor(svc, in.Model)
	if in.Family == "" {
		return nil, badRequest("model %q is not served by %s", in.Model, svc)
	}
	in.PromptTokens = len(prompt) / 4
	return in, nil
}

// messageText extracts prompt text from a message content field that may be
// a bare string or an Anthropic-style block array.
func messageText(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var blocks []struct {
		Text string `json:"text"`
	}
	if err := json.Unmarshal(raw, &blocks); err == nil {
		var sb strings.Builder
		for _, b := range blocks {
			sb.WriteString(b.Text)
		}
		return sb.String()
	}
	return ""
}

// remoteIP resolves the client address, preferring the first hop of
// X-Forwarded-For when present.
func remoteIP(ctx *fasthttp.RequestCtx) string {
	if fwd := string(ctx.Request.Header.Peek("X-Forwarded-For")); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		if ip := strings.TrimSpace(first); ip != "" {
			return ip
		}
	}
	host, _, err := net.SplitHostPort(ctx.RemoteAddr().String())
	if err != nil {
		return ctx.RemoteAddr().String()
	}
	return host
}

// bearerToken extracts the user token from Authorization or X-API-Key.
func bearerToken(ctx *fasthttp.RequestCtx) string {
	if key := string(ctx.Request.Header.Peek("X-API-Key")); key != "" {
		return key
	}
	raw := strings.TrimSpace(string(ctx.Request.Header.Peek("Authorization")))
	scheme, token, ok := strings.Cut(raw, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return ""
	}
	return strings.TrimSpace(token)
}
