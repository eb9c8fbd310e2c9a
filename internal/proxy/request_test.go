package proxy

import (
	"errors"
	"io"
	"log/slog"
	"net"
	"testing"
	"time"

	"github.com/valyala/fasthttp"

	"github.com/nulpointcorp/keygate/internal/keypool"
	"github.com/nulpointcorp/keygate/internal/models"
	"github.com/nulpointcorp/keygate/internal/sse"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// testPool builds an unstarted pool and marks every key's family set as
// confirmed, as a completed check would.
func testPool(t *testing.T, cfg keypool.Config, families map[models.Service][]models.Family) *keypool.Pool {
	t.Helper()
	pool, err := keypool.NewPool(cfg, discardLogger())
	if err != nil {
		t.Fatalf("NewPool: %v", err)
	}
	for svc, fams := range families {
		for _, snap := range pool.List()[svc] {
			if err := pool.Update(svc, snap.Fingerprint, keypool.Update{Families: fams}); err != nil {
				t.Fatalf("Update(%s, %s): %v", svc, snap.Fingerprint, err)
			}
		}
	}
	return pool
}

func testOrchestrator(pool *keypool.Pool) *Orchestrator {
	return &Orchestrator{
		pool:      pool,
		log:       discardLogger(),
		sharedIPs: make(map[string]struct{}),
		baseCtx:   nil,
		now:       time.Now,
	}
}

// postCtx builds a request context with a fixed remote address.
func postCtx(body string) *fasthttp.RequestCtx {
	var ctx fasthttp.RequestCtx
	ctx.Init(&fasthttp.Request{}, &net.TCPAddr{IP: net.IPv4(203, 0, 113, 9), Port: 4242}, nil)
	ctx.Request.Header.SetMethod(fasthttp.MethodPost)
	ctx.Request.SetBodyString(body)
	return &ctx
}

// TestParseInbound covers per-dialect body schemas and family resolution.
func TestParseInbound(t *testing.T) {
	o := testOrchestrator(nil)

	tests := []struct {
		name      string
		svc       models.Service
		dialect   sse.Dialect
		body      string
		modelCall string

		wantErr    bool
		wantModel  string
		wantFamily models.Family
		wantStream bool
		wantTokens int
	}{
		{
			name:       "openai chat",
			svc:        models.ServiceOpenAI,
			dialect:    sse.DialectOpenAIChat,
			body:       `{"model":"gpt-4","stream":true,"messages":[{"role":"user","content":"Hello there"}]}`,
			wantModel:  "gpt-4",
			wantFamily: models.FamilyGPT4,
			wantStream: true,
			wantTokens: len("Hello there") / 4,
		},
		{
			name:       "openai text completion",
			svc:        models.ServiceOpenAI,
			dialect:    sse.DialectOpenAIText,
			body:       `{"model":"gpt-3.5-turbo-instruct","prompt":"Say hi"}`,
			wantModel:  "gpt-3.5-turbo-instruct",
			wantFamily: models.FamilyTurbo,
			wantTokens: len("Say hi") / 4,
		},
		{
			name:    "openai chat without messages",
			svc:     models.ServiceOpenAI,
			dialect: sse.DialectOpenAIChat,
			body:    `{"model":"gpt-4"}`,
			wantErr: true,
		},
		{
			name:    "model not served by service",
			svc:     models.ServiceOpenAI,
			dialect: sse.DialectOpenAIChat,
			body:    `{"model":"claude-2","messages":[{"content":"hi"}]}`,
			wantErr: true,
		},
		{
			name:    "invalid json",
			svc:     models.ServiceOpenAI,
			dialect: sse.DialectOpenAIChat,
			body:    `{"model":`,
			wantErr: true,
		},
		{
			name:       "anthropic text",
			svc:        models.ServiceAnthropic,
			dialect:    sse.DialectAnthropicText,
			body:       `{"model":"claude-2","stream":true,"prompt":"\n\nHuman: hi\n\nAssistant:"}`,
			wantModel:  "claude-2",
			wantFamily: models.FamilyClaude,
			wantStream: true,
			wantTokens: len("\n\nHuman: hi\n\nAssistant:") / 4,
		},
		{
			name:    "anthropic text requires prompt",
			svc:     models.ServiceAnthropic,
			dialect: sse.DialectAnthropicText,
			body:    `{"model":"claude-2"}`,
			wantErr: true,
		},
		{
			name:       "anthropic chat with content blocks",
			svc:        models.ServiceAnthropic,
			dialect:    sse.DialectAnthropicChat,
			body:       `{"model":"claude-3-opus-20240229","messages":[{"role":"user","content":[{"type":"text","text":"block one"},{"type":"text","text":" two"}]}]}`,
			wantModel:  "claude-3-opus-20240229",
			wantFamily: models.FamilyClaudeOpus,
			wantTokens: len("block one two") / 4,
		},
		{
			name:       "google path-derived model and stream",
			svc:        models.ServiceGoogleAI,
			dialect:    sse.DialectGoogleAI,
			modelCall:  "gemini-pro:streamGenerateContent",
			body:       `{"contents":[{"parts":[{"text":"Hello Gemini"}]}]}`,
			wantModel:  "gemini-pro",
			wantFamily: models.FamilyGeminiPro,
			wantStream: true,
			wantTokens: len("Hello Gemini") / 4,
		},
		{
			name:      "google non-stream action",
			svc:       models.ServiceGoogleAI,
			dialect:   sse.DialectGoogleAI,
			modelCall: "gemini-pro:generateContent",
			body:      `{"contents":[{"parts":[{"text":"x"}]}]}`,

			wantModel:  "gemini-pro",
			wantFamily: models.FamilyGeminiPro,
		},
		{
			name:      "google malformed path",
			svc:       models.ServiceGoogleAI,
			dialect:   sse.DialectGoogleAI,
			modelCall: "gemini-pro",
			body:      `{"contents":[{"parts":[{"text":"x"}]}]}`,
			wantErr:   true,
		},
		{
			name:       "mistral chat",
			svc:        models.ServiceMistralAI,
			dialect:    sse.DialectMistral,
			body:       `{"model":"mistral-large-latest","messages":[{"content":"bonjour"}]}`,
			wantModel:  "mistral-large-latest",
			wantFamily: models.FamilyMistralLarge,
			wantTokens: len("bonjour") / 4,
		},
		{
			name:       "azure alias model",
			svc:        models.ServiceAzure,
			dialect:    sse.DialectAzure,
			body:       `{"model":"azure-gpt-4","messages":[{"content":"hi"}]}`,
			wantModel:  "azure-gpt-4",
			wantFamily: models.FamilyAzureGPT4,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := postCtx(tt.body)
			if tt.modelCall != "" {
				ctx.SetUserValue("model_call", tt.modelCall)
			}

			in, err := o.parseInbound(ctx, tt.svc, tt.dialect)
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				var bad *errBadRequest
				if !errors.As(err, &bad) {
					t.Errorf("error %v is not a bad-request error", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("parseInbound: %v", err)
			}
			if in.Model != tt.wantModel {
				t.Errorf("Model = %q, want %q", in.Model, tt.wantModel)
			}
			if in.Family != tt.wantFamily {
				t.Errorf("Family = %q, want %q", in.Family, tt.wantFamily)
			}
			if in.Stream != tt.wantStream {
				t.Errorf("Stream = %v, want %v", in.Stream, tt.wantStream)
			}
			if in.PromptTokens != tt.wantTokens {
				t.Errorf("PromptTokens = %d, want %d", in.PromptTokens, tt.wantTokens)
			}
		})
	}
}

// TestIdentify covers the identity precedence: token > shared IP > client IP.
func TestIdentify(t *testing.T) {
	o := testOrchestrator(nil)
	o.sharedIPs["198.51.100.7"] = struct{}{}

	t.Run("x-api-key token", func(t *testing.T) {
		ctx := postCtx("")
		ctx.Request.Header.Set("X-API-Key", "sekrit-token")
		id, ip, shared := o.identify(ctx)
		if want := "token:" + keypool.Fingerprint("sekrit-token"); id != want {
			t.Errorf("identifier = %q, want %q", id, want)
		}
		if ip != "203.0.113.9" || shared {
			t.Errorf("ip, shared = %q, %v", ip, shared)
		}
	})

	t.Run("authorization bearer token", func(t *testing.T) {
		ctx := postCtx("")
		ctx.Request.Header.Set("Authorization", "Bearer sekrit-token")
		id, _, _ := o.identify(ctx)
		if want := "token:" + keypool.Fingerprint("sekrit-token"); id != want {
			t.Errorf("identifier = %q, want %q", id, want)
		}
	})

	t.Run("shared ip", func(t *testing.T) {
		ctx := postCtx("")
		ctx.Request.Header.Set("X-Forwarded-For", "198.51.100.7")
		id, ip, shared := o.identify(ctx)
		if id != sharedIPIdentifier || !shared {
			t.Errorf("identifier, shared = %q, %v", id, shared)
		}
		if ip != "198.51.100.7" {
			t.Errorf("ip = %q", ip)
		}
	})

	t.Run("token wins over shared ip", func(t *testing.T) {
		ctx := postCtx("")
		ctx.Request.Header.Set("X-Forwarded-For", "198.51.100.7")
		ctx.Request.Header.Set("X-API-Key", "tok")
		id, _, shared := o.identify(ctx)
		if shared || id == sharedIPIdentifier {
			t.Errorf("identifier, shared = %q, %v", id, shared)
		}
	})

	t.Run("plain ip", func(t *testing.T) {
		ctx := postCtx("")
		id, _, shared := o.identify(ctx)
		if id != "ip:203.0.113.9" || shared {
			t.Errorf("identifier, shared = %q, %v", id, shared)
		}
	})

	t.Run("forwarded-for first hop", func(t *testing.T) {
		ctx := postCtx("")
		ctx.Request.Header.Set("X-Forwarded-For", "192.0.2.1, 198.51.100.7")
		id, ip, _ := o.identify(ctx)
		if ip != "192.0.2.1" || id != "ip:192.0.2.1" {
			t.Errorf("identifier, ip = %q, %q", id, ip)
		}
	})
}

// TestBearerToken covers header parsing edge cases.
func TestBearerToken(t *testing.T) {
	tests := []struct {
		name   string
		header string
		value  string
		want   string
	}{
		{"none", "", "", ""},
		{"bearer", "Authorization", "Bearer abc", "abc"},
		{"lowercase scheme", "Authorization", "bearer abc", "abc"},
		{"wrong scheme", "Authorization", "Basic abc", ""},
		{"bare value", "Authorization", "abc", ""},
		{"x-api-key", "X-API-Key", "abc", "abc"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := postCtx("")
			if tt.header != "" {
				ctx.Request.Header.Set(tt.header, tt.value)
			}
			if got := bearerToken(ctx); got != tt.want {
				t.Errorf("bearerToken = %q, want %q", got, tt.want)
			}
		})
	}
}
