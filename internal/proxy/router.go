package proxy

import (
	"encoding/json"
	"time"

	"github.com/fasthttp/router"
	"github.com/valyala/fasthttp"

	"github.com/nulpointcorp/keygate/internal/models"
	"github.com/nulpointcorp/keygate/internal/sse"
)

// ManagementRoutes holds optional handlers registered alongside the proxy
// surface.
type ManagementRoutes struct {
	Metrics fasthttp.RequestHandler
}

// Handler builds the full request handler: dialect routes, health, and
// optional management routes, wrapped in the middleware chain.
func (o *Orchestrator) Handler(mgmt *ManagementRoutes, corsOrigins []string) fasthttp.RequestHandler {
	r := router.New()

	route := func(path string, svc models.Service, dialect sse.Dialect) {
		r.POST(path, func(ctx *fasthttp.RequestCtx) {
			o.Handle(ctx, svc, dialect)
		})
	}

	route("/proxy/openai/v1/chat/completions", models.ServiceOpenAI, sse.DialectOpenAIChat)
	route("/proxy/openai/v1/completions", models.ServiceOpenAI, sse.DialectOpenAIText)
	route("/proxy/anthropic/v1/complete", models.ServiceAnthropic, sse.DialectAnthropicText)
	route("/proxy/anthropic/v1/messages", models.ServiceAnthropic, sse.DialectAnthropicChat)
	route("/proxy/google-ai/v1beta/models/{model_call}", models.ServiceGoogleAI, sse.DialectGoogleAI)
	route("/proxy/mistral-ai/v1/chat/completions", models.ServiceMistralAI, sse.DialectMistral)
	route("/proxy/aws/v1/complete", models.ServiceAWS, sse.DialectAnthropicText)
	route("/proxy/azure/v1/chat/completions", models.ServiceAzure, sse.DialectAzure)
	route("/proxy/gcp/v1/messages", models.ServiceGCP, sse.DialectAnthropicChat)

	r.GET("/health", o.handleHealth)
	if mgmt != nil && mgmt.Metrics != nil {
		r.GET("/metrics", mgmt.Metrics)
	}

	return applyMiddleware(r.Handler,
		recovery,
		requestID,
		timing,
		corsHandler(corsOrigins),
	)
}

// Start serves the proxy on addr until the listener fails.
func (o *Orchestrator) Start(addr string, mgmt *ManagementRoutes, corsOrigins []string) error {
	srv := &fasthttp.Server{
		Handler: o.Handler(mgmt, corsOrigins),

		// Generous write timeout as a backstop; streamed responses arm a
		// per-write deadline of their own.
		ReadTimeout:  60 * time.Second,
		WriteTimeout: 10 * time.Minute,
	}
	return srv.ListenAndServe(addr)
}

// healthSnapshot is the /health body.
type healthSnapshot struct {
	Status     string                      `json:"status"`
	Keys       map[models.Service]keyStats `json:"keys"`
	QueueDepth int                         `json:"queue_depth"`
	WaitMs     map[models.Family]int64     `json:"estimated_wait_ms,omitempty"`
}

type keyStats struct {
	Total     int `json:"total"`
	Available int `json:"available"`
}

func (o *Orchestrator) handleHealth(ctx *fasthttp.RequestCtx) {
	snap := healthSnapshot{
		Status:     "ok",
		Keys:       make(map[models.Service]keyStats),
		QueueDepth: o.queue.Depth(),
		WaitMs:     make(map[models.Family]int64),
	}
	for svc, st := range o.pool.Stats() {
		snap.Keys[svc] = keyStats{Total: st.Total, Available: st.Available}
		for _, f := range models.FamiliesOf(svc) {
			if w := o.queue.EstimatedWait(f); w > 0 {
				snap.WaitMs[f] = w.Milliseconds()
			}
		}
	}

	ctx.SetContentType("application/json")
	body, _ := json.Marshal(snap)
	ctx.SetBody(body)
}
