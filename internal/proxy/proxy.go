// Package proxy is the request orchestrator: it parses an inbound dialect
// request, enqueues it per model family, dispatches it against a pooled
// credential once the queue releases it, and streams the upstream response
// through the SSE adapter and transformer back to the client.
//
// Key design constraints:
//   - A request is in at most one of {queued, dispatching, finished}.
//   - Retryable upstream failures re-enqueue the same request (CAP = 3);
//     the client observes one continuous stream.
//   - Pool state mutations caused by upstream errors are applied before the
//     client is notified.
//   - Logger, metrics, and rate limiter are optional and nil-safe.
package proxy

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/valyala/fasthttp"

	"github.com/nulpointcorp/keygate/internal/keypool"
	"github.com/nulpointcorp/keygate/internal/logger"
	"github.com/nulpointcorp/keygate/internal/metrics"
	"github.com/nulpointcorp/keygate/internal/models"
	"github.com/nulpointcorp/keygate/internal/queue"
	"github.com/nulpointcorp/keygate/internal/ratelimit"
	"github.com/nulpointcorp/keygate/internal/sse"
)

const (
	// maxRetries caps re-enqueues of a single request after retryable
	// upstream failures.
	maxRetries = 3

	// upstreamConnectTimeout bounds the connect + header phase; streamed
	// bodies are not subject to it.
	upstreamConnectTimeout = 30 * time.Second

	// sharedIPIdentifier is the queue identity for aggregator clients.
	sharedIPIdentifier = "shared-ip"

	// blockingLoadThreshold is the queue load above which non-streaming
	// requests are turned away. Blocking waits have no heartbeat to keep
	// intermediaries from timing the connection out.
	blockingLoadThreshold = 50
)

// Options carries optional orchestrator tuning. All fields have defaults.
type Options struct {
	Logger *slog.Logger

	// Metrics enables Prometheus collection. Nil disables it.
	Metrics *metrics.Registry

	// UsageLog is the async usage-event sink. Nil disables it.
	UsageLog *logger.Logger

	// RPMLimiter is the inbound requests-per-minute limiter. Nil disables
	// it.
	RPMLimiter *ratelimit.RPMLimiter

	// SharedIPs lists aggregator addresses whose requests share the
	// deprioritized shared-IP queue identity.
	SharedIPs []string

	// UpstreamBaseURLs override provider endpoints per service in tests.
	UpstreamBaseURLs map[models.Service]string

	// HTTPClient overrides the upstream client in tests.
	HTTPClient *http.Client
}

// Orchestrator owns the request lifecycle between the HTTP surface and the
// pool/queue pair.
type Orchestrator struct {
	pool  *keypool.Pool
	queue *queue.Queue
	log   *slog.Logger

	metrics  *metrics.Registry
	usageLog *logger.Logger
	rpm      *ratelimit.RPMLimiter

	client    *http.Client
	baseURLs  map[models.Service]string
	sharedIPs map[string]struct{}

	baseCtx context.Context
	now     func() time.Time
}

// New builds an orchestrator over a started pool and queue.
func New(ctx context.Context, pool *keypool.Pool, q *queue.Queue, opts Options) *Orchestrator {
	if ctx == nil {
		panic("proxy: context must not be nil")
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	client := opts.HTTPClient
	if client == nil {
		// No overall timeout: streamed responses outlive any sane value.
		// The dial and header phases are bounded by the transport so a
		// black-holed upstream cannot hang a dispatched request.
		client = &http.Client{
			Transport: &http.Transport{
				DialContext:           (&net.Dialer{Timeout: upstreamConnectTimeout}).DialContext,
				TLSHandshakeTimeout:   upstreamConnectTimeout,
				ResponseHeaderTimeout: upstreamConnectTimeout,
				ForceAttemptHTTP2:     true,
			},
		}
	}
	shared := make(map[string]struct{}, len(opts.SharedIPs))
	for _, ip := range opts.SharedIPs {
		shared[ip] = struct{}{}
	}
	return &Orchestrator{
		pool:      pool,
		queue:     q,
		log:       log,
		metrics:   opts.Metrics,
		usageLog:  opts.UsageLog,
		rpm:       opts.RPMLimiter,
		client:    client,
		baseURLs:  opts.UpstreamBaseURLs,
		sharedIPs: shared,
		baseCtx:   ctx,
		now:       time.Now,
	}
}

// baseURL returns the configured override for svc, or fallback.
func (o *Orchestrator) baseURL(svc models.Service, fallback string) string {
	if u, ok := o.baseURLs[svc]; ok && u != "" {
		return u
	}
	return fallback
}

// Handle is the shared entry point for every /proxy/<dialect> route. The
// route determines both the credential service and the inbound dialect.
func (o *Orchestrator) Handle(ctx *fasthttp.RequestCtx, svc models.Service, dialect sse.Dialect) {
	start := o.now()
	reqID, _ := ctx.UserValue("request_id").(string)

	in, err := o.parseInbound(ctx, svc, dialect)
	if err != nil {
		o.writeHTTPError(ctx, err)
		return
	}
	in.RequestID = reqID

	identifier, clientIP, sharedIP := o.identify(ctx)

	if o.rpm != nil {
		allowed, rerr := o.rpm.Allow(ctx, identifier)
		if o.metrics != nil {
			o.metrics.RecordRateLimit(rateLimitOutcome(allowed, rerr))
		}
		if rerr == nil && !allowed {
			o.writeHTTPError(ctx, errRateLimited)
			return
		}
	}

	if !in.Stream && o.queue.Load() > blockingLoadThreshold {
		o.writeHTTPError(ctx, errStreamRequired)
		return
	}

	r := queue.NewRequest(in.Family, identifier, clientIP, sharedIP, in.Stream)

	if err := o.queue.Enqueue(r); err != nil {
		o.writeHTTPError(ctx, err)
		return
	}

	o.log.Info("request admitted",
		slog.String("request_id", reqID),
		slog.String("service", string(svc)),
		slog.String("model", in.Model),
		slog.String("family", string(in.Family)),
		slog.Bool("stream", in.Stream),
		slog.Bool("shared_ip", sharedIP))

	if in.Stream {
		o.serveStream(ctx, in, r)
	} else {
		o.serveBlocking(ctx, in, r)
	}

	if o.metrics != nil {
		o.metrics.ObserveRequest(string(svc), string(in.Family), ctx.Response.StatusCode(), o.now().Sub(start))
	}
}

// identify computes the queue identity: user token > shared-IP marker >
// client IP.
func (o *Orchestrator) identify(ctx *fasthttp.RequestCtx) (identifier, clientIP string, sharedIP bool) {
	clientIP = remoteIP(ctx)
	if token := bearerToken(ctx); token != "" {
		return "token:" + keypool.Fingerprint(token), clientIP, false
	}
	if _, ok := o.sharedIPs[clientIP]; ok {
		return sharedIPIdentifier, clientIP, true
	}
	return "ip:" + clientIP, clientIP, false
}

func rateLimitOutcome(allowed bool, err error) string {
	switch {
	case err != nil:
		return "error"
	case allowed:
		return "allowed"
	default:
		return "blocked"
	}
}
