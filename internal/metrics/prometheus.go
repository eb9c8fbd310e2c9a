// Package metrics provides a Prometheus metrics registry for the gateway.
//
// All metrics are scoped to a private registry (not the global default) so
// they don't interfere with host-level metrics when embedded in other
// applications. The /metrics HTTP handler is exposed via Handler().
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttpadaptor"
)

// Registry holds all exported metrics.
type Registry struct {
	reg *prometheus.Registry

	// keygate_inflight_requests
	inFlight prometheus.Gauge

	// keygate_requests_total{service,family,status}
	requestsTotal *prometheus.CounterVec

	// keygate_request_duration_seconds{service,family}
	requestDuration *prometheus.HistogramVec

	// keygate_upstream_attempts_total{service,outcome}
	upstreamAttempts *prometheus.CounterVec

	// keygate_upstream_attempt_duration_seconds{service,outcome}
	upstreamDuration *prometheus.HistogramVec

	// keygate_upstream_errors_total{service,code}
	upstreamErrors *prometheus.CounterVec

	// keygate_retries_total{family}
	retriesTotal *prometheus.CounterVec

	// keygate_spoofed_errors_total{service}
	spoofedErrors *prometheus.CounterVec

	// keygate_ratelimit_total{result}
	rateLimitTotal *prometheus.CounterVec

	// keygate_tokens_total{service,family,direction}
	tokensTotal *prometheus.CounterVec

	// keygate_keys{service,state}
	keyGauge *prometheus.GaugeVec

	// keygate_queue_depth{family}
	queueDepth *prometheus.GaugeVec

	// keygate_queue_wait_seconds{family}
	queueWait *prometheus.HistogramVec

	// keygate_build_info{version}
	buildInfo *prometheus.GaugeVec

	metricsHandler fasthttp.RequestHandler
}

func New() *Registry {
	reg := prometheus.NewRegistry()

	// Baseline runtime metrics even with a private registry.
	reg.MustRegister(prometheus.NewGoCollector())
	reg.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	r := &Registry{
		reg: reg,

		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "keygate_inflight_requests",
			Help: "Current number of in-flight proxy requests",
		}),

		requestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "keygate_requests_total",
				Help: "Total proxied requests by service, family, and status",
			},
			[]string{"service", "family", "status"},
		),

		requestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "keygate_request_duration_seconds",
				Help:    "End-to-end request duration, including queue time",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60, 120, 300},
			},
			[]string{"service", "family"},
		),

		upstreamAttempts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "keygate_upstream_attempts_total",
				Help: "Upstream connection attempts (includes re-enqueued retries)",
			},
			[]string{"service", "outcome"},
		),

		upstreamDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "keygate_upstream_attempt_duration_seconds",
				Help:    "Upstream connect + header phase duration",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"service", "outcome"},
		),

		upstreamErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "keygate_upstream_errors_total",
				Help: "Classified upstream failures by error code",
			},
			[]string{"service", "code"},
		),

		retriesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "keygate_retries_total",
				Help: "Requests re-enqueued after a retryable upstream failure",
			},
			[]string{"family"},
		),

		spoofedErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "keygate_spoofed_errors_total",
				Help: "Errors surfaced to clients as spoofed completion events",
			},
			[]string{"service"},
		),

		rateLimitTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "keygate_ratelimit_total",
				Help: "Inbound rate limit decisions",
			},
			[]string{"result"},
		),

		tokensTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "keygate_tokens_total",
				Help: "Estimated token throughput by direction",
			},
			[]string{"service", "family", "direction"},
		),

		keyGauge: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "keygate_keys",
				Help: "Pool key counts by state",
			},
			[]string{"service", "state"},
		),

		queueDepth: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "keygate_queue_depth",
				Help: "Queued requests per model family",
			},
			[]string{"family"},
		),

		queueWait: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "keygate_queue_wait_seconds",
				Help:    "Time requests spent queued before dispatch",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60, 120, 300},
			},
			[]string{"family"},
		),

		buildInfo: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "keygate_build_info",
				Help: "Build metadata; always 1",
			},
			[]string{"version"},
		),
	}

	reg.MustRegister(
		r.inFlight,
		r.requestsTotal,
		r.requestDuration,
		r.upstreamAttempts,
		r.upstreamDuration,
		r.upstreamErrors,
		r.retriesTotal,
		r.spoofedErrors,
		r.rateLimitTotal,
		r.tokensTotal,
		r.keyGauge,
		r.queueDepth,
		r.queueWait,
		r.buildInfo,
	)

	h := promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
	r.metricsHandler = fasthttpadaptor.NewFastHTTPHandler(h)

	return r
}

func (r *Registry) IncInFlight() { r.inFlight.Inc() }
func (r *Registry) DecInFlight() { r.inFlight.Dec() }

// ObserveRequest records one completed proxy request.
func (r *Registry) ObserveRequest(service, family string, status int, dur time.Duration) {
	r.requestsTotal.WithLabelValues(service, family, strconv.Itoa(status)).Inc()
	r.requestDuration.WithLabelValues(service, family).Observe(dur.Seconds())
}

// RecordUpstreamAttempt records one upstream connection attempt.
func (r *Registry) RecordUpstreamAttempt(service, outcome string, dur time.Duration) {
	r.upstreamAttempts.WithLabelValues(service, outcome).Inc()
	r.upstreamDuration.WithLabelValues(service, outcome).Observe(dur.Seconds())
}

// RecordUpstreamError records a classified upstream failure.
func (r *Registry) RecordUpstreamError(service, code string) {
	if code == "" {
		code = "unknown"
	}
	r.upstreamErrors.WithLabelValues(service, code).Inc()
}

func (r *Registry) RecordRetry(family string) {
	r.retriesTotal.WithLabelValues(family).Inc()
}

func (r *Registry) RecordSpoofedError(service string) {
	r.spoofedErrors.WithLabelValues(service).Inc()
}

func (r *Registry) RecordRateLimit(result string) {
	r.rateLimitTotal.WithLabelValues(result).Inc()
}

// AddTokens records estimated prompt and completion tokens.
func (r *Registry) AddTokens(service, family string, inputTokens, outputTokens int) {
	if inputTokens > 0 {
		r.tokensTotal.WithLabelValues(service, family, "input").Add(float64(inputTokens))
	}
	if outputTokens > 0 {
		r.tokensTotal.WithLabelValues(service, family, "output").Add(float64(outputTokens))
	}
}

// SetKeyGauges publishes the pool's key counts for one service.
func (r *Registry) SetKeyGauges(service string, total, available int) {
	r.keyGauge.WithLabelValues(service, "total").Set(float64(total))
	r.keyGauge.WithLabelValues(service, "available").Set(float64(available))
}

// SetQueueDepth publishes the queued request count for one family.
func (r *Registry) SetQueueDepth(family string, depth int) {
	r.queueDepth.WithLabelValues(family).Set(float64(depth))
}

// ObserveQueueWait records the queue residency of one dispatched request.
func (r *Registry) ObserveQueueWait(family string, dur time.Duration) {
	r.queueWait.WithLabelValues(family).Observe(dur.Seconds())
}

func (r *Registry) SetBuildInfo(version string) {
	r.buildInfo.WithLabelValues(version).Set(1)
}

func (r *Registry) Handler() fasthttp.RequestHandler {
	return r.metricsHandler
}

func (r *Registry) PromRegistry() *prometheus.Registry { return r.reg }
