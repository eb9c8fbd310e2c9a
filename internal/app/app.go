// Package app wires up all subsystems and owns the application lifecycle.
//
// Startup order:
//  1. initInfra    — external connections (Redis when rate limiting is on)
//  2. initPool     — key pool + checkers
//  3. initServices — queue, metrics registry, usage logger
//  4. initProxy    — orchestrator + management routes
package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/nulpointcorp/keygate/internal/config"
	"github.com/nulpointcorp/keygate/internal/keypool"
	"github.com/nulpointcorp/keygate/internal/logger"
	"github.com/nulpointcorp/keygate/internal/metrics"
	"github.com/nulpointcorp/keygate/internal/proxy"
	"github.com/nulpointcorp/keygate/internal/queue"
)

// gaugeInterval is the period of the key/queue gauge publisher.
const gaugeInterval = 10 * time.Second

// App owns all long-lived resources and exposes Run / Close.
type App struct {
	version string
	cfg     *config.Config
	baseCtx context.Context
	log     *slog.Logger

	// Optional external connections — nil when not configured.
	rdb *redis.Client

	usageLog *logger.Logger
	prom     *metrics.Registry

	pool *keypool.Pool
	q    *queue.Queue

	orch *proxy.Orchestrator
	mgmt *proxy.ManagementRoutes
}

// New initialises all subsystems and returns a ready-to-run App.
// All resources allocated here are released by Close.
func New(ctx context.Context, cfg *config.Config, log *slog.Logger, version string) (*App, error) {
	if ctx == nil {
		return nil, fmt.Errorf("app: context must not be nil")
	}

	a := &App{cfg: cfg, version: version, baseCtx: ctx, log: log}

	steps := []struct {
		name string
		fn   func(context.Context) error
	}{
		{"infra", a.initInfra},
		{"pool", a.initPool},
		{"services", a.initServices},
		{"proxy", a.initProxy},
	}

	for _, s := range steps {
		if err := s.fn(ctx); err != nil {
			a.Close()
			return nil, fmt.Errorf("app: init %s: %w", s.name, err)
		}
	}

	return a, nil
}

// Run starts the HTTP server and blocks until ctx is cancelled or an error
// occurs. It closes the app gracefully when returning.
func (a *App) Run(ctx context.Context) error {
	addr := fmt.Sprintf(":%d", a.cfg.Port)

	a.log.Info("starting gateway",
		slog.String("version", a.version),
		slog.String("addr", addr),
		slog.Int("services", len(a.pool.Services())),
	)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return a.orch.Start(addr, a.mgmt, a.cfg.CORSOrigins)
	})

	g.Go(func() error {
		a.publishGauges(gctx)
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		a.Close()
		return nil
	})

	return g.Wait()
}

// Close releases all resources in reverse-init order. Safe to call multiple
// times and from multiple goroutines.
func (a *App) Close() {
	if a.q != nil {
		a.q.Close()
		a.q = nil
	}
	if a.pool != nil {
		a.pool.Close()
		a.pool = nil
	}
	if a.usageLog != nil {
		if err := a.usageLog.Close(); err != nil {
			a.log.Error("logger close error", slog.String("error", err.Error()))
		}
		a.usageLog = nil
	}
	if a.rdb != nil {
		if err := a.rdb.Close(); err != nil {
			a.log.Error("redis close error", slog.String("error", err.Error()))
		}
		a.rdb = nil
	}
}

// publishGauges periodically exports pool and queue state to Prometheus.
func (a *App) publishGauges(ctx context.Context) {
	ticker := time.NewTicker(gaugeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		pool, q := a.pool, a.q
		if pool == nil || q == nil {
			return
		}
		for svc, st := range pool.Stats() {
			a.prom.SetKeyGauges(string(svc), st.Total, st.Available)
		}
		a.prom.SetQueueDepth("all", q.Depth())
	}
}

// ── Private helpers ──────────────────────────────────────────────────────────

// connectRedis parses the URL and verifies connectivity with a PING.
// Returns an error — callers decide whether to fatal or degrade.
func connectRedis(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse url: %w", err)
	}

	rdb := redis.NewClient(opts)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}

	return rdb, nil
}
