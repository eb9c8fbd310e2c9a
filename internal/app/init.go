package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/nulpointcorp/keygate/internal/keypool"
	"github.com/nulpointcorp/keygate/internal/logger"
	"github.com/nulpointcorp/keygate/internal/metrics"
	"github.com/nulpointcorp/keygate/internal/proxy"
	"github.com/nulpointcorp/keygate/internal/queue"
	"github.com/nulpointcorp/keygate/internal/ratelimit"
)

// initInfra establishes optional external connections.
// Redis is only required when the inbound rate limiter is enabled.
func (a *App) initInfra(ctx context.Context) error {
	if a.cfg.RateLimit.RPMLimit > 0 {
		a.log.Info("connecting to redis", slog.String("url", redactURL(a.cfg.Redis.URL)))

		rdb, err := connectRedis(ctx, a.cfg.Redis.URL)
		if err != nil {
			return fmt.Errorf("redis: %w", err)
		}
		a.rdb = rdb
		a.log.Info("redis connected")
	}

	return nil
}

// initPool builds the key pool and starts the per-service checkers. At least
// one credential list must be non-empty — enforced by config validation
// before we reach here.
func (a *App) initPool(ctx context.Context) error {
	pool, err := keypool.NewPool(keypool.Config{
		OpenAIKeys:       a.cfg.OpenAIKeys,
		AnthropicKeys:    a.cfg.AnthropicKeys,
		GoogleAIKeys:     a.cfg.GoogleAIKeys,
		MistralAIKeys:    a.cfg.MistralAIKeys,
		AWSCredentials:   a.cfg.AWSCredentials,
		AzureCredentials: a.cfg.AzureCredentials,
		GCPCredentials:   a.cfg.GCPCredentials,
		AllowAWSLogging:  a.cfg.AllowAWSLogging,
		RecheckEvery:     a.cfg.RecheckEvery,
	}, a.log)
	if err != nil {
		return err
	}
	if len(pool.Services()) == 0 {
		return fmt.Errorf("no usable credentials configured")
	}
	pool.Start(ctx)
	a.pool = pool

	services := make([]string, 0, len(pool.Services()))
	for _, svc := range pool.Services() {
		services = append(services, string(svc))
	}
	a.log.Info("key pool started", slog.Any("services", services))

	return nil
}

// initServices creates the queue, Prometheus registry, and usage logger.
func (a *App) initServices(ctx context.Context) error {
	a.q = queue.New(a.pool, a.log)
	a.q.Start()

	a.prom = metrics.New()
	a.prom.SetBuildInfo(a.version)

	ul, err := logger.New(ctx, a.log, logger.ClickHouseConfig{
		Addr:     a.cfg.ClickHouse.Addr,
		Database: a.cfg.ClickHouse.Database,
		Username: a.cfg.ClickHouse.Username,
		Password: a.cfg.ClickHouse.Password,
		Table:    a.cfg.ClickHouse.Table,
	})
	if err != nil {
		return fmt.Errorf("usage logger: %w", err)
	}
	a.usageLog = ul
	if a.cfg.ClickHouse.Addr != "" {
		a.log.Info("usage sink: clickhouse", slog.String("addr", a.cfg.ClickHouse.Addr))
	}

	return nil
}

// initProxy wires together the orchestrator with all configured subsystems.
func (a *App) initProxy(_ context.Context) error {
	opts := proxy.Options{
		Logger:    a.log,
		Metrics:   a.prom,
		UsageLog:  a.usageLog,
		SharedIPs: a.cfg.SharedIPs,
	}

	// Rate limiting — only when Redis is available.
	if a.rdb != nil && a.cfg.RateLimit.RPMLimit > 0 {
		opts.RPMLimiter = ratelimit.NewRPMLimiter(a.rdb, a.cfg.RateLimit.RPMLimit)
		a.log.Info("rate limiting enabled", slog.Int("rpm_limit", a.cfg.RateLimit.RPMLimit))
	}

	a.orch = proxy.New(a.baseCtx, a.pool, a.q, opts)

	a.mgmt = &proxy.ManagementRoutes{
		Metrics: a.prom.Handler(),
	}

	return nil
}

// redactURL replaces the userinfo portion of a URL with "***" for safe logging.
// e.g. "redis://:secret@localhost:6379" → "redis://***@localhost:6379"
func redactURL(raw string) string {
	for i, c := range raw {
		if c == '@' {
			// Find the scheme end ("://") and keep only scheme + "***" + @host.
			for j := i - 1; j >= 0; j-- {
				if j+2 < len(raw) && raw[j:j+3] == "://" {
					return raw[:j+3] + "***" + raw[i:]
				}
			}
			return "***" + raw[i:]
		}
	}
	return raw
}
