// Package config loads and validates all runtime configuration for the gateway.
//
// Configuration is read from environment variables (preferred for containers)
// or from a config.yaml file in the working directory. Environment variables
// take precedence over the YAML file.
//
// Naming convention: env vars use UPPER_SNAKE_CASE; the YAML file uses the
// same names in lower_snake_case. For example OPENAI_KEYS becomes
// openai_keys in YAML.
//
// Credential lists are comma-delimited. At least one service must have a
// non-empty list for the gateway to start. Redis and ClickHouse are both
// optional: without Redis the inbound rate limiter is disabled, without
// ClickHouse usage entries go to slog only.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
	"github.com/subosito/gotenv"
)

// Config is the top-level configuration container.
type Config struct {
	// Port is the TCP port the HTTP server listens on. Default: 8080.
	Port int

	// LogLevel controls the minimum log level. One of: debug, info, warn, error.
	// Default: info.
	LogLevel string

	// Per-service credential lists. Each entry is one secret; AWS entries are
	// "accessKey:secretKey:region", Azure entries are
	// "resourceName:deploymentId:apiKey", GCP entries are
	// "projectId:clientEmail:region:privateKey".
	OpenAIKeys       []string
	AnthropicKeys    []string
	GoogleAIKeys     []string
	MistralAIKeys    []string
	AWSCredentials   []string
	AzureCredentials []string
	GCPCredentials   []string

	// AllowAWSLogging admits AWS keys whose account has invocation logging
	// enabled. Default: false (such keys are excluded from the pool).
	AllowAWSLogging bool

	// RecheckEvery is the period of the full OpenAI key recheck. Default: 8h.
	RecheckEvery time.Duration

	// RateLimit controls inbound per-identifier request limiting.
	RateLimit RateLimitConfig

	// Redis holds the connection URL for the rate limiter backend.
	// Required only when RateLimit.RPMLimit > 0.
	Redis RedisConfig

	// ClickHouse configures the optional usage analytics sink.
	ClickHouse ClickHouseConfig

	// SharedIPs lists aggregator addresses whose requests share one
	// deprioritized queue identity instead of one per client IP.
	SharedIPs []string

	// CORSOrigins is the list of allowed CORS origins.
	// Use ["*"] to allow any origin (default). Set to specific origins in prod.
	CORSOrigins []string
}

// RateLimitConfig controls inbound request-rate limiting.
type RateLimitConfig struct {
	// RPMLimit is the maximum requests per minute per identifier.
	// 0 disables rate limiting. Default: 0.
	RPMLimit int
}

// RedisConfig holds Redis connection configuration.
type RedisConfig struct {
	// URL is a redis:// or rediss:// URL. Example: redis://localhost:6379
	URL string
}

// ClickHouseConfig holds the usage sink configuration. An empty Addr
// disables the sink.
type ClickHouseConfig struct {
	Addr     string
	Database string
	Username string
	Password string
	Table    string
}

// Load reads configuration from environment variables and (optionally) from
// config.yaml in the current working directory.
//
// At least one credential list must be non-empty.
func Load() (*Config, error) {
	if err := loadDotEnv(".env"); err != nil {
		return nil, err
	}

	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	_ = v.ReadInConfig()

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// ── Defaults ──────────────────────────────────────────────────────────────
	v.SetDefault("PORT", 8080)
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("CORS_ORIGINS", []string{"*"})

	v.SetDefault("ALLOW_AWS_LOGGING", false)
	v.SetDefault("RECHECK_EVERY", "8h")

	// Rate limit: 0 = disabled.
	v.SetDefault("RPM_LIMIT", 0)

	v.SetDefault("CLICKHOUSE_TABLE", "keygate_requests")

	// ── Build config ──────────────────────────────────────────────────────────
	cfg := &Config{
		Port:     v.GetInt("PORT"),
		LogLevel: strings.ToLower(v.GetString("LOG_LEVEL")),

		OpenAIKeys:       splitList(v.GetString("OPENAI_KEYS")),
		AnthropicKeys:    splitList(v.GetString("ANTHROPIC_KEYS")),
		GoogleAIKeys:     splitList(v.GetString("GOOGLE_AI_KEYS")),
		MistralAIKeys:    splitList(v.GetString("MISTRAL_AI_KEYS")),
		AWSCredentials:   splitList(v.GetString("AWS_CREDENTIALS")),
		AzureCredentials: splitList(v.GetString("AZURE_CREDENTIALS")),
		GCPCredentials:   splitList(v.GetString("GCP_CREDENTIALS")),

		AllowAWSLogging: v.GetBool("ALLOW_AWS_LOGGING"),
		RecheckEvery:    v.GetDuration("RECHECK_EVERY"),

		RateLimit: RateLimitConfig{
			RPMLimit: v.GetInt("RPM_LIMIT"),
		},

		Redis: RedisConfig{URL: v.GetString("REDIS_URL")},

		ClickHouse: ClickHouseConfig{
			Addr:     v.GetString("CLICKHOUSE_ADDR"),
			Database: v.GetString("CLICKHOUSE_DATABASE"),
			Username: v.GetString("CLICKHOUSE_USERNAME"),
			Password: v.GetString("CLICKHOUSE_PASSWORD"),
			Table:    v.GetString("CLICKHOUSE_TABLE"),
		},

		SharedIPs:   splitList(v.GetString("SHARED_IPS")),
		CORSOrigins: v.GetStringSlice("CORS_ORIGINS"),
	}

	// ── Validation ────────────────────────────────────────────────────────────
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// validate checks all semantic constraints that cannot be expressed as defaults.
func (c *Config) validate() error {
	if !c.AtLeastOneKey() {
		return fmt.Errorf(
			"config: at least one credential list is required " +
				"(OPENAI_KEYS, ANTHROPIC_KEYS, GOOGLE_AI_KEYS, MISTRAL_AI_KEYS, " +
				"AWS_CREDENTIALS, AZURE_CREDENTIALS, or GCP_CREDENTIALS)",
		)
	}

	// Redis URL is required when the rate limiter is enabled.
	if c.RateLimit.RPMLimit > 0 && c.Redis.URL == "" {
		return fmt.Errorf(
			"config: REDIS_URL is required when RPM_LIMIT > 0; " +
				"set RPM_LIMIT=0 to disable inbound rate limiting",
		)
	}
	if c.RateLimit.RPMLimit < 0 {
		return fmt.Errorf("config: RPM_LIMIT must be ≥ 0, got %d", c.RateLimit.RPMLimit)
	}

	// Validate log level.
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf(
			"config: invalid LOG_LEVEL %q; must be one of: debug, info, warn, error",
			c.LogLevel,
		)
	}

	if c.RecheckEvery <= 0 {
		return fmt.Errorf("config: RECHECK_EVERY must be a positive duration")
	}

	return nil
}

// AtLeastOneKey returns true if at least one service has a credential.
func (c *Config) AtLeastOneKey() bool {
	return len(c.OpenAIKeys) > 0 ||
		len(c.AnthropicKeys) > 0 ||
		len(c.GoogleAIKeys) > 0 ||
		len(c.MistralAIKeys) > 0 ||
		len(c.AWSCredentials) > 0 ||
		len(c.AzureCredentials) > 0 ||
		len(c.GCPCredentials) > 0
}

// splitList parses a comma-delimited env value into trimmed non-empty entries.
func splitList(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// loadDotEnv populates process env vars from a .env file when present.
func loadDotEnv(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("config: failed to stat %s: %w", path, err)
	}
	if info.IsDir() {
		return fmt.Errorf("config: %s is a directory, expected a file", path)
	}
	if err := gotenv.Load(path); err != nil {
		return fmt.Errorf("config: failed to load %s: %w", path, err)
	}
	return nil
}
