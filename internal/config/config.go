package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"go.uber.org/dig"

	"github.com/davidbz/meterproxy/internal/domain"
	"github.com/davidbz/meterproxy/internal/health"
	ledgerredis "github.com/davidbz/meterproxy/internal/ledger/redis"
	"github.com/davidbz/meterproxy/internal/observability"
	"github.com/davidbz/meterproxy/internal/upstream"
)

// Ledger backends.
const (
	LedgerBackendMemory = "memory"
	LedgerBackendSQLite = "sqlite"
	LedgerBackendRedis  = "redis"
)

// Config represents the proxy configuration.
type Config struct {
	Server   ServerConfig
	CORS     CORSConfig
	Admin    AdminConfig
	Tables   TablesConfig
	Ledger   LedgerConfig
	Redis    ledgerredis.Config
	Dispatch domain.DispatchConfig
	Pricing  domain.PricingConfig
	Health   health.Config
	Upstream upstream.Config
	Log      observability.LogConfig
}

// ServerConfig contains HTTP server settings.
type ServerConfig struct {
	Port            int           `env:"SERVER_PORT"             envDefault:"8080"`
	ReadTimeout     int           `env:"SERVER_READ_TIMEOUT"     envDefault:"30"`
	WriteTimeout    int           `env:"SERVER_WRITE_TIMEOUT"    envDefault:"300"`
	ShutdownTimeout time.Duration `env:"SERVER_SHUTDOWN_TIMEOUT" envDefault:"15s"`
}

// CORSConfig contains CORS policy settings.
type CORSConfig struct {
	AllowedOrigins   []string `env:"CORS_ALLOWED_ORIGINS"   envSeparator:"," envDefault:"*"`
	AllowedMethods   []string `env:"CORS_ALLOWED_METHODS"   envSeparator:"," envDefault:"GET,POST,OPTIONS"`
	AllowedHeaders   []string `env:"CORS_ALLOWED_HEADERS"   envSeparator:"," envDefault:"Content-Type,Authorization,api-key,x-api-key"`
	AllowCredentials bool     `env:"CORS_ALLOW_CREDENTIALS"                  envDefault:"false"`
	MaxAge           int      `env:"CORS_MAX_AGE"                            envDefault:"86400"`
}

// AdminConfig protects the usage export and endpoint views. An empty key
// disables the admin routes.
type AdminConfig struct {
	APIKey string `env:"ADMIN_API_KEY"`
}

// TablesConfig locates the user and endpoint tables.
type TablesConfig struct {
	File  string `env:"TABLES_FILE"  envDefault:"proxy.yaml"`
	Watch bool   `env:"TABLES_WATCH" envDefault:"false"`
}

// LedgerConfig selects where usage events are journaled.
type LedgerConfig struct {
	Backend     string `env:"LEDGER_BACKEND"      envDefault:"memory"`
	SQLitePath  string `env:"LEDGER_SQLITE_PATH"  envDefault:"data/usage.db"`
	RedisPrefix string `env:"LEDGER_REDIS_PREFIX" envDefault:"meterproxy:"`
}

// DepConfig is used for dependency injection with dig.
type DepConfig struct {
	dig.Out
	*ServerConfig
	*CORSConfig
	*AdminConfig
	*TablesConfig
	*LedgerConfig
	*domain.DispatchConfig
	*domain.PricingConfig
	*observability.LogConfig
	Redis    *ledgerredis.Config
	Health   *health.Config
	Upstream *upstream.Config
}

// Load loads environment files and parses configuration.
func Load() (*Config, error) {
	for _, file := range []string{".env"} {
		_ = godotenv.Load(file)
	}

	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse environment: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func (c *Config) validate() error {
	switch c.Ledger.Backend {
	case LedgerBackendMemory, LedgerBackendSQLite, LedgerBackendRedis:
	default:
		return fmt.Errorf("unknown ledger backend %q", c.Ledger.Backend)
	}

	if c.Dispatch.MaxAttempts < 1 {
		return fmt.Errorf("DISPATCH_MAX_ATTEMPTS must be at least 1, got %d", c.Dispatch.MaxAttempts)
	}
	if c.Dispatch.AttemptTimeout <= 0 {
		return fmt.Errorf("DISPATCH_ATTEMPT_TIMEOUT must be positive, got %s", c.Dispatch.AttemptTimeout)
	}
	if c.Health.DegradedAfter < 1 || c.Health.UnhealthyAfter <= c.Health.DegradedAfter {
		return fmt.Errorf("health thresholds must satisfy 1 <= degraded (%d) < unhealthy (%d)",
			c.Health.DegradedAfter, c.Health.UnhealthyAfter)
	}
	if err := c.Pricing.Validate(); err != nil {
		return fmt.Errorf("invalid PRICING_* settings: %w", err)
	}

	return nil
}

// ParseDependenciesConfig returns pointers to sub-configs for dependency injection.
func ParseDependenciesConfig(cfg *Config) DepConfig {
	return DepConfig{
		dig.Out{},
		&cfg.Server,
		&cfg.CORS,
		&cfg.Admin,
		&cfg.Tables,
		&cfg.Ledger,
		&cfg.Dispatch,
		&cfg.Pricing,
		&cfg.Log,
		&cfg.Redis,
		&cfg.Health,
		&cfg.Upstream,
	}
}
