package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/dig"
	"go.uber.org/zap"

	"github.com/davidbz/meterproxy/internal/auth"
	"github.com/davidbz/meterproxy/internal/config"
	"github.com/davidbz/meterproxy/internal/domain"
	"github.com/davidbz/meterproxy/internal/health"
	"github.com/davidbz/meterproxy/internal/httpserver"
	"github.com/davidbz/meterproxy/internal/httpserver/middleware"
	"github.com/davidbz/meterproxy/internal/ledger"
	ledgerredis "github.com/davidbz/meterproxy/internal/ledger/redis"
	ledgersqlite "github.com/davidbz/meterproxy/internal/ledger/sqlite"
	"github.com/davidbz/meterproxy/internal/observability"
	"github.com/davidbz/meterproxy/internal/pool"
	"github.com/davidbz/meterproxy/internal/upstream"
)

func main() {
	container := buildContainer()

	if err := container.Invoke(run); err != nil {
		log.Fatalf("Failed to start application: %v", err)
	}
}

type runParams struct {
	dig.In

	Server        *httpserver.Server
	ServerConfig  *config.ServerConfig
	TablesConfig  *config.TablesConfig
	Authenticator *auth.Authenticator
	Reviver       *health.Reviver
	Ledger        *ledger.Ledger
	Logger        *zap.Logger
}

func run(p runParams) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	defer func() {
		if err := p.Ledger.Close(); err != nil {
			p.Logger.Warn("failed to close usage store", zap.Error(err))
		}
		_ = p.Logger.Sync()
	}()

	p.Logger.Info("user table loaded", zap.Strings("users", p.Authenticator.Users()))

	go p.Reviver.Run(ctx)

	// SIGHUP probes Unhealthy endpoints now instead of waiting for the next tick.
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-hup:
				p.Logger.Info("probe requested by SIGHUP")
				p.Reviver.Trigger()
			}
		}
	}()

	if p.TablesConfig.Watch {
		watcher := config.NewWatcher(p.TablesConfig.File, p.Authenticator)
		go func() {
			if err := watcher.Run(ctx); err != nil {
				p.Logger.Error("tables watcher stopped", zap.Error(err))
			}
		}()
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- p.Server.Start(ctx)
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), p.ServerConfig.ShutdownTimeout)
	defer cancel()

	if err := p.Server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("graceful shutdown failed: %w", err)
	}

	return nil
}

func buildContainer() *dig.Container {
	container := dig.New()

	// Configuration
	if err := container.Provide(config.Load); err != nil {
		log.Fatalf("Failed to provide config: %v", err)
	}
	if err := container.Provide(config.ParseDependenciesConfig); err != nil {
		log.Fatalf("Failed to provide config dependencies: %v", err)
	}
	if err := container.Provide(func(cfg *config.TablesConfig) (*config.Tables, error) {
		return config.LoadTables(cfg.File)
	}); err != nil {
		log.Fatalf("Failed to provide tables: %v", err)
	}

	// Observability
	if err := container.Provide(observability.InitLogger); err != nil {
		log.Fatalf("Failed to provide logger: %v", err)
	}
	if err := container.Provide(func(logger *zap.Logger) domain.EventPublisher {
		return observability.NewEventBus(logger)
	}); err != nil {
		log.Fatalf("Failed to provide event bus: %v", err)
	}

	// Authentication
	if err := container.Provide(func(tables *config.Tables) (*auth.Authenticator, error) {
		return auth.NewAuthenticator(tables.UserList())
	}); err != nil {
		log.Fatalf("Failed to provide authenticator: %v", err)
	}
	if err := container.Provide(func(a *auth.Authenticator) (domain.Authenticator, domain.UserDirectory) {
		return a, a
	}); err != nil {
		log.Fatalf("Failed to provide authenticator interfaces: %v", err)
	}

	// Endpoint pool and health
	if err := container.Provide(func(
		tables *config.Tables,
		cfg *health.Config,
		events domain.EventPublisher,
	) (*health.Monitor, domain.HealthRecorder, domain.HealthReporter) {
		monitor := health.NewMonitor(tables.EndpointIDs(), cfg, events)
		return monitor, monitor, monitor
	}); err != nil {
		log.Fatalf("Failed to provide health monitor: %v", err)
	}
	if err := container.Provide(func(tables *config.Tables, reporter domain.HealthReporter) (domain.EndpointSelector, error) {
		return pool.NewPool(tables.EndpointList(), reporter)
	}); err != nil {
		log.Fatalf("Failed to provide endpoint pool: %v", err)
	}
	if err := container.Provide(func(
		tables *config.Tables,
		monitor *health.Monitor,
		cfg *health.Config,
	) *health.Reviver {
		endpoints := tables.EndpointList()
		return health.NewReviver(monitor, endpoints, upstream.NewModelsProbe(endpoints), cfg)
	}); err != nil {
		log.Fatalf("Failed to provide reviver: %v", err)
	}
	if err := container.Provide(func(cfg *upstream.Config) domain.Forwarder {
		return upstream.NewForwarder(cfg)
	}); err != nil {
		log.Fatalf("Failed to provide forwarder: %v", err)
	}

	// Pricing
	if err := container.Provide(func(
		tables *config.Tables,
		cfg *domain.PricingConfig,
	) (domain.CostCalculator, error) {
		registry := domain.NewInMemoryPricingRegistry(*cfg)
		if err := tables.RegisterPricing(context.Background(), registry); err != nil {
			return nil, err
		}
		return domain.NewStandardCostCalculator(registry), nil
	}); err != nil {
		log.Fatalf("Failed to provide cost calculator: %v", err)
	}

	// Usage ledger
	if err := container.Provide(provideUsageStore); err != nil {
		log.Fatalf("Failed to provide usage store: %v", err)
	}
	if err := container.Provide(func(
		directory domain.UserDirectory,
		calc domain.CostCalculator,
		store domain.UsageStore,
	) (*ledger.Ledger, domain.UsageLedger, error) {
		l, err := ledger.NewLedger(directory, calc, store)
		if err != nil {
			return nil, nil, err
		}
		if _, err := l.Restore(context.Background()); err != nil {
			return nil, nil, err
		}
		return l, l, nil
	}); err != nil {
		log.Fatalf("Failed to provide usage ledger: %v", err)
	}

	// Domain Services
	if err := container.Provide(domain.NewDispatcher); err != nil {
		log.Fatalf("Failed to provide dispatcher: %v", err)
	}

	// HTTP Layer
	if err := container.Provide(middleware.BuildMiddlewareChain); err != nil {
		log.Fatalf("Failed to provide middleware chain: %v", err)
	}
	if err := container.Provide(httpserver.NewHandler); err != nil {
		log.Fatalf("Failed to provide HTTP handler: %v", err)
	}
	if err := container.Provide(httpserver.NewAdminHandler); err != nil {
		log.Fatalf("Failed to provide admin handler: %v", err)
	}
	if err := container.Provide(httpserver.NewRouter); err != nil {
		log.Fatalf("Failed to provide router: %v", err)
	}
	if err := container.Provide(httpserver.NewServer); err != nil {
		log.Fatalf("Failed to provide HTTP server: %v", err)
	}

	return container
}

// provideUsageStore opens the configured journal. The memory backend keeps
// no journal, so totals start at zero on every start.
func provideUsageStore(cfg *config.LedgerConfig, redisCfg *ledgerredis.Config) (domain.UsageStore, error) {
	switch cfg.Backend {
	case config.LedgerBackendSQLite:
		return ledgersqlite.New(cfg.SQLitePath)
	case config.LedgerBackendRedis:
		client, err := ledgerredis.NewClient(context.Background(), redisCfg)
		if err != nil {
			return nil, err
		}
		return ledgerredis.NewStore(client, cfg.RedisPrefix)
	default:
		return nil, nil
	}
}
