// Package main is the entry point of the Stillpoint progression service: the
// HTTP API over the progression engine, backed by one of the key-value stores
// and fanning progression events out to Redis and the PostgreSQL journal.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/stillpoint/progression/config"
	"github.com/stillpoint/progression/internal/application/engine"
	"github.com/stillpoint/progression/internal/domain/progression"
	"github.com/stillpoint/progression/internal/domain/shared"
	"github.com/stillpoint/progression/internal/infrastructure/messaging"
	"github.com/stillpoint/progression/internal/infrastructure/persistence/kvstore"
	"github.com/stillpoint/progression/internal/infrastructure/persistence/postgres"
	"github.com/stillpoint/progression/internal/infrastructure/persistence/redis"
	"github.com/stillpoint/progression/internal/infrastructure/persistence/sqlite"
	"github.com/stillpoint/progression/internal/infrastructure/scheduler"
	httpserver "github.com/stillpoint/progression/internal/interface/http"
	"github.com/stillpoint/progression/internal/interface/http/handlers"
	"github.com/stillpoint/progression/pkg/circuitbreaker"
	"github.com/stillpoint/progression/pkg/logger"
	"github.com/stillpoint/progression/pkg/retry"
	"github.com/stillpoint/progression/pkg/timeutil"
)

// ══════════════════════════════════════════════════════════════════════════════
// MAIN
// ══════════════════════════════════════════════════════════════════════════════

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "fatal error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	// ─────────────────────────────────────────────────────────────────────────
	// 1. CONFIGURATION
	// ─────────────────────────────────────────────────────────────────────────
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	// ─────────────────────────────────────────────────────────────────────────
	// 2. LOGGING
	// ─────────────────────────────────────────────────────────────────────────
	log := logger.New(logger.Options{
		Output:    os.Stdout,
		Level:     logger.ParseLevel(cfg.Observability.LogLevel),
		AddCaller: cfg.Observability.AddCaller,
	}).With(
		logger.String("service", cfg.App.Name),
		logger.String("version", cfg.App.Version),
	)
	log.Info("starting progression service",
		logger.String("env", string(cfg.App.Environment)),
		logger.String("store", string(cfg.Store.Backend)),
		logger.String("timezone", cfg.App.Timezone),
	)

	catalog, err := loadCatalog(cfg.App.CatalogPath)
	if err != nil {
		return err
	}

	// ─────────────────────────────────────────────────────────────────────────
	// 3. STORAGE
	// ─────────────────────────────────────────────────────────────────────────
	backend, err := openBackend(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer backend.close()

	store := kvstore.New(backend.kv, catalog, log)

	// ─────────────────────────────────────────────────────────────────────────
	// 4. EVENTS
	// ─────────────────────────────────────────────────────────────────────────
	bus := messaging.NewInMemoryEventBus(messaging.InMemoryEventBusConfig{
		AsyncMode:      true,
		WorkerPoolSize: 8,
		Logger:         log,
	})

	dispatcherCfg := messaging.DefaultDispatcherConfig(bus)
	dispatcherCfg.Logger = log
	dispatcher := messaging.NewDispatcher(dispatcherCfg)
	if err := registerSinks(dispatcher, backend, cfg, log); err != nil {
		return err
	}
	if err := dispatcher.Start(); err != nil {
		return fmt.Errorf("start event dispatcher: %w", err)
	}

	// ─────────────────────────────────────────────────────────────────────────
	// 5. ENGINE
	// ─────────────────────────────────────────────────────────────────────────
	calendar := timeutil.NewCalendar(cfg.App.Location)
	manager, err := engine.NewManager(engine.Config{
		Catalog:  catalog,
		Store:    store,
		Calendar: calendar,
		Clock:    timeutil.SystemClock{},
		Listener: engine.PublisherListener(bus, func(event shared.Event, err error) {
			log.Warn("publish event failed",
				logger.String("event_type", string(event.EventType())),
				logger.Err(err),
			)
		}),
		FeedConsistency: func(userID shared.UserID) bool {
			return cfg.Features.IsEnabled(config.FeatureConsistencyFromStreaks, &config.FeatureContext{UserID: userID.String()})
		},
		Logger: log,
	}, nil)
	if err != nil {
		return fmt.Errorf("create engine manager: %w", err)
	}

	// ─────────────────────────────────────────────────────────────────────────
	// 6. MAINTENANCE JOBS
	// ─────────────────────────────────────────────────────────────────────────
	jobs := scheduler.New(scheduler.Config{TickInterval: time.Second, Logger: log})
	if err := jobs.Register(
		scheduler.NewRedeliverDeadLettersJob(dispatcher, log),
		scheduler.Every(cfg.Jobs.DeadLetterRetryInterval),
	); err != nil {
		return err
	}
	if err := jobs.Register(
		scheduler.NewEvictIdleEnginesJob(manager, cfg.Jobs.EngineIdleTTL, log),
		scheduler.Every(cfg.Jobs.EngineEvictInterval),
	); err != nil {
		return err
	}
	if err := jobs.Start(ctx); err != nil {
		return fmt.Errorf("start scheduler: %w", err)
	}

	// ─────────────────────────────────────────────────────────────────────────
	// 7. HTTP
	// ─────────────────────────────────────────────────────────────────────────
	health := handlers.NewCompositeHealthChecker(cfg.App.Version)
	for name, check := range backend.health {
		health.AddCheck(name, check)
	}

	deps := httpserver.Dependencies{
		Manager:  manager,
		Features: cfg.Features,
		Health:   health,
		Calendar: calendar,
		Clock:    timeutil.SystemClock{},
		Logger:   log,
	}
	if backend.journal != nil {
		deps.Events = backend.journal
	}
	if len(cfg.HTTP.AdminKeyHashes) > 0 {
		auth, err := handlers.NewAPIKeyAuth("X-API-Key", cfg.HTTP.AdminKeyHashes)
		if err != nil {
			return fmt.Errorf("admin api keys: %w", err)
		}
		deps.AdminAuth = auth
	} else {
		log.Warn("no admin api key hashes configured, reset endpoint disabled")
	}

	server := httpserver.NewServer(httpserver.Config{
		Host:         cfg.HTTP.Host,
		Port:         cfg.HTTP.Port,
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
		IdleTimeout:  cfg.HTTP.IdleTimeout,
		Version:      cfg.App.Version,

		RateLimitPerMinute: cfg.HTTP.RateLimitPerMinute,
		RateLimitBurst:     cfg.HTTP.RateLimitBurst,
	}, deps)
	errCh := server.StartAsync()

	// ─────────────────────────────────────────────────────────────────────────
	// 8. GRACEFUL SHUTDOWN
	// ─────────────────────────────────────────────────────────────────────────
	select {
	case <-ctx.Done():
		log.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil {
			return err
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.App.ShutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("http shutdown", logger.Err(err))
	}
	if err := jobs.Stop(); err != nil {
		log.Error("scheduler stop", logger.Err(err))
	}
	if err := bus.Close(); err != nil {
		log.Error("event bus close", logger.Err(err))
	}
	dispatcher.Stop()

	if n := dispatcher.DeadLetterQueue().Size(); n > 0 {
		log.Warn("undelivered events at shutdown", logger.Int("count", n))
	}
	log.Info("progression service stopped")
	return nil
}

func loadCatalog(path string) (*progression.Catalog, error) {
	if path == "" {
		return progression.DefaultCatalog()
	}
	cat, err := progression.LoadCatalogFile(path)
	if err != nil {
		return nil, fmt.Errorf("load catalog %s: %w", path, err)
	}
	return cat, nil
}

// ══════════════════════════════════════════════════════════════════════════════
// STORAGE BACKENDS
// ══════════════════════════════════════════════════════════════════════════════

type backend struct {
	kv      progression.KeyValueStore
	health  map[string]handlers.HealthCheckFunc
	journal *postgres.EventJournal
	redis   redis.Commander
	closers []func()
}

func (b *backend) close() {
	for i := len(b.closers) - 1; i >= 0; i-- {
		b.closers[i]()
	}
}

func openBackend(ctx context.Context, cfg *config.Config, log *logger.Logger) (*backend, error) {
	b := &backend{health: make(map[string]handlers.HealthCheckFunc)}

	connect := retry.StoreConnect(func(attempt int, err error, delay time.Duration) {
		log.Warn("store connect failed, retrying",
			logger.Int("attempt", attempt),
			logger.Duration("backoff", delay),
			logger.Err(err),
		)
	})
	onBreaker := func(name string, from, to circuitbreaker.State) {
		log.Warn("store circuit breaker changed state",
			logger.String("breaker", name),
			logger.String("from", from.String()),
			logger.String("to", to.String()),
		)
	}

	switch cfg.Store.Backend {
	case config.BackendMemory:
		b.kv = kvstore.NewMemory()

	case config.BackendSQLite:
		db, err := sqlite.Open(ctx, cfg.SQLite.Path)
		if err != nil {
			return nil, err
		}
		b.kv = db
		b.health["sqlite"] = handlers.NewPingCheck(db)
		b.closers = append(b.closers, func() { _ = db.Close() })

	case config.BackendRedis:
		var client *goredis.Client
		err := connect.Do(ctx, func(ctx context.Context) error {
			c, err := redis.NewClient(ctx, redisConfig(cfg.Redis))
			client = c
			return err
		})
		if err != nil {
			return nil, fmt.Errorf("connect redis: %w", err)
		}
		store := redis.NewStore(client, cfg.Store.KeyPrefix)
		guarded := kvstore.NewGuarded(store, circuitbreaker.StoreBreaker("redis", onBreaker), cfg.Store.OperationTimeout)

		b.kv = guarded
		b.redis = client
		b.health["redis"] = handlers.NewPingCheck(store)
		b.health["redis_breaker"] = handlers.NewBreakerCheck(guarded)
		b.closers = append(b.closers, func() { _ = client.Close() })

	case config.BackendPostgres:
		var conn *postgres.Connection
		err := connect.Do(ctx, func(ctx context.Context) error {
			c, err := postgres.NewConnection(ctx, postgresConfig(cfg.Database))
			conn = c
			return err
		})
		if err != nil {
			return nil, fmt.Errorf("connect postgres: %w", err)
		}
		b.closers = append(b.closers, conn.Close)

		if err := postgres.NewMigrator(conn).Migrate(ctx); err != nil {
			b.close()
			return nil, err
		}

		guarded := kvstore.NewGuarded(postgres.NewKVRepository(conn), circuitbreaker.StoreBreaker("postgres", onBreaker), cfg.Store.OperationTimeout)
		b.kv = guarded
		b.journal = postgres.NewEventJournal(conn)
		b.health["postgres"] = conn.Check
		b.health["postgres_breaker"] = handlers.NewBreakerCheck(guarded)

	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.Store.Backend)
	}

	return b, nil
}

func redisConfig(c config.RedisConfig) redis.Config {
	rc := redis.DefaultConfig()
	rc.URL = c.URL
	rc.Host = c.Host
	rc.Port = c.Port
	rc.Password = c.Password
	rc.DB = c.DB
	rc.PoolSize = c.PoolSize
	rc.MinIdleConns = c.MinIdleConns
	rc.DialTimeout = c.DialTimeout
	rc.ReadTimeout = c.ReadTimeout
	rc.WriteTimeout = c.WriteTimeout
	return rc
}

func postgresConfig(c config.DatabaseConfig) postgres.Config {
	pc := postgres.DefaultConfig()
	pc.URL = c.URL
	pc.MaxConns = int32(c.MaxOpenConns)
	pc.MinConns = int32(c.MaxIdleConns)
	pc.MaxConnLifetime = c.ConnMaxLifetime
	pc.MaxConnIdleTime = c.ConnMaxIdleTime
	return pc
}

// ══════════════════════════════════════════════════════════════════════════════
// EVENT SINKS
// ══════════════════════════════════════════════════════════════════════════════

func registerSinks(d *messaging.Dispatcher, b *backend, cfg *config.Config, log *logger.Logger) error {
	celebrations := log.With(logger.Component("celebrations"))
	if err := d.Register(messaging.HandlerRegistration{
		Name:        "celebration_log",
		MaxAttempts: 1,
		Enabled:     func(e shared.Event) bool { return e.EventType().IsCelebration() },
		Sink: func(_ context.Context, e shared.Event) error {
			celebrations.Info("celebration",
				logger.UserID(e.AggregateID()),
				logger.String("event_type", string(e.EventType())),
				logger.Any("payload", e.Payload()),
			)
			return nil
		},
	}); err != nil {
		return err
	}

	if b.journal != nil {
		if err := d.Register(messaging.HandlerRegistration{
			Name:    "postgres_journal",
			Timeout: cfg.Database.QueryTimeout,
			Sink:    b.journal.Append,
		}); err != nil {
			return err
		}
	}

	if b.redis != nil {
		pub, err := redis.NewPublisher(b.redis, cfg.Events.RedisChannel, cfg.Store.OperationTimeout)
		if err != nil {
			return err
		}
		if err := d.Register(messaging.HandlerRegistration{
			Name: "redis_fanout",
			Enabled: func(e shared.Event) bool {
				return cfg.Features.IsEnabled(config.FeatureRedisFanout, &config.FeatureContext{UserID: e.AggregateID()})
			},
			Sink: pub.PublishContext,
		}); err != nil {
			return err
		}
	} else if cfg.Features.IsEnabled(config.FeatureRedisFanout, nil) {
		log.Warn("redis fan-out is enabled but the store backend is not redis; events stay in process")
	}

	return nil
}
