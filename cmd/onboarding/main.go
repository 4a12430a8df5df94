// Package main is the entry point for the supplier onboarding server.
// It wires all dependencies together and starts the HTTP server.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/pitabwire/onboarding/internal/audit"
	"github.com/pitabwire/onboarding/internal/capability"
	"github.com/pitabwire/onboarding/internal/config"
	"github.com/pitabwire/onboarding/internal/documents"
	"github.com/pitabwire/onboarding/internal/draft"
	"github.com/pitabwire/onboarding/internal/idempotency"
	"github.com/pitabwire/onboarding/internal/notify"
	"github.com/pitabwire/onboarding/internal/observability"
	"github.com/pitabwire/onboarding/internal/registration"
	"github.com/pitabwire/onboarding/internal/store"
	"github.com/pitabwire/onboarding/internal/transport"
	"github.com/pitabwire/onboarding/internal/validation"
)

// Build-time variables set via ldflags:
//
//	go build -ldflags "-X main.version=1.0.0 -X main.commit=abc1234"
var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "config.yaml", "path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		return 1
	}

	observability.Version = version
	observability.Commit = commit

	logger, err := observability.NewLogger(cfg.Observability)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger error: %v\n", err)
		return 1
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	tracingShutdown, err := observability.InitTracing(ctx, cfg.Observability.Tracing, version)
	if err != nil {
		logger.Error("tracing initialization failed", zap.Error(err))
		return 1
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := observability.InitMetrics(reg)

	st, err := buildStore(ctx, cfg.Store, logger)
	if err != nil {
		logger.Error("store initialization failed", zap.Error(err))
		return 1
	}
	defer st.Close()

	redisClients := newRedisPool()
	defer redisClients.close(logger)

	draftRepo, draftCheck, err := buildDraftRepository(cfg.Drafts, redisClients, logger)
	if err != nil {
		logger.Error("draft store initialization failed", zap.Error(err))
		return 1
	}
	idemStore, idemCheck, err := buildIdempotencyStore(cfg.Idempotency, redisClients, logger)
	if err != nil {
		logger.Error("idempotency store initialization failed", zap.Error(err))
		return 1
	}

	policy, err := capability.NewStaticPolicy(cfg.Capability.StaticPolicyFile)
	if err != nil {
		logger.Error("capability policy initialization failed", zap.Error(err))
		return 1
	}
	resolver := capability.NewResolver(policy, cfg.Capability.Cache.TTL, cfg.Capability.Cache.MaxEntries, metrics)

	breaker := notify.NewCircuitBreaker(
		cfg.Notifications.CircuitBreaker.FailureThreshold,
		cfg.Notifications.CircuitBreaker.SuccessThreshold,
		cfg.Notifications.CircuitBreaker.Timeout,
	)
	notifier := notify.New(st, buildPublisher(cfg.Notifications, logger), breaker, metrics, logger, cfg.Notifications.WriteTimeout)
	defer func() {
		if err := notifier.Close(); err != nil {
			logger.Warn("notifier close failed", zap.Error(err))
		}
	}()

	validator, err := validation.NewDefault()
	if err != nil {
		logger.Error("payload validator initialization failed", zap.Error(err))
		return 1
	}
	auditSvc := audit.NewService(st, cfg.Audit, metrics, logger)
	drafts := draft.NewService(draftRepo, validator, cfg.Drafts.TTL, metrics, logger)
	registrations := registration.NewService(st, auditSvc, validator,
		registration.WithDocuments(documents.NewFileStore(cfg.Documents, logger)),
		registration.WithDrafts(drafts),
		registration.WithNotifier(notifier),
		registration.WithMetrics(metrics),
		registration.WithLogger(logger),
		registration.WithAllocatorRetry(cfg.Allocator),
	)

	jwks := transport.NewJWKSClient(cfg.Identity.JWKSURL, cfg.Identity.JWKSCacheTTL, logger)

	router := transport.NewRouter(transport.Dependencies{
		Config:         cfg,
		Logger:         logger,
		Metrics:        metrics,
		MetricsHandler: observability.HandlerFor(reg),
		Authenticate:   transport.JWTAuthenticator(cfg.Identity, jwks),
		Resolver:       resolver,
		Registration:   registrations,
		Drafts:         drafts,
		Audit:          auditSvc,
		Idempotency:    idemStore,
		Readiness: observability.ReadinessChecks{
			Store:       observability.HealthCheckFunc(st.Ping),
			Drafts:      draftCheck,
			Idempotency: idemCheck,
			Notifier: observability.HealthCheckFunc(func(context.Context) error {
				return breaker.Allow()
			}),
		},
	})

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	logger.Info("server started",
		zap.Int("port", cfg.Server.Port),
		zap.String("version", version),
		zap.String("commit", commit),
		zap.String("store", cfg.Store.Driver),
		zap.String("drafts", cfg.Drafts.Driver),
		zap.String("notifications", cfg.Notifications.Driver),
	)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown initiated")
	case err := <-errCh:
		logger.Error("server error", zap.Error(err))
		return 1
	}

	shutdownTimeout := cfg.Server.ShutdownTimeout
	if shutdownTimeout == 0 {
		shutdownTimeout = 30 * time.Second
	}
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown error", zap.Error(err))
	}
	if err := tracingShutdown(shutdownCtx); err != nil {
		logger.Error("tracing shutdown error", zap.Error(err))
	}

	logger.Info("shutdown complete")
	return 0
}

// buildStore opens the registration store named by cfg.Driver, applying
// migrations first when asked to.
func buildStore(ctx context.Context, cfg config.StoreConfig, logger *zap.Logger) (store.Store, error) {
	switch cfg.Driver {
	case "memory", "":
		logger.Warn("using in-memory registration store; data is lost on restart")
		return store.NewMemoryStore(), nil
	case "postgres":
		dsn := os.Getenv(cfg.DSNEnv)
		if dsn == "" {
			return nil, fmt.Errorf("store: %s environment variable not set", cfg.DSNEnv)
		}
		if cfg.MigrateOnStart {
			if err := store.Migrate(dsn); err != nil {
				return nil, err
			}
			logger.Info("schema migrations applied")
		}
		return store.OpenPostgres(ctx, cfg, dsn)
	default:
		return nil, fmt.Errorf("unsupported store driver: %q", cfg.Driver)
	}
}

// redisPool shares one client per address and database between the draft
// and idempotency stores.
type redisPool struct {
	clients map[string]*redis.Client
}

func newRedisPool() *redisPool {
	return &redisPool{clients: make(map[string]*redis.Client)}
}

func (p *redisPool) client(addrEnv string, db int) (*redis.Client, error) {
	addr := os.Getenv(addrEnv)
	if addr == "" {
		return nil, fmt.Errorf("redis: %s environment variable not set", addrEnv)
	}
	key := fmt.Sprintf("%s/%d", addr, db)
	if c, ok := p.clients[key]; ok {
		return c, nil
	}
	c := redis.NewClient(&redis.Options{Addr: addr, DB: db})
	p.clients[key] = c
	return c, nil
}

func (p *redisPool) close(logger *zap.Logger) {
	for key, c := range p.clients {
		if err := c.Close(); err != nil {
			logger.Warn("redis close failed", zap.String("redis", key), zap.Error(err))
		}
	}
}

func redisCheck(c *redis.Client) observability.HealthChecker {
	return observability.HealthCheckFunc(func(ctx context.Context) error {
		return c.Ping(ctx).Err()
	})
}

func buildDraftRepository(cfg config.DraftsConfig, pool *redisPool, logger *zap.Logger) (draft.Repository, observability.HealthChecker, error) {
	switch cfg.Driver {
	case "memory", "":
		logger.Info("using in-memory draft store")
		return draft.NewMemoryRepository(cfg.Grace), nil, nil
	case "redis":
		c, err := pool.client(cfg.AddrEnv, cfg.DB)
		if err != nil {
			return nil, nil, err
		}
		return draft.NewRedisRepository(c, cfg.Grace), redisCheck(c), nil
	default:
		return nil, nil, fmt.Errorf("unsupported drafts driver: %q", cfg.Driver)
	}
}

// buildIdempotencyStore returns a nil store when idempotency is disabled.
func buildIdempotencyStore(cfg config.IdempotencyConfig, pool *redisPool, logger *zap.Logger) (idempotency.Store, observability.HealthChecker, error) {
	if !cfg.Enabled {
		return nil, nil, nil
	}
	switch cfg.Store.Driver {
	case "memory", "":
		logger.Info("using in-memory idempotency store")
		return idempotency.NewMemoryStore(), nil, nil
	case "redis":
		c, err := pool.client(cfg.Store.AddrEnv, cfg.Store.DB)
		if err != nil {
			return nil, nil, err
		}
		return idempotency.NewRedisStore(c), redisCheck(c), nil
	default:
		return nil, nil, fmt.Errorf("unsupported idempotency store driver: %q", cfg.Store.Driver)
	}
}

func buildPublisher(cfg config.NotificationsConfig, logger *zap.Logger) notify.Publisher {
	if cfg.Driver == "kafka" {
		logger.Info("publishing notifications to kafka",
			zap.Strings("brokers", cfg.Brokers), zap.String("topic", cfg.Topic))
		return notify.NewKafkaPublisher(notify.NewKafkaWriter(cfg))
	}
	return notify.NewLogPublisher(logger)
}
