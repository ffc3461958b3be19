package factory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"otp-service/internal/audit"
	"otp-service/internal/cache"
	"otp-service/internal/client"
	"otp-service/internal/config"
	"otp-service/internal/gateway"
	"otp-service/internal/handler"
	"otp-service/internal/pool"
	"otp-service/internal/service"
	"otp-service/internal/store"
	"otp-service/internal/tracker"
	"otp-service/internal/util"
)

// Factory wires and owns the lifecycle of all application
// dependencies. Cache, pool, and tracker are process-lifetime
// singletons constructed here and injected everywhere, never reached
// through globals.
type Factory struct {
	config *config.Config

	// Optional external clients
	redisClient      *client.RedisClient
	clickhouseClient *client.ClickHouseClient

	// Cache namespaces: separate instances make cross-namespace key
	// collisions structurally impossible. The set owns their lifecycle.
	caches        *cache.Set
	queryCache    *cache.Cache[string, *store.Result]
	cooldownCache *cache.Cache[string, time.Time]

	memoryStore *store.MemoryStore // set only in memory mode
	pool        *pool.Pool
	executor    *store.Executor
	tracker     tracker.Tracker
	gateway     gateway.Gateway
	audit       audit.Publisher

	otpService *service.OTPService
	otpHandler *handler.OTPHandler

	closeOnce sync.Once
}

// NewFactory loads configuration and builds the dependency graph.
func NewFactory() (*Factory, error) {
	cfg := config.LoadConfig()

	util.Init(cfg.Environment, cfg.Logging.Level, cfg.Logging.Format)

	f := &Factory{config: cfg}

	if err := f.initializeClients(); err != nil {
		return nil, fmt.Errorf("failed to initialize clients: %w", err)
	}
	f.initializeCore()

	util.Info("Factory initialized",
		util.String("environment", cfg.Environment),
		util.Bool("redis_tracker", f.redisClient != nil),
		util.Bool("clickhouse_sink", f.clickhouseClient != nil),
		util.Bool("kafka_audit", len(cfg.Kafka.Brokers) > 0))

	return f, nil
}

func (f *Factory) initializeClients() error {
	if f.config.Redis.URL != "" {
		redisClient, err := client.NewRedisClient(f.config)
		if err != nil {
			return fmt.Errorf("redis: %w", err)
		}
		f.redisClient = redisClient
	}

	if f.config.Clickhouse.URL != "" {
		chClient, err := client.NewClickHouseClient(f.config)
		if err != nil {
			return fmt.Errorf("clickhouse: %w", err)
		}
		f.clickhouseClient = chClient
	}

	if f.redisClient == nil {
		util.Warn("Redis not configured, tracker state is in-process only")
	}
	if f.clickhouseClient == nil {
		util.Warn("ClickHouse not configured, query profiles stay in memory")
	}

	return nil
}

func (f *Factory) initializeCore() {
	cfg := f.config

	f.caches = cache.NewSet()
	f.queryCache = cache.New[string, *store.Result](
		"query_results", cfg.Cache.MaxSize, cfg.Cache.DefaultTTL, cfg.Cache.CleanupInterval)
	f.caches.Register(f.queryCache)
	f.cooldownCache = cache.New[string, time.Time](
		"rate_limits", cfg.Cache.MaxSize, cfg.OTP.ResendCooldown, cfg.Cache.CleanupInterval)
	f.caches.Register(f.cooldownCache)

	var connFactory pool.Factory
	if cfg.IsProduction() {
		connFactory = store.NewScyllaBackend(cfg.Scylla).Factory()
	} else {
		// Development runs against the in-process store; the pool and
		// executor behave identically either way.
		f.memoryStore = store.NewMemoryStore()
		connFactory = f.memoryStore.Factory()
	}

	f.pool = pool.New(pool.Config{
		MaxConnections: cfg.Pool.MaxConnections,
		IdleTimeout:    cfg.Pool.IdleTimeout,
		ConnTimeout:    cfg.Pool.ConnTimeout,
	}, connFactory)

	var sink store.ProfileSink
	if f.clickhouseClient != nil {
		sink = client.NewProfileSink(f.clickhouseClient)
	}
	f.executor = store.NewExecutor(store.ExecutorConfig{}, f.pool, f.queryCache, sink)

	if f.redisClient != nil {
		f.tracker = tracker.NewRedisTracker(f.redisClient)
	} else {
		attemptCache := cache.New[string, tracker.AttemptState](
			"otp_attempts", cfg.Cache.MaxSize, cfg.OTP.CodeExpiry, cfg.Cache.CleanupInterval)
		f.caches.Register(attemptCache)
		f.tracker = tracker.NewCacheTracker(f.cooldownCache, attemptCache, f.executor)
	}

	if len(cfg.Kafka.Brokers) > 0 {
		f.audit = audit.NewKafkaPublisher(cfg.Kafka)
	} else {
		f.audit = audit.NewStorePublisher(f.executor)
	}

	f.gateway = gateway.NewClient(cfg.Gateway)
	f.otpService = service.NewOTPService(cfg.OTP, f.executor, f.gateway, f.tracker, f.audit)
	f.otpHandler = handler.NewOTPHandler(f.otpService, f.executor, f.caches, util.Get())
}

func (f *Factory) Config() *config.Config          { return f.config }
func (f *Factory) OTPService() *service.OTPService { return f.otpService }
func (f *Factory) OTPHandler() *handler.OTPHandler { return f.otpHandler }
func (f *Factory) Executor() *store.Executor       { return f.executor }

// HealthCheck pings every wired dependency concurrently.
func (f *Factory) HealthCheck(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return f.pool.WithConn(ctx, func(c pool.Client) error {
			return c.(store.Conn).Ping(ctx)
		})
	})

	if f.redisClient != nil {
		g.Go(func() error { return f.redisClient.HealthCheck(ctx) })
	}
	if f.clickhouseClient != nil {
		g.Go(func() error { return f.clickhouseClient.HealthCheck(ctx) })
	}

	return g.Wait()
}

// Close releases all resources in reverse dependency order.
func (f *Factory) Close() {
	f.closeOnce.Do(func() {
		util.Info("Shutting down factory")

		if f.audit != nil {
			_ = f.audit.Close()
		}

		// Final profile flush before the sink goes away.
		if f.executor != nil {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			f.executor.Profiler().Flush(ctx)
			cancel()
		}

		if f.pool != nil {
			f.pool.Close()
		}
		if f.caches != nil {
			f.caches.Close()
		}
		if f.clickhouseClient != nil {
			_ = f.clickhouseClient.Close()
		}
		if f.redisClient != nil {
			_ = f.redisClient.Close()
		}

		util.Info("Factory shut down")
		util.Sync()
	})
}
