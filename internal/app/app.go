package app

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-redis/redis/v8"
	"github.com/sirupsen/logrus"

	"github.com/quietwave/autoguard/internal/bootstrap"
	"github.com/quietwave/autoguard/internal/config"
	"github.com/quietwave/autoguard/internal/server"
	"github.com/quietwave/autoguard/pkg/common"
	"github.com/quietwave/autoguard/pkg/gate"
	"github.com/quietwave/autoguard/pkg/health"
	"github.com/quietwave/autoguard/pkg/monitor"
	"github.com/quietwave/autoguard/pkg/policy"
	"github.com/quietwave/autoguard/pkg/scheduler"
	"github.com/quietwave/autoguard/pkg/session"
	"github.com/quietwave/autoguard/pkg/store"
)

// App holds all application dependencies and manages the application
// lifecycle. Components are initialized in dependency order: Redis, the
// activity store, policy, then the core components, then the metrics server
// and telemetry.
type App struct {
	cfg               *config.Config
	metricsServer     *server.MetricsServer
	redisClient       *redis.Client
	activity          store.ActivityStore
	shutdownTelemetry func(context.Context) error

	Engine    *health.Engine
	Gate      *gate.Gate
	Scheduler *scheduler.Scheduler
	Pool      *session.Pool
	Monitor   *monitor.Monitor
}

// New creates and initializes a new application instance. The automation
// engine is injected: deployments wire their own browser-side
// implementation, tests and the standalone binary use session.NewMockEngine.
func New(ctx context.Context, cfg *config.Config, automation session.Engine) (*App, error) {
	logrus.Info("initializing application...")

	app := &App{cfg: cfg}

	if err := app.initRedis(ctx); err != nil {
		return nil, fmt.Errorf("failed to init Redis: %w", err)
	}

	activity, err := store.NewActivityStore(cfg.ActivityDSN)
	if err != nil {
		return nil, fmt.Errorf("failed to init activity store: %w", err)
	}
	app.activity = activity
	logrus.Infof("initialized %s activity store", store.DetectDSNType(cfg.ActivityDSN))

	pol, err := policy.Load(cfg.PolicyPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load policy from %s: %w", cfg.PolicyPath, err)
	}
	if err := pol.Validate(); err != nil {
		return nil, fmt.Errorf("policy validation failed: %w", err)
	}
	logrus.Infof("loaded policy from %s", cfg.PolicyPath)

	healthStore := store.NewRedisHealthStore(app.redisClient)
	sessionStore := store.NewRedisSessionStore(app.redisClient)
	escalationStore := store.NewRedisEscalationStore(app.redisClient)

	app.Engine = bootstrap.InitHealthEngine(healthStore, activity, escalationStore, pol)
	app.Gate = bootstrap.InitGate(healthStore, activity, pol)
	app.Scheduler = bootstrap.InitScheduler(activity, pol)
	app.Pool = bootstrap.InitSessionPool(automation, sessionStore, activity, session.PoolConfig{
		Capacity:      cfg.PoolCapacity,
		IdleTimeout:   cfg.SessionIdleTimeout,
		SweepInterval: cfg.SessionSweepInterval,
	})
	app.Monitor = bootstrap.InitMonitor(app.Engine, app.Gate, app.Scheduler, healthStore, monitor.Config{
		SweepInterval: cfg.HealthSweepInterval,
		ReapInterval:  cfg.ClaimReapInterval,
	})

	app.metricsServer = server.NewMetricsServer(cfg.MetricsPort, "/metrics")
	if err := app.metricsServer.Setup(); err != nil {
		return nil, fmt.Errorf("failed to setup metrics server: %w", err)
	}

	if cfg.OtelEnabled {
		shutdownTelemetry, err := server.SetupTelemetry(ctx, cfg.OtelServiceName, cfg.Environment, common.GenerateRandomInt())
		if err != nil {
			return nil, fmt.Errorf("failed to setup telemetry: %w", err)
		}
		app.shutdownTelemetry = shutdownTelemetry
	}

	logrus.Info("application initialized successfully")

	return app, nil
}

// initRedis initializes the Redis client.
func (a *App) initRedis(ctx context.Context) error {
	client := redis.NewClient(&redis.Options{
		Addr:         a.cfg.RedisHost + ":" + a.cfg.RedisPort,
		Password:     a.cfg.RedisPassword,
		DB:           0, // use default DB
		MaxRetries:   3,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = time.Duration(a.cfg.RedisRetryDelayMs) * time.Millisecond
	maxRetries := backoff.WithMaxRetries(b, uint64(a.cfg.RedisMaxRetries))

	err := backoff.Retry(
		func() error {
			_, err := client.Ping(ctx).Result()
			if err != nil {
				logrus.Warnf("Redis connection failed: %v, retrying...", err)
				return err
			}
			return nil
		},
		maxRetries,
	)

	if err != nil {
		return err
	}

	a.redisClient = client
	logrus.Info("Redis client initialized")
	return nil
}
