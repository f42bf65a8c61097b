/**
 * @description
 * This is the main entry point for the crowdfund-service. It is responsible for
 * initializing all components of the service, including configuration, the escrow
 * journal database, the settlement client, message brokers, the rate limiter,
 * the scheduled jobs and the HTTP server. It wires everything together and starts
 * the service.
 *
 * @dependencies
 * - github.com/joho/godotenv: Optional .env loading for local development.
 * - github.com/sirupsen/logrus: Structured logging.
 * - github.com/jackc/pgx/v5: PostgreSQL driver for the escrow journal.
 * - github.com/redis/go-redis/v9: Rate limiter backend.
 * - internal/api, internal/app, internal/config, internal/escrow, internal/store: Internal packages for the service.
 * - pkg/settlement: Client for the settlement provider.
 * - pkg/rabbitmq: Client for RabbitMQ.
 */

package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"github.com/transfa/crowdfund-service/internal/api"
	"github.com/transfa/crowdfund-service/internal/app"
	"github.com/transfa/crowdfund-service/internal/config"
	"github.com/transfa/crowdfund-service/internal/domain"
	"github.com/transfa/crowdfund-service/internal/escrow"
	"github.com/transfa/crowdfund-service/internal/metrics"
	"github.com/transfa/crowdfund-service/internal/scheduler"
	"github.com/transfa/crowdfund-service/internal/store"
	"github.com/transfa/crowdfund-service/pkg/settlement"
	rmrabbit "github.com/transfa/crowdfund-service/pkg/rabbitmq"
)

var _ escrow.Transferer = (*settlement.Client)(nil)

func main() {
	// A missing .env file is normal outside local development.
	_ = godotenv.Load()

	logger := logrus.New()
	logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	log := logger.WithField("component", "bootstrap")

	// Load application configuration from environment variables.
	cfg, err := config.LoadConfig(".")
	if err != nil {
		log.WithError(err).Fatal("config load failed")
	}
	if level, err := logrus.ParseLevel(cfg.LogLevel); err == nil {
		logger.SetLevel(level)
	}
	log.WithField("port", cfg.ServerPort).Info("starting crowdfund-service")

	// Initialize the client used to move funds. Without a provider every
	// transfer settles in process.
	var transfers escrow.Transferer = escrow.ImmediateTransfers{}
	if cfg.SettlementAPIBaseURL != "" {
		transfers = settlement.NewClient(cfg.SettlementAPIBaseURL, cfg.SettlementAPIKey, logger)
	} else {
		log.Warn("settlement api not configured; transfers settle immediately")
	}

	engine := escrow.NewEngine(escrow.NewModeration(domain.Identity(cfg.EscrowAdminIdentity)), transfers, logger)
	collector := metrics.NewCollector("crowdfund")

	// Establish the journal connection pool and restore the persisted escrow state.
	var repository *store.PostgresRepository
	if strings.TrimSpace(cfg.DatabaseURL) == "" {
		log.Warn("database url missing; escrow state is kept in memory only")
	} else {
		dbpool, err := openPool(cfg.DatabaseURL)
		if err != nil {
			log.WithError(err).Fatal("database connection failed")
		}
		defer dbpool.Close()
		log.Info("database connected")

		repository = store.NewPostgresRepository(dbpool)
		bootCtx, cancelBoot := context.WithTimeout(context.Background(), 30*time.Second)
		if err := repository.EnsureSchema(bootCtx); err != nil {
			cancelBoot()
			log.WithError(err).Fatal("escrow schema setup failed")
		}
		snapshot, err := repository.LoadState(bootCtx)
		cancelBoot()
		if err != nil {
			log.WithError(err).Fatal("escrow state restore failed")
		}
		engine.Restore(*snapshot)
		engine.SetJournal(repository)
		log.WithFields(logrus.Fields{
			"campaigns":     len(snapshot.Campaigns),
			"contributions": len(snapshot.Contributions),
			"reports":       len(snapshot.Reports),
		}).Info("escrow state restored")
	}

	// Initialize the RabbitMQ producer to publish campaign events.
	var publisher rmrabbit.Publisher
	rabbitProducer, err := rmrabbit.NewEventProducer(cfg.RabbitMQURL, cfg.EventExchange, logger)
	if err != nil {
		log.WithError(err).Warn("rabbitmq producer unavailable; using fallback")
	} else {
		defer rabbitProducer.Close()
		publisher = rabbitProducer
		log.Info("rabbitmq producer connected")
	}

	insights := app.NewInsightsProjection()
	notifier := app.NewEventNotifier(publisher, collector, logger)
	engine.SetNotifier(notifier)

	// Contribution insights come from the broker when it is reachable.
	rabbitConsumer, err := rmrabbit.NewConsumer(cfg.RabbitMQURL, cfg.ContributionConsumerPrefetch, logger)
	if err != nil {
		log.WithError(err).Warn("rabbitmq consumer unavailable; feeding insights locally")
		notifier.FeedLocally(insights)
	} else {
		defer rabbitConsumer.Close()
		contributionConsumer := app.NewContributionConsumer(insights, engine, logger)
		if err := rabbitConsumer.ConsumeContributions(cfg.EventExchange, cfg.ContributionEventQueue, contributionConsumer.HandleContribution); err != nil {
			log.WithError(err).Warn("contribution consumer start failed; feeding insights locally")
			notifier.FeedLocally(insights)
		}
	}

	// Initialize the core application service with its dependencies.
	crowdfundService := app.NewService(engine, collector, insights, logger)
	if repository != nil {
		crowdfundService.SetJournal(repository)
	}

	rateLimitingEnabled := cfg.ContributeRateLimitPerMinute > 0 || cfg.ReportRateLimitPerMinute > 0
	if rateLimitingEnabled {
		if redisClient := connectRedis(cfg.RedisURL, log); redisClient != nil {
			defer redisClient.Close()
			crowdfundService.SetRateLimiter(
				app.NewRedisRateLimiter(redisClient, cfg.RedisRateLimitPrefix),
				app.RateLimits{
					ContributePerMinute: cfg.ContributeRateLimitPerMinute,
					ReportPerMinute:     cfg.ReportRateLimitPerMinute,
				},
			)
		}
	}

	jobs := scheduler.NewJobs(engine, notifier, collector, escrow.SystemClock{}, logger)
	cronScheduler := scheduler.NewScheduler(jobs, logger, cfg)
	cronScheduler.Start()

	// Initialize the API handlers and routes.
	handlers := api.NewCrowdfundHandlers(crowdfundService, logger)
	router := api.CrowdfundRoutes(handlers, api.RouterOptions{
		Auth: api.AuthConfig{
			Secret:   []byte(cfg.AuthJWTSecret),
			Issuer:   cfg.AuthJWTIssuer,
			Audience: cfg.AuthJWTAudience,
		},
		AllowedOrigins: cfg.AllowedOrigins(),
		Timeout:        time.Duration(cfg.RequestTimeoutSeconds) * time.Second,
		Metrics:        collector.Handler(),
	})
	if cfg.AuthJWTSecret == "" {
		log.Warn("auth jwt secret missing; authenticated routes will reject every request")
	}

	serverAddr := fmt.Sprintf(":%s", cfg.ServerPort)
	server := &http.Server{
		Addr:              serverAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	httpLog := logger.WithField("component", "http")
	go func() {
		httpLog.WithField("addr", serverAddr).Info("server listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			httpLog.WithError(err).Fatal("server stopped unexpectedly")
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
	httpLog.Info("shutdown started")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		httpLog.WithError(err).Error("shutdown failed")
	}
	<-cronScheduler.Stop().Done()

	httpLog.Info("shutdown complete")
}

func openPool(databaseURL string) (*pgxpool.Pool, error) {
	poolConfig, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	poolConfig.MaxConns = 20
	poolConfig.MinConns = 2
	poolConfig.MaxConnLifetime = 30 * time.Minute
	poolConfig.MaxConnIdleTime = 5 * time.Minute

	// Disable prepared statement caching to prevent conflicts
	poolConfig.ConnConfig.DefaultQueryExecMode = pgx.QueryExecModeSimpleProtocol

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return pool, nil
}

// connectRedis returns nil when rate limiting has to be disabled.
func connectRedis(redisURL string, log logrus.FieldLogger) *redis.Client {
	if strings.TrimSpace(redisURL) == "" {
		log.Warn("redis url missing; rate limiting disabled")
		return nil
	}
	options, err := redis.ParseURL(redisURL)
	if err != nil {
		log.WithError(err).Warn("redis url parse failed; rate limiting disabled")
		return nil
	}
	client := redis.NewClient(options)
	pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		log.WithError(err).Warn("redis ping failed; rate limiting disabled")
		client.Close()
		return nil
	}
	log.Info("redis connected")
	return client
}
