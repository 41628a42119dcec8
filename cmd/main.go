/**
 * @description
 * This is the main entry point for the withdrawal-service. It is responsible for
 * initializing all components of the service, including configuration, the data
 * store, the payment gateway client, message brokers, the approval workflow, the
 * reconciliation scheduler, and the HTTP server. It wires everything together and
 * starts the service.
 *
 * @dependencies
 * - github.com/jackc/pgx/v5: PostgreSQL driver.
 * - github.com/redis/go-redis/v9: Rate limiting and distributed locks.
 * - github.com/prometheus/client_golang: Metrics registry.
 * - internal/api, internal/app, internal/config, internal/store: Internal packages for the service.
 * - pkg/lipilaclient: Client for the Lipila payments API.
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
	"github.com/lipila/withdrawal-service/internal/api"
	"github.com/lipila/withdrawal-service/internal/app"
	"github.com/lipila/withdrawal-service/internal/config"
	"github.com/lipila/withdrawal-service/internal/domain"
	"github.com/lipila/withdrawal-service/internal/store"
	"github.com/lipila/withdrawal-service/pkg/lipilaclient"
	"github.com/lipila/withdrawal-service/pkg/logger"
	rmrabbit "github.com/lipila/withdrawal-service/pkg/rabbitmq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

func main() {
	// A missing .env is normal outside local development.
	_ = godotenv.Load()

	if err := logger.Init(os.Getenv("APP_ENV")); err != nil {
		fmt.Fprintf(os.Stderr, "logger init failed: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()
	log := logger.For("bootstrap")

	cfg, err := config.LoadConfig(".")
	if err != nil {
		log.Fatal("config load failed", zap.Error(err))
	}
	if cfg.IsProduction() && cfg.InternalAPIKey == "" {
		log.Fatal("internal api key must be configured", zap.String("env", "INTERNAL_API_KEY"))
	}
	log.Info("starting withdrawal-service", zap.String("port", cfg.ServerPort), zap.String("store", cfg.StoreBackend))

	ctx := context.Background()

	repository, closeStore := openStore(ctx, cfg, log)
	defer closeStore()

	// Initialize the RabbitMQ producer to publish events.
	var publisher rmrabbit.Publisher = &rmrabbit.EventProducerFallback{}
	if cfg.RabbitMQURL != "" {
		producer, err := rmrabbit.NewEventProducer(cfg.RabbitMQURL)
		if err != nil {
			log.Warn("rabbitmq producer unavailable; using fallback", zap.Error(err))
		} else {
			publisher = producer
			log.Info("rabbitmq producer connected")
		}
	}
	defer publisher.Close()

	redisClient := connectRedis(ctx, cfg, log)
	if redisClient != nil {
		defer redisClient.Close()
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := app.NewMetrics(registry)

	gateway := lipilaclient.NewClient(cfg.LipilaAPIBaseURL, cfg.LipilaAPIKey)

	workflow := app.NewWorkflow(repository, gateway, publisher, cfg.EventsExchange)
	workflow.SetMetrics(metrics)
	workflow.SetTimeouts(cfg.GatewayTimeout(), cfg.ReconcileMinAge())

	var lock app.KeyedLock
	if redisClient != nil {
		lock = app.NewRedisKeyedLock(redisClient, cfg.RedisKeyPrefix)
		workflow.SetRateLimiter(app.NewRedisDecisionRateLimiter(redisClient, cfg.RedisKeyPrefix), cfg.DecisionRateLimitPerMinute)
	} else {
		lock = app.NewLocalKeyedLock()
		if cfg.DecisionRateLimitPerMinute > 0 {
			log.Warn("redis unavailable; decision rate limiting disabled")
		}
	}
	workflow.SetSweepLock(lock)

	// Settlement updates published by the payments integration.
	var rabbitConsumer *rmrabbit.Consumer
	if cfg.RabbitMQURL != "" {
		rabbitConsumer, err = rmrabbit.NewConsumer(cfg.RabbitMQURL)
		if err != nil {
			log.Warn("rabbitmq consumer unavailable; settlement updates rely on webhook and reconciliation", zap.Error(err))
		} else {
			settlementConsumer := app.NewSettlementStatusConsumer(workflow)
			bindings := map[string]func([]byte) bool{
				"disbursement.status.*": settlementConsumer.HandleMessage,
			}
			if err := rabbitConsumer.ConsumeWithBindings(cfg.EventsExchange, cfg.SettlementEventQueue, bindings); err != nil {
				log.Fatal("settlement consumer start failed", zap.Error(err))
			}
			defer rabbitConsumer.Close()
		}
	}

	scheduler := app.NewScheduler(app.NewJobs(workflow, cfg.ReconcileBatchLimit, logger.For("jobs")), logger.For("scheduler"), cfg.ReconcileSchedule)
	if err := scheduler.Start(); err != nil {
		log.Fatal("scheduler start failed", zap.Error(err))
	}

	handlers := api.NewWithdrawalHandlers(workflow)
	webhook := api.NewWebhookHandler(cfg.WebhookSecret, workflow, lock)
	router := api.NewRouter(handlers, webhook, api.RouterOptions{
		Auth:           api.AuthConfig{JWKSURL: cfg.JWKSURL, Audience: cfg.AuthAudience, Issuer: cfg.AuthIssuer},
		InternalAPIKey: cfg.InternalAPIKey,
		AllowedOrigins: cfg.AllowedOrigins(),
		Metrics:        metrics,
		Gatherer:       registry,
	})

	serverAddr := fmt.Sprintf(":%s", cfg.ServerPort)
	server := &http.Server{
		Addr:              serverAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Info("server listening", zap.String("addr", serverAddr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("server stopped unexpectedly", zap.Error(err))
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
	log.Info("shutdown started")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("http shutdown failed", zap.Error(err))
	}
	select {
	case <-scheduler.Stop().Done():
	case <-shutdownCtx.Done():
		log.Warn("reconcile job still running at shutdown")
	}

	log.Info("shutdown complete")
}

func openStore(ctx context.Context, cfg config.Config, log *zap.Logger) (store.Repository, func()) {
	if cfg.StoreBackend == config.StoreBackendMemory {
		log.Warn("using in-memory store; data is lost on restart")
		repo := store.NewMemoryRepository()
		seedMemoryStore(repo)
		return repo, func() {}
	}

	poolConfig, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		log.Fatal("database url parse failed", zap.Error(err))
	}
	poolConfig.MaxConns = 20
	poolConfig.MinConns = 2
	poolConfig.MaxConnLifetime = 30 * time.Minute
	poolConfig.MaxConnIdleTime = 5 * time.Minute
	poolConfig.ConnConfig.DefaultQueryExecMode = pgx.QueryExecModeSimpleProtocol

	dbpool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		log.Fatal("database connection failed", zap.Error(err))
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := dbpool.Ping(pingCtx); err != nil {
		log.Fatal("database ping failed", zap.Error(err))
	}
	log.Info("database connected")
	return store.NewPostgresRepository(dbpool), dbpool.Close
}

// connectRedis returns nil when Redis is not configured or unreachable.
func connectRedis(ctx context.Context, cfg config.Config, log *zap.Logger) *redis.Client {
	if strings.TrimSpace(cfg.RedisURL) == "" {
		log.Warn("redis url missing; using process-local locks", zap.String("env", "REDIS_URL"))
		return nil
	}
	redisOptions, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		log.Warn("redis url parse failed; using process-local locks", zap.Error(err))
		return nil
	}

	client := redis.NewClient(redisOptions)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		log.Warn("redis ping failed; using process-local locks", zap.Error(err))
		_ = client.Close()
		return nil
	}
	log.Info("redis connected")
	return client
}

// seedMemoryStore loads a small fixture so the staff screens have data in local runs.
func seedMemoryStore(repo *store.MemoryRepository) {
	repo.AddUser("staff_local", "staff", true)
	repo.AddCreator("creator_mwila", "mwila")
	repo.AddCreator("creator_bupe", "bupe")
	repo.AddPayment("creator_mwila", decimal.NewFromInt(900), domain.PaymentSuccess)
	repo.AddPayment("creator_bupe", decimal.RequireFromString("250.75"), domain.PaymentSuccess)
	repo.AddPayment("creator_bupe", decimal.NewFromInt(40), domain.PaymentPending)

	repo.AddWithdrawalRequest(domain.WithdrawalRequest{
		CreatorID:     "creator_mwila",
		Amount:        decimal.NewFromInt(500),
		PaymentMethod: "mobile_money",
		AccountNumber: "260971234567",
		RequestDate:   time.Now().Add(-2 * time.Hour),
	})
	repo.AddWithdrawalRequest(domain.WithdrawalRequest{
		CreatorID:     "creator_bupe",
		Amount:        decimal.NewFromInt(100),
		PaymentMethod: "bank",
		AccountNumber: "0012345678",
		RequestDate:   time.Now().Add(-30 * time.Minute),
	})
}
