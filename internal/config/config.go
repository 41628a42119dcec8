/**
 * @description
 * This package handles the configuration management for the service. It uses the
 * Viper library to read configuration from environment variables, providing a
 * centralized and straightforward way to manage application settings.
 *
 * @dependencies
 * - github.com/spf13/viper: A popular library for Go application configuration.
 * - github.com/robfig/cron/v3: Validates the reconciliation schedule.
 */

package config

import (
	"os"
	"strings"
	"time"

	"github.com/lipila/withdrawal-service/pkg/logger"
	"github.com/robfig/cron/v3"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

const (
	StoreBackendPostgres = "postgres"
	StoreBackendMemory   = "memory"

	defaultServerPort            = "8080"
	defaultRedisKeyPrefix        = "lipila"
	defaultDecisionRateLimit     = 30
	defaultEventsExchange        = "lipila.events"
	defaultSettlementEventQueue  = "withdrawal_service.settlement_updates"
	defaultGatewayTimeoutSeconds = 15
	defaultReconcileSchedule     = "@every 2m"
	defaultReconcileBatchLimit   = 100
	maxReconcileBatchLimit       = 500
	defaultReconcileMinAgeSecs   = 120
	defaultMigrationsPath        = "file://migrations"
	approvalPersistSeconds       = 10
	reconcileAgeMarginSeconds    = 30
)

// Config holds all the configuration variables for the withdrawal-service.
// These values are loaded from environment variables.
type Config struct {
	ServerPort                 string `mapstructure:"SERVER_PORT"`
	AppEnv                     string `mapstructure:"APP_ENV"`
	DatabaseURL                string `mapstructure:"DATABASE_URL"`
	StoreBackend               string `mapstructure:"STORE_BACKEND"`
	RedisURL                   string `mapstructure:"REDIS_URL"`
	RedisKeyPrefix             string `mapstructure:"REDIS_KEY_PREFIX"`
	DecisionRateLimitPerMinute int    `mapstructure:"DECISION_RATE_LIMIT_PER_MINUTE"`
	RabbitMQURL                string `mapstructure:"RABBITMQ_URL"`
	EventsExchange             string `mapstructure:"EVENTS_EXCHANGE"`
	SettlementEventQueue       string `mapstructure:"SETTLEMENT_EVENT_QUEUE"`
	LipilaAPIBaseURL           string `mapstructure:"LIPILA_API_BASE_URL"`
	LipilaAPIKey               string `mapstructure:"LIPILA_API_KEY"`
	GatewayTimeoutSeconds      int    `mapstructure:"GATEWAY_TIMEOUT_SECONDS"`
	JWKSURL                    string `mapstructure:"JWKS_URL"`
	AuthAudience               string `mapstructure:"AUTH_AUDIENCE"`
	AuthIssuer                 string `mapstructure:"AUTH_ISSUER"`
	InternalAPIKey             string `mapstructure:"INTERNAL_API_KEY"`
	WebhookSecret              string `mapstructure:"WEBHOOK_SECRET"`
	ReconcileSchedule          string `mapstructure:"RECONCILE_SCHEDULE"`
	ReconcileBatchLimit        int    `mapstructure:"RECONCILE_BATCH_LIMIT"`
	ReconcileMinAgeSeconds     int    `mapstructure:"RECONCILE_MIN_AGE_SECONDS"`
	CORSAllowedOrigins         string `mapstructure:"CORS_ALLOWED_ORIGINS"`
	MigrationsPath             string `mapstructure:"MIGRATIONS_PATH"`
}

// LoadConfig reads configuration from environment variables from the given path.
// It uses Viper to automatically bind environment variables to the Config struct.
func LoadConfig(path string) (config Config, err error) {
	log := logger.For("config")

	// Tell viper the path to look for the optional .env file.
	viper.AddConfigPath(path)
	viper.SetConfigName(".env")
	viper.SetConfigType("env")

	// Enable automatic binding of environment variables.
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// Set default values
	viper.SetDefault("SERVER_PORT", defaultServerPort)
	viper.SetDefault("APP_ENV", "development")
	viper.SetDefault("STORE_BACKEND", StoreBackendPostgres)
	viper.SetDefault("REDIS_KEY_PREFIX", defaultRedisKeyPrefix)
	viper.SetDefault("DECISION_RATE_LIMIT_PER_MINUTE", defaultDecisionRateLimit)
	viper.SetDefault("EVENTS_EXCHANGE", defaultEventsExchange)
	viper.SetDefault("SETTLEMENT_EVENT_QUEUE", defaultSettlementEventQueue)
	viper.SetDefault("GATEWAY_TIMEOUT_SECONDS", defaultGatewayTimeoutSeconds)
	viper.SetDefault("RECONCILE_SCHEDULE", defaultReconcileSchedule)
	viper.SetDefault("RECONCILE_BATCH_LIMIT", defaultReconcileBatchLimit)
	viper.SetDefault("RECONCILE_MIN_AGE_SECONDS", defaultReconcileMinAgeSecs)
	viper.SetDefault("MIGRATIONS_PATH", defaultMigrationsPath)

	// Bind environment variables explicitly to ensure they appear in Unmarshal
	_ = viper.BindEnv("SERVER_PORT")
	_ = viper.BindEnv("PORT")
	_ = viper.BindEnv("APP_ENV")
	_ = viper.BindEnv("DATABASE_URL")
	_ = viper.BindEnv("STORE_BACKEND")
	_ = viper.BindEnv("REDIS_URL")
	_ = viper.BindEnv("REDIS_KEY_PREFIX")
	_ = viper.BindEnv("DECISION_RATE_LIMIT_PER_MINUTE")
	_ = viper.BindEnv("RABBITMQ_URL")
	_ = viper.BindEnv("EVENTS_EXCHANGE")
	_ = viper.BindEnv("SETTLEMENT_EVENT_QUEUE")
	_ = viper.BindEnv("LIPILA_API_BASE_URL")
	_ = viper.BindEnv("LIPILA_API_KEY")
	_ = viper.BindEnv("GATEWAY_TIMEOUT_SECONDS")
	_ = viper.BindEnv("JWKS_URL", "JWKS_URL", "CLERK_JWKS_URL")
	_ = viper.BindEnv("AUTH_AUDIENCE")
	_ = viper.BindEnv("AUTH_ISSUER")
	_ = viper.BindEnv("INTERNAL_API_KEY", "INTERNAL_API_KEY", "WITHDRAWAL_SERVICE_INTERNAL_API_KEY")
	_ = viper.BindEnv("WEBHOOK_SECRET", "WEBHOOK_SECRET", "LIPILA_WEBHOOK_SECRET")
	_ = viper.BindEnv("RECONCILE_SCHEDULE")
	_ = viper.BindEnv("RECONCILE_BATCH_LIMIT")
	_ = viper.BindEnv("RECONCILE_MIN_AGE_SECONDS")
	_ = viper.BindEnv("CORS_ALLOWED_ORIGINS")
	_ = viper.BindEnv("MIGRATIONS_PATH")

	// Attempt to read the config file. It's okay if it doesn't exist.
	if err = viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			log.Warn("failed to read config file; using environment values", zap.Error(err))
		}
	}

	// Unmarshal the configuration into the Config struct.
	err = viper.Unmarshal(&config)
	if err != nil {
		return
	}

	if port := strings.TrimSpace(os.Getenv("PORT")); port != "" {
		config.ServerPort = port
	}
	config.normalize(log)
	return
}

func (c *Config) normalize(log *zap.Logger) {
	c.AppEnv = strings.ToLower(strings.TrimSpace(c.AppEnv))
	c.DatabaseURL = strings.TrimSpace(c.DatabaseURL)
	c.RedisURL = strings.TrimSpace(c.RedisURL)
	c.RabbitMQURL = strings.TrimSpace(c.RabbitMQURL)
	c.InternalAPIKey = strings.TrimSpace(c.InternalAPIKey)
	c.WebhookSecret = strings.TrimSpace(c.WebhookSecret)
	c.LipilaAPIBaseURL = strings.TrimRight(strings.TrimSpace(c.LipilaAPIBaseURL), "/")

	c.StoreBackend = strings.ToLower(strings.TrimSpace(c.StoreBackend))
	if c.StoreBackend != StoreBackendPostgres && c.StoreBackend != StoreBackendMemory {
		log.Warn("unknown store backend; using postgres", zap.String("store_backend", c.StoreBackend))
		c.StoreBackend = StoreBackendPostgres
	}

	c.RedisKeyPrefix = strings.TrimSuffix(strings.TrimSpace(c.RedisKeyPrefix), ":")
	if c.RedisKeyPrefix == "" {
		c.RedisKeyPrefix = defaultRedisKeyPrefix
	}
	if strings.TrimSpace(c.EventsExchange) == "" {
		c.EventsExchange = defaultEventsExchange
	}
	if strings.TrimSpace(c.SettlementEventQueue) == "" {
		c.SettlementEventQueue = defaultSettlementEventQueue
	}
	if strings.TrimSpace(c.MigrationsPath) == "" {
		c.MigrationsPath = defaultMigrationsPath
	}

	if c.DecisionRateLimitPerMinute < 0 {
		log.Warn("negative decision rate limit configured; disabling limiter", zap.Int("limit", c.DecisionRateLimitPerMinute))
		c.DecisionRateLimitPerMinute = 0
	}
	if c.GatewayTimeoutSeconds <= 0 {
		c.GatewayTimeoutSeconds = defaultGatewayTimeoutSeconds
	}

	if c.ReconcileBatchLimit <= 0 {
		c.ReconcileBatchLimit = defaultReconcileBatchLimit
	}
	if c.ReconcileBatchLimit > maxReconcileBatchLimit {
		log.Warn("reconcile batch limit too high; capping", zap.Int("limit", c.ReconcileBatchLimit), zap.Int("max", maxReconcileBatchLimit))
		c.ReconcileBatchLimit = maxReconcileBatchLimit
	}
	if c.ReconcileMinAgeSeconds < 0 {
		c.ReconcileMinAgeSeconds = defaultReconcileMinAgeSecs
	}
	if floor := c.minReconcileAgeSeconds(); c.ReconcileMinAgeSeconds < floor {
		log.Warn("reconcile min age shorter than an approval; raising",
			zap.Int("min_age_seconds", c.ReconcileMinAgeSeconds),
			zap.Int("gateway_timeout_seconds", c.GatewayTimeoutSeconds),
			zap.Int("raised_to", floor),
		)
		c.ReconcileMinAgeSeconds = floor
	}

	c.ReconcileSchedule = strings.TrimSpace(c.ReconcileSchedule)
	if _, err := cron.ParseStandard(c.ReconcileSchedule); err != nil {
		log.Warn("invalid reconcile schedule; using default", zap.String("schedule", c.ReconcileSchedule), zap.Error(err))
		c.ReconcileSchedule = defaultReconcileSchedule
	}
}

// minReconcileAgeSeconds covers the gateway call plus the acceptance write that
// follows it, with a margin.
func (c Config) minReconcileAgeSeconds() int {
	return c.GatewayTimeoutSeconds + approvalPersistSeconds + reconcileAgeMarginSeconds
}

// GatewayTimeout is the per-call timeout applied to the payment gateway.
func (c Config) GatewayTimeout() time.Duration {
	return time.Duration(c.GatewayTimeoutSeconds) * time.Second
}

// ReconcileMinAge is how long a disbursement must sit untouched before the sweep
// resolves it.
func (c Config) ReconcileMinAge() time.Duration {
	return time.Duration(c.ReconcileMinAgeSeconds) * time.Second
}

// AllowedOrigins splits CORS_ALLOWED_ORIGINS on commas.
func (c Config) AllowedOrigins() []string {
	var origins []string
	for _, origin := range strings.Split(c.CORSAllowedOrigins, ",") {
		if trimmed := strings.TrimSpace(origin); trimmed != "" {
			origins = append(origins, trimmed)
		}
	}
	return origins
}

// IsProduction reports whether the service runs with production settings.
func (c Config) IsProduction() bool {
	return c.AppEnv == "production" || c.AppEnv == "prod"
}
