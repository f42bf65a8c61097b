/**
 * @description
 * This package handles the configuration management for the service. It uses the
 * Viper library to read configuration from environment variables, providing a
 * centralized and straightforward way to manage application settings.
 *
 * @dependencies
 * - github.com/spf13/viper: A popular library for Go application configuration.
 * - github.com/sirupsen/logrus: Warnings about coerced values.
 */

package config

import (
	"errors"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
)

var ErrMissingAdminIdentity = errors.New("ESCROW_ADMIN_IDENTITY is required")

// Config holds all the configuration variables for the crowdfund-service.
// These values are loaded from environment variables.
type Config struct {
	ServerPort                   string `mapstructure:"SERVER_PORT"`
	LogLevel                     string `mapstructure:"LOG_LEVEL"`
	DatabaseURL                  string `mapstructure:"DATABASE_URL"`
	RedisURL                     string `mapstructure:"REDIS_URL"`
	RedisRateLimitPrefix         string `mapstructure:"REDIS_RATE_LIMIT_PREFIX"`
	ContributeRateLimitPerMinute int    `mapstructure:"CONTRIBUTE_RATE_LIMIT_PER_MINUTE"`
	ReportRateLimitPerMinute     int    `mapstructure:"REPORT_RATE_LIMIT_PER_MINUTE"`
	RabbitMQURL                  string `mapstructure:"RABBITMQ_URL"`
	EventExchange                string `mapstructure:"EVENT_EXCHANGE"`
	ContributionEventQueue       string `mapstructure:"CONTRIBUTION_EVENT_QUEUE"`
	ContributionConsumerPrefetch int    `mapstructure:"CONTRIBUTION_CONSUMER_PREFETCH"`
	SettlementAPIBaseURL         string `mapstructure:"SETTLEMENT_API_BASE_URL"`
	SettlementAPIKey             string `mapstructure:"SETTLEMENT_API_KEY"`
	EscrowAdminIdentity          string `mapstructure:"ESCROW_ADMIN_IDENTITY"`
	AuthJWTSecret                string `mapstructure:"AUTH_JWT_SECRET"`
	AuthJWTIssuer                string `mapstructure:"AUTH_JWT_ISSUER"`
	AuthJWTAudience              string `mapstructure:"AUTH_JWT_AUDIENCE"`
	DeadlineSweepSchedule        string `mapstructure:"DEADLINE_SWEEP_SCHEDULE"`
	EscrowMetricsSchedule        string `mapstructure:"ESCROW_METRICS_SCHEDULE"`
	CORSAllowedOrigins           string `mapstructure:"CORS_ALLOWED_ORIGINS"`
	RequestTimeoutSeconds        int    `mapstructure:"REQUEST_TIMEOUT_SECONDS"`
}

// LoadConfig reads configuration from environment variables from the given path.
// It uses Viper to automatically bind environment variables to the Config struct.
func LoadConfig(path string) (config Config, err error) {
	log := logrus.WithField("component", "config")

	// Tell viper the path to look for the optional .env file.
	viper.AddConfigPath(path)
	viper.SetConfigName(".env")
	viper.SetConfigType("env")

	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	viper.SetDefault("SERVER_PORT", "8080")
	viper.SetDefault("LOG_LEVEL", "info")
	viper.SetDefault("REDIS_RATE_LIMIT_PREFIX", "crowdfund:rate_limit")
	viper.SetDefault("CONTRIBUTE_RATE_LIMIT_PER_MINUTE", 60)
	viper.SetDefault("REPORT_RATE_LIMIT_PER_MINUTE", 10)
	viper.SetDefault("EVENT_EXCHANGE", "crowdfund.events")
	viper.SetDefault("CONTRIBUTION_EVENT_QUEUE", "crowdfund_service.contributions")
	viper.SetDefault("CONTRIBUTION_CONSUMER_PREFETCH", 32)
	viper.SetDefault("DEADLINE_SWEEP_SCHEDULE", "@every 1m")
	viper.SetDefault("ESCROW_METRICS_SCHEDULE", "@every 30s")
	viper.SetDefault("CORS_ALLOWED_ORIGINS", "*")
	viper.SetDefault("REQUEST_TIMEOUT_SECONDS", 60)

	// Bind environment variables explicitly to ensure they appear in Unmarshal
	_ = viper.BindEnv("SERVER_PORT")
	_ = viper.BindEnv("PORT")
	_ = viper.BindEnv("LOG_LEVEL")
	_ = viper.BindEnv("DATABASE_URL")
	_ = viper.BindEnv("REDIS_URL", "REDIS_URL", "CROWDFUND_REDIS_URL")
	_ = viper.BindEnv("REDIS_RATE_LIMIT_PREFIX")
	_ = viper.BindEnv("CONTRIBUTE_RATE_LIMIT_PER_MINUTE")
	_ = viper.BindEnv("REPORT_RATE_LIMIT_PER_MINUTE")
	_ = viper.BindEnv("RABBITMQ_URL")
	_ = viper.BindEnv("EVENT_EXCHANGE")
	_ = viper.BindEnv("CONTRIBUTION_EVENT_QUEUE")
	_ = viper.BindEnv("CONTRIBUTION_CONSUMER_PREFETCH")
	_ = viper.BindEnv("SETTLEMENT_API_BASE_URL")
	_ = viper.BindEnv("SETTLEMENT_API_KEY")
	_ = viper.BindEnv("ESCROW_ADMIN_IDENTITY", "ESCROW_ADMIN_IDENTITY", "ADMIN_IDENTITY")
	_ = viper.BindEnv("AUTH_JWT_SECRET")
	_ = viper.BindEnv("AUTH_JWT_ISSUER")
	_ = viper.BindEnv("AUTH_JWT_AUDIENCE")
	_ = viper.BindEnv("DEADLINE_SWEEP_SCHEDULE")
	_ = viper.BindEnv("ESCROW_METRICS_SCHEDULE")
	_ = viper.BindEnv("CORS_ALLOWED_ORIGINS")
	_ = viper.BindEnv("REQUEST_TIMEOUT_SECONDS")

	// Attempt to read the config file. It's okay if it doesn't exist.
	if err = viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			log.WithError(err).Warn("failed to read config file; using environment values")
		}
	}

	err = viper.Unmarshal(&config)
	if err != nil {
		return
	}

	if port := strings.TrimSpace(os.Getenv("PORT")); port != "" {
		config.ServerPort = port
	}
	config.EscrowAdminIdentity = strings.TrimSpace(config.EscrowAdminIdentity)
	if config.EscrowAdminIdentity == "" {
		config.EscrowAdminIdentity = strings.TrimSpace(os.Getenv("ADMIN_IDENTITY"))
	}
	if config.EscrowAdminIdentity == "" {
		err = ErrMissingAdminIdentity
		return
	}

	config.DatabaseURL = strings.TrimSpace(config.DatabaseURL)
	config.RedisURL = strings.TrimSpace(config.RedisURL)
	config.RabbitMQURL = strings.TrimSpace(config.RabbitMQURL)
	config.SettlementAPIBaseURL = strings.TrimRight(strings.TrimSpace(config.SettlementAPIBaseURL), "/")
	config.RedisRateLimitPrefix = strings.TrimSpace(config.RedisRateLimitPrefix)
	if config.RedisRateLimitPrefix == "" {
		config.RedisRateLimitPrefix = "crowdfund:rate_limit"
	}
	if strings.TrimSpace(config.EventExchange) == "" {
		config.EventExchange = "crowdfund.events"
	}

	if _, parseErr := logrus.ParseLevel(config.LogLevel); parseErr != nil {
		log.WithField("value", config.LogLevel).Warn("invalid LOG_LEVEL; using info")
		config.LogLevel = "info"
	}

	if config.ContributeRateLimitPerMinute <= 0 {
		log.WithField("value", config.ContributeRateLimitPerMinute).Warn("non-positive contribute rate limit; using default")
		config.ContributeRateLimitPerMinute = 60
	}
	if config.ReportRateLimitPerMinute <= 0 {
		log.WithField("value", config.ReportRateLimitPerMinute).Warn("non-positive report rate limit; using default")
		config.ReportRateLimitPerMinute = 10
	}
	if config.ContributionConsumerPrefetch <= 0 {
		config.ContributionConsumerPrefetch = 32
	}
	if config.RequestTimeoutSeconds <= 0 {
		config.RequestTimeoutSeconds = 60
	}
	if strings.TrimSpace(config.DeadlineSweepSchedule) == "" {
		config.DeadlineSweepSchedule = "@every 1m"
	}
	if strings.TrimSpace(config.EscrowMetricsSchedule) == "" {
		config.EscrowMetricsSchedule = "@every 30s"
	}
	if strings.TrimSpace(config.AuthJWTSecret) == "" {
		log.Warn("AUTH_JWT_SECRET not set; authenticated routes will reject every request")
	}

	return
}

// AllowedOrigins splits CORS_ALLOWED_ORIGINS on commas.
func (c Config) AllowedOrigins() []string {
	var origins []string
	for _, origin := range strings.Split(c.CORSAllowedOrigins, ",") {
		if origin = strings.TrimSpace(origin); origin != "" {
			origins = append(origins, origin)
		}
	}
	if len(origins) == 0 {
		return []string{"*"}
	}
	return origins
}
