// Package config validates the environment variables shared by every
// worker entry point (tenant DB connection, broker address, logging mode).
// Per-worker CLI flags (pre_open, configFile, ...) are parsed separately in
// each cmd/ main using pflag.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
)

// Config holds validated environment configuration shared across workers.
type Config struct {
	// Tenant DB (Greenlight / Postgres)
	DBHost     string
	DBPort     string
	DBName     string
	DBUser     string
	DBPassword string
	DBSSLMode  string

	// Broker (Redis)
	RedisAddr     string
	RedisPassword string

	// Ambient
	GoEnv           string
	LogLevel        string
	DevelopmentMode bool
	AllowedOrigins  string

	// KeepRedisCache is the default record TTL in seconds (1 year).
	KeepRedisCache int

	// RateLimitGlobalRate and RateLimitMutatingRate are ulule/limiter
	// "<count>-<period>" quotas for the HTTP admin surface.
	RateLimitGlobalRate   string
	RateLimitMutatingRate string

	// TracingCollectorAddr is the OTLP/gRPC collector address for the HTTP
	// admin surface's tracer. Empty disables tracing.
	TracingCollectorAddr string
}

// ValidateEnv validates required environment variables and returns a Config.
func ValidateEnv() (*Config, error) {
	cfg := &Config{}
	var errs []string

	cfg.DBHost = getEnvOrDefault("DB_HOST", "localhost")
	cfg.DBPort = getEnvOrDefault("DB_PORT", "5432")
	cfg.DBName = os.Getenv("DB_NAME")
	if cfg.DBName == "" {
		errs = append(errs, "DB_NAME is required")
	}
	cfg.DBUser = os.Getenv("DB_USER")
	if cfg.DBUser == "" {
		errs = append(errs, "DB_USER is required")
	}
	cfg.DBPassword = os.Getenv("DB_PASSWORD")
	cfg.DBSSLMode = getEnvOrDefault("DB_SSLMODE", "disable")

	if port, err := strconv.Atoi(cfg.DBPort); err != nil || port < 1 || port > 65535 {
		errs = append(errs, fmt.Sprintf("DB_PORT must be a valid port number (got '%s')", cfg.DBPort))
	}

	cfg.RedisAddr = getEnvOrDefault("REDIS_ADDR", "localhost:6379")
	if !isValidHostPort(cfg.RedisAddr) {
		errs = append(errs, fmt.Sprintf("REDIS_ADDR must be in format 'host:port' (got '%s')", cfg.RedisAddr))
	}
	cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")

	cfg.GoEnv = getEnvOrDefault("GO_ENV", "production")
	cfg.LogLevel = getEnvOrDefault("LOG_LEVEL", "info")
	cfg.DevelopmentMode = os.Getenv("DEVELOPMENT_MODE") == "true"
	cfg.AllowedOrigins = getEnvOrDefault("ALLOWED_ORIGINS", "*")

	cacheSeconds := getEnvOrDefault("KEEP_REDIS_CACHE", "31536000")
	n, err := strconv.Atoi(cacheSeconds)
	if err != nil || n < 0 {
		errs = append(errs, fmt.Sprintf("KEEP_REDIS_CACHE must be a non-negative integer (got '%s')", cacheSeconds))
	}
	cfg.KeepRedisCache = n

	cfg.RateLimitGlobalRate = getEnvOrDefault("RATE_LIMIT_GLOBAL", "300-M")
	cfg.RateLimitMutatingRate = getEnvOrDefault("RATE_LIMIT_MUTATING", "60-M")
	cfg.TracingCollectorAddr = os.Getenv("TRACING_COLLECTOR_ADDR")

	if len(errs) > 0 {
		return nil, fmt.Errorf("environment validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}

	logValidatedConfig(cfg)

	return cfg, nil
}

func isValidHostPort(addr string) bool {
	parts := strings.Split(addr, ":")
	if len(parts) != 2 {
		return false
	}
	port, err := strconv.Atoi(parts[1])
	if err != nil || port < 1 || port > 65535 {
		return false
	}
	return parts[0] != ""
}

func logValidatedConfig(cfg *Config) {
	slog.Info("environment configuration validated",
		"db_host", cfg.DBHost,
		"db_port", cfg.DBPort,
		"db_name", cfg.DBName,
		"db_user", cfg.DBUser,
		"redis_addr", cfg.RedisAddr,
		"go_env", cfg.GoEnv,
		"log_level", cfg.LogLevel,
		"development_mode", cfg.DevelopmentMode,
		"keep_redis_cache", cfg.KeepRedisCache,
	)
}

func getEnvOrDefault(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}
