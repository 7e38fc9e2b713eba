// Package config loads server configuration from the environment.
package config

import (
	"os"
	"strconv"
	"time"
)

// Config holds server configuration.
type Config struct {
	Port         string
	LogLevel     string
	SessionRoot  string
	WorkflowFile string

	// TokenSecret signs capability tokens (HS256). TokenKeyFile, when
	// set, takes precedence and selects Ed25519 signing.
	TokenSecret  string
	TokenKeyFile string
	TokenTTL     time.Duration

	// RedisAddr switches the rate limiter to the shared Redis backend.
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	RequestsPerMinute int
	Burst             int

	AuditSQLite bool

	OTLPEndpoint string
	OTelEnabled  bool
	Environment  string
}

// Load loads configuration from environment variables.
func Load() *Config {
	cfg := &Config{
		Port:              getenv("PORT", "8080"),
		LogLevel:          getenv("LOG_LEVEL", "INFO"),
		SessionRoot:       getenv("WARDEN_SESSION_ROOT", "./data"),
		WorkflowFile:      getenv("WARDEN_WORKFLOW_FILE", "./workflow.yaml"),
		TokenSecret:       os.Getenv("WARDEN_TOKEN_SECRET"),
		TokenKeyFile:      os.Getenv("WARDEN_TOKEN_KEY_FILE"),
		TokenTTL:          getduration("WARDEN_TOKEN_TTL", 15*time.Minute),
		RedisAddr:         os.Getenv("REDIS_ADDR"),
		RedisPassword:     os.Getenv("REDIS_PASSWORD"),
		RedisDB:           getint("REDIS_DB", 0),
		RequestsPerMinute: getint("WARDEN_RATE_RPM", 300),
		Burst:             getint("WARDEN_RATE_BURST", 30),
		AuditSQLite:       os.Getenv("WARDEN_AUDIT_SQLITE") == "true",
		OTLPEndpoint:      getenv("OTLP_ENDPOINT", "localhost:4317"),
		OTelEnabled:       os.Getenv("OTEL_ENABLED") == "true",
		Environment:       getenv("WARDEN_ENV", "development"),
	}
	return cfg
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getint(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func getduration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}
