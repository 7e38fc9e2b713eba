package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLoadDefaults(t *testing.T) {
	cfg := Load()
	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, "INFO", cfg.LogLevel)
	assert.Equal(t, "./data", cfg.SessionRoot)
	assert.Equal(t, 15*time.Minute, cfg.TokenTTL)
	assert.Equal(t, 300, cfg.RequestsPerMinute)
	assert.False(t, cfg.OTelEnabled)
}

func TestLoadFromEnvironment(t *testing.T) {
	t.Setenv("PORT", "9090")
	t.Setenv("WARDEN_TOKEN_SECRET", "0123456789abcdef0123456789abcdef")
	t.Setenv("WARDEN_TOKEN_TTL", "5m")
	t.Setenv("WARDEN_RATE_RPM", "60")
	t.Setenv("REDIS_ADDR", "localhost:6379")
	t.Setenv("WARDEN_AUDIT_SQLITE", "true")

	cfg := Load()
	assert.Equal(t, "9090", cfg.Port)
	assert.Equal(t, "0123456789abcdef0123456789abcdef", cfg.TokenSecret)
	assert.Equal(t, 5*time.Minute, cfg.TokenTTL)
	assert.Equal(t, 60, cfg.RequestsPerMinute)
	assert.Equal(t, "localhost:6379", cfg.RedisAddr)
	assert.True(t, cfg.AuditSQLite)
}

func TestMalformedNumbersFallBack(t *testing.T) {
	t.Setenv("WARDEN_RATE_RPM", "lots")
	t.Setenv("WARDEN_TOKEN_TTL", "whenever")

	cfg := Load()
	assert.Equal(t, 300, cfg.RequestsPerMinute)
	assert.Equal(t, 15*time.Minute, cfg.TokenTTL)
}
