package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLoad_Defaults(t *testing.T) {
	cfg := Load()

	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, "INFO", cfg.LogLevel)
	assert.Equal(t, "keel-audit.db", cfg.DBPath)
	assert.Empty(t, cfg.RuleTablePath)
	assert.Empty(t, cfg.RedisAddr)
	assert.Equal(t, "keel:review", cfg.RedisKeyPrefix)
	assert.Equal(t, "http://localhost:9090", cfg.EngineURL)
	assert.Equal(t, 2*time.Second, cfg.EngineTimeout)
	assert.False(t, cfg.Telemetry)
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("PORT", "9999")
	t.Setenv("AUDIT_DB_PATH", "/var/lib/keel/audit.db")
	t.Setenv("REDIS_ADDR", "redis:6379")
	t.Setenv("ENGINE_TIMEOUT", "500ms")
	t.Setenv("TELEMETRY", "true")

	cfg := Load()

	assert.Equal(t, "9999", cfg.Port)
	assert.Equal(t, "/var/lib/keel/audit.db", cfg.DBPath)
	assert.Equal(t, "redis:6379", cfg.RedisAddr)
	assert.Equal(t, 500*time.Millisecond, cfg.EngineTimeout)
	assert.True(t, cfg.Telemetry)
}

// A malformed or non-positive timeout falls back to the default rather than
// disabling the engine read bound.
func TestLoad_BadTimeoutFallsBack(t *testing.T) {
	t.Setenv("ENGINE_TIMEOUT", "soon")
	assert.Equal(t, 2*time.Second, Load().EngineTimeout)

	t.Setenv("ENGINE_TIMEOUT", "-1s")
	assert.Equal(t, 2*time.Second, Load().EngineTimeout)
}
