package config

import (
	"os"
	"time"
)

// Config holds server configuration.
type Config struct {
	Port           string
	LogLevel       string
	DBPath         string
	RuleTablePath  string
	RedisAddr      string
	RedisKeyPrefix string
	EngineURL      string
	EngineTimeout  time.Duration
	OTLPEndpoint   string
	Telemetry      bool
}

// Load loads configuration from environment variables.
func Load() *Config {
	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	logLevel := os.Getenv("LOG_LEVEL")
	if logLevel == "" {
		logLevel = "INFO"
	}

	dbPath := os.Getenv("AUDIT_DB_PATH")
	if dbPath == "" {
		dbPath = "keel-audit.db"
	}

	// Empty means the embedded default rule table.
	rulePath := os.Getenv("RULE_TABLE_PATH")

	// Empty means the in-process review queue.
	redisAddr := os.Getenv("REDIS_ADDR")

	redisPrefix := os.Getenv("REDIS_KEY_PREFIX")
	if redisPrefix == "" {
		redisPrefix = "keel:review"
	}

	engineURL := os.Getenv("ENGINE_URL")
	if engineURL == "" {
		engineURL = "http://localhost:9090"
	}

	engineTimeout := 2 * time.Second
	if v := os.Getenv("ENGINE_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			engineTimeout = d
		}
	}

	otlp := os.Getenv("OTLP_ENDPOINT")
	if otlp == "" {
		otlp = "localhost:4317"
	}

	return &Config{
		Port:           port,
		LogLevel:       logLevel,
		DBPath:         dbPath,
		RuleTablePath:  rulePath,
		RedisAddr:      redisAddr,
		RedisKeyPrefix: redisPrefix,
		EngineURL:      engineURL,
		EngineTimeout:  engineTimeout,
		OTLPEndpoint:   otlp,
		Telemetry:      os.Getenv("TELEMETRY") == "true",
	}
}
