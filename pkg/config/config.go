// Package config loads server configuration from environment variables.
package config

import "os"

// Config holds server configuration.
type Config struct {
	Port     string
	LogLevel string

	// DatabaseURL selects the backing store. A postgres:// URL uses the
	// Postgres driver with row-level security; anything else is treated as
	// a SQLite path. Empty runs fully in memory.
	DatabaseURL string

	// RedisAddr enables the duplicate-intake counter when set.
	RedisAddr string

	// PolicyProfile is an optional path to a YAML policy profile overriding
	// the built-in state graph and uncertainty weights.
	PolicyProfile string

	// OTLPEndpoint enables trace and metric export when set.
	OTLPEndpoint string
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

	return &Config{
		Port:          port,
		LogLevel:      logLevel,
		DatabaseURL:   os.Getenv("DATABASE_URL"),
		RedisAddr:     os.Getenv("REDIS_ADDR"),
		PolicyProfile: os.Getenv("POLICY_PROFILE"),
		OTLPEndpoint:  os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
	}
}
