// Package config loads server configuration from the environment, with safe
// defaults for local development, plus per-tenant YAML profiles.
package config

import "os"

// Config holds server configuration.
type Config struct {
	Port        string
	LogLevel    string
	LedgerDSN   string // SQL DSN; empty selects the file-backed ledger
	LedgerDir   string // data dir for the file-backed ledger
	RedisAddr   string // optional distributed rate limiter backend
	JWTSecret   string // HMAC secret for API bearer tokens; empty disables auth
	ProfilesDir string
	OTLP        string // OTLP gRPC endpoint; empty disables export
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

	ledgerDir := os.Getenv("LEDGER_DIR")
	if ledgerDir == "" {
		ledgerDir = "data/ledger"
	}

	profilesDir := os.Getenv("PROFILES_DIR")
	if profilesDir == "" {
		profilesDir = "profiles"
	}

	return &Config{
		Port:        port,
		LogLevel:    logLevel,
		LedgerDSN:   os.Getenv("LEDGER_DSN"),
		LedgerDir:   ledgerDir,
		RedisAddr:   os.Getenv("REDIS_ADDR"),
		JWTSecret:   os.Getenv("JWT_SECRET"),
		ProfilesDir: profilesDir,
		OTLP:        os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
	}
}
