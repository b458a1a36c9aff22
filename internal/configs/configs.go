/*
Package configs is responsible for loading and parsing the application's configuration settings.

It configures server parameters by reading operating system environment variables,
including the running environment, port, CORS allowed origins, database DSN, and
the bound applied to message store operations.
*/
package configs

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// AppConfig contains all configuration parameters required for the relay to run.
// All configuration values are loaded from environment variables.
type AppConfig struct {
	// General Server Settings
	Environment string
	Port        int

	// Security Settings
	AllowedOrigins []string

	// Database Settings. An empty DSN in development selects the in-memory
	// message store; production requires a database.
	DatabaseDSN string

	// StoreTimeout bounds every message store operation; a send whose
	// persistence does not finish within the bound is treated as failed.
	StoreTimeout time.Duration
}

// LoadConfig reads and parses the application configuration from environment
// variables, supplying defaults and validating ranges.
func LoadConfig() (*AppConfig, error) {
	cfg := &AppConfig{}

	// Environment
	cfg.Environment = os.Getenv("ENVIRONMENT")
	if cfg.Environment == "" {
		cfg.Environment = "development"
	}

	// Port
	portStr := os.Getenv("PORT")
	if portStr == "" {
		portStr = "8080"
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return nil, fmt.Errorf("invalid PORT environment variable: %w", err)
	}
	cfg.Port = port

	if cfg.Port < 1024 || cfg.Port > 65535 {
		return nil, fmt.Errorf("port number %d is outside the recommended range (%d-%d) to avoid privileged ports", cfg.Port, 1024, 65535)
	}

	// AllowedOrigins
	originsStr := os.Getenv("ALLOWED_ORIGINS")
	if originsStr != "" {
		for _, origin := range strings.Split(originsStr, ",") {
			trimmed := strings.TrimSpace(origin)
			if trimmed != "" {
				cfg.AllowedOrigins = append(cfg.AllowedOrigins, trimmed)
			}
		}
	} else {
		cfg.AllowedOrigins = []string{}
	}

	// DatabaseDSN
	cfg.DatabaseDSN = os.Getenv("DATABASE_URL")
	if cfg.DatabaseDSN == "" && cfg.Environment != "development" {
		return nil, fmt.Errorf("DATABASE_URL environment variable is required in %s environment", cfg.Environment)
	}

	// StoreTimeout
	timeoutStr := os.Getenv("STORE_TIMEOUT_MS")
	if timeoutStr == "" {
		timeoutStr = "5000"
	}
	timeoutMs, err := strconv.Atoi(timeoutStr)
	if err != nil {
		return nil, fmt.Errorf("invalid STORE_TIMEOUT_MS environment variable: %w", err)
	}
	if timeoutMs <= 0 {
		return nil, fmt.Errorf("STORE_TIMEOUT_MS must be positive, got %d", timeoutMs)
	}
	cfg.StoreTimeout = time.Duration(timeoutMs) * time.Millisecond

	return cfg, nil
}
