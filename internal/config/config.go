// Package config loads process configuration from the environment and an
// optional .env file, following the same getEnv/getEnvInt/getEnvBool shape
// used throughout the gateway this terminal daemon was grown from.
package config

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all posd configuration values.
type Config struct {
	// Identity / environment
	Env             string
	DataDir         string
	GracefulTimeout time.Duration

	// Local control surface
	HTTPAddr string

	// Admin API
	AdminBaseURL   string
	AdminAPIKey    string
	AdminOrgID     string
	AdminBranchID  string
	AdminTerminalID string

	// Optional branch-local coordination
	RedisURL string

	// Background loop cadence
	SyncIntervalSec  int
	PrintIntervalSec int

	// HTTP client timeouts
	AdminDataTimeout   time.Duration
	AdminLogoTimeout   time.Duration
	AdminHealthTimeout time.Duration

	// Logging
	LogLevel string
	LogJSON  bool
}

// Load reads configuration from environment variables and an optional
// .env file in the working directory.
func Load() *Config {
	_ = godotenv.Load()

	graceSec := getEnvInt("POS_GRACEFUL_TIMEOUT_SEC", 15)

	return &Config{
		Env:             getEnv("POS_ENV", "development"),
		DataDir:         getEnv("POS_DATA_DIR", defaultDataDir()),
		GracefulTimeout: time.Duration(graceSec) * time.Second,

		HTTPAddr: getEnv("POS_HTTP_ADDR", "127.0.0.1:8787"),

		AdminBaseURL:    getEnv("POS_ADMIN_BASE_URL", ""),
		AdminAPIKey:     getEnv("POS_API_KEY", ""),
		AdminOrgID:      getEnv("POS_ORGANIZATION_ID", ""),
		AdminBranchID:   getEnv("POS_BRANCH_ID", ""),
		AdminTerminalID: getEnv("POS_TERMINAL_ID", ""),

		RedisURL: getEnv("POS_REDIS_URL", ""),

		SyncIntervalSec:  getEnvInt("POS_SYNC_INTERVAL_SEC", 15),
		PrintIntervalSec: getEnvInt("POS_PRINT_INTERVAL_SEC", 3),

		AdminDataTimeout:   time.Duration(getEnvInt("POS_ADMIN_DATA_TIMEOUT_SEC", 15)) * time.Second,
		AdminLogoTimeout:   time.Duration(getEnvInt("POS_ADMIN_LOGO_TIMEOUT_SEC", 8)) * time.Second,
		AdminHealthTimeout: time.Duration(getEnvInt("POS_ADMIN_HEALTH_TIMEOUT_SEC", 5)) * time.Second,

		LogLevel: getEnv("POS_LOG_LEVEL", "info"),
		LogJSON:  getEnvBool("POS_LOG_JSON", false),
	}
}

// IsDevelopment reports whether the process is running in development mode.
func (c *Config) IsDevelopment() bool { return c.Env == "development" }

// IsConfigured reports whether enough identity has been provisioned for the
// sync engine to leave the idle state. A missing credential store means
// "unconfigured": sync stays idle and the UI routes to onboarding.
func (c *Config) IsConfigured() bool {
	return c.AdminBaseURL != "" && c.AdminAPIKey != "" && c.AdminOrgID != ""
}

func defaultDataDir() string {
	if d, err := os.UserConfigDir(); err == nil {
		return d + "/smallpos"
	}
	return "./data"
}

func getEnv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v, ok := os.LookupEnv(key); ok {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if v, ok := os.LookupEnv(key); ok {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}
