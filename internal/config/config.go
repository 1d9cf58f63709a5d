// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port        string
	Env         string // "development", "staging", "production"
	LogLevel    string
	LogFormat   string // "json" or "text"
	CORSOrigins []string

	// Database
	DatabaseURL string // PostgreSQL connection string (optional, uses in-memory if not set)

	// Authentication backend
	AuthBackendURL     string
	AuthBackendTimeout time.Duration
	BreakerThreshold   int
	BreakerOpenFor     time.Duration

	// Tracing
	OTLPEndpoint string

	// Risk
	SecondaryAnswer string
	SessionTTL      time.Duration // idle login sessions are dropped after this

	// Device trust
	TrustPolicyFile    string // optional YAML override of the built-in policy
	ReportTrustResults bool   // forward verdicts and environment checks to the auth backend

	// Feature extraction bounds; zero disables a bound
	DwellMaxMs float64
	PauseMaxMs float64

	// Security
	RateLimitRPM int
}

const (
	DefaultPort               = "8080"
	DefaultEnv                = "development"
	DefaultLogLevel           = "info"
	DefaultLogFormat          = "json"
	DefaultAuthBackendURL     = "http://localhost:8000"
	DefaultAuthBackendTimeout = 10 * time.Second
	DefaultBreakerThreshold   = 5
	DefaultBreakerOpenFor     = 30 * time.Second
	DefaultDwellMaxMs         = 2000
	DefaultPauseMaxMs         = 3000
	DefaultRateLimit          = 300
	DefaultSessionTTL         = 30 * time.Minute
	// DevSecondaryAnswer is only used outside production.
	DevSecondaryAnswer = "siddesh sir"
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	cfg := &Config{
		Port:               getEnv("PORT", DefaultPort),
		Env:                getEnv("ENV", DefaultEnv),
		LogLevel:           getEnv("LOG_LEVEL", DefaultLogLevel),
		LogFormat:          getEnv("LOG_FORMAT", DefaultLogFormat),
		CORSOrigins:        getEnvList("CORS_ORIGINS"),
		DatabaseURL:        os.Getenv("DATABASE_URL"), // Optional, uses in-memory if not set
		AuthBackendURL:     getEnv("AUTH_BACKEND_URL", DefaultAuthBackendURL),
		AuthBackendTimeout: getEnvDuration("AUTH_BACKEND_TIMEOUT", DefaultAuthBackendTimeout),
		BreakerThreshold:   int(getEnvInt64("BREAKER_THRESHOLD", DefaultBreakerThreshold)),
		BreakerOpenFor:     getEnvDuration("BREAKER_OPEN_DURATION", DefaultBreakerOpenFor),
		OTLPEndpoint:       os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		SecondaryAnswer:    os.Getenv("SECONDARY_ANSWER"),
		SessionTTL:         getEnvDuration("SESSION_TTL", DefaultSessionTTL),
		TrustPolicyFile:    os.Getenv("TRUST_POLICY_FILE"),
		ReportTrustResults: getEnvBool("REPORT_TRUST_RESULTS", true),
		DwellMaxMs:         float64(getEnvInt64("DWELL_MAX_MS", DefaultDwellMaxMs)),
		PauseMaxMs:         float64(getEnvInt64("PAUSE_MAX_MS", DefaultPauseMaxMs)),
		RateLimitRPM:       int(getEnvInt64("RATE_LIMIT_RPM", DefaultRateLimit)),
	}
	if cfg.SecondaryAnswer == "" && !cfg.IsProduction() {
		cfg.SecondaryAnswer = DevSecondaryAnswer
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration is present
func (c *Config) Validate() error {
	u, err := url.Parse(c.AuthBackendURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("AUTH_BACKEND_URL must be an http(s) URL")
	}
	if c.AuthBackendTimeout <= 0 {
		return fmt.Errorf("AUTH_BACKEND_TIMEOUT must be positive")
	}
	if c.DwellMaxMs < 0 || c.PauseMaxMs < 0 {
		return fmt.Errorf("DWELL_MAX_MS and PAUSE_MAX_MS must not be negative")
	}
	if c.IsProduction() && c.SecondaryAnswer == "" {
		return fmt.Errorf("SECONDARY_ANSWER is required in production")
	}
	switch c.LogFormat {
	case "json", "text":
	default:
		return fmt.Errorf("LOG_FORMAT must be json or text")
	}
	return nil
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.ParseInt(value, 10, 64); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvList(key string) []string {
	var out []string
	for _, v := range strings.Split(os.Getenv(key), ",") {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}
