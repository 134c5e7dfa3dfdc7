package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// Config contains all runtime settings for the support chat service.
type Config struct {
	BindAddr                 string
	ShutdownTimeout          time.Duration
	SessionInactivityTimeout time.Duration
	MetricsNamespace         string

	AllowAnyOrigin bool

	LogLevel  string
	LogFormat string

	DataDir         string
	CredentialsFile string
	BcryptCost      int

	StateBackend string
	SQLitePath   string
	DatabaseURL  string
	RedisURL     string

	CompletionMode         string
	CompletionURL          string
	CompletionFallbackURL  string
	CompletionModel        string
	CompletionAPIKey       string
	CompletionTimeout      time.Duration
	CompletionMaxRetries   int
	CompletionFallbackText string

	PolicyEpsilon            float64
	PolicyLearningRate       float64
	PolicyStateNormalization string
	PolicyRejectNegative     bool

	ContextRulesPath string
}

// DefaultFallbackText is sent when the completion endpoint cannot answer.
const DefaultFallbackText = "Sorry, I couldn't fetch a response right now."

// Load reads environment variables and applies safe defaults.
func Load() (Config, error) {
	cfg := Config{
		BindAddr:         envOrDefault("APP_BIND_ADDR", ":8080"),
		MetricsNamespace: envOrDefault("APP_METRICS_NAMESPACE", "deskmate"),
		AllowAnyOrigin:   false,
		LogLevel:         envOrDefault("LOG_LEVEL", "info"),
		LogFormat:        strings.ToLower(envOrDefault("LOG_FORMAT", "text")),
		DataDir:          envOrDefault("DATA_DIR", "./data"),
		CredentialsFile:  stringsTrimSpace("CREDENTIALS_FILE"),
		// 0 lets the identity store pick bcrypt's default cost.
		BcryptCost:               0,
		StateBackend:             strings.ToLower(envOrDefault("STATE_BACKEND", "file")),
		SQLitePath:               stringsTrimSpace("SQLITE_PATH"),
		DatabaseURL:              stringsTrimSpace("DATABASE_URL"),
		RedisURL:                 stringsTrimSpace("REDIS_URL"),
		CompletionMode:           envOrDefault("COMPLETION_MODE", "auto"),
		CompletionURL:            stringsTrimSpace("COMPLETION_URL"),
		CompletionFallbackURL:    stringsTrimSpace("COMPLETION_FALLBACK_URL"),
		CompletionModel:          envOrDefault("COMPLETION_MODEL", "llama-3.2-3b-instruct"),
		CompletionAPIKey:         stringsTrimSpace("COMPLETION_API_KEY"),
		CompletionTimeout:        60 * time.Second,
		CompletionMaxRetries:     0,
		CompletionFallbackText:   envOrDefault("COMPLETION_FALLBACK_TEXT", DefaultFallbackText),
		PolicyEpsilon:            0.1,
		PolicyLearningRate:       0.1,
		PolicyStateNormalization: envOrDefault("POLICY_STATE_NORMALIZATION", "raw"),
		ContextRulesPath:         stringsTrimSpace("CONTEXT_RULES_PATH"),
		ShutdownTimeout:          15 * time.Second,
		SessionInactivityTimeout: 30 * time.Minute,
	}
	var err error
	cfg.ShutdownTimeout, err = durationFromEnv("APP_SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.SessionInactivityTimeout, err = durationFromEnv("APP_SESSION_INACTIVITY_TIMEOUT", cfg.SessionInactivityTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.CompletionTimeout, err = durationFromEnv("COMPLETION_TIMEOUT", cfg.CompletionTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.AllowAnyOrigin, err = boolFromEnv("APP_ALLOW_ANY_ORIGIN", cfg.AllowAnyOrigin)
	if err != nil {
		return Config{}, err
	}
	cfg.PolicyRejectNegative, err = boolFromEnv("POLICY_REJECT_NEGATIVE", cfg.PolicyRejectNegative)
	if err != nil {
		return Config{}, err
	}
	cfg.CompletionMaxRetries, err = intFromEnv("COMPLETION_MAX_RETRIES", cfg.CompletionMaxRetries)
	if err != nil {
		return Config{}, err
	}
	cfg.BcryptCost, err = intFromEnv("BCRYPT_COST", cfg.BcryptCost)
	if err != nil {
		return Config{}, err
	}
	cfg.PolicyEpsilon, err = floatFromEnv("POLICY_EPSILON", cfg.PolicyEpsilon)
	if err != nil {
		return Config{}, err
	}
	cfg.PolicyLearningRate, err = floatFromEnv("POLICY_LEARNING_RATE", cfg.PolicyLearningRate)
	if err != nil {
		return Config{}, err
	}

	if cfg.CredentialsFile == "" {
		cfg.CredentialsFile = filepath.Join(cfg.DataDir, "credentials.txt")
	}
	if cfg.SQLitePath == "" {
		cfg.SQLitePath = filepath.Join(cfg.DataDir, "deskmate.db")
	}

	if cfg.SessionInactivityTimeout < 5*time.Second {
		return Config{}, fmt.Errorf("APP_SESSION_INACTIVITY_TIMEOUT must be at least 5s")
	}
	if cfg.CompletionTimeout <= 0 {
		return Config{}, fmt.Errorf("COMPLETION_TIMEOUT must be positive")
	}
	if cfg.CompletionMaxRetries < 0 {
		return Config{}, fmt.Errorf("COMPLETION_MAX_RETRIES must be >= 0")
	}
	if cfg.PolicyEpsilon < 0 || cfg.PolicyEpsilon > 1 {
		return Config{}, fmt.Errorf("POLICY_EPSILON must be within [0,1]")
	}
	if cfg.PolicyLearningRate <= 0 || cfg.PolicyLearningRate > 1 {
		return Config{}, fmt.Errorf("POLICY_LEARNING_RATE must be within (0,1]")
	}
	if cfg.BcryptCost < 0 {
		return Config{}, fmt.Errorf("BCRYPT_COST must be >= 0")
	}
	switch cfg.LogFormat {
	case "text", "json":
	default:
		return Config{}, fmt.Errorf("LOG_FORMAT must be text or json, got %q", cfg.LogFormat)
	}
	if _, err := ParseLogLevel(cfg.LogLevel); err != nil {
		return Config{}, fmt.Errorf("LOG_LEVEL: %w", err)
	}
	switch cfg.StateBackend {
	case "file", "sqlite", "memory":
	case "postgres":
		if cfg.DatabaseURL == "" {
			return Config{}, fmt.Errorf("DATABASE_URL is required when STATE_BACKEND=postgres")
		}
	case "redis":
		if cfg.RedisURL == "" {
			return Config{}, fmt.Errorf("REDIS_URL is required when STATE_BACKEND=redis")
		}
	default:
		return Config{}, fmt.Errorf("unsupported STATE_BACKEND %q", cfg.StateBackend)
	}

	return cfg, nil
}

func envOrDefault(key, fallback string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	return v
}

func stringsTrimSpace(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func durationFromEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return d, nil
}

func intFromEnv(key string, fallback int) (int, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return n, nil
}

func floatFromEnv(key string, fallback float64) (float64, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return f, nil
}

func boolFromEnv(key string, fallback bool) (bool, error) {
	v := strings.ToLower(stringsTrimSpace(key))
	if v == "" {
		return fallback, nil
	}
	switch v {
	case "1", "true", "t", "yes", "y", "on":
		return true, nil
	case "0", "false", "f", "no", "n", "off":
		return false, nil
	default:
		return false, fmt.Errorf("%s parse error: expected bool", key)
	}
}
