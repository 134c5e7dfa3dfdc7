package state

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
)

// Backend names a Store implementation.
type Backend string

const (
	BackendFile     Backend = "file"
	BackendSQLite   Backend = "sqlite"
	BackendPostgres Backend = "postgres"
	BackendRedis    Backend = "redis"
	BackendMemory   Backend = "memory"
)

// Config selects and configures the state backend.
type Config struct {
	Backend     Backend
	DataDir     string
	SQLitePath  string
	DatabaseURL string
	RedisURL    string
	Logger      *slog.Logger
}

// NewStore creates the configured backend. The file backend is the default.
func NewStore(ctx context.Context, cfg Config) (Store, error) {
	backend := Backend(strings.ToLower(strings.TrimSpace(string(cfg.Backend))))
	if backend == "" {
		backend = BackendFile
	}

	switch backend {
	case BackendFile:
		return NewFileStore(cfg.DataDir, cfg.Logger)
	case BackendSQLite:
		path := strings.TrimSpace(cfg.SQLitePath)
		if path == "" {
			path = filepath.Join(cfg.DataDir, "deskmate.db")
		}
		return NewSQLiteStore(ctx, path)
	case BackendPostgres:
		if strings.TrimSpace(cfg.DatabaseURL) == "" {
			return nil, fmt.Errorf("postgres state backend requires DATABASE_URL")
		}
		return NewPostgresStore(ctx, cfg.DatabaseURL)
	case BackendRedis:
		if strings.TrimSpace(cfg.RedisURL) == "" {
			return nil, fmt.Errorf("redis state backend requires REDIS_URL")
		}
		return NewRedisStore(ctx, cfg.RedisURL)
	case BackendMemory:
		return NewInMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unsupported state backend %q", cfg.Backend)
	}
}
