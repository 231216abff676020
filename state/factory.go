package state

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

const (
	BackendFile   = "file"
	BackendSQLite = "sqlite"
	BackendRedis  = "redis"
	BackendMemory = "memory"
)

// Options selects and configures a backend.
type Options struct {
	Kind        string
	Dir         string
	RedisURL    string
	RedisPrefix string
}

// NewBackend builds the backend named by opts.Kind.
func NewBackend(ctx context.Context, opts Options) (Backend, error) {
	switch strings.ToLower(strings.TrimSpace(opts.Kind)) {
	case "", BackendFile:
		return NewFileBackend(opts.Dir)
	case BackendSQLite:
		if strings.TrimSpace(opts.Dir) == "" {
			return nil, fmt.Errorf("state directory is empty")
		}
		if err := os.MkdirAll(opts.Dir, 0o755); err != nil {
			return nil, fmt.Errorf("create state directory: %w", err)
		}
		return NewSQLiteBackend(filepath.Join(opts.Dir, "state.db"))
	case BackendRedis:
		return NewRedisBackend(ctx, opts.RedisURL, opts.RedisPrefix)
	case BackendMemory:
		return NewMemoryBackend(), nil
	default:
		return nil, fmt.Errorf("unknown state backend %q", opts.Kind)
	}
}
