package memory

import "fmt"

// BackendOptions selects and configures a backend.
type BackendOptions struct {
	Kind       string
	RedisURL   string
	SQLitePath string
}

// OpenBackend constructs the configured backend. An empty kind means memory.
func OpenBackend(opts BackendOptions) (Backend, error) {
	switch opts.Kind {
	case "", "memory":
		return NewMemoryBackend(), nil
	case "redis":
		return NewRedisBackend(opts.RedisURL)
	case "sqlite":
		return NewSQLiteBackend(opts.SQLitePath)
	default:
		return nil, fmt.Errorf("unknown store backend %q", opts.Kind)
	}
}
