package backend

import (
	"fmt"
	"net/url"
	"strings"
	"sync"
)

type RepositoryFactory func(dsn string) (Repository, error)

var repositoryFactories = struct {
	mu        sync.RWMutex
	factories map[string]RepositoryFactory
}{
	factories: map[string]RepositoryFactory{},
}

// RegisterRepositoryFactory overrides how DSNs with the given scheme are
// opened. Registered factories take precedence over the built-in schemes.
func RegisterRepositoryFactory(scheme string, factory RepositoryFactory) {
	scheme = normalizeScheme(scheme)
	if scheme == "" || factory == nil {
		return
	}
	repositoryFactories.mu.Lock()
	defer repositoryFactories.mu.Unlock()
	repositoryFactories.factories[scheme] = factory
}

func lookupRepositoryFactory(scheme string) (RepositoryFactory, bool) {
	scheme = normalizeScheme(scheme)
	repositoryFactories.mu.RLock()
	defer repositoryFactories.mu.RUnlock()
	factory, ok := repositoryFactories.factories[scheme]
	return factory, ok
}

func normalizeScheme(scheme string) string {
	return strings.ToLower(strings.TrimSpace(scheme))
}

// OpenRepository picks a Repository from the DSN scheme:
// memory://, sqlite://<path>, postgres://...
func OpenRepository(dsn string) (Repository, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return NewMemoryRepository(), nil
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, fmt.Errorf("parsing repository dsn: %w", err)
	}
	scheme := normalizeScheme(parsed.Scheme)
	if factory, ok := lookupRepositoryFactory(scheme); ok {
		return factory(dsn)
	}
	switch scheme {
	case "memory", "mem", "inmem":
		return NewMemoryRepository(), nil
	case "sqlite", "sqlite3", "file":
		path := parsed.Host + parsed.Path
		if parsed.Opaque != "" {
			path = parsed.Opaque
		}
		if path == "" {
			return nil, fmt.Errorf("%w: sqlite dsn has no path", ErrInvalidInput)
		}
		return NewSQLRepository("sqlite", path)
	case "postgres", "postgresql":
		return NewSQLRepository("postgres", dsn)
	default:
		return nil, fmt.Errorf("unsupported repository scheme: %s", scheme)
	}
}
