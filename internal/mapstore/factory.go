package mapstore

import (
	"fmt"
	"net/url"
	"strings"
	"sync"
)

// BackendFactory builds a Backend for a DSN scheme. Registered factories
// take precedence over the built-in schemes, which lets tests install
// doubles without touching real storage.
type BackendFactory func(dsn, account, calendar string) (Backend, error)

var backendFactoryRegistry = struct {
	mu        sync.RWMutex
	factories map[string]BackendFactory
}{
	factories: map[string]BackendFactory{},
}

func RegisterBackendFactory(scheme string, factory BackendFactory) {
	scheme = normalizeScheme(scheme)
	if scheme == "" || factory == nil {
		return
	}
	backendFactoryRegistry.mu.Lock()
	defer backendFactoryRegistry.mu.Unlock()
	backendFactoryRegistry.factories[scheme] = factory
}

func lookupBackendFactory(scheme string) (BackendFactory, bool) {
	scheme = normalizeScheme(scheme)
	backendFactoryRegistry.mu.RLock()
	defer backendFactoryRegistry.mu.RUnlock()
	factory, ok := backendFactoryRegistry.factories[scheme]
	return factory, ok
}

// BuildBackendFromDSN picks a map backend from a DSN. Supported forms:
//
//	/some/dir or file:/some/dir   JSON file per (account, calendar) pair
//	memory:                       in-memory (tests, dry runs)
//	sqlite:/some/path.db          SQLite database
//	postgres://user@host/db       Postgres
func BuildBackendFromDSN(dsn, account, calendar string) (Backend, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, fmt.Errorf("%w: map DSN is required", ErrInvalidInput)
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, err
	}
	scheme := normalizeScheme(parsed.Scheme)
	if factory, ok := lookupBackendFactory(scheme); ok {
		return factory(dsn, account, calendar)
	}
	switch scheme {
	case "", "file":
		dir, pathErr := dsnPath(parsed, dsn)
		if pathErr != nil {
			return nil, pathErr
		}
		return NewFileBackend(dir, account, calendar)
	case "memory", "mem", "inmem":
		return NewInMemoryBackend(), nil
	case "sqlite", "sqlite3":
		path, pathErr := dsnPath(parsed, dsn)
		if pathErr != nil {
			return nil, pathErr
		}
		return NewSQLiteBackend(path, account, calendar)
	case "postgres", "postgresql":
		return NewPostgresBackend(dsn, account, calendar)
	case "mysql":
		return nil, fmt.Errorf("%w: map backend %s", ErrNotImplemented, scheme)
	default:
		return nil, fmt.Errorf("unsupported map backend scheme: %s", scheme)
	}
}

func dsnPath(parsed *url.URL, raw string) (string, error) {
	if parsed.Opaque != "" {
		return parsed.Opaque, nil
	}
	if parsed.Path != "" {
		return parsed.Path, nil
	}
	if parsed.Scheme == "" {
		return raw, nil
	}
	return "", fmt.Errorf("%w: no path in DSN %q", ErrInvalidInput, raw)
}

func normalizeScheme(scheme string) string {
	return strings.ToLower(strings.TrimSpace(scheme))
}
