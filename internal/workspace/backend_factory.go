package workspace

import (
	"fmt"
	"net/url"
	"strings"
	"sync"
)

// BackendFactory builds a Backend from a DSN.
type BackendFactory func(dsn string) (Backend, error)

var backendFactoryRegistry = struct {
	mu        sync.RWMutex
	factories map[string]BackendFactory
}{
	factories: map[string]BackendFactory{},
}

// RegisterBackendFactory makes BuildBackendFromDSN hand DSNs with the given
// scheme to factory. Registered factories take precedence over built-ins.
func RegisterBackendFactory(scheme string, factory BackendFactory) {
	scheme = normalizeBackendScheme(scheme)
	if scheme == "" || factory == nil {
		return
	}
	backendFactoryRegistry.mu.Lock()
	defer backendFactoryRegistry.mu.Unlock()
	backendFactoryRegistry.factories[scheme] = factory
}

func lookupBackendFactory(scheme string) (BackendFactory, bool) {
	scheme = normalizeBackendScheme(scheme)
	backendFactoryRegistry.mu.RLock()
	defer backendFactoryRegistry.mu.RUnlock()
	factory, ok := backendFactoryRegistry.factories[scheme]
	return factory, ok
}

func normalizeBackendScheme(scheme string) string {
	return strings.ToLower(strings.TrimSpace(scheme))
}

// BuildBackendFromDSN selects a backend by DSN scheme:
//
//	memory://                 in-process maps
//	sqlite:///path/to/db      SQLite file (also file:// or a bare path)
//	postgres://user@host/db   PostgreSQL
func BuildBackendFromDSN(dsn string) (Backend, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrInvalidInput
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, err
	}
	scheme := normalizeBackendScheme(parsed.Scheme)
	if factory, ok := lookupBackendFactory(scheme); ok {
		return factory(dsn)
	}
	switch scheme {
	case "memory", "mem", "inmem":
		return NewMemoryBackend(), nil
	case "", "file", "sqlite", "sqlite3":
		path, pathErr := dsnPath(parsed, dsn)
		if pathErr != nil {
			return nil, pathErr
		}
		backend, err := OpenSQLiteBackend(path)
		if err != nil {
			return nil, err
		}
		return backend, nil
	case "postgres", "postgresql":
		backend, err := NewPostgresBackend(dsn)
		if err != nil {
			return nil, err
		}
		return backend, nil
	case "mysql":
		return nil, fmt.Errorf("%w: backend %s", ErrNotImplemented, scheme)
	default:
		return nil, fmt.Errorf("unsupported backend scheme: %s", scheme)
	}
}

func dsnPath(parsed *url.URL, raw string) (string, error) {
	if parsed == nil {
		return "", ErrInvalidInput
	}
	if strings.TrimSpace(parsed.Scheme) == "" {
		if strings.TrimSpace(raw) == "" {
			return "", ErrInvalidInput
		}
		return strings.TrimSpace(raw), nil
	}
	path := strings.TrimSpace(parsed.Path)
	if path == "" {
		path = strings.TrimSpace(parsed.Opaque)
	}
	if path == "" {
		path = strings.TrimSpace(parsed.Host)
	}
	if path == "" {
		return "", ErrInvalidInput
	}
	return path, nil
}
