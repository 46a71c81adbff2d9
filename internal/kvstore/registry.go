package kvstore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
)

// Opener opens a backend for a driver-specific location (file path or DSN).
type Opener func(ctx context.Context, location string) (Backend, error)

// Location names a backend.
type Location struct {
	Driver string
	DSN    string
}

func (l Location) key() string { return normalizeDriver(l.Driver) + "|" + strings.TrimSpace(l.DSN) }

// Registry opens each backend once and hands out namespaced tables over it. Construct one at
// startup, pass it to whatever needs tables, and Close it on shutdown.
type Registry struct {
	openers map[string]Opener

	mu       sync.Mutex
	backends map[string]Backend
	closed   bool
}

// NewRegistry registers the built-in memory and sqlite drivers plus any extra openers
// (typically postgres).
func NewRegistry(extra map[string]Opener) *Registry {
	openers := map[string]Opener{
		DriverMemory: func(context.Context, string) (Backend, error) { return NewMemoryBackend(), nil },
		DriverSQLite: func(ctx context.Context, path string) (Backend, error) { return OpenSQLite(ctx, path) },
	}
	for k, v := range extra {
		openers[normalizeDriver(k)] = v
	}
	return &Registry{
		openers:  openers,
		backends: make(map[string]Backend),
	}
}

// Backend returns the shared backend for loc, opening it on first use.
func (r *Registry) Backend(ctx context.Context, loc Location) (Backend, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, ErrClosed
	}
	if b, ok := r.backends[loc.key()]; ok {
		return b, nil
	}
	open, ok := r.openers[normalizeDriver(loc.Driver)]
	if !ok {
		return nil, fmt.Errorf("%w: unsupported driver %q", ErrInvalidConfig, loc.Driver)
	}
	b, err := open(ctx, strings.TrimSpace(loc.DSN))
	if err != nil {
		return nil, err
	}
	r.backends[loc.key()] = b
	return b, nil
}

// Table returns table name inside namespace on the backend at loc.
func (r *Registry) Table(ctx context.Context, loc Location, namespace, name string) (Table, error) {
	b, err := r.Backend(ctx, loc)
	if err != nil {
		return nil, err
	}
	return b.Table(TableName(namespace, name))
}

// Close closes every opened backend.
func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true
	var errs []error
	for _, b := range r.backends {
		if err := b.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	r.backends = nil
	return errors.Join(errs...)
}

// TableName joins an optional environment namespace and a table name.
func TableName(namespace, name string) string {
	namespace = strings.TrimSpace(namespace)
	if namespace == "" {
		return name
	}
	return namespace + "." + name
}

func normalizeDriver(v string) string {
	v = strings.TrimSpace(strings.ToLower(v))
	if v == "" {
		return DriverSQLite
	}
	return v
}
