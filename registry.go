package objectstore

import (
	"context"
	"fmt"
	"slices"
	"sync"
)

var (
	backendsMu sync.RWMutex
	backends   = make(map[Kind]BackendFactory)
)

// BackendFactory creates a Backend for a parsed root URL.
// The options map contains backend-specific configuration keys; factories
// fall back to environment variables for keys that are absent.
type BackendFactory func(ctx context.Context, loc StorageURL, options map[string]string, clientOptions *ClientOptions) (Backend, error)

// Register registers a backend factory for the given kind.
// It is called from init() in backend packages.
//
// Register panics if:
//   - kind is not one of the declared kinds
//   - factory is nil
//   - a factory for the same kind is already registered
func Register(kind Kind, factory BackendFactory) {
	backendsMu.Lock()
	defer backendsMu.Unlock()

	if !kind.Valid() {
		panic(fmt.Sprintf("objectstore: Register called with unknown kind %d", kind))
	}
	if factory == nil {
		panic("objectstore: Register factory is nil")
	}
	if _, dup := backends[kind]; dup {
		panic("objectstore: Register called twice for backend " + kind.String())
	}
	backends[kind] = factory
}

// OpenBackend builds the backend for loc with its registered factory.
//
// OpenBackend returns ErrUnsupportedScheme if the backend package for
// loc.Kind is not linked into the program.
func OpenBackend(ctx context.Context, loc StorageURL, options map[string]string, clientOptions *ClientOptions) (Backend, error) {
	backendsMu.RLock()
	factory, ok := backends[loc.Kind]
	backendsMu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("%w: %s backend is not linked (import github.com/grokify/objectstore/backend/%s)",
			ErrUnsupportedScheme, loc.Kind, loc.Kind)
	}
	return factory(ctx, loc, options, clientOptions)
}

// Registered returns the registered kinds in declaration order.
func Registered() []Kind {
	backendsMu.RLock()
	defer backendsMu.RUnlock()

	kinds := make([]Kind, 0, len(backends))
	for kind := range backends {
		kinds = append(kinds, kind)
	}
	slices.Sort(kinds)
	return kinds
}

// IsRegistered returns true if a factory for kind is registered.
func IsRegistered(kind Kind) bool {
	backendsMu.RLock()
	defer backendsMu.RUnlock()
	_, ok := backends[kind]
	return ok
}

// Unregister removes a registered factory.
// This is primarily useful for testing.
// Returns true if the factory was registered, false otherwise.
func Unregister(kind Kind) bool {
	backendsMu.Lock()
	defer backendsMu.Unlock()

	if _, ok := backends[kind]; ok {
		delete(backends, kind)
		return true
	}
	return false
}
