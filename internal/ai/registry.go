package ai

import (
	"context"
	"fmt"
	"strings"
	"sync"
)

// ProviderFactory builds a Provider for one model name. The registry
// calls it per request so a user's preferred model takes effect without
// caching a stale client.
type ProviderFactory func(ctx context.Context, model string) (Provider, error)

// Registry maps provider names ("gemini") to factories. One instance is
// shared by the HTTP handlers and the ask-job worker; safe for
// concurrent use.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]ProviderFactory
}

func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]ProviderFactory)}
}

func normalizeName(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

// Register adds or replaces the factory under name.
func (r *Registry) Register(name string, f ProviderFactory) {
	key := normalizeName(name)
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[key] = f
}

// Get builds a provider for the named backend and model.
func (r *Registry) Get(ctx context.Context, name string, model string) (Provider, error) {
	key := normalizeName(name)
	r.mu.RLock()
	f, ok := r.factories[key]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("no ai provider registered under %q", key)
	}
	return f(ctx, model)
}
