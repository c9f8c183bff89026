package transport

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"

	"github.com/ThreeDotsLabs/watermill"
)

// registration pairs a builder with what the bridge knows about the backend.
type registration struct {
	build Builder
	caps  Capabilities
}

// Registry maps pubsub_system names to builders. Backends add themselves from
// init, so importing a transport package is enough to make it selectable.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]registration
}

// DefaultRegistry is the registry used by the package-level helpers.
var DefaultRegistry = NewRegistry()

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]registration)}
}

// Register adds a builder whose capabilities are unknown. A later
// registration under the same name replaces it.
func (r *Registry) Register(name string, builder Builder) {
	r.RegisterWithCapabilities(name, builder, Capabilities{Name: name})
}

// RegisterWithCapabilities adds a builder together with its capabilities.
func (r *Registry) RegisterWithCapabilities(name string, builder Builder, caps Capabilities) {
	if caps.Name == "" {
		caps.Name = name
	}

	r.mu.Lock()
	r.entries[name] = registration{build: builder, caps: caps}
	r.mu.Unlock()
}

// GetCapabilities returns what is known about a transport. Unknown names get
// a Capabilities value carrying only the name, which reads as the most
// conservative backend.
func (r *Registry) GetCapabilities(name string) Capabilities {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if entry, ok := r.entries[name]; ok {
		return entry.caps
	}
	return Capabilities{Name: name}
}

// Build runs the builder selected by cfg.GetPubSubSystem.
func (r *Registry) Build(ctx context.Context, cfg Config, logger watermill.LoggerAdapter) (Transport, error) {
	if cfg == nil {
		return Transport{}, errors.New("config is required")
	}
	name := cfg.GetPubSubSystem()

	r.mu.RLock()
	entry, ok := r.entries[name]
	r.mu.RUnlock()
	if !ok {
		return Transport{}, fmt.Errorf("unknown transport: %q (registered: %v)", name, r.Names())
	}

	t, err := entry.build(ctx, cfg, logger)
	if err != nil {
		return Transport{}, fmt.Errorf("%s transport: %w", name, err)
	}
	return t, nil
}

// Names lists the registered transports in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Sorted(maps.Keys(r.entries))
}

// Has reports whether name is registered.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.entries[name]
	return ok
}

// Register adds a builder to DefaultRegistry.
func Register(name string, builder Builder) {
	DefaultRegistry.Register(name, builder)
}

// RegisterWithCapabilities adds a builder and its capabilities to
// DefaultRegistry.
func RegisterWithCapabilities(name string, builder Builder, caps Capabilities) {
	DefaultRegistry.RegisterWithCapabilities(name, builder, caps)
}

// Build creates a transport from DefaultRegistry.
func Build(ctx context.Context, cfg Config, logger watermill.LoggerAdapter) (Transport, error) {
	return DefaultRegistry.Build(ctx, cfg, logger)
}
