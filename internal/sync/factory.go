package sync

import (
	"fmt"
	gosync "sync"
)

// Constructor builds the adapter for one provider kind.
type Constructor func(deps Deps) (EmailProvider, error)

// Factory lazily builds and caches one adapter per provider kind.
type Factory struct {
	mu           gosync.Mutex
	constructors map[ProviderKind]Constructor
	providers    map[ProviderKind]EmailProvider
	deps         *Deps
}

// NewFactory creates an empty factory. Register constructors and call Init
// before requesting providers.
func NewFactory() *Factory {
	return &Factory{
		constructors: make(map[ProviderKind]Constructor),
		providers:    make(map[ProviderKind]EmailProvider),
	}
}

// Register adds or replaces the constructor for kind.
func (f *Factory) Register(kind ProviderKind, c Constructor) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.constructors[kind] = c
	delete(f.providers, kind)
}

// Init registers the shared dependencies injected into every adapter.
func (f *Factory) Init(deps Deps) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deps = &deps
	f.providers = make(map[ProviderKind]EmailProvider)
}

// Provider returns the cached adapter for kind, constructing it on first use.
func (f *Factory) Provider(kind ProviderKind) (EmailProvider, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.deps == nil || f.deps.Store == nil {
		return nil, ErrFactoryNotInitialized
	}
	if p, ok := f.providers[kind]; ok {
		return p, nil
	}
	c, ok := f.constructors[kind]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownProvider, kind)
	}
	p, err := c(*f.deps)
	if err != nil {
		return nil, fmt.Errorf("construct %s provider: %w", kind, err)
	}
	f.providers[kind] = p
	return p, nil
}

// Kinds lists the registered provider kinds.
func (f *Factory) Kinds() []ProviderKind {
	f.mu.Lock()
	defer f.mu.Unlock()
	kinds := make([]ProviderKind, 0, len(f.constructors))
	for k := range f.constructors {
		kinds = append(kinds, k)
	}
	return kinds
}

// Clear drops all cached adapters, e.g. after credential rotation.
func (f *Factory) Clear() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.providers = make(map[ProviderKind]EmailProvider)
}
