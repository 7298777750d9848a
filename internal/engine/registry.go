package engine

import (
	"errors"
	"sync"
)

// Factory builds a block instance for one configuration node.
type Factory func(ref *Ref) (Block, error)

// Registry maps block types to factories. The default set is closed at
// start-up; Register is the escape hatch for externally loaded block
// packages.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// Register binds a block type to its factory. Re-registering replaces the
// previous factory.
func (r *Registry) Register(blockType string, factory Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[blockType] = factory
}

// New builds a block for the config node carried by ref.
func (r *Registry) New(ref *Ref) (Block, error) {
	r.mu.RLock()
	factory, ok := r.factories[ref.Config.BlockType]
	r.mu.RUnlock()
	if !ok {
		return nil, errors.New("unknown block type: " + ref.Config.BlockType)
	}
	return factory(ref)
}

// Known reports whether a block type has a registered factory.
func (r *Registry) Known(blockType string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.factories[blockType]
	return ok
}
