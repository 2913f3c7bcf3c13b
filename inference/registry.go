package inference

import (
	"context"
	"sort"
	"sync"

	"github.com/samber/lo"
	"gorgonia.org/tensor"

	"go.viam.com/framepipe/logging"
)

// A Backend executes a loaded model.
type Backend interface {
	// Execute runs the model on input, an NHWC float32 tensor. It must stop promptly and return
	// ctx.Err() once ctx is cancelled.
	Execute(ctx context.Context, input *tensor.Dense) (*tensor.Dense, error)
	Close(ctx context.Context) error
}

// BackendFactory instantiates a backend for a model definition.
type BackendFactory func(ctx context.Context, def *ModelDefinition, logger logging.Logger) (Backend, error)

var (
	registryMu sync.RWMutex
	registry   = map[string]BackendFactory{}
)

// RegisterBackend makes a backend available to model definitions under name. Registering the
// same name twice replaces the earlier factory.
func RegisterBackend(name string, factory BackendFactory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	if _, ok := registry[name]; ok {
		logging.Global().Warnw("replacing registered inference backend", "backend", name)
	}
	registry[name] = factory
}

// DeregisterBackend removes a backend. It is meant for tests.
func DeregisterBackend(name string) {
	registryMu.Lock()
	defer registryMu.Unlock()
	delete(registry, name)
}

// LookupBackend returns the factory registered under name.
func LookupBackend(name string) (BackendFactory, bool) {
	registryMu.RLock()
	defer registryMu.RUnlock()
	factory, ok := registry[name]
	return factory, ok
}

// RegisteredBackends lists backend names in sorted order.
func RegisteredBackends() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	names := lo.Keys(registry)
	sort.Strings(names)
	return names
}
