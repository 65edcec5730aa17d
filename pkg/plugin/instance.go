package plugin

import (
	"sync"

	"github.com/cgast/autonomy/pkg/hookctx"
)

// HookFunc is a single plugin hook handler.
type HookFunc func(hookctx.Context) (hookctx.Context, error)

// Instance is the interface a loaded plugin implements. It replaces the
// source system's dynamic module loading (resolving a "main" file to
// exported functions at runtime): in Go, a plugin is a compiled object
// that registers a Factory under its manifest id at program start, and
// the Manager resolves manifest hook names against the Instance's Hook
// method instead of loading code from disk.
type Instance interface {
	// Hook returns the handler registered under ref, and whether it
	// exists. ref is the string named in the manifest's "hooks" map.
	Hook(ref string) (HookFunc, bool)
}

// OnEnabler is implemented by an Instance that wants to run setup logic
// when its plugin transitions to Enabled.
type OnEnabler interface {
	OnEnable(config map[string]any) error
}

// OnDisabler is implemented by an Instance that wants to run cleanup logic
// when its plugin transitions to Disabled. Errors are logged, never fatal.
type OnDisabler interface {
	OnDisable() error
}

// OnUnloader is implemented by an Instance that wants to run teardown
// logic when its plugin is unloaded. Errors are logged, never fatal.
type OnUnloader interface {
	OnUnload() error
}

// Factory constructs a fresh Instance for a plugin being loaded.
type Factory func() (Instance, error)

var registrar = struct {
	mu        sync.RWMutex
	factories map[string]Factory
}{factories: make(map[string]Factory)}

// RegisterFactory makes a plugin's compiled Instance constructor
// available under id, to be resolved at Load time when a manifest names
// id and declares a "main" entry point. This is the start-time directory
// of registrar functions the design calls for in place of dynamic module
// loading: compiled-in plugins call RegisterFactory from an init() in the
// same binary as the engine.
func RegisterFactory(id string, factory Factory) {
	registrar.mu.Lock()
	defer registrar.mu.Unlock()
	registrar.factories[id] = factory
}

// UnregisterFactory removes a previously registered factory. Exposed for
// tests that register scratch factories per test case.
func UnregisterFactory(id string) {
	registrar.mu.Lock()
	defer registrar.mu.Unlock()
	delete(registrar.factories, id)
}

func lookupFactory(id string) (Factory, bool) {
	registrar.mu.RLock()
	defer registrar.mu.RUnlock()
	f, ok := registrar.factories[id]
	return f, ok
}
