// Package plugin implements plugin discovery, manifest validation, the
// dependency-ordered lifecycle state machine, and priority-ordered hook
// dispatch described by the autonomy engine's plugin system.
package plugin

import (
	"fmt"
	"os"
	"sort"
	"sync"

	"github.com/cgast/autonomy/pkg/bus"
	"github.com/cgast/autonomy/pkg/hookctx"
)

// State is a plugin's position in the lifecycle state machine:
//
//	Unloaded -> Loaded -> Enabled <-> Disabled -> Unloaded
//
// Error is entered when Load fails to instantiate the plugin (from
// Unloaded) or when Enable fails (from Loaded or Disabled). A failing
// OnDisable or OnUnload is logged and does not set Error.
type State int

const (
	Unloaded State = iota
	Loaded
	Enabled
	Disabled
	Error
)

var stateNames = [...]string{
	Unloaded: "Unloaded",
	Loaded:   "Loaded",
	Enabled:  "Enabled",
	Disabled: "Disabled",
	Error:    "Error",
}

func (s State) String() string {
	if s < Unloaded || s > Error {
		return fmt.Sprintf("Unknown(%d)", int(s))
	}
	return stateNames[s]
}

// Plugin is a single loaded plugin's bookkeeping record.
type Plugin struct {
	Manifest Manifest
	State    State
	Err      error

	instance Instance
}

type hookEntry struct {
	pluginID string
	priority int
	seq      int // insertion order, used to break priority ties
	fn       HookFunc
}

// Manager owns the set of discovered plugins, their lifecycle state, and
// the priority-ordered hook table built from their manifests.
type Manager struct {
	mu      sync.RWMutex
	dir     string
	bus     *bus.Bus
	plugins map[string]*Plugin
	hooks   map[string][]hookEntry
	seq     int
}

// NewManager creates a Manager rooted at dir (the directory Discover will
// enumerate subdirectories of) publishing lifecycle events to b. b may be
// nil, in which case lifecycle events are not emitted.
func NewManager(dir string, b *bus.Bus) *Manager {
	return &Manager{
		dir:     dir,
		bus:     b,
		plugins: make(map[string]*Plugin),
		hooks:   make(map[string][]hookEntry),
	}
}

func (m *Manager) emit(name string, data any) {
	if m.bus != nil {
		m.bus.Emit(name, data)
	}
}

// Discover reads every plugin manifest under the manager's root directory
// and registers them as Unloaded. It does not load or enable anything.
func (m *Manager) Discover() error {
	manifests, err := Discover(m.dir)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, mf := range manifests {
		if _, exists := m.plugins[mf.ID]; exists {
			continue
		}
		m.plugins[mf.ID] = &Plugin{Manifest: mf, State: Unloaded}
	}
	return nil
}

// Get returns the plugin record for id.
func (m *Manager) Get(id string) (Plugin, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.plugins[id]
	if !ok {
		return Plugin{}, false
	}
	return *p, true
}

// List returns a snapshot of every known plugin, ordered by id.
func (m *Manager) List() []Plugin {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]string, 0, len(m.plugins))
	for id := range m.plugins {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	out := make([]Plugin, len(ids))
	for i, id := range ids {
		out[i] = *m.plugins[id]
	}
	return out
}

// dependencyOrder returns ids topologically sorted so each plugin follows
// everything it depends on, or ErrDependencyCycle if the dependency graph
// among ids is not a DAG.
func (m *Manager) dependencyOrder(ids []string) ([]string, error) {
	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[string]int, len(ids))
	var order []string

	var visit func(id string) error
	visit = func(id string) error {
		switch color[id] {
		case black:
			return nil
		case gray:
			return fmt.Errorf("%w: plugin %q", ErrDependencyCycle, id)
		}
		color[id] = gray
		p, ok := m.plugins[id]
		if !ok {
			return fmt.Errorf("%w: %q", ErrUnknownPlugin, id)
		}
		for _, dep := range p.Manifest.Dependencies {
			if _, ok := m.plugins[dep]; !ok {
				return fmt.Errorf("%w: %q requires %q", ErrMissingDependency, id, dep)
			}
			if err := visit(dep); err != nil {
				return err
			}
		}
		color[id] = black
		order = append(order, id)
		return nil
	}

	for _, id := range ids {
		if err := visit(id); err != nil {
			return nil, err
		}
	}
	return order, nil
}

// Load transitions id from Unloaded to Loaded, first loading every
// dependency it names (transitively) that is not already loaded or
// further along. Dependencies are loaded in topological order; a cycle
// anywhere in the reachable graph fails the whole call.
func (m *Manager) Load(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.load(id)
}

func (m *Manager) load(id string) error {
	p, ok := m.plugins[id]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownPlugin, id)
	}
	if p.State != Unloaded {
		return nil
	}

	order, err := m.dependencyOrder([]string{id})
	if err != nil {
		return err
	}
	for _, depID := range order {
		if depID == id {
			continue
		}
		dep := m.plugins[depID]
		if dep.State == Unloaded {
			if err := m.load(depID); err != nil {
				return err
			}
		}
	}

	inst, err := m.instantiate(p.Manifest)
	if err != nil {
		p.State = Error
		p.Err = err
		m.emit("plugin:error", pluginErrorPayload(id, "load", err))
		return err
	}

	p.instance = inst
	p.State = Loaded
	p.Err = nil
	m.emit("plugin:load", map[string]any{"pluginId": id})
	return nil
}

func (m *Manager) instantiate(mf Manifest) (Instance, error) {
	if mf.Main == "" {
		return noopInstance{}, nil
	}
	factory, ok := lookupFactory(mf.ID)
	if !ok {
		return nil, fmt.Errorf("%w: %q (main=%q)", ErrNoFactory, mf.ID, mf.Main)
	}
	return factory()
}

// noopInstance backs manifests that declare no main entry point and
// therefore no hooks; Hook always reports not-found.
type noopInstance struct{}

func (noopInstance) Hook(string) (HookFunc, bool) { return nil, false }

// Enable transitions id from Loaded (or Disabled) to Enabled, registering
// its manifest-declared hooks into the priority table and invoking
// OnEnable if the instance implements it. Every dependency must already be
// Enabled.
func (m *Manager) Enable(id string, config map[string]any) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.plugins[id]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownPlugin, id)
	}
	if p.State == Enabled {
		return nil
	}
	if p.State != Loaded && p.State != Disabled {
		return fmt.Errorf("plugin: %q cannot be enabled from state %s", id, p.State)
	}

	for _, dep := range p.Manifest.Dependencies {
		depP, ok := m.plugins[dep]
		if !ok || depP.State != Enabled {
			return fmt.Errorf("%w: %q requires %q to be enabled first", ErrMissingDependency, id, dep)
		}
	}

	if enabler, ok := p.instance.(OnEnabler); ok {
		if err := enabler.OnEnable(config); err != nil {
			p.State = Error
			p.Err = err
			m.emit("plugin:error", pluginErrorPayload(id, "enable", err))
			return err
		}
	}

	for hookName, ref := range p.Manifest.Hooks {
		fn, ok := p.instance.Hook(ref)
		if !ok {
			p.State = Error
			err := fmt.Errorf("%w: %q references %q", ErrUnknownHookHandler, id, ref)
			p.Err = err
			m.emit("plugin:error", pluginErrorPayload(id, "enable", err))
			return err
		}
		m.seq++
		entry := hookEntry{
			pluginID: id,
			priority: p.Manifest.HooksPriority[hookName],
			seq:      m.seq,
			fn:       fn,
		}
		m.hooks[hookName] = append(m.hooks[hookName], entry)
		sortHooks(m.hooks[hookName])
	}

	p.State = Enabled
	p.Err = nil
	m.emit("plugin:enable", map[string]any{"pluginId": id})
	return nil
}

// sortHooks orders a hook table bucket by descending priority, ties broken
// by ascending insertion order.
func sortHooks(entries []hookEntry) {
	sort.SliceStable(entries, func(i, j int) bool {
		if entries[i].priority != entries[j].priority {
			return entries[i].priority > entries[j].priority
		}
		return entries[i].seq < entries[j].seq
	})
}

// Disable transitions id from Enabled to Disabled, removing its hooks from
// the dispatch table and invoking OnDisable if implemented. It fails if
// another Enabled plugin still depends on id.
func (m *Manager) Disable(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.plugins[id]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownPlugin, id)
	}
	if p.State != Enabled {
		return nil
	}

	for otherID, other := range m.plugins {
		if other.State != Enabled {
			continue
		}
		for _, dep := range other.Manifest.Dependencies {
			if dep == id {
				return fmt.Errorf("%w: %q is required by enabled plugin %q", ErrDependencyInUse, id, otherID)
			}
		}
	}

	for hookName, entries := range m.hooks {
		kept := entries[:0:0]
		for _, e := range entries {
			if e.pluginID != id {
				kept = append(kept, e)
			}
		}
		m.hooks[hookName] = kept
	}

	if disabler, ok := p.instance.(OnDisabler); ok {
		if err := disabler.OnDisable(); err != nil {
			fmt.Fprintf(os.Stderr, "plugin: %s OnDisable: %v\n", id, err)
		}
	}

	p.State = Disabled
	m.emit("plugin:disable", map[string]any{"pluginId": id})
	return nil
}

// Unload transitions id to Unloaded from Loaded or Disabled, invoking
// OnUnload if implemented. It fails if any other plugin (in any state
// other than Unloaded) still lists id as a dependency.
func (m *Manager) Unload(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.plugins[id]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownPlugin, id)
	}
	if p.State == Unloaded {
		return nil
	}
	if p.State == Enabled {
		return fmt.Errorf("plugin: %q must be disabled before it can be unloaded", id)
	}

	for otherID, other := range m.plugins {
		if other.State == Unloaded {
			continue
		}
		for _, dep := range other.Manifest.Dependencies {
			if dep == id {
				return fmt.Errorf("%w: %q is required by %q", ErrDependencyInUse, id, otherID)
			}
		}
	}

	if unloader, ok := p.instance.(OnUnloader); ok {
		if err := unloader.OnUnload(); err != nil {
			fmt.Fprintf(os.Stderr, "plugin: %s OnUnload: %v\n", id, err)
		}
	}

	p.instance = nil
	p.State = Unloaded
	p.Err = nil
	m.emit("plugin:unload", map[string]any{"pluginId": id})
	return nil
}

// ExecuteHooks dispatches ctx through every handler registered under
// hookName, in descending-priority order (ties broken by registration
// order). The table is snapshotted under lock before iteration begins, so
// a handler that enables or disables a plugin mid-dispatch never races the
// manager; it only affects the next call to ExecuteHooks. A handler error
// is reported via "plugin:error" and, when the running ctx has
// StopOnError set, immediately returned to the caller; otherwise dispatch
// continues with the next handler using the ctx produced so far.
func (m *Manager) ExecuteHooks(hookName string, ctx hookctx.Context) (hookctx.Context, error) {
	m.mu.RLock()
	entries := make([]hookEntry, len(m.hooks[hookName]))
	copy(entries, m.hooks[hookName])
	m.mu.RUnlock()

	for _, e := range entries {
		result, err := e.fn(ctx)
		if err != nil {
			m.emit("plugin:error", pluginErrorPayload(e.pluginID, hookName, err))
			if ctx.StopOnError {
				return ctx, fmt.Errorf("plugin: %q hook %q: %w", e.pluginID, hookName, err)
			}
			continue
		}
		ctx = ctx.AddStep(hookctx.Step{PluginID: e.pluginID, Hook: hookName})
		ctx = ctx.Merge(result)
		if ctx.Cancelled {
			break
		}
	}
	return ctx, nil
}

func pluginErrorPayload(pluginID, phase string, err error) map[string]any {
	return map[string]any{
		"pluginId": pluginID,
		"phase":    phase,
		"error":    err.Error(),
	}
}
