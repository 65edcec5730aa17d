package plugin

import "errors"

// Sentinel error kinds, compared with errors.Is. These correspond to the
// named error kinds in the engine's error-handling design: Validation,
// MissingDependency, DependencyInUse, PluginLoad.
var (
	ErrValidation         = errors.New("plugin: manifest validation failed")
	ErrMissingDependency  = errors.New("plugin: missing dependency")
	ErrDependencyInUse    = errors.New("plugin: dependency still in use")
	ErrDependencyCycle    = errors.New("plugin: dependency cycle detected")
	ErrUnknownPlugin      = errors.New("plugin: unknown plugin id")
	ErrAlreadyRegistered  = errors.New("plugin: already registered")
	ErrNoFactory          = errors.New("plugin: no registered factory for plugin with a main entry point")
	ErrUnknownHookHandler = errors.New("plugin: manifest references an unresolvable hook handler")
)
