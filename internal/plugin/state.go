package plugin

// State is the lifecycle state of a plugin.
type State int

// Plugin lifecycle states.
const (
	// StateUnloaded - the identity is not registered.
	StateUnloaded State = iota

	// StateLoading - validation passed, the sandbox is initializing.
	StateLoading

	// StateReady - initialization completed, hooks are live.
	StateReady

	// StateUnloading - teardown in progress.
	StateUnloading

	// StateError - initialization or a runtime fault left the plugin
	// inoperative. Recovery is an unload, or a retried load for an
	// instance that never entered the registry.
	StateError
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateUnloaded:
		return "unloaded"
	case StateLoading:
		return "loading"
	case StateReady:
		return "ready"
	case StateUnloading:
		return "unloading"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// CanTransition reports whether moving from s to next is a legal
// lifecycle step.
func (s State) CanTransition(next State) bool {
	switch s {
	case StateUnloaded:
		return next == StateLoading
	case StateLoading:
		return next == StateReady || next == StateError
	case StateReady:
		return next == StateUnloading || next == StateError
	case StateUnloading:
		return next == StateUnloaded
	case StateError:
		// Unloading tears the failed plugin down; loading retries a
		// builtin instance whose init failed without re-registering.
		return next == StateUnloading || next == StateLoading
	default:
		return false
	}
}

// IsUsable returns true if the plugin can receive invocations.
func (s State) IsUsable() bool {
	return s == StateReady
}
