package plugin

import (
	"errors"
	"fmt"

	"github.com/chive-pub/plugd/internal/plugin/lua"
)

// Plugin system errors.
var (
	// ErrInvalidManifest is the base of every manifest validation failure.
	ErrInvalidManifest = errors.New("plugin: invalid manifest")

	// ErrDuplicateIdentity is returned when loading an identity that is
	// already registered, in any state.
	ErrDuplicateIdentity = errors.New("plugin: identity already registered")

	// ErrMissingDependency is the base of unmet dependency failures.
	ErrMissingDependency = errors.New("plugin: missing dependency")

	// ErrNotLoaded is returned when operating on an unknown identity.
	ErrNotLoaded = errors.New("plugin: not loaded")

	// ErrNoEntrypoint is returned when loading a plugin whose manifest
	// names no entrypoint file.
	ErrNoEntrypoint = errors.New("plugin: manifest has no entrypoint")

	// ErrManagerClosed is returned after ShutdownAll has run.
	ErrManagerClosed = errors.New("plugin: manager is shut down")

	// ErrScopeClosed is returned when a plugin uses its event scope after
	// Cleanup.
	ErrScopeClosed = errors.New("plugin: event scope is closed")

	// ErrNoLifecycle is returned when a builtin plugin does not embed Base
	// and the manager cannot drive its state.
	ErrNoLifecycle = errors.New("plugin: implementation does not expose lifecycle state")

	// ErrCyclicDependency is returned by bulk loading when the manifests
	// form a dependency cycle.
	ErrCyclicDependency = errors.New("plugin: dependency cycle")

	// ErrSandboxFault is the base of plugin code misbehavior reported by
	// the sandbox.
	ErrSandboxFault = errors.New("plugin: sandbox fault")
)

// MissingDependencyError reports the first unmet dependency in manifest
// order.
type MissingDependencyError struct {
	Plugin     string
	Dependency string
}

func (e *MissingDependencyError) Error() string {
	return fmt.Sprintf("plugin: %s requires %s, which is not loaded", e.Plugin, e.Dependency)
}

func (e *MissingDependencyError) Is(target error) bool {
	return target == ErrMissingDependency
}

// FaultError attaches a plugin identity to a sandbox fault.
type FaultError struct {
	Plugin string
	Fault  *lua.Fault
}

func (e *FaultError) Error() string {
	return fmt.Sprintf("plugin: %s: %v", e.Plugin, e.Fault)
}

func (e *FaultError) Unwrap() error {
	return e.Fault
}

func (e *FaultError) Is(target error) bool {
	return target == ErrSandboxFault
}
