package plugin

import (
	"context"
	"sync/atomic"
	"time"
)

// Plugin is the contract every loaded extension satisfies, whether it is
// backed by a sandboxed Lua isolate or compiled into the host.
//
// Implementations should embed Base, which supplies manifest storage and
// the lifecycle state the manager drives. A plugin whose state the manager
// cannot control is rejected at load time.
type Plugin interface {
	// Manifest returns the validated manifest the plugin was loaded with.
	Manifest() *Manifest

	// Initialize brings the plugin up. It runs in the loading state, after
	// permissions and budgets are registered but before the plugin enters
	// the registry. An error aborts the load and the plugin is never
	// visible to lookups.
	Initialize(ctx context.Context, pctx *Context) error

	// Shutdown tears the plugin down. It runs in the unloading state. The
	// plugin is removed from the registry regardless of the returned error.
	Shutdown(ctx context.Context) error

	// State returns the current lifecycle state.
	State() State
}

// stateSetter is how the manager drives lifecycle transitions. Base
// implements it; the manager type-asserts for it at load time.
type stateSetter interface {
	setState(State)
}

// Base supplies the manifest and lifecycle state for Plugin
// implementations. Embed a *Base and override Initialize and Shutdown:
//
//	type digestPlugin struct {
//		*plugin.Base
//	}
//
//	p := &digestPlugin{Base: plugin.NewBase(manifest)}
type Base struct {
	manifest *Manifest
	state    atomic.Int32
}

// NewBase creates a Base for the given manifest. The initial state is
// unloaded.
func NewBase(m *Manifest) *Base {
	return &Base{manifest: m}
}

// Manifest returns the plugin's manifest.
func (b *Base) Manifest() *Manifest {
	return b.manifest
}

// State returns the current lifecycle state.
func (b *Base) State() State {
	return State(b.state.Load())
}

func (b *Base) setState(s State) {
	b.state.Store(int32(s))
}

// Initialize is a no-op. Override it with the plugin's startup logic.
func (b *Base) Initialize(ctx context.Context, pctx *Context) error {
	return nil
}

// Shutdown is a no-op. Override it with the plugin's teardown logic.
func (b *Base) Shutdown(ctx context.Context) error {
	return nil
}

// Info describes a loaded plugin: manifest metadata, lifecycle state, and
// resource usage. Slices are copies; mutating them does not affect the
// registry.
type Info struct {
	ID           string
	Name         string
	Version      string
	Description  string
	Author       string
	License      string
	State        State
	Builtin      bool
	LoadedAt     time.Time
	Hooks        []string
	Dependencies []string

	// StorageUsed and StorageLimit report the plugin's storage quota in
	// bytes. TimeoutFaults counts execution timeouts since load.
	StorageUsed   int64
	StorageLimit  int64
	TimeoutFaults int
}
