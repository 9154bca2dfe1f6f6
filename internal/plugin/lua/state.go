package lua

import (
	"context"
	"fmt"
	"sync"
	"time"

	lua "github.com/yuin/gopher-lua"
)

// Defaults for isolate construction.
const (
	// DefaultMemoryBudget bounds the isolate's VM registry growth.
	DefaultMemoryBudget = 128 << 20 // 128 MB

	// DefaultExecTimeout bounds a single invocation when the caller's
	// context carries no deadline of its own.
	DefaultExecTimeout = 5 * time.Second

	// registrySlotCost approximates the footprint of one VM registry
	// slot including typically referenced values. The registry ceiling
	// is budget divided by this cost.
	registrySlotCost = 64
)

type config struct {
	memoryBudget int64
	execTimeout  time.Duration
}

// Option configures a State.
type Option func(*config)

// WithMemoryBudget caps the isolate's VM registry at roughly bytes of
// backing memory. Exceeding the cap aborts the running invocation with a
// memory fault; it does not destroy the isolate.
func WithMemoryBudget(bytes int64) Option {
	return func(c *config) {
		if bytes > 0 {
			c.memoryBudget = bytes
		}
	}
}

// WithExecTimeout sets the fallback per-invocation deadline applied when
// the caller's context has none. Zero disables the fallback.
func WithExecTimeout(d time.Duration) Option {
	return func(c *config) {
		c.execTimeout = d
	}
}

// State is one sandboxed isolate. Dangerous stdlib entry points are
// removed at construction and module loading is restricted to a whitelist
// plus host-preloaded modules.
//
// gopher-lua's LState is not goroutine-safe; State serializes all access
// through its own mutex, so concurrent invocations of one plugin queue up
// rather than interleave.
type State struct {
	mu sync.Mutex
	L  *lua.LState

	execTimeout time.Duration
	closed      bool
}

// New creates a sandboxed isolate.
func New(opts ...Option) (*State, error) {
	cfg := config{
		memoryBudget: DefaultMemoryBudget,
		execTimeout:  DefaultExecTimeout,
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	maxSlots := int(cfg.memoryBudget / registrySlotCost)
	if maxSlots < 1024 {
		maxSlots = 1024
	}
	initSlots := lua.RegistrySize
	if initSlots > maxSlots {
		initSlots = maxSlots
	}

	L := lua.NewState(lua.Options{
		SkipOpenLibs:    true,
		RegistrySize:    initSlots,
		RegistryMaxSize: maxSlots,
	})

	s := &State{
		L:           L,
		execTimeout: cfg.execTimeout,
	}

	openSafeLibraries(L)
	harden(L)

	return s, nil
}

// openSafeLibraries opens the whitelisted Lua standard libraries. The
// package library must come first so require exists for the whitelist
// wrapper to replace.
func openSafeLibraries(L *lua.LState) {
	lua.OpenPackage(L)
	lua.OpenBase(L)
	lua.OpenTable(L)
	lua.OpenString(L)
	lua.OpenMath(L)

	// Not opened: io, os, debug, channel, coroutine.
}

// RunFile executes a Lua source file, typically the plugin entrypoint.
func (s *State) RunFile(ctx context.Context, path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStateClosed
	}
	return s.run(ctx, func() error {
		return s.L.DoFile(path)
	})
}

// RunString executes a Lua chunk from source text.
func (s *State) RunString(ctx context.Context, code string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStateClosed
	}
	return s.run(ctx, func() error {
		return s.L.DoString(code)
	})
}

// CallGlobal invokes a global Lua function. It returns the function's
// results, or an empty slice when it returns nothing.
func (s *State) CallGlobal(ctx context.Context, name string, args ...lua.LValue) ([]lua.LValue, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, ErrStateClosed
	}

	fn := s.L.GetGlobal(name)
	if fn == lua.LNil {
		return nil, fmt.Errorf("%w: %q", ErrGlobalNotFound, name)
	}
	if fn.Type() != lua.LTFunction {
		return nil, fmt.Errorf("%w: %q is %s", ErrNotFunction, name, fn.Type())
	}

	return s.call(ctx, fn, args)
}

// Invoke calls a Lua function value, typically a handler the plugin
// registered with the host earlier. build runs under the isolate lock to
// construct the arguments on this isolate; it may be nil for a
// no-argument call.
func (s *State) Invoke(ctx context.Context, fn lua.LValue, build func(L *lua.LState) []lua.LValue) ([]lua.LValue, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, ErrStateClosed
	}
	if fn == nil || fn.Type() != lua.LTFunction {
		return nil, ErrNotFunction
	}

	var args []lua.LValue
	if build != nil {
		args = build(s.L)
	}
	return s.call(ctx, fn, args)
}

// call pushes fn and args, runs the protected call and collects the
// results. Callers hold s.mu.
func (s *State) call(ctx context.Context, fn lua.LValue, args []lua.LValue) ([]lua.LValue, error) {
	top := s.L.GetTop()
	var results []lua.LValue
	err := s.run(ctx, func() error {
		s.L.Push(fn)
		for _, arg := range args {
			s.L.Push(arg)
		}
		if err := s.L.PCall(len(args), lua.MultRet, nil); err != nil {
			return err
		}
		n := s.L.GetTop() - top
		results = make([]lua.LValue, n)
		for i := 0; i < n; i++ {
			results[i] = s.L.Get(top + i + 1)
		}
		s.L.Pop(n)
		return nil
	})
	if err != nil {
		s.L.SetTop(top)
		return nil, err
	}
	if results == nil {
		results = []lua.LValue{}
	}
	return results, nil
}

// run executes fn under the invocation deadline with panic recovery.
// Callers hold s.mu. The context is detached again afterwards so a
// timed-out isolate stays usable for the next call.
func (s *State) run(ctx context.Context, fn func() error) error {
	runCtx := ctx
	if _, ok := ctx.Deadline(); !ok && s.execTimeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, s.execTimeout)
		defer cancel()
	}

	s.L.SetContext(runCtx)
	defer s.L.RemoveContext()

	return classifyFault(protect(fn), runCtx)
}

// protect converts gopher-lua panics, such as a registry overflow, into
// errors.
func protect(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("lua panic: %v", r)
		}
	}()
	return fn()
}

// HasGlobal reports whether a global with the given name is defined.
func (s *State) HasGlobal(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return false
	}
	return s.L.GetGlobal(name) != lua.LNil
}

// SetGlobal sets a global variable.
func (s *State) SetGlobal(name string, value lua.LValue) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}
	s.L.SetGlobal(name, value)
}

// Preload registers a module loader so sandboxed code can require it.
// The name must pass the require whitelist, so host modules use
// HostModule or a HostModule-prefixed name.
func (s *State) Preload(name string, loader lua.LGFunction) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}
	s.L.PreloadModule(name, loader)
}

// Do runs fn with the raw LState under the isolate lock. It exists for
// host setup, building API tables and redirecting print, not for running
// plugin code; fn bypasses deadlines and fault classification.
func (s *State) Do(fn func(L *lua.LState) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStateClosed
	}
	return fn(s.L)
}

// IsClosed returns true once the isolate has been destroyed.
func (s *State) IsClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Close destroys the isolate. Further operations return ErrStateClosed.
// Close is idempotent.
func (s *State) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.L.Close()
	s.closed = true
	return nil
}
