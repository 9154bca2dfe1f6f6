package plugin

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	glua "github.com/yuin/gopher-lua"

	"github.com/chive-pub/plugd/internal/event"
	"github.com/chive-pub/plugd/internal/plugin/lua"
	"github.com/chive-pub/plugd/internal/plugin/security"
)

// Optional globals a plugin entrypoint may define. The entrypoint's
// top-level code runs first; initialize is then called if present, and
// shutdown is called during unload if present.
const (
	luaInitialize = "initialize"
	luaShutdown   = "shutdown"
)

// LuaPlugin runs one extension inside a sandboxed Lua isolate. It
// implements Plugin: Initialize creates the isolate, installs the host
// module and runs the entrypoint; Shutdown calls the plugin's shutdown
// hook and destroys the isolate.
//
// Every run of plugin code passes through the governor: CPU admission
// before, execution accounting after, and timeout faults counted against
// the plugin's budget. A plugin that exhausts its timeout budget while
// ready is reported to the manager for unloading.
type LuaPlugin struct {
	*Base

	gov *security.Governor
	log *logrus.Entry

	mu   sync.Mutex
	vm   *lua.State
	pctx *Context

	metrics    *Metrics
	onEscalate func(plugin string, cause error)
}

// NewLuaPlugin creates the adapter for a validated manifest. The isolate
// is not created until Initialize.
func NewLuaPlugin(m *Manifest, gov *security.Governor) *LuaPlugin {
	return &LuaPlugin{
		Base: NewBase(m),
		gov:  gov,
		log:  logrus.NewEntry(logrus.New()),
	}
}

// Initialize creates the sandboxed isolate, wires the host module against
// the plugin's context, runs the entrypoint and calls its initialize hook.
// Any fault tears the isolate down again; a plugin that fails here never
// runs afterwards.
func (p *LuaPlugin) Initialize(ctx context.Context, pctx *Context) error {
	m := p.Manifest()
	if m.Entrypoint == "" {
		return fmt.Errorf("plugin %s: %w", m.ID, ErrNoEntrypoint)
	}

	budget, ok := p.gov.Budget(m.ID)
	if !ok {
		budget = security.DefaultBudget()
	}

	vm, err := lua.New(
		lua.WithMemoryBudget(budget.MemoryBytes),
		lua.WithExecTimeout(budget.ExecTimeout),
	)
	if err != nil {
		return fmt.Errorf("plugin %s: create isolate: %w", m.ID, err)
	}

	p.mu.Lock()
	p.vm = vm
	p.pctx = pctx
	p.log = pctx.Log
	p.mu.Unlock()

	vm.Preload(lua.HostModule, p.hostModule(pctx))
	p.redirectPrint(vm, pctx.Log)

	if err := p.guard(ctx, func(runCtx context.Context) error {
		return vm.RunFile(runCtx, m.EntrypointPath())
	}); err != nil {
		p.closeVM()
		return err
	}

	if vm.HasGlobal(luaInitialize) {
		err := p.guard(ctx, func(runCtx context.Context) error {
			_, cerr := vm.CallGlobal(runCtx, luaInitialize)
			return cerr
		})
		if err != nil {
			p.closeVM()
			return err
		}
	}

	return nil
}

// Shutdown calls the plugin's shutdown hook if it defined one, then
// destroys the isolate. The isolate is destroyed even when the hook
// faults; the fault is returned so the caller can log it.
func (p *LuaPlugin) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	vm := p.vm
	p.mu.Unlock()

	if vm == nil || vm.IsClosed() {
		return nil
	}

	var err error
	if vm.HasGlobal(luaShutdown) {
		err = p.observe(ctx, func(runCtx context.Context) error {
			_, cerr := vm.CallGlobal(runCtx, luaShutdown)
			return cerr
		})
	}

	p.closeVM()
	return err
}

// Call invokes a global function in the plugin's isolate with Go values,
// bridging arguments and results. Used by the host for direct invocations
// outside the event bus.
func (p *LuaPlugin) Call(ctx context.Context, fn string, args ...any) ([]any, error) {
	vm := p.isolate()
	if vm == nil {
		return nil, lua.ErrStateClosed
	}

	largs := make([]glua.LValue, len(args))
	if err := vm.Do(func(L *glua.LState) error {
		for i, a := range args {
			largs[i] = lua.ToLua(L, a)
		}
		return nil
	}); err != nil {
		return nil, err
	}

	var out []any
	err := p.guard(ctx, func(runCtx context.Context) error {
		results, cerr := vm.CallGlobal(runCtx, fn, largs...)
		if cerr != nil {
			return cerr
		}
		out = make([]any, len(results))
		for i, r := range results {
			out[i] = lua.ToGo(r)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// HasFunction reports whether the isolate defines a global function with
// the given name.
func (p *LuaPlugin) HasFunction(name string) bool {
	vm := p.isolate()
	if vm == nil {
		return false
	}

	found := false
	_ = vm.Do(func(L *glua.LState) error {
		found = L.GetGlobal(name).Type() == glua.LTFunction
		return nil
	})
	return found
}

// handleEvent is the bus-facing handler for a Lua subscription. It calls
// the registered Lua function with an event table.
func (p *LuaPlugin) handleEvent(ctx context.Context, fn *glua.LFunction, ev event.Event) error {
	vm := p.isolate()
	if vm == nil {
		return lua.ErrStateClosed
	}

	return p.guard(ctx, func(runCtx context.Context) error {
		_, err := vm.Invoke(runCtx, fn, func(L *glua.LState) []glua.LValue {
			tbl := L.NewTable()
			L.SetField(tbl, "topic", glua.LString(ev.Topic.String()))
			L.SetField(tbl, "source", glua.LString(ev.Source))
			L.SetField(tbl, "time", glua.LNumber(ev.Time.Unix()))
			L.SetField(tbl, "payload", lua.ToLuaMap(L, ev.Payload))
			return []glua.LValue{tbl}
		})
		return err
	})
}

// guard runs plugin code with CPU admission in front of observe.
func (p *LuaPlugin) guard(ctx context.Context, run func(ctx context.Context) error) error {
	if err := p.gov.CheckCPU(p.Manifest().ID); err != nil {
		p.log.WithError(err).Warn("invocation rejected")
		return err
	}
	return p.observe(ctx, run)
}

// observe runs plugin code with execution accounting and fault
// classification. A timeout fault that exhausts the budget of a ready
// plugin escalates to the manager; faults during loading or unloading
// are left to the lifecycle operation that triggered them.
func (p *LuaPlugin) observe(ctx context.Context, run func(ctx context.Context) error) error {
	id := p.Manifest().ID

	start := time.Now()
	err := run(ctx)
	elapsed := time.Since(start)

	p.gov.ObserveExecution(id, elapsed)
	p.metrics.ObserveExecution(id, elapsed)

	if err == nil {
		return nil
	}
	f, ok := lua.AsFault(err)
	if !ok {
		return err
	}

	p.metrics.ObserveFault(id, f.Kind.String())
	ferr := &FaultError{Plugin: id, Fault: f}

	if f.Kind == lua.FaultTimeout && p.gov.RecordTimeout(id) && p.State() == StateReady {
		p.log.WithError(ferr).Warn("timeout budget exhausted")
		if p.onEscalate != nil {
			p.onEscalate(id, ferr)
		}
	}
	return ferr
}

// isolate returns the live isolate, or nil when the plugin is not running.
func (p *LuaPlugin) isolate() *lua.State {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.vm == nil || p.vm.IsClosed() {
		return nil
	}
	return p.vm
}

func (p *LuaPlugin) closeVM() {
	p.mu.Lock()
	vm := p.vm
	p.vm = nil
	p.mu.Unlock()

	if vm != nil {
		_ = vm.Close()
	}
}

// redirectPrint routes the sandbox's print to the plugin's logger.
func (p *LuaPlugin) redirectPrint(vm *lua.State, log *logrus.Entry) {
	_ = vm.Do(func(L *glua.LState) error {
		L.SetGlobal("print", L.NewFunction(func(L *glua.LState) int {
			parts := make([]any, 0, L.GetTop())
			for i := 1; i <= L.GetTop(); i++ {
				parts = append(parts, L.ToStringMeta(L.Get(i)).String())
			}
			log.Infoln(parts...)
			return 0
		}))
		return nil
	})
}
