package plugin

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/chive-pub/plugd/internal/plugin/lua"
	"github.com/chive-pub/plugd/internal/plugin/security"
)

const hostPluginID = "pub.chive.plugin.echo"

// newHostPlugin lays a plugin directory on disk with the given entrypoint
// script and returns an uninitialized LuaPlugin wired to a fresh factory.
func newHostPlugin(t *testing.T, script string, budget security.Budget, opts ...FactoryOption) (*LuaPlugin, *Context, *security.Governor) {
	t.Helper()
	base := t.TempDir()
	dir := writePlugin(t, base, "echo", "", map[string]string{
		"plugin.json": `{
		  "id": "pub.chive.plugin.echo",
		  "name": "Echo",
		  "version": "1.0.0",
		  "license": "MIT",
		  "entrypoint": "init.lua",
		  "permissions": {
		    "hooks": ["preprint.indexed", "system.*"]
		  }
		}`,
		"init.lua": script,
	})

	l := newTestLoader(t, base)
	m, err := l.Inspect(dir)
	if err != nil {
		t.Fatalf("Inspect() error = %v", err)
	}

	factory, gov, enf := newTestFactory(t, opts...)
	gov.Register(m.ID, budget)
	enf.Register(m.ID, m.Permissions.Network.AllowedDomains)

	p := NewLuaPlugin(m, gov)
	return p, factory.New(m), gov
}

// eventually polls cond until it returns true or the deadline passes.
func eventually(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestLuaPluginInitializeRunsEntrypoint(t *testing.T) {
	p, pctx, _ := newHostPlugin(t, `
seq = "entry"

function initialize()
  seq = seq .. "+init"
end

function get_seq()
  return seq
end
`, security.DefaultBudget())

	if err := p.Initialize(context.Background(), pctx); err != nil {
		t.Fatalf("Initialize() error = %v", err)
	}

	if !p.HasFunction("get_seq") {
		t.Error("HasFunction(get_seq) = false")
	}
	if p.HasFunction("absent") {
		t.Error("HasFunction(absent) = true")
	}

	out, err := p.Call(context.Background(), "get_seq")
	if err != nil {
		t.Fatalf("Call(get_seq) error = %v", err)
	}
	if len(out) != 1 || out[0] != "entry+init" {
		t.Errorf("get_seq = %v, want entry+init", out)
	}
}

func TestLuaPluginInitializeNoEntrypoint(t *testing.T) {
	m := validManifest()
	m.Entrypoint = ""
	p := NewLuaPlugin(m, security.NewGovernor())

	err := p.Initialize(context.Background(), nil)
	if !errors.Is(err, ErrNoEntrypoint) {
		t.Fatalf("Initialize() error = %v, want ErrNoEntrypoint", err)
	}
}

func TestLuaPluginInitializeFaultTearsDown(t *testing.T) {
	p, pctx, _ := newHostPlugin(t, `error("boom")`, security.DefaultBudget())

	err := p.Initialize(context.Background(), pctx)
	if !errors.Is(err, ErrSandboxFault) {
		t.Fatalf("Initialize() error = %v, want a sandbox fault", err)
	}

	var ferr *FaultError
	if !errors.As(err, &ferr) {
		t.Fatalf("Initialize() error = %T, want *FaultError", err)
	}
	if ferr.Plugin != hostPluginID {
		t.Errorf("FaultError.Plugin = %q", ferr.Plugin)
	}
	if ferr.Fault.Kind != lua.FaultUncaughtException {
		t.Errorf("Fault.Kind = %v, want uncaught exception", ferr.Fault.Kind)
	}

	// The failed isolate must be gone.
	if _, err := p.Call(context.Background(), "anything"); !errors.Is(err, lua.ErrStateClosed) {
		t.Errorf("Call() after failed Initialize error = %v, want ErrStateClosed", err)
	}
}

func TestLuaPluginInitializeHookFault(t *testing.T) {
	p, pctx, _ := newHostPlugin(t, `
function initialize()
  error("init failed")
end
`, security.DefaultBudget())

	err := p.Initialize(context.Background(), pctx)
	if !errors.Is(err, ErrSandboxFault) {
		t.Fatalf("Initialize() error = %v, want a sandbox fault", err)
	}
	if _, err := p.Call(context.Background(), "initialize"); !errors.Is(err, lua.ErrStateClosed) {
		t.Errorf("Call() after failed Initialize error = %v, want ErrStateClosed", err)
	}
}

func TestLuaPluginInitializeSyntaxError(t *testing.T) {
	p, pctx, _ := newHostPlugin(t, `function broken(`, security.DefaultBudget())

	if err := p.Initialize(context.Background(), pctx); err == nil {
		t.Fatal("Initialize() accepted a broken entrypoint")
	}
	if _, err := p.Call(context.Background(), "broken"); !errors.Is(err, lua.ErrStateClosed) {
		t.Errorf("Call() after failed Initialize error = %v, want ErrStateClosed", err)
	}
}

func TestLuaPluginCallBridgesValues(t *testing.T) {
	p, pctx, _ := newHostPlugin(t, `
local chive = require("chive")

function probe()
  local ok = chive.cache.set("cursor", "42")
  local v = chive.cache.get("cursor")
  return chive.id, v, chive.events.is_allowed("preprint.indexed"), chive.events.is_allowed("review.created")
end
`, security.DefaultBudget())

	if err := p.Initialize(context.Background(), pctx); err != nil {
		t.Fatalf("Initialize() error = %v", err)
	}

	out, err := p.Call(context.Background(), "probe")
	if err != nil {
		t.Fatalf("Call(probe) error = %v", err)
	}
	if len(out) != 4 {
		t.Fatalf("probe returned %d values, want 4", len(out))
	}
	if out[0] != hostPluginID {
		t.Errorf("chive.id = %v", out[0])
	}
	if out[1] != "42" {
		t.Errorf("cache round trip = %v, want 42", out[1])
	}
	if out[2] != true {
		t.Error("is_allowed(preprint.indexed) = false, want true")
	}
	if out[3] != false {
		t.Error("is_allowed(review.created) = true, want false")
	}
}

func TestLuaPluginCallBeforeInitialize(t *testing.T) {
	p, _, _ := newHostPlugin(t, `-- empty`, security.DefaultBudget())

	if _, err := p.Call(context.Background(), "anything"); !errors.Is(err, lua.ErrStateClosed) {
		t.Errorf("Call() error = %v, want ErrStateClosed", err)
	}
	if p.HasFunction("anything") {
		t.Error("HasFunction() = true without an isolate")
	}
}

func TestLuaPluginShutdownRunsHook(t *testing.T) {
	p, pctx, _ := newHostPlugin(t, `
local chive = require("chive")

function shutdown()
  chive.cache.set("down", "1")
end
`, security.DefaultBudget())

	if err := p.Initialize(context.Background(), pctx); err != nil {
		t.Fatalf("Initialize() error = %v", err)
	}
	if err := p.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown() error = %v", err)
	}

	if v, ok := pctx.Cache.Get("down"); !ok || string(v) != "1" {
		t.Errorf("shutdown hook did not run: cache = %q, %v", v, ok)
	}
	if _, err := p.Call(context.Background(), "shutdown"); !errors.Is(err, lua.ErrStateClosed) {
		t.Errorf("Call() after Shutdown error = %v, want ErrStateClosed", err)
	}

	// Shutdown is idempotent.
	if err := p.Shutdown(context.Background()); err != nil {
		t.Errorf("second Shutdown() error = %v", err)
	}
}

func TestLuaPluginShutdownHookFault(t *testing.T) {
	p, pctx, _ := newHostPlugin(t, `
function shutdown()
  error("bye")
end
`, security.DefaultBudget())

	if err := p.Initialize(context.Background(), pctx); err != nil {
		t.Fatalf("Initialize() error = %v", err)
	}

	err := p.Shutdown(context.Background())
	if !errors.Is(err, ErrSandboxFault) {
		t.Fatalf("Shutdown() error = %v, want a sandbox fault", err)
	}

	// The isolate is destroyed even when the hook faults.
	if _, err := p.Call(context.Background(), "shutdown"); !errors.Is(err, lua.ErrStateClosed) {
		t.Errorf("Call() after Shutdown error = %v, want ErrStateClosed", err)
	}
}

func TestLuaPluginTimeoutFaultKeepsIsolateUsable(t *testing.T) {
	p, pctx, _ := newHostPlugin(t, `
function spin()
  while true do end
end

function ping()
  return "pong"
end
`, security.Budget{ExecTimeout: 50 * time.Millisecond})

	if err := p.Initialize(context.Background(), pctx); err != nil {
		t.Fatalf("Initialize() error = %v", err)
	}

	_, err := p.Call(context.Background(), "spin")
	var ferr *FaultError
	if !errors.As(err, &ferr) {
		t.Fatalf("Call(spin) error = %v, want *FaultError", err)
	}
	if ferr.Fault.Kind != lua.FaultTimeout {
		t.Fatalf("Fault.Kind = %v, want timeout", ferr.Fault.Kind)
	}

	out, err := p.Call(context.Background(), "ping")
	if err != nil {
		t.Fatalf("Call(ping) after timeout error = %v", err)
	}
	if len(out) != 1 || out[0] != "pong" {
		t.Errorf("ping = %v", out)
	}
}

func TestLuaPluginTimeoutEscalatesWhenReady(t *testing.T) {
	p, pctx, _ := newHostPlugin(t, `
function spin()
  while true do end
end
`, security.Budget{ExecTimeout: 50 * time.Millisecond, TimeoutBudget: 1})

	var escalatedID string
	var escalatedErr error
	p.onEscalate = func(id string, cause error) {
		escalatedID = id
		escalatedErr = cause
	}

	if err := p.Initialize(context.Background(), pctx); err != nil {
		t.Fatalf("Initialize() error = %v", err)
	}
	p.setState(StateReady)

	if _, err := p.Call(context.Background(), "spin"); !errors.Is(err, ErrSandboxFault) {
		t.Fatalf("Call(spin) error = %v, want a sandbox fault", err)
	}
	if escalatedID != hostPluginID {
		t.Errorf("escalated plugin = %q, want %q", escalatedID, hostPluginID)
	}
	if !errors.Is(escalatedErr, ErrSandboxFault) {
		t.Errorf("escalated cause = %v", escalatedErr)
	}
}

func TestLuaPluginTimeoutDuringLoadDoesNotEscalate(t *testing.T) {
	p, pctx, _ := newHostPlugin(t, `
function spin()
  while true do end
end
`, security.Budget{ExecTimeout: 50 * time.Millisecond, TimeoutBudget: 1})

	escalated := false
	p.onEscalate = func(string, error) { escalated = true }

	if err := p.Initialize(context.Background(), pctx); err != nil {
		t.Fatalf("Initialize() error = %v", err)
	}

	// Plugin never reached ready; the fault is the loader's to handle.
	if _, err := p.Call(context.Background(), "spin"); err == nil {
		t.Fatal("Call(spin) succeeded")
	}
	if escalated {
		t.Error("timeout escalated outside the ready state")
	}
}

func TestLuaPluginEventBridge(t *testing.T) {
	p, pctx, _ := newHostPlugin(t, `
local chive = require("chive")

chive.events.on("preprint.indexed", function(ev)
  chive.cache.set("seen", ev.payload.doi)
end)
`, security.DefaultBudget())

	if err := p.Initialize(context.Background(), pctx); err != nil {
		t.Fatalf("Initialize() error = %v", err)
	}
	t.Cleanup(func() { _ = p.Shutdown(context.Background()) })

	err := pctx.Events.Emit(context.Background(), "preprint.indexed", map[string]any{"doi": "10.1234/x"})
	if err != nil {
		t.Fatalf("Emit() error = %v", err)
	}

	eventually(t, 2*time.Second, func() bool {
		v, ok := pctx.Cache.Get("seen")
		return ok && string(v) == "10.1234/x"
	})
}

func TestLuaPluginConfigExposed(t *testing.T) {
	p, pctx, _ := newHostPlugin(t, `
local chive = require("chive")

function endpoint()
  return chive.config.endpoint
end
`, security.DefaultBudget(),
		WithPluginConfig(hostPluginID, map[string]any{"endpoint": "https://api.crossref.org"}))

	if err := p.Initialize(context.Background(), pctx); err != nil {
		t.Fatalf("Initialize() error = %v", err)
	}

	out, err := p.Call(context.Background(), "endpoint")
	if err != nil {
		t.Fatalf("Call(endpoint) error = %v", err)
	}
	if len(out) != 1 || out[0] != "https://api.crossref.org" {
		t.Errorf("endpoint = %v", out)
	}
}
