package plugin

import (
	"context"

	"github.com/sirupsen/logrus"
	glua "github.com/yuin/gopher-lua"

	"github.com/chive-pub/plugd/internal/event"
	"github.com/chive-pub/plugd/internal/plugin/lua"
)

// hostModule builds the loader for the chive module, the API surface
// sandboxed code reaches the host through:
//
//	local chive = require("chive")
//	chive.log.info("indexing", { count = 3 })
//	chive.events.on("preprint.indexed", function(ev) ... end)
//	chive.cache.set("cursor", tostring(seq))
//
// Every namespace closes over the plugin's own context, so the functions a
// plugin sees enforce that plugin's grants and quotas.
func (p *LuaPlugin) hostModule(pctx *Context) glua.LGFunction {
	return func(L *glua.LState) int {
		mod := L.NewTable()
		L.SetField(mod, "id", glua.LString(pctx.ID))
		L.SetField(mod, "version", glua.LString(p.Manifest().Version))
		L.SetField(mod, "log", p.logTable(L, pctx))
		L.SetField(mod, "events", p.eventsTable(L, pctx))
		L.SetField(mod, "cache", p.cacheTable(L, pctx))
		L.SetField(mod, "metrics", p.metricsTable(L, pctx))
		L.SetField(mod, "net", p.netTable(L, pctx))
		L.SetField(mod, "config", lua.ToLuaMap(L, pctx.Config))
		L.Push(mod)
		return 1
	}
}

// logTable exposes the plugin's logger.
//
//	chive.log.info(msg [, fields])
func (p *LuaPlugin) logTable(L *glua.LState, pctx *Context) *glua.LTable {
	bind := func(emit func(e *logrus.Entry, msg string)) *glua.LFunction {
		return L.NewFunction(func(L *glua.LState) int {
			msg := L.CheckString(1)
			e := pctx.Log
			if L.GetTop() >= 2 {
				if t, ok := L.Get(2).(*glua.LTable); ok {
					e = e.WithFields(logrus.Fields(lua.ToGoMap(t)))
				}
			}
			emit(e, msg)
			return 0
		})
	}

	tbl := L.NewTable()
	L.SetField(tbl, "debug", bind(func(e *logrus.Entry, msg string) { e.Debug(msg) }))
	L.SetField(tbl, "info", bind(func(e *logrus.Entry, msg string) { e.Info(msg) }))
	L.SetField(tbl, "warn", bind(func(e *logrus.Entry, msg string) { e.Warn(msg) }))
	L.SetField(tbl, "error", bind(func(e *logrus.Entry, msg string) { e.Error(msg) }))
	return tbl
}

// eventsTable exposes the plugin's scoped bus.
//
//	id, err = chive.events.on(pattern, handler)
//	ok = chive.events.off(id)
//	ok, err = chive.events.emit(topic [, payload])
//	hooks = chive.events.allowed()
//	ok = chive.events.is_allowed(name)
//
// Handlers receive one table: { topic, source, time, payload }.
func (p *LuaPlugin) eventsTable(L *glua.LState, pctx *Context) *glua.LTable {
	tbl := L.NewTable()

	L.SetField(tbl, "on", L.NewFunction(func(L *glua.LState) int {
		pattern := L.CheckString(1)
		fn := L.CheckFunction(2)

		id, err := pctx.Events.On(pattern, event.HandlerFunc(func(ctx context.Context, ev event.Event) error {
			return p.handleEvent(ctx, fn, ev)
		}))
		if err != nil {
			L.Push(glua.LNil)
			L.Push(glua.LString(err.Error()))
			return 2
		}
		L.Push(glua.LString(id))
		return 1
	}))

	L.SetField(tbl, "off", L.NewFunction(func(L *glua.LState) int {
		id := L.CheckString(1)
		L.Push(glua.LBool(pctx.Events.Off(id) == nil))
		return 1
	}))

	L.SetField(tbl, "emit", L.NewFunction(func(L *glua.LState) int {
		name := L.CheckString(1)
		var payload map[string]any
		if L.GetTop() >= 2 {
			t, ok := L.Get(2).(*glua.LTable)
			if !ok {
				L.ArgError(2, "payload must be a table")
				return 0
			}
			payload = lua.ToGoMap(t)
		}

		if err := pctx.Events.Emit(context.Background(), name, payload); err != nil {
			L.Push(glua.LFalse)
			L.Push(glua.LString(err.Error()))
			return 2
		}
		L.Push(glua.LTrue)
		return 1
	}))

	L.SetField(tbl, "allowed", L.NewFunction(func(L *glua.LState) int {
		hooks := L.NewTable()
		for _, h := range pctx.Events.AllowedHooks() {
			hooks.Append(glua.LString(h))
		}
		L.Push(hooks)
		return 1
	}))

	L.SetField(tbl, "is_allowed", L.NewFunction(func(L *glua.LState) int {
		L.Push(glua.LBool(pctx.Events.HookAllowed(L.CheckString(1))))
		return 1
	}))

	return tbl
}

// cacheTable exposes the plugin's key/value store. Values are Lua strings.
//
//	ok, err = chive.cache.set(key, value)
//	value = chive.cache.get(key)       -- nil when absent
//	ok = chive.cache.delete(key)
//	ok = chive.cache.has(key)
func (p *LuaPlugin) cacheTable(L *glua.LState, pctx *Context) *glua.LTable {
	tbl := L.NewTable()

	L.SetField(tbl, "set", L.NewFunction(func(L *glua.LState) int {
		key := L.CheckString(1)
		value := L.CheckString(2)

		if err := pctx.Cache.Set(key, []byte(value)); err != nil {
			L.Push(glua.LFalse)
			L.Push(glua.LString(err.Error()))
			return 2
		}
		L.Push(glua.LTrue)
		return 1
	}))

	L.SetField(tbl, "get", L.NewFunction(func(L *glua.LState) int {
		value, ok := pctx.Cache.Get(L.CheckString(1))
		if !ok {
			L.Push(glua.LNil)
			return 1
		}
		L.Push(glua.LString(value))
		return 1
	}))

	L.SetField(tbl, "delete", L.NewFunction(func(L *glua.LState) int {
		L.Push(glua.LBool(pctx.Cache.Delete(L.CheckString(1))))
		return 1
	}))

	L.SetField(tbl, "has", L.NewFunction(func(L *glua.LState) int {
		L.Push(glua.LBool(pctx.Cache.Has(L.CheckString(1))))
		return 1
	}))

	return tbl
}

// metricsTable exposes the plugin's metrics facade.
//
//	chive.metrics.inc(name)
//	chive.metrics.add(name, delta)
//	chive.metrics.set(name, value)
func (p *LuaPlugin) metricsTable(L *glua.LState, pctx *Context) *glua.LTable {
	tbl := L.NewTable()

	L.SetField(tbl, "inc", L.NewFunction(func(L *glua.LState) int {
		pctx.Metrics.Inc(L.CheckString(1))
		return 0
	}))

	L.SetField(tbl, "add", L.NewFunction(func(L *glua.LState) int {
		pctx.Metrics.Add(L.CheckString(1), float64(L.CheckNumber(2)))
		return 0
	}))

	L.SetField(tbl, "set", L.NewFunction(func(L *glua.LState) int {
		pctx.Metrics.Set(L.CheckString(1), float64(L.CheckNumber(2)))
		return 0
	}))

	return tbl
}

// netTable exposes the network permission check. plugd does not hand
// sandboxed code a socket; plugins ask before requesting host-side
// fetches, and the same check runs again on the host side.
//
//	ok, err = chive.net.check(host)
func (p *LuaPlugin) netTable(L *glua.LState, pctx *Context) *glua.LTable {
	tbl := L.NewTable()

	L.SetField(tbl, "check", L.NewFunction(func(L *glua.LState) int {
		if err := pctx.CheckNetwork(L.CheckString(1)); err != nil {
			L.Push(glua.LFalse)
			L.Push(glua.LString(err.Error()))
			return 2
		}
		L.Push(glua.LTrue)
		return 1
	}))

	return tbl
}
