package lua

import (
	"strings"

	lua "github.com/yuin/gopher-lua"
)

// HostModule is the module name under which the host exposes its API to
// sandboxed code, loaded as require("chive"). Host submodules use the
// "chive." prefix.
const HostModule = "chive"

// safeModules are the standard libraries sandboxed code may require by
// name. They are already opened; require just returns them.
var safeModules = map[string]bool{
	"string": true,
	"table":  true,
	"math":   true,
}

// harden strips the escape hatches from a freshly opened state: chunk
// loading from strings or files, module search paths, and any modules
// loaded outside the whitelist.
func harden(L *lua.LState) {
	for _, name := range []string{"dofile", "loadfile", "load", "loadstring"} {
		L.SetGlobal(name, lua.LNil)
	}

	pkg, ok := L.GetGlobal("package").(*lua.LTable)
	if !ok {
		return
	}
	L.SetField(pkg, "path", lua.LString(""))
	L.SetField(pkg, "cpath", lua.LString(""))

	if loaded, ok := L.GetField(pkg, "loaded").(*lua.LTable); ok {
		var remove []string
		loaded.ForEach(func(k, _ lua.LValue) {
			ks, ok := k.(lua.LString)
			if !ok {
				return
			}
			name := string(ks)
			if !safeModules[name] && name != "_G" && name != "package" {
				remove = append(remove, name)
			}
		})
		for _, name := range remove {
			loaded.RawSetString(name, lua.LNil)
		}
	}

	installRequireWhitelist(L)
}

// installRequireWhitelist replaces require with a version that admits
// only the safe standard libraries and host-preloaded chive modules.
// Anything else raises a Lua error in the calling plugin.
func installRequireWhitelist(L *lua.LState) {
	orig := L.GetGlobal("require")

	L.SetGlobal("require", L.NewFunction(func(L *lua.LState) int {
		name := L.CheckString(1)
		if !requireAllowed(name) {
			L.RaiseError("module %q is not available in the sandbox", name)
			return 0
		}
		L.Push(orig)
		L.Push(lua.LString(name))
		L.Call(1, 1)
		return 1
	}))
}

func requireAllowed(name string) bool {
	if safeModules[name] {
		return true
	}
	return name == HostModule || strings.HasPrefix(name, HostModule+".")
}
