// Package lua provides the sandboxed Lua runtime that hosts extension
// code.
//
// Each plugin runs in its own isolate, a State wrapping one gopher-lua
// LState. Isolates never share data; all communication flows through the
// host API the plugin receives via require("chive").
//
// # State
//
// A State is created with resource limits and destroyed when its plugin
// unloads:
//
//	s, err := lua.New(
//	    lua.WithMemoryBudget(128 << 20),
//	    lua.WithExecTimeout(5 * time.Second),
//	)
//	if err != nil {
//	    return err
//	}
//	defer s.Close()
//
//	if err := s.RunFile(ctx, "main.lua"); err != nil {
//	    var f *lua.Fault
//	    if errors.As(err, &f) {
//	        // plugin misbehaved; the host carries on
//	    }
//	}
//
// # Sandboxing
//
// Isolates open only the base, table, string and math libraries. Chunk
// loaders (dofile, loadfile, load, loadstring) are removed, module search
// paths are cleared, and require admits only the safe standard libraries
// plus modules the host preloads under the chive namespace.
//
// # Faults
//
// Abnormal terminations surface as *Fault values classified as a
// timeout, memory exhaustion, or an uncaught exception. Faults abort the
// invocation, never the host, and a timeout leaves the isolate intact.
//
// # Bridge
//
// ToGo and ToLua translate values across the boundary: JSON-shaped Go
// values (scalars, []any, map[string]any) map to Lua tables and back.
// Conversion is cycle-safe and depth-capped because table shape is under
// plugin control.
package lua
