package lua

import (
	"fmt"

	lua "github.com/yuin/gopher-lua"
)

// maxBridgeDepth caps table nesting when crossing the Go/Lua boundary.
// Values below a cycle or below the cap convert to nil rather than
// recursing without bound on plugin-controlled data.
const maxBridgeDepth = 32

// ToGo converts a Lua value to its Go equivalent. Tables become
// map[string]any, or []any when the table is a contiguous 1-based array.
// Functions and userdata do not cross the boundary and convert to nil.
func ToGo(lv lua.LValue) any {
	return toGo(lv, make(map[*lua.LTable]bool), 0)
}

func toGo(lv lua.LValue, visited map[*lua.LTable]bool, depth int) any {
	if lv == nil || depth > maxBridgeDepth {
		return nil
	}

	switch v := lv.(type) {
	case lua.LBool:
		return bool(v)
	case lua.LNumber:
		f := float64(v)
		if f == float64(int64(f)) {
			return int64(f)
		}
		return f
	case lua.LString:
		return string(v)
	case *lua.LTable:
		if visited[v] {
			return nil
		}
		visited[v] = true
		defer delete(visited, v)
		return tableToGo(v, visited, depth)
	default:
		return nil
	}
}

func tableToGo(t *lua.LTable, visited map[*lua.LTable]bool, depth int) any {
	// A table is an array when its keys are exactly 1..n.
	isArray := true
	maxN, count := 0, 0
	t.ForEach(func(k, _ lua.LValue) {
		count++
		kn, ok := k.(lua.LNumber)
		if !ok || float64(kn) != float64(int(kn)) || int(kn) < 1 {
			isArray = false
			return
		}
		if int(kn) > maxN {
			maxN = int(kn)
		}
	})

	if isArray && maxN > 0 && count == maxN {
		arr := make([]any, maxN)
		for i := 1; i <= maxN; i++ {
			arr[i-1] = toGo(t.RawGetInt(i), visited, depth+1)
		}
		return arr
	}

	m := make(map[string]any, count)
	t.ForEach(func(k, v lua.LValue) {
		var key string
		switch kv := k.(type) {
		case lua.LString:
			key = string(kv)
		case lua.LNumber:
			key = fmt.Sprintf("%v", float64(kv))
		default:
			key = k.String()
		}
		m[key] = toGo(v, visited, depth+1)
	})
	return m
}

// ToGoMap converts a Lua table to a map, the payload shape events carry.
// A non-table value yields nil.
func ToGoMap(lv lua.LValue) map[string]any {
	if m, ok := ToGo(lv).(map[string]any); ok {
		return m
	}
	return nil
}

// ToLua converts a Go value to a Lua value in the given state. Supported
// are the scalar types, byte and string slices, []any, and string-keyed
// maps; anything else converts to nil. Plugin-facing data is built from
// decoded JSON, TOML, and event payloads, which all fit this set.
func ToLua(L *lua.LState, v any) lua.LValue {
	return toLua(L, v, 0)
}

func toLua(L *lua.LState, v any, depth int) lua.LValue {
	if v == nil || depth > maxBridgeDepth {
		return lua.LNil
	}

	switch val := v.(type) {
	case bool:
		return lua.LBool(val)
	case int:
		return lua.LNumber(val)
	case int32:
		return lua.LNumber(val)
	case int64:
		return lua.LNumber(val)
	case uint:
		return lua.LNumber(val)
	case uint32:
		return lua.LNumber(val)
	case uint64:
		return lua.LNumber(val)
	case float32:
		return lua.LNumber(val)
	case float64:
		return lua.LNumber(val)
	case string:
		return lua.LString(val)
	case []byte:
		return lua.LString(val)
	case []any:
		t := L.NewTable()
		for i, item := range val {
			t.RawSetInt(i+1, toLua(L, item, depth+1))
		}
		return t
	case []string:
		t := L.NewTable()
		for i, item := range val {
			t.RawSetInt(i+1, lua.LString(item))
		}
		return t
	case map[string]any:
		t := L.NewTable()
		for k, item := range val {
			t.RawSetString(k, toLua(L, item, depth+1))
		}
		return t
	case map[string]string:
		t := L.NewTable()
		for k, item := range val {
			t.RawSetString(k, lua.LString(item))
		}
		return t
	case lua.LValue:
		return val
	default:
		return lua.LNil
	}
}

// ToLuaMap builds a Lua table from a string-keyed map.
func ToLuaMap(L *lua.LState, m map[string]any) *lua.LTable {
	t := L.NewTable()
	for k, v := range m {
		t.RawSetString(k, ToLua(L, v))
	}
	return t
}
