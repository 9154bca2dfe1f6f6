package lua

import (
	"reflect"
	"testing"

	glua "github.com/yuin/gopher-lua"
)

func TestToGoScalars(t *testing.T) {
	tests := []struct {
		in   glua.LValue
		want any
	}{
		{glua.LNil, nil},
		{glua.LTrue, true},
		{glua.LFalse, false},
		{glua.LNumber(42), int64(42)},
		{glua.LNumber(2.5), 2.5},
		{glua.LString("chive"), "chive"},
	}
	for _, tt := range tests {
		if got := ToGo(tt.in); !reflect.DeepEqual(got, tt.want) {
			t.Errorf("ToGo(%v) = %#v, want %#v", tt.in, got, tt.want)
		}
	}
}

func TestToGoArrayTable(t *testing.T) {
	L := glua.NewState()
	defer L.Close()

	tbl := L.NewTable()
	tbl.RawSetInt(1, glua.LString("a"))
	tbl.RawSetInt(2, glua.LNumber(2))
	tbl.RawSetInt(3, glua.LTrue)

	got := ToGo(tbl)
	want := []any{"a", int64(2), true}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("ToGo(array) = %#v, want %#v", got, want)
	}
}

func TestToGoMapTable(t *testing.T) {
	L := glua.NewState()
	defer L.Close()

	tbl := L.NewTable()
	tbl.RawSetString("uri", glua.LString("at://did:plc:abc/pub.chive.eprint/1"))
	tbl.RawSetString("count", glua.LNumber(3))

	got, ok := ToGo(tbl).(map[string]any)
	if !ok {
		t.Fatalf("ToGo(map) = %T, want map[string]any", ToGo(tbl))
	}
	if got["uri"] != "at://did:plc:abc/pub.chive.eprint/1" || got["count"] != int64(3) {
		t.Errorf("ToGo(map) = %#v", got)
	}
}

func TestToGoSparseTableIsMap(t *testing.T) {
	L := glua.NewState()
	defer L.Close()

	// Keys 1 and 3 with a hole: not a contiguous array.
	tbl := L.NewTable()
	tbl.RawSetInt(1, glua.LString("a"))
	tbl.RawSetInt(3, glua.LString("c"))

	if _, ok := ToGo(tbl).(map[string]any); !ok {
		t.Errorf("ToGo(sparse) = %T, want map[string]any", ToGo(tbl))
	}
}

func TestToGoCyclicTable(t *testing.T) {
	L := glua.NewState()
	defer L.Close()

	if err := L.DoString(`t = {}; t.self = t; t.name = "loop"`); err != nil {
		t.Fatalf("DoString() error = %v", err)
	}
	tbl := L.GetGlobal("t").(*glua.LTable)

	got, ok := ToGo(tbl).(map[string]any)
	if !ok {
		t.Fatalf("ToGo(cyclic) = %T, want map[string]any", ToGo(tbl))
	}
	if got["name"] != "loop" {
		t.Errorf(`got["name"] = %v, want "loop"`, got["name"])
	}
	if got["self"] != nil {
		t.Errorf(`got["self"] = %#v, want nil (cycle broken)`, got["self"])
	}
}

func TestToGoDepthCap(t *testing.T) {
	L := glua.NewState()
	defer L.Close()

	// Nest far past the cap.
	root := L.NewTable()
	cur := root
	for i := 0; i < maxBridgeDepth*2; i++ {
		next := L.NewTable()
		cur.RawSetString("child", next)
		cur = next
	}
	cur.RawSetString("leaf", glua.LTrue)

	got := ToGo(root)
	depth := 0
	for {
		m, ok := got.(map[string]any)
		if !ok {
			break
		}
		got = m["child"]
		depth++
	}
	if depth > maxBridgeDepth+1 {
		t.Errorf("conversion descended %d levels, cap is %d", depth, maxBridgeDepth)
	}
}

func TestToLuaRoundTrip(t *testing.T) {
	L := glua.NewState()
	defer L.Close()

	in := map[string]any{
		"id":     "pub.chive.plugin.backlinks",
		"count":  int64(7),
		"ratio":  0.5,
		"active": true,
		"tags":   []any{"graph", "citations"},
		"nested": map[string]any{"depth": int64(1)},
	}

	got, ok := ToGo(ToLua(L, in)).(map[string]any)
	if !ok {
		t.Fatalf("round trip produced %T, want map[string]any", ToGo(ToLua(L, in)))
	}
	if !reflect.DeepEqual(got, in) {
		t.Errorf("round trip = %#v, want %#v", got, in)
	}
}

func TestToLuaStringSlice(t *testing.T) {
	L := glua.NewState()
	defer L.Close()

	got := ToGo(ToLua(L, []string{"preprint.indexed", "system.*"}))
	want := []any{"preprint.indexed", "system.*"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("ToLua([]string) round trip = %#v, want %#v", got, want)
	}
}

func TestToLuaUnsupportedType(t *testing.T) {
	L := glua.NewState()
	defer L.Close()

	type opaque struct{ n int }
	if got := ToLua(L, opaque{n: 1}); got != glua.LNil {
		t.Errorf("ToLua(struct) = %v, want LNil", got)
	}
	if got := ToLua(L, nil); got != glua.LNil {
		t.Errorf("ToLua(nil) = %v, want LNil", got)
	}
}

func TestToGoMapHelper(t *testing.T) {
	L := glua.NewState()
	defer L.Close()

	if got := ToGoMap(glua.LString("not a table")); got != nil {
		t.Errorf("ToGoMap(string) = %#v, want nil", got)
	}

	tbl := ToLuaMap(L, map[string]any{"k": "v"})
	got := ToGoMap(tbl)
	if got["k"] != "v" {
		t.Errorf("ToGoMap(table) = %#v", got)
	}
}
