// Package introspect implements the verbose-trace debug dumper: rendering
// a Value and its transitive heap graph in a form a developer can read
// directly. Built on github.com/davecgh/go-spew,
// the dump-formatting library already used by VM/interpreter repos in the
// retrieval pack for exactly this purpose.
package introspect

import (
	"fmt"
	"strings"

	"github.com/davecgh/go-spew/spew"

	"github.com/Airtune/cyber/heap"
	"github.com/Airtune/cyber/value"
)

// config dumps without pointer addresses (they change from run to run and
// would make dumps hard to compare) and with a two-space indent instead of
// spew's default single space.
var config = spew.ConfigState{
	Indent:                  "  ",
	DisablePointerAddresses: true,
	DisableCapacities:       true,
	SortKeys:                true,
}

// snapshot is the plain Go struct a heap.Object is translated into before
// handing it to spew: spew reflects over exported struct fields, and the
// real heap types carry unexported Header/pool bookkeeping that would only
// add noise to a trace dump.
type snapshot struct {
	Kind   string
	Fields map[string]any
}

// DumpValue renders a single Value: its tag/kind and, for a primitive, its
// decoded contents. Heap values are rendered shallow (kind plus identity);
// use DumpHeap to walk the full transitive graph.
func DumpValue(v value.Value) string {
	switch {
	case v.IsHeap():
		obj := heap.Resolve(v)
		return fmt.Sprintf("<heap %s @%#x>", kindName(obj), v.AsPtr())
	case v.IsFloat():
		return fmt.Sprintf("float(%v)", v.AsFloat())
	case v.IsInteger():
		return fmt.Sprintf("int(%d)", v.AsInteger())
	case v.IsBool():
		return fmt.Sprintf("bool(%v)", v.AsBool())
	case v.IsNone():
		return "none"
	case v.IsError():
		return fmt.Sprintf("error(#%d)", v.Payload())
	case v.IsSymbol():
		return fmt.Sprintf("symbol(#%d)", v.Payload())
	default:
		return fmt.Sprintf("raw(%#016x)", v.RawBits())
	}
}

// DumpHeap renders v's full transitive object graph (following Children at
// every heap object reached) using config's spew state. It is cycle-safe
// because snapshotOf records every address it has visited and renders a
// repeated one as a "<cycle ...>" marker instead of descending again.
func DumpHeap(v value.Value) string {
	if !v.IsHeap() {
		return DumpValue(v)
	}
	seen := map[uintptr]bool{}
	snap := snapshotOf(v, seen)
	return strings.TrimRight(config.Sdump(snap), "\n")
}

func snapshotOf(v value.Value, seen map[uintptr]bool) any {
	if !v.IsHeap() {
		return DumpValue(v)
	}
	obj := heap.Resolve(v)
	addr := uintptr(v.AsPtr())
	if seen[addr] {
		return fmt.Sprintf("<cycle %s @%#x>", kindName(obj), addr)
	}
	seen[addr] = true

	fields := map[string]any{}
	i := 0
	obj.Children(func(child value.Value) {
		fields[fmt.Sprintf("child%d", i)] = snapshotOf(child, seen)
		i++
	})
	return &snapshot{Kind: kindName(obj), Fields: fields}
}

func kindName(obj heap.Object) string {
	return fmt.Sprintf("%T", obj)
}
