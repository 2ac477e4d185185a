package introspect

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/Airtune/cyber/heap"
	"github.com/Airtune/cyber/value"
)

func TestDumpValueRendersPrimitives(t *testing.T) {
	require.Equal(t, "none", DumpValue(value.None()))
	require.Equal(t, "bool(true)", DumpValue(value.Bool(true)))
	require.Equal(t, "int(42)", DumpValue(value.Int(42)))
	require.Equal(t, "float(1.5)", DumpValue(value.Float(1.5)))
	require.Equal(t, "error(#3)", DumpValue(value.ErrorSym(3)))
}

func TestDumpHeapWalksChildren(t *testing.T) {
	inner := heap.NewBox(value.Int(7))
	outer := heap.NewList([]value.Value{heap.AddressOf(inner)})

	dump := DumpHeap(heap.AddressOf(outer))
	require.Contains(t, dump, "heap.List")
	require.Contains(t, dump, "heap.Box")
	require.Contains(t, dump, "int(7)")
}

func TestDumpHeapIsCycleSafe(t *testing.T) {
	l := heap.NewList(nil)
	l.Items = []value.Value{heap.AddressOf(l)}

	dump := DumpHeap(heap.AddressOf(l))
	require.Contains(t, dump, "<cycle", "a self-referential graph must terminate with a cycle marker")
}
