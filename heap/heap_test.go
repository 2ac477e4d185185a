package heap_test

import (
	"testing"
	"unsafe"

	"github.com/stretchr/testify/require"

	"github.com/Airtune/cyber/heap"
	"github.com/Airtune/cyber/rc"
	"github.com/Airtune/cyber/value"
)

func bitEq(a, b value.Value) bool { return a.RawBits() == b.RawBits() }

func TestHeaderInitialState(t *testing.T) {
	heap.ResetGlobalRC()
	l := heap.NewList(nil)
	h := heap.HeaderOf(l)
	require.Equal(t, heap.TypeList, h.TypeID)
	require.EqualValues(t, 1, h.RC, "objects are born with rc 1, owned by the caller")
	require.False(t, h.Buffered())

	rc.Release(heap.AddressOf(l), nil)
	require.Zero(t, heap.GlobalRC())
}

func TestCycleCandidacyByType(t *testing.T) {
	heap.ResetGlobalRC()
	cyclable := []heap.Object{
		heap.NewList(nil),
		heap.NewMap(0),
		heap.NewClosure(0, nil, 0),
		heap.NewUserObject(0, nil),
		heap.NewBox(value.None()),
		heap.NewFiber(8, value.None(), nil),
	}
	for _, o := range cyclable {
		require.True(t, heap.HeaderOf(o).CanCycle(), "%T must be tracked by the cycle collector", o)
		rc.Release(heap.AddressOf(o), nil)
	}

	acyclic := []heap.Object{
		heap.NewStringASCII([]byte("a")),
		heap.NewStringUTF8([]byte("ü"), 1),
		heap.NewRawString([]byte{0xFF}),
		heap.NewLambda(0, 0),
		heap.NewMetaType(heap.TypeList),
	}
	for _, o := range acyclic {
		require.False(t, heap.HeaderOf(o).CanCycle(), "%T can never point back at itself", o)
		rc.Release(heap.AddressOf(o), nil)
	}
	require.Zero(t, heap.GlobalRC())
}

// TestResolveRoundTripsEveryVariant: AddressOf packs a 48-bit address into
// a Value and Resolve must recover the identical object for every type id.
func TestResolveRoundTripsEveryVariant(t *testing.T) {
	heap.ResetGlobalRC()
	objs := []heap.Object{
		heap.NewList(nil),
		heap.NewMap(0),
		heap.NewStringASCII([]byte("s")),
		heap.NewStringUTF8([]byte("ü"), 1),
		heap.NewRawString([]byte{1}),
		heap.NewClosure(3, nil, 0),
		heap.NewLambda(3, 0),
		heap.NewBox(value.Int(1)),
		heap.NewFiber(8, value.None(), nil),
		heap.NewForeignHandle(heap.ForeignPointer, nil, nil),
		heap.NewUserObject(7, nil),
		heap.NewMetaType(heap.TypeMap),
	}
	for _, o := range objs {
		v := heap.AddressOf(o)
		require.True(t, v.IsHeap())
		require.Same(t, any(o), any(heap.Resolve(v)), "%T", o)
		rc.Release(v, nil)
	}
	require.Zero(t, heap.GlobalRC())
}

// TestAllocatorSplitsPooledAndGeneralPaths asserts the two allocation
// paths are both exercised: fixed-shape small types go through the
// size-class pool, variable-length ones through the general allocator.
func TestAllocatorSplitsPooledAndGeneralPaths(t *testing.T) {
	heap.ResetGlobalRC()
	before := heap.Stats()

	b := heap.NewBox(value.Int(1))
	l := heap.NewList(nil)
	mid := heap.Stats()
	require.Equal(t, before.PooledAllocs+1, mid.PooledAllocs)
	require.Equal(t, before.GeneralAllocs+1, mid.GeneralAllocs)

	rc.Release(heap.AddressOf(b), nil)
	rc.Release(heap.AddressOf(l), nil)
	after := heap.Stats()
	require.Equal(t, before.PooledFrees+1, after.PooledFrees)
	require.Equal(t, before.GeneralFrees+1, after.GeneralFrees)
	require.Zero(t, heap.GlobalRC())
}

// TestPooledObjectIsRecycledCleanly: a Box released back to the pool and
// re-allocated must come out with a fresh header, not the stale one.
func TestPooledObjectIsRecycledCleanly(t *testing.T) {
	heap.ResetGlobalRC()
	b1 := heap.NewBox(value.Int(1))
	rc.Retain(heap.AddressOf(b1))
	rc.Release(heap.AddressOf(b1), nil)
	rc.Release(heap.AddressOf(b1), nil)

	b2 := heap.NewBox(value.Int(2))
	h := heap.HeaderOf(b2)
	require.EqualValues(t, 1, h.RC)
	require.False(t, h.Buffered())
	require.EqualValues(t, 2, b2.Slot.AsInteger())
	rc.Release(heap.AddressOf(b2), nil)
	require.Zero(t, heap.GlobalRC())
}

func TestMapInsertLookupDeleteWithTombstones(t *testing.T) {
	heap.ResetGlobalRC()
	m := heap.NewMap(0)

	const n = 100
	for i := 0; i < n; i++ {
		m.Set(value.Int(int64(i)), value.Int(int64(i*10)), bitEq)
	}
	require.Equal(t, n, m.Len())

	for i := 0; i < n; i += 2 {
		_, _, ok := m.Delete(value.Int(int64(i)), bitEq)
		require.True(t, ok)
	}
	require.Equal(t, n/2, m.Len())

	for i := 0; i < n; i++ {
		got, ok := m.Get(value.Int(int64(i)), bitEq)
		if i%2 == 0 {
			require.False(t, ok, "key %d was deleted", i)
			continue
		}
		require.True(t, ok)
		require.EqualValues(t, i*10, got.AsInteger())
	}

	// a tombstoned slot must be reusable without losing later probes.
	m.Set(value.Int(0), value.Int(7), bitEq)
	got, ok := m.Get(value.Int(0), bitEq)
	require.True(t, ok)
	require.EqualValues(t, 7, got.AsInteger())

	rc.Release(heap.AddressOf(m), nil)
	require.Zero(t, heap.GlobalRC())
}

func TestMapSetReportsDisplacedValue(t *testing.T) {
	m := heap.NewMap(0)
	_, inserted := m.Set(value.Int(1), value.Int(10), bitEq)
	require.True(t, inserted)
	prev, inserted := m.Set(value.Int(1), value.Int(20), bitEq)
	require.False(t, inserted)
	require.EqualValues(t, 10, prev.AsInteger())
	rc.Release(heap.AddressOf(m), nil)
}

func TestStringSliceViewsParentBytes(t *testing.T) {
	heap.ResetGlobalRC()
	parent := heap.NewStringASCII([]byte("hello"))
	rc.Retain(heap.AddressOf(parent)) // the slice's reference
	s := heap.NewStringSlice(parent, 1, 3, false)
	require.Equal(t, "ell", string(s.Bytes()))

	// dropping the original handle keeps the parent alive through the slice.
	rc.Release(heap.AddressOf(parent), nil)
	require.Equal(t, "ell", string(s.Bytes()))

	rc.Release(heap.AddressOf(s), nil)
	require.Zero(t, heap.GlobalRC())
}

func TestForeignHandleFinalizerRunsOnDestruction(t *testing.T) {
	heap.ResetGlobalRC()
	ran := false
	f := heap.NewForeignHandle(heap.ForeignFile, nil, func(unsafe.Pointer) { ran = true })
	require.Equal(t, heap.TypeFile, heap.HeaderOf(f).TypeID)

	rc.Release(heap.AddressOf(f), nil)
	require.True(t, ran, "the registered finalizer must run during destructor dispatch")
	require.Zero(t, heap.GlobalRC())
}
