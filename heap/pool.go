package heap

import "sync"

// PoolMax is the nominal byte threshold below which an object would come
// from the slab pool. In this Go port the Header itself is larger
// than 32 bytes once it carries the trial-deletion collector bookkeeping
// and a runtime.Pinner (both out-of-band concerns in a C implementation),
// so the pool/general split is expressed as a per-type classification
// (isSmallType) rather than a literal byte count — see DESIGN.md. PoolMax
// is kept as a named constant purely so callers and tests can still refer
// to the pool threshold by name.
const PoolMax = 32

// isSmallType reports whether a variant has no variable-length payload and
// is therefore eligible for the size-class pool instead of the general
// allocator (Box: one Value slot; Pointer/MetaType: a handle and a tag).
func isSmallType(t TypeID) bool {
	switch t {
	case TypeBox, TypePointer, TypeMetaType:
		return true
	default:
		return false
	}
}

// pools holds one free list per poolable type. Go's sync.Pool is itself a
// per-P free list with GC-aware draining, which is the idiomatic analogue
// of a slab pool segregated by size class; we key it by
// TypeID instead of byte size since every poolable type here is uniformly
// small.
var pools = map[TypeID]*sync.Pool{
	TypeBox:       {New: func() any { return &Box{} }},
	TypePointer:   {New: func() any { return &ForeignHandle{} }},
	TypeMetaType:  {New: func() any { return &MetaType{} }},
}

var poolStats struct {
	mu                sync.Mutex
	pooledAllocs      uint64
	generalAllocs      uint64
	pooledFrees       uint64
	generalFrees      uint64
}

// PoolStats reports allocator path usage, exposed so tests can assert the
// split actually exercises both paths.
type PoolStats struct {
	PooledAllocs, GeneralAllocs uint64
	PooledFrees, GeneralFrees   uint64
}

func Stats() PoolStats {
	poolStats.mu.Lock()
	defer poolStats.mu.Unlock()
	return PoolStats{
		PooledAllocs:  poolStats.pooledAllocs,
		GeneralAllocs: poolStats.generalAllocs,
		PooledFrees:   poolStats.pooledFrees,
		GeneralFrees:  poolStats.generalFrees,
	}
}

func recordAlloc(small bool) {
	poolStats.mu.Lock()
	if small {
		poolStats.pooledAllocs++
	} else {
		poolStats.generalAllocs++
	}
	poolStats.mu.Unlock()
}

func recordFree(small bool) {
	poolStats.mu.Lock()
	if small {
		poolStats.pooledFrees++
	} else {
		poolStats.generalFrees++
	}
	poolStats.mu.Unlock()
}

// initHeader stamps a freshly-allocated (or recycled) object's header:
// type_id and rc:=1, the rest zeroed, and pins the object so a
// Value's raw-pointer encoding remains a valid reference for the GC even
// though the only live pointer to the object may be hiding inside a
// uint64 (see value.Ptr / heap.AddressOf).
func initHeader(h *Header, t TypeID, small bool, self any) {
	h.TypeID = t
	h.RC = 1
	h.nextCandidate = nil
	h.buffered = false
	h.col = colorBlack
	h.scratchRC = 0
	h.canCycle = typeCanCycle(t)
	h.small = small
	h.pinner.Pin(self)
	addGlobalRC(1)
	recordAlloc(small)
}

func getPooled[T any](t TypeID) *T {
	obj := pools[t].Get().(*T)
	return obj
}

func putPooled(t TypeID, obj any) {
	pools[t].Put(obj)
}
