// Package heap implements the runtime's typed heap objects: a
// refcount header shared by every heap object variant, a pool/general
// allocator split, and the retain/release/destructor machinery that keeps
// the global refcount invariant testable.
package heap

import (
	"runtime"
	"sync/atomic"

	"github.com/Airtune/cyber/value"
)

// TypeID discriminates the heap object variants. 0 is never used
// for a live object so a zeroed Header is recognizably uninitialized.
type TypeID uint32

const (
	_ TypeID = iota
	TypeList
	TypeMap
	TypeStringASCII
	TypeStringUTF8
	TypeStringSlice
	TypeRawString
	TypeRawStringSlice
	TypeClosure
	TypeLambda
	TypeBox
	TypeFiber
	TypePointer
	TypeFile
	TypeDir
	TypeDirIter
	TypeObject
	TypeMetaType
)

// color is the trial-deletion collector's per-object mark, following the
// classic Bacon & Rajan scheme.
type color uint8

const (
	colorBlack  color = iota // in use or free; not a collector candidate
	colorGray                // in the trial-deletion mark phase
	colorWhite               // collected as garbage this cycle
	colorPurple              // candidate: had a decrement that didn't reach 0
)

// Header is the common heap object header: every variant embeds this
// as its first field. RC and collector bookkeeping are accessed with
// atomics only for the process-wide counter that is visible across VM
// instances; within one VM's single-threaded execution, plain field access
// is sufficient and what the dispatch loop uses.
type Header struct {
	TypeID TypeID
	RC     uint32

	// collector-only fields
	nextCandidate Object // singly-linked candidate list, nil if not queued
	buffered      bool
	col           color
	scratchRC     int32

	// CanCycle is set by the allocator for types that can participate in
	// reference cycles (lists, maps, closures, user objects, fibers, boxes);
	// strings, bools and numbers need no tracking and indeed
	// never carry a Header at all, since they are Value primitives.
	canCycle bool

	pinner runtime.Pinner
	small  bool // true if allocated from the size-class pool
}

// Object is the interface every heap-allocated variant satisfies so the
// allocator, retain/release, and collector can operate on them uniformly
// without a type switch at every call site.
type Object interface {
	header() *Header
	// Children invokes fn for every outward Value this object owns, used
	// by release's destructor dispatch and by the collector's
	// trial-deletion mark/scan/sweep passes. Primitive (non-heap) values
	// are passed too; callers that only care about heap children filter
	// with Value.IsHeap.
	Children(fn func(child value.Value))
	// finalize releases any non-Value resources (buffers, foreign handles)
	// once all child Values have already been released. suppressChildren
	// is set during cycle-sweep: the collector has already decided every
	// member of the cycle is garbage, so finalize must not call Release on
	// children (they are destroyed in the same sweep, possibly after this
	// call).
	finalize(suppressChildren bool)
}

func (h *Header) header() *Header { return h }

// globalRC mirrors the sum of every live Header.RC; after final teardown
// with tracking enabled it must be exactly zero.
var globalRC int64

// GlobalRC returns the process-wide mirrored refcount total.
func GlobalRC() int64 { return atomic.LoadInt64(&globalRC) }

// ResetGlobalRC zeroes the tracker; intended for test isolation only.
func ResetGlobalRC() { atomic.StoreInt64(&globalRC, 0) }

func addGlobalRC(delta int64) { atomic.AddInt64(&globalRC, delta) }

// ---- collector accessors (package gc operates on these; kept as methods
// rather than exported fields so package heap remains the sole mutator of
// invariants like "small implies pooled"). ----

// CanCycle reports whether h's type is tracked by the cycle collector.
func (h *Header) CanCycle() bool { return h.canCycle }

// Buffered reports whether h is already linked into the candidate list.
func (h *Header) Buffered() bool { return h.buffered }

// SetBuffered updates the candidate-list membership flag.
func (h *Header) SetBuffered(b bool) { h.buffered = b }

// NextCandidate returns the next link in the candidate list, or nil.
func (h *Header) NextCandidate() Object { return h.nextCandidate }

// SetNextCandidate links h to the next candidate-list entry.
func (h *Header) SetNextCandidate(o Object) { h.nextCandidate = o }

// Purple marks h as a trial-deletion root candidate (had a decrement that
// did not reach zero).
func (h *Header) Purple() { h.col = colorPurple }

// IsPurple reports whether h is currently marked as a root candidate.
func (h *Header) IsPurple() bool { return h.col == colorPurple }

// Blacken marks h live (reachable), ending its candidacy.
func (h *Header) Blacken() { h.col = colorBlack }

// IsBlack reports whether h is currently marked live.
func (h *Header) IsBlack() bool { return h.col == colorBlack }

// Whiten marks h as garbage, pending sweep.
func (h *Header) Whiten() { h.col = colorWhite }

// IsWhite reports whether h is marked as garbage pending sweep.
func (h *Header) IsWhite() bool { return h.col == colorWhite }

// Gray marks h as visited during the mark/scan passes.
func (h *Header) Gray() { h.col = colorGray }

// IsGray reports whether h has been visited this collection.
func (h *Header) IsGray() bool { return h.col == colorGray }

// ScratchRC returns the collector's working refcount for h.
func (h *Header) ScratchRC() int32 { return h.scratchRC }

// SetScratchRC sets the collector's working refcount for h.
func (h *Header) SetScratchRC(n int32) { h.scratchRC = n }

// AddScratchRC adjusts the collector's working refcount for h.
func (h *Header) AddScratchRC(delta int32) { h.scratchRC += delta }

// typeCanCycle reports whether objects of t are registered as cycle
// collector candidates. Only container-like types that can hold a
// reference back to themselves need tracking.
func typeCanCycle(t TypeID) bool {
	switch t {
	case TypeList, TypeMap, TypeClosure, TypeObject, TypeFiber, TypeBox:
		return true
	default:
		return false
	}
}
