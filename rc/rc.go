// Package rc implements the runtime's reference-counting primitives:
// retain/release plus the opcodes the bytecode compiler emits at SSA-like
// value boundaries (CopyReleaseDst, CopyRetainSrc, CopyRetainRelease,
// Release, ReleaseN, Retain).
//
// Candidate-list registration for the cycle collector is threaded through
// an explicit CandidateTracker rather than package-level state: each VM
// instance owns its own collector and passes it in, so independent VMs
// never share mutable package state.
package rc

import (
	"github.com/Airtune/cyber/heap"
	"github.com/Airtune/cyber/value"
)

// deferredWorklistThreshold bounds how deep Release will recurse before
// switching to an explicit worklist, so deep destructor chains (long
// linked lists) cannot risk a host stack overflow.
const deferredWorklistThreshold = 256

// CandidateTracker receives objects that survived a decrement (rc stayed
// above zero) and are of a type that can participate in reference cycles.
// Package gc's Collector implements this.
type CandidateTracker interface {
	NoteCandidate(o heap.Object)
}

// Retain increments the refcount of a heap-pointer Value. No-op for
// primitives.
func Retain(v value.Value) {
	if !v.IsHeap() {
		return
	}
	h := heap.HeaderOf(heap.Resolve(v))
	h.RC++
	heap.AddGlobalRC(1)
}

// Release decrements the refcount of a heap-pointer Value, running the
// destructor and freeing the object when it reaches zero. No-op for
// primitives. Deep chains are flattened into an explicit worklist once
// recursion would exceed deferredWorklistThreshold. tracker
// may be nil if the caller never runs the cycle collector.
func Release(v value.Value, tracker CandidateTracker) {
	if !v.IsHeap() {
		return
	}
	releaseOne(v, 0, nil, tracker)
}

// ReleaseN releases a contiguous run of stack slots, as emitted by the
// ReleaseN opcode for a block of locals going out of scope together.
func ReleaseN(vs []value.Value, tracker CandidateTracker) {
	for _, v := range vs {
		Release(v, tracker)
	}
}

// CopyRetainSrc implements the Copy+retain-source opcode: dst gets src's
// value and src's refcount is bumped (both slots now own a reference).
func CopyRetainSrc(src value.Value) value.Value {
	Retain(src)
	return src
}

// CopyReleaseDst implements Copy with the old destination value released
// after being overwritten.
func CopyReleaseDst(oldDst, newSrc value.Value, tracker CandidateTracker) value.Value {
	Release(oldDst, tracker)
	return newSrc
}

// CopyRetainRelease implements the combined opcode: retain the incoming
// value, release whatever the destination used to hold, then store it.
func CopyRetainRelease(oldDst, newSrc value.Value, tracker CandidateTracker) value.Value {
	Retain(newSrc)
	Release(oldDst, tracker)
	return newSrc
}

// releaseOne performs one decrement-and-maybe-destroy step. depth tracks
// recursion through owned children; once it crosses the threshold,
// grandchildren are pushed onto worklist instead of recursed into.
func releaseOne(v value.Value, depth int, worklist *[]value.Value, tracker CandidateTracker) {
	obj := heap.Resolve(v)
	h := heap.HeaderOf(obj)
	h.RC--
	heap.AddGlobalRC(-1)
	if h.RC > 0 {
		if tracker != nil && h.CanCycle() && !h.Buffered() {
			h.SetBuffered(true)
			h.Purple()
			tracker.NoteCandidate(obj)
		}
		return
	}
	if h.Buffered() {
		// Already linked into the cycle collector's candidate list:
		// a prior decrement left it purple and reachable from there. Its
		// disposal is the collector's responsibility (CollectCycles'
		// root pass frees exactly this case: a buffered node that turned
		// out to be genuinely unreferenced rather than part of a live
		// cycle), so we must not free it out from under that list here.
		return
	}
	destroy(obj, depth, worklist, tracker)
}

// destroy runs an object's destructor: release every owned child Value,
// then free any auxiliary buffers/handles, then return the object to its
// allocation path (pool free list or general allocator).
func destroy(obj heap.Object, depth int, worklist *[]value.Value, tracker CandidateTracker) {
	var ownWorklist []value.Value
	if worklist == nil {
		worklist = &ownWorklist
	}
	if depth < deferredWorklistThreshold {
		obj.Children(func(child value.Value) {
			if !child.IsHeap() {
				return
			}
			releaseOne(child, depth+1, worklist, tracker)
		})
	} else {
		obj.Children(func(child value.Value) {
			if child.IsHeap() {
				*worklist = append(*worklist, child)
			}
		})
	}

	heap.Finalize(obj, false)
	heap.Free(obj)

	// Drain any work deferred by hitting the depth threshold, iteratively
	// rather than recursively, so destructor chains of unbounded length
	// (e.g. a long singly-linked list held only by RC) cannot blow the
	// host stack.
	if worklist == &ownWorklist {
		for len(*worklist) > 0 {
			n := len(*worklist) - 1
			next := (*worklist)[n]
			*worklist = (*worklist)[:n]
			releaseOne(next, 0, worklist, tracker)
		}
	}
}
