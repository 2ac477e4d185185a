// Package gc implements the trial-deletion cycle collector: a
// Bacon & Rajan-style synchronous mark/scan/sweep pass over the candidate
// list that reference counting alone cannot reclaim (reference cycles).
//
// The graph walks below (markGray/scan/scanBlack/collectWhite) all share
// one shape: propagate a delta across every outward edge, flip a per-node
// color, and recurse into neighbors that have not settled yet. The
// propagated quantity is a scratch refcount and the walk covers the
// heap's object graph.
package gc

import (
	"github.com/Airtune/cyber/heap"
	"github.com/Airtune/cyber/value"
)

// Collector owns one VM's cycle-candidate list. It is not safe for
// concurrent use: like the rest of a VM's mutable state, a Collector
// belongs to exactly one single-threaded VM instance.
type Collector struct {
	head heap.Object
}

// New returns an empty collector, ready to receive candidates via
// NoteCandidate (it satisfies rc.CandidateTracker).
func New() *Collector {
	return &Collector{}
}

// NoteCandidate links o into the candidate list. Callers (package rc) must
// only call this once per buffering (guarded by Header.Buffered).
func (c *Collector) NoteCandidate(o heap.Object) {
	h := heap.HeaderOf(o)
	h.SetNextCandidate(c.head)
	c.head = o
}

// Stats summarizes one CollectCycles invocation, matching the
// (num_cyc_freed, num_obj_freed_total) pair reported to the embedder:
// CycFreed counts the objects reclaimed as members of unreachable cycles
// (the white sweep), ObjFreedTotal additionally counts buffered objects
// whose RC had already reached zero through an ordinary release and whose
// disposal was deferred to this pass.
type Stats struct {
	CycFreed      int
	ObjFreedTotal int
}

// CollectCycles runs one full trial-deletion pass: every object buffered
// since the last collection is a root candidate. Purple roots are
// hypothetically deleted (MarkGray), rescanned to distinguish real garbage
// from objects still reachable from outside the candidate subgraph (Scan),
// and whatever remains white is swept (CollectWhite).
func (c *Collector) CollectCycles() Stats {
	roots := c.drainRoots()

	deferredFrees := 0
	live := roots[:0]
	for _, o := range roots {
		h := heap.HeaderOf(o)
		if h.IsPurple() {
			markGray(o)
			live = append(live, o)
			continue
		}
		h.SetBuffered(false)
		if h.IsBlack() && h.RC == 0 {
			freeOne(o)
			deferredFrees++
		}
	}

	for _, o := range live {
		scan(o)
	}

	// Clear every live root's buffered flag before sweeping any of them:
	// a multi-root cycle (e.g. a.next=b; b.next=a, both buffered) must be
	// freed as a single collectWhite recursion reachable from whichever
	// root is processed first, with the other roots' calls then seeing
	// their subgraph already settled and contributing nothing further. If
	// the flag were cleared root-by-root instead, interleaved with
	// collectWhite, a shared cycle would be double-freed across two
	// top-level calls.
	for _, o := range live {
		heap.HeaderOf(o).SetBuffered(false)
	}
	var stats Stats
	for _, o := range live {
		collectWhite(o, &stats.CycFreed)
	}
	stats.ObjFreedTotal = stats.CycFreed + deferredFrees
	return stats
}

// drainRoots detaches the whole candidate list and returns it as a slice,
// leaving the collector's list empty for newly buffered objects that
// surface while this pass is still running (e.g. decrements triggered by
// CollectWhite's own destructor calls).
func (c *Collector) drainRoots() []heap.Object {
	var out []heap.Object
	for o := c.head; o != nil; {
		h := heap.HeaderOf(o)
		next := h.NextCandidate()
		h.SetNextCandidate(nil)
		out = append(out, o)
		o = next
	}
	c.head = nil
	return out
}

// markGray hypothetically removes every internal reference: it colors the
// subgraph reachable from o gray and, for each object, leaves ScratchRC
// holding "real refcount minus internal incoming edges already accounted
// for". An object whose ScratchRC is still positive after this must have
// an external owner.
func markGray(o heap.Object) {
	h := heap.HeaderOf(o)
	if h.IsGray() {
		return
	}
	h.Gray()
	h.SetScratchRC(int32(h.RC))
	o.Children(func(child value.Value) {
		if !child.IsHeap() {
			return
		}
		co := heap.Resolve(child)
		markGray(co)
		heap.HeaderOf(co).AddScratchRC(-1)
	})
}

// scan recolors a gray subgraph: anything with a positive ScratchRC (an
// external owner found it) is restored to black via scanBlack; everything
// else really is unreachable and is painted white.
func scan(o heap.Object) {
	h := heap.HeaderOf(o)
	if !h.IsGray() {
		return
	}
	if h.ScratchRC() > 0 {
		scanBlack(o)
		return
	}
	h.Whiten()
	o.Children(func(child value.Value) {
		if !child.IsHeap() {
			return
		}
		scan(heap.Resolve(child))
	})
}

// scanBlack restores o and everything it reaches to black, undoing
// markGray's speculative decrements along the way.
func scanBlack(o heap.Object) {
	h := heap.HeaderOf(o)
	h.Blacken()
	o.Children(func(child value.Value) {
		if !child.IsHeap() {
			return
		}
		co := heap.Resolve(child)
		ch := heap.HeaderOf(co)
		ch.AddScratchRC(1)
		if !ch.IsBlack() {
			scanBlack(co)
		}
	})
}

// collectWhite frees every object left white (genuinely unreachable) in
// o's subgraph, skipping anything still buffered elsewhere (it belongs to
// a different root's traversal and will be freed from there instead,
// avoiding a double free).
func collectWhite(o heap.Object, freed *int) {
	h := heap.HeaderOf(o)
	if !h.IsWhite() || h.Buffered() {
		return
	}
	h.Blacken()
	o.Children(func(child value.Value) {
		if !child.IsHeap() {
			return
		}
		collectWhite(heap.Resolve(child), freed)
	})
	freeOne(o)
	*freed++
}

// freeOne finalizes and frees o directly, bypassing rc's ordinary
// decrement-to-zero path (the collector, not a Release call, decided this
// object is garbage) and correcting the global refcount mirror by the
// object's outstanding count, since those decrements never went through
// rc.Release.
func freeOne(o heap.Object) {
	h := heap.HeaderOf(o)
	heap.AddGlobalRC(-int64(h.RC))
	heap.Finalize(o, true)
	heap.Free(o)
}
