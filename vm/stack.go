// Package vm implements the stack-based bytecode interpreter: the
// register-window execution stack, the dispatch loop, inline caches,
// fibers, and the built-in operations the VM itself evaluates
// (arithmetic, comparison, indexing).
//
// This is the root package the rest of the runtime (value, heap, rc, gc,
// bytecode) exists to serve; it is also the embedder-facing surface
// (vm.New, (*VM).Eval, the constructor/accessor API, host function
// registration).
package vm

import (
	"github.com/Airtune/cyber/value"
)

// DefaultStackCapacity is the embedder-configurable default size of the
// contiguous Value array backing execution.
const DefaultStackCapacity = 10_000

// Frame header slots: every call activation reserves four slots ahead of
// its locals/temporaries.
const (
	frameSlotRetDst    = 0 // return value destination
	frameSlotFlags     = 1 // packed {requested-return-count, is-root-frame}
	frameSlotRetPC     = 2 // return program counter
	frameSlotRetFP     = 3 // return frame pointer (prior stack base)
	frameHeaderSize    = 4
)

// packFrameFlags packs the requested-return-count and root-frame bit
// stored in frame slot 1. Both fields are stored in a Value via Int so the
// slot is still a legitimate stack cell the release machinery can skip
// over (it is never IsHeap, so Release on it is already a no-op).
func packFrameFlags(wantReturns uint8, isRoot bool) value.Value {
	flags := int64(wantReturns)
	if isRoot {
		flags |= 1 << 8
	}
	return value.Int(flags)
}

func unpackFrameFlags(v value.Value) (wantReturns uint8, isRoot bool) {
	raw := v.AsInteger()
	return uint8(raw & 0xFF), raw&(1<<8) != 0
}

// Stack is the fixed-capacity Value array backing one fiber's execution.
// The main fiber's stack is owned directly by the VM; a coroutine fiber
// owns its own.
type Stack struct {
	Slots []value.Value
	// FP is the current frame pointer: the index of frame-header slot 0
	// for the currently executing activation.
	FP int
	// SP is the first unused slot, the high-water mark of occupied slots
	// (maintained by Set/SetAbs/PushFrame and used by return clearing,
	// panic unwinding and Close to know how far to walk).
	SP int
}

// NewStack allocates a stack of the given capacity, all slots initialised
// to None so an aggregate release over an unused tail is always safe.
func NewStack(capacity int) *Stack {
	slots := make([]value.Value, capacity)
	for i := range slots {
		slots[i] = value.None()
	}
	return &Stack{Slots: slots}
}

// Cap reports the stack's fixed capacity.
func (s *Stack) Cap() int { return len(s.Slots) }

// CheckOverflow implements the pre-call check: the callee's header
// plus its locals must fit before stack_end. startLocal is the callee's
// frame base (not counting the 4 header slots); numLocals already
// excludes the header by convention (arguments land at startLocal+4),
// so the comparison is startLocal+frameHeaderSize+numLocals <= cap.
func (s *Stack) CheckOverflow(startLocal int, numLocals int) bool {
	return startLocal+frameHeaderSize+numLocals <= len(s.Slots)
}

// Get/Set read and write a slot relative to the current frame pointer
// (slot 0 is the frame header's return-destination slot, locals start at
// frameHeaderSize). Writes maintain SP as the high-water mark of occupied
// slots so teardown and panic unwinding know how far to walk.
func (s *Stack) Get(reg int) value.Value { return s.Slots[s.FP+reg] }
func (s *Stack) Set(reg int, v value.Value) {
	idx := s.FP + reg
	s.Slots[idx] = v
	if idx >= s.SP {
		s.SP = idx + 1
	}
}

// GetAbs/SetAbs address a slot by absolute stack index, used by the call
// opcodes to write arguments into the callee's incoming slots before the
// frame pointer has moved.
func (s *Stack) GetAbs(idx int) value.Value { return s.Slots[idx] }
func (s *Stack) SetAbs(idx int, v value.Value) {
	s.Slots[idx] = v
	if idx >= s.SP {
		s.SP = idx + 1
	}
}

// PushFrame installs a new frame at absolute base startLocal, recording
// the caller's return destination register, requested return count, the
// caller's pc/fp to restore on RET, and whether this is the outermost
// (root) activation. It returns the new frame pointer.
func (s *Stack) PushFrame(startLocal int, retDstReg int, wantReturns uint8, isRoot bool, retPC uint32, retFP int) int {
	base := startLocal
	s.Slots[base+frameSlotRetDst] = value.Int(int64(retDstReg))
	s.Slots[base+frameSlotFlags] = packFrameFlags(wantReturns, isRoot)
	s.Slots[base+frameSlotRetPC] = value.Int(int64(retPC))
	s.Slots[base+frameSlotRetFP] = value.Int(int64(retFP))
	s.FP = base
	if base+frameHeaderSize > s.SP {
		s.SP = base + frameHeaderSize
	}
	return base
}

// RetDstReg, WantReturns, IsRoot, RetPC, RetFP read the current frame's
// header slots.
func (s *Stack) RetDstReg() int { return int(s.Slots[s.FP+frameSlotRetDst].AsInteger()) }
func (s *Stack) WantReturns() uint8 {
	w, _ := unpackFrameFlags(s.Slots[s.FP+frameSlotFlags])
	return w
}
func (s *Stack) IsRoot() bool {
	_, root := unpackFrameFlags(s.Slots[s.FP+frameSlotFlags])
	return root
}
func (s *Stack) RetPC() uint32 { return uint32(s.Slots[s.FP+frameSlotRetPC].AsInteger()) }
func (s *Stack) RetFP() int    { return int(s.Slots[s.FP+frameSlotRetFP].AsInteger()) }

// CallerBase returns the absolute stack index that will receive the
// caller's frame pointer again after a RET.
func (s *Stack) CallerBase() int { return s.RetFP() }
