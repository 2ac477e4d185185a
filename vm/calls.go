// Call/return frame management, split out of dispatch.go because
// the convention every call family shares — push a frame at an absolute
// base, restore it on return by writing straight back to the caller's
// register via the stored retDst slot — is worth keeping in one place.
package vm

import (
	"encoding/binary"

	"github.com/Airtune/cyber/bytecode"
	"github.com/Airtune/cyber/heap"
	"github.com/Airtune/cyber/rc"
	"github.com/Airtune/cyber/value"
)

// execCall runs a direct (non-symbol, non-IC) function call: Call0/Call1.
// startLocal is a register relative to the caller's current frame; the
// callee's frame base is the absolute address that register names.
func (v *VM) execCall(startLocal int, funcIdx uint16, wantReturns uint8, st *runState, instrPC uint32) {
	base := v.stack.FP + startLocal
	proto := v.chunk.Funcs[funcIdx]
	if proto.IsNative {
		v.invokeNative(proto, base, wantReturns, instrPC)
		return
	}
	v.pushCall(base, startLocal, proto, wantReturns, st, instrPC)
}

// execCallSym resolves a statically-interned function symbol and calls it;
// symbolic calls and direct calls share the same FuncProto table, so this
// is execCall with one extra indirection (a real compiler would usually
// have already lowered CallSym to Call0/Call1 once linked, but keeping the
// symbol table live lets a chunk be loaded against a loader-supplied host
// module).
func (v *VM) execCallSym(startLocal int, sym uint16, wantReturns uint8, st *runState, instrPC uint32) {
	funcIdx := v.resolveSymFunc(sym)
	v.execCall(startLocal, funcIdx, wantReturns, st, instrPC)
}

// resolveSymFunc maps a Methods-table symbol to a FuncProto index by name.
// Out-of-pack lookup is O(n) in the function table; acceptable since a
// real frontend would intern this once at compile time, and CallSym is a
// cold path relative to the IC'd call opcodes.
func (v *VM) resolveSymFunc(sym uint16) uint16 {
	name := v.chunk.Methods.Name(sym)
	for i, f := range v.chunk.Funcs {
		if f.Name == name {
			return uint16(i)
		}
	}
	panic(newPanic(ErrCompileError, 0, "", "CallSym: unresolved symbol %q", name))
}

// pushCall installs the callee's frame and jumps the dispatch loop's pc to
// its entry point. retDstReg is stored in the frame header so execReturn
// can write the result straight back without needing any stack aliasing
// trick.
func (v *VM) pushCall(base, retDstReg int, proto bytecode.FuncProto, wantReturns uint8, st *runState, instrPC uint32) {
	if !v.stack.CheckOverflow(base, int(proto.NumLocals)) {
		panic(newPanic(ErrStackOverflow, instrPC, proto.Name, "stack overflow calling %s", proto.Name))
	}
	v.stack.PushFrame(base, retDstReg, wantReturns, false, st.pc, v.stack.FP)
	st.frames = append(st.frames, callFrameInfo{})
	st.pc = proto.StartPC
}

// invokeNative calls a registered HostFunc synchronously (no new bytecode
// frame; native calls never advance pc beyond the call instruction
// itself).
func (v *VM) invokeNative(proto bytecode.FuncProto, base int, wantReturns uint8, instrPC uint32) {
	argStart := base + frameHeaderSize
	args := append([]value.Value(nil), v.stack.Slots[argStart:argStart+int(proto.NumArgs)]...)
	fn := v.hostFuncs[proto.NativeIndex]
	result, err := fn(v, args)
	if err != nil {
		panic(newPanic(ErrPanic, instrPC, proto.Name, "%v", err))
	}
	if wantReturns > 0 {
		v.stack.SetAbs(base, result)
	} else {
		rc.Release(result, v.gc)
	}
}

// execReturn implements Ret0/Ret1/TryValue's early-return and the
// implicit return a fiber's entry function performs when it falls off the
// end without an explicit Coreturn. It reports done=true with the final
// value when the whole Eval call (or fiber) has finished.
func (v *VM) execReturn(result value.Value, st *runState) (done bool, finalValue value.Value) {
	if v.stack.IsRoot() {
		if v.currentFiber != nil {
			return v.doCoreturn(result, st)
		}
		return true, result
	}

	retDst := v.stack.RetDstReg()
	retFP := v.stack.RetFP()
	retPC := v.stack.RetPC()
	wantReturns := v.stack.WantReturns()

	// Ownership of heap values in the callee's slots is the bytecode's
	// concern (the compiler emits Release/ReleaseN before RET), so a
	// return only clears the window; a stale bit pattern above the new SP
	// must not look like a live owned slot to teardown or panic unwinding.
	calleeBase := v.stack.FP
	for i := calleeBase; i < v.stack.SP; i++ {
		v.stack.Slots[i] = value.None()
	}
	v.stack.SP = calleeBase
	v.stack.FP = retFP

	if wantReturns > 0 {
		v.stack.Set(retDst, result)
	} else {
		rc.Release(result, v.gc)
	}
	st.pc = retPC
	if len(st.frames) > 0 {
		st.frames = st.frames[:len(st.frames)-1]
	}
	return false, value.None()
}

// execField implements Field/FieldIC/FieldRetain/FieldRetainIC.
// The uncached forms carry a field-name symbol (resolved against the
// receiver's class shape every time); on first resolution they embed
// into the IC form, caching {classID, fieldOffset} in the instruction's
// own trailing bytes. The IC form compares the cached classID against
// the receiver's actual one and deopts back to the polymorphic opcode on
// a mismatch.
func (v *VM) execField(op bytecode.Op, instrPC uint32, retain bool) {
	code := v.chunk.Code
	o := func(i uint32) byte { return code[instrPC+1+i] }
	dst, recvReg := int(o(0)), int(o(1))
	sym := u16At(code, instrPC+3)
	recv := v.stack.Get(recvReg)
	uo := heap.Resolve(recv).(*heap.UserObject)

	var offset int
	switch op {
	case bytecode.OpFieldIC, bytecode.OpFieldRetainIC:
		cachedClassID := uint32(u16At(code, instrPC+5))
		cachedOffset := int(u16At(code, instrPC+7))
		if cachedClassID == uo.ClassID {
			offset = cachedOffset
		} else {
			// polymorphic miss: resolve for this call, then deopt so the
			// next visit goes through the uncached path again.
			off, ok := v.classFieldIndex(uo.ClassID, v.chunk.Methods.Name(sym))
			if !ok {
				panic(newPanic(ErrInvalidArgument, instrPC, "", "no field %q on class %d", v.chunk.Methods.Name(sym), uo.ClassID))
			}
			offset = off
			if op == bytecode.OpFieldIC {
				code[instrPC] = byte(bytecode.OpField)
			} else {
				code[instrPC] = byte(bytecode.OpFieldRetain)
			}
		}
	default: // OpField, OpFieldRetain
		off, ok := v.classFieldIndex(uo.ClassID, v.chunk.Methods.Name(sym))
		if !ok {
			panic(newPanic(ErrInvalidArgument, instrPC, "", "no field %q on class %d", v.chunk.Methods.Name(sym), uo.ClassID))
		}
		offset = off
		binary.LittleEndian.PutUint16(code[instrPC+5:], uint16(uo.ClassID))
		binary.LittleEndian.PutUint16(code[instrPC+7:], uint16(offset))
		if op == bytecode.OpField {
			code[instrPC] = byte(bytecode.OpFieldIC)
		} else {
			code[instrPC] = byte(bytecode.OpFieldRetainIC)
		}
	}

	val := uo.Fields[offset]
	if retain {
		rc.Retain(val)
	}
	v.stack.Set(dst, val)
}

// execSetField implements SetField/SetFieldRelease/SetFieldReleaseIC.
// SetFieldRelease embeds a (classID, offset) cache and becomes
// SetFieldReleaseIC, which deopts back on a class mismatch, as execField
// does; plain SetField resolves the field by name every time.
func (v *VM) execSetField(op bytecode.Op, instrPC uint32) {
	code := v.chunk.Code
	o := func(i uint32) byte { return code[instrPC+1+i] }
	recvReg := int(o(0))
	sym := u16At(code, instrPC+2)
	srcReg := int(o(3))
	uo := heap.Resolve(v.stack.Get(recvReg)).(*heap.UserObject)

	var offset int
	switch op {
	case bytecode.OpSetFieldReleaseIC:
		cachedClassID := uint32(u16At(code, instrPC+5))
		cachedOffset := int(u16At(code, instrPC+7))
		if cachedClassID == uo.ClassID {
			offset = cachedOffset
		} else {
			off, ok := v.classFieldIndex(uo.ClassID, v.chunk.Methods.Name(sym))
			if !ok {
				panic(newPanic(ErrInvalidArgument, instrPC, "", "no field %q on class %d", v.chunk.Methods.Name(sym), uo.ClassID))
			}
			offset = off
			code[instrPC] = byte(bytecode.OpSetFieldRelease)
		}
	default: // OpSetField, OpSetFieldRelease
		off, ok := v.classFieldIndex(uo.ClassID, v.chunk.Methods.Name(sym))
		if !ok {
			panic(newPanic(ErrInvalidArgument, instrPC, "", "no field %q on class %d", v.chunk.Methods.Name(sym), uo.ClassID))
		}
		offset = off
		if op == bytecode.OpSetFieldRelease {
			binary.LittleEndian.PutUint16(code[instrPC+5:], uint16(uo.ClassID))
			binary.LittleEndian.PutUint16(code[instrPC+7:], uint16(offset))
			code[instrPC] = byte(bytecode.OpSetFieldReleaseIC)
		}
	}

	old := uo.Fields[offset]
	uo.Fields[offset] = v.stack.Get(srcReg)
	if op == bytecode.OpSetFieldRelease || op == bytecode.OpSetFieldReleaseIC {
		rc.Release(old, v.gc)
	}
}

// execForRangeInit implements the self-modifying loop setup: it
// normalises the step to its absolute value, decides iteration direction,
// and patches the opcode byte of the paired ForRange/ForRangeReverse
// instruction living bodyLen bytes after this one.
func (v *VM) execForRangeInit(instrPC uint32, o func(uint32) byte, u16 func(uint32) uint16) {
	idxReg, endReg, stepReg := int(o(0)), int(o(1)), int(o(2))
	bodyLen := u16(3)

	step := v.stack.Get(stepReg).AsInteger()
	if step < 0 {
		step = -step
	}
	v.stack.Set(stepReg, value.Int(step))

	start := v.stack.Get(idxReg).AsInteger()
	end := v.stack.Get(endReg).AsInteger()
	patchPC := instrPC + 6 + uint32(bodyLen)
	if start <= end {
		v.chunk.Code[patchPC] = byte(bytecode.OpForRange)
	} else {
		v.chunk.Code[patchPC] = byte(bytecode.OpForRangeReverse)
	}
}

// execForRangeStep implements ForRange (dir=+1) and ForRangeReverse
// (dir=-1): advance idxReg by dir*step, and report whether the loop
// should continue (jump back by backOffset) or fall through.
func (v *VM) execForRangeStep(instrPC uint32, o func(uint32) byte, u16 func(uint32) uint16, dir int64) (jump bool, target uint32) {
	idxReg, endReg, stepReg := int(o(0)), int(o(1)), int(o(2))
	backOffset := u16(3)

	idx := v.stack.Get(idxReg).AsInteger()
	step := v.stack.Get(stepReg).AsInteger()
	next := idx + dir*step
	end := v.stack.Get(endReg).AsInteger()

	v.stack.Set(idxReg, value.Int(next))
	if (dir > 0 && next < end) || (dir < 0 && next > end) {
		return true, jumpTarget(instrPC, backOffset)
	}
	return false, 0
}
