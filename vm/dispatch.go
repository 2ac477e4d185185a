// This file implements the instruction dispatch loop: a switch-dispatched
// interpreter over the fixed-width opcode stream defined in package
// bytecode. Calls, returns, inline-cache rewriting, and cooperative fiber
// switches all run through this same loop so control transfer stays a
// single, auditable place.
package vm

import (
	"encoding/binary"
	"fmt"

	"github.com/Airtune/cyber/bytecode"
	"github.com/Airtune/cyber/heap"
	"github.com/Airtune/cyber/rc"
	"github.com/Airtune/cyber/value"
)

// callFrameInfo records the closure (if any) a frame was entered through,
// threaded alongside the Stack's own frame-header chain since it is not
// part of the four-slot frame header. BoxValue/SetBoxValue do not read it:
// a closure's upvalues are copied into the callee's slots at call time.
type callFrameInfo struct {
	closure *heap.Closure
}

// execContext is a suspended resumer's state: the stack it was running on,
// the pc to resume at, and the absolute slot that should receive the
// value a paired Coyield/Coreturn produces.
type execContext struct {
	stack        *Stack
	pc           uint32
	frames       []callFrameInfo
	resultDstAbs int
	fiber        *heap.Fiber // nil when the resumer was running on the main stack
}

type runState struct {
	pc      uint32
	frames  []callFrameInfo
	resumer []execContext
}

// Eval loads chunk and runs its entry function (Funcs[0]) to completion,
// at the bytecode-artifact level. The textual-source-to-chunk step belongs
// to an external compiler; callers can also assemble a chunk with package
// bytecode's Builder.
func (v *VM) Eval(chunk *bytecode.Chunk) (result value.Value, code ResultCode, err error) {
	if len(chunk.Funcs) == 0 {
		return value.None(), ResultCompileError, fmt.Errorf("vm: chunk has no entry function")
	}
	v.loadChunk(chunk)

	entry := chunk.Funcs[0]
	if !v.stack.CheckOverflow(0, int(entry.NumLocals)) {
		return value.None(), ResultPanic, newPanic(ErrStackOverflow, 0, entry.Name, "stack overflow on entry")
	}
	v.stack.PushFrame(0, 0, 1, true, 0, 0)

	st := &runState{pc: entry.StartPC}
	defer func() {
		if r := recover(); r != nil {
			pe, ok := r.(*PanicError)
			if !ok {
				panic(r)
			}
			v.unwindOnPanic()
			result, code, err = value.None(), ResultPanic, pe
		}
	}()

	result = v.run(st)
	return result, ResultSuccess, nil
}

// Validate checks that chunk is well-formed enough to execute (every
// opcode byte known, every fixed-width instruction fits the buffer, every
// jump target in range) without running it.
func (v *VM) Validate(chunk *bytecode.Chunk) error {
	pc := uint32(0)
	for pc < uint32(len(chunk.Code)) {
		op := bytecode.Op(chunk.Code[pc])
		w := bytecode.Width(op)
		if w == 0 {
			return fmt.Errorf("vm: unknown opcode %d at pc=%d", op, pc)
		}
		if pc+uint32(w) > uint32(len(chunk.Code)) {
			return fmt.Errorf("vm: truncated instruction at pc=%d", pc)
		}
		var rel uint16
		switch op {
		case bytecode.OpJump:
			rel = u16At(chunk.Code, pc+1)
		case bytecode.OpJumpCond, bytecode.OpJumpNotCond, bytecode.OpJumpNotNone:
			rel = u16At(chunk.Code, pc+2)
		case bytecode.OpForRange, bytecode.OpForRangeReverse:
			rel = u16At(chunk.Code, pc+4)
		}
		if t := int64(pc) + int64(int16(rel)); t < 0 || t >= int64(len(chunk.Code)) {
			return fmt.Errorf("vm: jump target out of range at pc=%d", pc)
		}
		pc += uint32(w)
	}
	return nil
}

// loadChunk materialises heap constants (string literals) into the
// chunk's constant pool in place, so relocatable heap constants are
// resolved at load.
func (v *VM) loadChunk(chunk *bytecode.Chunk) {
	v.releaseChunkConsts()
	for idx, hc := range chunk.HeapConsts {
		switch hc.Kind {
		case bytecode.ConstKindStringASCII:
			chunk.Consts[idx] = heap.AddressOf(heap.NewStringASCII([]byte(hc.Str)))
		case bytecode.ConstKindStringUTF8:
			chunk.Consts[idx] = NewString(hc.Str)
		}
	}
	v.chunk = chunk
	v.ensureStatics(len(chunk.Statics.Names))
}

// unwindOnPanic releases every occupied slot across the whole active
// stack in one pass rather than walking per-frame release metadata; the
// externally observable effect, the refcount returning to baseline, is
// the same (see DESIGN.md).
func (v *VM) unwindOnPanic() {
	for i := 0; i < v.stack.SP; i++ {
		rc.Release(v.stack.Slots[i], v.gc)
		v.stack.Slots[i] = value.None()
	}
	v.stack.SP = 0
	v.stack.FP = 0
}

func u16At(code []byte, pos uint32) uint16 { return binary.LittleEndian.Uint16(code[pos:]) }

// run is the dispatch loop proper. It is re-entered by Coresume (which
// simply repoints v.stack/pc/frames and keeps looping) rather than
// recursing, keeping execution cooperative on a single goroutine.
func (v *VM) run(st *runState) value.Value {
	for {
		code := v.chunk.Code
		instrPC := st.pc
		op := bytecode.Op(code[instrPC])
		w := bytecode.Width(op)
		st.pc = instrPC + uint32(w)
		if v.verboseTrace {
			v.trace(instrPC, op)
		}
		o := func(i uint32) byte { return code[instrPC+1+i] }
		u16 := func(i uint32) uint16 { return u16At(code, instrPC+1+i) }

		switch op {
		case bytecode.OpNop:

		// ---- constants & literals ----
		case bytecode.OpConstOp:
			v.stack.Set(int(o(0)), v.chunk.Consts[u16(1)])
		case bytecode.OpConstI8:
			v.stack.Set(int(o(0)), value.Float(float64(int8(o(1)))))
		case bytecode.OpConstI8Int:
			v.stack.Set(int(o(0)), value.Int(int64(int8(o(1)))))
		case bytecode.OpTrue:
			v.stack.Set(int(o(0)), value.Bool(true))
		case bytecode.OpFalse:
			v.stack.Set(int(o(0)), value.Bool(false))
		case bytecode.OpNone:
			v.stack.Set(int(o(0)), value.None())
		case bytecode.OpTag, bytecode.OpTagLiteral:
			v.stack.Set(int(o(0)), value.Symbol(uint32(u16(1))))

		// ---- moves ----
		case bytecode.OpCopy:
			v.stack.Set(int(o(0)), v.stack.Get(int(o(1))))
		case bytecode.OpCopyReleaseDst:
			dst, src := int(o(0)), int(o(1))
			v.stack.Set(dst, rc.CopyReleaseDst(v.stack.Get(dst), v.stack.Get(src), v.gc))
		case bytecode.OpCopyRetainSrc:
			dst, src := int(o(0)), int(o(1))
			v.stack.Set(dst, rc.CopyRetainSrc(v.stack.Get(src)))
		case bytecode.OpCopyRetainRelease:
			dst, src := int(o(0)), int(o(1))
			v.stack.Set(dst, rc.CopyRetainRelease(v.stack.Get(dst), v.stack.Get(src), v.gc))
		case bytecode.OpRetain:
			rc.Retain(v.stack.Get(int(o(0))))
		case bytecode.OpRelease:
			reg := int(o(0))
			rc.Release(v.stack.Get(reg), v.gc)
			v.stack.Set(reg, value.None())
		case bytecode.OpReleaseN:
			start, n := int(o(0)), int(u16(1))
			for i := 0; i < n; i++ {
				rc.Release(v.stack.Get(start+i), v.gc)
				v.stack.Set(start+i, value.None())
			}

		// ---- arithmetic ----
		case bytecode.OpAdd, bytecode.OpSub, bytecode.OpMul, bytecode.OpDiv, bytecode.OpPow, bytecode.OpMod:
			v.dispatchBinaryArith(op, int(o(0)), int(o(1)), int(o(2)), instrPC)
		case bytecode.OpNeg:
			dst, src := int(o(0)), int(o(1))
			r, ok := Neg(v.stack.Get(src))
			if !ok {
				panic(newPanic(ErrInvalidArgument, instrPC, "", "Neg: non-numeric operand"))
			}
			v.stack.Set(dst, r)
		case bytecode.OpAddInt:
			v.stack.Set(int(o(0)), AddInt(v.stack.Get(int(o(1))), v.stack.Get(int(o(2)))))
		case bytecode.OpSubInt:
			v.stack.Set(int(o(0)), SubInt(v.stack.Get(int(o(1))), v.stack.Get(int(o(2)))))
		case bytecode.OpLessInt:
			v.stack.Set(int(o(0)), LessInt(v.stack.Get(int(o(1))), v.stack.Get(int(o(2)))))

		// ---- comparison / boolean ----
		case bytecode.OpCompare:
			v.stack.Set(int(o(0)), Compare(v.stack.Get(int(o(1))), v.stack.Get(int(o(2)))))
		case bytecode.OpCompareNot:
			v.stack.Set(int(o(0)), CompareNot(v.stack.Get(int(o(1))), v.stack.Get(int(o(2)))))
		case bytecode.OpLess, bytecode.OpGreater, bytecode.OpLessEqual, bytecode.OpGreaterEqual:
			v.dispatchCompare(op, int(o(0)), int(o(1)), int(o(2)), instrPC)
		case bytecode.OpNot:
			v.stack.Set(int(o(0)), Not(v.stack.Get(int(o(1)))))

		// ---- bitwise ----
		case bytecode.OpBitwiseAnd:
			v.stack.Set(int(o(0)), BitwiseAnd(v.stack.Get(int(o(1))), v.stack.Get(int(o(2)))))
		case bytecode.OpBitwiseOr:
			v.stack.Set(int(o(0)), BitwiseOr(v.stack.Get(int(o(1))), v.stack.Get(int(o(2)))))
		case bytecode.OpBitwiseXor:
			v.stack.Set(int(o(0)), BitwiseXor(v.stack.Get(int(o(1))), v.stack.Get(int(o(2)))))
		case bytecode.OpBitwiseNot:
			v.stack.Set(int(o(0)), BitwiseNot(v.stack.Get(int(o(1)))))
		case bytecode.OpLeftShift:
			v.stack.Set(int(o(0)), LeftShift(v.stack.Get(int(o(1))), v.stack.Get(int(o(2)))))
		case bytecode.OpRightShift:
			v.stack.Set(int(o(0)), RightShift(v.stack.Get(int(o(1))), v.stack.Get(int(o(2)))))

		// ---- control ----
		case bytecode.OpJump:
			st.pc = jumpTarget(instrPC, u16(0))
		case bytecode.OpJumpCond:
			if truthy(v.stack.Get(int(o(0)))) {
				st.pc = jumpTarget(instrPC, u16(1))
			}
		case bytecode.OpJumpNotCond:
			if !truthy(v.stack.Get(int(o(0)))) {
				st.pc = jumpTarget(instrPC, u16(1))
			}
		case bytecode.OpJumpNotNone:
			if !v.stack.Get(int(o(0))).IsNone() {
				st.pc = jumpTarget(instrPC, u16(1))
			}
		case bytecode.OpMatch:
			reg, constIdx, dst := int(o(0)), u16(1), int(o(3))
			v.stack.Set(dst, value.Bool(ContentEquals(v.stack.Get(reg), v.chunk.Consts[constIdx])))

		// ---- calls ----
		case bytecode.OpCall0:
			v.execCall(int(o(0)), uint16(o(1))|uint16(o(2))<<8, 0, st, instrPC)
		case bytecode.OpCall1:
			v.execCall(int(o(1)), uint16(o(2))|uint16(o(3))<<8, 1, st, instrPC)
			_ = o(0) // dst == startLocal by calling-convention; operand kept for opcode-width fidelity
		case bytecode.OpCallSym:
			v.execCallSym(int(o(0)), u16(1), o(3), st, instrPC)
		case bytecode.OpCallObjSym:
			v.execCallObjSym(op, instrPC, st)
		case bytecode.OpCallFuncIC, bytecode.OpCallNativeFuncIC:
			v.execCallFuncIC(op, instrPC, st)
		case bytecode.OpCallObjFuncIC, bytecode.OpCallObjNativeFuncIC:
			v.execCallObjSym(op, instrPC, st)
		case bytecode.OpRet0:
			if done, finalResult := v.execReturn(value.None(), st); done {
				return finalResult
			}
		case bytecode.OpRet1:
			result := v.stack.Get(int(o(0)))
			done, finalResult := v.execReturn(result, st)
			if done {
				return finalResult
			}

		// ---- aggregates ----
		case bytecode.OpList:
			dst, start, n := int(o(0)), int(o(1)), int(o(2))
			items := make([]value.Value, n)
			for i := 0; i < n; i++ {
				it := v.stack.Get(start + i)
				rc.Retain(it)
				items[i] = it
			}
			v.stack.Set(dst, NewList(items))
		case bytecode.OpMap:
			dst, start, n := int(o(0)), int(o(1)), int(o(2))
			m := NewMap(n)
			mobj := heap.Resolve(m).(*heap.Map)
			for i := 0; i < n; i += 2 {
				mapPut(mobj, v.stack.Get(start+i), v.stack.Get(start+i+1), v.gc)
			}
			v.stack.Set(dst, m)
		case bytecode.OpMapEmpty:
			v.stack.Set(int(o(0)), NewMap(0))
		case bytecode.OpObject, bytecode.OpObjectSmall:
			// Fields are populated by a following OpSetInitN; the field
			// count comes from the class registry, not from an operand
			// (the third operand byte is unused).
			dst, classID := int(o(0)), uint32(o(1))
			n := v.classNumFields(classID)
			v.stack.Set(dst, heap.AddressOf(heap.NewUserObject(classID, make([]value.Value, n))))
		case bytecode.OpSetInitN:
			obj, start, n := v.stack.Get(int(o(0))), int(o(1)), int(o(2))
			uo := heap.Resolve(obj).(*heap.UserObject)
			for i := 0; i < n; i++ {
				fv := v.stack.Get(start + i)
				rc.Retain(fv)
				rc.Release(uo.Fields[i], v.gc)
				uo.Fields[i] = fv
			}
		case bytecode.OpIndex:
			v.execIndex(Index, int(o(0)), int(o(1)), int(o(2)), instrPC)
		case bytecode.OpReverseIndex:
			v.execIndex(ReverseIndex, int(o(0)), int(o(1)), int(o(2)), instrPC)
		case bytecode.OpSetIndex, bytecode.OpSetIndexRelease:
			recv, key, val := v.stack.Get(int(o(0))), v.stack.Get(int(o(1))), v.stack.Get(int(o(2)))
			if !SetIndex(recv, key, val, v.gc) {
				panic(newPanic(ErrInvalidArgument, instrPC, "", "SetIndex: receiver not indexable"))
			}
			if op == bytecode.OpSetIndexRelease {
				rc.Release(val, v.gc)
				v.stack.Set(int(o(2)), value.None())
			}
		case bytecode.OpSlice:
			dst, recvReg, startReg, endReg := int(o(0)), int(o(1)), int(o(2)), int(o(3))
			r, ok := Slice(v.stack.Get(recvReg), v.stack.Get(startReg), v.stack.Get(endReg))
			if !ok {
				panic(newPanic(ErrInvalidArgument, instrPC, "", "Slice: receiver not sliceable"))
			}
			v.stack.Set(dst, r)
		case bytecode.OpField, bytecode.OpFieldIC:
			v.execField(op, instrPC, false)
		case bytecode.OpFieldRetain, bytecode.OpFieldRetainIC:
			v.execField(op, instrPC, true)
		case bytecode.OpFieldRelease:
			dst, recvReg, idx := int(o(0)), int(o(1)), int(o(2))
			recv := v.stack.Get(recvReg)
			val := heap.Resolve(recv).(*heap.UserObject).Fields[idx]
			// The receiver may be the field's last owner: take dst's
			// reference before the receiver's destructor can run.
			rc.Retain(val)
			rc.Release(recv, v.gc)
			v.stack.Set(recvReg, value.None())
			v.stack.Set(dst, val)
		case bytecode.OpSetField, bytecode.OpSetFieldRelease, bytecode.OpSetFieldReleaseIC:
			v.execSetField(op, instrPC)
		case bytecode.OpStringTemplate:
			dst, start, n := int(o(0)), int(o(1)), int(o(2))
			var buf []byte
			for i := 0; i < n; i++ {
				buf = append(buf, StringBytes(v.stack.Get(start+i))...)
			}
			v.stack.Set(dst, NewString(string(buf)))

		// ---- closures & boxes ----
		case bytecode.OpLambda:
			dst, funcIdx := int(o(0)), u16(1)
			proto := v.chunk.Funcs[funcIdx]
			v.stack.Set(dst, heap.AddressOf(heap.NewLambda(uint32(funcIdx), proto.NumArgs)))
		case bytecode.OpClosure:
			// operand layout: dst, funcIdxLo, funcIdxHi. The upvalue count
			// comes from FuncProto.NumUpvalues (not an operand byte — none
			// are left in this opcode's width budget); the Box pointers to
			// capture sit in the NumUpvalues registers immediately
			// preceding dst, mirroring the compiler's "build then move"
			// convention used elsewhere in this instruction set.
			dst, funcIdx := int(o(0)), u16(1)
			proto := v.chunk.Funcs[funcIdx]
			numUp := int(proto.NumUpvalues)
			ups := make([]value.Value, numUp)
			for i := 0; i < numUp; i++ {
				ups[i] = v.stack.Get(dst - numUp + i)
			}
			v.stack.Set(dst, heap.AddressOf(heap.NewClosure(uint32(funcIdx), ups, proto.NumArgs)))
		case bytecode.OpBox:
			dst, src := int(o(0)), int(o(1))
			v.stack.Set(dst, heap.AddressOf(heap.NewBox(v.stack.Get(src))))
		case bytecode.OpBoxValue:
			dst, boxReg := int(o(0)), int(o(1))
			v.stack.Set(dst, heap.Resolve(v.stack.Get(boxReg)).(*heap.Box).Slot)
		case bytecode.OpBoxValueRetain:
			dst, boxReg := int(o(0)), int(o(1))
			val := heap.Resolve(v.stack.Get(boxReg)).(*heap.Box).Slot
			rc.Retain(val)
			v.stack.Set(dst, val)
		case bytecode.OpSetBoxValue:
			boxReg, src := int(o(0)), int(o(1))
			heap.Resolve(v.stack.Get(boxReg)).(*heap.Box).Slot = v.stack.Get(src)
		case bytecode.OpSetBoxValueRelease:
			boxReg, src := int(o(0)), int(o(1))
			b := heap.Resolve(v.stack.Get(boxReg)).(*heap.Box)
			rc.Release(b.Slot, v.gc)
			b.Slot = v.stack.Get(src)

		// ---- iteration ----
		case bytecode.OpForRangeInit:
			v.execForRangeInit(instrPC, o, u16)
		case bytecode.OpForRange:
			if jump, target := v.execForRangeStep(instrPC, o, u16, +1); jump {
				st.pc = target
			}
		case bytecode.OpForRangeReverse:
			if jump, target := v.execForRangeStep(instrPC, o, u16, -1); jump {
				st.pc = target
			}

		// ---- statics ----
		case bytecode.OpStaticFunc, bytecode.OpSetStaticFunc:
			v.stack.Set(int(o(0)), value.Int(int64(u16(1))))
		case bytecode.OpStaticVar:
			v.stack.Set(int(o(0)), v.StaticVar(u16(1)))
		case bytecode.OpSetStaticVar:
			val := v.stack.Get(int(o(0)))
			rc.Retain(val)
			v.SetStaticVar(u16(1), val)
		case bytecode.OpSym:
			v.stack.Set(int(o(0)), value.Symbol(uint32(u16(1))))

		// ---- fibers ----
		case bytecode.OpCoinit:
			v.execCoinit(int(o(0)), int(o(1)), int(o(2)))
		case bytecode.OpCoresume:
			v.execCoresume(int(o(0)), int(o(1)), st)
		case bytecode.OpCoyield:
			if done := v.execCoyield(o, instrPC, st); done {
				return value.None()
			}
		case bytecode.OpCoreturn:
			if done, result := v.execCoreturnOp(o, st); done {
				return result
			}

		// ---- misc ----
		case bytecode.OpTryValue:
			reg := int(o(0))
			if v.stack.Get(reg).IsError() {
				done, result := v.execReturn(v.stack.Get(reg), st)
				if done {
					return result
				}
			}
		case bytecode.OpEnd:
			return value.None()

		default:
			panic(newPanic(ErrCompileError, instrPC, "", "unhandled opcode %v", op))
		}
	}
}

func jumpTarget(instrPC uint32, rel uint16) uint32 {
	return uint32(int32(instrPC) + int32(int16(rel)))
}

func (v *VM) dispatchBinaryArith(op bytecode.Op, dst, s1, s2 int, instrPC uint32) {
	a, b := v.stack.Get(s1), v.stack.Get(s2)
	var r value.Value
	var ok bool
	switch op {
	case bytecode.OpAdd:
		r, ok = Add(a, b)
	case bytecode.OpSub:
		r, ok = Sub(a, b)
	case bytecode.OpMul:
		r, ok = Mul(a, b)
	case bytecode.OpDiv:
		r, ok = Div(a, b)
	case bytecode.OpPow:
		r, ok = Pow(a, b)
	case bytecode.OpMod:
		r, ok = Mod(a, b)
	}
	if !ok {
		panic(newPanic(ErrInvalidArgument, instrPC, "", "%v: non-numeric operand", op))
	}
	v.stack.Set(dst, r)
}

func (v *VM) dispatchCompare(op bytecode.Op, dst, s1, s2 int, instrPC uint32) {
	a, b := v.stack.Get(s1), v.stack.Get(s2)
	var r value.Value
	var ok bool
	switch op {
	case bytecode.OpLess:
		r, ok = Less(a, b)
	case bytecode.OpGreater:
		r, ok = Greater(a, b)
	case bytecode.OpLessEqual:
		r, ok = LessEqual(a, b)
	case bytecode.OpGreaterEqual:
		r, ok = GreaterEqual(a, b)
	}
	if !ok {
		panic(newPanic(ErrInvalidArgument, instrPC, "", "%v: non-numeric operand", op))
	}
	v.stack.Set(dst, r)
}

func (v *VM) execIndex(fn func(value.Value, value.Value) (value.Value, bool), dst, recvReg, keyReg int, instrPC uint32) {
	r, ok := fn(v.stack.Get(recvReg), v.stack.Get(keyReg))
	if !ok {
		panic(newPanic(ErrInvalidArgument, instrPC, "", "Index: receiver not indexable"))
	}
	v.stack.Set(dst, r)
}
