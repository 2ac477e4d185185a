// Inline-cache embed/deopt logic for the call-site opcode families:
// CallObjSym (polymorphic method dispatch) and CallFuncIC (dynamic
// closure/lambda dispatch). Both keep the instruction's fixed width and
// rewrite only the opcode byte plus a handful of trailing cache bytes,
// mirroring the Field/SetField IC discipline in calls.go.
package vm

import (
	"encoding/binary"

	"github.com/Airtune/cyber/bytecode"
	"github.com/Airtune/cyber/heap"
	"github.com/Airtune/cyber/value"
)

// execCallObjSym implements CallObjSym/CallObjFuncIC/CallObjNativeFuncIC.
// Operand layout (9 bytes): startLocal, recvReg, symLo, symHi, wantReturns,
// then a 4-byte cache (cachedClassID u16, cachedFuncIdx u16) used only by
// the two IC forms.
func (v *VM) execCallObjSym(op bytecode.Op, instrPC uint32, st *runState) {
	code := v.chunk.Code
	o := func(i uint32) byte { return code[instrPC+1+i] }
	startLocal, recvReg := int(o(0)), int(o(1))
	sym := u16At(code, instrPC+3)
	wantReturns := o(4)

	recv := v.stack.Get(recvReg)
	uo, isObj := heap.Resolve(recv).(*heap.UserObject)
	if !isObj {
		panic(newPanic(ErrInvalidArgument, instrPC, "", "CallObjSym: receiver is not an object"))
	}

	var funcIdx uint16
	switch op {
	case bytecode.OpCallObjFuncIC, bytecode.OpCallObjNativeFuncIC:
		cachedClassID := uint32(u16At(code, instrPC+6))
		if cachedClassID == uo.ClassID {
			funcIdx = u16At(code, instrPC+8)
			v.doObjCall(startLocal, funcIdx, wantReturns, st, instrPC)
			return
		}
		// type mismatch: deopt to the polymorphic opcode and fall through
		// to a fresh resolution below.
		code[instrPC] = byte(bytecode.OpCallObjSym)
	}

	name := v.chunk.Methods.Name(sym)
	resolved, ok := v.resolveMethod(uo.ClassID, name)
	if !ok {
		panic(newPanic(ErrCompileError, instrPC, "", "no method %q on class %d", name, uo.ClassID))
	}
	funcIdx = resolved
	proto := v.chunk.Funcs[funcIdx]
	if code[instrPC] == byte(bytecode.OpCallObjSym) {
		newOp := bytecode.OpCallObjFuncIC
		if proto.IsNative {
			newOp = bytecode.OpCallObjNativeFuncIC
		}
		binary.LittleEndian.PutUint16(code[instrPC+6:], uint16(uo.ClassID))
		binary.LittleEndian.PutUint16(code[instrPC+8:], funcIdx)
		code[instrPC] = byte(newOp)
	}
	v.doObjCall(startLocal, funcIdx, wantReturns, st, instrPC)
}

func (v *VM) doObjCall(startLocal int, funcIdx uint16, wantReturns uint8, st *runState, instrPC uint32) {
	base := v.stack.FP + startLocal
	proto := v.chunk.Funcs[funcIdx]
	if proto.IsNative {
		v.invokeNative(proto, base, wantReturns, instrPC)
		return
	}
	v.pushCall(base, startLocal, proto, wantReturns, st, instrPC)
}

// execCallFuncIC implements CallFuncIC/CallNativeFuncIC: calling through a
// register holding a Closure or Lambda Value. Operand layout (9 bytes):
// startLocal, calleeReg, wantReturns, cachedFuncIdxLo, cachedFuncIdxHi,
// then 4 reserved bytes. The callee register is the source of truth (it
// can hold a different callable on every visit), so the cache is verified
// against its FuncID; the site is only rewritten when the target actually
// changed, keeping a monomorphic site's instruction bytes stable.
func (v *VM) execCallFuncIC(op bytecode.Op, instrPC uint32, st *runState) {
	code := v.chunk.Code
	o := func(i uint32) byte { return code[instrPC+1+i] }
	startLocal, calleeReg, wantReturns := int(o(0)), int(o(1)), o(2)

	callee := v.stack.Get(calleeReg)
	obj := heap.Resolve(callee)
	var funcIdx uint16
	var ups []value.Value
	switch t := obj.(type) {
	case *heap.Closure:
		funcIdx = uint16(t.FuncID)
		ups = t.Upvalues
	case *heap.Lambda:
		funcIdx = uint16(t.FuncID)
	default:
		panic(newPanic(ErrInvalidArgument, instrPC, "", "call target is not callable"))
	}

	proto := v.chunk.Funcs[funcIdx]
	wantOp := bytecode.OpCallFuncIC
	if proto.IsNative {
		wantOp = bytecode.OpCallNativeFuncIC
	}
	if u16At(code, instrPC+4) != funcIdx || op != wantOp {
		binary.LittleEndian.PutUint16(code[instrPC+4:], funcIdx)
		code[instrPC] = byte(wantOp)
	}

	base := v.stack.FP + startLocal
	if proto.IsNative {
		v.invokeNative(proto, base, wantReturns, instrPC)
		return
	}
	v.pushCall(base, startLocal, proto, wantReturns, st, instrPC)
	if cl, isClosure := obj.(*heap.Closure); isClosure {
		st.frames[len(st.frames)-1].closure = cl
	}
	for i, u := range ups {
		v.stack.SetAbs(base+frameHeaderSize+i, u)
	}
}
