// Cooperative fiber switching: Coinit creates a fiber bound
// to a callable plus its initial arguments; Coresume transfers control to
// it (pushing the resuming context onto runState.resumer); Coyield/
// Coreturn transfer control back, carrying a value. Everything happens on
// the same goroutine and the same dispatch loop — a "fiber switch" is
// just repointing v.stack/v.currentFiber and the loop's pc, never a real
// OS- or goroutine-level context switch.
package vm

import (
	"github.com/Airtune/cyber/heap"
	"github.com/Airtune/cyber/rc"
	"github.com/Airtune/cyber/value"
)

func callableFuncID(obj heap.Object) (uint32, *heap.Closure) {
	switch t := obj.(type) {
	case *heap.Closure:
		return t.FuncID, t
	case *heap.Lambda:
		return t.FuncID, nil
	default:
		return 0, nil
	}
}

// execCoinit implements Coinit: allocate a fiber bound to the callable in
// targetReg plus numArgs arguments starting at argStart (numArgs comes
// from the callable's own FuncProto, since the instruction has no spare
// operand bytes to carry it).
func (v *VM) execCoinit(dstReg, targetReg, argStart int) {
	target := v.stack.Get(targetReg)
	obj := heap.Resolve(target)
	funcIdx, _ := callableFuncID(obj)
	proto := v.chunk.Funcs[funcIdx]

	boundArgs := make([]value.Value, proto.NumArgs)
	for i := range boundArgs {
		a := v.stack.Get(argStart + i)
		rc.Retain(a)
		boundArgs[i] = a
	}
	rc.Retain(target)
	f := heap.NewFiber(DefaultStackCapacity, target, boundArgs)
	v.stack.Set(dstReg, heap.AddressOf(f))
}

// execCoresume implements Coresume: suspend the calling context (pushed
// onto st.resumer) and switch v.stack/pc to the target fiber, entering it
// fresh if this is its first resume or continuing from its last Coyield
// otherwise.
func (v *VM) execCoresume(dstReg, fiberReg int, st *runState) {
	fiberVal := v.stack.Get(fiberReg)
	target := heap.Resolve(fiberVal).(*heap.Fiber)
	if target.State == heap.FiberDone {
		v.stack.Set(dstReg, value.None())
		return
	}

	st.resumer = append(st.resumer, execContext{
		stack:        v.stack,
		pc:           st.pc,
		frames:       st.frames,
		resultDstAbs: v.stack.FP + dstReg,
		fiber:        v.currentFiber,
	})

	newStack := &Stack{Slots: target.Stack}
	var newPC uint32
	if target.State == heap.FiberInit {
		obj := heap.Resolve(target.Target)
		funcIdx, cl := callableFuncID(obj)
		proto := v.chunk.Funcs[funcIdx]
		if !newStack.CheckOverflow(0, int(proto.NumLocals)) {
			panic(newPanic(ErrStackOverflow, st.pc, proto.Name, "fiber stack overflow"))
		}
		newStack.PushFrame(0, 0, 1, true, 0, 0)
		for i, a := range target.BoundArgs {
			newStack.SetAbs(frameHeaderSize+i, a)
		}
		if cl != nil {
			for i, u := range cl.Upvalues {
				newStack.SetAbs(frameHeaderSize+len(target.BoundArgs)+i, u)
			}
		}
		newPC = proto.StartPC
	} else {
		newStack.FP = target.SavedFP
		newStack.SP = target.SP
		newPC = target.SavedPC
	}

	target.State = heap.FiberExec
	v.stack = newStack
	v.currentFiber = target
	st.pc = newPC
	st.frames = nil
}

// suspendFiberAndReturn implements the shared half of Coyield/Coreturn:
// save the current fiber's resumption state, pop the resumer context that
// issued the matching Coresume, and hand it val in its designated
// register.
func (v *VM) suspendFiberAndReturn(newState heap.FiberState, val value.Value, st *runState) {
	cur := v.currentFiber
	if cur == nil {
		panic(newPanic(ErrInvalidArgument, st.pc, "", "Coyield/Coreturn used outside a fiber"))
	}
	cur.SavedPC = st.pc
	cur.SavedFP = v.stack.FP
	cur.SP = v.stack.SP
	cur.State = newState
	if newState == heap.FiberDone {
		rc.Release(cur.ResultVal, v.gc)
		cur.ResultVal = val
	}

	n := len(st.resumer)
	rctx := st.resumer[n-1]
	st.resumer = st.resumer[:n-1]

	v.stack = rctx.stack
	v.currentFiber = rctx.fiber
	st.pc = rctx.pc
	st.frames = rctx.frames
	v.stack.SetAbs(rctx.resultDstAbs, val)
}

// execCoyield implements Coyield. Operand layout (2 bytes): hasValue
// flag, source register (meaningful only when hasValue is set).
func (v *VM) execCoyield(o func(uint32) byte, instrPC uint32, st *runState) bool {
	val := value.None()
	if o(0) != 0 {
		val = v.stack.Get(int(o(1)))
	}
	v.suspendFiberAndReturn(heap.FiberPaused, val, st)
	return false
}

// execCoreturnOp implements the explicit Coreturn opcode. Operand layout
// (1 byte): source register, or 0xFF for "no value" (fiber returns None).
func (v *VM) execCoreturnOp(o func(uint32) byte, st *runState) (bool, value.Value) {
	reg := o(0)
	val := value.None()
	if reg != 0xFF {
		val = v.stack.Get(int(reg))
	}
	return v.doCoreturn(val, st)
}

// doCoreturn is also reached implicitly when a fiber's entry function
// RETs from its root frame without an explicit Coreturn.
func (v *VM) doCoreturn(val value.Value, st *runState) (bool, value.Value) {
	v.suspendFiberAndReturn(heap.FiberDone, val, st)
	return false, value.None()
}
