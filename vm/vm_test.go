package vm

import (
	"strings"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"github.com/Airtune/cyber/bytecode"
	"github.com/Airtune/cyber/heap"
	"github.com/Airtune/cyber/value"
)

var errAssertion = errors.New("assertion failed")

func freshVM(t *testing.T, stackCap int) *VM {
	t.Helper()
	heap.ResetGlobalRC()
	return New(stackCap)
}

func u16op(v uint16) (byte, byte) {
	b := bytecode.U16(v)
	return b[0], b[1]
}

// buildArith assembles `1 + 2 * 3` with float arithmetic opcodes. Registers
// start at 4 because slots 0-3 of the root frame hold the frame header.
func buildArith(t *testing.T) *bytecode.Chunk {
	t.Helper()
	b := bytecode.NewBuilder("arith")
	one := b.PushConst(value.Float(1))
	two := b.PushConst(value.Float(2))
	three := b.PushConst(value.Float(3))

	lo, hi := u16op(one)
	b.Emit(bytecode.OpConstOp, 4, lo, hi)
	lo, hi = u16op(two)
	b.Emit(bytecode.OpConstOp, 5, lo, hi)
	lo, hi = u16op(three)
	b.Emit(bytecode.OpConstOp, 6, lo, hi)
	b.Emit(bytecode.OpMul, 5, 5, 6)
	b.Emit(bytecode.OpAdd, 4, 4, 5)
	b.Emit(bytecode.OpRet1, 4)
	b.AddFunc(bytecode.FuncProto{Name: "main", StartPC: 0, NumLocals: 8})
	return b.Chunk()
}

// TestEvalArithmetic is end-to-end scenario 1: `1 + 2 * 3` evaluates to
// float 7.0 without touching the heap, and the global refcount delta across
// evaluation and teardown is zero.
func TestEvalArithmetic(t *testing.T) {
	v := freshVM(t, 0)
	chunk := buildArith(t)
	require.NoError(t, v.Validate(chunk))

	before := heap.Stats()
	result, code, err := v.Eval(chunk)
	require.NoError(t, err)
	require.Equal(t, ResultSuccess, code)
	require.True(t, result.IsFloat())
	require.Equal(t, 7.0, result.AsFloat())
	require.Equal(t, before, heap.Stats(), "pure float arithmetic must not allocate")

	v.Close()
	require.Zero(t, heap.GlobalRC())
}

// TestEvalListIndex is end-to-end scenario 2: `[1, 2, 3][1]` evaluates to
// integer 2 and teardown returns the global refcount to zero.
func TestEvalListIndex(t *testing.T) {
	v := freshVM(t, 0)
	b := bytecode.NewBuilder("list")
	b.Emit(bytecode.OpConstI8Int, 4, 1)
	b.Emit(bytecode.OpConstI8Int, 5, 2)
	b.Emit(bytecode.OpConstI8Int, 6, 3)
	b.Emit(bytecode.OpList, 7, 4, 3)
	b.Emit(bytecode.OpConstI8Int, 8, 1)
	b.Emit(bytecode.OpIndex, 9, 7, 8)
	b.Emit(bytecode.OpRelease, 7)
	b.Emit(bytecode.OpRet1, 9)
	b.AddFunc(bytecode.FuncProto{Name: "main", StartPC: 0, NumLocals: 8})

	result, code, err := v.Eval(b.Chunk())
	require.NoError(t, err)
	require.Equal(t, ResultSuccess, code)
	require.True(t, result.IsInteger())
	require.EqualValues(t, 2, result.AsInteger())

	v.Close()
	require.Zero(t, heap.GlobalRC())
}

// TestStackOverflowBoundary: a nullary call whose frame
// ends exactly at stack_end succeeds; one slot further raises StackOverflow.
func TestStackOverflowBoundary(t *testing.T) {
	build := func(startLocal byte) *bytecode.Chunk {
		b := bytecode.NewBuilder("deep")
		b.Emit(bytecode.OpCall0, startLocal, 1, 0)
		b.Emit(bytecode.OpRet0, 0)
		b.AddFunc(bytecode.FuncProto{Name: "main", StartPC: 0, NumLocals: 12})
		leafPC := b.Offset()
		b.Emit(bytecode.OpRet0, 0)
		b.AddFunc(bytecode.FuncProto{Name: "leaf", StartPC: leafPC, NumLocals: 0})
		return b.Chunk()
	}

	// capacity 16: a callee at startLocal 12 occupies slots 12..15 and fits.
	v := freshVM(t, 16)
	_, code, err := v.Eval(build(12))
	require.NoError(t, err)
	require.Equal(t, ResultSuccess, code)

	// startLocal 13 needs slot 16 and must overflow.
	v2 := freshVM(t, 16)
	_, code, err = v2.Eval(build(13))
	require.Equal(t, ResultPanic, code)
	var pe *PanicError
	require.ErrorAs(t, err, &pe)
	require.Equal(t, ErrStackOverflow, pe.Kind)
	require.Zero(t, heap.GlobalRC(), "panic unwinding must release everything it retained")
}

// TestForRangeInitPatchesLoopOpcode covers the self-modifying loop setup:
// direction is decided once, the placeholder loop opcode is rewritten in
// place, and iteration count is preserved in both directions.
func TestForRangeInitPatchesLoopOpcode(t *testing.T) {
	build := func(start, end int8) (*bytecode.Chunk, uint32) {
		b := bytecode.NewBuilder("loop")
		b.Emit(bytecode.OpConstI8Int, 4, byte(start))
		b.Emit(bytecode.OpConstI8Int, 5, byte(end))
		b.Emit(bytecode.OpConstI8Int, 6, 1)
		b.Emit(bytecode.OpConstI8Int, 7, 0)
		// body is ConstI8Int (3) + AddInt (4) = 7 bytes long.
		frInit := b.Emit(bytecode.OpForRangeInit, 4, 5, 6, 7, 0)
		bodyStart := frInit + 6
		b.Emit(bytecode.OpConstI8Int, 8, 1)
		b.Emit(bytecode.OpAddInt, 7, 7, 8)
		loopPC := b.Offset()
		back := uint16(int16(int32(bodyStart) - int32(loopPC)))
		lo, hi := u16op(back)
		b.Emit(bytecode.OpForRange, 4, 5, 6, lo, hi)
		b.Emit(bytecode.OpRet1, 7)
		b.AddFunc(bytecode.FuncProto{Name: "main", StartPC: 0, NumLocals: 8})
		return b.Chunk(), loopPC
	}

	v := freshVM(t, 0)
	chunk, loopPC := build(0, 5)
	result, code, err := v.Eval(chunk)
	require.NoError(t, err)
	require.Equal(t, ResultSuccess, code)
	require.EqualValues(t, 5, result.AsInteger())
	require.Equal(t, byte(bytecode.OpForRange), chunk.Code[loopPC])

	v2 := freshVM(t, 0)
	chunk, loopPC = build(5, 0)
	result, code, err = v2.Eval(chunk)
	require.NoError(t, err)
	require.Equal(t, ResultSuccess, code)
	require.EqualValues(t, 5, result.AsInteger(), "reverse iteration must run the same number of steps")
	require.Equal(t, byte(bytecode.OpForRangeReverse), chunk.Code[loopPC])
}

// TestStaticVarsPersistAcrossEvals exercises SetStaticVar/StaticVar,
// including release of a previous heap occupant on overwrite.
func TestStaticVarsPersistAcrossEvals(t *testing.T) {
	v := freshVM(t, 0)

	b := bytecode.NewBuilder("statics")
	b.InternStatic("g")
	s := b.PushStringConst("stale", true)
	lo, hi := u16op(s)
	b.Emit(bytecode.OpConstOp, 4, lo, hi)
	b.Emit(bytecode.OpRetain, 4)
	b.Emit(bytecode.OpSetStaticVar, 4, 0, 0)
	b.Emit(bytecode.OpRelease, 4)
	b.Emit(bytecode.OpConstI8Int, 5, 9)
	b.Emit(bytecode.OpSetStaticVar, 5, 0, 0) // displaces and releases the string
	b.Emit(bytecode.OpStaticVar, 6, 0, 0)
	b.Emit(bytecode.OpRet1, 6)
	b.AddFunc(bytecode.FuncProto{Name: "main", StartPC: 0, NumLocals: 8})

	result, code, err := v.Eval(b.Chunk())
	require.NoError(t, err)
	require.Equal(t, ResultSuccess, code)
	require.EqualValues(t, 9, result.AsInteger())

	// a second chunk still sees the same static slot.
	b2 := bytecode.NewBuilder("statics2")
	b2.InternStatic("g")
	b2.Emit(bytecode.OpStaticVar, 4, 0, 0)
	b2.Emit(bytecode.OpRet1, 4)
	b2.AddFunc(bytecode.FuncProto{Name: "main", StartPC: 0, NumLocals: 4})

	result, code, err = v.Eval(b2.Chunk())
	require.NoError(t, err)
	require.Equal(t, ResultSuccess, code)
	require.EqualValues(t, 9, result.AsInteger())

	v.Close()
	require.Zero(t, heap.GlobalRC())
}

// TestTryValueShortCircuitsErrors: an error Value produced by an
// out-of-bounds index is returned out of the expression by TryValue instead
// of flowing onward.
func TestTryValueShortCircuitsErrors(t *testing.T) {
	v := freshVM(t, 0)
	b := bytecode.NewBuilder("try")
	b.Emit(bytecode.OpConstI8Int, 4, 5)
	b.Emit(bytecode.OpConstI8Int, 5, 1)
	b.Emit(bytecode.OpConstI8Int, 6, 2)
	b.Emit(bytecode.OpList, 7, 5, 2)
	b.Emit(bytecode.OpIndex, 8, 7, 4)
	b.Emit(bytecode.OpTryValue, 8, 0)
	b.Emit(bytecode.OpRelease, 7) // not reached: TryValue returns early
	b.Emit(bytecode.OpRet1, 8)
	b.AddFunc(bytecode.FuncProto{Name: "main", StartPC: 0, NumLocals: 8})

	result, code, err := v.Eval(b.Chunk())
	require.NoError(t, err)
	require.Equal(t, ResultSuccess, code)
	require.True(t, result.IsError())
	require.Equal(t, SymOutOfBounds, result.Payload())

	v.Close()
	require.Zero(t, heap.GlobalRC(), "teardown must reclaim the list the early return left behind")
}

// TestJumpCondSkipsOverBody drives the jump family through the builder's
// patch workflow.
func TestJumpCondSkipsOverBody(t *testing.T) {
	v := freshVM(t, 0)
	b := bytecode.NewBuilder("jump")
	b.Emit(bytecode.OpConstI8Int, 5, 1)
	b.Emit(bytecode.OpTrue, 4)
	patch := b.EmitJump(bytecode.OpJumpCond, 4)
	jumpOp := patch - 2
	b.Emit(bytecode.OpConstI8Int, 5, 9) // skipped when the condition holds
	b.PatchJump(patch, jumpOp, b.Offset())
	b.Emit(bytecode.OpRet1, 5)
	b.AddFunc(bytecode.FuncProto{Name: "main", StartPC: 0, NumLocals: 4})

	result, code, err := v.Eval(b.Chunk())
	require.NoError(t, err)
	require.Equal(t, ResultSuccess, code)
	require.EqualValues(t, 1, result.AsInteger())
}

// TestMatchComparesAgainstConstant checks Match's content comparison.
func TestMatchComparesAgainstConstant(t *testing.T) {
	v := freshVM(t, 0)
	b := bytecode.NewBuilder("match")
	c := b.PushConst(value.Float(3))
	b.Emit(bytecode.OpConstI8, 4, 3)
	lo, hi := u16op(c)
	b.Emit(bytecode.OpMatch, 4, lo, hi, 5)
	b.Emit(bytecode.OpRet1, 5)
	b.AddFunc(bytecode.FuncProto{Name: "main", StartPC: 0, NumLocals: 4})

	result, code, err := v.Eval(b.Chunk())
	require.NoError(t, err)
	require.Equal(t, ResultSuccess, code)
	require.True(t, result.IsBool())
	require.True(t, result.AsBool())
}

// TestCallSymResolvesByName: a symbolic call resolves through the chunk's
// method table against the function table.
func TestCallSymResolvesByName(t *testing.T) {
	v := freshVM(t, 0)
	b := bytecode.NewBuilder("callsym")
	sym := b.InternMethod("helper")
	lo, hi := u16op(sym)
	b.Emit(bytecode.OpCallSym, 10, lo, hi, 1, 0)
	b.Emit(bytecode.OpRet1, 10)
	b.AddFunc(bytecode.FuncProto{Name: "main", StartPC: 0, NumLocals: 12})
	helperPC := b.Offset()
	b.Emit(bytecode.OpConstI8Int, 4, 3)
	b.Emit(bytecode.OpRet1, 4)
	b.AddFunc(bytecode.FuncProto{Name: "helper", StartPC: helperPC, NumLocals: 4})

	result, code, err := v.Eval(b.Chunk())
	require.NoError(t, err)
	require.Equal(t, ResultSuccess, code)
	require.EqualValues(t, 3, result.AsInteger())
}

// TestHostFunctionCall: a registered Go function is invoked
// through the native-call path with its arguments, and its result lands in
// the caller's register window.
func TestHostFunctionCall(t *testing.T) {
	v := freshVM(t, 0)
	idx := v.RegisterHostFunc(func(_ *VM, args []value.Value) (value.Value, error) {
		return value.Int(args[0].AsInteger() * 2), nil
	})

	b := bytecode.NewBuilder("host")
	b.Emit(bytecode.OpConstI8Int, 16, 21) // arg slot for a callee based at 12
	b.Emit(bytecode.OpCall1, 0, 12, 1, 0)
	b.Emit(bytecode.OpRet1, 12)
	b.AddFunc(bytecode.FuncProto{Name: "main", StartPC: 0, NumLocals: 16})
	b.AddFunc(bytecode.FuncProto{Name: "double", IsNative: true, NativeIndex: idx, NumArgs: 1})

	result, code, err := v.Eval(b.Chunk())
	require.NoError(t, err)
	require.Equal(t, ResultSuccess, code)
	require.EqualValues(t, 42, result.AsInteger())
}

// TestHostFunctionErrorBecomesPanic: a host function returning a Go error is
// the reserved panic sentinel and must surface as a Panic result.
func TestHostFunctionErrorBecomesPanic(t *testing.T) {
	v := freshVM(t, 0)
	idx := v.RegisterHostFunc(func(_ *VM, _ []value.Value) (value.Value, error) {
		return value.None(), errAssertion
	})

	b := bytecode.NewBuilder("hosterr")
	b.Emit(bytecode.OpCall0, 12, 1, 0)
	b.Emit(bytecode.OpRet0, 0)
	b.AddFunc(bytecode.FuncProto{Name: "main", StartPC: 0, NumLocals: 12})
	b.AddFunc(bytecode.FuncProto{Name: "boom", IsNative: true, NativeIndex: idx})

	_, code, err := v.Eval(b.Chunk())
	require.Equal(t, ResultPanic, code)
	var pe *PanicError
	require.ErrorAs(t, err, &pe)
	require.Equal(t, ErrPanic, pe.Kind)
	require.Contains(t, FormatError(pe), "assertion failed")
}

// TestStringTemplateConcatenates builds a string from chunk constants and
// checks chunk-constant ownership survives teardown.
func TestStringTemplateConcatenates(t *testing.T) {
	v := freshVM(t, 0)
	b := bytecode.NewBuilder("tmpl")
	s1 := b.PushStringConst("x=", true)
	s2 := b.PushStringConst("🦊", false)
	lo, hi := u16op(s1)
	b.Emit(bytecode.OpConstOp, 4, lo, hi)
	b.Emit(bytecode.OpRetain, 4)
	lo, hi = u16op(s2)
	b.Emit(bytecode.OpConstOp, 5, lo, hi)
	b.Emit(bytecode.OpRetain, 5)
	b.Emit(bytecode.OpStringTemplate, 6, 4, 2)
	lo, hi = u16op(2)
	b.Emit(bytecode.OpReleaseN, 4, lo, hi)
	b.Emit(bytecode.OpRet1, 6)
	b.AddFunc(bytecode.FuncProto{Name: "main", StartPC: 0, NumLocals: 8})

	result, code, err := v.Eval(b.Chunk())
	require.NoError(t, err)
	require.Equal(t, ResultSuccess, code)
	require.Equal(t, "x=🦊", string(StringBytes(result)))

	v.Close()
	require.Zero(t, heap.GlobalRC())
}

// TestClosureCapturesBoxedUpvalue: Box/Closure/BoxValue round-trip through a
// closure call, with the capture transferred move-style into the closure.
func TestClosureCapturesBoxedUpvalue(t *testing.T) {
	v := freshVM(t, 0)
	b := bytecode.NewBuilder("closure")
	b.Emit(bytecode.OpConstI8Int, 5, 7)
	b.Emit(bytecode.OpBox, 6, 5)
	b.Emit(bytecode.OpCopyRetainSrc, 7, 6, 0)
	b.Emit(bytecode.OpClosure, 8, 1, 0) // captures the box from slot 7
	b.Emit(bytecode.OpNone, 7)          // ownership moved into the closure
	b.Emit(bytecode.OpCallFuncIC, 9, 8, 1, 0, 0, 0, 0, 0, 0)
	b.Emit(bytecode.OpRelease, 6)
	b.Emit(bytecode.OpRelease, 8)
	b.Emit(bytecode.OpRet1, 9)
	b.AddFunc(bytecode.FuncProto{Name: "main", StartPC: 0, NumLocals: 16})
	clPC := b.Offset()
	b.Emit(bytecode.OpBoxValue, 5, 4)
	b.Emit(bytecode.OpRet1, 5)
	b.AddFunc(bytecode.FuncProto{Name: "inner", StartPC: clPC, NumLocals: 4, NumUpvalues: 1})

	result, code, err := v.Eval(b.Chunk())
	require.NoError(t, err)
	require.Equal(t, ResultSuccess, code)
	require.EqualValues(t, 7, result.AsInteger())

	v.Close()
	require.Zero(t, heap.GlobalRC())
}

// TestSetBoxValueReleaseSwapsCellContents covers the box mutation opcodes.
func TestSetBoxValueReleaseSwapsCellContents(t *testing.T) {
	v := freshVM(t, 0)
	b := bytecode.NewBuilder("box")
	b.Emit(bytecode.OpConstI8Int, 4, 1)
	b.Emit(bytecode.OpBox, 5, 4)
	b.Emit(bytecode.OpConstI8Int, 6, 2)
	b.Emit(bytecode.OpSetBoxValueRelease, 5, 6)
	b.Emit(bytecode.OpBoxValueRetain, 7, 5)
	b.Emit(bytecode.OpRelease, 5)
	b.Emit(bytecode.OpRet1, 7)
	b.AddFunc(bytecode.FuncProto{Name: "main", StartPC: 0, NumLocals: 8})

	result, code, err := v.Eval(b.Chunk())
	require.NoError(t, err)
	require.Equal(t, ResultSuccess, code)
	require.EqualValues(t, 2, result.AsInteger())

	v.Close()
	require.Zero(t, heap.GlobalRC())
}

// TestMapLiteralAndIndex drives the Map/Index opcodes end to end.
func TestMapLiteralAndIndex(t *testing.T) {
	v := freshVM(t, 0)
	b := bytecode.NewBuilder("map")
	b.Emit(bytecode.OpConstI8Int, 4, 1)
	b.Emit(bytecode.OpConstI8Int, 5, 2)
	b.Emit(bytecode.OpMap, 6, 4, 2)
	b.Emit(bytecode.OpConstI8Int, 7, 1)
	b.Emit(bytecode.OpIndex, 8, 6, 7)
	b.Emit(bytecode.OpRelease, 6)
	b.Emit(bytecode.OpRet1, 8)
	b.AddFunc(bytecode.FuncProto{Name: "main", StartPC: 0, NumLocals: 8})

	result, code, err := v.Eval(b.Chunk())
	require.NoError(t, err)
	require.Equal(t, ResultSuccess, code)
	require.EqualValues(t, 2, result.AsInteger())

	v.Close()
	require.Zero(t, heap.GlobalRC())
}

// TestFieldReleaseTransfersSoleOwnership: FieldRelease hands the field to
// its destination register and drops the receiver. When the receiver was
// the field's only owner, the destination's reference must survive the
// receiver's destruction and the refcount must still balance at teardown.
func TestFieldReleaseTransfersSoleOwnership(t *testing.T) {
	v := freshVM(t, 0)
	v.RegisterClass("Holder", []string{"x"})

	b := bytecode.NewBuilder("fieldrelease")
	b.Emit(bytecode.OpObject, 4, 0, 0)
	b.Emit(bytecode.OpConstI8Int, 6, 1)
	b.Emit(bytecode.OpList, 5, 6, 1)
	b.Emit(bytecode.OpSetInitN, 4, 5, 1)
	b.Emit(bytecode.OpRelease, 5) // the object is now the list's sole owner
	b.Emit(bytecode.OpFieldRelease, 7, 4, 0)
	b.Emit(bytecode.OpConstI8Int, 8, 0)
	b.Emit(bytecode.OpIndex, 9, 7, 8)
	b.Emit(bytecode.OpRelease, 7)
	b.Emit(bytecode.OpRet1, 9)
	b.AddFunc(bytecode.FuncProto{Name: "main", StartPC: 0, NumLocals: 8})

	result, code, err := v.Eval(b.Chunk())
	require.NoError(t, err)
	require.Equal(t, ResultSuccess, code)
	require.EqualValues(t, 1, result.AsInteger())

	v.Close()
	require.Zero(t, heap.GlobalRC())
}

// TestValidateRejectsMalformedChunks covers chunk validation.
func TestValidateRejectsMalformedChunks(t *testing.T) {
	v := freshVM(t, 0)
	chunk := buildArith(t)
	require.NoError(t, v.Validate(chunk))

	bad := buildArith(t)
	bad.Code = append(bad.Code, 0xEE)
	require.Error(t, v.Validate(bad), "an unknown opcode byte must be rejected")

	trunc := buildArith(t)
	trunc.Code = trunc.Code[:len(trunc.Code)-1]
	require.Error(t, v.Validate(trunc), "a truncated final instruction must be rejected")
}

// TestVerboseTraceEmitsPerInstructionLines wires the trace toggle
// through the print callback.
func TestVerboseTraceEmitsPerInstructionLines(t *testing.T) {
	v := freshVM(t, 0)
	var sb strings.Builder
	v.SetPrintFunc(func(s string) { sb.WriteString(s) })
	v.SetVerboseTrace(true)

	_, code, err := v.Eval(buildArith(t))
	require.NoError(t, err)
	require.Equal(t, ResultSuccess, code)
	require.Contains(t, sb.String(), "Mul")
	require.Contains(t, sb.String(), "Ret1")
}

// TestUserDataRoundTrip covers the embedder user-data hooks.
func TestUserDataRoundTrip(t *testing.T) {
	v := freshVM(t, 0)
	type payload struct{ n int }
	v.SetUserData(&payload{n: 5})
	require.Equal(t, 5, v.UserData().(*payload).n)
}
