package bytecode

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/Airtune/cyber/value"
)

// buildArithmeticChunk assembles `1 + 2 * 3` using typed-float arithmetic
// opcodes, the smallest interesting arithmetic program.
func buildArithmeticChunk(t *testing.T) *Chunk {
	t.Helper()
	b := NewBuilder("arith")
	one := b.PushConst(value.Float(1))
	two := b.PushConst(value.Float(2))
	three := b.PushConst(value.Float(3))

	c1 := U16(one)
	b.Emit(OpConstOp, 1, c1[0], c1[1])
	c2 := U16(two)
	b.Emit(OpConstOp, 2, c2[0], c2[1])
	c3 := U16(three)
	b.Emit(OpConstOp, 3, c3[0], c3[1])
	b.Emit(OpMul, 2, 2, 3)
	b.Emit(OpAdd, 1, 1, 2)
	b.Emit(OpRet1, 1)
	b.Emit(OpEnd)

	return b.Chunk()
}

func TestBuilderEmitsFixedWidthInstructions(t *testing.T) {
	c := buildArithmeticChunk(t)
	require.Len(t, c.Code, 4+4+4+4+4+2+1)
}

func TestEncodeDecodeRoundTripsInstructionBytesAndConstants(t *testing.T) {
	c := buildArithmeticChunk(t)
	wire := c.Encode()

	decoded, err := Decode(wire)
	require.NoError(t, err)

	require.Equal(t, c.Code, decoded.Code, "instruction byte sequence must round-trip exactly")
	require.Len(t, decoded.Consts, len(c.Consts))
	for i := range c.Consts {
		require.Equal(t, c.Consts[i].RawBits(), decoded.Consts[i].RawBits())
	}
}

func TestEncodeDecodeRoundTripsHeapConstsAndSymbolTables(t *testing.T) {
	b := NewBuilder("strings")
	idx := b.PushStringConst("hello", true)
	m := b.InternMethod("len")
	s := b.InternStatic("PI")
	b.Emit(OpEnd)
	c := b.Chunk()

	decoded, err := Decode(c.Encode())
	require.NoError(t, err)

	require.Equal(t, c.HeapConsts[int(idx)], decoded.HeapConsts[int(idx)])
	require.Equal(t, "len", decoded.Methods.Name(m))
	require.Equal(t, "PI", decoded.Statics.Name(s))
}

// TestEncodeDecodeRoundTripsFunctionTable pins every FuncProto field,
// NumUpvalues included — a closure in a decoded chunk reads its capture
// count from there.
func TestEncodeDecodeRoundTripsFunctionTable(t *testing.T) {
	b := NewBuilder("funcs")
	b.Emit(OpEnd)
	b.AddFunc(FuncProto{Name: "outer", StartPC: 0, NumArgs: 2, NumLocals: 9})
	b.AddFunc(FuncProto{Name: "inner", StartPC: 0, NumLocals: 4, NumUpvalues: 2})
	b.AddFunc(FuncProto{Name: "host", IsNative: true, NativeIndex: 3, NumArgs: 1})

	decoded, err := Decode(b.Chunk().Encode())
	require.NoError(t, err)
	require.Equal(t, b.Chunk().Funcs, decoded.Funcs)
}

func TestDecodeRejectsTruncatedBuffer(t *testing.T) {
	c := buildArithmeticChunk(t)
	wire := c.Encode()
	_, err := Decode(wire[:len(wire)-1])
	require.Error(t, err)
}

func TestJumpPatchingProducesSignedRelativeOffset(t *testing.T) {
	b := NewBuilder("loop")
	start := b.Offset()
	b.Emit(OpNone, 1)
	patchPos := b.EmitJump(OpJump, 0)
	jumpOpcodePos := patchPos - 1
	b.Emit(OpEnd)
	b.PatchJump(patchPos, jumpOpcodePos, start)

	c := b.Chunk()
	// bytes at patchPos,patchPos+1 form a little-endian signed 16-bit
	// offset relative to the jump opcode byte, pointing back to start.
	lo, hi := c.Code[patchPos], c.Code[patchPos+1]
	rel := int16(uint16(lo) | uint16(hi)<<8)
	require.Equal(t, int32(start)-int32(jumpOpcodePos), int32(rel))
}

func TestSymTableInternIsIdempotent(t *testing.T) {
	var st SymTable
	a := st.Intern("foo")
	b := st.Intern("bar")
	c := st.Intern("foo")
	require.Equal(t, a, c)
	require.NotEqual(t, a, b)
	require.Len(t, st.Names, 2)
}

func TestDebugInfoLineForFindsNearestPrecedingRecord(t *testing.T) {
	var d DebugInfo
	d.Record(0, 1)
	d.Record(10, 2)
	d.Record(20, 3)

	require.EqualValues(t, 1, d.LineFor(5))
	require.EqualValues(t, 2, d.LineFor(15))
	require.EqualValues(t, 3, d.LineFor(20))
	require.EqualValues(t, 3, d.LineFor(1000))
}
