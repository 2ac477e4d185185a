package value

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPrimitiveRoundTrip(t *testing.T) {
	require.True(t, None().IsNone())
	require.True(t, Bool(true).IsBool())
	require.True(t, Bool(true).AsBool())
	require.False(t, Bool(false).AsBool())
	require.True(t, Int(42).IsInteger())
	require.EqualValues(t, 42, Int(42).AsInteger())
	require.True(t, ErrorSym(7).IsError())
	require.EqualValues(t, 7, ErrorSym(7).Payload())
	require.True(t, Symbol(3).IsSymbol())
	require.True(t, StaticASCIIString(1).IsFloat() == false)
}

func TestIntegerWrapsAt48Bits(t *testing.T) {
	// 2^47-1 is the max positive 48-bit int; 2^47 itself is out of range.
	max47 := int64(1)<<47 - 1
	require.Equal(t, max47, Int(max47).AsInteger())

	// overflow wraps modulo 2^48 rather than promoting, for AddInt/SubInt.
	overflowed := AddInt(Int(max47), Int(1))
	require.Equal(t, -(int64(1) << 47), overflowed.AsInteger())
}

func TestMixedIntFloatPromotesToFloat(t *testing.T) {
	// the value package itself doesn't implement Add (that's vm/builtins),
	// but ToF64 is the promotion primitive every numeric opcode uses.
	iv := Int(3)
	f, ok := iv.ToF64()
	require.True(t, ok)
	require.Equal(t, 3.0, f)
}

func TestFloatNaNIsCanonicalAndDistinctFromTags(t *testing.T) {
	nan := Float(math.NaN())
	require.True(t, nan.IsFloat())
	require.True(t, math.IsNaN(nan.AsFloat()))

	// the sentinel must not be misread as any other tag.
	require.False(t, nan.IsNone())
	require.False(t, nan.IsInteger())
	require.False(t, nan.IsError())
	require.False(t, nan.IsHeap())
}

func TestHeapPointerRoundTrip(t *testing.T) {
	p := Ptr(0xDEADBEEF00)
	require.True(t, p.IsHeap())
	require.False(t, p.IsFloat())
	require.EqualValues(t, 0xDEADBEEF00, p.AsPtr())
}

func TestFloatPassthroughForOrdinaryDoubles(t *testing.T) {
	for _, f := range []float64{0, 1.5, -1.5, math.Inf(1), math.Inf(-1), math.MaxFloat64, math.SmallestNonzeroFloat64} {
		v := Float(f)
		require.True(t, v.IsFloat(), "f=%v", f)
		require.Equal(t, f, v.AsFloat())
	}
}

func TestEqualsContentVsIdentity(t *testing.T) {
	assert.True(t, Equals(Int(5), Int(5)))
	assert.False(t, Equals(Int(5), Int(6)))
	assert.True(t, Equals(Float(1.5), Float(1.5)))
	assert.False(t, Equals(Float(math.NaN()), Float(math.NaN())), "NaN never equals itself")
	assert.True(t, Equals(None(), None()))
}

func TestRawBitsRoundTrip(t *testing.T) {
	v := Int(-12345)
	got := FromRawBits(v.RawBits())
	require.Equal(t, v, got)
}
