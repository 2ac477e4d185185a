// This file implements the built-in operations the VM itself dispatches
// rather than delegating to a stdlib module: float and typed-integer
// arithmetic, comparison/equality, bitwise ops, and indexing over lists,
// maps, and strings (including the rune-count-bounded UTF-8 indexing
// rules).
package vm

import (
	"math"
	"unicode/utf8"

	"github.com/Airtune/cyber/heap"
	"github.com/Airtune/cyber/rc"
	"github.com/Airtune/cyber/value"
)

// ---- arithmetic (float path) ----

func arithF64(a, b value.Value, op func(x, y float64) float64) (value.Value, bool) {
	af, aok := a.ToF64()
	bf, bok := b.ToF64()
	if !aok || !bok {
		return value.None(), false
	}
	return value.Float(op(af, bf)), true
}

func Add(a, b value.Value) (value.Value, bool) {
	return arithF64(a, b, func(x, y float64) float64 { return x + y })
}
func Sub(a, b value.Value) (value.Value, bool) {
	return arithF64(a, b, func(x, y float64) float64 { return x - y })
}
func Mul(a, b value.Value) (value.Value, bool) {
	return arithF64(a, b, func(x, y float64) float64 { return x * y })
}

// Div of a float by zero yields ±∞/NaN per IEEE-754:
// ordinary floating-point division, never a value-level error.
func Div(a, b value.Value) (value.Value, bool) {
	return arithF64(a, b, func(x, y float64) float64 { return x / y })
}

func Pow(a, b value.Value) (value.Value, bool) {
	return arithF64(a, b, math.Pow)
}

// Mod follows host fmod semantics verbatim, including for negative
// operands.
func Mod(a, b value.Value) (value.Value, bool) {
	return arithF64(a, b, math.Mod)
}

func Neg(a value.Value) (value.Value, bool) {
	if a.IsInteger() {
		return value.Int(-a.AsInteger()), true
	}
	f, ok := a.ToF64()
	if !ok {
		return value.None(), false
	}
	return value.Float(-f), true
}

// AddInt/SubInt are the typed-integer fast paths: wraparound modulo 2^48,
// never promoting to float.
func AddInt(a, b value.Value) value.Value { return value.AddInt(a, b) }
func SubInt(a, b value.Value) value.Value { return value.SubInt(a, b) }

// ---- comparison ----

// numCompare orders two numeric-coercible Values, matching mixed
// integer/float promotion to float.
func numCompare(a, b value.Value) (int, bool) {
	af, aok := a.ToF64()
	bf, bok := b.ToF64()
	if !aok || !bok {
		return 0, false
	}
	switch {
	case af < bf:
		return -1, true
	case af > bf:
		return 1, true
	default:
		return 0, true
	}
}

func Less(a, b value.Value) (value.Value, bool) {
	c, ok := numCompare(a, b)
	if !ok {
		return value.None(), false
	}
	return value.Bool(c < 0), true
}
func Greater(a, b value.Value) (value.Value, bool) {
	c, ok := numCompare(a, b)
	if !ok {
		return value.None(), false
	}
	return value.Bool(c > 0), true
}
func LessEqual(a, b value.Value) (value.Value, bool) {
	c, ok := numCompare(a, b)
	if !ok {
		return value.None(), false
	}
	return value.Bool(c <= 0), true
}
func GreaterEqual(a, b value.Value) (value.Value, bool) {
	c, ok := numCompare(a, b)
	if !ok {
		return value.None(), false
	}
	return value.Bool(c > 0 || c == 0), true
}

// LessInt is the typed-integer fast path for Less, skipping the
// float-coercion slow path entirely.
func LessInt(a, b value.Value) value.Value {
	return value.Bool(a.AsInteger() < b.AsInteger())
}

func Not(a value.Value) value.Value { return value.Bool(!truthy(a)) }

func truthy(v value.Value) bool {
	switch {
	case v.IsBool():
		return v.AsBool()
	case v.IsNone():
		return false
	default:
		return true
	}
}

// ---- equality ----

// ContentEquals implements Compare/CompareNot and Map key lookups: bitwise
// equality for primitives, byte-content equality for heap strings
// (ASCII/UTF-8/slices all compare by their decoded bytes), and pointer
// identity for every other heap object variant.
func ContentEquals(a, b value.Value) bool {
	if a.IsHeap() && b.IsHeap() {
		if isStringValue(a) && isStringValue(b) {
			return stringContentEqual(a, b)
		}
		return a.AsPtr() == b.AsPtr()
	}
	if a.IsHeap() != b.IsHeap() {
		return false
	}
	return value.Equals(a, b)
}

func isStringValue(v value.Value) bool {
	switch heap.Resolve(v).(type) {
	case *heap.StringASCII, *heap.StringUTF8, *heap.StringSlice:
		return true
	default:
		return false
	}
}

func stringContentEqual(a, b value.Value) bool {
	ab, bb := StringBytes(a), StringBytes(b)
	if len(ab) != len(bb) {
		return false
	}
	for i := range ab {
		if ab[i] != bb[i] {
			return false
		}
	}
	return true
}

func Compare(a, b value.Value) value.Value  { return value.Bool(ContentEquals(a, b)) }
func CompareNot(a, b value.Value) value.Value { return value.Bool(!ContentEquals(a, b)) }

// ---- bitwise ----

func BitwiseAnd(a, b value.Value) value.Value { return value.Int(a.AsInteger() & b.AsInteger()) }
func BitwiseOr(a, b value.Value) value.Value  { return value.Int(a.AsInteger() | b.AsInteger()) }
func BitwiseXor(a, b value.Value) value.Value { return value.Int(a.AsInteger() ^ b.AsInteger()) }
func BitwiseNot(a value.Value) value.Value    { return value.Int(^a.AsInteger()) }
func LeftShift(a, b value.Value) value.Value {
	return value.Int(a.AsInteger() << uint(b.AsInteger()&63))
}
func RightShift(a, b value.Value) value.Value {
	return value.Int(a.AsInteger() >> uint(b.AsInteger()&63))
}

// ---- indexing ----

// Index implements the `Index` opcode over lists, maps, and strings.
// Returns (result, true) on success, or (error(#Symbol), true) for a
// value-level domain failure the TryValue opcode can short-circuit, or
// (_, false) only for a genuinely non-indexable receiver (a panic case at
// the call site).
func Index(receiver, key value.Value) (value.Value, bool) {
	if !receiver.IsHeap() {
		return value.None(), false
	}
	switch obj := heap.Resolve(receiver).(type) {
	case *heap.List:
		return indexList(obj, key)
	case *heap.Map:
		v, ok := obj.Get(key, ContentEquals)
		if !ok {
			return value.ErrorSym(SymOutOfBounds), true
		}
		return v, true
	case *heap.StringASCII, *heap.StringUTF8, *heap.StringSlice:
		return indexString(receiver, key)
	case *heap.RawString, *heap.RawStringSlice:
		return indexRawString(receiver, key)
	default:
		return value.None(), false
	}
}

func indexList(l *heap.List, key value.Value) (value.Value, bool) {
	if !key.IsInteger() {
		return value.None(), false
	}
	i := key.AsInteger()
	if i < 0 || i >= int64(len(l.Items)) {
		return value.ErrorSym(SymOutOfBounds), true
	}
	return l.Items[i], true
}

// ReverseIndex implements negative-from-end indexing (`a[-1]` style
// surface syntax lowers to this opcode so the interpreter never needs a
// conditional on the key's sign at every plain Index site).
func ReverseIndex(receiver, key value.Value) (value.Value, bool) {
	if !receiver.IsHeap() || !key.IsInteger() {
		return value.None(), false
	}
	switch obj := heap.Resolve(receiver).(type) {
	case *heap.List:
		i := int64(len(obj.Items)) - key.AsInteger()
		return indexList(obj, value.Int(i))
	default:
		n := int64(stringRuneLenFor(receiver))
		return indexString(receiver, value.Int(n-key.AsInteger()))
	}
}

// indexString implements the UTF-8 indexing rules:
// the bounds check uses the string's logical rune count, but the index is
// then used directly as a byte offset to decode the rune at that
// position — an index that is in bounds by rune count but lands on a
// UTF-8 continuation byte yields InvalidRune rather than a valid decode,
// exactly the documented str[3]/str[4]/str[8] behavior for
// 'abc🦊xyz🐶' (length 8 runes; byte offset 3 starts 🦊 validly, byte
// offset 4 is mid-rune, byte offset 8 is beyond the rune-count bound).
func indexString(receiver, key value.Value) (value.Value, bool) {
	if !key.IsInteger() {
		return value.None(), false
	}
	idx := key.AsInteger()
	n := int64(stringRuneLenFor(receiver))
	if idx < 0 || idx >= n {
		return value.ErrorSym(SymOutOfBounds), true
	}
	data := StringBytes(receiver)
	if isASCIIStringValue(receiver) {
		if idx >= int64(len(data)) {
			return value.ErrorSym(SymOutOfBounds), true
		}
		return sliceOfString(receiver, int(idx), 1, false), true
	}
	if idx >= int64(len(data)) {
		return value.ErrorSym(SymOutOfBounds), true
	}
	r, size := utf8.DecodeRune(data[idx:])
	if r == utf8.RuneError && size <= 1 {
		return value.ErrorSym(SymInvalidRune), true
	}
	return sliceOfString(receiver, int(idx), size, true), true
}

func isASCIIStringValue(v value.Value) bool {
	switch s := heap.Resolve(v).(type) {
	case *heap.StringASCII:
		return true
	case *heap.StringSlice:
		return !s.IsUTF8
	default:
		return false
	}
}

func stringRuneLenFor(v value.Value) int { return StringRunes(v) }

// sliceOfString builds the StringSlice heap object a successful index
// returns, owning a retained reference to the parent so the backing bytes
// outlive the slice.
func sliceOfString(parent value.Value, offset, length int, isUTF8 bool) value.Value {
	parentObj := heap.Resolve(parent)
	h := heap.HeaderOf(parentObj)
	h.RC++
	heap.AddGlobalRC(1)
	return heap.AddressOf(heap.NewStringSlice(parentObj, offset, length, isUTF8))
}

func indexRawString(receiver, key value.Value) (value.Value, bool) {
	if !key.IsInteger() {
		return value.None(), false
	}
	idx := key.AsInteger()
	data := StringBytes(receiver)
	if idx < 0 || idx >= int64(len(data)) {
		return value.ErrorSym(SymOutOfBounds), true
	}
	return sliceOfRawString(receiver, int(idx), 1), true
}

func sliceOfRawString(parent value.Value, offset, length int) value.Value {
	parentObj := heap.Resolve(parent)
	h := heap.HeaderOf(parentObj)
	h.RC++
	heap.AddGlobalRC(1)
	return heap.AddressOf(heap.NewRawStringSlice(parentObj, offset, length))
}

// SetIndex implements list/map element assignment. The container takes its
// own reference on the stored value (and key, for a new map entry) and
// releases whatever it displaced; the caller's register keeps its
// ownership, which is why SetIndexRelease exists as the consuming variant.
func SetIndex(receiver, key, val value.Value, tracker rc.CandidateTracker) bool {
	if !receiver.IsHeap() {
		return false
	}
	switch obj := heap.Resolve(receiver).(type) {
	case *heap.List:
		if !key.IsInteger() {
			return false
		}
		i := key.AsInteger()
		if i < 0 || i >= int64(len(obj.Items)) {
			return false
		}
		old := obj.Items[i]
		rc.Retain(val)
		obj.Items[i] = val
		rc.Release(old, tracker)
		return true
	case *heap.Map:
		mapPut(obj, key, val, tracker)
		return true
	default:
		return false
	}
}

// Slice implements the `Slice` opcode (half-open [start,end) range) over
// lists and strings.
func Slice(receiver, start, end value.Value) (value.Value, bool) {
	if !receiver.IsHeap() || !start.IsInteger() || !end.IsInteger() {
		return value.None(), false
	}
	s, e := start.AsInteger(), end.AsInteger()
	switch obj := heap.Resolve(receiver).(type) {
	case *heap.List:
		if s < 0 || e > int64(len(obj.Items)) || s > e {
			return value.ErrorSym(SymOutOfBounds), true
		}
		// A list slice is a fresh list owning its own references.
		for _, it := range obj.Items[s:e] {
			rc.Retain(it)
		}
		return NewList(obj.Items[s:e]), true
	default:
		n := int64(StringRunes(receiver))
		if s < 0 || e > n || s > e {
			return value.ErrorSym(SymOutOfBounds), true
		}
		data := StringBytes(receiver)
		if isASCIIStringValue(receiver) {
			return sliceOfString(receiver, int(s), int(e-s), false), true
		}
		if e > int64(len(data)) {
			return value.ErrorSym(SymOutOfBounds), true
		}
		return sliceOfString(receiver, int(s), int(e-s), true), true
	}
}
