// Package value implements the NaN-boxed 64-bit tagged Value representation
// used throughout the runtime.
//
// Any bit pattern that is a valid IEEE-754 double, other than the single
// reserved quiet-NaN family below, represents exactly that double. The
// reserved family is a quiet NaN (sign=0, exponent all ones, quiet bit set)
// carrying a 3-bit tag in bits [50:48] and a payload in the low bits. A
// quiet NaN with the sign bit set instead encodes a heap pointer.
//
// Tag 6 is reserved as the canonical "float NaN" sentinel: every NaN that
// arises from real arithmetic is normalized to this single pattern before
// it is stored in a Value (see Float), so it never collides with
// the other seven tags. Foreign NaN bit patterns that enter the VM without
// passing through Float are out of scope; exact IEEE-754 payload
// reproduction beyond what the host FPU provides is not a goal.
package value

import "math"

// Value is a NaN-boxed 64-bit tagged union.
type Value uint64

// Tag identifies the logical kind of a non-float, non-pointer Value.
type Tag uint8

const (
	TagNone             Tag = 0
	TagBool             Tag = 1
	TagError            Tag = 2
	TagSymbol           Tag = 3
	TagStaticASCIIStr   Tag = 4
	TagStaticUTF8Str    Tag = 5
	tagFloatNaN         Tag = 6 // reserved sentinel, never returned by Tag()
	TagInteger          Tag = 7
)

const (
	signBit    uint64 = 1 << 63
	expMask    uint64 = 0x7FF << 52
	quietBit   uint64 = 1 << 51
	qnanBase   uint64 = expMask | quietBit // sign=0, exponent all 1s, quiet bit set
	tagShift          = 48
	tagBits    uint64 = 0x7
	tagMask    uint64 = tagBits << tagShift
	payload32  uint64 = 0xFFFFFFFF
	payload48  uint64 = 0xFFFFFFFFFFFF // 48 bits

	// canonical sentinel for any NaN produced by VM arithmetic.
	floatNaNBits uint64 = qnanBase | (uint64(tagFloatNaN) << tagShift)
)

// isTagged reports whether bits match the reserved non-pointer tag family
// (sign clear, exponent all ones, quiet bit set).
func isTagged(bits uint64) bool {
	return bits&(signBit|expMask|quietBit) == (expMask | quietBit)
}

// isPointerPattern reports whether bits match the heap-pointer family
// (sign set, exponent all ones, quiet bit set).
func isPointerPattern(bits uint64) bool {
	return bits&(signBit|expMask|quietBit) == (signBit | expMask | quietBit)
}

// ---- constructors ----

// None returns the unit value.
func None() Value { return Value(qnanBase | uint64(TagNone)<<tagShift) }

// Bool returns a boxed boolean.
func Bool(b bool) Value {
	p := uint64(0)
	if b {
		p = 1
	}
	return Value(qnanBase | uint64(TagBool)<<tagShift | p)
}

// ErrorSym returns a value-level error carrying an interned error-symbol id.
func ErrorSym(symID uint32) Value {
	return Value(qnanBase | uint64(TagError)<<tagShift | uint64(symID)&payload32)
}

// Symbol returns an interned `#tag` literal value.
func Symbol(symID uint32) Value {
	return Value(qnanBase | uint64(TagSymbol)<<tagShift | uint64(symID)&payload32)
}

// StaticASCIIString returns a chunk-local ASCII constant-string reference.
func StaticASCIIString(strID uint32) Value {
	return Value(qnanBase | uint64(TagStaticASCIIStr)<<tagShift | uint64(strID)&payload32)
}

// StaticUTF8String returns a chunk-local UTF-8 constant-string reference.
func StaticUTF8String(strID uint32) Value {
	return Value(qnanBase | uint64(TagStaticUTF8Str)<<tagShift | uint64(strID)&payload32)
}

// Int returns a 48-bit signed integer Value. Values outside [-2^47, 2^47-1]
// are truncated to 48 bits, matching AddInt/SubInt's wraparound arithmetic.
func Int(i int64) Value {
	return Value(qnanBase | uint64(TagInteger)<<tagShift | (uint64(i) & payload48))
}

// Float returns a boxed float64, normalizing NaN to the canonical sentinel.
func Float(f float64) Value {
	if math.IsNaN(f) {
		return Value(floatNaNBits)
	}
	return Value(math.Float64bits(f))
}

// Ptr returns a heap-pointer Value. The caller must ensure the pointer fits
// in 48 bits, true of all current x86-64/ARM64 user-space addresses.
func Ptr(addr uint64) Value {
	return Value(signBit | expMask | quietBit | (addr & payload48))
}

// ---- predicates ----

func (v Value) bits() uint64 { return uint64(v) }

// IsFloat reports whether v represents a float64 (including the canonical
// NaN sentinel, ±Inf, and all ordinary doubles).
func (v Value) IsFloat() bool {
	b := v.bits()
	if !isTagged(b) && !isPointerPattern(b) {
		return true
	}
	return isTagged(b) && Tag((b&tagMask)>>tagShift) == tagFloatNaN
}

func (v Value) IsInteger() bool {
	b := v.bits()
	return isTagged(b) && Tag((b&tagMask)>>tagShift) == TagInteger
}

func (v Value) IsBool() bool {
	b := v.bits()
	return isTagged(b) && Tag((b&tagMask)>>tagShift) == TagBool
}

func (v Value) IsNone() bool {
	b := v.bits()
	return isTagged(b) && Tag((b&tagMask)>>tagShift) == TagNone
}

func (v Value) IsError() bool {
	b := v.bits()
	return isTagged(b) && Tag((b&tagMask)>>tagShift) == TagError
}

func (v Value) IsSymbol() bool {
	b := v.bits()
	return isTagged(b) && Tag((b&tagMask)>>tagShift) == TagSymbol
}

// IsHeap reports whether v is a pointer into the heap.
func (v Value) IsHeap() bool {
	return isPointerPattern(v.bits())
}

// IsPrimitive reports whether v holds its value inline (not on the heap).
func (v Value) IsPrimitive() bool { return !v.IsHeap() }

// Tag returns the non-float, non-pointer tag of v, or TagInteger/TagNone
// etc. It is only meaningful when v is not IsFloat()/IsHeap().
func (v Value) Tag() Tag {
	return Tag((v.bits() & tagMask) >> tagShift)
}

// TypeID returns a small discriminator useful for monomorphic inline
// caches and `Match` dispatch over primitives. Heap objects report their
// heap header's type id instead (see package heap); callers must check
// IsHeap first.
func (v Value) TypeID() uint32 {
	switch {
	case v.IsFloat():
		return uint32(TagInteger) + 1 // distinct from every tag below
	case v.IsHeap():
		return 0 // caller must resolve via the heap header
	default:
		return uint32(v.Tag())
	}
}

// ---- accessors ----

// AsFloat returns the IEEE double held by v. Caller must check IsFloat.
func (v Value) AsFloat() float64 {
	if v.Tag() == tagFloatNaN && isTagged(v.bits()) {
		return math.NaN()
	}
	return math.Float64frombits(v.bits())
}

// AsInteger returns the sign-extended 48-bit integer held by v.
func (v Value) AsInteger() int64 {
	raw := v.bits() & payload48
	// sign-extend bit 47 across the remaining 16 high bits.
	if raw&(1<<47) != 0 {
		raw |= ^payload48
	}
	return int64(raw)
}

// AsBool returns the boolean held by v.
func (v Value) AsBool() bool {
	return v.bits()&1 != 0
}

// AsPtr returns the 48-bit heap address held by v. Caller must check IsHeap.
func (v Value) AsPtr() uint64 {
	return v.bits() & payload48
}

// Payload returns the raw 32-bit payload for tag values 0-5 (error symbol
// id, interned symbol id, or static string id).
func (v Value) Payload() uint32 {
	return uint32(v.bits() & payload32)
}

// ToF64 implements the generic numeric coercion: none→0,
// bool→0/1, integer→float, float→itself. Heap objects are not handled here
// (callers resolve the heap slow path via package vm/heap).
func (v Value) ToF64() (f float64, ok bool) {
	switch {
	case v.IsFloat():
		return v.AsFloat(), true
	case v.IsInteger():
		return float64(v.AsInteger()), true
	case v.IsBool():
		if v.AsBool() {
			return 1, true
		}
		return 0, true
	case v.IsNone():
		return 0, true
	default:
		return 0, false
	}
}

// AddInt adds two 48-bit integer values, wrapping modulo 2^48.
func AddInt(a, b Value) Value {
	return Int(a.AsInteger() + b.AsInteger())
}

// SubInt subtracts two 48-bit integer values, wrapping modulo 2^48.
func SubInt(a, b Value) Value {
	return Int(a.AsInteger() - b.AsInteger())
}

// RawBits exposes the underlying 64-bit pattern, primarily for the bytecode
// constant-pool encoder and debug dumper.
func (v Value) RawBits() uint64 { return uint64(v) }

// FromRawBits reconstructs a Value from a previously-encoded bit pattern.
func FromRawBits(bits uint64) Value { return Value(bits) }

// Equals implements equality for primitive values:
// bitwise equality, except that the canonical NaN sentinel never equals
// itself (consistent with IEEE-754 NaN semantics) and ±0.0 compare equal.
// Heap-object content equality (strings by value, everything else by
// identity) is implemented in package heap, which has access to object
// bodies; this method only covers the primitive/pointer-identity case.
func Equals(a, b Value) bool {
	if a.IsFloat() && b.IsFloat() {
		af, bf := a.AsFloat(), b.AsFloat()
		if math.IsNaN(af) || math.IsNaN(bf) {
			return false
		}
		return af == bf
	}
	return uint64(a) == uint64(b)
}
