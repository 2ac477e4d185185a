package vm

import (
	"unicode/utf8"

	"github.com/Airtune/cyber/heap"
	"github.com/Airtune/cyber/rc"
	"github.com/Airtune/cyber/value"
)

// NewList/NewMap/NewString/... construct primitive and heap values for
// embedders and the interpreter loop. Every constructor returns a heap Value already at
// RC=1, owned by the caller (the embedder or the interpreter loop).

// NewList allocates a heap List seeded with items (copied, not retained —
// callers that hand over already-owned values should Retain them first if
// they intend to keep their own reference too).
func NewList(items []value.Value) value.Value {
	return heap.AddressOf(heap.NewList(append([]value.Value(nil), items...)))
}

// NewMap allocates an empty heap Map with capacityHint pre-sized slots.
func NewMap(capacityHint int) value.Value {
	return heap.AddressOf(heap.NewMap(capacityHint))
}

// NewString allocates a heap string, choosing the ASCII or UTF-8 variant
// (and precomputing the rune count for the latter).
func NewString(s string) value.Value {
	if isASCII(s) {
		return heap.AddressOf(heap.NewStringASCII([]byte(s)))
	}
	return heap.AddressOf(heap.NewStringUTF8([]byte(s), utf8.RuneCountInString(s)))
}

// NewRawString allocates a byte string with no UTF-8 validity guarantee.
func NewRawString(b []byte) value.Value {
	return heap.AddressOf(heap.NewRawString(append([]byte(nil), b...)))
}

func isASCII(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] >= 0x80 {
			return false
		}
	}
	return true
}

// ---- accessors: querying list/map/string contents ----

// ListLen reports the length of a heap List Value.
func ListLen(v value.Value) int {
	return len(heap.Resolve(v).(*heap.List).Items)
}

// ListGet reads element i of a heap List without adjusting refcounts; the
// caller retains if it stores the result somewhere persistent.
func ListGet(v value.Value, i int) value.Value {
	return heap.Resolve(v).(*heap.List).Items[i]
}

// MapLen reports the number of live entries in a heap Map Value.
func MapLen(v value.Value) int {
	return heap.Resolve(v).(*heap.Map).Len()
}

// MapGet looks up key in a heap Map using the VM's content-aware equality
// (strings by content, everything else by identity).
func MapGet(v, key value.Value) (value.Value, bool) {
	return heap.Resolve(v).(*heap.Map).Get(key, ContentEquals)
}

// MapSet stores key->val into a heap Map, using content-aware key equality.
// The map takes its own references: a new entry retains both key and val, a
// replacement retains val and releases the value it displaced (the original
// key object is kept).
func MapSet(v, key, val value.Value) {
	mapPut(heap.Resolve(v).(*heap.Map), key, val, nil)
}

func mapPut(m *heap.Map, key, val value.Value, tracker rc.CandidateTracker) {
	prev, inserted := m.Set(key, val, ContentEquals)
	rc.Retain(val)
	if inserted {
		rc.Retain(key)
	} else {
		rc.Release(prev, tracker)
	}
}

// MapDelete removes key from a heap Map, releasing the references the map
// held on the stored key and value, and reports whether it was present.
func MapDelete(v, key value.Value) bool {
	k, val, ok := heap.Resolve(v).(*heap.Map).Delete(key, ContentEquals)
	if !ok {
		return false
	}
	rc.Release(k, nil)
	rc.Release(val, nil)
	return true
}

// StringBytes returns the raw UTF-8 (or ASCII) bytes backing a heap string
// Value, regardless of which string variant it is.
func StringBytes(v value.Value) []byte {
	switch s := heap.Resolve(v).(type) {
	case *heap.StringASCII:
		return s.Data
	case *heap.StringUTF8:
		return s.Data
	case *heap.StringSlice:
		return s.Bytes()
	case *heap.RawString:
		return s.Data
	case *heap.RawStringSlice:
		return s.Bytes()
	default:
		panic("vm: StringBytes on non-string Value")
	}
}

// StringRunes returns the rune count of a heap string Value: the
// precomputed count for UTF-8 strings, the byte length for ASCII (every
// byte is one rune), and a decode for slices.
func StringRunes(v value.Value) int {
	switch s := heap.Resolve(v).(type) {
	case *heap.StringASCII:
		return len(s.Data)
	case *heap.StringUTF8:
		return s.RuneCount
	case *heap.StringSlice:
		if !s.IsUTF8 {
			return len(s.Bytes())
		}
		return utf8.RuneCount(s.Bytes())
	case *heap.RawString, *heap.RawStringSlice:
		return len(StringBytes(v))
	default:
		panic("vm: StringRunes on non-string Value")
	}
}
