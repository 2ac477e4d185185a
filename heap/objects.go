package heap

import (
	"unsafe"

	"github.com/Airtune/cyber/value"
)

// AddressOf returns the Value encoding of a pointer to o, for storing the
// object reference inline in a tagged Value. Every variant
// embeds Header as its first field, so the address of the struct and the
// address of its Header coincide.
func AddressOf(o Object) value.Value {
	return value.Ptr(uint64(uintptr(unsafe.Pointer(o.header()))))
}

// headerAt reinterprets a Value's packed address as a *Header. Caller must
// have already checked v.IsHeap().
func headerAt(v value.Value) *Header {
	return (*Header)(unsafe.Pointer(uintptr(v.AsPtr())))
}

// Resolve turns a heap-pointer Value back into its Object, dispatching on
// the stored TypeID. Every concrete cast below is sound because Header is
// always embedded at offset 0.
func Resolve(v value.Value) Object {
	h := headerAt(v)
	switch h.TypeID {
	case TypeList:
		return (*List)(unsafe.Pointer(h))
	case TypeMap:
		return (*Map)(unsafe.Pointer(h))
	case TypeStringASCII:
		return (*StringASCII)(unsafe.Pointer(h))
	case TypeStringUTF8:
		return (*StringUTF8)(unsafe.Pointer(h))
	case TypeStringSlice:
		return (*StringSlice)(unsafe.Pointer(h))
	case TypeRawString:
		return (*RawString)(unsafe.Pointer(h))
	case TypeRawStringSlice:
		return (*RawStringSlice)(unsafe.Pointer(h))
	case TypeClosure:
		return (*Closure)(unsafe.Pointer(h))
	case TypeLambda:
		return (*Lambda)(unsafe.Pointer(h))
	case TypeBox:
		return (*Box)(unsafe.Pointer(h))
	case TypeFiber:
		return (*Fiber)(unsafe.Pointer(h))
	case TypePointer, TypeFile, TypeDir, TypeDirIter:
		return (*ForeignHandle)(unsafe.Pointer(h))
	case TypeObject:
		return (*UserObject)(unsafe.Pointer(h))
	case TypeMetaType:
		return (*MetaType)(unsafe.Pointer(h))
	default:
		panic("heap: corrupt or unknown type id in Value pointer")
	}
}

// ---- List ----

type List struct {
	Header
	Items []value.Value
}

func NewList(items []value.Value) *List {
	l := &List{Items: items}
	initHeader(&l.Header, TypeList, false, l)
	return l
}

func (l *List) Children(fn func(value.Value)) {
	for _, it := range l.Items {
		fn(it)
	}
}

func (l *List) finalize(suppressChildren bool) {
	if !suppressChildren {
		return // Children are released by the generic destructor in rc.
	}
	l.Items = nil
}

// ---- Map (open-addressed, linear probing) ----

type mapSlot struct {
	key   value.Value
	val   value.Value
	used  bool
	tomb  bool
}

type Map struct {
	Header
	slots []mapSlot
	count int
}

func NewMap(capacityHint int) *Map {
	if capacityHint < 8 {
		capacityHint = 8
	}
	m := &Map{slots: make([]mapSlot, nextPow2(capacityHint*2))}
	initHeader(&m.Header, TypeMap, false, m)
	return m
}

func nextPow2(n int) int {
	p := 8
	for p < n {
		p <<= 1
	}
	return p
}

func (m *Map) Children(fn func(value.Value)) {
	for _, s := range m.slots {
		if s.used && !s.tomb {
			fn(s.key)
			fn(s.val)
		}
	}
}

func (m *Map) finalize(suppressChildren bool) {
	m.slots = nil
	m.count = 0
}

func (m *Map) hash(k value.Value) uint64 {
	// String keys hash by content so that two distinct string objects with
	// equal bytes land in the same probe chain the injected contentEq can
	// then match; every other key hashes its raw bit pattern (identity for
	// heap objects, bitwise value for primitives).
	if k.IsHeap() {
		switch s := Resolve(k).(type) {
		case *StringASCII:
			return hashBytes(s.Data)
		case *StringUTF8:
			return hashBytes(s.Data)
		case *StringSlice:
			return hashBytes(s.Bytes())
		case *RawString:
			return hashBytes(s.Data)
		case *RawStringSlice:
			return hashBytes(s.Bytes())
		}
	}
	return mix64(k.RawBits())
}

// mix64 is the MurmurHash3 fmix64 finalizer, a standard cheap avalanche mix.
func mix64(b uint64) uint64 {
	b ^= b >> 33
	b *= 0xff51afd7ed558ccd
	b ^= b >> 33
	b *= 0xc4ceb9fe1a85ec53
	b ^= b >> 33
	return b
}

// hashBytes is FNV-1a over the key's content bytes.
func hashBytes(data []byte) uint64 {
	h := uint64(0xcbf29ce484222325)
	for _, c := range data {
		h ^= uint64(c)
		h *= 0x100000001b3
	}
	return h
}

// Get looks up k using content equality for strings (handled by the
// caller's contentEquals, injected to avoid importing vm's string ops
// into heap) and identity/bitwise equality for everything else.
func (m *Map) Get(k value.Value, contentEq func(a, b value.Value) bool) (value.Value, bool) {
	if len(m.slots) == 0 {
		return value.None(), false
	}
	mask := uint64(len(m.slots) - 1)
	idx := m.hash(k) & mask
	for i := 0; i < len(m.slots); i++ {
		s := &m.slots[(idx+uint64(i))&mask]
		if !s.used {
			return value.None(), false
		}
		if !s.tomb && contentEq(s.key, k) {
			return s.val, true
		}
	}
	return value.None(), false
}

// Set stores k→v. A replaced entry keeps its original key object; the
// previous value is returned with inserted=false so the caller can release
// it. inserted=true means a brand-new entry now references both k and v —
// refcount adjustments are the caller's concern (package vm), since heap
// has no candidate tracker to release against.
func (m *Map) Set(k, v value.Value, contentEq func(a, b value.Value) bool) (prev value.Value, inserted bool) {
	if m.count*2 >= len(m.slots) {
		m.grow(contentEq)
	}
	mask := uint64(len(m.slots) - 1)
	idx := m.hash(k) & mask
	var firstTomb = -1
	for i := 0; i < len(m.slots); i++ {
		pos := (idx + uint64(i)) & mask
		s := &m.slots[pos]
		if s.used && !s.tomb && contentEq(s.key, k) {
			prev = s.val
			s.val = v
			return prev, false
		}
		if s.tomb && firstTomb < 0 {
			firstTomb = int(pos)
		}
		if !s.used {
			target := pos
			if firstTomb >= 0 {
				target = uint64(firstTomb)
			}
			m.slots[target] = mapSlot{key: k, val: v, used: true}
			m.count++
			return value.None(), true
		}
	}
	return value.None(), false
}

// Delete removes k's entry, returning the stored key and value so the
// caller can release the references the map held.
func (m *Map) Delete(k value.Value, contentEq func(a, b value.Value) bool) (key, val value.Value, ok bool) {
	if len(m.slots) == 0 {
		return value.None(), value.None(), false
	}
	mask := uint64(len(m.slots) - 1)
	idx := m.hash(k) & mask
	for i := 0; i < len(m.slots); i++ {
		s := &m.slots[(idx+uint64(i))&mask]
		if !s.used {
			return value.None(), value.None(), false
		}
		if !s.tomb && contentEq(s.key, k) {
			key, val = s.key, s.val
			s.key, s.val = value.None(), value.None()
			s.tomb = true
			m.count--
			return key, val, true
		}
	}
	return value.None(), value.None(), false
}

func (m *Map) Len() int { return m.count }

func (m *Map) grow(contentEq func(a, b value.Value) bool) {
	old := m.slots
	m.slots = make([]mapSlot, len(old)*2)
	m.count = 0
	for _, s := range old {
		if s.used && !s.tomb {
			m.Set(s.key, s.val, contentEq)
		}
	}
}

// ---- Strings ----

type StringASCII struct {
	Header
	Data []byte
}

func NewStringASCII(data []byte) *StringASCII {
	s := &StringASCII{Data: data}
	initHeader(&s.Header, TypeStringASCII, false, s)
	return s
}
func (s *StringASCII) Children(func(value.Value)) {}
func (s *StringASCII) finalize(bool)              { s.Data = nil }

type StringUTF8 struct {
	Header
	Data      []byte
	RuneCount int
}

func NewStringUTF8(data []byte, runeCount int) *StringUTF8 {
	s := &StringUTF8{Data: data, RuneCount: runeCount}
	initHeader(&s.Header, TypeStringUTF8, false, s)
	return s
}
func (s *StringUTF8) Children(func(value.Value)) {}
func (s *StringUTF8) finalize(bool)              { s.Data = nil }

// StringSlice is a view into an owning String's byte buffer. It retains
// the parent for its lifetime so the backing bytes stay alive.
type StringSlice struct {
	Header
	Parent Object
	Offset int
	Length int
	IsUTF8 bool
}

func NewStringSlice(parent Object, offset, length int, isUTF8 bool) *StringSlice {
	s := &StringSlice{Parent: parent, Offset: offset, Length: length, IsUTF8: isUTF8}
	initHeader(&s.Header, TypeStringSlice, false, s)
	return s
}
func (s *StringSlice) Children(fn func(value.Value)) {
	fn(AddressOf(s.Parent))
}
func (s *StringSlice) finalize(bool) { s.Parent = nil }

func (s *StringSlice) Bytes() []byte {
	switch p := s.Parent.(type) {
	case *StringASCII:
		return p.Data[s.Offset : s.Offset+s.Length]
	case *StringUTF8:
		return p.Data[s.Offset : s.Offset+s.Length]
	case *RawString:
		return p.Data[s.Offset : s.Offset+s.Length]
	default:
		panic("heap: string slice with non-string parent")
	}
}

// RawString/RawStringSlice carry bytes with no UTF-8 validity guarantee.
type RawString struct {
	Header
	Data []byte
}

func NewRawString(data []byte) *RawString {
	s := &RawString{Data: data}
	initHeader(&s.Header, TypeRawString, false, s)
	return s
}
func (s *RawString) Children(func(value.Value)) {}
func (s *RawString) finalize(bool)               { s.Data = nil }

type RawStringSlice struct {
	Header
	Parent Object
	Offset int
	Length int
}

func NewRawStringSlice(parent Object, offset, length int) *RawStringSlice {
	s := &RawStringSlice{Parent: parent, Offset: offset, Length: length}
	initHeader(&s.Header, TypeRawStringSlice, false, s)
	return s
}
func (s *RawStringSlice) Children(fn func(value.Value)) { fn(AddressOf(s.Parent)) }
func (s *RawStringSlice) finalize(bool)                 { s.Parent = nil }

func (s *RawStringSlice) Bytes() []byte {
	switch p := s.Parent.(type) {
	case *RawString:
		return p.Data[s.Offset : s.Offset+s.Length]
	default:
		panic("heap: raw string slice with non-raw-string parent")
	}
}

// ---- Closures, Lambdas, Boxes ----

// Closure is a function pointer plus captured upvalues (Box references)
// and a parameter count.
type Closure struct {
	Header
	FuncID     uint32
	Upvalues   []value.Value // each a heap pointer to a Box
	NumParams  uint8
}

func NewClosure(funcID uint32, upvalues []value.Value, numParams uint8) *Closure {
	c := &Closure{FuncID: funcID, Upvalues: upvalues, NumParams: numParams}
	initHeader(&c.Header, TypeClosure, false, c)
	return c
}
func (c *Closure) Children(fn func(value.Value)) {
	for _, u := range c.Upvalues {
		fn(u)
	}
}
func (c *Closure) finalize(suppressChildren bool) { c.Upvalues = nil }

// Lambda is a function pointer with no captures.
type Lambda struct {
	Header
	FuncID    uint32
	NumParams uint8
}

func NewLambda(funcID uint32, numParams uint8) *Lambda {
	l := &Lambda{FuncID: funcID, NumParams: numParams}
	initHeader(&l.Header, TypeLambda, false, l)
	return l
}
func (l *Lambda) Children(func(value.Value)) {}
func (l *Lambda) finalize(bool)              {}

// Box is a single-slot mutable cell used to share an upvalue between a
// closure and its enclosing frame.
type Box struct {
	Header
	Slot value.Value
}

func NewBox(v value.Value) *Box {
	b := getPooled[Box](TypeBox)
	*b = Box{Slot: v}
	initHeader(&b.Header, TypeBox, true, b)
	return b
}
func (b *Box) Children(fn func(value.Value)) { fn(b.Slot) }
func (b *Box) finalize(bool)                 { b.Slot = value.None() }

// ---- Foreign handles: Pointer, File, Dir, DirIter ----

// ForeignHandle models the four opaque foreign-handle variants. Kind
// distinguishes them for diagnostics; behavior is identical from the
// runtime's point of view (an opaque value with an optional finalizer).
type ForeignKind uint8

const (
	ForeignPointer ForeignKind = iota
	ForeignFile
	ForeignDir
	ForeignDirIter
)

type ForeignHandle struct {
	Header
	Kind     ForeignKind
	Handle   unsafe.Pointer
	Finalize func(unsafe.Pointer)
}

func NewForeignHandle(kind ForeignKind, handle unsafe.Pointer, finalize func(unsafe.Pointer)) *ForeignHandle {
	f := getPooled[ForeignHandle](TypePointer)
	*f = ForeignHandle{Kind: kind, Handle: handle, Finalize: finalize}
	typeID := TypePointer
	switch kind {
	case ForeignFile:
		typeID = TypeFile
	case ForeignDir:
		typeID = TypeDir
	case ForeignDirIter:
		typeID = TypeDirIter
	}
	initHeader(&f.Header, typeID, true, f)
	return f
}
func (f *ForeignHandle) Children(func(value.Value)) {}
func (f *ForeignHandle) finalize(bool) {
	if f.Finalize != nil {
		f.Finalize(f.Handle)
		f.Finalize = nil
	}
	f.Handle = nil
}

// ---- User objects ----

// UserObject is a user-defined struct instance: N Value fields.
type UserObject struct {
	Header
	ClassID uint32
	Fields  []value.Value
}

func NewUserObject(classID uint32, fields []value.Value) *UserObject {
	o := &UserObject{ClassID: classID, Fields: fields}
	initHeader(&o.Header, TypeObject, false, o)
	return o
}
func (o *UserObject) Children(fn func(value.Value)) {
	for _, f := range o.Fields {
		fn(f)
	}
}
func (o *UserObject) finalize(suppressChildren bool) { o.Fields = nil }

// ---- MetaType ----

// MetaType is a reflective handle to a type id.
type MetaType struct {
	Header
	Of TypeID
}

func NewMetaType(of TypeID) *MetaType {
	m := getPooled[MetaType](TypeMetaType)
	*m = MetaType{Of: of}
	initHeader(&m.Header, TypeMetaType, true, m)
	return m
}
func (m *MetaType) Children(func(value.Value)) {}
func (m *MetaType) finalize(bool)              {}

// ---- Fiber ----

type FiberState uint8

const (
	FiberInit FiberState = iota
	FiberExec
	FiberPaused
	FiberDone
)

// Fiber is the first-class coroutine object. Its Value stack is a plain
// heap-allocated slice rather than a separate machine stack, since the
// VM stack is independent of the host call stack.
type Fiber struct {
	Header
	Stack     []value.Value
	SP        int // number of occupied slots (also the next frame base for a fresh call)
	SavedPC   uint32
	SavedFP   int
	Caller    *Fiber
	State     FiberState
	Target    value.Value // callable (Closure/Lambda) bound at coinit
	BoundArgs []value.Value
	ResultVal value.Value // value produced by Coreturn, or passed by Coyield
}

func NewFiber(stackCap int, target value.Value, boundArgs []value.Value) *Fiber {
	f := &Fiber{
		Stack:     make([]value.Value, stackCap),
		Target:    target,
		BoundArgs: boundArgs,
		State:     FiberInit,
	}
	initHeader(&f.Header, TypeFiber, false, f)
	return f
}

func (f *Fiber) Children(fn func(value.Value)) {
	fn(f.Target)
	for _, a := range f.BoundArgs {
		fn(a)
	}
	for i := 0; i < f.SP; i++ {
		fn(f.Stack[i])
	}
	fn(f.ResultVal)
}

func (f *Fiber) finalize(suppressChildren bool) {
	f.Stack = nil
	f.BoundArgs = nil
	f.Caller = nil
}
