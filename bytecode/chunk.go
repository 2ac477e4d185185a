package bytecode

import "github.com/Airtune/cyber/value"

// FuncProto describes one compiled function's entry point and frame shape,
// one entry of a Chunk's function table.
type FuncProto struct {
	Name      string
	StartPC   uint32
	NumArgs   uint8
	NumLocals uint16
	IsNative  bool
	// NativeIndex indexes vm.HostFunc registrations for
	// IsNative functions; otherwise unused.
	NativeIndex uint16
	// NumUpvalues is the closure's captured-variable count, read by
	// OpClosure to know how many registers preceding its destination hold
	// the Box values to capture (the instruction itself has no room left
	// to encode a count explicitly).
	NumUpvalues uint8
}

// SymTable maps the interned method/field/static names used by CallSym,
// CallObjSym, Field*, SetField*, StaticVar-family instructions to the
// small integer indices actually encoded in the instruction stream.
type SymTable struct {
	Names []string
}

func (t *SymTable) Intern(name string) uint16 {
	for i, n := range t.Names {
		if n == name {
			return uint16(i)
		}
	}
	t.Names = append(t.Names, name)
	return uint16(len(t.Names) - 1)
}

func (t *SymTable) Name(id uint16) string {
	if int(id) >= len(t.Names) {
		return ""
	}
	return t.Names[id]
}

// DebugInfo maps instruction offsets back to source lines for error
// reports; kept minimal since the lexer
// and line-tracking compiler that would populate this richly are out of
// scope.
type DebugInfo struct {
	// Lines[i] is the source line for the instruction starting at the i-th
	// recorded offset; Offsets is parallel and strictly increasing.
	Offsets []uint32
	Lines   []uint32
}

func (d *DebugInfo) Record(offset uint32, line uint32) {
	d.Offsets = append(d.Offsets, offset)
	d.Lines = append(d.Lines, line)
}

// LineFor returns the source line associated with the instruction at pc,
// or 0 if no debug record covers it.
func (d *DebugInfo) LineFor(pc uint32) uint32 {
	line := uint32(0)
	for i, off := range d.Offsets {
		if off > pc {
			break
		}
		line = d.Lines[i]
	}
	return line
}

// Chunk is the read-only-once-loaded compiled artifact for one source
// module: a
// constant pool, the instruction stream, a function table, symbol tables,
// and debug info. HeapConsts holds the seed contents for any constant
// pool slot that is a heap object (e.g. a string literal) — these are
// materialised into real heap objects at load time by the VM, since a
// Chunk itself must not own live refcounted objects while sitting unused
// in storage.
type Chunk struct {
	Name string

	Consts     []value.Value
	HeapConsts map[int]HeapConst

	Code []byte

	Funcs    []FuncProto
	Methods  SymTable
	Statics  SymTable
	Debug    DebugInfo
}

// HeapConst describes a constant-pool slot whose value must be
// materialised on the heap at load time rather than encoded as a raw
// Value bit pattern (e.g. string contents, which don't fit in a tagged
// 64-bit payload once they exceed a few bytes).
type HeapConst struct {
	Kind ConstKind
	Str  string
}

type ConstKind uint8

const (
	ConstKindNone ConstKind = iota
	ConstKindStringASCII
	ConstKindStringUTF8
)

// New returns an empty chunk ready for a Builder to populate.
func New(name string) *Chunk {
	return &Chunk{Name: name, HeapConsts: map[int]HeapConst{}}
}
