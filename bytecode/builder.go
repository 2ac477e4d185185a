package bytecode

import "github.com/Airtune/cyber/value"

// Builder is the in-repo chunk assembler: it lets Go code emit a Chunk
// instruction-by-instruction, typed by opcode and with jump patching. It
// is demo/test tooling, not a parser.
type Builder struct {
	chunk *Chunk
}

// NewBuilder starts assembling a fresh chunk named name.
func NewBuilder(name string) *Builder {
	return &Builder{chunk: New(name)}
}

// PushConst appends v to the constant pool and returns its index; equal
// constants are not deduplicated.
func (b *Builder) PushConst(v value.Value) uint16 {
	b.chunk.Consts = append(b.chunk.Consts, v)
	return uint16(len(b.chunk.Consts) - 1)
}

// PushStringConst interns a string constant that must be materialised on
// the heap at load time; returns its pool index.
// ascii selects the static-ASCII vs static-UTF8 string variant.
func (b *Builder) PushStringConst(s string, ascii bool) uint16 {
	idx := uint16(len(b.chunk.Consts))
	b.chunk.Consts = append(b.chunk.Consts, value.None()) // placeholder, resolved at load
	kind := ConstKindStringUTF8
	if ascii {
		kind = ConstKindStringASCII
	}
	b.chunk.HeapConsts[int(idx)] = HeapConst{Kind: kind, Str: s}
	return idx
}

// Offset returns the current instruction-stream write position, the
// position jump offsets are encoded relative to.
func (b *Builder) Offset() uint32 { return uint32(len(b.chunk.Code)) }

// Emit appends op and its raw little-endian operand bytes, panicking if
// the total length written doesn't match op's declared fixed width —
// catching an assembler bug immediately rather than producing a chunk
// with misaligned pc arithmetic.
func (b *Builder) Emit(op Op, operands ...byte) uint32 {
	pc := b.Offset()
	want := Width(op)
	if want == 0 {
		panic("bytecode: emitting unknown opcode")
	}
	if len(operands)+1 != want {
		panic("bytecode: operand length does not match opcode's fixed width")
	}
	b.chunk.Code = append(b.chunk.Code, byte(op))
	b.chunk.Code = append(b.chunk.Code, operands...)
	return pc
}

func u16le(v uint16) [2]byte { return [2]byte{byte(v), byte(v >> 8)} }
func u32le(v uint32) [4]byte {
	return [4]byte{byte(v), byte(v >> 8), byte(v >> 16), byte(v >> 24)}
}

// EmitJump emits a jump-family opcode with a placeholder 16-bit signed
// offset and returns the position of the offset field, for a later
// PatchJump once the target address is known.
func (b *Builder) EmitJump(op Op, dstSlot byte) uint32 {
	switch op {
	case OpJump:
		pc := b.Emit(op, 0, 0)
		return pc + 1
	case OpJumpCond, OpJumpNotCond, OpJumpNotNone:
		pc := b.Emit(op, dstSlot, 0, 0)
		return pc + 2
	default:
		panic("bytecode: not a jump opcode")
	}
}

// PatchJump writes target's offset (relative to the jump opcode's byte,
// signed 16-bit) into the two bytes at offsetPos.
func (b *Builder) PatchJump(offsetPos uint32, opcodeBytePos uint32, target uint32) {
	rel := int32(target) - int32(opcodeBytePos)
	if rel < -32768 || rel > 32767 {
		panic("bytecode: jump offset does not fit in a signed 16-bit field")
	}
	enc := u16le(uint16(int16(rel)))
	b.chunk.Code[offsetPos] = enc[0]
	b.chunk.Code[offsetPos+1] = enc[1]
}

// AddFunc registers a function prototype and returns its index into the
// chunk's function table.
func (b *Builder) AddFunc(f FuncProto) uint16 {
	b.chunk.Funcs = append(b.chunk.Funcs, f)
	return uint16(len(b.chunk.Funcs) - 1)
}

// InternMethod/InternStatic expose the chunk's symbol tables to callers
// assembling CallObjSym/Field*/StaticVar-family instructions.
func (b *Builder) InternMethod(name string) uint16 { return b.chunk.Methods.Intern(name) }
func (b *Builder) InternStatic(name string) uint16 { return b.chunk.Statics.Intern(name) }

// Chunk finalizes and returns the assembled chunk.
func (b *Builder) Chunk() *Chunk { return b.chunk }

// U16 and U32 split little-endian operand words into the byte pairs Emit
// expects, convenience helpers for call sites building multi-byte operand
// lists.
func U16(v uint16) [2]byte { return u16le(v) }
func U32(v uint32) [4]byte { return u32le(v) }
