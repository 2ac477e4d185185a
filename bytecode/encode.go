package bytecode

import (
	"encoding/binary"

	"github.com/pkg/errors"

	"github.com/Airtune/cyber/value"
)

// Encode serializes c to the chunk wire format: a header with counts, the
// constant pool (raw Value bit patterns, heap constants resolved by index
// against HeapConsts rather than inlined), the symbol tables, the function
// table, and the instruction buffer, all little-endian.
func (c *Chunk) Encode() []byte {
	var buf []byte

	buf = appendString(buf, c.Name)
	buf = appendU32(buf, uint32(len(c.Consts)))
	for i, v := range c.Consts {
		buf = appendU64(buf, v.RawBits())
		if hc, ok := c.HeapConsts[i]; ok {
			buf = append(buf, 1, byte(hc.Kind))
			buf = appendString(buf, hc.Str)
		} else {
			buf = append(buf, 0)
		}
	}

	buf = appendU32(buf, uint32(len(c.Methods.Names)))
	for _, n := range c.Methods.Names {
		buf = appendString(buf, n)
	}
	buf = appendU32(buf, uint32(len(c.Statics.Names)))
	for _, n := range c.Statics.Names {
		buf = appendString(buf, n)
	}

	buf = appendU32(buf, uint32(len(c.Funcs)))
	for _, f := range c.Funcs {
		buf = appendString(buf, f.Name)
		buf = appendU32(buf, f.StartPC)
		buf = append(buf, f.NumArgs)
		buf = appendU16(buf, f.NumLocals)
		buf = append(buf, f.NumUpvalues)
		native := byte(0)
		if f.IsNative {
			native = 1
		}
		buf = append(buf, native)
		buf = appendU16(buf, f.NativeIndex)
	}

	buf = appendU32(buf, uint32(len(c.Debug.Offsets)))
	for i := range c.Debug.Offsets {
		buf = appendU32(buf, c.Debug.Offsets[i])
		buf = appendU32(buf, c.Debug.Lines[i])
	}

	buf = appendU32(buf, uint32(len(c.Code)))
	buf = append(buf, c.Code...)

	return buf
}

// Decode parses the wire format produced by Encode, returning an error
// (wrapped with github.com/pkg/errors for a diagnostic cause chain) if
// the buffer is truncated or malformed.
func Decode(data []byte) (*Chunk, error) {
	r := &reader{buf: data}
	c := New("")

	name, err := r.readString()
	if err != nil {
		return nil, errors.Wrap(err, "chunk name")
	}
	c.Name = name

	nConsts, err := r.readU32()
	if err != nil {
		return nil, errors.Wrap(err, "const pool count")
	}
	c.Consts = make([]value.Value, nConsts)
	for i := range c.Consts {
		bits, err := r.readU64()
		if err != nil {
			return nil, errors.Wrapf(err, "const[%d] bits", i)
		}
		c.Consts[i] = value.FromRawBits(bits)
		hasHeap, err := r.readByte()
		if err != nil {
			return nil, errors.Wrapf(err, "const[%d] heap flag", i)
		}
		if hasHeap == 1 {
			kind, err := r.readByte()
			if err != nil {
				return nil, errors.Wrapf(err, "const[%d] heap kind", i)
			}
			s, err := r.readString()
			if err != nil {
				return nil, errors.Wrapf(err, "const[%d] heap string", i)
			}
			c.HeapConsts[i] = HeapConst{Kind: ConstKind(kind), Str: s}
		}
	}

	c.Methods.Names, err = r.readStringSlice()
	if err != nil {
		return nil, errors.Wrap(err, "method symbol table")
	}
	c.Statics.Names, err = r.readStringSlice()
	if err != nil {
		return nil, errors.Wrap(err, "static symbol table")
	}

	nFuncs, err := r.readU32()
	if err != nil {
		return nil, errors.Wrap(err, "function table count")
	}
	c.Funcs = make([]FuncProto, nFuncs)
	for i := range c.Funcs {
		f := &c.Funcs[i]
		if f.Name, err = r.readString(); err != nil {
			return nil, errors.Wrapf(err, "func[%d] name", i)
		}
		if f.StartPC, err = r.readU32(); err != nil {
			return nil, errors.Wrapf(err, "func[%d] startPC", i)
		}
		if f.NumArgs, err = r.readByte(); err != nil {
			return nil, errors.Wrapf(err, "func[%d] numArgs", i)
		}
		if f.NumLocals, err = r.readU16(); err != nil {
			return nil, errors.Wrapf(err, "func[%d] numLocals", i)
		}
		if f.NumUpvalues, err = r.readByte(); err != nil {
			return nil, errors.Wrapf(err, "func[%d] numUpvalues", i)
		}
		native, err := r.readByte()
		if err != nil {
			return nil, errors.Wrapf(err, "func[%d] native flag", i)
		}
		f.IsNative = native == 1
		if f.NativeIndex, err = r.readU16(); err != nil {
			return nil, errors.Wrapf(err, "func[%d] nativeIndex", i)
		}
	}

	nDebug, err := r.readU32()
	if err != nil {
		return nil, errors.Wrap(err, "debug record count")
	}
	c.Debug.Offsets = make([]uint32, nDebug)
	c.Debug.Lines = make([]uint32, nDebug)
	for i := uint32(0); i < nDebug; i++ {
		if c.Debug.Offsets[i], err = r.readU32(); err != nil {
			return nil, errors.Wrapf(err, "debug[%d] offset", i)
		}
		if c.Debug.Lines[i], err = r.readU32(); err != nil {
			return nil, errors.Wrapf(err, "debug[%d] line", i)
		}
	}

	nCode, err := r.readU32()
	if err != nil {
		return nil, errors.Wrap(err, "code length")
	}
	c.Code, err = r.readBytes(int(nCode))
	if err != nil {
		return nil, errors.Wrap(err, "instruction buffer")
	}

	return c, nil
}

// ---- little-endian primitive helpers ----

func appendU16(buf []byte, v uint16) []byte {
	var tmp [2]byte
	binary.LittleEndian.PutUint16(tmp[:], v)
	return append(buf, tmp[:]...)
}

func appendU32(buf []byte, v uint32) []byte {
	var tmp [4]byte
	binary.LittleEndian.PutUint32(tmp[:], v)
	return append(buf, tmp[:]...)
}

func appendU64(buf []byte, v uint64) []byte {
	var tmp [8]byte
	binary.LittleEndian.PutUint64(tmp[:], v)
	return append(buf, tmp[:]...)
}

func appendString(buf []byte, s string) []byte {
	buf = appendU32(buf, uint32(len(s)))
	return append(buf, s...)
}

type reader struct {
	buf []byte
	pos int
}

var errTruncated = errors.New("truncated chunk buffer")

func (r *reader) readBytes(n int) ([]byte, error) {
	if r.pos+n > len(r.buf) {
		return nil, errTruncated
	}
	out := r.buf[r.pos : r.pos+n]
	r.pos += n
	return out, nil
}

func (r *reader) readByte() (byte, error) {
	b, err := r.readBytes(1)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

func (r *reader) readU16() (uint16, error) {
	b, err := r.readBytes(2)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(b), nil
}

func (r *reader) readU32() (uint32, error) {
	b, err := r.readBytes(4)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b), nil
}

func (r *reader) readU64() (uint64, error) {
	b, err := r.readBytes(8)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(b), nil
}

func (r *reader) readString() (string, error) {
	n, err := r.readU32()
	if err != nil {
		return "", err
	}
	b, err := r.readBytes(int(n))
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func (r *reader) readStringSlice() ([]string, error) {
	n, err := r.readU32()
	if err != nil {
		return nil, err
	}
	out := make([]string, n)
	for i := range out {
		if out[i], err = r.readString(); err != nil {
			return nil, errors.Wrapf(err, "string[%d]", i)
		}
	}
	return out, nil
}
