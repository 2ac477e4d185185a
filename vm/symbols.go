package vm

// Well-known error-symbol ids for value-level errors (error(#Symbol) is a
// first-class Value). These are the symbols the
// runtime itself raises from built-in operations (string/list/map
// indexing); a compiler may intern additional user-defined symbols above
// this range via InternErrorSymbol.
const (
	SymOutOfBounds uint32 = iota
	SymInvalidRune
	SymInvalidChar
	SymInvalidArgument
	SymAssertError
	symBuiltinCount
)

var builtinSymbolNames = [symBuiltinCount]string{
	SymOutOfBounds:     "OutOfBounds",
	SymInvalidRune:     "InvalidRune",
	SymInvalidChar:     "InvalidChar",
	SymInvalidArgument: "InvalidArgument",
	SymAssertError:     "AssertError",
}

// symbolNames holds every interned error-symbol name, builtins first.
var symbolNames = append([]string(nil), builtinSymbolNames[:]...)

// InternErrorSymbol returns the id for name, interning it if this is the
// first use, so user-defined error symbols (`error(#MyError)`) share the
// same namespace as the builtins above.
func InternErrorSymbol(name string) uint32 {
	for i, n := range symbolNames {
		if n == name {
			return uint32(i)
		}
	}
	symbolNames = append(symbolNames, name)
	return uint32(len(symbolNames) - 1)
}

// ErrorSymbolName returns the interned name for an error-symbol id, or ""
// if unknown.
func ErrorSymbolName(id uint32) string {
	if int(id) >= len(symbolNames) {
		return ""
	}
	return symbolNames[id]
}
