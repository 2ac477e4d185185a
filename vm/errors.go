package vm

import (
	"fmt"

	"github.com/pkg/errors"
)

// ErrorKind enumerates the runtime's abstract error kinds.
type ErrorKind uint8

const (
	ErrTokenError ErrorKind = iota
	ErrParseError
	ErrCompileError
	ErrPanic
	ErrStackOverflow
	ErrOutOfMemory
	ErrInvalidArgument
	ErrOutOfBounds
	ErrInvalidRune
	ErrAssertError
)

func (k ErrorKind) String() string {
	switch k {
	case ErrTokenError:
		return "TokenError"
	case ErrParseError:
		return "ParseError"
	case ErrCompileError:
		return "CompileError"
	case ErrPanic:
		return "Panic"
	case ErrStackOverflow:
		return "StackOverflow"
	case ErrOutOfMemory:
		return "OutOfMemory"
	case ErrInvalidArgument:
		return "InvalidArgument"
	case ErrOutOfBounds:
		return "OutOfBounds"
	case ErrInvalidRune:
		return "InvalidRune"
	case ErrAssertError:
		return "AssertError"
	default:
		return "Unknown"
	}
}

// ResultCode is the embedder-facing outcome of Eval.
type ResultCode uint8

const (
	ResultSuccess ResultCode = iota
	ResultTokenError
	ResultParseError
	ResultCompileError
	ResultPanic
	ResultUnknown
)

func (r ResultCode) String() string {
	switch r {
	case ResultSuccess:
		return "Success"
	case ResultTokenError:
		return "TokenError"
	case ResultParseError:
		return "ParseError"
	case ResultCompileError:
		return "CompileError"
	case ResultPanic:
		return "Panic"
	default:
		return "Unknown"
	}
}

// PanicError is an irrecoverable runtime error: the VM
// unwinds frames and returns this to the embedder with a diagnostic. Its
// cause is the formatted message wrapped once with github.com/pkg/errors'
// WithStack, so FormatError can append the Go stack trace recorded where
// the panic was raised; unwinding adds no further wrapping.
type PanicError struct {
	Kind  ErrorKind
	PC    uint32
	Frame string
	cause error
}

func newPanic(kind ErrorKind, pc uint32, frame string, format string, args ...any) *PanicError {
	return &PanicError{
		Kind:  kind,
		PC:    pc,
		Frame: frame,
		cause: errors.WithStack(fmt.Errorf(format, args...)),
	}
}

func (p *PanicError) Error() string {
	return fmt.Sprintf("%s at pc=%d (%s): %v", p.Kind, p.PC, p.Frame, p.cause)
}

// Unwrap exposes the wrapped cause so errors.Is/errors.As from either the
// standard library or github.com/pkg/errors work against it.
func (p *PanicError) Unwrap() error { return p.cause }

// FormatError renders p as a multi-line cause-chain diagnostic, using
// pkg/errors' %+v stack-trace verb.
func FormatError(p *PanicError) string {
	return fmt.Sprintf("%s\n%+v", p.Error(), p.cause)
}

// FormatError renders the diagnostic for a non-success Eval/Validate
// result, whatever concrete error it carries.
func (v *VM) FormatError(err error) string {
	if err == nil {
		return ""
	}
	var pe *PanicError
	if errors.As(err, &pe) {
		return FormatError(pe)
	}
	return err.Error()
}
