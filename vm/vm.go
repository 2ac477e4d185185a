package vm

import (
	"fmt"

	"github.com/Airtune/cyber/bytecode"
	"github.com/Airtune/cyber/gc"
	"github.com/Airtune/cyber/heap"
	"github.com/Airtune/cyber/internal/introspect"
	"github.com/Airtune/cyber/rc"
	"github.com/Airtune/cyber/value"
)

// Version/BuildCommit/BuildDate are the build/version/commit introspection
// strings exposed to embedders. The zero values are the out-of-the-box
// defaults; an embedder building this module links in real values with
// `-ldflags "-X github.com/Airtune/cyber/vm.Version=..."`.
var (
	Version     = "dev"
	BuildCommit = "unknown"
	BuildDate   = "unknown"
)

// ModuleResolver turns a module specifier string used by an `import` into
// a module id the loader can act on. How resolution actually works
// (filesystem, registry, ...) is the embedder's concern; the VM only
// calls through this hook.
type ModuleResolver func(spec string) (moduleID uint32, err error)

// ModuleLoader supplies a chunk plus host function/type/var registrations
// for a resolved module id.
type ModuleLoader func(vm *VM, moduleID uint32) (*bytecode.Chunk, error)

// HostFunc is a Go closure backing a native function table entry,
// invoked by CallSym/CallNativeFuncIC-family opcodes when FuncProto.IsNative
// is set. Returning a non-nil error is the reserved panic sentinel: the VM
// checks it and unwinds.
type HostFunc func(vm *VM, args []value.Value) (value.Value, error)

// PrintFunc backs the embedder's print callback.
type PrintFunc func(s string)

// VM is one independent interpreter instance. It owns
// its main fiber's stack, the cycle collector, the loaded chunk, and the
// host function/module-loader hooks.
type VM struct {
	chunk *bytecode.Chunk
	stack *Stack
	gc    *gc.Collector

	// currentFiber is the coroutine currently executing; nil means
	// "running on the main stack".
	currentFiber *heap.Fiber

	hostFuncs []HostFunc

	resolver ModuleResolver
	loader   ModuleLoader
	printFn  PrintFunc
	userData any

	verboseTrace bool

	// statics holds the chunk's static variable slots.
	statics []value.Value

	// classes/methodTables back the object-field and method-dispatch
	// opcodes: a minimal class-shape registry an embedder populates via
	// RegisterClass/RegisterMethod. A compiler supplying a richer type
	// system would populate these itself.
	classes      []classInfo
	methodTables map[uint32]map[string]uint16
}

// New creates a VM with the given stack capacity (0 selects
// DefaultStackCapacity).
func New(stackCapacity int) *VM {
	if stackCapacity <= 0 {
		stackCapacity = DefaultStackCapacity
	}
	return &VM{
		stack: NewStack(stackCapacity),
		gc:    gc.New(),
	}
}

// Close tears the VM down: releases every value still
// reachable from the stack and static table, then runs a final GC pass so
// cycles are reclaimed too. After Close, with RC tracking enabled, a
// caller can assert heap.GlobalRC() == 0 for a program that ran to
// completion cleanly.
func (v *VM) Close() {
	for i := 0; i < v.stack.SP; i++ {
		rc.Release(v.stack.Slots[i], v.gc)
		v.stack.Slots[i] = value.None()
	}
	v.stack.SP = 0
	v.stack.FP = 0
	for i, s := range v.statics {
		rc.Release(s, v.gc)
		v.statics[i] = value.None()
	}
	v.releaseChunkConsts()
	v.CollectGarbage()
}

// releaseChunkConsts drops the VM's ownership of the loaded chunk's
// materialised heap constants (see loadChunk), so teardown and chunk
// replacement return their refcounts to the pool.
func (v *VM) releaseChunkConsts() {
	if v.chunk == nil {
		return
	}
	for idx := range v.chunk.HeapConsts {
		rc.Release(v.chunk.Consts[idx], v.gc)
		v.chunk.Consts[idx] = value.None()
	}
	v.chunk = nil
}

// SetModuleResolver/SetModuleLoader/SetPrintFunc install the embedder
// hooks.
func (v *VM) SetModuleResolver(r ModuleResolver) { v.resolver = r }
func (v *VM) SetModuleLoader(l ModuleLoader)      { v.loader = l }
func (v *VM) SetPrintFunc(p PrintFunc)            { v.printFn = p }

// SetUserData/UserData store and retrieve an embedder-opaque handle.
func (v *VM) SetUserData(d any) { v.userData = d }
func (v *VM) UserData() any     { return v.userData }

// SetVerboseTrace toggles the per-instruction trace (see trace). The trace
// line carries pc, fp and the opcode name only; it does not use the
// introspect dumper behind DumpValue.
func (v *VM) SetVerboseTrace(on bool) { v.verboseTrace = on }

// trace emits one line per dispatched instruction through the print
// callback when verbose tracing is enabled.
func (v *VM) trace(pc uint32, op bytecode.Op) {
	if v.printFn == nil {
		return
	}
	v.printFn(fmt.Sprintf("trace: pc=%-5d fp=%-4d %s\n", pc, v.stack.FP, op))
}

// DumpValue renders val for diagnostics: primitives inline, heap values as
// their full transitive object graph.
func (v *VM) DumpValue(val value.Value) string {
	if val.IsHeap() {
		return introspect.DumpHeap(val)
	}
	return introspect.DumpValue(val)
}

// RegisterHostFunc appends fn to the host function table and returns its
// index, the value a FuncProto.NativeIndex refers to. (A CallNativeFuncIC
// cache holds the FuncProto's index in Chunk.Funcs, not this index.)
func (v *VM) RegisterHostFunc(fn HostFunc) uint16 {
	v.hostFuncs = append(v.hostFuncs, fn)
	return uint16(len(v.hostFuncs) - 1)
}

// Retain/Release/CollectGarbage expose the rc/gc primitives at the
// embedder surface.
func (v *VM) Retain(val value.Value)  { rc.Retain(val) }
func (v *VM) Release(val value.Value) { rc.Release(val, v.gc) }
func (v *VM) CollectGarbage() gc.Stats { return v.gc.CollectCycles() }

// Alloc/Free expose the VM allocator for embedder code that wants a raw
// buffer outside of a typed heap object. Alloc returns a fresh Go byte
// slice and Free does nothing: such buffers are left to Go's garbage
// collector and do not go through package heap's pool/general split.
func (v *VM) Alloc(n int) []byte { return make([]byte, n) }
func (v *VM) Free(buf []byte)    {}

// ensureStatics grows the static table to at least n slots, never
// shrinking it, as chunks are loaded.
func (v *VM) ensureStatics(n int) {
	for len(v.statics) < n {
		v.statics = append(v.statics, value.None())
	}
}

// StaticVar/SetStaticVar read and write a static slot by index, releasing
// the previous occupant on write.
func (v *VM) StaticVar(idx uint16) value.Value {
	if int(idx) >= len(v.statics) {
		return value.None()
	}
	return v.statics[idx]
}

func (v *VM) SetStaticVar(idx uint16, val value.Value) {
	v.ensureStatics(int(idx) + 1)
	rc.Release(v.statics[idx], v.gc)
	v.statics[idx] = val
}
