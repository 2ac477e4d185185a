// Package bytecode defines the instruction set, the Chunk artifact a
// compiler (an external producer) hands to the VM, and the small
// in-repo Builder/assembler used by tests and the example program to
// emit chunks without a real front end.
package bytecode

// Op is one instruction opcode. Operand encoding is little-endian;
// every opcode has a fixed instruction width, listed in opWidth.
type Op uint8

const (
	OpNop Op = iota

	// Constants & literals
	OpConstOp
	OpConstI8
	OpConstI8Int
	OpTrue
	OpFalse
	OpNone
	OpTag
	OpTagLiteral

	// Moves
	OpCopy
	OpCopyReleaseDst
	OpCopyRetainSrc
	OpCopyRetainRelease
	OpRetain
	OpRelease
	OpReleaseN

	// Arithmetic (float)
	OpAdd
	OpSub
	OpMul
	OpDiv
	OpPow
	OpMod
	OpNeg
	OpAddInt
	OpSubInt
	OpLessInt

	// Comparison / boolean
	OpCompare
	OpCompareNot
	OpLess
	OpGreater
	OpLessEqual
	OpGreaterEqual
	OpNot

	// Bitwise
	OpBitwiseAnd
	OpBitwiseOr
	OpBitwiseXor
	OpBitwiseNot
	OpLeftShift
	OpRightShift

	// Control
	OpJump
	OpJumpCond
	OpJumpNotCond
	OpJumpNotNone
	OpMatch

	// Calls
	OpCall0
	OpCall1
	OpCallSym
	OpCallObjSym
	OpCallFuncIC
	OpCallNativeFuncIC
	OpCallObjFuncIC
	OpCallObjNativeFuncIC
	OpRet0
	OpRet1

	// Aggregates
	OpList
	OpMap
	OpMapEmpty
	OpObject
	OpObjectSmall
	OpSetInitN
	OpIndex
	OpReverseIndex
	OpSetIndex
	OpSetIndexRelease
	OpSlice
	OpField
	OpFieldIC
	OpFieldRetain
	OpFieldRetainIC
	OpFieldRelease
	OpSetField
	OpSetFieldRelease
	OpSetFieldReleaseIC
	OpStringTemplate

	// Closures & boxes
	OpLambda
	OpClosure
	OpBox
	OpBoxValue
	OpBoxValueRetain
	OpSetBoxValue
	OpSetBoxValueRelease

	// Iteration
	OpForRangeInit
	OpForRange
	OpForRangeReverse

	// Statics
	OpStaticFunc
	OpStaticVar
	OpSetStaticFunc
	OpSetStaticVar
	OpSym

	// Fibers
	OpCoinit
	OpCoyield
	OpCoresume
	OpCoreturn

	// Misc
	OpTryValue
	OpEnd

	opCount
)

var opNames = [opCount]string{
	OpNop: "Nop",

	OpConstOp: "ConstOp", OpConstI8: "ConstI8", OpConstI8Int: "ConstI8Int",
	OpTrue: "True", OpFalse: "False", OpNone: "None", OpTag: "Tag", OpTagLiteral: "TagLiteral",

	OpCopy: "Copy", OpCopyReleaseDst: "CopyReleaseDst", OpCopyRetainSrc: "CopyRetainSrc",
	OpCopyRetainRelease: "CopyRetainRelease", OpRetain: "Retain", OpRelease: "Release", OpReleaseN: "ReleaseN",

	OpAdd: "Add", OpSub: "Sub", OpMul: "Mul", OpDiv: "Div", OpPow: "Pow", OpMod: "Mod", OpNeg: "Neg",
	OpAddInt: "AddInt", OpSubInt: "SubInt", OpLessInt: "LessInt",

	OpCompare: "Compare", OpCompareNot: "CompareNot", OpLess: "Less", OpGreater: "Greater",
	OpLessEqual: "LessEqual", OpGreaterEqual: "GreaterEqual", OpNot: "Not",

	OpBitwiseAnd: "BitwiseAnd", OpBitwiseOr: "BitwiseOr", OpBitwiseXor: "BitwiseXor",
	OpBitwiseNot: "BitwiseNot", OpLeftShift: "LeftShift", OpRightShift: "RightShift",

	OpJump: "Jump", OpJumpCond: "JumpCond", OpJumpNotCond: "JumpNotCond",
	OpJumpNotNone: "JumpNotNone", OpMatch: "Match",

	OpCall0: "Call0", OpCall1: "Call1", OpCallSym: "CallSym", OpCallObjSym: "CallObjSym",
	OpCallFuncIC: "CallFuncIC", OpCallNativeFuncIC: "CallNativeFuncIC",
	OpCallObjFuncIC: "CallObjFuncIC", OpCallObjNativeFuncIC: "CallObjNativeFuncIC",
	OpRet0: "Ret0", OpRet1: "Ret1",

	OpList: "List", OpMap: "Map", OpMapEmpty: "MapEmpty", OpObject: "Object",
	OpObjectSmall: "ObjectSmall", OpSetInitN: "SetInitN", OpIndex: "Index",
	OpReverseIndex: "ReverseIndex", OpSetIndex: "SetIndex", OpSetIndexRelease: "SetIndexRelease",
	OpSlice: "Slice", OpField: "Field", OpFieldIC: "FieldIC", OpFieldRetain: "FieldRetain",
	OpFieldRetainIC: "FieldRetainIC", OpFieldRelease: "FieldRelease", OpSetField: "SetField",
	OpSetFieldRelease: "SetFieldRelease", OpSetFieldReleaseIC: "SetFieldReleaseIC",
	OpStringTemplate: "StringTemplate",

	OpLambda: "Lambda", OpClosure: "Closure", OpBox: "Box", OpBoxValue: "BoxValue",
	OpBoxValueRetain: "BoxValueRetain", OpSetBoxValue: "SetBoxValue", OpSetBoxValueRelease: "SetBoxValueRelease",

	OpForRangeInit: "ForRangeInit", OpForRange: "ForRange", OpForRangeReverse: "ForRangeReverse",

	OpStaticFunc: "StaticFunc", OpStaticVar: "StaticVar", OpSetStaticFunc: "SetStaticFunc",
	OpSetStaticVar: "SetStaticVar", OpSym: "Sym",

	OpCoinit: "Coinit", OpCoyield: "Coyield", OpCoresume: "Coresume", OpCoreturn: "Coreturn",

	OpTryValue: "TryValue", OpEnd: "End",
}

func (op Op) String() string {
	if int(op) < len(opNames) && opNames[op] != "" {
		return opNames[op]
	}
	return "Unknown"
}

// opWidth is the total instruction width in bytes, opcode byte included,
// ICs reserve the
// same width as their non-IC counterpart so deoptimisation never needs to
// grow the instruction.
var opWidth = [opCount]int{
	OpNop: 1,

	OpConstOp: 4, OpConstI8: 3, OpConstI8Int: 3,
	OpTrue: 2, OpFalse: 2, OpNone: 2, OpTag: 4, OpTagLiteral: 4,

	OpCopy: 4, OpCopyReleaseDst: 4, OpCopyRetainSrc: 4, OpCopyRetainRelease: 4,
	OpRetain: 2, OpRelease: 2, OpReleaseN: 4,

	OpAdd: 4, OpSub: 4, OpMul: 4, OpDiv: 4, OpPow: 4, OpMod: 4, OpNeg: 3,
	OpAddInt: 4, OpSubInt: 4, OpLessInt: 4,

	OpCompare: 4, OpCompareNot: 4, OpLess: 4, OpGreater: 4,
	OpLessEqual: 4, OpGreaterEqual: 4, OpNot: 3,

	OpBitwiseAnd: 4, OpBitwiseOr: 4, OpBitwiseXor: 4, OpBitwiseNot: 3,
	OpLeftShift: 4, OpRightShift: 4,

	OpJump: 3, OpJumpCond: 4, OpJumpNotCond: 4, OpJumpNotNone: 4, OpMatch: 5,

	OpCall0: 4, OpCall1: 5, OpCallSym: 6, OpCallObjSym: 10,
	OpCallFuncIC: 10, OpCallNativeFuncIC: 10, OpCallObjFuncIC: 10, OpCallObjNativeFuncIC: 10,
	OpRet0: 2, OpRet1: 2,

	OpList: 4, OpMap: 4, OpMapEmpty: 3, OpObject: 4, OpObjectSmall: 4,
	OpSetInitN: 4, OpIndex: 4, OpReverseIndex: 4, OpSetIndex: 4, OpSetIndexRelease: 4,
	// Field/SetField share their IC counterpart's width even when uncached:
	// deopt/embed rewrite only the opcode byte in place, never the operand
	// layout, so the two forms of an opcode must always match widths.
	OpSlice: 5, OpField: 10, OpFieldIC: 10, OpFieldRetain: 10, OpFieldRetainIC: 10,
	OpFieldRelease: 4, OpSetField: 10, OpSetFieldRelease: 10, OpSetFieldReleaseIC: 10,
	OpStringTemplate: 4,

	OpLambda: 4, OpClosure: 4, OpBox: 3, OpBoxValue: 3, OpBoxValueRetain: 3,
	OpSetBoxValue: 3, OpSetBoxValueRelease: 3,

	OpForRangeInit: 6, OpForRange: 6, OpForRangeReverse: 6,

	OpStaticFunc: 4, OpStaticVar: 4, OpSetStaticFunc: 4, OpSetStaticVar: 4, OpSym: 4,

	OpCoinit: 4, OpCoyield: 3, OpCoresume: 4, OpCoreturn: 2,

	OpTryValue: 3, OpEnd: 1,
}

// Width returns op's fixed instruction width in bytes (opcode byte
// included), or 0 if op is unknown.
func Width(op Op) int {
	if int(op) >= len(opWidth) {
		return 0
	}
	return opWidth[op]
}
