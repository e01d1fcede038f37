package vm

import "fmt"

// ---------------------------------------------------------------------------
// Opcode definitions
// ---------------------------------------------------------------------------

// Opcode represents a single T3 byte-code instruction.
type Opcode byte

// Push constants
const (
	OpPush0      Opcode = 0x01 // push integer 0
	OpPush1      Opcode = 0x02 // push integer 1
	OpPushInt8   Opcode = 0x03 // push 8-bit signed integer
	OpPushInt    Opcode = 0x04 // push 32-bit signed integer
	OpPushStr    Opcode = 0x05 // push constant-pool string (32-bit pool address)
	OpPushLst    Opcode = 0x06 // push constant-pool list (32-bit pool address)
	OpPushObj    Opcode = 0x07 // push object (32-bit object id)
	OpPushNil    Opcode = 0x08 // push nil
	OpPushTrue   Opcode = 0x09 // push true
	OpPushPropID Opcode = 0x0A // push property id (16-bit)
	OpPushFnPtr  Opcode = 0x0B // push function pointer (32-bit code address)
	OpPushParLst Opcode = 0x0D // push the arguments past N fixed ones as a list
	OpMakeLstPar Opcode = 0x0E // expand list on stack into arguments
	OpPushEnum   Opcode = 0x0F // push enum (32-bit enum id)
	OpPushBifPtr Opcode = 0x10 // push built-in function pointer (16-bit func, 16-bit set)
)

// Arithmetic and logic
const (
	OpNeg     Opcode = 0x20
	OpBNot    Opcode = 0x21
	OpAdd     Opcode = 0x22
	OpSub     Opcode = 0x23
	OpMul     Opcode = 0x24
	OpBAnd    Opcode = 0x25
	OpBOr     Opcode = 0x26
	OpShl     Opcode = 0x27
	OpAShr    Opcode = 0x28
	OpXor     Opcode = 0x29
	OpDiv     Opcode = 0x2A
	OpMod     Opcode = 0x2B
	OpNot     Opcode = 0x2C
	OpBoolize Opcode = 0x2D
	OpInc     Opcode = 0x2E
	OpDec     Opcode = 0x2F
	OpLShr    Opcode = 0x30
)

// Comparisons
const (
	OpEq Opcode = 0x40
	OpNe Opcode = 0x41
	OpLt Opcode = 0x42
	OpLe Opcode = 0x43
	OpGt Opcode = 0x44
	OpGe Opcode = 0x45
)

// Returns
const (
	OpRetVal  Opcode = 0x50 // return top of stack
	OpRetNil  Opcode = 0x51 // return nil
	OpRetTrue Opcode = 0x52 // return true
	OpRet     Opcode = 0x54 // return, leaving R0 unchanged
)

// Calls and property access. Results are left in R0.
const (
	OpCall         Opcode = 0x58 // call function (8-bit argc, 32-bit code address)
	OpPtrCall      Opcode = 0x59 // call function pointer on stack (8-bit argc)
	OpGetProp      Opcode = 0x60 // evaluate property of object on stack (16-bit prop)
	OpCallProp     Opcode = 0x61 // call property of object on stack (8-bit argc, 16-bit prop)
	OpPtrCallProp  Opcode = 0x62 // call property pointer (8-bit argc)
	OpGetPropSelf  Opcode = 0x63 // evaluate property of self (16-bit prop)
	OpCallPropSelf Opcode = 0x64 // call property of self (8-bit argc, 16-bit prop)
	OpObjGetProp   Opcode = 0x66 // evaluate property of constant object (32-bit obj, 16-bit prop)
	OpObjCallProp  Opcode = 0x67 // call property of constant object (8-bit argc, 32-bit obj, 16-bit prop)
	OpGetPropData  Opcode = 0x68 // evaluate data-only property (16-bit prop)
	OpInherit      Opcode = 0x72 // inherited call (8-bit argc, 16-bit prop)
	OpExpInherit   Opcode = 0x74 // explicit-superclass inherited (8-bit argc, 16-bit prop, 32-bit obj)
	OpVarargc      Opcode = 0x76 // modifier: next call's argc is on the stack
	OpDelegate     Opcode = 0x77 // delegated call (8-bit argc, 16-bit prop)
)

// Locals, arguments and stack management
const (
	OpGetLcl1  Opcode = 0x80 // push local (8-bit index)
	OpGetLcl2  Opcode = 0x81 // push local (16-bit index)
	OpGetArg1  Opcode = 0x82 // push argument (8-bit index)
	OpGetArg2  Opcode = 0x83 // push argument (16-bit index)
	OpPushSelf Opcode = 0x84 // push self
	OpGetArgc  Opcode = 0x87 // push argument count
	OpDup      Opcode = 0x88 // duplicate top of stack
	OpDisc     Opcode = 0x89 // discard top of stack
	OpDisc1    Opcode = 0x8A // discard N items (8-bit count)
	OpGetR0    Opcode = 0x8B // push R0
	OpSwap     Opcode = 0x8D // swap top two items
	OpDup2     Opcode = 0x8F // duplicate top two items
)

// Control flow. Branch offsets are 16-bit, relative to the offset operand.
const (
	OpSwitch   Opcode = 0x90 // case table follows
	OpJmp      Opcode = 0x91
	OpJt       Opcode = 0x92
	OpJf       Opcode = 0x93
	OpJe       Opcode = 0x94
	OpJne      Opcode = 0x95
	OpJgt      Opcode = 0x96
	OpJge      Opcode = 0x97
	OpJlt      Opcode = 0x98
	OpJle      Opcode = 0x99
	OpJst      Opcode = 0x9A // jump and save if true
	OpJsf      Opcode = 0x9B // jump and save if false
	OpLjsr     Opcode = 0x9C // local jump to subroutine (pushes return address)
	OpLret     Opcode = 0x9D // local return (16-bit local holding return address)
	OpJnil     Opcode = 0x9E
	OpJnotnil  Opcode = 0x9F
	OpIterNext Opcode = 0xA2 // 16-bit iterator local, branch when exhausted
)

// Output, built-ins, exceptions, indexing
const (
	OpSay       Opcode = 0xB0 // display constant-pool string (32-bit pool address)
	OpBuiltinA  Opcode = 0xB1 // built-in in function set 0 (8-bit argc, 8-bit index)
	OpBuiltinB  Opcode = 0xB2 // set 1
	OpBuiltinC  Opcode = 0xB3 // set 2
	OpBuiltinD  Opcode = 0xB4 // set 3
	OpBuiltin1  Opcode = 0xB5 // (8-bit argc, 8-bit index, 8-bit set)
	OpBuiltin2  Opcode = 0xB6 // (8-bit argc, 16-bit index, 8-bit set)
	OpThrow     Opcode = 0xB8
	OpSayVal    Opcode = 0xB9 // display value on stack
	OpIndex     Opcode = 0xBA
	OpNew1      Opcode = 0xC0 // (8-bit argc, 8-bit metaclass)
	OpNew2      Opcode = 0xC1 // (16-bit argc, 16-bit metaclass)
	OpTrNew1    Opcode = 0xC2
	OpTrNew2    Opcode = 0xC3
	OpIncLcl    Opcode = 0xD0 // (16-bit local)
	OpDecLcl    Opcode = 0xD1 // (16-bit local)
	OpAddILcl1  Opcode = 0xD2 // (8-bit local, 8-bit signed value)
	OpZeroLcl1  Opcode = 0xD6 // (8-bit local)
	OpNilLcl1   Opcode = 0xD8 // (8-bit local)
	OpSetLcl1   Opcode = 0xE0 // pop into local (8-bit index)
	OpSetLcl2   Opcode = 0xE1 // pop into local (16-bit index)
	OpSetArg1   Opcode = 0xE2
	OpSetArg2   Opcode = 0xE3
	OpSetInd    Opcode = 0xE4
	OpSetProp   Opcode = 0xE5 // (16-bit prop); pops object and value
	OpSetPropSf Opcode = 0xE7 // (16-bit prop); pops value, assigns to self
	OpObjSetPrp Opcode = 0xE8 // (32-bit obj, 16-bit prop); pops value
	OpNop       Opcode = 0xF2
)

// ---------------------------------------------------------------------------
// Opcode metadata
// ---------------------------------------------------------------------------

// Operand describes the encoding of one instruction operand.
type Operand uint8

const (
	OperInt8    Operand = iota + 1 // signed byte
	OperUint8                      // unsigned byte (argc, 8-bit index)
	OperUint16                     // unsigned 16-bit (argc, index, local)
	OperInt32                      // signed 32-bit integer
	OperPool                       // 32-bit pool address (absolute fixup)
	OperCode                       // 32-bit code address (absolute fixup)
	OperObj                        // 32-bit object id (ID fixup)
	OperProp                       // 16-bit property id (ID fixup)
	OperEnum                       // 32-bit enum id (ID fixup)
	OperBranch                     // 16-bit signed branch offset
)

// Size returns the encoded size of the operand in bytes.
func (o Operand) Size() int {
	switch o {
	case OperInt8, OperUint8:
		return 1
	case OperUint16, OperProp, OperBranch:
		return 2
	default:
		return 4
	}
}

// StackVariable marks opcodes whose stack effect depends on an operand.
const StackVariable = 0x7fff

// OpcodeInfo holds metadata about an opcode.
type OpcodeInfo struct {
	Name        string    // human-readable name
	Operands    []Operand // operand layout, in order
	StackEffect int       // net effect on stack, or StackVariable
}

// OperandBytes returns the total size of the instruction's operands.
func (i OpcodeInfo) OperandBytes() int {
	n := 0
	for _, o := range i.Operands {
		n += o.Size()
	}
	return n
}

func ops(o ...Operand) []Operand { return o }

// opcodeTable maps opcodes to their metadata.
var opcodeTable = map[Opcode]OpcodeInfo{
	OpPush0:      {"PUSH_0", nil, 1},
	OpPush1:      {"PUSH_1", nil, 1},
	OpPushInt8:   {"PUSHINT8", ops(OperInt8), 1},
	OpPushInt:    {"PUSHINT", ops(OperInt32), 1},
	OpPushStr:    {"PUSHSTR", ops(OperPool), 1},
	OpPushLst:    {"PUSHLST", ops(OperPool), 1},
	OpPushObj:    {"PUSHOBJ", ops(OperObj), 1},
	OpPushNil:    {"PUSHNIL", nil, 1},
	OpPushTrue:   {"PUSHTRUE", nil, 1},
	OpPushPropID: {"PUSHPROPID", ops(OperProp), 1},
	OpPushFnPtr:  {"PUSHFNPTR", ops(OperCode), 1},
	OpPushParLst: {"PUSHPARLST", ops(OperUint8), 1},
	OpMakeLstPar: {"MAKELSTPAR", nil, StackVariable},
	OpPushEnum:   {"PUSHENUM", ops(OperEnum), 1},
	OpPushBifPtr: {"PUSHBIFPTR", ops(OperUint16, OperUint16), 1},

	OpNeg:     {"NEG", nil, 0},
	OpBNot:    {"BNOT", nil, 0},
	OpAdd:     {"ADD", nil, -1},
	OpSub:     {"SUB", nil, -1},
	OpMul:     {"MUL", nil, -1},
	OpBAnd:    {"BAND", nil, -1},
	OpBOr:     {"BOR", nil, -1},
	OpShl:     {"SHL", nil, -1},
	OpAShr:    {"ASHR", nil, -1},
	OpXor:     {"XOR", nil, -1},
	OpDiv:     {"DIV", nil, -1},
	OpMod:     {"MOD", nil, -1},
	OpNot:     {"NOT", nil, 0},
	OpBoolize: {"BOOLIZE", nil, 0},
	OpInc:     {"INC", nil, 0},
	OpDec:     {"DEC", nil, 0},
	OpLShr:    {"LSHR", nil, -1},

	OpEq: {"EQ", nil, -1},
	OpNe: {"NE", nil, -1},
	OpLt: {"LT", nil, -1},
	OpLe: {"LE", nil, -1},
	OpGt: {"GT", nil, -1},
	OpGe: {"GE", nil, -1},

	OpRetVal:  {"RETVAL", nil, -1},
	OpRetNil:  {"RETNIL", nil, 0},
	OpRetTrue: {"RETTRUE", nil, 0},
	OpRet:     {"RET", nil, 0},

	OpCall:         {"CALL", ops(OperUint8, OperCode), StackVariable},
	OpPtrCall:      {"PTRCALL", ops(OperUint8), StackVariable},
	OpGetProp:      {"GETPROP", ops(OperProp), -1},
	OpCallProp:     {"CALLPROP", ops(OperUint8, OperProp), StackVariable},
	OpPtrCallProp:  {"PTRCALLPROP", ops(OperUint8), StackVariable},
	OpGetPropSelf:  {"GETPROPSELF", ops(OperProp), 0},
	OpCallPropSelf: {"CALLPROPSELF", ops(OperUint8, OperProp), StackVariable},
	OpObjGetProp:   {"OBJGETPROP", ops(OperObj, OperProp), 0},
	OpObjCallProp:  {"OBJCALLPROP", ops(OperUint8, OperObj, OperProp), StackVariable},
	OpGetPropData:  {"GETPROPDATA", ops(OperProp), -1},
	OpInherit:      {"INHERIT", ops(OperUint8, OperProp), StackVariable},
	OpExpInherit:   {"EXPINHERIT", ops(OperUint8, OperProp, OperObj), StackVariable},
	OpVarargc:      {"VARARGC", nil, 0},
	OpDelegate:     {"DELEGATE", ops(OperUint8, OperProp), StackVariable},

	OpGetLcl1:  {"GETLCL1", ops(OperUint8), 1},
	OpGetLcl2:  {"GETLCL2", ops(OperUint16), 1},
	OpGetArg1:  {"GETARG1", ops(OperUint8), 1},
	OpGetArg2:  {"GETARG2", ops(OperUint16), 1},
	OpPushSelf: {"PUSHSELF", nil, 1},
	OpGetArgc:  {"GETARGC", nil, 1},
	OpDup:      {"DUP", nil, 1},
	OpDisc:     {"DISC", nil, -1},
	OpDisc1:    {"DISC1", ops(OperUint8), StackVariable},
	OpGetR0:    {"GETR0", nil, 1},
	OpSwap:     {"SWAP", nil, 0},
	OpDup2:     {"DUP2", nil, 2},

	OpSwitch:   {"SWITCH", nil, -1},
	OpJmp:      {"JMP", ops(OperBranch), 0},
	OpJt:       {"JT", ops(OperBranch), -1},
	OpJf:       {"JF", ops(OperBranch), -1},
	OpJe:       {"JE", ops(OperBranch), -2},
	OpJne:      {"JNE", ops(OperBranch), -2},
	OpJgt:      {"JGT", ops(OperBranch), -2},
	OpJge:      {"JGE", ops(OperBranch), -2},
	OpJlt:      {"JLT", ops(OperBranch), -2},
	OpJle:      {"JLE", ops(OperBranch), -2},
	OpJst:      {"JST", ops(OperBranch), -1},
	OpJsf:      {"JSF", ops(OperBranch), -1},
	OpLjsr:     {"LJSR", ops(OperBranch), 0},
	OpLret:     {"LRET", ops(OperUint16), 0},
	OpJnil:     {"JNIL", ops(OperBranch), -1},
	OpJnotnil:  {"JNOTNIL", ops(OperBranch), -1},
	OpIterNext: {"ITERNEXT", ops(OperUint16, OperBranch), 1},

	OpSay:       {"SAY", ops(OperPool), 0},
	OpBuiltinA:  {"BUILTIN_A", ops(OperUint8, OperUint8), StackVariable},
	OpBuiltinB:  {"BUILTIN_B", ops(OperUint8, OperUint8), StackVariable},
	OpBuiltinC:  {"BUILTIN_C", ops(OperUint8, OperUint8), StackVariable},
	OpBuiltinD:  {"BUILTIN_D", ops(OperUint8, OperUint8), StackVariable},
	OpBuiltin1:  {"BUILTIN1", ops(OperUint8, OperUint8, OperUint8), StackVariable},
	OpBuiltin2:  {"BUILTIN2", ops(OperUint8, OperUint16, OperUint8), StackVariable},
	OpThrow:     {"THROW", nil, -1},
	OpSayVal:    {"SAYVAL", nil, -1},
	OpIndex:     {"INDEX", nil, -1},
	OpNew1:      {"NEW1", ops(OperUint8, OperUint8), StackVariable},
	OpNew2:      {"NEW2", ops(OperUint16, OperUint16), StackVariable},
	OpTrNew1:    {"TRNEW1", ops(OperUint8, OperUint8), StackVariable},
	OpTrNew2:    {"TRNEW2", ops(OperUint16, OperUint16), StackVariable},
	OpIncLcl:    {"INCLCL", ops(OperUint16), 0},
	OpDecLcl:    {"DECLCL", ops(OperUint16), 0},
	OpAddILcl1:  {"ADDILCL1", ops(OperUint8, OperInt8), 0},
	OpZeroLcl1:  {"ZEROLCL1", ops(OperUint8), 0},
	OpNilLcl1:   {"NILLCL1", ops(OperUint8), 0},
	OpSetLcl1:   {"SETLCL1", ops(OperUint8), -1},
	OpSetLcl2:   {"SETLCL2", ops(OperUint16), -1},
	OpSetArg1:   {"SETARG1", ops(OperUint8), -1},
	OpSetArg2:   {"SETARG2", ops(OperUint16), -1},
	OpSetInd:    {"SETIND", nil, -2},
	OpSetProp:   {"SETPROP", ops(OperProp), -2},
	OpSetPropSf: {"SETPROPSELF", ops(OperProp), -1},
	OpObjSetPrp: {"OBJSETPROP", ops(OperObj, OperProp), -1},
	OpNop:       {"NOP", nil, 0},
}

// Info returns the metadata for an opcode.
func (op Opcode) Info() OpcodeInfo {
	if info, ok := opcodeTable[op]; ok {
		return info
	}
	return OpcodeInfo{Name: fmt.Sprintf("UNKNOWN_%02X", byte(op))}
}

// Known reports whether op is a defined opcode.
func (op Opcode) Known() bool {
	_, ok := opcodeTable[op]
	return ok
}

// Name returns the human-readable name for an opcode.
func (op Opcode) Name() string {
	return op.Info().Name
}

// String implements the Stringer interface.
func (op Opcode) String() string {
	return op.Name()
}

// IsBranch reports whether the opcode's last operand is a branch offset.
func (op Opcode) IsBranch() bool {
	o := op.Info().Operands
	return len(o) > 0 && o[len(o)-1] == OperBranch
}

// EndsFlow reports whether control never falls through to the next
// instruction.
func (op Opcode) EndsFlow() bool {
	switch op {
	case OpJmp, OpRetVal, OpRetNil, OpRetTrue, OpRet, OpThrow, OpLret:
		return true
	}
	return false
}

// InverseJump returns the conditional jump that branches exactly when op does
// not. The second result is false for opcodes without an inverse.
func (op Opcode) InverseJump() (Opcode, bool) {
	switch op {
	case OpJt:
		return OpJf, true
	case OpJf:
		return OpJt, true
	case OpJe:
		return OpJne, true
	case OpJne:
		return OpJe, true
	case OpJgt:
		return OpJle, true
	case OpJle:
		return OpJgt, true
	case OpJlt:
		return OpJge, true
	case OpJge:
		return OpJlt, true
	case OpJnil:
		return OpJnotnil, true
	case OpJnotnil:
		return OpJnil, true
	}
	return 0, false
}

// CompareJump returns the compare-and-branch opcode that jumps when the
// comparison cmp holds.
func CompareJump(cmp Opcode) (Opcode, bool) {
	switch cmp {
	case OpEq:
		return OpJe, true
	case OpNe:
		return OpJne, true
	case OpLt:
		return OpJlt, true
	case OpLe:
		return OpJle, true
	case OpGt:
		return OpJgt, true
	case OpGe:
		return OpJge, true
	}
	return 0, false
}
