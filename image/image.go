// Package image lays out the code and constant pools and writes the final
// T3 image file. It also reads images back for the dump tool and tests.
package image

import (
	"errors"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/tliron/commonlog"

	"github.com/chazu/t3c/objfile"
	"github.com/chazu/t3c/stream"
	"github.com/chazu/t3c/vm"
)

var log = commonlog.GetLogger("t3c.image")

// ---------------------------------------------------------------------------
// Format constants
// ---------------------------------------------------------------------------

// Signature starts every image file.
const Signature = "T3-image\r\n\x1a"

// Version is the image format version.
const Version = 1

// Header layout: signature, version, reserved area, timestamp.
const (
	ReservedSize  = 32
	TimestampSize = 24
	HeaderSize    = len(Signature) + 2 + ReservedSize + TimestampSize
)

// TimestampLayout formats the build timestamp; it is exactly TimestampSize
// bytes long.
const TimestampLayout = "Mon Jan _2 15:04:05 2006"

// BlockHeaderSize is tag(4) + size(4) + flags(2).
const BlockHeaderSize = 10

// BlockMandatory marks blocks a VM must understand to load the image.
const BlockMandatory uint16 = 0x0001

// Block tags.
const (
	TagEntry         = "ENTP"
	TagSymbols       = "SYMD"
	TagFunctionSets  = "FNSD"
	TagMetaclasses   = "MCLD"
	TagPoolDef       = "CPDF"
	TagPoolPage      = "CPPG"
	TagObjects       = "OBJS"
	TagResource      = "MRES"
	TagResourceLink  = "MREL"
	TagStaticInit    = "SINI"
	TagSourceFiles   = "SRCF"
	TagGlobalSymbols = "GSYM"
	TagMethodHeaders = "MHLS"
	TagMacros        = "MACR"
	TagEOF           = "EOF "
)

// Pool ids.
const (
	CodePool     uint16 = 1
	ConstantPool uint16 = 2
)

// OBJS block flags.
const (
	ObjsLarge     uint16 = 0x0001
	ObjsTransient uint16 = 0x0002
)

// MaxObjsBlock bounds the object data of one OBJS block.
const MaxObjsBlock = 64000

// SiniHeaderSize is the size of the SINI block header.
const SiniHeaderSize = 12

// SrcfEntryHeaderSize is the fixed part of a SRCF entry before the name.
const SrcfEntryHeaderSize = 4

// Global symbol kinds in the GSYM block.
const (
	SymFunction uint16 = 1
	SymObject   uint16 = 2
	SymProperty uint16 = 3
	SymEnum     uint16 = 4
)

// Global function symbol flags.
const (
	FuncVarargs uint8 = 0x01
	FuncRetval  uint8 = 0x02
)

// ResourceNameMask is xor'ed into resource names in the MRES table.
const ResourceNameMask = 0xFF

var (
	ErrBadSignature = errors.New("image signature mismatch")
	ErrVersion      = errors.New("unsupported image version")
	ErrCorrupt      = errors.New("corrupt image")
	ErrMissingEntry = errors.New("image has no entry point")
	ErrItemTooLarge = errors.New("pool item too large")
	ErrBadAddress   = errors.New("pool address out of range")
)

// ---------------------------------------------------------------------------
// Program: everything the writer needs
// ---------------------------------------------------------------------------

// Export is one entry of the symbol export block. Target, when set, is the
// code item whose final address becomes the holder's value.
type Export struct {
	Name   string
	Value  vm.DataHolder
	Target *stream.Anchor
}

// Metaclass is one metaclass dependency and the properties its native
// methods are bound to.
type Metaclass struct {
	Name  string
	Props []uint16
}

// IntrinsicClass is an intrinsic class object: the metaclass it represents
// and the newest modifier object attached to it.
type IntrinsicClass struct {
	ID       uint32
	DepIndex int
	Modifier uint32
}

// Resource is a multimedia resource embedded in the image.
type Resource struct {
	Name string
	Data []byte
}

// GlobalSymbol is a named entity listed for the debugger.
type GlobalSymbol struct {
	Name      string
	Kind      uint16
	ID        uint32         // object, property or enum id
	Code      *stream.Anchor // function body, when writing
	Addr      uint32         // function address, when reading
	Argc      int
	OptArgc   int
	Varargs   bool
	HasRetval bool
}

// Program is a linked program ready to be laid out and written.
type Program struct {
	Entry        *stream.Anchor // code item of _main
	Exports      []Export
	FunctionSets []string
	Metaclasses  []Metaclass
	Streams      *stream.Set
	Intrinsics   []IntrinsicClass
	Resources    []Resource

	Debug         bool
	SourceFiles   []string
	LineTables    []objfile.Site // debug tables in the code streams
	GlobalSymbols []GlobalSymbol
	Macros        []objfile.Macro

	XorMask   byte
	BuildID   uuid.UUID
	Timestamp time.Time
}

// metaclassIndex returns the dependency index of the metaclass with the
// given base name.
func (p *Program) metaclassIndex(name string) (int, bool) {
	base, _ := vm.SplitVersion(name)
	for i, m := range p.Metaclasses {
		if b, _ := vm.SplitVersion(m.Name); b == base {
			return i, true
		}
	}
	return 0, false
}

// ---------------------------------------------------------------------------
// Property tables
// ---------------------------------------------------------------------------

// SortProperties returns a copy of a tads-object payload whose property
// table is sorted by property id, with tombstoned (id 0) slots removed and
// the property count patched.
func SortProperties(payload []byte) ([]byte, error) {
	obj, err := vm.DecodeTadsObject(payload)
	if err != nil {
		return nil, err
	}
	props := obj.Props[:0]
	for _, e := range obj.Props {
		if e.Prop != vm.InvalidProp {
			props = append(props, e)
		}
	}
	sort.SliceStable(props, func(i, j int) bool { return props[i].Prop < props[j].Prop })
	obj.Props = props
	return obj.Encode(), nil
}
