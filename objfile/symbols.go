package objfile

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"

	"github.com/chazu/t3c/stream"
)

// ---------------------------------------------------------------------------
// Symbol section
// ---------------------------------------------------------------------------
//
// The symbol section is implementation-defined. It is a single canonical CBOR
// document so that identical units produce identical object files.

var cborEncMode cbor.EncMode

func init() {
	em, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("objfile: failed to create CBOR enc mode: %v", err))
	}
	cborEncMode = em
}

// Site is a (stream, offset) location.
type Site struct {
	Stream stream.ID `cbor:"1,keyasint"`
	Ofs    uint32    `cbor:"2,keyasint"`
}

// AnchorRef names an anchor by stream and index within this file's stream.
type AnchorRef struct {
	Stream stream.ID `cbor:"1,keyasint"`
	Index  int       `cbor:"2,keyasint"`
}

// Symbols is the decoded symbol section.
type Symbols struct {
	Functions   []FuncRecord     `cbor:"1,keyasint,omitempty"`
	Objects     []ObjRecord      `cbor:"2,keyasint,omitempty"`
	Props       []PropRecord     `cbor:"3,keyasint,omitempty"`
	Enums       []EnumRecord     `cbor:"4,keyasint,omitempty"`
	Intrinsics  []IntrinsicClass `cbor:"5,keyasint,omitempty"`
	Exports     []Export         `cbor:"6,keyasint,omitempty"`
	DictWords   []DictWord       `cbor:"7,keyasint,omitempty"`
	Grammar     []GrammarAlt     `cbor:"8,keyasint,omitempty"`
	MetaProps   []MetaProps      `cbor:"9,keyasint,omitempty"`
	MultiMethod []MultiInstance  `cbor:"10,keyasint,omitempty"`
}

// FuncRecord describes a function defined or referenced by the unit.
type FuncRecord struct {
	Name      string `cbor:"1,keyasint"`
	Argc      int    `cbor:"2,keyasint"`
	OptArgc   int    `cbor:"3,keyasint,omitempty"`
	Varargs   bool   `cbor:"4,keyasint,omitempty"`
	HasRetval bool   `cbor:"5,keyasint,omitempty"`
	Defined   bool   `cbor:"6,keyasint,omitempty"`
	Replace   bool   `cbor:"7,keyasint,omitempty"`
	MultiBase bool   `cbor:"8,keyasint,omitempty"` // multi-method base; the linker builds its body
	Fixups    []Site `cbor:"9,keyasint,omitempty"` // references to the function's address
	Anchor    int    `cbor:"10,keyasint"`          // index into the code stream's anchors, -1 if none

	// List is the decoded reference list; it is shared by the function's
	// code anchor.
	List *stream.FixupList `cbor:"-"`

	// AnchorPtr is the decoded code anchor.
	AnchorPtr *stream.Anchor `cbor:"-"`
}

// ObjRecord describes a named object or one taking part in a modify chain.
type ObjRecord struct {
	Name      string `cbor:"1,keyasint,omitempty"`
	ID        uint32 `cbor:"2,keyasint"`
	Defined   bool   `cbor:"3,keyasint,omitempty"`
	Class     bool   `cbor:"4,keyasint,omitempty"`
	Transient bool   `cbor:"5,keyasint,omitempty"`

	// Replace and Modify apply to an object defined by an earlier unit.
	Replace bool `cbor:"6,keyasint,omitempty"`
	Modify  bool `cbor:"7,keyasint,omitempty"`

	// Base is the local id standing for the definition this one modifies.
	Base uint32 `cbor:"8,keyasint,omitempty"`

	// ReplaceProps lists local property ids whose definitions in the modified
	// base chain are removed.
	ReplaceProps []uint32 `cbor:"9,keyasint,omitempty"`

	Anchor *AnchorRef `cbor:"10,keyasint,omitempty"`

	GrammarProd     bool `cbor:"11,keyasint,omitempty"`
	GrammarDeclared bool `cbor:"12,keyasint,omitempty"`
	Dictionary      bool `cbor:"13,keyasint,omitempty"`

	// AnchorPtr is the decoded anchor.
	AnchorPtr *stream.Anchor `cbor:"-"`
}

// PropRecord maps a property name to its local id.
type PropRecord struct {
	Name  string `cbor:"1,keyasint"`
	ID    uint32 `cbor:"2,keyasint"`
	Vocab bool   `cbor:"3,keyasint,omitempty"` // dictionary property
}

// EnumRecord maps an enumerator name to its local id.
type EnumRecord struct {
	Name  string `cbor:"1,keyasint"`
	ID    uint32 `cbor:"2,keyasint"`
	Token bool   `cbor:"3,keyasint,omitempty"`
}

// IntrinsicClass describes an intrinsic class declaration and the modifier
// objects this unit attaches to it, in declaration order.
type IntrinsicClass struct {
	Name      string   `cbor:"1,keyasint"`
	ID        uint32   `cbor:"2,keyasint"`
	DepIndex  int      `cbor:"3,keyasint"`
	Modifiers []uint32 `cbor:"4,keyasint,omitempty"`
}

// Export is an `export` declaration.
type Export struct {
	Symbol   string `cbor:"1,keyasint"`
	External string `cbor:"2,keyasint"`
}

// DictWord is one vocabulary association.
type DictWord struct {
	Dict uint32 `cbor:"1,keyasint"`
	Word string `cbor:"2,keyasint"`
	Obj  uint32 `cbor:"3,keyasint"`
	Prop uint32 `cbor:"4,keyasint"`
}

// GrammarAlt is one alternative of a grammar production.
type GrammarAlt struct {
	Prod      uint32       `cbor:"1,keyasint"`
	Score     int          `cbor:"2,keyasint,omitempty"`
	Badness   int          `cbor:"3,keyasint,omitempty"`
	Processor uint32       `cbor:"4,keyasint"`
	Dict      uint32       `cbor:"5,keyasint,omitempty"`
	Tokens    []GrammarTok `cbor:"6,keyasint,omitempty"`
}

// GrammarTok is one token of an alternative. Which payload field is used
// depends on Kind.
type GrammarTok struct {
	Kind    byte     `cbor:"1,keyasint"`
	Assoc   uint32   `cbor:"2,keyasint,omitempty"` // property receiving the match
	Obj     uint32   `cbor:"3,keyasint,omitempty"`
	Prop    uint32   `cbor:"4,keyasint,omitempty"`
	Props   []uint32 `cbor:"5,keyasint,omitempty"`
	Literal string   `cbor:"6,keyasint,omitempty"`
	Enum    uint32   `cbor:"7,keyasint,omitempty"`
}

// MetaProps lists the properties of an intrinsic metaclass, by dependency
// table index.
type MetaProps struct {
	Index int      `cbor:"1,keyasint"`
	Props []uint32 `cbor:"2,keyasint"`
}

// MultiInstance is one concrete instance of a multi-method.
type MultiInstance struct {
	Base     string   `cbor:"1,keyasint"`
	Function string   `cbor:"2,keyasint"`
	Types    []string `cbor:"3,keyasint,omitempty"` // "" accepts any type
}

// MarshalSymbols encodes the symbol section.
func MarshalSymbols(s *Symbols) ([]byte, error) {
	return cborEncMode.Marshal(s)
}

// UnmarshalSymbols decodes the symbol section.
func UnmarshalSymbols(data []byte) (*Symbols, error) {
	var s Symbols
	if err := cbor.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("objfile: unmarshal symbols: %w", err)
	}
	return &s, nil
}
