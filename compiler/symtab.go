package compiler

import (
	"sort"

	"github.com/chazu/t3c/stream"
)

// ---------------------------------------------------------------------------
// Symbol table
// ---------------------------------------------------------------------------

// SymbolKind classifies a global symbol.
type SymbolKind int

const (
	SymFunction SymbolKind = iota + 1
	SymObject
	SymProperty
	SymEnum
	SymBuiltin
)

// String implements the Stringer interface.
func (k SymbolKind) String() string {
	switch k {
	case SymFunction:
		return "function"
	case SymObject:
		return "object"
	case SymProperty:
		return "property"
	case SymEnum:
		return "enum"
	case SymBuiltin:
		return "built-in function"
	}
	return "symbol"
}

// Symbol is a global name of the unit. Which fields are meaningful depends
// on Kind.
type Symbol struct {
	Name    string
	Kind    SymbolKind
	ID      uint32 // local object, property or enum id
	Defined bool

	// functions and built-ins
	Argc      int
	OptArgc   int
	Varargs   bool
	HasRetval bool
	MultiBase bool
	Replace   bool
	Anchor    *stream.Anchor
	Fixups    *stream.FixupList // references to the function's code address

	// built-ins
	FuncSet   int
	FuncIndex int

	// objects
	Class           bool
	Transient       bool
	Modify          bool
	Base            uint32 // id standing for the definition a modify extends
	ReplaceProps    []uint32
	GrammarProd     bool
	GrammarDeclared bool
	Dictionary      bool
	Intrinsic       *IntrinsicClass

	// properties
	Vocab bool

	// enums
	Token bool
}

// IntrinsicClass records an intrinsic class declaration.
type IntrinsicClass struct {
	DepIndex  int
	Props     []uint32
	Modifiers []uint32
}

// SymbolTable maps names to symbols and hands out local ids. Ids start at
// 1; 0 is invalid in every space.
type SymbolTable struct {
	syms     map[string]*Symbol
	nextObj  uint32
	nextProp uint32
	nextEnum uint32
}

// NewSymbolTable creates an empty table.
func NewSymbolTable() *SymbolTable {
	return &SymbolTable{
		syms:     make(map[string]*Symbol),
		nextObj:  1,
		nextProp: 1,
		nextEnum: 1,
	}
}

// Lookup returns the symbol with the given name, or nil.
func (t *SymbolTable) Lookup(name string) *Symbol { return t.syms[name] }

// All returns every symbol sorted by name.
func (t *SymbolTable) All() []*Symbol {
	out := make([]*Symbol, 0, len(t.syms))
	for _, s := range t.syms {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// NewObjectID allocates an id for an anonymous object.
func (t *SymbolTable) NewObjectID() uint32 {
	id := t.nextObj
	t.nextObj++
	return id
}

// ObjCeiling returns one past the highest object id allocated.
func (t *SymbolTable) ObjCeiling() uint32 { return t.nextObj }

// PropCeiling returns one past the highest property id allocated.
func (t *SymbolTable) PropCeiling() uint32 { return t.nextProp }

// EnumCeiling returns one past the highest enum id allocated.
func (t *SymbolTable) EnumCeiling() uint32 { return t.nextEnum }

func (t *SymbolTable) intern(name string, kind SymbolKind) *Symbol {
	if s, ok := t.syms[name]; ok {
		return s
	}
	s := &Symbol{Name: name, Kind: kind}
	switch kind {
	case SymFunction:
		s.Fixups = stream.NewFixupList()
	case SymObject:
		s.ID = t.NewObjectID()
	case SymProperty:
		s.ID = t.nextProp
		t.nextProp++
	case SymEnum:
		s.ID = t.nextEnum
		t.nextEnum++
	}
	t.syms[name] = s
	return s
}

// Function returns the function named name, declaring it external if it is
// new. The result may be a symbol of another kind; callers check Kind.
func (t *SymbolTable) Function(name string) *Symbol { return t.intern(name, SymFunction) }

// Object returns the object named name, declaring it external if new.
func (t *SymbolTable) Object(name string) *Symbol { return t.intern(name, SymObject) }

// Property returns the property named name, creating it if new.
func (t *SymbolTable) Property(name string) *Symbol { return t.intern(name, SymProperty) }

// Enum returns the enumerator named name, creating it if new.
func (t *SymbolTable) Enum(name string) *Symbol { return t.intern(name, SymEnum) }

// DefineFunction declares the signature of a function.
func (t *SymbolTable) DefineFunction(name string, argc, optArgc int, varargs, hasRetval bool) *Symbol {
	s := t.Function(name)
	s.Argc, s.OptArgc, s.Varargs, s.HasRetval = argc, optArgc, varargs, hasRetval
	return s
}

// DefineBuiltin declares function index of function set set.
func (t *SymbolTable) DefineBuiltin(name string, set, index int, b BuiltinDecl) *Symbol {
	s := t.intern(name, SymBuiltin)
	s.FuncSet, s.FuncIndex = set, index
	s.Argc, s.OptArgc, s.Varargs, s.HasRetval = b.Argc, b.OptArgc, b.Varargs, b.HasRetval
	s.Defined = true
	return s
}
