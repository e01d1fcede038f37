// Package compiler generates T3 byte-code, constant data and serialized
// objects from an analyzed parse tree, and writes the result as an object
// file for the linker.
package compiler

import (
	"errors"
	"fmt"
	"io"

	"github.com/tliron/commonlog"

	"github.com/chazu/t3c/objfile"
	"github.com/chazu/t3c/stream"
	"github.com/chazu/t3c/vm"
)

var log = commonlog.GetLogger("t3c.compiler")

// coreMetaclasses are registered by every unit, in this order, so that
// metaclass indices agree between units.
var coreMetaclasses = []string{
	vm.MetaTadsObject,
	vm.MetaList,
	vm.MetaDictionary,
	vm.MetaGrammarProd,
	vm.MetaVector,
	vm.MetaIntrinsicClass,
	vm.MetaIntrinsicMod,
	vm.MetaBigNumber,
	vm.MetaRegexPattern,
	vm.MetaString,
}

// Options controls code generation.
type Options struct {
	Debug       bool     // emit line records, frames and debug tables
	SourceFiles []string // names indexed by Position.File
	Pedantic    bool     // report pedantic warnings
	Macros      []objfile.Macro
}

// Unit is the compilation context of one translation unit. It owns the
// streams, the symbol table and every table collected for the object file.
// A Unit is not safe for concurrent use.
type Unit struct {
	Symbols *SymbolTable

	opts    Options
	streams *stream.Set
	ids     *stream.IDFixups
	code    *CodeStream
	static  *CodeStream

	fnsets      []string
	metaclasses []string
	metaProps   []objfile.MetaProps
	intrinsics  []*Symbol

	diags []Diagnostic

	strs     map[string]*stream.Anchor
	lclNames map[string]*stream.Anchor
	bignums  map[string]uint32
	regexes  map[string]uint32

	lineTables []objfile.Site
	maxStr     uint32
	maxList    uint32
	maxCode    uint32

	dict      *Symbol
	dictWords []objfile.DictWord
	grammar   []objfile.GrammarAlt
	exports   []objfile.Export
	multi     []objfile.MultiInstance
	chain     []objfile.ObjRecord // renamed originals of same-unit modifies
	baseOf    map[uint32]uint32   // object id -> id of the definition it modifies
	objects   map[uint32]*stream.Anchor
}

// NewUnit creates an empty compilation context.
func NewUnit(opts Options) *Unit {
	u := &Unit{
		Symbols:  NewSymbolTable(),
		opts:     opts,
		streams:  stream.NewSet(),
		ids:      stream.NewIDFixups(),
		strs:     make(map[string]*stream.Anchor),
		lclNames: make(map[string]*stream.Anchor),
		bignums:  make(map[string]uint32),
		regexes:  make(map[string]uint32),
		baseOf:   make(map[uint32]uint32),
		objects:  make(map[uint32]*stream.Anchor),
	}
	u.code = NewCodeStream(u.streams.Get(stream.Code), u.ids, opts.Debug)
	u.static = NewCodeStream(u.streams.Get(stream.StaticCode), u.ids, opts.Debug)
	u.metaclasses = append(u.metaclasses, coreMetaclasses...)
	return u
}

// Stream returns one of the unit's streams.
func (u *Unit) Stream(id stream.ID) *stream.Stream { return u.streams.Get(id) }

// Diagnostics returns every diagnostic reported so far.
func (u *Unit) Diagnostics() []Diagnostic { return u.diags }

// DefineMacro records a macro definition for the debugger.
func (u *Unit) DefineMacro(m objfile.Macro) {
	u.opts.Macros = append(u.opts.Macros, m)
}

func (u *Unit) warnf(n Node, format string, args ...interface{}) {
	var pos Position
	if n != nil {
		pos = n.Span().Start
	}
	d := Diagnostic{Severity: SevWarning, Pos: pos, Msg: fmt.Sprintf(format, args...)}
	u.diags = append(u.diags, d)
	log.Debugf("%s", d.Error())
}

// pedanticf reports a warning shown only in pedantic mode.
func (u *Unit) pedanticf(n Node, format string, args ...interface{}) {
	if u.opts.Pedantic {
		u.warnf(n, format, args...)
	}
}

// abort records err as a diagnostic and returns it.
func (u *Unit) abort(err error) error {
	var d *Diagnostic
	if errors.As(err, &d) {
		u.diags = append(u.diags, *d)
	} else {
		u.diags = append(u.diags, Diagnostic{Severity: SevError, Msg: err.Error()})
	}
	return err
}

// ---------------------------------------------------------------------------
// Dependency tables
// ---------------------------------------------------------------------------

// metaclassIndex returns the dependency index of a metaclass, adding it to
// the table if its base name is new.
func (u *Unit) metaclassIndex(name string) (int, error) {
	return depIndex(&u.metaclasses, name)
}

func (u *Unit) functionSetIndex(name string) (int, error) {
	return depIndex(&u.fnsets, name)
}

func depIndex(table *[]string, name string) (int, error) {
	base, _ := vm.SplitVersion(name)
	for i, cur := range *table {
		if b, _ := vm.SplitVersion(cur); b == base {
			merged, err := vm.MergeDependency(cur, name)
			if err != nil {
				return 0, err
			}
			(*table)[i] = merged
			return i, nil
		}
	}
	*table = append(*table, name)
	return len(*table) - 1, nil
}

// ---------------------------------------------------------------------------
// Generation
// ---------------------------------------------------------------------------

// Generate emits code and data for every declaration of prog. The first
// error aborts generation; the unit must then be discarded.
func (u *Unit) Generate(prog *Program) error {
	for _, d := range prog.Decls {
		if err := u.declare(d); err != nil {
			return u.abort(err)
		}
	}
	for _, d := range prog.Decls {
		if err := u.define(d); err != nil {
			return u.abort(err)
		}
	}
	log.Debugf("generated %d bytes of code, %d bytes of objects",
		u.Stream(stream.Code).Len(), u.Stream(stream.Object).Len())
	return nil
}

// declare registers the names a declaration introduces, so that later
// declarations and code bodies can refer to them in any order.
func (u *Unit) declare(d Decl) error {
	switch d := d.(type) {
	case *FunctionSetDecl:
		set, err := u.functionSetIndex(d.Name)
		if err != nil {
			return errorf(d, "%v", err)
		}
		for i, b := range d.Funcs {
			if s := u.Symbols.Lookup(b.Name); s != nil && s.Kind != SymBuiltin {
				return errorf(d, "%s is already defined as a %s", b.Name, s.Kind)
			}
			u.Symbols.DefineBuiltin(b.Name, set, i, b)
		}
	case *IntrinsicClassDecl:
		return u.declareIntrinsic(d)
	case *DictionaryPropDecl:
		for _, name := range d.Props {
			p, err := u.property(d, name)
			if err != nil {
				return err
			}
			p.Vocab = true
		}
	case *PropertyDecl:
		for _, name := range d.Names {
			if _, err := u.property(d, name); err != nil {
				return err
			}
		}
	case *EnumDecl:
		for _, name := range d.Names {
			s := u.Symbols.Enum(name)
			if s.Kind != SymEnum {
				return errorf(d, "%s is already defined as a %s", name, s.Kind)
			}
			s.Defined = true
			s.Token = s.Token || d.Token
		}
	case *FunctionDecl:
		return u.declareFunction(d)
	case *ExternDecl:
		for _, name := range d.Names {
			if err := u.declareExtern(d, name); err != nil {
				return err
			}
		}
	case *ObjectDecl:
		if d.Name == "" {
			return nil
		}
		if _, err := u.object(d, d.Name); err != nil {
			return err
		}
	case *DictionaryDecl:
		s, err := u.object(d, d.Name)
		if err != nil {
			return err
		}
		s.Dictionary = true
	case *GrammarProdDecl:
		s, err := u.object(d, d.Name)
		if err != nil {
			return err
		}
		s.GrammarProd = true
		s.GrammarDeclared = true
	case *GrammarDecl:
		s, err := u.object(d, d.Prod)
		if err != nil {
			return err
		}
		s.GrammarProd = true
		if d.Processor != nil && d.Processor.Name != "" {
			if _, err := u.object(d.Processor, d.Processor.Name); err != nil {
				return err
			}
		}
	}
	return nil
}

func (u *Unit) define(d Decl) error {
	switch d := d.(type) {
	case *FunctionDecl:
		return u.genFunction(d)
	case *ObjectDecl:
		_, err := u.genObject(d)
		return err
	case *DictionaryDecl:
		// the dictionary object itself is built by the linker from the
		// words every unit contributes
		u.dict = u.Symbols.Lookup(d.Name)
		u.dict.Defined = true
	case *GrammarDecl:
		return u.genGrammar(d)
	case *ExportDecl:
		ext := d.External
		if ext == "" {
			ext = d.Symbol
		}
		u.exports = append(u.exports, objfile.Export{Symbol: d.Symbol, External: ext})
	}
	return nil
}

// property returns the property named name.
func (u *Unit) property(n Node, name string) (*Symbol, error) {
	s := u.Symbols.Property(name)
	if s.Kind != SymProperty {
		return nil, errorf(n, "%s is not a property", name)
	}
	return s, nil
}

// object returns the object named name.
// declareExtern interns name without defining it. The linker resolves it
// against the unit that does.
func (u *Unit) declareExtern(d *ExternDecl, name string) error {
	var s *Symbol
	switch d.Kind {
	case SymObject:
		s = u.Symbols.Object(name)
	case SymFunction:
		s = u.Symbols.Function(name)
	case SymProperty:
		s = u.Symbols.Property(name)
	default:
		return errorf(d, "cannot declare a %s extern", d.Kind)
	}
	if s.Kind != d.Kind {
		return errorf(d, "%s is already defined as a %s", name, s.Kind)
	}
	return nil
}

func (u *Unit) object(n Node, name string) (*Symbol, error) {
	s := u.Symbols.Object(name)
	if s.Kind != SymObject {
		return nil, errorf(n, "%s is not an object", name)
	}
	return s, nil
}

// declareIntrinsic registers an intrinsic class and its metaclass.
func (u *Unit) declareIntrinsic(d *IntrinsicClassDecl) error {
	idx, err := u.metaclassIndex(d.Metaclass)
	if err != nil {
		return errorf(d, "%v", err)
	}
	s, err := u.object(d, d.Name)
	if err != nil {
		return err
	}
	if s.Intrinsic != nil {
		return nil
	}
	s.Class = true
	s.Intrinsic = &IntrinsicClass{DepIndex: idx}
	for _, name := range d.Props {
		p, err := u.property(d, name)
		if err != nil {
			return err
		}
		s.Intrinsic.Props = append(s.Intrinsic.Props, p.ID)
	}
	u.intrinsics = append(u.intrinsics, s)
	u.metaProps = append(u.metaProps, objfile.MetaProps{Index: idx, Props: s.Intrinsic.Props})
	return nil
}

// ---------------------------------------------------------------------------
// Object file
// ---------------------------------------------------------------------------

// File assembles the unit's object file image in memory.
func (u *Unit) File() *objfile.File {
	f := &objfile.File{
		MaxStrLen:    u.maxStr,
		MaxListCount: u.maxList,
		MaxCodeLen:   u.maxCode,
		ObjCeiling:   u.Symbols.ObjCeiling(),
		PropCeiling:  u.Symbols.PropCeiling(),
		EnumCeiling:  u.Symbols.EnumCeiling(),
		FunctionSets: u.fnsets,
		Metaclasses:  u.metaclasses,
		Symbols:      u.symbolSection(),
		Streams:      u.streams,
		IDs:          u.ids,
		Macros:       u.opts.Macros,
	}
	if u.opts.Debug {
		f.Flags |= objfile.FlagDebug
		f.SourceFiles = u.opts.SourceFiles
		f.LineTables = u.lineTables
	}
	return f
}

// WriteObjectFile serializes the unit.
func (u *Unit) WriteObjectFile(w io.Writer) error {
	return objfile.Write(w, u.File())
}

func anchorRef(a *stream.Anchor) *objfile.AnchorRef {
	if a == nil {
		return nil
	}
	return &objfile.AnchorRef{Stream: a.Stream().ID(), Index: a.Index()}
}

func (u *Unit) symbolSection() *objfile.Symbols {
	syms := &objfile.Symbols{
		Exports:     u.exports,
		DictWords:   u.dictWords,
		Grammar:     u.grammar,
		MetaProps:   u.metaProps,
		MultiMethod: u.multi,
	}
	for _, s := range u.Symbols.All() {
		switch s.Kind {
		case SymFunction:
			rec := objfile.FuncRecord{
				Name:      s.Name,
				Argc:      s.Argc,
				OptArgc:   s.OptArgc,
				Varargs:   s.Varargs,
				HasRetval: s.HasRetval,
				Defined:   s.Defined,
				Replace:   s.Replace,
				MultiBase: s.MultiBase,
				Anchor:    -1,
			}
			if s.Anchor != nil {
				rec.Anchor = s.Anchor.Index()
			}
			for _, fx := range s.Fixups.Items() {
				rec.Fixups = append(rec.Fixups, objfile.Site{Stream: fx.Stream.ID(), Ofs: fx.Ofs})
			}
			syms.Functions = append(syms.Functions, rec)
		case SymObject:
			syms.Objects = append(syms.Objects, objfile.ObjRecord{
				Name:            s.Name,
				ID:              s.ID,
				Defined:         s.Defined,
				Class:           s.Class,
				Transient:       s.Transient,
				Replace:         s.Replace,
				Modify:          s.Modify,
				Base:            s.Base,
				ReplaceProps:    s.ReplaceProps,
				Anchor:          anchorRef(u.objects[s.ID]),
				GrammarProd:     s.GrammarProd,
				GrammarDeclared: s.GrammarDeclared,
				Dictionary:      s.Dictionary,
			})
			if s.Intrinsic != nil {
				syms.Intrinsics = append(syms.Intrinsics, objfile.IntrinsicClass{
					Name:      s.Name,
					ID:        s.ID,
					DepIndex:  s.Intrinsic.DepIndex,
					Modifiers: s.Intrinsic.Modifiers,
				})
			}
		case SymProperty:
			syms.Props = append(syms.Props, objfile.PropRecord{Name: s.Name, ID: s.ID, Vocab: s.Vocab})
		case SymEnum:
			syms.Enums = append(syms.Enums, objfile.EnumRecord{Name: s.Name, ID: s.ID, Token: s.Token})
		}
	}
	syms.Objects = append(syms.Objects, u.chain...)
	return syms
}
