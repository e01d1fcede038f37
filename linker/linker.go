// Package linker combines object files into one program: it reconciles
// dependency tables, translates unit-local ids into global ids, resolves
// replace and modify across units, and synthesizes the objects and code that
// only exist once every unit is known.
package linker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/tliron/commonlog"
	"golang.org/x/sync/errgroup"

	"github.com/chazu/t3c/image"
	"github.com/chazu/t3c/objfile"
	"github.com/chazu/t3c/stream"
	"github.com/chazu/t3c/vm"
)

var log = commonlog.GetLogger("t3c.linker")

var (
	ErrMissingMain         = errors.New("_main is not defined as a function")
	ErrUndefinedFunction   = errors.New("undefined function")
	ErrUndefinedObject     = errors.New("undefined object")
	ErrUndefinedSymbol     = errors.New("undefined symbol")
	ErrDuplicateFunction   = errors.New("function defined more than once")
	ErrDuplicateObject     = errors.New("object defined more than once")
	ErrModifyUndefined     = errors.New("modified object is not defined")
	ErrSymbolKind          = errors.New("symbol redefined as a different kind")
	ErrTooManyIDs          = errors.New("too many ids")
	ErrEmptyProduction     = errors.New("grammar production has no alternatives")
	ErrTooManyAlternatives = errors.New("grammar production has too many alternatives")
	ErrExportCollision     = errors.New("export name collision")
	ErrReservedExport      = errors.New("reserved export name")
	ErrMultiMethodSupport  = errors.New("multi-method support functions not defined")
	ErrInconsistent        = errors.New("inconsistent object file")
	ErrFinished            = errors.New("linker already finished")
)

// Options controls linking and image output.
type Options struct {
	Debug     bool // write debug blocks
	XorMask   byte // constant pool mask
	Resources []image.Resource

	// BuildID and Timestamp go into the image header. Zero values are
	// replaced by a random id and the current time.
	BuildID   uuid.UUID
	Timestamp time.Time
}

// ---------------------------------------------------------------------------
// Global symbols
// ---------------------------------------------------------------------------

type funcSym struct {
	name      string
	argc      int
	optArgc   int
	varargs   bool
	hasRetval bool
	defined   bool
	multiBase bool
	list      *stream.FixupList
	anchor    *stream.Anchor
}

// conventionalEntry reports whether f has the entry point shape the VM
// calls: no fixed arguments and a return value.
func (f *funcSym) conventionalEntry() bool {
	return f.argc == 0 && f.hasRetval
}

type objSym struct {
	name            string
	id              uint32
	defined         bool
	class           bool
	transient       bool
	grammarProd     bool
	grammarDeclared bool
	dictionary      bool
	intrinsic       *intrinsicSym
}

type intrinsicSym struct {
	obj       *objSym
	depIndex  int
	modifiers []uint32
}

type propSym struct {
	name  string
	id    uint32
	vocab bool
}

type enumSym struct {
	name  string
	id    uint32
	token bool
}

type export struct {
	symbol   string
	external string
	file     string
}

// Linker accumulates object files. Load every file in order, then call
// Finish and WriteImage. A Linker is not safe for concurrent use.
type Linker struct {
	opts    Options
	streams *stream.Set

	fnsets      []string
	metaclasses []string
	metaProps   map[int][]uint32

	funcs      map[string]*funcSym
	funcOrder  []*funcSym
	objs       map[string]*objSym
	objOrder   []*objSym
	props      map[string]*propSym
	propOrder  []*propSym
	enums      map[string]*enumSym
	enumOrder  []*enumSym
	intrinsics []*intrinsicSym

	objAnchors map[uint32]*stream.Anchor // live object definitions by global id
	modAnchors map[uint32]*stream.Anchor // intrinsic class modifiers by global id

	nextObj  uint32
	nextProp uint32
	nextEnum uint32

	exports   []export
	dictWords []objfile.DictWord
	grammar   []objfile.GrammarAlt
	multi     []objfile.MultiInstance
	macros    []objfile.Macro
	macroSeen map[string]bool

	sourceFiles []string
	lineTables  []objfile.Site

	files    []string
	finished bool
	entry    *stream.Anchor
	symbols  []image.Export
}

// New creates an empty linker.
func New(opts Options) *Linker {
	return &Linker{
		opts:       opts,
		streams:    stream.NewSet(),
		metaProps:  make(map[int][]uint32),
		funcs:      make(map[string]*funcSym),
		objs:       make(map[string]*objSym),
		props:      make(map[string]*propSym),
		enums:      make(map[string]*enumSym),
		objAnchors: make(map[uint32]*stream.Anchor),
		modAnchors: make(map[uint32]*stream.Anchor),
		nextObj:    1,
		nextProp:   1,
		nextEnum:   1,
		macroSeen:  make(map[string]bool),
	}
}

// Streams returns the linked streams.
func (l *Linker) Streams() *stream.Set { return l.streams }

// ObjectID returns the global id of a named object.
func (l *Linker) ObjectID(name string) (uint32, bool) {
	if o := l.objs[name]; o != nil {
		return o.id, true
	}
	return 0, false
}

// PropertyID returns the global id of a named property.
func (l *Linker) PropertyID(name string) (uint32, bool) {
	if p := l.props[name]; p != nil {
		return p.id, true
	}
	return 0, false
}

// EnumID returns the global id of a named enumerator.
func (l *Linker) EnumID(name string) (uint32, bool) {
	if e := l.enums[name]; e != nil {
		return e.id, true
	}
	return 0, false
}

// Function returns the code anchor of a defined function.
func (l *Linker) Function(name string) *stream.Anchor {
	if f := l.funcs[name]; f != nil {
		return f.anchor
	}
	return nil
}

// ---------------------------------------------------------------------------
// Id allocation
// ---------------------------------------------------------------------------

func (l *Linker) newObject() (uint32, error) {
	if l.nextObj == math.MaxUint32 {
		return 0, fmt.Errorf("%w: objects", ErrTooManyIDs)
	}
	id := l.nextObj
	l.nextObj++
	return id, nil
}

func (l *Linker) newProp() (uint32, error) {
	if l.nextProp > vm.MaxPropID {
		return 0, fmt.Errorf("%w: properties", ErrTooManyIDs)
	}
	id := l.nextProp
	l.nextProp++
	return id, nil
}

func (l *Linker) newEnum() (uint32, error) {
	if l.nextEnum == math.MaxUint32 {
		return 0, fmt.Errorf("%w: enums", ErrTooManyIDs)
	}
	id := l.nextEnum
	l.nextEnum++
	return id, nil
}

// checkKind reports a name already used for a symbol of another kind.
func (l *Linker) checkKind(name, kind string) error {
	var other string
	switch {
	case kind != "function" && l.funcs[name] != nil:
		other = "function"
	case kind != "object" && l.objs[name] != nil:
		other = "object"
	case kind != "property" && l.props[name] != nil:
		other = "property"
	case kind != "enum" && l.enums[name] != nil:
		other = "enum"
	default:
		return nil
	}
	return fmt.Errorf("%w: %s is a %s and a %s", ErrSymbolKind, name, other, kind)
}

func (l *Linker) object(name string) (*objSym, error) {
	if o := l.objs[name]; o != nil {
		return o, nil
	}
	if err := l.checkKind(name, "object"); err != nil {
		return nil, err
	}
	id, err := l.newObject()
	if err != nil {
		return nil, err
	}
	o := &objSym{name: name, id: id}
	l.objs[name] = o
	l.objOrder = append(l.objOrder, o)
	return o, nil
}

func (l *Linker) prop(name string) (*propSym, error) {
	if p := l.props[name]; p != nil {
		return p, nil
	}
	if err := l.checkKind(name, "property"); err != nil {
		return nil, err
	}
	id, err := l.newProp()
	if err != nil {
		return nil, err
	}
	p := &propSym{name: name, id: id}
	l.props[name] = p
	l.propOrder = append(l.propOrder, p)
	return p, nil
}

func (l *Linker) enum(name string) (*enumSym, error) {
	if e := l.enums[name]; e != nil {
		return e, nil
	}
	if err := l.checkKind(name, "enum"); err != nil {
		return nil, err
	}
	id, err := l.newEnum()
	if err != nil {
		return nil, err
	}
	e := &enumSym{name: name, id: id}
	l.enums[name] = e
	l.enumOrder = append(l.enumOrder, e)
	return e, nil
}

func (l *Linker) function(name string) (*funcSym, error) {
	if f := l.funcs[name]; f != nil {
		return f, nil
	}
	if err := l.checkKind(name, "function"); err != nil {
		return nil, err
	}
	f := &funcSym{name: name, list: stream.NewFixupList()}
	l.funcs[name] = f
	l.funcOrder = append(l.funcOrder, f)
	return f, nil
}

// ---------------------------------------------------------------------------
// Loading
// ---------------------------------------------------------------------------

// translation maps the local ids of one file to global ids. Index 0 maps to
// 0 so that "no object" and "no property" survive translation.
type translation struct {
	obj, prop, enum []uint32
}

func (x *translation) objID(local uint32) uint32  { return lookup(x.obj, local) }
func (x *translation) propID(local uint32) uint32 { return lookup(x.prop, local) }
func (x *translation) enumID(local uint32) uint32 { return lookup(x.enum, local) }

func lookup(t []uint32, local uint32) uint32 {
	if int(local) < len(t) {
		return t[local]
	}
	return 0
}

// Load reads one object file from r and adds it to the program. name
// identifies the file in messages.
func (l *Linker) Load(r io.Reader, name string) error {
	f, err := objfile.Read(r)
	if err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	return l.LoadFile(f, name)
}

// LoadFiles reads the named object files concurrently and loads them in the
// given order.
func (l *Linker) LoadFiles(ctx context.Context, paths []string) error {
	files := make([]*objfile.File, len(paths))
	g, ctx := errgroup.WithContext(ctx)
	for i, path := range paths {
		i, path := i, path
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			data, err := os.ReadFile(path)
			if err != nil {
				return err
			}
			f, err := objfile.Parse(data)
			if err != nil {
				return fmt.Errorf("%s: %w", path, err)
			}
			files[i] = f
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	for i, f := range files {
		if err := l.LoadFile(f, paths[i]); err != nil {
			return err
		}
	}
	return nil
}

// LoadFile adds a decoded object file to the program. The file's streams are
// consumed.
func (l *Linker) LoadFile(f *objfile.File, name string) error {
	if l.finished {
		return ErrFinished
	}
	if err := mergeDeps(&l.fnsets, f.FunctionSets); err != nil {
		return fmt.Errorf("%s: function sets: %w", name, err)
	}
	if err := mergeDeps(&l.metaclasses, f.Metaclasses); err != nil {
		return fmt.Errorf("%s: metaclasses: %w", name, err)
	}

	x, err := l.loadSymbols(f)
	if err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	for _, k := range []struct {
		kind  stream.IDKind
		table []uint32
	}{{stream.ObjID, x.obj}, {stream.PropID, x.prop}, {stream.EnumID, x.enum}} {
		if err := f.IDs.Translate(k.kind, f.Streams, k.table); err != nil {
			return fmt.Errorf("%s: %w: %v", name, ErrInconsistent, err)
		}
	}
	if err := l.loadDebug(f); err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}

	base := make(map[stream.ID]uint32, len(stream.ObjectFileOrder))
	firstObj := len(l.streams.Get(stream.Object).Anchors())
	firstMod := len(l.streams.Get(stream.IntrinsicMod).Anchors())
	for _, id := range stream.ObjectFileOrder {
		dst := l.streams.Get(id)
		base[id] = dst.Len()
		dst.AppendStream(f.Streams.Get(id))
	}
	l.registerObjects(l.streams.Get(stream.Object).Anchors()[firstObj:], l.objAnchors)
	l.registerObjects(l.streams.Get(stream.IntrinsicMod).Anchors()[firstMod:], l.modAnchors)
	for _, site := range f.LineTables {
		site.Ofs += base[site.Stream]
		l.lineTables = append(l.lineTables, site)
	}

	l.accumulate(f, x, name)
	l.files = append(l.files, name)
	log.Infof("loaded %s: %d functions, %d objects, %d bytes of code",
		name, len(f.Symbols.Functions), len(f.Symbols.Objects), l.streams.Get(stream.Code).Len()-base[stream.Code])
	return nil
}

// mergeDeps reconciles a file's dependency table with the global one,
// position by position.
func mergeDeps(table *[]string, incoming []string) error {
	for i, name := range incoming {
		if i >= len(*table) {
			*table = append(*table, name)
			continue
		}
		merged, err := vm.MergeDependency((*table)[i], name)
		if err != nil {
			return err
		}
		(*table)[i] = merged
	}
	return nil
}

// registerObjects indexes freshly appended object anchors by the global id
// in their headers.
func (l *Linker) registerObjects(anchors []*stream.Anchor, index map[uint32]*stream.Anchor) {
	for _, a := range anchors {
		if a.Replaced() {
			continue
		}
		index[a.Stream().Read4At(a.Ofs()+vm.ObjInternalHeaderSize)] = a
	}
}

// loadSymbols merges a file's symbol records into the global tables and
// returns its translation tables.
func (l *Linker) loadSymbols(f *objfile.File) (*translation, error) {
	syms := f.Symbols
	x := &translation{
		obj:  make([]uint32, max(f.ObjCeiling, 1)),
		prop: make([]uint32, max(f.PropCeiling, 1)),
		enum: make([]uint32, max(f.EnumCeiling, 1)),
	}

	for _, rec := range syms.Props {
		if rec.ID == 0 || int(rec.ID) >= len(x.prop) {
			return nil, fmt.Errorf("%w: property %s has id %d", ErrInconsistent, rec.Name, rec.ID)
		}
		p, err := l.prop(rec.Name)
		if err != nil {
			return nil, err
		}
		p.vocab = p.vocab || rec.Vocab
		x.prop[rec.ID] = p.id
	}
	if err := fill(x.prop, l.newProp); err != nil {
		return nil, err
	}

	for _, rec := range syms.Enums {
		if rec.ID == 0 || int(rec.ID) >= len(x.enum) {
			return nil, fmt.Errorf("%w: enum %s has id %d", ErrInconsistent, rec.Name, rec.ID)
		}
		e, err := l.enum(rec.Name)
		if err != nil {
			return nil, err
		}
		e.token = e.token || rec.Token
		x.enum[rec.ID] = e.id
	}
	if err := fill(x.enum, l.newEnum); err != nil {
		return nil, err
	}

	for i := range syms.Objects {
		rec := &syms.Objects[i]
		if rec.ID == 0 || int(rec.ID) >= len(x.obj) || int(rec.Base) >= len(x.obj) {
			return nil, fmt.Errorf("%w: object %q has id %d", ErrInconsistent, rec.Name, rec.ID)
		}
		if rec.Name == "" {
			continue
		}
		o, err := l.object(rec.Name)
		if err != nil {
			return nil, err
		}
		x.obj[rec.ID] = o.id
		if err := l.defineObject(o, rec, x); err != nil {
			return nil, err
		}
	}
	if err := fill(x.obj, l.newObject); err != nil {
		return nil, err
	}

	for _, rec := range syms.Intrinsics {
		o, err := l.object(rec.Name)
		if err != nil {
			return nil, err
		}
		if o.intrinsic == nil {
			o.intrinsic = &intrinsicSym{obj: o, depIndex: rec.DepIndex}
			l.intrinsics = append(l.intrinsics, o.intrinsic)
		}
		for _, m := range rec.Modifiers {
			o.intrinsic.modifiers = append(o.intrinsic.modifiers, x.objID(m))
		}
	}

	for i := range syms.Functions {
		if err := l.defineFunction(&syms.Functions[i]); err != nil {
			return nil, err
		}
	}
	return x, nil
}

// fill assigns fresh global ids to local ids no symbol record named.
func fill(t []uint32, alloc func() (uint32, error)) error {
	for i := 1; i < len(t); i++ {
		if t[i] != 0 {
			continue
		}
		id, err := alloc()
		if err != nil {
			return err
		}
		t[i] = id
	}
	return nil
}

// defineObject applies a named object record: plain definitions, replace
// and modify of definitions loaded from earlier files.
func (l *Linker) defineObject(o *objSym, rec *objfile.ObjRecord, x *translation) error {
	o.grammarProd = o.grammarProd || rec.GrammarProd
	o.grammarDeclared = o.grammarDeclared || rec.GrammarDeclared
	o.dictionary = o.dictionary || rec.Dictionary

	switch {
	case rec.Modify:
		prior := l.objAnchors[o.id]
		if !o.defined || prior == nil {
			return fmt.Errorf("%w: %s", ErrModifyUndefined, o.name)
		}
		fresh, err := l.newObject()
		if err != nil {
			return err
		}
		l.renameObject(prior, o.id, fresh)
		x.obj[rec.Base] = fresh
		var props []uint32
		for _, p := range rec.ReplaceProps {
			props = append(props, x.propID(p))
		}
		l.chain(fresh, func(a *stream.Anchor) { tombstone(a, props) })
		log.Debugf("%s modified; original renamed to #%d", o.name, fresh)

	case rec.Defined && rec.Anchor != nil:
		if o.defined {
			if !rec.Replace {
				return fmt.Errorf("%w: %s", ErrDuplicateObject, o.name)
			}
			l.chain(o.id, func(a *stream.Anchor) {
				a.SetReplaced()
				s := a.Stream()
				s.Write2At(a.Ofs(), s.Read2At(a.Ofs())|vm.ObjFlagReplaced)
			})
			delete(l.objAnchors, o.id)
		} else if rec.Replace {
			log.Warningf("replace of %s, which no earlier file defines", o.name)
		}
		o.class = rec.Class
		o.transient = rec.Transient
		o.defined = true

	case rec.Defined:
		o.defined = true
	}
	return nil
}

// renameObject moves a serialized object to a new id and marks it as the
// original of a modify chain.
func (l *Linker) renameObject(a *stream.Anchor, from, to uint32) {
	s := a.Stream()
	s.Write4At(a.Ofs()+vm.ObjInternalHeaderSize, to)
	s.Write2At(a.Ofs(), s.Read2At(a.Ofs())|vm.ObjFlagModified)
	delete(l.objAnchors, from)
	l.objAnchors[to] = a
}

// chain calls fn for the object with the given id and for every modified
// original it inherits from.
func (l *Linker) chain(id uint32, fn func(a *stream.Anchor)) {
	for id != vm.InvalidObj {
		a := l.objAnchors[id]
		if a == nil {
			return
		}
		fn(a)
		s := a.Stream()
		payload := a.Ofs() + vm.ObjHeaderSize
		if s.Read2At(payload) == 0 {
			return
		}
		next := s.Read4At(payload + vm.TadsObjHeaderSize)
		na := l.objAnchors[next]
		if na == nil || na == a || s.Read2At(na.Ofs())&vm.ObjFlagModified == 0 {
			return
		}
		id = next
	}
}

// tombstone clears the given properties from an object's property table.
func tombstone(a *stream.Anchor, props []uint32) {
	if len(props) == 0 {
		return
	}
	s := a.Stream()
	payload := a.Ofs() + vm.ObjHeaderSize
	nsc := uint32(s.Read2At(payload))
	nprop := uint32(s.Read2At(payload + 2))
	entry := payload + vm.TadsObjHeaderSize + 4*nsc
	for i := uint32(0); i < nprop; i, entry = i+1, entry+vm.PropEntrySize {
		p := uint32(s.Read2At(entry))
		for _, r := range props {
			if p == r {
				s.Write2At(entry, vm.InvalidProp)
			}
		}
	}
}

// defineFunction merges a function record. Every reference the file makes
// joins the global reference list, which the defining code anchor shares.
func (l *Linker) defineFunction(rec *objfile.FuncRecord) error {
	fn, err := l.function(rec.Name)
	if err != nil {
		return err
	}
	fn.list.Merge(rec.List)
	fn.multiBase = fn.multiBase || rec.MultiBase
	if !rec.Defined || rec.AnchorPtr == nil {
		return nil
	}
	if fn.defined {
		if !rec.Replace {
			return fmt.Errorf("%w: %s", ErrDuplicateFunction, rec.Name)
		}
		fn.anchor.SetReplaced()
		fn.anchor.DetachFromSymbol()
	} else if rec.Replace {
		log.Warningf("replace of %s, which no earlier file defines", rec.Name)
	}
	fn.anchor = rec.AnchorPtr
	fn.anchor.ShareFixups(fn.list)
	fn.argc = rec.Argc
	fn.optArgc = rec.OptArgc
	fn.varargs = rec.Varargs
	fn.hasRetval = rec.HasRetval
	fn.defined = true
	return nil
}

// loadDebug offsets the source file ids of the file's line records by the
// number of source files loaded before it.
func (l *Linker) loadDebug(f *objfile.File) error {
	shift := uint16(len(l.sourceFiles))
	for _, site := range f.LineTables {
		s := f.Streams.Get(site.Stream)
		if s == nil || site.Ofs+vm.DebugTableHeaderSize > s.Len() {
			return fmt.Errorf("%w: line table at %d", ErrInconsistent, site.Ofs)
		}
		n := uint32(s.Read2At(site.Ofs))
		if site.Ofs+vm.DebugTableHeaderSize+n*vm.DebugLineEntrySize > s.Len() {
			return fmt.Errorf("%w: line table at %d truncated", ErrInconsistent, site.Ofs)
		}
		if shift == 0 {
			continue
		}
		for i := uint32(0); i < n; i++ {
			ofs := site.Ofs + vm.DebugTableHeaderSize + i*vm.DebugLineEntrySize + 2
			s.Write2At(ofs, s.Read2At(ofs)+shift)
		}
	}
	l.sourceFiles = append(l.sourceFiles, f.SourceFiles...)
	return nil
}

// accumulate collects the tables the linker builds objects from at Finish.
func (l *Linker) accumulate(f *objfile.File, x *translation, name string) {
	syms := f.Symbols
	for _, mp := range syms.MetaProps {
		var props []uint32
		for _, p := range mp.Props {
			props = append(props, x.propID(p))
		}
		if len(props) >= len(l.metaProps[mp.Index]) {
			l.metaProps[mp.Index] = props
		}
	}
	for _, e := range syms.Exports {
		l.exports = append(l.exports, export{symbol: e.Symbol, external: e.External, file: name})
	}
	for _, w := range syms.DictWords {
		l.dictWords = append(l.dictWords, objfile.DictWord{
			Dict: x.objID(w.Dict),
			Word: w.Word,
			Obj:  x.objID(w.Obj),
			Prop: x.propID(w.Prop),
		})
	}
	for _, alt := range syms.Grammar {
		g := alt
		g.Prod = x.objID(alt.Prod)
		g.Processor = x.objID(alt.Processor)
		g.Dict = x.objID(alt.Dict)
		g.Tokens = make([]objfile.GrammarTok, len(alt.Tokens))
		for i, t := range alt.Tokens {
			t.Assoc = x.propID(t.Assoc)
			t.Obj = x.objID(t.Obj)
			t.Prop = x.propID(t.Prop)
			t.Enum = x.enumID(t.Enum)
			props := make([]uint32, len(t.Props))
			for j, p := range t.Props {
				props[j] = x.propID(p)
			}
			t.Props = props
			g.Tokens[i] = t
		}
		l.grammar = append(l.grammar, g)
	}
	for _, m := range syms.MultiMethod {
		dup := false
		for _, cur := range l.multi {
			if cur.Function == m.Function {
				dup = true
				break
			}
		}
		if !dup {
			l.multi = append(l.multi, m)
		}
	}
	for _, m := range f.Macros {
		if !l.macroSeen[m.Name] {
			l.macroSeen[m.Name] = true
			l.macros = append(l.macros, m)
		}
	}
}
