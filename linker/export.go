package linker

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/chazu/t3c/image"
	"github.com/chazu/t3c/stream"
	"github.com/chazu/t3c/vm"
)

// Well-known property names the VM looks up through the export table.
const (
	propConstruct   = "construct"
	propFinalize    = "finalize"
	propGrammarInfo = "grammarInfo"
)

// Reserved external export names.
const (
	exportLastProp    = "LastProp"
	exportConstructor = "Constructor"
	exportDestructor  = "Destructor"
	exportGrammarInfo = "GrammarProd.grammarInfo"
)

// operatorProps are the operator-overload properties, exported under their
// own names.
var operatorProps = []string{
	"operator +", "operator -", "operator *", "operator /", "operator %",
	"operator ^", "operator <<", "operator >>", "operator >>>", "operator ~",
	"operator |", "operator &", "operator negate", "operator []", "operator []=",
}

func reservedExport(name string) bool {
	switch name {
	case exportLastProp, exportConstructor, exportDestructor:
		return true
	}
	return strings.HasPrefix(name, "operator ")
}

// buildExports assembles the export table: the well-known properties, then
// user exports in load order, with LastProp first.
func (l *Linker) buildExports() error {
	var out []image.Export
	add := func(name string, prop string) error {
		p, err := l.prop(prop)
		if err != nil {
			return err
		}
		out = append(out, image.Export{Name: name, Value: vm.PropValue(uint16(p.id))})
		return nil
	}
	if err := add(exportConstructor, propConstruct); err != nil {
		return err
	}
	if err := add(exportDestructor, propFinalize); err != nil {
		return err
	}
	if err := add(exportGrammarInfo, propGrammarInfo); err != nil {
		return err
	}
	for _, name := range operatorProps {
		if err := add(name, name); err != nil {
			return err
		}
	}

	seen := make(map[string]export)
	for _, e := range l.exports {
		ext := e.external
		if ext == "" {
			ext = e.symbol
		}
		if reservedExport(ext) {
			return fmt.Errorf("%s: %w: %s", e.file, ErrReservedExport, ext)
		}
		if prev, ok := seen[ext]; ok {
			if prev.symbol != e.symbol {
				return fmt.Errorf("%s: %w: %s exports both %s and %s",
					e.file, ErrExportCollision, ext, prev.symbol, e.symbol)
			}
			continue
		}
		seen[ext] = e

		x, err := l.exportValue(e.symbol)
		if err != nil {
			return fmt.Errorf("%s: %w", e.file, err)
		}
		x.Name = ext
		out = append(out, x)
	}

	// computed last so that it covers every property interned above
	last := image.Export{Name: exportLastProp, Value: vm.PropValue(uint16(l.nextProp - 1))}
	l.symbols = append([]image.Export{last}, out...)
	return nil
}

func (l *Linker) exportValue(name string) (image.Export, error) {
	if fn := l.funcs[name]; fn != nil && fn.anchor != nil {
		return image.Export{Value: vm.DataHolder{Type: vm.TypeFuncPtr}, Target: fn.anchor}, nil
	}
	if o := l.objs[name]; o != nil {
		return image.Export{Value: vm.ObjValue(o.id)}, nil
	}
	if p := l.props[name]; p != nil {
		return image.Export{Value: vm.PropValue(uint16(p.id))}, nil
	}
	if e := l.enums[name]; e != nil {
		return image.Export{Value: vm.EnumValue(e.id)}, nil
	}
	return image.Export{}, fmt.Errorf("%w: exported symbol %s", ErrUndefinedSymbol, name)
}

// Exports returns the export table built by Finish.
func (l *Linker) Exports() []image.Export { return l.symbols }

// ---------------------------------------------------------------------------
// Image output
// ---------------------------------------------------------------------------

// Program returns the finished program as the image writer sees it.
func (l *Linker) Program() (*image.Program, error) {
	if !l.finished {
		if err := l.Finish(); err != nil {
			return nil, err
		}
	}
	p := &image.Program{
		Entry:        l.entry,
		Exports:      l.symbols,
		FunctionSets: l.fnsets,
		Streams:      l.streams,
		Resources:    l.opts.Resources,
		Debug:        l.opts.Debug,
		XorMask:      l.opts.XorMask,
		BuildID:      l.opts.BuildID,
		Timestamp:    l.opts.Timestamp,
	}
	if p.BuildID == uuid.Nil {
		p.BuildID = uuid.New()
	}
	if p.Timestamp.IsZero() {
		p.Timestamp = time.Now()
	}

	for i, name := range l.metaclasses {
		m := image.Metaclass{Name: name}
		for _, id := range l.metaProps[i] {
			m.Props = append(m.Props, uint16(id))
		}
		p.Metaclasses = append(p.Metaclasses, m)
	}
	for _, ic := range l.intrinsics {
		p.Intrinsics = append(p.Intrinsics, image.IntrinsicClass{
			ID:       ic.obj.id,
			DepIndex: ic.depIndex,
			Modifier: ic.modifiers[len(ic.modifiers)-1],
		})
	}

	if l.opts.Debug {
		p.SourceFiles = l.sourceFiles
		p.LineTables = l.lineTables
		p.Macros = l.macros
		p.GlobalSymbols = l.globalSymbols()
	}
	return p, nil
}

// WriteImage finishes the link if needed and writes the image to w.
func (l *Linker) WriteImage(w io.Writer) error {
	p, err := l.Program()
	if err != nil {
		return err
	}
	return image.Write(w, p)
}

// globalSymbols lists every named entity for the debugger.
func (l *Linker) globalSymbols() []image.GlobalSymbol {
	var syms []image.GlobalSymbol
	for _, fn := range l.funcOrder {
		if fn.anchor == nil || fn.anchor.Stream().ID() != stream.Code {
			continue
		}
		syms = append(syms, image.GlobalSymbol{
			Name:      fn.name,
			Kind:      image.SymFunction,
			Code:      fn.anchor,
			Argc:      fn.argc,
			OptArgc:   fn.optArgc,
			Varargs:   fn.varargs,
			HasRetval: fn.hasRetval,
		})
	}
	for _, o := range l.objOrder {
		if o.defined {
			syms = append(syms, image.GlobalSymbol{Name: o.name, Kind: image.SymObject, ID: o.id})
		}
	}
	for _, p := range l.propOrder {
		syms = append(syms, image.GlobalSymbol{Name: p.name, Kind: image.SymProperty, ID: p.id})
	}
	for _, e := range l.enumOrder {
		syms = append(syms, image.GlobalSymbol{Name: e.name, Kind: image.SymEnum, ID: e.id})
	}
	sort.SliceStable(syms, func(i, j int) bool { return syms[i].Name < syms[j].Name })
	return syms
}
