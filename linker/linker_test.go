package linker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/chazu/t3c/compiler"
	"github.com/chazu/t3c/image"
	"github.com/chazu/t3c/stream"
	"github.com/chazu/t3c/vm"
)

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

func objectFile(t *testing.T, opts compiler.Options, decls ...compiler.Decl) []byte {
	t.Helper()
	u := compiler.NewUnit(opts)
	if err := u.Generate(&compiler.Program{Decls: decls}); err != nil {
		t.Fatalf("Generate: %v", err)
	}
	var buf bytes.Buffer
	if err := u.WriteObjectFile(&buf); err != nil {
		t.Fatalf("WriteObjectFile: %v", err)
	}
	return buf.Bytes()
}

// loadUnits compiles and loads each unit in order and returns the first
// load error.
func loadUnits(t *testing.T, l *Linker, units ...[]compiler.Decl) error {
	t.Helper()
	for i, decls := range units {
		data := objectFile(t, compiler.Options{}, decls...)
		if err := l.Load(bytes.NewReader(data), fmt.Sprintf("unit%d.t3o", i)); err != nil {
			return err
		}
	}
	return nil
}

func link(t *testing.T, opts Options, units ...[]compiler.Decl) (*Linker, *image.Image) {
	t.Helper()
	l := New(opts)
	if err := loadUnits(t, l, units...); err != nil {
		t.Fatalf("Load: %v", err)
	}
	var buf bytes.Buffer
	if err := l.WriteImage(&buf); err != nil {
		t.Fatalf("WriteImage: %v", err)
	}
	img, err := image.Parse(buf.Bytes())
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	return l, img
}

// linkErr loads and finishes the units, expecting an error from either step.
func linkErr(t *testing.T, units ...[]compiler.Decl) error {
	t.Helper()
	l := New(Options{})
	err := loadUnits(t, l, units...)
	if err == nil {
		err = l.Finish()
	}
	if err == nil {
		t.Fatal("link succeeded, want an error")
	}
	return err
}

func decls(d ...compiler.Decl) []compiler.Decl { return d }

func mainFn(stmts ...compiler.Stmt) *compiler.FunctionDecl {
	return &compiler.FunctionDecl{Name: "_main", Params: []compiler.Param{{Name: "args"}}, Body: &compiler.Block{Stmts: stmts}}
}

func function(name string, stmts ...compiler.Stmt) *compiler.FunctionDecl {
	return &compiler.FunctionDecl{Name: name, HasRetval: true, Body: &compiler.Block{Stmts: stmts}}
}

func callStmt(name string) compiler.Stmt {
	return &compiler.ExprStmt{X: &compiler.CallExpr{Fn: &compiler.Ident{Name: name}}}
}

func returns(v int32) compiler.Stmt {
	return &compiler.ReturnStmt{Value: &compiler.IntLiteral{Value: v}}
}

func prop(name string, v int32) *compiler.PropDef {
	return &compiler.PropDef{Name: name, Value: &compiler.IntLiteral{Value: v}}
}

func object(t *testing.T, img *image.Image, id uint32) *vm.TadsObject {
	t.Helper()
	o := img.Object(id)
	if o == nil {
		t.Fatalf("object #%d not in image", id)
	}
	obj, err := vm.DecodeTadsObject(o.Data)
	if err != nil {
		t.Fatalf("object #%d: %v", id, err)
	}
	return obj
}

// callTargets lists the code addresses called by the straight-line method
// at addr, up to its first return.
func callTargets(t *testing.T, img *image.Image, addr uint32) []uint32 {
	t.Helper()
	m, err := img.Method(addr)
	if err != nil {
		t.Fatalf("Method(%08X): %v", addr, err)
	}
	r := vm.NewBytecodeReader(m.Code)
	var out []uint32
	for r.HasMore() {
		in, err := vm.DecodeInstruction(r)
		if err != nil {
			t.Fatalf("decode at %08X: %v", addr, err)
		}
		if in.Op == vm.OpCall {
			out = append(out, uint32(in.Args[1]))
		}
		if in.Op.EndsFlow() {
			break
		}
	}
	return out
}

// mustID returns a lookup checker: mustID(t)(l.ObjectID("o")).
func mustID(t *testing.T) func(uint32, bool) uint32 {
	t.Helper()
	return func(id uint32, ok bool) uint32 {
		t.Helper()
		if !ok {
			t.Fatal("symbol not linked")
		}
		return id
	}
}

// ---------------------------------------------------------------------------
// Ids and objects
// ---------------------------------------------------------------------------

func TestPropertiesSortedInImage(t *testing.T) {
	l, img := link(t, Options{}, decls(
		mainFn(),
		&compiler.ObjectDecl{Name: "o", Props: []*compiler.PropDef{prop("p", 1), prop("m", 2), prop("a", 3)}},
	))
	obj := object(t, img, mustID(t)(l.ObjectID("o")))
	want := map[string]int32{"p": 1, "m": 2, "a": 3}
	if len(obj.Props) != len(want) {
		t.Fatalf("properties = %+v", obj.Props)
	}
	for i, e := range obj.Props {
		if i > 0 && obj.Props[i-1].Prop >= e.Prop {
			t.Errorf("property table not ascending: %+v", obj.Props)
		}
	}
	for name, v := range want {
		id := mustID(t)(l.PropertyID(name))
		found := false
		for _, e := range obj.Props {
			if uint32(e.Prop) == id {
				found = true
				if e.Value.Int() != v {
					t.Errorf("%s = %v, want %d", name, e.Value, v)
				}
			}
		}
		if !found {
			t.Errorf("%s (#%d) missing", name, id)
		}
	}
}

func TestIDsReconciledAcrossFiles(t *testing.T) {
	l, img := link(t, Options{},
		decls(
			mainFn(),
			&compiler.ObjectDecl{Name: "foo", Class: true, Props: []*compiler.PropDef{prop("bar", 1)}},
		),
		decls(
			&compiler.PropertyDecl{Names: []string{"zzz", "bar"}},
			&compiler.ObjectDecl{Name: "x", Superclasses: []string{"foo"}, Props: []*compiler.PropDef{prop("bar", 2)}},
		),
	)
	foo := mustID(t)(l.ObjectID("foo"))
	bar := mustID(t)(l.PropertyID("bar"))

	x := object(t, img, mustID(t)(l.ObjectID("x")))
	if len(x.Superclasses) != 1 || x.Superclasses[0] != foo {
		t.Errorf("x superclasses = %v, want [%d]", x.Superclasses, foo)
	}
	if len(x.Props) != 1 || uint32(x.Props[0].Prop) != bar {
		t.Errorf("x properties = %+v, want bar #%d", x.Props, bar)
	}
	f := object(t, img, foo)
	if len(f.Props) != 1 || uint32(f.Props[0].Prop) != bar {
		t.Errorf("foo properties = %+v, want bar #%d", f.Props, bar)
	}
}

func TestUnnamedIDsGetFreshGlobals(t *testing.T) {
	l, img := link(t, Options{},
		decls(mainFn(), &compiler.ObjectDecl{Props: []*compiler.PropDef{prop("p", 1)}}),
		decls(&compiler.ObjectDecl{Props: []*compiler.PropDef{prop("p", 2)}}),
	)
	p := mustID(t)(l.PropertyID("p"))
	seen := make(map[uint32]bool)
	for _, o := range img.ObjectsOf(vm.MetaTadsObject) {
		if seen[o.ID] {
			t.Errorf("object id %d used twice", o.ID)
		}
		seen[o.ID] = true
		obj, err := vm.DecodeTadsObject(o.Data)
		if err != nil {
			t.Fatal(err)
		}
		if len(obj.Props) != 1 || uint32(obj.Props[0].Prop) != p {
			t.Errorf("object #%d properties = %+v", o.ID, obj.Props)
		}
	}
	if len(seen) != 2 {
		t.Errorf("anonymous objects = %d, want 2", len(seen))
	}
}

func TestReplaceObjectAcrossFiles(t *testing.T) {
	l, img := link(t, Options{},
		decls(mainFn(), &compiler.ObjectDecl{Name: "o", Props: []*compiler.PropDef{prop("p", 1)}}),
		decls(&compiler.ObjectDecl{Name: "o", Replace: true, Props: []*compiler.PropDef{prop("q", 5)}}),
	)
	id := mustID(t)(l.ObjectID("o"))
	n := 0
	for _, o := range img.Objects {
		if o.ID == id {
			n++
		}
	}
	if n != 1 {
		t.Fatalf("object #%d appears %d times", id, n)
	}
	obj := object(t, img, id)
	q := mustID(t)(l.PropertyID("q"))
	if len(obj.Props) != 1 || uint32(obj.Props[0].Prop) != q || obj.Props[0].Value.Int() != 5 {
		t.Errorf("o properties = %+v, want only q", obj.Props)
	}
}

func TestModifyObjectAcrossFiles(t *testing.T) {
	l, img := link(t, Options{},
		decls(mainFn(), &compiler.ObjectDecl{Name: "o", Props: []*compiler.PropDef{prop("p", 1), prop("q", 2)}}),
		decls(&compiler.ObjectDecl{Name: "o", Modify: true, Props: []*compiler.PropDef{
			{Name: "p", Value: &compiler.IntLiteral{Value: 3}, Replace: true},
		}}),
	)
	p := mustID(t)(l.PropertyID("p"))
	q := mustID(t)(l.PropertyID("q"))

	top := object(t, img, mustID(t)(l.ObjectID("o")))
	if len(top.Superclasses) != 1 {
		t.Fatalf("modifier superclasses = %v", top.Superclasses)
	}
	if len(top.Props) != 1 || uint32(top.Props[0].Prop) != p || top.Props[0].Value.Int() != 3 {
		t.Errorf("modifier properties = %+v", top.Props)
	}

	orig := object(t, img, top.Superclasses[0])
	if len(orig.Props) != 1 || uint32(orig.Props[0].Prop) != q {
		t.Errorf("original properties = %+v, want only q", orig.Props)
	}
}

func TestObjectErrors(t *testing.T) {
	tests := []struct {
		name  string
		units [][]compiler.Decl
		want  error
	}{
		{
			"duplicate",
			[][]compiler.Decl{
				decls(mainFn(), &compiler.ObjectDecl{Name: "o"}),
				decls(&compiler.ObjectDecl{Name: "o"}),
			},
			ErrDuplicateObject,
		},
		{
			"modify undefined",
			[][]compiler.Decl{
				decls(mainFn(), &compiler.ObjectDecl{Name: "o", Modify: true}),
			},
			ErrModifyUndefined,
		},
		{
			"undefined superclass",
			[][]compiler.Decl{
				decls(mainFn(), &compiler.ObjectDecl{Name: "o", Superclasses: []string{"nowhere"}}),
			},
			ErrUndefinedObject,
		},
		{
			"kind clash",
			[][]compiler.Decl{
				decls(mainFn(), &compiler.ObjectDecl{Name: "thing"}),
				decls(&compiler.PropertyDecl{Names: []string{"thing"}}),
			},
			ErrSymbolKind,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := linkErr(t, tt.units...); !errors.Is(err, tt.want) {
				t.Errorf("error = %v, want %v", err, tt.want)
			}
		})
	}
}

// ---------------------------------------------------------------------------
// Functions
// ---------------------------------------------------------------------------

func TestEntryPoint(t *testing.T) {
	l, img := link(t, Options{}, decls(mainFn(callStmt("f"))), decls(function("f", returns(1))))
	main := l.Function("_main")
	addr, ok := main.Addr()
	if !ok || img.Entry != addr {
		t.Errorf("entry = %08X, want %08X", img.Entry, addr)
	}
	f, _ := l.Function("f").Addr()
	if got := callTargets(t, img, img.Entry); len(got) != 1 || got[0] != f {
		t.Errorf("main calls %v, want [%08X]", got, f)
	}
}

func TestUnconventionalEntryStillLinks(t *testing.T) {
	tests := []struct {
		name string
		main *compiler.FunctionDecl
		want bool
	}{
		{"no args with retval", &compiler.FunctionDecl{Name: "_main", HasRetval: true, Body: &compiler.Block{}}, true},
		{"args", mainFn(), false},
		{"no retval", &compiler.FunctionDecl{Name: "_main", Body: &compiler.Block{}}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l, img := link(t, Options{}, decls(tt.main))
			if got := l.funcs["_main"].conventionalEntry(); got != tt.want {
				t.Errorf("conventionalEntry = %v, want %v", got, tt.want)
			}
			if addr, _ := l.Function("_main").Addr(); img.Entry != addr {
				t.Errorf("entry = %08X, want %08X", img.Entry, addr)
			}
		})
	}
}

func TestReplaceFunctionAcrossFiles(t *testing.T) {
	l := New(Options{})
	if err := loadUnits(t, l, decls(mainFn(callStmt("f")), function("f", returns(1)))); err != nil {
		t.Fatal(err)
	}
	first := l.Function("f")
	if err := loadUnits(t, l, decls(&compiler.FunctionDecl{
		Name: "f", Replace: true, HasRetval: true, Body: &compiler.Block{Stmts: []compiler.Stmt{returns(2)}},
	})); err != nil {
		t.Fatal(err)
	}
	second := l.Function("f")
	if second == first || !first.Replaced() || second.Replaced() {
		t.Fatal("replacement not attached")
	}
	if first.Owner() != "" {
		t.Errorf("replaced body still owned by %q", first.Owner())
	}

	var buf bytes.Buffer
	if err := l.WriteImage(&buf); err != nil {
		t.Fatal(err)
	}
	img, err := image.Parse(buf.Bytes())
	if err != nil {
		t.Fatal(err)
	}
	addr, _ := second.Addr()
	if got := callTargets(t, img, img.Entry); len(got) != 1 || got[0] != addr {
		t.Errorf("main calls %v, want the replacement at %08X", got, addr)
	}
}

func TestFunctionErrors(t *testing.T) {
	tests := []struct {
		name  string
		units [][]compiler.Decl
		want  error
	}{
		{"no main", [][]compiler.Decl{decls(function("f"))}, ErrMissingMain},
		{
			"main is an object",
			[][]compiler.Decl{decls(&compiler.ObjectDecl{Name: "_main"})},
			ErrMissingMain,
		},
		{"undefined", [][]compiler.Decl{decls(mainFn(callStmt("g")))}, ErrUndefinedFunction},
		{
			"duplicate",
			[][]compiler.Decl{decls(mainFn(), function("f")), decls(function("f"))},
			ErrDuplicateFunction,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := linkErr(t, tt.units...); !errors.Is(err, tt.want) {
				t.Errorf("error = %v, want %v", err, tt.want)
			}
		})
	}
}

// ---------------------------------------------------------------------------
// Dependencies
// ---------------------------------------------------------------------------

func TestFunctionSetVersionsMerged(t *testing.T) {
	_, img := link(t, Options{},
		decls(mainFn(), &compiler.FunctionSetDecl{Name: "tads-gen/030006"}),
		decls(&compiler.FunctionSetDecl{Name: "tads-gen/030008"}),
	)
	if len(img.FunctionSets) != 1 || img.FunctionSets[0] != "tads-gen/030008" {
		t.Errorf("function sets = %v", img.FunctionSets)
	}
}

func TestFunctionSetClash(t *testing.T) {
	err := linkErr(t,
		decls(mainFn(), &compiler.FunctionSetDecl{Name: "tads-gen/030006"}),
		decls(&compiler.FunctionSetDecl{Name: "tads-io/030007"}),
	)
	if !errors.Is(err, vm.ErrDependencyClash) {
		t.Errorf("error = %v, want a dependency clash", err)
	}
}

// ---------------------------------------------------------------------------
// Intrinsic classes and multi-methods
// ---------------------------------------------------------------------------

func multiSupport() []compiler.Decl {
	var out []compiler.Decl
	for _, name := range []string{multiMethodCall, multiMethodRegister, multiMethodBuildBindings} {
		out = append(out, &compiler.FunctionDecl{Name: name, Varargs: true, Body: &compiler.Block{}})
	}
	return out
}

func TestModifierSynthesizedForMultiMethodType(t *testing.T) {
	unit := append(multiSupport(),
		mainFn(),
		&compiler.IntrinsicClassDecl{Name: "List", Metaclass: vm.MetaList},
		&compiler.FunctionDecl{Name: "f", Multi: true, Params: []compiler.Param{{Name: "a", Type: "List"}}, Body: &compiler.Block{}},
	)
	l, img := link(t, Options{}, unit)
	list := mustID(t)(l.ObjectID("List"))

	mods := img.ObjectsOf(vm.MetaIntrinsicMod)
	if len(mods) != 1 {
		t.Fatalf("modifier objects = %d, want 1", len(mods))
	}
	ic := img.Object(list)
	if ic == nil || len(ic.Data) != vm.IntrinsicClassPayloadSize {
		t.Fatalf("intrinsic class object = %+v", ic)
	}
	if got := vm.ReadUint32(ic.Data[4:]); got != mods[0].ID {
		t.Errorf("class modifier = %d, want %d", got, mods[0].ID)
	}
	if name := img.MetaclassName(int(vm.ReadUint16(ic.Data[2:]))); name != vm.MetaList {
		t.Errorf("class metaclass = %s", name)
	}

	// the registrar runs at load time
	if len(img.StaticInits) != 1 {
		t.Fatalf("static initializers = %+v", img.StaticInits)
	}
	si := img.StaticInits[0]
	reg := object(t, img, si.Obj)
	if len(reg.Props) != 1 || reg.Props[0].Prop != si.Prop || reg.Props[0].Value.Type != vm.TypeCodeOfs {
		t.Fatalf("registrar = %+v", reg)
	}
	register, _ := l.Function(multiMethodRegister).Addr()
	build, _ := l.Function(multiMethodBuildBindings).Addr()
	got := callTargets(t, img, reg.Props[0].Value.Value)
	if len(got) != 2 || got[0] != register || got[1] != build {
		t.Errorf("registrar calls %v, want [%08X %08X]", got, register, build)
	}
}

func TestMultiMethodStub(t *testing.T) {
	unit := append(multiSupport(),
		mainFn(callStmt("f")),
		&compiler.ObjectDecl{Name: "Thing", Class: true},
		&compiler.FunctionDecl{Name: "f", Multi: true, Params: []compiler.Param{{Name: "a", Type: "Thing"}}, Body: &compiler.Block{}},
		&compiler.FunctionDecl{Name: "f", Multi: true, Params: []compiler.Param{{Name: "a"}}, Body: &compiler.Block{}},
	)
	l, img := link(t, Options{}, unit)
	stub := l.Function("f")
	if stub == nil || stub.Stream().ID() != stream.Code {
		t.Fatal("multi-method base has no stub")
	}
	addr, _ := stub.Addr()
	dispatch, _ := l.Function(multiMethodCall).Addr()
	if got := callTargets(t, img, addr); len(got) != 1 || got[0] != dispatch {
		t.Errorf("stub calls %v, want [%08X]", got, dispatch)
	}
	m, err := img.Method(addr)
	if err != nil {
		t.Fatal(err)
	}
	if !m.Header.Varargs {
		t.Error("stub does not accept varargs")
	}
	if got := callTargets(t, img, img.Entry); len(got) != 1 || got[0] != addr {
		t.Errorf("main calls %v, want the stub at %08X", got, addr)
	}
}

func TestMultiMethodNeedsSupport(t *testing.T) {
	err := linkErr(t, decls(
		mainFn(),
		&compiler.FunctionDecl{Name: "f", Multi: true, Params: []compiler.Param{{Name: "a"}}, Body: &compiler.Block{}},
	))
	if !errors.Is(err, ErrMultiMethodSupport) {
		t.Errorf("error = %v", err)
	}
}

// ---------------------------------------------------------------------------
// Vocabulary and grammar
// ---------------------------------------------------------------------------

func grammarUnit(declareOther bool) []compiler.Decl {
	d := decls(
		mainFn(),
		&compiler.EnumDecl{Names: []string{"tokWord"}, Token: true},
		&compiler.DictionaryDecl{Name: "dict"},
		&compiler.DictionaryPropDecl{Props: []string{"noun"}},
		&compiler.ObjectDecl{Name: "lamp", Props: []*compiler.PropDef{
			{Name: "noun", Value: &compiler.StringLiteral{Value: "lamp"}},
		}},
		&compiler.GrammarDecl{
			Prod: "nounPhrase",
			Alts: []compiler.GrammarAltDef{
				{Score: 10, Tokens: []compiler.GrammarTokenDef{
					{Kind: vm.TokLiteral, Literal: "the"},
					{Kind: vm.TokSpeech, Name: "noun", Assoc: "nounMatch"},
				}},
				{Tokens: []compiler.GrammarTokenDef{{Kind: vm.TokProd, Name: "other"}}},
			},
			Processor: &compiler.ObjectDecl{Name: "NounPhraseMatch", Class: true},
		},
	)
	if declareOther {
		d = append(d, &compiler.GrammarProdDecl{Name: "other"})
	}
	return d
}

func TestDictionaryBuilt(t *testing.T) {
	l, img := link(t, Options{}, grammarUnit(true))
	dicts := img.ObjectsOf(vm.MetaDictionary)
	if len(dicts) != 1 || dicts[0].ID != mustID(t)(l.ObjectID("dict")) {
		t.Fatalf("dictionaries = %+v", dicts)
	}
	data := dicts[0].Data
	if vm.ReadUint32(data) != vm.InvalidObj || vm.ReadUint16(data[4:]) != 2 {
		t.Fatalf("dictionary header = % x", data[:6])
	}

	// keys are sorted: "lamp" then "the"
	lamp := mustID(t)(l.ObjectID("lamp"))
	noun := mustID(t)(l.PropertyID("noun"))
	p := 6
	key := func() string {
		n := int(data[p])
		k := make([]byte, n)
		for i := range k {
			k[i] = data[p+1+i] ^ vm.DictKeyMask
		}
		p += 1 + n
		return string(k)
	}
	if k := key(); k != "lamp" {
		t.Fatalf("first key = %q", k)
	}
	if vm.ReadUint16(data[p:]) != 1 || vm.ReadUint32(data[p+2:]) != lamp || uint32(vm.ReadUint16(data[p+6:])) != noun {
		t.Errorf("lamp entry = % x", data[p:p+8])
	}
	p += 8
	if k := key(); k != "the" {
		t.Fatalf("second key = %q", k)
	}
	prod := mustID(t)(l.ObjectID("nounPhrase"))
	if vm.ReadUint32(data[p+2:]) != prod {
		t.Errorf("the entry = % x, want the production #%d", data[p:p+8], prod)
	}
}

func TestGrammarProductionsBuilt(t *testing.T) {
	l, img := link(t, Options{}, grammarUnit(true))
	prods := img.ObjectsOf(vm.MetaGrammarProd)
	if len(prods) != 2 {
		t.Fatalf("productions = %d, want 2", len(prods))
	}
	np := img.Object(mustID(t)(l.ObjectID("nounPhrase")))
	if np == nil {
		t.Fatal("nounPhrase not in image")
	}
	d := vm.NewDecoder(np.Data)
	if n := d.Uint16(); n != 2 {
		t.Fatalf("alternatives = %d", n)
	}
	if score := d.Int16(); score != 10 {
		t.Errorf("score = %d", score)
	}
	d.Int16()
	if proc := d.Uint32(); proc != mustID(t)(l.ObjectID("NounPhraseMatch")) {
		t.Errorf("processor = %d", proc)
	}
	if n := d.Uint16(); n != 2 {
		t.Fatalf("tokens = %d", n)
	}
	d.Uint16()
	if kind := d.Uint8(); kind != byte(vm.TokLiteral) {
		t.Errorf("token kind = %d", kind)
	}
	if lit := string(d.Bytes(int(d.Uint16()))); lit != "the" {
		t.Errorf("literal = %q", lit)
	}
	if assoc := uint32(d.Uint16()); assoc != mustID(t)(l.PropertyID("nounMatch")) {
		t.Errorf("assoc = %d", assoc)
	}
	if d.Err() != nil {
		t.Fatal(d.Err())
	}

	other := img.Object(mustID(t)(l.ObjectID("other")))
	if other == nil || vm.ReadUint16(other.Data) != 0 {
		t.Errorf("declared empty production = %+v", other)
	}
}

func TestEmptyProduction(t *testing.T) {
	if err := linkErr(t, grammarUnit(false)); !errors.Is(err, ErrEmptyProduction) {
		t.Errorf("error = %v", err)
	}
}

// ---------------------------------------------------------------------------
// Exports
// ---------------------------------------------------------------------------

func TestExports(t *testing.T) {
	l, img := link(t, Options{}, decls(
		mainFn(),
		function("f"),
		&compiler.ObjectDecl{Name: "o"},
		&compiler.ExportDecl{Symbol: "o"},
		&compiler.ExportDecl{Symbol: "f", External: "startup"},
	))
	if img.Exports[0].Name != exportLastProp {
		t.Errorf("first export = %s", img.Exports[0].Name)
	}
	last, _ := img.Export(exportLastProp)
	if last.Type != vm.TypeProp || last.Value != l.nextProp-1 {
		t.Errorf("LastProp = %v, want %d", last, l.nextProp-1)
	}
	if v, ok := img.Export(exportConstructor); !ok || v.Value != mustID(t)(l.PropertyID(propConstruct)) {
		t.Errorf("Constructor = %v", v)
	}
	if v, ok := img.Export("o"); !ok || v != vm.ObjValue(mustID(t)(l.ObjectID("o"))) {
		t.Errorf("o = %v", v)
	}
	f, _ := l.Function("f").Addr()
	if v, ok := img.Export("startup"); !ok || v.Type != vm.TypeFuncPtr || v.Value != f {
		t.Errorf("startup = %v, want %08X", v, f)
	}
}

func TestExportErrors(t *testing.T) {
	tests := []struct {
		name  string
		decls []compiler.Decl
		want  error
	}{
		{"reserved", decls(&compiler.ExportDecl{Symbol: "o", External: "Constructor"}), ErrReservedExport},
		{"operator", decls(&compiler.ExportDecl{Symbol: "o", External: "operator +"}), ErrReservedExport},
		{
			"collision",
			decls(&compiler.ExportDecl{Symbol: "o", External: "x"}, &compiler.ExportDecl{Symbol: "f", External: "x"}),
			ErrExportCollision,
		},
		{"undefined", decls(&compiler.ExportDecl{Symbol: "nothing"}), ErrUndefinedSymbol},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			unit := append(decls(mainFn(), function("f"), &compiler.ObjectDecl{Name: "o"}), tt.decls...)
			if err := linkErr(t, unit); !errors.Is(err, tt.want) {
				t.Errorf("error = %v, want %v", err, tt.want)
			}
		})
	}
}

// ---------------------------------------------------------------------------
// Output
// ---------------------------------------------------------------------------

func TestLinkIsDeterministic(t *testing.T) {
	opts := Options{
		BuildID:   uuid.MustParse("6ba7b810-9dad-11d1-80b4-00c04fd430c8"),
		Timestamp: time.Date(2026, 10, 19, 12, 0, 0, 0, time.UTC),
		XorMask:   0x5A,
	}
	build := func() []byte {
		l := New(opts)
		err := loadUnits(t, l,
			decls(mainFn(callStmt("f")), &compiler.ObjectDecl{Name: "o", Props: []*compiler.PropDef{prop("p", 1)}}),
			decls(function("f", returns(7)), &compiler.ObjectDecl{Name: "o2", Superclasses: []string{"o"}}),
		)
		if err != nil {
			t.Fatal(err)
		}
		var buf bytes.Buffer
		if err := l.WriteImage(&buf); err != nil {
			t.Fatal(err)
		}
		return buf.Bytes()
	}
	if a, b := build(), build(); !bytes.Equal(a, b) {
		t.Error("two links of the same input differ")
	}
}

func TestDebugImage(t *testing.T) {
	l := New(Options{Debug: true})
	for i, d := range [][]compiler.Decl{decls(mainFn()), decls(function("f"))} {
		src := fmt.Sprintf("src%d.t", i)
		data := objectFile(t, compiler.Options{Debug: true, SourceFiles: []string{src}}, d...)
		if err := l.Load(bytes.NewReader(data), src+"o"); err != nil {
			t.Fatal(err)
		}
	}
	var buf bytes.Buffer
	if err := l.WriteImage(&buf); err != nil {
		t.Fatal(err)
	}
	img, err := image.Parse(buf.Bytes())
	if err != nil {
		t.Fatal(err)
	}
	if len(img.SourceFiles) != 2 || img.SourceFiles[0].Name != "src0.t" || img.SourceFiles[1].Name != "src1.t" {
		t.Errorf("source files = %+v", img.SourceFiles)
	}
	names := make(map[string]bool)
	for _, s := range img.GlobalSymbols {
		names[s.Name] = true
	}
	if !names["_main"] || !names["f"] {
		t.Errorf("global symbols = %+v", img.GlobalSymbols)
	}
	if len(img.MethodHeaders) != 2 {
		t.Errorf("method headers = %v", img.MethodHeaders)
	}
}

func TestLoadFiles(t *testing.T) {
	dir := t.TempDir()
	var paths []string
	for i, d := range [][]compiler.Decl{decls(mainFn(callStmt("f"))), decls(function("f"))} {
		path := filepath.Join(dir, fmt.Sprintf("unit%d.t3o", i))
		if err := os.WriteFile(path, objectFile(t, compiler.Options{}, d...), 0o644); err != nil {
			t.Fatal(err)
		}
		paths = append(paths, path)
	}
	l := New(Options{})
	if err := l.LoadFiles(context.Background(), paths); err != nil {
		t.Fatalf("LoadFiles: %v", err)
	}
	if err := l.Finish(); err != nil {
		t.Fatalf("Finish: %v", err)
	}
	if err := l.Finish(); !errors.Is(err, ErrFinished) {
		t.Errorf("second Finish = %v", err)
	}

	if err := l.LoadFiles(context.Background(), []string{filepath.Join(dir, "missing.t3o")}); err == nil {
		t.Error("missing file loaded")
	}
}
