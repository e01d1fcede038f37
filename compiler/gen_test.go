package compiler

import (
	"bytes"
	"strings"
	"testing"

	"github.com/chazu/t3c/stream"
	"github.com/chazu/t3c/vm"
)

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

func generate(t *testing.T, opts Options, decls ...Decl) *Unit {
	t.Helper()
	u := NewUnit(opts)
	if err := u.Generate(&Program{Decls: decls}); err != nil {
		t.Fatalf("Generate: %v", err)
	}
	return u
}

func generateErr(t *testing.T, decls ...Decl) error {
	t.Helper()
	u := NewUnit(Options{})
	err := u.Generate(&Program{Decls: decls})
	if err == nil {
		t.Fatal("Generate succeeded, want an error")
	}
	return err
}

// body returns the header and the byte-code of a function.
func body(t *testing.T, u *Unit, name string) (vm.MethodHeader, []byte) {
	t.Helper()
	s := u.Symbols.Lookup(name)
	if s == nil || s.Anchor == nil {
		t.Fatalf("function %s has no code", name)
	}
	b := s.Anchor.Bytes()
	hdr := vm.DecodeMethodHeader(b)
	end := len(b)
	if hdr.ExcTableOfs != 0 {
		end = hdr.ExcTableOfs
	} else if hdr.DebugInfoOfs != 0 {
		end = hdr.DebugInfoOfs
	}
	return hdr, b[vm.MethodHeaderSize:end]
}

func fn(name string, params []Param, stmts ...Stmt) *FunctionDecl {
	return &FunctionDecl{Name: name, Params: params, Body: &Block{Stmts: stmts}}
}

func params(names ...string) []Param {
	var out []Param
	for _, n := range names {
		out = append(out, Param{Name: n})
	}
	return out
}

func id(name string) *Ident { return &Ident{Name: name} }
func num(v int32) *IntLiteral { return &IntLiteral{Value: v} }
func str(v string) *StringLiteral { return &StringLiteral{Value: v} }
func call(name string, args ...Expr) *ExprStmt {
	return &ExprStmt{X: &CallExpr{Fn: id(name), Args: args}}
}

func ret(e Expr) *ReturnStmt { return &ReturnStmt{Value: e} }

func repeat(e Expr, n int) []Expr {
	out := make([]Expr, n)
	for i := range out {
		out[i] = e
	}
	return out
}

// ---------------------------------------------------------------------------
// Code bodies
// ---------------------------------------------------------------------------

func TestReturnConstant(t *testing.T) {
	u := generate(t, Options{}, fn("f", nil, ret(num(1))))
	hdr, code := body(t, u, "f")

	want := asm(vm.OpPush1, vm.OpRetVal)
	if !bytes.Equal(code, want) {
		t.Errorf("code = % x, want % x", code, want)
	}
	if hdr.Argc != 0 || hdr.Locals != 0 || hdr.MaxStack != 1 {
		t.Errorf("header = %+v", hdr)
	}
}

func TestReturnSpecialForms(t *testing.T) {
	tests := []struct {
		name  string
		value Expr
		want  []byte
	}{
		{"none", nil, asm(vm.OpRetNil)},
		{"nil", &NilLiteral{}, asm(vm.OpRetNil)},
		{"true", &TrueLiteral{}, asm(vm.OpRetTrue)},
		{"int8", num(-5), asm(vm.OpPushInt8, 0xFB, vm.OpRetVal)},
		{"int32", num(1000), asm(vm.OpPushInt, 0xE8, 0x03, 0, 0, vm.OpRetVal)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			u := generate(t, Options{}, fn("f", nil, &ReturnStmt{Value: tt.value}))
			_, code := body(t, u, "f")
			if !bytes.Equal(code, tt.want) {
				t.Errorf("code = % x, want % x", code, tt.want)
			}
		})
	}
}

func TestForwardJumpOverCall(t *testing.T) {
	// f(x) { if (x) a(); b(); }
	u := generate(t, Options{},
		fn("f", params("x"),
			&IfStmt{Cond: id("x"), Then: call("a")},
			call("b"),
		))
	_, code := body(t, u, "f")

	want := asm(
		vm.OpGetArg1, 0, // 0
		vm.OpJf, 8, 0, // 2: offset field at 3, label at 11
		vm.OpCall, 0, 0, 0, 0, 0, // 5
		vm.OpCall, 0, 0, 0, 0, 0, // 11
		vm.OpRetNil,
	)
	if !bytes.Equal(code, want) {
		t.Fatalf("code = % x, want % x", code, want)
	}

	// the call sites wait for the addresses of a and b
	a := u.Symbols.Lookup("a")
	if a == nil || a.Kind != SymFunction || a.Defined {
		t.Fatalf("a = %+v, want an external function", a)
	}
	if n := a.Fixups.Len(); n != 1 {
		t.Fatalf("a has %d references, want 1", n)
	}
	if got := a.Fixups.Items()[0].Ofs; got != vm.MethodHeaderSize+7 {
		t.Errorf("a referenced at %d, want %d", got, vm.MethodHeaderSize+7)
	}
}

func TestCompareConditionFuses(t *testing.T) {
	// f(x) { if (x < 10) return 1; return 0; }
	u := generate(t, Options{},
		fn("f", params("x"),
			&IfStmt{Cond: &BinaryExpr{Op: BinLt, Left: id("x"), Right: num(10)}, Then: ret(num(1))},
			ret(num(0)),
		))
	hdr, code := body(t, u, "f")

	want := asm(
		vm.OpGetArg1, 0,
		vm.OpPushInt8, 10,
		vm.OpJge, 4, 0,
		vm.OpPush1, vm.OpRetVal,
		vm.OpPush0, vm.OpRetVal,
	)
	if !bytes.Equal(code, want) {
		t.Errorf("code = % x, want % x", code, want)
	}
	if hdr.Argc != 1 || hdr.MaxStack != 2 {
		t.Errorf("header = %+v", hdr)
	}
}

func TestWhileLoop(t *testing.T) {
	// f() { local i = 0; while (i < 3) i++; }
	u := generate(t, Options{},
		fn("f", nil,
			&LocalDecl{Name: "i", Init: num(0)},
			&WhileStmt{
				Cond: &BinaryExpr{Op: BinLt, Left: id("i"), Right: num(3)},
				Body: &ExprStmt{X: &IncDecExpr{Target: id("i"), Post: true}},
			},
		))
	hdr, code := body(t, u, "f")

	want := asm(
		vm.OpPush0, vm.OpSetLcl1, 0, // 0
		vm.OpGetLcl1, 0, // 3: loop top
		vm.OpPushInt8, 3,
		vm.OpJge, 8, 0, // 7: field at 8, end at 16
		vm.OpIncLcl, 0, 0, // 10
		vm.OpJmp, 0xF5, 0xFF, // 13: field at 14, top at 3
		vm.OpRetNil, // 16
	)
	if !bytes.Equal(code, want) {
		t.Errorf("code = % x, want % x", code, want)
	}
	if hdr.Locals != 1 {
		t.Errorf("locals = %d, want 1", hdr.Locals)
	}
}

func TestFinallyWithBreak(t *testing.T) {
	// f(e) { for (;;) { try { if (e) break; } finally { x(); } } }
	try := &TryStmt{
		Body:    &Block{Stmts: []Stmt{&IfStmt{Cond: id("e"), Then: &BreakStmt{}}}},
		Finally: &Block{Stmts: []Stmt{call("x")}},
	}
	u := generate(t, Options{},
		fn("f", params("e"), &ForStmt{Body: &Block{Stmts: []Stmt{try}}}))
	hdr, code := body(t, u, "f")

	// offsets below are from the method start
	want := asm(
		vm.OpGetArg1, 0, // 10: loop top, protected region start
		vm.OpJf, 8, 0, // 12: to 21
		vm.OpLjsr, 19, 0, // 15: break runs the finally block at 35
		vm.OpJmp, 30, 0, // 18: then leaves the loop, to 49
		vm.OpLjsr, 13, 0, // 21: falling off the body runs it too
		vm.OpJmp, 21, 0, // 24: to 46
		vm.OpSetLcl1, 0, // 27: catch-all handler
		vm.OpLjsr, 5, 0,
		vm.OpGetLcl1, 0,
		vm.OpThrow,
		vm.OpSetLcl1, 1, // 35: finally entry
		vm.OpCall, 0, 0, 0, 0, 0,
		vm.OpLret, 1, 0,
		vm.OpJmp, 0xDB, 0xFF, // 46: continue, back to 10
		vm.OpRetNil, // 49
	)
	if !bytes.Equal(code, want) {
		t.Fatalf("code = % x\nwant   % x", code, want)
	}

	full := u.Symbols.Lookup("f").Anchor.Bytes()
	excs, err := vm.DecodeExceptionTable(full[hdr.ExcTableOfs:])
	if err != nil {
		t.Fatalf("DecodeExceptionTable: %v", err)
	}
	if len(excs) != 1 {
		t.Fatalf("exception entries = %d, want 1", len(excs))
	}
	e := excs[0]
	if e.Start != 10 || e.End != 26 || e.ClassID != vm.InvalidObj || e.Handler != 27 {
		t.Errorf("exception entry = %+v", e)
	}
	if hdr.MaxStack != 2 || hdr.Locals != 2 {
		t.Errorf("header = %+v", hdr)
	}
}

func TestDoWhileContinueReachesCondition(t *testing.T) {
	// f(x) { do { if (x) continue; a(); } while (x); }
	u := generate(t, Options{},
		fn("f", params("x"), &DoWhileStmt{
			Body: &Block{Stmts: []Stmt{&IfStmt{Cond: id("x"), Then: &ContinueStmt{}}, call("a")}},
			Cond: id("x"),
		}))
	_, code := body(t, u, "f")

	want := asm(
		vm.OpGetArg1, 0, // 0: loop top
		vm.OpJf, 5, 0, // 2: to 8
		vm.OpJmp, 8, 0, // 5: continue, to the condition at 14
		vm.OpCall, 0, 0, 0, 0, 0, // 8
		vm.OpGetArg1, 0, // 14
		vm.OpJt, 0xEF, 0xFF, // 16: field at 17, top at 0
		vm.OpRetNil, // 19
	)
	if !bytes.Equal(code, want) {
		t.Errorf("code = % x\nwant   % x", code, want)
	}
}

func TestForInDrivesIterator(t *testing.T) {
	// f(c) { for (local v in c) x(v); } and the same as foreach
	loops := map[string]func(body Stmt) Stmt{
		"for in": func(body Stmt) Stmt {
			return &ForInStmt{Local: true, Var: id("v"), Coll: id("c"), Body: body}
		},
		"foreach": func(body Stmt) Stmt {
			return &ForEachStmt{Local: true, Var: id("v"), Coll: id("c"), Body: body}
		},
	}
	for name, loop := range loops {
		t.Run(name, func(t *testing.T) {
			u := generate(t, Options{}, fn("f", params("c"), loop(call("x", id("v")))))
			hdr, code := body(t, u, "f")

			create := u.Symbols.Lookup("createIterator")
			if create == nil || create.Kind != SymProperty {
				t.Fatalf("createIterator = %+v", create)
			}
			want := asm(
				vm.OpGetArg1, 0, // 0
				vm.OpCallProp, 0, int(create.ID), int(create.ID>>8), // 2
				vm.OpGetR0,      // 6
				vm.OpSetLcl1, 1, // 7: iterator in local 1
				vm.OpIterNext, 1, 0, 15, 0, // 9: loop top, exhausted to 27
				vm.OpSetLcl1, 0, // 14: v
				vm.OpGetLcl1, 0, // 16
				vm.OpCall, 1, 0, 0, 0, 0, // 18
				vm.OpJmp, 0xF0, 0xFF, // 24: field at 25, top at 9
				vm.OpRetNil, // 27
			)
			if !bytes.Equal(code, want) {
				t.Errorf("code = % x\nwant   % x", code, want)
			}
			if hdr.Locals != 2 {
				t.Errorf("locals = %d, want 2", hdr.Locals)
			}
		})
	}
}

func TestForRangeWithRuntimeStep(t *testing.T) {
	// f(a, b, s) { for (local i in a..b step s) x(); }
	u := generate(t, Options{},
		fn("f", params("a", "b", "s"), &ForRangeStmt{
			Local: true, Var: id("i"), From: id("a"), To: id("b"), Step: id("s"), Body: call("x"),
		}))
	hdr, code := body(t, u, "f")

	want := asm(
		vm.OpGetArg1, 0, vm.OpSetLcl1, 0, // 0: i = a
		vm.OpGetArg1, 1, vm.OpSetLcl1, 1, // 4: limit in local 1
		vm.OpGetArg1, 2, vm.OpSetLcl1, 2, // 8: step in local 2
		vm.OpGetLcl1, 2, vm.OpPush0, // 12: loop top
		vm.OpJlt, 12, 0, // 15: negative step, to 28
		vm.OpGetLcl1, 0, vm.OpGetLcl1, 1,
		vm.OpJgt, 28, 0, // 22: field at 23, end at 51
		vm.OpJmp, 9, 0, // 25: to the body at 35
		vm.OpGetLcl1, 0, vm.OpGetLcl1, 1, // 28
		vm.OpJlt, 18, 0, // 32: field at 33, end at 51
		vm.OpCall, 0, 0, 0, 0, 0, // 35: body
		vm.OpGetLcl1, 0, vm.OpGetLcl1, 2, vm.OpAdd, // 41: i += step
		vm.OpSetLcl1, 0,
		vm.OpJmp, 0xDB, 0xFF, // 48: field at 49, top at 12
		vm.OpRetNil, // 51
	)
	if !bytes.Equal(code, want) {
		t.Errorf("code = % x\nwant   % x", code, want)
	}
	if hdr.Locals != 3 {
		t.Errorf("locals = %d, want 3", hdr.Locals)
	}
}

func TestForRangeWithNegativeStep(t *testing.T) {
	// f(a) { for (local i in 10..a step -2) x(); }
	u := generate(t, Options{},
		fn("f", params("a"), &ForRangeStmt{
			Local: true, Var: id("i"), From: num(10), To: id("a"), Step: num(-2), Body: call("x"),
		}))
	_, code := body(t, u, "f")

	want := asm(
		vm.OpPushInt8, 10, vm.OpSetLcl1, 0, // 0
		vm.OpGetArg1, 0, vm.OpSetLcl1, 1, // 4
		vm.OpGetLcl1, 0, vm.OpGetLcl1, 1, // 8: loop top
		vm.OpJlt, 14, 0, // 12: field at 13, end at 27
		vm.OpCall, 0, 0, 0, 0, 0, // 15
		vm.OpAddILcl1, 0, 0xFE, // 21
		vm.OpJmp, 0xEF, 0xFF, // 24: field at 25, top at 8
		vm.OpRetNil, // 27
	)
	if !bytes.Equal(code, want) {
		t.Errorf("code = % x\nwant   % x", code, want)
	}
}

func TestCatchWithFinally(t *testing.T) {
	// f() { try { a(); } catch (Err e) { b(); } finally { c(); } }
	u := generate(t, Options{},
		&ObjectDecl{Name: "Err", Class: true},
		fn("f", nil, &TryStmt{
			Body:    &Block{Stmts: []Stmt{call("a")}},
			Catches: []*CatchClause{{Class: "Err", Var: "e", Body: &Block{Stmts: []Stmt{call("b")}}}},
			Finally: &Block{Stmts: []Stmt{call("c")}},
		}))
	hdr, code := body(t, u, "f")

	// offsets below are from the method start
	want := asm(
		vm.OpCall, 0, 0, 0, 0, 0, // 10: protected region
		vm.OpLjsr, 27, 0, // 16: to the finally block at 44
		vm.OpJmp, 35, 0, // 19: to 55
		vm.OpSetLcl1, 0, // 22: Err handler, e in local 0
		vm.OpCall, 0, 0, 0, 0, 0,
		vm.OpLjsr, 13, 0, // 30
		vm.OpJmp, 21, 0, // 33
		vm.OpSetLcl1, 1, // 36: catch-all handler
		vm.OpLjsr, 5, 0,
		vm.OpGetLcl1, 1,
		vm.OpThrow,
		vm.OpSetLcl1, 2, // 44: finally entry
		vm.OpCall, 0, 0, 0, 0, 0,
		vm.OpLret, 2, 0,
		vm.OpRetNil, // 55
	)
	if !bytes.Equal(code, want) {
		t.Fatalf("code = % x\nwant   % x", code, want)
	}
	if hdr.Locals != 3 || hdr.MaxStack != 2 {
		t.Errorf("header = %+v", hdr)
	}

	a := u.Symbols.Lookup("f").Anchor
	full := a.Bytes()
	excs, err := vm.DecodeExceptionTable(full[hdr.ExcTableOfs:])
	if err != nil {
		t.Fatalf("DecodeExceptionTable: %v", err)
	}
	errID := u.Symbols.Lookup("Err").ID
	want2 := []vm.ExceptionEntry{
		{Start: 10, End: 21, ClassID: errID, Handler: 22},
		{Start: 10, End: 35, ClassID: vm.InvalidObj, Handler: 36},
	}
	if len(excs) != len(want2) {
		t.Fatalf("exception entries = %+v", excs)
	}
	for i := range want2 {
		if excs[i] != want2[i] {
			t.Errorf("entry %d = %+v, want %+v", i, excs[i], want2[i])
		}
	}

	// the class id in the first entry is translated at link time
	classOfs := a.Ofs() + uint32(hdr.ExcTableOfs) + 2 + 4
	if !hasIDFixup(u.ids, stream.ObjID, stream.Code, classOfs) {
		t.Error("no object fixup for the catch class")
	}
	if hasIDFixup(u.ids, stream.ObjID, stream.Code, classOfs+vm.ExceptionEntrySize) {
		t.Error("catch-all entry has an object fixup")
	}
}

func TestSwitchWithDefault(t *testing.T) {
	// f(n) { switch (n) { case 1: a(); break; case 3: b(); break; default: c(); } }
	u := generate(t, Options{},
		fn("f", params("n"), &SwitchStmt{
			Value: id("n"),
			Body: []Stmt{
				&CaseStmt{Value: num(1)}, call("a"), &BreakStmt{},
				&CaseStmt{Value: num(3)}, call("b"), &BreakStmt{},
				&DefaultStmt{}, call("c"),
			},
		}))
	_, code := body(t, u, "f")

	if vm.Opcode(code[2]) != vm.OpSwitch {
		t.Fatalf("opcode at 2 = %s, want SWITCH", vm.Opcode(code[2]))
	}
	if n := vm.ReadUint16(code[3:]); n != 2 {
		t.Fatalf("case count = %d, want 2", n)
	}

	// case slots in declaration order: value, then offset to the case code
	slot := func(i int) (vm.DataHolder, int) {
		p := 5 + i*caseSlotSize
		h := vm.DecodeDataHolder(code[p:])
		ofs := int(int16(vm.ReadUint16(code[p+vm.DataHolderSize:])))
		return h, p + vm.DataHolderSize + ofs
	}
	h0, t0 := slot(0)
	h1, t1 := slot(1)
	if h0.Type != vm.TypeInt || h0.Int() != 1 || h1.Type != vm.TypeInt || h1.Int() != 3 {
		t.Errorf("case values = %v, %v; want 1, 3", h0, h1)
	}
	if t0 != 21 || t1 != 30 {
		t.Errorf("case targets = %d, %d; want 21, 30", t0, t1)
	}
	def := 5 + 2*caseSlotSize
	if got := def + int(int16(vm.ReadUint16(code[def:]))); got != 39 {
		t.Errorf("default target = %d, want 39", got)
	}

	// both breaks jump to the end of the switch
	for _, at := range []int{27, 36} {
		if vm.Opcode(code[at]) != vm.OpJmp {
			t.Fatalf("opcode at %d = %s, want JMP", at, vm.Opcode(code[at]))
		}
		if got := at + 1 + int(int16(vm.ReadUint16(code[at+1:]))); got != 45 {
			t.Errorf("break at %d jumps to %d, want 45", at, got)
		}
	}
	if vm.Opcode(code[45]) != vm.OpRetNil {
		t.Errorf("opcode at 45 = %s, want RETNIL", vm.Opcode(code[45]))
	}
}

func TestSwitchWithoutDefaultSkipsToEnd(t *testing.T) {
	u := generate(t, Options{},
		fn("f", params("n"), &SwitchStmt{
			Value: id("n"),
			Body:  []Stmt{&CaseStmt{Value: str("x")}, call("a")},
		}))
	_, code := body(t, u, "f")

	def := 5 + caseSlotSize
	target := def + int(int16(vm.ReadUint16(code[def:])))
	if target != len(code)-1 || vm.Opcode(code[target]) != vm.OpRetNil {
		t.Errorf("default slot targets %d, want the RETNIL at %d", target, len(code)-1)
	}
	h := vm.DecodeDataHolder(code[5:])
	if h.Type != vm.TypeSString {
		t.Errorf("case value type = %s, want sstring", h.Type)
	}
}

func TestDiscardedExpressions(t *testing.T) {
	// f() { local x; x; x = 0; x += 2; x = nil; }
	u := generate(t, Options{},
		fn("f", nil,
			&LocalDecl{Name: "x"},
			&ExprStmt{X: id("x")},
			&ExprStmt{X: &AssignExpr{Target: id("x"), Value: num(0)}},
			&ExprStmt{X: &AssignExpr{Op: BinAdd, Target: id("x"), Value: num(2)}},
			&ExprStmt{X: &AssignExpr{Target: id("x"), Value: &NilLiteral{}}},
		))
	_, code := body(t, u, "f")

	want := asm(
		vm.OpZeroLcl1, 0,
		vm.OpAddILcl1, 0, 2,
		vm.OpNilLcl1, 0,
		vm.OpRetNil,
	)
	if !bytes.Equal(code, want) {
		t.Errorf("code = % x, want % x", code, want)
	}
}

func TestLogicalValue(t *testing.T) {
	// f(a, b) { return a && b; }
	u := generate(t, Options{},
		fn("f", params("a", "b"), ret(&BinaryExpr{Op: BinAnd, Left: id("a"), Right: id("b")})))
	_, code := body(t, u, "f")

	want := asm(
		vm.OpGetArg1, 0,
		vm.OpJsf, 4, 0, // field at 3, target 7
		vm.OpGetArg1, 1,
		vm.OpBoolize, // 7
		vm.OpRetVal,
	)
	if !bytes.Equal(code, want) {
		t.Errorf("code = % x, want % x", code, want)
	}
}

func TestConstantFolding(t *testing.T) {
	// f() { return (2 + 3) * -4; }
	e := &BinaryExpr{
		Op:    BinMul,
		Left:  &BinaryExpr{Op: BinAdd, Left: num(2), Right: num(3)},
		Right: &UnaryExpr{Op: UnNeg, X: num(4)},
	}
	u := generate(t, Options{}, fn("f", nil, ret(e)))
	_, code := body(t, u, "f")
	want := asm(vm.OpPushInt8, 0xEC, vm.OpRetVal)
	if !bytes.Equal(code, want) {
		t.Errorf("code = % x, want % x", code, want)
	}
}

func TestLocalShadowsGlobalConstant(t *testing.T) {
	u := generate(t, Options{},
		&ObjectDecl{Name: "thing"},
		fn("f", params("thing"), ret(id("thing"))))
	_, code := body(t, u, "f")
	want := asm(vm.OpGetArg1, 0, vm.OpRetVal)
	if !bytes.Equal(code, want) {
		t.Errorf("code = % x, want % x", code, want)
	}
}

func TestStringConstantsArePooled(t *testing.T) {
	u := generate(t, Options{},
		fn("f", nil,
			&ExprStmt{X: &DStringLiteral{Value: "hello"}},
			ret(str("hello")),
		))
	_, code := body(t, u, "f")
	if vm.Opcode(code[0]) != vm.OpSay || vm.Opcode(code[5]) != vm.OpPushStr {
		t.Fatalf("code = % x, want SAY then PUSHSTR", code)
	}
	a := u.strs["hello"]
	if a == nil {
		t.Fatal("string not pooled")
	}
	if n := a.Fixups().Len(); n != 2 {
		t.Errorf("string references = %d, want 2", n)
	}
	if got := u.Stream(stream.Data).Len(); got != 7 {
		t.Errorf("data stream length = %d, want 7", got)
	}
}

func TestDebugTables(t *testing.T) {
	line := func(n int) Span { return Span{Start: Position{File: 0, Line: n}} }
	f := &FunctionDecl{
		Name:   "f",
		Params: params("longParameterName"),
		Body: &Block{Stmts: []Stmt{
			&LocalDecl{SpanVal: line(2), Name: "y", Init: num(1)},
			&ReturnStmt{SpanVal: line(3), Value: id("y")},
		}},
	}
	u := generate(t, Options{Debug: true}, f)
	s := u.Symbols.Lookup("f")
	b := s.Anchor.Bytes()
	hdr := vm.DecodeMethodHeader(b)
	if hdr.DebugInfoOfs == 0 {
		t.Fatal("no debug table")
	}
	lines, err := vm.DecodeLineEntries(b[hdr.DebugInfoOfs:])
	if err != nil {
		t.Fatalf("DecodeLineEntries: %v", err)
	}
	if len(lines) != 2 || lines[0].Line != 2 || lines[1].Line != 3 {
		t.Errorf("lines = %+v", lines)
	}
	if lines[0].Ofs != vm.MethodHeaderSize {
		t.Errorf("first line at %d, want %d", lines[0].Ofs, vm.MethodHeaderSize)
	}
	if len(u.lineTables) != 1 {
		t.Errorf("line tables = %d, want 1", len(u.lineTables))
	}
	if _, ok := u.lclNames["longParameterName"]; !ok {
		t.Error("long local name not stored in the local-variable stream")
	}
}

// ---------------------------------------------------------------------------
// Errors
// ---------------------------------------------------------------------------

func TestWideListConstruction(t *testing.T) {
	// f(x) { return [x, x, ... 300 times]; }
	elems := repeat(id("x"), 300)
	u := generate(t, Options{}, fn("f", params("x"), ret(&ListLiteral{Elems: elems})))
	hdr, code := body(t, u, "f")

	meta, err := u.metaclassIndex(vm.MetaList)
	if err != nil {
		t.Fatal(err)
	}
	p := 2 * len(elems)
	if len(code) < p+5 {
		t.Fatalf("code is %d bytes", len(code))
	}
	for i := 0; i < p; i += 2 {
		if vm.Opcode(code[i]) != vm.OpGetArg1 || code[i+1] != 0 {
			t.Fatalf("element push at %d = % x", i, code[i:i+2])
		}
	}
	if vm.Opcode(code[p]) != vm.OpNew2 || vm.ReadUint16(code[p+1:]) != 300 || int(vm.ReadUint16(code[p+3:])) != meta {
		t.Errorf("construction = % x, want NEW2 300 %d", code[p:p+5], meta)
	}
	if hdr.MaxStack != 300 {
		t.Errorf("max stack = %d, want 300", hdr.MaxStack)
	}
}

func TestGenerateErrors(t *testing.T) {
	tests := []struct {
		name  string
		decls []Decl
		want  string
	}{
		{
			"break outside loop",
			[]Decl{fn("f", nil, &BreakStmt{})},
			"break outside",
		},
		{
			"continue in switch",
			[]Decl{fn("f", params("n"), &SwitchStmt{Value: id("n"), Body: []Stmt{&DefaultStmt{}, &ContinueStmt{}}})},
			"continue outside",
		},
		{
			"case outside switch",
			[]Decl{fn("f", nil, &CaseStmt{Value: num(1)})},
			"outside of switch",
		},
		{
			"non-constant case",
			[]Decl{fn("f", params("n"), &SwitchStmt{Value: id("n"), Body: []Stmt{&CaseStmt{Value: id("n")}}})},
			"must be a constant",
		},
		{
			"two defaults",
			[]Decl{fn("f", params("n"), &SwitchStmt{Value: id("n"), Body: []Stmt{&DefaultStmt{}, &DefaultStmt{}}})},
			"more than one default",
		},
		{
			"duplicate label",
			[]Decl{fn("f", nil,
				&LabeledStmt{Label: "l", Stmt: &EmptyStmt{}},
				&LabeledStmt{Label: "l", Stmt: &EmptyStmt{}})},
			"more than once",
		},
		{
			"goto undefined label",
			[]Decl{fn("f", nil, &GotoStmt{Label: "nowhere"})},
			"undefined label",
		},
		{
			"goto into finally",
			[]Decl{fn("f", nil,
				&GotoStmt{Label: "in"},
				&TryStmt{
					Body:    &Block{},
					Finally: &Block{Stmts: []Stmt{&LabeledStmt{Label: "in", Stmt: &EmptyStmt{}}}},
				})},
			"into a finally block",
		},
		{
			"self outside method",
			[]Decl{fn("f", nil, ret(&SelfExpr{}))},
			"only valid in a method",
		},
		{
			"argument count",
			[]Decl{
				fn("g", params("a")),
				fn("f", nil, call("g")),
			},
			"wrong number of arguments",
		},
		{
			"too many call arguments",
			[]Decl{fn("f", params("x"), &ExprStmt{X: &CallExpr{Fn: id("g"), Args: repeat(id("x"), 256)}})},
			"too many arguments",
		},
		{
			"function defined twice",
			[]Decl{fn("f", nil), fn("f", nil)},
			"already defined",
		},
		{
			"required after optional",
			[]Decl{fn("f", []Param{{Name: "a", Optional: true}, {Name: "b"}})},
			"follows an optional",
		},
		{
			"object defined twice",
			[]Decl{&ObjectDecl{Name: "o"}, &ObjectDecl{Name: "o"}},
			"already defined",
		},
		{
			"superclass not an object",
			[]Decl{&PropertyDecl{Names: []string{"p"}}, &ObjectDecl{Name: "o", Superclasses: []string{"p"}}},
			"is not an object",
		},
		{
			"extern kind clash",
			[]Decl{&PropertyDecl{Names: []string{"p"}}, &ExternDecl{Kind: SymObject, Names: []string{"p"}}},
			"already defined as a property",
		},
		{
			"duplicate property",
			[]Decl{&ObjectDecl{Name: "o", Props: []*PropDef{{Name: "p", Value: num(1)}, {Name: "p", Value: num(2)}}}},
			"more than once",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := generateErr(t, tt.decls...)
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error = %q, want it to contain %q", err, tt.want)
			}
		})
	}
}

func TestGotoAcrossFinallyRunsIt(t *testing.T) {
	// f() { try { goto out; } finally { x(); } out: ; }
	u := generate(t, Options{},
		fn("f", nil,
			&TryStmt{
				Body:    &Block{Stmts: []Stmt{&GotoStmt{Label: "out"}}},
				Finally: &Block{Stmts: []Stmt{call("x")}},
			},
			&LabeledStmt{Label: "out", Stmt: &EmptyStmt{}},
		))
	_, code := body(t, u, "f")
	if vm.Opcode(code[0]) != vm.OpLjsr || vm.Opcode(code[3]) != vm.OpJmp {
		t.Errorf("code = % x, want LJSR then JMP", code)
	}
}

// ---------------------------------------------------------------------------
// Functions
// ---------------------------------------------------------------------------

func TestMultiMethodNames(t *testing.T) {
	tests := []struct {
		params  []Param
		varargs bool
		want    string
	}{
		{nil, false, "f*()"},
		{[]Param{{Name: "a", Type: "Thing"}, {Name: "b"}}, false, "f*(Thing,*)"},
		{[]Param{{Name: "a", Type: "Thing"}}, true, "f*(Thing,...)"},
		{nil, true, "f*(...)"},
	}
	for _, tt := range tests {
		if got := multiName("f", tt.params, tt.varargs); got != tt.want {
			t.Errorf("multiName = %q, want %q", got, tt.want)
		}
	}
}

func TestMultiMethodInstances(t *testing.T) {
	u := generate(t, Options{},
		&ObjectDecl{Name: "Thing", Class: true},
		&FunctionDecl{Name: "f", Multi: true, Params: []Param{{Name: "a", Type: "Thing"}}, Body: &Block{}},
		&FunctionDecl{Name: "f", Multi: true, Params: []Param{{Name: "a"}}, Body: &Block{}},
	)
	base := u.Symbols.Lookup("f")
	if !base.MultiBase || base.Anchor != nil {
		t.Errorf("base = %+v, want a body-less multi-method base", base)
	}
	if len(u.multi) != 2 {
		t.Fatalf("instances = %d, want 2", len(u.multi))
	}
	if u.multi[0].Function != "f*(Thing)" || u.multi[0].Types[0] != "Thing" {
		t.Errorf("first instance = %+v", u.multi[0])
	}
	if s := u.Symbols.Lookup("f*(*)"); s == nil || s.Anchor == nil {
		t.Error("second instance has no code")
	}
}

func TestReplaceFunctionInUnit(t *testing.T) {
	u := generate(t, Options{},
		fn("f", nil, ret(num(1))),
		&FunctionDecl{Name: "f", Replace: true, Body: &Block{Stmts: []Stmt{ret(num(2))}}},
	)
	anchors := u.Stream(stream.Code).Anchors()
	if len(anchors) != 2 {
		t.Fatalf("code anchors = %d, want 2", len(anchors))
	}
	if !anchors[0].Replaced() || anchors[1].Replaced() {
		t.Error("first definition should be replaced by the second")
	}
	if s := u.Symbols.Lookup("f"); s.Anchor != anchors[1] || s.Anchor.Fixups() != s.Fixups {
		t.Error("symbol not attached to the replacement")
	}
}
