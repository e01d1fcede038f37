package compiler

import (
	"github.com/chazu/t3c/vm"
)

// ---------------------------------------------------------------------------
// Constant folding
// ---------------------------------------------------------------------------

func (n *UnaryExpr) constValue(u *Unit) (Const, bool) {
	k, ok := isConst(u, n.X)
	if !ok {
		return Const{}, false
	}
	switch n.Op {
	case UnNeg:
		if k.Kind == vm.TypeInt {
			return Const{Kind: vm.TypeInt, Int: -k.Int}, true
		}
	case UnBitNot:
		if k.Kind == vm.TypeInt {
			return Const{Kind: vm.TypeInt, Int: ^k.Int}, true
		}
	case UnNot:
		if k.Kind != vm.TypeDString {
			if k.truth() {
				return Const{Kind: vm.TypeNil}, true
			}
			return Const{Kind: vm.TypeTrue}, true
		}
	}
	return Const{}, false
}

// BinaryExpr folds integer arithmetic.
func (n *BinaryExpr) constValue(u *Unit) (Const, bool) {
	a, ok := isConst(u, n.Left)
	if !ok || a.Kind != vm.TypeInt {
		return Const{}, false
	}
	b, ok := isConst(u, n.Right)
	if !ok || b.Kind != vm.TypeInt {
		return Const{}, false
	}
	x, y := a.Int, b.Int
	var r int32
	switch n.Op {
	case BinAdd:
		r = x + y
	case BinSub:
		r = x - y
	case BinMul:
		r = x * y
	case BinDiv:
		if y == 0 {
			return Const{}, false
		}
		r = x / y
	case BinMod:
		if y == 0 {
			return Const{}, false
		}
		r = x % y
	case BinBitAnd:
		r = x & y
	case BinBitOr:
		r = x | y
	case BinXor:
		r = x ^ y
	default:
		return Const{}, false
	}
	return Const{Kind: vm.TypeInt, Int: r}, true
}

// ---------------------------------------------------------------------------
// Literals that do not fold
// ---------------------------------------------------------------------------

func (n *BigNumLiteral) genCode(g *codeGen, discard, forCond bool) error {
	_, err := g.u.bigNumber(n.Text)
	if err == nil {
		return errorf(n, "bad number %s", n.Text)
	}
	return errorf(n, "%v", err)
}

func (n *AddrExpr) genCode(g *codeGen, discard, forCond bool) error {
	return errorf(n, "cannot take the address of %s", n.Name)
}

// ListLiteral with non-constant elements builds the list at run time.
func (n *ListLiteral) genCode(g *codeGen, discard, forCond bool) error {
	argc, err := g.pushArgs(n, n.Elems, maxWideArgs)
	if err != nil {
		return err
	}
	meta, err := g.u.metaclassIndex(vm.MetaList)
	if err != nil {
		return errorf(n, "%v", err)
	}
	g.newObject(argc, meta, false)
	g.result(discard)
	return nil
}

// newObject emits NEW for argc arguments already on the stack.
func (g *codeGen) newObject(argc, meta int, transient bool) {
	cs := g.cs
	if argc <= 255 && meta <= 255 {
		op := vm.OpNew1
		if transient {
			op = vm.OpTrNew1
		}
		cs.Op(op)
		cs.U8(byte(argc))
		cs.U8(byte(meta))
	} else {
		op := vm.OpNew2
		if transient {
			op = vm.OpTrNew2
		}
		cs.Op(op)
		cs.U16(uint16(argc))
		cs.U16(uint16(meta))
	}
	cs.Adjust(-argc)
}

// ---------------------------------------------------------------------------
// Names
// ---------------------------------------------------------------------------

func (g *codeGen) requireMethod(n Node, what string) error {
	if !g.method {
		return errorf(n, "%s is only valid in a method", what)
	}
	return nil
}

func (n *Ident) genCode(g *codeGen, discard, forCond bool) error {
	if l := g.lookupLocal(n.Name); l != nil {
		if !discard {
			g.getLocal(l)
		}
		return nil
	}
	s := g.u.Symbols.Lookup(n.Name)
	if s == nil {
		return errorf(n, "undefined symbol %s", n.Name)
	}
	switch s.Kind {
	case SymProperty:
		if err := g.requireMethod(n, "property "+n.Name); err != nil {
			return err
		}
		g.cs.Op(vm.OpGetPropSelf)
		g.cs.PropID(s.ID)
		g.result(discard)
		return nil
	case SymBuiltin:
		if !discard {
			g.cs.Op(vm.OpPushBifPtr)
			g.cs.U16(uint16(s.FuncIndex))
			g.cs.U16(uint16(s.FuncSet))
		}
		return nil
	}
	return errorf(n, "%s cannot be used as a value", n.Name)
}

func (n *Ident) genAssign(g *codeGen, discard bool) error {
	if l := g.lookupLocal(n.Name); l != nil {
		if !discard {
			g.cs.Op(vm.OpDup)
		}
		g.setLocal(l)
		return nil
	}
	s := g.u.Symbols.Lookup(n.Name)
	if s == nil || s.Kind != SymProperty {
		return errorf(n, "cannot assign to %s", n.Name)
	}
	if err := g.requireMethod(n, "property "+n.Name); err != nil {
		return err
	}
	if !discard {
		g.cs.Op(vm.OpDup)
	}
	g.cs.Op(vm.OpSetPropSf)
	g.cs.PropID(s.ID)
	return nil
}

// Ident evaluates a property of a named object directly.
func (n *Ident) genMember(g *codeGen, prop *Symbol, argc int, hasArgs, discard bool) error {
	k, ok := g.constOf(n)
	if !ok || k.Kind != vm.TypeObj {
		return g.memberOfValue(n, prop, argc, hasArgs, discard)
	}
	cs := g.cs
	if hasArgs {
		cs.Op(vm.OpObjCallProp)
		cs.U8(byte(argc))
		cs.ObjID(k.ID)
		cs.PropID(prop.ID)
		cs.Adjust(-argc)
	} else {
		cs.Op(vm.OpObjGetProp)
		cs.ObjID(k.ID)
		cs.PropID(prop.ID)
	}
	g.result(discard)
	return nil
}

func (n *SelfExpr) genCode(g *codeGen, discard, forCond bool) error {
	if err := g.requireMethod(n, "self"); err != nil {
		return err
	}
	if !discard {
		g.cs.Op(vm.OpPushSelf)
	}
	return nil
}

func (n *SelfExpr) genMember(g *codeGen, prop *Symbol, argc int, hasArgs, discard bool) error {
	if err := g.requireMethod(n, "self"); err != nil {
		return err
	}
	cs := g.cs
	if hasArgs {
		cs.Op(vm.OpCallPropSelf)
		cs.U8(byte(argc))
		cs.PropID(prop.ID)
		cs.Adjust(-argc)
	} else {
		cs.Op(vm.OpGetPropSelf)
		cs.PropID(prop.ID)
	}
	g.result(discard)
	return nil
}

func (n *ArgcExpr) genCode(g *codeGen, discard, forCond bool) error {
	if !discard {
		g.cs.Op(vm.OpGetArgc)
	}
	return nil
}

// ---------------------------------------------------------------------------
// Operators
// ---------------------------------------------------------------------------

func (n *UnaryExpr) genCode(g *codeGen, discard, forCond bool) error {
	if err := g.genExpr(n.X, false, n.Op == UnNot); err != nil {
		return err
	}
	switch n.Op {
	case UnNeg:
		g.cs.Op(vm.OpNeg)
	case UnBitNot:
		g.cs.Op(vm.OpBNot)
	case UnNot:
		g.cs.Op(vm.OpNot)
	}
	if discard {
		g.cs.Op(vm.OpDisc)
	}
	return nil
}

func (n *UnaryExpr) genCond(g *codeGen, t, f *Label) error {
	if n.Op == UnNot {
		return g.genCond(n.X, f, t)
	}
	return g.branchOnValue(n, t, f)
}

func (n *BinaryExpr) genCode(g *codeGen, discard, forCond bool) error {
	if n.Op == BinAnd || n.Op == BinOr {
		return g.logical(n, discard, forCond)
	}
	op, ok := binaryOpcodes[n.Op]
	if !ok {
		return errorf(n, "unsupported operator")
	}
	if err := g.genExpr(n.Left, false, false); err != nil {
		return err
	}
	if k, isK := g.constOf(n.Right); isK && k.Kind == vm.TypeInt && k.Int == 1 &&
		(n.Op == BinAdd || n.Op == BinSub) {
		if n.Op == BinAdd {
			g.cs.Op(vm.OpInc)
		} else {
			g.cs.Op(vm.OpDec)
		}
	} else {
		if err := g.genExpr(n.Right, false, false); err != nil {
			return err
		}
		g.cs.Op(op)
	}
	if discard {
		g.cs.Op(vm.OpDisc)
	}
	return nil
}

// logical generates && and || for their value. Both yield true or nil
// unless the value is only tested.
func (g *codeGen) logical(n *BinaryExpr, discard, forCond bool) error {
	cs := g.cs
	if discard {
		skip := cs.NewLabel()
		var err error
		if n.Op == BinAnd {
			err = g.genCond(n.Left, nil, skip)
		} else {
			err = g.genCond(n.Left, skip, nil)
		}
		if err != nil {
			return err
		}
		if err := g.genExpr(n.Right, true, false); err != nil {
			return err
		}
		cs.DefineLabel(skip)
		return nil
	}
	end := cs.NewLabel()
	if err := g.genExpr(n.Left, false, true); err != nil {
		return err
	}
	if n.Op == BinAnd {
		cs.Jump(vm.OpJsf, end)
	} else {
		cs.Jump(vm.OpJst, end)
	}
	if err := g.genExpr(n.Right, false, true); err != nil {
		return err
	}
	cs.DefineLabel(end)
	if !forCond {
		cs.Op(vm.OpBoolize)
	}
	return nil
}

func (n *BinaryExpr) genCond(g *codeGen, t, f *Label) error {
	switch n.Op {
	case BinAnd:
		if f != nil {
			if err := g.genCond(n.Left, nil, f); err != nil {
				return err
			}
			return g.genCond(n.Right, nil, f)
		}
		skip := g.cs.NewLabel()
		if err := g.genCond(n.Left, nil, skip); err != nil {
			return err
		}
		if err := g.genCond(n.Right, t, nil); err != nil {
			return err
		}
		g.cs.DefineLabel(skip)
		return nil
	case BinOr:
		if t != nil {
			if err := g.genCond(n.Left, t, nil); err != nil {
				return err
			}
			return g.genCond(n.Right, t, nil)
		}
		skip := g.cs.NewLabel()
		if err := g.genCond(n.Left, skip, nil); err != nil {
			return err
		}
		if err := g.genCond(n.Right, nil, f); err != nil {
			return err
		}
		g.cs.DefineLabel(skip)
		return nil
	}
	return g.branchOnValue(n, t, f)
}

func (n *CondExpr) genCode(g *codeGen, discard, forCond bool) error {
	if k, ok := g.constOf(n.Cond); ok && k.Kind != vm.TypeDString {
		if k.truth() {
			return g.genExpr(n.Then, discard, forCond)
		}
		return g.genExpr(n.Else, discard, forCond)
	}
	cs := g.cs
	f := cs.NewLabel()
	end := cs.NewLabel()
	if err := g.genCond(n.Cond, nil, f); err != nil {
		return err
	}
	if err := g.genExpr(n.Then, discard, forCond); err != nil {
		return err
	}
	if !discard && cs.Reachable() {
		// the else branch pushes its own value
		cs.Adjust(-1)
	}
	cs.Jump(vm.OpJmp, end)
	cs.DefineLabel(f)
	if err := g.genExpr(n.Else, discard, forCond); err != nil {
		return err
	}
	cs.DefineLabel(end)
	return nil
}

// ---------------------------------------------------------------------------
// Assignment
// ---------------------------------------------------------------------------

func assignTarget(e Expr) (assignCoder, error) {
	a, ok := e.(assignCoder)
	if !ok {
		return nil, errorf(e, "invalid assignment target")
	}
	return a, nil
}

func (n *AssignExpr) genCode(g *codeGen, discard, forCond bool) error {
	target, err := assignTarget(n.Target)
	if err != nil {
		return err
	}
	cs := g.cs
	l, isLocal := g.localTarget(n.Target)
	short := isLocal && discard && !l.param && l.slot < 256
	k, isK := g.constOf(n.Value)

	if n.Op == BinNone {
		if short && isK {
			switch {
			case k.Kind == vm.TypeInt && k.Int == 0:
				cs.Op(vm.OpZeroLcl1)
				cs.U8(byte(l.slot))
				return nil
			case k.Kind == vm.TypeNil:
				cs.Op(vm.OpNilLcl1)
				cs.U8(byte(l.slot))
				return nil
			}
		}
		if err := g.genExpr(n.Value, false, false); err != nil {
			return err
		}
		return target.genAssign(g, discard)
	}

	op, ok := binaryOpcodes[n.Op]
	if !ok || n.Op >= BinEq {
		return errorf(n, "invalid compound assignment")
	}
	if short && isK && k.Kind == vm.TypeInt && (n.Op == BinAdd || n.Op == BinSub) {
		v := k.Int
		if n.Op == BinSub {
			v = -v
		}
		if v >= -128 && v <= 127 {
			cs.Op(vm.OpAddILcl1)
			cs.U8(byte(l.slot))
			cs.U8(byte(int8(v)))
			return nil
		}
	}
	if err := g.genExpr(n.Target, false, false); err != nil {
		return err
	}
	if err := g.genExpr(n.Value, false, false); err != nil {
		return err
	}
	cs.Op(op)
	return target.genAssign(g, discard)
}

func (n *IncDecExpr) genCode(g *codeGen, discard, forCond bool) error {
	target, err := assignTarget(n.Target)
	if err != nil {
		return err
	}
	cs := g.cs
	if l, ok := g.localTarget(n.Target); ok && discard && !l.param {
		if n.Dec {
			cs.Op(vm.OpDecLcl)
		} else {
			cs.Op(vm.OpIncLcl)
		}
		cs.U16(uint16(l.slot))
		return nil
	}
	if err := g.genExpr(n.Target, false, false); err != nil {
		return err
	}
	keepOld := n.Post && !discard
	if keepOld {
		cs.Op(vm.OpDup)
	}
	if n.Dec {
		cs.Op(vm.OpDec)
	} else {
		cs.Op(vm.OpInc)
	}
	return target.genAssign(g, discard || keepOld)
}

// ---------------------------------------------------------------------------
// Calls
// ---------------------------------------------------------------------------

func checkArgc(n Node, name string, argc, min, opt int, varargs bool) error {
	if argc < min || (!varargs && argc > min+opt) {
		return errorf(n, "wrong number of arguments to %s (%d)", name, argc)
	}
	return nil
}

func (n *CallExpr) genCode(g *codeGen, discard, forCond bool) error {
	if id, ok := n.Fn.(*Ident); ok && g.lookupLocal(id.Name) == nil {
		s := g.u.Symbols.Lookup(id.Name)
		if s == nil {
			s = g.u.Symbols.Function(id.Name)
		}
		switch s.Kind {
		case SymFunction:
			return g.callFunction(n, s, discard)
		case SymBuiltin:
			return g.callBuiltin(n, s, discard)
		case SymProperty:
			m := &MemberExpr{SpanVal: n.SpanVal, Prop: id.Name, Args: n.Args, HasArgs: true}
			return m.genCode(g, discard, forCond)
		}
		return errorf(n, "%s is not a function", id.Name)
	}
	argc, err := g.pushArgs(n, n.Args, maxArgs)
	if err != nil {
		return err
	}
	if err := g.genExpr(n.Fn, false, false); err != nil {
		return err
	}
	g.cs.Op(vm.OpPtrCall)
	g.cs.U8(byte(argc))
	g.cs.Adjust(-(argc + 1))
	g.result(discard)
	return nil
}

func (g *codeGen) callFunction(n *CallExpr, s *Symbol, discard bool) error {
	if s.Defined && !s.MultiBase {
		if err := checkArgc(n, s.Name, len(n.Args), s.Argc, s.OptArgc, s.Varargs); err != nil {
			return err
		}
	}
	argc, err := g.pushArgs(n, n.Args, maxArgs)
	if err != nil {
		return err
	}
	g.cs.Op(vm.OpCall)
	g.cs.U8(byte(argc))
	g.cs.AbsRef(s.Fixups)
	g.cs.Adjust(-argc)
	g.result(discard)
	return nil
}

func (g *codeGen) callBuiltin(n *CallExpr, s *Symbol, discard bool) error {
	if err := checkArgc(n, s.Name, len(n.Args), s.Argc, s.OptArgc, s.Varargs); err != nil {
		return err
	}
	if s.FuncSet > 255 {
		return errorf(n, "function set of %s out of range", s.Name)
	}
	argc, err := g.pushArgs(n, n.Args, maxArgs)
	if err != nil {
		return err
	}
	cs := g.cs
	set, idx := s.FuncSet, s.FuncIndex
	switch {
	case set < 4 && idx < 256:
		cs.Op(vm.OpBuiltinA + vm.Opcode(set))
		cs.U8(byte(argc))
		cs.U8(byte(idx))
	case idx < 256:
		cs.Op(vm.OpBuiltin1)
		cs.U8(byte(argc))
		cs.U8(byte(idx))
		cs.U8(byte(set))
	default:
		cs.Op(vm.OpBuiltin2)
		cs.U8(byte(argc))
		cs.U16(uint16(idx))
		cs.U8(byte(set))
	}
	cs.Adjust(-argc)
	g.result(discard)
	return nil
}

// ---------------------------------------------------------------------------
// Members, indexing, object creation
// ---------------------------------------------------------------------------

func (n *MemberExpr) genCode(g *codeGen, discard, forCond bool) error {
	argc, err := g.pushArgs(n, n.Args, maxArgs)
	if err != nil {
		return err
	}
	obj := n.Obj
	if obj == nil {
		obj = &SelfExpr{SpanVal: n.SpanVal}
	}
	if n.PropExpr != nil {
		if err := g.genExpr(obj, false, false); err != nil {
			return err
		}
		if err := g.genExpr(n.PropExpr, false, false); err != nil {
			return err
		}
		g.cs.Op(vm.OpPtrCallProp)
		g.cs.U8(byte(argc))
		g.cs.Adjust(-(argc + 2))
		g.result(discard)
		return nil
	}
	prop, err := g.u.property(n, n.Prop)
	if err != nil {
		return err
	}
	if m, ok := obj.(memberCoder); ok {
		return m.genMember(g, prop, argc, n.HasArgs, discard)
	}
	return g.memberOfValue(obj, prop, argc, n.HasArgs, discard)
}

// memberOfValue evaluates a property of the object obj evaluates to.
func (g *codeGen) memberOfValue(obj Expr, prop *Symbol, argc int, hasArgs, discard bool) error {
	if err := g.genExpr(obj, false, false); err != nil {
		return err
	}
	cs := g.cs
	if hasArgs {
		cs.Op(vm.OpCallProp)
		cs.U8(byte(argc))
		cs.PropID(prop.ID)
		cs.Adjust(-(argc + 1))
	} else {
		cs.Op(vm.OpGetProp)
		cs.PropID(prop.ID)
	}
	g.result(discard)
	return nil
}

func (n *MemberExpr) genAssign(g *codeGen, discard bool) error {
	if n.HasArgs || n.PropExpr != nil {
		return errorf(n, "invalid assignment target")
	}
	prop, err := g.u.property(n, n.Prop)
	if err != nil {
		return err
	}
	cs := g.cs
	if !discard {
		cs.Op(vm.OpDup)
	}
	switch obj := n.Obj.(type) {
	case nil, *SelfExpr:
		if err := g.requireMethod(n, "self"); err != nil {
			return err
		}
		cs.Op(vm.OpSetPropSf)
		cs.PropID(prop.ID)
		return nil
	default:
		if k, ok := g.constOf(obj); ok && k.Kind == vm.TypeObj {
			cs.Op(vm.OpObjSetPrp)
			cs.ObjID(k.ID)
			cs.PropID(prop.ID)
			return nil
		}
		if err := g.genExpr(obj, false, false); err != nil {
			return err
		}
		cs.Op(vm.OpSetProp)
		cs.PropID(prop.ID)
		return nil
	}
}

func (n *IndexExpr) genCode(g *codeGen, discard, forCond bool) error {
	if err := g.genExpr(n.X, false, false); err != nil {
		return err
	}
	if err := g.genExpr(n.Index, false, false); err != nil {
		return err
	}
	g.cs.Op(vm.OpIndex)
	if discard {
		g.cs.Op(vm.OpDisc)
	}
	return nil
}

// IndexExpr stores through SETIND, which yields the updated container; that
// is stored back into the container expression when it is assignable.
func (n *IndexExpr) genAssign(g *codeGen, discard bool) error {
	cs := g.cs
	if !discard {
		cs.Op(vm.OpDup)
	}
	if err := g.genExpr(n.X, false, false); err != nil {
		return err
	}
	if err := g.genExpr(n.Index, false, false); err != nil {
		return err
	}
	cs.Op(vm.OpSetInd)
	if a, ok := n.X.(assignCoder); ok {
		if _, isK := g.constOf(n.X); !isK {
			return a.genAssign(g, true)
		}
	}
	cs.Op(vm.OpDisc)
	return nil
}

func (n *NewExpr) genCode(g *codeGen, discard, forCond bool) error {
	cls := g.u.Symbols.Lookup(n.Class)
	if cls == nil || cls.Kind != SymObject {
		return errorf(n, "unknown class %s", n.Class)
	}
	limit := maxWideArgs
	if cls.Intrinsic == nil {
		limit-- // the class itself is pushed too
	}
	argc, err := g.pushArgs(n, n.Args, limit)
	if err != nil {
		return err
	}
	meta := 0
	if cls.Intrinsic != nil {
		meta = cls.Intrinsic.DepIndex
	} else {
		if meta, err = g.u.metaclassIndex(vm.MetaTadsObject); err != nil {
			return errorf(n, "%v", err)
		}
		g.cs.Op(vm.OpPushObj)
		g.cs.ObjID(cls.ID)
		argc++
	}
	g.newObject(argc, meta, n.Transient)
	g.result(discard)
	return nil
}

func (n *InheritedExpr) genCode(g *codeGen, discard, forCond bool) error {
	if err := g.requireMethod(n, "inherited"); err != nil {
		return err
	}
	prop, err := g.u.property(n, n.Prop)
	if err != nil {
		return err
	}
	var cls *Symbol
	if n.Class != "" {
		cls = g.u.Symbols.Lookup(n.Class)
		if cls == nil || cls.Kind != SymObject {
			return errorf(n, "unknown class %s", n.Class)
		}
	}
	argc, err := g.pushArgs(n, n.Args, maxArgs)
	if err != nil {
		return err
	}
	cs := g.cs
	if cls == nil {
		cs.Op(vm.OpInherit)
		cs.U8(byte(argc))
		cs.PropID(prop.ID)
	} else {
		cs.Op(vm.OpExpInherit)
		cs.U8(byte(argc))
		cs.PropID(prop.ID)
		cs.ObjID(cls.ID)
	}
	cs.Adjust(-argc)
	g.result(discard)
	return nil
}

func (n *DelegatedExpr) genCode(g *codeGen, discard, forCond bool) error {
	if err := g.requireMethod(n, "delegated"); err != nil {
		return err
	}
	prop, err := g.u.property(n, n.Prop)
	if err != nil {
		return err
	}
	argc, err := g.pushArgs(n, n.Args, maxArgs)
	if err != nil {
		return err
	}
	if err := g.genExpr(n.Obj, false, false); err != nil {
		return err
	}
	g.cs.Op(vm.OpDelegate)
	g.cs.U8(byte(argc))
	g.cs.PropID(prop.ID)
	g.cs.Adjust(-(argc + 1))
	g.result(discard)
	return nil
}
