package compiler

import (
	"github.com/chazu/t3c/vm"
)

// ---------------------------------------------------------------------------
// Node capabilities
// ---------------------------------------------------------------------------
//
// Each expression node implements the subset of these interfaces matching
// what it can do. Asking a node for a capability it lacks is a compile
// error, reported where the node is used.

// coder generates code leaving the node's value on the stack. With discard
// the value is not needed; with forCond it is only tested for truth.
type coder interface {
	genCode(g *codeGen, discard, forCond bool) error
}

// condCoder generates a conditional branch. Exactly one of t and f is
// non-nil: the code branches to t when the value is true, or to f when it
// is false, and falls through otherwise.
type condCoder interface {
	genCond(g *codeGen, t, f *Label) error
}

// assignCoder stores the value on top of the stack into the node. Unless
// discard is set, a copy of the value stays on the stack.
type assignCoder interface {
	genAssign(g *codeGen, discard bool) error
}

// memberCoder evaluates a property of the object the node denotes. Argument
// values are already on the stack.
type memberCoder interface {
	genMember(g *codeGen, prop *Symbol, argc int, hasArgs, discard bool) error
}

// constant folds the node to a compile-time value.
type constant interface {
	constValue(u *Unit) (Const, bool)
}

// ---------------------------------------------------------------------------
// Code body generator
// ---------------------------------------------------------------------------

// codeGen holds the state of the code body being generated.
type codeGen struct {
	u      *Unit
	cs     *CodeStream
	name   string
	method bool // self is available
	node   Node

	scope   *scope
	nlocals int
	excs    []vm.ExceptionEntry

	finallies  []*TryStmt // finally blocks being generated, innermost last
	loopLabels []string   // statement labels the next loop answers to
}

type scope struct {
	parent *scope
	vars   map[string]*local
	frame  *LocalFrame
	saved  *LocalFrame
}

type local struct {
	name  string
	slot  int
	param bool
}

func (g *codeGen) pushScope() {
	g.scope = &scope{parent: g.scope, vars: make(map[string]*local)}
}

func (g *codeGen) popScope() {
	if g.scope.frame != nil {
		g.cs.SetLocalFrame(g.scope.saved)
	}
	g.scope = g.scope.parent
}

// lookupLocal finds a local or parameter by name in the scope chain.
func (g *codeGen) lookupLocal(name string) *local {
	for s := g.scope; s != nil; s = s.parent {
		if l, ok := s.vars[name]; ok {
			return l
		}
	}
	return nil
}

// allocLocal reserves an unnamed local slot.
func (g *codeGen) allocLocal() int {
	slot := g.nlocals
	g.nlocals++
	return slot
}

func (g *codeGen) bind(l *local) {
	g.scope.vars[l.name] = l
	if !g.u.opts.Debug {
		return
	}
	if g.scope.frame == nil {
		g.scope.frame = g.cs.NewFrame()
		g.scope.saved = g.cs.SetLocalFrame(g.scope.frame)
	}
	g.scope.frame.Vars = append(g.scope.frame.Vars, FrameVar{Name: l.name, Slot: l.slot, Param: l.param})
}

// declareLocal adds a named local to the current scope.
func (g *codeGen) declareLocal(name string) *local {
	l := &local{name: name, slot: g.allocLocal()}
	g.bind(l)
	return l
}

func (g *codeGen) declareParam(name string, index int) {
	g.bind(&local{name: name, slot: index, param: true})
}

// getLocal pushes a local or parameter.
func (g *codeGen) getLocal(l *local) {
	switch {
	case l.param && l.slot < 256:
		g.cs.Op(vm.OpGetArg1)
		g.cs.U8(byte(l.slot))
	case l.param:
		g.cs.Op(vm.OpGetArg2)
		g.cs.U16(uint16(l.slot))
	default:
		g.getSlot(l.slot)
	}
}

// setLocal pops into a local or parameter.
func (g *codeGen) setLocal(l *local) {
	switch {
	case l.param && l.slot < 256:
		g.cs.Op(vm.OpSetArg1)
		g.cs.U8(byte(l.slot))
	case l.param:
		g.cs.Op(vm.OpSetArg2)
		g.cs.U16(uint16(l.slot))
	default:
		g.setSlot(l.slot)
	}
}

func (g *codeGen) getSlot(slot int) {
	if slot < 256 {
		g.cs.Op(vm.OpGetLcl1)
		g.cs.U8(byte(slot))
		return
	}
	g.cs.Op(vm.OpGetLcl2)
	g.cs.U16(uint16(slot))
}

func (g *codeGen) setSlot(slot int) {
	if slot < 256 {
		g.cs.Op(vm.OpSetLcl1)
		g.cs.U8(byte(slot))
		return
	}
	g.cs.Op(vm.OpSetLcl2)
	g.cs.U16(uint16(slot))
}

// ---------------------------------------------------------------------------
// Values
// ---------------------------------------------------------------------------

// constOf folds e to a constant. A name bound to a local never folds.
func (g *codeGen) constOf(e Expr) (Const, bool) {
	if id, ok := e.(*Ident); ok && g.lookupLocal(id.Name) != nil {
		return Const{}, false
	}
	return isConst(g.u, e)
}

// genExpr generates e for its value.
func (g *codeGen) genExpr(e Expr, discard, forCond bool) error {
	if k, ok := g.constOf(e); ok {
		if k.Kind == vm.TypeDString {
			g.say(k.Str)
			if !discard {
				g.cs.Op(vm.OpPushNil)
			}
		} else if !discard {
			g.pushConst(k)
		}
		return nil
	}
	c, ok := e.(coder)
	if !ok {
		return errorf(e, "expression does not produce a value")
	}
	return c.genCode(g, discard, forCond)
}

// genCond generates a branch on the truth of e.
func (g *codeGen) genCond(e Expr, t, f *Label) error {
	if k, ok := g.constOf(e); ok && k.Kind != vm.TypeDString {
		switch {
		case t != nil && k.truth():
			g.cs.Jump(vm.OpJmp, t)
		case f != nil && !k.truth():
			g.cs.Jump(vm.OpJmp, f)
		}
		return nil
	}
	if c, ok := e.(condCoder); ok {
		return c.genCond(g, t, f)
	}
	return g.branchOnValue(e, t, f)
}

// branchOnValue evaluates e and branches on the result.
func (g *codeGen) branchOnValue(e Expr, t, f *Label) error {
	if err := g.genExpr(e, false, true); err != nil {
		return err
	}
	if t != nil {
		g.cs.Jump(vm.OpJt, t)
	} else {
		g.cs.Jump(vm.OpJf, f)
	}
	return nil
}

// pushConst pushes a constant value.
func (g *codeGen) pushConst(c Const) {
	cs := g.cs
	switch c.Kind {
	case vm.TypeNil:
		cs.Op(vm.OpPushNil)
	case vm.TypeTrue:
		cs.Op(vm.OpPushTrue)
	case vm.TypeInt:
		switch {
		case c.Int == 0:
			cs.Op(vm.OpPush0)
		case c.Int == 1:
			cs.Op(vm.OpPush1)
		case c.Int >= -128 && c.Int <= 127:
			cs.Op(vm.OpPushInt8)
			cs.U8(byte(int8(c.Int)))
		default:
			cs.Op(vm.OpPushInt)
			cs.U32(uint32(c.Int))
		}
	case vm.TypeSString:
		cs.Op(vm.OpPushStr)
		cs.AbsRef(g.u.poolString(c.Str).Fixups())
	case vm.TypeList:
		cs.Op(vm.OpPushLst)
		if cs.Reachable() {
			cs.AbsRef(g.u.poolList(c.List).Fixups())
		}
	case vm.TypeObj:
		cs.Op(vm.OpPushObj)
		cs.ObjID(c.ID)
	case vm.TypeProp:
		cs.Op(vm.OpPushPropID)
		cs.PropID(c.ID)
	case vm.TypeEnum:
		cs.Op(vm.OpPushEnum)
		cs.EnumID(c.ID)
	case vm.TypeFuncPtr:
		cs.Op(vm.OpPushFnPtr)
		cs.AbsRef(c.Fn.Fixups)
	}
}

// say displays a string constant.
func (g *codeGen) say(str string) {
	g.cs.Op(vm.OpSay)
	g.cs.AbsRef(g.u.poolString(str).Fixups())
}

// result pushes R0 unless the value is discarded.
func (g *codeGen) result(discard bool) {
	if !discard {
		g.cs.Op(vm.OpGetR0)
	}
}

// Argument count limits of the one-byte and two-byte argc operands.
const (
	maxArgs     = 0xFF
	maxWideArgs = 0xFFFF
)

// pushArgs pushes call arguments, last first. limit is the largest count
// the consuming opcode can encode.
func (g *codeGen) pushArgs(n Node, args []Expr, limit int) (int, error) {
	if len(args) > limit {
		return 0, errorf(n, "too many arguments (%d)", len(args))
	}
	for i := len(args) - 1; i >= 0; i-- {
		if err := g.genExpr(args[i], false, false); err != nil {
			return 0, err
		}
	}
	return len(args), nil
}

// ---------------------------------------------------------------------------
// Enclosing statements
// ---------------------------------------------------------------------------

// enclosing is a statement that non-local transfers of control pass
// through on their way out.
type enclosing interface {
	outer() enclosing
	stmt() Stmt

	// breakTarget returns where a break with the given label (empty for
	// none) goes, or nil if the statement does not answer to it.
	breakTarget(label string) *Label
	continueTarget(label string) *Label

	// unwind emits the code run when a transfer leaves the statement.
	unwind(g *codeGen)
}

type loopFrame struct {
	parent enclosing
	node   Stmt
	brk    *Label
	cont   *Label
	labels []string
}

func hasLabel(labels []string, name string) bool {
	for _, l := range labels {
		if l == name {
			return true
		}
	}
	return false
}

func (f *loopFrame) outer() enclosing { return f.parent }
func (f *loopFrame) stmt() Stmt       { return f.node }
func (f *loopFrame) unwind(*codeGen)  {}

func (f *loopFrame) breakTarget(label string) *Label {
	if label == "" || hasLabel(f.labels, label) {
		return f.brk
	}
	return nil
}

func (f *loopFrame) continueTarget(label string) *Label {
	if label == "" || hasLabel(f.labels, label) {
		return f.cont
	}
	return nil
}

type switchFrame struct {
	parent enclosing
	node   Stmt
	brk    *Label
	labels []string
}

func (f *switchFrame) outer() enclosing              { return f.parent }
func (f *switchFrame) stmt() Stmt                    { return f.node }
func (f *switchFrame) unwind(*codeGen)               {}
func (f *switchFrame) continueTarget(string) *Label { return nil }

func (f *switchFrame) breakTarget(label string) *Label {
	if label == "" || hasLabel(f.labels, label) {
		return f.brk
	}
	return nil
}

type labelFrame struct {
	parent enclosing
	node   *LabeledStmt
	brk    *Label
}

func (f *labelFrame) outer() enclosing              { return f.parent }
func (f *labelFrame) stmt() Stmt                    { return f.node }
func (f *labelFrame) unwind(*codeGen)               {}
func (f *labelFrame) continueTarget(string) *Label { return nil }

func (f *labelFrame) breakTarget(label string) *Label {
	if label != "" && label == f.node.Label {
		return f.brk
	}
	return nil
}

// tryFrame runs the finally block, if any, for every transfer leaving the
// protected code.
type tryFrame struct {
	parent   enclosing
	node     *TryStmt
	fin      *Label
	finFalls bool // the finally block can complete normally
}

func (f *tryFrame) outer() enclosing              { return f.parent }
func (f *tryFrame) stmt() Stmt                    { return f.node }
func (f *tryFrame) breakTarget(string) *Label    { return nil }
func (f *tryFrame) continueTarget(string) *Label { return nil }

func (f *tryFrame) unwind(g *codeGen) {
	if f.fin == nil {
		return
	}
	g.cs.Jump(vm.OpLjsr, f.fin)
	if !f.finFalls {
		g.cs.MarkDead()
	}
}

// takeLoopLabels returns the statement labels attached to the loop about to
// be generated.
func (g *codeGen) takeLoopLabels() []string {
	l := g.loopLabels
	g.loopLabels = nil
	return l
}

// ---------------------------------------------------------------------------
// Switch and goto state
// ---------------------------------------------------------------------------

// switchState is the case table of the innermost switch.
type switchState struct {
	table       uint32 // stream offset of the first case slot
	count       int
	next        int
	defaultSlot uint32
	hasDefault  bool
	dead        bool // the SWITCH itself was unreachable
}

// caseSlotSize is one case table entry: a data holder and a branch offset.
const caseSlotSize = vm.DataHolderSize + 2

// gotoTarget is a labeled statement of the current body.
type gotoTarget struct {
	label     *Label
	ancestors map[Stmt]bool // statements containing the target
	finally   *TryStmt      // try whose finally block holds the target
}

// collectLabels builds the goto table of a body.
func (g *codeGen) collectLabels(body Stmt) error {
	g.cs.gotos = make(map[string]*gotoTarget)
	var walk func(s Stmt, path []Stmt, fin *TryStmt) error
	walk = func(s Stmt, path []Stmt, fin *TryStmt) error {
		if s == nil {
			return nil
		}
		inner := append(path[:len(path):len(path)], s)
		switch s := s.(type) {
		case *LabeledStmt:
			if _, dup := g.cs.gotos[s.Label]; dup {
				return errorf(s, "label %s is defined more than once", s.Label)
			}
			t := &gotoTarget{label: g.cs.NewLiveLabel(), ancestors: make(map[Stmt]bool), finally: fin}
			for _, p := range path {
				t.ancestors[p] = true
			}
			g.cs.gotos[s.Label] = t
			return walk(s.Stmt, inner, fin)
		case *Block:
			for _, c := range s.Stmts {
				if err := walk(c, inner, fin); err != nil {
					return err
				}
			}
		case *IfStmt:
			if err := walk(s.Then, inner, fin); err != nil {
				return err
			}
			return walk(s.Else, inner, fin)
		case *WhileStmt:
			return walk(s.Body, inner, fin)
		case *DoWhileStmt:
			return walk(s.Body, inner, fin)
		case *ForStmt:
			return walk(s.Body, inner, fin)
		case *ForInStmt:
			return walk(s.Body, inner, fin)
		case *ForEachStmt:
			return walk(s.Body, inner, fin)
		case *ForRangeStmt:
			return walk(s.Body, inner, fin)
		case *SwitchStmt:
			for _, c := range s.Body {
				if err := walk(c, inner, fin); err != nil {
					return err
				}
			}
		case *TryStmt:
			if err := walk(s.Body, inner, fin); err != nil {
				return err
			}
			for _, c := range s.Catches {
				if err := walk(c.Body, inner, fin); err != nil {
					return err
				}
			}
			if s.Finally != nil {
				return walk(s.Finally, inner, s)
			}
		}
		return nil
	}
	return walk(body, nil, nil)
}

// fallsThrough reports whether control can reach the end of s. The answer
// errs on the side of true.
func fallsThrough(s Stmt) bool {
	switch s := s.(type) {
	case nil:
		return true
	case *ReturnStmt, *ThrowStmt, *GotoStmt, *BreakStmt, *ContinueStmt:
		return false
	case *Block:
		live := true
		for _, c := range s.Stmts {
			if _, ok := c.(*LabeledStmt); ok {
				live = true
			}
			if live && !fallsThrough(c) {
				live = false
			}
		}
		return live
	case *IfStmt:
		return s.Else == nil || fallsThrough(s.Then) || fallsThrough(s.Else)
	case *TryStmt:
		if s.Finally != nil && !fallsThrough(s.Finally) {
			return false
		}
		if fallsThrough(s.Body) {
			return true
		}
		for _, c := range s.Catches {
			if fallsThrough(c.Body) {
				return true
			}
		}
		return len(s.Catches) == 0 && s.Finally == nil
	}
	return true
}
