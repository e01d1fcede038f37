package compiler

import (
	"fmt"

	"github.com/chazu/t3c/vm"
)

// genStmt generates one statement. Every statement leaves the stack depth
// as it found it.
func (g *codeGen) genStmt(s Stmt) error {
	if s == nil {
		return nil
	}
	if _, ok := s.(*Block); !ok {
		g.lineRec(s)
	}
	depth := g.cs.Depth()
	if err := g.stmt(s); err != nil {
		return err
	}
	if err := g.cs.Err(); err != nil {
		return err
	}
	if g.cs.Reachable() && g.cs.Depth() != depth {
		return &InternalError{
			Site: g.name,
			Err:  ErrStackImbalance,
			Msg:  fmt.Sprintf("stack depth %d after statement at line %d, %d before", g.cs.Depth(), s.Span().Start.Line, depth),
		}
	}
	return nil
}

func (g *codeGen) stmt(s Stmt) error {
	switch s := s.(type) {
	case *Block:
		return g.genBlock(s)
	case *EmptyStmt:
		return nil
	case *LocalDecl:
		return g.genLocalDecl(s)
	case *ExprStmt:
		if d, ok := s.X.(*DStringLiteral); ok {
			g.say(d.Value)
			return nil
		}
		return g.genExpr(s.X, true, false)
	case *IfStmt:
		return g.genIf(s)
	case *WhileStmt:
		return g.genWhile(s)
	case *DoWhileStmt:
		return g.genDoWhile(s)
	case *ForStmt:
		return g.genFor(s)
	case *ForInStmt:
		return g.genForIn(s, s.Local, s.Var, s.Coll, s.Body)
	case *ForEachStmt:
		return g.genForIn(s, s.Local, s.Var, s.Coll, s.Body)
	case *ForRangeStmt:
		return g.genForRange(s)
	case *SwitchStmt:
		return g.genSwitch(s)
	case *CaseStmt:
		return g.genCase(s)
	case *DefaultStmt:
		return g.genDefault(s)
	case *BreakStmt:
		return g.genBreak(s)
	case *ContinueStmt:
		return g.genContinue(s)
	case *GotoStmt:
		return g.genGoto(s)
	case *LabeledStmt:
		return g.genLabeled(s)
	case *ReturnStmt:
		return g.genReturn(s)
	case *ThrowStmt:
		if err := g.genExpr(s.Value, false, false); err != nil {
			return err
		}
		g.cs.Op(vm.OpThrow)
		return nil
	case *TryStmt:
		return g.genTry(s)
	}
	return errorf(s, "unsupported statement %T", s)
}

func (g *codeGen) genBlock(b *Block) error {
	g.pushScope()
	defer g.popScope()
	for _, s := range b.Stmts {
		if err := g.genStmt(s); err != nil {
			return err
		}
	}
	return nil
}

// genScoped generates s in a scope of its own, as for a loop body.
func (g *codeGen) genScoped(s Stmt) error {
	if _, ok := s.(*Block); ok {
		return g.genStmt(s)
	}
	g.pushScope()
	defer g.popScope()
	return g.genStmt(s)
}

func (g *codeGen) genLocalDecl(s *LocalDecl) error {
	if s.Init == nil {
		g.declareLocal(s.Name)
		return nil
	}
	if err := g.genExpr(s.Init, false, false); err != nil {
		return err
	}
	g.setLocal(g.declareLocal(s.Name))
	return nil
}

// ---------------------------------------------------------------------------
// Conditionals and loops
// ---------------------------------------------------------------------------

func (g *codeGen) genIf(s *IfStmt) error {
	if k, ok := g.constOf(s.Cond); ok && k.Kind != vm.TypeDString {
		live, dead := s.Then, s.Else
		if !k.truth() {
			live, dead = s.Else, s.Then
		}
		if dead != nil {
			g.u.pedanticf(s, "condition is constant; one branch can never run")
		}
		return g.genScoped(live)
	}
	f := g.cs.NewLabel()
	if err := g.genCond(s.Cond, nil, f); err != nil {
		return err
	}
	if err := g.genScoped(s.Then); err != nil {
		return err
	}
	if s.Else == nil {
		g.cs.DefineLabel(f)
		return nil
	}
	end := g.cs.NewLabel()
	g.cs.Jump(vm.OpJmp, end)
	g.cs.DefineLabel(f)
	if err := g.genScoped(s.Else); err != nil {
		return err
	}
	g.cs.DefineLabel(end)
	return nil
}

// loop pushes a loop frame around body.
func (g *codeGen) loop(s Stmt, brk, cont *Label, body Stmt) error {
	f := &loopFrame{parent: g.cs.Enclosing(), node: s, brk: brk, cont: cont, labels: g.takeLoopLabels()}
	g.cs.SetEnclosing(f)
	err := g.genScoped(body)
	g.cs.SetEnclosing(f.parent)
	return err
}

func (g *codeGen) genWhile(s *WhileStmt) error {
	k, isK := g.constOf(s.Cond)
	if isK && !k.truth() {
		g.u.pedanticf(s, "loop condition is false; the body never runs")
		g.takeLoopLabels()
		return nil
	}
	top := g.cs.NewLabelHere()
	end := g.cs.NewLabel()
	if !isK {
		if err := g.genCond(s.Cond, nil, end); err != nil {
			return err
		}
	}
	if err := g.loop(s, end, top, s.Body); err != nil {
		return err
	}
	g.cs.Jump(vm.OpJmp, top)
	g.cs.DefineLabel(end)
	return nil
}

func (g *codeGen) genDoWhile(s *DoWhileStmt) error {
	top := g.cs.NewLabelHere()
	cont := g.cs.NewLabel()
	end := g.cs.NewLabel()
	if err := g.loop(s, end, cont, s.Body); err != nil {
		return err
	}
	g.cs.DefineLabel(cont)
	if err := g.genCond(s.Cond, top, nil); err != nil {
		return err
	}
	g.cs.DefineLabel(end)
	return nil
}

func (g *codeGen) genFor(s *ForStmt) error {
	g.pushScope()
	defer g.popScope()
	labels := g.takeLoopLabels()
	for _, init := range s.Init {
		if err := g.genStmt(init); err != nil {
			return err
		}
	}
	top := g.cs.NewLabelHere()
	cont := g.cs.NewLabel()
	end := g.cs.NewLabel()
	if s.Cond != nil {
		if err := g.genCond(s.Cond, nil, end); err != nil {
			return err
		}
	}
	g.loopLabels = labels
	if err := g.loop(s, end, cont, s.Body); err != nil {
		return err
	}
	g.cs.DefineLabel(cont)
	for _, r := range s.Reinit {
		if err := g.genExpr(r, true, false); err != nil {
			return err
		}
	}
	g.cs.Jump(vm.OpJmp, top)
	g.cs.DefineLabel(end)
	return nil
}

// loopVar resolves the control variable of a for-in or range loop,
// declaring it when the loop introduces it.
func (g *codeGen) loopVar(local bool, v Expr) (Expr, error) {
	if !local {
		if _, ok := v.(assignCoder); !ok {
			return nil, errorf(v, "loop variable is not assignable")
		}
		return v, nil
	}
	id, ok := v.(*Ident)
	if !ok {
		return nil, errorf(v, "loop variable must be a name")
	}
	g.declareLocal(id.Name)
	return id, nil
}

// genForIn generates `for (x in coll)` and `foreach`, driving the
// collection's iterator.
func (g *codeGen) genForIn(s Stmt, local bool, v, coll Expr, body Stmt) error {
	g.pushScope()
	defer g.popScope()
	target, err := g.loopVar(local, v)
	if err != nil {
		return err
	}
	if err := g.genExpr(coll, false, false); err != nil {
		return err
	}
	create, err := g.u.property(s, "createIterator")
	if err != nil {
		return err
	}
	g.cs.Op(vm.OpCallProp)
	g.cs.U8(0)
	g.cs.PropID(create.ID)
	g.cs.Adjust(-1)
	g.cs.Op(vm.OpGetR0)
	iter := g.allocLocal()
	g.setSlot(iter)

	top := g.cs.NewLabelHere()
	end := g.cs.NewLabel()
	g.cs.Op(vm.OpIterNext)
	g.cs.U16(uint16(iter))
	g.cs.WriteOfs2(end, 0)
	if err := target.(assignCoder).genAssign(g, true); err != nil {
		return err
	}
	if err := g.loop(s, end, top, body); err != nil {
		return err
	}
	g.cs.Jump(vm.OpJmp, top)
	g.cs.DefineLabel(end)
	return nil
}

// genForRange generates `for (x in from..to step n)`.
func (g *codeGen) genForRange(s *ForRangeStmt) error {
	g.pushScope()
	defer g.popScope()
	target, err := g.loopVar(s.Local, s.Var)
	if err != nil {
		return err
	}
	asg := target.(assignCoder)
	if err := g.genExpr(s.From, false, false); err != nil {
		return err
	}
	if err := asg.genAssign(g, true); err != nil {
		return err
	}
	limit := g.allocLocal()
	if err := g.genExpr(s.To, false, false); err != nil {
		return err
	}
	g.setSlot(limit)

	step := Const{Kind: vm.TypeInt, Int: 1}
	stepConst := true
	stepLcl := -1
	if s.Step != nil {
		if k, ok := g.constOf(s.Step); ok && k.Kind == vm.TypeInt {
			step = k
		} else {
			stepConst = false
			stepLcl = g.allocLocal()
			if err := g.genExpr(s.Step, false, false); err != nil {
				return err
			}
			g.setSlot(stepLcl)
		}
	}

	top := g.cs.NewLabelHere()
	cont := g.cs.NewLabel()
	end := g.cs.NewLabel()
	test := func(op vm.Opcode) error {
		if err := g.genExpr(target, false, false); err != nil {
			return err
		}
		g.getSlot(limit)
		g.cs.Jump(op, end)
		return nil
	}
	switch {
	case stepConst && step.Int >= 0:
		if err := test(vm.OpJgt); err != nil {
			return err
		}
	case stepConst:
		if err := test(vm.OpJlt); err != nil {
			return err
		}
	default:
		neg := g.cs.NewLabel()
		body := g.cs.NewLabel()
		g.getSlot(stepLcl)
		g.cs.Op(vm.OpPush0)
		g.cs.Jump(vm.OpJlt, neg)
		if err := test(vm.OpJgt); err != nil {
			return err
		}
		g.cs.Jump(vm.OpJmp, body)
		g.cs.DefineLabel(neg)
		if err := test(vm.OpJlt); err != nil {
			return err
		}
		g.cs.DefineLabel(body)
	}

	if err := g.loop(s, end, cont, s.Body); err != nil {
		return err
	}
	g.cs.DefineLabel(cont)
	if l, ok := g.localTarget(target); ok && !l.param && l.slot < 256 && stepConst &&
		step.Int >= -128 && step.Int <= 127 {
		g.cs.Op(vm.OpAddILcl1)
		g.cs.U8(byte(l.slot))
		g.cs.U8(byte(int8(step.Int)))
	} else {
		if err := g.genExpr(target, false, false); err != nil {
			return err
		}
		if stepConst {
			g.pushConst(step)
		} else {
			g.getSlot(stepLcl)
		}
		g.cs.Op(vm.OpAdd)
		if err := asg.genAssign(g, true); err != nil {
			return err
		}
	}
	g.cs.Jump(vm.OpJmp, top)
	g.cs.DefineLabel(end)
	return nil
}

// localTarget returns the local an expression names, if any.
func (g *codeGen) localTarget(e Expr) (*local, bool) {
	id, ok := e.(*Ident)
	if !ok {
		return nil, false
	}
	l := g.lookupLocal(id.Name)
	return l, l != nil
}

// ---------------------------------------------------------------------------
// Switch
// ---------------------------------------------------------------------------

func (g *codeGen) genSwitch(s *SwitchStmt) error {
	cs := g.cs
	count := 0
	for _, st := range s.Body {
		if _, ok := st.(*CaseStmt); ok {
			count++
		}
	}
	if count > 0xFFFF {
		return errorf(s, "too many cases in switch")
	}
	if err := g.genExpr(s.Value, false, false); err != nil {
		return err
	}

	sw := &switchState{count: count, dead: !cs.Reachable()}
	cs.Op(vm.OpSwitch)
	if !sw.dead {
		cs.U16(uint16(count))
		sw.table = cs.Reserve(uint32(count * caseSlotSize))
		sw.defaultSlot = cs.Reserve(2)
	}
	cs.MarkDead()

	end := cs.NewLabel()
	outer := cs.sw
	cs.sw = sw
	f := &switchFrame{parent: cs.Enclosing(), node: s, brk: end, labels: g.takeLoopLabels()}
	cs.SetEnclosing(f)
	g.pushScope()
	var err error
	for _, st := range s.Body {
		if err = g.genStmt(st); err != nil {
			break
		}
	}
	g.popScope()
	cs.SetEnclosing(f.parent)
	cs.sw = outer
	if err != nil {
		return err
	}

	cs.DefineLabel(end)
	if !sw.hasDefault && !sw.dead {
		cs.WriteOfsAt(sw.defaultSlot)
		cs.Revive()
	}
	return nil
}

func (g *codeGen) genCase(s *CaseStmt) error {
	sw := g.cs.sw
	if sw == nil {
		return errorf(s, "case outside of switch")
	}
	k, ok := g.constOf(s.Value)
	if !ok || k.Kind == vm.TypeDString {
		return errorf(s, "case value must be a constant")
	}
	if sw.dead {
		return nil
	}
	if sw.next >= sw.count {
		return &InternalError{Site: g.name, Msg: "case table overflow"}
	}
	slot := sw.table + uint32(sw.next*caseSlotSize)
	sw.next++
	g.u.putConst(g.cs.Stream, slot, k)
	g.cs.WriteOfsAt(slot + vm.DataHolderSize)
	g.cs.Revive()
	return nil
}

func (g *codeGen) genDefault(s *DefaultStmt) error {
	sw := g.cs.sw
	if sw == nil {
		return errorf(s, "default outside of switch")
	}
	if sw.hasDefault {
		return errorf(s, "switch has more than one default")
	}
	sw.hasDefault = true
	if sw.dead {
		return nil
	}
	g.cs.WriteOfsAt(sw.defaultSlot)
	g.cs.Revive()
	return nil
}

// ---------------------------------------------------------------------------
// Transfers of control
// ---------------------------------------------------------------------------

func (g *codeGen) genBreak(s *BreakStmt) error {
	for e := g.cs.Enclosing(); e != nil; e = e.outer() {
		if l := e.breakTarget(s.Label); l != nil {
			g.cs.Jump(vm.OpJmp, l)
			return nil
		}
		e.unwind(g)
	}
	if s.Label != "" {
		return errorf(s, "no enclosing statement labeled %s", s.Label)
	}
	return errorf(s, "break outside of a loop or switch")
}

func (g *codeGen) genContinue(s *ContinueStmt) error {
	for e := g.cs.Enclosing(); e != nil; e = e.outer() {
		if l := e.continueTarget(s.Label); l != nil {
			g.cs.Jump(vm.OpJmp, l)
			return nil
		}
		e.unwind(g)
	}
	if s.Label != "" {
		return errorf(s, "no enclosing loop labeled %s", s.Label)
	}
	return errorf(s, "continue outside of a loop")
}

func (g *codeGen) genGoto(s *GotoStmt) error {
	t := g.cs.gotos[s.Label]
	if t == nil {
		return errorf(s, "undefined label %s", s.Label)
	}
	if t.finally != nil && !g.inFinally(t.finally) {
		return errorf(s, "goto %s jumps into a finally block", s.Label)
	}
	for e := g.cs.Enclosing(); e != nil && !t.ancestors[e.stmt()]; e = e.outer() {
		e.unwind(g)
	}
	g.cs.Jump(vm.OpJmp, t.label)
	return nil
}

func (g *codeGen) inFinally(t *TryStmt) bool {
	for _, f := range g.finallies {
		if f == t {
			return true
		}
	}
	return false
}

func (g *codeGen) genLabeled(s *LabeledStmt) error {
	t := g.cs.gotos[s.Label]
	if t == nil {
		return &InternalError{Site: g.name, Err: ErrUndefinedLabel, Msg: "label " + s.Label + " missing from goto table"}
	}
	g.cs.DefineLabel(t.label)
	f := &labelFrame{parent: g.cs.Enclosing(), node: s, brk: g.cs.NewLabel()}
	switch s.Stmt.(type) {
	case *WhileStmt, *DoWhileStmt, *ForStmt, *ForInStmt, *ForEachStmt, *ForRangeStmt, *SwitchStmt:
		g.loopLabels = append(g.loopLabels, s.Label)
	default:
		g.loopLabels = nil
	}
	g.cs.SetEnclosing(f)
	err := g.genStmt(s.Stmt)
	g.cs.SetEnclosing(f.parent)
	if err != nil {
		return err
	}
	g.cs.DefineLabel(f.brk)
	return nil
}

func (g *codeGen) genReturn(s *ReturnStmt) error {
	op := vm.OpRetNil
	switch s.Value.(type) {
	case nil, *NilLiteral:
	case *TrueLiteral:
		op = vm.OpRetTrue
	default:
		if err := g.genExpr(s.Value, false, false); err != nil {
			return err
		}
		op = vm.OpRetVal
	}
	for e := g.cs.Enclosing(); e != nil; e = e.outer() {
		e.unwind(g)
	}
	g.cs.Op(op)
	return nil
}

// ---------------------------------------------------------------------------
// Exceptions
// ---------------------------------------------------------------------------

// genTry generates try/catch/finally. The finally block is a local
// subroutine entered with LJSR from every exit of the protected code and
// from a catch-all handler that re-throws.
func (g *codeGen) genTry(s *TryStmt) error {
	if len(s.Catches) == 0 && s.Finally == nil {
		return g.genStmt(s.Body)
	}
	cs := g.cs
	base := cs.Depth()
	start := cs.BodyOfs()
	end := cs.NewLabel()

	f := &tryFrame{parent: cs.Enclosing(), node: s, finFalls: true}
	if s.Finally != nil {
		f.fin = cs.NewLiveLabel()
		f.finFalls = fallsThrough(s.Finally)
	}
	leave := func() {
		if !cs.Reachable() {
			return
		}
		f.unwind(g)
		cs.Jump(vm.OpJmp, end)
	}

	cs.SetEnclosing(f)
	err := g.genStmt(s.Body)
	if err == nil {
		leave()
	}
	bodyEnd := cs.BodyOfs()
	for _, c := range s.Catches {
		if err != nil {
			break
		}
		err = g.genCatch(c, start, bodyEnd, base)
		if err == nil {
			leave()
		}
	}
	cs.SetEnclosing(f.parent)
	if err != nil {
		return err
	}

	if s.Finally != nil {
		g.addException(start, cs.BodyOfs(), vm.InvalidObj, cs.BodyOfs())
		cs.Revive()
		cs.SetDepth(base + 1)
		exc := g.allocLocal()
		g.setSlot(exc)
		f.unwind(g)
		g.getSlot(exc)
		cs.Op(vm.OpThrow)

		// The subroutine is entered with its return address on the stack,
		// above the value of a return statement that is unwinding.
		cs.DefineLabel(f.fin)
		cs.SetDepth(base + 2)
		ret := g.allocLocal()
		g.setSlot(ret)
		g.finallies = append(g.finallies, s)
		err = g.genStmt(s.Finally)
		g.finallies = g.finallies[:len(g.finallies)-1]
		if err != nil {
			return err
		}
		if cs.Reachable() {
			cs.Op(vm.OpLret)
			cs.U16(uint16(ret))
		}
	}
	cs.DefineLabel(end)
	cs.SetDepth(base)
	return nil
}

// genCatch generates one catch handler for the region [start, end).
func (g *codeGen) genCatch(c *CatchClause, start, end uint32, base int) error {
	cls := g.u.Symbols.Lookup(c.Class)
	if cls == nil || cls.Kind != SymObject {
		return errorf(c, "unknown class %s in catch", c.Class)
	}
	cs := g.cs
	g.addException(start, end, cls.ID, cs.BodyOfs())
	cs.Revive()
	cs.SetDepth(base + 1)
	g.pushScope()
	defer g.popScope()
	g.lineRec(c)
	g.setLocal(g.declareLocal(c.Var))
	for _, st := range c.Body.Stmts {
		if err := g.genStmt(st); err != nil {
			return err
		}
	}
	return nil
}
