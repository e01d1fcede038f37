package compiler

import (
	"github.com/chazu/t3c/objfile"
	"github.com/chazu/t3c/stream"
	"github.com/chazu/t3c/vm"
)

// bodyPlan describes one code body to generate.
type bodyPlan struct {
	name    string            // for error reports
	owner   string            // symbol owning the anchor, "" for methods
	fixups  *stream.FixupList // the owner's reference list, nil for methods
	params  []Param
	varargs bool
	method  bool
	node    Node
	gen     func(g *codeGen) error
}

// genBody generates a complete code body: header, byte-code, exception
// table and debug table. It returns the body's anchor.
func (u *Unit) genBody(cs *CodeStream, plan bodyPlan) (*stream.Anchor, error) {
	a := cs.AddAnchor(plan.owner, plan.fixups, cs.Len())
	cs.BeginBody(plan.name)
	cs.Reserve(vm.MethodHeaderSize)

	g := &codeGen{u: u, cs: cs, name: plan.name, method: plan.method, node: plan.node}
	g.pushScope()
	argc, opt := 0, 0
	for i, p := range plan.params {
		if p.Optional {
			opt++
		} else {
			if opt > 0 {
				return nil, errorf(plan.node, "required parameter %s follows an optional one", p.Name)
			}
			argc++
		}
		g.declareParam(p.Name, i)
	}
	if err := plan.gen(g); err != nil {
		return nil, err
	}
	if cs.Reachable() {
		cs.Op(vm.OpRetNil)
	}
	g.popScope()
	if err := g.finish(argc, opt, plan.varargs); err != nil {
		return nil, err
	}
	return a, nil
}

// genStmts is the gen function of a body made of a statement block.
func genStmts(body *Block) func(g *codeGen) error {
	return func(g *codeGen) error {
		if body == nil {
			return nil
		}
		if err := g.collectLabels(body); err != nil {
			return err
		}
		for _, s := range body.Stmts {
			if err := g.genStmt(s); err != nil {
				return err
			}
		}
		return nil
	}
}

// finish writes the tables following the byte-code and patches the header.
func (g *codeGen) finish(argc, opt int, varargs bool) error {
	cs := g.cs
	if err := cs.Err(); err != nil {
		return err
	}
	if err := cs.checkLabels(); err != nil {
		return err
	}
	if cs.Enclosing() != nil {
		return &InternalError{Site: g.name, Err: ErrEnclosingMismatch, Msg: "enclosing statement left open"}
	}
	if argc > 127 || opt > 255 {
		return errorf(g.node, "too many parameters")
	}

	hdr := vm.MethodHeader{
		Argc:     argc,
		OptArgc:  opt,
		Varargs:  varargs,
		Locals:   g.nlocals,
		MaxStack: cs.MaxDepth(),
	}
	if len(g.excs) > 0 {
		hdr.ExcTableOfs = int(cs.BodyOfs())
		cs.Write2(uint16(len(g.excs)))
		for _, e := range g.excs {
			var buf [vm.ExceptionEntrySize]byte
			e.Encode(buf[:])
			ofs := cs.Write(buf[:])
			if e.ClassID != vm.InvalidObj {
				g.u.ids.Add(stream.ObjID, cs.ID(), ofs+4, e.ClassID)
			}
		}
	}
	if g.u.opts.Debug {
		hdr.DebugInfoOfs = int(cs.BodyOfs())
		g.u.lineTables = append(g.u.lineTables, objfile.Site{Stream: cs.ID(), Ofs: cs.Len()})
		g.writeDebugTable()
	}

	size := cs.BodyOfs()
	if size > 0xFFFF {
		return errorf(g.node, "code body of %s is too large (%d bytes)", g.name, size)
	}
	var buf [vm.MethodHeaderSize]byte
	hdr.Encode(buf[:])
	cs.WriteAt(cs.MethodStart(), buf[:])
	if size > g.u.maxCode {
		g.u.maxCode = size
	}
	return nil
}

// writeDebugTable writes the line records and local frames of the body.
func (g *codeGen) writeDebugTable() {
	cs := g.cs
	lines := cs.LineRecs()
	cs.Write2(uint16(len(lines)))
	for _, l := range lines {
		var buf [vm.DebugLineEntrySize]byte
		l.Encode(buf[:])
		cs.Write(buf[:])
	}
	frames := cs.Frames()
	cs.Write2(uint16(len(frames)))
	for _, f := range frames {
		parent := 0
		if f.Parent != nil {
			parent = f.Parent.ID
		}
		cs.Write2(uint16(parent))
		cs.Write2(uint16(len(f.Vars)))
		for _, v := range f.Vars {
			g.writeFrameVar(v)
		}
	}
}

// writeFrameVar writes one local variable record. Names longer than a pool
// reference are stored in the local-variable stream.
func (g *codeGen) writeFrameVar(v FrameVar) {
	cs := g.cs
	flags := uint16(0)
	if v.Param {
		flags |= vm.LocalFlagParam
	}
	if len(v.Name) > 8 {
		cs.Write2(flags | vm.LocalFlagPoolRef)
		cs.Write2(uint16(v.Slot))
		ofs := cs.Write4(0)
		g.u.localName(v.Name).Fixups().Add(cs.Stream, ofs)
		return
	}
	cs.Write2(flags)
	cs.Write2(uint16(v.Slot))
	cs.Write2(uint16(len(v.Name)))
	cs.Write([]byte(v.Name))
}

// addException records a protected region. Offsets are body-relative and
// end is exclusive.
func (g *codeGen) addException(start, end uint32, class uint32, handler uint32) {
	if end <= start {
		return
	}
	g.excs = append(g.excs, vm.ExceptionEntry{
		Start:   int(start),
		End:     int(end - 1),
		ClassID: class,
		Handler: int(handler),
	})
}

// lineRec records the source position of s.
func (g *codeGen) lineRec(n Node) {
	if !g.u.opts.Debug {
		return
	}
	pos := n.Span().Start
	if pos.Line == 0 {
		return
	}
	g.cs.AddLineRec(pos.File, pos.Line)
}
