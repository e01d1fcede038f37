package compiler

import (
	"fmt"
	"math"

	"github.com/chazu/t3c/stream"
	"github.com/chazu/t3c/vm"
)

// ---------------------------------------------------------------------------
// Labels
// ---------------------------------------------------------------------------

// Label is a branch target within one code body. An unknown label carries
// the sites of every branch emitted to it so far; defining it patches them.
type Label struct {
	ofs    uint32
	known  bool
	live   bool // defining the label revives a dead stream
	fixups []labelFixup
}

type labelFixup struct {
	site uint32
	bias int32
	wide bool
}

// Known reports whether the label's offset is defined.
func (l *Label) Known() bool { return l.known }

// Ofs returns the label's stream offset. It is meaningful once Known.
func (l *Label) Ofs() uint32 { return l.ofs }

// Pending reports whether branches are waiting for the label.
func (l *Label) Pending() bool { return len(l.fixups) > 0 }

// ---------------------------------------------------------------------------
// Code stream
// ---------------------------------------------------------------------------

// CodeStream is a stream receiving byte-code. On top of the raw stream it
// tracks labels, the peephole window, reachability, stack depth, the
// enclosing statement chain and debug records of the body being generated.
//
// Code emitted after an instruction that ends flow is unreachable and is
// dropped until a label that something branches to is defined.
type CodeStream struct {
	*stream.Stream

	ids   *stream.IDFixups
	debug bool

	site        string
	err         error
	methodStart uint32
	labels      []*Label

	// peephole window: the last instruction emitted
	lastOp    vm.Opcode
	lastOfs   uint32
	lastDepth int
	peep      bool

	dead     bool
	endsFlow bool
	skip     bool // the current instruction was dropped

	depth    int
	maxDepth int

	enclosing enclosing
	sw        *switchState
	gotos     map[string]*gotoTarget

	frames []*LocalFrame
	frame  *LocalFrame
	lines  []vm.LineEntry
}

// NewCodeStream wraps s. ID fixups for operands go to ids.
func NewCodeStream(s *stream.Stream, ids *stream.IDFixups, debug bool) *CodeStream {
	return &CodeStream{Stream: s, ids: ids, debug: debug}
}

// BeginBody starts a new code body at the current offset. site names the
// body in internal error reports.
func (c *CodeStream) BeginBody(site string) {
	c.site = site
	c.err = nil
	c.methodStart = c.Len()
	c.labels = nil
	c.peep = false
	c.dead = false
	c.endsFlow = false
	c.skip = false
	c.depth = 0
	c.maxDepth = 0
	c.enclosing = nil
	c.sw = nil
	c.gotos = nil
	c.frames = nil
	c.frame = nil
	c.ClearLineRecs()
}

// MethodStart returns the stream offset of the current body's header.
func (c *CodeStream) MethodStart() uint32 { return c.methodStart }

// BodyOfs returns the current offset relative to the body start.
func (c *CodeStream) BodyOfs() uint32 { return c.Len() - c.methodStart }

// Err returns the first internal error recorded for the current body.
func (c *CodeStream) Err() error { return c.err }

func (c *CodeStream) fail(err error, format string, args ...interface{}) {
	if c.err == nil {
		c.err = &InternalError{Site: c.site, Err: err, Msg: fmt.Sprintf(format, args...)}
	}
}

// ---------------------------------------------------------------------------
// Reachability and stack depth
// ---------------------------------------------------------------------------

// Reachable reports whether code emitted now can execute.
func (c *CodeStream) Reachable() bool { return !c.dead && !c.endsFlow }

// MarkDead makes the current position unreachable.
func (c *CodeStream) MarkDead() {
	c.dead = true
	c.endsFlow = false
}

// Revive makes the current position reachable, as at an exception handler.
func (c *CodeStream) Revive() {
	c.dead = false
	c.endsFlow = false
	c.peep = false
}

// Depth returns the current stack depth.
func (c *CodeStream) Depth() int { return c.depth }

// MaxDepth returns the deepest stack seen in the current body.
func (c *CodeStream) MaxDepth() int { return c.maxDepth }

// SetDepth sets the stack depth at an entry point reached other than by
// falling through, such as a handler or a subroutine.
func (c *CodeStream) SetDepth(n int) {
	c.depth = 0
	c.adjust(n)
}

// Adjust records the stack effect of the last instruction when the opcode
// table cannot, or of a value the generator pops on a branch path.
func (c *CodeStream) Adjust(n int) {
	if c.skip {
		return
	}
	c.adjust(n)
}

func (c *CodeStream) adjust(n int) {
	c.depth += n
	if c.depth < 0 {
		c.fail(ErrStackImbalance, "stack underflow")
		c.depth = 0
	}
	if c.depth > c.maxDepth {
		c.maxDepth = c.depth
	}
}

// ---------------------------------------------------------------------------
// Instruction emission
// ---------------------------------------------------------------------------

// begin starts an instruction. It reports false when the instruction is
// unreachable; its operands are then dropped as well.
func (c *CodeStream) begin() bool {
	if c.endsFlow {
		c.dead = true
		c.endsFlow = false
	}
	c.skip = c.dead
	return !c.skip
}

func (c *CodeStream) emit(op vm.Opcode) {
	before := c.depth
	ofs := c.Write1(byte(op))
	c.lastOp, c.lastOfs, c.lastDepth, c.peep = op, ofs, before, true
	if eff := op.Info().StackEffect; eff != vm.StackVariable {
		c.adjust(eff)
	}
	c.endsFlow = op.EndsFlow()
}

// removeLast erases the instruction in the peephole window.
func (c *CodeStream) removeLast() {
	c.Truncate(c.lastOfs)
	c.depth = c.lastDepth
	c.peep = false
	c.endsFlow = false
}

// discardable reports whether op only pushes a value and carries no fixup,
// so that a following DISC cancels it.
func discardable(op vm.Opcode) bool {
	switch op {
	case vm.OpPush0, vm.OpPush1, vm.OpPushInt8, vm.OpPushInt, vm.OpPushNil, vm.OpPushTrue,
		vm.OpPushSelf, vm.OpGetArgc, vm.OpGetR0, vm.OpDup, vm.OpGetLcl1, vm.OpGetLcl2,
		vm.OpGetArg1, vm.OpGetArg2:
		return true
	}
	return false
}

// Op emits an instruction. Operands, if any, follow through the operand
// writers.
func (c *CodeStream) Op(op vm.Opcode) {
	if !c.begin() {
		return
	}
	if op == vm.OpDisc && c.peep && discardable(c.lastOp) {
		c.removeLast()
		return
	}
	c.emit(op)
}

// Jump emits a branch to l. A JF or JT right after a comparison fuses into
// the compare-and-branch opcode; after NOT the sense is inverted instead.
func (c *CodeStream) Jump(op vm.Opcode, l *Label) {
	if !c.begin() {
		return
	}
	if c.peep && (op == vm.OpJf || op == vm.OpJt) {
		if j, ok := vm.CompareJump(c.lastOp); ok {
			c.removeLast()
			if op == vm.OpJf {
				j, _ = j.InverseJump()
			}
			op = j
		} else if c.lastOp == vm.OpNot {
			c.removeLast()
			op, _ = op.InverseJump()
		}
	}
	c.emit(op)
	c.WriteOfs2(l, 0)
}

// U8 writes a byte operand.
func (c *CodeStream) U8(v byte) {
	if !c.skip {
		c.Write1(v)
	}
}

// U16 writes a 16-bit operand.
func (c *CodeStream) U16(v uint16) {
	if !c.skip {
		c.Write2(v)
	}
}

// U32 writes a 32-bit operand.
func (c *CodeStream) U32(v uint32) {
	if !c.skip {
		c.Write4(v)
	}
}

// ObjID writes an object id operand with its ID fixup.
func (c *CodeStream) ObjID(id uint32) {
	if c.skip {
		return
	}
	ofs := c.Write4(id)
	c.ids.Add(stream.ObjID, c.ID(), ofs, id)
}

// PropID writes a property id operand with its ID fixup.
func (c *CodeStream) PropID(id uint32) {
	if c.skip {
		return
	}
	ofs := c.Write2(uint16(id))
	c.ids.Add(stream.PropID, c.ID(), ofs, id)
}

// EnumID writes an enum id operand with its ID fixup.
func (c *CodeStream) EnumID(id uint32) {
	if c.skip {
		return
	}
	ofs := c.Write4(id)
	c.ids.Add(stream.EnumID, c.ID(), ofs, id)
}

// AbsRef writes a 4-byte pool address placeholder and records it on list.
func (c *CodeStream) AbsRef(list *stream.FixupList) {
	if c.skip {
		return
	}
	ofs := c.Write4(0)
	list.Add(c.Stream, ofs)
}

// ---------------------------------------------------------------------------
// Labels
// ---------------------------------------------------------------------------

// NewLabel creates a forward label.
func (c *CodeStream) NewLabel() *Label {
	l := &Label{}
	c.labels = append(c.labels, l)
	return l
}

// NewLiveLabel creates a forward label whose definition always revives the
// stream, for targets that may be reached by branches emitted later.
func (c *CodeStream) NewLiveLabel() *Label {
	l := c.NewLabel()
	l.live = true
	return l
}

// NewLabelHere creates a label at the current offset.
func (c *CodeStream) NewLabelHere() *Label {
	l := c.NewLabel()
	c.DefineLabel(l)
	return l
}

// DefineLabel sets l to the current offset and patches the branches
// waiting for it. A JMP immediately preceding the label that targets it is
// removed.
func (c *CodeStream) DefineLabel(l *Label) {
	if l.known {
		c.fail(nil, "label defined twice")
		return
	}
	if n := len(l.fixups); n > 0 && c.peep && c.lastOp == vm.OpJmp &&
		c.lastOfs+3 == c.Len() && l.fixups[n-1].site == c.lastOfs+1 {
		l.fixups = l.fixups[:n-1]
		c.removeLast()
	}
	here := c.Len()
	revive := l.live || len(l.fixups) > 0
	for _, f := range l.fixups {
		c.patch(f, here)
	}
	l.fixups = nil
	l.known = true
	l.ofs = here
	if revive {
		c.dead = false
		c.endsFlow = false
	}
	c.peep = false
}

func (c *CodeStream) patch(f labelFixup, target uint32) {
	rel := int64(target) - int64(f.site) - int64(f.bias)
	if f.wide {
		c.Write4At(f.site, uint32(int32(rel)))
		return
	}
	if rel < math.MinInt16 || rel > math.MaxInt16 {
		c.fail(ErrBranchRange, "branch at %d spans %d bytes", f.site, rel)
		return
	}
	c.Write2At(f.site, uint16(int16(rel)))
}

// WriteOfs2 writes a 16-bit branch offset to l, relative to the offset
// field plus bias.
func (c *CodeStream) WriteOfs2(l *Label, bias int32) {
	c.writeOfs(l, bias, false)
}

// WriteOfs4 writes a 32-bit branch offset to l.
func (c *CodeStream) WriteOfs4(l *Label, bias int32) {
	c.writeOfs(l, bias, true)
}

func (c *CodeStream) writeOfs(l *Label, bias int32, wide bool) {
	if c.skip {
		return
	}
	var site uint32
	if wide {
		site = c.Write4(0)
	} else {
		site = c.Write2(0)
	}
	f := labelFixup{site: site, bias: bias, wide: wide}
	if l.known {
		c.patch(f, l.ofs)
		return
	}
	l.fixups = append(l.fixups, f)
}

// WriteOfsAt fills a reserved 16-bit offset field at site with the offset
// of the current position, as for switch case slots.
func (c *CodeStream) WriteOfsAt(site uint32) {
	c.patch(labelFixup{site: site}, c.Len())
}

// checkLabels reports labels still waiting for a definition.
func (c *CodeStream) checkLabels() error {
	for _, l := range c.labels {
		if l.Pending() {
			return &InternalError{Site: c.site, Err: ErrUndefinedLabel, Msg: fmt.Sprintf("%d unresolved branches", len(l.fixups))}
		}
	}
	return nil
}

// ---------------------------------------------------------------------------
// Peephole control
// ---------------------------------------------------------------------------

// ResetPeephole forgets the last instruction so that nothing emitted next
// combines with it.
func (c *CodeStream) ResetPeephole() { c.peep = false }

// LastOp returns the last instruction emitted, if the peephole window holds
// one.
func (c *CodeStream) LastOp() (vm.Opcode, bool) { return c.lastOp, c.peep }

// ---------------------------------------------------------------------------
// Enclosing statements, switch and goto state
// ---------------------------------------------------------------------------

// SetEnclosing makes e the innermost enclosing statement and returns the
// previous one.
func (c *CodeStream) SetEnclosing(e enclosing) enclosing {
	old := c.enclosing
	c.enclosing = e
	return old
}

// Enclosing returns the innermost enclosing statement.
func (c *CodeStream) Enclosing() enclosing { return c.enclosing }

// ---------------------------------------------------------------------------
// Debug records
// ---------------------------------------------------------------------------

// LocalFrame is one lexical scope of a code body, for the debugger.
type LocalFrame struct {
	ID     int
	Parent *LocalFrame
	Vars   []FrameVar
}

// FrameVar is a variable visible in a frame.
type FrameVar struct {
	Name  string
	Slot  int
	Param bool
}

// NewFrame creates a frame nested in the current one.
func (c *CodeStream) NewFrame() *LocalFrame {
	f := &LocalFrame{ID: len(c.frames) + 1, Parent: c.frame}
	c.frames = append(c.frames, f)
	return f
}

// SetLocalFrame makes f the current frame and returns the previous one.
func (c *CodeStream) SetLocalFrame(f *LocalFrame) *LocalFrame {
	old := c.frame
	c.frame = f
	return old
}

// Frames returns the frames of the current body in creation order.
func (c *CodeStream) Frames() []*LocalFrame { return c.frames }

// AddLineRec records that code from the current offset comes from line of
// file.
func (c *CodeStream) AddLineRec(file, line int) {
	if !c.debug {
		return
	}
	frame := 0
	if c.frame != nil {
		frame = c.frame.ID
	}
	e := vm.LineEntry{Ofs: int(c.BodyOfs()), File: file, Line: line, Frame: frame}
	if n := len(c.lines); n > 0 && c.lines[n-1].Ofs == e.Ofs {
		c.lines[n-1] = e
	} else {
		c.lines = append(c.lines, e)
	}
	c.peep = false
}

// LineRecs returns the line records of the current body.
func (c *CodeStream) LineRecs() []vm.LineEntry { return c.lines }

// ClearLineRecs drops the line records of the current body.
func (c *CodeStream) ClearLineRecs() { c.lines = nil }
