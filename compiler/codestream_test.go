package compiler

import (
	"bytes"
	"errors"
	"testing"

	"github.com/chazu/t3c/stream"
	"github.com/chazu/t3c/vm"
)

func newTestCodeStream() *CodeStream {
	cs := NewCodeStream(stream.New(stream.Code), stream.NewIDFixups(), false)
	cs.BeginBody("test")
	return cs
}

func asm(b ...interface{}) []byte {
	var out []byte
	for _, x := range b {
		switch v := x.(type) {
		case vm.Opcode:
			out = append(out, byte(v))
		case int:
			out = append(out, byte(v))
		case byte:
			out = append(out, v)
		}
	}
	return out
}

func TestForwardLabelPatched(t *testing.T) {
	cs := newTestCodeStream()
	l := cs.NewLabel()
	cs.Op(vm.OpPushTrue)
	cs.Jump(vm.OpJt, l)
	cs.Op(vm.OpPush1)
	cs.Op(vm.OpDisc1)
	cs.U8(0)
	cs.DefineLabel(l)
	cs.Op(vm.OpRetNil)

	if err := cs.checkLabels(); err != nil {
		t.Fatalf("checkLabels: %v", err)
	}
	// JT at 1, offset field at 2, label at 7
	want := asm(vm.OpPushTrue, vm.OpJt, 5, 0, vm.OpPush1, vm.OpDisc1, 0, vm.OpRetNil)
	if got := cs.Bytes(); !bytes.Equal(got, want) {
		t.Errorf("code = % x, want % x", got, want)
	}
}

func TestBackwardLabel(t *testing.T) {
	cs := newTestCodeStream()
	cs.Op(vm.OpNop)
	top := cs.NewLabelHere()
	cs.Op(vm.OpNop)
	cs.Jump(vm.OpJmp, top)

	// offset field at 3, target 1
	want := asm(vm.OpNop, vm.OpNop, vm.OpJmp, 0xFE, 0xFF)
	if got := cs.Bytes(); !bytes.Equal(got, want) {
		t.Errorf("code = % x, want % x", got, want)
	}
}

func TestJumpToNextInstructionRemoved(t *testing.T) {
	cs := newTestCodeStream()
	l := cs.NewLabel()
	cs.Op(vm.OpNop)
	cs.Jump(vm.OpJmp, l)
	cs.DefineLabel(l)
	cs.Op(vm.OpRetNil)

	want := asm(vm.OpNop, vm.OpRetNil)
	if got := cs.Bytes(); !bytes.Equal(got, want) {
		t.Errorf("code = % x, want % x", got, want)
	}
	if err := cs.checkLabels(); err != nil {
		t.Errorf("checkLabels: %v", err)
	}
}

func TestCompareFusesWithBranch(t *testing.T) {
	tests := []struct {
		cmp  vm.Opcode
		jump vm.Opcode
		want vm.Opcode
	}{
		{vm.OpEq, vm.OpJt, vm.OpJe},
		{vm.OpEq, vm.OpJf, vm.OpJne},
		{vm.OpLt, vm.OpJt, vm.OpJlt},
		{vm.OpLt, vm.OpJf, vm.OpJge},
		{vm.OpGe, vm.OpJf, vm.OpJlt},
		{vm.OpNot, vm.OpJt, vm.OpJf},
	}
	for _, tt := range tests {
		t.Run(tt.cmp.Name()+"/"+tt.jump.Name(), func(t *testing.T) {
			cs := newTestCodeStream()
			l := cs.NewLabel()
			cs.Op(vm.OpPush0)
			if tt.cmp != vm.OpNot {
				cs.Op(vm.OpPush1)
			}
			cs.Op(tt.cmp)
			cs.Jump(tt.jump, l)
			cs.DefineLabel(l)

			b := cs.Bytes()
			op := vm.Opcode(b[len(b)-3])
			if op != tt.want {
				t.Errorf("branch = %s, want %s", op, tt.want)
			}
			if cs.Depth() != 0 {
				t.Errorf("depth = %d, want 0", cs.Depth())
			}
		})
	}
}

func TestDiscCancelsPush(t *testing.T) {
	cs := newTestCodeStream()
	cs.Op(vm.OpGetR0)
	cs.Op(vm.OpDisc)
	if cs.Len() != 0 {
		t.Errorf("len = %d, want 0", cs.Len())
	}
	if cs.Depth() != 0 {
		t.Errorf("depth = %d, want 0", cs.Depth())
	}

	// a push carrying a fixup is kept
	cs.Op(vm.OpPushObj)
	cs.ObjID(3)
	cs.Op(vm.OpDisc)
	if cs.Len() != 6 {
		t.Errorf("len = %d, want 6", cs.Len())
	}
}

func TestUnreachableCodeDropped(t *testing.T) {
	cs := newTestCodeStream()
	l := cs.NewLabel()
	cs.Op(vm.OpRetNil)
	cs.Op(vm.OpPushInt8)
	cs.U8(7)
	cs.Op(vm.OpDisc)
	if got := cs.Len(); got != 1 {
		t.Fatalf("len = %d after dead code, want 1", got)
	}
	if cs.Reachable() {
		t.Fatal("stream reachable after RETNIL")
	}

	// a label nothing branches to does not revive the stream
	cs.DefineLabel(l)
	if cs.Reachable() {
		t.Fatal("unreferenced label revived the stream")
	}

	live := cs.NewLiveLabel()
	cs.DefineLabel(live)
	if !cs.Reachable() {
		t.Fatal("live label did not revive the stream")
	}
}

func TestBranchOutOfRange(t *testing.T) {
	cs := newTestCodeStream()
	l := cs.NewLabel()
	cs.Jump(vm.OpJmp, l)
	cs.Revive()
	cs.Reserve(40000)
	cs.DefineLabel(l)
	err := cs.Err()
	if err == nil {
		t.Fatal("expected a branch range error")
	}
	if !errors.Is(err, ErrBranchRange) {
		t.Errorf("err = %v, want ErrBranchRange", err)
	}
}

func TestUndefinedLabel(t *testing.T) {
	cs := newTestCodeStream()
	l := cs.NewLabel()
	cs.Jump(vm.OpJmp, l)
	err := cs.checkLabels()
	if !errors.Is(err, ErrUndefinedLabel) {
		t.Errorf("checkLabels = %v, want ErrUndefinedLabel", err)
	}
}

func TestStackDepthTracking(t *testing.T) {
	cs := newTestCodeStream()
	cs.Op(vm.OpPush1)
	cs.Op(vm.OpPush0)
	cs.Op(vm.OpAdd)
	if cs.Depth() != 1 || cs.MaxDepth() != 2 {
		t.Errorf("depth = %d max = %d, want 1 and 2", cs.Depth(), cs.MaxDepth())
	}
	cs.Op(vm.OpDisc)
	cs.Op(vm.OpDisc)
	if !errors.Is(cs.Err(), ErrStackImbalance) {
		t.Errorf("err = %v, want ErrStackImbalance", cs.Err())
	}
}

func TestIDOperandsRecordFixups(t *testing.T) {
	ids := stream.NewIDFixups()
	cs := NewCodeStream(stream.New(stream.Code), ids, false)
	cs.BeginBody("test")
	cs.Op(vm.OpObjGetProp)
	cs.ObjID(9)
	cs.PropID(4)

	if n := ids.Len(stream.ObjID); n != 1 {
		t.Fatalf("object fixups = %d, want 1", n)
	}
	if f := ids.List(stream.ObjID)[0]; f.Ofs != 1 || f.ID != 9 {
		t.Errorf("object fixup = %+v", f)
	}
	if f := ids.List(stream.PropID)[0]; f.Ofs != 5 || f.ID != 4 {
		t.Errorf("property fixup = %+v", f)
	}
}
