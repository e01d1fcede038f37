package stream

import (
	"bytes"
	"testing"
)

func TestWriteAndRead(t *testing.T) {
	s := New(Data)
	if ofs := s.Write([]byte("abc")); ofs != 0 {
		t.Fatalf("first write at %d, want 0", ofs)
	}
	if ofs := s.Write2(0x1234); ofs != 3 {
		t.Fatalf("Write2 at %d, want 3", ofs)
	}
	s.Write4(0xDEADBEEF)
	if s.Len() != 9 {
		t.Fatalf("Len = %d, want 9", s.Len())
	}
	if got := s.Read2At(3); got != 0x1234 {
		t.Errorf("Read2At = %#x", got)
	}
	if got := s.Read4At(5); got != 0xDEADBEEF {
		t.Errorf("Read4At = %#x", got)
	}
	want := []byte{'a', 'b', 'c', 0x34, 0x12, 0xEF, 0xBE, 0xAD, 0xDE}
	if !bytes.Equal(s.Bytes(), want) {
		t.Errorf("Bytes = % x, want % x", s.Bytes(), want)
	}
}

func TestSignedReads(t *testing.T) {
	s := New(Code)
	s.Write2(0xFFFE)
	s.Write4(0xFFFFFFFF)
	if got := s.ReadInt2At(0); got != -2 {
		t.Errorf("ReadInt2At = %d, want -2", got)
	}
	if got := s.ReadInt4At(2); got != -1 {
		t.Errorf("ReadInt4At = %d, want -1", got)
	}
}

func TestReserveAndWriteAt(t *testing.T) {
	s := New(Code)
	s.Write1(0x90)
	ofs := s.Reserve(4)
	s.Write1(0x91)
	s.Write4At(ofs, 7)
	if got := s.Read4At(1); got != 7 {
		t.Errorf("reserved slot = %d, want 7", got)
	}
	if s.Len() != 6 {
		t.Errorf("Len = %d, want 6", s.Len())
	}
}

func TestWriteAtNeverExtends(t *testing.T) {
	s := New(Code)
	s.Write2(0)
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic writing past end")
		}
	}()
	s.Write4At(0, 1)
}

func TestCrossPageBlockPtr(t *testing.T) {
	s := New(Data)
	s.Reserve(PageSize - 2)
	s.Write([]byte{1, 2, 3, 4})

	blk := s.BlockPtr(PageSize-2, 4)
	if len(blk) != 2 {
		t.Fatalf("first run = %d bytes, want 2", len(blk))
	}
	blk = s.BlockPtr(PageSize, 2)
	if !bytes.Equal(blk, []byte{3, 4}) {
		t.Errorf("second run = %v", blk)
	}
	if got := s.ReadAt(PageSize-2, 4); !bytes.Equal(got, []byte{1, 2, 3, 4}) {
		t.Errorf("ReadAt across pages = %v", got)
	}
	if got := s.Read4At(PageSize - 2); got != 0x04030201 {
		t.Errorf("Read4At across pages = %#x", got)
	}
}

func TestTruncate(t *testing.T) {
	s := New(Code)
	s.Write([]byte{1, 2, 3, 4})
	s.AddAnchor("", nil, 2)
	s.Truncate(2)
	if s.Len() != 2 || len(s.Anchors()) != 0 {
		t.Fatalf("after truncate: len %d anchors %d", s.Len(), len(s.Anchors()))
	}
	s.Reserve(2)
	if got := s.Read2At(2); got != 0 {
		t.Errorf("reserved bytes after truncate = %#x, want 0", got)
	}
}

func TestAnchorLengths(t *testing.T) {
	s := New(Data)
	a := s.AddAnchor("", nil, s.Len())
	s.Write([]byte("hello"))
	b := s.AddAnchor("", nil, s.Len())
	s.Write([]byte("go"))

	if a.Len() != 5 || b.Len() != 2 {
		t.Fatalf("lengths %d, %d; want 5, 2", a.Len(), b.Len())
	}
	var sum uint32
	for _, x := range s.Anchors() {
		sum += x.Len()
	}
	if sum != s.Len() {
		t.Errorf("anchor lengths sum to %d, stream is %d", sum, s.Len())
	}
	if s.AnchorAt(6) != b || s.AnchorAt(0) != a || s.AnchorAt(7) != nil {
		t.Error("AnchorAt returned the wrong anchor")
	}
}

func TestAnchorFixups(t *testing.T) {
	data := New(Data)
	code := New(Code)

	str := data.AddAnchor("", nil, data.Len())
	data.Write([]byte{2, 0, 'h', 'i'})

	code.Write1(0x05)
	site := code.Write4(0)
	str.Fixups().Add(code, site)

	str.SetAddr(0x1000)
	if got := code.Read4At(site); got != 0x1000 {
		t.Errorf("patched address = %#x, want 0x1000", got)
	}
	if addr, ok := str.Addr(); !ok || addr != 0x1000 {
		t.Errorf("Addr = %#x, %v", addr, ok)
	}
}

func TestBorrowedFixupList(t *testing.T) {
	code := New(Code)
	list := NewFixupList()

	// a call site recorded before the function body exists
	code.Write1(0x58)
	site := code.Write4(0)
	list.Add(code, site)

	fn := code.AddAnchor("f", list, code.Len())
	code.Write([]byte{0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0x51})
	if !fn.ExternalFixups() || fn.Owner() != "f" {
		t.Fatal("anchor should borrow the symbol's list")
	}
	fn.SetAddr(0x2000)
	if got := code.Read4At(site); got != 0x2000 {
		t.Errorf("call site = %#x, want 0x2000", got)
	}

	fn.DetachFromSymbol()
	if fn.ExternalFixups() || fn.Owner() != "" || fn.Fixups().Len() != 0 {
		t.Error("detached anchor should have a fresh private list")
	}
	if list.Len() != 1 {
		t.Error("symbol's list should survive detach")
	}
}

func TestAppendStream(t *testing.T) {
	dst := New(Code)
	dst.AddAnchor("", nil, 0)
	dst.Write([]byte{1, 2, 3})

	src := New(Code)
	target := src.AddAnchor("", nil, 0)
	src.Write1(0x91)
	site := src.Write4(0)
	target.Fixups().Add(src, site)

	dst.AppendStream(src)
	if src.Len() != 0 || len(src.Anchors()) != 0 {
		t.Error("source stream should be empty after append")
	}
	if dst.Len() != 8 || len(dst.Anchors()) != 2 {
		t.Fatalf("len %d anchors %d", dst.Len(), len(dst.Anchors()))
	}
	if target.Ofs() != 3 || target.Stream() != dst {
		t.Errorf("moved anchor at %d in %v", target.Ofs(), target.Stream().ID())
	}
	f := target.Fixups().Items()[0]
	if f.Stream != dst || f.Ofs != site+3 {
		t.Errorf("fixup site = %v+%d, want %d", f.Stream.ID(), f.Ofs, site+3)
	}
	target.SetAddr(0xABCD)
	if got := dst.Read4At(site + 3); got != 0xABCD {
		t.Errorf("patched = %#x", got)
	}
}

func TestIDFixupTranslate(t *testing.T) {
	set := NewSet()
	obj := set.Get(Object)
	obj.Write4(1)
	obj.Write2(2)

	x := NewIDFixups()
	x.Add(ObjID, Object, 0, 1)
	x.Add(PropID, Object, 4, 2)

	if err := x.Translate(ObjID, set, []uint32{0, 40}); err != nil {
		t.Fatal(err)
	}
	if err := x.Translate(PropID, set, []uint32{0, 0, 77}); err != nil {
		t.Fatal(err)
	}
	if got := obj.Read4At(0); got != 40 {
		t.Errorf("object id = %d, want 40", got)
	}
	if got := obj.Read2At(4); got != 77 {
		t.Errorf("property id = %d, want 77", got)
	}

	if err := x.Translate(PropID, set, []uint32{0}); err == nil {
		t.Error("expected out-of-range error")
	}
}

func TestSetLookup(t *testing.T) {
	set := NewSet()
	for _, id := range All {
		if s := set.Get(id); s == nil || s.ID() != id {
			t.Errorf("Get(%v) = %v", id, s)
		}
	}
	if set.Get(99) != nil {
		t.Error("unknown id should return nil")
	}
}
