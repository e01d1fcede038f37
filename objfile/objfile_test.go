package objfile

import (
	"bytes"
	"errors"
	"strings"
	"testing"

	"github.com/chazu/t3c/stream"
)

// sampleFile builds a small file: one function whose body references a
// constant string, and an object whose id needs translation.
func sampleFile() *File {
	set := stream.NewSet()
	code := set.Get(stream.Code)
	data := set.Get(stream.Data)
	obj := set.Get(stream.Object)
	ids := stream.NewIDFixups()

	str := data.AddAnchor("", nil, 0)
	data.Write2(3)
	data.Write([]byte("abc"))

	fnRefs := stream.NewFixupList()
	code.AddAnchor("main", fnRefs, 0)
	code.Write([]byte{0, 0, 0, 0, 2, 0, 0, 0, 0, 0})
	code.Write1(0x05)
	str.Fixups().Add(code, code.Write4(0))
	code.Write1(0x50)

	obj.AddAnchor("", nil, 0)
	obj.Write2(0)
	ids.Add(stream.ObjID, stream.Object, obj.Write4(1), 1)
	obj.Write2(0)

	// a second function's address stored in the object stream
	fnRefs.Add(obj, 0)

	return &File{
		Flags:        FlagDebug,
		MaxStrLen:    5,
		MaxCodeLen:   16,
		ObjCeiling:   2,
		PropCeiling:  1,
		EnumCeiling:  1,
		FunctionSets: []string{"tads-gen/030008"},
		Metaclasses:  []string{"tads-object/030005", "list/030000"},
		Symbols: &Symbols{
			Functions: []FuncRecord{{
				Name:    "main",
				Argc:    1,
				Defined: true,
				Anchor:  0,
				Fixups:  []Site{{Stream: stream.Object, Ofs: 0}},
			}},
			Objects: []ObjRecord{{
				Name:    "thing",
				ID:      1,
				Defined: true,
				Anchor:  &AnchorRef{Stream: stream.Object, Index: 0},
			}},
			Exports: []Export{{Symbol: "main", External: "main"}},
		},
		Streams:     set,
		IDs:         ids,
		SourceFiles: []string{"main.t"},
		LineTables:  []Site{{Stream: stream.Code, Ofs: 16}},
		Macros:      []Macro{{Name: "MAX", Args: []string{"a", "b"}, Expansion: "((a) > (b) ? (a) : (b))"}},
	}
}

func TestRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	if err := Write(&buf, sampleFile()); err != nil {
		t.Fatalf("Write: %v", err)
	}
	f, err := Read(&buf)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}

	if !f.Debug() || f.MaxCodeLen != 16 || f.ObjCeiling != 2 {
		t.Errorf("header = %+v", f)
	}
	if len(f.Metaclasses) != 2 || f.Metaclasses[1] != "list/030000" {
		t.Errorf("metaclasses = %v", f.Metaclasses)
	}

	fn := f.Function("main")
	if fn == nil || fn.AnchorPtr == nil {
		t.Fatal("function main lost its code anchor")
	}
	if fn.AnchorPtr.Fixups() != fn.List {
		t.Error("code anchor does not share the function's reference list")
	}
	if fn.List.Len() != 1 || fn.List.Items()[0].Stream.ID() != stream.Object {
		t.Errorf("function references = %+v", fn.List.Items())
	}

	data := f.Streams.Get(stream.Data)
	if got := string(data.Bytes()); got != "\x03\x00abc" {
		t.Errorf("data stream = %q", got)
	}
	items := data.Anchors()[0].Fixups().Items()
	if len(items) != 1 || items[0].Stream.ID() != stream.Code || items[0].Ofs != 11 {
		t.Errorf("string references = %+v", items)
	}

	if o := f.Symbols.Objects[0]; o.AnchorPtr == nil || o.AnchorPtr.Len() != 8 {
		t.Errorf("object anchor = %+v", o.AnchorPtr)
	}
	if l := f.IDs.List(stream.ObjID); len(l) != 1 || l[0].Ofs != 2 || l[0].ID != 1 {
		t.Errorf("object id fixups = %+v", l)
	}
	if len(f.SourceFiles) != 1 || len(f.LineTables) != 1 || f.LineTables[0].Ofs != 16 {
		t.Errorf("debug records = %v %v", f.SourceFiles, f.LineTables)
	}
	if len(f.Macros) != 1 || f.Macros[0].Args[1] != "b" || !strings.HasPrefix(f.Macros[0].Expansion, "((a)") {
		t.Errorf("macros = %+v", f.Macros)
	}
}

func TestWriteIsDeterministic(t *testing.T) {
	var a, b bytes.Buffer
	if err := Write(&a, sampleFile()); err != nil {
		t.Fatal(err)
	}
	if err := Write(&b, sampleFile()); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(a.Bytes(), b.Bytes()) {
		t.Error("identical files encode differently")
	}
}

func TestReplacedAnchorFlag(t *testing.T) {
	f := sampleFile()
	f.Streams.Get(stream.Object).Anchors()[0].SetReplaced()
	var buf bytes.Buffer
	if err := Write(&buf, f); err != nil {
		t.Fatal(err)
	}
	g, err := Parse(buf.Bytes())
	if err != nil {
		t.Fatal(err)
	}
	if !g.Streams.Get(stream.Object).Anchors()[0].Replaced() {
		t.Error("replaced flag lost")
	}
}

func TestBadSignature(t *testing.T) {
	var buf bytes.Buffer
	if err := Write(&buf, sampleFile()); err != nil {
		t.Fatal(err)
	}
	b := buf.Bytes()
	b[0] = 'X'
	if _, err := Parse(b); !errors.Is(err, ErrBadSignature) {
		t.Errorf("Parse = %v, want ErrBadSignature", err)
	}
	if _, err := Parse([]byte("short")); !errors.Is(err, ErrBadSignature) {
		t.Errorf("Parse(short) = %v, want ErrBadSignature", err)
	}
}

func TestNameTooLong(t *testing.T) {
	f := sampleFile()
	f.Metaclasses = append(f.Metaclasses, strings.Repeat("x", MaxNameLen+1))
	var buf bytes.Buffer
	if err := Write(&buf, f); !errors.Is(err, ErrNameTooLong) {
		t.Errorf("Write = %v, want ErrNameTooLong", err)
	}
	if buf.Len() != 0 {
		t.Error("a failed write produced output")
	}
}

func TestTruncatedFile(t *testing.T) {
	var buf bytes.Buffer
	if err := Write(&buf, sampleFile()); err != nil {
		t.Fatal(err)
	}
	b := buf.Bytes()
	for _, n := range []int{SignatureSize + 3, len(b) / 2, len(b) - 1} {
		if _, err := Parse(b[:n]); err == nil {
			t.Errorf("Parse of %d of %d bytes succeeded", n, len(b))
		}
	}
}

func TestSymbolsCanonical(t *testing.T) {
	s := &Symbols{
		Props: []PropRecord{{Name: "p", ID: 1, Vocab: true}},
		Enums: []EnumRecord{{Name: "e", ID: 1, Token: true}},
	}
	data, err := MarshalSymbols(s)
	if err != nil {
		t.Fatal(err)
	}
	got, err := UnmarshalSymbols(data)
	if err != nil {
		t.Fatal(err)
	}
	if len(got.Props) != 1 || !got.Props[0].Vocab || !got.Enums[0].Token {
		t.Errorf("symbols = %+v", got)
	}
	if _, err := UnmarshalSymbols([]byte{0xff, 0x00}); err == nil {
		t.Error("garbage symbols accepted")
	}
}
