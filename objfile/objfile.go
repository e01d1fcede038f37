// Package objfile reads and writes the object files produced for each
// translation unit and consumed by the linker.
package objfile

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"github.com/chazu/t3c/stream"
	"github.com/chazu/t3c/vm"
)

// ---------------------------------------------------------------------------
// Format constants
// ---------------------------------------------------------------------------

// Version is the object file format version.
const Version = 1

// SignatureSize is the size of the file signature.
const SignatureSize = 20

// Signature returns the signature for a format version.
func Signature(version int) []byte {
	return []byte(fmt.Sprintf("TADS3.Object.%04d\n\r\032", version))
}

// File flags.
const (
	FlagDebug uint32 = 0x0001
)

// Anchor record flags.
const (
	anchorReplaced uint16 = 0x0001
	anchorExternal uint16 = 0x0002
)

// MaxNameLen bounds every length-prefixed name in the file.
const MaxNameLen = 255

var (
	ErrBadSignature = errors.New("object file signature mismatch")
	ErrNameTooLong  = errors.New("object file name field too long")
	ErrCorrupt      = errors.New("corrupt object file")
)

// ---------------------------------------------------------------------------
// File
// ---------------------------------------------------------------------------

// Macro is a preprocessor macro definition carried for the debugger.
type Macro struct {
	Name      string
	Flags     uint16
	Args      []string
	Expansion string
}

// File is the in-memory form of an object file.
type File struct {
	Flags uint32

	MaxStrLen    uint32
	MaxListCount uint32
	MaxCodeLen   uint32

	ObjCeiling  uint32
	PropCeiling uint32
	EnumCeiling uint32

	FunctionSets []string
	Metaclasses  []string

	Symbols *Symbols
	Streams *stream.Set
	IDs     *stream.IDFixups

	SourceFiles []string
	LineTables  []Site
	Macros      []Macro
}

// Debug reports whether the file carries debug records.
func (f *File) Debug() bool { return f.Flags&FlagDebug != 0 }

// Function returns the function record with the given name.
func (f *File) Function(name string) *FuncRecord {
	for i := range f.Symbols.Functions {
		if f.Symbols.Functions[i].Name == name {
			return &f.Symbols.Functions[i]
		}
	}
	return nil
}

// ---------------------------------------------------------------------------
// Writing
// ---------------------------------------------------------------------------

type encoder struct {
	buf bytes.Buffer
	err error
}

func (e *encoder) u16(v uint16) {
	var b [2]byte
	vm.WriteUint16(b[:], v)
	e.buf.Write(b[:])
}

func (e *encoder) u32(v uint32) {
	var b [4]byte
	vm.WriteUint32(b[:], v)
	e.buf.Write(b[:])
}

func (e *encoder) name(s string) {
	if len(s) > MaxNameLen && e.err == nil {
		e.err = fmt.Errorf("%w: %q", ErrNameTooLong, s)
	}
	e.u16(uint16(len(s)))
	e.buf.WriteString(s)
}

func (e *encoder) longString(s string) {
	e.u32(uint32(len(s)))
	e.buf.WriteString(s)
}

// Write serializes f.
func Write(w io.Writer, f *File) error {
	e := &encoder{}
	e.buf.Write(Signature(Version))
	e.u32(f.Flags)
	e.u32(f.MaxStrLen)
	e.u32(f.MaxListCount)
	e.u32(f.MaxCodeLen)
	e.u32(f.ObjCeiling)
	e.u32(f.PropCeiling)
	e.u32(f.EnumCeiling)

	for _, deps := range [][]string{f.FunctionSets, f.Metaclasses} {
		e.u16(uint16(len(deps)))
		for _, d := range deps {
			e.name(d)
		}
	}

	syms := f.Symbols
	if syms == nil {
		syms = &Symbols{}
	}
	data, err := MarshalSymbols(syms)
	if err != nil {
		return fmt.Errorf("objfile: encode symbols: %w", err)
	}
	e.u32(uint32(len(data)))
	e.buf.Write(data)

	for _, id := range stream.ObjectFileOrder {
		writeStream(e, f.Streams.Get(id))
	}

	for _, kind := range []stream.IDKind{stream.ObjID, stream.PropID, stream.EnumID} {
		list := f.IDs.List(kind)
		e.u32(uint32(len(list)))
		for _, fx := range list {
			e.u16(uint16(fx.Stream))
			e.u32(fx.Ofs)
			e.u32(fx.ID)
		}
	}

	if f.Debug() {
		e.u16(uint16(len(f.SourceFiles)))
		for _, name := range f.SourceFiles {
			e.longString(name)
		}
		e.u32(uint32(len(f.LineTables)))
		for _, lt := range f.LineTables {
			e.u16(uint16(lt.Stream))
			e.u32(lt.Ofs)
		}
	}

	e.u32(uint32(len(f.Macros)))
	for _, m := range f.Macros {
		e.name(m.Name)
		e.u16(m.Flags)
		e.u16(uint16(len(m.Args)))
		for _, a := range m.Args {
			e.name(a)
		}
		e.longString(m.Expansion)
	}

	if e.err != nil {
		return e.err
	}
	_, err = w.Write(e.buf.Bytes())
	return err
}

func writeStream(e *encoder, s *stream.Stream) {
	e.u32(s.Len())
	e.buf.Write(s.Bytes())
	anchors := s.Anchors()
	e.u32(uint32(len(anchors)))
	for _, a := range anchors {
		e.u32(a.Ofs())
		var flags uint16
		if a.Replaced() {
			flags |= anchorReplaced
		}
		if a.ExternalFixups() {
			flags |= anchorExternal
		}
		e.u16(flags)
		e.name(a.Owner())
		if a.ExternalFixups() {
			continue
		}
		items := a.Fixups().Items()
		e.u32(uint32(len(items)))
		for _, fx := range items {
			e.u16(uint16(fx.Stream.ID()))
			e.u32(fx.Ofs)
		}
	}
}

// ---------------------------------------------------------------------------
// Reading
// ---------------------------------------------------------------------------

// Read parses an object file.
func Read(r io.Reader) (*File, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("objfile: read: %w", err)
	}
	return Parse(data)
}

// Parse parses an object file held in memory.
func Parse(data []byte) (*File, error) {
	if len(data) < SignatureSize || !bytes.Equal(data[:SignatureSize], Signature(Version)) {
		return nil, ErrBadSignature
	}
	d := vm.NewDecoder(data[SignatureSize:])
	f := &File{
		Streams: stream.NewSet(),
		IDs:     stream.NewIDFixups(),
	}
	f.Flags = d.Uint32()
	f.MaxStrLen = d.Uint32()
	f.MaxListCount = d.Uint32()
	f.MaxCodeLen = d.Uint32()
	f.ObjCeiling = d.Uint32()
	f.PropCeiling = d.Uint32()
	f.EnumCeiling = d.Uint32()

	var err error
	if f.FunctionSets, err = readNames(d); err != nil {
		return nil, err
	}
	if f.Metaclasses, err = readNames(d); err != nil {
		return nil, err
	}

	n := int(d.Uint32())
	symData := d.Bytes(n)
	if d.Err() != nil {
		return nil, d.Err()
	}
	if f.Symbols, err = UnmarshalSymbols(symData); err != nil {
		return nil, err
	}

	// Function reference lists exist before the code stream is read, so that
	// anchors borrowing them can be created as their records are read.
	lists := make(map[string]*stream.FixupList)
	for i := range f.Symbols.Functions {
		fn := &f.Symbols.Functions[i]
		fn.List = stream.NewFixupList()
		for _, site := range fn.Fixups {
			s := f.Streams.Get(site.Stream)
			if s == nil {
				return nil, fmt.Errorf("%w: fixup in unknown stream %d", ErrCorrupt, site.Stream)
			}
			fn.List.Add(s, site.Ofs)
		}
		lists[fn.Name] = fn.List
	}

	type pending struct {
		a     *stream.Anchor
		sites []Site
	}
	var internal []pending
	for _, id := range stream.ObjectFileOrder {
		s := f.Streams.Get(id)
		n := int(d.Uint32())
		s.Write(d.Bytes(n))
		count := int(d.Uint32())
		for i := 0; i < count && d.Err() == nil; i++ {
			ofs := d.Uint32()
			flags := d.Uint16()
			owner, err := readName(d)
			if err != nil {
				return nil, err
			}
			if ofs > s.Len() {
				return nil, fmt.Errorf("%w: anchor at %d past end of %s stream", ErrCorrupt, ofs, id)
			}
			var a *stream.Anchor
			if flags&anchorExternal != 0 {
				list, ok := lists[owner]
				if !ok {
					return nil, fmt.Errorf("%w: anchor owner %q has no symbol", ErrCorrupt, owner)
				}
				a = s.AddAnchor(owner, list, ofs)
			} else {
				a = s.AddAnchor(owner, nil, ofs)
				nfix := int(d.Uint32())
				p := pending{a: a}
				for j := 0; j < nfix && d.Err() == nil; j++ {
					p.sites = append(p.sites, Site{Stream: stream.ID(d.Uint16()), Ofs: d.Uint32()})
				}
				internal = append(internal, p)
			}
			if flags&anchorReplaced != 0 {
				a.SetReplaced()
			}
		}
		if d.Err() != nil {
			return nil, d.Err()
		}
	}
	for _, p := range internal {
		for _, site := range p.sites {
			s := f.Streams.Get(site.Stream)
			if s == nil || site.Ofs+4 > s.Len() {
				return nil, fmt.Errorf("%w: fixup site %d+%d out of range", ErrCorrupt, site.Stream, site.Ofs)
			}
			p.a.Fixups().Add(s, site.Ofs)
		}
	}

	for _, kind := range []stream.IDKind{stream.ObjID, stream.PropID, stream.EnumID} {
		count := int(d.Uint32())
		for i := 0; i < count && d.Err() == nil; i++ {
			sid := stream.ID(d.Uint16())
			ofs := d.Uint32()
			id := d.Uint32()
			f.IDs.Add(kind, sid, ofs, id)
		}
	}

	if f.Debug() {
		count := int(d.Uint16())
		for i := 0; i < count && d.Err() == nil; i++ {
			f.SourceFiles = append(f.SourceFiles, string(d.Bytes(int(d.Uint32()))))
		}
		count = int(d.Uint32())
		for i := 0; i < count && d.Err() == nil; i++ {
			f.LineTables = append(f.LineTables, Site{Stream: stream.ID(d.Uint16()), Ofs: d.Uint32()})
		}
	}

	count := int(d.Uint32())
	for i := 0; i < count && d.Err() == nil; i++ {
		var m Macro
		if m.Name, err = readName(d); err != nil {
			return nil, err
		}
		m.Flags = d.Uint16()
		nargs := int(d.Uint16())
		for j := 0; j < nargs; j++ {
			a, err := readName(d)
			if err != nil {
				return nil, err
			}
			m.Args = append(m.Args, a)
		}
		m.Expansion = string(d.Bytes(int(d.Uint32())))
		f.Macros = append(f.Macros, m)
	}
	if d.Err() != nil {
		return nil, d.Err()
	}

	if err := resolveAnchors(f); err != nil {
		return nil, err
	}
	return f, nil
}

func readName(d *vm.Decoder) (string, error) {
	n := int(d.Uint16())
	if n > MaxNameLen {
		return "", fmt.Errorf("%w: %d bytes", ErrNameTooLong, n)
	}
	b := d.Bytes(n)
	if d.Err() != nil {
		return "", d.Err()
	}
	return string(b), nil
}

func readNames(d *vm.Decoder) ([]string, error) {
	count := int(d.Uint16())
	var out []string
	for i := 0; i < count; i++ {
		name, err := readName(d)
		if err != nil {
			return nil, err
		}
		out = append(out, name)
	}
	return out, d.Err()
}

// resolveAnchors points symbol records at their decoded anchors.
func resolveAnchors(f *File) error {
	code := f.Streams.Get(stream.Code)
	for i := range f.Symbols.Functions {
		fn := &f.Symbols.Functions[i]
		for _, fx := range fn.List.Items() {
			if fx.Ofs+4 > fx.Stream.Len() {
				return fmt.Errorf("%w: reference to %q at %s+%d out of range", ErrCorrupt, fn.Name, fx.Stream.ID(), fx.Ofs)
			}
		}
		if fn.Anchor < 0 {
			continue
		}
		if fn.Anchor >= len(code.Anchors()) {
			return fmt.Errorf("%w: function %q anchor out of range", ErrCorrupt, fn.Name)
		}
		fn.AnchorPtr = code.Anchors()[fn.Anchor]
	}
	for i := range f.Symbols.Objects {
		o := &f.Symbols.Objects[i]
		if o.Anchor == nil {
			continue
		}
		s := f.Streams.Get(o.Anchor.Stream)
		if s == nil || o.Anchor.Index < 0 || o.Anchor.Index >= len(s.Anchors()) {
			return fmt.Errorf("%w: object %q anchor out of range", ErrCorrupt, o.Name)
		}
		o.AnchorPtr = s.Anchors()[o.Anchor.Index]
	}
	return nil
}
