package image

import (
	"bytes"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/google/uuid"

	"github.com/chazu/t3c/objfile"
	"github.com/chazu/t3c/vm"
)

// ---------------------------------------------------------------------------
// Decoded image
// ---------------------------------------------------------------------------

// Block is one raw block of an image file.
type Block struct {
	Tag   string
	Flags uint16
	Ofs   int // file offset of the block header
	Data  []byte
}

// Mandatory reports whether a VM must understand the block.
func (b *Block) Mandatory() bool { return b.Flags&BlockMandatory != 0 }

// Object is one object from an OBJS block.
type Object struct {
	ID        uint32
	Metaclass int
	Transient bool
	Data      []byte
}

// StaticInit is one static initializer to run at load time.
type StaticInit struct {
	Obj  uint32
	Prop uint16
}

// LineAddr maps a source line to the address of its code.
type LineAddr struct {
	Line uint32
	Addr uint32
}

// SourceFile is one SRCF entry.
type SourceFile struct {
	Name  string
	Lines []LineAddr
}

// Image is a decoded image file.
type Image struct {
	Version   int
	BuildID   uuid.UUID
	Timestamp string
	Blocks    []Block

	Entry        uint32
	Exports      []Export
	FunctionSets []string
	Metaclasses  []Metaclass
	Code         *Pool
	Constant     *Pool
	Objects      []Object
	Resources    []Resource

	StaticCodeStart uint32
	StaticInits     []StaticInit

	SourceFiles   []SourceFile
	GlobalSymbols []GlobalSymbol
	MethodHeaders []uint32
	Macros        []objfile.Macro
}

// Read decodes an image from r.
func Read(r io.Reader) (*Image, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("image: read: %w", err)
	}
	return Parse(data)
}

// Parse decodes an image held in memory.
func Parse(data []byte) (*Image, error) {
	if len(data) < HeaderSize || !bytes.Equal(data[:len(Signature)], []byte(Signature)) {
		return nil, ErrBadSignature
	}
	img := &Image{
		Code:     &Pool{ID: CodePool},
		Constant: &Pool{ID: ConstantPool},
	}
	d := vm.NewDecoder(data)
	d.Skip(len(Signature))
	img.Version = int(d.Uint16())
	if img.Version != Version {
		return nil, fmt.Errorf("%w: %d", ErrVersion, img.Version)
	}
	copy(img.BuildID[:], d.Bytes(ReservedSize))
	img.Timestamp = strings.TrimRight(string(d.Bytes(TimestampSize)), "\x00")

	for {
		ofs := d.Pos()
		tag := string(d.Bytes(4))
		size := d.Uint32()
		flags := d.Uint16()
		body := d.Bytes(int(size))
		if err := d.Err(); err != nil {
			return nil, fmt.Errorf("%w: block at %d: %v", ErrCorrupt, ofs, err)
		}
		img.Blocks = append(img.Blocks, Block{Tag: tag, Flags: flags, Ofs: ofs, Data: body})
		if tag == TagEOF {
			break
		}
		if err := img.decodeBlock(tag, body); err != nil {
			return nil, fmt.Errorf("%w: %s block at %d: %v", ErrCorrupt, tag, ofs, err)
		}
	}
	return img, nil
}

func (img *Image) decodeBlock(tag string, body []byte) error {
	d := vm.NewDecoder(body)
	switch tag {
	case TagEntry:
		img.Entry = d.Uint32()
	case TagSymbols:
		n := int(d.Uint16())
		for i := 0; i < n; i++ {
			h := d.Bytes(vm.DataHolderSize)
			name := string(d.Bytes(int(d.Uint8())))
			if d.Err() != nil {
				break
			}
			img.Exports = append(img.Exports, Export{Name: name, Value: vm.DecodeDataHolder(h)})
		}
	case TagFunctionSets:
		n := int(d.Uint16())
		for i := 0; i < n && d.Err() == nil; i++ {
			img.FunctionSets = append(img.FunctionSets, string(d.Bytes(int(d.Uint8()))))
		}
	case TagMetaclasses:
		n := int(d.Uint16())
		for i := 0; i < n && d.Err() == nil; i++ {
			entry := vm.NewDecoder(d.Bytes(int(d.Uint16())))
			m := Metaclass{Name: string(entry.Bytes(int(entry.Uint8())))}
			count := int(entry.Uint16())
			width := int(entry.Uint16())
			for j := 0; j < count && entry.Err() == nil; j++ {
				m.Props = append(m.Props, vm.ReadUint16(entry.Bytes(width)))
			}
			if err := entry.Err(); err != nil {
				return err
			}
			img.Metaclasses = append(img.Metaclasses, m)
		}
	case TagPoolDef:
		pool, err := img.pool(d.Uint16())
		if err != nil {
			return err
		}
		pool.Pages = make([][]byte, d.Uint32())
		pool.PageSize = d.Uint32()
	case TagPoolPage:
		pool, err := img.pool(d.Uint16())
		if err != nil {
			return err
		}
		idx := d.Uint32()
		mask := d.Uint8()
		if d.Err() == nil && int(idx) >= len(pool.Pages) {
			return fmt.Errorf("page %d of pool %d not declared", idx, pool.ID)
		}
		raw := d.Bytes(d.Remaining())
		pg := make([]byte, len(raw))
		for i, b := range raw {
			pg[i] = b ^ mask
		}
		if d.Err() == nil {
			pool.Pages[idx] = pg
		}
	case TagObjects:
		n := int(d.Uint16())
		meta := int(d.Uint16())
		flags := d.Uint16()
		for i := 0; i < n && d.Err() == nil; i++ {
			o := Object{ID: d.Uint32(), Metaclass: meta, Transient: flags&ObjsTransient != 0}
			var size int
			if flags&ObjsLarge != 0 {
				size = int(d.Uint32())
			} else {
				size = int(d.Uint16())
			}
			o.Data = d.Bytes(size)
			img.Objects = append(img.Objects, o)
		}
	case TagResource:
		n := int(d.Uint16())
		type entry struct{ ofs, size uint32 }
		var table []entry
		for i := 0; i < n && d.Err() == nil; i++ {
			e := entry{d.Uint32(), d.Uint32()}
			name := append([]byte(nil), d.Bytes(int(d.Uint8()))...)
			for j := range name {
				name[j] ^= ResourceNameMask
			}
			table = append(table, e)
			img.Resources = append(img.Resources, Resource{Name: string(name)})
		}
		rest := d.Bytes(d.Remaining())
		for i, e := range table {
			if uint64(e.ofs)+uint64(e.size) > uint64(len(rest)) {
				return fmt.Errorf("resource %q out of range", img.Resources[i].Name)
			}
			img.Resources[i].Data = rest[e.ofs : e.ofs+e.size]
		}
	case TagStaticInit:
		hdr := int(d.Uint32())
		img.StaticCodeStart = d.Uint32()
		n := int(d.Uint32())
		d.Skip(hdr - SiniHeaderSize)
		for i := 0; i < n && d.Err() == nil; i++ {
			img.StaticInits = append(img.StaticInits, StaticInit{Obj: d.Uint32(), Prop: d.Uint16()})
		}
	case TagSourceFiles:
		n := int(d.Uint16())
		hdr := int(d.Uint16())
		for i := 0; i < n && d.Err() == nil; i++ {
			d.Uint16()
			d.Skip(hdr - SrcfEntryHeaderSize)
			f := SourceFile{Name: string(d.Bytes(int(d.Uint16())))}
			lines := int(d.Uint32())
			for j := 0; j < lines && d.Err() == nil; j++ {
				f.Lines = append(f.Lines, LineAddr{Line: d.Uint32(), Addr: d.Uint32()})
			}
			img.SourceFiles = append(img.SourceFiles, f)
		}
	case TagGlobalSymbols:
		n := int(d.Uint32())
		for i := 0; i < n && d.Err() == nil; i++ {
			nameLen := int(d.Uint16())
			extraLen := int(d.Uint16())
			s := GlobalSymbol{Kind: d.Uint16()}
			s.Name = string(d.Bytes(nameLen))
			extra := vm.NewDecoder(d.Bytes(extraLen))
			switch s.Kind {
			case SymFunction:
				s.Addr = extra.Uint32()
				s.Argc = int(extra.Uint16())
				s.OptArgc = int(extra.Uint16())
				flags := extra.Uint8()
				s.Varargs = flags&FuncVarargs != 0
				s.HasRetval = flags&FuncRetval != 0
			case SymProperty:
				s.ID = uint32(extra.Uint16())
			default:
				s.ID = extra.Uint32()
			}
			if err := extra.Err(); err != nil {
				return err
			}
			img.GlobalSymbols = append(img.GlobalSymbols, s)
		}
	case TagMethodHeaders:
		n := int(d.Uint32())
		for i := 0; i < n && d.Err() == nil; i++ {
			img.MethodHeaders = append(img.MethodHeaders, d.Uint32())
		}
	case TagMacros:
		n := int(d.Uint32())
		for i := 0; i < n && d.Err() == nil; i++ {
			m := objfile.Macro{Name: string(d.Bytes(int(d.Uint16())))}
			m.Flags = d.Uint16()
			argc := int(d.Uint16())
			for j := 0; j < argc && d.Err() == nil; j++ {
				m.Args = append(m.Args, string(d.Bytes(int(d.Uint16()))))
			}
			m.Expansion = string(d.Bytes(int(d.Uint32())))
			img.Macros = append(img.Macros, m)
		}
	default:
		// unknown optional blocks are skipped
	}
	return d.Err()
}

func (img *Image) pool(id uint16) (*Pool, error) {
	switch id {
	case CodePool:
		return img.Code, nil
	case ConstantPool:
		return img.Constant, nil
	}
	return nil, fmt.Errorf("unknown pool %d", id)
}

// ---------------------------------------------------------------------------
// Lookups
// ---------------------------------------------------------------------------

// Export returns the exported value with the given name.
func (img *Image) Export(name string) (vm.DataHolder, bool) {
	for _, e := range img.Exports {
		if e.Name == name {
			return e.Value, true
		}
	}
	return vm.DataHolder{}, false
}

// Object returns the object with the given id, or nil.
func (img *Image) Object(id uint32) *Object {
	for i := range img.Objects {
		if img.Objects[i].ID == id {
			return &img.Objects[i]
		}
	}
	return nil
}

// MetaclassName returns the name of dependency i.
func (img *Image) MetaclassName(i int) string {
	if i < 0 || i >= len(img.Metaclasses) {
		return fmt.Sprintf("metaclass#%d", i)
	}
	return img.Metaclasses[i].Name
}

// ObjectsOf returns the objects of the named metaclass, matched by base
// name.
func (img *Image) ObjectsOf(meta string) []Object {
	base, _ := vm.SplitVersion(meta)
	var out []Object
	for _, o := range img.Objects {
		if b, _ := vm.SplitVersion(img.MetaclassName(o.Metaclass)); b == base {
			out = append(out, o)
		}
	}
	return out
}

// String returns the constant-pool string at addr.
func (img *Image) String(addr uint32) (string, error) {
	hdr, err := img.Constant.Read(addr, 2)
	if err != nil {
		return "", err
	}
	b, err := img.Constant.Read(addr+2, uint32(vm.ReadUint16(hdr)))
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// List returns the elements of the constant-pool list at addr.
func (img *Image) List(addr uint32) ([]vm.DataHolder, error) {
	hdr, err := img.Constant.Read(addr, 2)
	if err != nil {
		return nil, err
	}
	n := uint32(vm.ReadUint16(hdr))
	b, err := img.Constant.Read(addr+2, n*vm.DataHolderSize)
	if err != nil {
		return nil, err
	}
	out := make([]vm.DataHolder, n)
	for i := range out {
		out[i] = vm.DecodeDataHolder(b[i*vm.DataHolderSize:])
	}
	return out, nil
}

// Method is a decoded code body.
type Method struct {
	Addr     uint32
	Header   vm.MethodHeader
	Code     []byte // byte-code after the header
	Handlers []vm.ExceptionEntry
	Lines    []vm.LineEntry
}

// Method decodes the code body at addr. The byte-code runs to the exception
// table, the debug table, the next method header, or the end of the page,
// whichever comes first.
func (img *Image) Method(addr uint32) (*Method, error) {
	rest, err := img.Code.PageRest(addr)
	if err != nil {
		return nil, err
	}
	if len(rest) < vm.MethodHeaderSize {
		return nil, fmt.Errorf("%w: method header at %08X", ErrBadAddress, addr)
	}
	m := &Method{Addr: addr, Header: vm.DecodeMethodHeader(rest)}

	end := len(rest)
	if i := sort.Search(len(img.MethodHeaders), func(i int) bool { return img.MethodHeaders[i] > addr }); i < len(img.MethodHeaders) {
		if next := int(img.MethodHeaders[i] - addr); next < end {
			end = next
		}
	}
	if h := m.Header.ExcTableOfs; h != 0 && h < end {
		if m.Handlers, err = vm.DecodeExceptionTable(rest[h:]); err != nil {
			return nil, err
		}
		end = h
	}
	if h := m.Header.DebugInfoOfs; h != 0 && h <= len(rest) {
		if m.Lines, err = vm.DecodeLineEntries(rest[h:]); err != nil {
			return nil, err
		}
		if h < end {
			end = h
		}
	}
	if end < vm.MethodHeaderSize {
		return nil, fmt.Errorf("%w: method at %08X overlaps its successor", ErrCorrupt, addr)
	}
	m.Code = rest[vm.MethodHeaderSize:end]
	return m, nil
}
