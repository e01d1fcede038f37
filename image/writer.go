package image

import (
	"bytes"
	"fmt"
	"io"
	"sort"

	"github.com/chazu/t3c/stream"
	"github.com/chazu/t3c/vm"
)

// ---------------------------------------------------------------------------
// Writer: block-structured output with back-patched sizes
// ---------------------------------------------------------------------------

type writer struct {
	buf bytes.Buffer
	err error
}

func (w *writer) u8(v byte) { w.buf.WriteByte(v) }

func (w *writer) u16(v uint16) {
	var b [2]byte
	vm.WriteUint16(b[:], v)
	w.buf.Write(b[:])
}

func (w *writer) u32(v uint32) {
	var b [4]byte
	vm.WriteUint32(b[:], v)
	w.buf.Write(b[:])
}

// name8 writes a name with a one-byte length prefix.
func (w *writer) name8(s string) {
	if len(s) > 0xFF && w.err == nil {
		w.err = fmt.Errorf("image: name %q too long", s)
	}
	w.u8(byte(len(s)))
	w.buf.WriteString(s)
}

// name16 writes a name with a two-byte length prefix.
func (w *writer) name16(s string) {
	if len(s) > 0xFFFF && w.err == nil {
		w.err = fmt.Errorf("image: name %q too long", s)
	}
	w.u16(uint16(len(s)))
	w.buf.WriteString(s)
}

// begin writes a block header with a placeholder size and returns the
// offset of the header.
func (w *writer) begin(tag string, flags uint16) int {
	start := w.buf.Len()
	w.buf.WriteString(tag)
	w.u32(0)
	w.u16(flags)
	return start
}

// end patches the size of the block started at start.
func (w *writer) end(start int) {
	size := w.buf.Len() - start - BlockHeaderSize
	vm.WriteUint32(w.buf.Bytes()[start+4:], uint32(size))
}

// ---------------------------------------------------------------------------
// Image writing
// ---------------------------------------------------------------------------

// Write lays out the pools of p and writes the image. The program's
// streams are patched in place with final addresses.
func Write(out io.Writer, p *Program) error {
	if p.Entry == nil {
		return ErrMissingEntry
	}
	code, constant, err := LayoutPools(p.Streams)
	if err != nil {
		return err
	}

	w := &writer{}
	w.header(p)
	w.entry(p)
	w.exports(p)
	w.functionSets(p)
	w.metaclasses(p)
	w.pool(code, 0)
	w.pool(constant, p.XorMask)
	if err := w.objects(p); err != nil {
		return err
	}
	w.resources(p)
	w.staticInit(p, code)
	if p.Debug {
		if err := w.sourceFiles(p); err != nil {
			return err
		}
		w.globalSymbols(p)
		w.methodHeaders(p)
		w.macros(p)
	}
	w.end(w.begin(TagEOF, BlockMandatory))
	if w.err != nil {
		return w.err
	}

	log.Infof("image: %d bytes, code pool %d pages of %d, constant pool %d pages of %d",
		w.buf.Len(), len(code.Pages), code.PageSize, len(constant.Pages), constant.PageSize)
	_, err = out.Write(w.buf.Bytes())
	return err
}

func (w *writer) header(p *Program) {
	w.buf.WriteString(Signature)
	w.u16(Version)
	var reserved [ReservedSize]byte
	copy(reserved[:], p.BuildID[:])
	w.buf.Write(reserved[:])
	ts := p.Timestamp.Format(TimestampLayout)
	var stamp [TimestampSize]byte
	copy(stamp[:], ts)
	w.buf.Write(stamp[:])
}

func (w *writer) entry(p *Program) {
	addr, _ := p.Entry.Addr()
	start := w.begin(TagEntry, BlockMandatory)
	w.u32(addr)
	w.u16(vm.MethodHeaderSize)
	w.u16(vm.ExceptionEntrySize)
	w.u16(vm.DebugLineEntrySize)
	w.u16(vm.DebugTableHeaderSize)
	w.u16(vm.DebugLocalHeaderSize)
	w.u16(vm.DebugFormatVersion)
	w.end(start)
}

func (w *writer) exports(p *Program) {
	start := w.begin(TagSymbols, BlockMandatory)
	w.u16(uint16(len(p.Exports)))
	for _, e := range p.Exports {
		h := e.Value
		if e.Target != nil {
			h.Value, _ = e.Target.Addr()
		}
		w.buf.Write(h.Bytes())
		w.name8(e.Name)
	}
	w.end(start)
}

func (w *writer) functionSets(p *Program) {
	start := w.begin(TagFunctionSets, BlockMandatory)
	w.u16(uint16(len(p.FunctionSets)))
	for _, name := range p.FunctionSets {
		w.name8(name)
	}
	w.end(start)
}

func (w *writer) metaclasses(p *Program) {
	start := w.begin(TagMetaclasses, BlockMandatory)
	w.u16(uint16(len(p.Metaclasses)))
	for _, m := range p.Metaclasses {
		// entry size counts the bytes after the size field
		w.u16(uint16(1 + len(m.Name) + 4 + 2*len(m.Props)))
		w.name8(m.Name)
		w.u16(uint16(len(m.Props)))
		w.u16(2)
		for _, prop := range m.Props {
			w.u16(prop)
		}
	}
	w.end(start)
}

func (w *writer) pool(pool *Pool, mask byte) {
	start := w.begin(TagPoolDef, BlockMandatory)
	w.u16(pool.ID)
	w.u32(uint32(len(pool.Pages)))
	w.u32(pool.PageSize)
	w.end(start)

	for i, pg := range pool.Pages {
		start := w.begin(TagPoolPage, BlockMandatory)
		w.u16(pool.ID)
		w.u32(uint32(i))
		w.u8(mask)
		for _, b := range pg {
			w.u8(b ^ mask)
		}
		w.end(start)
	}
}

// ---------------------------------------------------------------------------
// Objects
// ---------------------------------------------------------------------------

type objRec struct {
	id      uint32
	payload []byte
}

// objectStreams lists the streams holding serialized objects, in image
// order, with the metaclass each one holds.
var objectStreams = []struct {
	id   stream.ID
	meta string
}{
	{stream.Object, vm.MetaTadsObject},
	{stream.IntrinsicMod, vm.MetaIntrinsicMod},
	{stream.Dictionary, vm.MetaDictionary},
	{stream.Grammar, vm.MetaGrammarProd},
	{stream.BigNum, vm.MetaBigNumber},
	{stream.Regex, vm.MetaRegexPattern},
}

func (w *writer) objects(p *Program) error {
	for _, src := range objectStreams {
		var persistent, transient []objRec
		for _, a := range p.Streams.Get(src.id).Anchors() {
			if a.Replaced() {
				continue
			}
			b := a.Bytes()
			if len(b) < vm.ObjHeaderSize {
				return fmt.Errorf("image: %s object at %d truncated", src.id, a.Ofs())
			}
			flags := vm.ReadUint16(b)
			rec := objRec{id: vm.ReadUint32(b[vm.ObjInternalHeaderSize:]), payload: b[vm.ObjHeaderSize:]}
			if src.id == stream.Object || src.id == stream.IntrinsicMod {
				sorted, err := SortProperties(rec.payload)
				if err != nil {
					return fmt.Errorf("image: object #%d: %w", rec.id, err)
				}
				rec.payload = sorted
			}
			if flags&vm.ObjFlagTransient != 0 {
				transient = append(transient, rec)
			} else {
				persistent = append(persistent, rec)
			}
		}
		if err := w.objectBlocks(p, src.meta, 0, persistent); err != nil {
			return err
		}
		if err := w.objectBlocks(p, src.meta, ObjsTransient, transient); err != nil {
			return err
		}
	}

	var intrinsics []objRec
	for _, ic := range p.Intrinsics {
		payload := make([]byte, vm.IntrinsicClassPayloadSize)
		vm.WriteUint16(payload[0:], vm.IntrinsicClassPayloadSize)
		vm.WriteUint16(payload[2:], uint16(ic.DepIndex))
		vm.WriteUint32(payload[4:], ic.Modifier)
		intrinsics = append(intrinsics, objRec{id: ic.ID, payload: payload})
	}
	return w.objectBlocks(p, vm.MetaIntrinsicClass, 0, intrinsics)
}

// objectBlocks writes objs as OBJS blocks of at most MaxObjsBlock bytes of
// object data each.
func (w *writer) objectBlocks(p *Program, meta string, flags uint16, objs []objRec) error {
	if len(objs) == 0 {
		return nil
	}
	idx, ok := p.metaclassIndex(meta)
	if !ok {
		return fmt.Errorf("image: metaclass %s is not in the dependency table", meta)
	}
	for len(objs) > 0 {
		n, size := 0, 0
		for n < len(objs) {
			sz := 8 + len(objs[n].payload)
			if n > 0 && size+sz > MaxObjsBlock {
				break
			}
			size += sz
			n++
		}
		chunk := objs[:n]
		objs = objs[n:]

		f := flags
		for _, o := range chunk {
			if len(o.payload) > 0xFFFF {
				f |= ObjsLarge
			}
		}
		start := w.begin(TagObjects, BlockMandatory)
		w.u16(uint16(len(chunk)))
		w.u16(uint16(idx))
		w.u16(f)
		for _, o := range chunk {
			w.u32(o.id)
			if f&ObjsLarge != 0 {
				w.u32(uint32(len(o.payload)))
			} else {
				w.u16(uint16(len(o.payload)))
			}
			w.buf.Write(o.payload)
		}
		w.end(start)
	}
	return nil
}

// ---------------------------------------------------------------------------
// Resources and static initializers
// ---------------------------------------------------------------------------

func (w *writer) resources(p *Program) {
	if len(p.Resources) == 0 {
		return
	}
	start := w.begin(TagResource, 0)
	w.u16(uint16(len(p.Resources)))
	var ofs uint32
	for _, r := range p.Resources {
		w.u32(ofs)
		w.u32(uint32(len(r.Data)))
		name := []byte(r.Name)
		for i := range name {
			name[i] ^= ResourceNameMask
		}
		w.name8(string(name))
		ofs += uint32(len(r.Data))
	}
	for _, r := range p.Resources {
		w.buf.Write(r.Data)
	}
	w.end(start)
}

func (w *writer) staticInit(p *Program, code *Pool) {
	s := p.Streams.Get(stream.StaticInit)
	start := w.begin(TagStaticInit, BlockMandatory)
	w.u32(SiniHeaderSize)
	w.u32(code.Start(1))
	w.u32(s.Len() / 6)
	w.buf.Write(s.Bytes())
	w.end(start)
}

// ---------------------------------------------------------------------------
// Debug blocks
// ---------------------------------------------------------------------------

type lineAddr struct {
	line uint32
	addr uint32
}

func (w *writer) sourceFiles(p *Program) error {
	lines := make([][]lineAddr, len(p.SourceFiles))
	for _, site := range p.LineTables {
		s := p.Streams.Get(site.Stream)
		a := s.AnchorAt(site.Ofs)
		if a == nil || a.Replaced() {
			continue
		}
		base, _ := a.Addr()
		n := uint32(s.Read2At(site.Ofs))
		entries, err := vm.DecodeLineEntries(s.ReadAt(site.Ofs, vm.DebugTableHeaderSize+n*vm.DebugLineEntrySize))
		if err != nil {
			return fmt.Errorf("image: line table at %s+%d: %w", site.Stream, site.Ofs, err)
		}
		for _, e := range entries {
			if e.File >= len(lines) {
				return fmt.Errorf("image: line record names source file %d of %d", e.File, len(lines))
			}
			lines[e.File] = append(lines[e.File], lineAddr{uint32(e.Line), base + uint32(e.Ofs)})
		}
	}

	start := w.begin(TagSourceFiles, 0)
	w.u16(uint16(len(p.SourceFiles)))
	w.u16(SrcfEntryHeaderSize)
	for i, name := range p.SourceFiles {
		l := lines[i]
		sort.Slice(l, func(a, b int) bool {
			if l[a].line != l[b].line {
				return l[a].line < l[b].line
			}
			return l[a].addr < l[b].addr
		})
		w.u16(uint16(i))
		w.name16(name)
		w.u32(uint32(len(l)))
		for _, la := range l {
			w.u32(la.line)
			w.u32(la.addr)
		}
	}
	w.end(start)
	return nil
}

func (w *writer) globalSymbols(p *Program) {
	syms := append([]GlobalSymbol(nil), p.GlobalSymbols...)
	sort.SliceStable(syms, func(i, j int) bool { return syms[i].Name < syms[j].Name })

	start := w.begin(TagGlobalSymbols, 0)
	w.u32(uint32(len(syms)))
	for _, s := range syms {
		var extra []byte
		switch s.Kind {
		case SymFunction:
			var addr uint32
			if s.Code != nil {
				addr, _ = s.Code.Addr()
			}
			var flags byte
			if s.Varargs {
				flags |= FuncVarargs
			}
			if s.HasRetval {
				flags |= FuncRetval
			}
			extra = vm.AppendUint32(extra, addr)
			extra = vm.AppendUint16(extra, uint16(s.Argc))
			extra = vm.AppendUint16(extra, uint16(s.OptArgc))
			extra = append(extra, flags)
		case SymProperty:
			extra = vm.AppendUint16(extra, uint16(s.ID))
		default:
			extra = vm.AppendUint32(extra, s.ID)
		}
		w.u16(uint16(len(s.Name)))
		w.u16(uint16(len(extra)))
		w.u16(s.Kind)
		w.buf.WriteString(s.Name)
		w.buf.Write(extra)
	}
	w.end(start)
}

func (w *writer) methodHeaders(p *Program) {
	var addrs []uint32
	for _, id := range []stream.ID{stream.Code, stream.StaticCode} {
		for _, a := range p.Streams.Get(id).Anchors() {
			if a.Replaced() {
				continue
			}
			addr, _ := a.Addr()
			addrs = append(addrs, addr)
		}
	}
	sort.Slice(addrs, func(i, j int) bool { return addrs[i] < addrs[j] })

	start := w.begin(TagMethodHeaders, 0)
	w.u32(uint32(len(addrs)))
	for _, a := range addrs {
		w.u32(a)
	}
	w.end(start)
}

func (w *writer) macros(p *Program) {
	start := w.begin(TagMacros, 0)
	w.u32(uint32(len(p.Macros)))
	for _, m := range p.Macros {
		w.name16(m.Name)
		w.u16(m.Flags)
		w.u16(uint16(len(m.Args)))
		for _, a := range m.Args {
			w.name16(a)
		}
		w.u32(uint32(len(m.Expansion)))
		w.buf.WriteString(m.Expansion)
	}
	w.end(start)
}
