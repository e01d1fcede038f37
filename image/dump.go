package image

import (
	"fmt"
	"io"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/chazu/t3c/vm"
)

// ---------------------------------------------------------------------------
// Summaries
// ---------------------------------------------------------------------------

// Summary is the structured overview of an image printed by `t3c dump`.
type Summary struct {
	Version      int                `yaml:"version"`
	BuildID      string             `yaml:"build-id"`
	Timestamp    string             `yaml:"timestamp"`
	Entry        string             `yaml:"entry"`
	Blocks       []BlockSummary     `yaml:"blocks"`
	FunctionSets []string           `yaml:"function-sets"`
	Metaclasses  []MetaclassSummary `yaml:"metaclasses"`
	Pools        []PoolSummary      `yaml:"pools"`
	Exports      []ExportSummary    `yaml:"exports,omitempty"`
	Objects      []ObjectSummary    `yaml:"objects,omitempty"`
	StaticInits  []string           `yaml:"static-inits,omitempty"`
	Resources    []ResourceSummary  `yaml:"resources,omitempty"`
	SourceFiles  []SourceSummary    `yaml:"source-files,omitempty"`
	Symbols      int                `yaml:"global-symbols,omitempty"`
	Methods      int                `yaml:"methods,omitempty"`
	Macros       int                `yaml:"macros,omitempty"`
}

type BlockSummary struct {
	Tag       string `yaml:"tag"`
	Size      int    `yaml:"size"`
	Mandatory bool   `yaml:"mandatory,omitempty"`
}

type MetaclassSummary struct {
	Name  string   `yaml:"name"`
	Props []uint16 `yaml:"props,flow,omitempty"`
}

type PoolSummary struct {
	ID       uint16 `yaml:"id"`
	PageSize uint32 `yaml:"page-size"`
	Pages    int    `yaml:"pages"`
}

type ExportSummary struct {
	Name  string `yaml:"name"`
	Value string `yaml:"value"`
}

type ObjectSummary struct {
	ID        uint32 `yaml:"id"`
	Metaclass string `yaml:"metaclass"`
	Transient bool   `yaml:"transient,omitempty"`
	Size      int    `yaml:"size"`
}

type ResourceSummary struct {
	Name string `yaml:"name"`
	Size int    `yaml:"size"`
}

type SourceSummary struct {
	Name  string `yaml:"name"`
	Lines int    `yaml:"lines"`
}

// Summarize builds the overview of img.
func Summarize(img *Image) *Summary {
	s := &Summary{
		Version:      img.Version,
		BuildID:      img.BuildID.String(),
		Timestamp:    img.Timestamp,
		Entry:        fmt.Sprintf("%08X", img.Entry),
		FunctionSets: img.FunctionSets,
		Symbols:      len(img.GlobalSymbols),
		Methods:      len(img.MethodHeaders),
		Macros:       len(img.Macros),
	}
	for _, b := range img.Blocks {
		s.Blocks = append(s.Blocks, BlockSummary{Tag: b.Tag, Size: len(b.Data), Mandatory: b.Mandatory()})
	}
	for _, m := range img.Metaclasses {
		s.Metaclasses = append(s.Metaclasses, MetaclassSummary{Name: m.Name, Props: m.Props})
	}
	for _, p := range []*Pool{img.Code, img.Constant} {
		s.Pools = append(s.Pools, PoolSummary{ID: p.ID, PageSize: p.PageSize, Pages: len(p.Pages)})
	}
	for _, e := range img.Exports {
		s.Exports = append(s.Exports, ExportSummary{Name: e.Name, Value: e.Value.String()})
	}
	for _, o := range img.Objects {
		s.Objects = append(s.Objects, ObjectSummary{
			ID:        o.ID,
			Metaclass: img.MetaclassName(o.Metaclass),
			Transient: o.Transient,
			Size:      len(o.Data),
		})
	}
	for _, si := range img.StaticInits {
		s.StaticInits = append(s.StaticInits, fmt.Sprintf("obj#%d.prop#%d", si.Obj, si.Prop))
	}
	for _, r := range img.Resources {
		s.Resources = append(s.Resources, ResourceSummary{Name: r.Name, Size: len(r.Data)})
	}
	for _, f := range img.SourceFiles {
		s.SourceFiles = append(s.SourceFiles, SourceSummary{Name: f.Name, Lines: len(f.Lines)})
	}
	return s
}

// DumpYAML writes the summary of img as YAML.
func DumpYAML(w io.Writer, img *Image) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(Summarize(img)); err != nil {
		return err
	}
	return enc.Close()
}

// ---------------------------------------------------------------------------
// Text listing
// ---------------------------------------------------------------------------

// DumpOptions selects the sections of a text dump.
type DumpOptions struct {
	Objects     bool // decode tads-object property tables
	Disassemble bool // list the byte-code of every known method
}

// Dump writes a human-readable listing of img.
func Dump(w io.Writer, img *Image, opts DumpOptions) error {
	p := &printer{w: w}
	p.printf("image version %d, built %s, id %s\n", img.Version, img.Timestamp, img.BuildID)
	p.printf("entry point %08X\n\n", img.Entry)

	p.printf("blocks:\n")
	for _, b := range img.Blocks {
		mark := ""
		if b.Mandatory() {
			mark = " (mandatory)"
		}
		p.printf("  %s %8d bytes at %d%s\n", b.Tag, len(b.Data), b.Ofs, mark)
	}

	p.printf("\nfunction sets:\n")
	for i, fs := range img.FunctionSets {
		p.printf("  %2d %s\n", i, fs)
	}
	p.printf("\nmetaclasses:\n")
	for i, m := range img.Metaclasses {
		p.printf("  %2d %s %v\n", i, m.Name, m.Props)
	}
	p.printf("\npools:\n")
	for _, pool := range []*Pool{img.Code, img.Constant} {
		p.printf("  pool %d: %d pages of %d bytes\n", pool.ID, len(pool.Pages), pool.PageSize)
	}

	if len(img.Exports) > 0 {
		p.printf("\nexports:\n")
		for _, e := range img.Exports {
			p.printf("  %-32s %s\n", e.Name, e.Value)
		}
	}

	p.printf("\nobjects:\n")
	for _, o := range img.Objects {
		meta := img.MetaclassName(o.Metaclass)
		t := ""
		if o.Transient {
			t = " transient"
		}
		p.printf("  #%-6d %s%s, %d bytes\n", o.ID, meta, t, len(o.Data))
		if base, _ := vm.SplitVersion(meta); opts.Objects && (base == "tads-object" || base == "intrinsic-class-modifier") {
			p.tadsObject(o.Data)
		}
	}

	if len(img.StaticInits) > 0 {
		p.printf("\nstatic initializers (code at %08X):\n", img.StaticCodeStart)
		for _, si := range img.StaticInits {
			p.printf("  obj#%d.prop#%d\n", si.Obj, si.Prop)
		}
	}
	if len(img.Resources) > 0 {
		p.printf("\nresources:\n")
		for _, r := range img.Resources {
			p.printf("  %-32s %d bytes\n", r.Name, len(r.Data))
		}
	}
	if len(img.SourceFiles) > 0 {
		p.printf("\nsource files:\n")
		for i, f := range img.SourceFiles {
			p.printf("  %2d %s (%d lines)\n", i, f.Name, len(f.Lines))
		}
	}

	if opts.Disassemble {
		for _, addr := range methodAddrs(img) {
			p.method(img, addr)
		}
	}
	return p.err
}

// methodAddrs lists the code bodies a dump can find: the method headers
// block when present, else the entry point and exported function pointers.
func methodAddrs(img *Image) []uint32 {
	if len(img.MethodHeaders) > 0 {
		return img.MethodHeaders
	}
	seen := map[uint32]bool{img.Entry: true}
	addrs := []uint32{img.Entry}
	for _, e := range img.Exports {
		if e.Value.Type == vm.TypeFuncPtr && !seen[e.Value.Value] {
			seen[e.Value.Value] = true
			addrs = append(addrs, e.Value.Value)
		}
	}
	sort.Slice(addrs, func(i, j int) bool { return addrs[i] < addrs[j] })
	return addrs
}

type printer struct {
	w   io.Writer
	err error
}

func (p *printer) printf(format string, args ...interface{}) {
	if p.err != nil {
		return
	}
	_, p.err = fmt.Fprintf(p.w, format, args...)
}

func (p *printer) tadsObject(data []byte) {
	obj, err := vm.DecodeTadsObject(data)
	if err != nil {
		p.printf("    <%v>\n", err)
		return
	}
	if len(obj.Superclasses) > 0 {
		var sc []string
		for _, id := range obj.Superclasses {
			sc = append(sc, fmt.Sprintf("#%d", id))
		}
		p.printf("    superclasses %s\n", strings.Join(sc, " "))
	}
	for _, e := range obj.Props {
		p.printf("    prop#%-5d %s\n", e.Prop, e.Value)
	}
}

func (p *printer) method(img *Image, addr uint32) {
	m, err := img.Method(addr)
	if err != nil {
		p.printf("\nmethod %08X: %v\n", addr, err)
		return
	}
	h := m.Header
	p.printf("\nmethod %08X: argc %d optargc %d varargs %t locals %d maxstack %d\n",
		addr, h.Argc, h.OptArgc, h.Varargs, h.Locals, h.MaxStack)
	listing, err := vm.Disassemble(m.Code)
	if listing != "" {
		p.printf("%s\n", listing)
	}
	if err != nil {
		p.printf("  <%v>\n", err)
	}
	for _, x := range m.Handlers {
		p.printf("  catch %04d-%04d obj#%d -> %04d\n", x.Start, x.End, x.ClassID, x.Handler)
	}
}
