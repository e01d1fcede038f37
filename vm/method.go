package vm

import "fmt"

// ---------------------------------------------------------------------------
// Method header
// ---------------------------------------------------------------------------

// MethodHeaderSize is the size of the prolog that starts every code body.
// Layout: argc(1) optargc(1) locals(2) maxstack(2) exctable(2) debug(2).
const MethodHeaderSize = 10

// VarargsFlag is or'ed into the argc byte of a varargs method.
const VarargsFlag = 0x80

// MethodHeader describes a code body.
type MethodHeader struct {
	Argc         int  // fixed argument count
	OptArgc      int  // optional argument count
	Varargs      bool // accepts extra arguments
	Locals       int  // local variable slots
	MaxStack     int  // maximum stack depth
	ExcTableOfs  int  // exception table offset from method start, 0 if none
	DebugInfoOfs int  // debug table offset from method start, 0 if none
}

// Encode writes the header into buf, which must hold MethodHeaderSize bytes.
func (h *MethodHeader) Encode(buf []byte) {
	argc := byte(h.Argc)
	if h.Varargs {
		argc |= VarargsFlag
	}
	buf[0] = argc
	buf[1] = byte(h.OptArgc)
	WriteUint16(buf[2:], uint16(h.Locals))
	WriteUint16(buf[4:], uint16(h.MaxStack))
	WriteUint16(buf[6:], uint16(h.ExcTableOfs))
	WriteUint16(buf[8:], uint16(h.DebugInfoOfs))
}

// DecodeMethodHeader reads a method header from buf.
func DecodeMethodHeader(buf []byte) MethodHeader {
	return MethodHeader{
		Argc:         int(buf[0] &^ VarargsFlag),
		Varargs:      buf[0]&VarargsFlag != 0,
		OptArgc:      int(buf[1]),
		Locals:       int(ReadUint16(buf[2:])),
		MaxStack:     int(ReadUint16(buf[4:])),
		ExcTableOfs:  int(ReadUint16(buf[6:])),
		DebugInfoOfs: int(ReadUint16(buf[8:])),
	}
}

// ---------------------------------------------------------------------------
// Exception table
// ---------------------------------------------------------------------------

// ExceptionEntrySize is the size of one exception table entry.
const ExceptionEntrySize = 10

// ExceptionEntry is one protected region. Offsets are relative to the method
// start; End is inclusive. ClassID 0 catches everything.
type ExceptionEntry struct {
	Start   int
	End     int
	ClassID uint32
	Handler int
}

// Encode writes the entry into buf.
func (e ExceptionEntry) Encode(buf []byte) {
	WriteUint16(buf[0:], uint16(e.Start))
	WriteUint16(buf[2:], uint16(e.End))
	WriteUint32(buf[4:], e.ClassID)
	WriteUint16(buf[8:], uint16(e.Handler))
}

// DecodeExceptionTable reads a complete exception table starting at buf.
func DecodeExceptionTable(buf []byte) ([]ExceptionEntry, error) {
	if len(buf) < 2 {
		return nil, fmt.Errorf("exception table truncated")
	}
	n := int(ReadUint16(buf))
	if len(buf) < 2+n*ExceptionEntrySize {
		return nil, fmt.Errorf("exception table truncated: %d entries", n)
	}
	out := make([]ExceptionEntry, n)
	for i := range out {
		p := buf[2+i*ExceptionEntrySize:]
		out[i] = ExceptionEntry{
			Start:   int(ReadUint16(p[0:])),
			End:     int(ReadUint16(p[2:])),
			ClassID: ReadUint32(p[4:]),
			Handler: int(ReadUint16(p[8:])),
		}
	}
	return out, nil
}

// ---------------------------------------------------------------------------
// Debug records
// ---------------------------------------------------------------------------

// Debug table layout constants.
const (
	DebugLineEntrySize   = 10 // ofs(2) file(2) line(4) frame(2)
	DebugTableHeaderSize = 2  // line count
	DebugLocalHeaderSize = 4  // flags(2) slot(2)
	DebugFormatVersion   = 1
)

// Local variable record flags.
const (
	LocalFlagParam   = 0x0001
	LocalFlagPoolRef = 0x0004
)

// LineEntry is one source line record within a method's debug table.
type LineEntry struct {
	Ofs   int // byte-code offset from the method start
	File  int // source file index
	Line  int
	Frame int // local frame id, 0 = none
}

// Encode writes the entry into buf.
func (l LineEntry) Encode(buf []byte) {
	WriteUint16(buf[0:], uint16(l.Ofs))
	WriteUint16(buf[2:], uint16(l.File))
	WriteUint32(buf[4:], uint32(l.Line))
	WriteUint16(buf[8:], uint16(l.Frame))
}

// DecodeLineEntries reads the line records at the start of a debug table.
func DecodeLineEntries(buf []byte) ([]LineEntry, error) {
	if len(buf) < DebugTableHeaderSize {
		return nil, fmt.Errorf("debug table truncated")
	}
	n := int(ReadUint16(buf))
	if len(buf) < DebugTableHeaderSize+n*DebugLineEntrySize {
		return nil, fmt.Errorf("debug table truncated: %d lines", n)
	}
	out := make([]LineEntry, n)
	for i := range out {
		p := buf[DebugTableHeaderSize+i*DebugLineEntrySize:]
		out[i] = LineEntry{
			Ofs:   int(ReadUint16(p[0:])),
			File:  int(ReadUint16(p[2:])),
			Line:  int(ReadUint32(p[4:])),
			Frame: int(ReadUint16(p[8:])),
		}
	}
	return out, nil
}

// ---------------------------------------------------------------------------
// Identifiers
// ---------------------------------------------------------------------------

// Invalid identifiers. Real ids are assigned from 1.
const (
	InvalidObj  uint32 = 0
	InvalidProp uint16 = 0
	InvalidEnum uint32 = 0
)

// MaxPropID is the largest property id the 16-bit encoding can hold.
const MaxPropID = 0xFFFF
