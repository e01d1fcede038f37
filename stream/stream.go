// Package stream implements the paged, append-only byte streams that hold
// generated code, constants and serialized objects until link time, together
// with the anchors and fixups that tie them to final pool addresses.
package stream

import (
	"fmt"

	"github.com/chazu/t3c/vm"
)

// PageSize is the size of one backing page of a stream.
const PageSize = 64000

// ID identifies a stream. IDs are stable small integers so that object files
// can name the stream a record belongs to.
type ID uint16

const (
	Code         ID = 1  // byte-code
	StaticCode   ID = 2  // static initializer byte-code
	Data         ID = 3  // constant strings and lists
	Object       ID = 4  // tads-object instances
	IntrinsicMod ID = 5  // intrinsic class modifier objects
	BigNum       ID = 6  // bignumber objects
	Regex        ID = 7  // regex-pattern objects
	StaticInit   ID = 8  // static initializer (obj, prop) pairs
	LocalVar     ID = 9  // long local variable names
	Dictionary   ID = 10 // dictionary objects (built at link time)
	Grammar      ID = 11 // grammar production objects (built at link time)
)

// ObjectFileOrder lists the streams carried by an object file, in file order.
var ObjectFileOrder = []ID{Code, StaticCode, Data, Object, IntrinsicMod, BigNum, Regex, StaticInit, LocalVar}

// All lists every stream id.
var All = []ID{Code, StaticCode, Data, Object, IntrinsicMod, BigNum, Regex, StaticInit, LocalVar, Dictionary, Grammar}

var idNames = map[ID]string{
	Code:         "code",
	StaticCode:   "static-code",
	Data:         "data",
	Object:       "object",
	IntrinsicMod: "intrinsic-class-modifier",
	BigNum:       "bignumber",
	Regex:        "regex",
	StaticInit:   "static-init",
	LocalVar:     "local-var",
	Dictionary:   "dictionary",
	Grammar:      "grammar",
}

// String implements the Stringer interface.
func (id ID) String() string {
	if n, ok := idNames[id]; ok {
		return n
	}
	return fmt.Sprintf("stream(%d)", uint16(id))
}

// ---------------------------------------------------------------------------
// Stream
// ---------------------------------------------------------------------------

// Stream is an append-only byte buffer addressed by a 32-bit offset. Bytes
// written earlier may be overwritten in place with WriteAt but the stream
// only grows through Write and Reserve.
type Stream struct {
	id      ID
	pages   [][]byte
	length  uint32
	anchors []*Anchor

	// sites holds every absolute fixup whose patch site lies in this stream,
	// so that AppendStream can relocate them.
	sites []*AbsFixup
}

// New creates an empty stream.
func New(id ID) *Stream {
	return &Stream{id: id}
}

// ID returns the stream's id.
func (s *Stream) ID() ID { return s.id }

// Len returns the current write offset.
func (s *Stream) Len() uint32 { return s.length }

// Reset discards all content, anchors and fixup sites.
func (s *Stream) Reset() {
	s.pages = nil
	s.length = 0
	s.anchors = nil
	s.sites = nil
}

// grow makes sure pages exist to hold n more bytes.
func (s *Stream) grow(n uint32) {
	need := int((uint64(s.length) + uint64(n) + PageSize - 1) / PageSize)
	for len(s.pages) < need {
		s.pages = append(s.pages, make([]byte, PageSize))
	}
}

// Write appends b and returns the offset it was written at.
func (s *Stream) Write(b []byte) uint32 {
	ofs := s.length
	s.grow(uint32(len(b)))
	s.length += uint32(len(b))
	s.copyIn(ofs, b)
	return ofs
}

// Write1 appends one byte.
func (s *Stream) Write1(b byte) uint32 {
	return s.Write([]byte{b})
}

// Write2 appends a little-endian 16-bit value.
func (s *Stream) Write2(v uint16) uint32 {
	var buf [2]byte
	vm.WriteUint16(buf[:], v)
	return s.Write(buf[:])
}

// Write4 appends a little-endian 32-bit value.
func (s *Stream) Write4(v uint32) uint32 {
	var buf [4]byte
	vm.WriteUint32(buf[:], v)
	return s.Write(buf[:])
}

// Reserve advances the write offset by n zero bytes and returns the offset of
// the reserved range. The caller fills it later with WriteAt.
func (s *Stream) Reserve(n uint32) uint32 {
	ofs := s.length
	s.grow(n)
	s.length += n
	return ofs
}

// WriteAt overwrites a previously written range. It never extends the stream;
// writing past the end is a programming error and panics.
func (s *Stream) WriteAt(ofs uint32, b []byte) {
	if uint64(ofs)+uint64(len(b)) > uint64(s.length) {
		panic(fmt.Sprintf("stream %s: write of %d bytes at %d past end %d", s.id, len(b), ofs, s.length))
	}
	s.copyIn(ofs, b)
}

// Write1At overwrites one byte.
func (s *Stream) Write1At(ofs uint32, b byte) {
	s.WriteAt(ofs, []byte{b})
}

// Write2At overwrites a little-endian 16-bit value.
func (s *Stream) Write2At(ofs uint32, v uint16) {
	var buf [2]byte
	vm.WriteUint16(buf[:], v)
	s.WriteAt(ofs, buf[:])
}

// Write4At overwrites a little-endian 32-bit value.
func (s *Stream) Write4At(ofs uint32, v uint32) {
	var buf [4]byte
	vm.WriteUint32(buf[:], v)
	s.WriteAt(ofs, buf[:])
}

func (s *Stream) copyIn(ofs uint32, b []byte) {
	for len(b) > 0 {
		page, pofs := ofs/PageSize, ofs%PageSize
		n := copy(s.pages[page][pofs:], b)
		b = b[n:]
		ofs += uint32(n)
	}
}

// Truncate shortens the stream to ofs. Anchors at or past ofs are dropped.
// The discarded range must not hold any absolute fixup site.
func (s *Stream) Truncate(ofs uint32) {
	if ofs > s.length {
		panic(fmt.Sprintf("stream %s: truncate to %d past end %d", s.id, ofs, s.length))
	}
	for i := ofs; i < s.length && i/PageSize < uint32(len(s.pages)); i++ {
		s.pages[i/PageSize][i%PageSize] = 0
	}
	s.length = ofs
	for len(s.anchors) > 0 && s.anchors[len(s.anchors)-1].ofs >= ofs {
		s.anchors = s.anchors[:len(s.anchors)-1]
	}
}

// BlockPtr returns the contiguous run of bytes starting at ofs, at most want
// bytes long. The run is shorter than want when the range crosses a page
// boundary; callers iterate until they have consumed what they need. The
// returned slice aliases the stream's storage.
func (s *Stream) BlockPtr(ofs, want uint32) []byte {
	if ofs >= s.length {
		return nil
	}
	if ofs+want > s.length {
		want = s.length - ofs
	}
	page, pofs := ofs/PageSize, ofs%PageSize
	avail := PageSize - pofs
	if want < avail {
		avail = want
	}
	return s.pages[page][pofs : pofs+avail]
}

// ReadAt returns a copy of n bytes starting at ofs.
func (s *Stream) ReadAt(ofs, n uint32) []byte {
	if uint64(ofs)+uint64(n) > uint64(s.length) {
		panic(fmt.Sprintf("stream %s: read of %d bytes at %d past end %d", s.id, n, ofs, s.length))
	}
	out := make([]byte, 0, n)
	for n > 0 {
		blk := s.BlockPtr(ofs, n)
		out = append(out, blk...)
		ofs += uint32(len(blk))
		n -= uint32(len(blk))
	}
	return out
}

// Read1At reads one byte.
func (s *Stream) Read1At(ofs uint32) byte { return s.ReadAt(ofs, 1)[0] }

// Read2At reads an unsigned 16-bit value.
func (s *Stream) Read2At(ofs uint32) uint16 { return vm.ReadUint16(s.ReadAt(ofs, 2)) }

// ReadInt2At reads a signed 16-bit value.
func (s *Stream) ReadInt2At(ofs uint32) int16 { return int16(s.Read2At(ofs)) }

// Read4At reads an unsigned 32-bit value.
func (s *Stream) Read4At(ofs uint32) uint32 { return vm.ReadUint32(s.ReadAt(ofs, 4)) }

// ReadInt4At reads a signed 32-bit value.
func (s *Stream) ReadInt4At(ofs uint32) int32 { return int32(s.Read4At(ofs)) }

// Bytes returns a copy of the whole stream.
func (s *Stream) Bytes() []byte {
	if s.length == 0 {
		return nil
	}
	return s.ReadAt(0, s.length)
}

// ---------------------------------------------------------------------------
// Anchors
// ---------------------------------------------------------------------------

// AddAnchor marks the start of an indivisible item at ofs. When list is
// non-nil the anchor shares it, so references recorded against the list
// before the anchor existed are still patched; otherwise the anchor gets a
// list of its own. Anchors must be added in increasing offset order.
func (s *Stream) AddAnchor(owner string, list *FixupList, ofs uint32) *Anchor {
	if n := len(s.anchors); n > 0 && s.anchors[n-1].ofs > ofs {
		panic(fmt.Sprintf("stream %s: anchor at %d precedes anchor at %d", s.id, ofs, s.anchors[n-1].ofs))
	}
	a := &Anchor{
		stream: s,
		index:  len(s.anchors),
		ofs:    ofs,
		owner:  owner,
	}
	if list != nil {
		a.fixups = list
		a.external = true
	} else {
		a.fixups = NewFixupList()
	}
	s.anchors = append(s.anchors, a)
	return a
}

// Anchors returns the stream's anchors in offset order.
func (s *Stream) Anchors() []*Anchor { return s.anchors }

// AnchorAt returns the anchor whose item contains ofs, or nil.
func (s *Stream) AnchorAt(ofs uint32) *Anchor {
	lo, hi := 0, len(s.anchors)
	for lo < hi {
		mid := (lo + hi) / 2
		if s.anchors[mid].ofs <= ofs {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	if lo == 0 {
		return nil
	}
	a := s.anchors[lo-1]
	if ofs >= a.ofs+a.Len() {
		return nil
	}
	return a
}

// AppendStream moves every byte, anchor and fixup site of other onto the tail
// of s. Offsets from other are shifted by the prior length of s; other is left
// empty.
func (s *Stream) AppendStream(other *Stream) {
	base := s.length
	var ofs uint32
	for ofs < other.length {
		blk := other.BlockPtr(ofs, other.length-ofs)
		s.Write(blk)
		ofs += uint32(len(blk))
	}
	for _, a := range other.anchors {
		a.stream = s
		a.ofs += base
		a.index = len(s.anchors)
		s.anchors = append(s.anchors, a)
	}
	for _, f := range other.sites {
		f.Stream = s
		f.Ofs += base
		s.sites = append(s.sites, f)
	}
	other.Reset()
}

// ---------------------------------------------------------------------------
// Stream sets
// ---------------------------------------------------------------------------

// Set holds one stream per id.
type Set struct {
	streams map[ID]*Stream
}

// NewSet creates a set with an empty stream for every id.
func NewSet() *Set {
	set := &Set{streams: make(map[ID]*Stream, len(All))}
	for _, id := range All {
		set.streams[id] = New(id)
	}
	return set
}

// Get returns the stream with the given id, or nil for an unknown id.
func (set *Set) Get(id ID) *Stream {
	return set.streams[id]
}

// Reset empties every stream.
func (set *Set) Reset() {
	for _, s := range set.streams {
		s.Reset()
	}
}
