package stream

import (
	"fmt"
)

// ---------------------------------------------------------------------------
// Anchors
// ---------------------------------------------------------------------------

// Anchor marks the start of an indivisible item in a stream: one code body,
// one constant string or list, one serialized object. The bytes from the
// anchor to the next anchor of the same stream belong to it and move together
// during layout.
type Anchor struct {
	stream   *Stream
	index    int
	ofs      uint32
	addr     uint32
	hasAddr  bool
	replaced bool

	owner    string // weak back-reference to the owning symbol, by name
	external bool   // fixups is borrowed from the owning symbol
	fixups   *FixupList
}

// Stream returns the stream holding the anchor.
func (a *Anchor) Stream() *Stream { return a.stream }

// Index returns the anchor's position among its stream's anchors.
func (a *Anchor) Index() int { return a.index }

// Ofs returns the anchor's offset within its stream.
func (a *Anchor) Ofs() uint32 { return a.ofs }

// Len returns the length of the anchored item: the distance to the next
// anchor, or to the end of the stream for the last anchor.
func (a *Anchor) Len() uint32 {
	s := a.stream
	if a.index+1 < len(s.anchors) {
		return s.anchors[a.index+1].ofs - a.ofs
	}
	return s.length - a.ofs
}

// Bytes returns a copy of the anchored item.
func (a *Anchor) Bytes() []byte {
	return a.stream.ReadAt(a.ofs, a.Len())
}

// Replaced reports whether a later definition superseded this item. Replaced
// items are left out of the image.
func (a *Anchor) Replaced() bool { return a.replaced }

// SetReplaced flags the item as superseded.
func (a *Anchor) SetReplaced() { a.replaced = true }

// Owner returns the name of the symbol the anchor belongs to, if any.
func (a *Anchor) Owner() string { return a.owner }

// ExternalFixups reports whether the fixup list is borrowed from a symbol.
func (a *Anchor) ExternalFixups() bool { return a.external }

// Fixups returns the list of references to this item.
func (a *Anchor) Fixups() *FixupList { return a.fixups }

// ShareFixups makes the anchor use list, typically the fixup list of the
// symbol that now owns it.
func (a *Anchor) ShareFixups(list *FixupList) {
	a.fixups = list
	a.external = true
}

// DetachFromSymbol severs the link between the anchor and its owning symbol.
// The anchor gets a fresh private fixup list, so the symbol's references can
// be re-attached to the anchor of a new definition.
func (a *Anchor) DetachFromSymbol() {
	a.owner = ""
	if a.external {
		a.fixups = NewFixupList()
		a.external = false
	}
}

// Addr returns the final pool address. ok is false before layout.
func (a *Anchor) Addr() (addr uint32, ok bool) { return a.addr, a.hasAddr }

// SetAddr fixes the item's final pool address and patches every reference.
func (a *Anchor) SetAddr(addr uint32) {
	a.addr = addr
	a.hasAddr = true
	a.fixups.Apply(addr)
}

// ---------------------------------------------------------------------------
// Absolute fixups
// ---------------------------------------------------------------------------

// AbsFixup is a 4-byte reference at (Stream, Ofs) to an anchored item whose
// final pool address is not known yet.
type AbsFixup struct {
	Stream *Stream
	Ofs    uint32
}

// FixupList collects the references to one anchored item.
type FixupList struct {
	items []*AbsFixup
}

// NewFixupList creates an empty list.
func NewFixupList() *FixupList {
	return &FixupList{}
}

// Add records a reference at (site, ofs).
func (l *FixupList) Add(site *Stream, ofs uint32) {
	f := &AbsFixup{Stream: site, Ofs: ofs}
	l.items = append(l.items, f)
	site.sites = append(site.sites, f)
}

// Len returns the number of references.
func (l *FixupList) Len() int { return len(l.items) }

// Items returns the references.
func (l *FixupList) Items() []*AbsFixup { return l.items }

// Merge moves every reference of other onto l.
func (l *FixupList) Merge(other *FixupList) {
	if other == nil || other == l {
		return
	}
	l.items = append(l.items, other.items...)
	other.items = nil
}

// Apply writes addr at every reference site.
func (l *FixupList) Apply(addr uint32) {
	for _, f := range l.items {
		f.Stream.Write4At(f.Ofs, addr)
	}
}

// ---------------------------------------------------------------------------
// ID fixups
// ---------------------------------------------------------------------------

// IDKind selects one of the three identifier spaces.
type IDKind int

const (
	ObjID IDKind = iota
	PropID
	EnumID
)

// String implements the Stringer interface.
func (k IDKind) String() string {
	switch k {
	case ObjID:
		return "object"
	case PropID:
		return "property"
	case EnumID:
		return "enum"
	}
	return fmt.Sprintf("idkind(%d)", int(k))
}

// Size returns the width of an encoded id of this kind.
func (k IDKind) Size() int {
	if k == PropID {
		return 2
	}
	return 4
}

// IDFixup is a reference to a unit-local identifier at (Stream, Ofs).
type IDFixup struct {
	Stream ID
	Ofs    uint32
	ID     uint32
}

// IDFixups holds the three identifier fixup lists of a translation unit.
type IDFixups struct {
	lists [3][]IDFixup
}

// NewIDFixups creates empty lists.
func NewIDFixups() *IDFixups {
	return &IDFixups{}
}

// Add records a reference to local id of the given kind.
func (x *IDFixups) Add(kind IDKind, s ID, ofs uint32, id uint32) {
	x.lists[kind] = append(x.lists[kind], IDFixup{Stream: s, Ofs: ofs, ID: id})
}

// Retarget changes the local id referenced at (s, ofs) and rewrites the
// bytes there. It reports whether such a fixup exists.
func (x *IDFixups) Retarget(kind IDKind, s *Stream, ofs uint32, id uint32) bool {
	list := x.lists[kind]
	for i := range list {
		if list[i].Stream == s.ID() && list[i].Ofs == ofs {
			list[i].ID = id
			if kind == PropID {
				s.Write2At(ofs, uint16(id))
			} else {
				s.Write4At(ofs, id)
			}
			return true
		}
	}
	return false
}

// List returns the fixups of one kind.
func (x *IDFixups) List(kind IDKind) []IDFixup { return x.lists[kind] }

// Len returns the number of fixups of one kind.
func (x *IDFixups) Len(kind IDKind) int { return len(x.lists[kind]) }

// Translate rewrites every reference of one kind in set, replacing each local
// id with xlat[id]. A local id outside the table is an error.
func (x *IDFixups) Translate(kind IDKind, set *Set, xlat []uint32) error {
	for _, f := range x.lists[kind] {
		if int(f.ID) >= len(xlat) {
			return fmt.Errorf("%s id %d out of range (%d)", kind, f.ID, len(xlat))
		}
		s := set.Get(f.Stream)
		if s == nil {
			return fmt.Errorf("%s id fixup in unknown stream %d", kind, f.Stream)
		}
		if uint64(f.Ofs)+uint64(kind.Size()) > uint64(s.Len()) {
			return fmt.Errorf("%s id fixup at %s+%d past end of stream", kind, s.ID(), f.Ofs)
		}
		g := xlat[f.ID]
		if kind == PropID {
			s.Write2At(f.Ofs, uint16(g))
		} else {
			s.Write4At(f.Ofs, g)
		}
	}
	return nil
}
