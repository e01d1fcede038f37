package image

import (
	"fmt"

	"github.com/chazu/t3c/stream"
)

// ---------------------------------------------------------------------------
// Page size
// ---------------------------------------------------------------------------

// MinPageSize is the smallest pool page.
const MinPageSize = 2048

// pageSizeSlack is the page size up to which a page is kept at twice the
// largest item; beyond it a page may be exactly as large as the item.
const pageSizeSlack = 16384

// PageSize chooses the page size of a pool whose largest indivisible item
// is maxItem bytes long.
func PageSize(maxItem uint32) uint32 {
	size := uint32(MinPageSize)
	for size < maxItem || (size < 2*maxItem && size <= pageSizeSlack) {
		size <<= 1
	}
	return size
}

// ---------------------------------------------------------------------------
// Pools
// ---------------------------------------------------------------------------

// Part is one stream placed in a pool. A part marked NewPage starts on a
// fresh page.
type Part struct {
	Stream  *stream.Stream
	NewPage bool
}

// Pool is a paged pool: the code pool or the constant pool.
type Pool struct {
	ID       uint16
	PageSize uint32
	Pages    [][]byte

	parts  []Part
	starts []uint32
	size   uint32
}

// NewPool creates a pool over parts. Items are placed in part order, then
// in anchor order within each part.
func NewPool(id uint16, parts ...Part) *Pool {
	p := &Pool{ID: id, parts: parts}
	var max uint32
	for _, part := range parts {
		for _, a := range part.Stream.Anchors() {
			if !a.Replaced() && a.Len() > max {
				max = a.Len()
			}
		}
	}
	p.PageSize = PageSize(max)
	return p
}

// Start returns the address of the first item of part i.
func (p *Pool) Start(i int) uint32 { return p.starts[i] }

// Size returns the address one past the last placed item.
func (p *Pool) Size() uint32 { return p.size }

// Layout assigns every live item its final address and patches every
// reference to it. An item never straddles a page boundary; replaced items
// are skipped.
func (p *Pool) Layout() error {
	var addr uint32
	page := p.PageSize
	p.starts = p.starts[:0]
	for _, part := range p.parts {
		if part.NewPage && addr%page != 0 {
			addr += page - addr%page
		}
		p.starts = append(p.starts, addr)
		for _, a := range part.Stream.Anchors() {
			if a.Replaced() {
				continue
			}
			n := a.Len()
			if n > page {
				return fmt.Errorf("%w: %s item at %d is %d bytes, page is %d", ErrItemTooLarge, part.Stream.ID(), a.Ofs(), n, page)
			}
			if addr%page+n > page {
				addr += page - addr%page
			}
			a.SetAddr(addr)
			addr += n
		}
	}
	p.size = addr
	log.Debugf("pool %d: page size %d, %d bytes", p.ID, page, addr)
	return nil
}

// Fill copies every live item into the pool pages. It runs after every pool
// has been laid out, since layout patches bytes in other items.
func (p *Pool) Fill() {
	npages := (p.size + p.PageSize - 1) / p.PageSize
	p.Pages = make([][]byte, npages)
	for i := range p.Pages {
		n := p.PageSize
		if last := p.size - uint32(i)*p.PageSize; last < n {
			n = last
		}
		p.Pages[i] = make([]byte, n)
	}
	for _, part := range p.parts {
		for _, a := range part.Stream.Anchors() {
			if a.Replaced() {
				continue
			}
			addr, _ := a.Addr()
			pg := p.Pages[addr/p.PageSize]
			copy(pg[addr%p.PageSize:], a.Bytes())
		}
	}
}

// Read returns n bytes at addr. The range must lie within one page.
func (p *Pool) Read(addr, n uint32) ([]byte, error) {
	if p.PageSize == 0 {
		return nil, fmt.Errorf("%w: empty pool", ErrBadAddress)
	}
	i := addr / p.PageSize
	ofs := addr % p.PageSize
	if int(i) >= len(p.Pages) || uint64(ofs)+uint64(n) > uint64(len(p.Pages[i])) {
		return nil, fmt.Errorf("%w: %d bytes at %08X", ErrBadAddress, n, addr)
	}
	return p.Pages[i][ofs : ofs+n], nil
}

// PageRest returns the bytes from addr to the end of its page.
func (p *Pool) PageRest(addr uint32) ([]byte, error) {
	if p.PageSize == 0 || int(addr/p.PageSize) >= len(p.Pages) {
		return nil, fmt.Errorf("%w: %08X", ErrBadAddress, addr)
	}
	pg := p.Pages[addr/p.PageSize]
	ofs := addr % p.PageSize
	if int(ofs) > len(pg) {
		return nil, fmt.Errorf("%w: %08X", ErrBadAddress, addr)
	}
	return pg[ofs:], nil
}

// LayoutPools lays out the code pool (byte-code, then static initializer
// code on a fresh page) and the constant pool (strings and lists, then
// long local variable names), and fills both.
func LayoutPools(set *stream.Set) (code, constant *Pool, err error) {
	code = NewPool(CodePool,
		Part{Stream: set.Get(stream.Code)},
		Part{Stream: set.Get(stream.StaticCode), NewPage: true},
	)
	constant = NewPool(ConstantPool,
		Part{Stream: set.Get(stream.Data)},
		Part{Stream: set.Get(stream.LocalVar)},
	)
	if err := code.Layout(); err != nil {
		return nil, nil, err
	}
	if err := constant.Layout(); err != nil {
		return nil, nil, err
	}
	code.Fill()
	constant.Fill()
	return code, constant, nil
}
