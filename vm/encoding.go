package vm

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// ---------------------------------------------------------------------------
// Portable integer encoding
// ---------------------------------------------------------------------------
//
// Every multi-byte integer in the T3 formats is little-endian two's complement,
// regardless of the host. These helpers are the only place that knows this.

// WriteUint16 writes a uint16 in little-endian format.
func WriteUint16(buf []byte, v uint16) {
	binary.LittleEndian.PutUint16(buf, v)
}

// ReadUint16 reads a uint16 in little-endian format.
func ReadUint16(buf []byte) uint16 {
	return binary.LittleEndian.Uint16(buf)
}

// WriteInt16 writes an int16 in little-endian format.
func WriteInt16(buf []byte, v int16) {
	binary.LittleEndian.PutUint16(buf, uint16(v))
}

// ReadInt16 reads an int16 in little-endian format.
func ReadInt16(buf []byte) int16 {
	return int16(binary.LittleEndian.Uint16(buf))
}

// WriteUint32 writes a uint32 in little-endian format.
func WriteUint32(buf []byte, v uint32) {
	binary.LittleEndian.PutUint32(buf, v)
}

// ReadUint32 reads a uint32 in little-endian format.
func ReadUint32(buf []byte) uint32 {
	return binary.LittleEndian.Uint32(buf)
}

// WriteInt32 writes an int32 in little-endian format.
func WriteInt32(buf []byte, v int32) {
	binary.LittleEndian.PutUint32(buf, uint32(v))
}

// ReadInt32 reads an int32 in little-endian format.
func ReadInt32(buf []byte) int32 {
	return int32(binary.LittleEndian.Uint32(buf))
}

// AppendUint16 appends a little-endian uint16 to buf.
func AppendUint16(buf []byte, v uint16) []byte {
	return binary.LittleEndian.AppendUint16(buf, v)
}

// AppendUint32 appends a little-endian uint32 to buf.
func AppendUint32(buf []byte, v uint32) []byte {
	return binary.LittleEndian.AppendUint32(buf, v)
}

// ---------------------------------------------------------------------------
// Decoder: sequential reads with a sticky error
// ---------------------------------------------------------------------------

// ErrShortData reports a read past the end of the input.
var ErrShortData = errors.New("unexpected end of data")

// Decoder reads little-endian values from a byte slice. The first failed read
// records an error; later reads return zero values, so callers check Err once
// after a group of reads.
type Decoder struct {
	data []byte
	pos  int
	err  error
}

// NewDecoder creates a decoder over data.
func NewDecoder(data []byte) *Decoder {
	return &Decoder{data: data}
}

// Err returns the first error encountered.
func (d *Decoder) Err() error { return d.err }

// Pos returns the read position.
func (d *Decoder) Pos() int { return d.pos }

// Remaining returns the number of unread bytes.
func (d *Decoder) Remaining() int { return len(d.data) - d.pos }

func (d *Decoder) take(n int) []byte {
	if d.err != nil {
		return nil
	}
	if n < 0 || d.pos+n > len(d.data) {
		d.err = fmt.Errorf("%w: need %d bytes at offset %d, have %d", ErrShortData, n, d.pos, len(d.data)-d.pos)
		return nil
	}
	b := d.data[d.pos : d.pos+n]
	d.pos += n
	return b
}

// Uint8 reads one byte.
func (d *Decoder) Uint8() byte {
	if b := d.take(1); b != nil {
		return b[0]
	}
	return 0
}

// Uint16 reads a little-endian uint16.
func (d *Decoder) Uint16() uint16 {
	if b := d.take(2); b != nil {
		return ReadUint16(b)
	}
	return 0
}

// Int16 reads a little-endian int16.
func (d *Decoder) Int16() int16 { return int16(d.Uint16()) }

// Uint32 reads a little-endian uint32.
func (d *Decoder) Uint32() uint32 {
	if b := d.take(4); b != nil {
		return ReadUint32(b)
	}
	return 0
}

// Bytes reads n bytes. The result aliases the input.
func (d *Decoder) Bytes(n int) []byte {
	return d.take(n)
}

// Skip advances past n bytes.
func (d *Decoder) Skip(n int) {
	d.take(n)
}
