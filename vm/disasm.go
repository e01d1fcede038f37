package vm

import (
	"fmt"
	"strings"
)

// ---------------------------------------------------------------------------
// Bytecode reader for disassembly
// ---------------------------------------------------------------------------

// BytecodeReader reads byte-code for disassembly and verification.
type BytecodeReader struct {
	bytes []byte
	pos   int
}

// NewBytecodeReader creates a reader for byte-code.
func NewBytecodeReader(bc []byte) *BytecodeReader {
	return &BytecodeReader{bytes: bc}
}

// Position returns the current read position.
func (r *BytecodeReader) Position() int {
	return r.pos
}

// HasMore returns true if there are more bytes to read.
func (r *BytecodeReader) HasMore() bool {
	return r.pos < len(r.bytes)
}

// Remaining returns the number of unread bytes.
func (r *BytecodeReader) Remaining() int {
	return len(r.bytes) - r.pos
}

// ReadByte reads a single byte.
func (r *BytecodeReader) ReadByte() (byte, error) {
	if r.pos >= len(r.bytes) {
		return 0, fmt.Errorf("byte-code underflow at %d", r.pos)
	}
	b := r.bytes[r.pos]
	r.pos++
	return b, nil
}

// ReadUint16 reads a 16-bit little-endian value.
func (r *BytecodeReader) ReadUint16() (uint16, error) {
	if r.pos+2 > len(r.bytes) {
		return 0, fmt.Errorf("byte-code underflow at %d", r.pos)
	}
	v := ReadUint16(r.bytes[r.pos:])
	r.pos += 2
	return v, nil
}

// ReadUint32 reads a 32-bit little-endian value.
func (r *BytecodeReader) ReadUint32() (uint32, error) {
	if r.pos+4 > len(r.bytes) {
		return 0, fmt.Errorf("byte-code underflow at %d", r.pos)
	}
	v := ReadUint32(r.bytes[r.pos:])
	r.pos += 4
	return v, nil
}

// Skip advances the position by n bytes.
func (r *BytecodeReader) Skip(n int) {
	r.pos += n
}

// ---------------------------------------------------------------------------
// Instruction decoding
// ---------------------------------------------------------------------------

// Instruction is one decoded instruction.
type Instruction struct {
	Ofs     int     // offset of the opcode within the decoded range
	Op      Opcode  // the opcode
	Args    []int64 // operand values, in encoding order
	Targets []int   // branch targets, relative to the decoded range
	Cases   []SwitchCase
	Default int // SWITCH default target
	Size    int // encoded size in bytes
}

// SwitchCase is one decoded entry of a SWITCH case table.
type SwitchCase struct {
	Value  DataHolder
	Target int
}

// DecodeInstruction decodes the instruction at the reader's position.
func DecodeInstruction(r *BytecodeReader) (*Instruction, error) {
	start := r.Position()
	b, err := r.ReadByte()
	if err != nil {
		return nil, err
	}
	op := Opcode(b)
	if !op.Known() {
		return nil, fmt.Errorf("unknown opcode 0x%02X at %d", b, start)
	}
	ins := &Instruction{Ofs: start, Op: op}

	if op == OpSwitch {
		n, err := r.ReadUint16()
		if err != nil {
			return nil, err
		}
		for i := 0; i < int(n); i++ {
			if r.Remaining() < DataHolderSize+2 {
				return nil, fmt.Errorf("SWITCH table truncated at %d", start)
			}
			val := DecodeDataHolder(r.bytes[r.pos:])
			r.Skip(DataHolderSize)
			site := r.Position()
			rel, _ := r.ReadUint16()
			ins.Cases = append(ins.Cases, SwitchCase{Value: val, Target: site + int(int16(rel))})
		}
		site := r.Position()
		rel, err := r.ReadUint16()
		if err != nil {
			return nil, err
		}
		ins.Default = site + int(int16(rel))
		ins.Size = r.Position() - start
		return ins, nil
	}

	for _, o := range op.Info().Operands {
		switch o {
		case OperInt8:
			v, err := r.ReadByte()
			if err != nil {
				return nil, err
			}
			ins.Args = append(ins.Args, int64(int8(v)))
		case OperUint8:
			v, err := r.ReadByte()
			if err != nil {
				return nil, err
			}
			ins.Args = append(ins.Args, int64(v))
		case OperUint16, OperProp:
			v, err := r.ReadUint16()
			if err != nil {
				return nil, err
			}
			ins.Args = append(ins.Args, int64(v))
		case OperBranch:
			site := r.Position()
			v, err := r.ReadUint16()
			if err != nil {
				return nil, err
			}
			ins.Args = append(ins.Args, int64(int16(v)))
			ins.Targets = append(ins.Targets, site+int(int16(v)))
		case OperInt32:
			v, err := r.ReadUint32()
			if err != nil {
				return nil, err
			}
			ins.Args = append(ins.Args, int64(int32(v)))
		default:
			v, err := r.ReadUint32()
			if err != nil {
				return nil, err
			}
			ins.Args = append(ins.Args, int64(v))
		}
	}
	ins.Size = r.Position() - start
	return ins, nil
}

// String formats the instruction in the disassembler's listing style.
func (ins *Instruction) String() string {
	info := ins.Op.Info()
	var sb strings.Builder
	fmt.Fprintf(&sb, "%04d  %s", ins.Ofs, info.Name)
	if ins.Op == OpSwitch {
		fmt.Fprintf(&sb, " %d", len(ins.Cases))
		for _, c := range ins.Cases {
			fmt.Fprintf(&sb, " [%s -> %04d]", c.Value, c.Target)
		}
		fmt.Fprintf(&sb, " default -> %04d", ins.Default)
		return sb.String()
	}
	ti := 0
	for i, o := range info.Operands {
		v := ins.Args[i]
		switch o {
		case OperBranch:
			fmt.Fprintf(&sb, " %d (-> %04d)", v, ins.Targets[ti])
			ti++
		case OperPool, OperCode:
			fmt.Fprintf(&sb, " @%08X", uint32(v))
		case OperObj:
			fmt.Fprintf(&sb, " obj#%d", v)
		case OperProp:
			fmt.Fprintf(&sb, " prop#%d", v)
		case OperEnum:
			fmt.Fprintf(&sb, " enum#%d", v)
		default:
			fmt.Fprintf(&sb, " %d", v)
		}
	}
	return sb.String()
}

// Disassemble decodes code until it is exhausted and returns a listing with
// one instruction per line.
func Disassemble(code []byte) (string, error) {
	r := NewBytecodeReader(code)
	var lines []string
	for r.HasMore() {
		ins, err := DecodeInstruction(r)
		if err != nil {
			return strings.Join(lines, "\n"), err
		}
		lines = append(lines, ins.String())
	}
	return strings.Join(lines, "\n"), nil
}

// DecodeAll decodes every instruction in code.
func DecodeAll(code []byte) ([]*Instruction, error) {
	r := NewBytecodeReader(code)
	var out []*Instruction
	for r.HasMore() {
		ins, err := DecodeInstruction(r)
		if err != nil {
			return out, err
		}
		out = append(out, ins)
	}
	return out, nil
}
