package vm

import "fmt"

// ---------------------------------------------------------------------------
// Data holders: the VM's uniform on-disk value representation
// ---------------------------------------------------------------------------

// DataHolderSize is the encoded size of a data holder: 1 type byte plus a
// 4-byte payload.
const DataHolderSize = 5

// DataType is the type tag of a data holder.
type DataType byte

const (
	TypeNil        DataType = 1
	TypeTrue       DataType = 2
	TypeStack      DataType = 3
	TypeCodePtr    DataType = 4
	TypeObj        DataType = 5
	TypeProp       DataType = 6
	TypeInt        DataType = 7
	TypeSString    DataType = 8  // constant-pool string
	TypeDString    DataType = 9  // constant-pool string displayed when evaluated
	TypeList       DataType = 10 // constant-pool list
	TypeCodeOfs    DataType = 11 // code-pool address of a method
	TypeFuncPtr    DataType = 12 // code-pool address of a function
	TypeEmpty      DataType = 13
	TypeNativeCode DataType = 14
	TypeEnum       DataType = 15
	TypeBifPtr     DataType = 16
)

var dataTypeNames = map[DataType]string{
	TypeNil:        "nil",
	TypeTrue:       "true",
	TypeStack:      "stack",
	TypeCodePtr:    "codeptr",
	TypeObj:        "obj",
	TypeProp:       "prop",
	TypeInt:        "int",
	TypeSString:    "sstring",
	TypeDString:    "dstring",
	TypeList:       "list",
	TypeCodeOfs:    "codeofs",
	TypeFuncPtr:    "funcptr",
	TypeEmpty:      "empty",
	TypeNativeCode: "native",
	TypeEnum:       "enum",
	TypeBifPtr:     "bifptr",
}

// String implements the Stringer interface.
func (t DataType) String() string {
	if n, ok := dataTypeNames[t]; ok {
		return n
	}
	return fmt.Sprintf("type(%d)", byte(t))
}

// IsPoolRef reports whether the payload is a pool address that needs an
// absolute fixup.
func (t DataType) IsPoolRef() bool {
	switch t {
	case TypeSString, TypeDString, TypeList, TypeCodeOfs, TypeFuncPtr:
		return true
	}
	return false
}

// DataHolder is a decoded data holder.
type DataHolder struct {
	Type  DataType
	Value uint32
}

// Nil, True and friends build data holders for constant values.
var (
	NilValue  = DataHolder{Type: TypeNil}
	TrueValue = DataHolder{Type: TypeTrue}
)

// IntValue builds an integer data holder.
func IntValue(n int32) DataHolder { return DataHolder{Type: TypeInt, Value: uint32(n)} }

// ObjValue builds an object reference.
func ObjValue(id uint32) DataHolder { return DataHolder{Type: TypeObj, Value: id} }

// PropValue builds a property-id data holder.
func PropValue(id uint16) DataHolder { return DataHolder{Type: TypeProp, Value: uint32(id)} }

// EnumValue builds an enum data holder.
func EnumValue(id uint32) DataHolder { return DataHolder{Type: TypeEnum, Value: id} }

// Int returns the payload as a signed integer.
func (d DataHolder) Int() int32 { return int32(d.Value) }

// Encode writes d into buf, which must hold DataHolderSize bytes.
func (d DataHolder) Encode(buf []byte) {
	buf[0] = byte(d.Type)
	switch d.Type {
	case TypeProp:
		WriteUint16(buf[1:], uint16(d.Value))
		buf[3], buf[4] = 0, 0
	case TypeNil, TypeTrue, TypeEmpty:
		buf[1], buf[2], buf[3], buf[4] = 0, 0, 0, 0
	default:
		WriteUint32(buf[1:], d.Value)
	}
}

// Bytes returns the encoded form of d.
func (d DataHolder) Bytes() []byte {
	buf := make([]byte, DataHolderSize)
	d.Encode(buf)
	return buf
}

// DecodeDataHolder reads a data holder from buf.
func DecodeDataHolder(buf []byte) DataHolder {
	d := DataHolder{Type: DataType(buf[0])}
	switch d.Type {
	case TypeProp:
		d.Value = uint32(ReadUint16(buf[1:]))
	case TypeNil, TypeTrue, TypeEmpty:
	default:
		d.Value = ReadUint32(buf[1:])
	}
	return d
}

// String implements the Stringer interface.
func (d DataHolder) String() string {
	switch d.Type {
	case TypeNil, TypeTrue, TypeEmpty:
		return d.Type.String()
	case TypeInt:
		return fmt.Sprintf("int %d", d.Int())
	case TypeObj:
		return fmt.Sprintf("obj #%d", d.Value)
	case TypeProp:
		return fmt.Sprintf("prop #%d", d.Value)
	case TypeEnum:
		return fmt.Sprintf("enum #%d", d.Value)
	default:
		return fmt.Sprintf("%s @%08X", d.Type, d.Value)
	}
}
