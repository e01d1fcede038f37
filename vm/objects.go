package vm

import (
	"fmt"
	"strings"
)

// ---------------------------------------------------------------------------
// Serialized object layout
// ---------------------------------------------------------------------------
//
// Every object in an object stream starts with a compiler-only internal
// header followed by the generic metaclass header:
//
//	internal flags(2) | object id(4) | payload length(2) | payload...
//
// The internal header is dropped when the object is written to the image.

// Object header sizes.
const (
	ObjInternalHeaderSize = 2
	ObjMetaHeaderSize     = 6
	ObjHeaderSize         = ObjInternalHeaderSize + ObjMetaHeaderSize
)

// Internal (compiler-only) object flags.
const (
	ObjFlagReplaced  uint16 = 0x0001
	ObjFlagModified  uint16 = 0x0002
	ObjFlagTransient uint16 = 0x0004
)

// TADS object payload layout.
const (
	TadsObjHeaderSize = 6 // sc count(2) prop count(2) flags(2)
	TadsObjClassFlag  = 0x0001
	PropEntrySize     = 2 + DataHolderSize
)

// Intrinsic class object payload size: byte count(2) dep index(2) modifier(4).
const IntrinsicClassPayloadSize = 8

// Well-known metaclass names with the versions this compiler emits.
const (
	MetaTadsObject     = "tads-object/030005"
	MetaList           = "list/030000"
	MetaString         = "string/030000"
	MetaDictionary     = "dictionary2/030001"
	MetaGrammarProd    = "grammar-production/030002"
	MetaBigNumber      = "bignumber/030001"
	MetaRegexPattern   = "regex-pattern/030000"
	MetaIntrinsicClass = "intrinsic-class/030000"
	MetaIntrinsicMod   = "intrinsic-class-modifier/030000"
	MetaVector         = "vector/030002"
)

// SplitVersion splits a dependency name such as "tads-object/030005" into its
// base name and version suffix. The suffix is empty when absent.
func SplitVersion(name string) (base, version string) {
	if i := strings.IndexByte(name, '/'); i >= 0 {
		return name[:i], name[i+1:]
	}
	return name, ""
}

// TadsObject is a decoded tads-object payload.
type TadsObject struct {
	Flags        uint16
	Superclasses []uint32
	Props        []PropEntry
}

// PropEntry is one slot of an object's property table.
type PropEntry struct {
	Prop  uint16
	Value DataHolder
}

// IsClass reports whether the object is declared as a class.
func (o *TadsObject) IsClass() bool { return o.Flags&TadsObjClassFlag != 0 }

// Encode serializes the payload.
func (o *TadsObject) Encode() []byte {
	buf := make([]byte, TadsObjHeaderSize+4*len(o.Superclasses)+PropEntrySize*len(o.Props))
	WriteUint16(buf[0:], uint16(len(o.Superclasses)))
	WriteUint16(buf[2:], uint16(len(o.Props)))
	WriteUint16(buf[4:], o.Flags)
	p := TadsObjHeaderSize
	for _, sc := range o.Superclasses {
		WriteUint32(buf[p:], sc)
		p += 4
	}
	for _, e := range o.Props {
		WriteUint16(buf[p:], e.Prop)
		e.Value.Encode(buf[p+2:])
		p += PropEntrySize
	}
	return buf
}

// DecodeTadsObject parses a tads-object payload.
func DecodeTadsObject(buf []byte) (*TadsObject, error) {
	if len(buf) < TadsObjHeaderSize {
		return nil, fmt.Errorf("tads-object payload truncated")
	}
	nsc := int(ReadUint16(buf[0:]))
	nprop := int(ReadUint16(buf[2:]))
	if len(buf) < TadsObjHeaderSize+4*nsc+PropEntrySize*nprop {
		return nil, fmt.Errorf("tads-object payload truncated: %d superclasses, %d properties", nsc, nprop)
	}
	o := &TadsObject{Flags: ReadUint16(buf[4:])}
	p := TadsObjHeaderSize
	for i := 0; i < nsc; i++ {
		o.Superclasses = append(o.Superclasses, ReadUint32(buf[p:]))
		p += 4
	}
	for i := 0; i < nprop; i++ {
		o.Props = append(o.Props, PropEntry{
			Prop:  ReadUint16(buf[p:]),
			Value: DecodeDataHolder(buf[p+2:]),
		})
		p += PropEntrySize
	}
	return o, nil
}

// PropTableOffset returns the payload offset of the first property entry.
func PropTableOffset(payload []byte) int {
	return TadsObjHeaderSize + 4*int(ReadUint16(payload[0:]))
}

// ---------------------------------------------------------------------------
// Grammar production tokens
// ---------------------------------------------------------------------------

// GrammarTokenKind tags one token of a grammar alternative.
type GrammarTokenKind byte

const (
	TokProd       GrammarTokenKind = 1 // sub-production: object id
	TokSpeech     GrammarTokenKind = 2 // part of speech: property id
	TokLiteral    GrammarTokenKind = 3 // literal: length-prefixed string
	TokTokenType  GrammarTokenKind = 4 // token type: enum id
	TokStar       GrammarTokenKind = 5 // wildcard: no payload
	TokSpeechList GrammarTokenKind = 6 // part-of-speech list: count + property ids
)

// DictKeyMask is xor'ed into every byte of a dictionary key.
const DictKeyMask = 0xBD
