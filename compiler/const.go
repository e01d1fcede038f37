package compiler

import (
	"github.com/chazu/t3c/stream"
	"github.com/chazu/t3c/vm"
)

// ---------------------------------------------------------------------------
// Constant values
// ---------------------------------------------------------------------------

// Const is a compile-time constant. Kind uses the data holder type tags.
type Const struct {
	Kind vm.DataType
	Int  int32
	Str  string  // sstring and dstring
	List []Const // list
	ID   uint32  // local object, property or enum id
	Fn   *Symbol // function pointer
}

// truth reports how a constant tests in a condition.
func (c Const) truth() bool {
	switch c.Kind {
	case vm.TypeNil:
		return false
	case vm.TypeInt:
		return c.Int != 0
	}
	return true
}

// isConst reports whether e folds to a constant.
func isConst(u *Unit, e Expr) (Const, bool) {
	if k, ok := e.(constant); ok {
		return k.constValue(u)
	}
	return Const{}, false
}

func (n *IntLiteral) constValue(*Unit) (Const, bool) {
	return Const{Kind: vm.TypeInt, Int: n.Value}, true
}

func (n *StringLiteral) constValue(*Unit) (Const, bool) {
	return Const{Kind: vm.TypeSString, Str: n.Value}, true
}

func (n *DStringLiteral) constValue(*Unit) (Const, bool) {
	return Const{Kind: vm.TypeDString, Str: n.Value}, true
}

func (n *NilLiteral) constValue(*Unit) (Const, bool) { return Const{Kind: vm.TypeNil}, true }

func (n *TrueLiteral) constValue(*Unit) (Const, bool) { return Const{Kind: vm.TypeTrue}, true }

func (n *ListLiteral) constValue(u *Unit) (Const, bool) {
	c := Const{Kind: vm.TypeList, List: make([]Const, 0, len(n.Elems))}
	for _, e := range n.Elems {
		v, ok := isConst(u, e)
		if !ok || v.Kind == vm.TypeDString {
			return Const{}, false
		}
		c.List = append(c.List, v)
	}
	return c, true
}

func (n *BigNumLiteral) constValue(u *Unit) (Const, bool) {
	if n.objID == 0 {
		id, err := u.bigNumber(n.Text)
		if err != nil {
			return Const{}, false
		}
		n.objID = id
	}
	return Const{Kind: vm.TypeObj, ID: n.objID}, true
}

func (n *RegexLiteral) constValue(u *Unit) (Const, bool) {
	if n.objID == 0 {
		n.objID = u.regexPattern(n.Pattern)
	}
	return Const{Kind: vm.TypeObj, ID: n.objID}, true
}

func (n *AddrExpr) constValue(u *Unit) (Const, bool) {
	s := u.Symbols.Lookup(n.Name)
	if s == nil {
		s = u.Symbols.Property(n.Name)
	}
	switch s.Kind {
	case SymProperty:
		return Const{Kind: vm.TypeProp, ID: s.ID}, true
	case SymFunction:
		return Const{Kind: vm.TypeFuncPtr, Fn: s}, true
	}
	return Const{}, false
}

// Ident folds to a constant when it names an object, enum or function.
func (n *Ident) constValue(u *Unit) (Const, bool) {
	s := u.Symbols.Lookup(n.Name)
	if s == nil {
		return Const{}, false
	}
	switch s.Kind {
	case SymObject:
		return Const{Kind: vm.TypeObj, ID: s.ID}, true
	case SymEnum:
		return Const{Kind: vm.TypeEnum, ID: s.ID}, true
	case SymFunction:
		return Const{Kind: vm.TypeFuncPtr, Fn: s}, true
	}
	return Const{}, false
}

// ---------------------------------------------------------------------------
// Constant pool
// ---------------------------------------------------------------------------

// poolString returns the anchor of a constant string, adding it to the data
// stream the first time it is seen.
func (u *Unit) poolString(str string) *stream.Anchor {
	if a, ok := u.strs[str]; ok {
		return a
	}
	d := u.Stream(stream.Data)
	a := d.AddAnchor("", nil, d.Len())
	d.Write2(uint16(len(str)))
	d.Write([]byte(str))
	u.strs[str] = a
	if n := uint32(len(str)) + 2; n > u.maxStr {
		u.maxStr = n
	}
	return a
}

// poolList writes a constant list to the data stream. Strings and nested
// lists it refers to are written first so the list's bytes stay contiguous.
func (u *Unit) poolList(elems []Const) *stream.Anchor {
	refs := make([]*stream.Anchor, len(elems))
	for i, e := range elems {
		refs[i] = u.poolRef(e)
	}
	d := u.Stream(stream.Data)
	a := d.AddAnchor("", nil, d.Len())
	d.Write2(uint16(len(elems)))
	for i, e := range elems {
		ofs := d.Reserve(vm.DataHolderSize)
		u.writeHolder(d, ofs, e, refs[i])
	}
	if n := uint32(len(elems)); n > u.maxList {
		u.maxList = n
	}
	return a
}

// poolRef returns the pool item a constant refers to, if any.
func (u *Unit) poolRef(c Const) *stream.Anchor {
	switch c.Kind {
	case vm.TypeSString, vm.TypeDString:
		return u.poolString(c.Str)
	case vm.TypeList:
		return u.poolList(c.List)
	}
	return nil
}

// putConst writes c as a data holder at ofs of s, which must not be the
// data stream.
func (u *Unit) putConst(s *stream.Stream, ofs uint32, c Const) {
	u.writeHolder(s, ofs, c, u.poolRef(c))
}

// writeHolder writes c at ofs of s and records the fixups its payload
// needs. ref is the pool item for string and list constants.
func (u *Unit) writeHolder(s *stream.Stream, ofs uint32, c Const, ref *stream.Anchor) {
	h := vm.DataHolder{Type: c.Kind}
	switch c.Kind {
	case vm.TypeInt:
		h.Value = uint32(c.Int)
	case vm.TypeObj, vm.TypeProp, vm.TypeEnum:
		h.Value = c.ID
	}
	s.WriteAt(ofs, h.Bytes())
	switch {
	case ref != nil:
		ref.Fixups().Add(s, ofs+1)
	case c.Kind == vm.TypeObj:
		u.ids.Add(stream.ObjID, s.ID(), ofs+1, c.ID)
	case c.Kind == vm.TypeProp:
		u.ids.Add(stream.PropID, s.ID(), ofs+1, c.ID)
	case c.Kind == vm.TypeEnum:
		u.ids.Add(stream.EnumID, s.ID(), ofs+1, c.ID)
	case c.Kind == vm.TypeFuncPtr:
		c.Fn.Fixups.Add(s, ofs+1)
	}
}

// localName returns the anchor of a local variable name in the
// local-variable stream.
func (u *Unit) localName(name string) *stream.Anchor {
	if a, ok := u.lclNames[name]; ok {
		return a
	}
	s := u.Stream(stream.LocalVar)
	a := s.AddAnchor("", nil, s.Len())
	s.Write2(uint16(len(name)))
	s.Write([]byte(name))
	u.lclNames[name] = a
	if n := uint32(len(name)) + 2; n > u.maxStr {
		u.maxStr = n
	}
	return a
}
