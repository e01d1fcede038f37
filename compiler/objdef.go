package compiler

import (
	"strings"

	"github.com/chazu/t3c/objfile"
	"github.com/chazu/t3c/stream"
	"github.com/chazu/t3c/vm"
)

// ---------------------------------------------------------------------------
// Serialized objects
// ---------------------------------------------------------------------------

// slotValue is one property table entry being built: a constant, or the
// code body of a method.
type slotValue struct {
	prop uint32
	c    Const
	code *stream.Anchor
}

// beginObject writes the internal and metaclass headers of an object and
// returns its anchor and the offset of the payload length field.
func (u *Unit) beginObject(s *stream.Stream, id uint32, flags uint16) (*stream.Anchor, uint32) {
	a := s.AddAnchor("", nil, s.Len())
	s.Write2(flags)
	ofs := s.Write4(id)
	u.ids.Add(stream.ObjID, s.ID(), ofs, id)
	return a, s.Write2(0)
}

// endObject patches the payload length.
func endObject(n Node, s *stream.Stream, lenOfs uint32) error {
	size := s.Len() - lenOfs - 2
	if size > 0xFFFF {
		return errorf(n, "object is too large (%d bytes)", size)
	}
	s.Write2At(lenOfs, uint16(size))
	return nil
}

// writeTadsObject serializes a tads-object payload. A zero superclass is
// left for the linker to fill in.
func (u *Unit) writeTadsObject(n Node, s *stream.Stream, id uint32, flags, objFlags uint16, supers []uint32, slots []slotValue) (*stream.Anchor, error) {
	a, lenOfs := u.beginObject(s, id, flags)
	s.Write2(uint16(len(supers)))
	s.Write2(uint16(len(slots)))
	s.Write2(objFlags)
	for _, sc := range supers {
		ofs := s.Write4(sc)
		if sc != vm.InvalidObj {
			u.ids.Add(stream.ObjID, s.ID(), ofs, sc)
		}
	}
	for _, v := range slots {
		ofs := s.Write2(uint16(v.prop))
		u.ids.Add(stream.PropID, s.ID(), ofs, v.prop)
		hofs := s.Reserve(vm.DataHolderSize)
		if v.code != nil {
			s.WriteAt(hofs, vm.DataHolder{Type: vm.TypeCodeOfs}.Bytes())
			v.code.Fixups().Add(s, hofs+1)
			continue
		}
		u.putConst(s, hofs, v.c)
	}
	return a, endObject(n, s, lenOfs)
}

// ---------------------------------------------------------------------------
// Object definitions
// ---------------------------------------------------------------------------

// genObject serializes an object definition and returns its id.
func (u *Unit) genObject(d *ObjectDecl) (uint32, error) {
	var sym *Symbol
	id := uint32(0)
	if d.Name == "" {
		if d.Modify || d.Replace {
			return 0, errorf(d, "modify and replace need an object name")
		}
		id = u.Symbols.NewObjectID()
	} else {
		sym = u.Symbols.Lookup(d.Name)
		id = sym.ID
		if sym.Intrinsic != nil {
			if !d.Modify {
				return 0, errorf(d, "intrinsic class %s can only be modified", d.Name)
			}
			return id, u.genIntrinsicModifier(d, sym)
		}
	}

	supers := make([]uint32, 0, len(d.Superclasses))
	for _, name := range d.Superclasses {
		sc := u.Symbols.Lookup(name)
		if sc == nil {
			// defined in another unit
			sc = u.Symbols.Object(name)
		}
		if sc.Kind != SymObject {
			return 0, errorf(d, "superclass %s is not an object", name)
		}
		supers = append(supers, sc.ID)
	}

	flags := uint16(0)
	if d.Transient {
		flags |= vm.ObjFlagTransient
	}
	objFlags := uint16(0)
	if d.Class {
		objFlags |= vm.TadsObjClassFlag
	}

	obj := u.Stream(stream.Object)
	prior := u.objects[id]
	switch {
	case d.Modify:
		if len(supers) > 0 {
			return 0, errorf(d, "modify cannot name superclasses")
		}
		base, class, err := u.modifyBase(d, sym)
		if err != nil {
			return 0, err
		}
		supers = []uint32{base}
		if class {
			objFlags |= vm.TadsObjClassFlag
		}
	case d.Replace:
		if prior != nil {
			prior.SetReplaced()
		} else {
			sym.Replace = true
		}
	case prior != nil:
		return 0, errorf(d, "object %s is already defined", d.Name)
	}

	if sym != nil {
		sym.Defined = true
		if !d.Modify {
			sym.Class = d.Class
			sym.Transient = d.Transient
		}
	}

	slots, err := u.objectSlots(d, id)
	if err != nil {
		return 0, err
	}
	a, err := u.writeTadsObject(d, obj, id, flags, objFlags, supers, slots)
	if err != nil {
		return 0, err
	}
	u.objects[id] = a
	return id, nil
}

// modifyBase prepares the definition that d modifies and returns the id
// the modifying object inherits from. A definition from this unit is moved
// to a fresh id; one from another unit is stood in for by a placeholder id
// the linker resolves.
func (u *Unit) modifyBase(d *ObjectDecl, sym *Symbol) (uint32, bool, error) {
	var replaced []uint32
	for _, p := range d.Props {
		if p.Replace {
			prop, err := u.property(p, p.Name)
			if err != nil {
				return 0, false, err
			}
			replaced = append(replaced, prop.ID)
		}
	}

	prior := u.objects[sym.ID]
	if prior == nil {
		if sym.Defined && !sym.Modify {
			return 0, false, errorf(d, "cannot modify %s", d.Name)
		}
		sym.Modify = true
		sym.Base = u.Symbols.NewObjectID()
		sym.ReplaceProps = append(sym.ReplaceProps, replaced...)
		return sym.Base, sym.Class, nil
	}

	s := prior.Stream()
	fresh := u.Symbols.NewObjectID()
	if !u.ids.Retarget(stream.ObjID, s, prior.Ofs()+vm.ObjInternalHeaderSize, fresh) {
		return 0, false, &InternalError{Site: d.Name, Msg: "object id fixup missing"}
	}
	s.Write2At(prior.Ofs(), s.Read2At(prior.Ofs())|vm.ObjFlagModified)
	class := s.Read2At(prior.Ofs()+vm.ObjHeaderSize+4)&vm.TadsObjClassFlag != 0

	delete(u.objects, sym.ID)
	u.objects[fresh] = prior
	if b, ok := u.baseOf[sym.ID]; ok {
		u.baseOf[fresh] = b
	}
	u.baseOf[sym.ID] = fresh
	u.chain = append(u.chain, objfile.ObjRecord{ID: fresh, Defined: true, Class: class, Anchor: anchorRef(prior)})

	for cur := fresh; cur != 0; cur = u.baseOf[cur] {
		if a := u.objects[cur]; a != nil {
			u.tombstone(a, replaced)
		}
	}
	if sym.Modify {
		sym.ReplaceProps = append(sym.ReplaceProps, replaced...)
	}
	return fresh, class, nil
}

// tombstone clears the given properties from a serialized object's
// property table. Cleared slots are dropped when the image is written.
func (u *Unit) tombstone(a *stream.Anchor, props []uint32) {
	if len(props) == 0 {
		return
	}
	s := a.Stream()
	payload := a.Ofs() + vm.ObjHeaderSize
	nsc := uint32(s.Read2At(payload))
	nprop := uint32(s.Read2At(payload + 2))
	entry := payload + vm.TadsObjHeaderSize + 4*nsc
	for i := uint32(0); i < nprop; i, entry = i+1, entry+vm.PropEntrySize {
		p := uint32(s.Read2At(entry))
		for _, r := range props {
			if p == r {
				u.ids.Retarget(stream.PropID, s, entry, uint32(vm.InvalidProp))
			}
		}
	}
}

// objectSlots computes the property table of an object, generating method
// bodies and static initializers along the way.
func (u *Unit) objectSlots(d *ObjectDecl, id uint32) ([]slotValue, error) {
	seen := make(map[uint32]bool)
	var slots []slotValue
	for _, p := range d.Props {
		prop, err := u.property(p, p.Name)
		if err != nil {
			return nil, err
		}
		if seen[prop.ID] {
			return nil, errorf(p, "property %s is defined more than once", p.Name)
		}
		seen[prop.ID] = true
		v, err := u.slot(d, id, prop, p)
		if err != nil {
			return nil, err
		}
		slots = append(slots, v)
	}
	return slots, nil
}

func methodName(d *ObjectDecl, p *PropDef) string {
	if d.Name == "" {
		return "(object)." + p.Name
	}
	return d.Name + "." + p.Name
}

// slot computes one property value.
func (u *Unit) slot(d *ObjectDecl, id uint32, prop *Symbol, p *PropDef) (slotValue, error) {
	v := slotValue{prop: prop.ID}
	name := methodName(d, p)

	if p.Body != nil {
		a, err := u.genBody(u.code, bodyPlan{
			name:    name,
			params:  p.Params,
			varargs: p.Varargs,
			method:  true,
			node:    p,
			gen:     genStmts(p.Body),
		})
		v.code = a
		return v, err
	}
	if p.Value == nil {
		v.c = Const{Kind: vm.TypeNil}
		return v, nil
	}

	if p.Static {
		a, err := u.genBody(u.static, bodyPlan{
			name:   name,
			method: true,
			node:   p,
			gen: func(g *codeGen) error {
				if err := g.genExpr(p.Value, false, false); err != nil {
					return err
				}
				g.cs.Op(vm.OpDup)
				g.cs.Op(vm.OpSetPropSf)
				g.cs.PropID(prop.ID)
				g.cs.Op(vm.OpRetVal)
				return nil
			},
		})
		if err != nil {
			return v, err
		}
		si := u.Stream(stream.StaticInit)
		ofs := si.Write4(id)
		u.ids.Add(stream.ObjID, si.ID(), ofs, id)
		ofs = si.Write2(uint16(prop.ID))
		u.ids.Add(stream.PropID, si.ID(), ofs, prop.ID)
		v.code = a
		return v, nil
	}

	if k, ok := isConst(u, p.Value); ok {
		v.c = k
		if prop.Vocab {
			u.addVocab(id, prop.ID, k)
		}
		return v, nil
	}

	// anything else is evaluated each time the property is
	a, err := u.genBody(u.code, bodyPlan{
		name:   name,
		method: true,
		node:   p,
		gen: func(g *codeGen) error {
			if err := g.genExpr(p.Value, false, false); err != nil {
				return err
			}
			g.cs.Op(vm.OpRetVal)
			return nil
		},
	})
	v.code = a
	return v, err
}

// addVocab adds the words of a vocabulary property value to the current
// dictionary.
func (u *Unit) addVocab(obj, prop uint32, k Const) {
	dict := uint32(0)
	if u.dict != nil {
		dict = u.dict.ID
	}
	switch k.Kind {
	case vm.TypeSString:
		for _, w := range strings.Fields(k.Str) {
			u.dictWords = append(u.dictWords, objfile.DictWord{Dict: dict, Word: w, Obj: obj, Prop: prop})
		}
	case vm.TypeList:
		for _, e := range k.List {
			u.addVocab(obj, prop, e)
		}
	}
}

// genIntrinsicModifier serializes `modify` of an intrinsic class as a
// modifier object. Its superclass slot is filled in by the linker, which
// chains the modifiers of every unit.
func (u *Unit) genIntrinsicModifier(d *ObjectDecl, sym *Symbol) error {
	id := u.Symbols.NewObjectID()
	slots, err := u.objectSlots(d, id)
	if err != nil {
		return err
	}
	a, err := u.writeTadsObject(d, u.Stream(stream.IntrinsicMod), id, 0, 0, []uint32{vm.InvalidObj}, slots)
	if err != nil {
		return err
	}
	u.objects[id] = a
	sym.Intrinsic.Modifiers = append(sym.Intrinsic.Modifiers, id)
	return nil
}
