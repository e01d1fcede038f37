package linker

import (
	"fmt"
	"sort"
	"strings"

	"github.com/chazu/t3c/stream"
	"github.com/chazu/t3c/vm"
)

// Runtime library functions multi-methods depend on.
const (
	multiMethodCall          = "_multiMethodCall"
	multiMethodRegister      = "_multiMethodRegister"
	multiMethodBuildBindings = "_multiMethodBuildBindings"
)

// Finish checks the loaded program and synthesizes what only exists once
// every file is known: multi-method stubs and their registration, intrinsic
// class modifier chains, dictionaries, grammar productions and the export
// table.
func (l *Linker) Finish() error {
	if l.finished {
		return ErrFinished
	}
	if err := l.synthMultiMethods(); err != nil {
		return err
	}

	main := l.funcs["_main"]
	if main == nil || !main.defined || main.anchor == nil {
		return ErrMissingMain
	}
	if !main.conventionalEntry() {
		log.Warningf("_main takes %d fixed arguments and has_retval=%t; the VM calls it with none and expects a return value",
			main.argc, main.hasRetval)
	}
	l.entry = main.anchor

	var undefined []string
	for _, fn := range l.funcOrder {
		if !fn.defined {
			undefined = append(undefined, fn.name)
		}
	}
	if len(undefined) > 0 {
		return fmt.Errorf("%w: %s", ErrUndefinedFunction, strings.Join(undefined, ", "))
	}

	if err := l.synthModifiers(); err != nil {
		return err
	}
	if err := l.buildDictionaries(); err != nil {
		return err
	}
	if err := l.buildGrammar(); err != nil {
		return err
	}

	for _, o := range l.objOrder {
		if !o.defined && o.intrinsic == nil {
			undefined = append(undefined, o.name)
		}
	}
	if len(undefined) > 0 {
		return fmt.Errorf("%w: %s", ErrUndefinedObject, strings.Join(undefined, ", "))
	}

	if err := l.buildExports(); err != nil {
		return err
	}
	l.finished = true
	log.Infof("linked %d files: %d objects, %d properties, %d functions",
		len(l.files), l.nextObj-1, l.nextProp-1, len(l.funcOrder))
	return nil
}

// ---------------------------------------------------------------------------
// Code emission helpers
// ---------------------------------------------------------------------------

// beginMethod anchors a new code body in s and writes its header.
func beginMethod(s *stream.Stream, owner string, list *stream.FixupList, hdr vm.MethodHeader) *stream.Anchor {
	a := s.AddAnchor(owner, list, s.Len())
	buf := make([]byte, vm.MethodHeaderSize)
	hdr.Encode(buf)
	s.Write(buf)
	return a
}

// op writes an opcode followed by a code or pool address referencing the
// item of list.
func op(s *stream.Stream, code vm.Opcode, list *stream.FixupList) {
	s.Write1(byte(code))
	list.Add(s, s.Write4(0))
}

// call writes CALL argc addr.
func call(s *stream.Stream, argc byte, fn *funcSym) {
	s.Write1(byte(vm.OpCall))
	s.Write1(argc)
	fn.list.Add(s, s.Write4(0))
}

// writeObject serializes an object with its internal header and returns its
// anchor. Payloads too long for the 16-bit length field record zero there;
// the image writer sizes objects by their anchors.
func writeObject(s *stream.Stream, id uint32, flags uint16, payload []byte) *stream.Anchor {
	a := s.AddAnchor("", nil, s.Len())
	s.Write2(flags)
	s.Write4(id)
	n := len(payload)
	if n > 0xFFFF {
		n = 0
	}
	s.Write2(uint16(n))
	s.Write(payload)
	return a
}

// ---------------------------------------------------------------------------
// Multi-methods
// ---------------------------------------------------------------------------

// synthMultiMethods gives every multi-method base a dispatching stub and
// emits one static initializer that registers every instance with the
// runtime.
func (l *Linker) synthMultiMethods() error {
	var bases []*funcSym
	for _, fn := range l.funcOrder {
		if fn.multiBase {
			if fn.anchor != nil {
				return fmt.Errorf("%w: %s is defined both as a function and a multi-method", ErrDuplicateFunction, fn.name)
			}
			bases = append(bases, fn)
		}
	}
	if len(bases) == 0 && len(l.multi) == 0 {
		return nil
	}

	var support [3]*funcSym
	for i, name := range []string{multiMethodCall, multiMethodRegister, multiMethodBuildBindings} {
		fn := l.funcs[name]
		if fn == nil || !fn.defined {
			return fmt.Errorf("%w: %s", ErrMultiMethodSupport, name)
		}
		support[i] = fn
	}
	dispatch, register, build := support[0], support[1], support[2]

	code := l.streams.Get(stream.Code)
	for _, base := range bases {
		// PUSHPARLST 0; PUSHFNPTR base; CALL 2 _multiMethodCall; RET
		base.anchor = beginMethod(code, base.name, base.list, vm.MethodHeader{Varargs: true, MaxStack: 2})
		code.Write1(byte(vm.OpPushParLst))
		code.Write1(0)
		op(code, vm.OpPushFnPtr, base.list)
		call(code, 2, dispatch)
		code.Write1(byte(vm.OpRet))
		base.varargs = true
		base.hasRetval = true
		base.defined = true
	}

	static := l.streams.Get(stream.StaticCode)
	reg := beginMethod(static, "", nil, vm.MethodHeader{MaxStack: 3})
	for _, inst := range l.multi {
		fn := l.funcs[inst.Function]
		base := l.funcs[inst.Base]
		if fn == nil || !fn.defined || base == nil {
			return fmt.Errorf("%w: multi-method %s", ErrUndefinedFunction, inst.Function)
		}
		types, err := l.typeList(inst.Types)
		if err != nil {
			return err
		}
		// arguments are pushed last to first
		op(static, vm.OpPushLst, types.Fixups())
		op(static, vm.OpPushFnPtr, fn.list)
		op(static, vm.OpPushFnPtr, base.list)
		call(static, 3, register)
	}
	call(static, 0, build)
	static.Write1(byte(vm.OpRetNil))

	// a registrar object carries the initializer as a static property
	id, err := l.newObject()
	if err != nil {
		return err
	}
	prop, err := l.newProp()
	if err != nil {
		return err
	}
	payload := (&vm.TadsObject{Props: []vm.PropEntry{{Prop: uint16(prop), Value: vm.DataHolder{Type: vm.TypeCodeOfs}}}}).Encode()
	objs := l.streams.Get(stream.Object)
	a := writeObject(objs, id, 0, payload)
	reg.Fixups().Add(objs, a.Ofs()+vm.ObjHeaderSize+vm.TadsObjHeaderSize+2+1)
	l.objAnchors[id] = a

	sini := l.streams.Get(stream.StaticInit)
	sini.Write4(id)
	sini.Write2(uint16(prop))

	log.Debugf("multi-methods: %d bases, %d instances, registrar #%d", len(bases), len(l.multi), id)
	return nil
}

// typeList writes the parameter type list of a multi-method instance to the
// constant pool. An empty type name matches any value and is stored as nil.
func (l *Linker) typeList(types []string) (*stream.Anchor, error) {
	data := l.streams.Get(stream.Data)
	a := data.AddAnchor("", nil, data.Len())
	data.Write2(uint16(len(types)))
	for _, t := range types {
		h := vm.NilValue
		if t != "" {
			o := l.objs[t]
			if o == nil {
				return nil, fmt.Errorf("%w: multi-method parameter type %s", ErrUndefinedObject, t)
			}
			h = vm.ObjValue(o.id)
		}
		data.Write(h.Bytes())
	}
	return a, nil
}

// ---------------------------------------------------------------------------
// Intrinsic class modifiers
// ---------------------------------------------------------------------------

// synthModifiers gives every intrinsic class at least one modifier object
// and links each class's modifiers into a superclass chain, oldest first.
func (l *Linker) synthModifiers() error {
	mods := l.streams.Get(stream.IntrinsicMod)
	for _, ic := range l.intrinsics {
		if len(ic.modifiers) == 0 {
			id, err := l.newObject()
			if err != nil {
				return err
			}
			payload := (&vm.TadsObject{Superclasses: []uint32{vm.InvalidObj}}).Encode()
			l.modAnchors[id] = writeObject(mods, id, 0, payload)
			ic.modifiers = []uint32{id}
			log.Debugf("synthesized modifier #%d for %s", id, ic.obj.name)
		}
		prev := vm.InvalidObj
		for _, m := range ic.modifiers {
			a := l.modAnchors[m]
			if a == nil {
				return fmt.Errorf("%w: modifier #%d of %s has no object", ErrInconsistent, m, ic.obj.name)
			}
			a.Stream().Write4At(a.Ofs()+vm.ObjHeaderSize+vm.TadsObjHeaderSize, prev)
			prev = m
		}
	}
	return nil
}

// ---------------------------------------------------------------------------
// Dictionaries
// ---------------------------------------------------------------------------

type dictItem struct {
	obj  uint32
	prop uint32
}

// buildDictionaries serializes one dictionary object per declared
// dictionary from the words every file contributed.
func (l *Linker) buildDictionaries() error {
	words := make(map[uint32]map[string][]dictItem)
	for _, w := range l.dictWords {
		if w.Dict == vm.InvalidObj {
			continue
		}
		m := words[w.Dict]
		if m == nil {
			m = make(map[string][]dictItem)
			words[w.Dict] = m
		}
		item := dictItem{w.Obj, w.Prop}
		dup := false
		for _, cur := range m[w.Word] {
			if cur == item {
				dup = true
				break
			}
		}
		if !dup {
			m[w.Word] = append(m[w.Word], item)
		}
	}

	s := l.streams.Get(stream.Dictionary)
	for _, o := range l.objOrder {
		if !o.dictionary {
			continue
		}
		payload, err := encodeDictionary(words[o.id])
		if err != nil {
			return fmt.Errorf("dictionary %s: %w", o.name, err)
		}
		l.objAnchors[o.id] = writeObject(s, o.id, 0, payload)
		o.defined = true
		log.Debugf("dictionary %s: %d keys", o.name, len(words[o.id]))
	}
	return nil
}

// encodeDictionary serializes a dictionary payload: comparator, entry count,
// then entries sorted by key. Keys are masked with vm.DictKeyMask.
func encodeDictionary(entries map[string][]dictItem) ([]byte, error) {
	keys := make([]string, 0, len(entries))
	for k := range entries {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	buf := vm.AppendUint32(nil, vm.InvalidObj)
	buf = vm.AppendUint16(buf, uint16(len(keys)))
	for _, k := range keys {
		if len(k) > 0xFF {
			return nil, fmt.Errorf("word %q is too long", k)
		}
		buf = append(buf, byte(len(k)))
		for i := 0; i < len(k); i++ {
			buf = append(buf, k[i]^vm.DictKeyMask)
		}
		items := entries[k]
		buf = vm.AppendUint16(buf, uint16(len(items)))
		for _, it := range items {
			buf = vm.AppendUint32(buf, it.obj)
			buf = vm.AppendUint16(buf, uint16(it.prop))
		}
	}
	return buf, nil
}

// ---------------------------------------------------------------------------
// Grammar productions
// ---------------------------------------------------------------------------

// buildGrammar serializes one grammar-production object per production.
func (l *Linker) buildGrammar() error {
	alts := make(map[uint32][]int)
	for i, a := range l.grammar {
		alts[a.Prod] = append(alts[a.Prod], i)
	}

	s := l.streams.Get(stream.Grammar)
	for _, o := range l.objOrder {
		if !o.grammarProd {
			continue
		}
		idx := alts[o.id]
		if len(idx) == 0 && !o.grammarDeclared {
			return fmt.Errorf("%w: %s", ErrEmptyProduction, o.name)
		}
		if len(idx) > 0xFFFF {
			return fmt.Errorf("%w: %s has %d", ErrTooManyAlternatives, o.name, len(idx))
		}
		buf := vm.AppendUint16(nil, uint16(len(idx)))
		for _, i := range idx {
			buf = l.encodeAlt(buf, i)
		}
		l.objAnchors[o.id] = writeObject(s, o.id, 0, buf)
		o.defined = true
	}
	return nil
}

func (l *Linker) encodeAlt(buf []byte, i int) []byte {
	a := l.grammar[i]
	buf = vm.AppendUint16(buf, uint16(int16(a.Score)))
	buf = vm.AppendUint16(buf, uint16(int16(a.Badness)))
	buf = vm.AppendUint32(buf, a.Processor)
	buf = vm.AppendUint16(buf, uint16(len(a.Tokens)))
	for _, t := range a.Tokens {
		buf = vm.AppendUint16(buf, uint16(t.Assoc))
		buf = append(buf, t.Kind)
		switch vm.GrammarTokenKind(t.Kind) {
		case vm.TokProd:
			buf = vm.AppendUint32(buf, t.Obj)
		case vm.TokSpeech:
			buf = vm.AppendUint16(buf, uint16(t.Prop))
		case vm.TokSpeechList:
			buf = vm.AppendUint16(buf, uint16(len(t.Props)))
			for _, p := range t.Props {
				buf = vm.AppendUint16(buf, uint16(p))
			}
		case vm.TokLiteral:
			buf = vm.AppendUint16(buf, uint16(len(t.Literal)))
			buf = append(buf, t.Literal...)
		case vm.TokTokenType:
			buf = vm.AppendUint32(buf, t.Enum)
		}
	}
	return buf
}
