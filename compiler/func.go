package compiler

import (
	"strings"

	"github.com/chazu/t3c/objfile"
)

// multiName returns the name of one instance of a multi-method, which
// encodes the parameter types: name*(Thing,*,...).
func multiName(name string, params []Param, varargs bool) string {
	var sb strings.Builder
	sb.WriteString(name)
	sb.WriteString("*(")
	for i, p := range params {
		if i > 0 {
			sb.WriteByte(',')
		}
		if p.Type == "" {
			sb.WriteByte('*')
		} else {
			sb.WriteString(p.Type)
		}
	}
	if varargs {
		if len(params) > 0 {
			sb.WriteByte(',')
		}
		sb.WriteString("...")
	}
	sb.WriteByte(')')
	return sb.String()
}

func countParams(params []Param) (argc, opt int) {
	for _, p := range params {
		if p.Optional {
			opt++
		} else {
			argc++
		}
	}
	return argc, opt
}

// declareFunction records a function's signature.
func (u *Unit) declareFunction(d *FunctionDecl) error {
	argc, opt := countParams(d.Params)
	if d.Multi {
		base := u.Symbols.Function(d.Name)
		if base.Kind != SymFunction {
			return errorf(d, "%s is already defined as a %s", d.Name, base.Kind)
		}
		if base.Defined && !base.MultiBase {
			return errorf(d, "%s is defined both as a function and a multi-method", d.Name)
		}
		base.MultiBase = true
		base.Varargs = true
		base.HasRetval = true

		name := multiName(d.Name, d.Params, d.Varargs)
		s := u.Symbols.Function(name)
		if s.Defined && !d.Replace {
			return errorf(d, "multi-method %s is already defined", name)
		}
		u.Symbols.DefineFunction(name, argc, opt, d.Varargs, true)
		s.Defined = true
		s.Replace = s.Replace || d.Replace
		return nil
	}

	s := u.Symbols.Function(d.Name)
	if s.Kind != SymFunction {
		return errorf(d, "%s is already defined as a %s", d.Name, s.Kind)
	}
	if s.MultiBase {
		return errorf(d, "%s is defined both as a function and a multi-method", d.Name)
	}
	if s.Defined && !d.Replace {
		return errorf(d, "function %s is already defined", d.Name)
	}
	u.Symbols.DefineFunction(d.Name, argc, opt, d.Varargs, d.HasRetval)
	s.Defined = true
	s.Replace = s.Replace || d.Replace
	return nil
}

// genFunction generates a function body. A later definition of the same
// function in this unit supersedes the earlier one.
func (u *Unit) genFunction(d *FunctionDecl) error {
	name := d.Name
	if d.Multi {
		name = multiName(d.Name, d.Params, d.Varargs)
		types := make([]string, len(d.Params))
		for i, p := range d.Params {
			if p.Type == "" {
				continue
			}
			cls := u.Symbols.Lookup(p.Type)
			if cls == nil || cls.Kind != SymObject {
				return errorf(d, "invalid multi-method parameter type %s", p.Type)
			}
			types[i] = p.Type
		}
		u.addMultiInstance(objfile.MultiInstance{Base: d.Name, Function: name, Types: types})
	}
	s := u.Symbols.Lookup(name)
	if s.Anchor != nil {
		s.Anchor.SetReplaced()
		s.Anchor.DetachFromSymbol()
	}
	a, err := u.genBody(u.code, bodyPlan{
		name:    name,
		owner:   name,
		fixups:  s.Fixups,
		params:  d.Params,
		varargs: d.Varargs,
		node:    d,
		gen:     genStmts(d.Body),
	})
	if err != nil {
		return err
	}
	s.Anchor = a
	return nil
}

func (u *Unit) addMultiInstance(m objfile.MultiInstance) {
	for _, cur := range u.multi {
		if cur.Function == m.Function {
			return
		}
	}
	u.multi = append(u.multi, m)
}
