package compiler

import (
	"github.com/chazu/t3c/objfile"
	"github.com/chazu/t3c/vm"
)

// maxAlternatives bounds the alternatives of one production in a unit.
const maxAlternatives = 0xFFFF

// genGrammar records the alternatives of a grammar rule. The production
// objects themselves are built by the linker once every unit's
// alternatives are known.
func (u *Unit) genGrammar(d *GrammarDecl) error {
	prod, err := u.object(d, d.Prod)
	if err != nil {
		return err
	}
	if len(d.Alts) == 0 {
		return errorf(d, "grammar rule for %s has no alternatives", d.Prod)
	}

	proc := d.Processor
	if proc == nil {
		proc = &ObjectDecl{SpanVal: d.SpanVal, Class: true}
	}
	procID, err := u.genObject(proc)
	if err != nil {
		return err
	}

	dict := uint32(0)
	if u.dict != nil {
		dict = u.dict.ID
	}
	n := 0
	for _, a := range u.grammar {
		if a.Prod == prod.ID {
			n++
		}
	}
	if n+len(d.Alts) > maxAlternatives {
		return errorf(d, "too many alternatives for %s", d.Prod)
	}

	for _, alt := range d.Alts {
		rec := objfile.GrammarAlt{
			Prod:      prod.ID,
			Score:     alt.Score,
			Badness:   alt.Badness,
			Processor: procID,
			Dict:      dict,
		}
		for _, t := range alt.Tokens {
			tok, err := u.grammarToken(d, prod.ID, dict, t)
			if err != nil {
				return err
			}
			rec.Tokens = append(rec.Tokens, tok)
		}
		u.grammar = append(u.grammar, rec)
	}
	return nil
}

func (u *Unit) grammarToken(d *GrammarDecl, prod, dict uint32, t GrammarTokenDef) (objfile.GrammarTok, error) {
	tok := objfile.GrammarTok{Kind: byte(t.Kind)}
	if t.Assoc != "" {
		p, err := u.property(d, t.Assoc)
		if err != nil {
			return tok, err
		}
		tok.Assoc = p.ID
	}
	switch t.Kind {
	case vm.TokProd:
		s, err := u.object(d, t.Name)
		if err != nil {
			return tok, err
		}
		s.GrammarProd = true
		tok.Obj = s.ID
	case vm.TokSpeech:
		p, err := u.property(d, t.Name)
		if err != nil {
			return tok, err
		}
		tok.Prop = p.ID
	case vm.TokSpeechList:
		if len(t.Names) == 0 {
			return tok, errorf(d, "empty part-of-speech list")
		}
		for _, name := range t.Names {
			p, err := u.property(d, name)
			if err != nil {
				return tok, err
			}
			tok.Props = append(tok.Props, p.ID)
		}
	case vm.TokLiteral:
		tok.Literal = t.Literal
		u.dictWords = append(u.dictWords, objfile.DictWord{Dict: dict, Word: t.Literal, Obj: prod})
	case vm.TokTokenType:
		s := u.Symbols.Lookup(t.Name)
		if s == nil || s.Kind != SymEnum || !s.Token {
			return tok, errorf(d, "%s is not a token type", t.Name)
		}
		tok.Enum = s.ID
	case vm.TokStar:
	default:
		return tok, &InternalError{Site: d.Prod, Msg: "unknown grammar token kind"}
	}
	return tok, nil
}
