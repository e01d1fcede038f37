package compiler

import (
	"fmt"
	"strings"

	"github.com/cockroachdb/apd/v3"

	"github.com/chazu/t3c/stream"
	"github.com/chazu/t3c/vm"
)

// BigNumber payload flags.
const (
	bigNumNegative = 0x01
	bigNumZero     = 0x08
)

// encodeBigNumber parses a decimal literal and returns its BigNumber
// payload: digit count, exponent, flags and packed BCD digits, the value
// being 0.d1d2... x 10^exponent.
func encodeBigNumber(text string) ([]byte, error) {
	d, _, err := apd.NewFromString(text)
	if err != nil {
		return nil, fmt.Errorf("invalid number %q: %w", text, err)
	}
	if d.Form != apd.Finite {
		return nil, fmt.Errorf("invalid number %q", text)
	}

	var flags byte
	if d.Negative {
		flags |= bigNumNegative
	}
	coeff := d.Coeff.String()
	exp := int64(d.Exponent) + int64(len(coeff))
	digits := strings.TrimRight(coeff, "0")
	if digits == "" {
		flags = bigNumZero
		exp = 0
	}
	if len(digits) > 0xFFFF || exp > 32767 || exp < -32768 {
		return nil, fmt.Errorf("number %q is out of range", text)
	}

	buf := make([]byte, 5+(len(digits)+1)/2)
	vm.WriteUint16(buf[0:], uint16(len(digits)))
	vm.WriteUint16(buf[2:], uint16(int16(exp)))
	buf[4] = flags
	for i := 0; i < len(digits); i++ {
		v := digits[i] - '0'
		if i%2 == 0 {
			buf[5+i/2] = v << 4
		} else {
			buf[5+i/2] |= v
		}
	}
	return buf, nil
}

// bigNumber returns the id of the BigNumber object holding a literal value,
// creating it the first time the text is seen.
func (u *Unit) bigNumber(text string) (uint32, error) {
	if id, ok := u.bignums[text]; ok {
		return id, nil
	}
	payload, err := encodeBigNumber(text)
	if err != nil {
		return 0, err
	}
	s := u.Stream(stream.BigNum)
	id := u.Symbols.NewObjectID()
	a, lenOfs := u.beginObject(s, id, 0)
	s.Write(payload)
	if err := endObject(nil, s, lenOfs); err != nil {
		return 0, err
	}
	u.objects[id] = a
	u.bignums[text] = id
	return id, nil
}

// regexPattern returns the id of the RegexPattern object for a pattern.
func (u *Unit) regexPattern(pattern string) uint32 {
	if id, ok := u.regexes[pattern]; ok {
		return id
	}
	s := u.Stream(stream.Regex)
	id := u.Symbols.NewObjectID()
	a, lenOfs := u.beginObject(s, id, 0)
	ofs := s.Reserve(vm.DataHolderSize)
	u.putConst(s, ofs, Const{Kind: vm.TypeSString, Str: pattern})
	// a single holder never overflows the length field
	_ = endObject(nil, s, lenOfs)
	u.objects[id] = a
	u.regexes[pattern] = id
	return id
}
