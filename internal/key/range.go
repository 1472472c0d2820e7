package key

import (
	"bytes"
	"fmt"

	"github.com/myuser/unidb/internal/dberr"
)

// Range is a key range. A nil *Range is unbounded. Lower and Upper are
// optional; a nil bound is open-ended.
type Range struct {
	Lower     any
	Upper     any
	LowerOpen bool
	UpperOpen bool

	// prefix marks a starts-with range over Lower.
	prefix bool
}

// Only returns the range holding exactly v.
func Only(v any) (*Range, error) {
	return Bound(v, v, false, false)
}

// LowerBound returns the range of keys above v.
func LowerBound(v any, open bool) (*Range, error) {
	r := &Range{Lower: v, LowerOpen: open}
	if err := r.Validate(); err != nil {
		return nil, err
	}
	return r, nil
}

// UpperBound returns the range of keys below v.
func UpperBound(v any, open bool) (*Range, error) {
	r := &Range{Upper: v, UpperOpen: open}
	if err := r.Validate(); err != nil {
		return nil, err
	}
	return r, nil
}

// Bound returns the range between lower and upper.
func Bound(lower, upper any, lowerOpen, upperOpen bool) (*Range, error) {
	r := &Range{Lower: lower, Upper: upper, LowerOpen: lowerOpen, UpperOpen: upperOpen}
	if err := r.Validate(); err != nil {
		return nil, err
	}
	return r, nil
}

// Starts returns the range of keys starting with v. For strings and binaries
// this is a byte prefix; for arrays it matches every array whose leading
// elements equal v.
func Starts(v any) (*Range, error) {
	n, err := Normalize(v)
	if err != nil {
		return nil, err
	}
	if _, err := prefixEncoding(n); err != nil {
		return nil, dberr.Argument("starts-with needs a string, binary or array key, got %T", v)
	}
	return &Range{Lower: n, prefix: true}, nil
}

// Where builds a range from comparison operators, e.g. Where(">=", 3, "<", 7).
// Supported operators are =, ^ (starts with), <, <=, > and >=.
func Where(op string, v any, op2 string, v2 any) (*Range, error) {
	switch op {
	case "=":
		return Only(v)
	case "^":
		return Starts(v)
	case "<", "<=":
		if op2 != "" {
			return nil, dberr.Argument("operator %s cannot be combined with %s", op, op2)
		}
		return UpperBound(v, op == "<")
	case ">", ">=":
		switch op2 {
		case "":
			return LowerBound(v, op == ">")
		case "<", "<=":
			return Bound(v, v2, op == ">", op2 == "<")
		}
		return nil, dberr.Argument("invalid second operator %q", op2)
	}
	return nil, dberr.Argument("invalid operator %q", op)
}

// IsPrefix reports whether r is a starts-with range.
func (r *Range) IsPrefix() bool {
	return r != nil && r.prefix
}

// Validate checks that the bounds are valid keys and that lower does not
// exceed upper.
func (r *Range) Validate() error {
	if r == nil {
		return nil
	}
	if r.Lower != nil {
		n, err := Normalize(r.Lower)
		if err != nil {
			return err
		}
		r.Lower = n
	}
	if r.prefix {
		return nil
	}
	if r.Upper != nil {
		n, err := Normalize(r.Upper)
		if err != nil {
			return err
		}
		r.Upper = n
	}
	if r.Lower == nil && r.Upper == nil {
		return dberr.Argument("key range needs at least one bound")
	}
	if r.Lower != nil && r.Upper != nil {
		c := compare(r.Lower, r.Upper)
		if c > 0 {
			return dberr.Argument("lower bound %s is greater than upper bound %s", Format(r.Lower), Format(r.Upper))
		}
		if c == 0 && (r.LowerOpen || r.UpperOpen) {
			return dberr.Argument("empty range at %s with an open bound", Format(r.Lower))
		}
	}
	return nil
}

// Bounds returns the encoded bounds of r: lo is inclusive and hi exclusive.
// A nil lo or hi is unbounded on that side.
func (r *Range) Bounds() (lo, hi []byte) {
	if r == nil {
		return nil, nil
	}
	if r.prefix {
		p, _ := prefixEncoding(r.Lower)
		return p, PrefixEnd(p)
	}
	if r.Lower != nil {
		lo = MustEncode(r.Lower)
		if r.LowerOpen {
			lo = PrefixEnd(lo)
		}
	}
	if r.Upper != nil {
		hi = MustEncode(r.Upper)
		if !r.UpperOpen {
			hi = PrefixEnd(hi)
		}
	}
	return lo, hi
}

// Contains reports whether k falls in r.
func (r *Range) Contains(k any) bool {
	if r == nil {
		return true
	}
	enc, err := Encode(k)
	if err != nil {
		return false
	}
	return r.ContainsEncoded(enc)
}

// ContainsEncoded is Contains for an already encoded key.
func (r *Range) ContainsEncoded(enc []byte) bool {
	lo, hi := r.Bounds()
	if lo != nil && bytes.Compare(enc, lo) < 0 {
		return false
	}
	if hi != nil && bytes.Compare(enc, hi) >= 0 {
		return false
	}
	return true
}

// Equal reports whether two ranges select the same keys by construction.
func (r *Range) Equal(o *Range) bool {
	if r == nil || o == nil {
		return r == nil && o == nil
	}
	return r.prefix == o.prefix && r.LowerOpen == o.LowerOpen && r.UpperOpen == o.UpperOpen &&
		Equal(r.Lower, o.Lower) && Equal(r.Upper, o.Upper)
}

func (r *Range) String() string {
	if r == nil {
		return "(-inf,+inf)"
	}
	if r.prefix {
		return fmt.Sprintf("^%s", Format(r.Lower))
	}
	lb, ub := "[", "]"
	if r.LowerOpen {
		lb = "("
	}
	if r.UpperOpen {
		ub = ")"
	}
	lower, upper := "-inf", "+inf"
	if r.Lower != nil {
		lower = Format(r.Lower)
	}
	if r.Upper != nil {
		upper = Format(r.Upper)
	}
	return lb + lower + "," + upper + ub
}
