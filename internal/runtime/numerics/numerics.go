// Package numerics implements the two contract-visible numeric types
// from spec.md §4.B: a bounded arbitrary-precision Integer and an
// 18-fractional-digit fixed-point Decimal. Both are wire-compatible
// with a 4x64-bit-limb-plus-sign layout, matching
// _examples/original_source/core/indexer/src/runtime/numerics.rs's
// Integer/Decimal types (there backed by the Rust fastnum crate).
//
// No pack repo ships an arbitrary-precision decimal library, so this
// package is built on stdlib math/big — the one deliberate stdlib
// fallback in this module (see DESIGN.md).
package numerics

import (
	"math"
	"math/big"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// decimalScale is the number of fractional digits a Decimal carries.
const decimalScale = 18

var (
	decimalScaleFactor = pow10(decimalScale)

	// maxInt is the largest magnitude an Integer may hold, per spec.md
	// §4.B: "signed, |n| <= 115792089237316195423570985008687907853269984665640564039457".
	maxInt = mustParseBig("115792089237316195423570985008687907853269984665640564039457")
)

func pow10(n int) *big.Int {
	return new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(n)), nil)
}

func mustParseBig(s string) *big.Int {
	i, ok := new(big.Int).SetString(s, 10)
	if !ok {
		panic("numerics: invalid constant " + s)
	}
	return i
}

// Error kinds mirror spec.md §4.B's typed error arms.
var (
	ErrOverflow    = errors.New("overflow")
	ErrDivByZero   = errors.New("division by zero")
	ErrSyntaxError = errors.New("syntax error")
)

// Integer is a bounded signed arbitrary-precision integer.
type Integer struct {
	v *big.Int
}

// Decimal is a signed fixed-point number with 18 fractional digits,
// stored internally as an integer scaled by 10^18.
type Decimal struct {
	scaled *big.Int
}

func IntegerFromUint64(i uint64) Integer { return Integer{v: new(big.Int).SetUint64(i)} }
func IntegerFromInt64(i int64) Integer   { return Integer{v: big.NewInt(i)} }

// IntegerFromString parses a decimal integer literal.
func IntegerFromString(s string) (Integer, error) {
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return Integer{}, errors.Wrapf(ErrSyntaxError, "parsing integer %q", s)
	}
	if err := checkIntBound(v); err != nil {
		return Integer{}, err
	}
	return Integer{v: v}, nil
}

func checkIntBound(v *big.Int) error {
	abs := new(big.Int).Abs(v)
	if abs.Cmp(maxInt) > 0 {
		return errors.Wrap(ErrOverflow, "result overflows Integer")
	}
	return nil
}

func (i Integer) String() string { return i.v.String() }

func (a Integer) Eq(b Integer) bool { return a.v.Cmp(b.v) == 0 }

// Cmp returns -1, 0, or 1 as a is less than, equal to, or greater than b.
func (a Integer) Cmp(b Integer) int { return a.v.Cmp(b.v) }

func (a Integer) Add(b Integer) (Integer, error) {
	r := new(big.Int).Add(a.v, b.v)
	if err := checkIntBound(r); err != nil {
		return Integer{}, err
	}
	return Integer{v: r}, nil
}

func (a Integer) Sub(b Integer) (Integer, error) {
	r := new(big.Int).Sub(a.v, b.v)
	if err := checkIntBound(r); err != nil {
		return Integer{}, err
	}
	return Integer{v: r}, nil
}

func (a Integer) Mul(b Integer) (Integer, error) {
	r := new(big.Int).Mul(a.v, b.v)
	if err := checkIntBound(r); err != nil {
		return Integer{}, err
	}
	return Integer{v: r}, nil
}

func (a Integer) Div(b Integer) (Integer, error) {
	if b.v.Sign() == 0 {
		return Integer{}, errors.Wrap(ErrDivByZero, "integer divide by zero")
	}
	return Integer{v: new(big.Int).Quo(a.v, b.v)}, nil
}

// Sqrt returns the integer square root, truncated toward zero.
func (a Integer) Sqrt() (Integer, error) {
	if a.v.Sign() < 0 {
		return Integer{}, errors.Wrap(ErrSyntaxError, "sqrt of negative integer")
	}
	return Integer{v: new(big.Int).Sqrt(a.v)}, nil
}

// ToDecimal converts losslessly (an Integer always fits within
// Decimal's range once scaled).
func (a Integer) ToDecimal() Decimal {
	return Decimal{scaled: new(big.Int).Mul(a.v, decimalScaleFactor)}
}

func DecimalFromUint64(i uint64) Decimal { return IntegerFromUint64(i).ToDecimal() }
func DecimalFromInt64(i int64) Decimal   { return IntegerFromInt64(i).ToDecimal() }

// DecimalFromString parses a decimal literal such as "1.5" or "-3".
func DecimalFromString(s string) (Decimal, error) {
	neg := false
	t := s
	if strings.HasPrefix(t, "-") {
		neg, t = true, t[1:]
	} else if strings.HasPrefix(t, "+") {
		t = t[1:]
	}

	intPart, fracPart, hasFrac := strings.Cut(t, ".")
	if intPart == "" {
		intPart = "0"
	}
	if len(fracPart) > decimalScale {
		return Decimal{}, errors.Wrapf(ErrOverflow, "too many fractional digits in %q", s)
	}
	if hasFrac {
		fracPart = fracPart + strings.Repeat("0", decimalScale-len(fracPart))
	} else {
		fracPart = strings.Repeat("0", decimalScale)
	}

	whole, ok := new(big.Int).SetString(intPart+fracPart, 10)
	if !ok {
		return Decimal{}, errors.Wrapf(ErrSyntaxError, "parsing decimal %q", s)
	}
	if neg {
		whole.Neg(whole)
	}
	return Decimal{scaled: whole}, nil
}

// String renders the decimal in fixed-point notation with a trailing
// run of zero fractional digits trimmed, but at least one digit kept.
func (d Decimal) String() string {
	scaled := new(big.Int).Set(d.scaled)
	neg := scaled.Sign() < 0
	scaled.Abs(scaled)

	s := scaled.String()
	for len(s) <= decimalScale {
		s = "0" + s
	}
	intPart := s[:len(s)-decimalScale]
	fracPart := strings.TrimRight(s[len(s)-decimalScale:], "0")
	if fracPart == "" {
		fracPart = "0"
	}

	out := intPart + "." + fracPart
	if neg {
		out = "-" + out
	}
	return out
}

func (a Decimal) Eq(b Decimal) bool { return a.scaled.Cmp(b.scaled) == 0 }
func (a Decimal) Cmp(b Decimal) int { return a.scaled.Cmp(b.scaled) }

func (a Decimal) Add(b Decimal) (Decimal, error) {
	return Decimal{scaled: new(big.Int).Add(a.scaled, b.scaled)}, nil
}

func (a Decimal) Sub(b Decimal) (Decimal, error) {
	return Decimal{scaled: new(big.Int).Sub(a.scaled, b.scaled)}, nil
}

// Mul computes a*b, rescaling the doubled-scale product back down to
// decimalScale fractional digits (truncating, matching fastnum's
// default rounding in the original implementation).
func (a Decimal) Mul(b Decimal) (Decimal, error) {
	r := new(big.Int).Mul(a.scaled, b.scaled)
	r.Quo(r, decimalScaleFactor)
	return Decimal{scaled: r}, nil
}

// Div computes a/b to decimalScale fractional digits, truncating.
func (a Decimal) Div(b Decimal) (Decimal, error) {
	if b.scaled.Sign() == 0 {
		return Decimal{}, errors.Wrap(ErrDivByZero, "decimal divide by zero")
	}
	num := new(big.Int).Mul(a.scaled, decimalScaleFactor)
	return Decimal{scaled: num.Quo(num, b.scaled)}, nil
}

// Log10 is defined only for positive decimals. It round-trips through
// big.Float/float64 — contract-visible log10 doesn't need the full
// 18-digit precision band the other operations preserve exactly.
func (a Decimal) Log10() (Decimal, error) {
	if a.scaled.Sign() <= 0 {
		return Decimal{}, errors.Wrap(ErrOverflow, "log10 of non-positive decimal")
	}
	f := new(big.Float).SetPrec(128).SetInt(a.scaled)
	f.Quo(f, new(big.Float).SetPrec(128).SetInt(decimalScaleFactor))
	approx, _ := f.Float64()
	if math.IsInf(approx, 0) || math.IsNaN(approx) {
		return Decimal{}, errors.Wrap(ErrOverflow, "log10 argument out of range")
	}
	return DecimalFromString(strconv.FormatFloat(math.Log10(approx), 'f', decimalScale, 64))
}

// ToInteger truncates toward zero.
func (d Decimal) ToInteger() Integer {
	return Integer{v: new(big.Int).Quo(d.scaled, decimalScaleFactor)}
}
