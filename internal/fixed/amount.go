// Package fixed implements unsigned 128-bit fixed-point token amounts with
// 18 implied decimal places. All arithmetic is checked; there is no rounding
// anywhere in the package, so ledger math that goes through it cannot drift.
package fixed

import (
	"errors"
	"fmt"
	"math/bits"
	"strings"
)

// Decimals is the number of implied decimal places in every Amount.
const Decimals = 18

var (
	ErrOverflow  = errors.New("amount overflows 128-bit range")
	ErrUnderflow = errors.New("amount subtraction below zero")
	ErrInvalid   = errors.New("invalid amount string")
	ErrInexact   = errors.New("division is not exact")
)

// Amount is an unsigned 128-bit integer counted in base units
// (1 token = 10^18 base units).
type Amount struct {
	hi uint64
	lo uint64
}

// Zero is the additive identity.
var Zero = Amount{}

// unit is 10^18, one whole token in base units.
const unit = uint64(1_000_000_000_000_000_000)

// FromUint64 returns an Amount of n base units.
func FromUint64(n uint64) Amount {
	return Amount{lo: n}
}

// FromTokens returns an Amount of n whole tokens. The product always fits:
// 2^64 tokens at 10^18 base units is still under 2^124.
func FromTokens(n uint64) Amount {
	hi, lo := bits.Mul64(n, unit)
	return Amount{hi: hi, lo: lo}
}

// IsZero reports whether a is zero.
func (a Amount) IsZero() bool {
	return a.hi == 0 && a.lo == 0
}

// Cmp returns -1, 0 or 1 comparing a to b.
func (a Amount) Cmp(b Amount) int {
	switch {
	case a.hi < b.hi:
		return -1
	case a.hi > b.hi:
		return 1
	case a.lo < b.lo:
		return -1
	case a.lo > b.lo:
		return 1
	}
	return 0
}

// Add returns a+b, failing on 128-bit overflow.
func (a Amount) Add(b Amount) (Amount, error) {
	lo, carry := bits.Add64(a.lo, b.lo, 0)
	hi, carry := bits.Add64(a.hi, b.hi, carry)
	if carry != 0 {
		return Zero, ErrOverflow
	}
	return Amount{hi: hi, lo: lo}, nil
}

// Sub returns a-b, failing when b > a.
func (a Amount) Sub(b Amount) (Amount, error) {
	lo, borrow := bits.Sub64(a.lo, b.lo, 0)
	hi, borrow := bits.Sub64(a.hi, b.hi, borrow)
	if borrow != 0 {
		return Zero, ErrUnderflow
	}
	return Amount{hi: hi, lo: lo}, nil
}

// MulUint64 returns a*n with overflow checking.
func (a Amount) MulUint64(n uint64) (Amount, error) {
	if n == 0 {
		return Zero, nil
	}
	hiCarry, lo := bits.Mul64(a.lo, n)
	overflow, hi := bits.Mul64(a.hi, n)
	if overflow != 0 {
		return Zero, ErrOverflow
	}
	hi, carry := bits.Add64(hi, hiCarry, 0)
	if carry != 0 {
		return Zero, ErrOverflow
	}
	return Amount{hi: hi, lo: lo}, nil
}

// DivUint64 returns a/n and requires the division to be exact.
func (a Amount) DivUint64(n uint64) (Amount, error) {
	if n == 0 {
		return Zero, ErrInvalid
	}
	qHi, rem := bits.Div64(0, a.hi, n)
	qLo, rem := bits.Div64(rem, a.lo, n)
	if rem != 0 {
		return Zero, ErrInexact
	}
	return Amount{hi: qHi, lo: qLo}, nil
}

// divMod10 divides a by 10 in place and returns the remainder digit.
func (a *Amount) divMod10() uint64 {
	qHi, rem := bits.Div64(0, a.hi, 10)
	qLo, rem := bits.Div64(rem, a.lo, 10)
	a.hi, a.lo = qHi, qLo
	return rem
}

// mulAddDigit sets a = a*10 + d, failing on overflow.
func (a *Amount) mulAddDigit(d uint64) error {
	next, err := a.MulUint64(10)
	if err != nil {
		return err
	}
	next, err = next.Add(Amount{lo: d})
	if err != nil {
		return err
	}
	*a = next
	return nil
}

// String renders a as a decimal token amount, e.g. "12.500000000000000000".
// The fractional part is always 18 digits so values round-trip byte for byte.
func (a Amount) String() string {
	if a.IsZero() {
		return "0." + strings.Repeat("0", Decimals)
	}
	var digits [40]byte
	i := len(digits)
	v := a
	for !v.IsZero() {
		i--
		digits[i] = byte('0' + v.divMod10())
	}
	s := string(digits[i:])
	if len(s) <= Decimals {
		return "0." + strings.Repeat("0", Decimals-len(s)) + s
	}
	return s[:len(s)-Decimals] + "." + s[len(s)-Decimals:]
}

// Parse reads a decimal token amount with at most 18 fractional digits.
func Parse(s string) (Amount, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Zero, ErrInvalid
	}
	whole, frac := s, ""
	if dot := strings.IndexByte(s, '.'); dot >= 0 {
		whole, frac = s[:dot], s[dot+1:]
	}
	if whole == "" && frac == "" {
		return Zero, ErrInvalid
	}
	if len(frac) > Decimals {
		return Zero, ErrInvalid
	}
	frac += strings.Repeat("0", Decimals-len(frac))

	var a Amount
	for _, part := range []string{whole, frac} {
		for _, c := range part {
			if c < '0' || c > '9' {
				return Zero, ErrInvalid
			}
			if err := a.mulAddDigit(uint64(c - '0')); err != nil {
				return Zero, fmt.Errorf("parse %q: %w", s, err)
			}
		}
	}
	return a, nil
}

// MarshalText implements encoding.TextMarshaler.
func (a Amount) MarshalText() ([]byte, error) {
	return []byte(a.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (a *Amount) UnmarshalText(text []byte) error {
	parsed, err := Parse(string(text))
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}
