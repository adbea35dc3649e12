package fixed

import "strings"

// Signed is a sign-and-magnitude balance. Only accounts flagged to allow
// negative balances (liability accounts, issuance accounts) ever carry a
// negative value; everything else stays in the unsigned Amount domain.
type Signed struct {
	Neg bool
	Abs Amount
}

// SignedFromAmount wraps a non-negative amount.
func SignedFromAmount(a Amount) Signed {
	return Signed{Abs: a}
}

// IsNegative reports whether s is strictly below zero.
func (s Signed) IsNegative() bool {
	return s.Neg && !s.Abs.IsZero()
}

// AddAmount returns s+a.
func (s Signed) AddAmount(a Amount) (Signed, error) {
	if !s.IsNegative() {
		sum, err := s.Abs.Add(a)
		if err != nil {
			return Signed{}, err
		}
		return Signed{Abs: sum}, nil
	}
	// Negative plus positive: the smaller magnitude cancels.
	if s.Abs.Cmp(a) > 0 {
		diff, err := s.Abs.Sub(a)
		if err != nil {
			return Signed{}, err
		}
		return Signed{Neg: true, Abs: diff}, nil
	}
	diff, err := a.Sub(s.Abs)
	if err != nil {
		return Signed{}, err
	}
	return Signed{Abs: diff}, nil
}

// SubAmount returns s-a.
func (s Signed) SubAmount(a Amount) (Signed, error) {
	if s.IsNegative() {
		sum, err := s.Abs.Add(a)
		if err != nil {
			return Signed{}, err
		}
		return Signed{Neg: true, Abs: sum}, nil
	}
	if s.Abs.Cmp(a) >= 0 {
		diff, err := s.Abs.Sub(a)
		if err != nil {
			return Signed{}, err
		}
		return Signed{Abs: diff}, nil
	}
	diff, err := a.Sub(s.Abs)
	if err != nil {
		return Signed{}, err
	}
	return Signed{Neg: true, Abs: diff}, nil
}

// String renders the balance, with a leading '-' when negative.
func (s Signed) String() string {
	if s.IsNegative() {
		return "-" + s.Abs.String()
	}
	return s.Abs.String()
}

// ParseSigned reads an optionally negative decimal token amount.
func ParseSigned(str string) (Signed, error) {
	str = strings.TrimSpace(str)
	if strings.HasPrefix(str, "-") {
		abs, err := Parse(str[1:])
		if err != nil {
			return Signed{}, err
		}
		return Signed{Neg: !abs.IsZero(), Abs: abs}, nil
	}
	abs, err := Parse(str)
	if err != nil {
		return Signed{}, err
	}
	return Signed{Abs: abs}, nil
}
