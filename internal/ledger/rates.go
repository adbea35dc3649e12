package ledger

import (
	"github.com/spiritnet/gledger/internal/fixed"
	"github.com/spiritnet/gledger/internal/models"
)

// Rate is a fixed exchange ratio: Numerator target base units are minted per
// Denominator source base units burned.
type Rate struct {
	Numerator   uint64 `mapstructure:"numerator"`
	Denominator uint64 `mapstructure:"denominator"`
}

// RateTable maps (source, target) token pairs to their configured rate.
// Burn-for-mint only converts along pairs present here.
type RateTable map[models.TokenType]map[models.TokenType]Rate

// DefaultRates is the shipped conversion table.
func DefaultRates() RateTable {
	return RateTable{
		models.TokenGCC: {
			models.TokenGHOST:  {Numerator: 1, Denominator: 1000},
			models.TokenSPIRIT: {Numerator: 10, Denominator: 1},
		},
		models.TokenSPIRIT: {
			models.TokenMANA: {Numerator: 1, Denominator: 100},
		},
	}
}

// Convert computes the minted amount for burning amount of source into
// target. Conversion must be exact: a source amount that does not divide
// evenly by the rate is rejected before any mutation.
func (t RateTable) Convert(source, target models.TokenType, amount fixed.Amount) (fixed.Amount, error) {
	targets, ok := t[source]
	if !ok {
		return fixed.Zero, ErrNoExchangeRate
	}
	rate, ok := targets[target]
	if !ok || rate.Numerator == 0 || rate.Denominator == 0 {
		return fixed.Zero, ErrNoExchangeRate
	}

	scaled, err := amount.MulUint64(rate.Numerator)
	if err != nil {
		return fixed.Zero, err
	}
	minted, err := scaled.DivUint64(rate.Denominator)
	if err != nil {
		if err == fixed.ErrInexact {
			return fixed.Zero, ErrInexactConversion
		}
		return fixed.Zero, err
	}
	return minted, nil
}
