package models

import (
	"time"

	"github.com/spiritnet/gledger/internal/fixed"
)

// AccountType is the bookkeeping class of an account.
type AccountType string

const (
	AccountAsset     AccountType = "ASSET"
	AccountLiability AccountType = "LIABILITY"
	AccountRevenue   AccountType = "REVENUE"
	AccountExpense   AccountType = "EXPENSE"
	AccountEquity    AccountType = "EQUITY"
)

// Account is a typed balance record, keyed by (account_id, token_type).
// Balances are owned by the account store and only change through ledger
// transaction application.
type Account struct {
	AccountID     string       `json:"account_id" db:"account_id"`
	AccountType   AccountType  `json:"account_type" db:"account_type"`
	TokenType     TokenType    `json:"token_type" db:"token_type"`
	Balance       fixed.Signed `json:"balance" db:"balance"`
	LockedAmount  fixed.Amount `json:"locked_amount" db:"locked_amount"`
	AllowNegative bool         `json:"allow_negative" db:"allow_negative"`
	Version       int          `json:"version" db:"version"` // for optimistic locking
	CreatedAt     time.Time    `json:"created_at" db:"created_at"`
	UpdatedAt     time.Time    `json:"updated_at" db:"updated_at"`
}

// Available is the spendable portion of the balance: balance minus locked.
// Negative balances have nothing available.
func (a Account) Available() fixed.Amount {
	if a.Balance.IsNegative() {
		return fixed.Zero
	}
	avail, err := a.Balance.Abs.Sub(a.LockedAmount)
	if err != nil {
		return fixed.Zero
	}
	return avail
}
