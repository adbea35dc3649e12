package models

import (
	"time"

	"github.com/spiritnet/gledger/internal/fixed"
)

// EntryType says which side of the books a ledger entry lands on.
// A Debit increases the account balance, a Credit decreases it.
type EntryType string

const (
	EntryDebit  EntryType = "DEBIT"
	EntryCredit EntryType = "CREDIT"
)

// LedgerEntry is one leg of a transaction. Entries are created and destroyed
// with their owning transaction and never mutated after commit.
type LedgerEntry struct {
	TransactionID string       `json:"transaction_id" db:"transaction_id"`
	AccountID     string       `json:"account_id" db:"account_id"`
	TokenType     TokenType    `json:"token_type" db:"token_type"`
	EntryType     EntryType    `json:"entry_type" db:"entry_type"`
	Amount        fixed.Amount `json:"amount" db:"amount"`
}

// TransactionStatus is the operation state machine.
type TransactionStatus string

const (
	StatusPending           TransactionStatus = "PENDING"
	StatusPolicyChecked     TransactionStatus = "POLICY_CHECKED"
	StatusCommitted         TransactionStatus = "COMMITTED"
	StatusRejected          TransactionStatus = "REJECTED"
	StatusAwaitingApproval  TransactionStatus = "AWAITING_APPROVAL"
	StatusAwaitingMultiSig  TransactionStatus = "AWAITING_MULTISIG"
	StatusAwaitingEphemeral TransactionStatus = "AWAITING_EPHEMERAL"
	StatusDelayed           TransactionStatus = "DELAYED"
)

// Transaction is a committed or in-flight double-entry movement. For any
// committed transaction the debit and credit sums match exactly per token.
type Transaction struct {
	TransactionID     string            `json:"transaction_id" db:"transaction_id"`
	InitiatorIdentity string            `json:"initiator_identity" db:"initiator_identity"`
	Entries           []LedgerEntry     `json:"entries"`
	TokenType         TokenType         `json:"token_type" db:"token_type"`
	Memo              string            `json:"memo" db:"memo"`
	GuardianDecision  string            `json:"guardian_decision_ref" db:"guardian_decision_ref"`
	Status            TransactionStatus `json:"status" db:"status"`
	Timestamp         time.Time         `json:"timestamp" db:"timestamp"`
}

// Stake is a locked slice of a single account's balance. No ledger entries
// are written for stakes since no account-to-account movement occurs.
type Stake struct {
	StakeID   string       `json:"stake_id" db:"stake_id"`
	AccountID string       `json:"account_id" db:"account_id"`
	TokenType TokenType    `json:"token_type" db:"token_type"`
	Amount    fixed.Amount `json:"amount" db:"amount"`
	LockedAt  time.Time    `json:"locked_at" db:"locked_at"`
	UnlockAt  time.Time    `json:"unlock_at" db:"unlock_at"`
	Released  bool         `json:"released" db:"released"`
}
