package ledger

import (
	"errors"
	"fmt"
)

var (
	ErrVelocityLimitExceeded = errors.New("velocity limit exceeded")
	ErrMultiSigPending       = errors.New("operation awaiting multisig approvals")
	ErrOperationCancelled    = errors.New("operation cancelled")
	ErrOperationNotFound     = errors.New("pending operation not found")
	ErrEphemeralRequired     = errors.New("operation requires an ephemeral identity")
	ErrInvalidAmount         = errors.New("amount must be greater than zero")
	ErrSameAccount           = errors.New("source and destination accounts are the same")
	ErrNoExchangeRate        = errors.New("no exchange rate configured for token pair")
	ErrInexactConversion     = errors.New("amount does not divide exactly by the exchange rate")
)

// PolicyDeniedError reports a policy engine denial to the caller.
type PolicyDeniedError struct {
	Reason string
}

func (e *PolicyDeniedError) Error() string {
	return fmt.Sprintf("policy denied: %s", e.Reason)
}

// IntegrityFaultError is an internal invariant violation: a transaction
// whose debit and credit sums disagree. It indicates a bug, not a caller
// mistake, and is deliberately a distinct type so user-facing error handling
// can never mistake it for an ordinary failure.
type IntegrityFaultError struct {
	TransactionID string
	Detail        string
}

func (e *IntegrityFaultError) Error() string {
	return fmt.Sprintf("ledger integrity fault in %s: %s", e.TransactionID, e.Detail)
}
