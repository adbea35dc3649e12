// Package store owns account balances. It is a pure state machine over
// (account_id, token_type) rows: no policy logic, no identity logic, just
// atomic application of ledger entry batches with invariant checks.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/spiritnet/gledger/internal/audit"
	"github.com/spiritnet/gledger/internal/fixed"
	"github.com/spiritnet/gledger/internal/models"
)

var (
	ErrAccountNotFound     = errors.New("account not found")
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrOverflow            = errors.New("balance overflow")
	ErrStakeNotFound       = errors.New("stake not found")
	ErrStakeLocked         = errors.New("stake has not reached its unlock time")
)

// AccountStore persists accounts, the append-only transaction/entry log, and
// stakes in postgres.
type AccountStore struct {
	db *sql.DB
}

// New returns an AccountStore over db.
func New(db *sql.DB) *AccountStore {
	return &AccountStore{db: db}
}

// CreateAccount inserts a fresh zero-balance account row.
func (s *AccountStore) CreateAccount(ctx context.Context, accountID string, accountType models.AccountType, token models.TokenType, allowNegative bool) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO accounts (account_id, token_type, account_type, balance, locked_amount, allow_negative, version, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, 1, $7, $7)`,
		accountID, token, accountType, fixed.Signed{}.String(), fixed.Zero.String(), allowNegative, time.Now())
	if err != nil {
		return fmt.Errorf("failed to create account %s/%s: %w", accountID, token, err)
	}
	return nil
}

// GetAccount loads one account row without locking it.
func (s *AccountStore) GetAccount(ctx context.Context, accountID string, token models.TokenType) (*models.Account, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT account_id, token_type, account_type, balance, locked_amount, allow_negative, version, created_at, updated_at
		FROM accounts
		WHERE account_id = $1 AND token_type = $2`, accountID, token)
	return scanAccount(row)
}

// GetBalance returns the current balance for one token ledger.
func (s *AccountStore) GetBalance(ctx context.Context, accountID string, token models.TokenType) (fixed.Signed, error) {
	account, err := s.GetAccount(ctx, accountID, token)
	if err != nil {
		return fixed.Signed{}, err
	}
	return account.Balance, nil
}

// GetAllBalances returns every token balance held under accountID.
func (s *AccountStore) GetAllBalances(ctx context.Context, accountID string) (map[models.TokenType]fixed.Signed, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT token_type, balance FROM accounts WHERE account_id = $1`, accountID)
	if err != nil {
		return nil, fmt.Errorf("failed to query balances: %w", err)
	}
	defer rows.Close()

	balances := make(map[models.TokenType]fixed.Signed)
	for rows.Next() {
		var token models.TokenType
		var raw string
		if err := rows.Scan(&token, &raw); err != nil {
			return nil, err
		}
		balance, err := fixed.ParseSigned(raw)
		if err != nil {
			return nil, fmt.Errorf("corrupt balance for %s/%s: %w", accountID, token, err)
		}
		balances[token] = balance
	}
	if len(balances) == 0 {
		return nil, ErrAccountNotFound
	}
	return balances, rows.Err()
}

// CommitTransaction applies a transaction's entries and records the
// transaction, entry, and audit rows in one database transaction. Either
// everything lands or nothing does: a mutation whose audit row cannot be
// written does not commit.
func (s *AccountStore) CommitTransaction(ctx context.Context, txn *models.Transaction, entry models.AuditLogEntry) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := s.applyEntriesTx(ctx, tx, txn.Entries); err != nil {
		return err
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO transactions (transaction_id, initiator_identity, token_type, memo, guardian_decision_ref, status, timestamp)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		txn.TransactionID, txn.InitiatorIdentity, txn.TokenType, txn.Memo,
		txn.GuardianDecision, models.StatusCommitted, txn.Timestamp)
	if err != nil {
		return fmt.Errorf("failed to record transaction: %w", err)
	}

	for _, entry := range txn.Entries {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO ledger_entries (transaction_id, account_id, token_type, entry_type, amount, created_at)
			VALUES ($1, $2, $3, $4, $5, $6)`,
			entry.TransactionID, entry.AccountID, entry.TokenType, entry.EntryType,
			entry.Amount.String(), time.Now())
		if err != nil {
			return fmt.Errorf("failed to record ledger entry: %w", err)
		}
	}

	if err := audit.Insert(ctx, tx, entry); err != nil {
		return err
	}

	return tx.Commit()
}

// ApplyEntries applies a batch of entries atomically without recording a
// transaction row. All-or-nothing.
func (s *AccountStore) ApplyEntries(ctx context.Context, entries []models.LedgerEntry) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := s.applyEntriesTx(ctx, tx, entries); err != nil {
		return err
	}
	return tx.Commit()
}

type accountKey struct {
	accountID string
	token     models.TokenType
}

// applyEntriesTx locks every touched account in sorted key order, then walks
// the batch mutating balances. Sorted lock order prevents deadlocks between
// concurrent batches touching the same accounts.
func (s *AccountStore) applyEntriesTx(ctx context.Context, tx *sql.Tx, entries []models.LedgerEntry) error {
	keys := make([]accountKey, 0, len(entries))
	seen := make(map[accountKey]bool, len(entries))
	for _, entry := range entries {
		key := accountKey{entry.AccountID, entry.TokenType}
		if !seen[key] {
			seen[key] = true
			keys = append(keys, key)
		}
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].accountID != keys[j].accountID {
			return keys[i].accountID < keys[j].accountID
		}
		return keys[i].token.LockRank() < keys[j].token.LockRank()
	})

	accounts := make(map[accountKey]*models.Account, len(keys))
	for _, key := range keys {
		account, err := s.lockAccount(ctx, tx, key.accountID, key.token)
		if err != nil {
			return err
		}
		accounts[key] = account
	}

	for _, entry := range entries {
		account := accounts[accountKey{entry.AccountID, entry.TokenType}]
		next, err := applyEntry(account, entry)
		if err != nil {
			return err
		}
		account.Balance = next
	}

	for _, key := range keys {
		account := accounts[key]
		if err := s.updateBalance(ctx, tx, account); err != nil {
			return err
		}
	}
	return nil
}

// applyEntry computes an account's next balance under one entry. Debit
// increases, Credit decreases. A Credit may not spend locked funds and may
// not drive a non-negative account below zero.
func applyEntry(account *models.Account, entry models.LedgerEntry) (fixed.Signed, error) {
	switch entry.EntryType {
	case models.EntryDebit:
		next, err := account.Balance.AddAmount(entry.Amount)
		if err != nil {
			return fixed.Signed{}, fmt.Errorf("%w: account %s", ErrOverflow, account.AccountID)
		}
		return next, nil
	case models.EntryCredit:
		if !account.AllowNegative && account.Available().Cmp(entry.Amount) < 0 {
			return fixed.Signed{}, fmt.Errorf("%w: account %s", ErrInsufficientBalance, account.AccountID)
		}
		next, err := account.Balance.SubAmount(entry.Amount)
		if err != nil {
			return fixed.Signed{}, fmt.Errorf("%w: account %s", ErrOverflow, account.AccountID)
		}
		return next, nil
	}
	return fixed.Signed{}, fmt.Errorf("unknown entry type %q", entry.EntryType)
}

func (s *AccountStore) lockAccount(ctx context.Context, tx *sql.Tx, accountID string, token models.TokenType) (*models.Account, error) {
	row := tx.QueryRowContext(ctx, `
		SELECT account_id, token_type, account_type, balance, locked_amount, allow_negative, version, created_at, updated_at
		FROM accounts
		WHERE account_id = $1 AND token_type = $2
		FOR UPDATE`, accountID, token)
	return scanAccount(row)
}

func (s *AccountStore) updateBalance(ctx context.Context, tx *sql.Tx, account *models.Account) error {
	result, err := tx.ExecContext(ctx, `
		UPDATE accounts
		SET balance = $1, locked_amount = $2, version = version + 1, updated_at = $3
		WHERE account_id = $4 AND token_type = $5 AND version = $6`,
		account.Balance.String(), account.LockedAmount.String(), time.Now(),
		account.AccountID, account.TokenType, account.Version)
	if err != nil {
		return err
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rowsAffected == 0 {
		return fmt.Errorf("optimistic lock failed for account %s/%s", account.AccountID, account.TokenType)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAccount(row rowScanner) (*models.Account, error) {
	var account models.Account
	var rawBalance, rawLocked string
	err := row.Scan(&account.AccountID, &account.TokenType, &account.AccountType,
		&rawBalance, &rawLocked, &account.AllowNegative, &account.Version,
		&account.CreatedAt, &account.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrAccountNotFound
		}
		return nil, err
	}
	if account.Balance, err = fixed.ParseSigned(rawBalance); err != nil {
		return nil, fmt.Errorf("corrupt balance for %s/%s: %w", account.AccountID, account.TokenType, err)
	}
	if account.LockedAmount, err = fixed.Parse(rawLocked); err != nil {
		return nil, fmt.Errorf("corrupt locked amount for %s/%s: %w", account.AccountID, account.TokenType, err)
	}
	return &account, nil
}
