package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/spiritnet/gledger/internal/audit"
	"github.com/spiritnet/gledger/internal/fixed"
	"github.com/spiritnet/gledger/internal/models"
)

// LockStake raises the account's locked_amount and records the stake row
// plus its audit row in one transaction. The lock must fit inside the
// unlocked balance (locked_amount <= balance).
func (s *AccountStore) LockStake(ctx context.Context, stake models.Stake, entry models.AuditLogEntry) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	account, err := s.lockAccount(ctx, tx, stake.AccountID, stake.TokenType)
	if err != nil {
		return err
	}

	if account.Available().Cmp(stake.Amount) < 0 {
		return fmt.Errorf("%w: account %s", ErrInsufficientBalance, stake.AccountID)
	}
	newLocked, err := account.LockedAmount.Add(stake.Amount)
	if err != nil {
		return fmt.Errorf("%w: account %s", ErrOverflow, stake.AccountID)
	}
	account.LockedAmount = newLocked

	if err := s.updateBalance(ctx, tx, account); err != nil {
		return err
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO stakes (stake_id, account_id, token_type, amount, locked_at, unlock_at, released)
		VALUES ($1, $2, $3, $4, $5, $6, false)`,
		stake.StakeID, stake.AccountID, stake.TokenType, stake.Amount.String(),
		stake.LockedAt, stake.UnlockAt)
	if err != nil {
		return fmt.Errorf("failed to record stake: %w", err)
	}

	if err := audit.Insert(ctx, tx, entry); err != nil {
		return err
	}

	return tx.Commit()
}

// ReleaseStake restores a stake's amount to the spendable balance once its
// unlock time has passed.
func (s *AccountStore) ReleaseStake(ctx context.Context, stakeID string, now time.Time) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var stake models.Stake
	var rawAmount string
	err = tx.QueryRowContext(ctx, `
		SELECT stake_id, account_id, token_type, amount, locked_at, unlock_at, released
		FROM stakes
		WHERE stake_id = $1
		FOR UPDATE`, stakeID).Scan(&stake.StakeID, &stake.AccountID, &stake.TokenType,
		&rawAmount, &stake.LockedAt, &stake.UnlockAt, &stake.Released)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ErrStakeNotFound
		}
		return err
	}
	if stake.Released {
		return ErrStakeNotFound
	}
	if now.Before(stake.UnlockAt) {
		return ErrStakeLocked
	}
	if stake.Amount, err = fixed.Parse(rawAmount); err != nil {
		return fmt.Errorf("corrupt stake amount for %s: %w", stakeID, err)
	}

	if err := s.releaseStakeTx(ctx, tx, &stake); err != nil {
		return err
	}
	return tx.Commit()
}

// ReleaseDueStakes releases every stake whose unlock time has passed and
// returns the count. Used by the background unlock sweep.
func (s *AccountStore) ReleaseDueStakes(ctx context.Context, now time.Time) (int, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT stake_id FROM stakes WHERE released = false AND unlock_at <= $1`, now)
	if err != nil {
		return 0, fmt.Errorf("failed to query due stakes: %w", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return 0, err
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}

	released := 0
	for _, id := range ids {
		if err := s.ReleaseStake(ctx, id, now); err != nil {
			// Another releaser may have beaten the sweep to it.
			if errors.Is(err, ErrStakeNotFound) {
				continue
			}
			return released, err
		}
		released++
	}
	return released, nil
}

func (s *AccountStore) releaseStakeTx(ctx context.Context, tx *sql.Tx, stake *models.Stake) error {
	account, err := s.lockAccount(ctx, tx, stake.AccountID, stake.TokenType)
	if err != nil {
		return err
	}

	newLocked, err := account.LockedAmount.Sub(stake.Amount)
	if err != nil {
		return fmt.Errorf("locked amount below stake for account %s: %w", stake.AccountID, err)
	}
	account.LockedAmount = newLocked

	if err := s.updateBalance(ctx, tx, account); err != nil {
		return err
	}

	result, err := tx.ExecContext(ctx, `
		UPDATE stakes SET released = true WHERE stake_id = $1 AND released = false`, stake.StakeID)
	if err != nil {
		return fmt.Errorf("failed to release stake: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rowsAffected == 0 {
		return ErrStakeNotFound
	}
	return nil
}

// TransactionHistory returns committed transactions touching accountID,
// newest first, with their entries attached.
func (s *AccountStore) TransactionHistory(ctx context.Context, accountID string, limit int) ([]models.Transaction, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT t.transaction_id, t.initiator_identity, t.token_type, t.memo, t.guardian_decision_ref, t.status, t.timestamp
		FROM transactions t
		JOIN ledger_entries e ON e.transaction_id = t.transaction_id
		WHERE e.account_id = $1
		ORDER BY t.timestamp DESC
		LIMIT $2`, accountID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query transactions: %w", err)
	}
	defer rows.Close()

	var txns []models.Transaction
	for rows.Next() {
		var txn models.Transaction
		if err := rows.Scan(&txn.TransactionID, &txn.InitiatorIdentity, &txn.TokenType,
			&txn.Memo, &txn.GuardianDecision, &txn.Status, &txn.Timestamp); err != nil {
			return nil, err
		}
		txns = append(txns, txn)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i := range txns {
		entries, err := s.entriesFor(ctx, txns[i].TransactionID)
		if err != nil {
			return nil, err
		}
		txns[i].Entries = entries
	}
	return txns, nil
}

func (s *AccountStore) entriesFor(ctx context.Context, transactionID string) ([]models.LedgerEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT transaction_id, account_id, token_type, entry_type, amount
		FROM ledger_entries
		WHERE transaction_id = $1
		ORDER BY created_at`, transactionID)
	if err != nil {
		return nil, fmt.Errorf("failed to query ledger entries: %w", err)
	}
	defer rows.Close()

	var entries []models.LedgerEntry
	for rows.Next() {
		var entry models.LedgerEntry
		var rawAmount string
		if err := rows.Scan(&entry.TransactionID, &entry.AccountID, &entry.TokenType,
			&entry.EntryType, &rawAmount); err != nil {
			return nil, err
		}
		if entry.Amount, err = fixed.Parse(rawAmount); err != nil {
			return nil, fmt.Errorf("corrupt entry amount in %s: %w", transactionID, err)
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}
