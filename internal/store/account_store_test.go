package store

import (
	"context"
	"database/sql/driver"
	"fmt"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spiritnet/gledger/internal/fixed"
	"github.com/spiritnet/gledger/internal/models"
)

func accountColumns() []string {
	return []string{"account_id", "token_type", "account_type", "balance", "locked_amount", "allow_negative", "version", "created_at", "updated_at"}
}

func accountRow(accountID string, token models.TokenType, balance string, version int) []driverValue {
	return []driverValue{accountID, string(token), "ASSET", balance, fixed.Zero.String(), false, version, time.Now(), time.Now()}
}

type driverValue = driver.Value

func addAccountRow(rows *sqlmock.Rows, values []driverValue) *sqlmock.Rows {
	return rows.AddRow(values...)
}

func TestGetAccount(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	store := New(db)

	t.Run("found", func(t *testing.T) {
		rows := addAccountRow(sqlmock.NewRows(accountColumns()),
			accountRow("alice", models.TokenGCC, "1000.000000000000000000", 1))
		mock.ExpectQuery("SELECT account_id, token_type, account_type, balance, locked_amount, allow_negative, version, created_at, updated_at FROM accounts").
			WithArgs("alice", "GCC").
			WillReturnRows(rows)

		account, err := store.GetAccount(context.Background(), "alice", models.TokenGCC)
		require.NoError(t, err)
		assert.Equal(t, "1000.000000000000000000", account.Balance.String())
		assert.Equal(t, models.TokenGCC, account.TokenType)
	})

	t.Run("missing", func(t *testing.T) {
		mock.ExpectQuery("SELECT account_id, token_type, account_type, balance, locked_amount, allow_negative, version, created_at, updated_at FROM accounts").
			WithArgs("ghost", "GCC").
			WillReturnRows(sqlmock.NewRows(accountColumns()))

		_, err := store.GetAccount(context.Background(), "ghost", models.TokenGCC)
		assert.ErrorIs(t, err, ErrAccountNotFound)
	})

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestApplyEntriesTransfer(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	store := New(db)

	entries := []models.LedgerEntry{
		{TransactionID: "TX1", AccountID: "bob", TokenType: models.TokenGCC, EntryType: models.EntryDebit, Amount: fixed.FromTokens(300)},
		{TransactionID: "TX1", AccountID: "alice", TokenType: models.TokenGCC, EntryType: models.EntryCredit, Amount: fixed.FromTokens(300)},
	}

	t.Run("successful transfer", func(t *testing.T) {
		mock.ExpectBegin()
		// Accounts lock in sorted key order: alice before bob.
		mock.ExpectQuery("FOR UPDATE").
			WithArgs("alice", "GCC").
			WillReturnRows(addAccountRow(sqlmock.NewRows(accountColumns()),
				accountRow("alice", models.TokenGCC, "1000.000000000000000000", 3)))
		mock.ExpectQuery("FOR UPDATE").
			WithArgs("bob", "GCC").
			WillReturnRows(addAccountRow(sqlmock.NewRows(accountColumns()),
				accountRow("bob", models.TokenGCC, "0.000000000000000000", 1)))

		mock.ExpectExec("UPDATE accounts").
			WithArgs("700.000000000000000000", fixed.Zero.String(), sqlmock.AnyArg(), "alice", "GCC", 3).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectExec("UPDATE accounts").
			WithArgs("300.000000000000000000", fixed.Zero.String(), sqlmock.AnyArg(), "bob", "GCC", 1).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectCommit()

		err := store.ApplyEntries(context.Background(), entries)
		assert.NoError(t, err)
	})

	t.Run("insufficient balance rolls back", func(t *testing.T) {
		mock.ExpectBegin()
		mock.ExpectQuery("FOR UPDATE").
			WithArgs("alice", "GCC").
			WillReturnRows(addAccountRow(sqlmock.NewRows(accountColumns()),
				accountRow("alice", models.TokenGCC, "100.000000000000000000", 3)))
		mock.ExpectQuery("FOR UPDATE").
			WithArgs("bob", "GCC").
			WillReturnRows(addAccountRow(sqlmock.NewRows(accountColumns()),
				accountRow("bob", models.TokenGCC, "0.000000000000000000", 1)))
		mock.ExpectRollback()

		err := store.ApplyEntries(context.Background(), entries)
		assert.ErrorIs(t, err, ErrInsufficientBalance)
	})

	t.Run("optimistic lock failure rolls back", func(t *testing.T) {
		mock.ExpectBegin()
		mock.ExpectQuery("FOR UPDATE").
			WithArgs("alice", "GCC").
			WillReturnRows(addAccountRow(sqlmock.NewRows(accountColumns()),
				accountRow("alice", models.TokenGCC, "1000.000000000000000000", 3)))
		mock.ExpectQuery("FOR UPDATE").
			WithArgs("bob", "GCC").
			WillReturnRows(addAccountRow(sqlmock.NewRows(accountColumns()),
				accountRow("bob", models.TokenGCC, "0.000000000000000000", 1)))
		mock.ExpectExec("UPDATE accounts").
			WithArgs("700.000000000000000000", fixed.Zero.String(), sqlmock.AnyArg(), "alice", "GCC", 3).
			WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectRollback()

		err := store.ApplyEntries(context.Background(), entries)
		assert.ErrorContains(t, err, "optimistic lock failed")
	})

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestApplyEntriesCreditRespectsLockedFunds(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	store := New(db)

	// Balance 500, but 400 is staked: only 100 is spendable.
	mock.ExpectBegin()
	locked := []driverValue{"alice", "GCC", "ASSET", "500.000000000000000000", "400.000000000000000000", false, 1, time.Now(), time.Now()}
	mock.ExpectQuery("FOR UPDATE").
		WithArgs("alice", "GCC").
		WillReturnRows(addAccountRow(sqlmock.NewRows(accountColumns()), locked))
	mock.ExpectRollback()

	err = store.ApplyEntries(context.Background(), []models.LedgerEntry{
		{TransactionID: "TX2", AccountID: "alice", TokenType: models.TokenGCC, EntryType: models.EntryCredit, Amount: fixed.FromTokens(200)},
	})
	assert.ErrorIs(t, err, ErrInsufficientBalance)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestApplyEntriesNegativeAllowedForIssuance(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	store := New(db)

	mock.ExpectBegin()
	issuance := []driverValue{"sys_issuance", "GCC", "LIABILITY", "0.000000000000000000", fixed.Zero.String(), true, 1, time.Now(), time.Now()}
	mock.ExpectQuery("FOR UPDATE").
		WithArgs("sys_issuance", "GCC").
		WillReturnRows(addAccountRow(sqlmock.NewRows(accountColumns()), issuance))
	mock.ExpectExec("UPDATE accounts").
		WithArgs("-50.000000000000000000", fixed.Zero.String(), sqlmock.AnyArg(), "sys_issuance", "GCC", 1).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err = store.ApplyEntries(context.Background(), []models.LedgerEntry{
		{TransactionID: "TX3", AccountID: "sys_issuance", TokenType: models.TokenGCC, EntryType: models.EntryCredit, Amount: fixed.FromTokens(50)},
	})
	assert.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCommitTransactionRecordsRows(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	store := New(db)

	txn := &models.Transaction{
		TransactionID:     "TX9",
		InitiatorIdentity: "alice",
		TokenType:         models.TokenGCC,
		Memo:              "rent",
		Timestamp:         time.Now(),
		Entries: []models.LedgerEntry{
			{TransactionID: "TX9", AccountID: "bob", TokenType: models.TokenGCC, EntryType: models.EntryDebit, Amount: fixed.FromTokens(10)},
			{TransactionID: "TX9", AccountID: "alice", TokenType: models.TokenGCC, EntryType: models.EntryCredit, Amount: fixed.FromTokens(10)},
		},
	}

	entry := models.AuditLogEntry{
		EventType: models.AuditTransfer,
		Identity:  "alice",
		Decision:  "ALLOW",
	}

	expectLockedAccounts := func() {
		mock.ExpectBegin()
		mock.ExpectQuery("FOR UPDATE").
			WithArgs("alice", "GCC").
			WillReturnRows(addAccountRow(sqlmock.NewRows(accountColumns()),
				accountRow("alice", models.TokenGCC, "100.000000000000000000", 1)))
		mock.ExpectQuery("FOR UPDATE").
			WithArgs("bob", "GCC").
			WillReturnRows(addAccountRow(sqlmock.NewRows(accountColumns()),
				accountRow("bob", models.TokenGCC, "0.000000000000000000", 1)))
		mock.ExpectExec("UPDATE accounts").
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectExec("UPDATE accounts").
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectExec("INSERT INTO transactions").
			WithArgs("TX9", "alice", "GCC", "rent", "", models.StatusCommitted, sqlmock.AnyArg()).
			WillReturnResult(sqlmock.NewResult(1, 1))
		mock.ExpectExec("INSERT INTO ledger_entries").
			WillReturnResult(sqlmock.NewResult(1, 1))
		mock.ExpectExec("INSERT INTO ledger_entries").
			WillReturnResult(sqlmock.NewResult(1, 1))
	}

	t.Run("audit row commits with the mutation", func(t *testing.T) {
		expectLockedAccounts()
		mock.ExpectExec("INSERT INTO audit_log").
			WillReturnResult(sqlmock.NewResult(1, 1))
		mock.ExpectCommit()

		require.NoError(t, store.CommitTransaction(context.Background(), txn, entry))
	})

	t.Run("failed audit write rolls back the mutation", func(t *testing.T) {
		expectLockedAccounts()
		mock.ExpectExec("INSERT INTO audit_log").
			WillReturnError(fmt.Errorf("disk full"))
		mock.ExpectRollback()

		err := store.CommitTransaction(context.Background(), txn, entry)
		assert.ErrorContains(t, err, "disk full")
	})

	assert.NoError(t, mock.ExpectationsWereMet())
}
