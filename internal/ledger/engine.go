// Package ledger orchestrates double-entry operations: every mutation is
// credential-checked, policy-gated, audited, and applied atomically against
// the account store.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/spiritnet/gledger/internal/audit"
	"github.com/spiritnet/gledger/internal/fixed"
	"github.com/spiritnet/gledger/internal/identity"
	"github.com/spiritnet/gledger/internal/models"
	"github.com/spiritnet/gledger/internal/policy"
	"github.com/spiritnet/gledger/internal/store"
)

// IssuanceAccountID is the system account balancing supply changes. It is a
// liability account allowed to go negative: minted supply shows up there as
// the ledger's obligation.
const IssuanceAccountID = "sys_issuance"

// Store is the account store surface the engine mutates through.
type Store interface {
	CreateAccount(ctx context.Context, accountID string, accountType models.AccountType, token models.TokenType, allowNegative bool) error
	GetAccount(ctx context.Context, accountID string, token models.TokenType) (*models.Account, error)
	GetAllBalances(ctx context.Context, accountID string) (map[models.TokenType]fixed.Signed, error)
	CommitTransaction(ctx context.Context, txn *models.Transaction, entry models.AuditLogEntry) error
	LockStake(ctx context.Context, stake models.Stake, entry models.AuditLogEntry) error
	ReleaseStake(ctx context.Context, stakeID string, now time.Time) error
	ReleaseDueStakes(ctx context.Context, now time.Time) (int, error)
	TransactionHistory(ctx context.Context, accountID string, limit int) ([]models.Transaction, error)
}

// Config holds engine settings from the configuration surface.
type Config struct {
	// EnforceDoubleEntry must stay true in production; it exists so tests
	// can exercise the integrity-fault path.
	EnforceDoubleEntry bool
	// VelocityLimitPerHour caps mutations per identity; zero disables.
	VelocityLimitPerHour int
	Rates                RateTable
}

// Engine is the guardian-gated ledger core.
type Engine struct {
	store    Store
	policies *policy.Engine
	velocity *policy.VelocityTracker
	auditor  audit.Logger
	log      *logrus.Logger
	config   Config

	// partitions serialize writers per token ledger; burn-for-mint takes
	// both affected partitions in canonical token order.
	partitions [4]sync.Mutex

	pending *pendingRegistry

	now func() time.Time
}

// Result reports the outcome of a mutating operation. Exactly one of
// Transaction, PendingID, or Stake is set depending on Status.
type Result struct {
	Status      models.TransactionStatus `json:"status"`
	Transaction *models.Transaction      `json:"transaction,omitempty"`
	PendingID   string                   `json:"pending_id,omitempty"`
	Stake       *models.Stake            `json:"stake,omitempty"`
	Decision    policy.Decision          `json:"decision"`
}

// NewEngine wires the ledger engine to its collaborators.
func NewEngine(store Store, policies *policy.Engine, velocity *policy.VelocityTracker, auditor audit.Logger, config Config, log *logrus.Logger) *Engine {
	if config.Rates == nil {
		config.Rates = DefaultRates()
	}
	return &Engine{
		store:    store,
		policies: policies,
		velocity: velocity,
		auditor:  auditor,
		log:      log,
		config:   config,
		pending:  newPendingRegistry(),
		now:      time.Now,
	}
}

// EnsureSystemAccounts creates the issuance account on every token ledger
// when missing. Called once at startup.
func (e *Engine) EnsureSystemAccounts(ctx context.Context) error {
	for _, token := range models.TokenTypes {
		_, err := e.store.GetAccount(ctx, IssuanceAccountID, token)
		if err == nil {
			continue
		}
		if !errors.Is(err, store.ErrAccountNotFound) {
			return fmt.Errorf("failed to check issuance account for %s: %w", token, err)
		}
		if err := e.store.CreateAccount(ctx, IssuanceAccountID, models.AccountLiability, token, true); err != nil {
			return fmt.Errorf("failed to create issuance account for %s: %w", token, err)
		}
	}
	return nil
}

// Transfer moves amount between two accounts on one token ledger.
func (e *Engine) Transfer(ctx context.Context, token *models.AccessToken, from, to string, tokenType models.TokenType, amount fixed.Amount, memo string) (*Result, error) {
	if amount.IsZero() {
		return nil, ErrInvalidAmount
	}
	if from == to {
		return nil, ErrSameAccount
	}
	if !token.Permissions.Covers(models.PermTransferTokens) {
		return nil, identity.ErrPermissionNotHeld
	}

	// Token-type match: both accounts must exist on this ledger.
	if _, err := e.store.GetAccount(ctx, from, tokenType); err != nil {
		return nil, err
	}
	if _, err := e.store.GetAccount(ctx, to, tokenType); err != nil {
		return nil, err
	}

	op := operation{
		kind:       models.AuditTransfer,
		initiator:  token.Identity,
		permission: models.PermTransferTokens,
		pctx: policy.Context{
			Operation: "transfer",
			TokenType: tokenType,
			Amount:    amount,
		},
		apply: func(ctx context.Context, entry models.AuditLogEntry) (*models.Transaction, error) {
			txnID := "TX" + uuid.New().String()
			txn := &models.Transaction{
				TransactionID:     txnID,
				InitiatorIdentity: token.Identity,
				TokenType:         tokenType,
				Memo:              memo,
				GuardianDecision:  entry.PolicyApplied,
				Status:            models.StatusCommitted,
				Timestamp:         e.now(),
				Entries: []models.LedgerEntry{
					{TransactionID: txnID, AccountID: to, TokenType: tokenType, EntryType: models.EntryDebit, Amount: amount},
					{TransactionID: txnID, AccountID: from, TokenType: tokenType, EntryType: models.EntryCredit, Amount: amount},
				},
			}
			return txn, e.commit(ctx, txn, entry, tokenType)
		},
		auditContext: map[string]string{
			"from": from, "to": to,
			"token": string(tokenType), "amount": amount.String(),
		},
	}
	return e.run(ctx, token, op)
}

// Mint creates new supply on an account, balanced by a credit against the
// issuance account. Policy evaluation is mandatory even for system mints.
func (e *Engine) Mint(ctx context.Context, token *models.AccessToken, tokenType models.TokenType, to string, amount fixed.Amount, reason string) (*Result, error) {
	if amount.IsZero() {
		return nil, ErrInvalidAmount
	}
	if !token.Permissions.Covers(models.PermMintTokens) {
		return nil, identity.ErrPermissionNotHeld
	}
	if _, err := e.store.GetAccount(ctx, to, tokenType); err != nil {
		return nil, err
	}

	op := operation{
		kind:       models.AuditMint,
		initiator:  token.Identity,
		permission: models.PermMintTokens,
		pctx: policy.Context{
			Operation: "mint",
			TokenType: tokenType,
			Amount:    amount,
		},
		apply: func(ctx context.Context, entry models.AuditLogEntry) (*models.Transaction, error) {
			txnID := "TX" + uuid.New().String()
			txn := &models.Transaction{
				TransactionID:     txnID,
				InitiatorIdentity: token.Identity,
				TokenType:         tokenType,
				Memo:              reason,
				GuardianDecision:  entry.PolicyApplied,
				Status:            models.StatusCommitted,
				Timestamp:         e.now(),
				Entries: []models.LedgerEntry{
					{TransactionID: txnID, AccountID: to, TokenType: tokenType, EntryType: models.EntryDebit, Amount: amount},
					{TransactionID: txnID, AccountID: IssuanceAccountID, TokenType: tokenType, EntryType: models.EntryCredit, Amount: amount},
				},
			}
			return txn, e.commit(ctx, txn, entry, tokenType)
		},
		auditContext: map[string]string{
			"to": to, "token": string(tokenType),
			"amount": amount.String(), "reason": reason,
		},
	}
	return e.run(ctx, token, op)
}

// BurnForMint atomically burns amount of source on accountID and mints the
// converted amount of target, at the configured fixed rate. The batch spans
// both token partitions; a failure anywhere leaves both ledgers untouched.
func (e *Engine) BurnForMint(ctx context.Context, token *models.AccessToken, accountID string, source, target models.TokenType, amount fixed.Amount, memo string) (*Result, error) {
	if amount.IsZero() {
		return nil, ErrInvalidAmount
	}
	if source == target {
		return nil, ErrNoExchangeRate
	}
	if !token.Permissions.Covers(models.PermBurnTokens) {
		return nil, identity.ErrPermissionNotHeld
	}

	minted, err := e.config.Rates.Convert(source, target, amount)
	if err != nil {
		return nil, err
	}

	if _, err := e.store.GetAccount(ctx, accountID, source); err != nil {
		return nil, err
	}
	if _, err := e.store.GetAccount(ctx, accountID, target); err != nil {
		return nil, err
	}

	op := operation{
		kind:       models.AuditBurnForMint,
		initiator:  token.Identity,
		permission: models.PermBurnTokens,
		pctx: policy.Context{
			Operation: "burn_for_mint",
			TokenType: source,
			Amount:    amount,
		},
		apply: func(ctx context.Context, entry models.AuditLogEntry) (*models.Transaction, error) {
			txnID := "TX" + uuid.New().String()
			txn := &models.Transaction{
				TransactionID:     txnID,
				InitiatorIdentity: token.Identity,
				TokenType:         source,
				Memo:              memo,
				GuardianDecision:  entry.PolicyApplied,
				Status:            models.StatusCommitted,
				Timestamp:         e.now(),
				Entries: []models.LedgerEntry{
					// Burn leg, balanced within the source ledger.
					{TransactionID: txnID, AccountID: accountID, TokenType: source, EntryType: models.EntryCredit, Amount: amount},
					{TransactionID: txnID, AccountID: IssuanceAccountID, TokenType: source, EntryType: models.EntryDebit, Amount: amount},
					// Mint leg, balanced within the target ledger.
					{TransactionID: txnID, AccountID: accountID, TokenType: target, EntryType: models.EntryDebit, Amount: minted},
					{TransactionID: txnID, AccountID: IssuanceAccountID, TokenType: target, EntryType: models.EntryCredit, Amount: minted},
				},
			}
			return txn, e.commit(ctx, txn, entry, source, target)
		},
		auditContext: map[string]string{
			"account": accountID,
			"source":  string(source), "target": string(target),
			"burned": amount.String(), "minted": minted.String(),
		},
	}
	return e.run(ctx, token, op)
}

// Stake locks amount on the account for duration. No ledger entries are
// written, only the audit record; no account-to-account movement occurs.
func (e *Engine) Stake(ctx context.Context, token *models.AccessToken, accountID string, tokenType models.TokenType, amount fixed.Amount, duration time.Duration) (*Result, error) {
	if amount.IsZero() {
		return nil, ErrInvalidAmount
	}
	if duration <= 0 {
		return nil, fmt.Errorf("stake duration must be positive")
	}
	if !token.Permissions.Covers(models.PermStakeTokens) {
		return nil, identity.ErrPermissionNotHeld
	}

	stake := models.Stake{
		StakeID:   uuid.New().String(),
		AccountID: accountID,
		TokenType: tokenType,
		Amount:    amount,
	}
	op := operation{
		kind:       models.AuditStake,
		initiator:  token.Identity,
		permission: models.PermStakeTokens,
		pctx: policy.Context{
			Operation: "stake",
			TokenType: tokenType,
			Amount:    amount,
		},
		stake: &stake,
		apply: func(ctx context.Context, entry models.AuditLogEntry) (*models.Transaction, error) {
			now := e.now()
			stake.LockedAt = now
			stake.UnlockAt = now.Add(duration)
			e.lockPartitions(tokenType)
			defer e.unlockPartitions(tokenType)
			if err := e.store.LockStake(ctx, stake, entry); err != nil {
				return nil, err
			}
			return nil, e.trackVelocity(ctx, token.Identity)
		},
		auditContext: map[string]string{
			"account": accountID, "token": string(tokenType),
			"amount": amount.String(), "stake_id": stake.StakeID,
			"duration": duration.String(),
		},
	}
	return e.run(ctx, token, op)
}

// Unstake releases a stake whose unlock time has passed.
func (e *Engine) Unstake(ctx context.Context, token *models.AccessToken, stakeID string) (*Result, error) {
	if !token.Permissions.Covers(models.PermStakeTokens) {
		return nil, identity.ErrPermissionNotHeld
	}

	if err := e.store.ReleaseStake(ctx, stakeID, e.now()); err != nil {
		return nil, err
	}
	if err := e.auditor.Append(ctx, models.AuditLogEntry{
		EventType: models.AuditUnstake,
		Identity:  token.Identity,
		Context:   map[string]string{"stake_id": stakeID},
	}); err != nil {
		return nil, err
	}
	return &Result{Status: models.StatusCommitted}, nil
}

// GetHistory returns committed transactions touching accountID.
func (e *Engine) GetHistory(ctx context.Context, accountID string, limit int) ([]models.Transaction, error) {
	return e.store.TransactionHistory(ctx, accountID, limit)
}

// operation bundles what the engine needs to gate, park, and apply a
// mutation. apply returns the committed transaction (nil for stakes) and is
// safe to call later from the approval path. The audit entry handed to
// apply is persisted in the same database transaction as the mutation.
type operation struct {
	kind         models.AuditEventType
	initiator    string
	permission   models.Permission
	pctx         policy.Context
	apply        func(ctx context.Context, entry models.AuditLogEntry) (*models.Transaction, error)
	stake        *models.Stake
	auditContext map[string]string
}

// run drives the operation state machine: Pending -> PolicyChecked ->
// Committed / Rejected / AwaitingApproval / AwaitingMultiSig.
func (e *Engine) run(ctx context.Context, token *models.AccessToken, op operation) (*Result, error) {
	doc, err := e.buildDocument(ctx, token)
	if err != nil {
		return nil, err
	}

	decision, err := e.gate(ctx, doc, op)
	if err != nil {
		return nil, err
	}

	switch decision.Type {
	case policy.DecisionAllow:
		return e.execute(ctx, op, decision)

	case policy.DecisionDeny:
		return nil, &PolicyDeniedError{Reason: decision.Reason}

	case policy.DecisionRequireEphemeral:
		// An already-ephemeral caller satisfies the requirement in place.
		if doc.Ephemeral {
			return e.execute(ctx, op, decision)
		}
		return e.park(ctx, op, doc, decision, stateAwaitingEphemeral)

	case policy.DecisionRequireApproval:
		return e.park(ctx, op, doc, decision, stateAwaitingApproval)

	case policy.DecisionRequireMultiSig:
		return e.park(ctx, op, doc, decision, stateAwaitingMultiSig)

	case policy.DecisionDelay:
		return e.park(ctx, op, doc, decision, stateDelayed)
	}
	return nil, &PolicyDeniedError{Reason: "unrecognized policy decision"}
}

// gate snapshots the velocity counter, evaluates policy, and audits the
// decision. The global velocity cap applies before any rule does.
func (e *Engine) gate(ctx context.Context, doc models.IdentityDocument, op operation) (policy.Decision, error) {
	count, err := e.velocity.Count(ctx, doc.Identity)
	if err != nil {
		return policy.Decision{}, err
	}
	if e.config.VelocityLimitPerHour > 0 && count >= e.config.VelocityLimitPerHour {
		return policy.Decision{}, ErrVelocityLimitExceeded
	}

	pctx := op.pctx
	pctx.Now = e.now()
	pctx.VelocityLastHour = count

	decision := e.policies.Evaluate(doc, op.permission, pctx)

	auditCtx := make(map[string]string, len(op.auditContext)+1)
	for k, v := range op.auditContext {
		auditCtx[k] = v
	}
	if decision.Reason != "" {
		auditCtx["reason"] = decision.Reason
	}
	if err := e.auditor.Append(ctx, models.AuditLogEntry{
		EventType:     models.AuditPolicyDecision,
		Identity:      doc.Identity,
		Permission:    op.permission,
		Decision:      string(decision.Type),
		PolicyApplied: decision.PolicyID,
		Context:       auditCtx,
	}); err != nil {
		return policy.Decision{}, err
	}
	return decision, nil
}

// execute applies an allowed operation. The mutation's audit row travels
// inside the same store transaction, so a commit the audit log cannot
// record never happens.
func (e *Engine) execute(ctx context.Context, op operation, decision policy.Decision) (*Result, error) {
	entry := models.AuditLogEntry{
		EventType:     op.kind,
		Identity:      op.initiator,
		Permission:    op.permission,
		Decision:      string(decision.Type),
		PolicyApplied: decision.PolicyID,
		Context:       op.auditContext,
	}

	txn, err := op.apply(ctx, entry)
	if err != nil {
		var fault *IntegrityFaultError
		if errors.As(err, &fault) {
			e.auditFault(ctx, op, fault)
		}
		return nil, err
	}

	result := &Result{Status: models.StatusCommitted, Transaction: txn, Decision: decision}
	if op.stake != nil {
		result.Stake = op.stake
	}
	return result, nil
}

// commit verifies the double-entry law, serializes against the affected
// token partitions, applies the batch, and bumps the velocity counter.
func (e *Engine) commit(ctx context.Context, txn *models.Transaction, entry models.AuditLogEntry, tokens ...models.TokenType) error {
	if err := e.verifyDoubleEntry(txn); err != nil {
		return err
	}

	e.lockPartitions(tokens...)
	defer e.unlockPartitions(tokens...)

	if err := e.store.CommitTransaction(ctx, txn, entry); err != nil {
		return err
	}
	return e.trackVelocity(ctx, txn.InitiatorIdentity)
}

// verifyDoubleEntry checks that debits equal credits exactly per token. A
// mismatch is a programming fault, surfaced as an integrity fault rather
// than an ordinary error.
func (e *Engine) verifyDoubleEntry(txn *models.Transaction) error {
	if !e.config.EnforceDoubleEntry {
		return nil
	}
	debits := make(map[models.TokenType]fixed.Amount)
	credits := make(map[models.TokenType]fixed.Amount)
	for _, entry := range txn.Entries {
		var err error
		switch entry.EntryType {
		case models.EntryDebit:
			debits[entry.TokenType], err = debits[entry.TokenType].Add(entry.Amount)
		case models.EntryCredit:
			credits[entry.TokenType], err = credits[entry.TokenType].Add(entry.Amount)
		default:
			return &IntegrityFaultError{TransactionID: txn.TransactionID, Detail: fmt.Sprintf("unknown entry type %q", entry.EntryType)}
		}
		if err != nil {
			return &IntegrityFaultError{TransactionID: txn.TransactionID, Detail: "entry sum overflow"}
		}
	}
	for token, debit := range debits {
		if debit.Cmp(credits[token]) != 0 {
			return &IntegrityFaultError{
				TransactionID: txn.TransactionID,
				Detail:        fmt.Sprintf("%s debits %s != credits %s", token, debit, credits[token]),
			}
		}
	}
	for token, credit := range credits {
		if _, ok := debits[token]; !ok && !credit.IsZero() {
			return &IntegrityFaultError{
				TransactionID: txn.TransactionID,
				Detail:        fmt.Sprintf("%s credits %s with no debits", token, credit),
			}
		}
	}
	return nil
}

func (e *Engine) trackVelocity(ctx context.Context, identity string) error {
	if err := e.velocity.Increment(ctx, identity); err != nil {
		// Velocity tracking is rate hygiene, not ledger correctness.
		e.log.WithError(err).Warn("[LEDGER] velocity increment failed")
	}
	return nil
}

// lockPartitions acquires the named token partitions in canonical order.
func (e *Engine) lockPartitions(tokens ...models.TokenType) {
	locked := [4]bool{}
	for _, token := range tokens {
		locked[token.LockRank()] = true
	}
	for rank := range e.partitions {
		if locked[rank] {
			e.partitions[rank].Lock()
		}
	}
}

func (e *Engine) unlockPartitions(tokens ...models.TokenType) {
	locked := [4]bool{}
	for _, token := range tokens {
		locked[token.LockRank()] = true
	}
	for rank := len(e.partitions) - 1; rank >= 0; rank-- {
		if locked[rank] {
			e.partitions[rank].Unlock()
		}
	}
}

// buildDocument assembles the policy engine's identity snapshot from the
// verified access token plus a balance snapshot.
func (e *Engine) buildDocument(ctx context.Context, token *models.AccessToken) (models.IdentityDocument, error) {
	doc := models.IdentityDocument{
		Identity:         token.Identity,
		Roles:            token.Roles,
		Permissions:      token.Permissions,
		Ephemeral:        token.Ephemeral,
		CredentialExpiry: token.ExpiresAt,
	}

	balances, err := e.store.GetAllBalances(ctx, token.Identity)
	switch {
	case err == nil:
		doc.Balances = make(map[models.TokenType]fixed.Amount, len(balances))
		for tokenType, balance := range balances {
			if !balance.IsNegative() {
				doc.Balances[tokenType] = balance.Abs
			}
		}
	case errors.Is(err, store.ErrAccountNotFound):
		// An identity with no accounts yet evaluates against empty balances.
	default:
		return models.IdentityDocument{}, err
	}
	return doc, nil
}

func (e *Engine) auditFault(ctx context.Context, op operation, fault *IntegrityFaultError) {
	if err := e.auditor.Append(ctx, models.AuditLogEntry{
		EventType: models.AuditIntegrityFault,
		Identity:  op.initiator,
		Decision:  "REFUSED",
		Context:   map[string]string{"detail": fault.Detail, "transaction_id": fault.TransactionID},
	}); err != nil {
		e.log.WithError(err).Error("[LEDGER] failed to audit integrity fault")
	}
}
