package services

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/sirupsen/logrus"

	"github.com/spiritnet/gledger/internal/fixed"
	"github.com/spiritnet/gledger/internal/ledger"
	"github.com/spiritnet/gledger/internal/middleware"
	"github.com/spiritnet/gledger/internal/models"
	"github.com/spiritnet/gledger/internal/store"
)

// LedgerService exposes the guardian-gated ledger over HTTP. Every mutating
// handler pulls the verified access token from the request context and hands
// it to the engine, which re-runs the policy gate.
type LedgerService struct {
	engine    *ledger.Engine
	accounts  *store.AccountStore
	validator *ValidationHelper
	log       *logrus.Logger
}

func NewLedgerService(engine *ledger.Engine, accounts *store.AccountStore, log *logrus.Logger) *LedgerService {
	return &LedgerService{
		engine:    engine,
		accounts:  accounts,
		validator: NewValidationHelper(),
		log:       log,
	}
}

type transferRequest struct {
	FromAccount string `json:"from_account" validate:"required"`
	ToAccount   string `json:"to_account" validate:"required"`
	TokenType   string `json:"token_type" validate:"required"`
	Amount      string `json:"amount" validate:"required"`
	Memo        string `json:"memo,omitempty"`
}

// Transfer moves an amount between two accounts on one token ledger.
func (ls *LedgerService) Transfer(w http.ResponseWriter, r *http.Request) {
	token, ok := middleware.TokenFromContext(r.Context())
	if !ok {
		SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	var req transferRequest
	if err := decodeJSON(w, r, &req); err != nil {
		SendErrorResponse(w, err.Error(), http.StatusBadRequest, nil)
		return
	}
	if err := ls.validator.ValidateStruct(&req); err != nil {
		SendErrorResponse(w, "Validation failed", http.StatusBadRequest, err)
		return
	}

	tokenType, err := models.ParseTokenType(req.TokenType)
	if err != nil {
		SendErrorResponse(w, err.Error(), http.StatusBadRequest, nil)
		return
	}
	amount, err := fixed.Parse(req.Amount)
	if err != nil {
		SendErrorResponse(w, "Invalid amount", http.StatusBadRequest, nil)
		return
	}

	result, err := ls.engine.Transfer(r.Context(), token, req.FromAccount, req.ToAccount, tokenType, amount, req.Memo)
	if err != nil {
		sendOperationError(w, err)
		return
	}

	writeJSON(w, statusForResult(result), result)
}

type mintRequest struct {
	ToAccount string `json:"to_account" validate:"required"`
	TokenType string `json:"token_type" validate:"required"`
	Amount    string `json:"amount" validate:"required"`
	Reason    string `json:"reason,omitempty"`
}

// Mint creates new supply on one token ledger, balanced against the
// issuance account.
func (ls *LedgerService) Mint(w http.ResponseWriter, r *http.Request) {
	token, ok := middleware.TokenFromContext(r.Context())
	if !ok {
		SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	var req mintRequest
	if err := decodeJSON(w, r, &req); err != nil {
		SendErrorResponse(w, err.Error(), http.StatusBadRequest, nil)
		return
	}
	if err := ls.validator.ValidateStruct(&req); err != nil {
		SendErrorResponse(w, "Validation failed", http.StatusBadRequest, err)
		return
	}

	tokenType, err := models.ParseTokenType(req.TokenType)
	if err != nil {
		SendErrorResponse(w, err.Error(), http.StatusBadRequest, nil)
		return
	}
	amount, err := fixed.Parse(req.Amount)
	if err != nil {
		SendErrorResponse(w, "Invalid amount", http.StatusBadRequest, nil)
		return
	}

	result, err := ls.engine.Mint(r.Context(), token, tokenType, req.ToAccount, amount, req.Reason)
	if err != nil {
		sendOperationError(w, err)
		return
	}

	writeJSON(w, statusForResult(result), result)
}

type burnForMintRequest struct {
	Account     string `json:"account" validate:"required"`
	SourceToken string `json:"source_token" validate:"required"`
	TargetToken string `json:"target_token" validate:"required"`
	Amount      string `json:"amount" validate:"required"`
	Memo        string `json:"memo,omitempty"`
}

// BurnForMint destroys source-token supply and mints the converted amount
// of the target token in one atomic batch.
func (ls *LedgerService) BurnForMint(w http.ResponseWriter, r *http.Request) {
	token, ok := middleware.TokenFromContext(r.Context())
	if !ok {
		SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	var req burnForMintRequest
	if err := decodeJSON(w, r, &req); err != nil {
		SendErrorResponse(w, err.Error(), http.StatusBadRequest, nil)
		return
	}
	if err := ls.validator.ValidateStruct(&req); err != nil {
		SendErrorResponse(w, "Validation failed", http.StatusBadRequest, err)
		return
	}

	source, err := models.ParseTokenType(req.SourceToken)
	if err != nil {
		SendErrorResponse(w, err.Error(), http.StatusBadRequest, nil)
		return
	}
	target, err := models.ParseTokenType(req.TargetToken)
	if err != nil {
		SendErrorResponse(w, err.Error(), http.StatusBadRequest, nil)
		return
	}
	amount, err := fixed.Parse(req.Amount)
	if err != nil {
		SendErrorResponse(w, "Invalid amount", http.StatusBadRequest, nil)
		return
	}

	result, err := ls.engine.BurnForMint(r.Context(), token, req.Account, source, target, amount, req.Memo)
	if err != nil {
		sendOperationError(w, err)
		return
	}

	writeJSON(w, statusForResult(result), result)
}

type stakeRequest struct {
	Account         string `json:"account" validate:"required"`
	TokenType       string `json:"token_type" validate:"required"`
	Amount          string `json:"amount" validate:"required"`
	DurationSeconds int64  `json:"duration_seconds" validate:"required,gt=0"`
}

// Stake locks part of an account balance until the unlock time.
func (ls *LedgerService) Stake(w http.ResponseWriter, r *http.Request) {
	token, ok := middleware.TokenFromContext(r.Context())
	if !ok {
		SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	var req stakeRequest
	if err := decodeJSON(w, r, &req); err != nil {
		SendErrorResponse(w, err.Error(), http.StatusBadRequest, nil)
		return
	}
	if err := ls.validator.ValidateStruct(&req); err != nil {
		SendErrorResponse(w, "Validation failed", http.StatusBadRequest, err)
		return
	}

	tokenType, err := models.ParseTokenType(req.TokenType)
	if err != nil {
		SendErrorResponse(w, err.Error(), http.StatusBadRequest, nil)
		return
	}
	amount, err := fixed.Parse(req.Amount)
	if err != nil {
		SendErrorResponse(w, "Invalid amount", http.StatusBadRequest, nil)
		return
	}

	result, err := ls.engine.Stake(r.Context(), token, req.Account, tokenType, amount, time.Duration(req.DurationSeconds)*time.Second)
	if err != nil {
		sendOperationError(w, err)
		return
	}

	writeJSON(w, statusForResult(result), result)
}

type unstakeRequest struct {
	StakeID string `json:"stake_id" validate:"required"`
}

// Unstake releases a matured stake back into the available balance.
func (ls *LedgerService) Unstake(w http.ResponseWriter, r *http.Request) {
	token, ok := middleware.TokenFromContext(r.Context())
	if !ok {
		SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	var req unstakeRequest
	if err := decodeJSON(w, r, &req); err != nil {
		SendErrorResponse(w, err.Error(), http.StatusBadRequest, nil)
		return
	}
	if err := ls.validator.ValidateStruct(&req); err != nil {
		SendErrorResponse(w, "Validation failed", http.StatusBadRequest, err)
		return
	}

	result, err := ls.engine.Unstake(r.Context(), token, req.StakeID)
	if err != nil {
		sendOperationError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, result)
}

type createAccountRequest struct {
	AccountID     string `json:"account_id" validate:"required"`
	AccountType   string `json:"account_type" validate:"required,oneof=ASSET LIABILITY"`
	TokenType     string `json:"token_type" validate:"required"`
	AllowNegative bool   `json:"allow_negative"`
}

// CreateAccount opens an account on one token ledger. Negative balances
// are reserved for liability accounts.
func (ls *LedgerService) CreateAccount(w http.ResponseWriter, r *http.Request) {
	token, ok := middleware.TokenFromContext(r.Context())
	if !ok {
		SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}
	if !token.Permissions.Covers(models.PermAdministerLedger) {
		SendErrorResponse(w, "Forbidden", http.StatusForbidden, nil)
		return
	}

	var req createAccountRequest
	if err := decodeJSON(w, r, &req); err != nil {
		SendErrorResponse(w, err.Error(), http.StatusBadRequest, nil)
		return
	}
	if err := ls.validator.ValidateStruct(&req); err != nil {
		SendErrorResponse(w, "Validation failed", http.StatusBadRequest, err)
		return
	}

	tokenType, err := models.ParseTokenType(req.TokenType)
	if err != nil {
		SendErrorResponse(w, err.Error(), http.StatusBadRequest, nil)
		return
	}
	accountType := models.AccountType(req.AccountType)
	if req.AllowNegative && accountType != models.AccountLiability {
		SendErrorResponse(w, "only liability accounts may go negative", http.StatusBadRequest, nil)
		return
	}

	if err := ls.accounts.CreateAccount(r.Context(), req.AccountID, accountType, tokenType, req.AllowNegative); err != nil {
		ls.log.WithError(err).Error("account creation failed")
		SendErrorResponse(w, "Failed to create account", http.StatusInternalServerError, nil)
		return
	}

	writeJSON(w, http.StatusCreated, map[string]any{
		"account_id": req.AccountID,
		"token_type": tokenType,
	})
}

// GetBalance returns a single account balance on one token ledger.
func (ls *LedgerService) GetBalance(w http.ResponseWriter, r *http.Request) {
	accountID := r.URL.Query().Get("account")
	if accountID == "" {
		SendErrorResponse(w, "account is required", http.StatusBadRequest, nil)
		return
	}
	tokenType, err := models.ParseTokenType(r.URL.Query().Get("token"))
	if err != nil {
		SendErrorResponse(w, err.Error(), http.StatusBadRequest, nil)
		return
	}

	balance, err := ls.accounts.GetBalance(r.Context(), accountID, tokenType)
	if err != nil {
		sendOperationError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"account_id": accountID,
		"token_type": tokenType,
		"balance":    balance.String(),
	})
}

// GetAllBalances returns the account's balance on every token ledger it
// holds an account on.
func (ls *LedgerService) GetAllBalances(w http.ResponseWriter, r *http.Request) {
	accountID := r.URL.Query().Get("account")
	if accountID == "" {
		SendErrorResponse(w, "account is required", http.StatusBadRequest, nil)
		return
	}

	balances, err := ls.accounts.GetAllBalances(r.Context(), accountID)
	if err != nil {
		sendOperationError(w, err)
		return
	}

	out := make(map[string]string, len(balances))
	for token, balance := range balances {
		out[string(token)] = balance.String()
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"account_id": accountID,
		"balances":   out,
	})
}

// GetHistory returns the account's committed transactions, newest first.
func (ls *LedgerService) GetHistory(w http.ResponseWriter, r *http.Request) {
	accountID := r.URL.Query().Get("account")
	if accountID == "" {
		SendErrorResponse(w, "account is required", http.StatusBadRequest, nil)
		return
	}

	limit := 50
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		if l, err := strconv.Atoi(limitStr); err == nil && l > 0 && l <= 500 {
			limit = l
		}
	}

	history, err := ls.engine.GetHistory(r.Context(), accountID, limit)
	if err != nil {
		sendOperationError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"transactions": history,
		"count":        len(history),
	})
}

// PendingOperations lists parked operations awaiting approval, multisig,
// an ephemeral credential, or a delay deadline.
func (ls *LedgerService) PendingOperations(w http.ResponseWriter, r *http.Request) {
	ops := ls.engine.PendingOperations()
	writeJSON(w, http.StatusOK, map[string]any{
		"operations": ops,
		"count":      len(ops),
	})
}

// ApproveOperation records an approval on a parked operation and executes
// it once its condition is met.
func (ls *LedgerService) ApproveOperation(w http.ResponseWriter, r *http.Request) {
	token, ok := middleware.TokenFromContext(r.Context())
	if !ok {
		SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	opID := chi.URLParam(r, "opID")

	result, err := ls.engine.Approve(r.Context(), opID, token)
	if err == ledger.ErrMultiSigPending {
		// Approval recorded; more signers needed.
		writeJSON(w, http.StatusAccepted, map[string]any{
			"op_id":  opID,
			"status": "AWAITING_MULTISIG",
		})
		return
	}
	if err != nil {
		sendOperationError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, result)
}

// CancelOperation withdraws a parked operation. Only the initiator or an
// administrator may cancel.
func (ls *LedgerService) CancelOperation(w http.ResponseWriter, r *http.Request) {
	token, ok := middleware.TokenFromContext(r.Context())
	if !ok {
		SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	opID := chi.URLParam(r, "opID")

	if err := ls.engine.Cancel(r.Context(), opID, token); err != nil {
		sendOperationError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"op_id":  opID,
		"status": string(models.StatusRejected),
	})
}

// statusForResult picks the HTTP status: committed mutations are 201,
// parked ones 202.
func statusForResult(result *ledger.Result) int {
	if result.Status == models.StatusCommitted {
		return http.StatusCreated
	}
	return http.StatusAccepted
}
