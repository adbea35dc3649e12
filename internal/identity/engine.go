// Package identity manages ephemeral identities, anonymous delegation
// tokens, and access tokens. Cryptographic operations are delegated to the
// injected vault capability; nothing here touches the ledger.
package identity

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/spiritnet/gledger/internal/models"
	"github.com/spiritnet/gledger/internal/vault"
)

var (
	ErrInvalidOrExpiredToken = errors.New("invalid or expired token")
	ErrPermissionNotHeld     = errors.New("permission not held by delegator")
)

// Config holds identity engine settings.
type Config struct {
	// DefaultEphemeralTTL bounds ephemeral identities; 1 hour when unset.
	DefaultEphemeralTTL time.Duration
	// JWTSecret signs access tokens.
	JWTSecret []byte
}

// Engine owns the in-memory ephemeral identity and delegation indexes.
// Lifecycle: created at process start, swept by a background goroutine,
// torn down with the process. The indexes are caches: expired entries fail
// verification whether or not the sweep has reached them.
type Engine struct {
	signer vault.Signer
	prover vault.AnonymousProver
	log    *logrus.Logger
	config Config

	mu          sync.Mutex
	ephemerals  map[string]models.EphemeralIdentity
	delegations map[string]models.DelegationToken

	revoker TokenRevoker

	// now is replaceable in tests.
	now func() time.Time
}

// NewEngine wires the engine to its crypto capability and token revocation
// list. revoker may be nil when no redis is available.
func NewEngine(signer vault.Signer, prover vault.AnonymousProver, revoker TokenRevoker, config Config, log *logrus.Logger) *Engine {
	if config.DefaultEphemeralTTL <= 0 {
		config.DefaultEphemeralTTL = time.Hour
	}
	return &Engine{
		signer:      signer,
		prover:      prover,
		revoker:     revoker,
		config:      config,
		log:         log,
		ephemerals:  make(map[string]models.EphemeralIdentity),
		delegations: make(map[string]models.DelegationToken),
		now:         time.Now,
	}
}

// GenerateEphemeralIdentity creates a fresh keypair with a short TTL. Pure
// allocation: no ledger interaction, no policy check.
func (e *Engine) GenerateEphemeralIdentity(ttl time.Duration) (models.EphemeralIdentity, error) {
	if ttl <= 0 || ttl > e.config.DefaultEphemeralTTL {
		ttl = e.config.DefaultEphemeralTTL
	}

	identityID := "eph_" + strings.ReplaceAll(uuid.New().String(), "-", "")
	if _, err := e.signer.GenerateKeyPair(identityID); err != nil {
		return models.EphemeralIdentity{}, fmt.Errorf("failed to generate ephemeral keypair: %w", err)
	}
	publicKey, err := e.signer.PublicKeyPEM(identityID)
	if err != nil {
		return models.EphemeralIdentity{}, fmt.Errorf("failed to read ephemeral public key: %w", err)
	}

	now := e.now()
	ephemeral := models.EphemeralIdentity{
		IdentityID:   identityID,
		PublicKeyPEM: publicKey,
		CreatedAt:    now,
		ExpiresAt:    now.Add(ttl),
	}

	e.mu.Lock()
	e.ephemerals[identityID] = ephemeral
	e.mu.Unlock()

	e.log.WithFields(logrus.Fields{
		"identity":   identityID,
		"expires_at": ephemeral.ExpiresAt,
	}).Info("[IDENTITY] ephemeral identity created")
	return ephemeral, nil
}

// LookupEphemeral returns the identity when it exists and has not expired.
// Expiry is re-checked against the wall clock on every call; a "still valid"
// answer is never cached past the TTL.
func (e *Engine) LookupEphemeral(identityID string) (models.EphemeralIdentity, bool) {
	e.mu.Lock()
	ephemeral, ok := e.ephemerals[identityID]
	e.mu.Unlock()
	if !ok || ephemeral.Expired(e.now()) {
		return models.EphemeralIdentity{}, false
	}
	return ephemeral, true
}

// CreateDelegationToken grants a subset of the delegator's permissions to
// the delegate. Permission monotonicity is enforced here: requesting any
// permission the delegator does not hold fails with ErrPermissionNotHeld.
// The anonymity proof is an authority signature over a payload that never
// names the delegator; the delegator enters the token only as a
// sha256(delegator || nonce) commitment.
func (e *Engine) CreateDelegationToken(delegator models.IdentityDocument, delegate string, permissions models.PermissionSet, duration time.Duration) (models.DelegationToken, error) {
	if len(permissions) == 0 {
		return models.DelegationToken{}, fmt.Errorf("delegation requires at least one permission")
	}
	if !permissions.Subset(delegator.Permissions) {
		return models.DelegationToken{}, ErrPermissionNotHeld
	}
	if duration <= 0 {
		duration = e.config.DefaultEphemeralTTL
	}

	now := e.now()
	nonce := uuid.New().String()
	commitment := sha256.Sum256([]byte(delegator.Identity + "|" + nonce))

	token := models.DelegationToken{
		DelegatorCommitment: hex.EncodeToString(commitment[:]),
		DelegateIdentity:    delegate,
		Permissions:         permissions,
		IssuedAt:            now,
		ExpiresAt:           now.Add(duration),
		Nonce:               nonce,
	}

	proofPayload := delegationProofPayload(token)
	proof, err := e.prover.Prove(proofPayload)
	if err != nil {
		return models.DelegationToken{}, fmt.Errorf("failed to prove delegation: %w", err)
	}
	token.AnonymousProof = proof

	// The signature binds the commitment to the proof payload so the
	// delegator can later claim the grant; verifiers never need it.
	signature, err := e.signer.Sign(vault.AuthorityKeyID, append(proofPayload, []byte("|"+token.DelegatorCommitment)...))
	if err != nil {
		return models.DelegationToken{}, fmt.Errorf("failed to sign delegation: %w", err)
	}
	token.Signature = base64.StdEncoding.EncodeToString(signature)

	e.mu.Lock()
	e.delegations[token.Nonce] = token
	e.mu.Unlock()

	e.log.WithFields(logrus.Fields{
		"delegate":   delegate,
		"expires_at": token.ExpiresAt,
	}).Info("[IDENTITY] delegation token issued")
	return token, nil
}

// VerifyAnonymousDelegation checks proof validity, permission coverage, and
// expiry. All three must hold; the expiry check reads the wall clock at
// verification time.
func (e *Engine) VerifyAnonymousDelegation(token models.DelegationToken, required models.Permission) bool {
	if token.Expired(e.now()) {
		return false
	}
	if !token.Permissions.Covers(required) {
		return false
	}
	return e.prover.VerifyProof(delegationProofPayload(token), token.AnonymousProof)
}

// CleanupExpired sweeps expired ephemeral identities and delegation tokens
// from the in-memory indexes and returns the count removed. Advisory cache
// hygiene: correctness never depends on the sweep having run.
func (e *Engine) CleanupExpired(now time.Time) int {
	e.mu.Lock()
	defer e.mu.Unlock()

	removed := 0
	for id, ephemeral := range e.ephemerals {
		if ephemeral.Expired(now) {
			delete(e.ephemerals, id)
			if err := e.signer.DeleteKey(id); err != nil {
				e.log.WithError(err).WithField("identity", id).Warn("[IDENTITY] failed to delete expired key")
			}
			removed++
		}
	}
	for nonce, token := range e.delegations {
		if token.Expired(now) {
			delete(e.delegations, nonce)
			removed++
		}
	}
	return removed
}

// RunCleanup sweeps on a ticker until ctx is cancelled. The sweep takes no
// lock a foreground operation needs beyond the engine's own index mutex.
func (e *Engine) RunCleanup(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if removed := e.CleanupExpired(e.now()); removed > 0 {
				e.log.WithField("removed", removed).Debug("[IDENTITY] cleanup sweep")
			}
		}
	}
}

// delegationProofPayload is the delegator-free byte string the anonymity
// proof covers: a verifier learns the delegate, permissions, validity window
// and nonce, never the delegator.
func delegationProofPayload(token models.DelegationToken) []byte {
	perms := make([]string, 0, len(token.Permissions))
	for p := range token.Permissions {
		perms = append(perms, string(p))
	}
	sort.Strings(perms)
	return []byte(fmt.Sprintf("%s|%s|%s|%d|%d",
		token.DelegateIdentity,
		strings.Join(perms, ","),
		token.Nonce,
		token.IssuedAt.Unix(),
		token.ExpiresAt.Unix(),
	))
}
