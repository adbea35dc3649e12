package models

import (
	"time"

	"github.com/spiritnet/gledger/internal/fixed"
)

// IdentityDocument is the snapshot the policy engine evaluates against. It is
// assembled by callers at request time and never mutated by evaluation.
type IdentityDocument struct {
	Identity    string                     `json:"identity"`
	Roles       []string                   `json:"roles"`
	Permissions PermissionSet              `json:"permissions"`
	Domains     []string                   `json:"domains"`
	Balances    map[TokenType]fixed.Amount `json:"balances"`
	Ephemeral   bool                       `json:"ephemeral"`
	// CredentialExpiry is the earliest expiry among the credentials that
	// produced this document; zero when none of them expire.
	CredentialExpiry time.Time `json:"credential_expiry,omitempty"`
}

// HasRole reports whether the document carries the named role.
func (d IdentityDocument) HasRole(role string) bool {
	for _, r := range d.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// OwnsDomain reports whether the document claims the named domain.
func (d IdentityDocument) OwnsDomain(domain string) bool {
	for _, dom := range d.Domains {
		if dom == domain {
			return true
		}
	}
	return false
}

// EphemeralIdentity is a short-lived keypair bound identity. It becomes
// permanently unusable at ExpiresAt; verifiers re-check expiry on every use.
type EphemeralIdentity struct {
	IdentityID          string    `json:"identity_id"`
	PublicKeyPEM        string    `json:"public_key"`
	CreatedAt           time.Time `json:"created_at"`
	ExpiresAt           time.Time `json:"expires_at"`
	DelegationSignature string    `json:"delegation_signature,omitempty"`
}

// Expired reports whether the identity is unusable at now.
func (e EphemeralIdentity) Expired(now time.Time) bool {
	return !now.Before(e.ExpiresAt)
}

// DelegationToken grants a subset of the delegator's permissions to a
// delegate. The anonymity proof lets a verifier confirm validity without
// learning the delegator's identity: it is signed by the delegation
// authority key over a payload that excludes the delegator entirely.
type DelegationToken struct {
	// DelegatorCommitment is sha256(delegator || nonce), enough for the
	// delegator to later claim the grant without being named on the wire.
	DelegatorCommitment string        `json:"delegator_commitment"`
	DelegateIdentity    string        `json:"delegate_identity"`
	Permissions         PermissionSet `json:"permissions"`
	IssuedAt            time.Time     `json:"issued_at"`
	ExpiresAt           time.Time     `json:"expires_at"`
	Nonce               string        `json:"nonce"`
	Signature           string        `json:"signature"`
	AnonymousProof      string        `json:"anonymous_proof"`
}

// Expired reports whether the token is unusable at now.
func (t DelegationToken) Expired(now time.Time) bool {
	return !now.Before(t.ExpiresAt)
}

// AccessToken is the per-call credential, bound to a single identity which
// may itself be ephemeral.
type AccessToken struct {
	TokenID      string        `json:"token_id"`
	Identity     string        `json:"identity"`
	Permissions  PermissionSet `json:"permissions"`
	Roles        []string      `json:"roles,omitempty"`
	IssuedAt     time.Time     `json:"issued_at"`
	ExpiresAt    time.Time     `json:"expires_at"`
	Ephemeral    bool          `json:"ephemeral,omitempty"`
	EphemeralKey string        `json:"ephemeral_key,omitempty"`
}
