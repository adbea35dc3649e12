package models

import "fmt"

// Permission names a capability a caller can hold, delegate, or be denied.
type Permission string

const (
	PermTransferTokens      Permission = "TransferTokens"
	PermMintTokens          Permission = "MintTokens"
	PermBurnTokens          Permission = "BurnTokens"
	PermStakeTokens         Permission = "StakeTokens"
	PermDelegatePermissions Permission = "DelegatePermissions"
	PermApproveOperations   Permission = "ApproveOperations"
	PermReadLedger          Permission = "ReadLedger"
	PermAdministerLedger    Permission = "AdministerLedger"
)

// ParsePermission validates a wire-level permission name.
func ParsePermission(s string) (Permission, error) {
	switch Permission(s) {
	case PermTransferTokens, PermMintTokens, PermBurnTokens, PermStakeTokens,
		PermDelegatePermissions, PermApproveOperations, PermReadLedger,
		PermAdministerLedger:
		return Permission(s), nil
	}
	return "", fmt.Errorf("unknown permission %q", s)
}

// Implies reports whether holding p covers required. AdministerLedger is the
// administrative tier and implies every other permission.
func (p Permission) Implies(required Permission) bool {
	if p == required {
		return true
	}
	return p == PermAdministerLedger
}

// PermissionSet is an unordered collection of permissions.
type PermissionSet map[Permission]struct{}

// NewPermissionSet builds a set from its members.
func NewPermissionSet(perms ...Permission) PermissionSet {
	set := make(PermissionSet, len(perms))
	for _, p := range perms {
		set[p] = struct{}{}
	}
	return set
}

// Covers reports whether any held permission implies required.
func (s PermissionSet) Covers(required Permission) bool {
	for p := range s {
		if p.Implies(required) {
			return true
		}
	}
	return false
}

// Subset reports whether every member of s is covered by other.
func (s PermissionSet) Subset(other PermissionSet) bool {
	for p := range s {
		if !other.Covers(p) {
			return false
		}
	}
	return true
}

// List returns the members in unspecified order.
func (s PermissionSet) List() []Permission {
	out := make([]Permission, 0, len(s))
	for p := range s {
		out = append(out, p)
	}
	return out
}
