package models

import "time"

// AuditEventType classifies audit records.
type AuditEventType string

const (
	AuditPolicyDecision    AuditEventType = "POLICY_DECISION"
	AuditTransfer          AuditEventType = "TRANSFER"
	AuditMint              AuditEventType = "MINT"
	AuditBurnForMint       AuditEventType = "BURN_FOR_MINT"
	AuditStake             AuditEventType = "STAKE"
	AuditUnstake           AuditEventType = "UNSTAKE"
	AuditApproval          AuditEventType = "APPROVAL"
	AuditCancellation      AuditEventType = "CANCELLATION"
	AuditDelegationIssued  AuditEventType = "DELEGATION_ISSUED"
	AuditTokenIssued       AuditEventType = "TOKEN_ISSUED"
	AuditTokenRevoked      AuditEventType = "TOKEN_REVOKED"
	AuditPolicyReload      AuditEventType = "POLICY_RELOAD"
	AuditIntegrityFault    AuditEventType = "INTEGRITY_FAULT"
	AuditOperationRejected AuditEventType = "OPERATION_REJECTED"
)

// AuditLogEntry is an append-only compliance record; entries are never
// mutated or deleted and outlive the accounts they reference.
type AuditLogEntry struct {
	EventID       string            `json:"event_id" db:"event_id"`
	EventType     AuditEventType    `json:"event_type" db:"event_type"`
	Identity      string            `json:"identity" db:"identity"`
	Permission    Permission        `json:"permission,omitempty" db:"permission"`
	Decision      string            `json:"decision,omitempty" db:"decision"`
	PolicyApplied string            `json:"policy_applied,omitempty" db:"policy_applied"`
	Timestamp     time.Time         `json:"timestamp" db:"timestamp"`
	Context       map[string]string `json:"context,omitempty" db:"context"`
}
