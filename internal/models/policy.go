package models

import (
	"time"

	"github.com/spiritnet/gledger/internal/fixed"
)

// ConditionType is the closed set of rule conditions. Evaluation is an
// exhaustive switch over this set, so adding a condition is a compile-time
// checked change rather than dynamic dispatch.
type ConditionType string

const (
	CondHasRole             ConditionType = "HasRole"
	CondTokenBalanceAtLeast ConditionType = "TokenBalanceAtLeast"
	CondTimeWindow          ConditionType = "TimeWindow"
	CondDomainOwnership     ConditionType = "DomainOwnership"
	CondTransactionVelocity ConditionType = "TransactionVelocity"
	CondMultiSigRequired    ConditionType = "MultiSigRequired"
	CondCustom              ConditionType = "Custom"
)

// PolicyCondition is a tagged variant; only the fields belonging to Type are
// meaningful.
type PolicyCondition struct {
	Type ConditionType `json:"type" mapstructure:"type"`

	Role       string       `json:"role,omitempty" mapstructure:"role"`
	TokenType  TokenType    `json:"token_type,omitempty" mapstructure:"token_type"`
	MinBalance fixed.Amount `json:"min_balance,omitempty" mapstructure:"min_balance"`
	// TimeWindow bounds, hours in [0,24) UTC; start may exceed end to wrap midnight.
	StartHour int `json:"start_hour,omitempty" mapstructure:"start_hour"`
	EndHour   int `json:"end_hour,omitempty" mapstructure:"end_hour"`

	Domain string `json:"domain,omitempty" mapstructure:"domain"`
	// MaxPerHour is the TransactionVelocity threshold; the condition holds
	// once the observed hourly count reaches it.
	MaxPerHour int `json:"max_per_hour,omitempty" mapstructure:"max_per_hour"`
	// Threshold is the MultiSigRequired approver count.
	Threshold int `json:"threshold,omitempty" mapstructure:"threshold"`
	// Tag names a Custom condition evaluated by a registered predicate.
	Tag string `json:"tag,omitempty" mapstructure:"tag"`
}

// ActionType is the closed set of rule outcomes.
type ActionType string

const (
	ActionAllow            ActionType = "Allow"
	ActionDeny             ActionType = "Deny"
	ActionRequireApproval  ActionType = "RequireApproval"
	ActionRequireMultiSig  ActionType = "RequireMultiSig"
	ActionRequireEphemeral ActionType = "RequireEphemeral"
	ActionDelayUntil       ActionType = "DelayUntil"
)

// PolicyAction pairs an ActionType with its variant payload.
type PolicyAction struct {
	Type ActionType `json:"type" mapstructure:"type"`
	// Reason accompanies Deny.
	Reason string `json:"reason,omitempty" mapstructure:"reason"`
	// Until accompanies DelayUntil.
	Until time.Time `json:"until,omitempty" mapstructure:"until"`
}

// PolicyRule gates one permission behind a condition. Rules with higher
// Priority win; equal priorities fall back to declaration order, first wins.
type PolicyRule struct {
	Permission Permission      `json:"permission" mapstructure:"permission"`
	Condition  PolicyCondition `json:"condition" mapstructure:"condition"`
	Action     PolicyAction    `json:"action" mapstructure:"action"`
	Priority   int             `json:"priority" mapstructure:"priority"`
}

// Policy is an ordered rule set, process-wide configuration loaded at startup
// and hot-reloadable through the administrative surface only.
type Policy struct {
	PolicyID string       `json:"policy_id" mapstructure:"policy_id"`
	Rules    []PolicyRule `json:"rules" mapstructure:"rules"`
	Enabled  bool         `json:"enabled" mapstructure:"enabled"`
}
