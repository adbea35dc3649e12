// Package policy evaluates declarative rules against an identity document,
// a requested permission, and request context. Evaluation is pure: it never
// mutates state and never logs decisions itself; callers audit the result.
package policy

import (
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/spiritnet/gledger/internal/fixed"
	"github.com/spiritnet/gledger/internal/models"
)

// DecisionType is the closed outcome set of an evaluation.
type DecisionType string

const (
	DecisionAllow            DecisionType = "Allow"
	DecisionDeny             DecisionType = "Deny"
	DecisionRequireApproval  DecisionType = "RequireApproval"
	DecisionRequireMultiSig  DecisionType = "RequireMultiSig"
	DecisionRequireEphemeral DecisionType = "RequireEphemeral"
	DecisionDelay            DecisionType = "Delay"
)

// Decision is the outcome of one evaluation.
type Decision struct {
	Type   DecisionType `json:"type"`
	Reason string       `json:"reason,omitempty"`
	Until  time.Time    `json:"until,omitempty"`
	// PolicyID and RulePriority identify the winning rule; empty for the
	// fail-closed default.
	PolicyID     string `json:"policy_id,omitempty"`
	RulePriority int    `json:"rule_priority,omitempty"`
	// Threshold is the approver count for RequireMultiSig decisions.
	Threshold int `json:"threshold,omitempty"`
}

// Context is the request-scoped input to an evaluation. Callers snapshot
// anything stateful (velocity counters, custom predicate results) before
// calling Evaluate so that evaluation itself stays side-effect free.
type Context struct {
	Operation string
	TokenType models.TokenType
	Amount    fixed.Amount
	Now       time.Time
	// VelocityLastHour is the identity's operation count over the trailing
	// hour, read by the caller from the velocity tracker.
	VelocityLastHour int
	// CustomFlags carry pre-evaluated Custom(tag) predicate results.
	CustomFlags map[string]bool
}

const defaultMultiSigThreshold = 2

// Engine holds the loaded policy set and the owned decision cache.
// Policies change only through SetPolicies (startup load and admin reload),
// never through the transaction path.
type Engine struct {
	mu       sync.RWMutex
	policies []models.Policy
	cache    *decisionCache
	log      *logrus.Logger
}

// NewEngine returns an engine with an empty policy set. A cacheTTL of zero
// disables decision caching.
func NewEngine(log *logrus.Logger, cacheTTL time.Duration) *Engine {
	return &Engine{
		cache: newDecisionCache(cacheTTL),
		log:   log,
	}
}

// SetPolicies swaps the policy set and invalidates every cached decision.
func (e *Engine) SetPolicies(policies []models.Policy) {
	e.mu.Lock()
	e.policies = policies
	e.mu.Unlock()
	e.cache.purge()
	e.log.WithField("policies", len(policies)).Info("[POLICY] policy set loaded")
}

// Policies returns a snapshot of the loaded policy set.
func (e *Engine) Policies() []models.Policy {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]models.Policy, len(e.policies))
	copy(out, e.policies)
	return out
}

// Evaluate returns the decision for the identity requesting permission under
// ctx. Decisions are cached per (identity, permission, context-hash); cache
// entries never outlive the shortest credential expiry in the document.
func (e *Engine) Evaluate(doc models.IdentityDocument, permission models.Permission, pctx Context) Decision {
	key := cacheKey(doc, permission, pctx)
	if decision, ok := e.cache.get(key, pctx.Now); ok {
		return decision
	}

	decision := e.evaluate(doc, permission, pctx)
	e.cache.put(key, decision, pctx.Now, doc.CredentialExpiry)
	return decision
}

// evaluate is the uncached core: collect every satisfied rule that references
// the permission (directly or through implication), pick the highest numeric
// priority, break ties by declaration order, and fail closed when nothing
// matched.
func (e *Engine) evaluate(doc models.IdentityDocument, permission models.Permission, pctx Context) Decision {
	e.mu.RLock()
	defer e.mu.RUnlock()

	var winner *models.PolicyRule
	var winnerPolicy string

	for _, pol := range e.policies {
		if !pol.Enabled {
			continue
		}
		for i := range pol.Rules {
			rule := &pol.Rules[i]
			if !rule.Permission.Implies(permission) && rule.Permission != permission {
				continue
			}
			if !conditionHolds(rule.Condition, doc, pctx) {
				continue
			}
			// Strict > keeps the first declared rule on priority ties.
			if winner == nil || rule.Priority > winner.Priority {
				winner = rule
				winnerPolicy = pol.PolicyID
			}
		}
	}

	if winner == nil {
		return Decision{Type: DecisionDeny, Reason: "no applicable policy"}
	}
	return decisionFromAction(winner, winnerPolicy)
}

// conditionHolds evaluates one condition variant. The switch is exhaustive
// over the closed ConditionType set; an unknown type never holds.
func conditionHolds(cond models.PolicyCondition, doc models.IdentityDocument, pctx Context) bool {
	switch cond.Type {
	case models.CondHasRole:
		return doc.HasRole(cond.Role)
	case models.CondTokenBalanceAtLeast:
		balance, ok := doc.Balances[cond.TokenType]
		return ok && balance.Cmp(cond.MinBalance) >= 0
	case models.CondTimeWindow:
		hour := pctx.Now.UTC().Hour()
		if cond.StartHour <= cond.EndHour {
			return hour >= cond.StartHour && hour < cond.EndHour
		}
		// Window wraps midnight.
		return hour >= cond.StartHour || hour < cond.EndHour
	case models.CondDomainOwnership:
		return doc.OwnsDomain(cond.Domain)
	case models.CondTransactionVelocity:
		return cond.MaxPerHour > 0 && pctx.VelocityLastHour >= cond.MaxPerHour
	case models.CondMultiSigRequired:
		// Fires for operations at or above the configured amount floor;
		// a zero floor makes it unconditional.
		return cond.MinBalance.IsZero() || pctx.Amount.Cmp(cond.MinBalance) >= 0
	case models.CondCustom:
		return pctx.CustomFlags[cond.Tag]
	}
	return false
}

func decisionFromAction(rule *models.PolicyRule, policyID string) Decision {
	decision := Decision{
		PolicyID:     policyID,
		RulePriority: rule.Priority,
	}
	switch rule.Action.Type {
	case models.ActionAllow:
		decision.Type = DecisionAllow
	case models.ActionDeny:
		decision.Type = DecisionDeny
		decision.Reason = rule.Action.Reason
		if decision.Reason == "" {
			decision.Reason = fmt.Sprintf("denied by policy %s", policyID)
		}
	case models.ActionRequireApproval:
		decision.Type = DecisionRequireApproval
	case models.ActionRequireMultiSig:
		decision.Type = DecisionRequireMultiSig
		decision.Threshold = rule.Condition.Threshold
		if decision.Threshold <= 0 {
			decision.Threshold = defaultMultiSigThreshold
		}
	case models.ActionRequireEphemeral:
		decision.Type = DecisionRequireEphemeral
	case models.ActionDelayUntil:
		decision.Type = DecisionDelay
		decision.Until = rule.Action.Until
	default:
		// Unknown actions fail closed.
		decision.Type = DecisionDeny
		decision.Reason = fmt.Sprintf("unknown action in policy %s", policyID)
	}
	return decision
}
