package policy

import (
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spiritnet/gledger/internal/fixed"
	"github.com/spiritnet/gledger/internal/models"
)

func testLogger() *logrus.Logger {
	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)
	return log
}

func memberDoc(balances map[models.TokenType]fixed.Amount) models.IdentityDocument {
	return models.IdentityDocument{
		Identity:         "alice",
		Roles:            []string{"member"},
		Permissions:      models.NewPermissionSet(models.PermTransferTokens),
		Balances:         balances,
		CredentialExpiry: time.Now().Add(time.Hour),
	}
}

func allowMembers(permission models.Permission, priority int) models.PolicyRule {
	return models.PolicyRule{
		Permission: permission,
		Priority:   priority,
		Condition:  models.PolicyCondition{Type: models.CondHasRole, Role: "member"},
		Action:     models.PolicyAction{Type: models.ActionAllow},
	}
}

func TestEvaluateFailsClosed(t *testing.T) {
	engine := NewEngine(testLogger(), 0)

	decision := engine.Evaluate(memberDoc(nil), models.PermTransferTokens, Context{Now: time.Now()})

	assert.Equal(t, DecisionDeny, decision.Type)
	assert.Equal(t, "no applicable policy", decision.Reason)
}

func TestEvaluateDisabledPolicyIgnored(t *testing.T) {
	engine := NewEngine(testLogger(), 0)
	engine.SetPolicies([]models.Policy{{
		PolicyID: "off",
		Enabled:  false,
		Rules:    []models.PolicyRule{allowMembers(models.PermTransferTokens, 10)},
	}})

	decision := engine.Evaluate(memberDoc(nil), models.PermTransferTokens, Context{Now: time.Now()})
	assert.Equal(t, DecisionDeny, decision.Type)
}

func TestEvaluateHighestPriorityWins(t *testing.T) {
	engine := NewEngine(testLogger(), 0)
	engine.SetPolicies([]models.Policy{{
		PolicyID: "guard",
		Enabled:  true,
		Rules: []models.PolicyRule{
			allowMembers(models.PermTransferTokens, 10),
			{
				Permission: models.PermTransferTokens,
				Priority:   90,
				Condition: models.PolicyCondition{
					Type:       models.CondTokenBalanceAtLeast,
					TokenType:  models.TokenSPIRIT,
					MinBalance: fixed.FromTokens(10000),
				},
				Action: models.PolicyAction{Type: models.ActionRequireEphemeral},
			},
		},
	}})

	t.Run("small holder is allowed", func(t *testing.T) {
		doc := memberDoc(map[models.TokenType]fixed.Amount{
			models.TokenSPIRIT: fixed.FromTokens(500),
		})
		decision := engine.Evaluate(doc, models.PermTransferTokens, Context{Now: time.Now()})
		assert.Equal(t, DecisionAllow, decision.Type)
	})

	t.Run("large holder needs an ephemeral identity", func(t *testing.T) {
		doc := memberDoc(map[models.TokenType]fixed.Amount{
			models.TokenSPIRIT: fixed.FromTokens(15000),
		})
		decision := engine.Evaluate(doc, models.PermTransferTokens, Context{Now: time.Now()})
		assert.Equal(t, DecisionRequireEphemeral, decision.Type)
		assert.Equal(t, 90, decision.RulePriority)
	})
}

func TestEvaluatePriorityTieKeepsFirstDeclared(t *testing.T) {
	engine := NewEngine(testLogger(), 0)
	engine.SetPolicies([]models.Policy{{
		PolicyID: "tie",
		Enabled:  true,
		Rules: []models.PolicyRule{
			allowMembers(models.PermTransferTokens, 50),
			{
				Permission: models.PermTransferTokens,
				Priority:   50,
				Condition:  models.PolicyCondition{Type: models.CondHasRole, Role: "member"},
				Action:     models.PolicyAction{Type: models.ActionDeny, Reason: "late rule"},
			},
		},
	}})

	decision := engine.Evaluate(memberDoc(nil), models.PermTransferTokens, Context{Now: time.Now()})
	assert.Equal(t, DecisionAllow, decision.Type)
}

func TestEvaluatePermissionImplication(t *testing.T) {
	engine := NewEngine(testLogger(), 0)
	engine.SetPolicies([]models.Policy{{
		PolicyID: "admin",
		Enabled:  true,
		Rules:    []models.PolicyRule{allowMembers(models.PermAdministerLedger, 10)},
	}})

	// A rule on AdministerLedger also answers for the permissions it implies.
	decision := engine.Evaluate(memberDoc(nil), models.PermMintTokens, Context{Now: time.Now()})
	assert.Equal(t, DecisionAllow, decision.Type)
}

func TestEvaluateVelocityCondition(t *testing.T) {
	engine := NewEngine(testLogger(), 0)
	engine.SetPolicies([]models.Policy{{
		PolicyID: "brake",
		Enabled:  true,
		Rules: []models.PolicyRule{
			allowMembers(models.PermTransferTokens, 10),
			{
				Permission: models.PermTransferTokens,
				Priority:   100,
				Condition:  models.PolicyCondition{Type: models.CondTransactionVelocity, MaxPerHour: 5},
				Action:     models.PolicyAction{Type: models.ActionDeny, Reason: "velocity"},
			},
		},
	}})

	under := engine.Evaluate(memberDoc(nil), models.PermTransferTokens, Context{Now: time.Now(), VelocityLastHour: 4})
	assert.Equal(t, DecisionAllow, under.Type)

	at := engine.Evaluate(memberDoc(nil), models.PermTransferTokens, Context{Now: time.Now(), VelocityLastHour: 5})
	assert.Equal(t, DecisionDeny, at.Type)
	assert.Equal(t, "velocity", at.Reason)
}

func TestEvaluateTimeWindowWrapsMidnight(t *testing.T) {
	engine := NewEngine(testLogger(), 0)
	engine.SetPolicies([]models.Policy{{
		PolicyID: "night",
		Enabled:  true,
		Rules: []models.PolicyRule{
			{
				Permission: models.PermBurnTokens,
				Priority:   40,
				Condition:  models.PolicyCondition{Type: models.CondTimeWindow, StartHour: 20, EndHour: 6},
				Action:     models.PolicyAction{Type: models.ActionRequireApproval},
			},
			allowMembers(models.PermBurnTokens, 10),
		},
	}})

	doc := memberDoc(nil)
	midnight := time.Date(2026, 3, 1, 2, 0, 0, 0, time.UTC)
	noon := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	assert.Equal(t, DecisionRequireApproval, engine.Evaluate(doc, models.PermBurnTokens, Context{Now: midnight}).Type)
	assert.Equal(t, DecisionAllow, engine.Evaluate(doc, models.PermBurnTokens, Context{Now: noon}).Type)
}

func TestEvaluateMultiSigThreshold(t *testing.T) {
	engine := NewEngine(testLogger(), 0)
	engine.SetPolicies([]models.Policy{{
		PolicyID: "mint",
		Enabled:  true,
		Rules: []models.PolicyRule{{
			Permission: models.PermMintTokens,
			Priority:   50,
			Condition:  models.PolicyCondition{Type: models.CondMultiSigRequired, Threshold: 3},
			Action:     models.PolicyAction{Type: models.ActionRequireMultiSig},
		}},
	}})

	decision := engine.Evaluate(memberDoc(nil), models.PermMintTokens, Context{Now: time.Now()})
	require.Equal(t, DecisionRequireMultiSig, decision.Type)
	assert.Equal(t, 3, decision.Threshold)
}

func TestDecisionCache(t *testing.T) {
	engine := NewEngine(testLogger(), time.Minute)
	engine.SetPolicies([]models.Policy{{
		PolicyID: "cache",
		Enabled:  true,
		Rules:    []models.PolicyRule{allowMembers(models.PermTransferTokens, 10)},
	}})

	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	doc := memberDoc(nil)
	doc.CredentialExpiry = now.Add(30 * time.Second)

	first := engine.Evaluate(doc, models.PermTransferTokens, Context{Now: now})
	require.Equal(t, DecisionAllow, first.Type)

	// A policy swap purges the cache, so the same inputs re-evaluate against
	// the new set.
	engine.SetPolicies(nil)
	second := engine.Evaluate(doc, models.PermTransferTokens, Context{Now: now.Add(time.Second)})
	assert.Equal(t, DecisionDeny, second.Type)
}

func TestDecisionCacheClampedToCredentialExpiry(t *testing.T) {
	engine := NewEngine(testLogger(), time.Hour)
	engine.SetPolicies([]models.Policy{{
		PolicyID: "cache",
		Enabled:  true,
		Rules:    []models.PolicyRule{allowMembers(models.PermTransferTokens, 10)},
	}})

	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	doc := memberDoc(nil)
	doc.CredentialExpiry = now.Add(10 * time.Second)

	first := engine.Evaluate(doc, models.PermTransferTokens, Context{Now: now})
	require.Equal(t, DecisionAllow, first.Type)

	// Swap without purging the clock forward: use the engine internals via
	// SetPolicies, then evaluate past the credential expiry. The cached Allow
	// must not survive the credential.
	engine.mu.Lock()
	engine.policies = nil
	engine.mu.Unlock()

	stale := engine.Evaluate(doc, models.PermTransferTokens, Context{Now: now.Add(11 * time.Second)})
	assert.Equal(t, DecisionDeny, stale.Type)
}
