package services

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spiritnet/gledger/internal/identity"
	"github.com/spiritnet/gledger/internal/models"
	"github.com/spiritnet/gledger/internal/vault"
)

type discardAuditor struct{}

func (discardAuditor) Append(ctx context.Context, entry models.AuditLogEntry) error {
	return nil
}

func newTestIdentityService(t *testing.T) (*IdentityService, *identity.Engine) {
	t.Helper()
	keyVault, err := vault.Open(vault.Config{MasterKey: "test-master-key"})
	require.NoError(t, err)

	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)

	engine := identity.NewEngine(keyVault, keyVault, nil, identity.Config{
		DefaultEphemeralTTL: time.Hour,
		JWTSecret:           []byte("test-secret"),
	}, log)
	return NewIdentityService(engine, discardAuditor{}, log), engine
}

func postTokenRequest(t *testing.T, service *IdentityService, body map[string]any, bearer string) *httptest.ResponseRecorder {
	t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/identity/tokens", bytes.NewReader(raw))
	req.Header.Set("Content-Type", "application/json")
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	rec := httptest.NewRecorder()
	service.IssueToken(rec, req)
	return rec
}

func TestIssueTokenRequiresProofOfAuthority(t *testing.T) {
	service, engine := newTestIdentityService(t)

	adminGrant := map[string]any{
		"identity":    "mallory",
		"permissions": []string{string(models.PermAdministerLedger)},
		"roles":       []string{"member"},
	}

	t.Run("anonymous caller gets nothing", func(t *testing.T) {
		rec := postTokenRequest(t, service, adminGrant, "")
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("garbage bearer refused", func(t *testing.T) {
		rec := postTokenRequest(t, service, adminGrant, "not.a.jwt")
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("non-administrative bearer refused", func(t *testing.T) {
		signed, _, err := engine.IssueAccessToken("alice",
			models.NewPermissionSet(models.PermTransferTokens), nil, time.Hour)
		require.NoError(t, err)

		rec := postTokenRequest(t, service, adminGrant, signed)
		assert.Equal(t, http.StatusForbidden, rec.Code)
	})

	t.Run("administrative bearer mints", func(t *testing.T) {
		signed, _, err := engine.IssueAccessToken("root",
			models.NewPermissionSet(models.PermAdministerLedger), nil, time.Hour)
		require.NoError(t, err)

		rec := postTokenRequest(t, service, adminGrant, signed)
		require.Equal(t, http.StatusCreated, rec.Code)

		var resp map[string]any
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		assert.NotEmpty(t, resp["access_token"])
	})
}

func TestIssueTokenViaDelegation(t *testing.T) {
	service, engine := newTestIdentityService(t)

	delegator := models.IdentityDocument{
		Identity:    "alice",
		Permissions: models.NewPermissionSet(models.PermTransferTokens, models.PermStakeTokens),
	}
	delegation, err := engine.CreateDelegationToken(delegator, "bob",
		models.NewPermissionSet(models.PermTransferTokens), time.Hour)
	require.NoError(t, err)

	t.Run("delegation exchanges for its granted permissions", func(t *testing.T) {
		rec := postTokenRequest(t, service, map[string]any{
			"identity":    "bob",
			"permissions": []string{string(models.PermTransferTokens)},
			"delegation":  delegation,
		}, "")
		require.Equal(t, http.StatusCreated, rec.Code)

		var resp map[string]any
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		signed, _ := resp["access_token"].(string)
		require.NotEmpty(t, signed)

		verified, err := engine.VerifyAccessToken(context.Background(), signed)
		require.NoError(t, err)
		assert.Equal(t, "bob", verified.Identity)
		assert.True(t, verified.Permissions.Covers(models.PermTransferTokens))
		assert.False(t, verified.Permissions.Covers(models.PermAdministerLedger))
		assert.Empty(t, verified.Roles)
	})

	t.Run("permissions beyond the grant refused", func(t *testing.T) {
		rec := postTokenRequest(t, service, map[string]any{
			"identity":    "bob",
			"permissions": []string{string(models.PermAdministerLedger)},
			"delegation":  delegation,
		}, "")
		assert.Equal(t, http.StatusForbidden, rec.Code)
	})

	t.Run("roles refused on the delegation path", func(t *testing.T) {
		rec := postTokenRequest(t, service, map[string]any{
			"identity":    "bob",
			"permissions": []string{string(models.PermTransferTokens)},
			"roles":       []string{"member"},
			"delegation":  delegation,
		}, "")
		assert.Equal(t, http.StatusForbidden, rec.Code)
	})

	t.Run("delegation for someone else refused", func(t *testing.T) {
		rec := postTokenRequest(t, service, map[string]any{
			"identity":    "mallory",
			"permissions": []string{string(models.PermTransferTokens)},
			"delegation":  delegation,
		}, "")
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})
}
