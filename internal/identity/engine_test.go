package identity

import (
	"context"
	"testing"
	"time"

	"github.com/go-redis/redismock/v8"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spiritnet/gledger/internal/models"
	"github.com/spiritnet/gledger/internal/vault"
)

func newTestEngine(t *testing.T, revoker TokenRevoker) *Engine {
	t.Helper()
	keyVault, err := vault.Open(vault.Config{MasterKey: "test-master-key"})
	require.NoError(t, err)

	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)

	return NewEngine(keyVault, keyVault, revoker, Config{
		DefaultEphemeralTTL: time.Hour,
		JWTSecret:           []byte("test-secret"),
	}, log)
}

func TestEphemeralIdentityExpiry(t *testing.T) {
	engine := newTestEngine(t, nil)

	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	engine.now = func() time.Time { return base }

	eph, err := engine.GenerateEphemeralIdentity(10 * time.Minute)
	require.NoError(t, err)
	assert.True(t, eph.ExpiresAt.Equal(base.Add(10*time.Minute)))
	assert.NotEmpty(t, eph.PublicKeyPEM)

	_, ok := engine.LookupEphemeral(eph.IdentityID)
	assert.True(t, ok)

	// Advance past the TTL: the lookup re-checks the clock every call.
	engine.now = func() time.Time { return base.Add(11 * time.Minute) }
	_, ok = engine.LookupEphemeral(eph.IdentityID)
	assert.False(t, ok)
}

func TestEphemeralTTLClampedToDefault(t *testing.T) {
	engine := newTestEngine(t, nil)

	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	engine.now = func() time.Time { return base }

	eph, err := engine.GenerateEphemeralIdentity(48 * time.Hour)
	require.NoError(t, err)
	assert.True(t, eph.ExpiresAt.Equal(base.Add(time.Hour)))
}

func TestDelegationPermissionMonotonicity(t *testing.T) {
	engine := newTestEngine(t, nil)

	delegator := models.IdentityDocument{
		Identity:    "alice",
		Permissions: models.NewPermissionSet(models.PermTransferTokens),
	}

	_, err := engine.CreateDelegationToken(delegator, "bob",
		models.NewPermissionSet(models.PermTransferTokens, models.PermMintTokens), time.Hour)
	assert.ErrorIs(t, err, ErrPermissionNotHeld)

	_, err = engine.CreateDelegationToken(delegator, "bob", models.NewPermissionSet(), time.Hour)
	assert.Error(t, err)
}

func TestAnonymousDelegation(t *testing.T) {
	engine := newTestEngine(t, nil)

	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	engine.now = func() time.Time { return base }

	delegator := models.IdentityDocument{
		Identity:    "alice",
		Permissions: models.NewPermissionSet(models.PermTransferTokens, models.PermStakeTokens),
	}

	token, err := engine.CreateDelegationToken(delegator, "bob",
		models.NewPermissionSet(models.PermTransferTokens), time.Hour)
	require.NoError(t, err)

	// The token never names the delegator.
	assert.NotContains(t, token.DelegatorCommitment, "alice")
	assert.NotEmpty(t, token.AnonymousProof)
	assert.NotEmpty(t, token.Signature)

	t.Run("valid", func(t *testing.T) {
		assert.True(t, engine.VerifyAnonymousDelegation(token, models.PermTransferTokens))
	})

	t.Run("permission not granted", func(t *testing.T) {
		assert.False(t, engine.VerifyAnonymousDelegation(token, models.PermMintTokens))
	})

	t.Run("tampered permissions", func(t *testing.T) {
		forged := token
		forged.Permissions = models.NewPermissionSet(models.PermTransferTokens, models.PermMintTokens)
		assert.False(t, engine.VerifyAnonymousDelegation(forged, models.PermMintTokens))
	})

	t.Run("expired", func(t *testing.T) {
		engine.now = func() time.Time { return base.Add(2 * time.Hour) }
		defer func() { engine.now = func() time.Time { return base } }()
		assert.False(t, engine.VerifyAnonymousDelegation(token, models.PermTransferTokens))
	})
}

func TestCleanupExpired(t *testing.T) {
	engine := newTestEngine(t, nil)

	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	engine.now = func() time.Time { return base }

	_, err := engine.GenerateEphemeralIdentity(10 * time.Minute)
	require.NoError(t, err)
	keeper, err := engine.GenerateEphemeralIdentity(time.Hour)
	require.NoError(t, err)

	delegator := models.IdentityDocument{
		Identity:    "alice",
		Permissions: models.NewPermissionSet(models.PermTransferTokens),
	}
	_, err = engine.CreateDelegationToken(delegator, "bob",
		models.NewPermissionSet(models.PermTransferTokens), 10*time.Minute)
	require.NoError(t, err)

	removed := engine.CleanupExpired(base.Add(30 * time.Minute))
	assert.Equal(t, 2, removed)

	_, ok := engine.LookupEphemeral(keeper.IdentityID)
	assert.True(t, ok)
}

func TestAccessTokenLifecycle(t *testing.T) {
	rdb, mock := redismock.NewClientMock()
	engine := newTestEngine(t, NewRedisRevoker(rdb))

	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	engine.now = func() time.Time { return base }

	perms := models.NewPermissionSet(models.PermTransferTokens, models.PermReadLedger)
	signed, token, err := engine.IssueAccessToken("alice", perms, []string{"member"}, time.Hour)
	require.NoError(t, err)
	require.NotEmpty(t, signed)

	t.Run("verify", func(t *testing.T) {
		mock.ExpectGet("revoked:" + token.TokenID).RedisNil()

		verified, err := engine.VerifyAccessToken(context.Background(), signed)
		require.NoError(t, err)
		assert.Equal(t, "alice", verified.Identity)
		assert.Equal(t, []string{"member"}, verified.Roles)
		assert.True(t, verified.Permissions.Covers(models.PermTransferTokens))
		assert.False(t, verified.Permissions.Covers(models.PermMintTokens))
		assert.False(t, verified.Ephemeral)
	})

	t.Run("expired", func(t *testing.T) {
		engine.now = func() time.Time { return base.Add(2 * time.Hour) }
		defer func() { engine.now = func() time.Time { return base } }()

		_, err := engine.VerifyAccessToken(context.Background(), signed)
		assert.ErrorIs(t, err, ErrInvalidOrExpiredToken)
	})

	t.Run("garbage token", func(t *testing.T) {
		_, err := engine.VerifyAccessToken(context.Background(), "not.a.jwt")
		assert.ErrorIs(t, err, ErrInvalidOrExpiredToken)
	})

	t.Run("revoked", func(t *testing.T) {
		mock.ExpectSet("revoked:"+token.TokenID, "1", time.Hour).SetVal("OK")
		require.NoError(t, engine.RevokeAccessToken(context.Background(), &token))

		mock.ExpectGet("revoked:" + token.TokenID).SetVal("1")
		_, err := engine.VerifyAccessToken(context.Background(), signed)
		assert.ErrorIs(t, err, ErrInvalidOrExpiredToken)
	})

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestIssueDelegatedAccessToken(t *testing.T) {
	engine := newTestEngine(t, nil)

	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	engine.now = func() time.Time { return base }

	delegator := models.IdentityDocument{
		Identity:    "alice",
		Permissions: models.NewPermissionSet(models.PermTransferTokens, models.PermStakeTokens),
	}
	delegation, err := engine.CreateDelegationToken(delegator, "bob",
		models.NewPermissionSet(models.PermTransferTokens), time.Hour)
	require.NoError(t, err)

	t.Run("exchanges for exactly the granted permissions", func(t *testing.T) {
		signed, token, err := engine.IssueDelegatedAccessToken(delegation, "bob",
			models.NewPermissionSet(models.PermTransferTokens), 30*time.Minute)
		require.NoError(t, err)
		require.NotEmpty(t, signed)
		assert.True(t, token.Permissions.Covers(models.PermTransferTokens))
		assert.Empty(t, token.Roles)
		assert.True(t, token.ExpiresAt.Equal(base.Add(30*time.Minute)))
	})

	t.Run("expiry clamped to the delegation window", func(t *testing.T) {
		_, token, err := engine.IssueDelegatedAccessToken(delegation, "bob",
			models.NewPermissionSet(models.PermTransferTokens), 6*time.Hour)
		require.NoError(t, err)
		assert.True(t, token.ExpiresAt.Equal(delegation.ExpiresAt))
	})

	t.Run("permission beyond the grant refused", func(t *testing.T) {
		_, _, err := engine.IssueDelegatedAccessToken(delegation, "bob",
			models.NewPermissionSet(models.PermTransferTokens, models.PermAdministerLedger), time.Hour)
		assert.ErrorIs(t, err, ErrPermissionNotHeld)
	})

	t.Run("wrong delegate refused", func(t *testing.T) {
		_, _, err := engine.IssueDelegatedAccessToken(delegation, "mallory",
			models.NewPermissionSet(models.PermTransferTokens), time.Hour)
		assert.ErrorIs(t, err, ErrInvalidOrExpiredToken)
	})

	t.Run("tampered grant refused", func(t *testing.T) {
		forged := delegation
		forged.Permissions = models.NewPermissionSet(models.PermTransferTokens, models.PermMintTokens)
		_, _, err := engine.IssueDelegatedAccessToken(forged, "bob",
			models.NewPermissionSet(models.PermMintTokens), time.Hour)
		assert.ErrorIs(t, err, ErrPermissionNotHeld)
	})

	t.Run("expired delegation refused", func(t *testing.T) {
		engine.now = func() time.Time { return base.Add(2 * time.Hour) }
		defer func() { engine.now = func() time.Time { return base } }()
		_, _, err := engine.IssueDelegatedAccessToken(delegation, "bob",
			models.NewPermissionSet(models.PermTransferTokens), time.Hour)
		assert.ErrorIs(t, err, ErrInvalidOrExpiredToken)
	})

	t.Run("empty permission set refused", func(t *testing.T) {
		_, _, err := engine.IssueDelegatedAccessToken(delegation, "bob",
			models.NewPermissionSet(), time.Hour)
		assert.Error(t, err)
	})
}

func TestAccessTokenForEphemeralIdentity(t *testing.T) {
	engine := newTestEngine(t, nil)

	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	engine.now = func() time.Time { return base }

	eph, err := engine.GenerateEphemeralIdentity(10 * time.Minute)
	require.NoError(t, err)

	signed, token, err := engine.IssueAccessToken(eph.IdentityID,
		models.NewPermissionSet(models.PermTransferTokens), nil, time.Hour)
	require.NoError(t, err)

	// Token expiry is clamped to the identity's own lifetime.
	assert.True(t, token.ExpiresAt.Equal(eph.ExpiresAt))
	assert.True(t, token.Ephemeral)

	verified, err := engine.VerifyAccessToken(context.Background(), signed)
	require.NoError(t, err)
	assert.True(t, verified.Ephemeral)

	// Once the identity expires the token dies with it.
	engine.now = func() time.Time { return base.Add(11 * time.Minute) }
	_, err = engine.VerifyAccessToken(context.Background(), signed)
	assert.ErrorIs(t, err, ErrInvalidOrExpiredToken)

	// Unknown ephemeral identities cannot get tokens at all.
	engine.now = func() time.Time { return base }
	_, _, err = engine.IssueAccessToken("eph_doesnotexist", models.NewPermissionSet(models.PermTransferTokens), nil, time.Hour)
	assert.ErrorIs(t, err, ErrInvalidOrExpiredToken)
}
