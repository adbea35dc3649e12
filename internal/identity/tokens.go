package identity

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/spiritnet/gledger/internal/models"
)

// TokenRevoker tracks revoked access tokens until their natural expiry.
type TokenRevoker interface {
	Revoke(ctx context.Context, tokenID string, until time.Duration) error
	IsRevoked(ctx context.Context, tokenID string) (bool, error)
}

// RedisRevoker keeps the revocation list in redis with per-entry expiry, so
// the list cleans itself as tokens age out.
type RedisRevoker struct {
	redis *redis.Client
}

// NewRedisRevoker returns a revoker over rdb.
func NewRedisRevoker(rdb *redis.Client) *RedisRevoker {
	return &RedisRevoker{redis: rdb}
}

func revocationKey(tokenID string) string {
	return fmt.Sprintf("revoked:%s", tokenID)
}

// Revoke marks the token revoked for the given duration.
func (r *RedisRevoker) Revoke(ctx context.Context, tokenID string, until time.Duration) error {
	if until <= 0 {
		until = time.Minute
	}
	if err := r.redis.Set(ctx, revocationKey(tokenID), "1", until).Err(); err != nil {
		return fmt.Errorf("failed to revoke token: %w", err)
	}
	return nil
}

// IsRevoked reports whether the token is on the revocation list.
func (r *RedisRevoker) IsRevoked(ctx context.Context, tokenID string) (bool, error) {
	err := r.redis.Get(ctx, revocationKey(tokenID)).Err()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to check revocation: %w", err)
	}
	return true, nil
}

// IssueAccessToken mints an HS256 access token bound to a single identity.
// For ephemeral identities the token expiry is clamped to the identity's
// own expiry so the credential can never outlive its keypair.
func (e *Engine) IssueAccessToken(identity string, permissions models.PermissionSet, roles []string, ttl time.Duration) (string, models.AccessToken, error) {
	now := e.now()
	if ttl <= 0 {
		ttl = time.Hour
	}
	expiresAt := now.Add(ttl)

	ephemeral := false
	if eph, ok := e.LookupEphemeral(identity); ok {
		ephemeral = true
		if eph.ExpiresAt.Before(expiresAt) {
			expiresAt = eph.ExpiresAt
		}
	} else if isEphemeralID(identity) {
		return "", models.AccessToken{}, ErrInvalidOrExpiredToken
	}

	token := models.AccessToken{
		TokenID:     uuid.New().String(),
		Identity:    identity,
		Permissions: permissions,
		Roles:       roles,
		IssuedAt:    now,
		ExpiresAt:   expiresAt,
		Ephemeral:   ephemeral,
	}

	perms := make([]string, 0, len(permissions))
	for p := range permissions {
		perms = append(perms, string(p))
	}

	claims := jwt.MapClaims{
		"jti":   token.TokenID,
		"sub":   identity,
		"perms": perms,
		"roles": roles,
		"eph":   ephemeral,
		"iat":   now.Unix(),
		"exp":   expiresAt.Unix(),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(e.config.JWTSecret)
	if err != nil {
		return "", models.AccessToken{}, fmt.Errorf("failed to sign access token: %w", err)
	}

	e.log.WithFields(logrus.Fields{
		"identity":  identity,
		"token_id":  token.TokenID,
		"ephemeral": ephemeral,
	}).Info("[IDENTITY] access token issued")
	return signed, token, nil
}

// IssueDelegatedAccessToken exchanges an anonymous delegation token for an
// access token bound to the delegate. Every requested permission must be
// covered by the delegation's verified grant, the credential can never
// outlive the delegation window, and no roles are granted.
func (e *Engine) IssueDelegatedAccessToken(delegation models.DelegationToken, identity string, permissions models.PermissionSet, ttl time.Duration) (string, models.AccessToken, error) {
	if identity != delegation.DelegateIdentity || delegation.Expired(e.now()) {
		return "", models.AccessToken{}, ErrInvalidOrExpiredToken
	}
	if len(permissions) == 0 {
		return "", models.AccessToken{}, fmt.Errorf("delegated token requires at least one permission")
	}
	for perm := range permissions {
		if !e.VerifyAnonymousDelegation(delegation, perm) {
			return "", models.AccessToken{}, ErrPermissionNotHeld
		}
	}

	if remaining := delegation.ExpiresAt.Sub(e.now()); ttl <= 0 || ttl > remaining {
		ttl = remaining
	}
	return e.IssueAccessToken(identity, permissions, nil, ttl)
}

// VerifyAccessToken parses and validates a bearer credential: signature,
// expiry, revocation list, and, for ephemeral identities, the identity's own
// expiry re-checked against the wall clock.
func (e *Engine) VerifyAccessToken(ctx context.Context, tokenString string) (*models.AccessToken, error) {
	parsed, err := jwt.Parse(tokenString, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", token.Header["alg"])
		}
		return e.config.JWTSecret, nil
	}, jwt.WithTimeFunc(e.now))
	if err != nil || !parsed.Valid {
		return nil, ErrInvalidOrExpiredToken
	}

	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		return nil, ErrInvalidOrExpiredToken
	}

	token := &models.AccessToken{
		TokenID:     stringClaim(claims, "jti"),
		Identity:    stringClaim(claims, "sub"),
		Permissions: make(models.PermissionSet),
	}
	if token.TokenID == "" || token.Identity == "" {
		return nil, ErrInvalidOrExpiredToken
	}

	if rawPerms, ok := claims["perms"].([]any); ok {
		for _, raw := range rawPerms {
			name, _ := raw.(string)
			perm, err := models.ParsePermission(name)
			if err != nil {
				return nil, ErrInvalidOrExpiredToken
			}
			token.Permissions[perm] = struct{}{}
		}
	}
	if rawRoles, ok := claims["roles"].([]any); ok {
		for _, raw := range rawRoles {
			if role, ok := raw.(string); ok {
				token.Roles = append(token.Roles, role)
			}
		}
	}
	if exp, err := claims.GetExpirationTime(); err == nil && exp != nil {
		token.ExpiresAt = exp.Time
	}
	if iat, err := claims.GetIssuedAt(); err == nil && iat != nil {
		token.IssuedAt = iat.Time
	}
	token.Ephemeral, _ = claims["eph"].(bool)

	if token.Ephemeral {
		if _, ok := e.LookupEphemeral(token.Identity); !ok {
			return nil, ErrInvalidOrExpiredToken
		}
	}

	if e.revoker != nil {
		revoked, err := e.revoker.IsRevoked(ctx, token.TokenID)
		if err != nil {
			return nil, fmt.Errorf("failed to check token revocation: %w", err)
		}
		if revoked {
			return nil, ErrInvalidOrExpiredToken
		}
	}

	return token, nil
}

// RevokeAccessToken puts the token on the revocation list until it would
// have expired anyway.
func (e *Engine) RevokeAccessToken(ctx context.Context, token *models.AccessToken) error {
	if e.revoker == nil {
		return nil
	}
	remaining := token.ExpiresAt.Sub(e.now())
	if err := e.revoker.Revoke(ctx, token.TokenID, remaining); err != nil {
		return err
	}
	e.log.WithField("token_id", token.TokenID).Info("[IDENTITY] access token revoked")
	return nil
}

func stringClaim(claims jwt.MapClaims, key string) string {
	value, _ := claims[key].(string)
	return value
}

func isEphemeralID(identity string) bool {
	return len(identity) > 4 && identity[:4] == "eph_"
}
