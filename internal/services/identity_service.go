package services

import (
	"net/http"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/spiritnet/gledger/internal/audit"
	"github.com/spiritnet/gledger/internal/identity"
	"github.com/spiritnet/gledger/internal/middleware"
	"github.com/spiritnet/gledger/internal/models"
)

// IdentityService exposes ephemeral identities, anonymous delegation, and
// access-token issuance over HTTP.
type IdentityService struct {
	engine    *identity.Engine
	auditor   audit.Logger
	validator *ValidationHelper
	log       *logrus.Logger
}

func NewIdentityService(engine *identity.Engine, auditor audit.Logger, log *logrus.Logger) *IdentityService {
	return &IdentityService{
		engine:    engine,
		auditor:   auditor,
		validator: NewValidationHelper(),
		log:       log,
	}
}

type ephemeralRequest struct {
	TTLSeconds int64 `json:"ttl_seconds" validate:"omitempty,gt=0"`
}

// CreateEphemeral mints a short-lived identity with a fresh keypair. The
// TTL is clamped to the configured maximum.
func (is *IdentityService) CreateEphemeral(w http.ResponseWriter, r *http.Request) {
	var req ephemeralRequest
	if err := decodeJSON(w, r, &req); err != nil {
		SendErrorResponse(w, err.Error(), http.StatusBadRequest, nil)
		return
	}
	if err := is.validator.ValidateStruct(&req); err != nil {
		SendErrorResponse(w, "Validation failed", http.StatusBadRequest, err)
		return
	}

	eph, err := is.engine.GenerateEphemeralIdentity(time.Duration(req.TTLSeconds) * time.Second)
	if err != nil {
		is.log.WithError(err).Error("ephemeral identity generation failed")
		SendErrorResponse(w, "Failed to create ephemeral identity", http.StatusInternalServerError, nil)
		return
	}

	writeJSON(w, http.StatusCreated, eph)
}

type delegationRequest struct {
	DelegateIdentity string   `json:"delegate_identity" validate:"required"`
	Permissions      []string `json:"permissions" validate:"required,min=1"`
	DurationSeconds  int64    `json:"duration_seconds" validate:"required,gt=0"`
}

// CreateDelegation issues an anonymous delegation token granting a subset
// of the caller's permissions to the delegate. The caller is never named
// in the token, only committed to.
func (is *IdentityService) CreateDelegation(w http.ResponseWriter, r *http.Request) {
	token, ok := middleware.TokenFromContext(r.Context())
	if !ok {
		SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}
	if !token.Permissions.Covers(models.PermDelegatePermissions) {
		SendErrorResponse(w, "Forbidden", http.StatusForbidden, nil)
		return
	}

	var req delegationRequest
	if err := decodeJSON(w, r, &req); err != nil {
		SendErrorResponse(w, err.Error(), http.StatusBadRequest, nil)
		return
	}
	if err := is.validator.ValidateStruct(&req); err != nil {
		SendErrorResponse(w, "Validation failed", http.StatusBadRequest, err)
		return
	}

	perms, err := parsePermissions(req.Permissions)
	if err != nil {
		SendErrorResponse(w, err.Error(), http.StatusBadRequest, nil)
		return
	}

	delegator := models.IdentityDocument{
		Identity:         token.Identity,
		Roles:            token.Roles,
		Permissions:      token.Permissions,
		Ephemeral:        token.Ephemeral,
		CredentialExpiry: token.ExpiresAt,
	}

	delegation, err := is.engine.CreateDelegationToken(delegator, req.DelegateIdentity, perms, time.Duration(req.DurationSeconds)*time.Second)
	if err != nil {
		sendOperationError(w, err)
		return
	}

	is.auditor.Append(r.Context(), models.AuditLogEntry{
		EventType: models.AuditDelegationIssued,
		// The delegator stays anonymous in the audit trail too.
		Identity:  delegation.DelegatorCommitment,
		Timestamp: time.Now(),
		Context:   map[string]string{"delegate": delegation.DelegateIdentity},
	})

	writeJSON(w, http.StatusCreated, delegation)
}

type verifyDelegationRequest struct {
	Token      models.DelegationToken `json:"token" validate:"required"`
	Permission string                 `json:"permission" validate:"required"`
}

// VerifyDelegation checks a delegation token against a required permission
// without learning who the delegator was.
func (is *IdentityService) VerifyDelegation(w http.ResponseWriter, r *http.Request) {
	var req verifyDelegationRequest
	if err := decodeJSON(w, r, &req); err != nil {
		SendErrorResponse(w, err.Error(), http.StatusBadRequest, nil)
		return
	}

	permission, err := models.ParsePermission(req.Permission)
	if err != nil {
		SendErrorResponse(w, err.Error(), http.StatusBadRequest, nil)
		return
	}

	valid := is.engine.VerifyAnonymousDelegation(req.Token, permission)

	writeJSON(w, http.StatusOK, map[string]any{
		"valid":      valid,
		"permission": permission,
	})
}

type issueTokenRequest struct {
	Identity    string                  `json:"identity" validate:"required"`
	Permissions []string                `json:"permissions" validate:"required,min=1"`
	Roles       []string                `json:"roles,omitempty"`
	TTLSeconds  int64                   `json:"ttl_seconds" validate:"omitempty,gt=0"`
	Delegation  *models.DelegationToken `json:"delegation,omitempty"`
}

// IssueToken mints a signed access token. The caller must prove authority
// over the requested grant: an administrative bearer credential mints for
// any identity, and an anonymous delegation token is exchangeable for
// exactly the permissions it grants. Anonymous callers get nothing.
func (is *IdentityService) IssueToken(w http.ResponseWriter, r *http.Request) {
	var req issueTokenRequest
	if err := decodeJSON(w, r, &req); err != nil {
		SendErrorResponse(w, err.Error(), http.StatusBadRequest, nil)
		return
	}
	if err := is.validator.ValidateStruct(&req); err != nil {
		SendErrorResponse(w, "Validation failed", http.StatusBadRequest, err)
		return
	}

	perms, err := parsePermissions(req.Permissions)
	if err != nil {
		SendErrorResponse(w, err.Error(), http.StatusBadRequest, nil)
		return
	}
	ttl := time.Duration(req.TTLSeconds) * time.Second

	var (
		signed string
		claims models.AccessToken
	)
	switch {
	case r.Header.Get("Authorization") != "":
		issuer, berr := is.bearerToken(r)
		if berr != nil {
			SendErrorResponse(w, "Invalid token", http.StatusUnauthorized, nil)
			return
		}
		if !issuer.Permissions.Covers(models.PermAdministerLedger) {
			SendErrorResponse(w, "Forbidden", http.StatusForbidden, nil)
			return
		}
		signed, claims, err = is.engine.IssueAccessToken(req.Identity, perms, req.Roles, ttl)

	case req.Delegation != nil:
		// Delegations carry permissions only; roles need an administrator.
		if len(req.Roles) > 0 {
			SendErrorResponse(w, "Roles require an administrative credential", http.StatusForbidden, nil)
			return
		}
		signed, claims, err = is.engine.IssueDelegatedAccessToken(*req.Delegation, req.Identity, perms, ttl)

	default:
		SendErrorResponse(w, "Credential or delegation token required", http.StatusUnauthorized, nil)
		return
	}
	if err != nil {
		sendOperationError(w, err)
		return
	}

	is.auditor.Append(r.Context(), models.AuditLogEntry{
		EventType: models.AuditTokenIssued,
		Identity:  req.Identity,
		Timestamp: time.Now(),
		Context:   map[string]string{"token_id": claims.TokenID},
	})

	writeJSON(w, http.StatusCreated, map[string]any{
		"access_token": signed,
		"token_id":     claims.TokenID,
		"expires_at":   claims.ExpiresAt,
	})
}

// bearerToken verifies the request's Authorization header directly; the
// issuance route sits outside the authenticated router group.
func (is *IdentityService) bearerToken(r *http.Request) (*models.AccessToken, error) {
	parts := strings.Split(r.Header.Get("Authorization"), " ")
	if len(parts) != 2 || parts[0] != "Bearer" {
		return nil, identity.ErrInvalidOrExpiredToken
	}
	return is.engine.VerifyAccessToken(r.Context(), parts[1])
}

// RevokeToken invalidates the caller's own access token immediately.
func (is *IdentityService) RevokeToken(w http.ResponseWriter, r *http.Request) {
	token, ok := middleware.TokenFromContext(r.Context())
	if !ok {
		SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	if err := is.engine.RevokeAccessToken(r.Context(), token); err != nil {
		is.log.WithError(err).Error("token revocation failed")
		SendErrorResponse(w, "Failed to revoke token", http.StatusInternalServerError, nil)
		return
	}

	is.auditor.Append(r.Context(), models.AuditLogEntry{
		EventType: models.AuditTokenRevoked,
		Identity:  token.Identity,
		Timestamp: time.Now(),
		Context:   map[string]string{"token_id": token.TokenID},
	})

	writeJSON(w, http.StatusOK, map[string]any{
		"token_id": token.TokenID,
		"revoked":  true,
	})
}

func parsePermissions(names []string) (models.PermissionSet, error) {
	perms := make([]models.Permission, 0, len(names))
	for _, name := range names {
		p, err := models.ParsePermission(name)
		if err != nil {
			return nil, err
		}
		perms = append(perms, p)
	}
	return models.NewPermissionSet(perms...), nil
}
