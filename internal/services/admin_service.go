package services

import (
	"net/http"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/spiritnet/gledger/internal/audit"
	"github.com/spiritnet/gledger/internal/middleware"
	"github.com/spiritnet/gledger/internal/models"
	"github.com/spiritnet/gledger/internal/policy"
)

// AdminService carries the operator surface: forced policy reloads and the
// audit trail. Every handler requires AdministerLedger.
type AdminService struct {
	policies   *policy.Engine
	auditStore *audit.Store
	policyPath string
	log        *logrus.Logger
}

func NewAdminService(policies *policy.Engine, auditStore *audit.Store, policyPath string, log *logrus.Logger) *AdminService {
	return &AdminService{
		policies:   policies,
		auditStore: auditStore,
		policyPath: policyPath,
		log:        log,
	}
}

// ReloadPolicies re-reads the policy file and swaps the active set. The
// file watcher does this automatically; this endpoint forces it.
func (as *AdminService) ReloadPolicies(w http.ResponseWriter, r *http.Request) {
	token, ok := middleware.TokenFromContext(r.Context())
	if !ok || !token.Permissions.Covers(models.PermAdministerLedger) {
		SendErrorResponse(w, "Forbidden", http.StatusForbidden, nil)
		return
	}

	loaded, err := policy.LoadFile(as.policyPath)
	if err != nil {
		// The previous policy set stays active on a bad file.
		as.log.WithError(err).Error("policy reload failed")
		SendErrorResponse(w, "Policy reload failed: "+err.Error(), http.StatusUnprocessableEntity, nil)
		return
	}
	as.policies.SetPolicies(loaded)

	as.auditStore.Append(r.Context(), models.AuditLogEntry{
		EventType: models.AuditPolicyReload,
		Identity:  token.Identity,
		Timestamp: time.Now(),
		Context:   map[string]string{"policies": strconv.Itoa(len(loaded))},
	})

	writeJSON(w, http.StatusOK, map[string]any{
		"reloaded": true,
		"policies": len(loaded),
	})
}

// RecentAudit returns the newest audit entries.
func (as *AdminService) RecentAudit(w http.ResponseWriter, r *http.Request) {
	token, ok := middleware.TokenFromContext(r.Context())
	if !ok || !token.Permissions.Covers(models.PermAdministerLedger) {
		SendErrorResponse(w, "Forbidden", http.StatusForbidden, nil)
		return
	}

	limit := 100
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		if l, err := strconv.Atoi(limitStr); err == nil && l > 0 && l <= 1000 {
			limit = l
		}
	}

	entries, err := as.auditStore.Recent(r.Context(), limit)
	if err != nil {
		as.log.WithError(err).Error("audit query failed")
		SendErrorResponse(w, "Failed to fetch audit entries", http.StatusInternalServerError, nil)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"entries": entries,
		"count":   len(entries),
	})
}
