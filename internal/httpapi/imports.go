package httpapi

import (
	"context"
	"errors"
	"net/http"

	"crm-platform/internal/auth"
	"crm-platform/internal/kommo"
	"crm-platform/internal/migration"
	"crm-platform/internal/rbac"
	"crm-platform/pkg/logger"

	"github.com/gin-gonic/gin"
)

const stepLockPrefix = "import:"

type createImportRequest struct {
	Subdomain            string                  `json:"subdomain"`
	AccessToken          string                  `json:"access_token"`
	StageMapping         map[string]string       `json:"stage_mapping"`
	DuplicateMode        migration.DuplicateMode `json:"duplicate_mode"`
	ImportOrphanContacts bool                    `json:"import_orphan_contacts"`
}

// CreateImport stores a pending import log for the caller's organization.
func (h Handlers) CreateImport(c *gin.Context) {
	if h.Imports == nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "imports not configured"})
		return
	}
	id, err := auth.IdentityFrom(c.Request.Context())
	if err != nil || id.OrganizationID == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "organization_id required"})
		return
	}
	var req createImportRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}

	l, err := h.Imports.Create(c.Request.Context(), id.OrganizationID, id.UserID, migration.Config{
		Subdomain:            req.Subdomain,
		AccessToken:          req.AccessToken,
		StageMapping:         req.StageMapping,
		DuplicateMode:        req.DuplicateMode,
		ImportOrphanContacts: req.ImportOrphanContacts,
	})
	if err != nil {
		writeImportError(c, err)
		return
	}
	c.JSON(http.StatusCreated, l.Redacted())
}

// GetImport returns an import log for progress polling.
func (h Handlers) GetImport(c *gin.Context) {
	if h.Imports == nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "imports not configured"})
		return
	}
	id, err := auth.IdentityFrom(c.Request.Context())
	if err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "identity required"})
		return
	}
	l, err := h.Imports.Get(c.Request.Context(), scopeFor(id), c.Param("id"))
	if err != nil {
		writeImportError(c, err)
		return
	}
	c.JSON(http.StatusOK, l.Redacted())
}

// StepImport runs one step of a Kommo import. Only one step per import log
// runs at a time; a concurrent call gets 409.
func (h Handlers) StepImport(c *gin.Context) {
	if h.Imports == nil || h.StepLock == nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "imports not configured"})
		return
	}
	id, err := auth.IdentityFrom(c.Request.Context())
	if err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "identity required"})
		return
	}
	var req migration.StepRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"success": false, "error": "invalid json"})
		return
	}
	if req.ImportLogID == "" {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"success": false, "error": "import_log_id required"})
		return
	}
	// Tenants cannot step another organization's import.
	if !rbac.IsSuperAdmin(id.Role) || req.OrganizationID == "" {
		req.OrganizationID = id.OrganizationID
	}
	req.ActorUserID = id.UserID

	ctx := c.Request.Context()
	log := logger.FromGin(c).With("import_log_id", req.ImportLogID)

	lockName := stepLockPrefix + req.ImportLogID
	token, err := h.StepLock.Acquire(ctx, lockName)
	if err != nil {
		log.Error("import step lock failed", "err", err)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"success": false, "error": "lock unavailable"})
		return
	}
	if token == "" {
		c.AbortWithStatusJSON(http.StatusConflict, gin.H{"success": false, "error": "import step already running"})
		return
	}
	defer func() {
		released, err := h.StepLock.Release(context.WithoutCancel(ctx), lockName, token)
		switch {
		case err != nil:
			log.Warn("import step lock release failed", "err", err)
		case !released:
			// The step outlived the lock TTL.
			log.Warn("import step lock expired before release")
		}
	}()

	res, err := h.Imports.Step(logger.With(ctx, log), req)
	if err != nil {
		writeImportError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func scopeFor(id auth.Identity) string {
	if rbac.IsSuperAdmin(id.Role) {
		return ""
	}
	return id.OrganizationID
}

func writeImportError(c *gin.Context, err error) {
	var statusErr *kommo.StatusError
	switch {
	case errors.Is(err, migration.ErrInvalidArgument):
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"success": false, "error": err.Error()})
	case errors.Is(err, migration.ErrNotFound):
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"success": false, "error": "import not found"})
	case errors.Is(err, kommo.ErrRateLimited), errors.As(err, &statusErr):
		logger.FromGin(c).Warn("kommo fetch failed", "err", err)
		c.AbortWithStatusJSON(http.StatusBadGateway, gin.H{"success": false, "error": err.Error()})
	default:
		logger.FromGin(c).Error("import step failed", "err", err)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"success": false, "error": "import step failed"})
	}
}
