package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"crm-platform/internal/auth"
	"crm-platform/internal/calls"
	"crm-platform/internal/migration"
	"crm-platform/internal/rbac"
	"crm-platform/internal/telephony"

	"github.com/gin-gonic/gin"
)

// Handlers groups HTTP handlers for dependency injection.
// Keep these thin: parse/validate input, call internal services, return JSON.

// VoiceTokenIssuer signs device credentials. *telephony.TwilioTokenIssuer
// satisfies it.
type VoiceTokenIssuer interface {
	Issue(identity string) (telephony.VoiceToken, error)
}

// StepLocker serializes import steps per log. utils.Locker satisfies it.
// Acquire returns an empty token when the lock is held; Release only frees
// the lock while it still belongs to token.
type StepLocker interface {
	Acquire(ctx context.Context, name string) (string, error)
	Release(ctx context.Context, name, token string) (bool, error)
}

type Handlers struct {
	Auth     *auth.Manager
	Tokens   VoiceTokenIssuer
	Calls    *calls.Service
	Imports  *migration.Importer
	StepLock StepLocker

	Now func() time.Time
}

func (h Handlers) now() time.Time {
	if h.Now != nil {
		return h.Now()
	}
	return time.Now()
}

// --- Auth ---

type loginRequest struct {
	UserID         string `json:"user_id"`
	OrganizationID string `json:"organization_id"`
	Role           string `json:"role"`
}

// Login issues a JWT token pair. Only membership roles can be requested.
//
// NOTE: This is a development-only endpoint; it does not check credentials
// and is not registered outside local/dev.
func (h Handlers) Login(c *gin.Context) {
	if h.Auth == nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "auth not configured"})
		return
	}
	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	if req.UserID == "" || req.OrganizationID == "" || req.Role == "" {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "user_id, organization_id, role required"})
		return
	}
	if !rbac.IsTenantRole(req.Role) {
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "role cannot be requested"})
		return
	}
	pair, err := h.Auth.IssuePair(h.now(), req.UserID, req.OrganizationID, req.Role)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "token issuance failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"access_token": pair.AccessToken, "refresh_token": pair.RefreshToken})
}

// Me returns the caller's identity. Voice clients resolve their
// organization through it.
func (h Handlers) Me(c *gin.Context) {
	id, err := auth.IdentityFrom(c.Request.Context())
	if err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "identity required"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"user_id": id.UserID, "organization_id": id.OrganizationID, "role": id.Role})
}

// --- Voice ---

type voiceTokenRequest struct {
	Identity string `json:"identity"`
}

// IssueVoiceToken signs a device token. The identity defaults to the
// caller's user id; only super_admin may request another identity.
func (h Handlers) IssueVoiceToken(c *gin.Context) {
	if h.Tokens == nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "voice tokens not configured"})
		return
	}
	id, err := auth.IdentityFrom(c.Request.Context())
	if err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "identity required"})
		return
	}

	var req voiceTokenRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
			return
		}
	}
	identity := strings.TrimSpace(req.Identity)
	switch {
	case identity == "":
		identity = id.UserID
	case identity != id.UserID && !rbac.IsSuperAdmin(id.Role):
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "identity must match the caller"})
		return
	}

	tok, err := h.Tokens.Issue(identity)
	if err != nil {
		if errors.Is(err, telephony.ErrIdentityRequired) {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "identity required"})
			return
		}
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "token issuance failed"})
		return
	}
	c.JSON(http.StatusOK, tok)
}

// Convenience middleware bundles.

func RequireOrganizationAndAnyRole(roles ...string) []gin.HandlerFunc {
	return []gin.HandlerFunc{rbac.RequireOrganization(), rbac.RequireAnyRole(roles...)}
}
