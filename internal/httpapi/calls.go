package httpapi

import (
	"errors"
	"net/http"
	"time"

	"crm-platform/internal/auth"
	"crm-platform/internal/calls"
	"crm-platform/pkg/logger"

	"github.com/gin-gonic/gin"
)

type createCallRequest struct {
	Direction     calls.Direction `json:"direction"`
	Status        calls.Status    `json:"status"`
	ToNumber      string          `json:"to_number"`
	FromNumber    string          `json:"from_number"`
	ContactID     string          `json:"contact_id"`
	OpportunityID string          `json:"opportunity_id"`
	StartedAt     *time.Time      `json:"started_at"`
}

// CreateCall inserts a call record owned by the caller.
func (h Handlers) CreateCall(c *gin.Context) {
	if h.Calls == nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "calls not configured"})
		return
	}
	id, err := auth.IdentityFrom(c.Request.Context())
	if err != nil || id.OrganizationID == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "organization_id required"})
		return
	}

	var req createCallRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	rec := calls.Record{
		OrganizationID: id.OrganizationID,
		UserID:         id.UserID,
		ContactID:      req.ContactID,
		OpportunityID:  req.OpportunityID,
		Direction:      req.Direction,
		Status:         req.Status,
		ToNumber:       req.ToNumber,
		FromNumber:     req.FromNumber,
	}
	if req.StartedAt != nil {
		rec.StartedAt = *req.StartedAt
	}

	rec, err = h.Calls.Create(c.Request.Context(), rec)
	if err != nil {
		writeCallError(c, err)
		return
	}
	c.JSON(http.StatusCreated, rec)
}

// UpdateCall applies a status transition to a call of the caller's
// organization.
func (h Handlers) UpdateCall(c *gin.Context) {
	if h.Calls == nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "calls not configured"})
		return
	}
	organizationID, err := auth.OrganizationID(c.Request.Context())
	if err != nil || organizationID == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "organization_id required"})
		return
	}
	callID := c.Param("id")
	if callID == "" {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "id required"})
		return
	}

	var req calls.StatusUpdate
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	if err := h.Calls.UpdateStatus(c.Request.Context(), organizationID, callID, req); err != nil {
		writeCallError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func writeCallError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, calls.ErrInvalidArgument):
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid call record"})
	case errors.Is(err, calls.ErrNotFound):
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "call not found"})
	default:
		logger.FromGin(c).Error("call record write failed", "err", err)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "call record write failed"})
	}
}
