package main

import (
	"database/sql"
	"net/http"
	"time"

	"crm-platform/internal/httpapi"
	"crm-platform/internal/rbac"
	"crm-platform/internal/telephony"
	"crm-platform/pkg/utils"

	"github.com/gin-gonic/gin"
)

// Route registration stays free of business logic. Handlers delegate to
// internal modules.

func registerPublicRoutes(r *gin.Engine, db *sql.DB, webhook telephony.TwilioWebhookHandler) {
	r.GET("/healthz", func(c *gin.Context) {
		if err := utils.HealthCheck(c.Request.Context(), db, 2*time.Second); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded", "postgres": "down"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	// Provider webhooks. Signatures are checked when an auth token is set.
	r.POST("/webhooks/twilio/voice", webhook.HandleInboundCall)
}

func registerAuthRoutes(r *gin.Engine, h httpapi.Handlers, appEnv string) {
	// NOTE: placeholder login without credential checks; development only.
	if appEnv != "local" && appEnv != "dev" {
		return
	}
	r.POST("/v1/auth/login", h.Login)
}

func registerProtectedRoutes(r *gin.Engine, h httpapi.Handlers, authMW gin.HandlerFunc, members rbac.MembershipChecker) {
	v1 := r.Group("/v1")
	v1.Use(authMW, rbac.RequireOrganization(), rbac.RequireActiveMember(members))
	{
		v1.GET("/me", h.Me)

		v1.POST("/voice/token", h.IssueVoiceToken)

		// CALLS routes: any member records their own calls.
		callsGroup := v1.Group("/calls")
		{
			callsGroup.POST("", h.CreateCall)
			callsGroup.PATCH("/:id", h.UpdateCall)
		}

		// IMPORT routes: owner/admin only; super_admin bypasses.
		imports := v1.Group("/imports")
		imports.Use(httpapi.RequireOrganizationAndAnyRole(rbac.RoleOwner, rbac.RoleAdmin)...)
		{
			imports.POST("", h.CreateImport)
			imports.POST("/kommo/step", h.StepImport)
			imports.GET("/:id", h.GetImport)
		}
	}
}
