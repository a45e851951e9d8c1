package telephony

import (
	"errors"
	"net/http"
	"time"

	"crm-platform/pkg/logger"

	"github.com/gin-gonic/gin"
)

// ErrUnknownNumber is returned by routers when the dialed number belongs to
// no organization.
var ErrUnknownNumber = errors.New("telephony: unknown destination number")

// TwilioWebhookHandler converts the Twilio voice webhook to internal types,
// delegates ring decisions to the router, and writes TwiML.
type TwilioWebhookHandler struct {
	Router InboundRouter

	// Validator is optional; when set, unsigned requests are refused.
	Validator *SignatureValidator
	// PublicURL is the externally visible webhook URL used for signatures.
	PublicURL string

	Now func() time.Time
}

func (h TwilioWebhookHandler) HandleInboundCall(c *gin.Context) {
	log := logger.FromGin(c)

	now := time.Now
	if h.Now != nil {
		now = h.Now
	}
	if h.Router == nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "inbound router not configured"})
		return
	}

	form, err := ParseTwilioInboundCall(c.Request)
	if err != nil {
		log.Warn("twilio webhook parse failed", "err", err)
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid form"})
		return
	}
	if h.Validator != nil && !h.Validator.Valid(c.Request, h.PublicURL) {
		log.Warn("twilio webhook signature rejected", "call_sid", form.CallSid)
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "invalid signature"})
		return
	}

	res, err := h.Router.RouteInboundCall(c.Request.Context(), form.ToInboundCallRequest(now()))
	switch {
	case errors.Is(err, ErrUnknownNumber):
		log.Warn("inbound call to unknown number", "to", form.To)
		res = InboundCallResult{Action: InboundCallActionReject}
	case err != nil:
		log.Error("inbound call routing failed", "err", err)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "routing failed"})
		return
	}

	twiml, err := RenderTwiML(res)
	if err != nil {
		log.Error("twiml render failed", "err", err)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "twiml failed"})
		return
	}

	log.Info("inbound call routed", "call_sid", form.CallSid, "organization_id", res.OrganizationID, "action", res.Action, "clients", len(res.Clients))
	c.Header("Content-Type", "application/xml")
	c.String(http.StatusOK, twiml)
}
