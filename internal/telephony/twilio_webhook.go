package telephony

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/twilio/twilio-go/client"
)

// TwilioInboundForm captures the voice webhook fields the router needs.
// Twilio posts application/x-www-form-urlencoded.
type TwilioInboundForm struct {
	CallSid    string
	AccountSid string
	From       string
	To         string
	Direction  string
	CallStatus string
	CallerName string
}

func ParseTwilioInboundCall(r *http.Request) (TwilioInboundForm, error) {
	if err := r.ParseForm(); err != nil {
		return TwilioInboundForm{}, err
	}
	return TwilioInboundForm{
		CallSid:    r.PostFormValue("CallSid"),
		AccountSid: r.PostFormValue("AccountSid"),
		From:       strings.TrimSpace(r.PostFormValue("From")),
		To:         strings.TrimSpace(r.PostFormValue("To")),
		Direction:  r.PostFormValue("Direction"),
		CallStatus: r.PostFormValue("CallStatus"),
		CallerName: r.PostFormValue("CallerName"),
	}, nil
}

func (f TwilioInboundForm) ToInboundCallRequest(occurredAt time.Time) InboundCallRequest {
	raw, _ := json.Marshal(f)
	return InboundCallRequest{
		ProviderCallID: f.CallSid,
		From:           f.From,
		To:             f.To,
		OccurredAt:     occurredAt,
		RawPayload:     string(raw),
	}
}

// SignatureValidator checks X-Twilio-Signature against the account auth token.
type SignatureValidator struct {
	v client.RequestValidator
}

func NewSignatureValidator(authToken string) *SignatureValidator {
	return &SignatureValidator{v: client.NewRequestValidator(authToken)}
}

// Valid reports whether r carries a correct signature for publicURL.
// r.ParseForm must have been called.
func (s *SignatureValidator) Valid(r *http.Request, publicURL string) bool {
	params := make(map[string]string, len(r.PostForm))
	for k, v := range r.PostForm {
		if len(v) > 0 {
			params[k] = v[0]
		}
	}
	return s.v.Validate(publicURL, params, r.Header.Get("X-Twilio-Signature"))
}
