package telephony

import (
	"errors"
	"strings"
	"time"

	"crm-platform/internal/config"

	"github.com/twilio/twilio-go/client/jwt"
)

var ErrIdentityRequired = errors.New("telephony: identity required")

// VoiceToken is a signed access token for a voice device.
type VoiceToken struct {
	Token     string    `json:"token"`
	Identity  string    `json:"identity"`
	ExpiresAt time.Time `json:"expires_at"`
}

// TwilioTokenIssuer signs Twilio access tokens carrying a VoiceGrant.
type TwilioTokenIssuer struct {
	accountSID  string
	apiKeySID   string
	apiSecret   string
	twimlAppSID string
	ttl         time.Duration
	now         func() time.Time
}

func NewTwilioTokenIssuer(cfg config.TwilioConfig) (*TwilioTokenIssuer, error) {
	if cfg.AccountSID == "" || cfg.APIKeySID == "" || cfg.APIKeySecret == "" {
		return nil, errors.New("telephony: twilio account sid and api key are required")
	}
	ttl := cfg.VoiceTokenTTL
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &TwilioTokenIssuer{
		accountSID:  cfg.AccountSID,
		apiKeySID:   cfg.APIKeySID,
		apiSecret:   cfg.APIKeySecret,
		twimlAppSID: cfg.TwiMLAppSID,
		ttl:         ttl,
		now:         time.Now,
	}, nil
}

// Issue returns a token that lets identity place calls through the TwiML
// app and receive calls dialed to <Client>identity</Client>.
func (i *TwilioTokenIssuer) Issue(identity string) (VoiceToken, error) {
	identity = strings.TrimSpace(identity)
	if identity == "" {
		return VoiceToken{}, ErrIdentityRequired
	}

	params := jwt.AccessTokenParams{
		AccountSid:    i.accountSID,
		SigningKeySid: i.apiKeySID,
		Secret:        i.apiSecret,
		Identity:      identity,
		Ttl:           i.ttl.Seconds(),
	}
	at := jwt.CreateAccessToken(params)

	grant := &jwt.VoiceGrant{}
	grant.Incoming.Allow = true
	grant.Outgoing.ApplicationSid = i.twimlAppSID
	at.AddGrant(grant)

	signed, err := at.ToJwt()
	if err != nil {
		return VoiceToken{}, err
	}
	return VoiceToken{
		Token:     signed,
		Identity:  identity,
		ExpiresAt: i.now().Add(i.ttl),
	}, nil
}
