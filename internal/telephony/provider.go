package telephony

import (
	"context"
	"time"
)

// InboundRouter decides who rings for a call arriving at one of the
// organization's numbers. Provider adapters only depend on this contract.
type InboundRouter interface {
	RouteInboundCall(ctx context.Context, req InboundCallRequest) (InboundCallResult, error)
}

// InboundCallRequest represents an inbound call event received from a provider.
type InboundCallRequest struct {
	// ProviderCallID is the provider's unique identifier for this call.
	ProviderCallID string `json:"provider_call_id"`

	// From and To are E.164 where possible.
	From string `json:"from"`
	To   string `json:"to"`

	OccurredAt time.Time `json:"occurred_at"`

	// RawPayload is optional for debugging; stored as JSON string.
	RawPayload string `json:"raw_payload,omitempty"`
}

// InboundCallResult is the routing answer rendered back to the provider.
type InboundCallResult struct {
	OrganizationID string `json:"organization_id,omitempty"`

	Action InboundCallAction `json:"action"`

	// Clients are device identities (user ids) to ring when Action == "connect".
	Clients []string `json:"clients,omitempty"`
	// CallerID is presented to the ringing clients.
	CallerID string `json:"caller_id,omitempty"`
}

type InboundCallAction string

const (
	InboundCallActionReject  InboundCallAction = "reject"
	InboundCallActionConnect InboundCallAction = "connect"
	InboundCallActionHangup  InboundCallAction = "hangup"
)
