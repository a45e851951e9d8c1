package routing

import (
	"context"
	"errors"

	"crm-platform/internal/directory"
	"crm-platform/internal/telephony"
)

// Directory is the read side the ring engine needs.
type Directory interface {
	PhoneNumberByNumber(ctx context.Context, number string) (directory.PhoneNumber, error)
	ActiveMembers(ctx context.Context, organizationID string) ([]directory.Member, error)
}

// Rotator hands out round robin positions shared across API instances.
type Rotator interface {
	Next(ctx context.Context, key string, n int) (int, error)
}

// NewInboundRouter adapts RingEngine to the provider-facing
// telephony.InboundRouter contract.
func NewInboundRouter(engine *RingEngine) telephony.InboundRouter {
	return inboundRouter{engine: engine}
}

type inboundRouter struct {
	engine *RingEngine
}

func (a inboundRouter) RouteInboundCall(ctx context.Context, req telephony.InboundCallRequest) (telephony.InboundCallResult, error) {
	if a.engine == nil {
		return telephony.InboundCallResult{}, errors.New("routing: engine is nil")
	}
	d, err := a.engine.Route(ctx, req.To)
	if err != nil {
		return telephony.InboundCallResult{}, err
	}

	res := telephony.InboundCallResult{OrganizationID: d.OrganizationID, CallerID: req.From}
	switch d.Action {
	case ActionReject:
		res.Action = telephony.InboundCallActionReject
	case ActionConnect:
		res.Action = telephony.InboundCallActionConnect
		res.Clients = d.Clients
	default:
		return telephony.InboundCallResult{}, errors.New("routing: unknown decision action")
	}
	return res, nil
}
