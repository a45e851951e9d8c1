package routing

import (
	"context"
	"errors"
	"fmt"

	"crm-platform/internal/directory"
	"crm-platform/internal/telephony"
	"crm-platform/pkg/logger"
)

// RingEngine decides which organization members ring for a dialed number.
//
// Order:
//  1. resolve the number to its organization
//  2. load the active members (memberships are re-read on every call)
//  3. apply the number's ring strategy
//
// It returns a Decision only; it never talks to the provider.
type RingEngine struct {
	Directory Directory
	// Rotator is optional; without it round robin always picks the first
	// eligible member.
	Rotator Rotator
}

func (e *RingEngine) Route(ctx context.Context, dialed string) (Decision, error) {
	if e.Directory == nil {
		return Decision{}, errors.New("routing: directory not configured")
	}

	num, err := e.Directory.PhoneNumberByNumber(ctx, dialed)
	if err != nil {
		if errors.Is(err, directory.ErrNotFound) {
			return Decision{}, telephony.ErrUnknownNumber
		}
		return Decision{}, err
	}

	members, err := e.Directory.ActiveMembers(ctx, num.OrganizationID)
	if err != nil {
		return Decision{}, err
	}
	active := make([]string, 0, len(members))
	for _, m := range members {
		active = append(active, m.UserID)
	}

	d := Decision{OrganizationID: num.OrganizationID, PhoneNumberID: num.ID}
	clients := Eligible(num, active)
	if len(clients) == 0 {
		d.Action = ActionReject
		d.Reason = "no_eligible_member"
		return d, nil
	}

	if num.RingStrategy == directory.RingRoundRobin && len(clients) > 1 {
		idx := 0
		if e.Rotator != nil {
			i, err := e.Rotator.Next(ctx, "ring:"+num.ID, len(clients))
			if err != nil {
				// A broken rotator must not drop the call.
				logger.From(ctx).Warn("round robin rotation failed", "phone_number_id", num.ID, "err", err)
			} else {
				idx = i
			}
		}
		clients = clients[idx : idx+1]
	}

	d.Action = ActionConnect
	d.Clients = clients
	d.Reason = fmt.Sprintf("strategy_%s", num.RingStrategy)
	return d, nil
}

// Eligible returns the active members that a number's strategy allows to
// ring, preserving the order of active.
func Eligible(num directory.PhoneNumber, active []string) []string {
	out := make([]string, 0, len(active))
	for _, uid := range active {
		if CanRing(num, uid) {
			out = append(out, uid)
		}
	}
	return out
}

// CanRing reports whether userID is in the ring set of num. Membership is
// checked separately by the caller.
func CanRing(num directory.PhoneNumber, userID string) bool {
	switch num.RingStrategy {
	case directory.RingSpecificUsers, directory.RingRoundRobin:
		for _, id := range num.RingUserIDs {
			if id == userID {
				return true
			}
		}
		return false
	default:
		return true
	}
}
