// Package directory reads the organization data the voice features depend
// on: memberships, dialable numbers and their ring settings, and contacts.
package directory

import "errors"

var ErrNotFound = errors.New("directory: not found")

type Contact struct {
	ID             string `json:"id"`
	OrganizationID string `json:"organization_id"`
	Name           string `json:"name"`
	Email          string `json:"email,omitempty"`
	Phone          string `json:"phone,omitempty"`
}

// RingStrategy decides which members ring for calls to a number.
type RingStrategy string

const (
	RingAll           RingStrategy = "all"
	RingSpecificUsers RingStrategy = "specific_users"
	RingRoundRobin    RingStrategy = "round_robin"
)

// PhoneNumber is a row of organization_phone_numbers.
type PhoneNumber struct {
	ID             string       `json:"id"`
	OrganizationID string       `json:"organization_id"`
	Number         string       `json:"number"`
	RingStrategy   RingStrategy `json:"ring_strategy"`
	RingUserIDs    []string     `json:"ring_user_ids"`
	Active         bool         `json:"active"`
}

// Member is an active row of user_organizations joined with users.
type Member struct {
	UserID string `json:"user_id"`
	Name   string `json:"name"`
	Role   string `json:"role"`
}
