package routing

// Decision is the provider-agnostic output of the ring engine.
// It carries only what the provider adapter needs to execute it.
type Decision struct {
	OrganizationID string `json:"organization_id"`
	PhoneNumberID  string `json:"phone_number_id,omitempty"`

	Action Action `json:"action"`
	// Clients are the user ids whose devices should ring.
	Clients []string `json:"clients,omitempty"`

	// Reason is for internal logs only.
	Reason string `json:"reason,omitempty"`
}

type Action string

const (
	ActionReject  Action = "reject"
	ActionConnect Action = "connect"
)
