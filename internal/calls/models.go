package calls

import "time"

// Record is the persisted row for one voice call (table calls).
//
// Multi-tenant invariant: OrganizationID is required on every row.
// Rows are created when a call starts and mutated on every status change;
// nothing in this service deletes them.
type Record struct {
	ID             string `json:"id" db:"id"`
	OrganizationID string `json:"organization_id" db:"organization_id"`
	UserID         string `json:"user_id" db:"user_id"`
	ContactID      string `json:"contact_id,omitempty" db:"contact_id"`
	OpportunityID  string `json:"opportunity_id,omitempty" db:"opportunity_id"`

	Direction Direction `json:"direction" db:"direction"`
	Status    Status    `json:"status" db:"status"`

	ToNumber   string `json:"to_number,omitempty" db:"to_number"`
	FromNumber string `json:"from_number,omitempty" db:"from_number"`

	StartedAt time.Time  `json:"started_at" db:"started_at"`
	EndedAt   *time.Time `json:"ended_at,omitempty" db:"ended_at"`
	// DurationSeconds is only set once the call ends.
	DurationSeconds *int `json:"duration_seconds,omitempty" db:"duration_seconds"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

type Direction string

const (
	DirectionOutgoing Direction = "outgoing"
	DirectionIncoming Direction = "incoming"
)

type Status string

const (
	StatusInitiated  Status = "initiated"
	StatusRinging    Status = "ringing"
	StatusInProgress Status = "in-progress"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusBusy       Status = "busy"
	StatusNoAnswer   Status = "no-answer"
	StatusCanceled   Status = "canceled"
)

// Terminal reports whether no further transition is expected for s.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusBusy, StatusNoAnswer, StatusCanceled:
		return true
	default:
		return false
	}
}

func (s Status) Valid() bool {
	switch s {
	case StatusInitiated, StatusRinging, StatusInProgress:
		return true
	default:
		return s.Terminal()
	}
}

func (d Direction) Valid() bool {
	return d == DirectionOutgoing || d == DirectionIncoming
}

// StatusUpdate is a partial mutation applied to an existing record.
type StatusUpdate struct {
	Status          Status     `json:"status"`
	EndedAt         *time.Time `json:"ended_at,omitempty"`
	DurationSeconds *int       `json:"duration_seconds,omitempty"`
}

// DurationSeconds is floor((end - start) / 1s), never negative.
func DurationSeconds(start, end time.Time) int {
	ms := end.Sub(start).Milliseconds()
	if ms <= 0 {
		return 0
	}
	return int(ms / 1000)
}
