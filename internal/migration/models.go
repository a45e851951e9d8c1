// Package migration imports an organization's contacts and leads from
// Kommo in resumable, page-sized steps checkpointed on an import log.
package migration

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrNotFound        = errors.New("migration: not found")
	ErrInvalidArgument = errors.New("migration: invalid argument")
	ErrDuplicate       = errors.New("migration: duplicate record")
)

type Phase string

const (
	PhaseContacts Phase = "contacts"
	PhaseLeads    Phase = "leads"
	PhaseDone     Phase = "done"
)

type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusPaused    Status = "paused"
	StatusCompleted Status = "completed"
)

// DuplicateMode decides what happens when an incoming record matches an
// existing one.
type DuplicateMode string

const (
	DuplicateSkip   DuplicateMode = "skip"
	DuplicateUpdate DuplicateMode = "update"
	// DuplicateCreate inserts a new row even when a match exists.
	DuplicateCreate DuplicateMode = "create"
)

func (m DuplicateMode) Valid() bool {
	return m == DuplicateSkip || m == DuplicateUpdate || m == DuplicateCreate
}

// Config is fixed on the first step of an import.
type Config struct {
	Subdomain   string `json:"subdomain"`
	AccessToken string `json:"access_token,omitempty"`
	// StageMapping maps "{pipeline_id}_{status_id}" to a local stage id.
	StageMapping         map[string]string `json:"stage_mapping"`
	DuplicateMode        DuplicateMode     `json:"duplicate_mode"`
	ImportOrphanContacts bool              `json:"import_orphan_contacts"`
}

// Cursor is the persisted position of an import.
type Cursor struct {
	Phase            Phase `json:"phase"`
	ContactsPage     int   `json:"contacts_page"`
	LeadsPage        int   `json:"leads_page"`
	ContactsComplete bool  `json:"contacts_complete"`
	LeadsComplete    bool  `json:"leads_complete"`
}

// ImportError is one failed record.
type ImportError struct {
	Type       string    `json:"type"`
	ExternalID int64     `json:"external_id"`
	Message    string    `json:"message"`
	At         time.Time `json:"at"`
}

// ImportLog is the unit of work and checkpoint of an import (table
// import_logs). It is mutated by every step and never deleted here.
type ImportLog struct {
	ID             string `json:"id"`
	OrganizationID string `json:"organization_id"`
	CreatedBy      string `json:"created_by,omitempty"`

	Config Config `json:"config"`
	Cursor Cursor `json:"cursor_state"`
	Status Status `json:"status"`

	TotalContacts         int `json:"total_contacts"`
	ImportedContacts      int `json:"imported_contacts"`
	SkippedContacts       int `json:"skipped_contacts"`
	TotalOpportunities    int `json:"total_opportunities"`
	ImportedOpportunities int `json:"imported_opportunities"`
	SkippedOpportunities  int `json:"skipped_opportunities"`
	ProgressPercent       int `json:"progress_percent"`

	ImportedContactIDs     []string      `json:"imported_contact_ids"`
	ImportedOpportunityIDs []string      `json:"imported_opportunity_ids"`
	Errors                 []ImportError `json:"errors"`
	// ErrorCount keeps counting after Errors is capped.
	ErrorCount int `json:"error_count"`

	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// Redacted returns a copy safe to return to API clients.
func (l ImportLog) Redacted() ImportLog {
	l.Config.AccessToken = ""
	return l
}

// Contact is the local contacts row the importer writes.
type Contact struct {
	ID               string    `json:"id"`
	OrganizationID   string    `json:"organization_id"`
	Name             string    `json:"name"`
	Email            string    `json:"email,omitempty"`
	Phone            string    `json:"phone,omitempty"`
	SourceExternalID string    `json:"source_external_id,omitempty"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

type OpportunityStatus string

const (
	OpportunityOpen OpportunityStatus = "open"
	OpportunityWon  OpportunityStatus = "won"
	OpportunityLost OpportunityStatus = "lost"
)

// Opportunity is the local opportunities row created from a lead.
type Opportunity struct {
	ID               string            `json:"id"`
	OrganizationID   string            `json:"organization_id"`
	ContactID        string            `json:"contact_id,omitempty"`
	Title            string            `json:"title"`
	Value            float64           `json:"value"`
	StageID          string            `json:"stage_id"`
	Status           OpportunityStatus `json:"status"`
	SourceExternalID string            `json:"source_external_id,omitempty"`
	ClosedAt         *time.Time        `json:"closed_at,omitempty"`
	CreatedAt        time.Time         `json:"created_at"`
	UpdatedAt        time.Time         `json:"updated_at"`
}

// ExternalTag is the source_external_id stored on imported rows.
func ExternalTag(kommoID int64) string {
	return fmt.Sprintf("kommo:%d", kommoID)
}
