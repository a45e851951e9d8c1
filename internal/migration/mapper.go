package migration

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"crm-platform/internal/kommo"
	"crm-platform/internal/phone"
)

var errEmptyContact = errors.New("contact has no name, email or phone")

// Mapper turns Kommo records into local rows.
type Mapper struct {
	CountryCode string
}

// Contact maps a Kommo contact. The phone is normalized with the default
// country code and the email lowercased.
func (m Mapper) Contact(organizationID string, kc kommo.Contact) (Contact, error) {
	name := strings.TrimSpace(kc.Name)
	if name == "" {
		name = strings.TrimSpace(kc.FirstName + " " + kc.LastName)
	}
	email := strings.ToLower(strings.TrimSpace(kommo.FirstValue(kc.CustomFields, kommo.FieldEmail)))
	tel := phone.Normalize(kommo.FirstValue(kc.CustomFields, kommo.FieldPhone), m.CountryCode)

	if name == "" && email == "" && tel == "" {
		return Contact{}, errEmptyContact
	}
	if name == "" {
		name = email
		if name == "" {
			name = tel
		}
	}
	return Contact{
		OrganizationID:   organizationID,
		Name:             name,
		Email:            email,
		Phone:            tel,
		SourceExternalID: ExternalTag(kc.ID),
	}, nil
}

// StageKey is the stage_mapping key of a lead.
func StageKey(l kommo.Lead) string {
	return fmt.Sprintf("%d_%d", l.PipelineID, l.StatusID)
}

// Opportunity maps a Kommo lead. ok is false when the lead's stage has no
// entry in stageMapping; such leads are never given a default stage.
func (m Mapper) Opportunity(organizationID string, l kommo.Lead, stageMapping map[string]string) (Opportunity, bool) {
	stageID, ok := stageMapping[StageKey(l)]
	if !ok || stageID == "" {
		return Opportunity{}, false
	}

	title := strings.TrimSpace(l.Name)
	if title == "" {
		title = fmt.Sprintf("Kommo lead %d", l.ID)
	}
	o := Opportunity{
		OrganizationID:   organizationID,
		Title:            title,
		Value:            l.Price,
		StageID:          stageID,
		Status:           OpportunityOpen,
		SourceExternalID: ExternalTag(l.ID),
	}
	switch l.StatusID {
	case kommo.StatusWon:
		o.Status = OpportunityWon
	case kommo.StatusLost:
		o.Status = OpportunityLost
	}
	if o.Status != OpportunityOpen && l.ClosedAt != nil && *l.ClosedAt > 0 {
		t := time.Unix(*l.ClosedAt, 0).UTC()
		o.ClosedAt = &t
	}
	return o, true
}
