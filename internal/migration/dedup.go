package migration

import "context"

// Dedup finds the existing local row an incoming record duplicates.
type Dedup struct {
	store Store
}

// Contact matches on the external id tag of a previous import, then on
// email, then on phone.
func (d Dedup) Contact(ctx context.Context, c Contact) (Contact, bool, error) {
	if c.SourceExternalID != "" {
		if got, ok, err := d.store.FindContactByExternalID(ctx, c.OrganizationID, c.SourceExternalID); err != nil || ok {
			return got, ok, err
		}
	}
	if c.Email != "" {
		if got, ok, err := d.store.FindContactByEmail(ctx, c.OrganizationID, c.Email); err != nil || ok {
			return got, ok, err
		}
	}
	if c.Phone != "" {
		return d.store.FindContactByPhone(ctx, c.OrganizationID, c.Phone)
	}
	return Contact{}, false, nil
}

// Opportunity matches on the lead's external id tag.
func (d Dedup) Opportunity(ctx context.Context, o Opportunity) (Opportunity, bool, error) {
	return d.store.FindOpportunityByExternalID(ctx, o.OrganizationID, o.SourceExternalID)
}
