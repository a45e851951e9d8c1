package migration

import "context"

// Store is the persistence the importer needs. Every query is scoped by
// organization.
type Store interface {
	CreateLog(ctx context.Context, l ImportLog) error
	GetLog(ctx context.Context, id string) (ImportLog, error)
	SaveLog(ctx context.Context, l ImportLog) error

	ContactsByIDs(ctx context.Context, organizationID string, ids []string) ([]Contact, error)
	FindContactByExternalID(ctx context.Context, organizationID, externalID string) (Contact, bool, error)
	FindContactByEmail(ctx context.Context, organizationID, email string) (Contact, bool, error)
	FindContactByPhone(ctx context.Context, organizationID, phone string) (Contact, bool, error)
	InsertContact(ctx context.Context, c Contact) error
	UpdateContact(ctx context.Context, c Contact) error

	FindOpportunityByExternalID(ctx context.Context, organizationID, externalID string) (Opportunity, bool, error)
	InsertOpportunity(ctx context.Context, o Opportunity) error
	UpdateOpportunity(ctx context.Context, o Opportunity) error
}
