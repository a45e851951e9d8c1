package migration

import (
	"context"
	"sync"
)

// MemoryRepo is an in-memory Store for tests and local development.
type MemoryRepo struct {
	mu            sync.Mutex
	logs          map[string]ImportLog
	contacts      []Contact
	opportunities []Opportunity

	// FailInsertContact, when set, decides which contact inserts fail.
	FailInsertContact func(c Contact) error
}

func NewMemoryRepo() *MemoryRepo { return &MemoryRepo{logs: map[string]ImportLog{}} }

func (r *MemoryRepo) CreateLog(ctx context.Context, l ImportLog) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.logs[l.ID]; ok {
		return ErrDuplicate
	}
	r.logs[l.ID] = cloneLog(l)
	return nil
}

func (r *MemoryRepo) GetLog(ctx context.Context, id string) (ImportLog, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.logs[id]
	if !ok {
		return ImportLog{}, ErrNotFound
	}
	return cloneLog(l), nil
}

func (r *MemoryRepo) SaveLog(ctx context.Context, l ImportLog) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.logs[l.ID]; !ok {
		return ErrNotFound
	}
	r.logs[l.ID] = cloneLog(l)
	return nil
}

func (r *MemoryRepo) ContactsByIDs(ctx context.Context, organizationID string, ids []string) ([]Contact, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	want := setOf(ids)
	var out []Contact
	for _, c := range r.contacts {
		if _, ok := want[c.ID]; ok && c.OrganizationID == organizationID {
			out = append(out, c)
		}
	}
	return out, nil
}

func (r *MemoryRepo) findContact(organizationID string, match func(Contact) bool) (Contact, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, c := range r.contacts {
		if c.OrganizationID == organizationID && match(c) {
			return c, true, nil
		}
	}
	return Contact{}, false, nil
}

func (r *MemoryRepo) FindContactByExternalID(ctx context.Context, organizationID, externalID string) (Contact, bool, error) {
	return r.findContact(organizationID, func(c Contact) bool { return c.SourceExternalID == externalID })
}

func (r *MemoryRepo) FindContactByEmail(ctx context.Context, organizationID, email string) (Contact, bool, error) {
	return r.findContact(organizationID, func(c Contact) bool { return c.Email == email })
}

func (r *MemoryRepo) FindContactByPhone(ctx context.Context, organizationID, phone string) (Contact, bool, error) {
	return r.findContact(organizationID, func(c Contact) bool { return c.Phone == phone })
}

func (r *MemoryRepo) InsertContact(ctx context.Context, c Contact) error {
	if r.FailInsertContact != nil {
		if err := r.FailInsertContact(c); err != nil {
			return err
		}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.contacts = append(r.contacts, c)
	return nil
}

func (r *MemoryRepo) UpdateContact(ctx context.Context, c Contact) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range r.contacts {
		if r.contacts[i].ID == c.ID && r.contacts[i].OrganizationID == c.OrganizationID {
			r.contacts[i] = c
			return nil
		}
	}
	return ErrNotFound
}

func (r *MemoryRepo) FindOpportunityByExternalID(ctx context.Context, organizationID, externalID string) (Opportunity, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, o := range r.opportunities {
		if o.OrganizationID == organizationID && o.SourceExternalID == externalID {
			return o, true, nil
		}
	}
	return Opportunity{}, false, nil
}

func (r *MemoryRepo) InsertOpportunity(ctx context.Context, o Opportunity) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.opportunities = append(r.opportunities, o)
	return nil
}

func (r *MemoryRepo) UpdateOpportunity(ctx context.Context, o Opportunity) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range r.opportunities {
		if r.opportunities[i].ID == o.ID && r.opportunities[i].OrganizationID == o.OrganizationID {
			r.opportunities[i] = o
			return nil
		}
	}
	return ErrNotFound
}

// AddContact seeds an existing contact.
func (r *MemoryRepo) AddContact(c Contact) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.contacts = append(r.contacts, c)
}

func (r *MemoryRepo) Contacts() []Contact {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Contact(nil), r.contacts...)
}

func (r *MemoryRepo) Opportunities() []Opportunity {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Opportunity(nil), r.opportunities...)
}

func cloneLog(l ImportLog) ImportLog {
	l.ImportedContactIDs = append([]string(nil), l.ImportedContactIDs...)
	l.ImportedOpportunityIDs = append([]string(nil), l.ImportedOpportunityIDs...)
	l.Errors = append([]ImportError(nil), l.Errors...)
	return l
}
