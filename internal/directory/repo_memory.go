package directory

import (
	"context"
	"sync"
)

// MemoryRepo is an in-memory directory for tests and local development.
type MemoryRepo struct {
	mu       sync.Mutex
	members  map[string][]Member // organization_id -> active members
	numbers  []PhoneNumber
	contacts []Contact
}

func NewMemoryRepo() *MemoryRepo { return &MemoryRepo{members: map[string][]Member{}} }

func (r *MemoryRepo) AddMember(organizationID string, m Member) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.members[organizationID] = append(r.members[organizationID], m)
}

// RemoveMember deactivates a membership.
func (r *MemoryRepo) RemoveMember(organizationID, userID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	list := r.members[organizationID]
	out := list[:0]
	for _, m := range list {
		if m.UserID != userID {
			out = append(out, m)
		}
	}
	r.members[organizationID] = out
}

func (r *MemoryRepo) AddPhoneNumber(n PhoneNumber) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.numbers = append(r.numbers, n)
}

func (r *MemoryRepo) AddContact(c Contact) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.contacts = append(r.contacts, c)
}

func (r *MemoryRepo) IsActiveMember(ctx context.Context, organizationID, userID string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range r.members[organizationID] {
		if m.UserID == userID {
			return true, nil
		}
	}
	return false, nil
}

func (r *MemoryRepo) ActiveMembers(ctx context.Context, organizationID string) ([]Member, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Member(nil), r.members[organizationID]...), nil
}

func (r *MemoryRepo) ActivePhoneNumbers(ctx context.Context, organizationID string) ([]PhoneNumber, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []PhoneNumber
	for _, n := range r.numbers {
		if n.OrganizationID == organizationID && n.Active {
			out = append(out, n)
		}
	}
	return out, nil
}

func (r *MemoryRepo) PhoneNumberByNumber(ctx context.Context, number string) (PhoneNumber, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, n := range r.numbers {
		if n.Number == number && n.Active {
			return n, nil
		}
	}
	return PhoneNumber{}, ErrNotFound
}

func (r *MemoryRepo) FindContactByPhone(ctx context.Context, organizationID string, variants []string) (Contact, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, c := range r.contacts {
		if c.OrganizationID != organizationID {
			continue
		}
		for _, v := range variants {
			if c.Phone == v {
				return c, true, nil
			}
		}
	}
	return Contact{}, false, nil
}
