package calls

import (
	"context"
	"sync"
	"time"
)

// MemoryRepo keeps call records in memory. Used by tests and local runs.
type MemoryRepo struct {
	mu      sync.Mutex
	records map[string]Record
	order   []string
}

func NewMemoryRepo() *MemoryRepo { return &MemoryRepo{records: map[string]Record{}} }

func (r *MemoryRepo) Insert(ctx context.Context, rec Record) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records[rec.ID] = rec
	r.order = append(r.order, rec.ID)
	return nil
}

func (r *MemoryRepo) UpdateStatus(ctx context.Context, organizationID, id string, u StatusUpdate, now time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[id]
	if !ok || rec.OrganizationID != organizationID {
		return ErrNotFound
	}
	rec.Status = u.Status
	if u.EndedAt != nil {
		rec.EndedAt = u.EndedAt
	}
	if u.DurationSeconds != nil {
		rec.DurationSeconds = u.DurationSeconds
	}
	rec.UpdatedAt = now
	r.records[id] = rec
	return nil
}

func (r *MemoryRepo) Get(ctx context.Context, organizationID, id string) (Record, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[id]
	if !ok || rec.OrganizationID != organizationID {
		return Record{}, ErrNotFound
	}
	return rec, nil
}

// All returns records in insertion order.
func (r *MemoryRepo) All() []Record {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Record, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.records[id])
	}
	return out
}
