package audit

import (
	"context"
	"sync"
)

// MemoryRepo keeps events in append order. Used by tests.
type MemoryRepo struct {
	mu       sync.Mutex
	events   []Event
	byImport map[string][]int
}

func NewMemoryRepo() *MemoryRepo { return &MemoryRepo{byImport: map[string][]int{}} }

func (r *MemoryRepo) Append(ctx context.Context, e Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e.ImportLogID != "" {
		r.byImport[e.ImportLogID] = append(r.byImport[e.ImportLogID], len(r.events))
	}
	r.events = append(r.events, e)
	return nil
}

// Events returns a copy of every stored event.
func (r *MemoryRepo) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

// ForImport returns the lifecycle events of one import log in order.
func (r *MemoryRepo) ForImport(importLogID string) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	idx := r.byImport[importLogID]
	out := make([]Event, 0, len(idx))
	for _, i := range idx {
		out = append(out, r.events[i])
	}
	return out
}
