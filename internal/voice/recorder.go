package voice

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"crm-platform/internal/calls"
)

// RecordStore persists call records. calls.Service and APIClient satisfy it.
type RecordStore interface {
	Create(ctx context.Context, r calls.Record) (calls.Record, error)
	UpdateStatus(ctx context.Context, organizationID, id string, u calls.StatusUpdate) error
}

// recorder writes one call's record off the call path. Creation starts
// immediately; status updates queue behind it in order and are dropped
// only when creation failed.
type recorder struct {
	store   RecordStore
	log     *slog.Logger
	timeout time.Duration

	mu     sync.Mutex
	cond   *sync.Cond
	queue  []calls.StatusUpdate
	closed bool
	id     string

	done chan struct{}
}

func startRecorder(store RecordStore, rec calls.Record, timeout time.Duration, log *slog.Logger) *recorder {
	r := &recorder{store: store, log: log, timeout: timeout, done: make(chan struct{})}
	r.cond = sync.NewCond(&r.mu)
	go r.run(rec)
	return r
}

func (r *recorder) run(rec calls.Record) {
	defer close(r.done)

	created, err := r.create(rec)
	if err != nil {
		r.log.Error("call record create failed", "direction", rec.Direction, "err", err)
	} else {
		r.mu.Lock()
		r.id = created.ID
		r.mu.Unlock()
	}

	for {
		r.mu.Lock()
		for len(r.queue) == 0 && !r.closed {
			r.cond.Wait()
		}
		if len(r.queue) == 0 {
			r.mu.Unlock()
			return
		}
		u := r.queue[0]
		r.queue = r.queue[1:]
		r.mu.Unlock()

		if err != nil {
			r.log.Warn("call record missing, status update skipped", "status", u.Status)
			continue
		}
		r.write(created, u)
	}
}

func (r *recorder) create(rec calls.Record) (calls.Record, error) {
	if r.store == nil {
		return calls.Record{}, calls.ErrInvalidArgument
	}
	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()
	return r.store.Create(ctx, rec)
}

func (r *recorder) write(rec calls.Record, u calls.StatusUpdate) {
	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()
	if err := r.store.UpdateStatus(ctx, rec.OrganizationID, rec.ID, u); err != nil {
		r.log.Error("call record update failed", "call_id", rec.ID, "status", u.Status, "err", err)
	}
}

// update queues a status change. Updates after finish are ignored.
func (r *recorder) update(u calls.StatusUpdate) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	r.queue = append(r.queue, u)
	r.cond.Signal()
}

// finish queues the final status and returns a channel closed once every
// queued write has been attempted.
func (r *recorder) finish(u calls.StatusUpdate) <-chan struct{} {
	r.mu.Lock()
	if !r.closed {
		r.queue = append(r.queue, u)
		r.closed = true
		r.cond.Signal()
	}
	r.mu.Unlock()
	return r.done
}

func (r *recorder) recordID() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.id
}
