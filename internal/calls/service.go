package calls

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

var (
	ErrNotFound        = errors.New("calls: not found")
	ErrInvalidArgument = errors.New("calls: invalid argument")
)

// Repository is the persistence contract for call records.
// Every method is scoped by organization_id.
type Repository interface {
	Insert(ctx context.Context, r Record) error
	UpdateStatus(ctx context.Context, organizationID, id string, u StatusUpdate, now time.Time) error
	Get(ctx context.Context, organizationID, id string) (Record, error)
}

// Service validates and persists call records.
type Service struct {
	repo  Repository
	clock func() time.Time
}

func NewService(repo Repository) *Service {
	return &Service{repo: repo, clock: time.Now}
}

// Create inserts a new record and returns it with ID and timestamps filled.
func (s *Service) Create(ctx context.Context, r Record) (Record, error) {
	if r.OrganizationID == "" || r.UserID == "" || !r.Direction.Valid() {
		return Record{}, ErrInvalidArgument
	}
	if r.Status == "" {
		r.Status = StatusInitiated
	}
	if !r.Status.Valid() {
		return Record{}, ErrInvalidArgument
	}
	if s.repo == nil {
		return Record{}, errors.New("calls: repository not configured")
	}

	now := s.clock().UTC()
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if r.StartedAt.IsZero() {
		r.StartedAt = now
	}
	r.CreatedAt = now
	r.UpdatedAt = now

	if err := s.repo.Insert(ctx, r); err != nil {
		return Record{}, fmt.Errorf("calls: insert: %w", err)
	}
	return r, nil
}

// UpdateStatus applies a status transition. Terminal updates without an
// explicit end time are stamped with the current time.
func (s *Service) UpdateStatus(ctx context.Context, organizationID, id string, u StatusUpdate) error {
	if organizationID == "" || id == "" || !u.Status.Valid() {
		return ErrInvalidArgument
	}
	if s.repo == nil {
		return errors.New("calls: repository not configured")
	}
	now := s.clock().UTC()
	if u.Status.Terminal() && u.EndedAt == nil {
		u.EndedAt = &now
	}
	return s.repo.UpdateStatus(ctx, organizationID, id, u, now)
}

func (s *Service) Get(ctx context.Context, organizationID, id string) (Record, error) {
	if organizationID == "" || id == "" {
		return Record{}, ErrInvalidArgument
	}
	return s.repo.Get(ctx, organizationID, id)
}
