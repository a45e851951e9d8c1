package calls

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestService_CreateValidates(t *testing.T) {
	svc := NewService(NewMemoryRepo())
	ctx := context.Background()

	if _, err := svc.Create(ctx, Record{UserID: "u", Direction: DirectionOutgoing}); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("expected ErrInvalidArgument without organization, got %v", err)
	}
	if _, err := svc.Create(ctx, Record{OrganizationID: "o", UserID: "u", Direction: "sideways"}); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("expected ErrInvalidArgument for direction, got %v", err)
	}
}

func TestService_CreateAndFinish(t *testing.T) {
	repo := NewMemoryRepo()
	svc := NewService(repo)
	now := time.Unix(1700000000, 0).UTC()
	svc.clock = func() time.Time { return now }
	ctx := context.Background()

	rec, err := svc.Create(ctx, Record{OrganizationID: "o", UserID: "u", Direction: DirectionOutgoing, ToNumber: "+15550001111"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if rec.ID == "" || rec.Status != StatusInitiated || !rec.StartedAt.Equal(now) {
		t.Fatalf("unexpected record %+v", rec)
	}

	dur := 42
	if err := svc.UpdateStatus(ctx, "o", rec.ID, StatusUpdate{Status: StatusCompleted, DurationSeconds: &dur}); err != nil {
		t.Fatalf("update: %v", err)
	}
	got, err := svc.Get(ctx, "o", rec.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != StatusCompleted || got.EndedAt == nil || *got.DurationSeconds != 42 {
		t.Fatalf("unexpected final record %+v", got)
	}
}

func TestService_UpdateIsOrganizationScoped(t *testing.T) {
	svc := NewService(NewMemoryRepo())
	ctx := context.Background()
	rec, _ := svc.Create(ctx, Record{OrganizationID: "o1", UserID: "u", Direction: DirectionIncoming})

	err := svc.UpdateStatus(ctx, "o2", rec.ID, StatusUpdate{Status: StatusRinging})
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound across organizations, got %v", err)
	}
}
