package audit

import (
	"context"
	"testing"
)

func TestService_AppendRequiresOrganizationAndType(t *testing.T) {
	repo := NewMemoryRepo()
	svc := NewService(repo)

	if err := svc.Append(context.Background(), Event{Type: EventTypeImportStarted}); err == nil {
		t.Fatalf("expected error")
	}
	if err := svc.Append(context.Background(), Event{OrganizationID: "o"}); err == nil {
		t.Fatalf("expected error")
	}
}

func TestService_LogImport(t *testing.T) {
	repo := NewMemoryRepo()
	svc := NewService(repo)

	if err := svc.LogImport(context.Background(), "o", "u", "log1", EventTypeImportPaused, "error rate above threshold", `{"error_count":11}`); err != nil {
		t.Fatalf("unexpected err: %v", err)
	}

	evs := repo.Events()
	if len(evs) != 1 {
		t.Fatalf("expected 1 event")
	}
	if evs[0].ImportLogID != "log1" || evs[0].Type != EventTypeImportPaused {
		t.Fatalf("unexpected event %+v", evs[0])
	}
	if evs[0].ID == "" || evs[0].CreatedAt.IsZero() {
		t.Fatalf("expected id and timestamp filled")
	}
}
