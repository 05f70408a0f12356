package backend

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/dimas4dev/talkiplay/internal/notification"
)

func TestPublishFillsDefaults(t *testing.T) {
	now := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
	svc, err := NewService(ServiceOptions{Repository: NewMemoryRepository(), Now: func() time.Time { return now }})
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	n, err := svc.Publish(context.Background(), PublishRequest{Type: "new_report", Title: "t", Message: "m"}, "test")
	if err != nil {
		t.Fatalf("publish: %v", err)
	}
	if _, err := uuid.Parse(n.ID); err != nil {
		t.Fatalf("expected uuid id, got %q", n.ID)
	}
	if n.RecipientID != notification.UnknownRecipient || n.IsRead || !n.CreatedAt.Equal(now) {
		t.Fatalf("unexpected defaults: %+v", n)
	}
}

func TestPublishRejectsDuplicatesAndBadData(t *testing.T) {
	svc, err := NewService(ServiceOptions{Repository: NewMemoryRepository()})
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	ctx := context.Background()
	req := PublishRequest{ID: "fixed", Type: "new_report", Title: "t", Message: "m"}
	if _, err := svc.Publish(ctx, req, "test"); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if _, err := svc.Publish(ctx, req, "test"); !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
	req.ID = "other"
	req.Data = []byte(`{broken`)
	if _, err := svc.Publish(ctx, req, "test"); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
}

func TestNewServiceRequiresRepository(t *testing.T) {
	if _, err := NewService(ServiceOptions{}); err == nil {
		t.Fatalf("expected error without repository")
	}
}
