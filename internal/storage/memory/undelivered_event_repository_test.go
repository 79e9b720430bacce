package memory

import (
	"context"
	"testing"

	"github.com/vladislavdragonenkov/fulfillment/internal/domain"
)

func TestUndeliveredEventRepository_Lifecycle(t *testing.T) {
	repo := NewUndeliveredEventRepository()
	ctx := context.Background()

	saved, err := repo.Record(ctx, domain.UndeliveredEvent{
		Event:     domain.DomainEvent{DetailType: domain.EventOrderPlaced},
		Transport: "http",
		LastError: "connection refused",
	})
	if err != nil {
		t.Fatalf("record failed: %v", err)
	}
	if saved.ID == "" || saved.Status != domain.UndeliveredPending {
		t.Fatalf("unexpected record: %+v", saved)
	}

	stats, _ := repo.Stats(ctx)
	if stats.PendingCount != 1 || stats.OldestPendingAt.IsZero() {
		t.Fatalf("unexpected stats: %+v", stats)
	}

	if err := repo.MarkFailed(ctx, saved.ID, "still down", false); err != nil {
		t.Fatalf("mark failed: %v", err)
	}
	pending, _ := repo.PullPending(ctx, 10)
	if len(pending) != 1 || pending[0].Attempts != 1 || pending[0].LastError != "still down" {
		t.Fatalf("unexpected pending: %+v", pending)
	}

	if err := repo.MarkRedelivered(ctx, saved.ID); err != nil {
		t.Fatalf("mark redelivered: %v", err)
	}
	pending, _ = repo.PullPending(ctx, 10)
	if len(pending) != 0 {
		t.Fatalf("expected empty backlog, got %d", len(pending))
	}

	if err := repo.MarkRedelivered(ctx, "missing"); err != domain.ErrEventNotFound {
		t.Fatalf("expected ErrEventNotFound, got %v", err)
	}
}
