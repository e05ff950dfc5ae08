package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/petrijr/flowcore/internal/persistence"
	"github.com/petrijr/flowcore/pkg/api"
)

func TestRetention_DeletesExpiredTraces(t *testing.T) {
	ctx := context.Background()
	repo := persistence.NewInMemoryStore()
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

	traces := []*api.FlowTrace{
		{ID: "old", StreamID: "s", Status: api.TraceSuccess, EndTime: now.Add(-48 * time.Hour)},
		{ID: "recent", StreamID: "s", Status: api.TraceError, EndTime: now.Add(-time.Hour)},
		{ID: "open", StreamID: "s", Status: api.TraceRunning},
	}
	for _, tr := range traces {
		if err := repo.CreateTrace(ctx, tr); err != nil {
			t.Fatalf("CreateTrace failed: %v", err)
		}
	}
	if err := repo.BatchCreate(ctx, []*api.FlowContext{
		{ID: "c-old", TraceID: "old", StreamID: "s", Position: "end", Status: api.StatusArchived},
	}); err != nil {
		t.Fatalf("BatchCreate failed: %v", err)
	}

	r, err := NewRetention(repo, RetentionConfig{
		MaxAge: 24 * time.Hour,
		Clock:  func() time.Time { return now },
	})
	if err != nil {
		t.Fatalf("NewRetention failed: %v", err)
	}

	n, err := r.RunOnce(ctx)
	if err != nil {
		t.Fatalf("RunOnce failed: %v", err)
	}
	if n != 1 {
		t.Fatalf("deleted %d traces, want 1", n)
	}
	if _, err := repo.GetTrace(ctx, "old"); !errors.Is(err, api.ErrTraceNotFound) {
		t.Fatalf("expected old trace to be gone, got %v", err)
	}
	if ctxs, _ := repo.FindByTrace(ctx, "old"); len(ctxs) != 0 {
		t.Fatalf("expected old contexts to be gone, got %d", len(ctxs))
	}
	for _, id := range []string{"recent", "open"} {
		if _, err := repo.GetTrace(ctx, id); err != nil {
			t.Fatalf("trace %s should be kept: %v", id, err)
		}
	}

	if n, err := r.RunOnce(ctx); err != nil || n != 0 {
		t.Fatalf("second run deleted %d (%v), want 0", n, err)
	}
}

func TestRetention_Schedule(t *testing.T) {
	repo := persistence.NewInMemoryStore()

	if _, err := NewRetention(repo, RetentionConfig{Schedule: "not a cron"}); err == nil {
		t.Fatalf("expected an error for an invalid schedule")
	}
	if _, err := NewRetention(repo, RetentionConfig{MaxAge: -time.Second}); !errors.Is(err, ErrInvalidRetention) {
		t.Fatalf("expected ErrInvalidRetention, got %v", err)
	}

	r, err := NewRetention(repo, RetentionConfig{Schedule: "@every 1h"})
	if err != nil {
		t.Fatalf("NewRetention failed: %v", err)
	}
	r.Start()
	defer r.Stop()

	deadline := time.Now().Add(time.Second)
	for r.Next().IsZero() {
		if time.Now().After(deadline) {
			t.Fatalf("job was never scheduled")
		}
		time.Sleep(5 * time.Millisecond)
	}
	if until := time.Until(r.Next()); until <= 0 || until > time.Hour {
		t.Fatalf("unexpected next run in %v", until)
	}
}
