package repository

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestJobClaimAtMostOnce(t *testing.T) {
	ctx := context.Background()
	repo := NewJobRepository(newTestDB(t))

	id, err := repo.Enqueue(ctx, "process_received_file", `{"path":"a.dcm"}`, 0, 3, time.Time{})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	first, err := repo.Claim(ctx, "worker-1", "process_received_file", 10)
	if err != nil {
		t.Fatalf("Claim (first): %v", err)
	}
	if len(first) != 1 || first[0].ID != id {
		t.Fatalf("expected to claim the one enqueued job, got %d rows", len(first))
	}
	if first[0].Status != "processing" {
		t.Errorf("status = %q, want processing", first[0].Status)
	}
	if first[0].Attempts != 1 {
		t.Errorf("attempts = %d, want 1", first[0].Attempts)
	}

	second, err := repo.Claim(ctx, "worker-2", "process_received_file", 10)
	if err != nil {
		t.Fatalf("Claim (second): %v", err)
	}
	if len(second) != 0 {
		t.Fatalf("expected second claim to see nothing, got %d rows", len(second))
	}
}

func TestJobFailBacksOffBeforeRetry(t *testing.T) {
	ctx := context.Background()
	repo := NewJobRepository(newTestDB(t))

	id, err := repo.Enqueue(ctx, "trigger_forward", "{}", 0, 2, time.Time{})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	claimed, err := repo.Claim(ctx, "worker-1", "trigger_forward", 10)
	if err != nil || len(claimed) != 1 {
		t.Fatalf("Claim: %v (rows=%d)", err, len(claimed))
	}
	job := claimed[0]

	before := time.Now()
	if err := repo.Fail(ctx, job, "transient failure"); err != nil {
		t.Fatalf("Fail: %v", err)
	}

	got, err := repo.GetByID(ctx, id)
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if got.Status != "pending" {
		t.Fatalf("status after first failure = %q, want pending", got.Status)
	}
	if delay := got.AvailableAt.Sub(before); delay < 1*time.Second {
		t.Errorf("available_at delay = %v, want >= 1s", delay)
	}

	claimed, err = repo.Claim(ctx, "worker-1", "trigger_forward", 10)
	if err != nil {
		t.Fatalf("Claim after backoff (should see nothing yet): %v", err)
	}
	if len(claimed) != 0 {
		t.Fatalf("expected job still unavailable during backoff, got %d rows", len(claimed))
	}
}

func TestJobSweepStale(t *testing.T) {
	ctx := context.Background()
	repo := NewJobRepository(newTestDB(t))

	_, err := repo.Enqueue(ctx, "process_received_file", "{}", 0, 3, time.Time{})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	claimed, err := repo.Claim(ctx, "worker-1", "process_received_file", 10)
	if err != nil || len(claimed) != 1 {
		t.Fatalf("Claim: %v", err)
	}

	n, err := repo.SweepStale(ctx, 0) // every processing row is "stale" relative to now
	if err != nil {
		t.Fatalf("SweepStale: %v", err)
	}
	if n != 1 {
		t.Fatalf("SweepStale reset %d rows, want 1", n)
	}

	got, err := repo.GetByID(ctx, claimed[0].ID)
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if got.Status != "pending" {
		t.Errorf("status after sweep = %q, want pending", got.Status)
	}
	if got.Attempts != 1 {
		t.Errorf("attempts after sweep = %d, want unchanged at 1", got.Attempts)
	}
}

func TestJobCountsByType(t *testing.T) {
	ctx := context.Background()
	repo := NewJobRepository(newTestDB(t))

	if _, err := repo.Enqueue(ctx, "process_received_file", "{}", 0, 3, time.Time{}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if _, err := repo.Enqueue(ctx, "trigger_forward", "{}", 0, 3, time.Time{}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	pending, processing, err := repo.CountsByType(ctx, "process_received_file")
	if err != nil {
		t.Fatalf("CountsByType: %v", err)
	}
	if pending != 1 || processing != 0 {
		t.Fatalf("process_received_file counts = (%d, %d), want (1, 0)", pending, processing)
	}

	pending, processing, err = repo.CountsByType(ctx, "trigger_forward")
	if err != nil {
		t.Fatalf("CountsByType: %v", err)
	}
	if pending != 1 || processing != 0 {
		t.Fatalf("trigger_forward counts = (%d, %d), want (1, 0)", pending, processing)
	}
}

func TestJobGetByIDNotFound(t *testing.T) {
	ctx := context.Background()
	repo := NewJobRepository(newTestDB(t))

	id, err := repo.Enqueue(ctx, "trigger_forward", "{}", 0, 1, time.Time{})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if _, err := repo.GetByID(ctx, id); err != nil {
		t.Fatalf("GetByID existing: %v", err)
	}

	claimed, err := repo.Claim(ctx, "worker-1", "trigger_forward", 10)
	if err != nil || len(claimed) != 1 {
		t.Fatalf("Claim: %v", err)
	}
	// max_attempts=1, so a single failure dead-letters the job.
	if err := repo.Fail(ctx, claimed[0], "boom"); err != nil {
		t.Fatalf("Fail: %v", err)
	}
	got, err := repo.GetByID(ctx, id)
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if got.Status != "dead_letter" {
		t.Fatalf("status = %q, want dead_letter", got.Status)
	}

	deadLetters, total, err := repo.ListDeadLetter(ctx, ListOptions{Limit: 10})
	if err != nil {
		t.Fatalf("ListDeadLetter: %v", err)
	}
	if total != 1 || len(deadLetters) != 1 {
		t.Fatalf("ListDeadLetter = %d/%d, want 1/1", len(deadLetters), total)
	}

	if err := repo.Replay(ctx, id); err != nil {
		t.Fatalf("Replay: %v", err)
	}
	got, err = repo.GetByID(ctx, id)
	if err != nil {
		t.Fatalf("GetByID after replay: %v", err)
	}
	if got.Status != "pending" || got.Attempts != 0 {
		t.Fatalf("after replay: status=%q attempts=%d, want pending/0", got.Status, got.Attempts)
	}

	if err := repo.Complete(ctx, id, `{"ok":true}`); err != nil {
		t.Fatalf("Complete: %v", err)
	}
	got, err = repo.GetByID(ctx, id)
	if err != nil {
		t.Fatalf("GetByID after complete: %v", err)
	}
	if got.Status != "completed" {
		t.Fatalf("status after complete = %q, want completed", got.Status)
	}

	if _, err := repo.GetByID(ctx, id); err != nil {
		t.Fatalf("unexpected error re-reading completed job: %v", err)
	}
	notAUUID := id
	notAUUID[0] ^= 0xFF
	if _, err := repo.GetByID(ctx, notAUUID); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetByID(unknown) error = %v, want ErrNotFound", err)
	}
}
