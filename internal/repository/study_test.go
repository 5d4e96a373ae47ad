package repository

import (
	"context"
	"testing"
	"time"

	"github.com/studyflow/dicomgw/internal/db"
)

func TestStudyRecordInstanceFlipsStatusToProcessing(t *testing.T) {
	ctx := context.Background()
	repo := NewStudyRepository(newTestDB(t))

	study := &db.Study{StudyInstanceUID: "1.2.840.study.3", Status: "received"}
	if err := repo.Create(ctx, nil, study); err != nil {
		t.Fatalf("create: %v", err)
	}

	now := time.Now()
	if err := repo.RecordInstance(ctx, nil, study.ID, 2048, now); err != nil {
		t.Fatalf("RecordInstance: %v", err)
	}

	got, err := repo.GetByID(ctx, study.ID)
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if got.Status != "processing" {
		t.Errorf("status = %q, want processing", got.Status)
	}
	if got.FileCount != 1 {
		t.Errorf("file_count = %d, want 1", got.FileCount)
	}
	if got.TotalSizeBytes != 2048 {
		t.Errorf("total_size_bytes = %d, want 2048", got.TotalSizeBytes)
	}

	// A second instance must not revert status back to received or
	// overwrite forward progress — only the received->processing edge
	// is special-cased.
	if err := repo.RecordInstance(ctx, nil, study.ID, 1024, now.Add(time.Second)); err != nil {
		t.Fatalf("RecordInstance (second): %v", err)
	}
	got, err = repo.GetByID(ctx, study.ID)
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if got.Status != "processing" {
		t.Errorf("status after second instance = %q, want still processing", got.Status)
	}
	if got.FileCount != 2 || got.TotalSizeBytes != 3072 {
		t.Errorf("counters = (%d, %d), want (2, 3072)", got.FileCount, got.TotalSizeBytes)
	}
}

func TestStudyMarkForwarded(t *testing.T) {
	ctx := context.Background()
	repo := NewStudyRepository(newTestDB(t))

	study := &db.Study{StudyInstanceUID: "1.2.840.study.4", Status: "processing"}
	if err := repo.Create(ctx, nil, study); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := repo.MarkForwarded(ctx, study.ID); err != nil {
		t.Fatalf("MarkForwarded: %v", err)
	}
	got, err := repo.GetByID(ctx, study.ID)
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if got.Status != "forwarded" || got.ForwardedAt == nil {
		t.Errorf("status=%q forwardedAt=%v, want forwarded/non-nil", got.Status, got.ForwardedAt)
	}
}

func TestStudyListStaleProcessing(t *testing.T) {
	ctx := context.Background()
	repo := NewStudyRepository(newTestDB(t))

	old := &db.Study{StudyInstanceUID: "1.2.840.study.stale", Status: "processing"}
	if err := repo.Create(ctx, nil, old); err != nil {
		t.Fatalf("create: %v", err)
	}
	past := time.Now().Add(-time.Hour)
	if err := repo.RecordInstance(ctx, nil, old.ID, 100, past); err != nil {
		t.Fatalf("RecordInstance: %v", err)
	}

	fresh := &db.Study{StudyInstanceUID: "1.2.840.study.fresh", Status: "processing"}
	if err := repo.Create(ctx, nil, fresh); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := repo.RecordInstance(ctx, nil, fresh.ID, 100, time.Now()); err != nil {
		t.Fatalf("RecordInstance: %v", err)
	}

	cutoff := time.Now().Add(-10 * time.Minute)
	stale, err := repo.ListStaleProcessing(ctx, cutoff, 10)
	if err != nil {
		t.Fatalf("ListStaleProcessing: %v", err)
	}
	if len(stale) != 1 || stale[0].ID != old.ID {
		t.Fatalf("ListStaleProcessing returned %d rows, want exactly the stale one", len(stale))
	}
}
