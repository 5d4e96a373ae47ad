package repository

import (
	"context"
	"testing"

	"github.com/studyflow/dicomgw/internal/db"
)

func TestDestinationHealthConsistency(t *testing.T) {
	ctx := context.Background()
	repo := NewDestinationRepository(newTestDB(t))

	dest := &db.Destination{
		Name:    "pacs-a",
		AETitle: "PACSA",
		Host:    "pacs-a.internal",
		Port:    104,
	}
	if err := repo.Create(ctx, dest); err != nil {
		t.Fatalf("create: %v", err)
	}

	for i := 0; i < 3; i++ {
		if err := repo.RecordFailure(ctx, dest.ID); err != nil {
			t.Fatalf("RecordFailure: %v", err)
		}
	}
	got, err := repo.GetByID(ctx, dest.ID)
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if got.ConsecutiveFailures != 3 {
		t.Fatalf("consecutive_failures = %d, want 3", got.ConsecutiveFailures)
	}
	if got.LastFailureAt == nil {
		t.Fatal("last_failure_at not set")
	}

	// A single success must reset the counter to zero, never merely
	// decrement it.
	if err := repo.RecordSuccess(ctx, dest.ID); err != nil {
		t.Fatalf("RecordSuccess: %v", err)
	}
	got, err = repo.GetByID(ctx, dest.ID)
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if got.ConsecutiveFailures != 0 {
		t.Fatalf("consecutive_failures after success = %d, want 0", got.ConsecutiveFailures)
	}
	if got.LastSuccessAt == nil {
		t.Fatal("last_success_at not set")
	}

	// A success must never increment the failure counter.
	if err := repo.RecordSuccess(ctx, dest.ID); err != nil {
		t.Fatalf("RecordSuccess (second): %v", err)
	}
	got, err = repo.GetByID(ctx, dest.ID)
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if got.ConsecutiveFailures != 0 {
		t.Fatalf("consecutive_failures after repeated success = %d, want 0", got.ConsecutiveFailures)
	}
}

func TestDestinationListEnabled(t *testing.T) {
	ctx := context.Background()
	repo := NewDestinationRepository(newTestDB(t))

	enabled := &db.Destination{Name: "pacs-enabled", AETitle: "EN", Host: "h", Port: 104, Enabled: true}
	disabled := &db.Destination{Name: "pacs-disabled", AETitle: "DIS", Host: "h", Port: 104, Enabled: false}
	if err := repo.Create(ctx, enabled); err != nil {
		t.Fatalf("create enabled: %v", err)
	}
	if err := repo.Create(ctx, disabled); err != nil {
		t.Fatalf("create disabled: %v", err)
	}

	got, err := repo.ListEnabled(ctx)
	if err != nil {
		t.Fatalf("ListEnabled: %v", err)
	}
	if len(got) != 1 || got[0].Name != "pacs-enabled" {
		t.Fatalf("ListEnabled = %+v, want only pacs-enabled", got)
	}
}

func TestDestinationEncryptedFieldsRoundTrip(t *testing.T) {
	if err := db.InitEncryption([]byte("test-secret-for-destination-round-trip")); err != nil {
		t.Fatalf("InitEncryption: %v", err)
	}
	ctx := context.Background()
	repo := NewDestinationRepository(newTestDB(t))

	dest := &db.Destination{
		Name:          "pacs-tls",
		AETitle:       "TLS",
		Host:          "h",
		Port:          2762,
		TLSEnabled:    true,
		TLSClientCert: "-----BEGIN CERTIFICATE-----\nfake\n-----END CERTIFICATE-----",
	}
	if err := repo.Create(ctx, dest); err != nil {
		t.Fatalf("create: %v", err)
	}

	got, err := repo.GetByID(ctx, dest.ID)
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if got.TLSClientCert != dest.TLSClientCert {
		t.Fatalf("TLSClientCert round trip mismatch: got %q", got.TLSClientCert)
	}
}
