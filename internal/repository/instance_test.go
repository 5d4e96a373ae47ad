package repository

import (
	"context"
	"testing"

	"github.com/studyflow/dicomgw/internal/db"
)

func TestInstanceReplayLookupFindsExistingRow(t *testing.T) {
	ctx := context.Background()
	gdb := newTestDB(t)
	studies := NewStudyRepository(gdb)
	series := NewSeriesRepository(gdb)
	instances := NewInstanceRepository(gdb)

	study := &db.Study{StudyInstanceUID: "1.2.840.study.1"}
	if err := studies.Create(ctx, nil, study); err != nil {
		t.Fatalf("create study: %v", err)
	}
	s := &db.Series{SeriesInstanceUID: "1.2.840.series.1", StudyID: study.ID, Modality: "CT"}
	if err := series.Create(ctx, nil, s); err != nil {
		t.Fatalf("create series: %v", err)
	}

	inst := &db.Instance{
		SOPInstanceUID: "1.2.840.instance.1",
		SeriesID:       s.ID,
		SOPClassUID:    "1.2.840.10008.5.1.4.1.1.2",
		FilePath:       "/data/studies/1.2.840.study.1/1.2.840.instance.1.dcm",
	}
	if err := instances.Create(ctx, nil, inst); err != nil {
		t.Fatalf("create instance (first ingest): %v", err)
	}

	existing, err := instances.GetBySOPInstanceUID(ctx, "1.2.840.instance.1")
	if err != nil {
		t.Fatalf("get by sop instance uid: %v", err)
	}
	if existing.ID != inst.ID {
		t.Fatalf("expected to find the same instance row back")
	}

	// The catalog writer treats this path (pre-existing SOPInstanceUID found
	// via lookup) as the idempotent-replay success case; it never calls
	// Create a second time for the same UID. Confirm the lookup a second
	// time still finds exactly the one row rather than something duplicated
	// out from under a racing insert.
	again, err := instances.GetBySOPInstanceUID(ctx, "1.2.840.instance.1")
	if err != nil {
		t.Fatalf("second get by sop instance uid: %v", err)
	}
	if again.ID != inst.ID {
		t.Fatalf("replay lookup returned a different row")
	}
}

func TestInstanceListBySeriesID(t *testing.T) {
	ctx := context.Background()
	gdb := newTestDB(t)
	studies := NewStudyRepository(gdb)
	series := NewSeriesRepository(gdb)
	instances := NewInstanceRepository(gdb)

	study := &db.Study{StudyInstanceUID: "1.2.840.study.2"}
	if err := studies.Create(ctx, nil, study); err != nil {
		t.Fatalf("create study: %v", err)
	}
	s := &db.Series{SeriesInstanceUID: "1.2.840.series.2", StudyID: study.ID, Modality: "MR"}
	if err := series.Create(ctx, nil, s); err != nil {
		t.Fatalf("create series: %v", err)
	}

	for i := 0; i < 3; i++ {
		inst := &db.Instance{
			SOPInstanceUID: "1.2.840.instance." + string(rune('a'+i)),
			SeriesID:       s.ID,
			FilePath:       "/x.dcm",
		}
		if err := instances.Create(ctx, nil, inst); err != nil {
			t.Fatalf("create instance %d: %v", i, err)
		}
	}

	got, err := instances.ListBySeriesID(ctx, s.ID)
	if err != nil {
		t.Fatalf("ListBySeriesID: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("ListBySeriesID returned %d rows, want 3", len(got))
	}
}
