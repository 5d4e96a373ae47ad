package autoscaler

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/studyflow/dicomgw/internal/db"
	"github.com/studyflow/dicomgw/internal/repository"
	"github.com/studyflow/dicomgw/internal/supervisor"
)

// fakeJobRepository answers CountsByType from a fixed table and
// panics if any other method is exercised — the autoscaler's tick never
// calls anything else.
type fakeJobRepository struct {
	byType map[string][2]int64 // jobType -> [pending, processing]
}

func (f *fakeJobRepository) Enqueue(context.Context, string, string, int, int, time.Time) (uuid.UUID, error) {
	panic("not used by autoscaler")
}
func (f *fakeJobRepository) Claim(context.Context, string, string, int) ([]db.Job, error) {
	panic("not used by autoscaler")
}
func (f *fakeJobRepository) Complete(context.Context, uuid.UUID, string) error {
	panic("not used by autoscaler")
}
func (f *fakeJobRepository) Fail(context.Context, db.Job, string) error {
	panic("not used by autoscaler")
}
func (f *fakeJobRepository) SweepStale(context.Context, time.Duration) (int64, error) {
	panic("not used by autoscaler")
}
func (f *fakeJobRepository) GetByID(context.Context, uuid.UUID) (*db.Job, error) {
	panic("not used by autoscaler")
}
func (f *fakeJobRepository) ListDeadLetter(context.Context, repository.ListOptions) ([]db.Job, int64, error) {
	panic("not used by autoscaler")
}
func (f *fakeJobRepository) Replay(context.Context, uuid.UUID) error {
	panic("not used by autoscaler")
}
func (f *fakeJobRepository) Counts(context.Context) (int64, int64, error) {
	panic("not used by autoscaler")
}
func (f *fakeJobRepository) CountsByType(ctx context.Context, jobType string) (int64, int64, error) {
	counts := f.byType[jobType]
	return counts[0], counts[1], nil
}

type fakeForwardJobRepository struct {
	pending, processing int64
}

func (f *fakeForwardJobRepository) Enqueue(context.Context, uuid.UUID, uuid.UUID, int, int) (uuid.UUID, error) {
	panic("not used by autoscaler")
}
func (f *fakeForwardJobRepository) Claim(context.Context, string, int) ([]db.ForwardJob, error) {
	panic("not used by autoscaler")
}
func (f *fakeForwardJobRepository) Complete(context.Context, uuid.UUID, int64, int64) error {
	panic("not used by autoscaler")
}
func (f *fakeForwardJobRepository) Fail(context.Context, db.ForwardJob, string, int64, int64) error {
	panic("not used by autoscaler")
}
func (f *fakeForwardJobRepository) SweepStale(context.Context, time.Duration) (int64, error) {
	panic("not used by autoscaler")
}
func (f *fakeForwardJobRepository) GetByID(context.Context, uuid.UUID) (*db.ForwardJob, error) {
	panic("not used by autoscaler")
}
func (f *fakeForwardJobRepository) ListDeadLetter(context.Context, repository.ListOptions) ([]db.ForwardJob, int64, error) {
	panic("not used by autoscaler")
}
func (f *fakeForwardJobRepository) Replay(context.Context, uuid.UUID) error {
	panic("not used by autoscaler")
}
func (f *fakeForwardJobRepository) Counts(context.Context) (int64, int64, error) {
	return f.pending, f.processing, nil
}

func noopWorker(ctx context.Context, instanceID string) error {
	<-ctx.Done()
	return nil
}

func TestTickScalesUpCatalogWriterUnderPendingPressure(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	super := supervisor.New(zap.NewNop())
	super.Register(RoleIngestor, noopWorker)
	super.Register(RoleCatalogWriter, noopWorker)
	super.Register(RoleDispatch, noopWorker)
	super.Register(RoleForwarder, noopWorker)
	if err := super.StartInstance(ctx, RoleCatalogWriter, "catalog_writer-0"); err != nil {
		t.Fatalf("StartInstance: %v", err)
	}

	jobs := &fakeJobRepository{byType: map[string][2]int64{
		"process_received_file": {20, 0}, // well above DefaultBounds' UpPending of 10
		"trigger_forward":       {0, 0},
	}}
	forward := &fakeForwardJobRepository{}

	a, err := New(Config{
		CheckInterval: time.Hour, // never fires on its own; test calls tick directly
		Bounds: map[string]Bounds{
			RoleIngestor:      DefaultBounds(1, 1),
			RoleCatalogWriter: DefaultBounds(1, 4),
			RoleDispatch:      DefaultBounds(1, 2),
			RoleForwarder:     DefaultBounds(1, 8),
		},
	}, jobs, forward, super, zap.NewNop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	a.tick(ctx)

	if got := super.ListInstances(RoleCatalogWriter); got != 2 {
		t.Fatalf("catalog_writer instances after tick = %d, want 2 (scaled up from 1)", got)
	}
	if got := super.ListInstances(RoleIngestor); got != 1 {
		t.Fatalf("ingestor instances = %d, want held at minimum 1", got)
	}

	super.StopAll()
}

func TestTickRespectsScaleUpCooldown(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	super := supervisor.New(zap.NewNop())
	super.Register(RoleIngestor, noopWorker)
	super.Register(RoleCatalogWriter, noopWorker)
	super.Register(RoleDispatch, noopWorker)
	super.Register(RoleForwarder, noopWorker)
	if err := super.StartInstance(ctx, RoleCatalogWriter, "catalog_writer-0"); err != nil {
		t.Fatalf("StartInstance: %v", err)
	}

	jobs := &fakeJobRepository{byType: map[string][2]int64{
		"process_received_file": {20, 0},
		"trigger_forward":       {0, 0},
	}}
	forward := &fakeForwardJobRepository{}

	a, err := New(Config{
		Bounds: map[string]Bounds{
			RoleIngestor:      DefaultBounds(1, 1),
			RoleCatalogWriter: DefaultBounds(1, 4),
			RoleDispatch:      DefaultBounds(1, 2),
			RoleForwarder:     DefaultBounds(1, 8),
		},
	}, jobs, forward, super, zap.NewNop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	a.tick(ctx) // first scale-up, starts the cooldown clock
	a.tick(ctx) // immediately again: cooldown should suppress a second scale-up

	if got := super.ListInstances(RoleCatalogWriter); got != 2 {
		t.Fatalf("catalog_writer instances after two immediate ticks = %d, want 2 (cooldown should block the second)", got)
	}

	super.StopAll()
}

func TestTickScalesDownWhenIdle(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	super := supervisor.New(zap.NewNop())
	super.Register(RoleIngestor, noopWorker)
	super.Register(RoleCatalogWriter, noopWorker)
	super.Register(RoleDispatch, noopWorker)
	super.Register(RoleForwarder, noopWorker)
	for _, id := range []string{"catalog_writer-0", "catalog_writer-1"} {
		if err := super.StartInstance(ctx, RoleCatalogWriter, id); err != nil {
			t.Fatalf("StartInstance: %v", err)
		}
	}

	jobs := &fakeJobRepository{byType: map[string][2]int64{
		"process_received_file": {0, 0},
		"trigger_forward":       {0, 0},
	}}
	forward := &fakeForwardJobRepository{}

	bounds := DefaultBounds(1, 4)
	bounds.ScaleDownCooldown = 0 // exercise the decision without waiting out the real default
	a, err := New(Config{
		Bounds: map[string]Bounds{
			RoleIngestor:      DefaultBounds(1, 1),
			RoleCatalogWriter: bounds,
			RoleDispatch:      DefaultBounds(1, 2),
			RoleForwarder:     DefaultBounds(1, 8),
		},
	}, jobs, forward, super, zap.NewNop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	a.tick(ctx)

	if got := super.ListInstances(RoleCatalogWriter); got != 1 {
		t.Fatalf("catalog_writer instances after idle tick = %d, want scaled down to 1", got)
	}

	super.StopAll()
}
