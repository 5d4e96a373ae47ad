package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/studyflow/dicomgw/internal/db"
	"github.com/studyflow/dicomgw/internal/queue"
)

// JobRepository is the durable, relational queue for ingest-side work:
// process_received_file and trigger_forward job types. At most one worker
// ever holds a given row in "processing"; Claim enforces that with a
// SKIP LOCKED select inside a transaction.
type JobRepository interface {
	Enqueue(ctx context.Context, jobType, payload string, priority, maxAttempts int, availableAt time.Time) (uuid.UUID, error)
	Claim(ctx context.Context, workerID, jobType string, batchSize int) ([]db.Job, error)
	Complete(ctx context.Context, id uuid.UUID, result string) error
	Fail(ctx context.Context, job db.Job, errMessage string) error
	SweepStale(ctx context.Context, staleThreshold time.Duration) (int64, error)
	GetByID(ctx context.Context, id uuid.UUID) (*db.Job, error)
	ListDeadLetter(ctx context.Context, opts ListOptions) ([]db.Job, int64, error)
	Replay(ctx context.Context, id uuid.UUID) error
	Counts(ctx context.Context) (pending, processing int64, err error)
	CountsByType(ctx context.Context, jobType string) (pending, processing int64, err error)
}

type gormJobRepository struct {
	db *gorm.DB
}

// NewJobRepository returns a JobRepository backed by the provided *gorm.DB.
func NewJobRepository(gdb *gorm.DB) JobRepository {
	return &gormJobRepository{db: gdb}
}

func (r *gormJobRepository) Enqueue(ctx context.Context, jobType, payload string, priority, maxAttempts int, availableAt time.Time) (uuid.UUID, error) {
	if availableAt.IsZero() {
		availableAt = time.Now()
	}
	job := db.Job{
		JobType:     jobType,
		Payload:     payload,
		Status:      "pending",
		Priority:    priority,
		MaxAttempts: maxAttempts,
		AvailableAt: availableAt,
	}
	if err := r.db.WithContext(ctx).Create(&job).Error; err != nil {
		return uuid.UUID{}, fmt.Errorf("jobs: enqueue: %w", err)
	}
	return job.ID, nil
}

// Claim selects up to batchSize pending, eligible rows (optionally filtered
// by jobType), locking them FOR UPDATE SKIP LOCKED so concurrent workers
// never double-claim, then marks them processing and returns the
// post-claim rows (with attempts already incremented) in one transaction.
func (r *gormJobRepository) Claim(ctx context.Context, workerID, jobType string, batchSize int) ([]db.Job, error) {
	var claimed []db.Job

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		query := tx.Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"}).
			Where("status = ? AND available_at <= ?", "pending", time.Now())
		if jobType != "" {
			query = query.Where("job_type = ?", jobType)
		}

		var rows []db.Job
		if err := query.
			Order("priority DESC, created_at ASC").
			Limit(batchSize).
			Find(&rows).Error; err != nil {
			return err
		}
		if len(rows) == 0 {
			return nil
		}

		ids := make([]uuid.UUID, len(rows))
		for i, row := range rows {
			ids[i] = row.ID
		}
		now := time.Now()
		if err := tx.Model(&db.Job{}).
			Where("id IN ?", ids).
			Updates(map[string]interface{}{
				"status":     "processing",
				"started_at": now,
				"locked_at":  now,
				"worker_id":  workerID,
				"attempts":   gorm.Expr("attempts + 1"),
			}).Error; err != nil {
			return err
		}

		// Re-read so the caller sees the post-increment attempts value.
		if err := tx.Where("id IN ?", ids).Find(&claimed).Error; err != nil {
			return err
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("jobs: claim: %w", err)
	}
	return claimed, nil
}

func (r *gormJobRepository) Complete(ctx context.Context, id uuid.UUID, result string) error {
	now := time.Now()
	res := r.db.WithContext(ctx).Model(&db.Job{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"status":       "completed",
			"completed_at": now,
			"result":       result,
		})
	if res.Error != nil {
		return fmt.Errorf("jobs: complete: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// Fail records errMessage and either reschedules job for retry with
// exponential backoff (attempts < max_attempts) or moves it to dead_letter.
// job must be the post-claim row returned by Claim, since its Attempts
// field is what the backoff calculation keys off.
func (r *gormJobRepository) Fail(ctx context.Context, job db.Job, errMessage string) error {
	now := time.Now()
	updates := map[string]interface{}{
		"error_message": errMessage,
		"worker_id":     "",
		"locked_at":     nil,
	}

	if job.Attempts < job.MaxAttempts {
		availableAt := queue.NextAvailableAt(now, job.Attempts)
		updates["status"] = "pending"
		updates["available_at"] = availableAt
		updates["retry_after"] = availableAt
	} else {
		updates["status"] = "dead_letter"
		updates["completed_at"] = now
	}

	res := r.db.WithContext(ctx).Model(&db.Job{}).Where("id = ?", job.ID).Updates(updates)
	if res.Error != nil {
		return fmt.Errorf("jobs: fail: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// SweepStale resets any row stuck in processing whose locked_at predates
// the stale threshold back to pending, without touching attempts — the
// prior worker may have partially completed observable side effects, so
// the retry counter continues from wherever it was.
func (r *gormJobRepository) SweepStale(ctx context.Context, staleThreshold time.Duration) (int64, error) {
	cutoff := time.Now().Add(-staleThreshold)
	res := r.db.WithContext(ctx).Model(&db.Job{}).
		Where("status = ? AND locked_at < ?", "processing", cutoff).
		Updates(map[string]interface{}{
			"status":    "pending",
			"worker_id": "",
			"locked_at": nil,
		})
	if res.Error != nil {
		return 0, fmt.Errorf("jobs: sweep stale: %w", res.Error)
	}
	return res.RowsAffected, nil
}

func (r *gormJobRepository) GetByID(ctx context.Context, id uuid.UUID) (*db.Job, error) {
	var job db.Job
	if err := r.db.WithContext(ctx).First(&job, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("jobs: get by id: %w", err)
	}
	return &job, nil
}

func (r *gormJobRepository) ListDeadLetter(ctx context.Context, opts ListOptions) ([]db.Job, int64, error) {
	var jobs []db.Job
	var total int64

	base := r.db.WithContext(ctx).Model(&db.Job{}).Where("status = ?", "dead_letter")
	if err := base.Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("jobs: list dead letter count: %w", err)
	}
	if err := base.
		Limit(opts.Limit).
		Offset(opts.Offset).
		Order("completed_at DESC").
		Find(&jobs).Error; err != nil {
		return nil, 0, fmt.Errorf("jobs: list dead letter: %w", err)
	}
	return jobs, total, nil
}

// Replay re-inserts a dead-lettered job as pending with attempts reset to
// zero, the one externally-triggered exception to the monotonic-attempts
// invariant.
func (r *gormJobRepository) Replay(ctx context.Context, id uuid.UUID) error {
	res := r.db.WithContext(ctx).Model(&db.Job{}).
		Where("id = ? AND status = ?", id, "dead_letter").
		Updates(map[string]interface{}{
			"status":        "pending",
			"attempts":      0,
			"available_at":  time.Now(),
			"error_message": "",
			"completed_at":  nil,
		})
	if res.Error != nil {
		return fmt.Errorf("jobs: replay: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// Counts returns the current pending and processing row counts, used by
// the autoscaler to size worker pools.
func (r *gormJobRepository) Counts(ctx context.Context) (pending, processing int64, err error) {
	if err = r.db.WithContext(ctx).Model(&db.Job{}).Where("status = ?", "pending").Count(&pending).Error; err != nil {
		return 0, 0, fmt.Errorf("jobs: count pending: %w", err)
	}
	if err = r.db.WithContext(ctx).Model(&db.Job{}).Where("status = ?", "processing").Count(&processing).Error; err != nil {
		return 0, 0, fmt.Errorf("jobs: count processing: %w", err)
	}
	return pending, processing, nil
}

// CountsByType is Counts scoped to a single job type, used by the autoscaler
// to size the catalog-writer and dispatch-planner pools independently even
// though both claim from the same jobs table.
func (r *gormJobRepository) CountsByType(ctx context.Context, jobType string) (pending, processing int64, err error) {
	if err = r.db.WithContext(ctx).Model(&db.Job{}).Where("status = ? AND job_type = ?", "pending", jobType).Count(&pending).Error; err != nil {
		return 0, 0, fmt.Errorf("jobs: count pending by type: %w", err)
	}
	if err = r.db.WithContext(ctx).Model(&db.Job{}).Where("status = ? AND job_type = ?", "processing", jobType).Count(&processing).Error; err != nil {
		return 0, 0, fmt.Errorf("jobs: count processing by type: %w", err)
	}
	return pending, processing, nil
}
