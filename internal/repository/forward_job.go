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

// ForwardJobRepository is the durable queue of (study, destination) send
// attempts. It mirrors JobRepository's claim/complete/fail discipline but
// lives in its own table so forwarding never competes with ingest/catalog
// work for queue depth, and additionally requires destination.enabled=true
// at claim time.
type ForwardJobRepository interface {
	Enqueue(ctx context.Context, studyID, destinationID uuid.UUID, priority, maxAttempts int) (uuid.UUID, error)
	Claim(ctx context.Context, workerID string, batchSize int) ([]db.ForwardJob, error)
	Complete(ctx context.Context, id uuid.UUID, instancesSent, instancesFailed int64) error
	Fail(ctx context.Context, job db.ForwardJob, errMessage string, instancesSent, instancesFailed int64) error
	SweepStale(ctx context.Context, staleThreshold time.Duration) (int64, error)
	GetByID(ctx context.Context, id uuid.UUID) (*db.ForwardJob, error)
	ListDeadLetter(ctx context.Context, opts ListOptions) ([]db.ForwardJob, int64, error)
	Replay(ctx context.Context, id uuid.UUID) error
	Counts(ctx context.Context) (pending, processing int64, err error)
}

type gormForwardJobRepository struct {
	db *gorm.DB
}

// NewForwardJobRepository returns a ForwardJobRepository backed by the provided *gorm.DB.
func NewForwardJobRepository(gdb *gorm.DB) ForwardJobRepository {
	return &gormForwardJobRepository{db: gdb}
}

func (r *gormForwardJobRepository) Enqueue(ctx context.Context, studyID, destinationID uuid.UUID, priority, maxAttempts int) (uuid.UUID, error) {
	job := db.ForwardJob{
		StudyID:       studyID,
		DestinationID: destinationID,
		Status:        "pending",
		Priority:      priority,
		MaxAttempts:   maxAttempts,
		AvailableAt:   time.Now(),
	}
	if err := r.db.WithContext(ctx).Create(&job).Error; err != nil {
		return uuid.UUID{}, fmt.Errorf("forward_jobs: enqueue: %w", err)
	}
	return job.ID, nil
}

func (r *gormForwardJobRepository) Claim(ctx context.Context, workerID string, batchSize int) ([]db.ForwardJob, error) {
	var claimed []db.ForwardJob

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var rows []db.ForwardJob
		err := tx.Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"}).
			Joins("JOIN destinations ON destinations.id = forward_jobs.destination_id").
			Where("forward_jobs.status = ? AND forward_jobs.available_at <= ? AND destinations.enabled = ?",
				"pending", time.Now(), true).
			Order("forward_jobs.priority DESC, forward_jobs.created_at ASC").
			Limit(batchSize).
			Find(&rows).Error
		if err != nil {
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
		if err := tx.Model(&db.ForwardJob{}).
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

		if err := tx.Where("id IN ?", ids).Find(&claimed).Error; err != nil {
			return err
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("forward_jobs: claim: %w", err)
	}
	return claimed, nil
}

// Complete is only called when instances_failed==0 for the whole study;
// the forwarder decides completed vs. Fail before calling into this layer.
func (r *gormForwardJobRepository) Complete(ctx context.Context, id uuid.UUID, instancesSent, instancesFailed int64) error {
	now := time.Now()
	res := r.db.WithContext(ctx).Model(&db.ForwardJob{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"status":           "completed",
			"completed_at":     now,
			"instances_sent":   instancesSent,
			"instances_failed": instancesFailed,
		})
	if res.Error != nil {
		return fmt.Errorf("forward_jobs: complete: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *gormForwardJobRepository) Fail(ctx context.Context, job db.ForwardJob, errMessage string, instancesSent, instancesFailed int64) error {
	now := time.Now()
	updates := map[string]interface{}{
		"error_message":    errMessage,
		"worker_id":        "",
		"locked_at":        nil,
		"instances_sent":   instancesSent,
		"instances_failed": instancesFailed,
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

	res := r.db.WithContext(ctx).Model(&db.ForwardJob{}).Where("id = ?", job.ID).Updates(updates)
	if res.Error != nil {
		return fmt.Errorf("forward_jobs: fail: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *gormForwardJobRepository) SweepStale(ctx context.Context, staleThreshold time.Duration) (int64, error) {
	cutoff := time.Now().Add(-staleThreshold)
	res := r.db.WithContext(ctx).Model(&db.ForwardJob{}).
		Where("status = ? AND locked_at < ?", "processing", cutoff).
		Updates(map[string]interface{}{
			"status":    "pending",
			"worker_id": "",
			"locked_at": nil,
		})
	if res.Error != nil {
		return 0, fmt.Errorf("forward_jobs: sweep stale: %w", res.Error)
	}
	return res.RowsAffected, nil
}

func (r *gormForwardJobRepository) GetByID(ctx context.Context, id uuid.UUID) (*db.ForwardJob, error) {
	var job db.ForwardJob
	if err := r.db.WithContext(ctx).First(&job, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("forward_jobs: get by id: %w", err)
	}
	return &job, nil
}

func (r *gormForwardJobRepository) ListDeadLetter(ctx context.Context, opts ListOptions) ([]db.ForwardJob, int64, error) {
	var jobs []db.ForwardJob
	var total int64

	base := r.db.WithContext(ctx).Model(&db.ForwardJob{}).Where("status = ?", "dead_letter")
	if err := base.Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("forward_jobs: list dead letter count: %w", err)
	}
	if err := base.
		Limit(opts.Limit).
		Offset(opts.Offset).
		Order("completed_at DESC").
		Find(&jobs).Error; err != nil {
		return nil, 0, fmt.Errorf("forward_jobs: list dead letter: %w", err)
	}
	return jobs, total, nil
}

func (r *gormForwardJobRepository) Replay(ctx context.Context, id uuid.UUID) error {
	res := r.db.WithContext(ctx).Model(&db.ForwardJob{}).
		Where("id = ? AND status = ?", id, "dead_letter").
		Updates(map[string]interface{}{
			"status":           "pending",
			"attempts":         0,
			"available_at":     time.Now(),
			"error_message":    "",
			"completed_at":     nil,
			"instances_sent":   0,
			"instances_failed": 0,
		})
	if res.Error != nil {
		return fmt.Errorf("forward_jobs: replay: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *gormForwardJobRepository) Counts(ctx context.Context) (pending, processing int64, err error) {
	if err = r.db.WithContext(ctx).Model(&db.ForwardJob{}).Where("status = ?", "pending").Count(&pending).Error; err != nil {
		return 0, 0, fmt.Errorf("forward_jobs: count pending: %w", err)
	}
	if err = r.db.WithContext(ctx).Model(&db.ForwardJob{}).Where("status = ?", "processing").Count(&processing).Error; err != nil {
		return 0, 0, fmt.Errorf("forward_jobs: count processing: %w", err)
	}
	return pending, processing, nil
}
