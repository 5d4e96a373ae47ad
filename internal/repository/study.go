package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/studyflow/dicomgw/internal/db"
)

// StudyRepository persists the top of the DICOM hierarchy and the counters
// the catalog writer maintains as instances arrive.
type StudyRepository interface {
	GetByID(ctx context.Context, id uuid.UUID) (*db.Study, error)
	GetByStudyInstanceUID(ctx context.Context, tx *gorm.DB, studyInstanceUID string) (*db.Study, error)
	Create(ctx context.Context, tx *gorm.DB, study *db.Study) error
	RecordInstance(ctx context.Context, tx *gorm.DB, id uuid.UUID, fileSizeBytes int64, receivedAt time.Time) error
	MarkForwarded(ctx context.Context, id uuid.UUID) error
	MarkStatus(ctx context.Context, id uuid.UUID, status string) error
	List(ctx context.Context, opts ListOptions) ([]db.Study, int64, error)
	ListStaleProcessing(ctx context.Context, cutoff time.Time, limit int) ([]db.Study, error)
}

type gormStudyRepository struct {
	db *gorm.DB
}

// NewStudyRepository returns a StudyRepository backed by the provided *gorm.DB.
func NewStudyRepository(gdb *gorm.DB) StudyRepository {
	return &gormStudyRepository{db: gdb}
}

func (r *gormStudyRepository) GetByID(ctx context.Context, id uuid.UUID) (*db.Study, error) {
	var study db.Study
	if err := r.db.WithContext(ctx).First(&study, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("studies: get by id: %w", err)
	}
	return &study, nil
}

// GetByStudyInstanceUID looks up a study by its globally unique UID. tx, if
// non-nil, lets callers read-then-update inside an existing transaction —
// the catalog writer upsert needs this to avoid a second round trip.
func (r *gormStudyRepository) GetByStudyInstanceUID(ctx context.Context, tx *gorm.DB, studyInstanceUID string) (*db.Study, error) {
	conn := r.db
	if tx != nil {
		conn = tx
	}
	var study db.Study
	err := conn.WithContext(ctx).First(&study, "study_instance_uid = ?", studyInstanceUID).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("studies: get by study instance uid: %w", err)
	}
	return &study, nil
}

func (r *gormStudyRepository) Create(ctx context.Context, tx *gorm.DB, study *db.Study) error {
	conn := r.db
	if tx != nil {
		conn = tx
	}
	if err := conn.WithContext(ctx).Create(study).Error; err != nil {
		return fmt.Errorf("studies: create: %w", err)
	}
	return nil
}

// RecordInstance increments file_count/total_size_bytes, advances
// last_instance_at, and flips status from received to processing. It must
// run inside the same transaction as the Series/Instance/IngestEvent
// writes for a given ingest.
func (r *gormStudyRepository) RecordInstance(ctx context.Context, tx *gorm.DB, id uuid.UUID, fileSizeBytes int64, receivedAt time.Time) error {
	conn := r.db
	if tx != nil {
		conn = tx
	}
	result := conn.WithContext(ctx).Model(&db.Study{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"file_count":       gorm.Expr("file_count + 1"),
			"total_size_bytes": gorm.Expr("total_size_bytes + ?", fileSizeBytes),
			"last_instance_at": receivedAt,
			"status":           gorm.Expr("CASE WHEN status = 'received' THEN 'processing' ELSE status END"),
		})
	if result.Error != nil {
		return fmt.Errorf("studies: record instance: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// MarkForwarded sets status=forwarded and stamps forwarded_at=now, the
// terminal success transition for a fully-sent study.
func (r *gormStudyRepository) MarkForwarded(ctx context.Context, id uuid.UUID) error {
	now := time.Now()
	result := r.db.WithContext(ctx).Model(&db.Study{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"status":       "forwarded",
			"forwarded_at": now,
		})
	if result.Error != nil {
		return fmt.Errorf("studies: mark forwarded: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *gormStudyRepository) MarkStatus(ctx context.Context, id uuid.UUID, status string) error {
	result := r.db.WithContext(ctx).Model(&db.Study{}).Where("id = ?", id).Update("status", status)
	if result.Error != nil {
		return fmt.Errorf("studies: mark status: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// ListStaleProcessing returns studies still in status=processing whose last
// received instance (or, lacking one, creation time) predates cutoff — the
// dispatch planner's quiet-period signal that no more instances are coming.
// It does not check whether the study was already triggered, eagerly or by
// an earlier sweep.
func (r *gormStudyRepository) ListStaleProcessing(ctx context.Context, cutoff time.Time, limit int) ([]db.Study, error) {
	var studies []db.Study
	err := r.db.WithContext(ctx).
		Where("status = ?", "processing").
		Where("(last_instance_at IS NOT NULL AND last_instance_at <= ?) OR (last_instance_at IS NULL AND created_at <= ?)", cutoff, cutoff).
		Order("created_at ASC").
		Limit(limit).
		Find(&studies).Error
	if err != nil {
		return nil, fmt.Errorf("studies: list stale processing: %w", err)
	}
	return studies, nil
}

func (r *gormStudyRepository) List(ctx context.Context, opts ListOptions) ([]db.Study, int64, error) {
	var studies []db.Study
	var total int64

	if err := r.db.WithContext(ctx).Model(&db.Study{}).Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("studies: list count: %w", err)
	}

	if err := r.db.WithContext(ctx).
		Limit(opts.Limit).
		Offset(opts.Offset).
		Order("created_at DESC").
		Find(&studies).Error; err != nil {
		return nil, 0, fmt.Errorf("studies: list: %w", err)
	}

	return studies, total, nil
}
