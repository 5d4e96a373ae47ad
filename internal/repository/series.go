package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/studyflow/dicomgw/internal/db"
)

// SeriesRepository persists the mid-level DICOM hierarchy entity.
type SeriesRepository interface {
	GetBySeriesInstanceUID(ctx context.Context, tx *gorm.DB, seriesInstanceUID string) (*db.Series, error)
	Create(ctx context.Context, tx *gorm.DB, series *db.Series) error
	IncrementInstanceCount(ctx context.Context, tx *gorm.DB, id uuid.UUID) error
	ListByStudyID(ctx context.Context, studyID uuid.UUID) ([]db.Series, error)
}

type gormSeriesRepository struct {
	db *gorm.DB
}

// NewSeriesRepository returns a SeriesRepository backed by the provided *gorm.DB.
func NewSeriesRepository(gdb *gorm.DB) SeriesRepository {
	return &gormSeriesRepository{db: gdb}
}

func (r *gormSeriesRepository) GetBySeriesInstanceUID(ctx context.Context, tx *gorm.DB, seriesInstanceUID string) (*db.Series, error) {
	conn := r.db
	if tx != nil {
		conn = tx
	}
	var series db.Series
	err := conn.WithContext(ctx).First(&series, "series_instance_uid = ?", seriesInstanceUID).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("series: get by series instance uid: %w", err)
	}
	return &series, nil
}

func (r *gormSeriesRepository) Create(ctx context.Context, tx *gorm.DB, series *db.Series) error {
	conn := r.db
	if tx != nil {
		conn = tx
	}
	if err := conn.WithContext(ctx).Create(series).Error; err != nil {
		return fmt.Errorf("series: create: %w", err)
	}
	return nil
}

// ListByStudyID returns every series under a study, used by the dispatch
// planner to evaluate modality-based forwarding rules across the whole study.
func (r *gormSeriesRepository) ListByStudyID(ctx context.Context, studyID uuid.UUID) ([]db.Series, error) {
	var series []db.Series
	if err := r.db.WithContext(ctx).Where("study_id = ?", studyID).Find(&series).Error; err != nil {
		return nil, fmt.Errorf("series: list by study id: %w", err)
	}
	return series, nil
}

func (r *gormSeriesRepository) IncrementInstanceCount(ctx context.Context, tx *gorm.DB, id uuid.UUID) error {
	conn := r.db
	if tx != nil {
		conn = tx
	}
	result := conn.WithContext(ctx).Model(&db.Series{}).
		Where("id = ?", id).
		Update("instance_count", gorm.Expr("instance_count + 1"))
	if result.Error != nil {
		return fmt.Errorf("series: increment instance count: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}
