package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/studyflow/dicomgw/internal/db"
)

// InstanceRepository persists one row per composite SOP Instance. Create is
// a plain insert and fails on a duplicate SOPInstanceUID (unique index); the
// catalog writer handles a replay of the same object by finding the row with
// GetBySOPInstanceUID first and not calling Create.
type InstanceRepository interface {
	GetBySOPInstanceUID(ctx context.Context, sopInstanceUID string) (*db.Instance, error)
	Create(ctx context.Context, tx *gorm.DB, instance *db.Instance) error
	ListBySeriesID(ctx context.Context, seriesID uuid.UUID) ([]db.Instance, error)
	ListDistinctTransferSyntaxesByStudyID(ctx context.Context, studyID uuid.UUID) ([]string, error)
}

type gormInstanceRepository struct {
	db *gorm.DB
}

// NewInstanceRepository returns an InstanceRepository backed by the provided *gorm.DB.
func NewInstanceRepository(gdb *gorm.DB) InstanceRepository {
	return &gormInstanceRepository{db: gdb}
}

func (r *gormInstanceRepository) GetBySOPInstanceUID(ctx context.Context, sopInstanceUID string) (*db.Instance, error) {
	var instance db.Instance
	err := r.db.WithContext(ctx).First(&instance, "sop_instance_uid = ?", sopInstanceUID).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("instances: get by sop instance uid: %w", err)
	}
	return &instance, nil
}

func (r *gormInstanceRepository) Create(ctx context.Context, tx *gorm.DB, instance *db.Instance) error {
	conn := r.db
	if tx != nil {
		conn = tx
	}
	if err := conn.WithContext(ctx).Create(instance).Error; err != nil {
		return fmt.Errorf("instances: create: %w", err)
	}
	return nil
}

func (r *gormInstanceRepository) ListBySeriesID(ctx context.Context, seriesID uuid.UUID) ([]db.Instance, error) {
	var instances []db.Instance
	if err := r.db.WithContext(ctx).
		Where("series_id = ?", seriesID).
		Order("created_at ASC").
		Find(&instances).Error; err != nil {
		return nil, fmt.Errorf("instances: list by series id: %w", err)
	}
	return instances, nil
}

// ListDistinctTransferSyntaxesByStudyID returns the distinct, non-empty
// TransferSyntaxUID values stored across every instance under studyID, used
// by the forwarder to propose the exact transfer syntaxes it needs to send
// without re-encoding.
func (r *gormInstanceRepository) ListDistinctTransferSyntaxesByStudyID(ctx context.Context, studyID uuid.UUID) ([]string, error) {
	var syntaxes []string
	result := r.db.WithContext(ctx).
		Model(&db.Instance{}).
		Joins("JOIN series ON series.id = instances.series_id").
		Where("series.study_id = ? AND instances.transfer_syntax_uid <> ?", studyID, "").
		Distinct("instances.transfer_syntax_uid").
		Pluck("instances.transfer_syntax_uid", &syntaxes)
	if result.Error != nil {
		return nil, fmt.Errorf("instances: list distinct transfer syntaxes by study id: %w", result.Error)
	}
	return syntaxes, nil
}
