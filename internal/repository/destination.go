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

// DestinationRepository persists configured forward targets and their
// running health counters.
type DestinationRepository interface {
	Create(ctx context.Context, destination *db.Destination) error
	GetByID(ctx context.Context, id uuid.UUID) (*db.Destination, error)
	Update(ctx context.Context, destination *db.Destination) error
	Delete(ctx context.Context, id uuid.UUID) error
	List(ctx context.Context, opts ListOptions) ([]db.Destination, int64, error)
	ListEnabled(ctx context.Context) ([]db.Destination, error)
	RecordSuccess(ctx context.Context, id uuid.UUID) error
	RecordFailure(ctx context.Context, id uuid.UUID) error
}

type gormDestinationRepository struct {
	db *gorm.DB
}

// NewDestinationRepository returns a DestinationRepository backed by the provided *gorm.DB.
func NewDestinationRepository(db *gorm.DB) DestinationRepository {
	return &gormDestinationRepository{db: db}
}

func (r *gormDestinationRepository) Create(ctx context.Context, destination *db.Destination) error {
	if err := r.db.WithContext(ctx).Create(destination).Error; err != nil {
		return fmt.Errorf("destinations: create: %w", err)
	}
	return nil
}

func (r *gormDestinationRepository) GetByID(ctx context.Context, id uuid.UUID) (*db.Destination, error) {
	var destination db.Destination
	err := r.db.WithContext(ctx).First(&destination, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("destinations: get by id: %w", err)
	}
	return &destination, nil
}

// Update persists all fields of an existing destination record. TLS
// material is automatically re-encrypted by EncryptedString.Value() before
// being written to the database.
func (r *gormDestinationRepository) Update(ctx context.Context, destination *db.Destination) error {
	result := r.db.WithContext(ctx).Save(destination)
	if result.Error != nil {
		return fmt.Errorf("destinations: update: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *gormDestinationRepository) Delete(ctx context.Context, id uuid.UUID) error {
	result := r.db.WithContext(ctx).Delete(&db.Destination{}, "id = ?", id)
	if result.Error != nil {
		return fmt.Errorf("destinations: delete: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *gormDestinationRepository) List(ctx context.Context, opts ListOptions) ([]db.Destination, int64, error) {
	var destinations []db.Destination
	var total int64

	if err := r.db.WithContext(ctx).Model(&db.Destination{}).Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("destinations: list count: %w", err)
	}

	if err := r.db.WithContext(ctx).
		Limit(opts.Limit).
		Offset(opts.Offset).
		Order("created_at ASC").
		Find(&destinations).Error; err != nil {
		return nil, 0, fmt.Errorf("destinations: list: %w", err)
	}

	return destinations, total, nil
}

// ListEnabled returns every destination with enabled=true, used by the
// dispatch planner to enumerate forward targets.
func (r *gormDestinationRepository) ListEnabled(ctx context.Context) ([]db.Destination, error) {
	var destinations []db.Destination
	if err := r.db.WithContext(ctx).
		Where("enabled = ?", true).
		Order("name ASC").
		Find(&destinations).Error; err != nil {
		return nil, fmt.Errorf("destinations: list enabled: %w", err)
	}
	return destinations, nil
}

// RecordSuccess resets consecutive_failures to zero and stamps
// last_success_at. A success must never increment the failure counter.
func (r *gormDestinationRepository) RecordSuccess(ctx context.Context, id uuid.UUID) error {
	now := time.Now()
	result := r.db.WithContext(ctx).Model(&db.Destination{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"last_success_at":      now,
			"consecutive_failures": 0,
		})
	if result.Error != nil {
		return fmt.Errorf("destinations: record success: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// RecordFailure stamps last_failure_at and increments consecutive_failures.
func (r *gormDestinationRepository) RecordFailure(ctx context.Context, id uuid.UUID) error {
	now := time.Now()
	result := r.db.WithContext(ctx).Model(&db.Destination{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"last_failure_at":      now,
			"consecutive_failures": gorm.Expr("consecutive_failures + 1"),
		})
	if result.Error != nil {
		return fmt.Errorf("destinations: record failure: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}
