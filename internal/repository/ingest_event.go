package repository

import (
	"context"
	"fmt"

	"gorm.io/gorm"

	"github.com/studyflow/dicomgw/internal/db"
)

// IngestEventRepository persists the append-only audit trail of received
// instances, one row per ingest attempt whether it succeeded or failed.
type IngestEventRepository interface {
	Create(ctx context.Context, tx *gorm.DB, event *db.IngestEvent) error
}

type gormIngestEventRepository struct {
	db *gorm.DB
}

// NewIngestEventRepository returns an IngestEventRepository backed by the provided *gorm.DB.
func NewIngestEventRepository(gdb *gorm.DB) IngestEventRepository {
	return &gormIngestEventRepository{db: gdb}
}

func (r *gormIngestEventRepository) Create(ctx context.Context, tx *gorm.DB, event *db.IngestEvent) error {
	conn := r.db
	if tx != nil {
		conn = tx
	}
	if err := conn.WithContext(ctx).Create(event).Error; err != nil {
		return fmt.Errorf("ingest_events: create: %w", err)
	}
	return nil
}
