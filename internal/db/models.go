package db

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// base contains the common fields shared by all models.
// ID uses UUID v7 (time-ordered) for efficient B-tree indexing and natural
// chronological ordering without a separate created_at sort. CreatedAt and
// UpdatedAt are managed automatically by GORM.
type base struct {
	ID        uuid.UUID `gorm:"type:text;primaryKey"`
	CreatedAt time.Time `gorm:"not null"`
	UpdatedAt time.Time `gorm:"not null"`
}

// BeforeCreate generates a new UUID v7 if the ID is not already set.
// This ensures every record has a valid time-ordered ID before insertion.
func (b *base) BeforeCreate(tx *gorm.DB) error {
	if b.ID == (uuid.UUID{}) {
		id, err := uuid.NewV7()
		if err != nil {
			return err
		}
		b.ID = id
	}
	return nil
}

// -----------------------------------------------------------------------------
// Studies, series, instances
// -----------------------------------------------------------------------------

// Study is the top-level DICOM hierarchy entity: one patient exam, identified
// globally by StudyInstanceUID. It is created or updated by the catalog
// writer from parsed descriptor tags and is never deleted by the core.
type Study struct {
	base
	StudyInstanceUID string     `gorm:"uniqueIndex;not null"`
	PatientID        string     `gorm:"default:''"`
	PatientName      string     `gorm:"default:''"`
	AccessionNumber  string     `gorm:"default:''"`
	StudyDate        string     `gorm:"default:''"` // DICOM DA string, kept opaque
	StudyDescription string     `gorm:"default:''"`
	Status           string     `gorm:"not null;default:'received';index:idx_studies_status_created"` // received, processing, forwarded, failed
	FileCount        int64      `gorm:"not null;default:0"`
	TotalSizeBytes   int64      `gorm:"not null;default:0"`
	LastInstanceAt   *time.Time // updated on every ingested instance; drives quiet-period completion
	ForwardedAt      *time.Time
}

// Series belongs to a Study and groups Instances acquired with the same
// modality/protocol. Identified globally by SeriesInstanceUID.
type Series struct {
	base
	SeriesInstanceUID string `gorm:"uniqueIndex;not null"`
	StudyID           uuid.UUID `gorm:"type:text;not null;index:idx_series_study_modality"`
	Modality          string    `gorm:"default:'';index:idx_series_study_modality"`
	SeriesNumber      string    `gorm:"default:''"`
	SeriesDescription string    `gorm:"default:''"`
	InstanceCount     int64     `gorm:"not null;default:0"`
}

// Instance is one composite SOP Instance (one file). The on-disk file at
// FilePath is byte-identical to what was received over the wire; the core
// never re-encodes it.
type Instance struct {
	base
	SOPInstanceUID    string `gorm:"uniqueIndex;not null"`
	SeriesID          uuid.UUID `gorm:"type:text;not null;index:idx_instances_series_created"`
	SOPClassUID       string    `gorm:"not null;default:''"`
	TransferSyntaxUID string    `gorm:"not null;default:''"`
	FilePath          string    `gorm:"not null"`
	FileSizeBytes     int64     `gorm:"not null;default:0"`
	HasPreamble       bool      `gorm:"not null"`
}

// -----------------------------------------------------------------------------
// Destinations
// -----------------------------------------------------------------------------

// Destination is a downstream Application Entity the forwarder sends studies
// to. TLSClientCert, TLSClientKey and TLSCACert are encrypted at rest.
// ForwardingRules holds a JSON-encoded dispatch.Rule: a modality list and
// inclusive study-date bounds, with an empty string matching every study.
// There is no AE-title filter.
type Destination struct {
	base
	Name                string          `gorm:"uniqueIndex;not null"`
	AETitle             string          `gorm:"not null"`
	Host                string          `gorm:"not null"`
	Port                int             `gorm:"not null;check:port > 0 AND port < 65536"`
	MaxPDULength        int             `gorm:"not null;default:16384"`
	AssociationTimeoutS int             `gorm:"not null;default:30;check:association_timeout_s > 0"`
	ConnectTimeoutS     int             `gorm:"not null;default:10;check:connect_timeout_s > 0"`
	TLSEnabled          bool            `gorm:"not null;default:false"`
	TLSClientCert       EncryptedString `gorm:"type:text"`
	TLSClientKey        EncryptedString `gorm:"type:text"`
	TLSCACert           EncryptedString `gorm:"type:text"`
	TLSInsecureSkipVerify bool          `gorm:"not null;default:false"`
	ForwardingRules     string          `gorm:"type:text;default:''"` // JSON dispatch.Rule, empty = match all
	EagerForward        bool            `gorm:"not null;default:false"`
	MaxAttempts         int             `gorm:"not null;default:5;check:max_attempts > 0"`
	Enabled             bool            `gorm:"not null;index:idx_destinations_enabled"`
	LastSuccessAt       *time.Time
	LastFailureAt       *time.Time
	ConsecutiveFailures int `gorm:"not null;default:0"`
}

// -----------------------------------------------------------------------------
// Durable job queue
// -----------------------------------------------------------------------------

// Job is a unit of work in the generic durable queue (ingest processing and
// forward-planning job types). Status transitions are implemented in
// internal/repository (job.go). Destinations and Logs-style relations are intentionally
// absent — GORM cannot resolve foreign keys when the primary key is a custom
// uuid.UUID type, so related reads go through explicit repository queries.
type Job struct {
	base
	JobType      string     `gorm:"not null;index:idx_jobs_type_status"`
	Payload      string     `gorm:"type:text;not null;default:'{}'"` // JSON
	Status       string     `gorm:"not null;default:'pending';index:idx_jobs_status_available"`
	Priority     int        `gorm:"not null;default:0;index:idx_jobs_priority_available"`
	Attempts     int        `gorm:"not null;default:0;check:attempts >= 0"`
	MaxAttempts  int        `gorm:"not null;default:3;check:max_attempts > 0"`
	AvailableAt  time.Time  `gorm:"not null;index:idx_jobs_status_available;index:idx_jobs_priority_available"`
	StartedAt    *time.Time
	CompletedAt  *time.Time
	WorkerID     string `gorm:"default:''"`
	LockedAt     *time.Time
	ErrorMessage string     `gorm:"type:text;default:''"`
	Result       string     `gorm:"type:text;default:''"` // JSON
	RetryAfter   *time.Time
}

// ForwardJob is one (study, destination) forward attempt. It shares the same
// status/attempts/timing shape as Job and is claimed with the same
// SKIP-LOCKED discipline, but lives in its own table so the forwarder's
// queue never competes with the generic ingest/catalog queue.
type ForwardJob struct {
	base
	StudyID          uuid.UUID `gorm:"type:text;not null;index"`
	DestinationID    uuid.UUID `gorm:"type:text;not null;index"`
	Status           string    `gorm:"not null;default:'pending';index:idx_forward_jobs_status_available"`
	Priority         int       `gorm:"not null;default:0;index:idx_forward_jobs_priority_available"`
	Attempts         int       `gorm:"not null;default:0;check:attempts >= 0"`
	MaxAttempts      int       `gorm:"not null;default:5;check:max_attempts > 0"`
	AvailableAt      time.Time `gorm:"not null;index:idx_forward_jobs_status_available;index:idx_forward_jobs_priority_available"`
	StartedAt        *time.Time
	CompletedAt      *time.Time
	WorkerID         string `gorm:"default:''"`
	LockedAt         *time.Time
	ErrorMessage     string `gorm:"type:text;default:''"`
	InstancesSent    int64  `gorm:"not null;default:0"`
	InstancesFailed  int64  `gorm:"not null;default:0"`
	RetryAfter       *time.Time
}

// -----------------------------------------------------------------------------
// Ingest events
// -----------------------------------------------------------------------------

// IngestEvent is an append-only audit record of one received instance,
// written by the catalog writer alongside the Study/Series/Instance upsert.
type IngestEvent struct {
	base
	StudyID           uuid.UUID `gorm:"type:text;index"`
	SOPInstanceUID    string    `gorm:"not null"`
	EventType         string    `gorm:"not null;default:'ingest';index:idx_ingest_events_created_type"`
	CallingAETitle    string    `gorm:"default:''"`
	CalledAETitle     string    `gorm:"default:''"`
	SourceIP          string    `gorm:"default:''"`
	Status            string    `gorm:"not null;default:'success';index:idx_ingest_events_status_created"`
	ReceiveDurationMs int64     `gorm:"not null;default:0"`
	StorageDurationMs int64     `gorm:"not null;default:0"`
	FileSizeBytes     int64     `gorm:"not null;default:0"`
	ErrorMessage      string    `gorm:"type:text;default:''"`
	Metadata          string    `gorm:"type:text;default:'{}'"` // JSON, free-form context
}
