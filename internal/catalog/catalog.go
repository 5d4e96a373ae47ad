// Package catalog claims process_received_file jobs, parses the stored
// object's descriptor tags, and upserts the Study/Series/Instance hierarchy
// plus an append-only ingest event inside one transaction. It is the only
// component that writes to the series/instance tables, and the only one that
// writes to the study table apart from the forwarder marking a study forwarded.
package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/studyflow/dicomgw/internal/db"
	"github.com/studyflow/dicomgw/internal/dicomio"
	"github.com/studyflow/dicomgw/internal/dispatch"
	"github.com/studyflow/dicomgw/internal/ingestor"
	"github.com/studyflow/dicomgw/internal/metrics"
	"github.com/studyflow/dicomgw/internal/queue"
	"github.com/studyflow/dicomgw/internal/repository"
)

// Config configures one Writer.
type Config struct {
	BatchSize int // rows claimed per round, default queue.DefaultBatchMaxRows
}

// Writer is the catalog-writer worker. One instance runs Run as its
// supervised worker body; multiple instances may run concurrently, each
// claiming disjoint rows via SKIP LOCKED.
type Writer struct {
	cfg          Config
	gdb          *gorm.DB
	jobs         repository.JobRepository
	studies      repository.StudyRepository
	series       repository.SeriesRepository
	instances    repository.InstanceRepository
	ingestEvents repository.IngestEventRepository
	destinations repository.DestinationRepository
	notifier     *queue.Notifier
	metrics      *metrics.Metrics
	log          *zap.Logger
}

// New constructs a Writer. notifier may be nil (sqlite/dev mode), in which
// case the worker loop falls back to polling only.
func New(
	cfg Config,
	gdb *gorm.DB,
	jobs repository.JobRepository,
	studies repository.StudyRepository,
	series repository.SeriesRepository,
	instances repository.InstanceRepository,
	ingestEvents repository.IngestEventRepository,
	destinations repository.DestinationRepository,
	notifier *queue.Notifier,
	m *metrics.Metrics,
	log *zap.Logger,
) *Writer {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = queue.DefaultBatchMaxRows
	}
	return &Writer{
		cfg: cfg, gdb: gdb, jobs: jobs, studies: studies, series: series,
		instances: instances, ingestEvents: ingestEvents, destinations: destinations,
		notifier: notifier, metrics: m, log: log,
	}
}

// Run drains process_received_file jobs until ctx is cancelled. instanceID
// is this worker's identity for the claim's worker_id column.
func (w *Writer) Run(ctx context.Context, instanceID string) error {
	channel := queue.Channel(ingestor.JobTypeProcessReceivedFile)
	queue.RunLoop(ctx, w.notifier, channel, queue.DefaultPollInterval, func(ctx context.Context) (int, error) {
		return w.claimAndProcess(ctx, instanceID)
	}, w.log)
	return nil
}

func (w *Writer) claimAndProcess(ctx context.Context, workerID string) (int, error) {
	jobs, err := w.jobs.Claim(ctx, workerID, ingestor.JobTypeProcessReceivedFile, w.cfg.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("catalog: claim: %w", err)
	}
	for _, job := range jobs {
		if procErr := w.processOne(ctx, job); procErr != nil {
			w.log.Warn("catalog: job failed", zap.String("job_id", job.ID.String()), zap.Error(procErr))
			w.metrics.JobsFailed.WithLabelValues(ingestor.JobTypeProcessReceivedFile).Inc()
			willRetry := job.Attempts < job.MaxAttempts
			if failErr := w.jobs.Fail(ctx, job, procErr.Error()); failErr != nil {
				w.log.Error("catalog: failed to record job failure", zap.Error(failErr))
			} else if willRetry && w.notifier != nil {
				w.notifier.Notify(ctx, ingestor.JobTypeProcessReceivedFile)
			}
			continue
		}
		if err := w.jobs.Complete(ctx, job.ID, ""); err != nil {
			w.log.Error("catalog: failed to mark job complete", zap.Error(err))
		}
		w.metrics.JobsCompleted.WithLabelValues(ingestor.JobTypeProcessReceivedFile).Inc()
	}
	return len(jobs), nil
}

func (w *Writer) processOne(ctx context.Context, job db.Job) error {
	var payload ingestor.ProcessReceivedFilePayload
	if err := json.Unmarshal([]byte(job.Payload), &payload); err != nil {
		return fmt.Errorf("catalog: unmarshal payload: %w", err)
	}

	if existing, err := w.instances.GetBySOPInstanceUID(ctx, payload.SOPInstanceUID); err == nil {
		w.log.Info("catalog: instance already cataloged, treating as idempotent replay",
			zap.String("sop_instance_uid", payload.SOPInstanceUID))
		event := db.IngestEvent{
			SOPInstanceUID:    payload.SOPInstanceUID,
			EventType:         "ingest",
			Status:            "success",
			ReceiveDurationMs: payload.ReceiveDurationMs,
			FileSizeBytes:     existing.FileSizeBytes,
		}
		if evErr := w.ingestEvents.Create(ctx, nil, &event); evErr != nil {
			return fmt.Errorf("catalog: record replay ingest event: %w", evErr)
		}
		return nil
	} else if !errors.Is(err, repository.ErrNotFound) {
		return fmt.Errorf("catalog: probe existing instance: %w", err)
	}

	data, err := dicomio.Read(payload.FilePath)
	if err != nil {
		return fmt.Errorf("catalog: read stored file: %w", err)
	}
	descriptor, err := dicomio.ParseDescriptor(data, payload.TransferSyntaxUID)
	if err != nil {
		event := db.IngestEvent{
			SOPInstanceUID: payload.SOPInstanceUID,
			EventType:      "ingest",
			Status:         "failed",
			FileSizeBytes:  int64(len(data)),
			ErrorMessage:   err.Error(),
		}
		if evErr := w.ingestEvents.Create(ctx, nil, &event); evErr != nil {
			w.log.Error("catalog: failed to record parse-failure ingest event", zap.Error(evErr))
		}
		return fmt.Errorf("catalog: parse descriptor: %w", err)
	}

	receivedAt, err := time.Parse(time.RFC3339Nano, payload.ReceivedAt)
	if err != nil {
		receivedAt = time.Now()
	}

	var studyID uuid.UUID
	err = w.gdb.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		study, err := w.getOrCreateStudy(ctx, tx, descriptor)
		if err != nil {
			return err
		}
		studyID = study.ID

		series, err := w.getOrCreateSeries(ctx, tx, study.ID, descriptor)
		if err != nil {
			return err
		}

		instance := db.Instance{
			SOPInstanceUID:    payload.SOPInstanceUID,
			SeriesID:          series.ID,
			SOPClassUID:       payload.SOPClassUID,
			TransferSyntaxUID: payload.TransferSyntaxUID,
			FilePath:          payload.FilePath,
			FileSizeBytes:     int64(len(data)),
			HasPreamble:       payload.HasPreamble,
		}
		if err := w.instances.Create(ctx, tx, &instance); err != nil {
			return fmt.Errorf("create instance: %w", err)
		}
		if err := w.series.IncrementInstanceCount(ctx, tx, series.ID); err != nil {
			return fmt.Errorf("increment series instance count: %w", err)
		}
		if err := w.studies.RecordInstance(ctx, tx, study.ID, instance.FileSizeBytes, receivedAt); err != nil {
			return fmt.Errorf("record study instance: %w", err)
		}

		metadata, _ := json.Marshal(map[string]string{
			"modality":           descriptor.Modality,
			"patient_id":         descriptor.PatientID,
			"accession_number":   descriptor.AccessionNumber,
			"series_instance_uid": descriptor.SeriesInstanceUID,
		})
		event := db.IngestEvent{
			StudyID:           study.ID,
			SOPInstanceUID:    payload.SOPInstanceUID,
			EventType:         "ingest",
			Status:            "success",
			ReceiveDurationMs: payload.ReceiveDurationMs,
			FileSizeBytes:     instance.FileSizeBytes,
			Metadata:          string(metadata),
		}
		if err := w.ingestEvents.Create(ctx, tx, &event); err != nil {
			return fmt.Errorf("create ingest event: %w", err)
		}
		return nil
	})
	if err != nil {
		return err
	}

	return w.maybeTriggerEagerForward(ctx, studyID)
}

func (w *Writer) getOrCreateStudy(ctx context.Context, tx *gorm.DB, d *dicomio.Descriptor) (*db.Study, error) {
	study, err := w.studies.GetByStudyInstanceUID(ctx, tx, d.StudyInstanceUID)
	if err == nil {
		return study, nil
	}
	if !errors.Is(err, repository.ErrNotFound) {
		return nil, fmt.Errorf("get study: %w", err)
	}
	study = &db.Study{
		StudyInstanceUID: d.StudyInstanceUID,
		PatientID:        d.PatientID,
		PatientName:      d.PatientName,
		AccessionNumber:  d.AccessionNumber,
		StudyDate:        d.StudyDate,
		StudyDescription: d.StudyDescription,
	}
	if err := w.studies.Create(ctx, tx, study); err != nil {
		return nil, fmt.Errorf("create study: %w", err)
	}
	return study, nil
}

func (w *Writer) getOrCreateSeries(ctx context.Context, tx *gorm.DB, studyID uuid.UUID, d *dicomio.Descriptor) (*db.Series, error) {
	series, err := w.series.GetBySeriesInstanceUID(ctx, tx, d.SeriesInstanceUID)
	if err == nil {
		return series, nil
	}
	if !errors.Is(err, repository.ErrNotFound) {
		return nil, fmt.Errorf("get series: %w", err)
	}
	series = &db.Series{
		SeriesInstanceUID: d.SeriesInstanceUID,
		StudyID:           studyID,
		Modality:          d.Modality,
		SeriesNumber:      d.SeriesNumber,
		SeriesDescription: d.SeriesDescription,
	}
	if err := w.series.Create(ctx, tx, series); err != nil {
		return nil, fmt.Errorf("create series: %w", err)
	}
	return series, nil
}

// maybeTriggerEagerForward enqueues a dispatch signal immediately when at
// least one enabled destination is configured for eager forwarding. Studies
// with no eager destination are picked up instead by the dispatch
// planner's quiet-period sweep.
func (w *Writer) maybeTriggerEagerForward(ctx context.Context, studyID uuid.UUID) error {
	destinations, err := w.destinations.ListEnabled(ctx)
	if err != nil {
		return fmt.Errorf("catalog: list enabled destinations: %w", err)
	}
	eager := false
	for _, d := range destinations {
		if d.EagerForward {
			eager = true
			break
		}
	}
	if !eager {
		return nil
	}

	payload, err := json.Marshal(dispatch.TriggerForwardPayload{StudyID: studyID.String(), Reason: "eager"})
	if err != nil {
		return fmt.Errorf("catalog: marshal trigger payload: %w", err)
	}
	if _, err := w.jobs.Enqueue(ctx, dispatch.JobTypeTriggerForward, string(payload), 0, 3, time.Now()); err != nil {
		return fmt.Errorf("catalog: enqueue trigger_forward: %w", err)
	}
	w.metrics.JobsEnqueued.WithLabelValues(dispatch.JobTypeTriggerForward).Inc()
	if w.notifier != nil {
		w.notifier.Notify(ctx, dispatch.JobTypeTriggerForward)
	}
	return nil
}
