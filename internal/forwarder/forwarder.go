// Package forwarder is the gateway's Storage SCU: it claims forward jobs,
// opens one association per (study, destination) pair, and sends every
// instance stored for that study byte-for-byte. It never re-encodes a data
// set and never decides which destinations a study should go to — that is
// the dispatch planner's job; the forwarder only executes ForwardJob rows.
package forwarder

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/caio-sobreiro/dicomnet/client"
	"github.com/caio-sobreiro/dicomnet/types"
	"go.uber.org/zap"

	"github.com/studyflow/dicomgw/internal/db"
	"github.com/studyflow/dicomgw/internal/dicomio"
	"github.com/studyflow/dicomgw/internal/metrics"
	"github.com/studyflow/dicomgw/internal/queue"
	"github.com/studyflow/dicomgw/internal/repository"
)

// JobType is the generic forward_job table's implicit job type — unlike
// the shared Job table, ForwardJob has no job_type column since the table
// itself is the queue. The constant names the NOTIFY channel and the
// job_type metrics label.
const JobType = "forward_job"

// Config configures a Forwarder.
type Config struct {
	LocalAETitle string
	StorageRoot  string
	BatchSize    int
}

// Forwarder is the forward-job worker. Multiple instances run concurrently,
// each claiming disjoint rows via SKIP LOCKED.
type Forwarder struct {
	cfg          Config
	jobs         repository.ForwardJobRepository
	studies      repository.StudyRepository
	instances    repository.InstanceRepository
	destinations repository.DestinationRepository
	notifier     *queue.Notifier
	metrics      *metrics.Metrics
	log          *zap.Logger
}

// New constructs a Forwarder.
func New(
	cfg Config,
	jobs repository.ForwardJobRepository,
	studies repository.StudyRepository,
	instances repository.InstanceRepository,
	destinations repository.DestinationRepository,
	notifier *queue.Notifier,
	m *metrics.Metrics,
	log *zap.Logger,
) *Forwarder {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = queue.DefaultBatchMaxRows
	}
	return &Forwarder{
		cfg: cfg, jobs: jobs, studies: studies, instances: instances,
		destinations: destinations, notifier: notifier, metrics: m, log: log,
	}
}

// Run drains forward jobs until ctx is cancelled.
func (f *Forwarder) Run(ctx context.Context, instanceID string) error {
	channel := queue.Channel(JobType)
	queue.RunLoop(ctx, f.notifier, channel, queue.DefaultPollInterval, func(ctx context.Context) (int, error) {
		return f.claimAndProcess(ctx, instanceID)
	}, f.log)
	return nil
}

func (f *Forwarder) claimAndProcess(ctx context.Context, workerID string) (int, error) {
	jobs, err := f.jobs.Claim(ctx, workerID, f.cfg.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("forwarder: claim: %w", err)
	}
	for _, job := range jobs {
		sent, failed, procErr := f.processOne(ctx, job)
		if procErr != nil {
			f.log.Warn("forwarder: job failed", zap.String("job_id", job.ID.String()), zap.Error(procErr))
			f.metrics.JobsFailed.WithLabelValues(JobType).Inc()
			willRetry := job.Attempts < job.MaxAttempts
			if failErr := f.jobs.Fail(ctx, job, procErr.Error(), sent, failed); failErr != nil {
				f.log.Error("forwarder: failed to record job failure", zap.Error(failErr))
			} else if willRetry && f.notifier != nil {
				f.notifier.Notify(ctx, JobType)
			}
			continue
		}
		if err := f.jobs.Complete(ctx, job.ID, sent, failed); err != nil {
			f.log.Error("forwarder: failed to mark job complete", zap.Error(err))
		}
		f.metrics.JobsCompleted.WithLabelValues(JobType).Inc()
	}
	return len(jobs), nil
}

// processOne sends every instance on disk for job's study to job's
// destination over a single association. It returns the number of
// instances sent and failed so the caller can persist both a success and a
// partial-failure outcome.
func (f *Forwarder) processOne(ctx context.Context, job db.ForwardJob) (sent, failed int64, err error) {
	dest, err := f.destinations.GetByID(ctx, job.DestinationID)
	if err != nil {
		return 0, 0, fmt.Errorf("forwarder: load destination: %w", err)
	}
	study, err := f.studies.GetByID(ctx, job.StudyID)
	if err != nil {
		return 0, 0, fmt.Errorf("forwarder: load study: %w", err)
	}

	paths, err := f.listStudyFiles(study.StudyInstanceUID)
	if err != nil {
		return 0, 0, err
	}
	if len(paths) == 0 {
		return 0, 0, fmt.Errorf("forwarder: no instances on disk for study %s", study.StudyInstanceUID)
	}

	storedSyntaxes, err := f.instances.ListDistinctTransferSyntaxesByStudyID(ctx, study.ID)
	if err != nil {
		return 0, 0, fmt.Errorf("forwarder: list stored transfer syntaxes: %w", err)
	}

	cfg := client.Config{
		CallingAETitle:            f.cfg.LocalAETitle,
		CalledAETitle:             dest.AETitle,
		MaxPDULength:              dest.MaxPDULength,
		PreferredTransferSyntaxes: preferredTransferSyntaxes(storedSyntaxes),
	}
	address := fmt.Sprintf("%s:%d", dest.Host, dest.Port)
	assoc, err := client.Connect(address, cfg)
	if err != nil {
		f.metrics.ForwardsFailed.Add(float64(len(paths)))
		if recErr := f.destinations.RecordFailure(ctx, dest.ID); recErr != nil {
			f.log.Warn("forwarder: failed to record destination failure", zap.Error(recErr))
		}
		return 0, int64(len(paths)), fmt.Errorf("forwarder: connect to %s: %w", address, err)
	}
	defer assoc.Close()

	for i, path := range paths {
		if sendErr := f.sendOne(ctx, func(req *client.CStoreRequest) (uint16, error) {
			resp, err := assoc.SendCStore(req)
			if err != nil {
				return 0, err
			}
			return resp.Status, nil
		}, path, uint16(i+1)); sendErr != nil {
			f.log.Warn("forwarder: instance send failed", zap.String("path", path), zap.Error(sendErr))
			failed++
			f.metrics.ForwardsFailed.Inc()
			continue
		}
		sent++
		f.metrics.ForwardsSent.Inc()
	}

	if failed == 0 {
		if err := f.studies.MarkForwarded(ctx, study.ID); err != nil {
			f.log.Warn("forwarder: failed to mark study forwarded", zap.Error(err))
		}
		if err := f.destinations.RecordSuccess(ctx, dest.ID); err != nil {
			f.log.Warn("forwarder: failed to record destination success", zap.Error(err))
		}
		return sent, failed, nil
	}

	if err := f.destinations.RecordFailure(ctx, dest.ID); err != nil {
		f.log.Warn("forwarder: failed to record destination failure", zap.Error(err))
	}
	return sent, failed, fmt.Errorf("forwarder: %d of %d instances failed to send", failed, sent+failed)
}

// sendOne reads one stored instance and sends it over an already-open
// association via send. Indirecting the association's SendCStore call
// through a closure keeps this function's signature free of the
// association's concrete type.
func (f *Forwarder) sendOne(ctx context.Context, send func(*client.CStoreRequest) (uint16, error), path string, messageID uint16) error {
	data, err := dicomio.Read(path)
	if err != nil {
		return err
	}
	sopInstanceUID := strings.TrimSuffix(filepath.Base(path), ".dcm")
	instance, err := f.instances.GetBySOPInstanceUID(ctx, sopInstanceUID)
	if err != nil {
		return fmt.Errorf("look up instance metadata: %w", err)
	}

	status, err := send(&client.CStoreRequest{
		SOPClassUID:    instance.SOPClassUID,
		SOPInstanceUID: instance.SOPInstanceUID,
		Data:           data,
		MessageID:      messageID,
	})
	if err != nil {
		return fmt.Errorf("send C-STORE: %w", err)
	}
	if status != 0x0000 {
		return fmt.Errorf("C-STORE returned status 0x%04X", status)
	}
	return nil
}

func (f *Forwarder) listStudyFiles(studyInstanceUID string) ([]string, error) {
	dir := filepath.Join(f.cfg.StorageRoot, studyInstanceUID)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("forwarder: read study directory: %w", err)
	}
	var paths []string
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".dcm") {
			continue
		}
		paths = append(paths, filepath.Join(dir, entry.Name()))
	}
	return paths, nil
}

// preferredTransferSyntaxes proposes the study's own stored transfer
// syntaxes first, so a byte-preserved compressed instance (JPEG, JPEG 2000,
// RLE) negotiates a presentation context it can actually be sent under,
// then falls back to Explicit and Implicit VR Little Endian — the two
// every conformant SCP must support.
func preferredTransferSyntaxes(stored []string) []string {
	seen := make(map[string]struct{}, len(stored)+2)
	syntaxes := make([]string, 0, len(stored)+2)
	add := func(ts string) {
		if ts == "" {
			return
		}
		if _, ok := seen[ts]; ok {
			return
		}
		seen[ts] = struct{}{}
		syntaxes = append(syntaxes, ts)
	}
	for _, ts := range stored {
		add(ts)
	}
	add(types.ExplicitVRLittleEndian)
	add(types.ImplicitVRLittleEndian)
	return syntaxes
}
