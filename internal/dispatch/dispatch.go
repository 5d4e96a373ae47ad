// Package dispatch decides, for each study ready to leave the gateway,
// which configured destinations should receive it and inserts one
// ForwardJob row per match. It never sends anything itself — that is the
// forwarder's job — and it never writes to the study/series/instance
// tables, only reads them to evaluate forwarding rules.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"github.com/go-co-op/gocron/v2"

	"github.com/studyflow/dicomgw/internal/db"
	"github.com/studyflow/dicomgw/internal/forwarder"
	"github.com/studyflow/dicomgw/internal/metrics"
	"github.com/studyflow/dicomgw/internal/queue"
	"github.com/studyflow/dicomgw/internal/repository"
)

// JobTypeTriggerForward is the job the planner claims: "evaluate this study
// against every destination's rules and enqueue matching forward jobs."
const JobTypeTriggerForward = "trigger_forward"

// TriggerForwardPayload is the JSON body of a trigger_forward job.
type TriggerForwardPayload struct {
	StudyID string `json:"study_id"`
	Reason  string `json:"reason,omitempty"`
}

// Rule is the forwarding predicate evaluated against a study. An empty Rule
// (the zero value, or Destination.ForwardingRules == "") matches every
// study. Modalities matches if the study has at least one series acquired
// with one of the listed modalities. MinStudyDate/MaxStudyDate compare
// lexically against the DICOM DA string (YYYYMMDD), which sorts correctly
// as plain text.
type Rule struct {
	Modalities   []string `json:"modalities,omitempty"`
	MinStudyDate string   `json:"min_study_date,omitempty"`
	MaxStudyDate string   `json:"max_study_date,omitempty"`
}

// ParseRule decodes a destination's ForwardingRules column. An empty string
// decodes to the zero Rule, which matches everything.
func ParseRule(raw string) (Rule, error) {
	var r Rule
	if raw == "" {
		return r, nil
	}
	if err := json.Unmarshal([]byte(raw), &r); err != nil {
		return Rule{}, fmt.Errorf("dispatch: parse forwarding rules: %w", err)
	}
	return r, nil
}

// Matches reports whether study qualifies under r, given the modalities
// present across its series.
func (r Rule) Matches(study db.Study, seriesModalities []string) bool {
	if len(r.Modalities) > 0 {
		if !containsAny(seriesModalities, r.Modalities) {
			return false
		}
	}
	if r.MinStudyDate != "" && study.StudyDate < r.MinStudyDate {
		return false
	}
	if r.MaxStudyDate != "" && study.StudyDate > r.MaxStudyDate {
		return false
	}
	return true
}

func containsAny(haystack, needles []string) bool {
	set := make(map[string]struct{}, len(needles))
	for _, n := range needles {
		set[n] = struct{}{}
	}
	for _, h := range haystack {
		if _, ok := set[h]; ok {
			return true
		}
	}
	return false
}

// Config configures a Planner.
type Config struct {
	BatchSize        int           // trigger_forward rows claimed per round
	QuietPeriod      time.Duration // how long a study must be idle before the sweep considers it complete
	SweepInterval    time.Duration // how often the quiet-period sweep runs
	SweepBatchSize   int           // studies examined per sweep tick
	ForwardPriority  int
	ForwardMaxAttempt int
}

// DefaultConfig returns the documented defaults: a 10 minute quiet period
// checked every minute, up to 50 studies examined per sweep tick, and
// trigger_forward jobs claimed queue.DefaultBatchMaxRows at a time.
func DefaultConfig() Config {
	return Config{
		BatchSize:         queue.DefaultBatchMaxRows,
		QuietPeriod:       10 * time.Minute,
		SweepInterval:     1 * time.Minute,
		SweepBatchSize:    50,
		ForwardPriority:   0,
		ForwardMaxAttempt: 5,
	}
}

// Planner claims trigger_forward jobs and expands them into ForwardJob
// rows, and separately runs a periodic sweep that raises trigger_forward
// jobs for studies that have gone quiet while still in processing, whether
// or not they were already triggered.
type Planner struct {
	cfg          Config
	jobs         repository.JobRepository
	forward      repository.ForwardJobRepository
	studies      repository.StudyRepository
	series       repository.SeriesRepository
	destinations repository.DestinationRepository
	notifier     *queue.Notifier
	metrics      *metrics.Metrics
	log          *zap.Logger
	scheduler    gocron.Scheduler
}

// New constructs a Planner.
func New(
	cfg Config,
	jobs repository.JobRepository,
	forward repository.ForwardJobRepository,
	studies repository.StudyRepository,
	series repository.SeriesRepository,
	destinations repository.DestinationRepository,
	notifier *queue.Notifier,
	m *metrics.Metrics,
	log *zap.Logger,
) (*Planner, error) {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = queue.DefaultBatchMaxRows
	}
	if cfg.QuietPeriod <= 0 {
		cfg.QuietPeriod = 10 * time.Minute
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = time.Minute
	}
	if cfg.SweepBatchSize <= 0 {
		cfg.SweepBatchSize = 50
	}
	scheduler, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("dispatch: create scheduler: %w", err)
	}
	return &Planner{
		cfg: cfg, jobs: jobs, forward: forward, studies: studies, series: series,
		destinations: destinations, notifier: notifier, metrics: m, log: log, scheduler: scheduler,
	}, nil
}

// StartSweep schedules the periodic quiet-period scan. It runs alongside,
// not instead of, the Run worker loop.
func (p *Planner) StartSweep(ctx context.Context) error {
	_, err := p.scheduler.NewJob(
		gocron.DurationJob(p.cfg.SweepInterval),
		gocron.NewTask(func() { p.sweepOnce(ctx) }),
		gocron.WithTags("dispatch-sweep"),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		return fmt.Errorf("dispatch: schedule sweep: %w", err)
	}
	p.scheduler.Start()
	return nil
}

// StopSweep halts the sweep scheduler.
func (p *Planner) StopSweep() error {
	return p.scheduler.Shutdown()
}

func (p *Planner) sweepOnce(ctx context.Context) {
	cutoff := time.Now().Add(-p.cfg.QuietPeriod)
	studies, err := p.studies.ListStaleProcessing(ctx, cutoff, p.cfg.SweepBatchSize)
	if err != nil {
		p.log.Warn("dispatch: quiet-period sweep failed to list studies", zap.Error(err))
		return
	}
	for _, study := range studies {
		payload, err := json.Marshal(TriggerForwardPayload{StudyID: study.ID.String(), Reason: "quiet_period"})
		if err != nil {
			continue
		}
		if _, err := p.jobs.Enqueue(ctx, JobTypeTriggerForward, string(payload), p.cfg.ForwardPriority, 3, time.Now()); err != nil {
			p.log.Warn("dispatch: failed to enqueue quiet-period trigger", zap.String("study_id", study.ID.String()), zap.Error(err))
			continue
		}
		p.metrics.JobsEnqueued.WithLabelValues(JobTypeTriggerForward).Inc()
		if p.notifier != nil {
			p.notifier.Notify(ctx, JobTypeTriggerForward)
		}
	}
}

// Run drains trigger_forward jobs until ctx is cancelled.
func (p *Planner) Run(ctx context.Context, instanceID string) error {
	channel := queue.Channel(JobTypeTriggerForward)
	queue.RunLoop(ctx, p.notifier, channel, queue.DefaultPollInterval, func(ctx context.Context) (int, error) {
		return p.claimAndProcess(ctx, instanceID)
	}, p.log)
	return nil
}

func (p *Planner) claimAndProcess(ctx context.Context, workerID string) (int, error) {
	jobs, err := p.jobs.Claim(ctx, workerID, JobTypeTriggerForward, p.cfg.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("dispatch: claim: %w", err)
	}
	for _, job := range jobs {
		if procErr := p.processOne(ctx, job); procErr != nil {
			p.log.Warn("dispatch: job failed", zap.String("job_id", job.ID.String()), zap.Error(procErr))
			p.metrics.JobsFailed.WithLabelValues(JobTypeTriggerForward).Inc()
			willRetry := job.Attempts < job.MaxAttempts
			if failErr := p.jobs.Fail(ctx, job, procErr.Error()); failErr != nil {
				p.log.Error("dispatch: failed to record job failure", zap.Error(failErr))
			} else if willRetry && p.notifier != nil {
				p.notifier.Notify(ctx, JobTypeTriggerForward)
			}
			continue
		}
		if err := p.jobs.Complete(ctx, job.ID, ""); err != nil {
			p.log.Error("dispatch: failed to mark job complete", zap.Error(err))
		}
		p.metrics.JobsCompleted.WithLabelValues(JobTypeTriggerForward).Inc()
	}
	return len(jobs), nil
}

func (p *Planner) processOne(ctx context.Context, job db.Job) error {
	var payload TriggerForwardPayload
	if err := json.Unmarshal([]byte(job.Payload), &payload); err != nil {
		return fmt.Errorf("dispatch: unmarshal payload: %w", err)
	}
	studyID, err := uuid.Parse(payload.StudyID)
	if err != nil {
		return fmt.Errorf("dispatch: invalid study id %q: %w", payload.StudyID, err)
	}

	study, err := p.studies.GetByID(ctx, studyID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil // study since deleted or never existed; nothing to forward
		}
		return fmt.Errorf("dispatch: get study: %w", err)
	}

	series, err := p.series.ListByStudyID(ctx, studyID)
	if err != nil {
		return fmt.Errorf("dispatch: list series: %w", err)
	}
	modalities := make([]string, 0, len(series))
	for _, s := range series {
		modalities = append(modalities, s.Modality)
	}

	destinations, err := p.destinations.ListEnabled(ctx)
	if err != nil {
		return fmt.Errorf("dispatch: list enabled destinations: %w", err)
	}

	for _, dest := range destinations {
		rule, err := ParseRule(dest.ForwardingRules)
		if err != nil {
			p.log.Warn("dispatch: destination has invalid forwarding rules, skipping",
				zap.String("destination", dest.Name), zap.Error(err))
			continue
		}
		if !rule.Matches(*study, modalities) {
			continue
		}
		if _, err := p.forward.Enqueue(ctx, study.ID, dest.ID, p.cfg.ForwardPriority, dest.MaxAttempts); err != nil {
			return fmt.Errorf("dispatch: enqueue forward job for destination %s: %w", dest.Name, err)
		}
		p.metrics.JobsEnqueued.WithLabelValues(forwarder.JobType).Inc()
		if p.notifier != nil {
			p.notifier.Notify(ctx, forwarder.JobType)
		}
	}
	return nil
}
