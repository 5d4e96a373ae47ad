// Package autoscaler samples queue depths and scales ingestor,
// catalog-writer, dispatch-planner, and forwarder worker counts within
// configured bounds, acting only through the supervisor interface — it
// never signals a worker directly.
package autoscaler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-co-op/gocron/v2"
	"go.uber.org/zap"

	"github.com/studyflow/dicomgw/internal/dispatch"
	"github.com/studyflow/dicomgw/internal/ingestor"
	"github.com/studyflow/dicomgw/internal/repository"
	"github.com/studyflow/dicomgw/internal/supervisor"
)

const (
	RoleIngestor      = "ingestor"
	RoleCatalogWriter = "catalog_writer"
	RoleDispatch      = "dispatch"
	RoleForwarder     = "forwarder"
)

// Bounds configures one worker role's scaling behavior.
type Bounds struct {
	Min               int
	Max               int
	UpPending         int64
	UpProcessing      int64
	DownPending       int64
	DownProcessing    int64
	ScaleUpCooldown   time.Duration
	ScaleDownCooldown time.Duration
}

// DefaultBounds returns conservative defaults matching the documented
// cooldowns: 60s to scale up, 300s to scale down.
func DefaultBounds(min, max int) Bounds {
	return Bounds{
		Min:               min,
		Max:               max,
		UpPending:         10,
		UpProcessing:      5,
		DownPending:       0,
		DownProcessing:    0,
		ScaleUpCooldown:   60 * time.Second,
		ScaleDownCooldown: 300 * time.Second,
	}
}

// Config is the autoscaler's construction parameters.
type Config struct {
	CheckInterval time.Duration // default 30s
	Bounds        map[string]Bounds
}

// Autoscaler runs the periodic scale loop via gocron, the same scheduling
// library used elsewhere in the gateway for recurring background work.
type Autoscaler struct {
	cfg       Config
	jobs      repository.JobRepository
	forward   repository.ForwardJobRepository
	super     *supervisor.Supervisor
	log       *zap.Logger
	scheduler gocron.Scheduler

	mu         sync.Mutex
	lastScaled map[string]time.Time
}

// New constructs an Autoscaler. cfg.Bounds must have an entry for each of
// RoleIngestor, RoleCatalogWriter, RoleDispatch, RoleForwarder.
func New(cfg Config, jobs repository.JobRepository, forward repository.ForwardJobRepository, super *supervisor.Supervisor, log *zap.Logger) (*Autoscaler, error) {
	if cfg.CheckInterval <= 0 {
		cfg.CheckInterval = 30 * time.Second
	}
	scheduler, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("autoscaler: create scheduler: %w", err)
	}
	return &Autoscaler{
		cfg:        cfg,
		jobs:       jobs,
		forward:    forward,
		super:      super,
		log:        log,
		scheduler:  scheduler,
		lastScaled: make(map[string]time.Time),
	}, nil
}

// Start schedules the recurring check and begins running it.
func (a *Autoscaler) Start(ctx context.Context) error {
	_, err := a.scheduler.NewJob(
		gocron.DurationJob(a.cfg.CheckInterval),
		gocron.NewTask(func() { a.tick(ctx) }),
		gocron.WithTags("autoscaler"),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		return fmt.Errorf("autoscaler: schedule tick: %w", err)
	}
	a.scheduler.Start()
	return nil
}

// Stop halts the scheduler.
func (a *Autoscaler) Stop() error {
	return a.scheduler.Shutdown()
}

func (a *Autoscaler) tick(ctx context.Context) {
	catalogPending, catalogProcessing, err := a.jobs.CountsByType(ctx, ingestor.JobTypeProcessReceivedFile)
	if err != nil {
		a.log.Warn("autoscaler: failed to sample catalog queue counts", zap.Error(err))
		return
	}
	dispatchPending, dispatchProcessing, err := a.jobs.CountsByType(ctx, dispatch.JobTypeTriggerForward)
	if err != nil {
		a.log.Warn("autoscaler: failed to sample dispatch queue counts", zap.Error(err))
		return
	}
	fwdPending, fwdProcessing, err := a.forward.Counts(ctx)
	if err != nil {
		a.log.Warn("autoscaler: failed to sample forward queue counts", zap.Error(err))
		return
	}

	a.scaleRole(ctx, RoleCatalogWriter, catalogPending, catalogProcessing)
	a.scaleRole(ctx, RoleDispatch, dispatchPending, dispatchProcessing)
	a.scaleRole(ctx, RoleForwarder, fwdPending, fwdProcessing)
	// The ingestor has no queue of its own to sample — it accepts
	// associations directly — so it is held at its configured minimum.
	a.holdAtMinimum(ctx, RoleIngestor)
}

func (a *Autoscaler) holdAtMinimum(ctx context.Context, role string) {
	bounds, ok := a.cfg.Bounds[role]
	if !ok {
		return
	}
	running := a.super.ListInstances(role)
	for i := running; i < bounds.Min; i++ {
		if err := a.super.StartInstance(ctx, role, instanceID(role, i)); err != nil {
			a.log.Warn("autoscaler: failed to start instance", zap.String("role", role), zap.Error(err))
		}
	}
}

func (a *Autoscaler) scaleRole(ctx context.Context, role string, pending, processing int64) {
	bounds, ok := a.cfg.Bounds[role]
	if !ok {
		return
	}
	running := a.super.ListInstances(role)

	a.mu.Lock()
	last := a.lastScaled[role]
	a.mu.Unlock()

	switch {
	case (pending >= bounds.UpPending || processing >= bounds.UpProcessing) && running < bounds.Max:
		if time.Since(last) < bounds.ScaleUpCooldown {
			return
		}
		if err := a.super.StartInstance(ctx, role, instanceID(role, running)); err != nil {
			a.log.Warn("autoscaler: scale up failed", zap.String("role", role), zap.Error(err))
			return
		}
		a.recordScale(role)
		a.log.Info("autoscaler: scaled up",
			zap.String("role", role), zap.Int64("pending", pending), zap.Int64("processing", processing), zap.Int("running", running+1))

	case pending <= bounds.DownPending && processing <= bounds.DownProcessing && running > bounds.Min:
		if time.Since(last) < bounds.ScaleDownCooldown {
			return
		}
		if err := a.super.StopInstance(role, instanceID(role, running-1)); err != nil {
			a.log.Warn("autoscaler: scale down failed", zap.String("role", role), zap.Error(err))
			return
		}
		a.recordScale(role)
		a.log.Info("autoscaler: scaled down",
			zap.String("role", role), zap.Int64("pending", pending), zap.Int64("processing", processing), zap.Int("running", running-1))
	}
}

func (a *Autoscaler) recordScale(role string) {
	a.mu.Lock()
	a.lastScaled[role] = time.Now()
	a.mu.Unlock()
}

func instanceID(role string, index int) string {
	return fmt.Sprintf("%s-%d", role, index)
}
