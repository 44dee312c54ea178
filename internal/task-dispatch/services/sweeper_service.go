package services

import (
	"context"
	"fmt"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/rs/zerolog"

	"task-dispatch-service/internal/task-dispatch/db"
	"task-dispatch-service/pkg/apperr"
)

const (
	SweeperActor = "system:auto-dispatch"

	sweepJobName = "auto_dispatch_sweep"
	sweepJobTag  = "auto_dispatch"
)

// DueTaskLister finds tasks that opted into automatic dispatch.
type DueTaskLister interface {
	ListDueForAutoDispatch(ctx context.Context, horizon time.Time, limit int) ([]db.Task, error)
}

type SweeperConfig struct {
	Interval  time.Duration // how often the sweep runs
	Horizon   time.Duration // tasks starting within now+Horizon are due
	BatchSize int
	Retries   int
}

func DefaultSweeperConfig() SweeperConfig {
	return SweeperConfig{Interval: time.Minute, Horizon: 2 * time.Hour, BatchSize: 50, Retries: DefaultRetryAttempts}
}

type SweepResult struct {
	Scanned    int
	Dispatched int
	Conflicts  int
	Failed     int
}

// SweeperService periodically auto-dispatches due tasks.
type SweeperService struct {
	Tasks     DueTaskLister
	Service   *DispatchService
	Scheduler gocron.Scheduler
	Config    SweeperConfig
	Log       zerolog.Logger

	now func() time.Time
}

func NewSweeperService(tasks DueTaskLister, svc *DispatchService, cfg SweeperConfig, log zerolog.Logger) (*SweeperService, error) {
	defaults := DefaultSweeperConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = defaults.Interval
	}
	if cfg.Horizon <= 0 {
		cfg.Horizon = defaults.Horizon
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaults.BatchSize
	}
	s, err := gocron.NewScheduler(gocron.WithLocation(time.UTC))
	if err != nil {
		return nil, fmt.Errorf("failed to create gocron scheduler: %w", err)
	}
	return &SweeperService{
		Tasks:     tasks,
		Service:   svc,
		Scheduler: s,
		Config:    cfg,
		Log:       log.With().Str("component", "sweeper").Logger(),
		now:       func() time.Time { return time.Now().UTC() },
	}, nil
}

// Start registers the sweep job and starts the scheduler. The job runs until
// ctx is canceled or Stop is called.
func (s *SweeperService) Start(ctx context.Context) error {
	s.Scheduler.RemoveByTags(sweepJobTag)
	job, err := s.Scheduler.NewJob(
		gocron.DurationJob(s.Config.Interval),
		gocron.NewTask(func() { s.Sweep(ctx) }),
		gocron.WithName(sweepJobName),
		gocron.WithTags(sweepJobTag),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		return fmt.Errorf("failed to schedule auto-dispatch sweep: %w", err)
	}
	s.Scheduler.Start()

	evt := s.Log.Info().Str("job_id", job.ID().String()).Dur("interval", s.Config.Interval).Dur("horizon", s.Config.Horizon)
	if next, err := job.NextRun(); err == nil {
		evt = evt.Time("next_run", next)
	}
	evt.Msg("sweeper started")
	return nil
}

func (s *SweeperService) Stop() {
	if err := s.Scheduler.Shutdown(); err != nil {
		s.Log.Error().Err(err).Msg("error shutting down gocron scheduler")
		return
	}
	s.Log.Info().Msg("sweeper stopped")
}

// Sweep runs one pass over the due tasks. A task that cannot be placed stays
// where it is and is picked up again by a later pass.
func (s *SweeperService) Sweep(ctx context.Context) SweepResult {
	var res SweepResult
	horizon := s.now().Add(s.Config.Horizon)
	due, err := s.Tasks.ListDueForAutoDispatch(ctx, horizon, s.Config.BatchSize)
	if err != nil {
		s.Log.Error().Err(err).Msg("failed to list tasks due for auto-dispatch")
		return res
	}
	res.Scanned = len(due)

	for _, task := range due {
		if ctx.Err() != nil {
			break
		}
		log := s.Log.With().Str("tenant_id", task.TenantID).Str("task_id", task.ID).Logger()
		var assignee string
		err := WithRetry(ctx, s.Config.Retries, func() error {
			updated, _, err := s.Service.AutoDispatch(ctx, task.TenantID, task.ID, SweeperActor, nil, "scheduled auto-dispatch")
			if err == nil {
				assignee = updated.Assignee()
			}
			return err
		})
		switch {
		case err == nil:
			res.Dispatched++
			log.Info().Str("assigned_to", assignee).Msg("task auto-dispatched")
		case apperr.IsConflict(err), apperr.IsNotFound(err):
			res.Conflicts++
			log.Warn().Str("reason", apperr.Message(err)).Msg("task not auto-dispatched")
		default:
			res.Failed++
			log.Error().Err(err).Msg("auto-dispatch failed")
		}
	}
	if res.Scanned > 0 {
		s.Log.Info().Int("scanned", res.Scanned).Int("dispatched", res.Dispatched).
			Int("conflicts", res.Conflicts).Int("failed", res.Failed).Msg("sweep finished")
	}
	return res
}
