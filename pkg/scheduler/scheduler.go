package scheduler

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"ratchet/pkg/metrics"
	"ratchet/pkg/models"
	"ratchet/pkg/queue"
	"ratchet/pkg/storage"
)

// Config tunes the scheduler loop.
type Config struct {
	// TickInterval is how often due schedules are polled.
	TickInterval time.Duration
	// BatchLimit bounds schedules handled per tick.
	BatchLimit int
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		TickInterval: time.Second,
		BatchLimit:   100,
	}
}

// Scheduler turns due schedules into jobs. One logical timer loop; ties
// within a tick break by schedule id. A schedule that missed ticks
// during downtime fires exactly once and then advances from now (no
// back-fill).
type Scheduler struct {
	schedules storage.ScheduleStore
	queue     *queue.Queue
	parser    cron.Parser
	cfg       Config
	log       *zap.Logger
}

// New creates a scheduler.
func New(schedules storage.ScheduleStore, q *queue.Queue, cfg Config, log *zap.Logger) *Scheduler {
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = DefaultConfig().TickInterval
	}
	if cfg.BatchLimit <= 0 {
		cfg.BatchLimit = DefaultConfig().BatchLimit
	}
	return &Scheduler{
		schedules: schedules,
		queue:     q,
		parser:    cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow),
		cfg:       cfg,
		log:       log,
	}
}

// Run starts the tick loop and blocks until the context is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			if s.log != nil {
				s.log.Info("scheduler shutting down")
			}
			return
		case <-ticker.C:
			if _, err := s.Tick(ctx, time.Now().UTC()); err != nil && s.log != nil {
				s.log.Error("scheduler tick failed", zap.Error(err))
			}
		}
	}
}

// Tick fires every due schedule once. Returns the number of jobs created.
func (s *Scheduler) Tick(ctx context.Context, now time.Time) (int, error) {
	due, err := s.schedules.ListDueSchedules(ctx, now, s.cfg.BatchLimit)
	if err != nil {
		return 0, err
	}

	fired := 0
	for _, schedule := range due {
		if err := s.fire(ctx, &schedule, now); err != nil {
			if s.log != nil {
				s.log.Error("failed to fire schedule",
					zap.Int64("schedule_id", schedule.ID),
					zap.Error(err))
			}
			continue
		}
		fired++
	}
	return fired, nil
}

// fire creates one job for the schedule, then advances next_run_at
// strictly past its previous value and disables the schedule once
// max_executions is reached.
func (s *Scheduler) fire(ctx context.Context, schedule *models.Schedule, now time.Time) error {
	job := &models.Job{
		TaskID:             schedule.TaskID,
		Priority:           models.PriorityNormal,
		Status:             models.JobQueued,
		Input:              schedule.Input,
		OutputDestinations: schedule.OutputDestinations,
		QueuedAt:           now,
		ProcessAt:          now,
	}
	jobID, err := s.queue.Enqueue(ctx, job)
	if err != nil {
		return err
	}

	cronSchedule, err := s.parser.Parse(schedule.CronExpression)
	if err != nil {
		// A schedule with a broken expression would fire every tick;
		// disable it instead.
		if s.log != nil {
			s.log.Error("invalid cron expression, disabling schedule",
				zap.Int64("schedule_id", schedule.ID),
				zap.String("cron", schedule.CronExpression),
				zap.Error(err))
		}
		return s.schedules.SetScheduleEnabled(ctx, schedule.ID, false)
	}

	// Next occurrence strictly after both now and the fired slot keeps
	// next_run_at monotone and skips missed slots after downtime.
	next := cronSchedule.Next(now)
	if schedule.NextRunAt != nil && !next.After(*schedule.NextRunAt) {
		next = cronSchedule.Next(*schedule.NextRunAt)
	}

	if err := s.schedules.AdvanceSchedule(ctx, schedule.ID, next, now); err != nil {
		return err
	}

	metrics.SchedulerFires.Inc()
	if schedule.NextRunAt != nil {
		metrics.SchedulerLag.Observe(now.Sub(*schedule.NextRunAt).Seconds())
	}

	if schedule.MaxExecutions != nil && schedule.ExecutionCount+1 >= *schedule.MaxExecutions {
		if err := s.schedules.SetScheduleEnabled(ctx, schedule.ID, false); err != nil {
			return err
		}
		if s.log != nil {
			s.log.Info("schedule reached max executions, disabled",
				zap.Int64("schedule_id", schedule.ID),
				zap.Int64("executions", schedule.ExecutionCount+1))
		}
	}

	if s.log != nil {
		s.log.Info("schedule fired",
			zap.Int64("schedule_id", schedule.ID),
			zap.Int64("job_id", jobID))
	}
	return nil
}
