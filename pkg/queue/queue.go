package queue

import (
	"context"
	"math"
	"time"

	"go.uber.org/zap"

	"ratchet/pkg/metrics"
	"ratchet/pkg/models"
	"ratchet/pkg/storage"
	"ratchet/pkg/taskerr"
)

// Config tunes queue behaviour.
type Config struct {
	// MaxQueueSize bounds the backlog; Enqueue rejects beyond it.
	MaxQueueSize int64
	// DefaultMaxRetries applies to jobs that do not set their own.
	DefaultMaxRetries int
	// DefaultRetryDelay seeds the exponential backoff for jobs without one.
	DefaultRetryDelay time.Duration
	// MaxRetryDelay caps the backoff.
	MaxRetryDelay time.Duration
	// LeaseTimeout is how long a claimed job may run before the reaper
	// takes it back.
	LeaseTimeout time.Duration
	// ReapInterval is how often expired leases are collected.
	ReapInterval time.Duration
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		MaxQueueSize:      10000,
		DefaultMaxRetries: 3,
		DefaultRetryDelay: 5 * time.Second,
		MaxRetryDelay:     15 * time.Minute,
		LeaseTimeout:      5 * time.Minute,
		ReapInterval:      30 * time.Second,
	}
}

// DispatchNotifier announces newly eligible jobs to dispatchers on
// other nodes. Delivery is best-effort: the job row is authoritative
// and the lease reaper recovers anything a lost notification misses.
type DispatchNotifier interface {
	Push(ctx context.Context, job *models.Job) error
}

// Queue is the priority job queue. State lives in the JobStore; the
// queue enforces admission, retry policy and lease reaping on top.
type Queue struct {
	jobs     storage.JobStore
	cfg      Config
	log      *zap.Logger
	notifier DispatchNotifier
}

// SetNotifier attaches a dispatch notifier (the Redis stream in
// multi-node deployments).
func (q *Queue) SetNotifier(n DispatchNotifier) {
	q.notifier = n
}

// New creates a queue over the given store.
func New(jobs storage.JobStore, cfg Config, log *zap.Logger) *Queue {
	if cfg.MaxQueueSize <= 0 {
		cfg.MaxQueueSize = DefaultConfig().MaxQueueSize
	}
	if cfg.LeaseTimeout == 0 {
		cfg.LeaseTimeout = DefaultConfig().LeaseTimeout
	}
	if cfg.ReapInterval <= 0 {
		cfg.ReapInterval = DefaultConfig().ReapInterval
	}
	return &Queue{jobs: jobs, cfg: cfg, log: log}
}

// Enqueue admits a job. Any status is accepted; QUEUED, RETRYING and
// SCHEDULED jobs are eligible for dispatch once process_at is reached.
// Returns the job id, or QueueFull when the backlog is at capacity.
func (q *Queue) Enqueue(ctx context.Context, job *models.Job) (int64, error) {
	depth, err := q.jobs.CountBacklog(ctx)
	if err != nil {
		return 0, taskerr.Wrap(taskerr.KindInternal, err, "failed to measure queue depth")
	}
	if depth >= q.cfg.MaxQueueSize {
		return 0, taskerr.New(taskerr.KindQueueFull,
			"queue depth %d is at capacity %d", depth, q.cfg.MaxQueueSize)
	}

	now := time.Now().UTC()
	if job.Status == "" {
		job.Status = models.JobQueued
	}
	if job.Priority == 0 {
		job.Priority = models.PriorityNormal
	}
	if job.MaxRetries == 0 {
		job.MaxRetries = q.cfg.DefaultMaxRetries
	}
	if job.RetryDelaySeconds == 0 {
		job.RetryDelaySeconds = int(q.cfg.DefaultRetryDelay / time.Second)
	}
	if job.QueuedAt.IsZero() {
		job.QueuedAt = now
	}
	if job.ProcessAt.IsZero() {
		job.ProcessAt = now
	}

	if err := q.jobs.CreateJob(ctx, job); err != nil {
		return 0, taskerr.Wrap(taskerr.KindInternal, err, "failed to enqueue job")
	}
	metrics.JobsEnqueued.WithLabelValues(job.Priority.String()).Inc()
	metrics.QueueDepth.Set(float64(depth + 1))

	if q.notifier != nil && job.Status == models.JobQueued && !job.ProcessAt.After(now) {
		if err := q.notifier.Push(ctx, job); err != nil && q.log != nil {
			q.log.Warn("dispatch notification failed, job will be picked up by polling",
				zap.Int64("job_id", job.ID), zap.Error(err))
		}
	}
	return job.ID, nil
}

// DequeueBatch claims up to n eligible jobs, atomically transitioning
// them to PROCESSING. Selection order: priority desc, process_at asc
// (eligible only), queued_at asc.
func (q *Queue) DequeueBatch(ctx context.Context, n int) ([]models.Job, error) {
	claimed, err := q.jobs.ClaimJobs(ctx, n, time.Now().UTC(), q.cfg.LeaseTimeout)
	if err != nil {
		return nil, taskerr.Wrap(taskerr.KindInternal, err, "failed to claim jobs")
	}
	return claimed, nil
}

// Complete finishes a job successfully.
func (q *Queue) Complete(ctx context.Context, jobID int64) error {
	if err := q.jobs.CompleteJob(ctx, jobID, time.Now().UTC()); err != nil {
		return taskerr.Wrap(taskerr.KindInternal, err, "failed to complete job %d", jobID)
	}
	return nil
}

// Fail records a failure. When the cause is retryable and retries
// remain, the job is rescheduled at now + retry_delay * 2^retry_count
// (capped); otherwise it goes terminal.
func (q *Queue) Fail(ctx context.Context, job *models.Job, cause error) error {
	retryable := taskerr.IsRetryable(cause)
	if retryable && job.RetryCount < job.MaxRetries {
		retryAt := time.Now().UTC().Add(q.backoff(job))
		if err := q.jobs.FailJob(ctx, job.ID, cause.Error(), &retryAt); err != nil {
			return taskerr.Wrap(taskerr.KindInternal, err, "failed to schedule retry for job %d", job.ID)
		}
		if q.log != nil {
			q.log.Info("job scheduled for retry",
				zap.Int64("job_id", job.ID),
				zap.Int("retry_count", job.RetryCount+1),
				zap.Time("process_at", retryAt))
		}
		return nil
	}

	if err := q.jobs.FailJob(ctx, job.ID, cause.Error(), nil); err != nil {
		return taskerr.Wrap(taskerr.KindInternal, err, "failed to fail job %d", job.ID)
	}
	if q.log != nil {
		q.log.Warn("job failed terminally",
			zap.Int64("job_id", job.ID),
			zap.Int("retry_count", job.RetryCount),
			zap.String("error", cause.Error()))
	}
	return nil
}

// backoff computes retry_delay * 2^retry_count, capped.
func (q *Queue) backoff(job *models.Job) time.Duration {
	base := time.Duration(job.RetryDelaySeconds) * time.Second
	if base <= 0 {
		base = q.cfg.DefaultRetryDelay
	}
	delay := float64(base) * math.Pow(2, float64(job.RetryCount))
	maxDelay := q.cfg.MaxRetryDelay
	if maxDelay <= 0 {
		maxDelay = DefaultConfig().MaxRetryDelay
	}
	if delay > float64(maxDelay) {
		delay = float64(maxDelay)
	}
	return time.Duration(delay)
}

// Cancel flips a non-terminal job to CANCELLED. It returns the job's
// pre-cancellation snapshot; callers signal the owning worker when the
// job was in flight (cancellation of running work is cooperative).
func (q *Queue) Cancel(ctx context.Context, jobID int64) (*models.Job, error) {
	before, err := q.jobs.CancelJob(ctx, jobID)
	if err != nil {
		return nil, taskerr.Wrap(taskerr.KindInternal, err, "failed to cancel job %d", jobID)
	}
	return before, nil
}

// Stats returns per-status job counts.
func (q *Queue) Stats(ctx context.Context) (map[models.JobStatus]int64, error) {
	stats, err := q.jobs.JobStats(ctx)
	if err != nil {
		return nil, taskerr.Wrap(taskerr.KindInternal, err, "failed to collect queue stats")
	}
	return stats, nil
}

// RunReaper periodically returns expired leases to the queue. Blocks
// until the context is cancelled.
func (q *Queue) RunReaper(ctx context.Context) {
	ticker := time.NewTicker(q.cfg.ReapInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			reaped, err := q.jobs.ReapExpired(ctx, time.Now().UTC())
			if err != nil {
				if q.log != nil {
					q.log.Error("lease reap failed", zap.Error(err))
				}
				continue
			}
			if reaped > 0 {
				metrics.JobsReaped.Add(float64(reaped))
				if q.log != nil {
					q.log.Warn("reaped expired job leases", zap.Int64("count", reaped))
				}
			}
		}
	}
}
