package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"ratchet/pkg/ipc"
	"ratchet/pkg/metrics"
	"ratchet/pkg/models"
	"ratchet/pkg/output"
	"ratchet/pkg/pool"
	"ratchet/pkg/queue"
	"ratchet/pkg/storage"
	"ratchet/pkg/taskerr"
)

// Submitter is the slice of the worker pool the dispatcher consumes.
type Submitter interface {
	Submit(ctx context.Context, req pool.SubmitRequest) (*ipc.TaskResult, error)
	Cancel(jobID int64) bool
	Available() int
}

// Config tunes the dispatch loop.
type Config struct {
	// PollInterval is the idle wait between empty dequeues.
	PollInterval time.Duration
	// TaskTimeoutSeconds is the per-task execution bound handed to workers.
	TaskTimeoutSeconds int
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		PollInterval:       time.Second,
		TaskTimeoutSeconds: 300,
	}
}

// Dispatcher pulls claimed jobs from the queue, runs them on the pool,
// records executions and fans completed output out to destinations.
type Dispatcher struct {
	queue      *queue.Queue
	pool       Submitter
	tasks      storage.TaskStore
	executions storage.ExecutionStore
	outputs    *output.Manager
	cfg        Config
	log        *zap.Logger
	aggregator *metrics.Aggregator
	wake       chan struct{}
}

// New creates a dispatcher.
func New(q *queue.Queue, p Submitter, tasks storage.TaskStore, executions storage.ExecutionStore, outputs *output.Manager, cfg Config, log *zap.Logger) *Dispatcher {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultConfig().PollInterval
	}
	if cfg.TaskTimeoutSeconds <= 0 {
		cfg.TaskTimeoutSeconds = DefaultConfig().TaskTimeoutSeconds
	}
	return &Dispatcher{
		queue:      q,
		pool:       p,
		tasks:      tasks,
		executions: executions,
		outputs:    outputs,
		cfg:        cfg,
		log:        log,
		aggregator: metrics.NewAggregator(),
		wake:       make(chan struct{}, 1),
	}
}

// Wake nudges the loop out of its idle wait; used by the dispatch
// notification consumer so jobs start without waiting a poll interval.
func (d *Dispatcher) Wake() {
	select {
	case d.wake <- struct{}{}:
	default:
	}
}

// Aggregator exposes in-process execution statistics.
func (d *Dispatcher) Aggregator() *metrics.Aggregator { return d.aggregator }

// Run drives the dispatch loop until the context ends.
func (d *Dispatcher) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		n := d.pool.Available()
		if n == 0 {
			d.sleep(ctx)
			continue
		}
		jobs, err := d.queue.DequeueBatch(ctx, n)
		if err != nil {
			if d.log != nil {
				d.log.Error("dequeue failed", zap.Error(err))
			}
			d.sleep(ctx)
			continue
		}
		if len(jobs) == 0 {
			d.sleep(ctx)
			continue
		}

		var wg sync.WaitGroup
		for i := range jobs {
			wg.Add(1)
			go func(job models.Job) {
				defer wg.Done()
				d.Process(ctx, &job)
			}(jobs[i])
		}
		wg.Wait()
	}
}

func (d *Dispatcher) sleep(ctx context.Context) {
	timer := time.NewTimer(d.cfg.PollInterval)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	case <-d.wake:
	}
}

// Process runs one claimed job end to end.
func (d *Dispatcher) Process(ctx context.Context, job *models.Job) {
	finish := d.aggregator.Begin()

	task, err := d.resolveTask(ctx, job)
	if err != nil {
		d.failWithoutExecution(ctx, job, err)
		finish(false, 0)
		return
	}

	jobID := job.ID
	exec := &models.Execution{
		TaskID:     task.ID,
		JobID:      &jobID,
		Status:     models.ExecutionPending,
		Input:      job.Input,
		QueuedAt:   job.QueuedAt,
		RetryCount: job.RetryCount,
	}
	if err := d.executions.CreateExecution(ctx, exec); err != nil {
		d.failWithoutExecution(ctx, job, taskerr.Wrap(taskerr.KindInternal, err, "failed to record execution"))
		finish(false, 0)
		return
	}

	result, err := d.pool.Submit(ctx, pool.SubmitRequest{
		JobID:    job.ID,
		TaskPath: task.Path,
		Input:    job.Input,
		Context: &ipc.ExecutionContext{
			ExecutionID: exec.UUID.String(),
			TaskID:      strconv.FormatInt(task.ID, 10),
			TaskVersion: task.Version,
			JobID:       &jobID,
		},
		Task: &ipc.TaskPayload{
			Name:           task.Name,
			Version:        task.Version,
			Source:         task.SourceCode,
			InputSchema:    json.RawMessage(task.InputSchema),
			OutputSchema:   json.RawMessage(task.OutputSchema),
			TimeoutSeconds: d.cfg.TaskTimeoutSeconds,
		},
	})

	if err != nil {
		d.finishFailed(ctx, job, task, exec, taskErrFor(err), err)
		finish(false, 0)
		return
	}
	if !result.Success {
		cause := taskerr.FromKind(result.ErrorKind, derefOr(result.ErrorMessage, "task failed"), result.HTTPStatus)
		d.finishFromResult(ctx, job, task, exec, result, cause)
		finish(false, time.Duration(result.DurationMs)*time.Millisecond)
		return
	}

	d.finishCompleted(ctx, job, task, exec, result)
	finish(true, time.Duration(result.DurationMs)*time.Millisecond)
}

func (d *Dispatcher) resolveTask(ctx context.Context, job *models.Job) (*models.Task, error) {
	task, err := d.tasks.GetTask(ctx, job.TaskID)
	if err != nil {
		if err == storage.ErrNotFound {
			return nil, taskerr.New(taskerr.KindTaskNotFound, "task %d not found", job.TaskID)
		}
		return nil, taskerr.Wrap(taskerr.KindInternal, err, "failed to load task %d", job.TaskID)
	}
	if !task.Enabled {
		return nil, taskerr.New(taskerr.KindTaskDisabled, "task %s@%s is disabled", task.Name, task.Version)
	}
	return task, nil
}

// failWithoutExecution handles failures before an execution row exists.
func (d *Dispatcher) failWithoutExecution(ctx context.Context, job *models.Job, cause error) {
	if err := d.queue.Fail(ctx, job, cause); err != nil && d.log != nil {
		d.log.Error("failed to record job failure", zap.Int64("job_id", job.ID), zap.Error(err))
	}
}

// finishCompleted records the successful execution, completes the job
// and fans the output out.
func (d *Dispatcher) finishCompleted(ctx context.Context, job *models.Job, task *models.Task, exec *models.Execution, result *ipc.TaskResult) {
	started := result.StartedAt
	completed := result.CompletedAt
	duration := result.DurationMs
	exec.Status = models.ExecutionCompleted
	exec.Output = models.RawJSON(result.Output)
	exec.StartedAt = &started
	exec.CompletedAt = &completed
	exec.DurationMs = &duration
	if err := d.executions.FinishExecution(ctx, exec); err != nil && d.log != nil {
		d.log.Error("failed to finish execution", zap.Int64("execution_id", exec.ID), zap.Error(err))
	}

	if err := d.queue.Complete(ctx, job.ID); err != nil && d.log != nil {
		d.log.Error("failed to complete job", zap.Int64("job_id", job.ID), zap.Error(err))
	}

	metrics.RecordExecution(task.Name, string(models.ExecutionCompleted), float64(duration)/1000)
	d.aggregator.RecordExecution(task.Name, true, time.Duration(duration)*time.Millisecond)

	if d.outputs != nil && len(job.OutputDestinations) > 0 {
		meta := make(map[string]string, len(task.Metadata))
		for key, value := range task.Metadata {
			meta[key] = fmt.Sprintf("%v", value)
		}
		results := d.outputs.DeliverAll(ctx, &output.TaskOutput{
			JobID:       job.ID,
			TaskID:      task.ID,
			ExecutionID: exec.UUID.String(),
			TaskName:    task.Name,
			TaskVersion: task.Version,
			Output:      json.RawMessage(result.Output),
			DurationMs:  duration,
			CompletedAt: completed,
			Meta:        meta,
		}, job.OutputDestinations)
		if !output.AllSucceeded(results) && d.log != nil {
			d.log.Warn("one or more output deliveries failed", zap.Int64("job_id", job.ID))
		}
	}
}

// finishFromResult records a worker-reported failure.
func (d *Dispatcher) finishFromResult(ctx context.Context, job *models.Job, task *models.Task, exec *models.Execution, result *ipc.TaskResult, cause *taskerr.Error) {
	started := result.StartedAt
	completed := result.CompletedAt
	duration := result.DurationMs

	exec.Status = executionStatusFor(cause.Kind)
	exec.ErrorMessage = result.ErrorMessage
	exec.ErrorDetails = models.JSONMap{
		"kind":      string(cause.Kind),
		"retryable": cause.Retryable(),
	}
	if cause.HTTPStatus > 0 {
		exec.ErrorDetails["http_status"] = cause.HTTPStatus
	}
	exec.StartedAt = &started
	exec.CompletedAt = &completed
	exec.DurationMs = &duration
	if err := d.executions.FinishExecution(ctx, exec); err != nil && d.log != nil {
		d.log.Error("failed to finish execution", zap.Int64("execution_id", exec.ID), zap.Error(err))
	}

	metrics.RecordExecution(task.Name, string(exec.Status), float64(duration)/1000)
	d.aggregator.RecordExecution(task.Name, false, time.Duration(duration)*time.Millisecond)

	if err := d.queue.Fail(ctx, job, cause); err != nil && d.log != nil {
		d.log.Error("failed to record job failure", zap.Int64("job_id", job.ID), zap.Error(err))
	}
}

// finishFailed records a submit-level failure (crash, timeout, cancel).
func (d *Dispatcher) finishFailed(ctx context.Context, job *models.Job, task *models.Task, exec *models.Execution, status models.ExecutionStatus, cause error) {
	now := time.Now().UTC()
	msg := cause.Error()
	var duration int64
	if exec.StartedAt != nil {
		duration = now.Sub(*exec.StartedAt).Milliseconds()
	}
	if exec.StartedAt == nil {
		started := job.QueuedAt
		if job.StartedAt != nil {
			started = *job.StartedAt
		}
		exec.StartedAt = &started
		duration = now.Sub(started).Milliseconds()
	}
	if duration <= 0 {
		duration = 1
	}

	exec.Status = status
	exec.ErrorMessage = &msg
	exec.ErrorDetails = models.JSONMap{
		"kind":      string(taskerr.KindOf(cause)),
		"retryable": taskerr.IsRetryable(cause),
	}
	exec.CompletedAt = &now
	exec.DurationMs = &duration
	if err := d.executions.FinishExecution(ctx, exec); err != nil && d.log != nil {
		d.log.Error("failed to finish execution", zap.Int64("execution_id", exec.ID), zap.Error(err))
	}

	metrics.RecordExecution(task.Name, string(status), float64(duration)/1000)
	d.aggregator.RecordExecution(task.Name, false, time.Duration(duration)*time.Millisecond)

	if err := d.queue.Fail(ctx, job, cause); err != nil && d.log != nil {
		d.log.Error("failed to record job failure", zap.Int64("job_id", job.ID), zap.Error(err))
	}
}

// CancelJob cancels a job cooperatively: the queue flips its status and
// the owning worker, if any, receives a Cancel frame.
func (d *Dispatcher) CancelJob(ctx context.Context, jobID int64) error {
	before, err := d.queue.Cancel(ctx, jobID)
	if err != nil {
		return err
	}
	if before.Status == models.JobProcessing {
		d.pool.Cancel(jobID)
	}
	return nil
}

func taskErrFor(err error) models.ExecutionStatus {
	return executionStatusFor(taskerr.KindOf(err))
}

func executionStatusFor(kind taskerr.Kind) models.ExecutionStatus {
	switch kind {
	case taskerr.KindTimeout:
		return models.ExecutionTimedOut
	case taskerr.KindCancelled:
		return models.ExecutionCancelled
	default:
		return models.ExecutionFailed
	}
}

func derefOr(s *string, fallback string) string {
	if s == nil {
		return fallback
	}
	return *s
}
