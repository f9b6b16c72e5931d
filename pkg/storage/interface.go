package storage

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"ratchet/pkg/models"
)

var (
	ErrNotFound = errors.New("record not found")
	ErrConflict = errors.New("record already exists")
)

// Page bounds list queries.
type Page struct {
	Limit  int
	Offset int
}

// TaskFilter narrows task listings.
type TaskFilter struct {
	Name         string
	Enabled      *bool
	RepositoryID *int64
}

// ExecutionFilter narrows execution listings.
type ExecutionFilter struct {
	TaskID *int64
	JobID  *int64
	Status models.ExecutionStatus
}

// TaskStore defines the data access layer for the task catalog.
type TaskStore interface {
	CreateTask(ctx context.Context, task *models.Task) error
	GetTask(ctx context.Context, id int64) (*models.Task, error)
	GetTaskByUUID(ctx context.Context, id uuid.UUID) (*models.Task, error)
	GetTaskByNameVersion(ctx context.Context, name, version string) (*models.Task, error)
	ListTasks(ctx context.Context, filter TaskFilter, page Page) ([]models.Task, error)
	UpdateTask(ctx context.Context, task *models.Task) error
	SetTaskEnabled(ctx context.Context, id int64, enabled bool) error

	// Sync support: tasks scoped to one repository, keyed by path.
	ListRepositoryTasks(ctx context.Context, repositoryID int64) ([]models.Task, error)
	DeleteRepositoryTask(ctx context.Context, repositoryID int64, path string) error
}

// JobStore defines the data access layer for the job queue. ClaimJobs is
// the linearization point: two concurrent claims never return
// overlapping jobs.
type JobStore interface {
	CreateJob(ctx context.Context, job *models.Job) error
	GetJob(ctx context.Context, id int64) (*models.Job, error)

	// ClaimJobs atomically transitions up to n eligible jobs
	// (QUEUED/RETRYING/SCHEDULED with process_at <= now) to PROCESSING, ordered by
	// priority desc, process_at asc, queued_at asc, and stamps the lease.
	ClaimJobs(ctx context.Context, n int, now time.Time, lease time.Duration) ([]models.Job, error)

	CompleteJob(ctx context.Context, id int64, completedAt time.Time) error

	// FailJob records a failure. A non-nil retryAt schedules a retry
	// (status RETRYING, retry_count+1, process_at=retryAt); nil is final.
	FailJob(ctx context.Context, id int64, errMsg string, retryAt *time.Time) error

	CancelJob(ctx context.Context, id int64) (*models.Job, error)
	JobStats(ctx context.Context) (map[models.JobStatus]int64, error)
	CountBacklog(ctx context.Context) (int64, error)

	// ReapExpired returns expired PROCESSING leases to RETRYING with a
	// bumped retry count; jobs out of retries go to FAILED.
	ReapExpired(ctx context.Context, now time.Time) (int64, error)
}

// ExecutionStore defines the data access layer for execution history.
type ExecutionStore interface {
	CreateExecution(ctx context.Context, exec *models.Execution) error
	GetExecution(ctx context.Context, id int64) (*models.Execution, error)
	MarkExecutionRunning(ctx context.Context, id int64, workerID string, startedAt time.Time) error

	// FinishExecution records the terminal state. Finished executions are
	// immutable; a second finish is rejected with ErrConflict.
	FinishExecution(ctx context.Context, exec *models.Execution) error

	ListExecutionsByJob(ctx context.Context, jobID int64) ([]models.Execution, error)
	ListExecutions(ctx context.Context, filter ExecutionFilter, page Page) ([]models.Execution, error)
}

// ScheduleStore defines the data access layer for cron schedules.
type ScheduleStore interface {
	CreateSchedule(ctx context.Context, schedule *models.Schedule) error
	GetSchedule(ctx context.Context, id int64) (*models.Schedule, error)

	// ListDueSchedules returns enabled schedules with next_run_at <= now,
	// ordered by id (the tie-break within a tick).
	ListDueSchedules(ctx context.Context, now time.Time, limit int) ([]models.Schedule, error)

	// AdvanceSchedule moves next_run_at forward, stamps last_run_at and
	// increments execution_count.
	AdvanceSchedule(ctx context.Context, id int64, nextRun, lastRun time.Time) error

	SetScheduleEnabled(ctx context.Context, id int64, enabled bool) error
}

// RepositoryStore defines the data access layer for task sources.
type RepositoryStore interface {
	CreateRepository(ctx context.Context, repo *models.Repository) error
	GetRepository(ctx context.Context, id int64) (*models.Repository, error)
	ListEnabledRepositories(ctx context.Context) ([]models.Repository, error)
	UpdateRepositorySyncStatus(ctx context.Context, id int64, status string, syncedAt time.Time) error
}

// DeliveryStore records output delivery outcomes.
type DeliveryStore interface {
	CreateDeliveryRecord(ctx context.Context, record *models.DeliveryRecord) error
}

// Store aggregates every repository the coordinator consumes.
type Store interface {
	TaskStore
	JobStore
	ExecutionStore
	ScheduleStore
	RepositoryStore
	DeliveryStore
	Close() error
}
