package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Priority orders jobs within the queue. Higher runs first.
type Priority int

const (
	PriorityLow    Priority = 1
	PriorityNormal Priority = 2
	PriorityHigh   Priority = 3
	PriorityUrgent Priority = 4
)

func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityNormal:
		return "normal"
	case PriorityHigh:
		return "high"
	case PriorityUrgent:
		return "urgent"
	default:
		return "unknown"
	}
}

// JobStatus represents the state of a job in the queue.
type JobStatus string

const (
	JobQueued     JobStatus = "QUEUED"
	JobProcessing JobStatus = "PROCESSING"
	JobCompleted  JobStatus = "COMPLETED"
	JobFailed     JobStatus = "FAILED"
	JobCancelled  JobStatus = "CANCELLED"
	JobRetrying   JobStatus = "RETRYING"
	JobScheduled  JobStatus = "SCHEDULED"
)

// Terminal reports whether a job status admits no further transitions.
func (s JobStatus) Terminal() bool {
	switch s {
	case JobCompleted, JobFailed, JobCancelled:
		return true
	}
	return false
}

// ExecutionStatus represents the state of a single execution attempt.
type ExecutionStatus string

const (
	ExecutionPending   ExecutionStatus = "PENDING"
	ExecutionRunning   ExecutionStatus = "RUNNING"
	ExecutionCompleted ExecutionStatus = "COMPLETED"
	ExecutionFailed    ExecutionStatus = "FAILED"
	ExecutionCancelled ExecutionStatus = "CANCELLED"
	ExecutionTimedOut  ExecutionStatus = "TIMED_OUT"
	ExecutionRetrying  ExecutionStatus = "RETRYING"
)

// Terminal reports whether an execution reached a final state. Executions
// are immutable once terminal.
func (s ExecutionStatus) Terminal() bool {
	switch s {
	case ExecutionCompleted, ExecutionFailed, ExecutionCancelled, ExecutionTimedOut:
		return true
	}
	return false
}

// RepositoryType identifies a task-source backend.
type RepositoryType string

const (
	RepositoryFilesystem RepositoryType = "FILESYSTEM"
	RepositoryHTTP       RepositoryType = "HTTP"
	RepositoryGit        RepositoryType = "GIT"
	RepositoryS3         RepositoryType = "S3"
)

// Task is a named, versioned JavaScript unit with input/output schemas.
// (name, version) is unique within a repository. Tasks referenced by
// executions are disabled, never hard-deleted.
type Task struct {
	ID           int64      `json:"id" gorm:"primaryKey;autoIncrement"`
	UUID         uuid.UUID  `json:"uuid" gorm:"type:uuid;uniqueIndex"`
	Name         string     `json:"name" gorm:"not null;index:idx_task_name_version,unique"`
	Version      string     `json:"version" gorm:"not null;index:idx_task_name_version,unique"`
	Path         string     `json:"path" gorm:"index"` // path within the source repository
	SourceCode   string     `json:"source_code" gorm:"type:text;not null"`
	InputSchema  RawJSON    `json:"input_schema" gorm:"type:jsonb"`
	OutputSchema RawJSON    `json:"output_schema" gorm:"type:jsonb"`
	Metadata     JSONMap    `json:"metadata" gorm:"type:jsonb"`
	Enabled      bool       `json:"enabled" gorm:"default:true"`
	RepositoryID *int64     `json:"repository_id" gorm:"index:idx_task_name_version,unique"`
	Checksum     string     `json:"checksum"`
	SyncStatus   string     `json:"sync_status"`
	NeedsPush    bool       `json:"needs_push" gorm:"default:false"`
	LastSyncedAt *time.Time `json:"last_synced_at"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

func (t *Task) BeforeCreate(tx *gorm.DB) error {
	if t.UUID == uuid.Nil {
		t.UUID = uuid.New()
	}
	return nil
}

// Job is a queued request to execute a task with a specific input.
type Job struct {
	ID                 int64           `json:"id" gorm:"primaryKey;autoIncrement"`
	UUID               uuid.UUID       `json:"uuid" gorm:"type:uuid;uniqueIndex"`
	TaskID             int64           `json:"task_id" gorm:"not null;index"`
	Priority           Priority        `json:"priority" gorm:"default:2"`
	Status             JobStatus       `json:"status" gorm:"type:varchar(20);default:'QUEUED';index"`
	Input              RawJSON         `json:"input" gorm:"type:jsonb"`
	RetryCount         int             `json:"retry_count" gorm:"default:0"`
	MaxRetries         int             `json:"max_retries" gorm:"default:3"`
	RetryDelaySeconds  int             `json:"retry_delay_seconds" gorm:"default:5"`
	QueuedAt           time.Time       `json:"queued_at"`
	ProcessAt          time.Time       `json:"process_at" gorm:"index"` // earliest eligible time
	StartedAt          *time.Time      `json:"started_at"`
	CompletedAt        *time.Time      `json:"completed_at"`
	LeaseDeadline      *time.Time      `json:"lease_deadline" gorm:"index"`
	WorkerID           *string         `json:"worker_id"`
	OutputDestinations DestinationList `json:"output_destinations" gorm:"type:jsonb"`
	Error              *string         `json:"error"`
	CreatedAt          time.Time       `json:"created_at"`
	UpdatedAt          time.Time       `json:"updated_at"`
}

func (j *Job) BeforeCreate(tx *gorm.DB) error {
	if j.UUID == uuid.Nil {
		j.UUID = uuid.New()
	}
	return nil
}

// Execution is the immutable record of one attempt to run a job.
type Execution struct {
	ID           int64           `json:"id" gorm:"primaryKey;autoIncrement"`
	UUID         uuid.UUID       `json:"uuid" gorm:"type:uuid;uniqueIndex"`
	TaskID       int64           `json:"task_id" gorm:"not null;index"`
	JobID        *int64          `json:"job_id" gorm:"index"` // nil for ad-hoc executions
	Status       ExecutionStatus `json:"status" gorm:"type:varchar(20);default:'PENDING'"`
	Input        RawJSON         `json:"input" gorm:"type:jsonb"`
	Output       RawJSON         `json:"output" gorm:"type:jsonb"`
	ErrorMessage *string         `json:"error_message"`
	ErrorDetails JSONMap         `json:"error_details" gorm:"type:jsonb"`
	QueuedAt     time.Time       `json:"queued_at"`
	StartedAt    *time.Time      `json:"started_at"`
	CompletedAt  *time.Time      `json:"completed_at"`
	DurationMs   *int64          `json:"duration_ms"`
	WorkerID     *string         `json:"worker_id"`
	RetryCount   int             `json:"retry_count" gorm:"default:0"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

func (e *Execution) BeforeCreate(tx *gorm.DB) error {
	if e.UUID == uuid.Nil {
		e.UUID = uuid.New()
	}
	return nil
}

// Schedule is a cron-driven job generator. next_run_at is strictly
// monotone for an enabled schedule.
type Schedule struct {
	ID                 int64           `json:"id" gorm:"primaryKey;autoIncrement"`
	TaskID             int64           `json:"task_id" gorm:"not null;index"`
	Name               string          `json:"name" gorm:"not null"`
	CronExpression     string          `json:"cron_expression" gorm:"not null"`
	Input              RawJSON         `json:"input" gorm:"type:jsonb"`
	Enabled            bool            `json:"enabled" gorm:"default:true;index"`
	NextRunAt          *time.Time      `json:"next_run_at" gorm:"index"`
	LastRunAt          *time.Time      `json:"last_run_at"`
	ExecutionCount     int64           `json:"execution_count" gorm:"default:0"`
	MaxExecutions      *int64          `json:"max_executions"`
	OutputDestinations DestinationList `json:"output_destinations" gorm:"type:jsonb"`
	CreatedAt          time.Time       `json:"created_at"`
	UpdatedAt          time.Time       `json:"updated_at"`
}

// Repository is an external source of task definitions.
type Repository struct {
	ID                     int64          `json:"id" gorm:"primaryKey;autoIncrement"`
	Name                   string         `json:"name" gorm:"uniqueIndex;not null"`
	Type                   RepositoryType `json:"type" gorm:"type:varchar(20);not null"`
	URI                    string         `json:"uri" gorm:"not null"`
	CredentialsRef         *string        `json:"credentials_ref"`
	SyncEnabled            bool           `json:"sync_enabled" gorm:"default:true"`
	IsWritable             bool           `json:"is_writable" gorm:"default:false"`
	PollingIntervalSeconds int            `json:"polling_interval_seconds" gorm:"default:300"`
	SyncStatus             string         `json:"sync_status"`
	LastSyncedAt           *time.Time     `json:"last_synced_at"`
	CreatedAt              time.Time      `json:"created_at"`
	UpdatedAt              time.Time      `json:"updated_at"`
}

// DeliveryRecord persists the outcome of one output delivery.
// Stored in the delivery_results table.
type DeliveryRecord struct {
	ID           int64     `json:"id" gorm:"primaryKey;autoIncrement"`
	JobID        *int64    `json:"job_id" gorm:"index"`
	ExecutionID  string    `json:"execution_id" gorm:"index"`
	Destination  string    `json:"destination"` // destination type
	Target       string    `json:"target"`      // rendered path or URL
	Success      bool      `json:"success"`
	DurationMs   int64     `json:"duration_ms"`
	SizeBytes    int64     `json:"size_bytes"`
	ResponseInfo *string   `json:"response_info"`
	Error        *string   `json:"error"`
	CreatedAt    time.Time `json:"created_at"`
}

func (DeliveryRecord) TableName() string { return "delivery_results" }
