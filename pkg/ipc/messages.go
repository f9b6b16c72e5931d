package ipc

import (
	"encoding/json"
	"time"
)

// Kind discriminates IPC envelopes.
type Kind string

// Coordinator → worker.
const (
	KindExecuteTask Kind = "ExecuteTask"
	KindPing        Kind = "Ping"
	KindCancel      Kind = "Cancel"
	KindShutdown    Kind = "Shutdown"
)

// Worker → coordinator.
const (
	KindTaskResult Kind = "TaskResult"
	KindPong       Kind = "Pong"
	KindLog        Kind = "Log"
	KindReady      Kind = "Ready"
)

// ExecutionContext identifies the execution a task invocation belongs to.
// It is exposed to task code as the optional second argument of main.
type ExecutionContext struct {
	ExecutionID string `json:"execution_id"`
	TaskID      string `json:"task_id"`
	TaskVersion string `json:"task_version"`
	JobID       *int64 `json:"job_id"`
}

// TaskPayload carries the resolved task source alongside an ExecuteTask
// request so workers stay stateless with respect to the catalog.
type TaskPayload struct {
	Name           string          `json:"name"`
	Version        string          `json:"version"`
	Source         string          `json:"source"`
	InputSchema    json.RawMessage `json:"input_schema,omitempty"`
	OutputSchema   json.RawMessage `json:"output_schema,omitempty"`
	TimeoutSeconds int             `json:"timeout_seconds,omitempty"`
}

// TaskResult is the outcome of one task invocation.
type TaskResult struct {
	Success      bool                   `json:"success"`
	Output       json.RawMessage        `json:"output"`
	ErrorMessage *string                `json:"error_message"`
	ErrorKind    string                 `json:"error_kind,omitempty"`
	HTTPStatus   int                    `json:"http_status,omitempty"`
	ErrorDetails map[string]interface{} `json:"error_details,omitempty"`
	StartedAt    time.Time              `json:"started_at"`
	CompletedAt  time.Time              `json:"completed_at"`
	DurationMs   int64                  `json:"duration_ms"`
}

// WorkerStatus is reported in Pong replies.
type WorkerStatus struct {
	WorkerID      string    `json:"worker_id"`
	PID           int       `json:"pid"`
	StartedAt     time.Time `json:"started_at"`
	LastActivity  time.Time `json:"last_activity"`
	TasksExecuted uint64    `json:"tasks_executed"`
	TasksFailed   uint64    `json:"tasks_failed"`
	MemoryMB      *uint64   `json:"memory_mb,omitempty"`
	Busy          bool      `json:"busy"`
}

// Envelope is one newline-delimited JSON frame. Unused fields are
// omitted; Kind selects which are meaningful.
type Envelope struct {
	Kind          Kind              `json:"kind"`
	JobID         *int64            `json:"job_id,omitempty"`
	CorrelationID string            `json:"correlation_id,omitempty"`
	TaskPath      string            `json:"task_path,omitempty"`
	Input         json.RawMessage   `json:"input,omitempty"`
	Context       *ExecutionContext `json:"execution_context,omitempty"`
	Task          *TaskPayload      `json:"task,omitempty"`
	Result        *TaskResult       `json:"result,omitempty"`
	WorkerID      string            `json:"worker_id,omitempty"`
	Status        *WorkerStatus     `json:"status,omitempty"`

	// Log frames.
	Level   string                 `json:"level,omitempty"`
	Message string                 `json:"message,omitempty"`
	Fields  map[string]interface{} `json:"fields,omitempty"`
}
