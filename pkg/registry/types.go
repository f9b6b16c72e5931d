package registry

import (
	"context"
	"encoding/json"
	"time"

	"ratchet/pkg/models"
)

// Task is a task definition as seen in a repository.
type Task struct {
	Path         string                 `json:"path"`
	Name         string                 `json:"name"`
	Version      string                 `json:"version"`
	Source       string                 `json:"source_code"`
	InputSchema  json.RawMessage        `json:"input_schema"`
	OutputSchema json.RawMessage        `json:"output_schema"`
	Metadata     map[string]interface{} `json:"metadata,omitempty"`
	Checksum     string                 `json:"checksum"`
	ModifiedAt   time.Time              `json:"modified_at"`
	CreatedAt    time.Time              `json:"created_at"`
}

// ComputeChecksum recomputes the content checksum. Mandatory after any
// write; declared checksums are never trusted.
func (t *Task) ComputeChecksum() (string, error) {
	return models.TaskChecksum(t.Source, t.InputSchema, t.OutputSchema)
}

// Backend is one task-source implementation (filesystem, http, git, s3).
type Backend interface {
	ListTasks(ctx context.Context) ([]Task, error)
	GetTask(ctx context.Context, path string) (*Task, error)
	PutTask(ctx context.Context, task *Task) error
	DeleteTask(ctx context.Context, path string) error
}

// ConflictStrategy selects automatic conflict resolution behaviour.
type ConflictStrategy string

const (
	TakeLocal  ConflictStrategy = "take_local"
	TakeRemote ConflictStrategy = "take_remote"
	NewestWins ConflictStrategy = "newest_wins"
	ManualOnly ConflictStrategy = "manual_only"
)

// ConflictType classifies a divergence between catalog and repository.
type ConflictType string

const (
	ConflictModification ConflictType = "modification"
	ConflictLocalOnly    ConflictType = "local_only"
	ConflictRemoteOnly   ConflictType = "remote_only"
	ConflictDeleteModify ConflictType = "delete_modify"
	ConflictModifyDelete ConflictType = "modify_delete"
)

// Conflict is one unresolved divergence surfaced to the operator.
type Conflict struct {
	TaskPath     string       `json:"task_path"`
	RepositoryID int64        `json:"repository_id"`
	Type         ConflictType `json:"type"`
	Reason       string       `json:"reason"`
	LocalChecksum  string     `json:"local_checksum,omitempty"`
	RemoteChecksum string     `json:"remote_checksum,omitempty"`
	DetectedAt   time.Time    `json:"detected_at"`
}

// SyncError is one per-path failure; sync continues past it.
type SyncError struct {
	Type       string    `json:"type"`
	Message    string    `json:"message"`
	TaskPath   string    `json:"task_path,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
}

// SyncResult summarises one sync pass over a repository.
type SyncResult struct {
	RepositoryID int64       `json:"repository_id"`
	TasksAdded   int         `json:"tasks_added"`
	TasksUpdated int         `json:"tasks_updated"`
	TasksPushed  int         `json:"tasks_pushed"`
	TasksDeleted int         `json:"tasks_deleted"`
	Conflicts    []Conflict  `json:"conflicts,omitempty"`
	Errors       []SyncError `json:"errors,omitempty"`
	DurationMs   int64       `json:"duration_ms"`
}

// ChangeCount reports how many write operations the pass performed;
// zero on the second of two back-to-back syncs with no external change.
func (r *SyncResult) ChangeCount() int {
	return r.TasksAdded + r.TasksUpdated + r.TasksPushed + r.TasksDeleted
}

func (r *SyncResult) addError(kind, path string, err error) {
	r.Errors = append(r.Errors, SyncError{
		Type:       kind,
		Message:    err.Error(),
		TaskPath:   path,
		OccurredAt: time.Now().UTC(),
	})
}
