package memory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"ratchet/pkg/models"
	"ratchet/pkg/storage"
)

// MemoryStore is an in-process implementation of the storage interfaces
// with the same ordering and transition semantics as the Postgres store.
// It backs unit tests and single-process development mode.
type MemoryStore struct {
	mu sync.Mutex

	tasks        map[int64]*models.Task
	jobs         map[int64]*models.Job
	executions   map[int64]*models.Execution
	schedules    map[int64]*models.Schedule
	repositories map[int64]*models.Repository
	deliveries   []*models.DeliveryRecord

	nextTask, nextJob, nextExec, nextSchedule, nextRepo, nextDelivery int64
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		tasks:        make(map[int64]*models.Task),
		jobs:         make(map[int64]*models.Job),
		executions:   make(map[int64]*models.Execution),
		schedules:    make(map[int64]*models.Schedule),
		repositories: make(map[int64]*models.Repository),
	}
}

func (s *MemoryStore) Close() error { return nil }

// --- TaskStore ---

func (s *MemoryStore) CreateTask(ctx context.Context, task *models.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range s.tasks {
		if t.Name == task.Name && t.Version == task.Version && sameRepo(t.RepositoryID, task.RepositoryID) {
			return storage.ErrConflict
		}
	}
	s.nextTask++
	task.ID = s.nextTask
	if task.UUID == uuid.Nil {
		task.UUID = uuid.New()
	}
	now := time.Now().UTC()
	task.CreatedAt = now
	task.UpdatedAt = now
	cloned := *task
	s.tasks[task.ID] = &cloned
	return nil
}

func sameRepo(a, b *int64) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func (s *MemoryStore) GetTask(ctx context.Context, id int64) (*models.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	cloned := *t
	return &cloned, nil
}

func (s *MemoryStore) GetTaskByUUID(ctx context.Context, id uuid.UUID) (*models.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range s.tasks {
		if t.UUID == id {
			cloned := *t
			return &cloned, nil
		}
	}
	return nil, storage.ErrNotFound
}

func (s *MemoryStore) GetTaskByNameVersion(ctx context.Context, name, version string) (*models.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range s.tasks {
		if t.Name == name && t.Version == version {
			cloned := *t
			return &cloned, nil
		}
	}
	return nil, storage.ErrNotFound
}

func (s *MemoryStore) ListTasks(ctx context.Context, filter storage.TaskFilter, page storage.Page) ([]models.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Task
	for _, t := range s.tasks {
		if filter.Name != "" && t.Name != filter.Name {
			continue
		}
		if filter.Enabled != nil && t.Enabled != *filter.Enabled {
			continue
		}
		if filter.RepositoryID != nil && !sameRepo(t.RepositoryID, filter.RepositoryID) {
			continue
		}
		out = append(out, *t)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].Version < out[j].Version
	})
	return paginate(out, page), nil
}

func paginate[T any](items []T, page storage.Page) []T {
	if page.Limit <= 0 {
		return items
	}
	if page.Offset >= len(items) {
		return nil
	}
	end := page.Offset + page.Limit
	if end > len(items) {
		end = len(items)
	}
	return items[page.Offset:end]
}

func (s *MemoryStore) UpdateTask(ctx context.Context, task *models.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tasks[task.ID]; !ok {
		return storage.ErrNotFound
	}
	task.UpdatedAt = time.Now().UTC()
	cloned := *task
	s.tasks[task.ID] = &cloned
	return nil
}

func (s *MemoryStore) SetTaskEnabled(ctx context.Context, id int64, enabled bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return storage.ErrNotFound
	}
	t.Enabled = enabled
	t.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *MemoryStore) ListRepositoryTasks(ctx context.Context, repositoryID int64) ([]models.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Task
	for _, t := range s.tasks {
		if t.RepositoryID != nil && *t.RepositoryID == repositoryID {
			out = append(out, *t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out, nil
}

func (s *MemoryStore) DeleteRepositoryTask(ctx context.Context, repositoryID int64, path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, t := range s.tasks {
		if t.RepositoryID != nil && *t.RepositoryID == repositoryID && t.Path == path {
			delete(s.tasks, id)
			return nil
		}
	}
	return storage.ErrNotFound
}

// --- JobStore ---

func (s *MemoryStore) CreateJob(ctx context.Context, job *models.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextJob++
	job.ID = s.nextJob
	if job.UUID == uuid.Nil {
		job.UUID = uuid.New()
	}
	now := time.Now().UTC()
	job.CreatedAt = now
	job.UpdatedAt = now
	cloned := *job
	s.jobs[job.ID] = &cloned
	return nil
}

func (s *MemoryStore) GetJob(ctx context.Context, id int64) (*models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	cloned := *j
	return &cloned, nil
}

func (s *MemoryStore) ClaimJobs(ctx context.Context, n int, now time.Time, lease time.Duration) ([]models.Job, error) {
	if n <= 0 {
		return nil, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var eligible []*models.Job
	for _, j := range s.jobs {
		switch j.Status {
		// Scheduled jobs become queued implicitly once process_at is due.
		case models.JobQueued, models.JobRetrying, models.JobScheduled:
			if !j.ProcessAt.After(now) {
				eligible = append(eligible, j)
			}
		}
	}
	sort.Slice(eligible, func(i, j int) bool {
		a, b := eligible[i], eligible[j]
		if a.Priority != b.Priority {
			return a.Priority > b.Priority
		}
		if !a.ProcessAt.Equal(b.ProcessAt) {
			return a.ProcessAt.Before(b.ProcessAt)
		}
		if !a.QueuedAt.Equal(b.QueuedAt) {
			return a.QueuedAt.Before(b.QueuedAt)
		}
		return a.ID < b.ID
	})
	if len(eligible) > n {
		eligible = eligible[:n]
	}

	deadline := now.Add(lease)
	out := make([]models.Job, 0, len(eligible))
	for _, j := range eligible {
		j.Status = models.JobProcessing
		started := now
		j.StartedAt = &started
		j.LeaseDeadline = &deadline
		j.UpdatedAt = now
		out = append(out, *j)
	}
	return out, nil
}

func (s *MemoryStore) CompleteJob(ctx context.Context, id int64, completedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok || j.Status != models.JobProcessing {
		return storage.ErrNotFound
	}
	j.Status = models.JobCompleted
	j.CompletedAt = &completedAt
	j.LeaseDeadline = nil
	j.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *MemoryStore) FailJob(ctx context.Context, id int64, errMsg string, retryAt *time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok || j.Status.Terminal() {
		return storage.ErrNotFound
	}
	j.Error = &errMsg
	j.LeaseDeadline = nil
	if retryAt != nil {
		j.Status = models.JobRetrying
		j.ProcessAt = *retryAt
		j.RetryCount++
	} else {
		j.Status = models.JobFailed
		now := time.Now().UTC()
		j.CompletedAt = &now
	}
	j.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *MemoryStore) CancelJob(ctx context.Context, id int64) (*models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	before := *j
	if !j.Status.Terminal() {
		now := time.Now().UTC()
		j.Status = models.JobCancelled
		j.CompletedAt = &now
		j.LeaseDeadline = nil
		j.UpdatedAt = now
	}
	return &before, nil
}

func (s *MemoryStore) JobStats(ctx context.Context) (map[models.JobStatus]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	stats := make(map[models.JobStatus]int64)
	for _, j := range s.jobs {
		stats[j.Status]++
	}
	return stats, nil
}

func (s *MemoryStore) CountBacklog(ctx context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var count int64
	for _, j := range s.jobs {
		switch j.Status {
		case models.JobQueued, models.JobRetrying, models.JobScheduled:
			count++
		}
	}
	return count, nil
}

func (s *MemoryStore) ReapExpired(ctx context.Context, now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var reaped int64
	for _, j := range s.jobs {
		if j.Status != models.JobProcessing || j.LeaseDeadline == nil || j.LeaseDeadline.After(now) {
			continue
		}
		j.LeaseDeadline = nil
		msg := "worker lease expired"
		j.Error = &msg
		if j.RetryCount < j.MaxRetries {
			j.Status = models.JobRetrying
			j.RetryCount++
			j.ProcessAt = now
		} else {
			j.Status = models.JobFailed
			completed := now
			j.CompletedAt = &completed
		}
		j.UpdatedAt = now
		reaped++
	}
	return reaped, nil
}

// --- ExecutionStore ---

func (s *MemoryStore) CreateExecution(ctx context.Context, exec *models.Execution) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextExec++
	exec.ID = s.nextExec
	if exec.UUID == uuid.Nil {
		exec.UUID = uuid.New()
	}
	now := time.Now().UTC()
	exec.CreatedAt = now
	exec.UpdatedAt = now
	cloned := *exec
	s.executions[exec.ID] = &cloned
	return nil
}

func (s *MemoryStore) GetExecution(ctx context.Context, id int64) (*models.Execution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.executions[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	cloned := *e
	return &cloned, nil
}

func (s *MemoryStore) MarkExecutionRunning(ctx context.Context, id int64, workerID string, startedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.executions[id]
	if !ok || e.Status != models.ExecutionPending {
		return storage.ErrNotFound
	}
	e.Status = models.ExecutionRunning
	e.WorkerID = &workerID
	e.StartedAt = &startedAt
	e.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *MemoryStore) FinishExecution(ctx context.Context, exec *models.Execution) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.executions[exec.ID]
	if !ok {
		return storage.ErrNotFound
	}
	if e.Status.Terminal() {
		return storage.ErrConflict
	}
	e.Status = exec.Status
	e.Output = exec.Output
	e.ErrorMessage = exec.ErrorMessage
	e.ErrorDetails = exec.ErrorDetails
	e.StartedAt = exec.StartedAt
	e.CompletedAt = exec.CompletedAt
	e.DurationMs = exec.DurationMs
	e.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *MemoryStore) ListExecutionsByJob(ctx context.Context, jobID int64) ([]models.Execution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Execution
	for _, e := range s.executions {
		if e.JobID != nil && *e.JobID == jobID {
			out = append(out, *e)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].QueuedAt.Equal(out[j].QueuedAt) {
			return out[i].QueuedAt.Before(out[j].QueuedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *MemoryStore) ListExecutions(ctx context.Context, filter storage.ExecutionFilter, page storage.Page) ([]models.Execution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Execution
	for _, e := range s.executions {
		if filter.TaskID != nil && e.TaskID != *filter.TaskID {
			continue
		}
		if filter.JobID != nil && (e.JobID == nil || *e.JobID != *filter.JobID) {
			continue
		}
		if filter.Status != "" && e.Status != filter.Status {
			continue
		}
		out = append(out, *e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].QueuedAt.After(out[j].QueuedAt) })
	return paginate(out, page), nil
}

// --- ScheduleStore ---

func (s *MemoryStore) CreateSchedule(ctx context.Context, schedule *models.Schedule) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextSchedule++
	schedule.ID = s.nextSchedule
	now := time.Now().UTC()
	schedule.CreatedAt = now
	schedule.UpdatedAt = now
	cloned := *schedule
	s.schedules[schedule.ID] = &cloned
	return nil
}

func (s *MemoryStore) GetSchedule(ctx context.Context, id int64) (*models.Schedule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sched, ok := s.schedules[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	cloned := *sched
	return &cloned, nil
}

func (s *MemoryStore) ListDueSchedules(ctx context.Context, now time.Time, limit int) ([]models.Schedule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Schedule
	for _, sched := range s.schedules {
		if sched.Enabled && sched.NextRunAt != nil && !sched.NextRunAt.After(now) {
			out = append(out, *sched)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) AdvanceSchedule(ctx context.Context, id int64, nextRun, lastRun time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sched, ok := s.schedules[id]
	if !ok {
		return storage.ErrNotFound
	}
	sched.NextRunAt = &nextRun
	sched.LastRunAt = &lastRun
	sched.ExecutionCount++
	sched.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *MemoryStore) SetScheduleEnabled(ctx context.Context, id int64, enabled bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sched, ok := s.schedules[id]
	if !ok {
		return storage.ErrNotFound
	}
	sched.Enabled = enabled
	sched.UpdatedAt = time.Now().UTC()
	return nil
}

// --- RepositoryStore ---

func (s *MemoryStore) CreateRepository(ctx context.Context, repo *models.Repository) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.repositories {
		if strings.EqualFold(r.Name, repo.Name) {
			return storage.ErrConflict
		}
	}
	s.nextRepo++
	repo.ID = s.nextRepo
	now := time.Now().UTC()
	repo.CreatedAt = now
	repo.UpdatedAt = now
	cloned := *repo
	s.repositories[repo.ID] = &cloned
	return nil
}

func (s *MemoryStore) GetRepository(ctx context.Context, id int64) (*models.Repository, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.repositories[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	cloned := *r
	return &cloned, nil
}

func (s *MemoryStore) ListEnabledRepositories(ctx context.Context) ([]models.Repository, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Repository
	for _, r := range s.repositories {
		if r.SyncEnabled {
			out = append(out, *r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemoryStore) UpdateRepositorySyncStatus(ctx context.Context, id int64, status string, syncedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.repositories[id]
	if !ok {
		return storage.ErrNotFound
	}
	r.SyncStatus = status
	r.LastSyncedAt = &syncedAt
	r.UpdatedAt = time.Now().UTC()
	return nil
}

// --- DeliveryStore ---

func (s *MemoryStore) CreateDeliveryRecord(ctx context.Context, record *models.DeliveryRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextDelivery++
	record.ID = s.nextDelivery
	record.CreatedAt = time.Now().UTC()
	cloned := *record
	s.deliveries = append(s.deliveries, &cloned)
	return nil
}

// DeliveryRecords returns a snapshot of recorded deliveries (test helper).
func (s *MemoryStore) DeliveryRecords() []models.DeliveryRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.DeliveryRecord, 0, len(s.deliveries))
	for _, d := range s.deliveries {
		out = append(out, *d)
	}
	return out
}
