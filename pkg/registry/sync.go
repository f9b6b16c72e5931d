package registry

import (
	"context"
	"net/url"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"ratchet/pkg/metrics"
	"ratchet/pkg/models"
	"ratchet/pkg/storage"
	"ratchet/pkg/taskerr"
	"ratchet/pkg/validation"
)

// syncStatusDeleted marks a catalog row as locally deleted; paired with
// a remote modification it becomes a delete/modify conflict.
const syncStatusDeleted = "deleted"

// SyncService reconciles the database task catalog against registered
// repository backends. Backends are shared values behind a read lock;
// sync never holds the lock across I/O.
type SyncService struct {
	tasks storage.TaskStore
	repos storage.RepositoryStore

	mu       sync.RWMutex
	backends map[int64]Backend

	strategy ConflictStrategy
	log      *zap.Logger
}

// NewSyncService creates the service with a default conflict strategy.
func NewSyncService(tasks storage.TaskStore, repos storage.RepositoryStore, strategy ConflictStrategy, log *zap.Logger) *SyncService {
	if strategy == "" {
		strategy = ManualOnly
	}
	return &SyncService{
		tasks:    tasks,
		repos:    repos,
		backends: make(map[int64]Backend),
		strategy: strategy,
		log:      log,
	}
}

// Register binds a backend to a repository id.
func (s *SyncService) Register(repositoryID int64, backend Backend) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.backends[repositoryID] = backend
}

// Unregister removes a backend.
func (s *SyncService) Unregister(repositoryID int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.backends, repositoryID)
}

func (s *SyncService) backend(repositoryID int64) (Backend, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	backend, ok := s.backends[repositoryID]
	return backend, ok
}

// NewBackendForRepository constructs the backend implied by a
// repository's type and URI.
func NewBackendForRepository(ctx context.Context, repo *models.Repository) (Backend, error) {
	switch repo.Type {
	case models.RepositoryFilesystem:
		root := strings.TrimPrefix(repo.URI, "file://")
		return NewFilesystemBackend(root, repo.IsWritable)
	case models.RepositoryHTTP:
		if _, err := validation.ValidateURL(repo.URI); err != nil {
			return nil, err
		}
		return NewHTTPBackend(repo.URI, repo.IsWritable), nil
	case models.RepositoryGit:
		return NewGitBackend(repo.URI, repo.IsWritable, "")
	case models.RepositoryS3:
		parsed, err := url.Parse(repo.URI)
		if err != nil || parsed.Scheme != "s3" {
			return nil, taskerr.New(taskerr.KindConfig, "invalid s3 uri %q", repo.URI)
		}
		return NewS3Backend(ctx, S3Config{
			Bucket:   parsed.Host,
			Prefix:   strings.TrimPrefix(parsed.Path, "/"),
			Writable: repo.IsWritable,
		})
	default:
		return nil, taskerr.New(taskerr.KindConfig, "unknown repository type %q", repo.Type)
	}
}

// syncOperation is one reconciliation action.
type syncOperation struct {
	kind string // pull, push, delete_local, delete_remote
	task *Task
	path string
}

// Sync reconciles one repository bidirectionally. Per-path failures are
// collected into the result; the pass itself errs only when no backend
// is registered or the repository row, the repository listing or the
// local catalog cannot be read. Running twice with no external
// change performs zero writes on the second pass.
func (s *SyncService) Sync(ctx context.Context, repositoryID int64) (*SyncResult, error) {
	started := time.Now()
	result := &SyncResult{RepositoryID: repositoryID}

	backend, ok := s.backend(repositoryID)
	if !ok {
		return nil, taskerr.New(taskerr.KindConfig, "repository %d has no registered backend", repositoryID)
	}
	repo, err := s.repos.GetRepository(ctx, repositoryID)
	if err != nil {
		return nil, taskerr.Wrap(taskerr.KindInternal, err, "failed to load repository %d", repositoryID)
	}
	if !repo.SyncEnabled {
		return result, nil
	}

	remoteTasks, err := backend.ListTasks(ctx)
	if err != nil {
		_ = s.repos.UpdateRepositorySyncStatus(ctx, repositoryID, "error", time.Now().UTC())
		return nil, err
	}
	localTasks, err := s.tasks.ListRepositoryTasks(ctx, repositoryID)
	if err != nil {
		return nil, taskerr.Wrap(taskerr.KindInternal, err, "failed to list local tasks")
	}

	localByPath := make(map[string]*models.Task, len(localTasks))
	for i := range localTasks {
		localByPath[localTasks[i].Path] = &localTasks[i]
	}
	remoteByPath := make(map[string]*Task, len(remoteTasks))
	for i := range remoteTasks {
		remoteByPath[remoteTasks[i].Path] = &remoteTasks[i]
	}

	var operations []syncOperation

	// Remote side first: pulls and modification conflicts.
	for path, remote := range remoteByPath {
		local, exists := localByPath[path]
		if !exists {
			operations = append(operations, syncOperation{kind: "pull", task: remote, path: path})
			continue
		}
		if local.SyncStatus == syncStatusDeleted {
			// Deleted locally, still present (or modified) remotely.
			result.Conflicts = append(result.Conflicts, Conflict{
				TaskPath:       path,
				RepositoryID:   repositoryID,
				Type:           ConflictDeleteModify,
				Reason:         "task was deleted locally but exists in the repository",
				LocalChecksum:  local.Checksum,
				RemoteChecksum: remote.Checksum,
				DetectedAt:     time.Now().UTC(),
			})
			continue
		}
		if local.Checksum == remote.Checksum {
			continue
		}
		ops, conflict := s.resolveModification(repo, local, remote)
		operations = append(operations, ops...)
		if conflict != nil {
			result.Conflicts = append(result.Conflicts, *conflict)
		}
	}

	// Local side: pushes and local-only conflicts.
	for path, local := range localByPath {
		if _, exists := remoteByPath[path]; exists {
			continue
		}
		if local.SyncStatus == syncStatusDeleted {
			// Already gone on both sides; drop the tombstone.
			operations = append(operations, syncOperation{kind: "delete_local", path: path})
			continue
		}
		if local.NeedsPush && repo.IsWritable {
			operations = append(operations, syncOperation{kind: "push", task: s.localToRepoTask(local), path: path})
			continue
		}
		switch s.strategy {
		case TakeLocal:
			if repo.IsWritable {
				operations = append(operations, syncOperation{kind: "push", task: s.localToRepoTask(local), path: path})
				continue
			}
		case TakeRemote:
			operations = append(operations, syncOperation{kind: "delete_local", path: path})
			continue
		}
		result.Conflicts = append(result.Conflicts, Conflict{
			TaskPath:      path,
			RepositoryID:  repositoryID,
			Type:          ConflictLocalOnly,
			Reason:        "task exists locally but not in the repository",
			LocalChecksum: local.Checksum,
			DetectedAt:    time.Now().UTC(),
		})
	}

	s.apply(ctx, repositoryID, backend, localByPath, operations, result)

	syncedAt := time.Now().UTC()
	status := "synced"
	if len(result.Errors) > 0 {
		status = "error"
	} else if len(result.Conflicts) > 0 {
		status = "conflict"
	}
	if err := s.repos.UpdateRepositorySyncStatus(ctx, repositoryID, status, syncedAt); err != nil && s.log != nil {
		s.log.Error("failed to update repository sync status", zap.Error(err))
	}

	metrics.SyncConflicts.Add(float64(len(result.Conflicts)))
	result.DurationMs = time.Since(started).Milliseconds()
	if s.log != nil {
		s.log.Info("repository sync completed",
			zap.Int64("repository_id", repositoryID),
			zap.Int("added", result.TasksAdded),
			zap.Int("updated", result.TasksUpdated),
			zap.Int("pushed", result.TasksPushed),
			zap.Int("deleted", result.TasksDeleted),
			zap.Int("conflicts", len(result.Conflicts)),
			zap.Int("errors", len(result.Errors)),
			zap.Int64("duration_ms", result.DurationMs))
	}
	return result, nil
}

// resolveModification applies the configured strategy to a both-sides
// change. NewestWins compares modification times; an exact tie cannot
// auto-resolve and surfaces as a conflict.
func (s *SyncService) resolveModification(repo *models.Repository, local *models.Task, remote *Task) ([]syncOperation, *Conflict) {
	conflict := &Conflict{
		TaskPath:       local.Path,
		RepositoryID:   repo.ID,
		Type:           ConflictModification,
		LocalChecksum:  local.Checksum,
		RemoteChecksum: remote.Checksum,
		DetectedAt:     time.Now().UTC(),
	}

	switch s.strategy {
	case TakeLocal:
		if repo.IsWritable {
			return []syncOperation{{kind: "push", task: s.localToRepoTask(local), path: local.Path}}, nil
		}
		conflict.Reason = "local version preferred but repository is read-only"
		return nil, conflict
	case TakeRemote:
		return []syncOperation{{kind: "pull", task: remote, path: local.Path}}, nil
	case NewestWins:
		switch {
		case remote.ModifiedAt.After(local.UpdatedAt):
			return []syncOperation{{kind: "pull", task: remote, path: local.Path}}, nil
		case local.UpdatedAt.After(remote.ModifiedAt):
			if repo.IsWritable {
				return []syncOperation{{kind: "push", task: s.localToRepoTask(local), path: local.Path}}, nil
			}
			conflict.Reason = "local version is newer but repository is read-only"
			return nil, conflict
		default:
			conflict.Reason = "both versions modified at the same instant"
			return nil, conflict
		}
	default:
		conflict.Reason = "both versions changed, manual resolution required"
		return nil, conflict
	}
}

// apply executes the planned operations, collecting per-path errors.
func (s *SyncService) apply(ctx context.Context, repositoryID int64, backend Backend, localByPath map[string]*models.Task, operations []syncOperation, result *SyncResult) {
	for _, op := range operations {
		switch op.kind {
		case "pull":
			created, err := s.pull(ctx, repositoryID, op.task, localByPath[op.path])
			if err != nil {
				result.addError("pull_error", op.path, err)
				continue
			}
			if created {
				result.TasksAdded++
			} else {
				result.TasksUpdated++
			}
			metrics.SyncOperations.WithLabelValues("pull").Inc()

		case "push":
			if err := s.push(ctx, backend, op.task, localByPath[op.path]); err != nil {
				result.addError("push_error", op.path, err)
				continue
			}
			result.TasksPushed++
			metrics.SyncOperations.WithLabelValues("push").Inc()

		case "delete_local":
			if err := s.tasks.DeleteRepositoryTask(ctx, repositoryID, op.path); err != nil {
				result.addError("delete_local_error", op.path, err)
				continue
			}
			result.TasksDeleted++
			metrics.SyncOperations.WithLabelValues("delete_local").Inc()

		case "delete_remote":
			if err := backend.DeleteTask(ctx, op.path); err != nil {
				result.addError("delete_remote_error", op.path, err)
				continue
			}
			result.TasksDeleted++
			metrics.SyncOperations.WithLabelValues("delete_remote").Inc()
		}
	}
}

// pull creates or updates the local row from the repository version,
// recomputing the checksum from the pulled content.
func (s *SyncService) pull(ctx context.Context, repositoryID int64, remote *Task, local *models.Task) (created bool, err error) {
	checksum, err := remote.ComputeChecksum()
	if err != nil {
		return false, err
	}
	now := time.Now().UTC()

	if local == nil {
		repoID := repositoryID
		task := &models.Task{
			Name:         remote.Name,
			Version:      remote.Version,
			Path:         remote.Path,
			SourceCode:   remote.Source,
			InputSchema:  models.RawJSON(remote.InputSchema),
			OutputSchema: models.RawJSON(remote.OutputSchema),
			Metadata:     remote.Metadata,
			Enabled:      true,
			RepositoryID: &repoID,
			Checksum:     checksum,
			SyncStatus:   "synced",
			LastSyncedAt: &now,
		}
		return true, s.tasks.CreateTask(ctx, task)
	}

	local.Name = remote.Name
	local.Version = remote.Version
	local.SourceCode = remote.Source
	local.InputSchema = models.RawJSON(remote.InputSchema)
	local.OutputSchema = models.RawJSON(remote.OutputSchema)
	local.Metadata = remote.Metadata
	local.Checksum = checksum
	local.SyncStatus = "synced"
	local.NeedsPush = false
	local.LastSyncedAt = &now
	return false, s.tasks.UpdateTask(ctx, local)
}

// push writes the local version into the repository and clears the
// pending-push marker, recomputing the stored checksum.
func (s *SyncService) push(ctx context.Context, backend Backend, task *Task, local *models.Task) error {
	if err := backend.PutTask(ctx, task); err != nil {
		return err
	}
	if local == nil {
		return nil
	}
	checksum, err := task.ComputeChecksum()
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	local.Checksum = checksum
	local.SyncStatus = "synced"
	local.NeedsPush = false
	local.LastSyncedAt = &now
	return s.tasks.UpdateTask(ctx, local)
}

func (s *SyncService) localToRepoTask(local *models.Task) *Task {
	return &Task{
		Path:         local.Path,
		Name:         local.Name,
		Version:      local.Version,
		Source:       local.SourceCode,
		InputSchema:  []byte(local.InputSchema),
		OutputSchema: []byte(local.OutputSchema),
		Metadata:     local.Metadata,
		Checksum:     local.Checksum,
		ModifiedAt:   local.UpdatedAt,
		CreatedAt:    local.CreatedAt,
	}
}

// RunLoop periodically syncs every enabled repository whose polling
// interval has elapsed. Blocks until the context ends.
func (s *SyncService) RunLoop(ctx context.Context, tick time.Duration) {
	if tick <= 0 {
		tick = 30 * time.Second
	}
	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.syncDue(ctx)
		}
	}
}

func (s *SyncService) syncDue(ctx context.Context) {
	repos, err := s.repos.ListEnabledRepositories(ctx)
	if err != nil {
		if s.log != nil {
			s.log.Error("failed to list repositories", zap.Error(err))
		}
		return
	}
	now := time.Now().UTC()
	for _, repo := range repos {
		interval := time.Duration(repo.PollingIntervalSeconds) * time.Second
		if interval <= 0 {
			interval = 5 * time.Minute
		}
		if repo.LastSyncedAt != nil && now.Sub(*repo.LastSyncedAt) < interval {
			continue
		}
		if _, ok := s.backend(repo.ID); !ok {
			backend, err := NewBackendForRepository(ctx, &repo)
			if err != nil {
				if s.log != nil {
					s.log.Error("failed to initialise repository backend",
						zap.Int64("repository_id", repo.ID), zap.Error(err))
				}
				continue
			}
			s.Register(repo.ID, backend)
		}
		if _, err := s.Sync(ctx, repo.ID); err != nil && s.log != nil {
			s.log.Error("repository sync failed",
				zap.Int64("repository_id", repo.ID), zap.Error(err))
		}
	}
}
