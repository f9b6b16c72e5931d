package registry_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ratchet/pkg/models"
	"ratchet/pkg/registry"
	"ratchet/pkg/storage/memory"
	"ratchet/pkg/taskerr"
)

// fakeBackend is an in-memory repository with write counters.
type fakeBackend struct {
	tasks   map[string]registry.Task
	puts    int
	deletes int
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{tasks: make(map[string]registry.Task)}
}

func (b *fakeBackend) add(t *testing.T, path, name, version, source string) registry.Task {
	t.Helper()
	task := registry.Task{
		Path:         path,
		Name:         name,
		Version:      version,
		Source:       source,
		InputSchema:  json.RawMessage(`{"type":"object"}`),
		OutputSchema: json.RawMessage(`{"type":"object"}`),
		ModifiedAt:   time.Now().UTC(),
		CreatedAt:    time.Now().UTC(),
	}
	checksum, err := task.ComputeChecksum()
	require.NoError(t, err)
	task.Checksum = checksum
	b.tasks[path] = task
	return task
}

func (b *fakeBackend) ListTasks(ctx context.Context) ([]registry.Task, error) {
	out := make([]registry.Task, 0, len(b.tasks))
	for _, t := range b.tasks {
		out = append(out, t)
	}
	return out, nil
}

func (b *fakeBackend) GetTask(ctx context.Context, path string) (*registry.Task, error) {
	t, ok := b.tasks[path]
	if !ok {
		return nil, taskerr.New(taskerr.KindTaskNotFound, "no task at %s", path)
	}
	return &t, nil
}

func (b *fakeBackend) PutTask(ctx context.Context, task *registry.Task) error {
	b.puts++
	checksum, err := task.ComputeChecksum()
	if err != nil {
		return err
	}
	stored := *task
	stored.Checksum = checksum
	stored.ModifiedAt = time.Now().UTC()
	b.tasks[task.Path] = stored
	return nil
}

func (b *fakeBackend) DeleteTask(ctx context.Context, path string) error {
	b.deletes++
	delete(b.tasks, path)
	return nil
}

func setupSync(t *testing.T, strategy registry.ConflictStrategy, writable bool) (*registry.SyncService, *memory.MemoryStore, *fakeBackend, int64) {
	t.Helper()
	store := memory.NewMemoryStore()
	repo := &models.Repository{
		Name:        "test-repo",
		Type:        models.RepositoryFilesystem,
		URI:         "file:///tasks",
		SyncEnabled: true,
		IsWritable:  writable,
	}
	require.NoError(t, store.CreateRepository(context.Background(), repo))

	backend := newFakeBackend()
	svc := registry.NewSyncService(store, store, strategy, nil)
	svc.Register(repo.ID, backend)
	return svc, store, backend, repo.ID
}

func TestSyncPullsRemoteOnlyTasks(t *testing.T) {
	svc, store, backend, repoID := setupSync(t, registry.ManualOnly, false)
	backend.add(t, "tasks/multiply", "test-multiply", "1.0.0", `function main(i){return {result:i.a*i.b};}`)

	result, err := svc.Sync(context.Background(), repoID)
	require.NoError(t, err)
	assert.Equal(t, 1, result.TasksAdded)
	assert.Empty(t, result.Errors)
	assert.Empty(t, result.Conflicts)

	local, err := store.ListRepositoryTasks(context.Background(), repoID)
	require.NoError(t, err)
	require.Len(t, local, 1)
	assert.Equal(t, "test-multiply", local[0].Name)
	assert.Equal(t, "synced", local[0].SyncStatus)

	// Stored checksum matches a fresh recomputation over stored content.
	recomputed, err := models.TaskChecksum(local[0].SourceCode, []byte(local[0].InputSchema), []byte(local[0].OutputSchema))
	require.NoError(t, err)
	assert.Equal(t, recomputed, local[0].Checksum)

	repo, err := store.GetRepository(context.Background(), repoID)
	require.NoError(t, err)
	assert.Equal(t, "synced", repo.SyncStatus)
	assert.NotNil(t, repo.LastSyncedAt)
}

func TestSyncIsIdempotent(t *testing.T) {
	svc, _, backend, repoID := setupSync(t, registry.NewestWins, true)
	backend.add(t, "tasks/a", "task-a", "1.0.0", `function main(i){return {};}`)
	backend.add(t, "tasks/b", "task-b", "2.1.0", `function main(i){return {ok:true};}`)

	first, err := svc.Sync(context.Background(), repoID)
	require.NoError(t, err)
	assert.Equal(t, 2, first.ChangeCount())

	second, err := svc.Sync(context.Background(), repoID)
	require.NoError(t, err)
	assert.Equal(t, 0, second.ChangeCount())
	assert.Empty(t, second.Conflicts)
	assert.Equal(t, 0, backend.puts)
	assert.Equal(t, 0, backend.deletes)
}

func TestSyncPushesLocalChanges(t *testing.T) {
	svc, store, backend, repoID := setupSync(t, registry.ManualOnly, true)

	// A locally-created task flagged for push.
	require.NoError(t, store.CreateTask(context.Background(), &models.Task{
		Name:         "local-task",
		Version:      "1.0.0",
		Path:         "tasks/local",
		SourceCode:   `function main(i){return {from:"local"};}`,
		RepositoryID: &repoID,
		NeedsPush:    true,
		Enabled:      true,
	}))

	result, err := svc.Sync(context.Background(), repoID)
	require.NoError(t, err)
	assert.Equal(t, 1, result.TasksPushed)
	assert.Equal(t, 1, backend.puts)

	remote, err := backend.GetTask(context.Background(), "tasks/local")
	require.NoError(t, err)
	assert.Equal(t, "local-task", remote.Name)

	local, err := store.ListRepositoryTasks(context.Background(), repoID)
	require.NoError(t, err)
	require.Len(t, local, 1)
	assert.False(t, local[0].NeedsPush)
	assert.Equal(t, "synced", local[0].SyncStatus)
}

func TestSyncLocalOnlyWithoutPushIsConflict(t *testing.T) {
	svc, store, _, repoID := setupSync(t, registry.ManualOnly, false)

	require.NoError(t, store.CreateTask(context.Background(), &models.Task{
		Name:         "orphan",
		Version:      "1.0.0",
		Path:         "tasks/orphan",
		SourceCode:   `function main(i){return {};}`,
		RepositoryID: &repoID,
		Enabled:      true,
	}))

	result, err := svc.Sync(context.Background(), repoID)
	require.NoError(t, err)
	require.Len(t, result.Conflicts, 1)
	assert.Equal(t, registry.ConflictLocalOnly, result.Conflicts[0].Type)
	assert.Equal(t, 0, result.ChangeCount())
}

func TestSyncModificationNewestWins(t *testing.T) {
	svc, store, backend, repoID := setupSync(t, registry.NewestWins, true)
	backend.add(t, "tasks/shared", "shared", "1.0.0", `function main(i){return {v:1};}`)

	// Seed the local copy via a first sync.
	_, err := svc.Sync(context.Background(), repoID)
	require.NoError(t, err)

	// Remote changes afterwards; remote is newer, so it wins.
	time.Sleep(5 * time.Millisecond)
	backend.add(t, "tasks/shared", "shared", "1.1.0", `function main(i){return {v:2};}`)
	remote := backend.tasks["tasks/shared"]
	remote.ModifiedAt = time.Now().UTC().Add(time.Hour)
	backend.tasks["tasks/shared"] = remote

	result, err := svc.Sync(context.Background(), repoID)
	require.NoError(t, err)
	assert.Equal(t, 1, result.TasksUpdated)
	assert.Empty(t, result.Conflicts)

	local, err := store.ListRepositoryTasks(context.Background(), repoID)
	require.NoError(t, err)
	require.Len(t, local, 1)
	assert.Equal(t, "1.1.0", local[0].Version)
}

func TestSyncModificationManualOnlyConflicts(t *testing.T) {
	svc, store, backend, repoID := setupSync(t, registry.ManualOnly, true)
	backend.add(t, "tasks/shared", "shared", "1.0.0", `function main(i){return {v:1};}`)

	_, err := svc.Sync(context.Background(), repoID)
	require.NoError(t, err)

	// Diverge both sides.
	backend.add(t, "tasks/shared", "shared", "1.0.1", `function main(i){return {v:"remote"};}`)
	local, err := store.ListRepositoryTasks(context.Background(), repoID)
	require.NoError(t, err)
	local[0].SourceCode = `function main(i){return {v:"local"};}`
	checksum, err := models.TaskChecksum(local[0].SourceCode, []byte(local[0].InputSchema), []byte(local[0].OutputSchema))
	require.NoError(t, err)
	local[0].Checksum = checksum
	require.NoError(t, store.UpdateTask(context.Background(), &local[0]))

	result, err := svc.Sync(context.Background(), repoID)
	require.NoError(t, err)
	require.Len(t, result.Conflicts, 1)
	assert.Equal(t, registry.ConflictModification, result.Conflicts[0].Type)
	assert.Equal(t, 0, result.ChangeCount())

	repo, err := store.GetRepository(context.Background(), repoID)
	require.NoError(t, err)
	assert.Equal(t, "conflict", repo.SyncStatus)
}

func TestSyncDeleteModifyNeverAutoResolves(t *testing.T) {
	svc, store, backend, repoID := setupSync(t, registry.TakeRemote, true)
	backend.add(t, "tasks/doomed", "doomed", "1.0.0", `function main(i){return {};}`)

	_, err := svc.Sync(context.Background(), repoID)
	require.NoError(t, err)

	// Mark the local copy deleted while the remote still exists.
	local, err := store.ListRepositoryTasks(context.Background(), repoID)
	require.NoError(t, err)
	local[0].SyncStatus = "deleted"
	require.NoError(t, store.UpdateTask(context.Background(), &local[0]))

	result, err := svc.Sync(context.Background(), repoID)
	require.NoError(t, err)
	require.Len(t, result.Conflicts, 1)
	assert.Equal(t, registry.ConflictDeleteModify, result.Conflicts[0].Type)
	assert.Equal(t, 0, result.ChangeCount())
}

func TestSyncDisabledRepositoryIsNoop(t *testing.T) {
	store := memory.NewMemoryStore()
	repo := &models.Repository{
		Name:        "off",
		Type:        models.RepositoryFilesystem,
		URI:         "file:///tasks",
		SyncEnabled: false,
	}
	require.NoError(t, store.CreateRepository(context.Background(), repo))
	// The repository is disabled, so it never appears in the enabled
	// listing; register and sync it directly to check the guard.
	backend := newFakeBackend()
	svc := registry.NewSyncService(store, store, registry.TakeRemote, nil)
	svc.Register(repo.ID, backend)
	backend.add(t, "tasks/x", "x", "1.0.0", "function main(i){return {};}")

	result, err := svc.Sync(context.Background(), repo.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, result.ChangeCount())
}
