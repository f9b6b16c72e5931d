package registry_test

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ratchet/pkg/registry"
)

func writeTaskDir(t *testing.T, root, rel, name, version, source string) {
	t.Helper()
	dir := filepath.Join(root, rel)
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "main.js"), []byte(source), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "input.schema.json"), []byte(`{"type":"object"}`), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "output.schema.json"), []byte(`{"type":"object"}`), 0o644))
	meta, _ := json.Marshal(map[string]string{"name": name, "version": version})
	require.NoError(t, os.WriteFile(filepath.Join(dir, "metadata.json"), meta, 0o644))
}

func TestFilesystemBackendListAndGet(t *testing.T) {
	root := t.TempDir()
	writeTaskDir(t, root, "math/multiply", "test-multiply", "1.0.0", `function main(i){return {result:i.a*i.b};}`)
	writeTaskDir(t, root, "util/echo", "echo", "0.2.0", `function main(i){return i;}`)

	backend, err := registry.NewFilesystemBackend(root, false)
	require.NoError(t, err)

	tasks, err := backend.ListTasks(context.Background())
	require.NoError(t, err)
	require.Len(t, tasks, 2)

	task, err := backend.GetTask(context.Background(), "math/multiply")
	require.NoError(t, err)
	assert.Equal(t, "test-multiply", task.Name)
	assert.Equal(t, "1.0.0", task.Version)
	assert.Contains(t, task.Source, "i.a*i.b")
	assert.NotEmpty(t, task.Checksum)
	assert.False(t, task.ModifiedAt.IsZero())

	// Checksum is content-derived and stable.
	recomputed, err := task.ComputeChecksum()
	require.NoError(t, err)
	assert.Equal(t, task.Checksum, recomputed)
}

func TestFilesystemBackendWriteRoundTrip(t *testing.T) {
	root := t.TempDir()
	backend, err := registry.NewFilesystemBackend(root, true)
	require.NoError(t, err)

	task := &registry.Task{
		Path:         "new/task",
		Name:         "written",
		Version:      "1.2.3",
		Source:       `function main(i){return {written:true};}`,
		InputSchema:  json.RawMessage(`{"type":"object"}`),
		OutputSchema: json.RawMessage(`{"type":"object"}`),
	}
	require.NoError(t, backend.PutTask(context.Background(), task))

	got, err := backend.GetTask(context.Background(), "new/task")
	require.NoError(t, err)
	assert.Equal(t, "written", got.Name)
	assert.Equal(t, task.Source, got.Source)

	require.NoError(t, backend.DeleteTask(context.Background(), "new/task"))
	_, err = backend.GetTask(context.Background(), "new/task")
	assert.Error(t, err)
}

func TestFilesystemBackendReadOnlyRejectsWrites(t *testing.T) {
	root := t.TempDir()
	backend, err := registry.NewFilesystemBackend(root, false)
	require.NoError(t, err)

	err = backend.PutTask(context.Background(), &registry.Task{Path: "x", Name: "x", Version: "1.0.0", Source: "1"})
	assert.Error(t, err)
	assert.Error(t, backend.DeleteTask(context.Background(), "x"))
}

func TestFilesystemBackendRejectsTraversal(t *testing.T) {
	root := t.TempDir()
	backend, err := registry.NewFilesystemBackend(root, true)
	require.NoError(t, err)

	_, err = backend.GetTask(context.Background(), "../outside")
	assert.Error(t, err)
	assert.Error(t, backend.DeleteTask(context.Background(), "../outside"))
}

func TestFilesystemBackendDefaultsMetadata(t *testing.T) {
	root := t.TempDir()
	dir := filepath.Join(root, "bare")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "main.js"), []byte("function main(i){return {};}"), 0o644))

	backend, err := registry.NewFilesystemBackend(root, false)
	require.NoError(t, err)

	task, err := backend.GetTask(context.Background(), "bare")
	require.NoError(t, err)
	assert.Equal(t, "bare", task.Name)
	assert.Equal(t, "0.1.0", task.Version)
}
