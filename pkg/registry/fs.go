package registry

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"ratchet/pkg/taskerr"
	"ratchet/pkg/validation"
)

// Task directory layout shared by the filesystem, git and s3 backends.
const (
	sourceFile       = "main.js"
	inputSchemaFile  = "input.schema.json"
	outputSchemaFile = "output.schema.json"
	metadataFile     = "metadata.json"
)

type taskMetadata struct {
	Name    string                 `json:"name"`
	Version string                 `json:"version"`
	Extra   map[string]interface{} `json:"extra,omitempty"`
}

// FilesystemBackend reads task definitions from a directory tree: every
// directory containing a main.js is one task, keyed by its relative path.
type FilesystemBackend struct {
	root     string
	writable bool
}

// NewFilesystemBackend creates a backend rooted at the given directory.
func NewFilesystemBackend(root string, writable bool) (*FilesystemBackend, error) {
	info, err := os.Stat(root)
	if err != nil {
		return nil, taskerr.Wrap(taskerr.KindConfig, err, "repository root %s not accessible", root)
	}
	if !info.IsDir() {
		return nil, taskerr.New(taskerr.KindConfig, "repository root %s is not a directory", root)
	}
	return &FilesystemBackend{root: root, writable: writable}, nil
}

func (b *FilesystemBackend) ListTasks(ctx context.Context) ([]Task, error) {
	var tasks []Task
	err := filepath.Walk(b.root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() || info.Name() != sourceFile {
			return nil
		}
		rel, err := filepath.Rel(b.root, filepath.Dir(path))
		if err != nil {
			return err
		}
		task, err := b.readTask(rel)
		if err != nil {
			return err
		}
		tasks = append(tasks, *task)
		return nil
	})
	if err != nil {
		return nil, taskerr.Wrap(taskerr.KindIoFilesystem, err, "failed to walk repository %s", b.root)
	}
	return tasks, nil
}

func (b *FilesystemBackend) GetTask(ctx context.Context, path string) (*Task, error) {
	if err := validation.ValidateSafePath(path, ""); err != nil {
		return nil, err
	}
	return b.readTask(path)
}

func (b *FilesystemBackend) readTask(rel string) (*Task, error) {
	dir := filepath.Join(b.root, filepath.FromSlash(rel))
	source, err := os.ReadFile(filepath.Join(dir, sourceFile))
	if err != nil {
		return nil, taskerr.Wrap(taskerr.KindIoFilesystem, err, "task %s has no %s", rel, sourceFile)
	}

	task := &Task{
		Path:   filepath.ToSlash(rel),
		Source: string(source),
	}

	if data, err := os.ReadFile(filepath.Join(dir, inputSchemaFile)); err == nil {
		task.InputSchema = data
	}
	if data, err := os.ReadFile(filepath.Join(dir, outputSchemaFile)); err == nil {
		task.OutputSchema = data
	}
	if data, err := os.ReadFile(filepath.Join(dir, metadataFile)); err == nil {
		var meta taskMetadata
		if err := json.Unmarshal(data, &meta); err != nil {
			return nil, taskerr.Wrap(taskerr.KindConfig, err, "task %s has invalid metadata", rel)
		}
		task.Name = meta.Name
		task.Version = meta.Version
		if meta.Extra != nil {
			task.Metadata = meta.Extra
		}
	}
	if task.Name == "" {
		task.Name = filepath.Base(rel)
	}
	if task.Version == "" {
		task.Version = "0.1.0"
	}

	task.ModifiedAt = b.latestMtime(dir)
	task.CreatedAt = task.ModifiedAt
	checksum, err := task.ComputeChecksum()
	if err != nil {
		return nil, taskerr.Wrap(taskerr.KindInternal, err, "failed to checksum task %s", rel)
	}
	task.Checksum = checksum
	return task, nil
}

func (b *FilesystemBackend) latestMtime(dir string) time.Time {
	var latest time.Time
	for _, name := range []string{sourceFile, inputSchemaFile, outputSchemaFile, metadataFile} {
		if info, err := os.Stat(filepath.Join(dir, name)); err == nil {
			if info.ModTime().After(latest) {
				latest = info.ModTime()
			}
		}
	}
	return latest.UTC()
}

func (b *FilesystemBackend) PutTask(ctx context.Context, task *Task) error {
	if !b.writable {
		return taskerr.New(taskerr.KindConfig, "repository %s is not writable", b.root)
	}
	if err := validation.ValidateSafePath(task.Path, ""); err != nil {
		return err
	}
	dir := filepath.Join(b.root, filepath.FromSlash(task.Path))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return taskerr.Wrap(taskerr.KindIoFilesystem, err, "failed to create task directory %s", dir)
	}

	meta, err := json.MarshalIndent(taskMetadata{
		Name:    task.Name,
		Version: task.Version,
		Extra:   task.Metadata,
	}, "", "  ")
	if err != nil {
		return err
	}

	files := map[string][]byte{
		sourceFile:   []byte(task.Source),
		metadataFile: meta,
	}
	if len(task.InputSchema) > 0 {
		files[inputSchemaFile] = task.InputSchema
	}
	if len(task.OutputSchema) > 0 {
		files[outputSchemaFile] = task.OutputSchema
	}
	for name, data := range files {
		if err := os.WriteFile(filepath.Join(dir, name), data, 0o644); err != nil {
			return taskerr.Wrap(taskerr.KindIoFilesystem, err, "failed to write %s", name)
		}
	}
	return nil
}

func (b *FilesystemBackend) DeleteTask(ctx context.Context, path string) error {
	if !b.writable {
		return taskerr.New(taskerr.KindConfig, "repository %s is not writable", b.root)
	}
	if err := validation.ValidateSafePath(path, ""); err != nil {
		return err
	}
	dir := filepath.Join(b.root, filepath.FromSlash(path))
	if err := os.RemoveAll(dir); err != nil {
		return taskerr.Wrap(taskerr.KindIoFilesystem, err, "failed to delete task %s", path)
	}
	return nil
}
