package registry

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"ratchet/pkg/resilience"
	"ratchet/pkg/taskerr"
)

// HTTPBackend reads task definitions from an HTTP index: GET
// <base>/index.json returns the full task list; writable repositories
// accept PUT/DELETE under <base>/tasks/<path>.
type HTTPBackend struct {
	base     string
	writable bool
	client   *http.Client
	breaker  *resilience.CircuitBreaker
}

type httpIndex struct {
	Tasks []Task `json:"tasks"`
}

// NewHTTPBackend creates a backend for the given base URL.
func NewHTTPBackend(base string, writable bool) *HTTPBackend {
	return &HTTPBackend{
		base:     strings.TrimRight(base, "/"),
		writable: writable,
		client:   &http.Client{Timeout: 30 * time.Second},
		breaker:  resilience.New(base, resilience.DefaultConfig()),
	}
}

func (b *HTTPBackend) ListTasks(ctx context.Context) ([]Task, error) {
	var tasks []Task
	err := b.breaker.Execute(ctx, func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, b.base+"/index.json", nil)
		if err != nil {
			return err
		}
		resp, err := b.client.Do(req)
		if err != nil {
			return taskerr.Wrap(taskerr.KindIoNetwork, err, "failed to fetch repository index")
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return taskerr.New(taskerr.KindIoNetwork, "repository index returned HTTP %d", resp.StatusCode)
		}

		var index httpIndex
		if err := json.NewDecoder(resp.Body).Decode(&index); err != nil {
			return taskerr.Wrap(taskerr.KindConflict, err, "repository index is not valid json")
		}
		tasks = index.Tasks
		return nil
	})
	if err != nil {
		return nil, err
	}

	for i := range tasks {
		checksum, err := tasks[i].ComputeChecksum()
		if err != nil {
			return nil, taskerr.Wrap(taskerr.KindInternal, err, "failed to checksum task %s", tasks[i].Path)
		}
		tasks[i].Checksum = checksum
	}
	return tasks, nil
}

func (b *HTTPBackend) GetTask(ctx context.Context, path string) (*Task, error) {
	tasks, err := b.ListTasks(ctx)
	if err != nil {
		return nil, err
	}
	for i := range tasks {
		if tasks[i].Path == path {
			return &tasks[i], nil
		}
	}
	return nil, taskerr.New(taskerr.KindTaskNotFound, "task %s not in repository index", path)
}

func (b *HTTPBackend) PutTask(ctx context.Context, task *Task) error {
	if !b.writable {
		return taskerr.New(taskerr.KindConfig, "repository %s is not writable", b.base)
	}
	payload, err := json.Marshal(task)
	if err != nil {
		return err
	}
	return b.breaker.Execute(ctx, func() error {
		url := fmt.Sprintf("%s/tasks/%s", b.base, task.Path)
		req, err := http.NewRequestWithContext(ctx, http.MethodPut, url, bytes.NewReader(payload))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")
		resp, err := b.client.Do(req)
		if err != nil {
			return taskerr.Wrap(taskerr.KindIoNetwork, err, "failed to push task %s", task.Path)
		}
		defer resp.Body.Close()
		io.Copy(io.Discard, resp.Body)
		if resp.StatusCode >= 300 {
			return taskerr.New(taskerr.KindIoNetwork, "push of %s returned HTTP %d", task.Path, resp.StatusCode)
		}
		return nil
	})
}

func (b *HTTPBackend) DeleteTask(ctx context.Context, path string) error {
	if !b.writable {
		return taskerr.New(taskerr.KindConfig, "repository %s is not writable", b.base)
	}
	return b.breaker.Execute(ctx, func() error {
		url := fmt.Sprintf("%s/tasks/%s", b.base, path)
		req, err := http.NewRequestWithContext(ctx, http.MethodDelete, url, nil)
		if err != nil {
			return err
		}
		resp, err := b.client.Do(req)
		if err != nil {
			return taskerr.Wrap(taskerr.KindIoNetwork, err, "failed to delete task %s", path)
		}
		defer resp.Body.Close()
		io.Copy(io.Discard, resp.Body)
		if resp.StatusCode >= 300 && resp.StatusCode != http.StatusNotFound {
			return taskerr.New(taskerr.KindIoNetwork, "delete of %s returned HTTP %d", path, resp.StatusCode)
		}
		return nil
	})
}
