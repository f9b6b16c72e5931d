package worker

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shirou/gopsutil/v3/process"

	"ratchet/pkg/ipc"
	"ratchet/pkg/js"
	"ratchet/pkg/taskerr"
)

// heartbeatSource is the embedded task every worker can run without a
// catalog, resolved from the task path "heartbeat".
const heartbeatSource = `
function main(input) {
	return {
		status: "ok",
		timestamp: new Date().toISOString(),
		message: "heartbeat successful"
	};
}
`

// defaultTaskTimeout applies when ExecuteTask carries no timeout.
const defaultTaskTimeout = 5 * time.Minute

// Worker executes tasks inside a single process. stdin carries
// coordinator frames, stdout carries replies; anything else on stdout
// would corrupt the protocol, so logs travel as Log frames.
type Worker struct {
	id      string
	runtime *js.Runtime
	writer  *ipc.Writer

	startedAt     time.Time
	lastActivity  atomic.Int64
	tasksExecuted atomic.Uint64
	tasksFailed   atomic.Uint64
	busy          atomic.Bool

	mu      sync.Mutex
	cancels map[int64]context.CancelFunc
}

// New creates a worker with the given identity and HTTP capability.
func New(id string, client js.HTTPClient) *Worker {
	return &Worker{
		id:      id,
		runtime: js.NewRuntime(client),
		cancels: make(map[int64]context.CancelFunc),
	}
}

// Run serves the IPC protocol until Shutdown, EOF or a fatal protocol
// error. Tasks execute strictly one at a time; Ping and Cancel are
// answered concurrently from the read loop.
func (w *Worker) Run(ctx context.Context, in io.Reader, out io.Writer) error {
	w.writer = ipc.NewWriter(out)
	w.startedAt = time.Now().UTC()
	w.touch()

	if err := w.writer.Write(&ipc.Envelope{
		Kind:     ipc.KindReady,
		WorkerID: w.id,
		Status:   w.status(),
	}); err != nil {
		return err
	}

	tasks := make(chan *ipc.Envelope, 1)
	shutdown := make(chan struct{})
	readErr := make(chan error, 1)

	go func() {
		reader := ipc.NewReader(in)
		for {
			env, err := reader.Read()
			if err != nil {
				readErr <- err
				return
			}
			w.touch()
			switch env.Kind {
			case ipc.KindPing:
				w.writePong(env.CorrelationID)
			case ipc.KindCancel:
				w.cancelJob(env.JobID)
			case ipc.KindShutdown:
				close(shutdown)
				return
			case ipc.KindExecuteTask:
				tasks <- env
			default:
				w.log("warn", "ignoring unexpected frame", map[string]interface{}{"kind": string(env.Kind)})
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-shutdown:
			return nil
		case err := <-readErr:
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		case env := <-tasks:
			w.execute(ctx, env)
		}
	}
}

// execute runs one task and writes its TaskResult.
func (w *Worker) execute(ctx context.Context, env *ipc.Envelope) {
	w.busy.Store(true)
	defer w.busy.Store(false)

	task, timeout := resolveTask(env)
	startedAt := time.Now().UTC()

	result := &ipc.TaskResult{StartedAt: startedAt}
	if task == nil {
		msg := "unable to resolve task for path: " + env.TaskPath
		result.ErrorMessage = &msg
		result.ErrorKind = string(taskerr.KindTaskNotFound)
	} else {
		execCtx, cancel := context.WithTimeout(ctx, timeout)
		w.registerCancel(env.JobID, cancel)

		output, err := w.runtime.Execute(execCtx, task, env.Input, env.Context)

		w.unregisterCancel(env.JobID)
		cancel()

		if err != nil {
			msg := err.Error()
			result.ErrorMessage = &msg
			result.ErrorKind = string(taskerr.KindOf(err))
			result.HTTPStatus = taskerr.HTTPStatusOf(err)
			w.tasksFailed.Add(1)
		} else {
			result.Success = true
			result.Output = json.RawMessage(output)
			w.tasksExecuted.Add(1)
		}
	}

	result.CompletedAt = time.Now().UTC()
	result.DurationMs = result.CompletedAt.Sub(startedAt).Milliseconds()
	if result.DurationMs <= 0 {
		result.DurationMs = 1
	}

	if err := w.writer.Write(&ipc.Envelope{
		Kind:          ipc.KindTaskResult,
		JobID:         env.JobID,
		CorrelationID: env.CorrelationID,
		WorkerID:      w.id,
		Result:        result,
	}); err != nil {
		// Coordinator gone; nothing sensible left to do.
		os.Stderr.WriteString("failed to write task result: " + err.Error() + "\n")
	}
	w.touch()
}

func resolveTask(env *ipc.Envelope) (*js.Task, time.Duration) {
	timeout := defaultTaskTimeout
	if env.Task != nil {
		if env.Task.TimeoutSeconds > 0 {
			timeout = time.Duration(env.Task.TimeoutSeconds) * time.Second
		}
		return &js.Task{
			Name:         env.Task.Name,
			Version:      env.Task.Version,
			Source:       env.Task.Source,
			InputSchema:  env.Task.InputSchema,
			OutputSchema: env.Task.OutputSchema,
		}, timeout
	}
	if env.TaskPath == "heartbeat" {
		return &js.Task{Name: "heartbeat", Version: "1.0.0", Source: heartbeatSource}, timeout
	}
	return nil, timeout
}

func (w *Worker) registerCancel(jobID *int64, cancel context.CancelFunc) {
	if jobID == nil {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.cancels[*jobID] = cancel
}

func (w *Worker) unregisterCancel(jobID *int64) {
	if jobID == nil {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.cancels, *jobID)
}

func (w *Worker) cancelJob(jobID *int64) {
	if jobID == nil {
		return
	}
	w.mu.Lock()
	cancel, ok := w.cancels[*jobID]
	w.mu.Unlock()
	if ok {
		cancel()
	}
}

func (w *Worker) writePong(correlationID string) {
	_ = w.writer.Write(&ipc.Envelope{
		Kind:          ipc.KindPong,
		CorrelationID: correlationID,
		WorkerID:      w.id,
		Status:        w.status(),
	})
}

func (w *Worker) status() *ipc.WorkerStatus {
	status := &ipc.WorkerStatus{
		WorkerID:      w.id,
		PID:           os.Getpid(),
		StartedAt:     w.startedAt,
		LastActivity:  time.Unix(0, w.lastActivity.Load()).UTC(),
		TasksExecuted: w.tasksExecuted.Load(),
		TasksFailed:   w.tasksFailed.Load(),
		Busy:          w.busy.Load(),
	}
	if proc, err := process.NewProcess(int32(os.Getpid())); err == nil {
		if mem, err := proc.MemoryInfo(); err == nil && mem != nil {
			mb := mem.RSS / 1024 / 1024
			status.MemoryMB = &mb
		}
	}
	return status
}

func (w *Worker) touch() {
	w.lastActivity.Store(time.Now().UTC().UnixNano())
}

// log ships a structured log record to the coordinator.
func (w *Worker) log(level, message string, fields map[string]interface{}) {
	if w.writer == nil {
		return
	}
	_ = w.writer.Write(&ipc.Envelope{
		Kind:     ipc.KindLog,
		WorkerID: w.id,
		Level:    level,
		Message:  message,
		Fields:   fields,
	})
}
