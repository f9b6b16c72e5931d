package pool

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"runtime"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"ratchet/pkg/ipc"
	"ratchet/pkg/logger"
	"ratchet/pkg/metrics"
	"ratchet/pkg/taskerr"
)

// Status of one worker process.
type Status string

const (
	StatusStarting     Status = "STARTING"
	StatusReady        Status = "READY"
	StatusBusy         Status = "BUSY"
	StatusUnresponsive Status = "UNRESPONSIVE"
	StatusFailed       Status = "FAILED"
	StatusStopped      Status = "STOPPED"
)

// Config tunes the pool.
type Config struct {
	WorkerCount         int
	RestartOnCrash      bool
	MaxRestartAttempts  int
	RestartDelay        time.Duration
	HealthCheckInterval time.Duration
	HealthCheckTimeout  time.Duration
	TaskTimeout         time.Duration
	StartupTimeout      time.Duration
	ShutdownGrace       time.Duration
}

// DefaultConfig sizes the pool to the host CPU count.
func DefaultConfig() Config {
	return Config{
		WorkerCount:         runtime.NumCPU(),
		RestartOnCrash:      true,
		MaxRestartAttempts:  3,
		RestartDelay:        5 * time.Second,
		HealthCheckInterval: 30 * time.Second,
		HealthCheckTimeout:  5 * time.Second,
		TaskTimeout:         5 * time.Minute,
		StartupTimeout:      30 * time.Second,
		ShutdownGrace:       10 * time.Second,
	}
}

// ProcHandle abstracts a spawned worker process. The default factory
// wraps os/exec; tests substitute in-process pipes.
type ProcHandle interface {
	// Start launches the process and returns its stdio streams.
	Start() (stdin io.WriteCloser, stdout io.ReadCloser, pid int, err error)
	// Kill terminates the process immediately.
	Kill() error
	// Wait blocks until the process exits.
	Wait() error
}

// ProcFactory builds a handle for a new worker process.
type ProcFactory func(workerID string) ProcHandle

// SubmitRequest is one task dispatch.
type SubmitRequest struct {
	JobID    int64
	TaskPath string
	Task     *ipc.TaskPayload
	Input    json.RawMessage
	Context  *ipc.ExecutionContext
}

// WorkerStat is a point-in-time view of one worker.
type WorkerStat struct {
	ID              string    `json:"id"`
	PID             int       `json:"pid"`
	Status          Status    `json:"status"`
	StartedAt       time.Time `json:"started_at"`
	RestartCount    int       `json:"restart_count"`
	LastHealthCheck time.Time `json:"last_health_check"`
	LastUsed        time.Time `json:"last_used"`
}

type workerProc struct {
	id           string
	pid          int
	status       Status
	startedAt    time.Time
	restartCount int
	pingFailures int
	lastUsed     time.Time
	lastHealth   time.Time

	handle ProcHandle
	stdin  io.WriteCloser
	writer *ipc.Writer

	readyCh chan struct{}

	pendingMu sync.Mutex
	pending   map[string]chan *ipc.Envelope

	runningJob *int64
	// cachedTasks tracks sources the worker has compiled, for affinity.
	cachedTasks map[string]bool
}

// failPending aborts every outstanding reply channel.
func (w *workerProc) failPending() {
	w.pendingMu.Lock()
	defer w.pendingMu.Unlock()
	for id, ch := range w.pending {
		close(ch)
		delete(w.pending, id)
	}
}

func (w *workerProc) addPending(correlationID string) chan *ipc.Envelope {
	ch := make(chan *ipc.Envelope, 1)
	w.pendingMu.Lock()
	w.pending[correlationID] = ch
	w.pendingMu.Unlock()
	return ch
}

func (w *workerProc) removePending(correlationID string) {
	w.pendingMu.Lock()
	delete(w.pending, correlationID)
	w.pendingMu.Unlock()
}

func (w *workerProc) route(env *ipc.Envelope) bool {
	w.pendingMu.Lock()
	ch, ok := w.pending[env.CorrelationID]
	if ok {
		delete(w.pending, env.CorrelationID)
	}
	w.pendingMu.Unlock()
	if ok {
		ch <- env
	}
	return ok
}

// Pool supervises worker processes and dispatches tasks to them.
type Pool struct {
	cfg     Config
	factory ProcFactory
	log     *zap.Logger

	mu      sync.Mutex
	workers map[string]*workerProc
	seq     int
	stopped bool
}

// New creates a pool with the given process factory.
func New(cfg Config, factory ProcFactory, log *zap.Logger) *Pool {
	if cfg.WorkerCount <= 0 {
		cfg.WorkerCount = DefaultConfig().WorkerCount
	}
	if cfg.TaskTimeout <= 0 {
		cfg.TaskTimeout = DefaultConfig().TaskTimeout
	}
	if cfg.StartupTimeout <= 0 {
		cfg.StartupTimeout = DefaultConfig().StartupTimeout
	}
	if cfg.HealthCheckTimeout <= 0 {
		cfg.HealthCheckTimeout = DefaultConfig().HealthCheckTimeout
	}
	return &Pool{
		cfg:     cfg,
		factory: factory,
		log:     log,
		workers: make(map[string]*workerProc),
	}
}

// Start spawns all workers and blocks until each reports Ready or the
// startup timeout elapses.
func (p *Pool) Start(ctx context.Context) error {
	var spawned []*workerProc
	for i := 0; i < p.cfg.WorkerCount; i++ {
		w, err := p.spawn(0)
		if err != nil {
			return err
		}
		spawned = append(spawned, w)
	}

	deadline := time.NewTimer(p.cfg.StartupTimeout)
	defer deadline.Stop()
	for _, w := range spawned {
		select {
		case <-w.readyCh:
		case <-deadline.C:
			return taskerr.New(taskerr.KindInternal, "worker %s did not become ready within %s", w.id, p.cfg.StartupTimeout)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// spawn creates, starts and registers one worker process.
func (p *Pool) spawn(restartCount int) (*workerProc, error) {
	p.mu.Lock()
	p.seq++
	id := fmt.Sprintf("worker-%d", p.seq)
	p.mu.Unlock()

	handle := p.factory(id)
	stdin, stdout, pid, err := handle.Start()
	if err != nil {
		return nil, taskerr.Wrap(taskerr.KindInternal, err, "failed to start worker %s", id)
	}

	w := &workerProc{
		id:           id,
		pid:          pid,
		status:       StatusStarting,
		startedAt:    time.Now().UTC(),
		restartCount: restartCount,
		handle:       handle,
		stdin:        stdin,
		writer:       ipc.NewWriter(stdin),
		readyCh:      make(chan struct{}),
		pending:      make(map[string]chan *ipc.Envelope),
		cachedTasks:  make(map[string]bool),
	}

	p.mu.Lock()
	p.workers[w.id] = w
	p.mu.Unlock()

	go p.readLoop(w, stdout)

	if p.log != nil {
		p.log.Info("spawned worker",
			zap.String("worker_id", w.id),
			zap.Int("pid", pid),
			zap.Int("restart_count", restartCount))
	}
	return w, nil
}

// readLoop consumes one worker's stdout until EOF or a malformed frame.
func (p *Pool) readLoop(w *workerProc, stdout io.ReadCloser) {
	reader := ipc.NewReader(stdout)
	for {
		env, err := reader.Read()
		if err != nil {
			p.onWorkerGone(w, err)
			return
		}
		switch env.Kind {
		case ipc.KindReady:
			p.mu.Lock()
			if w.status == StatusStarting {
				w.status = StatusReady
				close(w.readyCh)
				metrics.WorkersReady.Inc()
			}
			p.mu.Unlock()
		case ipc.KindTaskResult, ipc.KindPong:
			w.route(env)
		case ipc.KindLog:
			logger.Remote(w.id, env.Level, env.Message, env.Fields)
		default:
			if p.log != nil {
				p.log.Warn("unexpected frame from worker",
					zap.String("worker_id", w.id),
					zap.String("kind", string(env.Kind)))
			}
		}
	}
}

// onWorkerGone handles a closed or corrupted pipe: outstanding requests
// fail with WorkerCrash and the process is replaced when policy allows.
func (p *Pool) onWorkerGone(w *workerProc, cause error) {
	_ = w.handle.Kill()
	w.failPending()

	p.mu.Lock()
	wasReady := w.status == StatusReady
	alreadyStopped := p.stopped || w.status == StatusStopped
	w.status = StatusFailed
	restartCount := w.restartCount
	delete(p.workers, w.id)
	shouldRestart := !alreadyStopped && p.cfg.RestartOnCrash && restartCount < p.cfg.MaxRestartAttempts
	p.mu.Unlock()

	if wasReady {
		metrics.WorkersReady.Dec()
	}
	if alreadyStopped {
		return
	}

	if p.log != nil {
		p.log.Warn("worker process gone",
			zap.String("worker_id", w.id),
			zap.Error(cause))
	}

	if shouldRestart {
		metrics.WorkerRestarts.Inc()
		go func() {
			if p.cfg.RestartDelay > 0 {
				time.Sleep(p.cfg.RestartDelay)
			}
			if _, err := p.spawn(restartCount + 1); err != nil && p.log != nil {
				p.log.Error("failed to restart worker", zap.Error(err))
			}
		}()
	}
}

// selectWorker picks a Ready worker, preferring one that has already
// compiled the task's source (best-effort affinity), then the least
// recently used. Marks it Busy.
func (p *Pool) selectWorker(cacheKey string, jobID int64) *workerProc {
	p.mu.Lock()
	defer p.mu.Unlock()

	var chosen *workerProc
	for _, w := range p.workers {
		if w.status != StatusReady {
			continue
		}
		if cacheKey != "" && w.cachedTasks[cacheKey] {
			chosen = w
			break
		}
		if chosen == nil || w.lastUsed.Before(chosen.lastUsed) {
			chosen = w
		}
	}
	if chosen != nil {
		chosen.status = StatusBusy
		chosen.lastUsed = time.Now().UTC()
		chosen.runningJob = &jobID
		metrics.WorkersReady.Dec()
	}
	return chosen
}

func (p *Pool) releaseWorker(w *workerProc, cacheKey string, nextStatus Status) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if w.status != StatusBusy {
		return
	}
	w.status = nextStatus
	w.runningJob = nil
	if nextStatus == StatusReady {
		metrics.WorkersReady.Inc()
		if cacheKey != "" {
			w.cachedTasks[cacheKey] = true
		}
	}
}

// Submit dispatches one task to a Ready worker and awaits its result.
// No Ready worker is a pool-exhausted condition the caller backs off on.
func (p *Pool) Submit(ctx context.Context, req SubmitRequest) (*ipc.TaskResult, error) {
	cacheKey := ""
	if req.Task != nil {
		cacheKey = req.Task.Source
	}
	w := p.selectWorker(cacheKey, req.JobID)
	if w == nil {
		return nil, taskerr.New(taskerr.KindUnavailable, "no ready workers available")
	}

	metrics.TasksInFlight.Inc()
	defer metrics.TasksInFlight.Dec()

	correlationID := uuid.New().String()
	replyCh := w.addPending(correlationID)

	timeout := p.cfg.TaskTimeout
	if req.Task != nil && req.Task.TimeoutSeconds > 0 {
		// The worker enforces the task timeout itself; the pool allows a
		// grace on top before declaring the worker unresponsive.
		timeout = time.Duration(req.Task.TimeoutSeconds)*time.Second + 5*time.Second
	}

	jobID := req.JobID
	err := w.writer.Write(&ipc.Envelope{
		Kind:          ipc.KindExecuteTask,
		JobID:         &jobID,
		CorrelationID: correlationID,
		TaskPath:      req.TaskPath,
		Input:         req.Input,
		Context:       req.Context,
		Task:          req.Task,
	})
	if err != nil {
		w.removePending(correlationID)
		p.releaseWorker(w, "", StatusFailed)
		_ = w.handle.Kill()
		return nil, taskerr.Wrap(taskerr.KindWorkerCrash, err, "failed to send task to worker %s", w.id)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case env, ok := <-replyCh:
		if !ok {
			p.releaseWorker(w, "", StatusFailed)
			return nil, taskerr.New(taskerr.KindWorkerCrash, "worker %s crashed during execution", w.id)
		}
		p.releaseWorker(w, cacheKey, StatusReady)
		if env.Result == nil {
			return nil, taskerr.New(taskerr.KindInternal, "worker %s returned an empty result", w.id)
		}
		return env.Result, nil
	case <-timer.C:
		w.removePending(correlationID)
		p.releaseWorker(w, "", StatusUnresponsive)
		// The worker missed its deadline including grace; replace it.
		_ = w.handle.Kill()
		return nil, taskerr.New(taskerr.KindTimeout, "worker %s did not reply within %s", w.id, timeout)
	case <-ctx.Done():
		w.removePending(correlationID)
		p.releaseWorker(w, "", StatusReady)
		return nil, taskerr.Wrap(taskerr.KindCancelled, ctx.Err(), "submit cancelled")
	}
}

// Cancel forwards a cooperative cancel to the worker running the job.
func (p *Pool) Cancel(jobID int64) bool {
	p.mu.Lock()
	var target *workerProc
	for _, w := range p.workers {
		if w.runningJob != nil && *w.runningJob == jobID {
			target = w
			break
		}
	}
	p.mu.Unlock()
	if target == nil {
		return false
	}
	return target.writer.Write(&ipc.Envelope{Kind: ipc.KindCancel, JobID: &jobID}) == nil
}

// HealthCheckAll pings every worker. A worker that fails
// MaxRestartAttempts consecutive pings is killed; it is replaced, with
// its restart count carried forward, when RestartOnCrash is set and its
// restart count is below MaxRestartAttempts.
func (p *Pool) HealthCheckAll(ctx context.Context) {
	p.mu.Lock()
	snapshot := make([]*workerProc, 0, len(p.workers))
	for _, w := range p.workers {
		snapshot = append(snapshot, w)
	}
	p.mu.Unlock()

	for _, w := range snapshot {
		p.healthCheck(ctx, w)
	}
}

func (p *Pool) healthCheck(ctx context.Context, w *workerProc) {
	correlationID := uuid.New().String()
	replyCh := w.addPending(correlationID)

	if err := w.writer.Write(&ipc.Envelope{Kind: ipc.KindPing, CorrelationID: correlationID}); err != nil {
		w.removePending(correlationID)
		p.recordPingFailure(w)
		return
	}

	timer := time.NewTimer(p.cfg.HealthCheckTimeout)
	defer timer.Stop()
	select {
	case env, ok := <-replyCh:
		if !ok || env.Status == nil {
			p.recordPingFailure(w)
			return
		}
		p.mu.Lock()
		w.lastHealth = time.Now().UTC()
		w.pingFailures = 0
		p.mu.Unlock()
	case <-timer.C:
		w.removePending(correlationID)
		p.recordPingFailure(w)
	case <-ctx.Done():
		w.removePending(correlationID)
	}
}

func (p *Pool) recordPingFailure(w *workerProc) {
	p.mu.Lock()
	w.pingFailures++
	exceeded := w.pingFailures >= p.cfg.MaxRestartAttempts
	p.mu.Unlock()

	if p.log != nil {
		p.log.Warn("worker failed health check",
			zap.String("worker_id", w.id),
			zap.Int("consecutive_failures", w.pingFailures))
	}
	if exceeded {
		// Killing the process trips the read loop, which handles the
		// replacement with restart_count carried forward.
		_ = w.handle.Kill()
	}
}

// Stop shuts the pool down: Shutdown frames first, kill after grace.
func (p *Pool) Stop(ctx context.Context) {
	p.mu.Lock()
	p.stopped = true
	snapshot := make([]*workerProc, 0, len(p.workers))
	for _, w := range p.workers {
		w.status = StatusStopped
		snapshot = append(snapshot, w)
	}
	p.mu.Unlock()

	for _, w := range snapshot {
		_ = w.writer.Write(&ipc.Envelope{Kind: ipc.KindShutdown})
	}

	done := make(chan struct{})
	go func() {
		for _, w := range snapshot {
			_ = w.handle.Wait()
		}
		close(done)
	}()

	grace := p.cfg.ShutdownGrace
	if grace <= 0 {
		grace = DefaultConfig().ShutdownGrace
	}
	select {
	case <-done:
	case <-time.After(grace):
		for _, w := range snapshot {
			_ = w.handle.Kill()
		}
	case <-ctx.Done():
		for _, w := range snapshot {
			_ = w.handle.Kill()
		}
	}
}

// Available reports the number of Ready workers.
func (p *Pool) Available() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	count := 0
	for _, w := range p.workers {
		if w.status == StatusReady {
			count++
		}
	}
	return count
}

// Stats snapshots every worker.
func (p *Pool) Stats() []WorkerStat {
	p.mu.Lock()
	defer p.mu.Unlock()
	stats := make([]WorkerStat, 0, len(p.workers))
	for _, w := range p.workers {
		stats = append(stats, WorkerStat{
			ID:              w.id,
			PID:             w.pid,
			Status:          w.status,
			StartedAt:       w.startedAt,
			RestartCount:    w.restartCount,
			LastHealthCheck: w.lastHealth,
			LastUsed:        w.lastUsed,
		})
	}
	return stats
}

// RunHealthChecks loops health checks until the context ends.
func (p *Pool) RunHealthChecks(ctx context.Context) {
	interval := p.cfg.HealthCheckInterval
	if interval <= 0 {
		interval = DefaultConfig().HealthCheckInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.HealthCheckAll(ctx)
		}
	}
}
