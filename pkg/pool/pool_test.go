package pool_test

import (
	"context"
	"encoding/json"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ratchet/pkg/ipc"
	"ratchet/pkg/pool"
	"ratchet/pkg/taskerr"
	"ratchet/pkg/worker"
)

// pipeHandle hosts a real worker loop over in-process pipes, standing in
// for a child process.
type pipeHandle struct {
	workerID string
	run      func(ctx context.Context, in io.Reader, out io.Writer) error

	cancel context.CancelFunc
	inW    *io.PipeWriter
	outR   *io.PipeReader
	done   chan struct{}
	killed atomic.Bool
}

func (h *pipeHandle) Start() (io.WriteCloser, io.ReadCloser, int, error) {
	inR, inW := io.Pipe()
	outR, outW := io.Pipe()
	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	h.inW = inW
	h.outR = outR
	h.done = make(chan struct{})
	go func() {
		defer close(h.done)
		_ = h.run(ctx, inR, outW)
		outW.Close()
	}()
	return inW, outR, 4242, nil
}

func (h *pipeHandle) Kill() error {
	if h.killed.Swap(true) {
		return nil
	}
	h.cancel()
	h.inW.Close()
	h.outR.Close()
	return nil
}

func (h *pipeHandle) Wait() error {
	<-h.done
	return nil
}

// workerFactory runs the real worker loop for every spawned process.
func workerFactory() (pool.ProcFactory, *sync.Map) {
	handles := &sync.Map{}
	factory := func(workerID string) pool.ProcHandle {
		h := &pipeHandle{
			workerID: workerID,
			run: func(ctx context.Context, in io.Reader, out io.Writer) error {
				return worker.New(workerID, nil).Run(ctx, in, out)
			},
		}
		handles.Store(workerID, h)
		return h
	}
	return factory, handles
}

// crashOnceFactory produces one worker that dies mid-task, then healthy
// ones.
func crashOnceFactory() pool.ProcFactory {
	var crashed atomic.Bool
	return func(workerID string) pool.ProcHandle {
		h := &pipeHandle{workerID: workerID}
		if crashed.Swap(true) {
			h.run = func(ctx context.Context, in io.Reader, out io.Writer) error {
				return worker.New(workerID, nil).Run(ctx, in, out)
			}
			return h
		}
		h.run = func(ctx context.Context, in io.Reader, out io.Writer) error {
			w := ipc.NewWriter(out)
			_ = w.Write(&ipc.Envelope{Kind: ipc.KindReady, WorkerID: workerID})
			r := ipc.NewReader(in)
			for {
				env, err := r.Read()
				if err != nil {
					return err
				}
				if env.Kind == ipc.KindExecuteTask {
					// Die without replying, like a killed process.
					return nil
				}
			}
		}
		return h
	}
}

func testConfig(workers int) pool.Config {
	cfg := pool.DefaultConfig()
	cfg.WorkerCount = workers
	cfg.RestartDelay = 10 * time.Millisecond
	cfg.StartupTimeout = 5 * time.Second
	cfg.TaskTimeout = 10 * time.Second
	cfg.ShutdownGrace = 2 * time.Second
	return cfg
}

func multiplyRequest(jobID int64) pool.SubmitRequest {
	return pool.SubmitRequest{
		JobID: jobID,
		Input: json.RawMessage(`{"a":6,"b":7}`),
		Task: &ipc.TaskPayload{
			Name:    "test-multiply",
			Version: "1.0.0",
			Source:  `function main(i){return {result:i.a*i.b};}`,
		},
	}
}

func TestPoolStartAndSubmit(t *testing.T) {
	factory, _ := workerFactory()
	p := pool.New(testConfig(2), factory, nil)
	require.NoError(t, p.Start(context.Background()))
	defer p.Stop(context.Background())

	assert.Equal(t, 2, p.Available())

	result, err := p.Submit(context.Background(), multiplyRequest(1))
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.JSONEq(t, `{"result":42}`, string(result.Output))
	assert.Greater(t, result.DurationMs, int64(0))

	// Worker returned to Ready.
	assert.Equal(t, 2, p.Available())
}

func TestPoolParallelSubmits(t *testing.T) {
	factory, _ := workerFactory()
	p := pool.New(testConfig(4), factory, nil)
	require.NoError(t, p.Start(context.Background()))
	defer p.Stop(context.Background())

	var wg sync.WaitGroup
	errs := make(chan error, 16)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(job int64) {
			defer wg.Done()
			result, err := p.Submit(context.Background(), multiplyRequest(job))
			if err != nil {
				// Pool exhaustion is expected under oversubscription.
				if taskerr.KindOf(err) != taskerr.KindUnavailable {
					errs <- err
				}
				return
			}
			if !result.Success {
				errs <- assert.AnError
			}
		}(int64(i))
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Errorf("submit failed: %v", err)
	}
}

func TestPoolWorkerCrashAndRestart(t *testing.T) {
	cfg := testConfig(1)
	p := pool.New(cfg, crashOnceFactory(), nil)
	require.NoError(t, p.Start(context.Background()))
	defer p.Stop(context.Background())

	// First submit hits the crashing worker.
	_, err := p.Submit(context.Background(), multiplyRequest(1))
	require.Error(t, err)
	assert.Equal(t, taskerr.KindWorkerCrash, taskerr.KindOf(err))
	assert.True(t, taskerr.IsRetryable(err))

	// A replacement spawns; the retry runs to completion on it.
	require.Eventually(t, func() bool { return p.Available() == 1 }, 5*time.Second, 20*time.Millisecond)

	stats := p.Stats()
	require.Len(t, stats, 1)
	assert.Equal(t, 1, stats[0].RestartCount)

	result, err := p.Submit(context.Background(), multiplyRequest(1))
	require.NoError(t, err)
	assert.True(t, result.Success)
}

func TestPoolSubmitWithNoWorkers(t *testing.T) {
	factory, _ := workerFactory()
	cfg := testConfig(1)
	p := pool.New(cfg, factory, nil)
	require.NoError(t, p.Start(context.Background()))

	// Occupy the only worker.
	block := make(chan struct{})
	go func() {
		defer close(block)
		_, _ = p.Submit(context.Background(), pool.SubmitRequest{
			JobID: 1,
			Input: json.RawMessage(`{}`),
			Task: &ipc.TaskPayload{
				Name:    "slow",
				Version: "1.0.0",
				Source:  `function main(i){ var t = Date.now(); while (Date.now() - t < 500) {} return {}; }`,
			},
		})
	}()

	time.Sleep(100 * time.Millisecond)
	_, err := p.Submit(context.Background(), multiplyRequest(2))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no ready workers")

	<-block
	p.Stop(context.Background())
}

func TestPoolHealthCheck(t *testing.T) {
	factory, _ := workerFactory()
	p := pool.New(testConfig(2), factory, nil)
	require.NoError(t, p.Start(context.Background()))
	defer p.Stop(context.Background())

	p.HealthCheckAll(context.Background())

	for _, stat := range p.Stats() {
		assert.False(t, stat.LastHealthCheck.IsZero(), "worker %s has no health check stamp", stat.ID)
	}
}

func TestPoolCancelForwardedToWorker(t *testing.T) {
	factory, _ := workerFactory()
	p := pool.New(testConfig(1), factory, nil)
	require.NoError(t, p.Start(context.Background()))
	defer p.Stop(context.Background())

	type outcome struct {
		result *ipc.TaskResult
		err    error
	}
	outcomes := make(chan outcome, 1)
	go func() {
		result, err := p.Submit(context.Background(), pool.SubmitRequest{
			JobID: 77,
			Input: json.RawMessage(`{}`),
			Task: &ipc.TaskPayload{
				Name:           "spin",
				Version:        "1.0.0",
				Source:         `function main(i){ while(true){} }`,
				TimeoutSeconds: 30,
			},
		})
		outcomes <- outcome{result, err}
	}()

	require.Eventually(t, func() bool { return p.Cancel(77) }, 2*time.Second, 20*time.Millisecond)

	select {
	case o := <-outcomes:
		require.NoError(t, o.err)
		assert.False(t, o.result.Success)
		assert.Equal(t, "CANCELLED", o.result.ErrorKind)
	case <-time.After(5 * time.Second):
		t.Fatal("cancelled task never returned")
	}
}

func TestPoolStopShutsWorkersDown(t *testing.T) {
	factory, handles := workerFactory()
	p := pool.New(testConfig(2), factory, nil)
	require.NoError(t, p.Start(context.Background()))

	p.Stop(context.Background())

	handles.Range(func(_, value interface{}) bool {
		h := value.(*pipeHandle)
		select {
		case <-h.done:
		case <-time.After(2 * time.Second):
			t.Error("worker did not exit after shutdown")
		}
		return true
	})
}
