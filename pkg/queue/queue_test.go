package queue_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ratchet/pkg/models"
	"ratchet/pkg/queue"
	"ratchet/pkg/storage/memory"
	"ratchet/pkg/taskerr"
)

func newQueue(t *testing.T, cfg queue.Config) (*queue.Queue, *memory.MemoryStore) {
	t.Helper()
	store := memory.NewMemoryStore()
	return queue.New(store, cfg, nil), store
}

func enqueue(t *testing.T, q *queue.Queue, job *models.Job) int64 {
	t.Helper()
	id, err := q.Enqueue(context.Background(), job)
	require.NoError(t, err)
	return id
}

func TestEnqueueDefaults(t *testing.T) {
	q, store := newQueue(t, queue.DefaultConfig())

	id := enqueue(t, q, &models.Job{TaskID: 1})
	job, err := store.GetJob(context.Background(), id)
	require.NoError(t, err)

	assert.Equal(t, models.JobQueued, job.Status)
	assert.Equal(t, models.PriorityNormal, job.Priority)
	assert.Equal(t, 3, job.MaxRetries)
	assert.False(t, job.QueuedAt.IsZero())
	assert.False(t, job.ProcessAt.IsZero())
}

func TestEnqueueQueueFull(t *testing.T) {
	cfg := queue.DefaultConfig()
	cfg.MaxQueueSize = 2
	q, _ := newQueue(t, cfg)

	enqueue(t, q, &models.Job{TaskID: 1})
	enqueue(t, q, &models.Job{TaskID: 1})

	_, err := q.Enqueue(context.Background(), &models.Job{TaskID: 1})
	require.Error(t, err)
	assert.Equal(t, taskerr.KindQueueFull, taskerr.KindOf(err))
	assert.Equal(t, taskerr.ExitUnavailable, taskerr.ExitCode(err))
}

func TestDequeueOrderingDeterminism(t *testing.T) {
	q, _ := newQueue(t, queue.DefaultConfig())
	now := time.Now().UTC()

	// Enqueued out of order on purpose.
	low := enqueue(t, q, &models.Job{TaskID: 1, Priority: models.PriorityLow, QueuedAt: now.Add(-3 * time.Minute), ProcessAt: now.Add(-3 * time.Minute)})
	urgent := enqueue(t, q, &models.Job{TaskID: 1, Priority: models.PriorityUrgent, QueuedAt: now.Add(-1 * time.Minute), ProcessAt: now.Add(-1 * time.Minute)})
	highOld := enqueue(t, q, &models.Job{TaskID: 1, Priority: models.PriorityHigh, QueuedAt: now.Add(-2 * time.Minute), ProcessAt: now.Add(-2 * time.Minute)})
	highNew := enqueue(t, q, &models.Job{TaskID: 1, Priority: models.PriorityHigh, QueuedAt: now.Add(-1 * time.Minute), ProcessAt: now.Add(-1 * time.Minute)})

	// Future jobs are not eligible yet.
	enqueue(t, q, &models.Job{TaskID: 1, Priority: models.PriorityUrgent, ProcessAt: now.Add(time.Hour)})

	batch, err := q.DequeueBatch(context.Background(), 10)
	require.NoError(t, err)

	var ids []int64
	for _, j := range batch {
		ids = append(ids, j.ID)
		assert.Equal(t, models.JobProcessing, j.Status)
	}
	assert.Equal(t, []int64{urgent, highOld, highNew, low}, ids)
}

func TestDequeuePrefixProperty(t *testing.T) {
	q, _ := newQueue(t, queue.DefaultConfig())
	now := time.Now().UTC()
	for i := 0; i < 5; i++ {
		enqueue(t, q, &models.Job{TaskID: 1, Priority: models.Priority(1 + i%4), QueuedAt: now, ProcessAt: now})
	}

	first, err := q.DequeueBatch(context.Background(), 2)
	require.NoError(t, err)
	second, err := q.DequeueBatch(context.Background(), 10)
	require.NoError(t, err)

	// The two claims never overlap and together drain the queue.
	seen := make(map[int64]bool)
	for _, j := range append(first, second...) {
		assert.False(t, seen[j.ID], "job %d claimed twice", j.ID)
		seen[j.ID] = true
	}
	assert.Len(t, seen, 5)
}

func TestConcurrentDequeueNoOverlap(t *testing.T) {
	q, _ := newQueue(t, queue.DefaultConfig())
	now := time.Now().UTC()
	for i := 0; i < 40; i++ {
		enqueue(t, q, &models.Job{TaskID: 1, QueuedAt: now, ProcessAt: now})
	}

	var mu sync.Mutex
	claimed := make(map[int64]int)
	var wg sync.WaitGroup
	for g := 0; g < 4; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				batch, err := q.DequeueBatch(context.Background(), 5)
				require.NoError(t, err)
				if len(batch) == 0 {
					return
				}
				mu.Lock()
				for _, j := range batch {
					claimed[j.ID]++
				}
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Len(t, claimed, 40)
	for id, count := range claimed {
		assert.Equal(t, 1, count, "job %d claimed %d times", id, count)
	}
}

func TestFailWithRetryBackoff(t *testing.T) {
	q, store := newQueue(t, queue.DefaultConfig())
	id := enqueue(t, q, &models.Job{TaskID: 1, MaxRetries: 2, RetryDelaySeconds: 10})

	batch, err := q.DequeueBatch(context.Background(), 1)
	require.NoError(t, err)
	require.Len(t, batch, 1)

	before := time.Now().UTC()
	require.NoError(t, q.Fail(context.Background(), &batch[0], taskerr.New(taskerr.KindTimeout, "deadline")))

	job, err := store.GetJob(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, models.JobRetrying, job.Status)
	assert.Equal(t, 1, job.RetryCount)
	// First retry: 10s * 2^0.
	assert.WithinDuration(t, before.Add(10*time.Second), job.ProcessAt, 2*time.Second)

	// Second failure doubles the delay.
	second := batch[0]
	second.RetryCount = 1
	require.NoError(t, q.Fail(context.Background(), &second, taskerr.New(taskerr.KindTimeout, "deadline")))

	job, err = store.GetJob(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, models.JobRetrying, job.Status)
	assert.Equal(t, 2, job.RetryCount)
	assert.WithinDuration(t, before.Add(20*time.Second), job.ProcessAt, 3*time.Second)
}

func TestFailRetryExhaustion(t *testing.T) {
	q, store := newQueue(t, queue.DefaultConfig())
	id := enqueue(t, q, &models.Job{TaskID: 1, MaxRetries: 0})

	batch, err := q.DequeueBatch(context.Background(), 1)
	require.NoError(t, err)
	// Enqueue replaces a zero MaxRetries with the queue default, so the
	// retries are spent explicitly before the final failure.
	batch[0].RetryCount = batch[0].MaxRetries
	require.NoError(t, q.Fail(context.Background(), &batch[0], taskerr.New(taskerr.KindWorkerCrash, "pipe closed")))

	job, err := store.GetJob(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, models.JobFailed, job.Status)
	assert.LessOrEqual(t, job.RetryCount, job.MaxRetries)
}

func TestFailNonRetryableSkipsRetry(t *testing.T) {
	q, store := newQueue(t, queue.DefaultConfig())
	id := enqueue(t, q, &models.Job{TaskID: 1, MaxRetries: 3})

	batch, err := q.DequeueBatch(context.Background(), 1)
	require.NoError(t, err)

	// Schema errors are not retried.
	require.NoError(t, q.Fail(context.Background(), &batch[0], taskerr.New(taskerr.KindSchemaValidation, "bad input")))

	job, err := store.GetJob(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, models.JobFailed, job.Status)
	assert.Equal(t, 0, job.RetryCount)
}

func TestCompleteTransition(t *testing.T) {
	q, store := newQueue(t, queue.DefaultConfig())
	id := enqueue(t, q, &models.Job{TaskID: 1})

	_, err := q.DequeueBatch(context.Background(), 1)
	require.NoError(t, err)
	require.NoError(t, q.Complete(context.Background(), id))

	job, err := store.GetJob(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, models.JobCompleted, job.Status)
	require.NotNil(t, job.CompletedAt)
	require.NotNil(t, job.StartedAt)
	assert.False(t, job.CompletedAt.Before(*job.StartedAt))
}

func TestCancelQueuedAndTerminalJobs(t *testing.T) {
	q, store := newQueue(t, queue.DefaultConfig())
	id := enqueue(t, q, &models.Job{TaskID: 1})

	before, err := q.Cancel(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, models.JobQueued, before.Status)

	job, err := store.GetJob(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, models.JobCancelled, job.Status)

	// Cancelling a terminal job is a no-op.
	before, err = q.Cancel(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, models.JobCancelled, before.Status)

	// Cancelled jobs are not dispatched.
	batch, err := q.DequeueBatch(context.Background(), 10)
	require.NoError(t, err)
	assert.Empty(t, batch)
}

func TestReapExpiredLeases(t *testing.T) {
	cfg := queue.DefaultConfig()
	cfg.LeaseTimeout = -time.Second // claims are born expired
	q, store := newQueue(t, cfg)

	id := enqueue(t, q, &models.Job{TaskID: 1, MaxRetries: 3})
	_, err := q.DequeueBatch(context.Background(), 1)
	require.NoError(t, err)

	reaped, err := store.ReapExpired(context.Background(), time.Now().UTC())
	require.NoError(t, err)
	assert.Equal(t, int64(1), reaped)

	job, err := store.GetJob(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, models.JobRetrying, job.Status)
	assert.Equal(t, 1, job.RetryCount)

	// The retried job is immediately claimable again.
	batch, err := q.DequeueBatch(context.Background(), 1)
	require.NoError(t, err)
	assert.Len(t, batch, 1)
}

type recordingNotifier struct {
	mu     sync.Mutex
	jobIDs []int64
	err    error
}

func (n *recordingNotifier) Push(ctx context.Context, job *models.Job) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.err != nil {
		return n.err
	}
	n.jobIDs = append(n.jobIDs, job.ID)
	return nil
}

func TestEnqueueNotifiesDispatcher(t *testing.T) {
	q, _ := newQueue(t, queue.DefaultConfig())
	notifier := &recordingNotifier{}
	q.SetNotifier(notifier)
	now := time.Now().UTC()

	// Eligible now: announced.
	announced := enqueue(t, q, &models.Job{TaskID: 1})
	// Not yet eligible: picked up by polling instead.
	enqueue(t, q, &models.Job{TaskID: 1, ProcessAt: now.Add(time.Hour)})
	// Scheduled status is not dispatch-eligible at enqueue time.
	enqueue(t, q, &models.Job{TaskID: 1, Status: models.JobScheduled, ProcessAt: now.Add(time.Hour)})

	assert.Equal(t, []int64{announced}, notifier.jobIDs)
}

func TestEnqueueSurvivesNotifierFailure(t *testing.T) {
	q, store := newQueue(t, queue.DefaultConfig())
	q.SetNotifier(&recordingNotifier{err: assert.AnError})

	id := enqueue(t, q, &models.Job{TaskID: 1})

	// The job row is authoritative; a lost notification only costs a
	// poll interval.
	job, err := store.GetJob(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, models.JobQueued, job.Status)

	batch, err := q.DequeueBatch(context.Background(), 1)
	require.NoError(t, err)
	assert.Len(t, batch, 1)
}

func TestScheduledJobsBecomeEligibleAtProcessAt(t *testing.T) {
	q, _ := newQueue(t, queue.DefaultConfig())
	now := time.Now().UTC()

	enqueue(t, q, &models.Job{
		TaskID:    1,
		Status:    models.JobScheduled,
		QueuedAt:  now,
		ProcessAt: now.Add(time.Hour),
	})
	due := enqueue(t, q, &models.Job{
		TaskID:    1,
		Status:    models.JobScheduled,
		QueuedAt:  now,
		ProcessAt: now.Add(-time.Second),
	})

	batch, err := q.DequeueBatch(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, batch, 1)
	assert.Equal(t, due, batch[0].ID)
	assert.Equal(t, models.JobProcessing, batch[0].Status)
}

func TestStats(t *testing.T) {
	q, _ := newQueue(t, queue.DefaultConfig())
	enqueue(t, q, &models.Job{TaskID: 1})
	enqueue(t, q, &models.Job{TaskID: 1})
	id := enqueue(t, q, &models.Job{TaskID: 1})
	_, err := q.Cancel(context.Background(), id)
	require.NoError(t, err)

	stats, err := q.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(2), stats[models.JobQueued])
	assert.Equal(t, int64(1), stats[models.JobCancelled])
}
