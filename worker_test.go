package coord

import (
	"context"
	"errors"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type workerFixture struct {
	manager *QueueManager
	queue   *Queue
	mutex   *MutexService
	cache   *ResultCache
	meta    MetadataStore
}

func newWorkerFixture(t *testing.T) *workerFixture {
	t.Helper()
	ctx := context.Background()
	_, store := newTestStore(t)

	meta, err := OpenSQLiteMetadataStore(ctx, filepath.Join(t.TempDir(), "meta.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = meta.Close() })

	m := newTestManager(t, store, []string{"ingest"}, WithMetadataStore(meta))
	q, err := m.Queue("ingest")
	require.NoError(t, err)
	mutex, err := NewMutexService(ctx, store, quietLogger())
	require.NoError(t, err)
	cache, err := NewResultCache(ctx, store, quietLogger())
	require.NoError(t, err)

	return &workerFixture{manager: m, queue: q, mutex: mutex, cache: cache, meta: meta}
}

func (f *workerFixture) worker(t *testing.T, opt ...Opt) *Worker {
	t.Helper()
	base := []Opt{
		quietLogger(),
		WithMetadataStore(f.meta),
		WithResultCache(f.cache, time.Hour),
		WithPollInterval(5 * time.Millisecond),
	}
	w, err := NewWorker(f.queue, append(base, opt...)...)
	require.NoError(t, err)
	return w
}

func TestNewWorker_Validation(t *testing.T) {
	_, err := NewWorker(nil)
	assert.ErrorIs(t, err, ErrConfig)

	f := newWorkerFixture(t)
	for name, opt := range map[string]Opt{
		"concurrency":   WithConcurrency(0),
		"poll interval": WithPollInterval(0),
		"rate limit":    WithRateLimit(0, 1),
		"result ttl":    WithResultCache(f.cache, -time.Second),
		"resource lock": WithResourceLock(nil, nil),
	} {
		t.Run(name, func(t *testing.T) {
			_, err := NewWorker(f.queue, opt)
			assert.ErrorIs(t, err, ErrConfig)
		})
	}
}

func TestWorker_CompletesJob(t *testing.T) {
	f := newWorkerFixture(t)
	ctx := context.Background()
	w := f.worker(t, WithWorkerID("w-1"))
	assert.Equal(t, "w-1", w.ID())

	w.RegisterTask("parse", func(_ context.Context, job *Job) (map[string]any, error) {
		return map[string]any{"parsed": job.Payload["file"]}, nil
	})
	job, err := f.manager.AddJob(ctx, "ingest", "parse", map[string]any{"file": "a.csv", "userId": "u1"})
	require.NoError(t, err)

	processed, err := w.ProcessNext(ctx)
	require.NoError(t, err)
	require.True(t, processed)

	got, err := f.queue.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, StateCompleted, got.State)
	assert.Equal(t, map[string]any{"parsed": "a.csv"}, got.ReturnValue)

	rec, err := f.meta.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, rec.Status)
	assert.Equal(t, map[string]any{"parsed": "a.csv"}, rec.Result)
	assert.NotNil(t, rec.StartedAt)
	assert.NotNil(t, rec.CompletedAt)

	cached := f.cache.Get(ctx, job.ID)
	require.NotNil(t, cached)
	assert.Equal(t, ResultCompleted, cached.Status)
	assert.Equal(t, SourceQueue, cached.Source)
	assert.Equal(t, "u1", cached.UserID)
	assert.Equal(t, map[string]any{"parsed": "a.csv"}, cached.Data)
}

func TestWorker_NothingToDo(t *testing.T) {
	f := newWorkerFixture(t)
	processed, err := f.worker(t).ProcessNext(context.Background())
	require.NoError(t, err)
	assert.False(t, processed)
}

func TestWorker_RetriesThenFails(t *testing.T) {
	f := newWorkerFixture(t)
	ctx := context.Background()
	w := f.worker(t)

	var calls atomic.Int32
	w.RegisterTask("flaky", func(context.Context, *Job) (map[string]any, error) {
		calls.Add(1)
		return nil, errors.New("upstream timeout")
	})
	job, err := f.manager.AddJob(ctx, "ingest", "flaky", nil, WithRetries(1))
	require.NoError(t, err)

	_, err = w.ProcessNext(ctx)
	require.NoError(t, err)
	rec, err := f.meta.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, rec.Status, "retry scheduled")
	assert.Equal(t, 1, rec.RetryCount)
	assert.Nil(t, rec.CompletedAt)
	assert.Nil(t, f.cache.Get(ctx, job.ID), "nothing cached while retrying")

	_, err = w.ProcessNext(ctx)
	require.NoError(t, err)
	assert.Equal(t, int32(2), calls.Load())

	got, err := f.queue.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, StateFailed, got.State)
	assert.Equal(t, "upstream timeout", got.FailedReason)

	rec, err = f.meta.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, rec.Status)
	assert.Equal(t, 1, rec.RetryCount)
	assert.Equal(t, "upstream timeout", rec.Error)

	cached := f.cache.Get(ctx, job.ID)
	require.NotNil(t, cached)
	assert.Equal(t, ResultFailed, cached.Status)
	assert.Equal(t, "upstream timeout", cached.Error)
}

func TestWorker_UnknownTaskFailsWithoutRetry(t *testing.T) {
	f := newWorkerFixture(t)
	ctx := context.Background()
	w := f.worker(t)

	job, err := f.manager.AddJob(ctx, "ingest", "mystery", nil, WithRetries(5))
	require.NoError(t, err)

	processed, err := w.ProcessNext(ctx)
	require.NoError(t, err)
	assert.True(t, processed)

	got, err := f.queue.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, StateFailed, got.State)
	assert.Contains(t, got.FailedReason, ErrUnknownTask.Error())
}

func TestWorker_PanicFailsJob(t *testing.T) {
	f := newWorkerFixture(t)
	ctx := context.Background()
	w := f.worker(t)
	w.RegisterTask("crash", func(context.Context, *Job) (map[string]any, error) {
		panic("nil map")
	})

	job, err := f.manager.AddJob(ctx, "ingest", "crash", nil)
	require.NoError(t, err)
	_, err = w.ProcessNext(ctx)
	require.NoError(t, err)

	got, err := f.queue.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, StateFailed, got.State)
	assert.Contains(t, got.FailedReason, "panicked")
}

func TestWorker_ResourceLock(t *testing.T) {
	f := newWorkerFixture(t)
	ctx := context.Background()
	byUser := func(job *Job) string {
		user, _ := job.Payload["userId"].(string)
		return user
	}
	w := f.worker(t, WithResourceLock(f.mutex, byUser))

	var heldDuringTask bool
	w.RegisterTask("sync", func(ctx context.Context, job *Job) (map[string]any, error) {
		heldDuringTask = f.mutex.IsHeld(ctx, "u1")
		return nil, nil
	})

	_, err := f.manager.AddJob(ctx, "ingest", "sync", map[string]any{"userId": "u1"})
	require.NoError(t, err)
	_, err = w.ProcessNext(ctx)
	require.NoError(t, err)
	assert.True(t, heldDuringTask)
	assert.False(t, f.mutex.IsHeld(ctx, "u1"), "released after the task")
}

func TestWorker_ResourceLockContentionRetries(t *testing.T) {
	f := newWorkerFixture(t)
	ctx := context.Background()
	w := f.worker(t, WithResourceLock(f.mutex, func(*Job) string { return "u1" }))
	w.RegisterTask("sync", func(context.Context, *Job) (map[string]any, error) { return nil, nil })

	other, err := f.mutex.Acquire(ctx, "u1")
	require.NoError(t, err)
	f.mutex.defaults = LockOptions{Timeout: time.Minute, RetryDelay: time.Millisecond, MaxRetries: 0}

	job, err := f.manager.AddJob(ctx, "ingest", "sync", nil, WithRetries(1))
	require.NoError(t, err)
	_, err = w.ProcessNext(ctx)
	require.NoError(t, err)

	got, err := f.queue.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, StateWaiting, got.State, "contention fails the attempt but keeps the job")
	assert.Contains(t, got.FailedReason, "could not acquire lock")

	require.NoError(t, other.Release(ctx))
	_, err = w.ProcessNext(ctx)
	require.NoError(t, err)
	got, err = f.queue.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, StateCompleted, got.State)
}

func TestWorker_RunProcessesUntilCancelled(t *testing.T) {
	f := newWorkerFixture(t)
	w := f.worker(t, WithConcurrency(3), WithRateLimit(1000, 10))

	var done atomic.Int32
	w.RegisterTask("t", func(context.Context, *Job) (map[string]any, error) {
		done.Add(1)
		return nil, nil
	})
	for range 20 {
		_, err := f.manager.AddJob(context.Background(), "ingest", "t", nil)
		require.NoError(t, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	finished := make(chan error, 1)
	go func() { finished <- w.Run(ctx) }()

	require.Eventually(t, func() bool { return done.Load() == 20 }, 5*time.Second, 10*time.Millisecond)
	cancel()
	select {
	case err := <-finished:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not stop after cancel")
	}

	metrics, err := f.manager.GetQueueMetrics(context.Background(), "ingest")
	require.NoError(t, err)
	assert.Equal(t, QueueMetrics{Queue: "ingest", Completed: 20}, *metrics)
}

func TestWorker_RunStopsWhenQueueCloses(t *testing.T) {
	f := newWorkerFixture(t)
	w := f.worker(t)

	finished := make(chan error, 1)
	go func() { finished <- w.Run(context.Background()) }()
	require.NoError(t, f.queue.Close())

	select {
	case err := <-finished:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not stop after queue close")
	}
}
