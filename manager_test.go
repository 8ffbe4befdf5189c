package coord

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewQueueManager_Validation(t *testing.T) {
	_, store := newTestStore(t)

	_, err := NewQueueManager(nil, []string{"a"})
	assert.ErrorIs(t, err, ErrConfig)

	for name, names := range map[string][]string{
		"empty":      nil,
		"blank":      {"a", " "},
		"duplicate":  {"a", "a"},
		"colon":      {"a:b"},
		"whitespace": {"a b"},
	} {
		t.Run(name, func(t *testing.T) {
			_, err := NewQueueManager(store, names)
			assert.ErrorIs(t, err, ErrConfig)
		})
	}
}

func TestQueueManager_RequiresInitialize(t *testing.T) {
	_, store := newTestStore(t)
	m, err := NewQueueManager(store, []string{"ingest"}, quietLogger())
	require.NoError(t, err)
	ctx := context.Background()

	_, err = m.AddJob(ctx, "ingest", "t", nil)
	assert.ErrorIs(t, err, ErrNotInitialized)
	_, err = m.GetAllQueueMetrics(ctx)
	assert.ErrorIs(t, err, ErrNotInitialized)

	require.NoError(t, m.Initialize(ctx))
	require.NoError(t, m.Initialize(ctx), "initialize is idempotent")
	_, err = m.AddJob(ctx, "ingest", "t", nil)
	assert.NoError(t, err)
}

func TestQueueManager_InitializeFailsOnUnreachableStore(t *testing.T) {
	mr, store := newTestStore(t)
	fresh, err := NewStoreFromClient(store.Client(), quietLogger())
	require.NoError(t, err)
	mr.Close()

	m, err := NewQueueManager(fresh, []string{"ingest"}, quietLogger())
	require.NoError(t, err)
	assert.ErrorIs(t, m.Initialize(context.Background()), ErrConnection)
}

func TestQueueManager_IngestScenario(t *testing.T) {
	_, store := newTestStore(t)
	m := newTestManager(t, store, []string{"ingest", "process-file"})
	ctx := context.Background()

	assert.Equal(t, []string{"ingest", "process-file"}, m.QueueNames())

	job, err := m.AddJob(ctx, "ingest", "parse-upload", map[string]any{"userId": "u1", "file": "report.pdf"}, WithRetries(3))
	require.NoError(t, err)
	assert.Equal(t, "ingest", job.Queue)

	_, err = m.AddJob(ctx, "process-file", "extract", map[string]any{"file": "report.pdf"})
	require.NoError(t, err)
	_, err = m.AddJob(ctx, "process-file", "extract", map[string]any{"file": "notes.txt"}, WithPriority(1))
	require.NoError(t, err)

	_, err = m.AddJob(ctx, "unknown", "t", nil)
	assert.ErrorIs(t, err, ErrQueueNotFound)

	ingest, err := m.GetQueueMetrics(ctx, "ingest")
	require.NoError(t, err)
	assert.Equal(t, QueueMetrics{Queue: "ingest", Waiting: 1}, *ingest)

	all, err := m.GetAllQueueMetrics(ctx)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "ingest", all[0].Queue)
	assert.Equal(t, QueueMetrics{Queue: "process-file", Waiting: 2}, all[1])

	got, err := m.GetJob(ctx, "ingest", job.ID)
	require.NoError(t, err)
	assert.Equal(t, "parse-upload", got.Type)
	assert.Equal(t, 3, got.Options.Retries)

	_, err = m.GetQueueMetrics(ctx, "unknown")
	assert.ErrorIs(t, err, ErrQueueNotFound)
}

func TestQueueManager_PauseScenario(t *testing.T) {
	_, store := newTestStore(t)
	m := newTestManager(t, store, []string{"ingest"})
	ctx := context.Background()

	q, err := m.Queue("ingest")
	require.NoError(t, err)
	w, err := NewWorker(q, quietLogger())
	require.NoError(t, err)
	w.RegisterTask("t", func(context.Context, *Job) (map[string]any, error) { return nil, nil })

	require.NoError(t, m.PauseQueue(ctx, "ingest"))
	paused, err := m.IsPaused(ctx, "ingest")
	require.NoError(t, err)
	assert.True(t, paused)

	_, err = m.AddJob(ctx, "ingest", "t", nil)
	require.NoError(t, err, "paused queues still accept jobs")

	processed, err := w.ProcessNext(ctx)
	require.NoError(t, err)
	assert.False(t, processed)

	metrics, err := m.GetQueueMetrics(ctx, "ingest")
	require.NoError(t, err)
	assert.Equal(t, int64(1), metrics.Waiting)
	assert.Equal(t, int64(0), metrics.Active)

	require.NoError(t, m.ResumeQueue(ctx, "ingest"))
	processed, err = w.ProcessNext(ctx)
	require.NoError(t, err)
	assert.True(t, processed)

	metrics, err = m.GetQueueMetrics(ctx, "ingest")
	require.NoError(t, err)
	assert.Equal(t, QueueMetrics{Queue: "ingest", Completed: 1}, *metrics)
}

func TestQueueManager_AllMetricsExcludesFailingQueue(t *testing.T) {
	mr, store := newTestStore(t)
	m := newTestManager(t, store, []string{"a", "b"})
	ctx := context.Background()

	_, err := m.AddJob(ctx, "a", "t", nil)
	require.NoError(t, err)
	require.NoError(t, mr.Set("queue:b:wait", "x"))

	_, err = m.GetQueueMetrics(ctx, "b")
	require.Error(t, err)

	all, err := m.GetAllQueueMetrics(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, QueueMetrics{Queue: "a", Waiting: 1}, all[0])
}

func TestNewQueueManager_ClusterNeedsHashTags(t *testing.T) {
	client := redis.NewClusterClient(&redis.ClusterOptions{Addrs: []string{"127.0.0.1:1"}})
	t.Cleanup(func() { _ = client.Close() })
	store, err := NewStoreFromClient(client, quietLogger())
	require.NoError(t, err)

	_, err = NewQueueManager(store, []string{"{ingest}", "process-file"}, quietLogger())
	assert.ErrorIs(t, err, ErrConfig)
	_, err = NewQueueManager(store, []string{"{ingest}", "{process-file}"}, quietLogger())
	assert.NoError(t, err)

	assert.True(t, hasHashTag("jobs-{eu}"))
	assert.False(t, hasHashTag("jobs-{}"))
	assert.False(t, hasHashTag("jobs-}{"))
}

func TestQueueManager_HashTaggedQueueKeysShareTag(t *testing.T) {
	mr, store := newTestStore(t)
	m := newTestManager(t, store, []string{"{ingest}"})
	ctx := context.Background()

	job, err := m.AddJob(ctx, "{ingest}", "t", nil, WithPriority(2))
	require.NoError(t, err)
	q, err := m.Queue("{ingest}")
	require.NoError(t, err)
	claimed, err := q.claim(ctx)
	require.NoError(t, err)
	require.NotNil(t, claimed)
	assert.Equal(t, job.ID, claimed.ID)
	require.NoError(t, q.complete(ctx, claimed, nil))

	for _, key := range mr.Keys() {
		assert.Contains(t, key, "{ingest}")
	}
}

func TestQueueManager_AddJobLeastLoaded(t *testing.T) {
	_, store := newTestStore(t)
	m := newTestManager(t, store, []string{"a", "b", "c"})
	ctx := context.Background()

	_, err := m.AddJob(ctx, "a", "t", nil)
	require.NoError(t, err)
	require.NoError(t, m.PauseQueue(ctx, "b"))

	job, err := m.AddJobLeastLoaded(ctx, "t", nil)
	require.NoError(t, err)
	assert.Equal(t, "c", job.Queue, "b is paused and a is busier")

	job, err = m.AddJobLeastLoaded(ctx, "t", nil)
	require.NoError(t, err)
	assert.Equal(t, "a", job.Queue, "ties go to the first declared queue")

	require.NoError(t, m.PauseQueue(ctx, "a"))
	require.NoError(t, m.PauseQueue(ctx, "c"))
	_, err = m.AddJobLeastLoaded(ctx, "t", nil)
	assert.ErrorIs(t, err, ErrQueueNotFound)
}

func TestQueueManager_RecordsMetadata(t *testing.T) {
	_, store := newTestStore(t)
	meta, err := OpenSQLiteMetadataStore(context.Background(), filepath.Join(t.TempDir(), "meta.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = meta.Close() })

	m := newTestManager(t, store, []string{"ingest"}, WithMetadataStore(meta))
	ctx := context.Background()

	job, err := m.AddJob(ctx, "ingest", "parse", map[string]any{"userId": "u1", "agentId": "a1"}, WithRetries(2))
	require.NoError(t, err)

	rec, err := meta.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, rec.Status)
	assert.Equal(t, "ingest", rec.Queue)
	assert.Equal(t, "parse", rec.Type)
	assert.Equal(t, "u1", rec.UserID)
	assert.Equal(t, "a1", rec.AgentID)
	assert.Equal(t, 2, rec.MaxRetries)
	assert.Equal(t, 0, rec.RetryCount)
}

type failingMetadataStore struct{ MetadataStore }

func (failingMetadataStore) Save(context.Context, *JobMetadata) error {
	return errors.New("metadata store down")
}

func TestQueueManager_MetadataFailureKeepsJob(t *testing.T) {
	_, store := newTestStore(t)
	m := newTestManager(t, store, []string{"ingest"}, WithMetadataStore(failingMetadataStore{}))
	ctx := context.Background()

	job, err := m.AddJob(ctx, "ingest", "t", nil)
	require.NoError(t, err)
	_, err = m.GetJob(ctx, "ingest", job.ID)
	assert.NoError(t, err)
}

func TestQueueManager_Close(t *testing.T) {
	_, store := newTestStore(t)
	m, err := NewQueueManager(store, []string{"ingest"}, quietLogger())
	require.NoError(t, err)
	ctx := context.Background()
	require.NoError(t, m.Initialize(ctx))

	q, err := m.Queue("ingest")
	require.NoError(t, err)

	require.NoError(t, m.Close())
	require.NoError(t, m.Close(), "close is idempotent")
	assert.False(t, store.Connected())

	_, err = m.AddJob(ctx, "ingest", "t", nil)
	assert.ErrorIs(t, err, ErrClosed)
	_, err = q.Add(ctx, "t", nil, JobOptions{})
	assert.ErrorIs(t, err, ErrClosed, "handles are closed with the manager")
	assert.ErrorIs(t, m.Initialize(ctx), ErrClosed)
}

func TestQueueManager_CloseBeforeInitialize(t *testing.T) {
	_, store := newTestStore(t)
	m, err := NewQueueManager(store, []string{"ingest"}, quietLogger())
	require.NoError(t, err)
	assert.NoError(t, m.Close())
}
