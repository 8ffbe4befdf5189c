package coord

import (
	"context"
	"strconv"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestCache(t *testing.T) (*miniredis.Miniredis, *ResultCache) {
	t.Helper()
	mr, store := newTestStore(t)
	c, err := NewResultCache(context.Background(), store, quietLogger())
	require.NoError(t, err)
	return mr, c
}

func sampleResult(id string) *JobRetrievalResult {
	done := time.UnixMilli(time.Now().UnixMilli()).UTC()
	return &JobRetrievalResult{
		JobID:       id,
		AgentID:     "agent-1",
		UserID:      "user-1",
		Status:      ResultCompleted,
		Data:        map[string]any{"rows": float64(12)},
		CreatedAt:   done.Add(-time.Second),
		CompletedAt: &done,
		Source:      SourceQueue,
	}
}

func TestResultCache_RoundTrip(t *testing.T) {
	mr, c := newTestCache(t)
	ctx := context.Background()
	want := sampleResult("job-1")

	require.NoError(t, c.Set(ctx, "job-1", want, time.Minute))
	assert.True(t, mr.Exists("job-result:job-1"))
	assert.True(t, c.Exists(ctx, "job-1"))

	got := c.Get(ctx, "job-1")
	require.NotNil(t, got)
	assert.Equal(t, want.JobID, got.JobID)
	assert.Equal(t, want.Status, got.Status)
	assert.Equal(t, want.Data, got.Data)
	assert.True(t, want.CompletedAt.Equal(*got.CompletedAt))

	ttl := c.GetTTL(ctx, "job-1")
	assert.Greater(t, ttl, int64(0))
	assert.LessOrEqual(t, ttl, int64(60000))
}

func TestResultCache_Expiry(t *testing.T) {
	mr, c := newTestCache(t)
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "job-1", sampleResult("job-1"), 2*time.Second))
	mr.FastForward(2 * time.Second)

	assert.Nil(t, c.Get(ctx, "job-1"))
	assert.False(t, c.Exists(ctx, "job-1"))
	assert.Equal(t, TTLAbsent, c.GetTTL(ctx, "job-1"))
}

func TestResultCache_NoTTL(t *testing.T) {
	_, c := newTestCache(t)
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "job-1", sampleResult("job-1"), 0))
	assert.Equal(t, TTLNoExpiry, c.GetTTL(ctx, "job-1"))

	ok, err := c.SetTTL(ctx, "job-1", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Greater(t, c.GetTTL(ctx, "job-1"), int64(0))

	ok, err = c.SetTTL(ctx, "missing", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = c.SetTTL(ctx, "job-1", 0)
	assert.ErrorIs(t, err, ErrConfig)
}

func TestResultCache_SetRejectsBadInput(t *testing.T) {
	_, c := newTestCache(t)
	ctx := context.Background()

	assert.ErrorIs(t, c.Set(ctx, "k", nil, time.Minute), ErrConfig)
	assert.ErrorIs(t, c.Set(ctx, "k", sampleResult("k"), -time.Second), ErrConfig)
}

func TestResultCache_Miss(t *testing.T) {
	mr, c := newTestCache(t)
	ctx := context.Background()

	assert.Nil(t, c.Get(ctx, "missing"))
	assert.False(t, c.Exists(ctx, "missing"))

	require.NoError(t, mr.Set("job-result:garbage", "{not json"))
	assert.Nil(t, c.Get(ctx, "garbage"), "undecodable entries read as a miss")
}

func TestResultCache_Delete(t *testing.T) {
	_, c := newTestCache(t)
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "job-1", sampleResult("job-1"), time.Minute))
	deleted, err := c.Delete(ctx, "job-1")
	require.NoError(t, err)
	assert.True(t, deleted)
	assert.Nil(t, c.Get(ctx, "job-1"))

	deleted, err = c.Delete(ctx, "job-1")
	require.NoError(t, err)
	assert.False(t, deleted)
}

func TestResultCache_ClearKeepsOtherNamespaces(t *testing.T) {
	mr, c := newTestCache(t)
	ctx := context.Background()

	for i := range 250 {
		id := "job-" + strconv.Itoa(i)
		require.NoError(t, c.Set(ctx, id, sampleResult(id), time.Hour))
	}
	require.NoError(t, mr.Set("mutex:r", "holder"))
	require.NoError(t, mr.Set("queue:ingest:meta", "x"))

	removed, err := c.Clear(ctx)
	require.NoError(t, err)
	assert.Equal(t, 250, removed)
	assert.ElementsMatch(t, []string{"mutex:r", "queue:ingest:meta"}, mr.Keys())

	removed, err = c.FlushAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, removed)
	assert.Len(t, mr.Keys(), 2, "flush never touches other components' keys")
}

func TestResultCache_DegradesWhenStoreIsDown(t *testing.T) {
	mr, c := newTestCache(t)
	ctx := context.Background()
	require.NoError(t, c.Set(ctx, "job-1", sampleResult("job-1"), time.Minute))
	mr.Close()

	assert.Nil(t, c.Get(ctx, "job-1"))
	assert.False(t, c.Exists(ctx, "job-1"))
	assert.Equal(t, TTLAbsent, c.GetTTL(ctx, "job-1"))

	assert.Error(t, c.Set(ctx, "job-2", sampleResult("job-2"), time.Minute), "writes propagate")
	_, err := c.Delete(ctx, "job-1")
	assert.Error(t, err)
	_, err = c.Clear(ctx)
	assert.Error(t, err)
}

func TestNewResultCache_FailsOnUnreachableStore(t *testing.T) {
	_, err := NewResultCache(context.Background(), nil)
	assert.ErrorIs(t, err, ErrConfig)

	mr := miniredis.RunT(t)
	port, err := strconv.Atoi(mr.Port())
	require.NoError(t, err)
	store, err := NewStore(StoreConfig{Host: mr.Host(), Port: port, Development: true}, quietLogger())
	require.NoError(t, err)
	defer store.Close()
	mr.Close()

	_, err = NewResultCache(context.Background(), store, quietLogger())
	assert.ErrorIs(t, err, ErrConnection)
}
