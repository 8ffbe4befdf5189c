package coord

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	bedrock "github.com/yirzhou/bedrock"
)

// newTestStore starts an in-process Redis and returns a connected Store on it.
func newTestStore(t *testing.T) (*miniredis.Miniredis, *Store) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	store, err := NewStoreFromClient(client, quietLogger())
	require.NoError(t, err)
	require.NoError(t, store.Connect(context.Background()))
	return mr, store
}

func quietLogger() Opt {
	return WithLogger(zerolog.Nop())
}

// newTestManager returns an initialized manager over the given queue names.
func newTestManager(t *testing.T, store *Store, names []string, opt ...Opt) *QueueManager {
	t.Helper()
	m, err := NewQueueManager(store, names, append([]Opt{quietLogger()}, opt...)...)
	require.NoError(t, err)
	require.NoError(t, m.Initialize(context.Background()))
	t.Cleanup(func() { _ = m.Close() })
	return m
}

// fakeClock is a settable time source for queue scheduling.
type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time { return c.now }

func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

// withClock makes q read time from a fake clock starting at the current time.
func withClock(q *Queue) *fakeClock {
	clock := &fakeClock{now: time.UnixMilli(time.Now().UnixMilli())}
	q.now = clock.Now
	return clock
}

func openTestBedrock(t *testing.T) *bedrock.KVStore {
	t.Helper()
	cfg := bedrock.NewDefaultConfiguration().
		WithBaseDir(filepath.Join(t.TempDir(), "bedrock")).
		WithEnableMaintenance(false).
		WithEnableCompaction(false).
		WithEnableCheckpoint(true).
		WithEnableSyncCheckpoint(false).
		WithMemtableSizeThreshold(1024).
		WithCheckpointSize(1 << 20).
		WithNoLog()
	db, err := bedrock.Open(cfg)
	require.NoError(t, err, "failed to open bedrock store")
	t.Cleanup(func() { _ = db.CloseAndCleanUp() })
	return db
}
