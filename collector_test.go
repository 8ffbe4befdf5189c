package coord

import (
	"context"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func gatherGauges(t *testing.T, c prometheus.Collector) map[string]float64 {
	t.Helper()
	reg := prometheus.NewPedanticRegistry()
	require.NoError(t, reg.Register(c))
	families, err := reg.Gather()
	require.NoError(t, err)

	values := map[string]float64{}
	for _, mf := range families {
		for _, m := range mf.GetMetric() {
			key := mf.GetName()
			for _, l := range m.GetLabel() {
				key += "/" + l.GetValue()
			}
			values[key] = m.GetGauge().GetValue()
		}
	}
	return values
}

func TestCollector(t *testing.T) {
	_, store := newTestStore(t)
	m := newTestManager(t, store, []string{"ingest", "process-file"})
	mutex, err := NewMutexService(context.Background(), store, quietLogger())
	require.NoError(t, err)
	ctx := context.Background()

	for range 3 {
		_, err := m.AddJob(ctx, "ingest", "t", nil)
		require.NoError(t, err)
	}
	_, err = m.AddJob(ctx, "process-file", "t", nil, WithPriority(5))
	require.NoError(t, err)
	require.NoError(t, m.PauseQueue(ctx, "process-file"))
	_, err = mutex.Acquire(ctx, "user-1")
	require.NoError(t, err)

	c := NewCollector(m, mutex)
	assert.Equal(t, 2*5+2+1, testutil.CollectAndCount(c))

	values := gatherGauges(t, c)
	assert.Equal(t, 3.0, values["coord_queue_jobs/ingest/waiting"])
	assert.Equal(t, 0.0, values["coord_queue_jobs/ingest/active"])
	assert.Equal(t, 1.0, values["coord_queue_jobs/process-file/waiting"])
	assert.Equal(t, 0.0, values["coord_queue_paused/ingest"])
	assert.Equal(t, 1.0, values["coord_queue_paused/process-file"])
	assert.Equal(t, 1.0, values["coord_mutex_locks_held"])
}

func TestCollector_WithoutMutex(t *testing.T) {
	_, store := newTestStore(t)
	m := newTestManager(t, store, []string{"ingest"})

	c := NewCollector(m, nil)
	assert.Equal(t, 5+1, testutil.CollectAndCount(c))
	assert.Zero(t, testutil.CollectAndCount(c, "coord_mutex_locks_held"))
}
