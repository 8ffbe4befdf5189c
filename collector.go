package coord

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

////////////////////////////////////////////////////////////////////////////////
// CONSTANTS

const collectTimeout = 10 * time.Second

////////////////////////////////////////////////////////////////////////////////
// TYPES

// Collector exports queue job counts and held locks as prometheus gauges.
// Every scrape reads fresh values from the backing store.
type Collector struct {
	manager *QueueManager
	mutex   *MutexService

	queueJobs   *prometheus.Desc
	queuePaused *prometheus.Desc
	locksHeld   *prometheus.Desc
}

var _ prometheus.Collector = (*Collector)(nil)

// NewCollector collects from manager and, when mutex is not nil, from the mutex service.
func NewCollector(manager *QueueManager, mutex *MutexService) *Collector {
	return &Collector{
		manager: manager,
		mutex:   mutex,
		queueJobs: prometheus.NewDesc(
			"coord_queue_jobs",
			"Number of jobs in each queue by state",
			[]string{"queue", "state"}, nil,
		),
		queuePaused: prometheus.NewDesc(
			"coord_queue_paused",
			"Whether the queue is paused (1) or not (0)",
			[]string{"queue"}, nil,
		),
		locksHeld: prometheus.NewDesc(
			"coord_mutex_locks_held",
			"Number of distributed locks currently held",
			nil, nil,
		),
	}
}

////////////////////////////////////////////////////////////////////////////////
// PUBLIC METHODS - COLLECTOR

// Describe sends metric descriptors to the channel.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.queueJobs
	ch <- c.queuePaused
	if c.mutex != nil {
		ch <- c.locksHeld
	}
}

// Collect reads the current counts and sends them to the channel.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	ctx, cancel := context.WithTimeout(context.Background(), collectTimeout)
	defer cancel()

	if err := c.collectQueues(ctx, ch); err != nil {
		ch <- prometheus.NewInvalidMetric(c.queueJobs, err)
	}
	if c.mutex != nil {
		stats := c.mutex.GetStats(ctx)
		ch <- prometheus.MustNewConstMetric(c.locksHeld, prometheus.GaugeValue, float64(stats.Count))
	}
}

////////////////////////////////////////////////////////////////////////////////
// PRIVATE METHODS

func (c *Collector) collectQueues(ctx context.Context, ch chan<- prometheus.Metric) error {
	all, err := c.manager.GetAllQueueMetrics(ctx)
	if err != nil {
		return err
	}
	for _, m := range all {
		for state, n := range map[JobState]int64{
			StateWaiting:   m.Waiting,
			StateActive:    m.Active,
			StateCompleted: m.Completed,
			StateFailed:    m.Failed,
			StateDelayed:   m.Delayed,
		} {
			ch <- prometheus.MustNewConstMetric(c.queueJobs, prometheus.GaugeValue, float64(n), m.Queue, string(state))
		}
		paused, err := c.manager.IsPaused(ctx, m.Queue)
		if err != nil {
			continue
		}
		v := 0.0
		if paused {
			v = 1
		}
		ch <- prometheus.MustNewConstMetric(c.queuePaused, prometheus.GaugeValue, v, m.Queue)
	}
	return nil
}
