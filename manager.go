package coord

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

type managerState int

const (
	managerUninitialized managerState = iota
	managerInitialized
	managerClosed
)

// QueueManager owns the configured queues and routes job submission and
// flow control. Queue names are fixed at construction.
type QueueManager struct {
	store    *Store
	names    []string
	metadata MetadataStore
	log      zerolog.Logger

	mu     sync.RWMutex
	state  managerState
	queues map[string]*Queue
}

// NewQueueManager validates the configuration. A nil store, an empty queue
// list, or a blank or duplicate name is an ErrConfig. On Redis Cluster every
// name must carry a hash tag, e.g. "{ingest}", so that all keys of a queue
// share one slot.
func NewQueueManager(store *Store, names []string, opt ...Opt) (*QueueManager, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: queue manager needs a backing store", ErrConfig)
	}
	if err := validateQueueNames(names); err != nil {
		return nil, err
	}
	if _, ok := store.Client().(*redis.ClusterClient); ok {
		for _, name := range names {
			if !hasHashTag(name) {
				return nil, fmt.Errorf("%w: queue name %q needs a hash tag on a cluster", ErrConfig, name)
			}
		}
	}
	o, err := applyOpts("queue-manager", opt)
	if err != nil {
		return nil, err
	}
	return &QueueManager{
		store:    store,
		names:    append([]string(nil), names...),
		metadata: o.metadata,
		log:      o.logger,
		queues:   make(map[string]*Queue, len(names)),
	}, nil
}

func validateQueueNames(names []string) error {
	if len(names) == 0 {
		return fmt.Errorf("%w: at least one queue must be declared", ErrConfig)
	}
	seen := make(map[string]struct{}, len(names))
	for _, name := range names {
		if strings.TrimSpace(name) == "" || strings.ContainsAny(name, ": \t\n") {
			return fmt.Errorf("%w: invalid queue name %q", ErrConfig, name)
		}
		if _, ok := seen[name]; ok {
			return fmt.Errorf("%w: duplicate queue name %q", ErrConfig, name)
		}
		seen[name] = struct{}{}
	}
	return nil
}

// hasHashTag reports whether name contains a non-empty {tag}.
func hasHashTag(name string) bool {
	start := strings.IndexByte(name, '{')
	if start < 0 {
		return false
	}
	end := strings.IndexByte(name[start+1:], '}')
	return end > 0
}

// Initialize connects the store and opens a handle for every configured queue.
// Calling it again is a logged no-op.
func (m *QueueManager) Initialize(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch m.state {
	case managerInitialized:
		m.log.Info().Msg("queue manager already initialized")
		return nil
	case managerClosed:
		return fmt.Errorf("queue manager: %w", ErrClosed)
	}

	if err := validateQueueNames(m.names); err != nil {
		return err
	}
	if err := m.store.Connect(ctx); err != nil {
		return err
	}

	for _, name := range m.names {
		if _, ok := m.queues[name]; ok {
			continue
		}
		q, err := openQueue(ctx, m.store.Client(), name, m.log)
		if err != nil {
			// Handles opened so far stay in m.queues for Close.
			return err
		}
		q.OnError(func(err error) {
			m.log.Error().Err(err).Str("queue", name).Msg("queue error")
		})
		q.OnFailed(func(job *Job, err error) {
			m.log.Warn().Err(err).
				Str("queue", name).
				Str("job", job.ID).
				Str("type", job.Type).
				Int("attempts", job.AttemptsMade).
				Str("state", string(job.State)).
				Msg("job failed")
		})
		m.queues[name] = q
		m.log.Debug().Str("queue", name).Msg("queue opened")
	}

	m.state = managerInitialized
	m.log.Info().Strs("queues", m.names).Msg("queue manager initialized")
	return nil
}

// Queue returns the open handle for name.
func (m *QueueManager) Queue(name string) (*Queue, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if err := m.stateErr(); err != nil {
		return nil, err
	}
	q, ok := m.queues[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrQueueNotFound, name)
	}
	return q, nil
}

// QueueNames returns the configured queue names in configuration order.
func (m *QueueManager) QueueNames() []string {
	return append([]string(nil), m.names...)
}

// AddJob enqueues a job of jobType on queueName. Payload contents are the
// producer's responsibility and are stored as given. Enqueue failures are
// returned to the caller.
func (m *QueueManager) AddJob(ctx context.Context, queueName, jobType string, payload map[string]any, opt ...JobOpt) (*Job, error) {
	q, err := m.Queue(queueName)
	if err != nil {
		return nil, err
	}
	job, err := q.Add(ctx, jobType, payload, applyJobOpts(opt))
	if err != nil {
		return nil, err
	}

	if m.metadata != nil {
		// The job is already durable; a missing parallel record is not worth failing the submission.
		if err := m.metadata.Save(ctx, newJobMetadata(job)); err != nil {
			m.log.Warn().Err(err).Str("queue", queueName).Str("job", job.ID).Msg("could not record job metadata")
		}
	}

	m.log.Debug().Str("queue", queueName).Str("job", job.ID).Str("type", jobType).Msg("job enqueued")
	return job, nil
}

// AddJobLeastLoaded enqueues on the non-paused queue with the fewest waiting
// and active jobs. Ties go to the queue declared first.
func (m *QueueManager) AddJobLeastLoaded(ctx context.Context, jobType string, payload map[string]any, opt ...JobOpt) (*Job, error) {
	var (
		target string
		best   int64 = -1
	)
	for _, name := range m.names {
		q, err := m.Queue(name)
		if err != nil {
			return nil, err
		}
		if paused, err := q.IsPaused(ctx); err != nil || paused {
			continue
		}
		metrics, err := q.Metrics(ctx)
		if err != nil {
			m.log.Warn().Err(err).Str("queue", name).Msg("skipping queue for load balancing")
			continue
		}
		if load := metrics.Waiting + metrics.Active; best < 0 || load < best {
			target, best = name, load
		}
	}
	if target == "" {
		return nil, fmt.Errorf("%w: no active queue available", ErrQueueNotFound)
	}
	return m.AddJob(ctx, target, jobType, payload, opt...)
}

// GetJob loads a job from queueName.
func (m *QueueManager) GetJob(ctx context.Context, queueName, id string) (*Job, error) {
	q, err := m.Queue(queueName)
	if err != nil {
		return nil, err
	}
	return q.GetJob(ctx, id)
}

// GetQueueMetrics computes a fresh snapshot for one queue.
func (m *QueueManager) GetQueueMetrics(ctx context.Context, queueName string) (*QueueMetrics, error) {
	q, err := m.Queue(queueName)
	if err != nil {
		return nil, err
	}
	return q.Metrics(ctx)
}

// GetAllQueueMetrics returns a snapshot per queue. A queue whose counts cannot
// be read is logged and left out.
func (m *QueueManager) GetAllQueueMetrics(ctx context.Context) ([]QueueMetrics, error) {
	if err := m.checkState(); err != nil {
		return nil, err
	}
	result := make([]QueueMetrics, 0, len(m.names))
	for _, name := range m.names {
		metrics, err := m.GetQueueMetrics(ctx, name)
		if err != nil {
			m.log.Warn().Err(err).Str("queue", name).Msg("excluding queue from metrics")
			continue
		}
		result = append(result, *metrics)
	}
	return result, nil
}

// PauseQueue stops workers from claiming jobs on queueName.
func (m *QueueManager) PauseQueue(ctx context.Context, queueName string) error {
	q, err := m.Queue(queueName)
	if err != nil {
		return err
	}
	return q.Pause(ctx)
}

// ResumeQueue resumes a paused queue.
func (m *QueueManager) ResumeQueue(ctx context.Context, queueName string) error {
	q, err := m.Queue(queueName)
	if err != nil {
		return err
	}
	return q.Resume(ctx)
}

// IsPaused reports whether queueName is paused.
func (m *QueueManager) IsPaused(ctx context.Context, queueName string) (bool, error) {
	q, err := m.Queue(queueName)
	if err != nil {
		return false, err
	}
	return q.IsPaused(ctx)
}

// Close closes every open queue handle, then the store. Individual failures are
// logged and joined; they never stop the remaining handles from closing. It is
// safe to call in any state and more than once.
func (m *QueueManager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state == managerClosed {
		return nil
	}
	m.state = managerClosed

	var result error
	for _, name := range m.names {
		q, ok := m.queues[name]
		if !ok {
			continue
		}
		if err := q.Close(); err != nil {
			m.log.Error().Err(err).Str("queue", name).Msg("close queue")
			result = errors.Join(result, err)
		}
	}
	clear(m.queues)

	if err := m.store.Close(); err != nil {
		m.log.Error().Err(err).Msg("close store")
		result = errors.Join(result, err)
	}
	m.log.Info().Msg("queue manager closed")
	return result
}

func (m *QueueManager) checkState() error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.stateErr()
}

// stateErr must be called with m.mu held.
func (m *QueueManager) stateErr() error {
	switch m.state {
	case managerUninitialized:
		return ErrNotInitialized
	case managerClosed:
		return fmt.Errorf("queue manager: %w", ErrClosed)
	}
	return nil
}
