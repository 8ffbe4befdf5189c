package coord

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// QueueKeyPrefix prefixes every key owned by a queue.
const QueueKeyPrefix = "queue:"

// queueKeys holds the Redis keys used by one queue.
type queueKeys struct {
	Meta        string // hash: name, createdAt, paused
	Wait        string // list of ready job ids
	Prioritized string // zset of ready job ids ordered by priority
	Delayed     string // zset of job ids scored by the time they become ready
	Active      string // list of claimed job ids
	Completed   string // zset scored by finish time
	Failed      string // zset scored by finish time
	Counter     string // priority tie-break counter
	JobPrefix   string // prefix of per-job hashes
}

func keysForQueue(name string) queueKeys {
	prefix := QueueKeyPrefix + name + ":"
	return queueKeys{
		Meta:        prefix + "meta",
		Wait:        prefix + "wait",
		Prioritized: prefix + "prioritized",
		Delayed:     prefix + "delayed",
		Active:      prefix + "active",
		Completed:   prefix + "completed",
		Failed:      prefix + "failed",
		Counter:     prefix + "pc",
		JobPrefix:   prefix + "job:",
	}
}

func (k queueKeys) job(id string) string {
	return k.JobPrefix + id
}

// Queue is an open handle on one durable queue held by the backing store.
type Queue struct {
	name   string
	keys   queueKeys
	client redis.UniversalClient
	log    zerolog.Logger
	now    func() time.Time

	mu       sync.RWMutex
	closed   bool
	onError  []func(error)
	onFailed []func(*Job, error)
}

// openQueue binds a handle to name, creating the queue's meta record if it
// does not exist yet.
func openQueue(ctx context.Context, client redis.UniversalClient, name string, logger zerolog.Logger) (*Queue, error) {
	q := &Queue{
		name:   name,
		keys:   keysForQueue(name),
		client: client,
		log:    logger.With().Str("queue", name).Logger(),
		now:    time.Now,
	}
	if _, err := client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSetNX(ctx, q.keys.Meta, "name", name)
		pipe.HSetNX(ctx, q.keys.Meta, "createdAt", q.now().UnixMilli())
		return nil
	}); err != nil {
		return nil, fmt.Errorf("open queue %q: %w", name, err)
	}
	return q, nil
}

// Name returns the queue name.
func (q *Queue) Name() string {
	return q.name
}

// OnError registers an observer for store errors raised by this handle.
func (q *Queue) OnError(fn func(error)) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.onError = append(q.onError, fn)
}

// OnFailed registers an observer called for every failed job attempt.
func (q *Queue) OnFailed(fn func(*Job, error)) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.onFailed = append(q.onFailed, fn)
}

func (q *Queue) emitError(err error) {
	q.mu.RLock()
	observers := q.onError
	q.mu.RUnlock()
	for _, fn := range observers {
		q.safeCall(func() { fn(err) })
	}
}

func (q *Queue) emitFailed(job *Job, err error) {
	q.mu.RLock()
	observers := q.onFailed
	q.mu.RUnlock()
	for _, fn := range observers {
		q.safeCall(func() { fn(job, err) })
	}
}

// safeCall keeps a misbehaving observer from taking the process down.
func (q *Queue) safeCall(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			q.log.Error().Interface("panic", r).Msg("queue observer panicked")
		}
	}()
	fn()
}

func (q *Queue) checkOpen() error {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return fmt.Errorf("queue %q: %w", q.name, ErrClosed)
	}
	return nil
}

// Add enqueues a job. It does not inspect the payload.
func (q *Queue) Add(ctx context.Context, jobType string, payload map[string]any, opts JobOptions) (*Job, error) {
	if err := q.checkOpen(); err != nil {
		return nil, err
	}
	if err := opts.validate(); err != nil {
		return nil, err
	}
	if payload == nil {
		payload = map[string]any{}
	}

	id := opts.JobID
	if id == "" {
		id = generateUUID()
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}
	optsJSON, err := json.Marshal(opts)
	if err != nil {
		return nil, fmt.Errorf("encode options: %w", err)
	}
	now := q.now()

	res, err := addJobScript.Run(ctx, q.client,
		[]string{q.keys.Meta, q.keys.Wait, q.keys.Prioritized, q.keys.Delayed, q.keys.Counter},
		q.keys.job(id), id, jobType, data, optsJSON, now.UnixMilli(), opts.Delay.Milliseconds(), opts.Priority,
	).Slice()
	if err != nil {
		q.emitError(err)
		return nil, fmt.Errorf("add job to %q: %w", q.name, err)
	}
	code, _ := res[0].(int64)
	switch code {
	case -1:
		return nil, fmt.Errorf("%w: %q", ErrQueueNotFound, q.name)
	case 0:
		q.log.Debug().Str("job", id).Msg("job id already exists, returning existing job")
		return q.GetJob(ctx, id)
	}

	state := StateWaiting
	if opts.Delay > 0 {
		state = StateDelayed
	} else if opts.Priority > 0 {
		state = StatePrioritized
	}
	q.log.Debug().Str("job", id).Str("type", jobType).Str("state", string(state)).Msg("job added")
	return &Job{
		ID:        id,
		Queue:     q.name,
		Type:      jobType,
		Payload:   payload,
		Options:   opts,
		State:     state,
		CreatedAt: time.UnixMilli(now.UnixMilli()),
	}, nil
}

// GetJob loads a job by id.
func (q *Queue) GetJob(ctx context.Context, id string) (*Job, error) {
	if err := q.checkOpen(); err != nil {
		return nil, err
	}
	fields, err := q.client.HGetAll(ctx, q.keys.job(id)).Result()
	if err != nil {
		return nil, fmt.Errorf("get job %q: %w", id, err)
	}
	if len(fields) == 0 {
		return nil, fmt.Errorf("%w: %s/%s", ErrJobNotFound, q.name, id)
	}
	return q.decodeJob(id, fields)
}

func (q *Queue) decodeJob(id string, fields map[string]string) (*Job, error) {
	job := &Job{
		ID:           id,
		Queue:        q.name,
		Type:         fields["name"],
		State:        JobState(fields["state"]),
		FailedReason: fields["failedReason"],
	}
	if err := json.Unmarshal([]byte(fields["data"]), &job.Payload); err != nil {
		return nil, fmt.Errorf("decode payload of job %q: %w", id, err)
	}
	if raw := fields["opts"]; raw != "" {
		if err := json.Unmarshal([]byte(raw), &job.Options); err != nil {
			return nil, fmt.Errorf("decode options of job %q: %w", id, err)
		}
	}
	if raw := fields["returnvalue"]; raw != "" {
		if err := json.Unmarshal([]byte(raw), &job.ReturnValue); err != nil {
			return nil, fmt.Errorf("decode return value of job %q: %w", id, err)
		}
	}
	job.AttemptsMade, _ = strconv.Atoi(fields["attemptsMade"])
	if ms, err := strconv.ParseInt(fields["timestamp"], 10, 64); err == nil {
		job.CreatedAt = time.UnixMilli(ms)
	}
	job.ProcessedOn = parseMillis(fields["processedOn"])
	job.FinishedOn = parseMillis(fields["finishedOn"])
	return job, nil
}

func parseMillis(s string) *time.Time {
	ms, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return nil
	}
	t := time.UnixMilli(ms)
	return &t
}

// Metrics counts the queue's five job buckets in a single pipelined round trip.
// Prioritized jobs are counted as waiting.
func (q *Queue) Metrics(ctx context.Context) (*QueueMetrics, error) {
	if err := q.checkOpen(); err != nil {
		return nil, err
	}
	var wait, prioritized, active, completed, failed, delayed *redis.IntCmd
	if _, err := q.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		wait = pipe.LLen(ctx, q.keys.Wait)
		prioritized = pipe.ZCard(ctx, q.keys.Prioritized)
		active = pipe.LLen(ctx, q.keys.Active)
		completed = pipe.ZCard(ctx, q.keys.Completed)
		failed = pipe.ZCard(ctx, q.keys.Failed)
		delayed = pipe.ZCard(ctx, q.keys.Delayed)
		return nil
	}); err != nil {
		q.emitError(err)
		return nil, fmt.Errorf("metrics for %q: %w", q.name, err)
	}
	return &QueueMetrics{
		Queue:     q.name,
		Waiting:   wait.Val() + prioritized.Val(),
		Active:    active.Val(),
		Completed: completed.Val(),
		Failed:    failed.Val(),
		Delayed:   delayed.Val(),
	}, nil
}

// Pause stops workers from claiming jobs. Waiting jobs are kept and can still be added.
func (q *Queue) Pause(ctx context.Context) error {
	if err := q.checkOpen(); err != nil {
		return err
	}
	if err := q.client.HSet(ctx, q.keys.Meta, "paused", 1).Err(); err != nil {
		q.emitError(err)
		return fmt.Errorf("pause %q: %w", q.name, err)
	}
	q.log.Info().Msg("queue paused")
	return nil
}

// Resume lets workers claim jobs again.
func (q *Queue) Resume(ctx context.Context) error {
	if err := q.checkOpen(); err != nil {
		return err
	}
	if err := q.client.HDel(ctx, q.keys.Meta, "paused").Err(); err != nil {
		q.emitError(err)
		return fmt.Errorf("resume %q: %w", q.name, err)
	}
	q.log.Info().Msg("queue resumed")
	return nil
}

// IsPaused reports whether the queue is paused.
func (q *Queue) IsPaused(ctx context.Context) (bool, error) {
	if err := q.checkOpen(); err != nil {
		return false, err
	}
	paused, err := q.client.HExists(ctx, q.keys.Meta, "paused").Result()
	if err != nil {
		return false, fmt.Errorf("pause state of %q: %w", q.name, err)
	}
	return paused, nil
}

// Close detaches the handle. Jobs stay in the store.
func (q *Queue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil
	}
	q.closed = true
	q.onError = nil
	q.onFailed = nil
	return nil
}

// claim moves the next ready job to active. It returns nil when the queue is
// paused or has nothing ready.
func (q *Queue) claim(ctx context.Context) (*Job, error) {
	if err := q.checkOpen(); err != nil {
		return nil, err
	}
	id, err := claimJobScript.Run(ctx, q.client,
		[]string{q.keys.Meta, q.keys.Wait, q.keys.Prioritized, q.keys.Delayed, q.keys.Active, q.keys.Counter},
		q.keys.JobPrefix, q.now().UnixMilli(),
	).Text()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		q.emitError(err)
		return nil, fmt.Errorf("claim from %q: %w", q.name, err)
	}

	job, err := q.GetJob(ctx, id)
	if errors.Is(err, ErrJobNotFound) {
		// The hash is gone; drop the dangling id so it is not claimed again.
		q.log.Warn().Str("job", id).Msg("claimed job has no data, skipping")
		q.client.LRem(ctx, q.keys.Active, -1, id)
		return nil, nil
	}
	return job, err
}

// complete moves an active job to completed, or deletes it when the job asks
// to be removed on completion.
func (q *Queue) complete(ctx context.Context, job *Job, result map[string]any) error {
	value, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("encode result of job %q: %w", job.ID, err)
	}
	now := q.now()
	code, err := completeJobScript.Run(ctx, q.client,
		[]string{q.keys.Active, q.keys.Completed},
		q.keys.job(job.ID), job.ID, value, now.UnixMilli(), boolArg(job.Options.RemoveOnComplete),
	).Int()
	if err != nil {
		q.emitError(err)
		return fmt.Errorf("complete job %q: %w", job.ID, err)
	}
	if code < 0 {
		return fmt.Errorf("complete job %q: %w", job.ID, ErrJobNotFound)
	}
	job.State = StateCompleted
	job.ReturnValue = result
	job.FinishedOn = &now
	return nil
}

// fail records a failed attempt. When retry is true and the job still has
// retries left it is scheduled again after its backoff; otherwise it moves to
// failed. It reports whether the job will be retried.
func (q *Queue) fail(ctx context.Context, job *Job, cause error, retry bool) (bool, error) {
	attempt := job.AttemptsMade + 1
	delay := int64(-1)
	if retry && attempt <= job.Options.Retries {
		delay = job.Options.Backoff.next(attempt).Milliseconds()
	}
	now := q.now()
	code, err := failJobScript.Run(ctx, q.client,
		[]string{q.keys.Active, q.keys.Failed, q.keys.Delayed, q.keys.Wait, q.keys.Prioritized, q.keys.Counter},
		q.keys.job(job.ID), job.ID, cause.Error(), now.UnixMilli(), boolArg(job.Options.RemoveOnFail), delay,
	).Int()
	if err != nil {
		q.emitError(err)
		return false, fmt.Errorf("fail job %q: %w", job.ID, err)
	}
	if code < 0 {
		return false, fmt.Errorf("fail job %q: %w", job.ID, ErrJobNotFound)
	}

	job.AttemptsMade = attempt
	job.FailedReason = cause.Error()
	retried := code == 1
	if retried {
		switch {
		case delay > 0:
			job.State = StateDelayed
		case job.Options.Priority > 0:
			job.State = StatePrioritized
		default:
			job.State = StateWaiting
		}
	} else {
		job.State = StateFailed
		job.FinishedOn = &now
	}
	q.emitFailed(job, cause)
	return retried, nil
}

func boolArg(b bool) string {
	if b {
		return "1"
	}
	return "0"
}
