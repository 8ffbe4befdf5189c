package coord

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// TaskFunc runs one job. The returned map becomes the job's return value.
type TaskFunc func(ctx context.Context, job *Job) (map[string]any, error)

// Worker claims jobs from one queue and runs the task registered for their type.
type Worker struct {
	// Unique id of this worker, used in logs.
	id string

	queue *Queue
	log   zerolog.Logger

	concurrency  int
	pollInterval time.Duration
	limiter      *rate.Limiter

	// Optional side effects of processing.
	metadata  MetadataStore
	results   *ResultCache
	resultTTL time.Duration
	mutex     *MutexService
	lockKey   func(*Job) string

	// Task registry: job type to implementation.
	mu    sync.RWMutex
	tasks map[string]TaskFunc
}

// NewWorker creates a worker for q. It does not start processing until Run.
func NewWorker(q *Queue, opt ...Opt) (*Worker, error) {
	if q == nil {
		return nil, fmt.Errorf("%w: worker needs a queue", ErrConfig)
	}
	o, err := applyOpts("worker", opt)
	if err != nil {
		return nil, err
	}
	return &Worker{
		id:           o.workerID,
		queue:        q,
		log:          o.logger.With().Str("worker", o.workerID).Str("queue", q.Name()).Logger(),
		concurrency:  o.concurrency,
		pollInterval: o.pollInterval,
		limiter:      o.limiter,
		metadata:     o.metadata,
		results:      o.results,
		resultTTL:    o.resultTTL,
		mutex:        o.mutex,
		lockKey:      o.lockKey,
		tasks:        make(map[string]TaskFunc),
	}, nil
}

// ID returns the worker id.
func (w *Worker) ID() string {
	return w.id
}

// RegisterTask teaches the worker how to run jobs of jobType. Registering the
// same type again replaces the previous function.
func (w *Worker) RegisterTask(jobType string, task TaskFunc) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.tasks[jobType] = task
	w.log.Debug().Str("type", jobType).Msg("task registered")
}

func (w *Worker) task(jobType string) (TaskFunc, bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	fn, ok := w.tasks[jobType]
	return fn, ok && fn != nil
}

// Run processes jobs with the configured concurrency until ctx is done or the
// queue is closed. Jobs already running are allowed to finish recording
// their outcome.
func (w *Worker) Run(ctx context.Context) error {
	w.log.Info().Int("concurrency", w.concurrency).Msg("worker starting")

	var wg sync.WaitGroup
	for range w.concurrency {
		wg.Add(1)
		go func() {
			defer wg.Done()
			w.loop(ctx)
		}()
	}
	wg.Wait()

	w.log.Info().Msg("worker stopped")
	return nil
}

func (w *Worker) loop(ctx context.Context) {
	for ctx.Err() == nil {
		processed, err := w.ProcessNext(ctx)
		switch {
		case ctx.Err() != nil:
			return
		case errors.Is(err, ErrClosed):
			w.log.Info().Msg("queue closed, worker loop exiting")
			return
		case err != nil:
			w.log.Error().Err(err).Msg("processing failed")
		}
		if processed && err == nil {
			continue
		}
		if sleepContext(ctx, w.pollInterval) != nil {
			return
		}
	}
}

// ProcessNext claims and runs at most one job. It reports whether a job was
// claimed; false with a nil error means nothing was ready or the queue is paused.
func (w *Worker) ProcessNext(ctx context.Context) (bool, error) {
	if w.limiter != nil {
		if err := w.limiter.Wait(ctx); err != nil {
			return false, err
		}
	}
	job, err := w.queue.claim(ctx)
	if err != nil || job == nil {
		return false, err
	}
	return true, w.process(ctx, job)
}

func (w *Worker) process(ctx context.Context, job *Job) error {
	log := w.log.With().Str("job", job.ID).Str("type", job.Type).Int("attempt", job.AttemptsMade+1).Logger()
	log.Debug().Msg("job picked up")

	startedAt := time.Now()
	if job.ProcessedOn != nil {
		startedAt = *job.ProcessedOn
	}
	w.updateMetadata(ctx, job, markActive(startedAt))

	task, ok := w.task(job.Type)
	if !ok {
		log.Error().Msg("no task registered for job type")
		return w.finish(ctx, job, nil, fmt.Errorf("%w: %q", ErrUnknownTask, job.Type), false)
	}

	result, err := w.run(ctx, task, job)
	if err != nil {
		log.Warn().Err(err).Msg("job attempt failed")
		return w.finish(ctx, job, nil, err, true)
	}
	log.Debug().Dur("took", time.Since(startedAt)).Msg("job completed")
	return w.finish(ctx, job, result, nil, false)
}

// run calls task, holding the job's resource lock when one is configured.
func (w *Worker) run(ctx context.Context, task TaskFunc, job *Job) (map[string]any, error) {
	if w.mutex == nil {
		return w.call(ctx, task, job)
	}
	resource := w.lockKey(job)
	if resource == "" {
		return w.call(ctx, task, job)
	}

	var (
		result  map[string]any
		taskErr error
	)
	err := w.mutex.WithLock(ctx, resource, func(ctx context.Context) error {
		result, taskErr = w.call(ctx, task, job)
		return taskErr
	})
	if taskErr == nil && errors.Is(err, ErrLockNotOwned) {
		// The lock expired while the task ran; the work itself succeeded.
		w.log.Warn().Str("job", job.ID).Str("resource", resource).Msg("resource lock expired before release")
		return result, nil
	}
	return result, err
}

// call runs task and turns a panic into an error for that job.
func (w *Worker) call(ctx context.Context, task TaskFunc, job *Job) (result map[string]any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task %q panicked: %v", job.Type, r)
		}
	}()
	return task(ctx, job)
}

// finish records the outcome in the queue, then in the metadata store and the
// result cache. Only the queue write is returned as an error; the other two
// are derived records and are logged.
func (w *Worker) finish(ctx context.Context, job *Job, result map[string]any, cause error, retry bool) error {
	// A cancelled run context must not leave the job stranded in active.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()

	retried := false
	if cause == nil {
		if err := w.queue.complete(ctx, job, result); err != nil {
			return err
		}
	} else {
		var err error
		if retried, err = w.queue.fail(ctx, job, cause, retry); err != nil {
			return err
		}
	}

	w.updateMetadata(ctx, job, markFinished(job, cause, retried))
	if !retried {
		w.cacheResult(ctx, job)
	}
	return nil
}

func (w *Worker) updateMetadata(ctx context.Context, job *Job, fn func(*JobMetadata) error) {
	if w.metadata == nil {
		return
	}
	_, err := w.metadata.Update(ctx, job.ID, fn)
	switch {
	case errors.Is(err, ErrNotFound):
		w.log.Debug().Str("job", job.ID).Msg("no metadata record for job")
	case err != nil:
		w.log.Warn().Err(err).Str("job", job.ID).Msg("could not update job metadata")
	}
}

func (w *Worker) cacheResult(ctx context.Context, job *Job) {
	if w.results == nil {
		return
	}
	if err := w.results.Set(ctx, job.ID, resultFromJob(job), w.resultTTL); err != nil {
		w.log.Warn().Err(err).Str("job", job.ID).Msg("could not cache job result")
	}
}
