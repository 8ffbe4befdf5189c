package coord

import (
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
)

////////////////////////////////////////////////////////////////////////////////
// TYPES

// Opt is a functional option shared by the manager, mutex service, result
// cache and worker constructors. Options that do not apply to a component are
// ignored by it.
type Opt func(*opts) error

type opts struct {
	logger    zerolog.Logger
	metadata  MetadataStore
	lock      LockOptions
	scanCount int64

	// Worker
	workerID     string
	concurrency  int
	pollInterval time.Duration
	limiter      *rate.Limiter
	results      *ResultCache
	resultTTL    time.Duration
	mutex        *MutexService
	lockKey      func(*Job) string
}

// JobOpt configures a single AddJob call.
type JobOpt func(*JobOptions)

// LockOpt configures a single Acquire call.
type LockOpt func(*LockOptions)

// LockOptions bounds lock lifetime and the acquisition retry loop.
type LockOptions struct {
	Timeout    time.Duration `json:"timeout"`
	RetryDelay time.Duration `json:"retryDelay"`
	MaxRetries int           `json:"maxRetries"`
}

////////////////////////////////////////////////////////////////////////////////
// DEFAULTS

const (
	DefaultLockTimeout    = 5 * time.Minute
	DefaultLockRetryDelay = 100 * time.Millisecond
	DefaultLockMaxRetries = 50

	defaultScanCount    = 100
	defaultPollInterval = time.Second
)

// DefaultLockOptions returns the lock policy used when nothing else is set.
func DefaultLockOptions() LockOptions {
	return LockOptions{
		Timeout:    DefaultLockTimeout,
		RetryDelay: DefaultLockRetryDelay,
		MaxRetries: DefaultLockMaxRetries,
	}
}

func (o LockOptions) validate() error {
	if o.Timeout < time.Millisecond {
		return fmt.Errorf("%w: lock timeout must be >= 1ms", ErrConfig)
	}
	if o.RetryDelay < 0 {
		return fmt.Errorf("%w: lock retry delay must not be negative", ErrConfig)
	}
	if o.MaxRetries < 0 {
		return fmt.Errorf("%w: lock max retries must not be negative", ErrConfig)
	}
	return nil
}

////////////////////////////////////////////////////////////////////////////////
// OPTIONS

// WithLogger sets the logger. Components add their own "component" field.
func WithLogger(l zerolog.Logger) Opt {
	return func(o *opts) error {
		o.logger = l
		return nil
	}
}

// WithMetadataStore records JobMetadata for every job added or processed.
func WithMetadataStore(store MetadataStore) Opt {
	return func(o *opts) error {
		o.metadata = store
		return nil
	}
}

// WithLockDefaults sets the mutex service's default lock policy.
func WithLockDefaults(lock LockOptions) Opt {
	return func(o *opts) error {
		if err := lock.validate(); err != nil {
			return err
		}
		o.lock = lock
		return nil
	}
}

// WithScanCount sets the COUNT hint used for cursor-based key enumeration.
func WithScanCount(n int64) Opt {
	return func(o *opts) error {
		if n < 1 {
			return fmt.Errorf("%w: scan count must be >= 1", ErrConfig)
		}
		o.scanCount = n
		return nil
	}
}

// WithWorkerID overrides the generated worker id.
func WithWorkerID(id string) Opt {
	return func(o *opts) error {
		o.workerID = id
		return nil
	}
}

// WithConcurrency sets how many jobs a worker processes at once.
func WithConcurrency(n int) Opt {
	return func(o *opts) error {
		if n < 1 {
			return fmt.Errorf("%w: concurrency must be >= 1", ErrConfig)
		}
		o.concurrency = n
		return nil
	}
}

// WithPollInterval sets how long an idle worker waits before claiming again.
func WithPollInterval(d time.Duration) Opt {
	return func(o *opts) error {
		if d < time.Millisecond {
			return fmt.Errorf("%w: poll interval must be >= 1ms", ErrConfig)
		}
		o.pollInterval = d
		return nil
	}
}

// WithRateLimit caps how many jobs per second a worker claims.
func WithRateLimit(limit rate.Limit, burst int) Opt {
	return func(o *opts) error {
		if limit <= 0 || burst < 1 {
			return fmt.Errorf("%w: rate limit and burst must be positive", ErrConfig)
		}
		o.limiter = rate.NewLimiter(limit, burst)
		return nil
	}
}

// WithResultCache stores every finished job's result, keyed by job id.
// A zero ttl stores results without expiry.
func WithResultCache(cache *ResultCache, ttl time.Duration) Opt {
	return func(o *opts) error {
		if ttl < 0 {
			return fmt.Errorf("%w: result ttl must not be negative", ErrConfig)
		}
		o.results = cache
		o.resultTTL = ttl
		return nil
	}
}

// WithResourceLock holds the lock named by key(job) while the job runs.
// Jobs for which key returns "" run unlocked.
func WithResourceLock(mutex *MutexService, key func(*Job) string) Opt {
	return func(o *opts) error {
		if mutex == nil || key == nil {
			return fmt.Errorf("%w: resource lock needs a mutex service and a key function", ErrConfig)
		}
		o.mutex = mutex
		o.lockKey = key
		return nil
	}
}

// WithPriority sets the job priority, 1 (most urgent) to MaxPriority.
func WithPriority(priority int) JobOpt {
	return func(o *JobOptions) { o.Priority = priority }
}

// WithDelay keeps the job delayed for d before it becomes eligible.
func WithDelay(d time.Duration) JobOpt {
	return func(o *JobOptions) { o.Delay = d }
}

// WithRetries allows n retries after the first failed attempt.
func WithRetries(n int) JobOpt {
	return func(o *JobOptions) { o.Retries = n }
}

// WithBackoff sets the delay policy between retries.
func WithBackoff(kind BackoffType, delay time.Duration) JobOpt {
	return func(o *JobOptions) { o.Backoff = Backoff{Type: kind, Delay: delay} }
}

// WithJobID sets a custom job id. Adding a job whose id exists returns the existing job.
func WithJobID(id string) JobOpt {
	return func(o *JobOptions) { o.JobID = id }
}

// WithRemoveOnComplete deletes the job as soon as it completes.
func WithRemoveOnComplete() JobOpt {
	return func(o *JobOptions) { o.RemoveOnComplete = true }
}

// WithRemoveOnFail deletes the job once it has failed for good.
func WithRemoveOnFail() JobOpt {
	return func(o *JobOptions) { o.RemoveOnFail = true }
}

// WithLockTimeout sets the lock TTL.
func WithLockTimeout(d time.Duration) LockOpt {
	return func(o *LockOptions) { o.Timeout = d }
}

// WithRetryDelay sets the wait between acquisition attempts.
func WithRetryDelay(d time.Duration) LockOpt {
	return func(o *LockOptions) { o.RetryDelay = d }
}

// WithMaxRetries sets how many times acquisition is retried. Zero means a
// single attempt.
func WithMaxRetries(n int) LockOpt {
	return func(o *LockOptions) { o.MaxRetries = n }
}

////////////////////////////////////////////////////////////////////////////////
// PRIVATE METHODS

func applyOpts(component string, opt []Opt) (opts, error) {
	o := opts{
		logger:       log.Logger,
		lock:         DefaultLockOptions(),
		scanCount:    defaultScanCount,
		workerID:     generateUUID(),
		concurrency:  1,
		pollInterval: defaultPollInterval,
	}
	for _, fn := range opt {
		if err := fn(&o); err != nil {
			return opts{}, err
		}
	}
	o.logger = o.logger.With().Str("component", component).Logger()
	return o, nil
}

func applyJobOpts(opt []JobOpt) JobOptions {
	var o JobOptions
	for _, fn := range opt {
		fn(&o)
	}
	return o
}

func applyLockOpts(defaults LockOptions, opt []LockOpt) (LockOptions, error) {
	o := defaults
	for _, fn := range opt {
		fn(&o)
	}
	return o, o.validate()
}
