package coord

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// JobState is where a job currently sits inside its queue.
type JobState string

const (
	StateWaiting     JobState = "waiting"     // In the FIFO list, ready to be claimed.
	StatePrioritized JobState = "prioritized" // Ready, ordered by priority behind unprioritized jobs.
	StateDelayed     JobState = "delayed"     // Not eligible until its delay (or retry backoff) elapses.
	StateActive      JobState = "active"      // Claimed by a worker.
	StateCompleted   JobState = "completed"   // Finished successfully.
	StateFailed      JobState = "failed"      // Failed after all retry attempts.
)

// MaxPriority is the largest accepted job priority. Lower values are more urgent;
// zero means the job has no priority and is served before prioritized jobs.
const MaxPriority = 2097152

// BackoffType selects how the delay between retry attempts grows.
type BackoffType string

const (
	BackoffFixed       BackoffType = "fixed"
	BackoffExponential BackoffType = "exponential"
)

// Backoff describes the delay applied before a failed job is retried.
type Backoff struct {
	Type  BackoffType   `json:"type"`
	Delay time.Duration `json:"delay"`
}

// MaxBackoff caps the growth of exponential backoff. A fixed or initial delay
// above it is used as is.
const MaxBackoff = 24 * time.Hour

// next returns the delay before the given attempt (1-based) is retried.
func (b Backoff) next(attempt int) time.Duration {
	if b.Delay <= 0 || attempt < 1 {
		return 0
	}
	if b.Type != BackoffExponential {
		return b.Delay
	}
	limit := max(b.Delay, MaxBackoff)
	shift := attempt - 1
	if shift >= 62 || b.Delay > limit>>shift {
		return limit
	}
	return b.Delay << shift
}

func (b Backoff) validate() error {
	switch b.Type {
	case "", BackoffFixed, BackoffExponential:
	default:
		return fmt.Errorf("%w: unknown backoff type %q", ErrConfig, b.Type)
	}
	if b.Delay < 0 {
		return fmt.Errorf("%w: backoff delay must not be negative", ErrConfig)
	}
	return nil
}

// JobOptions holds per-job scheduling and retry settings.
type JobOptions struct {
	JobID            string        `json:"jobId,omitempty"`
	Priority         int           `json:"priority,omitempty"`
	Delay            time.Duration `json:"delay,omitempty"`
	Retries          int           `json:"retries,omitempty"`
	Backoff          Backoff       `json:"backoff,omitempty"`
	RemoveOnComplete bool          `json:"removeOnComplete,omitempty"`
	RemoveOnFail     bool          `json:"removeOnFail,omitempty"`
}

func (o JobOptions) validate() error {
	if o.Priority < 0 || o.Priority > MaxPriority {
		return fmt.Errorf("%w: priority must be between 0 and %d", ErrConfig, MaxPriority)
	}
	if o.Delay < 0 {
		return fmt.Errorf("%w: delay must not be negative", ErrConfig)
	}
	if o.Retries < 0 {
		return fmt.Errorf("%w: retries must not be negative", ErrConfig)
	}
	return o.Backoff.validate()
}

// Job is one unit of opaque work held by a queue.
type Job struct {
	ID      string         `json:"id"`
	Queue   string         `json:"queue"`
	Type    string         `json:"type"`
	Payload map[string]any `json:"payload"`
	Options JobOptions     `json:"options"`

	State        JobState       `json:"state"`
	AttemptsMade int            `json:"attemptsMade"`
	FailedReason string         `json:"failedReason,omitempty"`
	ReturnValue  map[string]any `json:"returnValue,omitempty"`

	CreatedAt   time.Time  `json:"createdAt"`
	ProcessedOn *time.Time `json:"processedOn,omitempty"`
	FinishedOn  *time.Time `json:"finishedOn,omitempty"`
}

// JobStatus is the state recorded in the persisted JobMetadata record.
type JobStatus string

const (
	StatusPending   JobStatus = "pending"
	StatusActive    JobStatus = "active"
	StatusCompleted JobStatus = "completed"
	StatusFailed    JobStatus = "failed"
)

// Terminal reports whether no further transitions are expected.
func (s JobStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// JobMetadata is the optional persisted record kept next to a job.
type JobMetadata struct {
	ID      string         `json:"id"`
	Queue   string         `json:"queue"`
	Type    string         `json:"type"`
	Status  JobStatus      `json:"status"`
	AgentID string         `json:"agentId,omitempty"`
	UserID  string         `json:"userId,omitempty"`
	Payload map[string]any `json:"payload,omitempty"`
	Result  map[string]any `json:"result,omitempty"`
	Error   string         `json:"error,omitempty"`

	CreatedAt   time.Time  `json:"createdAt"`
	StartedAt   *time.Time `json:"startedAt,omitempty"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`

	RetryCount int `json:"retryCount"`
	MaxRetries int `json:"maxRetries"`
}

// Validate checks the record invariants.
func (m *JobMetadata) Validate() error {
	if m.ID == "" {
		return fmt.Errorf("%w: job metadata without id", ErrConfig)
	}
	switch m.Status {
	case StatusPending, StatusActive, StatusCompleted, StatusFailed:
	default:
		return fmt.Errorf("%w: unknown job status %q", ErrConfig, m.Status)
	}
	if m.RetryCount < 0 || m.RetryCount > m.MaxRetries {
		return fmt.Errorf("%w: retry count %d outside [0, %d]", ErrConfig, m.RetryCount, m.MaxRetries)
	}
	if m.CompletedAt != nil && !m.Status.Terminal() {
		return fmt.Errorf("%w: completedAt set on %s job", ErrConfig, m.Status)
	}
	return nil
}

// newJobMetadata builds the pending record for a freshly enqueued job.
// Agent and user ids are lifted from the payload when present.
func newJobMetadata(job *Job) *JobMetadata {
	meta := &JobMetadata{
		ID:         job.ID,
		Queue:      job.Queue,
		Type:       job.Type,
		Status:     StatusPending,
		Payload:    job.Payload,
		CreatedAt:  job.CreatedAt,
		MaxRetries: job.Options.Retries,
	}
	if v, ok := job.Payload["agentId"].(string); ok {
		meta.AgentID = v
	}
	if v, ok := job.Payload["userId"].(string); ok {
		meta.UserID = v
	}
	return meta
}

// ResultStatus is the state reported to result consumers.
type ResultStatus string

const (
	ResultCompleted  ResultStatus = "completed"
	ResultFailed     ResultStatus = "failed"
	ResultProcessing ResultStatus = "processing"
	ResultNotFound   ResultStatus = "not_found"
)

// ResultSource records where a JobRetrievalResult was resolved from.
type ResultSource string

const (
	SourceCache       ResultSource = "cache"
	SourceDatabase    ResultSource = "database"
	SourceQueue       ResultSource = "queue"
	SourceRegenerated ResultSource = "regenerated"
)

// JobRetrievalResult is the value held by the result cache.
type JobRetrievalResult struct {
	JobID       string         `json:"jobId"`
	AgentID     string         `json:"agentId,omitempty"`
	UserID      string         `json:"userId"`
	Status      ResultStatus   `json:"status"`
	Data        map[string]any `json:"data,omitempty"`
	Error       string         `json:"error,omitempty"`
	CreatedAt   time.Time      `json:"createdAt"`
	CompletedAt *time.Time     `json:"completedAt,omitempty"`
	Source      ResultSource   `json:"source"`
	Regenerated bool           `json:"regenerated,omitempty"`
}

// QueueMetrics is a point-in-time count of a queue's job buckets.
type QueueMetrics struct {
	Queue     string `json:"queueName" yaml:"queueName"`
	Waiting   int64  `json:"waiting" yaml:"waiting"`
	Active    int64  `json:"active" yaml:"active"`
	Completed int64  `json:"completed" yaml:"completed"`
	Failed    int64  `json:"failed" yaml:"failed"`
	Delayed   int64  `json:"delayed" yaml:"delayed"`
}

func generateUUID() string {
	return uuid.New().String()
}
