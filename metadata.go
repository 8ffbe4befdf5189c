package coord

import (
	"context"
	"time"
)

// MetadataStore persists JobMetadata records next to the queue. It is the
// authoritative "database" source for ResultRetriever.
type MetadataStore interface {
	// Save inserts or replaces a record after validating it.
	Save(ctx context.Context, meta *JobMetadata) error

	// Get returns the record for id, or ErrNotFound.
	Get(ctx context.Context, id string) (*JobMetadata, error)

	// Update applies fn to the stored record atomically and saves the result.
	// It returns ErrNotFound when no record exists.
	Update(ctx context.Context, id string, fn func(*JobMetadata) error) (*JobMetadata, error)

	Close() error
}

// markActive records that an attempt started.
func markActive(startedAt time.Time) func(*JobMetadata) error {
	return func(m *JobMetadata) error {
		m.Status = StatusActive
		m.StartedAt = &startedAt
		m.CompletedAt = nil
		return nil
	}
}

// markFinished records the outcome of the job's latest attempt.
func markFinished(job *Job, cause error, retried bool) func(*JobMetadata) error {
	return func(m *JobMetadata) error {
		m.RetryCount = min(job.AttemptsMade, m.MaxRetries)
		switch {
		case cause == nil:
			m.Status = StatusCompleted
			m.Result = job.ReturnValue
			m.Error = ""
		case retried:
			m.Status = StatusPending
			m.Error = cause.Error()
		default:
			m.Status = StatusFailed
			m.Error = cause.Error()
		}
		if m.Status.Terminal() {
			finished := time.Now()
			if job.FinishedOn != nil {
				finished = *job.FinishedOn
			}
			m.CompletedAt = &finished
		} else {
			m.CompletedAt = nil
		}
		return nil
	}
}
