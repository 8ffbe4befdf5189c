package coord

import (
	"errors"
	"fmt"
)

var (
	// ErrConfig marks invalid or missing configuration. It is fatal at construction time.
	ErrConfig = errors.New("invalid configuration")

	ErrNotInitialized = errors.New("queue manager not initialized")
	ErrClosed         = errors.New("closed")
	ErrQueueNotFound  = errors.New("queue not found")
	ErrJobNotFound    = errors.New("job not found")
	ErrNotFound       = errors.New("not found")
	ErrUnknownTask    = errors.New("unknown task type")

	// ErrLockNotAcquired is a contention signal: the caller decides whether to
	// retry, queue the work instead, or report the resource as busy.
	ErrLockNotAcquired = errors.New("could not acquire lock")

	// ErrLockNotOwned is returned when releasing a lock whose stored value no
	// longer matches the holder's, including a lock that already expired.
	ErrLockNotOwned = errors.New("lock not owned")

	// ErrConnection covers unreachable, unauthenticated or misrouted backing stores.
	ErrConnection = errors.New("backing store connection failed")
)

// ContentionError is returned by Acquire after exhausting its retries.
type ContentionError struct {
	ResourceID string
	Retries    int
}

func (e *ContentionError) Error() string {
	return fmt.Sprintf("could not acquire lock for %q after %d retries", e.ResourceID, e.Retries)
}

func (e *ContentionError) Unwrap() error { return ErrLockNotAcquired }

// ConnectionError is returned when the round-trip probe fails or answers
// with anything other than PONG.
type ConnectionError struct {
	Addr  string
	Reply string
	Err   error
}

func (e *ConnectionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("backing store %s: %v", e.Addr, e.Err)
	}
	return fmt.Sprintf("backing store %s: unexpected probe reply %q", e.Addr, e.Reply)
}

func (e *ConnectionError) Unwrap() []error {
	if e.Err != nil {
		return []error{ErrConnection, e.Err}
	}
	return []error{ErrConnection}
}
