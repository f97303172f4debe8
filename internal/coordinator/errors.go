package coordinator

import (
	"errors"
	"fmt"
	"time"
)

// ErrConfiguration is returned by Run before any task is published when the
// job is missing a function or has an invalid task count.
var ErrConfiguration = errors.New("invalid job configuration")

// TaskTimeoutError reports a result that did not arrive within the take timeout.
type TaskTimeoutError struct {
	Phase   string
	TaskID  int
	Timeout time.Duration
}

func (e *TaskTimeoutError) Error() string {
	return fmt.Sprintf("%s task %d: no result within %s", e.Phase, e.TaskID, e.Timeout)
}

// TaskFailedError reports a worker-side failure published in place of a result.
// The failed run's remaining tuples are purged from the queue before Run
// returns it, as they are for a timeout or cancellation.
type TaskFailedError struct {
	Phase   string
	TaskID  int
	Message string
}

func (e *TaskFailedError) Error() string {
	return fmt.Sprintf("%s task %d failed: %s", e.Phase, e.TaskID, e.Message)
}
