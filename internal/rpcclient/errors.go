package rpcclient

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Outcome classifies the result of one Do attempt so the caller's retry
// loop can decide whether to keep trying, give up immediately, or treat
// the exchange as a success.
type Outcome int

const (
	// OutcomeOK means the RPC succeeded (2xx); the caller should
	// process the response body.
	OutcomeOK Outcome = iota
	// OutcomeTransient means the failure is worth retrying with
	// backoff: network errors, 5xx responses, or a context deadline
	// shorter than the long-poll's own maxWait.
	OutcomeTransient
	// OutcomeFatal means the failure is not retryable at all: the
	// client has been Close()'d. The caller should fail the task with
	// REMOTE_TASK_ERROR immediately, without waiting for
	// maxErrorDuration to elapse.
	OutcomeFatal
)

// Classify inspects the result of one Do call and decides whether it
// was transient, fatal, or a success whose body the caller can decode.
func Classify(resp *Response, err error, at time.Time) (Outcome, error) {
	if err != nil {
		if errors.Is(err, ErrClientClosed) {
			return OutcomeFatal, err
		}
		if errors.Is(err, context.Canceled) {
			// Cancellation is caused by the handle going terminal or
			// the caller giving up; it is never itself a failure to
			// surface, the caller's own terminal check takes over.
			return OutcomeTransient, err
		}
		return OutcomeTransient, err
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return OutcomeOK, nil
	}
	if resp.StatusCode >= 500 {
		return OutcomeTransient, &StatusError{StatusCode: resp.StatusCode, At: at}
	}
	// 4xx other than what the worker contract defines is unexpected but
	// still treated as transient: a worker that is temporarily
	// misconfigured should age out via maxErrorDuration like any other
	// unreachable worker, not be declared fatal on the first bad reply.
	return OutcomeTransient, &StatusError{StatusCode: resp.StatusCode, At: at}
}

// StatusError wraps a non-2xx HTTP status code as an error value, so a
// failed RPC carries its status code, cause, and timestamp as plain
// data rather than only a formatted message.
type StatusError struct {
	StatusCode int
	At         time.Time
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("rpcclient: unexpected status code %d", e.StatusCode)
}
