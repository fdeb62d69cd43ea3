// Package statusfetcher implements the long-poll loop that pulls
// TaskStatus from the worker and drives version/instance checks and
// state-machine transitions through the handle's update-application
// rule.
package statusfetcher

import (
	"context"
	"log/slog"
	"time"

	"github.com/ChuLiYu/remotetask/internal/clock"
	"github.com/ChuLiYu/remotetask/internal/codec"
	"github.com/ChuLiYu/remotetask/internal/retry"
	"github.com/ChuLiYu/remotetask/internal/rpcclient"
	"github.com/ChuLiYu/remotetask/internal/tracelog"
	"github.com/ChuLiYu/remotetask/pkg/task"
)

// minBackoff/maxBackoff bound the exponential backoff between transient
// failures, independent of the wall-clock maxErrorDuration cap.
const (
	minBackoff = 100 * time.Millisecond
	maxBackoff = 5 * time.Second
)

// Handle is the slice of TaskHandle this loop depends on. Defined here,
// not in taskhandle, so this package never imports taskhandle; the
// dependency runs the other way (taskhandle.Start launches this loop).
type Handle interface {
	TaskID() task.ID
	WorkerBaseURI() string
	CurrentState() task.State
	ApplyStatus(task.Status) bool
	FailWithCode(task.ErrorCode, error)
	Done() <-chan struct{}
}

// Run executes the status long-poll loop until h is terminal or ctx is
// canceled. ctx is expected to be derived from a per-loop
// context.WithCancel that the caller cancels the moment h goes
// terminal, so an in-flight long poll is aborted immediately rather
// than waiting out maxWait; that cancellation is not itself treated as
// a transient failure to retry. Run issues GET
// {workerBaseURI}/{taskId}/status with X-Presto-Current-State and
// X-Presto-Max-Wait, applying every successful reply through
// h.ApplyStatus and retrying transient failures with bounded
// exponential backoff.
func Run(
	ctx context.Context,
	h Handle,
	client rpcclient.Client,
	preferred, fallback codec.Codec,
	clk clock.Clock,
	maxWait, maxErrorDuration time.Duration,
	trace *tracelog.Log,
	log *slog.Logger,
) {
	uri := h.WorkerBaseURI() + "/" + h.TaskID().String() + "/status"
	var window *retry.Window

	for {
		select {
		case <-h.Done():
			return
		case <-ctx.Done():
			return
		default:
		}

		status, outcome, err := fetchStatus(ctx, client, preferred, fallback, uri, h.CurrentState(), maxWait, trace)

		switch outcome {
		case rpcclient.OutcomeOK:
			window = nil
			if h.ApplyStatus(status) {
				return
			}
			continue
		case rpcclient.OutcomeFatal:
			h.FailWithCode(task.ErrRemote, err)
			return
		case rpcclient.OutcomeTransient:
			if ctx.Err() != nil {
				// ctx was canceled because the handle went terminal,
				// not because the worker actually failed the request;
				// the loop exits without counting it as a failure.
				return
			}
			if window == nil {
				window = retry.NewWindow(ctx, clk, minBackoff, maxBackoff, maxErrorDuration)
			}
			window.RecordAttempt()
			if window.Exhausted() || !window.Ongoing() {
				h.FailWithCode(task.ErrRemote, err)
				return
			}
			log.Warn("status fetch transient failure, retrying", "taskId", h.TaskID().String(), "attempt", window.NumRetries(), "error", err)
			if waitErr := window.Wait(ctx); waitErr != nil {
				return
			}
		}
	}
}

func fetchStatus(
	ctx context.Context,
	client rpcclient.Client,
	preferred, fallback codec.Codec,
	uri string,
	currentState task.State,
	maxWait time.Duration,
	trace *tracelog.Log,
) (task.Status, rpcclient.Outcome, error) {
	req := rpcclient.Request{
		Method: "GET",
		URI:    uri,
		Headers: map[string]string{
			"X-Presto-Current-State": currentState.String(),
			"X-Presto-Max-Wait":      maxWait.String(),
			"Accept":                 codec.AcceptHeader(preferred, fallback),
		},
	}

	start := time.Now()
	resp, err := client.Do(ctx, req)
	duration := time.Since(start)

	at := time.Now()
	if resp != nil {
		trace.Append("GET", uri, resp.StatusCode, err, duration, resp.Body, at)
	} else {
		trace.Append("GET", uri, 0, err, duration, nil, at)
	}

	outcome, classifyErr := rpcclient.Classify(resp, err, at)
	if outcome != rpcclient.OutcomeOK {
		return task.Status{}, outcome, classifyErr
	}

	c := codec.ByContentType(resp.Headers["Content-Type"], preferred, fallback)
	if c == nil {
		c = preferred
	}
	status, decodeErr := c.DecodeStatus(resp.Body)
	if decodeErr != nil {
		return task.Status{}, rpcclient.OutcomeTransient, decodeErr
	}
	return status, rpcclient.OutcomeOK, nil
}
