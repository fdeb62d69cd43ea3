// Package infofetcher implements the periodic/long-poll loop that pulls
// the full TaskInfo from the worker: heavier bookkeeping than
// TaskStatus, and the source of the final reconciliation fetch once the
// handle reaches terminal.
package infofetcher

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

const (
	minBackoff = 100 * time.Millisecond
	maxBackoff = 5 * time.Second
)

// Handle is the slice of TaskHandle this loop depends on.
type Handle interface {
	TaskID() task.ID
	WorkerBaseURI() string
	CurrentState() task.State
	ApplyInfo(task.Info) bool
	FailWithCode(task.ErrorCode, error)
	FailureCode() (task.ErrorCode, bool)
	Done() <-chan struct{}
}

// Run executes the info long-poll loop until h is terminal, then
// performs one final fetch to capture the worker's terminal TaskInfo,
// unless the terminal cause was REMOTE_TASK_ERROR, in which case the
// worker is demonstrably unreachable and the handle's locally
// synthesized terminal info is kept instead.
//
// ctx is expected to be derived from a per-loop context.WithCancel that
// the caller cancels the instant h goes terminal, aborting an in-flight
// long poll immediately instead of waiting out maxWait; that
// cancellation is never itself treated as a transient failure, it just
// ends the loop early. finalCtx is a separate, longer-lived context used
// only for the one final fetch below, since by the time that call is
// made ctx has typically already been canceled.
func Run(
	ctx, finalCtx context.Context,
	h Handle,
	client rpcclient.Client,
	preferred, fallback codec.Codec,
	clk clock.Clock,
	infoUpdateInterval, taskInfoRefreshMaxWait, maxErrorDuration time.Duration,
	trace *tracelog.Log,
	log *slog.Logger,
) {
	uri := h.WorkerBaseURI() + "/" + h.TaskID().String()
	var window *retry.Window

loop:
	for {
		select {
		case <-h.Done():
			break loop
		case <-ctx.Done():
			break loop
		default:
		}

		attemptStart := clk.Now()
		info, outcome, err := fetchInfo(ctx, client, preferred, fallback, uri, h.CurrentState(), taskInfoRefreshMaxWait, trace)

		switch outcome {
		case rpcclient.OutcomeOK:
			window = nil
			if h.ApplyInfo(info) {
				break loop
			}
		case rpcclient.OutcomeFatal:
			h.FailWithCode(task.ErrRemote, err)
			return
		case rpcclient.OutcomeTransient:
			if ctx.Err() != nil {
				break loop
			}
			if window == nil {
				window = retry.NewWindow(ctx, clk, minBackoff, maxBackoff, maxErrorDuration)
			}
			window.RecordAttempt()
			if window.Exhausted() || !window.Ongoing() {
				h.FailWithCode(task.ErrRemote, err)
				return
			}
			log.Warn("info fetch transient failure, retrying", "taskId", h.TaskID().String(), "attempt", window.NumRetries(), "error", err)
			if waitErr := window.Wait(ctx); waitErr != nil {
				break loop
			}
			continue loop
		}

		if spacing := infoUpdateInterval - clk.Now().Sub(attemptStart); spacing > 0 {
			timer := clk.NewTimer(spacing)
			select {
			case <-timer.C():
			case <-h.Done():
				timer.Stop()
				break loop
			case <-ctx.Done():
				timer.Stop()
				break loop
			}
		}
	}

	if code, ok := h.FailureCode(); ok && code == task.ErrRemote {
		return
	}

	info, outcome, err := fetchInfo(finalCtx, client, preferred, fallback, uri, h.CurrentState(), taskInfoRefreshMaxWait, trace)
	if outcome == rpcclient.OutcomeOK {
		h.ApplyInfo(info)
	} else {
		log.Warn("final info fetch failed", "taskId", h.TaskID().String(), "error", err)
	}
}

func fetchInfo(
	ctx context.Context,
	client rpcclient.Client,
	preferred, fallback codec.Codec,
	uri string,
	currentState task.State,
	maxWait time.Duration,
	trace *tracelog.Log,
) (task.Info, rpcclient.Outcome, error) {
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
		return task.Info{}, outcome, classifyErr
	}

	c := codec.ByContentType(resp.Headers["Content-Type"], preferred, fallback)
	if c == nil {
		c = preferred
	}
	info, decodeErr := c.DecodeInfo(resp.Body)
	if decodeErr != nil {
		return task.Info{}, rpcclient.OutcomeTransient, decodeErr
	}
	return info, rpcclient.OutcomeOK, nil
}
