// Package updatesender implements the single-in-flight loop that
// publishes locally accumulated intent (new splits, no-more-splits
// markers, output buffers) to the worker as TaskUpdateRequest messages,
// and the terminating DELETE once the handle reaches terminal.
package updatesender

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
	// idlePoll is how often the sender re-checks for newly dirty intent
	// while nothing is outstanding. It is not a network request.
	idlePoll = 50 * time.Millisecond
)

// Handle is the slice of TaskHandle this loop depends on.
type Handle interface {
	TaskID() task.ID
	WorkerBaseURI() string
	Done() <-chan struct{}
	ApplyInfo(task.Info) bool
	FailWithCode(task.ErrorCode, error)
	Snapshot() (task.UpdateRequest, uint64)
	PendingCount() uint64
	TerminationIntent() (requested bool, abort bool)
	DeleteSent() bool
	MarkDeleteSent()
}

// Run executes the update-send loop until h is terminal, at which point
// it dispatches the one final DELETE owed to the worker (if Cancel or
// Abort was ever requested), preceded by one POST of any splits or
// no-more-splits markers still staged, and exits.
//
// ctx is expected to be derived from a per-loop context.WithCancel that
// the caller cancels the instant h goes terminal; finalCtx is a
// separate, longer-lived context used only for the final DELETE, since
// by the time it is owed ctx has typically already been canceled.
func Run(
	ctx, finalCtx context.Context,
	h Handle,
	client rpcclient.Client,
	preferred, fallback codec.Codec,
	clk clock.Clock,
	maxErrorDuration time.Duration,
	trace *tracelog.Log,
	log *slog.Logger,
) {
	uri := h.WorkerBaseURI() + "/" + h.TaskID().String()
	var sentCount uint64

	for {
		select {
		case <-h.Done():
			sendFinalDelete(finalCtx, h, client, preferred, fallback, clk, maxErrorDuration, uri, trace, log)
			return
		case <-ctx.Done():
			sendFinalDelete(finalCtx, h, client, preferred, fallback, clk, maxErrorDuration, uri, trace, log)
			return
		default:
		}

		if h.PendingCount() <= sentCount {
			timer := clk.NewTimer(idlePoll)
			select {
			case <-timer.C():
			case <-h.Done():
				timer.Stop()
				sendFinalDelete(finalCtx, h, client, preferred, fallback, clk, maxErrorDuration, uri, trace, log)
				return
			case <-ctx.Done():
				timer.Stop()
				sendFinalDelete(finalCtx, h, client, preferred, fallback, clk, maxErrorDuration, uri, trace, log)
				return
			}
			continue
		}

		req, count := h.Snapshot()
		if sendUpdateUntilDelivered(ctx, finalCtx, h, client, preferred, fallback, clk, maxErrorDuration, uri, req, trace, log) {
			return
		}
		sentCount = count
	}
}

// sendUpdateUntilDelivered POSTs req, retrying the very same request on
// a transient failure with backoff until it is accepted, the handle
// reaches terminal, or maxErrorDuration elapses. It never re-derives
// req from h.Snapshot(), so a batch already drained out of local intent
// is never dropped on a retry. It reports whether Run should stop
// altogether (a fatal classification, backoff exhaustion, or the handle
// reaching terminal; in the last case the owed final delete has already
// been dispatched here).
func sendUpdateUntilDelivered(
	ctx, finalCtx context.Context,
	h Handle,
	client rpcclient.Client,
	preferred, fallback codec.Codec,
	clk clock.Clock,
	maxErrorDuration time.Duration,
	uri string,
	req task.UpdateRequest,
	trace *tracelog.Log,
	log *slog.Logger,
) bool {
	var window *retry.Window
	for {
		info, outcome, err := postUpdate(ctx, client, preferred, fallback, uri, req, trace)

		switch outcome {
		case rpcclient.OutcomeOK:
			if h.ApplyInfo(info) {
				sendFinalDelete(finalCtx, h, client, preferred, fallback, clk, maxErrorDuration, uri, trace, log)
				return true
			}
			return false
		case rpcclient.OutcomeFatal:
			h.FailWithCode(task.ErrRemote, err)
			return true
		case rpcclient.OutcomeTransient:
			if ctx.Err() != nil {
				// The handle went terminal while this send was in
				// flight; the cancellation is expected, not a failure
				// to retry. req itself is not re-sent; sendFinalDelete
				// flushes any intent staged since, then sends the DELETE.
				sendFinalDelete(finalCtx, h, client, preferred, fallback, clk, maxErrorDuration, uri, trace, log)
				return true
			}
			if window == nil {
				window = retry.NewWindow(ctx, clk, minBackoff, maxBackoff, maxErrorDuration)
			}
			window.RecordAttempt()
			if window.Exhausted() || !window.Ongoing() {
				h.FailWithCode(task.ErrRemote, err)
				return true
			}
			log.Warn("update send transient failure, retrying", "taskId", h.TaskID().String(), "attempt", window.NumRetries(), "error", err)
			if waitErr := window.Wait(ctx); waitErr != nil {
				sendFinalDelete(finalCtx, h, client, preferred, fallback, clk, maxErrorDuration, uri, trace, log)
				return true
			}
		}
	}
}

func sendFinalDelete(
	ctx context.Context,
	h Handle,
	client rpcclient.Client,
	preferred, fallback codec.Codec,
	clk clock.Clock,
	maxErrorDuration time.Duration,
	uri string,
	trace *tracelog.Log,
	log *slog.Logger,
) {
	requested, abort := h.TerminationIntent()
	if !requested || h.DeleteSent() {
		return
	}

	// Splits and no-more-splits markers staged before Cancel/Abort go out
	// in one last POST ahead of the DELETE.
	if req, _ := h.Snapshot(); len(req.Sources) > 0 {
		if info, outcome, _ := postUpdate(ctx, client, preferred, fallback, uri, req, trace); outcome == rpcclient.OutcomeOK {
			h.ApplyInfo(info)
		}
	}

	deleteURI := uri
	if abort {
		deleteURI += "?abort=true"
	} else {
		deleteURI += "?abort=false"
	}

	window := retry.NewWindow(ctx, clk, minBackoff, maxBackoff, maxErrorDuration)
	for {
		info, outcome, err := sendDelete(ctx, client, preferred, fallback, deleteURI, trace)
		switch outcome {
		case rpcclient.OutcomeOK:
			h.MarkDeleteSent()
			h.ApplyInfo(info)
			return
		case rpcclient.OutcomeFatal:
			h.MarkDeleteSent()
			return
		case rpcclient.OutcomeTransient:
			window.RecordAttempt()
			if window.Exhausted() || !window.Ongoing() {
				h.MarkDeleteSent()
				return
			}
			log.Warn("final delete transient failure, retrying", "taskId", h.TaskID().String(), "error", err)
			if waitErr := window.Wait(ctx); waitErr != nil {
				h.MarkDeleteSent()
				return
			}
		}
	}
}

func postUpdate(
	ctx context.Context,
	client rpcclient.Client,
	preferred, fallback codec.Codec,
	uri string,
	body task.UpdateRequest,
	trace *tracelog.Log,
) (task.Info, rpcclient.Outcome, error) {
	encoded, err := preferred.EncodeUpdateRequest(body)
	if err != nil {
		return task.Info{}, rpcclient.OutcomeFatal, err
	}

	req := rpcclient.Request{
		Method: "POST",
		URI:    uri,
		Headers: map[string]string{
			"Content-Type": preferred.ContentType(),
			"Accept":       codec.AcceptHeader(preferred, fallback),
		},
		Body: encoded,
	}
	return doAndDecode(ctx, client, preferred, fallback, "POST", uri, req, trace)
}

func sendDelete(
	ctx context.Context,
	client rpcclient.Client,
	preferred, fallback codec.Codec,
	uri string,
	trace *tracelog.Log,
) (task.Info, rpcclient.Outcome, error) {
	req := rpcclient.Request{
		Method: "DELETE",
		URI:    uri,
		Headers: map[string]string{
			"Accept": codec.AcceptHeader(preferred, fallback),
		},
	}
	return doAndDecode(ctx, client, preferred, fallback, "DELETE", uri, req, trace)
}

func doAndDecode(
	ctx context.Context,
	client rpcclient.Client,
	preferred, fallback codec.Codec,
	method, uri string,
	req rpcclient.Request,
	trace *tracelog.Log,
) (task.Info, rpcclient.Outcome, error) {
	start := time.Now()
	resp, err := client.Do(ctx, req)
	duration := time.Since(start)

	at := time.Now()
	if resp != nil {
		trace.Append(method, uri, resp.StatusCode, err, duration, resp.Body, at)
	} else {
		trace.Append(method, uri, 0, err, duration, nil, at)
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
