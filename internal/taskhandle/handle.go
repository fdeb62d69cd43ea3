// Package taskhandle implements TaskHandle, the coordinator-side facade
// for a single remote task: it owns the planner's local intent, holds
// the last-published TaskStatus/TaskInfo, and orchestrates the status,
// info, and update loops that keep them in sync with the worker.
package taskhandle

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/ChuLiYu/remotetask/internal/clock"
	"github.com/ChuLiYu/remotetask/internal/codec"
	"github.com/ChuLiYu/remotetask/internal/infofetcher"
	"github.com/ChuLiYu/remotetask/internal/rpcclient"
	"github.com/ChuLiYu/remotetask/internal/statusfetcher"
	"github.com/ChuLiYu/remotetask/internal/tracelog"
	"github.com/ChuLiYu/remotetask/internal/updatesender"
	"github.com/ChuLiYu/remotetask/pkg/task"
)

// Options configures a TaskHandle. Every field is required except
// TraceHTTP and Logger, which default to disabled tracing and
// slog.Default() respectively.
type Options struct {
	TaskID        task.ID
	WorkerBaseURI string

	Client         rpcclient.Client
	PreferredCodec codec.Codec
	FallbackCodec  codec.Codec
	Clock          clock.Clock

	InitialInfo          task.Info
	InitialOutputBuffers task.OutputBuffers

	StatusRefreshMaxWait   time.Duration
	InfoUpdateInterval     time.Duration
	TaskInfoRefreshMaxWait time.Duration
	MaxErrorDuration       time.Duration

	// TraceCapacity bounds the HTTP trace ring buffer; a value <= 0 falls
	// back to a default of 256. Only consulted when TraceHTTP is true.
	TraceCapacity int
	TraceHTTP     bool
	Logger        *slog.Logger
}

// defaultTraceCapacity is used when TraceHTTP is set but TraceCapacity
// is left at its zero value.
const defaultTraceCapacity = 256

// sourceIntent is the per-plan-node staging area for locally accumulated
// intent. unsent splits and not-yet-sent markers are drained the moment
// they are handed to a TaskUpdateRequest; once sent they are never
// re-sent.
type sourceIntent struct {
	unsent           []task.ScheduledSplit
	noMoreSplits     bool
	noMoreSplitsSent bool
	pendingLifespans map[task.Lifespan]bool
	sentLifespans    map[task.Lifespan]bool
}

// TaskHandle is the per-task facade described by the component table:
// it owns intent, exposes operations to the planner, orchestrates the
// three loops, and holds the authoritative client-side TaskStatus and
// TaskInfo.
type TaskHandle struct {
	id            task.ID
	workerBaseURI string

	client    rpcclient.Client
	preferred codec.Codec
	fallback  codec.Codec
	clk       clock.Clock
	trace     *tracelog.Log
	log       *slog.Logger

	statusRefreshMaxWait   time.Duration
	infoUpdateInterval     time.Duration
	taskInfoRefreshMaxWait time.Duration
	maxErrorDuration       time.Duration

	// mu protects exactly the field set below: status, info, the
	// per-source intent, output buffers, the dirty-tracking counters, and
	// the instanceId bootstrap flag.
	mu                  sync.Mutex
	status              task.Status
	info                task.Info
	seenInstanceID      bool
	terminal            bool
	terminalFailureCode task.ErrorCode
	hasFailure          bool
	terminateAbort      *bool // nil: no cancel/abort requested yet
	deleteSent          bool

	sources         map[task.PlanNodeID]*sourceIntent
	outputBuffers   task.OutputBuffers
	sessionID       string
	totalPartitions int
	fragment        []byte
	needsPlan       bool
	nextSequenceID  int64

	pendingUpdateCount uint64
	sentUpdateCount    uint64

	doneOnce sync.Once
	doneCh   chan struct{}

	// listenersMu is deliberately separate from mu, so a listener can be
	// registered from inside a notification callback.
	listenersMu sync.Mutex
	listeners   []func(task.State)

	// notifyMu/notifyCond/notifyQueue back the dedicated notifier
	// goroutine (runNotifier): publishLocked appends to notifyQueue and
	// signals instead of calling listeners itself, so a slow listener
	// stalls only the notifier, never a fetch/send loop.
	notifyMu    sync.Mutex
	notifyCond  *sync.Cond
	notifyQueue []task.State

	startOnce sync.Once
}

// New constructs a TaskHandle seeded with opts.InitialInfo. It does not
// start the loops; call Start for that (registry.Factory.NewTaskHandle
// does so automatically).
func New(opts Options) *TaskHandle {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	var trace *tracelog.Log
	if opts.TraceHTTP {
		capacity := opts.TraceCapacity
		if capacity <= 0 {
			capacity = defaultTraceCapacity
		}
		trace = tracelog.New(capacity)
	}

	h := &TaskHandle{
		id:                     opts.TaskID,
		workerBaseURI:          opts.WorkerBaseURI,
		client:                 opts.Client,
		preferred:              opts.PreferredCodec,
		fallback:               opts.FallbackCodec,
		clk:                    opts.Clock,
		trace:                  trace,
		log:                    logger,
		statusRefreshMaxWait:   opts.StatusRefreshMaxWait,
		infoUpdateInterval:     opts.InfoUpdateInterval,
		taskInfoRefreshMaxWait: opts.TaskInfoRefreshMaxWait,
		maxErrorDuration:       opts.MaxErrorDuration,
		status:                 opts.InitialInfo.Status,
		info:                   opts.InitialInfo,
		outputBuffers:          opts.InitialOutputBuffers,
		sources:                make(map[task.PlanNodeID]*sourceIntent),
		needsPlan:              opts.InitialInfo.NeedsPlan,
		doneCh:                 make(chan struct{}),
	}
	if h.status.InstanceID != "" {
		h.seenInstanceID = true
	}
	h.notifyCond = sync.NewCond(&h.notifyMu)
	go h.runNotifier()
	return h
}

// TaskID identifies the task this handle drives.
func (h *TaskHandle) TaskID() task.ID { return h.id }

// WorkerBaseURI is the root URI of the worker's task resource for this
// task (the `/task/{nodeId}` root the status/info/update endpoints hang
// off of).
func (h *TaskHandle) WorkerBaseURI() string { return h.workerBaseURI }

// Start launches the status, info, and update loops. Idempotent; after
// terminal it is a no-op.
//
// Two contexts are handed to the loops. loopCtx is canceled the instant
// the handle goes terminal (a watcher goroutine closes over h.doneCh),
// so an in-flight long poll or POST is aborted immediately instead of
// blocking until the worker's own maxWait elapses. This is a
// best-effort cancellation only; it does not itself count as a remote
// failure. finalCtx stays live until all three loops have actually
// returned: InfoFetcher still owes one final fetch and UpdateSender
// still owes one final DELETE after Done() fires, and both need a
// context that loopCtx's immediate cancellation would no longer offer
// by the time they make that call.
func (h *TaskHandle) Start() {
	h.startOnce.Do(func() {
		if h.IsTerminal() {
			return
		}
		loopCtx, cancelLoop := context.WithCancel(context.Background())
		finalCtx, cancelFinal := context.WithCancel(context.Background())

		go func() {
			<-h.doneCh
			cancelLoop()
		}()

		var loops sync.WaitGroup
		loops.Add(3)
		go func() {
			defer loops.Done()
			statusfetcher.Run(loopCtx, h, h.client, h.preferred, h.fallback, h.clk, h.statusRefreshMaxWait, h.maxErrorDuration, h.trace, h.log)
		}()
		go func() {
			defer loops.Done()
			infofetcher.Run(loopCtx, finalCtx, h, h.client, h.preferred, h.fallback, h.clk, h.infoUpdateInterval, h.taskInfoRefreshMaxWait, h.maxErrorDuration, h.trace, h.log)
		}()
		go func() {
			defer loops.Done()
			updatesender.Run(loopCtx, finalCtx, h, h.client, h.preferred, h.fallback, h.clk, h.maxErrorDuration, h.trace, h.log)
		}()

		go func() {
			loops.Wait()
			cancelFinal()
		}()
	})
}

// AddSplits extends pending intent for each plan node with newly
// assigned, strictly increasing sequence IDs. A call after terminal is
// a silent no-op.
func (h *TaskHandle) AddSplits(splits map[task.PlanNodeID][]task.Split) {
	h.mu.Lock()
	if h.terminal {
		h.mu.Unlock()
		return
	}
	for planNodeID, nodeSplits := range splits {
		si := h.sourceFor(planNodeID)
		for _, s := range nodeSplits {
			h.nextSequenceID++
			si.unsent = append(si.unsent, task.ScheduledSplit{
				SequenceID:     h.nextSequenceID,
				Lifespan:       s.Lifespan,
				ConnectorSplit: s.ConnectorSplit,
			})
		}
	}
	if len(splits) > 0 {
		h.pendingUpdateCount++
	}
	h.mu.Unlock()
}

// NoMoreSplits marks planNodeID as having no further splits at all,
// across every lifespan. Idempotent and monotonic (false -> true only).
func (h *TaskHandle) NoMoreSplits(planNodeID task.PlanNodeID) {
	h.mu.Lock()
	if h.terminal {
		h.mu.Unlock()
		return
	}
	si := h.sourceFor(planNodeID)
	if !si.noMoreSplits {
		si.noMoreSplits = true
		h.pendingUpdateCount++
	}
	h.mu.Unlock()
}

// NoMoreSplitsForLifespan marks planNodeID as done with the given
// lifespan group specifically. Idempotent and monotonic.
func (h *TaskHandle) NoMoreSplitsForLifespan(planNodeID task.PlanNodeID, lifespan task.Lifespan) {
	h.mu.Lock()
	if h.terminal {
		h.mu.Unlock()
		return
	}
	si := h.sourceFor(planNodeID)
	if si.sentLifespans[lifespan] || si.pendingLifespans[lifespan] {
		h.mu.Unlock()
		return
	}
	if si.pendingLifespans == nil {
		si.pendingLifespans = make(map[task.Lifespan]bool)
	}
	si.pendingLifespans[lifespan] = true
	h.pendingUpdateCount++
	h.mu.Unlock()
}

// SetOutputBuffers adopts buffers in place of the current descriptor,
// but only if buffers.Version is newer-or-equal; an older descriptor is
// silently discarded.
func (h *TaskHandle) SetOutputBuffers(buffers task.OutputBuffers) {
	h.mu.Lock()
	if h.terminal {
		h.mu.Unlock()
		return
	}
	if h.outputBuffers.NewerOrEqual(buffers) {
		h.outputBuffers = buffers
		h.pendingUpdateCount++
	}
	h.mu.Unlock()
}

// SetSession records the session context and total partition count sent
// with every TaskUpdateRequest. Intended to be called once, before
// Start; harmless to call again.
func (h *TaskHandle) SetSession(sessionID string, totalPartitions int) {
	h.mu.Lock()
	h.sessionID = sessionID
	h.totalPartitions = totalPartitions
	h.mu.Unlock()
}

// SetFragment records the serialized plan fragment to carry on update
// requests until the worker acknowledges needsPlan=false.
func (h *TaskHandle) SetFragment(fragment []byte) {
	h.mu.Lock()
	if !h.terminal {
		h.fragment = fragment
		h.needsPlan = true
		h.pendingUpdateCount++
	}
	h.mu.Unlock()
}

// Cancel requests graceful termination: the update loop will deliver a
// DELETE ?abort=false and the expected end state is CANCELED.
func (h *TaskHandle) Cancel() {
	h.requestTermination(false, task.StateCanceled)
}

// Abort requests forceful termination: the update loop will deliver a
// DELETE ?abort=true and the expected end state is ABORTED.
func (h *TaskHandle) Abort() {
	h.requestTermination(true, task.StateAborted)
}

func (h *TaskHandle) requestTermination(abort bool, endState task.State) {
	h.mu.Lock()
	if h.terminal || h.terminateAbort != nil {
		h.mu.Unlock()
		return
	}
	h.terminateAbort = &abort
	h.pendingUpdateCount++
	base := h.status
	h.publishLocked(base, &endState, nil)
}

// Fail is the planner-supplied failure path: it synthesizes a FAILED
// status locally and enters terminal without waiting for the worker.
func (h *TaskHandle) Fail(cause error) {
	h.FailWithCode(task.ErrPlannerFailed, cause)
}

// FailWithCode is the general internal failure primitive shared by the
// planner-facing Fail and the fetch/send loops' REMOTE_TASK_ERROR and
// REMOTE_TASK_MISMATCH paths. It is idempotent: only the first call
// establishes terminal state; later calls append to Failures without
// changing State.
func (h *TaskHandle) FailWithCode(code task.ErrorCode, cause error) {
	message := string(code)
	if cause != nil {
		message = cause.Error()
	}
	failure := task.Failure{Code: code, Message: message, At: h.now()}
	failedState := task.StateFailed

	h.mu.Lock()
	base := h.status
	h.publishLocked(base, &failedState, &failure)
}

// GetTaskStatus returns the last published TaskStatus snapshot.
func (h *TaskHandle) GetTaskStatus() task.Status {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.status.Clone()
}

// GetTaskInfo returns the last published TaskInfo snapshot.
func (h *TaskHandle) GetTaskInfo() task.Info {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.info.Clone()
}

// IsTerminal reports whether the handle has reached an absorbing state.
func (h *TaskHandle) IsTerminal() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.terminal
}

// CurrentState returns the last published state, used by the fetch
// loops to populate the X-Presto-Current-State header.
func (h *TaskHandle) CurrentState() task.State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.status.State
}

// Done returns a channel closed once the handle has entered terminal.
func (h *TaskHandle) Done() <-chan struct{} {
	return h.doneCh
}

// FailureCode returns the code of the first recorded failure, if any.
// InfoFetcher uses it to decide whether its post-terminal final fetch
// should be skipped (the worker is "demonstrably unreachable" iff the
// code is REMOTE_TASK_ERROR).
func (h *TaskHandle) FailureCode() (task.ErrorCode, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.terminalFailureCode, h.hasFailure
}

// TerminationIntent reports whether Cancel or Abort has been called,
// and if so which. UpdateSender uses this to decide whether a final
// DELETE is owed to the worker.
func (h *TaskHandle) TerminationIntent() (requested bool, abort bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.terminateAbort == nil {
		return false, false
	}
	return true, *h.terminateAbort
}

// DeleteSent reports whether UpdateSender has already dispatched the
// terminating DELETE for this handle.
func (h *TaskHandle) DeleteSent() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.deleteSent
}

// MarkDeleteSent records that the terminating DELETE has been sent, so
// UpdateSender never sends it twice.
func (h *TaskHandle) MarkDeleteSent() {
	h.mu.Lock()
	h.deleteSent = true
	h.mu.Unlock()
}

// AddStateChangeListener registers a callback fired on every state
// transition. Callbacks run on a dedicated notifier goroutine fed by an
// unbounded queue, never on the fetch/send loop that triggered the
// transition and never under the handle's critical section, so a slow
// listener stalls only the notifier.
func (h *TaskHandle) AddStateChangeListener(listener func(task.State)) {
	h.listenersMu.Lock()
	h.listeners = append(h.listeners, listener)
	h.listenersMu.Unlock()
}

// notify hands state to the notifier goroutine and returns immediately;
// it never invokes a listener itself, so a fetch/send loop calling
// publishLocked is never blocked by a slow listener.
func (h *TaskHandle) notify(state task.State) {
	h.notifyMu.Lock()
	h.notifyQueue = append(h.notifyQueue, state)
	h.notifyMu.Unlock()
	h.notifyCond.Signal()
}

// runNotifier drains notifyQueue one state at a time, invoking every
// registered listener for each, and exits once it has delivered a
// state for which IsDone is true. publishLocked never calls notify
// again after the handle goes terminal (it early-returns before
// reaching the notify call), so a done state is guaranteed to be the
// last one this goroutine will ever see.
func (h *TaskHandle) runNotifier() {
	for {
		h.notifyMu.Lock()
		for len(h.notifyQueue) == 0 {
			h.notifyCond.Wait()
		}
		state := h.notifyQueue[0]
		h.notifyQueue = h.notifyQueue[1:]
		h.notifyMu.Unlock()

		h.listenersMu.Lock()
		listeners := make([]func(task.State), len(h.listeners))
		copy(listeners, h.listeners)
		h.listenersMu.Unlock()

		for _, l := range listeners {
			l(state)
		}

		if state.IsDone() {
			return
		}
	}
}

func (h *TaskHandle) sourceFor(planNodeID task.PlanNodeID) *sourceIntent {
	si, ok := h.sources[planNodeID]
	if !ok {
		si = &sourceIntent{}
		h.sources[planNodeID] = si
	}
	return si
}

func (h *TaskHandle) now() time.Time {
	if h.clk != nil {
		return h.clk.Now()
	}
	return time.Now()
}
