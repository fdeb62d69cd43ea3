// Package registry implements the Factory/Registry component: it owns
// the collaborators every TaskHandle shares (the RPC client, the wire
// codecs, the clock) and the process-wide stop switch, and creates
// handles on demand for the planner.
package registry

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/ChuLiYu/remotetask/internal/clock"
	"github.com/ChuLiYu/remotetask/internal/codec"
	"github.com/ChuLiYu/remotetask/internal/rpcclient"
	"github.com/ChuLiYu/remotetask/internal/taskhandle"
	"github.com/ChuLiYu/remotetask/pkg/task"
)

var log = slog.Default()

// ErrStopped is returned by NewTaskHandle once the Factory has been
// stopped; no new handles may be created afterwards.
var ErrStopped = errors.New("registry: factory stopped")

// Timeouts bundles the per-loop durations every TaskHandle is started
// with, matching the "Configuration surface (core only)" list.
type Timeouts struct {
	StatusRefreshMaxWait   time.Duration
	InfoUpdateInterval     time.Duration
	TaskInfoRefreshMaxWait time.Duration
	MaxErrorDuration       time.Duration
}

// Factory creates TaskHandles and holds the collaborators they share.
// It is the single process-wide resource the spec's design notes call
// for ("a per-factory stop flag is the only process-wide resource").
type Factory struct {
	client    rpcclient.Client
	preferred codec.Codec
	fallback  codec.Codec
	clock     clock.Clock
	timeouts  Timeouts
	traceHTTP bool
	traceCap  int

	mu       sync.Mutex
	stopped  bool
	handles  map[task.ID]*taskhandle.TaskHandle
	handleWg sync.WaitGroup
}

// New builds a Factory. preferred is the codec used to encode outgoing
// bodies (normally CBOR, the binary framing preferred on the wire);
// fallback is offered in the Accept header and used to decode replies
// the worker chose to send in that framing instead.
// traceCapacity bounds the per-handle HTTP trace ring buffer; it is
// only consulted when traceHTTP is true.
func New(client rpcclient.Client, preferred, fallback codec.Codec, clk clock.Clock, timeouts Timeouts, traceHTTP bool, traceCapacity int) *Factory {
	return &Factory{
		client:    client,
		preferred: preferred,
		fallback:  fallback,
		clock:     clk,
		timeouts:  timeouts,
		traceHTTP: traceHTTP,
		traceCap:  traceCapacity,
		handles:   make(map[task.ID]*taskhandle.TaskHandle),
	}
}

// NewTaskHandle creates and starts a TaskHandle for id, talking to the
// worker at workerBaseURI, seeded with initialInfo and
// initialOutputBuffers. The returned handle is already running; callers
// do not call Start themselves (Start is still idempotent and safe to
// call again).
func (f *Factory) NewTaskHandle(id task.ID, workerBaseURI string, initialInfo task.Info, initialOutputBuffers task.OutputBuffers) (*taskhandle.TaskHandle, error) {
	f.mu.Lock()
	if f.stopped {
		f.mu.Unlock()
		return nil, ErrStopped
	}
	if _, exists := f.handles[id]; exists {
		f.mu.Unlock()
		return nil, errors.New("registry: task handle already exists for " + id.String())
	}

	h := taskhandle.New(taskhandle.Options{
		TaskID:                 id,
		WorkerBaseURI:          workerBaseURI,
		Client:                 f.client,
		PreferredCodec:         f.preferred,
		FallbackCodec:          f.fallback,
		Clock:                  f.clock,
		InitialInfo:            initialInfo,
		InitialOutputBuffers:   initialOutputBuffers,
		StatusRefreshMaxWait:   f.timeouts.StatusRefreshMaxWait,
		InfoUpdateInterval:     f.timeouts.InfoUpdateInterval,
		TaskInfoRefreshMaxWait: f.timeouts.TaskInfoRefreshMaxWait,
		MaxErrorDuration:       f.timeouts.MaxErrorDuration,
		TraceHTTP:              f.traceHTTP,
		TraceCapacity:          f.traceCap,
	})

	f.handles[id] = h
	f.mu.Unlock()

	f.handleWg.Add(1)
	h.AddStateChangeListener(func(s task.State) {
		if s.IsDone() {
			f.handleWg.Done()
		}
	})
	h.Start()

	log.Info("task handle created", "taskId", id.String(), "workerBaseURI", workerBaseURI)
	return h, nil
}

// Handle returns the handle previously created for id, if any.
func (f *Factory) Handle(id task.ID) (*taskhandle.TaskHandle, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	h, ok := f.handles[id]
	return h, ok
}

// Stop aborts every handle the Factory created and closes the shared
// RPC client. After Stop returns, NewTaskHandle always fails with
// ErrStopped and in-flight RPCs resolve as REMOTE_TASK_ERROR, since the
// client refuses further work once closed.
func (f *Factory) Stop() {
	f.mu.Lock()
	if f.stopped {
		f.mu.Unlock()
		return
	}
	f.stopped = true
	handles := make([]*taskhandle.TaskHandle, 0, len(f.handles))
	for _, h := range f.handles {
		handles = append(handles, h)
	}
	f.mu.Unlock()

	for _, h := range handles {
		h.Abort()
	}
	f.client.Close()

	log.Info("factory stopped", "handleCount", len(handles))
}

// WaitAllTerminal blocks until every handle the Factory has created has
// reached a terminal state, or ctx is done. It exists for universal
// property 7 ("graceful stop") to be asserted deterministically in
// tests instead of polling.
func (f *Factory) WaitAllTerminal(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		f.handleWg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
