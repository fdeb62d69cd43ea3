package infofetcher

import (
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/remotetask/internal/clock"
	"github.com/ChuLiYu/remotetask/internal/codec"
	"github.com/ChuLiYu/remotetask/internal/rpcclient"
	"github.com/ChuLiYu/remotetask/pkg/task"
)

type fakeClient struct {
	mu        sync.Mutex
	responses []scriptedReply
	calls     int
	closed    bool
}

type scriptedReply struct {
	resp *rpcclient.Response
	err  error
}

func (c *fakeClient) Do(ctx context.Context, req rpcclient.Request) (*rpcclient.Response, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, rpcclient.ErrClientClosed
	}
	idx := c.calls
	c.calls++
	c.mu.Unlock()

	if idx < len(c.responses) {
		r := c.responses[idx]
		return r.resp, r.err
	}
	<-ctx.Done()
	return nil, ctx.Err()
}

func (c *fakeClient) Close() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
}

type fakeHandle struct {
	mu         sync.Mutex
	state      task.State
	applyFn    func(task.Info) bool
	failed     []error
	failCode   task.ErrorCode
	hasFailure bool
	doneCh     chan struct{}
	doneOnce   sync.Once
}

func newFakeHandle() *fakeHandle {
	return &fakeHandle{doneCh: make(chan struct{})}
}

func (h *fakeHandle) TaskID() task.ID          { return task.ID{QueryID: "q"} }
func (h *fakeHandle) WorkerBaseURI() string    { return "http://worker" }
func (h *fakeHandle) CurrentState() task.State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}
func (h *fakeHandle) ApplyInfo(i task.Info) bool {
	terminal := h.applyFn(i)
	h.mu.Lock()
	h.state = i.Status.State
	h.mu.Unlock()
	if terminal {
		h.doneOnce.Do(func() { close(h.doneCh) })
	}
	return terminal
}
func (h *fakeHandle) FailWithCode(code task.ErrorCode, err error) {
	h.mu.Lock()
	h.failed = append(h.failed, err)
	h.failCode = code
	h.hasFailure = true
	h.mu.Unlock()
	h.doneOnce.Do(func() { close(h.doneCh) })
}
func (h *fakeHandle) FailureCode() (task.ErrorCode, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.failCode, h.hasFailure
}
func (h *fakeHandle) Done() <-chan struct{} { return h.doneCh }

func jsonInfoResponse(t *testing.T, info task.Info) *rpcclient.Response {
	t.Helper()
	body, err := codec.JSONCodec{}.EncodeInfo(info)
	require.NoError(t, err)
	return &rpcclient.Response{
		StatusCode: 200,
		Headers:    map[string]string{"Content-Type": "application/json"},
		Body:       body,
	}
}

func TestRun_PerformsOneFinalFetchAfterTerminal(t *testing.T) {
	h := newFakeHandle()
	var applied []task.Info
	h.applyFn = func(i task.Info) bool {
		applied = append(applied, i)
		return false // terminality here is driven externally, not by this fetch
	}

	client := &fakeClient{responses: []scriptedReply{
		{resp: jsonInfoResponse(t, task.Info{Status: task.Status{State: task.StateRunning}})},
		{resp: jsonInfoResponse(t, task.Info{Status: task.Status{State: task.StateFinished}})},
	}}

	clk := clock.NewFake(time.Unix(0, 0))
	done := make(chan struct{})
	go func() {
		Run(context.Background(), context.Background(), h, client, codec.JSONCodec{}, codec.NewCBORCodec(), clk, time.Hour, time.Second, time.Minute, nil, slog.Default())
		close(done)
	}()

	time.Sleep(20 * time.Millisecond)
	// Simulate the handle going terminal via some other loop (e.g.
	// StatusFetcher or Cancel), independent of this fetch's own result.
	h.doneOnce.Do(func() { close(h.doneCh) })

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after the handle went terminal")
	}

	require.GreaterOrEqual(t, len(applied), 1, "the final fetch after terminal must still be attempted")
}

func TestRun_SkipsFinalFetchWhenWorkerIsUnreachable(t *testing.T) {
	h := newFakeHandle()
	h.applyFn = func(task.Info) bool { return false }
	h.failCode = task.ErrRemote
	h.hasFailure = true
	h.doneOnce.Do(func() { close(h.doneCh) })

	client := &fakeClient{}

	done := make(chan struct{})
	go func() {
		Run(context.Background(), context.Background(), h, client, codec.JSONCodec{}, codec.NewCBORCodec(), clock.Real{}, time.Hour, time.Second, time.Minute, nil, slog.Default())
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run must return immediately, skipping the final fetch, when the worker is demonstrably unreachable")
	}
	assert.Zero(t, client.calls)
}

func TestRun_FatalOutcomeFailsImmediately(t *testing.T) {
	h := newFakeHandle()
	h.applyFn = func(task.Info) bool { return false }

	client := &fakeClient{responses: []scriptedReply{{err: rpcclient.ErrClientClosed}}}

	done := make(chan struct{})
	go func() {
		Run(context.Background(), context.Background(), h, client, codec.JSONCodec{}, codec.NewCBORCodec(), clock.Real{}, time.Hour, time.Second, time.Minute, nil, slog.Default())
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return on fatal outcome")
	}
	require.Len(t, h.failed, 1)
	assert.ErrorIs(t, h.failed[0], rpcclient.ErrClientClosed)
}
