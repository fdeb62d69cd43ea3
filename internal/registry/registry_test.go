package registry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/remotetask/internal/clock"
	"github.com/ChuLiYu/remotetask/internal/codec"
	"github.com/ChuLiYu/remotetask/internal/faketask"
	"github.com/ChuLiYu/remotetask/internal/rpcclient"
	"github.com/ChuLiYu/remotetask/pkg/task"
)

func shortTimeouts() Timeouts {
	return Timeouts{
		StatusRefreshMaxWait:   50 * time.Millisecond,
		InfoUpdateInterval:     50 * time.Millisecond,
		TaskInfoRefreshMaxWait: 50 * time.Millisecond,
		MaxErrorDuration:       2 * time.Second,
	}
}

func newFactory(t *testing.T) (*Factory, *faketask.Server) {
	t.Helper()
	worker := faketask.NewServer(codec.JSONCodec{}, codec.NewCBORCodec())
	t.Cleanup(worker.Close)

	client := rpcclient.NewHTTPClient(5 * time.Second)
	factory := New(client, codec.JSONCodec{}, codec.NewCBORCodec(), clock.Real{}, shortTimeouts(), false, 0)
	return factory, worker
}

func TestNewTaskHandle_RejectsDuplicateID(t *testing.T) {
	factory, worker := newFactory(t)
	id := task.ID{QueryID: "q"}
	status := task.Status{TaskID: id, InstanceID: "worker-1", State: task.StatePlanned}
	worker.Seed(id, status, task.Info{Status: status})

	_, err := factory.NewTaskHandle(id, worker.URL(), task.Info{Status: status}, task.OutputBuffers{})
	require.NoError(t, err)
	defer factory.Stop()

	_, err = factory.NewTaskHandle(id, worker.URL(), task.Info{Status: status}, task.OutputBuffers{})
	assert.Error(t, err)
}

func TestNewTaskHandle_RefusedAfterStop(t *testing.T) {
	factory, worker := newFactory(t)
	factory.Stop()

	id := task.ID{QueryID: "q"}
	status := task.Status{TaskID: id, State: task.StatePlanned}
	_, err := factory.NewTaskHandle(id, worker.URL(), task.Info{Status: status}, task.OutputBuffers{})
	assert.ErrorIs(t, err, ErrStopped)
}

func TestHandle_ReturnsPreviouslyCreatedHandle(t *testing.T) {
	factory, worker := newFactory(t)
	id := task.ID{QueryID: "q"}
	status := task.Status{TaskID: id, InstanceID: "worker-1", State: task.StatePlanned}
	worker.Seed(id, status, task.Info{Status: status})

	created, err := factory.NewTaskHandle(id, worker.URL(), task.Info{Status: status}, task.OutputBuffers{})
	require.NoError(t, err)
	defer factory.Stop()

	found, ok := factory.Handle(id)
	assert.True(t, ok)
	assert.Same(t, created, found)

	_, ok = factory.Handle(task.ID{QueryID: "missing"})
	assert.False(t, ok)
}

func TestFactory_DrivesHandleToFinishedAgainstFakeWorker(t *testing.T) {
	factory, worker := newFactory(t)
	id := task.ID{QueryID: "q"}
	status := task.Status{TaskID: id, InstanceID: "worker-1", Version: 1, State: task.StatePlanned}
	ts := worker.Seed(id, status, task.Info{Status: status})

	handle, err := factory.NewTaskHandle(id, worker.URL(), task.Info{Status: status}, task.OutputBuffers{Version: 1})
	require.NoError(t, err)
	defer factory.Stop()

	go func() {
		time.Sleep(60 * time.Millisecond)
		ts.SetStatus(task.Status{TaskID: id, InstanceID: "worker-1", Version: 2, State: task.StateFinished})
	}()

	select {
	case <-handle.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("handle never reached terminal against the fake worker")
	}

	assert.Equal(t, task.StateFinished, handle.GetTaskStatus().State)
}

func TestFactory_StopAbortsOutstandingHandles(t *testing.T) {
	factory, worker := newFactory(t)
	id := task.ID{QueryID: "q"}
	status := task.Status{TaskID: id, InstanceID: "worker-1", State: task.StatePlanned}
	worker.Seed(id, status, task.Info{Status: status})

	handle, err := factory.NewTaskHandle(id, worker.URL(), task.Info{Status: status}, task.OutputBuffers{})
	require.NoError(t, err)

	factory.Stop()

	select {
	case <-handle.Done():
	case <-time.After(time.Second):
		t.Fatal("Stop must abort every outstanding handle")
	}
	assert.Equal(t, task.StateAborted, handle.GetTaskStatus().State)
}

func TestWaitAllTerminal_ReturnsOnceEveryHandleIsDone(t *testing.T) {
	factory, worker := newFactory(t)
	id := task.ID{QueryID: "q"}
	status := task.Status{TaskID: id, InstanceID: "worker-1", State: task.StatePlanned}
	worker.Seed(id, status, task.Info{Status: status})

	handle, err := factory.NewTaskHandle(id, worker.URL(), task.Info{Status: status}, task.OutputBuffers{})
	require.NoError(t, err)
	defer factory.Stop()

	go func() {
		time.Sleep(30 * time.Millisecond)
		handle.Cancel()
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	assert.NoError(t, factory.WaitAllTerminal(ctx))
}

func TestWaitAllTerminal_RespectsContextDeadline(t *testing.T) {
	factory, worker := newFactory(t)
	id := task.ID{QueryID: "q"}
	status := task.Status{TaskID: id, InstanceID: "worker-1", State: task.StatePlanned}
	worker.Seed(id, status, task.Info{Status: status})

	_, err := factory.NewTaskHandle(id, worker.URL(), task.Info{Status: status}, task.OutputBuffers{})
	require.NoError(t, err)
	defer factory.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, factory.WaitAllTerminal(ctx), context.DeadlineExceeded)
}
