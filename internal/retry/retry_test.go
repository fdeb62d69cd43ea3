package retry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/remotetask/internal/clock"
)

func TestExhaustedTracksDeadline(t *testing.T) {
	clk := clock.NewFake(time.Unix(0, 0))
	w := NewWindow(context.Background(), clk, 10*time.Millisecond, time.Second, 500*time.Millisecond)

	assert.False(t, w.Exhausted())

	clk.Advance(499 * time.Millisecond)
	assert.False(t, w.Exhausted())

	clk.Advance(2 * time.Millisecond)
	assert.True(t, w.Exhausted())
}

func TestOngoingFollowsContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	clk := clock.NewFake(time.Unix(0, 0))
	w := NewWindow(ctx, clk, 10*time.Millisecond, time.Second, time.Minute)

	assert.True(t, w.Ongoing())
	cancel()
	assert.False(t, w.Ongoing())
}

func TestWaitBacksOffExponentiallyUpToMax(t *testing.T) {
	clk := clock.NewFake(time.Unix(0, 0))
	w := NewWindow(context.Background(), clk, 10*time.Millisecond, 50*time.Millisecond, time.Minute)

	// Attempt 0: delay 10ms.
	done := make(chan struct{})
	go func() {
		require.NoError(t, w.Wait(context.Background()))
		close(done)
	}()
	clk.Advance(10 * time.Millisecond)
	<-done

	w.RecordAttempt() // attempt 1: delay 20ms
	done = make(chan struct{})
	go func() {
		require.NoError(t, w.Wait(context.Background()))
		close(done)
	}()
	clk.Advance(20 * time.Millisecond)
	<-done

	w.RecordAttempt() // attempt 2: delay 40ms
	w.RecordAttempt() // attempt 3: delay would be 80ms, clamped to maxBackoff 50ms
	done = make(chan struct{})
	go func() {
		require.NoError(t, w.Wait(context.Background()))
		close(done)
	}()
	clk.Advance(50 * time.Millisecond)
	<-done
}

func TestWaitReturnsContextError(t *testing.T) {
	clk := clock.NewFake(time.Unix(0, 0))
	w := NewWindow(context.Background(), clk, time.Hour, time.Hour, time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := w.Wait(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestNumRetriesCountsRecordAttempt(t *testing.T) {
	clk := clock.NewFake(time.Unix(0, 0))
	w := NewWindow(context.Background(), clk, time.Millisecond, time.Millisecond, time.Minute)

	assert.Equal(t, 0, w.NumRetries())
	w.RecordAttempt()
	w.RecordAttempt()
	assert.Equal(t, 2, w.NumRetries())
}
