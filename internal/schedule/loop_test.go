package schedule

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

func TestLoopRunsImmediatelyThenOnTicks(t *testing.T) {
	mock := clock.NewMock()
	var runs atomic.Int32
	ctx, cancel := context.WithCancel(context.Background())

	loop := &Loop{
		Name:     "test",
		Interval: 5 * time.Second,
		Clock:    mock,
		Log:      zap.NewNop(),
		Task: func(context.Context) error {
			runs.Add(1)
			return errors.New("errors do not stop the loop")
		},
	}
	done := make(chan struct{})
	go func() {
		loop.Run(ctx)
		close(done)
	}()

	assert.Eventually(t, func() bool { return runs.Load() == 1 }, time.Second, time.Millisecond)

	mock.Add(5 * time.Second)
	assert.Eventually(t, func() bool { return runs.Load() == 2 }, time.Second, time.Millisecond)

	mock.Add(4 * time.Second)
	time.Sleep(10 * time.Millisecond)
	assert.EqualValues(t, 2, runs.Load(), "no run before the interval elapses")

	mock.Add(time.Second)
	assert.Eventually(t, func() bool { return runs.Load() == 3 }, time.Second, time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("loop did not stop")
	}
}
