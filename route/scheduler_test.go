package route

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type countingRunner struct {
	passes atomic.Int64
}

func (c *countingRunner) RouteAll(ctx context.Context) error {
	c.passes.Add(1)
	return nil
}

func waitForPasses(t *testing.T, runner *countingRunner, want int64) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if runner.passes.Load() >= want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("expected at least %d passes, got %d", want, runner.passes.Load())
}

func TestSchedulerRunsOnInterval(t *testing.T) {
	runner := &countingRunner{}
	sched := NewScheduler(runner, 20*time.Millisecond)
	sched.Start()
	defer sched.Stop()

	waitForPasses(t, runner, 3)
}

func TestSchedulerWakeTriggersImmediatePass(t *testing.T) {
	runner := &countingRunner{}
	sched := NewScheduler(runner, time.Hour)
	sched.Start()
	defer sched.Stop()

	waitForPasses(t, runner, 1)

	sched.Wake()
	waitForPasses(t, runner, 2)
}

func TestSchedulerWakeCoalescesAndNeverBlocks(t *testing.T) {
	runner := &countingRunner{}
	sched := NewScheduler(runner, time.Hour)

	for i := 0; i < 100; i++ {
		sched.Wake()
	}

	sched.Start()
	waitForPasses(t, runner, 1)
	sched.Stop()

	require.LessOrEqual(t, runner.passes.Load(), int64(3))
}

type blockingRunner struct {
	started chan struct{}
}

func (b *blockingRunner) RouteAll(ctx context.Context) error {
	close(b.started)
	<-ctx.Done()
	return ctx.Err()
}

func TestSchedulerStopCancelsInFlightPass(t *testing.T) {
	runner := &blockingRunner{started: make(chan struct{})}
	sched := NewScheduler(runner, time.Hour)
	sched.Start()

	select {
	case <-runner.started:
	case <-time.After(2 * time.Second):
		t.Fatal("pass never started")
	}

	done := make(chan struct{})
	go func() {
		sched.Stop()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not unblock the in-flight pass")
	}
}

func TestSchedulerStopHaltsPasses(t *testing.T) {
	runner := &countingRunner{}
	sched := NewScheduler(runner, 10*time.Millisecond)
	sched.Start()
	waitForPasses(t, runner, 1)
	sched.Stop()

	settled := runner.passes.Load()
	time.Sleep(50 * time.Millisecond)
	require.Equal(t, settled, runner.passes.Load())
}
