package task

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	clock "k8s.io/utils/clock/testing"

	"github.com/pulto/streampipe/internal/common/streamcontext"
)

const waitFor = 5 * time.Second

func TestRegister_RunsImmediatelyThenEveryInterval(t *testing.T) {
	fakeClock := clock.NewFakeClock(time.Now())
	m := NewBackgroundTaskManager("test_", nil, fakeClock)

	var calls atomic.Int32
	m.Register(streamcontext.Background(), func(_ *streamcontext.Context) { calls.Add(1) }, time.Second, "count")

	assert.Eventually(t, func() bool { return calls.Load() == 1 }, waitFor, time.Millisecond)
	require.Eventually(t, fakeClock.HasWaiters, waitFor, time.Millisecond)

	fakeClock.Step(500 * time.Millisecond)
	time.Sleep(10 * time.Millisecond)
	assert.Equal(t, int32(1), calls.Load())

	fakeClock.Step(500 * time.Millisecond)
	assert.Eventually(t, func() bool { return calls.Load() == 2 }, waitFor, time.Millisecond)

	assert.False(t, m.StopAll(waitFor))
	assert.Equal(t, 0, m.Running())
}

func TestStopAll_CancelsTaskContext(t *testing.T) {
	m := NewBackgroundTaskManager("test_", nil, clock.NewFakeClock(time.Now()))

	started := make(chan struct{})
	var cancelled atomic.Bool
	m.Register(streamcontext.Background(), func(ctx *streamcontext.Context) {
		close(started)
		<-ctx.Done()
		cancelled.Store(true)
	}, time.Hour, "blocking")

	<-started
	assert.Equal(t, 1, m.Running())
	assert.False(t, m.StopAll(waitFor))
	assert.True(t, cancelled.Load())
}

func TestStopAll_ReportsTimeout(t *testing.T) {
	fakeClock := clock.NewFakeClock(time.Now())
	m := NewBackgroundTaskManager("test_", nil, fakeClock)

	started := make(chan struct{})
	release := make(chan struct{})
	m.Register(streamcontext.Background(), func(_ *streamcontext.Context) {
		close(started)
		<-release
	}, time.Hour, "stuck")
	<-started

	// The task is still in its first run, so the only waiter on the clock is the shutdown timeout.
	timedOut := make(chan bool, 1)
	go func() { timedOut <- m.StopAll(time.Minute) }()
	require.Eventually(t, fakeClock.HasWaiters, waitFor, time.Millisecond)
	select {
	case <-timedOut:
		t.Fatal("StopAll returned before the clock reached its timeout")
	default:
	}
	fakeClock.Step(time.Minute)
	assert.True(t, <-timedOut)

	close(release)
	assert.False(t, m.StopAll(waitFor))
}

func TestRegister_AfterStopAll(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewBackgroundTaskManager("test_", reg, clock.NewFakeClock(time.Now()))

	var calls atomic.Int32
	body := func(_ *streamcontext.Context) { calls.Add(1) }
	m.Register(streamcontext.Background(), body, time.Hour, "resumable")
	assert.Eventually(t, func() bool { return calls.Load() == 1 }, waitFor, time.Millisecond)
	assert.False(t, m.StopAll(waitFor))

	// Registering a task under the same name again must not register a second collector.
	m.Register(streamcontext.Background(), body, time.Hour, "resumable")
	assert.Eventually(t, func() bool { return calls.Load() == 2 }, waitFor, time.Millisecond)
	assert.False(t, m.StopAll(waitFor))

	assert.Equal(t, 1, testutil.CollectAndCount(m.latency))
}
