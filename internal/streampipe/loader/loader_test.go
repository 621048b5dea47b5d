package loader

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"k8s.io/utils/clock"
	clocktesting "k8s.io/utils/clock/testing"

	"github.com/pulto/streampipe/internal/common/streamcontext"
	"github.com/pulto/streampipe/internal/streampipe/metrics"
	"github.com/pulto/streampipe/internal/streampipe/model"
)

const waitFor = 5 * time.Second

func TestQueueSchema(t *testing.T) {
	err := queueSchema().Validate()
	assert.NoError(t, err)
}

func testChunk(level int) *model.DataChunk {
	return &model.DataChunk{
		Id:     uuid.New(),
		Level:  level,
		Points: []model.DataPoint{{StreamId: "s", Value: float64(level)}},
	}
}

func noopLoad(_ *streamcontext.Context, _ *model.DataChunk) error {
	return nil
}

// recorder is a Consumer remembering the order in which chunks were delivered.
type recorder struct {
	mu     sync.Mutex
	chunks []*model.DataChunk
}

func (r *recorder) OnChunkLoaded(chunk *model.DataChunk) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.chunks = append(r.chunks, chunk)
}

func (r *recorder) levels() []int {
	r.mu.Lock()
	defer r.mu.Unlock()
	result := make([]int, len(r.chunks))
	for i, c := range r.chunks {
		result[i] = c.Level
	}
	return result
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.chunks)
}

func newTestLoader(t *testing.T, config Config, load LoadFunc, consumer Consumer) *Loader {
	t.Helper()
	l, err := New(config, load, consumer, metrics.New(prometheus.NewRegistry()), clock.RealClock{})
	require.NoError(t, err)
	return l
}

// startLoader runs the dispatcher until the returned function is called.
func startLoader(t *testing.T, l *Loader) func() {
	t.Helper()
	ctx, cancel := streamcontext.WithCancel(streamcontext.Background())
	done := make(chan error, 1)
	go func() {
		done <- l.Run(ctx)
	}()
	var once sync.Once
	stop := func() {
		once.Do(func() {
			cancel()
			select {
			case err := <-done:
				assert.NoError(t, err)
			case <-time.After(waitFor):
				t.Error("loader did not stop")
			}
		})
	}
	t.Cleanup(stop)
	return stop
}

func TestNew_Validation(t *testing.T) {
	_, err := New(Config{}, nil, nil, nil, clock.RealClock{})
	assert.Error(t, err)
	_, err = New(Config{MaxConcurrent: -1}, noopLoad, nil, nil, clock.RealClock{})
	assert.Error(t, err)
	_, err = New(Config{LoadTimeout: -time.Second}, noopLoad, nil, nil, clock.RealClock{})
	assert.Error(t, err)

	l, err := New(Config{}, noopLoad, nil, nil, clock.RealClock{})
	require.NoError(t, err)
	assert.Equal(t, DefaultMaxConcurrent, l.MaxConcurrent())
	assert.Equal(t, DefaultLoadTimeout, l.loadTimeout)
}

func TestDispatch_HighestPriorityFirst(t *testing.T) {
	rec := &recorder{}
	l := newTestLoader(t, Config{MaxConcurrent: 1}, noopLoad, rec)

	// Encode the priority in the level so the delivery order is visible to the consumer.
	for _, priority := range []int{10, 90, 50} {
		require.NoError(t, l.Submit(testChunk(priority), priority))
	}
	assert.Equal(t, 3, l.Pending())

	startLoader(t, l)
	assert.Eventually(t, func() bool { return rec.count() == 3 }, waitFor, time.Millisecond)
	assert.Equal(t, []int{90, 50, 10}, rec.levels())
	assert.Equal(t, 1, l.MaxInFlightObserved())
}

func TestDispatch_EqualPrioritiesInSubmissionOrder(t *testing.T) {
	rec := &recorder{}
	l := newTestLoader(t, Config{MaxConcurrent: 1}, noopLoad, rec)

	require.NoError(t, l.SubmitBatch([]Request{
		{Chunk: testChunk(1), Priority: 50},
		{Chunk: testChunk(2), Priority: 50},
		{Chunk: testChunk(3), Priority: 70},
		{Chunk: testChunk(4), Priority: 50},
		{Chunk: testChunk(5), Priority: -5},
	}))

	startLoader(t, l)
	assert.Eventually(t, func() bool { return rec.count() == 5 }, waitFor, time.Millisecond)
	assert.Equal(t, []int{3, 1, 2, 4, 5}, rec.levels())
}

func TestDispatch_NeverExceedsMaxConcurrent(t *testing.T) {
	var current, peak atomic.Int32
	load := func(_ *streamcontext.Context, _ *model.DataChunk) error {
		n := current.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		current.Add(-1)
		return nil
	}
	rec := &recorder{}
	l := newTestLoader(t, Config{MaxConcurrent: 3}, load, rec)
	startLoader(t, l)

	for i := 0; i < 10; i++ {
		require.NoError(t, l.Submit(testChunk(i), 100-i))
	}

	assert.Eventually(t, func() bool { return rec.count() == 10 }, waitFor, time.Millisecond)
	assert.LessOrEqual(t, peak.Load(), int32(3))
	assert.LessOrEqual(t, l.MaxInFlightObserved(), 3)
	assert.Equal(t, 3, l.MaxInFlightObserved())
	assert.Eventually(t, func() bool { return l.InFlight() == 0 }, waitFor, time.Millisecond)
	assert.Equal(t, uint64(10), l.Stats().Loaded)
}

func TestDispatch_FailedLoadIsDroppedAndFreesItsSlot(t *testing.T) {
	load := func(_ *streamcontext.Context, chunk *model.DataChunk) error {
		if chunk.Level == 1 {
			return errors.New("storage unavailable")
		}
		return nil
	}
	rec := &recorder{}
	l := newTestLoader(t, Config{MaxConcurrent: 1}, load, rec)
	startLoader(t, l)

	for i := 1; i <= 3; i++ {
		require.NoError(t, l.Submit(testChunk(i), 10))
	}
	assert.Eventually(t, func() bool { return rec.count() == 2 }, waitFor, time.Millisecond)
	assert.Eventually(t, func() bool { return l.InFlight() == 0 }, waitFor, time.Millisecond)
	assert.Equal(t, []int{2, 3}, rec.levels())

	stats := l.Stats()
	assert.Equal(t, uint64(3), stats.Submitted)
	assert.Equal(t, uint64(3), stats.Dispatched)
	assert.Equal(t, uint64(2), stats.Loaded)
	assert.Equal(t, uint64(1), stats.Failed)
	assert.Equal(t, 0, l.Pending())
}

func TestDispatch_LoadTimesOut(t *testing.T) {
	load := func(ctx *streamcontext.Context, chunk *model.DataChunk) error {
		if chunk.Level == 0 {
			<-ctx.Done()
			return ctx.Err()
		}
		return nil
	}
	rec := &recorder{}
	l := newTestLoader(t, Config{MaxConcurrent: 1, LoadTimeout: 20 * time.Millisecond}, load, rec)
	startLoader(t, l)

	require.NoError(t, l.Submit(testChunk(0), 20))
	require.NoError(t, l.Submit(testChunk(1), 10))

	assert.Eventually(t, func() bool { return rec.count() == 1 }, waitFor, time.Millisecond)
	assert.Equal(t, []int{1}, rec.levels())
	assert.Equal(t, uint64(1), l.Stats().TimedOut)
}

func TestDiscard_DropsOnlyPendingRequests(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{}, 10)
	load := func(_ *streamcontext.Context, _ *model.DataChunk) error {
		started <- struct{}{}
		<-release
		return nil
	}
	rec := &recorder{}
	l := newTestLoader(t, Config{MaxConcurrent: 1}, load, rec)
	startLoader(t, l)

	for i := 0; i < 4; i++ {
		require.NoError(t, l.Submit(testChunk(i), 10))
	}
	<-started
	assert.Eventually(t, func() bool { return l.Pending() == 3 }, waitFor, time.Millisecond)

	assert.Equal(t, 3, l.Discard())
	assert.Equal(t, 0, l.Pending())
	assert.Equal(t, 1, l.InFlight())
	assert.Equal(t, 0, l.Discard())

	close(release)
	assert.Eventually(t, func() bool { return rec.count() == 1 }, waitFor, time.Millisecond)
	assert.Equal(t, []int{0}, rec.levels())
	assert.Equal(t, uint64(3), l.Stats().Superseded)
}

func TestRun_CompletionsAfterStopAreDiscarded(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{})
	load := func(_ *streamcontext.Context, _ *model.DataChunk) error {
		close(started)
		<-release
		return nil
	}
	rec := &recorder{}
	l := newTestLoader(t, Config{MaxConcurrent: 1}, load, rec)
	stop := startLoader(t, l)

	require.NoError(t, l.Submit(testChunk(0), 10))
	<-started
	stop()
	close(release)

	assert.False(t, l.Wait(waitFor))
	assert.Equal(t, 0, rec.count())
	assert.Equal(t, uint64(1), l.Stats().Discarded)
	assert.Equal(t, 0, l.InFlight())
}

func TestWait_TimesOutOnLoaderClock(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{})
	load := func(_ *streamcontext.Context, _ *model.DataChunk) error {
		close(started)
		<-release
		return nil
	}
	fakeClock := clocktesting.NewFakeClock(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	l, err := New(Config{MaxConcurrent: 1}, load, nil, nil, fakeClock)
	require.NoError(t, err)
	stop := startLoader(t, l)

	require.NoError(t, l.Submit(testChunk(0), 10))
	<-started

	timedOut := make(chan bool, 1)
	go func() { timedOut <- l.Wait(time.Minute) }()
	require.Eventually(t, fakeClock.HasWaiters, waitFor, time.Millisecond)
	select {
	case <-timedOut:
		t.Fatal("Wait returned before the clock reached its timeout")
	default:
	}
	fakeClock.Step(time.Minute)
	assert.True(t, <-timedOut)

	close(release)
	assert.False(t, l.Wait(waitFor))
	stop()
}

func TestRun_RejectsSecondDispatcher(t *testing.T) {
	l := newTestLoader(t, Config{}, noopLoad, nil)
	startLoader(t, l)
	assert.Eventually(t, l.running.Load, waitFor, time.Millisecond)
	assert.Error(t, l.Run(streamcontext.Background()))
}

func TestSubmitBatch_RejectsWholeBatchOnMissingChunk(t *testing.T) {
	l := newTestLoader(t, Config{}, noopLoad, nil)
	err := l.SubmitBatch([]Request{{Chunk: testChunk(0), Priority: 1}, {Priority: 2}})
	assert.Error(t, err)
	assert.Equal(t, 0, l.Pending())
	assert.NoError(t, l.SubmitBatch(nil))
}

func TestConsumerFunc(t *testing.T) {
	var got *model.DataChunk
	var c Consumer = ConsumerFunc(func(chunk *model.DataChunk) { got = chunk })
	chunk := testChunk(3)
	c.OnChunkLoaded(chunk)
	assert.Same(t, chunk, got)
}
