package task

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"k8s.io/utils/clock"

	"github.com/pulto/streampipe/internal/common/streamcontext"
)

// Func is the body of a periodic task. ctx is cancelled when the task is stopped, long-running bodies should
// check it.
type Func func(ctx *streamcontext.Context)

type task struct {
	function Func
	interval time.Duration
	name     string
	cancel   func()
}

// BackgroundTaskManager runs functions periodically until they are stopped.
// Tasks can be registered again after StopAll, which is how a paused pipeline resumes.
type BackgroundTaskManager struct {
	clock   clock.WithTicker
	latency *prometheus.HistogramVec
	mu      sync.Mutex
	tasks   []*task
	wg      sync.WaitGroup
}

// NewBackgroundTaskManager creates a manager whose task latencies are reported under metricsPrefix. A nil
// registerer creates the metric without registering it.
func NewBackgroundTaskManager(metricsPrefix string, reg prometheus.Registerer, clk clock.WithTicker) *BackgroundTaskManager {
	return &BackgroundTaskManager{
		clock: clk,
		latency: promauto.With(reg).NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    metricsPrefix + "background_task_latency_seconds",
				Help:    "Background task latency in seconds",
				Buckets: prometheus.ExponentialBuckets(0.0005, 2, 15),
			}, []string{"task"}),
	}
}

// Register starts calling backgroundTask every interval, the first call happening immediately.
func (m *BackgroundTaskManager) Register(ctx *streamcontext.Context, backgroundTask Func, interval time.Duration, name string) {
	taskCtx, cancel := streamcontext.WithCancel(streamcontext.WithLogField(ctx, "task", name))
	t := &task{
		function: backgroundTask,
		interval: interval,
		name:     name,
		cancel:   cancel,
	}
	m.mu.Lock()
	m.tasks = append(m.tasks, t)
	m.mu.Unlock()
	m.startBackgroundTask(taskCtx, t)
}

// StopAll stops every registered task and waits for running bodies to return. Returns true if that took longer
// than timeout.
func (m *BackgroundTaskManager) StopAll(timeout time.Duration) bool {
	m.stopTasks()
	return m.waitForShutdownCompletion(timeout)
}

// Running returns the number of registered tasks.
func (m *BackgroundTaskManager) Running() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.tasks)
}

func (m *BackgroundTaskManager) startBackgroundTask(ctx *streamcontext.Context, t *task) {
	observer := m.latency.WithLabelValues(t.name)
	run := func() {
		start := m.clock.Now()
		t.function(ctx)
		observer.Observe(m.clock.Since(start).Seconds())
	}

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		run()

		ticker := m.clock.NewTicker(t.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C():
			case <-ctx.Done():
				return
			}
			// Stop may race with the tick, don't start another run once cancelled.
			if ctx.Err() != nil {
				return
			}
			run()
		}
	}()
}

func (m *BackgroundTaskManager) waitForShutdownCompletion(timeout time.Duration) bool {
	c := make(chan struct{})
	go func() {
		defer close(c)
		m.wg.Wait()
	}()
	select {
	case <-c:
		return false // completed normally
	case <-m.clock.After(timeout):
		return true // timed out
	}
}

func (m *BackgroundTaskManager) stopTasks() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range m.tasks {
		t.cancel()
	}
	m.tasks = nil
}
