package orchestrator

import (
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"k8s.io/utils/clock"

	"github.com/pulto/streampipe/internal/common/logging"
	"github.com/pulto/streampipe/internal/common/streamcontext"
	"github.com/pulto/streampipe/internal/common/task"
	"github.com/pulto/streampipe/internal/streampipe/chunker"
	"github.com/pulto/streampipe/internal/streampipe/configuration"
	"github.com/pulto/streampipe/internal/streampipe/loader"
	"github.com/pulto/streampipe/internal/streampipe/metrics"
	"github.com/pulto/streampipe/internal/streampipe/model"
	"github.com/pulto/streampipe/internal/streampipe/registry"
)

const (
	producerTaskName    = "produce"
	aggregationTaskName = "aggregate"
)

var allStates = []string{
	model.StateIdle.String(),
	model.StateConnecting.String(),
	model.StateStreaming.String(),
	model.StatePaused.String(),
	model.StateError.String(),
}

// Producer pushes points into the registry from a periodic task while the pipeline is streaming.
type Producer interface {
	Tick(ctx *streamcontext.Context)
	Reset()
}

// session is everything created by a successful Start and torn down by Stop.
type session struct {
	id     uint64
	ctx    *streamcontext.Context
	cancel func()
	loader *loader.Loader
	cycle  atomic.Uint64
}

// Orchestrator drives the pipeline through its lifecycle:
//
//	Idle -> Connecting -> Streaming <-> Paused
//
// with Error reachable from Connecting (invalid stream configuration) and from Streaming or Paused (the loader
// failed), and Idle reachable from every state through Stop. Every transition method returns the resulting
// Status. Calling a transition from a state where it does not apply changes nothing and returns the current
// Status.
type Orchestrator struct {
	config   configuration.PipelineConfig
	registry *registry.Registry
	chunker  *chunker.Chunker
	producer Producer
	load     loader.LoadFunc
	consumer loader.Consumer
	metrics  *metrics.Metrics
	tasks    *task.BackgroundTaskManager
	clock    clock.Clock

	// Serialises transitions. Held while waiting for periodic tasks to stop, so tasks must never take it.
	lifecycle sync.Mutex
	// Guards the fields below. Held only briefly.
	mu        sync.Mutex
	state     model.StreamingState
	message   string
	session   *session
	sessions  uint64
	cycles    uint64
	processed uint64
	loaded    uint64

	// Serialises publication so subscribers see statuses in the order they were taken.
	subMu       sync.Mutex
	subscribers map[int]chan model.Status
	nextSub     int
}

// New creates an idle orchestrator. producer may be nil when points are only pushed through Generate.
// consumer is notified of every chunk loaded by the current session.
func New(
	config configuration.PipelineConfig,
	reg *registry.Registry,
	producer Producer,
	load loader.LoadFunc,
	consumer loader.Consumer,
	m *metrics.Metrics,
	tasks *task.BackgroundTaskManager,
	clk clock.Clock,
) (*Orchestrator, error) {
	if config.AggregationPeriod <= 0 {
		return nil, errors.Errorf("aggregation period must be positive, got %s", config.AggregationPeriod)
	}
	if producer != nil && config.ProducerPeriod <= 0 {
		return nil, errors.Errorf("producer period must be positive, got %s", config.ProducerPeriod)
	}
	c, err := chunker.NewWithPriorities(config.ChunkSizes, config.BasePriority, config.PriorityStep)
	if err != nil {
		return nil, errors.WithMessage(err, "invalid chunk sizes")
	}
	o := &Orchestrator{
		config:      config,
		registry:    reg,
		chunker:     c,
		producer:    producer,
		load:        load,
		consumer:    consumer,
		metrics:     m,
		tasks:       tasks,
		clock:       clk,
		state:       model.StateIdle,
		subscribers: map[int]chan model.Status{},
	}
	m.SetState(o.state.String(), allStates)
	return o, nil
}

// Start registers configs and starts streaming. It only applies when Idle. If any config is invalid no stream
// is registered, the orchestrator moves to Error and the *registry.ConfigError is returned.
func (o *Orchestrator) Start(ctx *streamcontext.Context, configs []model.StreamConfig) (model.Status, error) {
	o.lifecycle.Lock()
	defer o.lifecycle.Unlock()
	if o.State() != model.StateIdle {
		return o.Status(), nil
	}
	o.setState(model.StateConnecting, "")

	if err := o.registry.Start(configs); err != nil {
		ctx.Log.WithError(err).Error("Could not start streaming")
		o.setState(model.StateError, err.Error())
		return o.Status(), err
	}

	o.mu.Lock()
	o.sessions++
	id := o.sessions
	o.mu.Unlock()

	s := &session{id: id}
	s.ctx, s.cancel = streamcontext.WithCancel(streamcontext.WithLogField(ctx, "session", id))
	l, err := loader.New(
		loader.Config{MaxConcurrent: o.config.MaxConcurrentLoads, LoadTimeout: o.config.LoadTimeout},
		o.load,
		loader.ConsumerFunc(func(chunk *model.DataChunk) { o.deliver(id, chunk) }),
		o.metrics,
		o.clock,
	)
	if err != nil {
		s.cancel()
		o.registry.Stop()
		o.setState(model.StateError, err.Error())
		return o.Status(), err
	}
	s.loader = l

	o.mu.Lock()
	o.session = s
	o.cycles = 0
	o.processed = 0
	o.loaded = 0
	o.mu.Unlock()

	go o.runLoader(s)
	o.startTasks(s)
	s.ctx.Log.Infof("Streaming %d streams", len(configs))
	o.setState(model.StateStreaming, "")
	return o.Status(), nil
}

// Pause stops the periodic tasks. Buffers keep whatever they hold and loads already submitted carry on.
func (o *Orchestrator) Pause() model.Status {
	o.lifecycle.Lock()
	defer o.lifecycle.Unlock()
	if o.State() != model.StateStreaming {
		return o.Status()
	}
	o.setState(model.StatePaused, "")
	o.stopTasks()
	return o.Status()
}

// Resume restarts the periodic tasks of a paused pipeline.
func (o *Orchestrator) Resume() model.Status {
	o.lifecycle.Lock()
	defer o.lifecycle.Unlock()
	if o.State() != model.StatePaused {
		return o.Status()
	}
	o.mu.Lock()
	s := o.session
	o.mu.Unlock()
	o.startTasks(s)
	o.setState(model.StateStreaming, "")
	return o.Status()
}

// Stop tears the pipeline down from any state: periodic tasks are stopped, streams and their buffered points
// are discarded, pending loads are dropped and counters reset. Loads in flight are left to finish but their
// results are not delivered.
func (o *Orchestrator) Stop() model.Status {
	o.lifecycle.Lock()
	defer o.lifecycle.Unlock()
	if o.State() == model.StateIdle {
		return o.Status()
	}
	o.stopTasks()

	o.mu.Lock()
	s := o.session
	o.session = nil
	o.cycles = 0
	o.processed = 0
	o.loaded = 0
	o.mu.Unlock()

	if s != nil {
		s.cancel()
		if dropped := s.loader.Discard(); dropped > 0 {
			s.ctx.Log.Infof("Dropped %d pending chunk loads", dropped)
		}
	}
	o.registry.Stop()
	if o.producer != nil {
		o.producer.Reset()
	}
	o.setState(model.StateIdle, "")
	log.Info("Streaming stopped")
	return o.Status()
}

// Flush runs one aggregation cycle immediately. It applies while Streaming or Paused. It holds the lifecycle
// lock so the cycle cannot straddle a Stop and the next Start.
func (o *Orchestrator) Flush() model.Status {
	o.lifecycle.Lock()
	defer o.lifecycle.Unlock()
	o.mu.Lock()
	s := o.session
	state := o.state
	o.mu.Unlock()
	if s != nil && (state == model.StateStreaming || state == model.StatePaused) {
		o.aggregate(s.ctx, s)
	}
	return o.Status()
}

// Generate pushes a point onto a stream. It is dropped unless the stream exists and is active.
func (o *Orchestrator) Generate(streamId string, point model.DataPoint) {
	o.registry.Generate(streamId, point)
}

// AddStream registers one more stream while the pipeline is running.
func (o *Orchestrator) AddStream(config model.StreamConfig) error {
	if err := o.registry.Add(config); err != nil {
		return err
	}
	o.publish()
	return nil
}

func (o *Orchestrator) RemoveStream(id string) bool {
	removed := o.registry.Remove(id)
	if removed {
		o.publish()
	}
	return removed
}

// SetStreamActive pauses or resumes a single stream. Inactive streams reject points and are not drained.
func (o *Orchestrator) SetStreamActive(id string, active bool) bool {
	ok := o.registry.SetActive(id, active)
	if ok {
		o.publish()
	}
	return ok
}

func (o *Orchestrator) State() model.StreamingState {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

// Status returns a snapshot of the pipeline.
func (o *Orchestrator) Status() model.Status {
	o.mu.Lock()
	status := model.Status{
		IsStreaming:    o.state == model.StateStreaming,
		State:          o.state,
		Message:        o.message,
		Cycles:         o.cycles,
		ProcessedCount: o.processed,
		LoadedChunks:   o.loaded,
	}
	s := o.session
	o.mu.Unlock()

	status.TotalCount = o.registry.TotalCount()
	status.Streams = o.registry.Streams()
	if s != nil {
		stats := s.loader.Stats()
		status.FailedChunks = stats.Failed + stats.TimedOut
		status.PendingChunks = s.loader.Pending()
		status.InFlight = s.loader.InFlight()
	}
	return status
}

func (o *Orchestrator) setState(state model.StreamingState, message string) {
	o.mu.Lock()
	previous := o.state
	o.state = state
	o.message = message
	o.mu.Unlock()
	if previous != state {
		log.Infof("Pipeline state changed from %s to %s", previous, state)
	}
	o.metrics.SetState(state.String(), allStates)
	o.publish()
}

func (o *Orchestrator) startTasks(s *session) {
	if o.producer != nil {
		o.tasks.Register(s.ctx, o.producer.Tick, o.config.ProducerPeriod, producerTaskName)
	}
	o.tasks.Register(s.ctx, func(ctx *streamcontext.Context) { o.aggregate(ctx, s) },
		o.config.AggregationPeriod, aggregationTaskName)
}

func (o *Orchestrator) stopTasks() {
	if timedOut := o.tasks.StopAll(o.config.TaskShutdownTimeout); timedOut {
		log.Warnf("Periodic tasks did not stop within %s", o.config.TaskShutdownTimeout)
	}
}

// runLoader dispatches loads for the lifetime of s. If the dispatcher fails while s is still current the
// pipeline moves to Error.
func (o *Orchestrator) runLoader(s *session) {
	err := s.loader.Run(s.ctx)
	if err == nil {
		return
	}
	logging.WithStacktrace(s.ctx.Log, err).Error("Chunk loader failed")

	o.lifecycle.Lock()
	defer o.lifecycle.Unlock()
	o.mu.Lock()
	current := o.session == s && (o.state == model.StateStreaming || o.state == model.StatePaused)
	o.mu.Unlock()
	if !current {
		return
	}
	o.stopTasks()
	o.setState(model.StateError, err.Error())
}

// aggregate runs one aggregation cycle: drain every active buffer, chunk the batch at every level and submit
// the chunks for loading with their level's priority.
func (o *Orchestrator) aggregate(ctx *streamcontext.Context, s *session) {
	o.mu.Lock()
	current := o.session == s
	o.mu.Unlock()
	if !current || ctx.Err() != nil {
		return
	}

	start := o.clock.Now()
	points := o.registry.Drain()
	cycle := s.nextCycle()
	if len(points) > 0 {
		chunks := o.chunker.Chunk(cycle, points)
		var requests []loader.Request
		for level := 0; level < o.chunker.Levels(); level++ {
			priority := o.chunker.Priority(level)
			for _, chunk := range chunks[level] {
				requests = append(requests, loader.Request{Chunk: chunk, Priority: priority})
			}
			o.metrics.RecordChunksProduced(strconv.Itoa(level), len(chunks[level]))
		}
		if o.config.SupersedePending {
			if superseded := s.loader.Discard(); superseded > 0 {
				ctx.Log.Debugf("Superseded %d chunk loads from earlier cycles", superseded)
			}
		}
		if err := s.loader.SubmitBatch(requests); err != nil {
			logging.WithStacktrace(ctx.Log, err).Error("Failed to submit chunks")
		} else {
			ctx.Log.Debugf("Cycle %d submitted %d chunks from %d points", cycle, len(requests), len(points))
		}
	}

	o.mu.Lock()
	if o.session == s {
		o.cycles++
		o.processed += uint64(len(points))
	}
	o.mu.Unlock()
	o.metrics.RecordCycle(o.clock.Since(start))
	o.publish()
}

// deliver forwards a loaded chunk to the consumer if the session that loaded it is still current.
func (o *Orchestrator) deliver(sessionId uint64, chunk *model.DataChunk) {
	o.mu.Lock()
	current := o.session != nil && o.session.id == sessionId &&
		(o.state == model.StateStreaming || o.state == model.StatePaused)
	if current {
		o.loaded++
	}
	o.mu.Unlock()
	if current && o.consumer != nil {
		o.consumer.OnChunkLoaded(chunk)
	}
}

func (s *session) nextCycle() uint64 {
	return s.cycle.Add(1)
}
