package loader

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-memdb"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"k8s.io/utils/clock"

	"github.com/pulto/streampipe/internal/common/streamcontext"
	"github.com/pulto/streampipe/internal/streampipe/metrics"
	"github.com/pulto/streampipe/internal/streampipe/model"
)

const (
	DefaultMaxConcurrent = 3
	DefaultLoadTimeout   = 5 * time.Second
)

// LoadFunc performs the actual load of a chunk. ctx is cancelled once the load timeout expires or the loader is
// stopped; implementations should return promptly when that happens.
type LoadFunc func(ctx *streamcontext.Context, chunk *model.DataChunk) error

// Consumer is notified of every chunk that loaded successfully.
// OnChunkLoaded is called from the goroutine that ran the load and must not block for long.
type Consumer interface {
	OnChunkLoaded(chunk *model.DataChunk)
}

// ConsumerFunc adapts an ordinary function to a Consumer.
type ConsumerFunc func(chunk *model.DataChunk)

func (f ConsumerFunc) OnChunkLoaded(chunk *model.DataChunk) {
	f(chunk)
}

// Request asks for chunk to be loaded. Higher priorities are dispatched first.
type Request struct {
	Chunk    *model.DataChunk
	Priority int
}

type Config struct {
	// Maximum number of loads running at once. Zero means DefaultMaxConcurrent.
	MaxConcurrent int
	// Maximum duration of a single load. Zero means DefaultLoadTimeout.
	LoadTimeout time.Duration
}

// Stats counts requests by what happened to them.
type Stats struct {
	Submitted  uint64
	Dispatched uint64
	Loaded     uint64
	Failed     uint64
	TimedOut   uint64
	// Loads that completed after the loader was stopped
	Discarded uint64
	// Requests dropped before dispatch by Discard
	Superseded uint64
}

// Loader dispatches chunk loads in priority order with at most MaxConcurrent loads in flight.
//
// Pending requests are held in an in-memory database (https://github.com/hashicorp/go-memdb) indexed by
// (priority descending, submission order), so the next request to dispatch is always the first entry of the
// order index. A batch submitted in one call becomes visible to the dispatcher atomically.
// Failed and timed out loads are counted and dropped, they are never retried.
type Loader struct {
	db            *memdb.MemDB
	load          LoadFunc
	consumer      Consumer
	maxConcurrent int
	loadTimeout   time.Duration
	clock         clock.Clock
	metrics       *metrics.Metrics

	// Guards everything below, including writes to db.
	mu          sync.Mutex
	serial      uint64
	pending     int
	inFlight    int
	maxInFlight int
	stats       Stats

	// Signalled whenever a request is submitted or a load completes.
	notify  chan struct{}
	running atomic.Bool
	loads   sync.WaitGroup
}

func New(config Config, load LoadFunc, consumer Consumer, m *metrics.Metrics, clk clock.Clock) (*Loader, error) {
	if load == nil {
		return nil, errors.New("load function must not be nil")
	}
	if config.MaxConcurrent < 0 {
		return nil, errors.Errorf("max concurrent loads must not be negative, got %d", config.MaxConcurrent)
	}
	if config.LoadTimeout < 0 {
		return nil, errors.Errorf("load timeout must not be negative, got %s", config.LoadTimeout)
	}
	if config.MaxConcurrent == 0 {
		config.MaxConcurrent = DefaultMaxConcurrent
	}
	if config.LoadTimeout == 0 {
		config.LoadTimeout = DefaultLoadTimeout
	}
	db, err := memdb.NewMemDB(queueSchema())
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return &Loader{
		db:            db,
		load:          load,
		consumer:      consumer,
		maxConcurrent: config.MaxConcurrent,
		loadTimeout:   config.LoadTimeout,
		clock:         clk,
		metrics:       m,
		notify:        make(chan struct{}, 1),
	}, nil
}

// Submit queues a single chunk for loading.
func (l *Loader) Submit(chunk *model.DataChunk, priority int) error {
	return l.SubmitBatch([]Request{{Chunk: chunk, Priority: priority}})
}

// SubmitBatch queues every request in a single transaction, so the dispatcher orders the whole batch by
// priority rather than by submission order. If any request is invalid nothing is queued.
func (l *Loader) SubmitBatch(requests []Request) error {
	if len(requests) == 0 {
		return nil
	}
	if err := l.insert(requests); err != nil {
		return err
	}
	l.wake()
	return nil
}

func (l *Loader) insert(requests []Request) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	txn := l.db.Txn(true)
	defer txn.Abort()
	serial := l.serial
	for i, req := range requests {
		if req.Chunk == nil {
			return errors.Errorf("request %d has no chunk", i)
		}
		serial++
		if err := txn.Insert(requestsTable, &loadRequest{
			Serial:   serial,
			Rank:     -req.Priority,
			Priority: req.Priority,
			Chunk:    req.Chunk,
		}); err != nil {
			return errors.WithStack(err)
		}
	}
	txn.Commit()
	l.serial = serial
	l.pending += len(requests)
	l.stats.Submitted += uint64(len(requests))
	l.metrics.SetQueueDepth(l.inFlight, l.pending)
	return nil
}

// Discard drops every request that has not been dispatched yet and returns how many were dropped.
// Loads already in flight are unaffected.
func (l *Loader) Discard() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	txn := l.db.Txn(true)
	defer txn.Abort()
	removed, err := txn.DeleteAll(requestsTable, orderIndex+"_prefix")
	if err != nil {
		log.WithError(err).Error("Failed to discard pending load requests")
		return 0
	}
	txn.Commit()
	l.pending -= removed
	l.stats.Superseded += uint64(removed)
	l.metrics.RecordLoadsDropped(metrics.LoadOutcomeSuperseded, removed)
	l.metrics.SetQueueDepth(l.inFlight, l.pending)
	return removed
}

// Run dispatches pending requests until ctx is cancelled. Loads still in flight when Run returns carry on until
// their context expires, but their results are discarded.
func (l *Loader) Run(ctx *streamcontext.Context) error {
	if !l.running.CompareAndSwap(false, true) {
		return errors.New("loader is already running")
	}
	defer l.running.Store(false)
	ctx.Log.Infof("Dispatching chunk loads with at most %d in flight", l.maxConcurrent)
	for {
		if err := l.dispatch(ctx); err != nil {
			return err
		}
		select {
		case <-ctx.Done():
			ctx.Log.Info("Chunk loader stopped")
			return nil
		case <-l.notify:
		}
	}
}

// dispatch starts loads for the highest priority requests until the concurrency limit is reached or the queue
// is empty.
func (l *Loader) dispatch(ctx *streamcontext.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	for l.inFlight < l.maxConcurrent && ctx.Err() == nil {
		req, err := l.popNext()
		if err != nil {
			return err
		}
		if req == nil {
			break
		}
		l.pending--
		l.inFlight++
		if l.inFlight > l.maxInFlight {
			l.maxInFlight = l.inFlight
		}
		l.stats.Dispatched++
		l.loads.Add(1)
		go l.runLoad(ctx, req)
	}
	l.metrics.SetQueueDepth(l.inFlight, l.pending)
	return nil
}

func (l *Loader) popNext() (*loadRequest, error) {
	txn := l.db.Txn(true)
	defer txn.Abort()
	obj, err := txn.First(requestsTable, orderIndex+"_prefix")
	if err != nil {
		return nil, errors.WithStack(err)
	}
	if obj == nil {
		return nil, nil
	}
	req, ok := obj.(*loadRequest)
	if !ok {
		panic(fmt.Sprintf("expected *loadRequest, but got %T", obj))
	}
	if err := txn.Delete(requestsTable, req); err != nil {
		return nil, errors.WithStack(err)
	}
	txn.Commit()
	return req, nil
}

func (l *Loader) runLoad(ctx *streamcontext.Context, req *loadRequest) {
	defer l.loads.Done()
	loadCtx, cancel := streamcontext.WithTimeout(
		streamcontext.WithLogField(ctx, "chunk", req.Chunk.Id), l.loadTimeout)
	start := l.clock.Now()
	err := l.load(loadCtx, req.Chunk)
	duration := l.clock.Since(start)
	timedOut := errors.Is(loadCtx.Err(), context.DeadlineExceeded)
	cancel()

	var outcome metrics.LoadOutcome
	switch {
	case ctx.Err() != nil:
		outcome = metrics.LoadOutcomeDiscarded
	case timedOut:
		outcome = metrics.LoadOutcomeTimeout
		loadCtx.Log.Warnf("Load of level %d chunk timed out after %s", req.Chunk.Level, l.loadTimeout)
	case err != nil:
		outcome = metrics.LoadOutcomeFailure
		loadCtx.Log.WithError(err).Warnf("Load of level %d chunk failed", req.Chunk.Level)
	default:
		outcome = metrics.LoadOutcomeSuccess
	}

	l.mu.Lock()
	l.inFlight--
	switch outcome {
	case metrics.LoadOutcomeSuccess:
		l.stats.Loaded++
	case metrics.LoadOutcomeFailure:
		l.stats.Failed++
	case metrics.LoadOutcomeTimeout:
		l.stats.TimedOut++
	case metrics.LoadOutcomeDiscarded:
		l.stats.Discarded++
	}
	l.metrics.SetQueueDepth(l.inFlight, l.pending)
	l.mu.Unlock()
	l.metrics.RecordLoad(outcome, duration)

	if outcome == metrics.LoadOutcomeSuccess && l.consumer != nil {
		l.consumer.OnChunkLoaded(req.Chunk)
	}
	l.wake()
}

func (l *Loader) wake() {
	select {
	case l.notify <- struct{}{}:
	default:
	}
}

// Wait blocks until every dispatched load has returned or timeout elapses. Returns true on timeout.
func (l *Loader) Wait(timeout time.Duration) bool {
	c := make(chan struct{})
	go func() {
		defer close(c)
		l.loads.Wait()
	}()
	select {
	case <-c:
		return false
	case <-l.clock.After(timeout):
		return true
	}
}

// Pending returns the number of requests waiting to be dispatched.
func (l *Loader) Pending() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.pending
}

// InFlight returns the number of loads currently running.
func (l *Loader) InFlight() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.inFlight
}

// MaxInFlightObserved returns the highest number of loads that have been in flight at once.
func (l *Loader) MaxInFlightObserved() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.maxInFlight
}

func (l *Loader) MaxConcurrent() int {
	return l.maxConcurrent
}

func (l *Loader) Stats() Stats {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.stats
}
