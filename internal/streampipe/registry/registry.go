package registry

import (
	"fmt"
	"math"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/hashicorp/go-memdb"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/pulto/streampipe/internal/streampipe/metrics"
	"github.com/pulto/streampipe/internal/streampipe/model"
	"github.com/pulto/streampipe/internal/streampipe/ringbuffer"
)

// Stream is the registry-internal representation of a stream.
// Records stored in the db must not be modified in place: to change a field, copy the record and re-insert it.
// Copies share the same buffer.
type Stream struct {
	Id     string
	Active bool
	Config model.StreamConfig
	buffer *streamBuffer
}

// streamBuffer owns a stream's ring buffer. The ring buffer has no locking of its own, so mu serialises the
// producer writing into it against the aggregation cycle draining it.
type streamBuffer struct {
	mu          sync.Mutex
	ring        *ringbuffer.RingBuffer[model.DataPoint]
	accepted    uint64
	overwritten uint64
}

func newStream(cfg model.StreamConfig) (*Stream, error) {
	if cfg.Category == "" {
		cfg.Category = model.CategoryGeneric
	}
	if cfg.Name == "" {
		cfg.Name = cfg.Id
	}
	ring, err := ringbuffer.New[model.DataPoint](cfg.BufferCapacity)
	if err != nil {
		return nil, errors.WithMessagef(err, "stream %s", cfg.Id)
	}
	return &Stream{
		Id:     cfg.Id,
		Active: true,
		Config: cfg,
		buffer: &streamBuffer{ring: ring},
	}, nil
}

func (s *Stream) info() model.StreamInfo {
	s.buffer.mu.Lock()
	defer s.buffer.mu.Unlock()
	return model.StreamInfo{
		Config:      s.Config,
		Active:      s.Active,
		Buffered:    s.buffer.ring.Size(),
		Accepted:    s.buffer.accepted,
		Overwritten: s.buffer.overwritten,
	}
}

// Registry owns the set of named streams and their buffers.
//
// Streams are stored in an in-memory database (https://github.com/hashicorp/go-memdb) so that a batch of streams
// is registered or discarded in a single transaction: observers never see a partially started or partially
// stopped registry. Structural changes (start, stop, add, remove, activation) take mu exclusively; Generate and
// Drain share it, so points are never written into a stream that is concurrently being removed.
type Registry struct {
	db         *memdb.MemDB
	mu         sync.RWMutex
	started    bool
	totalCount atomic.Uint64
	metrics    *metrics.Metrics
}

func New(m *metrics.Metrics) (*Registry, error) {
	db, err := memdb.NewMemDB(registrySchema())
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return &Registry{
		db:      db,
		metrics: m,
	}, nil
}

// Start registers one stream per config. If any config is invalid nothing is registered and a *ConfigError
// is returned.
func (r *Registry) Start(configs []model.StreamConfig) error {
	if err := ValidateConfigs(configs); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.started {
		return errors.WithStack(ErrAlreadyStarted)
	}
	txn := r.db.Txn(true)
	defer txn.Abort()
	for _, cfg := range configs {
		stream, err := newStream(cfg)
		if err != nil {
			return err
		}
		if err := txn.Insert(streamsTable, stream); err != nil {
			return errors.WithStack(err)
		}
	}
	txn.Commit()
	r.started = true
	r.totalCount.Store(0)
	log.Infof("Registered %d streams", len(configs))
	return nil
}

// Stop discards every stream along with its buffered points and resets all counters.
func (r *Registry) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	txn := r.db.Txn(true)
	defer txn.Abort()
	removed, err := txn.DeleteAll(streamsTable, idIndex+"_prefix", "")
	if err != nil {
		// The schema is static, so this can only be a programming error.
		log.WithError(err).Error("Failed to discard streams")
		return
	}
	txn.Commit()
	r.started = false
	r.totalCount.Store(0)
	if removed > 0 {
		log.Infof("Discarded %d streams", removed)
	}
}

// Started returns true between a successful Start and the following Stop.
func (r *Registry) Started() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.started
}

// Add registers a single stream on a started registry.
func (r *Registry) Add(cfg model.StreamConfig) error {
	if err := ValidateConfigs([]model.StreamConfig{cfg}); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.started {
		return errors.Errorf("cannot add stream %s: registry not started", cfg.Id)
	}
	txn := r.db.Txn(true)
	defer txn.Abort()
	existing, err := getStream(txn, cfg.Id)
	if err != nil {
		return err
	}
	if existing != nil {
		return &ConfigError{Problems: multierrorOf(errors.Errorf("stream id %q already registered", cfg.Id))}
	}
	stream, err := newStream(cfg)
	if err != nil {
		return err
	}
	if err := txn.Insert(streamsTable, stream); err != nil {
		return errors.WithStack(err)
	}
	txn.Commit()
	return nil
}

// Remove discards a single stream and its buffered points. Returns false if no such stream exists.
func (r *Registry) Remove(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	txn := r.db.Txn(true)
	defer txn.Abort()
	existing, err := getStream(txn, id)
	if err != nil || existing == nil {
		return false
	}
	if err := txn.Delete(streamsTable, existing); err != nil {
		log.WithError(err).Warnf("Failed to remove stream %s", id)
		return false
	}
	txn.Commit()
	return true
}

// SetActive marks a stream active or inactive. Inactive streams reject new points and are skipped by Drain,
// but keep whatever they have buffered. Returns false if no such stream exists.
func (r *Registry) SetActive(id string, active bool) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	txn := r.db.Txn(true)
	defer txn.Abort()
	existing, err := getStream(txn, id)
	if err != nil || existing == nil {
		return false
	}
	if existing.Active == active {
		return true
	}
	updated := *existing
	updated.Active = active
	if err := txn.Insert(streamsTable, &updated); err != nil {
		log.WithError(err).Warnf("Failed to update stream %s", id)
		return false
	}
	txn.Commit()
	return true
}

// Generate pushes a single point onto a stream. Points for unknown or inactive streams, and points whose value
// is not a finite number, are silently dropped.
func (r *Registry) Generate(streamId string, point model.DataPoint) {
	if math.IsNaN(point.Value) || math.IsInf(point.Value, 0) {
		r.metrics.RecordPointRejected(metrics.PointRejectionNonFinite)
		return
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	stream, err := getStream(r.db.Txn(false), streamId)
	if err != nil || stream == nil {
		r.metrics.RecordPointRejected(metrics.PointRejectionUnknownStream)
		return
	}
	if !stream.Active {
		r.metrics.RecordPointRejected(metrics.PointRejectionInactiveStream)
		return
	}
	point.StreamId = streamId

	b := stream.buffer
	b.mu.Lock()
	overwritten := b.ring.Write(point)
	b.accepted++
	if overwritten {
		b.overwritten++
	}
	b.mu.Unlock()

	r.totalCount.Add(1)
	r.metrics.RecordPointAccepted(streamId, overwritten)
}

// Drain empties the buffer of every active stream and returns the points as a single sequence ordered by
// timestamp. Points from the same stream keep their buffer order; ties between streams are broken by stream id.
func (r *Registry) Drain() []model.DataPoint {
	r.mu.RLock()
	defer r.mu.RUnlock()
	streams, err := streamsByActive(r.db.Txn(false), true)
	if err != nil {
		log.WithError(err).Error("Failed to list active streams")
		return nil
	}
	var points []model.DataPoint
	for _, stream := range streams {
		b := stream.buffer
		b.mu.Lock()
		points = append(points, b.ring.Drain()...)
		b.mu.Unlock()
	}
	slices.SortStableFunc(points, func(a, b model.DataPoint) int {
		return a.Timestamp.Compare(b.Timestamp)
	})
	r.metrics.RecordDrained(len(points))
	return points
}

// Streams returns a snapshot of every registered stream in id order.
func (r *Registry) Streams() []model.StreamInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	txn := r.db.Txn(false)
	iter, err := txn.Get(streamsTable, idIndex+"_prefix", "")
	if err != nil {
		log.WithError(err).Error("Failed to list streams")
		return nil
	}
	var result []model.StreamInfo
	for obj := iter.Next(); obj != nil; obj = iter.Next() {
		result = append(result, obj.(*Stream).info())
	}
	return result
}

// Stream returns a snapshot of the stream with the given id.
func (r *Registry) Stream(id string) (model.StreamInfo, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	stream, err := getStream(r.db.Txn(false), id)
	if err != nil || stream == nil {
		return model.StreamInfo{}, false
	}
	return stream.info(), true
}

// TotalCount returns the number of points accepted since the registry was started.
func (r *Registry) TotalCount() uint64 {
	return r.totalCount.Load()
}

// Buffered returns the number of points currently held across all stream buffers.
func (r *Registry) Buffered() int {
	total := 0
	for _, s := range r.Streams() {
		total += s.Buffered
	}
	return total
}

func getStream(txn *memdb.Txn, id string) (*Stream, error) {
	obj, err := txn.First(streamsTable, idIndex, id)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	if obj == nil {
		return nil, nil
	}
	stream, ok := obj.(*Stream)
	if !ok {
		panic(fmt.Sprintf("expected *Stream, but got %T", obj))
	}
	return stream, nil
}

func streamsByActive(txn *memdb.Txn, active bool) ([]*Stream, error) {
	iter, err := txn.Get(streamsTable, activeIndex, active)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	var result []*Stream
	for obj := iter.Next(); obj != nil; obj = iter.Next() {
		result = append(result, obj.(*Stream))
	}
	return result, nil
}
