package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const MetricsPrefix = "streampipe_"

type LoadOutcome string

const (
	LoadOutcomeSuccess    LoadOutcome = "success"
	LoadOutcomeFailure    LoadOutcome = "failure"
	LoadOutcomeTimeout    LoadOutcome = "timeout"
	LoadOutcomeDiscarded  LoadOutcome = "discarded"
	LoadOutcomeSuperseded LoadOutcome = "superseded"
)

type PointRejection string

const (
	PointRejectionUnknownStream  PointRejection = "unknown_stream"
	PointRejectionInactiveStream PointRejection = "inactive_stream"
	PointRejectionNonFinite      PointRejection = "non_finite"
)

// Metrics holds the pipeline's prometheus collectors. All Record methods are safe to call on a nil *Metrics,
// in which case they do nothing.
type Metrics struct {
	pointsAccepted    *prometheus.CounterVec
	pointsOverwritten *prometheus.CounterVec
	pointsRejected    *prometheus.CounterVec
	pointsDrained     prometheus.Counter
	chunksProduced    *prometheus.CounterVec
	chunkLoads        *prometheus.CounterVec
	loadLatency       prometheus.Histogram
	inFlight          prometheus.Gauge
	pending           prometheus.Gauge
	cycleLatency      prometheus.Histogram
	state             *prometheus.GaugeVec
}

// New creates the pipeline metrics and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		pointsAccepted: factory.NewCounterVec(prometheus.CounterOpts{
			Name: MetricsPrefix + "points_accepted_total",
			Help: "Number of data points written into a stream buffer",
		}, []string{"stream"}),
		pointsOverwritten: factory.NewCounterVec(prometheus.CounterOpts{
			Name: MetricsPrefix + "points_overwritten_total",
			Help: "Number of buffered data points discarded because the stream buffer was full",
		}, []string{"stream"}),
		pointsRejected: factory.NewCounterVec(prometheus.CounterOpts{
			Name: MetricsPrefix + "points_rejected_total",
			Help: "Number of data points dropped before reaching a buffer, grouped by reason",
		}, []string{"reason"}),
		pointsDrained: factory.NewCounter(prometheus.CounterOpts{
			Name: MetricsPrefix + "points_drained_total",
			Help: "Number of data points drained from stream buffers by the aggregation cycle",
		}),
		chunksProduced: factory.NewCounterVec(prometheus.CounterOpts{
			Name: MetricsPrefix + "chunks_produced_total",
			Help: "Number of chunks produced by the chunker, grouped by level",
		}, []string{"level"}),
		chunkLoads: factory.NewCounterVec(prometheus.CounterOpts{
			Name: MetricsPrefix + "chunk_loads_total",
			Help: "Number of chunk loads that left the loader, grouped by outcome",
		}, []string{"outcome"}),
		loadLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    MetricsPrefix + "chunk_load_latency_seconds",
			Help:    "Time taken to load a single chunk",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 15),
		}),
		inFlight: factory.NewGauge(prometheus.GaugeOpts{
			Name: MetricsPrefix + "chunk_loads_in_flight",
			Help: "Number of chunk loads currently in flight",
		}),
		pending: factory.NewGauge(prometheus.GaugeOpts{
			Name: MetricsPrefix + "chunk_loads_pending",
			Help: "Number of chunk load requests waiting to be dispatched",
		}),
		cycleLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    MetricsPrefix + "aggregation_cycle_latency_seconds",
			Help:    "Time taken to drain, chunk and submit a single aggregation cycle",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 15),
		}),
		state: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: MetricsPrefix + "state",
			Help: "1 for the current streaming state, 0 otherwise",
		}, []string{"state"}),
	}
}

func (m *Metrics) RecordPointAccepted(streamId string, overwritten bool) {
	if m == nil {
		return
	}
	m.pointsAccepted.WithLabelValues(streamId).Inc()
	if overwritten {
		m.pointsOverwritten.WithLabelValues(streamId).Inc()
	}
}

func (m *Metrics) RecordPointRejected(reason PointRejection) {
	if m == nil {
		return
	}
	m.pointsRejected.WithLabelValues(string(reason)).Inc()
}

func (m *Metrics) RecordDrained(numPoints int) {
	if m == nil {
		return
	}
	m.pointsDrained.Add(float64(numPoints))
}

func (m *Metrics) RecordChunksProduced(level string, numChunks int) {
	if m == nil {
		return
	}
	m.chunksProduced.WithLabelValues(level).Add(float64(numChunks))
}

func (m *Metrics) RecordLoad(outcome LoadOutcome, duration time.Duration) {
	if m == nil {
		return
	}
	m.chunkLoads.WithLabelValues(string(outcome)).Inc()
	if outcome == LoadOutcomeSuccess || outcome == LoadOutcomeFailure || outcome == LoadOutcomeTimeout {
		m.loadLatency.Observe(duration.Seconds())
	}
}

func (m *Metrics) RecordLoadsDropped(outcome LoadOutcome, count int) {
	if m == nil {
		return
	}
	m.chunkLoads.WithLabelValues(string(outcome)).Add(float64(count))
}

func (m *Metrics) SetQueueDepth(inFlight, pending int) {
	if m == nil {
		return
	}
	m.inFlight.Set(float64(inFlight))
	m.pending.Set(float64(pending))
}

func (m *Metrics) RecordCycle(duration time.Duration) {
	if m == nil {
		return
	}
	m.cycleLatency.Observe(duration.Seconds())
}

// SetState marks current as the active state and clears every other state in states.
func (m *Metrics) SetState(current string, states []string) {
	if m == nil {
		return
	}
	for _, s := range states {
		if s == current {
			m.state.WithLabelValues(s).Set(1)
		} else {
			m.state.WithLabelValues(s).Set(0)
		}
	}
}
