package configuration

import (
	"time"

	"github.com/pulto/streampipe/internal/streampipe/model"
)

type Configuration struct {
	Metrics  MetricsConfig
	Pipeline PipelineConfig
	// Streams registered when the pipeline starts
	Streams []model.StreamConfig `validate:"dive"`
	Demo    DemoConfig
}

type MetricsConfig struct {
	// Port on which prometheus metrics are served. Zero disables the metrics server.
	Port uint16
}

type PipelineConfig struct {
	// How often buffers are drained, chunked and submitted for loading
	AggregationPeriod time.Duration `validate:"required"`
	// How often the demo producer pushes the points that fell due
	ProducerPeriod time.Duration `validate:"required"`
	// Window size of each granularity level, finest first. Must be strictly ascending.
	ChunkSizes []int `validate:"required,min=1,dive,gt=0"`
	// Maximum number of chunk loads in flight
	MaxConcurrentLoads int `validate:"gte=0"`
	// Maximum duration of a single chunk load
	LoadTimeout time.Duration `validate:"gte=0"`
	// Priority of level 0 chunks; each coarser level is PriorityStep lower
	BasePriority int
	PriorityStep int `validate:"gte=0"`
	// If true, requests left undispatched from an earlier cycle are dropped when a new cycle is submitted. This
	// bounds the memory held by the loader to one cycle's worth of chunks. Off by default, so every submitted
	// chunk is eventually dispatched.
	SupersedePending bool
	// How long Pause and Stop wait for periodic tasks to return
	TaskShutdownTimeout time.Duration `validate:"required"`
}

type DemoConfig struct {
	// Simulated latency of a single chunk load
	LoadLatency time.Duration `validate:"gte=0"`
	// Seed of the synthetic data generators
	Seed uint64
}
