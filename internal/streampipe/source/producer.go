package source

import (
	"math"
	"math/rand/v2"
	"sync"
	"time"

	"k8s.io/utils/clock"

	"github.com/pulto/streampipe/internal/common/streamcontext"
	"github.com/pulto/streampipe/internal/streampipe/model"
)

// Target is where a Producer sends its points.
type Target interface {
	Streams() []model.StreamInfo
	Generate(streamId string, point model.DataPoint)
}

type streamState struct {
	generator Generator
	// Timestamp of the last point emitted
	last time.Time
	// Time between two points
	interval time.Duration
}

// Producer feeds every active stream of a Target with synthetic points at the stream's configured frequency.
// It is driven by calling Tick periodically; each tick emits the points that fell due since the previous one.
type Producer struct {
	target Target
	clock  clock.Clock
	seed   uint64
	mu     sync.Mutex
	// Generator state by stream id
	streams map[string]*streamState
	created uint64
}

func NewProducer(target Target, seed uint64, clk clock.Clock) *Producer {
	return &Producer{
		target:  target,
		clock:   clk,
		seed:    seed,
		streams: map[string]*streamState{},
	}
}

// Tick emits every point that fell due since the previous tick. A stream never receives more points in one
// tick than its buffer can hold, older ones would only be overwritten before the next drain.
func (p *Producer) Tick(ctx *streamcontext.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	now := p.clock.Now()
	seen := make(map[string]bool, len(p.streams))
	emitted := 0
	for _, info := range p.target.Streams() {
		id := info.Config.Id
		seen[id] = true
		state, ok := p.streams[id]
		if !ok {
			state = p.newStreamState(info.Config, now)
			p.streams[id] = state
		}
		if !info.Active {
			// Inactive streams don't accumulate a backlog.
			state.last = now
			continue
		}
		due := int(now.Sub(state.last) / state.interval)
		if due > info.Config.BufferCapacity {
			state.last = now.Add(-time.Duration(info.Config.BufferCapacity) * state.interval)
			due = info.Config.BufferCapacity
		}
		for i := 0; i < due; i++ {
			if ctx.Err() != nil {
				return
			}
			state.last = state.last.Add(state.interval)
			p.target.Generate(id, state.generator.Next(state.last))
		}
		emitted += due
	}
	for id := range p.streams {
		if !seen[id] {
			delete(p.streams, id)
		}
	}
	if emitted > 0 {
		ctx.Log.Debugf("Produced %d points", emitted)
	}
}

func (p *Producer) newStreamState(config model.StreamConfig, now time.Time) *streamState {
	p.created++
	return &streamState{
		generator: NewGenerator(config.Category, rand.NewPCG(p.seed, p.created)),
		last:      now,
		interval:  emitInterval(config.FrequencyHz),
	}
}

// emitInterval is the time between two points of a stream at frequencyHz, clamped to [1ns, MaxInt64].
func emitInterval(frequencyHz float64) time.Duration {
	interval := float64(time.Second) / frequencyHz
	if interval >= math.MaxInt64 {
		return time.Duration(math.MaxInt64)
	}
	if interval < 1 {
		return time.Nanosecond
	}
	return time.Duration(interval)
}

// Reset forgets every stream, so the next tick starts emitting from scratch.
func (p *Producer) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.streams = map[string]*streamState{}
}
