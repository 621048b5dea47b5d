package source

import (
	"sync"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/exp/maps"
	"k8s.io/utils/clock"

	"github.com/pulto/streampipe/internal/common/streamcontext"
	"github.com/pulto/streampipe/internal/streampipe/loader"
	"github.com/pulto/streampipe/internal/streampipe/model"
)

// SimulatedLoad returns a LoadFunc standing in for a downstream store: every load takes latency and then
// succeeds, unless its context ends first.
func SimulatedLoad(latency time.Duration, clk clock.Clock) loader.LoadFunc {
	return func(ctx *streamcontext.Context, chunk *model.DataChunk) error {
		if latency <= 0 {
			return nil
		}
		select {
		case <-clk.After(latency):
			return nil
		case <-ctx.Done():
			return errors.WithMessagef(ctx.Err(), "loading %s", chunk.Id)
		}
	}
}

// LoggingConsumer logs every loaded chunk and keeps a count per level.
type LoggingConsumer struct {
	ctx     *streamcontext.Context
	mu      sync.Mutex
	byLevel map[int]int
}

func NewLoggingConsumer(ctx *streamcontext.Context) *LoggingConsumer {
	return &LoggingConsumer{
		ctx:     ctx,
		byLevel: map[int]int{},
	}
}

func (c *LoggingConsumer) OnChunkLoaded(chunk *model.DataChunk) {
	c.mu.Lock()
	c.byLevel[chunk.Level]++
	c.mu.Unlock()
	c.ctx.Log.Debugf("Loaded %s", chunk)
}

// Loaded returns the number of chunks received for each level.
func (c *LoggingConsumer) Loaded() map[int]int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return maps.Clone(c.byLevel)
}
