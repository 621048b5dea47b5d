package chunker

import (
	"math"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/spatial/r3"
	"gonum.org/v1/gonum/stat"

	"github.com/pulto/streampipe/internal/streampipe/model"
)

const (
	DefaultBasePriority = 100
	DefaultPriorityStep = 10
)

// DefaultChunkSizes are the window sizes of levels 0, 1 and 2.
var DefaultChunkSizes = []int{100, 1000, 10000}

// Chunker partitions a drained batch of points into contiguous windows at several granularity levels.
// Level L uses windows of chunkSizes[L] points; level 0 is the finest.
type Chunker struct {
	chunkSizes   []int
	basePriority int
	priorityStep int
	// Generates chunk ids. Replaced in tests.
	newId func() uuid.UUID
}

// New creates a Chunker using the default priority mapping.
// chunkSizes must be non-empty, positive and strictly ascending.
func New(chunkSizes []int) (*Chunker, error) {
	return NewWithPriorities(chunkSizes, DefaultBasePriority, DefaultPriorityStep)
}

func NewWithPriorities(chunkSizes []int, basePriority, priorityStep int) (*Chunker, error) {
	if priorityStep < 0 {
		return nil, errors.Errorf("priority step must not be negative, got %d", priorityStep)
	}
	if err := ValidateChunkSizes(chunkSizes); err != nil {
		return nil, err
	}
	sizes := make([]int, len(chunkSizes))
	copy(sizes, chunkSizes)
	return &Chunker{
		chunkSizes:   sizes,
		basePriority: basePriority,
		priorityStep: priorityStep,
		newId:        uuid.New,
	}, nil
}

func ValidateChunkSizes(chunkSizes []int) error {
	if len(chunkSizes) == 0 {
		return errors.New("at least one chunk size is required")
	}
	for i, size := range chunkSizes {
		if size <= 0 {
			return errors.Errorf("chunk size at level %d must be greater than zero, got %d", i, size)
		}
		if i > 0 && size <= chunkSizes[i-1] {
			return errors.Errorf("chunk sizes must be strictly ascending, level %d has %d after %d", i, size, chunkSizes[i-1])
		}
	}
	return nil
}

// Levels returns the number of granularity levels.
func (c *Chunker) Levels() int {
	return len(c.chunkSizes)
}

func (c *Chunker) ChunkSizes() []int {
	sizes := make([]int, len(c.chunkSizes))
	copy(sizes, c.chunkSizes)
	return sizes
}

// Chunk partitions points at every level and returns the chunks keyed by level, each level's chunks in input
// order. The number of chunks at level L is ceil(len(points) / chunkSizes[L]). An empty input produces an empty
// map. Chunks share the backing array of points, which must therefore not be modified afterwards.
func (c *Chunker) Chunk(cycle uint64, points []model.DataPoint) map[int][]*model.DataChunk {
	result := make(map[int][]*model.DataChunk, len(c.chunkSizes))
	if len(points) == 0 {
		return result
	}
	values := make([]float64, len(points))
	for i, p := range points {
		values[i] = p.Value
	}
	for level, size := range c.chunkSizes {
		n := len(points) / size
		if len(points)%size != 0 {
			n++
		}
		chunks := make([]*model.DataChunk, 0, n)
		// Sizes may be close to MaxInt, so never compute start + size.
		for start := 0; ; {
			end := len(points)
			if size <= end-start {
				end = start + size
			}
			chunks = append(chunks, c.newChunk(cycle, level, size, start, points[start:end:end], values[start:end]))
			if end == len(points) {
				break
			}
			start = end
		}
		result[level] = chunks
	}
	return result
}

func (c *Chunker) newChunk(cycle uint64, level, size, start int, points []model.DataPoint, values []float64) *model.DataChunk {
	return &model.DataChunk{
		Id:              c.newId(),
		Cycle:           cycle,
		Level:           level,
		ChunkSize:       size,
		StartIndex:      start,
		EndIndex:        start + len(points),
		Points:          points,
		AggregatedValue: stat.Mean(values, nil),
		MinValue:        floats.Min(values),
		MaxValue:        floats.Max(values),
		BoundingBox:     BoundingBox(points),
	}
}

// BoundingBox returns the axis-aligned box enclosing every point that carries a coordinate, or nil if none do.
func BoundingBox(points []model.DataPoint) *r3.Box {
	var box *r3.Box
	for _, p := range points {
		if p.Coordinate == nil {
			continue
		}
		v := *p.Coordinate
		if box == nil {
			box = &r3.Box{Min: v, Max: v}
			continue
		}
		box.Min = r3.Vec{X: math.Min(box.Min.X, v.X), Y: math.Min(box.Min.Y, v.Y), Z: math.Min(box.Min.Z, v.Z)}
		box.Max = r3.Vec{X: math.Max(box.Max.X, v.X), Y: math.Max(box.Max.Y, v.Y), Z: math.Max(box.Max.Z, v.Z)}
	}
	return box
}

// Priority returns the load priority of chunks at the given level.
func (c *Chunker) Priority(level int) int {
	return Priority(level, c.basePriority, c.priorityStep)
}

// Priority maps a level onto a load priority: base - level*step, so finer levels are loaded first.
func Priority(level, base, step int) int {
	return base - level*step
}
