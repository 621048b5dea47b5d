package model

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/spatial/r3"
)

// Category describes the kind of feed a stream carries. It only affects which demo generator is used.
type Category string

const (
	CategorySensor     Category = "sensor"
	CategoryFinancial  Category = "financial"
	CategoryScientific Category = "scientific"
	CategoryGeneric    Category = "generic"
)

var validCategories = map[Category]bool{
	CategorySensor:     true,
	CategoryFinancial:  true,
	CategoryScientific: true,
	CategoryGeneric:    true,
}

// ParseCategory converts s into a Category. Matching is case-insensitive and the empty string maps to
// CategoryGeneric.
func ParseCategory(s string) (Category, error) {
	c := Category(strings.ToLower(strings.TrimSpace(s)))
	if c == "" {
		return CategoryGeneric, nil
	}
	if !validCategories[c] {
		return "", errors.Errorf("unknown stream category %q", s)
	}
	return c, nil
}

func (c Category) Valid() bool {
	return validCategories[c]
}

// DataPoint is a single sample pushed by a producer. DataPoints are treated as immutable once created.
type DataPoint struct {
	// Id of the stream this point was accepted on. Stamped by the registry.
	StreamId  string
	Timestamp time.Time
	Value     float64
	// Optional position of the sample. Points without a coordinate still contribute to aggregates.
	Coordinate *r3.Vec
	Metadata   map[string]string
}

// HasCoordinate returns true if the point carries a spatial position.
func (p DataPoint) HasCoordinate() bool {
	return p.Coordinate != nil
}

// StreamConfig describes a single stream. All numeric fields must be strictly positive.
type StreamConfig struct {
	Id             string   `validate:"required"`
	Name           string
	Category       Category
	FrequencyHz    float64 `validate:"gt=0"`
	BufferCapacity int     `validate:"gt=0"`
}

// DataChunk is a contiguous window of drained points at a given granularity level.
// Chunks are immutable once produced and never empty.
type DataChunk struct {
	Id uuid.UUID
	// Aggregation cycle that produced this chunk
	Cycle uint64
	// Granularity index, 0 being the finest
	Level int
	// Window size configured for this level. The final window of a level may hold fewer points.
	ChunkSize int
	// Half-open range [StartIndex, EndIndex) within the drained batch
	StartIndex int
	EndIndex   int
	Points     []DataPoint
	// Arithmetic mean of the point values
	AggregatedValue float64
	MinValue        float64
	MaxValue        float64
	// Axis-aligned bounds over the points carrying a coordinate. Nil if none do.
	BoundingBox *r3.Box
}

func (c *DataChunk) Len() int {
	return len(c.Points)
}

func (c *DataChunk) String() string {
	return fmt.Sprintf("chunk %s (cycle %d, level %d, [%d,%d), mean %.4f)",
		c.Id, c.Cycle, c.Level, c.StartIndex, c.EndIndex, c.AggregatedValue)
}
