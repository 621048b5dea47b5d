package source

import (
	"math"
	"math/rand/v2"
	"time"

	"gonum.org/v1/gonum/spatial/r3"
	"gonum.org/v1/gonum/stat/distuv"

	"github.com/pulto/streampipe/internal/streampipe/model"
)

// Generator produces synthetic samples for a single stream.
type Generator interface {
	// Next returns the sample taken at t. Calls are made with non-decreasing t.
	Next(t time.Time) model.DataPoint
}

// NewGenerator returns the demo generator for category, drawing its noise from src.
func NewGenerator(category model.Category, src rand.Source) Generator {
	switch category {
	case model.CategorySensor:
		return newSensorGenerator(src)
	case model.CategoryFinancial:
		return newFinancialGenerator(src)
	case model.CategoryScientific:
		return newScientificGenerator(src)
	default:
		return newGenericGenerator(src)
	}
}

// sensorGenerator is a slow sine wave with gaussian noise, measured by a sensor travelling round a ring.
type sensorGenerator struct {
	start  time.Time
	noise  distuv.Normal
	period time.Duration
	radius float64
}

func newSensorGenerator(src rand.Source) *sensorGenerator {
	return &sensorGenerator{
		noise:  distuv.Normal{Mu: 0, Sigma: 0.5, Src: src},
		period: 10 * time.Second,
		radius: 5,
	}
}

func (g *sensorGenerator) Next(t time.Time) model.DataPoint {
	if g.start.IsZero() {
		g.start = t
	}
	phase := 2 * math.Pi * t.Sub(g.start).Seconds() / g.period.Seconds()
	return model.DataPoint{
		Timestamp: t,
		Value:     20 + 5*math.Sin(phase) + g.noise.Rand(),
		Coordinate: &r3.Vec{
			X: g.radius * math.Cos(phase),
			Y: g.radius * math.Sin(phase),
		},
		Metadata: map[string]string{"unit": "celsius"},
	}
}

// financialGenerator is a geometric random walk. Prices have no position.
type financialGenerator struct {
	price   float64
	returns distuv.Normal
}

func newFinancialGenerator(src rand.Source) *financialGenerator {
	return &financialGenerator{
		price:   100,
		returns: distuv.Normal{Mu: 0, Sigma: 0.002, Src: src},
	}
}

func (g *financialGenerator) Next(t time.Time) model.DataPoint {
	g.price *= math.Exp(g.returns.Rand())
	return model.DataPoint{
		Timestamp: t,
		Value:     g.price,
		Metadata:  map[string]string{"unit": "usd"},
	}
}

// scientificGenerator is a damped oscillation, re-excited every decay period, traced along a helix.
type scientificGenerator struct {
	start time.Time
	noise distuv.Normal
	decay time.Duration
	omega float64
}

func newScientificGenerator(src rand.Source) *scientificGenerator {
	return &scientificGenerator{
		noise: distuv.Normal{Mu: 0, Sigma: 0.05, Src: src},
		decay: 20 * time.Second,
		omega: 2 * math.Pi,
	}
}

func (g *scientificGenerator) Next(t time.Time) model.DataPoint {
	if g.start.IsZero() {
		g.start = t
	}
	elapsed := t.Sub(g.start).Seconds()
	sinceExcitation := math.Mod(elapsed, g.decay.Seconds())
	angle := g.omega * elapsed
	return model.DataPoint{
		Timestamp: t,
		Value:     10*math.Exp(-0.2*sinceExcitation)*math.Cos(g.omega*sinceExcitation) + g.noise.Rand(),
		Coordinate: &r3.Vec{
			X: math.Cos(angle),
			Y: math.Sin(angle),
			Z: 0.1 * elapsed,
		},
	}
}

type genericGenerator struct {
	noise distuv.Uniform
}

func newGenericGenerator(src rand.Source) *genericGenerator {
	return &genericGenerator{noise: distuv.Uniform{Min: 0, Max: 1, Src: src}}
}

func (g *genericGenerator) Next(t time.Time) model.DataPoint {
	return model.DataPoint{
		Timestamp: t,
		Value:     g.noise.Rand(),
	}
}
