package registry

import (
	"math"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/spatial/r3"

	"github.com/pulto/streampipe/internal/streampipe/metrics"
	"github.com/pulto/streampipe/internal/streampipe/model"
)

var baseTime = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func TestRegistrySchema(t *testing.T) {
	err := registrySchema().Validate()
	assert.NoError(t, err)
}

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	r, err := New(metrics.New(prometheus.NewRegistry()))
	require.NoError(t, err)
	return r
}

func testConfig(id string, capacity int) model.StreamConfig {
	return model.StreamConfig{
		Id:             id,
		Name:           "stream " + id,
		Category:       model.CategorySensor,
		FrequencyHz:    10,
		BufferCapacity: capacity,
	}
}

func point(offset int, value float64) model.DataPoint {
	return model.DataPoint{
		Timestamp: baseTime.Add(time.Duration(offset) * time.Millisecond),
		Value:     value,
	}
}

func values(points []model.DataPoint) []float64 {
	result := make([]float64, len(points))
	for i, p := range points {
		result[i] = p.Value
	}
	return result
}

func TestStart_RegistersAllStreams(t *testing.T) {
	r := newTestRegistry(t)
	err := r.Start([]model.StreamConfig{testConfig("b", 5), testConfig("a", 3)})
	require.NoError(t, err)
	assert.True(t, r.Started())

	streams := r.Streams()
	require.Len(t, streams, 2)
	assert.Equal(t, "a", streams[0].Config.Id)
	assert.Equal(t, "b", streams[1].Config.Id)
	assert.True(t, streams[0].Active)
}

func TestStart_DefaultsNameAndCategory(t *testing.T) {
	r := newTestRegistry(t)
	require.NoError(t, r.Start([]model.StreamConfig{{Id: "x", FrequencyHz: 1, BufferCapacity: 1}}))
	info, ok := r.Stream("x")
	require.True(t, ok)
	assert.Equal(t, "x", info.Config.Name)
	assert.Equal(t, model.CategoryGeneric, info.Config.Category)
}

func TestStart_InvalidBatchRegistersNothing(t *testing.T) {
	tests := map[string][]model.StreamConfig{
		"duplicate id":       {testConfig("a", 5), testConfig("a", 5)},
		"zero capacity":      {testConfig("a", 5), testConfig("b", 0)},
		"negative frequency": {testConfig("a", 5), {Id: "b", FrequencyHz: -1, BufferCapacity: 5}},
		"nan frequency":      {{Id: "a", FrequencyHz: math.NaN(), BufferCapacity: 5}},
		"empty id":           {{FrequencyHz: 1, BufferCapacity: 5}},
		"bad category":       {{Id: "a", Category: "weather", FrequencyHz: 1, BufferCapacity: 5}},
	}
	for name, configs := range tests {
		t.Run(name, func(t *testing.T) {
			r := newTestRegistry(t)
			err := r.Start(configs)
			require.Error(t, err)

			var configErr *ConfigError
			assert.True(t, errors.As(err, &configErr))
			assert.False(t, r.Started())
			assert.Empty(t, r.Streams())
		})
	}
}

func TestValidateConfigs_ReportsEveryProblem(t *testing.T) {
	err := ValidateConfigs([]model.StreamConfig{
		{Id: "a", FrequencyHz: 0, BufferCapacity: 0},
		testConfig("a", 5),
	})
	var configErr *ConfigError
	require.True(t, errors.As(err, &configErr))
	assert.Len(t, configErr.Problems.Errors, 3)
}

func TestStart_TwiceFails(t *testing.T) {
	r := newTestRegistry(t)
	require.NoError(t, r.Start([]model.StreamConfig{testConfig("a", 5)}))
	err := r.Start([]model.StreamConfig{testConfig("b", 5)})
	assert.True(t, errors.Is(err, ErrAlreadyStarted))
	assert.Len(t, r.Streams(), 1)
}

func TestStop_DiscardsStreamsAndCounters(t *testing.T) {
	r := newTestRegistry(t)
	require.NoError(t, r.Start([]model.StreamConfig{testConfig("a", 5), testConfig("b", 5)}))
	r.Generate("a", point(0, 1))
	r.Generate("b", point(1, 2))
	assert.Equal(t, uint64(2), r.TotalCount())

	r.Stop()
	assert.False(t, r.Started())
	assert.Empty(t, r.Streams())
	assert.Equal(t, uint64(0), r.TotalCount())
	assert.Empty(t, r.Drain())

	// A stopped registry can be started again.
	require.NoError(t, r.Start([]model.StreamConfig{testConfig("a", 5)}))
	assert.Len(t, r.Streams(), 1)
}

func TestGenerate_DropsUnknownInactiveAndNonFinite(t *testing.T) {
	r := newTestRegistry(t)
	require.NoError(t, r.Start([]model.StreamConfig{testConfig("a", 5), testConfig("b", 5)}))
	require.True(t, r.SetActive("b", false))

	r.Generate("missing", point(0, 1))
	r.Generate("b", point(1, 2))
	r.Generate("a", point(2, math.NaN()))
	r.Generate("a", point(3, math.Inf(1)))
	r.Generate("a", point(4, 5))

	assert.Equal(t, uint64(1), r.TotalCount())
	drained := r.Drain()
	require.Len(t, drained, 1)
	assert.Equal(t, "a", drained[0].StreamId)
	assert.Equal(t, 5.0, drained[0].Value)
}

func TestDrain_OverwriteKeepsNewest(t *testing.T) {
	r := newTestRegistry(t)
	require.NoError(t, r.Start([]model.StreamConfig{testConfig("a", 5)}))
	for i := 1; i <= 8; i++ {
		r.Generate("a", point(i, float64(i)))
	}

	info, ok := r.Stream("a")
	require.True(t, ok)
	assert.Equal(t, 5, info.Buffered)
	assert.Equal(t, uint64(8), info.Accepted)
	assert.Equal(t, uint64(3), info.Overwritten)

	assert.Equal(t, []float64{4, 5, 6, 7, 8}, values(r.Drain()))
	assert.Equal(t, 0, r.Buffered())
}

func TestDrain_MergesStreamsByTimestamp(t *testing.T) {
	r := newTestRegistry(t)
	require.NoError(t, r.Start([]model.StreamConfig{testConfig("a", 10), testConfig("b", 10)}))
	r.Generate("a", point(0, 1))
	r.Generate("a", point(20, 3))
	r.Generate("b", point(10, 2))
	r.Generate("b", point(20, 4))

	drained := r.Drain()
	assert.Equal(t, []float64{1, 2, 3, 4}, values(drained))
	// Equal timestamps fall back to stream id order.
	assert.Equal(t, "a", drained[2].StreamId)
	assert.Equal(t, "b", drained[3].StreamId)
}

func TestDrain_InactiveStreamKeepsHistory(t *testing.T) {
	r := newTestRegistry(t)
	require.NoError(t, r.Start([]model.StreamConfig{testConfig("a", 5), testConfig("b", 5)}))
	r.Generate("a", point(0, 1))
	r.Generate("b", point(1, 2))
	require.True(t, r.SetActive("b", false))

	assert.Equal(t, []float64{1}, values(r.Drain()))
	info, _ := r.Stream("b")
	assert.Equal(t, 1, info.Buffered)
	assert.False(t, info.Active)

	require.True(t, r.SetActive("b", true))
	assert.Equal(t, []float64{2}, values(r.Drain()))
}

func TestDrain_PreservesCoordinates(t *testing.T) {
	r := newTestRegistry(t)
	require.NoError(t, r.Start([]model.StreamConfig{testConfig("a", 5)}))
	p := point(0, 1)
	p.Coordinate = &r3.Vec{X: 1, Y: 2, Z: 3}
	r.Generate("a", p)

	drained := r.Drain()
	require.Len(t, drained, 1)
	assert.Equal(t, &r3.Vec{X: 1, Y: 2, Z: 3}, drained[0].Coordinate)
}

func TestAddAndRemove(t *testing.T) {
	r := newTestRegistry(t)
	assert.Error(t, r.Add(testConfig("a", 5)), "adding to a stopped registry")

	require.NoError(t, r.Start([]model.StreamConfig{testConfig("a", 5)}))
	require.NoError(t, r.Add(testConfig("b", 5)))

	var configErr *ConfigError
	assert.True(t, errors.As(r.Add(testConfig("b", 5)), &configErr))
	assert.True(t, errors.As(r.Add(testConfig("c", 0)), &configErr))

	r.Generate("b", point(0, 1))
	assert.True(t, r.Remove("b"))
	assert.False(t, r.Remove("b"))
	assert.Empty(t, r.Drain())
	assert.False(t, r.SetActive("b", true))
}

func TestGenerate_ConcurrentWithDrainAndStructuralChanges(t *testing.T) {
	r := newTestRegistry(t)
	require.NoError(t, r.Start([]model.StreamConfig{testConfig("a", 100), testConfig("b", 100)}))

	const perProducer = 2000
	var drained int
	var drainMu sync.Mutex
	wg := sync.WaitGroup{}
	for _, id := range []string{"a", "b"} {
		id := id
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perProducer; i++ {
				r.Generate(id, point(i, float64(i)))
			}
		}()
	}
	stop := make(chan struct{})
	drainDone := make(chan struct{})
	go func() {
		defer close(drainDone)
		for {
			select {
			case <-stop:
				return
			default:
				n := len(r.Drain())
				drainMu.Lock()
				drained += n
				drainMu.Unlock()
				r.SetActive("b", true)
			}
		}
	}()
	wg.Wait()
	close(stop)
	<-drainDone

	remaining := len(r.Drain())
	drainMu.Lock()
	defer drainMu.Unlock()
	assert.Equal(t, uint64(2*perProducer), r.TotalCount())
	assert.LessOrEqual(t, drained+remaining, 2*perProducer)
}
