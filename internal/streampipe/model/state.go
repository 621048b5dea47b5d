package model

// StreamingState is the global lifecycle state of the pipeline.
type StreamingState int

const (
	StateIdle StreamingState = iota
	StateConnecting
	StateStreaming
	StatePaused
	StateError
)

func (s StreamingState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateStreaming:
		return "streaming"
	case StatePaused:
		return "paused"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// StreamInfo is a read-only snapshot of a registered stream.
type StreamInfo struct {
	Config   StreamConfig
	Active   bool
	Buffered int
	// Points accepted since the stream was registered
	Accepted uint64
	// Points discarded because the buffer was full when a newer point arrived
	Overwritten uint64
}

// Status is the observable state of the pipeline. A new Status is published on every transition and after
// every aggregation cycle.
type Status struct {
	IsStreaming bool
	State       StreamingState
	// Only set when State is StateError
	Message string
	// Aggregation cycles completed since start
	Cycles uint64
	// Points drained and chunked since start
	ProcessedCount uint64
	// Points accepted by the registry since start
	TotalCount    uint64
	LoadedChunks  uint64
	FailedChunks  uint64
	PendingChunks int
	InFlight      int
	Streams       []StreamInfo
}
