package statetransfer

import (
	"time"

	"github.com/myh1000/concord-bft/model/flow"
)

// Status is a point-in-time snapshot of the engine's fetching session,
// returned by the Consumer API's getStatus operation. It is purely
// observational: nothing reads it back into engine state.
type Status struct {
	FetchingState          FetchingState
	CheckpointBeingFetched uint64
	FirstRequiredBlock     uint64
	LastRequiredBlock      uint64
	NextRequiredBlock      uint64
	CurrentSource          *flow.ReplicaID
	LastStoredCheckpoint   uint64
	LastReachableBlock     uint64
	SessionStartedAt       time.Time

	// ThroughputBytesPerSecond is the windowed rate of incoming chunk
	// bytes accepted from the current source, purely observational.
	ThroughputBytesPerSecond float64
	// AverageChunkSize is the mean size of chunks accepted in the same
	// window, a rough indicator of whether the source is sending
	// full-size chunks rather than trickling small ones.
	AverageChunkSize float64
}
