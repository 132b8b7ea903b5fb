// Package metrics defines the state-transfer engine's metrics sink
// interface and its two implementations: a no-op for tests/standalone
// use, and a Prometheus-backed collector for production.
package metrics

// Collector is the external metrics sink the engine reports through. It
// must never block or return an error: metrics are best-effort.
type Collector interface {
	// MessageReceived increments the count of received wire messages of
	// the given kind.
	MessageReceived(kind string)
	// MessageSent increments the count of sent wire messages of the
	// given kind.
	MessageSent(kind string)
	// MessageDropped increments the count of dropped messages, tagged by
	// reason ("malformed", "irrelevant", "bad_data", "queue_full").
	MessageDropped(reason string)

	// FetchingState records the engine's current fetching-state name.
	FetchingState(state string)
	// QueueLength records the current handoff-queue depth.
	QueueLength(n int)

	// SourceDemoted increments the count of source-replica demotions.
	SourceDemoted()

	// BlockStored records a durably stored block number.
	BlockStored(blockNumber uint64)
	// CheckpointStored records a durably stored checkpoint number.
	CheckpointStored(checkpointNum uint64)

	// ThroughputBytesPerSecond records the current windowed throughput.
	ThroughputBytesPerSecond(bps float64)
}
