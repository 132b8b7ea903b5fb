package metrics

// NoopCollector discards every metric. Used by tests and by
// deployments that don't wire up Prometheus.
type NoopCollector struct{}

var _ Collector = NoopCollector{}

func (NoopCollector) MessageReceived(string)           {}
func (NoopCollector) MessageSent(string)                {}
func (NoopCollector) MessageDropped(string)             {}
func (NoopCollector) FetchingState(string)              {}
func (NoopCollector) QueueLength(int)                   {}
func (NoopCollector) SourceDemoted()                    {}
func (NoopCollector) BlockStored(uint64)                {}
func (NoopCollector) CheckpointStored(uint64)           {}
func (NoopCollector) ThroughputBytesPerSecond(float64)  {}
