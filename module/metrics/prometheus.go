package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	namespaceStateTransfer = "statetransfer"
	labelKind              = "kind"
	labelReason            = "reason"
	labelState             = "state"
)

// PrometheusCollector is the production Collector implementation.
type PrometheusCollector struct {
	messagesSent    *prometheus.CounterVec
	messagesReceived *prometheus.CounterVec
	messagesDropped *prometheus.CounterVec

	fetchingState   *prometheus.GaugeVec
	queueLength     prometheus.Gauge
	sourceDemotions prometheus.Counter

	lastBlockStored      prometheus.Gauge
	lastCheckpointStored prometheus.Gauge

	throughputBytesPerSecond prometheus.Gauge
}

var _ Collector = (*PrometheusCollector)(nil)

// NewPrometheusCollector registers and returns a new collector. It must
// only be constructed once per process (promauto panics on duplicate
// registration).
func NewPrometheusCollector() *PrometheusCollector {
	return &PrometheusCollector{
		messagesSent: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespaceStateTransfer,
			Name:      "messages_sent_total",
			Help:      "number of state-transfer wire messages sent, by kind",
		}, []string{labelKind}),

		messagesReceived: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespaceStateTransfer,
			Name:      "messages_received_total",
			Help:      "number of state-transfer wire messages received, by kind",
		}, []string{labelKind}),

		messagesDropped: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespaceStateTransfer,
			Name:      "messages_dropped_total",
			Help:      "number of state-transfer wire messages dropped, by reason",
		}, []string{labelReason}),

		fetchingState: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespaceStateTransfer,
			Name:      "fetching_state",
			Help:      "1 for the currently active fetching state, 0 otherwise",
		}, []string{labelState}),

		queueLength: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespaceStateTransfer,
			Name:      "handoff_queue_length",
			Help:      "current depth of the handoff queue",
		}),

		sourceDemotions: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespaceStateTransfer,
			Name:      "source_demotions_total",
			Help:      "number of times a source replica was demoted",
		}),

		lastBlockStored: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespaceStateTransfer,
			Name:      "last_block_stored",
			Help:      "highest block number durably stored",
		}),

		lastCheckpointStored: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespaceStateTransfer,
			Name:      "last_checkpoint_stored",
			Help:      "highest checkpoint number durably stored",
		}),

		throughputBytesPerSecond: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespaceStateTransfer,
			Name:      "throughput_bytes_per_second",
			Help:      "windowed inbound throughput during fetching",
		}),
	}
}

func (p *PrometheusCollector) MessageReceived(kind string) {
	p.messagesReceived.WithLabelValues(kind).Inc()
}

func (p *PrometheusCollector) MessageSent(kind string) {
	p.messagesSent.WithLabelValues(kind).Inc()
}

func (p *PrometheusCollector) MessageDropped(reason string) {
	p.messagesDropped.WithLabelValues(reason).Inc()
}

func (p *PrometheusCollector) FetchingState(state string) {
	p.fetchingState.Reset()
	p.fetchingState.WithLabelValues(state).Set(1)
}

func (p *PrometheusCollector) QueueLength(n int) {
	p.queueLength.Set(float64(n))
}

func (p *PrometheusCollector) SourceDemoted() {
	p.sourceDemotions.Inc()
}

func (p *PrometheusCollector) BlockStored(blockNumber uint64) {
	p.lastBlockStored.Set(float64(blockNumber))
}

func (p *PrometheusCollector) CheckpointStored(checkpointNum uint64) {
	p.lastCheckpointStored.Set(float64(checkpointNum))
}

func (p *PrometheusCollector) ThroughputBytesPerSecond(bps float64) {
	p.throughputBytesPerSecond.Set(bps)
}
