package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	ActiveTransfers = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "furydrop_active_transfers",
		Help: "Number of transfers currently sending or receiving",
	})

	BytesSent = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "furydrop_bytes_sent_total",
		Help: "Total chunk payload bytes written to data channels",
	})

	BytesReceived = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "furydrop_bytes_received_total",
		Help: "Total verified chunk payload bytes received",
	})

	ChunksDiscarded = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "furydrop_chunks_discarded_total",
		Help: "Incoming messages dropped by the receiver, by reason",
	}, []string{"reason"})

	ChunkRetries = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "furydrop_chunk_retries_total",
		Help: "Number of chunk writes retried after a channel error",
	})

	NegotiationLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "furydrop_negotiation_latency_seconds",
		Help:    "Time from negotiation start to an open data channel",
		Buckets: prometheus.DefBuckets,
	})

	RelayRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "furydrop_relay_requests_total",
		Help: "Relay store operations, by operation",
	}, []string{"op"})

	RoomsCreated = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "furydrop_rooms_created_total",
		Help: "Number of rooms created on this relay",
	})
)

var registerOnce sync.Once

// Register adds all collectors to the default registry. Safe to call more than once.
func Register() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			ActiveTransfers,
			BytesSent,
			BytesReceived,
			ChunksDiscarded,
			ChunkRetries,
			NegotiationLatency,
			RelayRequests,
			RoomsCreated,
		)
	})
}
