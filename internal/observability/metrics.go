package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the Prometheus metrics exported by the transfer engine.
type Metrics struct {
	TransfersActive       prometheus.Gauge
	TransfersTotal        *prometheus.CounterVec
	BytesOnWireTotal      *prometheus.CounterVec
	ChunksSentTotal       prometheus.Counter
	ChunksAckedTotal      prometheus.Counter
	ChunksRetransmitted   *prometheus.CounterVec
	ChunksFailedTotal     prometheus.Counter
	LinkSwitchesTotal     prometheus.Counter
	LinkScore             *prometheus.GaugeVec
	CompressionRatio      prometheus.Histogram
	ChunksReceivedTotal   prometheus.Counter
	ChunksDroppedTotal    *prometheus.CounterVec
	FilesReassembledTotal prometheus.Counter
}

// NewMetrics creates and registers the Prometheus metrics.
func NewMetrics() *Metrics {
	return &Metrics{
		TransfersActive: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "linksync_transfers_active",
			Help: "Currently active transfers",
		}),
		TransfersTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "linksync_transfers_total",
			Help: "Total transfers completed, labeled by outcome",
		}, []string{"outcome"}),
		BytesOnWireTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "linksync_bytes_on_wire_total",
			Help: "Bytes placed on the wire, post-compression",
		}, []string{"direction"}),
		ChunksSentTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "linksync_chunks_sent_total",
			Help: "Total DATA packets sent (including retransmits)",
		}),
		ChunksAckedTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "linksync_chunks_acked_total",
			Help: "Total chunks transitioned IN_FLIGHT to ACKED",
		}),
		ChunksRetransmitted: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "linksync_chunks_retransmitted_total",
			Help: "Chunk retransmissions, labeled by cause",
		}, []string{"reason"}),
		ChunksFailedTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "linksync_chunks_failed_total",
			Help: "Chunks that exhausted MAX_RETRIES",
		}),
		LinkSwitchesTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "linksync_link_switches_total",
			Help: "Mid-transfer uplink switches",
		}),
		LinkScore: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "linksync_link_score",
			Help: "Composite link score per interface",
		}, []string{"interface"}),
		CompressionRatio: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "linksync_compression_ratio",
			Help:    "on-wire packet size / original chunk size per chunk sent",
			Buckets: []float64{0.1, 0.25, 0.4, 0.55, 0.7, 0.85, 1.0},
		}),
		ChunksReceivedTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "linksync_chunks_received_total",
			Help: "Total DATA packets accepted by the receiver",
		}),
		ChunksDroppedTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "linksync_chunks_dropped_total",
			Help: "DATA packets dropped by the receiver, labeled by reason",
		}, []string{"reason"}),
		FilesReassembledTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "linksync_files_reassembled_total",
			Help: "Files whose chunks have all been received",
		}),
	}
}

// Handler exposes the Prometheus scrape endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.Handler()
}
