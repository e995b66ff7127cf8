package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the Prometheus instruments exported by a CFT endpoint.
type Metrics struct {
	TransfersTotal        *prometheus.CounterVec
	TransfersActive       prometheus.Gauge
	TransferDuration      *prometheus.HistogramVec
	BytesTransferredTotal *prometheus.CounterVec
	ChunksSentTotal       prometheus.Counter
	ChunksReceivedTotal   prometheus.Counter
	ChunksRetransmitted   *prometheus.CounterVec
	NakRoundsTotal        prometheus.Counter
	StoreOperationsTotal  *prometheus.CounterVec
	BitmapPersistDuration prometheus.Histogram
}

// NewMetrics creates and registers every CFT metric against the default
// registry.
func NewMetrics() *Metrics {
	return &Metrics{
		TransfersTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cft_transfers_total",
				Help: "Total transfers concluded, by role and final state",
			},
			[]string{"role", "state"},
		),
		TransfersActive: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "cft_transfers_active",
				Help: "Currently open channel sessions",
			},
		),
		TransferDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "cft_transfer_duration_seconds",
				Help:    "Transfer completion time distribution",
				Buckets: []float64{0.1, 0.5, 1, 5, 10, 30, 60, 300},
			},
			[]string{"role"},
		),
		BytesTransferredTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cft_bytes_transferred_total",
				Help: "Total chunk payload bytes moved",
			},
			[]string{"direction"},
		),
		ChunksSentTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "cft_chunks_sent_total",
				Help: "Total ReceiveChunk messages sent",
			},
		),
		ChunksReceivedTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "cft_chunks_received_total",
				Help: "Total ReceiveChunk messages accepted",
			},
		),
		ChunksRetransmitted: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cft_chunks_retransmitted_total",
				Help: "Chunks re-sent in response to a NAK",
			},
			[]string{"round"},
		),
		NakRoundsTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "cft_nak_rounds_total",
				Help: "NAK messages emitted for idle receiving sessions",
			},
		),
		StoreOperationsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cft_store_operations_total",
				Help: "Content store operations, by kind and result",
			},
			[]string{"op", "result"},
		),
		BitmapPersistDuration: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "cft_bitmap_persist_duration_seconds",
				Help:    "Bitmap persistence latency",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5},
			},
		),
	}
}

// ObserveTransferFinal records one channel session reaching a terminal
// state and how long it ran.
func (m *Metrics) ObserveTransferFinal(role, state string, d time.Duration) {
	m.TransfersTotal.WithLabelValues(role, state).Inc()
	m.TransferDuration.WithLabelValues(role).Observe(d.Seconds())
}

// RecordChunkSent updates metrics for one outbound chunk.
func (m *Metrics) RecordChunkSent(bytes int) {
	m.ChunksSentTotal.Inc()
	m.BytesTransferredTotal.WithLabelValues("sent").Add(float64(bytes))
}

// RecordChunkReceived updates metrics for one inbound chunk.
func (m *Metrics) RecordChunkReceived(bytes int) {
	m.ChunksReceivedTotal.Inc()
	m.BytesTransferredTotal.WithLabelValues("received").Add(float64(bytes))
}

// RecordRetransmit updates metrics for chunks re-sent during one NAK-driven
// retransmission round.
func (m *Metrics) RecordRetransmit(round int, chunks int) {
	m.ChunksRetransmitted.WithLabelValues(strconv.Itoa(round)).Add(float64(chunks))
}

// RecordNakRound counts one NAK emitted by an idle receiving session.
func (m *Metrics) RecordNakRound() {
	m.NakRoundsTotal.Inc()
}

// RecordStoreOp counts one content store operation, by kind and result
// ("ok" or "error").
func (m *Metrics) RecordStoreOp(op string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.StoreOperationsTotal.WithLabelValues(op, result).Inc()
}

// ObserveBitmapPersist records the latency of one bitmap persistence write.
func (m *Metrics) ObserveBitmapPersist(d time.Duration) {
	m.BitmapPersistDuration.Observe(d.Seconds())
}

// TransferStarted increments the count of currently open channel sessions.
func (m *Metrics) TransferStarted() {
	m.TransfersActive.Inc()
}

// TransferEnded decrements the count of currently open channel sessions.
func (m *Metrics) TransferEnded() {
	m.TransfersActive.Dec()
}

// Handler exposes the Prometheus scrape endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.Handler()
}
