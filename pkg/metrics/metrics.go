// Package metrics provides Prometheus metrics for blockgw.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for a gateway process. A nil *Metrics
// is valid and records nothing.
type Metrics struct {
	// Replication
	UploadsTotal    *prometheus.CounterVec   // blockgw_replica_uploads_total{server,result}
	UploadDuration  *prometheus.HistogramVec // blockgw_replica_upload_duration_seconds{server}
	UploadsInFlight prometheus.Gauge         // blockgw_replica_uploads_in_flight
	QueueDepth      *prometheus.GaugeVec     // blockgw_replica_queue_depth{server}

	// Read path
	Decisions   *prometheus.CounterVec // blockgw_read_decisions_total{outcome}
	Responses   *prometheus.CounterVec // blockgw_http_responses_total{code}
	BytesServed prometheus.Counter     // blockgw_bytes_served_total

	// Replica receiver
	ReplicaStored      prometheus.Counter // blockgw_replica_objects_stored_total
	ReplicaBytesStored prometheus.Counter // blockgw_replica_bytes_stored_total

	// Vacuum
	BlocksCollected prometheus.Counter // blockgw_blocks_collected_total
}

// New registers the gateway metrics with registry. A nil registry uses
// prometheus.DefaultRegisterer.
func New(registry prometheus.Registerer) *Metrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}
	f := promauto.With(registry)
	return &Metrics{
		UploadsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "blockgw_replica_uploads_total",
			Help: "Replica uploads completed by server and result",
		}, []string{"server", "result"}),

		UploadDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "blockgw_replica_upload_duration_seconds",
			Help:    "Replica upload duration in seconds",
			Buckets: prometheus.DefBuckets,
		}, []string{"server"}),

		UploadsInFlight: f.NewGauge(prometheus.GaugeOpts{
			Name: "blockgw_replica_uploads_in_flight",
			Help: "Replica uploads currently being transferred",
		}),

		QueueDepth: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "blockgw_replica_queue_depth",
			Help: "Uploads waiting per replica server, including the one in flight",
		}, []string{"server"}),

		Decisions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "blockgw_read_decisions_total",
			Help: "Read requests by redirect decision",
		}, []string{"outcome"}),

		Responses: f.NewCounterVec(prometheus.CounterOpts{
			Name: "blockgw_http_responses_total",
			Help: "HTTP responses by status code",
		}, []string{"code"}),

		BytesServed: f.NewCounter(prometheus.CounterOpts{
			Name: "blockgw_bytes_served_total",
			Help: "Bytes of block, manifest and file data served",
		}),

		ReplicaStored: f.NewCounter(prometheus.CounterOpts{
			Name: "blockgw_replica_objects_stored_total",
			Help: "Objects stored by the replica receiver",
		}),

		ReplicaBytesStored: f.NewCounter(prometheus.CounterOpts{
			Name: "blockgw_replica_bytes_stored_total",
			Help: "Bytes stored by the replica receiver",
		}),

		BlocksCollected: f.NewCounter(prometheus.CounterOpts{
			Name: "blockgw_blocks_collected_total",
			Help: "Superseded block files removed by the vacuum",
		}),
	}
}

// ObserveUpload records one (upload, server) completion.
func (m *Metrics) ObserveUpload(server string, err error, elapsed time.Duration) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.UploadsTotal.WithLabelValues(server, result).Inc()
	m.UploadDuration.WithLabelValues(server).Observe(elapsed.Seconds())
}

// UploadStarted and UploadFinished track the in-flight gauge.
func (m *Metrics) UploadStarted() {
	if m != nil {
		m.UploadsInFlight.Inc()
	}
}

func (m *Metrics) UploadFinished() {
	if m != nil {
		m.UploadsInFlight.Dec()
	}
}

// SetQueueDepth records the pending queue length of a server channel.
func (m *Metrics) SetQueueDepth(server string, n int) {
	if m != nil {
		m.QueueDepth.WithLabelValues(server).Set(float64(n))
	}
}

// ObserveDecision counts a read-path decision.
func (m *Metrics) ObserveDecision(outcome string) {
	if m != nil {
		m.Decisions.WithLabelValues(outcome).Inc()
	}
}

// ObserveResponse counts an HTTP response and the body bytes written.
func (m *Metrics) ObserveResponse(code int, bytes int64) {
	if m == nil {
		return
	}
	m.Responses.WithLabelValues(strconv.Itoa(code)).Inc()
	if bytes > 0 {
		m.BytesServed.Add(float64(bytes))
	}
}

// ObserveReplicaStored counts one object stored by the replica receiver.
func (m *Metrics) ObserveReplicaStored(bytes int64) {
	if m == nil {
		return
	}
	m.ReplicaStored.Inc()
	m.ReplicaBytesStored.Add(float64(bytes))
}

// ObserveCollected counts removed block files.
func (m *Metrics) ObserveCollected(n int) {
	if m != nil && n > 0 {
		m.BlocksCollected.Add(float64(n))
	}
}
