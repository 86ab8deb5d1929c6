package metric

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "firewatch"

// Metrics contains the core telemetry metrics shared by every component
type Metrics struct {
	// Ingestion
	ReadingsReceived   prometheus.Counter
	ReadingsAccepted   prometheus.Counter
	ReadingsRejected   *prometheus.CounterVec
	NodeReports        *prometheus.CounterVec
	StatusChanges      *prometheus.CounterVec
	ProcessingDuration *prometheus.HistogramVec

	// Distribution
	DispatchDeliveries prometheus.Counter
	DispatchDrops      prometheus.Counter
	ObserversActive    prometheus.Gauge

	// Persistence
	PersistenceFailures *prometheus.CounterVec

	// Transport
	TransportConnected prometheus.Gauge
	ReconnectAttempts  prometheus.Counter
	MessagesPublished  *prometheus.CounterVec
	HandlerFailures    *prometheus.CounterVec
}

// NewMetrics creates the core metric set. Nothing is registered yet.
func NewMetrics() *Metrics {
	return &Metrics{
		ReadingsReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ingest",
			Name:      "readings_received_total",
			Help:      "Telemetry payloads received from the field transport",
		}),
		ReadingsAccepted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ingest",
			Name:      "readings_accepted_total",
			Help:      "Readings applied to the node registry",
		}),
		ReadingsRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ingest",
			Name:      "readings_rejected_total",
			Help:      "Readings dropped before reaching the registry",
		}, []string{"reason"}),
		NodeReports: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ingest",
			Name:      "node_reports_total",
			Help:      "Self-reported node status messages by reported status",
		}, []string{"status"}),
		StatusChanges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "registry",
			Name:      "status_changes_total",
			Help:      "Node status changes by resulting status",
		}, []string{"status", "source"}),
		ProcessingDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "ingest",
			Name:      "processing_duration_seconds",
			Help:      "Time spent handling one inbound message",
			Buckets:   []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5},
		}, []string{"operation"}),

		DispatchDeliveries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "fanout",
			Name:      "deliveries_total",
			Help:      "Status changes delivered to observers",
		}),
		DispatchDrops: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "fanout",
			Name:      "drops_total",
			Help:      "Status changes dropped because an observer buffer was full",
		}),
		ObserversActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "fanout",
			Name:      "observers",
			Help:      "Attached observers",
		}),

		PersistenceFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "store",
			Name:      "failures_total",
			Help:      "Failed persistence calls",
		}, []string{"operation"}),

		TransportConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "transport",
			Name:      "connected",
			Help:      "Field transport connection status (0=disconnected, 1=connected)",
		}),
		ReconnectAttempts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "transport",
			Name:      "reconnect_attempts_total",
			Help:      "Reconnect attempts against the field transport",
		}),
		MessagesPublished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "transport",
			Name:      "published_total",
			Help:      "Messages published by kind",
		}, []string{"kind"}),
		HandlerFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "transport",
			Name:      "handler_failures_total",
			Help:      "Subscription handlers that returned an error or panicked",
		}, []string{"pattern"}),
	}
}

func (m *Metrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.ReadingsReceived,
		m.ReadingsAccepted,
		m.ReadingsRejected,
		m.NodeReports,
		m.StatusChanges,
		m.ProcessingDuration,
		m.DispatchDeliveries,
		m.DispatchDrops,
		m.ObserversActive,
		m.PersistenceFailures,
		m.TransportConnected,
		m.ReconnectAttempts,
		m.MessagesPublished,
		m.HandlerFailures,
	}
}

// RecordRejected counts a dropped reading
func (m *Metrics) RecordRejected(reason string) {
	m.ReadingsRejected.WithLabelValues(reason).Inc()
}

// RecordStatusChange counts a status change by status and source (reading or sweep)
func (m *Metrics) RecordStatusChange(status, source string) {
	m.StatusChanges.WithLabelValues(status, source).Inc()
}

// RecordProcessingDuration records processing time
func (m *Metrics) RecordProcessingDuration(operation string, d time.Duration) {
	m.ProcessingDuration.WithLabelValues(operation).Observe(d.Seconds())
}

// RecordPersistenceFailure counts a failed store call
func (m *Metrics) RecordPersistenceFailure(operation string) {
	m.PersistenceFailures.WithLabelValues(operation).Inc()
}

// RecordTransportStatus updates the connection gauge
func (m *Metrics) RecordTransportStatus(connected bool) {
	value := 0.0
	if connected {
		value = 1.0
	}
	m.TransportConnected.Set(value)
}

// RecordPublished counts an outbound message
func (m *Metrics) RecordPublished(kind string) {
	m.MessagesPublished.WithLabelValues(kind).Inc()
}
