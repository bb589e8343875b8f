package metric

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics contains all broker-level metrics (not component-specific)
type Metrics struct {
	// Pipeline metrics
	EventsPublished *prometheus.CounterVec
	EventsProcessed *prometheus.CounterVec
	EventsDropped   *prometheus.CounterVec
	QueueDepth      *prometheus.GaugeVec
	SpoolBytes      *prometheus.GaugeVec

	// Wire metrics
	FramesDecoded      *prometheus.CounterVec
	FramesEncoded      *prometheus.CounterVec
	ChecksumErrors     prometheus.Counter
	UnknownEventTypes  prometheus.Counter
	EndpointState      *prometheus.GaugeVec
	EndpointReconnects *prometheus.CounterVec
	AcknowledgedEvents *prometheus.CounterVec

	// Persister metrics
	SQLStatements      *prometheus.CounterVec
	SQLErrors          *prometheus.CounterVec
	StaleStatusDropped prometheus.Counter
	PerfdataParsed     prometheus.Counter
	PerfdataErrors     prometheus.Counter
}

// NewMetrics creates a new Metrics instance with all broker metrics
func NewMetrics() *Metrics {
	return &Metrics{
		EventsPublished: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "eventbroker",
				Subsystem: "bus",
				Name:      "events_published_total",
				Help:      "Total number of events published on the bus",
			},
			[]string{"publisher"},
		),

		EventsProcessed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "eventbroker",
				Subsystem: "pipeline",
				Name:      "events_processed_total",
				Help:      "Total number of events consumed by a subscriber",
			},
			[]string{"subscriber", "category"},
		),

		EventsDropped: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "eventbroker",
				Subsystem: "pipeline",
				Name:      "events_dropped_total",
				Help:      "Total number of events dropped",
			},
			[]string{"subscriber", "reason"},
		),

		QueueDepth: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "eventbroker",
				Subsystem: "muxer",
				Name:      "queue_depth",
				Help:      "Events currently held in a muxer's in-memory queue",
			},
			[]string{"muxer"},
		),

		SpoolBytes: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "eventbroker",
				Subsystem: "spool",
				Name:      "bytes",
				Help:      "Unread bytes in a muxer's on-disk spool",
			},
			[]string{"muxer"},
		),

		FramesDecoded: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "eventbroker",
				Subsystem: "bbdo",
				Name:      "frames_decoded_total",
				Help:      "Total number of BBDO frames decoded",
			},
			[]string{"endpoint"},
		),

		FramesEncoded: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "eventbroker",
				Subsystem: "bbdo",
				Name:      "frames_encoded_total",
				Help:      "Total number of BBDO frames encoded",
			},
			[]string{"endpoint"},
		),

		ChecksumErrors: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "eventbroker",
				Subsystem: "bbdo",
				Name:      "checksum_errors_total",
				Help:      "Total number of frames discarded on checksum mismatch",
			},
		),

		UnknownEventTypes: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "eventbroker",
				Subsystem: "bbdo",
				Name:      "unknown_event_types_total",
				Help:      "Total number of frames skipped because the event type is not registered",
			},
		),

		EndpointState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "eventbroker",
				Subsystem: "endpoint",
				Name:      "state",
				Help:      "Endpoint worker state (0=disconnected, 1=waiting, 2=connected, 3=replaying, 4=stopped)",
			},
			[]string{"endpoint"},
		),

		EndpointReconnects: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "eventbroker",
				Subsystem: "endpoint",
				Name:      "reconnects_total",
				Help:      "Total number of reconnection attempts",
			},
			[]string{"endpoint"},
		),

		AcknowledgedEvents: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "eventbroker",
				Subsystem: "endpoint",
				Name:      "acknowledged_events_total",
				Help:      "Total number of events confirmed by the peer",
			},
			[]string{"endpoint"},
		),

		SQLStatements: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "eventbroker",
				Subsystem: "sql",
				Name:      "statements_total",
				Help:      "Total number of SQL statements executed",
			},
			[]string{"connection"},
		),

		SQLErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "eventbroker",
				Subsystem: "sql",
				Name:      "errors_total",
				Help:      "Total number of failed SQL statements",
			},
			[]string{"connection"},
		),

		StaleStatusDropped: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "eventbroker",
				Subsystem: "sql",
				Name:      "stale_status_dropped_total",
				Help:      "Total number of stale host/service status events skipped",
			},
		),

		PerfdataParsed: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "eventbroker",
				Subsystem: "perfdata",
				Name:      "metrics_parsed_total",
				Help:      "Total number of perfdata metrics parsed",
			},
		),

		PerfdataErrors: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "eventbroker",
				Subsystem: "perfdata",
				Name:      "parse_errors_total",
				Help:      "Total number of perfdata metrics discarded on parse error",
			},
		),
	}
}
