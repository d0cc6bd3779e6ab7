package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type ConnectionMetrics struct {
	State            *prometheus.GaugeVec
	Transitions      *prometheus.CounterVec
	ConnectAttempts  prometheus.Counter
	Failures         *prometheus.CounterVec
	AuthLatency      prometheus.Histogram
	LiveDuration     prometheus.Histogram
	HeartbeatsMissed prometheus.Counter
	EventsReceived   *prometheus.CounterVec
	BytesReceived    prometheus.Counter
	Degraded         prometheus.Gauge
}

type NotificationMetrics struct {
	Ingested   *prometheus.CounterVec
	Replaced   prometheus.Counter
	Duplicates prometheus.Counter
	Dropped    *prometheus.CounterVec
	Records    prometheus.Gauge
	Unread     prometheus.Gauge
}

type CatalogMetrics struct {
	CacheHits      prometheus.Counter
	CacheMisses    prometheus.Counter
	CacheEvictions *prometheus.CounterVec
	CacheEntries   prometheus.Gauge
	Fetches        *prometheus.CounterVec
	SharedRequests prometheus.Counter
	StaleDiscards  prometheus.Counter
	FetchDuration  prometheus.Histogram
	Invalidations  *prometheus.CounterVec
}

type KafkaMetrics struct {
	MessagesProcessed *prometheus.CounterVec
	ConsumerLag       *prometheus.GaugeVec
	DeserializeErrors prometheus.Counter
	KafkaErrors       *prometheus.CounterVec
}

type HttpMetrics struct {
	RequestsTotal      *prometheus.CounterVec
	ResponseStatusCode *prometheus.CounterVec
	RequestDuration    *prometheus.HistogramVec
}

type SystemMetrics struct {
	GoroutineCount prometheus.Gauge
}

type Metrics struct {
	Connection   ConnectionMetrics
	Notification NotificationMetrics
	Catalog      CatalogMetrics
	Kafka        KafkaMetrics
	Http         HttpMetrics
	System       SystemMetrics
}

// NewMetrics registers every metric group with reg. Passing prometheus.DefaultRegisterer
// exposes them on the default promhttp handler.
func NewMetrics(namespace string, reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	m := &Metrics{
		Connection: ConnectionMetrics{
			State: factory.NewGaugeVec(prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "connection_state",
				Help:      "Current state of the live push channel (1 for the active state)",
			}, []string{"state"}),
			Transitions: factory.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "connection_transitions_total",
				Help:      "State machine transitions of the live push channel, by target state",
			}, []string{"state"}),
			ConnectAttempts: factory.NewCounter(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "connection_attempts_total",
				Help:      "Dial attempts towards the live push channel",
			}),
			Failures: factory.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "connection_failures_total",
				Help:      "Channel failures that entered backoff, by reason",
			}, []string{"reason"}),
			AuthLatency: factory.NewHistogram(prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "connection_auth_latency_seconds",
				Help:      "Time from transport open to authentication acknowledgement",
				Buckets:   prometheus.ExponentialBuckets(0.005, 2, 10),
			}),
			LiveDuration: factory.NewHistogram(prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "connection_live_duration_seconds",
				Help:      "Duration of Live periods",
				Buckets:   prometheus.ExponentialBuckets(1, 2, 12),
			}),
			HeartbeatsMissed: factory.NewCounter(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "connection_heartbeats_missed_total",
				Help:      "Live periods ended by heartbeat absence",
			}),
			EventsReceived: factory.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "connection_events_received_total",
				Help:      "Frames received on the live push channel, by event name",
			}, []string{"event"}),
			BytesReceived: factory.NewCounter(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "connection_bytes_received_total",
				Help:      "Bytes received on the live push channel",
			}),
			Degraded: factory.NewGauge(prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "connection_degraded",
				Help:      "1 while notifications are reported offline after exhausting retries",
			}),
		},
		Notification: NotificationMetrics{
			Ingested: factory.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "notifications_ingested_total",
				Help:      "Notification records stored, by type",
			}, []string{"type"}),
			Replaced: factory.NewCounter(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "notifications_replaced_total",
				Help:      "Records superseded by a newer version with the same canonical id",
			}),
			Duplicates: factory.NewCounter(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "notifications_duplicates_total",
				Help:      "Identical re-deliveries absorbed by the store",
			}),
			Dropped: factory.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "notifications_dropped_total",
				Help:      "Malformed events dropped at the store boundary, by reason",
			}, []string{"reason"}),
			Records: factory.NewGauge(prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "notifications_records",
				Help:      "Records held by the store",
			}),
			Unread: factory.NewGauge(prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "notifications_unread",
				Help:      "Unread records held by the store",
			}),
		},
		Catalog: CatalogMetrics{
			CacheHits: factory.NewCounter(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "catalog_cache_hits_total",
				Help:      "Catalog cache lookups served without a fetch",
			}),
			CacheMisses: factory.NewCounter(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "catalog_cache_misses_total",
				Help:      "Catalog cache lookups that required a fetch",
			}),
			CacheEvictions: factory.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "catalog_cache_evictions_total",
				Help:      "Catalog cache evictions, by cause",
			}, []string{"cause"}),
			CacheEntries: factory.NewGauge(prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "catalog_cache_entries",
				Help:      "Entries held by the catalog cache",
			}),
			Fetches: factory.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "catalog_fetches_total",
				Help:      "Catalog loads issued to the backend, by outcome",
			}, []string{"outcome"}),
			SharedRequests: factory.NewCounter(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "catalog_shared_requests_total",
				Help:      "Requests whose load was shared with another caller for the same fingerprint",
			}),
			StaleDiscards: factory.NewCounter(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "catalog_stale_discards_total",
				Help:      "Responses discarded because a newer generation superseded them",
			}),
			FetchDuration: factory.NewHistogram(prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "catalog_fetch_duration_seconds",
				Help:      "Duration of catalog loads",
				Buckets:   prometheus.ExponentialBuckets(0.005, 2, 12),
			}),
			Invalidations: factory.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "catalog_invalidations_total",
				Help:      "Explicit catalog invalidations, by source",
			}, []string{"source"}),
		},
		Kafka: KafkaMetrics{
			MessagesProcessed: factory.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "kafka_messages_processed_total",
				Help:      "Catalog event messages consumed, by topic",
			}, []string{"topic"}),
			ConsumerLag: factory.NewGaugeVec(prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "kafka_consumer_lag",
				Help:      "Offsets between the last consumed message and the high watermark",
			}, []string{"topic", "partition"}),
			DeserializeErrors: factory.NewCounter(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "kafka_deserialize_errors_total",
				Help:      "Catalog event messages that could not be decoded",
			}),
			KafkaErrors: factory.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "kafka_errors_total",
				Help:      "Errors reported by the Kafka client, by code",
			}, []string{"code"}),
		},
		Http: HttpMetrics{
			RequestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "HTTP requests, by method and route",
			}, []string{"method", "path"}),
			ResponseStatusCode: factory.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_response_status_code_total",
				Help:      "HTTP responses, by status",
			}, []string{"status_code"}),
			RequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request handling time",
				Buckets:   prometheus.ExponentialBuckets(0.001, 2, 10),
			}, []string{"path"}),
		},
		System: SystemMetrics{
			GoroutineCount: factory.NewGauge(prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "system_goroutine_count",
				Help:      "Active goroutines",
			}),
		},
	}

	return m
}
