// Package metrics exposes Prometheus collectors for every component in
// SPEC_FULL.md §12, grounded on the teacher's promauto-based Metrics
// struct but relabeled for this domain's components instead of
// websocket/NATS connection counters. The default Prometheus registerer
// already self-registers process and Go-runtime collectors, so there is
// no separate gopsutil-backed sampler here.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds every collector the service reports.
type Metrics struct {
	LogsubState            *prometheus.GaugeVec
	LogsubReconnectsTotal  prometheus.Counter
	LogsubNotificationsTotal prometheus.Counter
	LogsubRejectedTotal     prometheus.Counter

	FetcherInflight       prometheus.Gauge
	FetcherQueueDepth     prometheus.Gauge
	FetcherShedTotal      prometheus.Counter
	FetcherRequestsTotal  *prometheus.CounterVec
	FetcherLatencySeconds prometheus.Histogram

	DecoderSuccessTotal       prometheus.Counter
	DecoderNotApplicableTotal prometheus.Counter
	DecoderErrorsTotal        prometheus.Counter

	PipelineEventsPublishedTotal prometheus.Counter

	HubSubscribersActive prometheus.Gauge
	HubRingDepth          prometheus.Gauge
	HubPublishTotal        prometheus.Counter
	HubLaggedTotal         prometheus.Counter

	SessionConnectionsTotal   prometheus.Counter
	SessionConnectionsActive  prometheus.Gauge
	SessionFilterUpdatesTotal prometheus.Counter
	SessionWriteErrorsTotal   prometheus.Counter
}

// New registers every collector on reg (pass prometheus.DefaultRegisterer
// in production; a fresh prometheus.NewRegistry() in tests).
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		LogsubState: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "pumpfeed_logsub_state",
			Help: "Current log subscription state machine state (1 for the active label, 0 otherwise).",
		}, []string{"state"}),
		LogsubReconnectsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "pumpfeed_logsub_reconnects_total",
			Help: "Total number of upstream log-subscription reconnect attempts.",
		}),
		LogsubNotificationsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "pumpfeed_logsub_notifications_total",
			Help: "Total log notifications received from the upstream subscription.",
		}),
		LogsubRejectedTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "pumpfeed_logsub_rejected_total",
			Help: "Total notifications dropped because the upstream reported the transaction failed.",
		}),

		FetcherInflight: factory.NewGauge(prometheus.GaugeOpts{
			Name: "pumpfeed_fetcher_inflight",
			Help: "Current number of in-flight transaction fetches.",
		}),
		FetcherQueueDepth: factory.NewGauge(prometheus.GaugeOpts{
			Name: "pumpfeed_fetcher_queue_depth",
			Help: "Current number of signatures queued waiting for a fetch worker.",
		}),
		FetcherShedTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "pumpfeed_fetcher_shed_total",
			Help: "Total signatures dropped because the fetch queue exceeded its high-water mark.",
		}),
		FetcherRequestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "pumpfeed_fetcher_requests_total",
			Help: "Total fetch requests by outcome.",
		}, []string{"outcome"}),
		FetcherLatencySeconds: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "pumpfeed_fetcher_latency_seconds",
			Help:    "Latency of transaction fetch RPC calls.",
			Buckets: prometheus.DefBuckets,
		}),

		DecoderSuccessTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "pumpfeed_decoder_success_total",
			Help: "Total instructions successfully decoded as create.",
		}),
		DecoderNotApplicableTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "pumpfeed_decoder_not_applicable_total",
			Help: "Total instructions skipped because they were not the create variant.",
		}),
		DecoderErrorsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "pumpfeed_decoder_errors_total",
			Help: "Total decode errors.",
		}),

		PipelineEventsPublishedTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "pumpfeed_pipeline_events_published_total",
			Help: "Total TokenCreatedEvent values published to the broadcast hub.",
		}),

		HubSubscribersActive: factory.NewGauge(prometheus.GaugeOpts{
			Name: "pumpfeed_hub_subscribers_active",
			Help: "Current number of subscribed sessions.",
		}),
		HubRingDepth: factory.NewGauge(prometheus.GaugeOpts{
			Name: "pumpfeed_hub_ring_depth",
			Help: "Current number of retained events in the broadcast ring.",
		}),
		HubPublishTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "pumpfeed_hub_publish_total",
			Help: "Total events published to the broadcast ring.",
		}),
		HubLaggedTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "pumpfeed_hub_lagged_total",
			Help: "Total times a subscriber's cursor fell behind ring capacity.",
		}),

		SessionConnectionsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "pumpfeed_session_connections_total",
			Help: "Total subscriber connections accepted.",
		}),
		SessionConnectionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Name: "pumpfeed_session_connections_active",
			Help: "Current number of active subscriber connections.",
		}),
		SessionFilterUpdatesTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "pumpfeed_session_filter_updates_total",
			Help: "Total setFilter control messages applied.",
		}),
		SessionWriteErrorsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "pumpfeed_session_write_errors_total",
			Help: "Total egress frame write failures.",
		}),
	}
}
