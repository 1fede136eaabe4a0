package sentry

import (
	"github.com/butschster/rr-sentry/client"
	"github.com/prometheus/client_golang/prometheus"
)

const (
	namespace = "rr_sentry"
)

// metricsCollector implements prometheus.Collector over client statistics
type metricsCollector struct {
	stats func() (client.Stats, bool)

	queueLengthDesc       *prometheus.Desc
	offlineLengthDesc     *prometheus.Desc
	onlineDesc            *prometheus.Desc
	enqueuedEventsDesc    *prometheus.Desc
	successfulEventsDesc  *prometheus.Desc
	retriedEventsDesc     *prometheus.Desc
	droppedEventsDesc     *prometheus.Desc
	samplingDecisionsDesc *prometheus.Desc
	rateLimitedDesc       *prometheus.Desc
}

// newMetricsCollector creates a new metrics collector
func newMetricsCollector(stats func() (client.Stats, bool)) *metricsCollector {
	return &metricsCollector{
		stats: stats,

		queueLengthDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "queue_length"),
			"Number of events waiting in the event queue",
			nil, nil),

		offlineLengthDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "offline_queue_length"),
			"Number of requests parked in the offline queue",
			nil, nil),

		onlineDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "online"),
			"1 while the transport reports connectivity",
			nil, nil),

		enqueuedEventsDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "enqueued_events_total"),
			"Total number of events accepted by the event queue",
			nil, nil),

		successfulEventsDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "successful_events_total"),
			"Total number of successfully sent events",
			nil, nil),

		retriedEventsDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "retried_events_total"),
			"Total number of send attempts that were retried",
			nil, nil),

		droppedEventsDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "dropped_events_total"),
			"Total number of dropped items by reason and category",
			[]string{"reason", "category"}, nil),

		samplingDecisionsDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "sampling_decisions_total"),
			"Total number of sampling decisions",
			[]string{"category", "reason", "decision"}, nil),

		rateLimitedDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "rate_limited_until_seconds"),
			"Unix time until which a category is rate limited",
			[]string{"category"}, nil),
	}
}

// Describe sends all metric descriptions to Prometheus
func (mc *metricsCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- mc.queueLengthDesc
	ch <- mc.offlineLengthDesc
	ch <- mc.onlineDesc
	ch <- mc.enqueuedEventsDesc
	ch <- mc.successfulEventsDesc
	ch <- mc.retriedEventsDesc
	ch <- mc.droppedEventsDesc
	ch <- mc.samplingDecisionsDesc
	ch <- mc.rateLimitedDesc
}

// Collect sends current metric values to Prometheus. Nothing is reported
// while the client is not running.
func (mc *metricsCollector) Collect(ch chan<- prometheus.Metric) {
	st, ok := mc.stats()
	if !ok {
		return
	}

	ch <- prometheus.MustNewConstMetric(mc.queueLengthDesc, prometheus.GaugeValue, float64(st.Queue.Length))
	ch <- prometheus.MustNewConstMetric(mc.offlineLengthDesc, prometheus.GaugeValue, float64(st.OfflineLen))

	online := 0.0
	if st.Online {
		online = 1
	}
	ch <- prometheus.MustNewConstMetric(mc.onlineDesc, prometheus.GaugeValue, online)

	ch <- prometheus.MustNewConstMetric(mc.enqueuedEventsDesc, prometheus.CounterValue, float64(st.Queue.Enqueued))
	ch <- prometheus.MustNewConstMetric(mc.successfulEventsDesc, prometheus.CounterValue, float64(st.Queue.Sent))
	ch <- prometheus.MustNewConstMetric(mc.retriedEventsDesc, prometheus.CounterValue, float64(st.Queue.Retried))

	for reason, byCategory := range st.Drops {
		for category, n := range byCategory {
			ch <- prometheus.MustNewConstMetric(mc.droppedEventsDesc, prometheus.CounterValue, float64(n),
				string(reason), string(category))
		}
	}

	for category, cs := range st.Sampling {
		for reason, counts := range cs.ByReason {
			if counts.Total() == 0 {
				continue
			}
			ch <- prometheus.MustNewConstMetric(mc.samplingDecisionsDesc, prometheus.CounterValue, float64(counts.Sampled),
				string(category), string(reason), "sampled")
			ch <- prometheus.MustNewConstMetric(mc.samplingDecisionsDesc, prometheus.CounterValue, float64(counts.Dropped),
				string(category), string(reason), "dropped")
		}
	}

	for category, until := range st.RateLimited {
		ch <- prometheus.MustNewConstMetric(mc.rateLimitedDesc, prometheus.GaugeValue, float64(until), category)
	}
}
