// Package services: pipeline metrics.
//
// Prometheus collectors for the relay pipeline. Labels are kept to a small
// closed set (terminal outcome, skip reason) so cardinality stays bounded.
package services

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	// relayProcessed counts source messages by terminal outcome:
	// published, previewed, or skipped.
	relayProcessed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_messages_processed_total",
			Help: "Source messages reaching a terminal pipeline state.",
		},
		[]string{"outcome"},
	)

	// relayOutbound counts bot_to_user rows written by the publisher.
	relayOutbound = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "relay_outbound_messages_total",
			Help: "Outbound bot_to_user rows inserted.",
		},
	)

	// relaySkips counts per-message skips by reason string.
	relaySkips = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_messages_skipped_total",
			Help: "Source messages skipped, by reason.",
		},
		[]string{"reason"},
	)

	// relayGenFailures counts per-recipient generation failures after the
	// backoff policy has given up.
	relayGenFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "relay_generation_failures_total",
			Help: "Per-recipient reply generation failures (post-retry).",
		},
	)
)

func init() {
	prometheus.MustRegister(relayProcessed, relayOutbound, relaySkips, relayGenFailures)
}
