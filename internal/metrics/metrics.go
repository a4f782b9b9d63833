// Package metrics registers the prometheus collectors shared across
// services and exposes the scrape handler.
package metrics

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// FanoutPublished counts search messages confirmed by the broker,
	// labeled by domain.
	FanoutPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "beckn",
		Name:      "gateway_fanout_published_total",
		Help:      "Search fan-out messages acknowledged by the broker.",
	}, []string{"domain"})

	// FanoutDeadLettered counts messages dead-lettered after retry exhaustion.
	FanoutDeadLettered = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "beckn",
		Name:      "gateway_fanout_deadletter_total",
		Help:      "Fan-out deliveries dead-lettered after exhausting retries.",
	})

	// RelayFailures counts on_search relays that never reached the BAP.
	RelayFailures = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "beckn",
		Name:      "gateway_relay_failures_total",
		Help:      "on_search callback relays that failed after delivery attempts.",
	})

	// CallbackLatency observes the delay between a forward action and its
	// correlated on_* callback, labeled by the forward action.
	CallbackLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "beckn",
		Name:      "participant_callback_latency_seconds",
		Help:      "Delay between an outbound action and its correlated callback.",
		Buckets:   []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30},
	}, []string{"action"})

	// RateLimited counts requests rejected by the rate limiter.
	RateLimited = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "beckn",
		Name:      "policy_rate_limited_total",
		Help:      "Requests rejected with error 30001.",
	})

	// DuplicatesRejected counts requests rejected by the dedup middleware.
	DuplicatesRejected = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "beckn",
		Name:      "policy_duplicates_total",
		Help:      "Requests rejected with error 30013.",
	})

	// RecorderDropped counts transaction/audit inserts that failed and were
	// swallowed to keep the protocol reply unaffected.
	RecorderDropped = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "beckn",
		Name:      "recorder_dropped_total",
		Help:      "Transaction or audit rows lost to insert failures.",
	})
)

// Handler serves the prometheus scrape endpoint on a gin route.
func Handler() gin.HandlerFunc {
	return gin.WrapH(promhttp.Handler())
}
