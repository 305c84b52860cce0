package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// RequestsCreated counts requests accepted into the pending store by kind
// (order/deposit/glv_deposit).
var RequestsCreated = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "gmx_requests_created_total",
		Help: "Total number of requests created by kind",
	},
	[]string{"kind"},
)

// RequestsExecuted counts successfully executed requests by kind.
var RequestsExecuted = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "gmx_requests_executed_total",
		Help: "Total number of requests executed by kind",
	},
	[]string{"kind"},
)

// RequestsCancelled counts cancelled requests by kind.
var RequestsCancelled = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "gmx_requests_cancelled_total",
		Help: "Total number of requests cancelled by kind",
	},
	[]string{"kind"},
)

// OrdersFrozen counts freeze transitions.
var OrdersFrozen = prometheus.NewCounter(
	prometheus.CounterOpts{
		Name: "gmx_orders_frozen_total",
		Help: "Total number of orders frozen by keepers",
	},
)

// ExecutionLatency records latency distribution for request execution
var ExecutionLatency = prometheus.NewHistogram(
	prometheus.HistogramOpts{
		Name:    "gmx_request_execution_latency_seconds",
		Help:    "Latency in seconds to execute individual requests",
		Buckets: prometheus.DefBuckets,
	},
)

// ExecutionFeesPaid accumulates execution fees paid out to keepers,
// in native token units.
var ExecutionFeesPaid = prometheus.NewCounter(
	prometheus.CounterOpts{
		Name: "gmx_execution_fees_paid_native",
		Help: "Cumulative execution fees paid to keepers in native token units",
	},
)

// CallbackFailures counts isolated callback hook failures.
var CallbackFailures = prometheus.NewCounter(
	prometheus.CounterOpts{
		Name: "gmx_callback_failures_total",
		Help: "Total number of callback hook failures (swallowed)",
	},
)

// Register registers all engine collectors with the given registerer.
func Register(reg prometheus.Registerer) {
	reg.MustRegister(
		RequestsCreated,
		RequestsExecuted,
		RequestsCancelled,
		OrdersFrozen,
		ExecutionLatency,
		ExecutionFeesPaid,
		CallbackFailures,
	)
}
