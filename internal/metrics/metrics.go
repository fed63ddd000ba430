package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	LedgerApplies = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_apply_total",
		Help: "Ledger apply calls by entry kind and outcome",
	}, []string{"kind", "outcome"})

	LedgerApplyDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "ledger_apply_duration_seconds",
		Help:    "Time spent in ledger apply, lock wait included",
		Buckets: prometheus.DefBuckets,
	})

	EscrowTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "escrow_transition_total",
		Help: "Escrow transitions by target state and whether they applied",
	}, []string{"to", "outcome"})

	GatewayCalls = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gateway_rpc_total",
		Help: "Provider RPC calls by method and result code (0 for success)",
	}, []string{"method", "code"})

	SweeperRefunds = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sweeper_refunds_total",
		Help: "Unviewed responses refunded by the sweeper",
	})

	SweeperFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sweeper_failures_total",
		Help: "Refund candidates skipped because processing failed",
	})

	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "http_request_duration_seconds",
		Help:    "HTTP request latency",
		Buckets: prometheus.DefBuckets,
	}, []string{"route", "method", "status"})
)
