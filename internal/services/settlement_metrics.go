package services

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	purchasesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "settlement_purchases_total",
		Help: "Purchase sagas by outcome.",
	}, []string{"outcome"})

	sideEffectFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "settlement_side_effect_failures_total",
		Help: "Post-checkpoint steps that did not complete.",
	}, []string{"step"})

	gatewayLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "settlement_gateway_request_seconds",
		Help:    "Latency of gateway order creation.",
		Buckets: prometheus.DefBuckets,
	}, []string{"provider", "result"})

	confirmationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "settlement_confirmations_total",
		Help: "Settlement confirmations by result.",
	}, []string{"result"})

	sweepTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "settlement_sweep_records_total",
		Help: "Records handled by the sweeper.",
	}, []string{"action"})
)
