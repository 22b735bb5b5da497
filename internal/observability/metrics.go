package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	OpenRequests  = promauto.NewGauge(prometheus.GaugeOpts{Namespace: "bid_dispatch", Name: "open_requests", Help: "Delivery requests currently open for bidding"})
	DriversOnline = promauto.NewGauge(prometheus.GaugeOpts{Namespace: "bid_dispatch", Name: "drivers_online", Help: "Number of online drivers"})

	BidsTotal = promauto.NewCounter(prometheus.CounterOpts{Namespace: "bid_dispatch", Name: "bids_total", Help: "Total bids submitted"})

	SettlementsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "bid_dispatch", Name: "settlements_total", Help: "Completed order settlements"},
		[]string{"method"},
	)
	SettlementFailures = promauto.NewCounter(prometheus.CounterOpts{Namespace: "bid_dispatch", Name: "settlement_failures_total", Help: "Settlements rolled back by the wallet ledger"})

	RequestsExpired = promauto.NewCounter(prometheus.CounterOpts{Namespace: "bid_dispatch", Name: "requests_expired_total", Help: "Requests that timed out without acceptance"})

	NotifyDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "bid_dispatch", Name: "notifications_dropped_total", Help: "Fan-out events dropped on delivery failure"},
		[]string{"kind"},
	)

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "bid_dispatch", Name: "http_requests_total", Help: "Total HTTP requests handled"},
		[]string{"method", "path", "status"},
	)
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "bid_dispatch",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency distribution",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)
