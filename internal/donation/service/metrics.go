package service

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	matchDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "donor_match_time_seconds",
		Help:    "Time spent ranking compatible donors for a request.",
		Buckets: prometheus.DefBuckets,
	})

	dispatchDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "alert_dispatch_time_seconds",
		Help:    "Time from dispatch start until every targeted send completed.",
		Buckets: prometheus.DefBuckets,
	}, []string{"kind"})

	dispatchTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "alert_dispatches_total",
		Help: "Alert dispatches grouped by kind, urgency and outcome.",
	}, []string{"kind", "urgency", "result"})

	deliveriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "alert_deliveries_total",
		Help: "Per-donor alert sends grouped by outcome.",
	}, []string{"result"})

	registrationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "registrations_total",
		Help: "Donors and blood requests stored through the API.",
	}, []string{"kind"})
)
