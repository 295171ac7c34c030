package lib

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	DecisionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gatekeeper_decisions_total",
			Help: "Scan decisions by mode and outcome label",
		},
		[]string{"mode", "outcome"},
	)

	DecisionDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "gatekeeper_decision_duration_seconds",
			Help:    "Time from input to decision",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"mode"},
	)

	CacheRefreshTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gatekeeper_cache_refresh_total",
			Help: "Offline cache refresh attempts by result",
		},
		[]string{"result"},
	)

	SyncOutcomesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gatekeeper_sync_outcomes_total",
			Help: "Scan queue submission outcomes",
		},
		[]string{"status"},
	)

	QueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "gatekeeper_queue_records",
			Help: "Scan queue records by sync status",
		},
		[]string{"status"},
	)

	FraudScores = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "gatekeeper_fraud_score",
			Help:    "Distribution of fraud risk scores",
			Buckets: prometheus.LinearBuckets(0, 10, 11),
		},
	)

	FraudAlertsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "gatekeeper_fraud_alerts_total",
			Help: "Scans whose risk score crossed the alert threshold",
		},
	)

	registerOnce sync.Once
)

// RegisterMetrics registers all collectors with the default registry once.
func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(DecisionsTotal)
		prometheus.MustRegister(DecisionDuration)
		prometheus.MustRegister(CacheRefreshTotal)
		prometheus.MustRegister(SyncOutcomesTotal)
		prometheus.MustRegister(QueueDepth)
		prometheus.MustRegister(FraudScores)
		prometheus.MustRegister(FraudAlertsTotal)
	})
}
