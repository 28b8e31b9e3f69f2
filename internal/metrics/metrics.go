// Package metrics holds the Prometheus collectors exposed on /metrics.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "animeworld"

var (
	// CatalogRequests counts catalog page fetches by outcome.
	CatalogRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "catalog_requests_total",
		Help:      "Catalog page fetches by kind and result.",
	}, []string{"kind", "result"})

	// Extractions counts player bypass attempts.
	Extractions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "extractions_total",
		Help:      "Player bypass attempts by result.",
	}, []string{"result"})

	// Probes counts format probes.
	Probes = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "probes_total",
		Help:      "Format probes by result.",
	}, []string{"result"})

	// Deliveries counts finished deliveries by route.
	Deliveries = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "deliveries_total",
		Help:      "Deliveries by route (inline, large_file, direct_link, failed).",
	}, []string{"route"})

	// StageDuration observes how long each heavy stage takes.
	StageDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "stage_duration_seconds",
		Help:      "Duration of bypass, probe and download stages.",
		Buckets:   []float64{1, 5, 10, 15, 30, 60, 120, 300, 600, 1200},
	}, []string{"stage"})

	// Actions counts user actions handled by the state machine.
	Actions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "actions_total",
		Help:      "User actions by kind and outcome.",
	}, []string{"action", "outcome"})
)

// ObserveStage records the time elapsed since start for a stage.
func ObserveStage(stage string, start time.Time) {
	StageDuration.WithLabelValues(stage).Observe(time.Since(start).Seconds())
}

// RegisterSessionGauge exposes the live session count.
func RegisterSessionGauge(count func() int) {
	prometheus.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "sessions",
		Help:      "Sessions currently held in memory.",
	}, func() float64 { return float64(count()) }))
}
