// pkg/metrics/metrics.go
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	HTTPResponseTime = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_response_time_seconds",
			Help:    "Histogram of response times",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// CVEventsTotal counts ingested CV events by kind and outcome (applied, duplicate, rejected)
	CVEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cv_events_total",
			Help: "CV ledger events by kind and outcome",
		},
		[]string{"kind", "outcome"},
	)

	CommissionEntriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "commission_entries_total",
			Help: "Commission ledger entries written, by commission type",
		},
		[]string{"type"},
	)

	LevelChangesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "level_changes_total",
			Help: "Level transitions by new level",
		},
		[]string{"level"},
	)

	BatchDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "batch_job_duration_seconds",
			Help:    "Duration of scheduled batch jobs",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300},
		},
		[]string{"job"},
	)

	BatchMembersTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "batch_members_total",
			Help: "Members handled by batch jobs, by outcome",
		},
		[]string{"job", "outcome"},
	)
)
