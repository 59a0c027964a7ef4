// Package metrics exposes Prometheus collectors for sync runs and upstream
// traffic. Collectors are registered on the default registry at init.
package metrics

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"

	"gym_capacity/models"
)

const namespace = "gym_capacity"

var (
	RunsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "sync_runs_total",
		Help:      "Terminal sync runs by status and trigger source.",
	}, []string{"status", "trigger"})

	RunDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "sync_run_duration_seconds",
		Help:      "Wall time of terminal sync runs.",
		Buckets:   prometheus.ExponentialBuckets(0.25, 2, 10),
	}, []string{"status"})

	GymsFetched = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "sync_last_gyms_fetched",
		Help:      "Gyms fetched by the most recent terminal run.",
	})

	LastSuccess = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "sync_last_success_timestamp_seconds",
		Help:      "Completion time of the most recent successful run.",
	})

	StaleRunsRecovered = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "sync_stale_runs_recovered_total",
		Help:      "in_progress runs force-failed after exceeding the stale threshold.",
	})

	UpstreamRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "upstream_requests_total",
		Help:      "Upstream portal calls by operation and result.",
	}, []string{"op", "result"})

	GymOccupancy = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "gym_users_current",
		Help:      "Latest reported occupant count per gym.",
	}, []string{"gym"})
)

func init() {
	prometheus.MustRegister(
		RunsTotal,
		RunDuration,
		GymsFetched,
		LastSuccess,
		StaleRunsRecovered,
		UpstreamRequests,
		GymOccupancy,
	)
}

// RunObserver records terminal runs.
type RunObserver struct{}

func (RunObserver) RunFinished(_ context.Context, report models.RunReport) {
	run := report.Run
	RunsTotal.WithLabelValues(string(run.Status), string(run.TriggeredBy)).Inc()
	if run.DurationSeconds != nil {
		RunDuration.WithLabelValues(string(run.Status)).Observe(*run.DurationSeconds)
	}
	GymsFetched.Set(float64(run.GymsFetched))
	if run.Status == models.SyncStatusSuccess && run.CompletedAt != nil {
		LastSuccess.Set(float64(run.CompletedAt.Unix()))
	}
	for _, r := range report.Readings {
		GymOccupancy.WithLabelValues(r.GymName).Set(float64(r.UsersCount))
	}
}
