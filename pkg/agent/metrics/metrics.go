// Package metrics exposes engine counters for Prometheus scraping.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// TicksTotal counts handler ticks by handler and outcome
	TicksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dbmaint_ticks_total",
			Help: "Total number of engine ticks",
		},
		[]string{"handler", "outcome"},
	)

	TickDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "dbmaint_tick_duration_seconds",
			Help:    "Duration of engine ticks in seconds",
			Buckets: []float64{0.1, 0.5, 1, 2.5, 5, 10, 20, 40, 60},
		},
		[]string{"handler"},
	)

	RowsDumped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "dbmaint_backup_rows_total",
			Help: "Total number of rows written to backup artifacts",
		},
	)

	BackupBytes = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "dbmaint_backup_bytes_total",
			Help: "Total compressed bytes written to backup artifacts",
		},
	)

	// StatementsReplayed counts restore statements by kind
	StatementsReplayed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dbmaint_restore_statements_total",
			Help: "Total number of statements replayed during restores",
		},
		[]string{"kind"},
	)

	StatementsRejected = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "dbmaint_restore_statements_rejected_total",
			Help: "Total number of statements rejected by the safety filter",
		},
	)

	Rollbacks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dbmaint_rollbacks_total",
			Help: "Total number of rollback runs by outcome",
		},
		[]string{"outcome"},
	)

	Maintenance = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "dbmaint_maintenance_active",
			Help: "1 while the maintenance flag is raised",
		},
	)

	TaskPanics = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dbmaint_task_panics_total",
			Help: "Total number of recovered panics in task handlers",
		},
		[]string{"handler"},
	)
)

// ObserveTick records one handler tick
func ObserveTick(handler string, d time.Duration, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	TicksTotal.WithLabelValues(handler, outcome).Inc()
	TickDuration.WithLabelValues(handler).Observe(d.Seconds())
}

// SetMaintenance mirrors the maintenance flag
func SetMaintenance(on bool) {
	if on {
		Maintenance.Set(1)
		return
	}
	Maintenance.Set(0)
}
