package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const metricPrefix = "timeclock_"

var (
	registerOnce sync.Once

	ingestRuns     *prometheus.CounterVec
	ingestStored   *prometheus.CounterVec
	ingestLatency  *prometheus.HistogramVec
	importLines    *prometheus.CounterVec
	diagnoseTotal  *prometheus.CounterVec
	schedulerCycle *prometheus.CounterVec
	schedulerFails prometheus.Gauge
)

// Init registers the collectors with the default registry. Observers are
// no-ops until Init runs, which keeps unit tests free of global state.
func Init() {
	registerOnce.Do(func() {
		ingestRuns = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "ingest_runs_total",
				Help: "Device ingestion batches by source and result",
			},
			[]string{"source", "result"},
		)
		ingestStored = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "ingest_stored_events_total",
				Help: "Attendance events written by device batches",
			},
			[]string{"source"},
		)
		ingestLatency = prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    metricPrefix + "ingest_latency_seconds",
				Help:    "Device ingestion batch latency in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"source"},
		)
		importLines = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "import_lines_total",
				Help: "Export file lines by outcome (parsed, stored, unknown)",
			},
			[]string{"outcome"},
		)
		diagnoseTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "diagnose_total",
				Help: "Device diagnostic probes by result",
			},
			[]string{"result"},
		)
		schedulerCycle = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "scheduler_cycles_total",
				Help: "Scheduler cycles by outcome",
			},
			[]string{"outcome"},
		)
		schedulerFails = prometheus.NewGauge(prometheus.GaugeOpts{
			Name: metricPrefix + "scheduler_consecutive_failures",
			Help: "Consecutive failed scheduler batches",
		})

		prometheus.MustRegister(ingestRuns, ingestStored, ingestLatency, importLines, diagnoseTotal, schedulerCycle, schedulerFails)
	})
}

// ObserveIngest records one device batch.
func ObserveIngest(source, result string, stored int, d time.Duration) {
	if ingestRuns == nil {
		return
	}
	ingestRuns.WithLabelValues(source, result).Inc()
	ingestStored.WithLabelValues(source).Add(float64(stored))
	ingestLatency.WithLabelValues(source).Observe(d.Seconds())
}

// ObserveImport records one file import.
func ObserveImport(parsed, stored, unknown int) {
	if importLines == nil {
		return
	}
	importLines.WithLabelValues("parsed").Add(float64(parsed))
	importLines.WithLabelValues("stored").Add(float64(stored))
	importLines.WithLabelValues("unknown").Add(float64(unknown))
}

// ObserveDiagnose records one diagnostic probe.
func ObserveDiagnose(ok bool) {
	if diagnoseTotal == nil {
		return
	}
	result := "fail"
	if ok {
		result = "ok"
	}
	diagnoseTotal.WithLabelValues(result).Inc()
}

// ObserveSchedulerCycle records a scheduler cycle and the failure streak.
func ObserveSchedulerCycle(outcome string, consecutiveFailures int) {
	if schedulerCycle == nil {
		return
	}
	schedulerCycle.WithLabelValues(outcome).Inc()
	schedulerFails.Set(float64(consecutiveFailures))
}
