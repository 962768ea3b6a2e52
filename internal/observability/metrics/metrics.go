package metrics

import (
	"database/sql"
	"log"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	metricPrefix = "equipment_"

	resultSuccess = "success"
	resultError   = "error"
)

var (
	registerOnce sync.Once

	aggregationRuns    *prometheus.CounterVec
	aggregationLatency *prometheus.HistogramVec
	aggregationGroups  *prometheus.CounterVec
	malformedRecords   prometheus.Counter

	detectionRuns    *prometheus.CounterVec
	detectionLatency *prometheus.HistogramVec
	detectionLines   *prometheus.CounterVec

	anomaliesCreated    *prometheus.CounterVec
	anomaliesSuppressed *prometheus.CounterVec
)

// Init registers job metrics and DB-backed gauges.
func Init(db *sql.DB, logger *log.Logger) {
	registerOnce.Do(func() {
		aggregationRuns = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "usage_aggregation_runs_total",
				Help: "Total usage aggregation runs by result",
			},
			[]string{"result"},
		)
		aggregationLatency = prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    metricPrefix + "usage_aggregation_latency_seconds",
				Help:    "Usage aggregation run latency in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"result"},
		)
		aggregationGroups = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "usage_aggregation_groups_total",
				Help: "Equipment groups handled by outcome",
			},
			[]string{"outcome"},
		)
		malformedRecords = prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: metricPrefix + "telemetry_malformed_records_total",
				Help: "Telemetry records excluded from the usage fold",
			},
		)

		detectionRuns = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "anomaly_detection_runs_total",
				Help: "Total anomaly detection runs by result",
			},
			[]string{"result"},
		)
		detectionLatency = prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    metricPrefix + "anomaly_detection_latency_seconds",
				Help:    "Anomaly detection run latency in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"result"},
		)
		detectionLines = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "anomaly_detection_lines_total",
				Help: "Contract lines evaluated by result",
			},
			[]string{"result"},
		)

		anomaliesCreated = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "anomalies_created_total",
				Help: "Anomalies created by type",
			},
			[]string{"type"},
		)
		anomaliesSuppressed = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "anomalies_suppressed_total",
				Help: "Anomaly candidates suppressed by an open anomaly, by type",
			},
			[]string{"type"},
		)

		prometheus.MustRegister(
			aggregationRuns,
			aggregationLatency,
			aggregationGroups,
			malformedRecords,
			detectionRuns,
			detectionLatency,
			detectionLines,
			anomaliesCreated,
			anomaliesSuppressed,
		)

		if db != nil {
			registerDBMetrics(db, logger)
		}
	})
}

// ObserveAggregationRun records aggregation run latency and result.
func ObserveAggregationRun(result string, duration time.Duration) {
	if result == "" {
		result = resultSuccess
	}
	if aggregationRuns != nil {
		aggregationRuns.WithLabelValues(result).Inc()
	}
	if aggregationLatency != nil {
		aggregationLatency.WithLabelValues(result).Observe(duration.Seconds())
	}
}

// AddAggregationGroups increments the group counter for an outcome.
func AddAggregationGroups(outcome string, count int) {
	if count <= 0 {
		return
	}
	if outcome == "" {
		outcome = "unknown"
	}
	if aggregationGroups != nil {
		aggregationGroups.WithLabelValues(outcome).Add(float64(count))
	}
}

// AddMalformedRecords increments the malformed record counter.
func AddMalformedRecords(count int) {
	if count <= 0 {
		return
	}
	if malformedRecords != nil {
		malformedRecords.Add(float64(count))
	}
}

// ObserveDetectionRun records detection run latency and result.
func ObserveDetectionRun(result string, duration time.Duration) {
	if result == "" {
		result = resultSuccess
	}
	if detectionRuns != nil {
		detectionRuns.WithLabelValues(result).Inc()
	}
	if detectionLatency != nil {
		detectionLatency.WithLabelValues(result).Observe(duration.Seconds())
	}
}

// IncDetectionLine counts one evaluated contract line.
func IncDetectionLine(result string) {
	if result == "" {
		result = resultSuccess
	}
	if detectionLines != nil {
		detectionLines.WithLabelValues(result).Inc()
	}
}

// IncAnomalyCreated counts a persisted anomaly.
func IncAnomalyCreated(anomalyType string) {
	if anomalyType == "" {
		anomalyType = "unknown"
	}
	if anomaliesCreated != nil {
		anomaliesCreated.WithLabelValues(anomalyType).Inc()
	}
}

// IncAnomalySuppressed counts a candidate dropped as a duplicate.
func IncAnomalySuppressed(anomalyType string) {
	if anomalyType == "" {
		anomalyType = "unknown"
	}
	if anomaliesSuppressed != nil {
		anomaliesSuppressed.WithLabelValues(anomalyType).Inc()
	}
}

// Exported constants for callers.
const (
	ResultSuccess = resultSuccess
	ResultError   = resultError

	GroupProcessed  = "processed"
	GroupSkipped    = "skipped"
	GroupFailed     = "failed"
	GroupConflicted = "conflicted"
)
