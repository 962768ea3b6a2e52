package application

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/google/uuid"

	anomaly "equipment-ops/internal/anomaly/domain"
	"equipment-ops/internal/anomaly/rules"
	"equipment-ops/internal/observability/metrics"
	telemetry "equipment-ops/internal/telemetry/domain"
	usage "equipment-ops/internal/usage/domain"
)

// ActiveLineSource lists contract lines active at now that already have statistics.
type ActiveLineSource interface {
	ListActiveWithStatistics(ctx context.Context, now time.Time) ([]usage.ActiveLine, error)
}

// WindowSource returns the chronological telemetry of an equipment within [from, to].
type WindowSource interface {
	ListWindow(ctx context.Context, equipmentID string, from, to time.Time) ([]telemetry.Record, error)
}

// AnomalyWriter inserts an anomaly unless one of the same line and type is still unresolved.
// It reports false, nil when the insert was suppressed as a duplicate.
type AnomalyWriter interface {
	CreateIfNoneOpen(ctx context.Context, a *anomaly.Anomaly) (bool, error)
}

// DetectionReport summarizes one detection run.
type DetectionReport struct {
	LinesEvaluated       int `json:"linesEvaluated"`
	LinesFailed          int `json:"linesFailed"`
	CandidatesFound      int `json:"candidatesFound"`
	AnomaliesCreated     int `json:"anomaliesCreated"`
	DuplicatesSuppressed int `json:"duplicatesSuppressed"`
	InsertFailures       int `json:"insertFailures"`
}

// DetectorJob evaluates the rule catalog for every active line.
type DetectorJob struct {
	lines   ActiveLineSource
	windows WindowSource
	writer  AnomalyWriter
	engine  *rules.Engine
	config  Config
	newID   func() string
	logger  *log.Logger
}

// DetectorOption customizes the job.
type DetectorOption func(*DetectorJob)

// WithLogger assigns a logger.
func WithLogger(logger *log.Logger) DetectorOption {
	return func(j *DetectorJob) {
		j.logger = logger
	}
}

// NewDetectorJob constructs the job.
func NewDetectorJob(lines ActiveLineSource, windows WindowSource, writer AnomalyWriter, cfg Config, opts ...DetectorOption) (*DetectorJob, error) {
	if lines == nil {
		return nil, errors.New("anomaly detector: nil line source")
	}
	if windows == nil {
		return nil, errors.New("anomaly detector: nil window source")
	}
	if writer == nil {
		return nil, errors.New("anomaly detector: nil anomaly writer")
	}
	job := &DetectorJob{
		lines:   lines,
		windows: windows,
		writer:  writer,
		engine:  rules.NewEngine(),
		config:  cfg,
		newID:   uuid.NewString,
	}
	for _, opt := range opts {
		opt(job)
	}
	return job, nil
}

// Run performs one detection pass. Only a failure to list active lines fails the run.
func (j *DetectorJob) Run(ctx context.Context, now time.Time) (DetectionReport, error) {
	if j == nil {
		return DetectionReport{}, errors.New("anomaly detector: nil job")
	}
	started := time.Now()
	if now.IsZero() {
		now = time.Now().UTC()
	}

	active, err := j.lines.ListActiveWithStatistics(ctx, now)
	if err != nil {
		metrics.ObserveDetectionRun(metrics.ResultError, time.Since(started))
		return DetectionReport{}, err
	}

	var report DetectionReport
	for _, item := range active {
		if err := j.evaluateLine(ctx, item, now, &report); err != nil {
			report.LinesFailed++
			metrics.IncDetectionLine(metrics.ResultError)
			j.logf("anomaly detection: line failed: line=%s err=%v", item.Line.ID, err)
			continue
		}
		report.LinesEvaluated++
		metrics.IncDetectionLine(metrics.ResultSuccess)
	}

	metrics.ObserveDetectionRun(metrics.ResultSuccess, time.Since(started))
	return report, nil
}

func (j *DetectorJob) evaluateLine(ctx context.Context, item usage.ActiveLine, now time.Time, report *DetectionReport) error {
	line := item.Line
	window, err := j.windows.ListWindow(ctx, line.EquipmentID, now.Add(-j.config.lookback()), now)
	if err != nil {
		return err
	}
	telemetry.SortChronologically(window)

	in := rules.Input{
		Statistics: item.Statistics,
		Window:     window,
		Line: rules.LineContext{
			LineID:      line.ID,
			EquipmentID: line.EquipmentID,
			ContractID:  line.ContractID,
			Site:        j.config.SiteFor(line.ContractID, line.Site),
		},
	}
	candidates := j.engine.Evaluate(in, j.config.ThresholdsForContract(line.ContractID))
	report.CandidatesFound += len(candidates)

	for _, candidate := range candidates {
		record, err := anomaly.New(j.newID(), line.ID, candidate, now)
		if err != nil {
			report.InsertFailures++
			j.logf("anomaly detection: invalid candidate: line=%s type=%s err=%v", line.ID, candidate.Type, err)
			continue
		}
		created, err := j.writer.CreateIfNoneOpen(ctx, record)
		if err != nil {
			report.InsertFailures++
			j.logf("anomaly detection: insert failed: line=%s type=%s err=%v", line.ID, candidate.Type, err)
			continue
		}
		if !created {
			report.DuplicatesSuppressed++
			metrics.IncAnomalySuppressed(string(candidate.Type))
			continue
		}
		report.AnomaliesCreated++
		metrics.IncAnomalyCreated(string(candidate.Type))
		j.logf("anomaly detected: line=%s type=%s severity=%s", line.ID, candidate.Type, candidate.Severity)
	}
	return nil
}

func (j *DetectorJob) logf(format string, args ...any) {
	if j.logger == nil {
		return
	}
	j.logger.Printf(format, args...)
}
