package application

import (
	"context"
	"errors"
	"log"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	contracts "equipment-ops/internal/contracts/domain"
	"equipment-ops/internal/observability/metrics"
	telemetry "equipment-ops/internal/telemetry/domain"
	usage "equipment-ops/internal/usage/domain"
)

// TelemetrySource lists records not yet folded into statistics.
type TelemetrySource interface {
	ListUnprocessed(ctx context.Context) ([]telemetry.Record, error)
}

// ActiveLineFinder resolves the contract line of an equipment active at now.
// It returns nil, nil when no line is active.
type ActiveLineFinder interface {
	FindActiveByEquipment(ctx context.Context, equipmentID string, now time.Time) (*contracts.Line, error)
}

// StatisticsUnitOfWork applies one batch all-or-nothing: read the line statistics,
// merge, upsert, and mark every record processed. If any record is already processed
// it fails with usage.ErrRecordsAlreadyProcessed and nothing is written.
type StatisticsUnitOfWork interface {
	ApplyBatch(ctx context.Context, lineID string, recordIDs []string, now time.Time, merge usage.MergeFunc) (usage.Statistics, error)
}

// ProcessingReport summarizes one aggregation run. RecordsPending counts records left
// unprocessed for a later run, including RecordsUnassigned (records with no equipment).
type ProcessingReport struct {
	GroupsProcessed   int `json:"groupsProcessed"`
	GroupsSkipped     int `json:"groupsSkipped"`
	GroupsFailed      int `json:"groupsFailed"`
	GroupsConflicted  int `json:"groupsConflicted"`
	RecordsProcessed  int `json:"recordsProcessed"`
	RecordsMalformed  int `json:"recordsMalformed"`
	RecordsPending    int `json:"recordsPending"`
	RecordsUnassigned int `json:"recordsUnassigned"`
}

const defaultConcurrency = 4

// AggregatorJob folds unprocessed telemetry into per-line usage statistics.
type AggregatorJob struct {
	telemetry   TelemetrySource
	lines       ActiveLineFinder
	store       StatisticsUnitOfWork
	accumulator usage.Accumulator
	concurrency int
	logger      *log.Logger
}

// AggregatorOption customizes the job.
type AggregatorOption func(*AggregatorJob)

// WithConcurrency bounds how many equipment groups are applied in parallel.
func WithConcurrency(n int) AggregatorOption {
	return func(j *AggregatorJob) {
		if n > 0 {
			j.concurrency = n
		}
	}
}

// WithLogger assigns a logger.
func WithLogger(logger *log.Logger) AggregatorOption {
	return func(j *AggregatorJob) {
		j.logger = logger
	}
}

// NewAggregatorJob constructs the job.
func NewAggregatorJob(source TelemetrySource, lines ActiveLineFinder, store StatisticsUnitOfWork, accumulator usage.Accumulator, opts ...AggregatorOption) (*AggregatorJob, error) {
	if source == nil {
		return nil, errors.New("usage aggregator: nil telemetry source")
	}
	if lines == nil {
		return nil, errors.New("usage aggregator: nil contract line finder")
	}
	if store == nil {
		return nil, errors.New("usage aggregator: nil statistics store")
	}
	job := &AggregatorJob{
		telemetry:   source,
		lines:       lines,
		store:       store,
		accumulator: accumulator,
		concurrency: defaultConcurrency,
	}
	for _, opt := range opts {
		opt(job)
	}
	return job, nil
}

type groupOutcome int

const (
	outcomeProcessed groupOutcome = iota
	outcomeSkipped
	outcomeFailed
	outcomeConflicted
)

// Run performs one aggregation pass. Only a failure to list unprocessed telemetry
// fails the run; per-group failures are counted and left for the next run.
func (j *AggregatorJob) Run(ctx context.Context, now time.Time) (ProcessingReport, error) {
	if j == nil {
		return ProcessingReport{}, errors.New("usage aggregator: nil job")
	}
	started := time.Now()
	if now.IsZero() {
		now = time.Now().UTC()
	}

	records, err := j.telemetry.ListUnprocessed(ctx)
	if err != nil {
		metrics.ObserveAggregationRun(metrics.ResultError, time.Since(started))
		return ProcessingReport{}, err
	}
	if len(records) == 0 {
		metrics.ObserveAggregationRun(metrics.ResultSuccess, time.Since(started))
		return ProcessingReport{}, nil
	}

	unassigned := 0
	for _, record := range records {
		if record.EquipmentID == "" {
			unassigned++
		}
	}
	if unassigned > 0 {
		j.logf("usage aggregation: records without equipment left unprocessed: count=%d", unassigned)
	}

	groups := telemetry.GroupByEquipment(records)
	equipmentIDs := make([]string, 0, len(groups))
	for id := range groups {
		equipmentIDs = append(equipmentIDs, id)
	}
	sort.Strings(equipmentIDs)

	var (
		mu     sync.Mutex
		report = ProcessingReport{RecordsPending: unassigned, RecordsUnassigned: unassigned}
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(j.concurrency)
	for _, equipmentID := range equipmentIDs {
		equipmentID := equipmentID
		group := groups[equipmentID]
		g.Go(func() error {
			outcome, delta := j.applyGroup(gctx, equipmentID, group, now)
			mu.Lock()
			defer mu.Unlock()
			switch outcome {
			case outcomeProcessed:
				report.GroupsProcessed++
				report.RecordsProcessed += delta.Records
				report.RecordsMalformed += delta.Malformed
			case outcomeSkipped:
				report.GroupsSkipped++
				report.RecordsPending += len(group)
			case outcomeConflicted:
				report.GroupsConflicted++
				report.RecordsPending += len(group)
			default:
				report.GroupsFailed++
				report.RecordsPending += len(group)
			}
			return nil
		})
	}
	_ = g.Wait()

	metrics.AddAggregationGroups(metrics.GroupProcessed, report.GroupsProcessed)
	metrics.AddAggregationGroups(metrics.GroupSkipped, report.GroupsSkipped)
	metrics.AddAggregationGroups(metrics.GroupFailed, report.GroupsFailed)
	metrics.AddAggregationGroups(metrics.GroupConflicted, report.GroupsConflicted)
	metrics.AddMalformedRecords(report.RecordsMalformed)
	metrics.ObserveAggregationRun(metrics.ResultSuccess, time.Since(started))
	return report, nil
}

func (j *AggregatorJob) applyGroup(ctx context.Context, equipmentID string, group []telemetry.Record, now time.Time) (groupOutcome, usage.BatchDelta) {
	line, err := j.lines.FindActiveByEquipment(ctx, equipmentID, now)
	if err != nil {
		j.logf("usage aggregation: resolve line failed: equipment=%s err=%v", equipmentID, err)
		return outcomeFailed, usage.BatchDelta{}
	}
	if line == nil {
		return outcomeSkipped, usage.BatchDelta{}
	}

	delta := j.accumulator.ComputeBatchDelta(group)
	_, err = j.store.ApplyBatch(ctx, line.ID, telemetry.IDs(group), now, func(current *usage.Statistics) usage.Statistics {
		return usage.Merge(current, line.ID, delta)
	})
	if err != nil {
		if errors.Is(err, usage.ErrRecordsAlreadyProcessed) || errors.Is(err, usage.ErrConcurrentUpdate) {
			j.logf("usage aggregation: conflict: equipment=%s line=%s err=%v", equipmentID, line.ID, err)
			return outcomeConflicted, usage.BatchDelta{}
		}
		j.logf("usage aggregation: apply failed: equipment=%s line=%s err=%v", equipmentID, line.ID, err)
		return outcomeFailed, usage.BatchDelta{}
	}
	if delta.Malformed > 0 {
		j.logf("usage aggregation: malformed records excluded: equipment=%s line=%s count=%d", equipmentID, line.ID, delta.Malformed)
	}
	return outcomeProcessed, delta
}

func (j *AggregatorJob) logf(format string, args ...any) {
	if j.logger == nil {
		return
	}
	j.logger.Printf(format, args...)
}
