package application

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	anomaly "equipment-ops/internal/anomaly/domain"
	contracts "equipment-ops/internal/contracts/domain"
	"equipment-ops/internal/storage/memory"
	telemetry "equipment-ops/internal/telemetry/domain"
	usage "equipment-ops/internal/usage/domain"
)

var detectAt = time.Date(2026, 4, 10, 12, 0, 0, 0, time.UTC)

// seedLine registers a line, gives it statistics through ApplyBatch, and stores window telemetry.
func seedLine(t *testing.T, store *memory.Store, line contracts.Line, stats usage.Statistics, window []telemetry.Record) {
	t.Helper()
	ctx := context.Background()
	if err := store.PutLine(line); err != nil {
		t.Fatalf("put line: %v", err)
	}
	seedID := line.ID + "-seed"
	if err := store.InsertRecords(ctx, []telemetry.Record{{
		ID:          seedID,
		EquipmentID: line.EquipmentID,
		Timestamp:   detectAt.Add(-48 * time.Hour),
		Kind:        telemetry.KindHydraulicPressure,
		Payload:     telemetry.HydraulicPressure{PressurePsi: 2000},
	}}); err != nil {
		t.Fatalf("insert seed: %v", err)
	}
	_, err := store.ApplyBatch(ctx, line.ID, []string{seedID}, detectAt, func(*usage.Statistics) usage.Statistics {
		stats.Derive()
		return stats
	})
	if err != nil {
		t.Fatalf("apply seed: %v", err)
	}
	if err := store.InsertRecords(ctx, window); err != nil {
		t.Fatalf("insert window: %v", err)
	}
}

func detectorLine(id, equipmentID string) contracts.Line {
	return contracts.Line{
		ID:          id,
		EquipmentID: equipmentID,
		ContractID:  "contract-" + id,
		StartDate:   detectAt.AddDate(0, -1, 0),
		EndDate:     detectAt.AddDate(0, 1, 0),
	}
}

func fuelWindow(equipmentID string, levels ...float64) []telemetry.Record {
	records := make([]telemetry.Record, 0, len(levels))
	for i, level := range levels {
		records = append(records, telemetry.Record{
			ID:          fmt.Sprintf("%s-fuel-%d", equipmentID, i),
			EquipmentID: equipmentID,
			Timestamp:   detectAt.Add(-time.Duration(30-i) * time.Minute),
			Kind:        telemetry.KindFuelLevel,
			Payload:     telemetry.FuelLevel{Level: level},
		})
	}
	return records
}

func newDetector(t *testing.T, store *memory.Store, cfg Config) *DetectorJob {
	t.Helper()
	job, err := NewDetectorJob(store, store, store, cfg)
	if err != nil {
		t.Fatalf("new detector: %v", err)
	}
	return job
}

func TestDetectorCreatesAnomalies(t *testing.T) {
	store := memory.NewStore()
	seedLine(t, store, detectorLine("line-1", "eq-1"),
		usage.Statistics{TotalEngineHours: 20, TotalIdleHours: 12},
		fuelWindow("eq-1", 80, 60))

	report, err := newDetector(t, store, DefaultConfig()).Run(context.Background(), detectAt)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if report.LinesEvaluated != 1 || report.CandidatesFound != 2 || report.AnomaliesCreated != 2 {
		t.Fatalf("unexpected report: %+v", report)
	}

	open, err := store.ListByLine(context.Background(), "line-1", anomaly.StatusUnresolved)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	types := map[anomaly.Type]anomaly.Anomaly{}
	for _, a := range open {
		types[a.Type] = a
	}
	drop, ok := types[anomaly.TypeSuddenFuelDrop]
	if !ok {
		t.Fatalf("expected SUDDEN_FUEL_DROP, got %v", open)
	}
	if drop.Severity != anomaly.SeverityHigh || drop.Details["fromLevel"] != 80.0 || drop.Details["toLevel"] != 60.0 {
		t.Fatalf("unexpected fuel drop anomaly: %+v", drop)
	}
	if !drop.DetectedAt.Equal(detectAt) || drop.ID == "" {
		t.Fatalf("unexpected identity: %+v", drop)
	}
	if _, ok := types[anomaly.TypePoorWorkingToIdleRatio]; !ok {
		t.Fatalf("expected POOR_WORKING_TO_IDLE_RATIO, got %v", open)
	}
}

func TestDetectorRepeatedRunsKeepOneOpenAnomaly(t *testing.T) {
	store := memory.NewStore()
	seedLine(t, store, detectorLine("line-1", "eq-1"),
		usage.Statistics{TotalEngineHours: 20, TotalIdleHours: 12}, nil)
	job := newDetector(t, store, DefaultConfig())

	for i := 0; i < 3; i++ {
		report, err := job.Run(context.Background(), detectAt.Add(time.Duration(i)*time.Minute))
		if err != nil {
			t.Fatalf("run %d: %v", i, err)
		}
		if i > 0 && (report.AnomaliesCreated != 0 || report.DuplicatesSuppressed != 1) {
			t.Fatalf("run %d: expected duplicate suppressed, got %+v", i, report)
		}
	}
	open, _ := store.ListByLine(context.Background(), "line-1", anomaly.StatusUnresolved)
	if len(open) != 1 {
		t.Fatalf("expected 1 open anomaly, got %d", len(open))
	}

	if err := store.Resolve(context.Background(), open[0].ID); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	report, err := job.Run(context.Background(), detectAt.Add(time.Hour))
	if err != nil {
		t.Fatalf("run after resolve: %v", err)
	}
	if report.AnomaliesCreated != 1 {
		t.Fatalf("expected a new anomaly after resolution, got %+v", report)
	}
	all, _ := store.ListByLine(context.Background(), "line-1", "")
	if len(all) != 2 {
		t.Fatalf("expected 2 anomalies in history, got %d", len(all))
	}
}

func TestDetectorConcurrentRunsKeepOneOpenAnomaly(t *testing.T) {
	store := memory.NewStore()
	seedLine(t, store, detectorLine("line-1", "eq-1"),
		usage.Statistics{TotalEngineHours: 20, TotalIdleHours: 12},
		fuelWindow("eq-1", 90, 50))
	job := newDetector(t, store, DefaultConfig())

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := job.Run(context.Background(), detectAt); err != nil {
				t.Errorf("run: %v", err)
			}
		}()
	}
	wg.Wait()

	open, _ := store.ListByLine(context.Background(), "line-1", anomaly.StatusUnresolved)
	if len(open) != 2 {
		t.Fatalf("expected 2 open anomalies, got %d", len(open))
	}
}

func TestDetectorUsesConfiguredSite(t *testing.T) {
	store := memory.NewStore()
	line := detectorLine("line-1", "eq-1")
	seedLine(t, store, line, usage.Statistics{TotalEngineHours: 1}, []telemetry.Record{{
		ID:          "loc-1",
		EquipmentID: "eq-1",
		Timestamp:   detectAt.Add(-10 * time.Minute),
		Kind:        telemetry.KindLocationUpdate,
		Payload:     telemetry.LocationUpdate{Lat: 13.05, Long: 79.60},
	}})

	job := newDetector(t, store, DefaultConfig())
	report, err := job.Run(context.Background(), detectAt)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if report.CandidatesFound != 0 {
		t.Fatalf("expected no geofence without a site, got %+v", report)
	}

	cfg := DefaultConfig()
	cfg.Sites = map[string]SiteConfig{line.ContractID: {Lat: 12.9716, Long: 79.1588, RadiusKm: 5}}
	report, err = newDetector(t, store, cfg).Run(context.Background(), detectAt)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if report.AnomaliesCreated != 1 {
		t.Fatalf("expected geofence anomaly, got %+v", report)
	}
	open, _ := store.ListByLine(context.Background(), "line-1", anomaly.StatusUnresolved)
	if len(open) != 1 || open[0].Type != anomaly.TypeGeofenceBreach {
		t.Fatalf("unexpected anomalies: %+v", open)
	}
}

func TestDetectorWindowExcludesOldTelemetry(t *testing.T) {
	store := memory.NewStore()
	old := []telemetry.Record{{
		ID:          "temp-old",
		EquipmentID: "eq-1",
		Timestamp:   detectAt.Add(-3 * time.Hour),
		Kind:        telemetry.KindEngineTemp,
		Payload:     telemetry.EngineTemp{Temp: 120},
	}}
	seedLine(t, store, detectorLine("line-1", "eq-1"), usage.Statistics{TotalEngineHours: 1}, old)

	report, err := newDetector(t, store, DefaultConfig()).Run(context.Background(), detectAt)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if report.CandidatesFound != 0 {
		t.Fatalf("expected reading outside lookback ignored, got %+v", report)
	}

	cfg := DefaultConfig()
	cfg.Lookback = 4 * time.Hour
	report, err = newDetector(t, store, cfg).Run(context.Background(), detectAt)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if report.AnomaliesCreated != 1 {
		t.Fatalf("expected HIGH_ENGINE_TEMP with a wider lookback, got %+v", report)
	}
}

func TestDetectorSkipsLinesWithoutStatistics(t *testing.T) {
	store := memory.NewStore()
	if err := store.PutLine(detectorLine("line-1", "eq-1")); err != nil {
		t.Fatalf("put line: %v", err)
	}
	report, err := newDetector(t, store, DefaultConfig()).Run(context.Background(), detectAt)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if report.LinesEvaluated != 0 {
		t.Fatalf("expected no lines evaluated, got %+v", report)
	}
}

type flakyWindows struct {
	*memory.Store
	failFor string
}

func (f flakyWindows) ListWindow(ctx context.Context, equipmentID string, from, to time.Time) ([]telemetry.Record, error) {
	if equipmentID == f.failFor {
		return nil, errors.New("timeout")
	}
	return f.Store.ListWindow(ctx, equipmentID, from, to)
}

type flakyWriter struct {
	*memory.Store
}

func (flakyWriter) CreateIfNoneOpen(ctx context.Context, a *anomaly.Anomaly) (bool, error) {
	return false, errors.New("insert failed")
}

func TestDetectorIsolatesLineFailures(t *testing.T) {
	store := memory.NewStore()
	stats := usage.Statistics{TotalEngineHours: 20, TotalIdleHours: 12}
	seedLine(t, store, detectorLine("line-1", "eq-1"), stats, nil)
	seedLine(t, store, detectorLine("line-2", "eq-2"), stats, nil)

	job, err := NewDetectorJob(store, flakyWindows{Store: store, failFor: "eq-1"}, store, DefaultConfig())
	if err != nil {
		t.Fatalf("new detector: %v", err)
	}
	report, err := job.Run(context.Background(), detectAt)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if report.LinesFailed != 1 || report.LinesEvaluated != 1 || report.AnomaliesCreated != 1 {
		t.Fatalf("unexpected report: %+v", report)
	}

	job, err = NewDetectorJob(store, store, flakyWriter{Store: store}, DefaultConfig())
	if err != nil {
		t.Fatalf("new detector: %v", err)
	}
	report, err = job.Run(context.Background(), detectAt)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if report.InsertFailures != 2 || report.LinesEvaluated != 2 {
		t.Fatalf("unexpected report: %+v", report)
	}
}

func TestDetectorUsesContractThresholds(t *testing.T) {
	store := memory.NewStore()
	line := detectorLine("line-1", "eq-1")
	seedLine(t, store, line, usage.Statistics{TotalEngineHours: 1}, []telemetry.Record{{
		ID:          "temp-1",
		EquipmentID: "eq-1",
		Timestamp:   detectAt.Add(-5 * time.Minute),
		Kind:        telemetry.KindEngineTemp,
		Payload:     telemetry.EngineTemp{Temp: 98},
	}})

	cfg, err := ParseConfig([]byte("contracts:\n  " + line.ContractID + ":\n    max_engine_temp: 95\n"))
	if err != nil {
		t.Fatalf("parse config: %v", err)
	}
	report, err := newDetector(t, store, cfg).Run(context.Background(), detectAt)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if report.AnomaliesCreated != 1 {
		t.Fatalf("expected override to fire HIGH_ENGINE_TEMP, got %+v", report)
	}
}
