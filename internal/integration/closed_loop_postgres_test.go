package integration_test

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	anomalyapp "equipment-ops/internal/anomaly/application"
	anomaly "equipment-ops/internal/anomaly/domain"
	anomalyrepo "equipment-ops/internal/anomaly/infrastructure/postgres"
	contracts "equipment-ops/internal/contracts/domain"
	contractsrepo "equipment-ops/internal/contracts/infrastructure/postgres"
	telemetry "equipment-ops/internal/telemetry/domain"
	telemetryrepo "equipment-ops/internal/telemetry/infrastructure/postgres"
	usageapp "equipment-ops/internal/usage/application"
	usage "equipment-ops/internal/usage/domain"
	usagerepo "equipment-ops/internal/usage/infrastructure/postgres"

	_ "github.com/jackc/pgx/v5/stdlib"
)

const (
	itLineID      = "line-it"
	itEquipmentID = "equipment-it"
)

func openDB(t *testing.T) *sql.DB {
	t.Helper()
	dsn := os.Getenv("PG_DSN")
	if dsn == "" {
		t.Skip("PG_DSN not set")
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	if !tableExists(db, "telemetry_records") ||
		!tableExists(db, "contract_lines") ||
		!tableExists(db, "usage_statistics") ||
		!tableExists(db, "anomalies") {
		t.Skip("missing tables; run migrations")
	}

	ctx := context.Background()
	_, _ = db.ExecContext(ctx, "DELETE FROM anomalies WHERE contract_line_id = $1", itLineID)
	_, _ = db.ExecContext(ctx, "DELETE FROM usage_statistics WHERE contract_line_id = $1", itLineID)
	_, _ = db.ExecContext(ctx, "DELETE FROM telemetry_records WHERE equipment_id = $1", itEquipmentID)
	_, _ = db.ExecContext(ctx, "DELETE FROM contract_lines WHERE id = $1", itLineID)
	return db
}

func TestAggregateAndDetect_Postgres(t *testing.T) {
	db := openDB(t)
	ctx := context.Background()
	now := time.Date(2026, time.May, 4, 10, 0, 0, 0, time.UTC)

	lines := contractsrepo.NewLineRepository(db)
	records := telemetryrepo.NewTelemetryRepository(db)
	stats := usagerepo.NewStatisticsRepository(db)
	anomalies := anomalyrepo.NewAnomalyRepository(db)

	if err := lines.Save(ctx, contracts.Line{
		ID:          itLineID,
		EquipmentID: itEquipmentID,
		ContractID:  "contract-it",
		StartDate:   now.AddDate(0, -1, 0),
		EndDate:     now.AddDate(0, 1, 0),
		Site:        &contracts.Site{Lat: 12.9716, Long: 79.1588, RadiusKm: 5, Timezone: "UTC"},
	}); err != nil {
		t.Fatalf("save line: %v", err)
	}

	batch := []telemetry.Record{
		{ID: "it-1", EquipmentID: itEquipmentID, Timestamp: now.Add(-20 * time.Minute), Kind: telemetry.KindEngineStatus, Payload: telemetry.EngineStatus{Status: telemetry.EngineRunning, RPM: 1500}},
		{ID: "it-2", EquipmentID: itEquipmentID, Timestamp: now.Add(-19 * time.Minute), Kind: telemetry.KindEngineStatus, Payload: telemetry.EngineStatus{Status: telemetry.EngineIdle, RPM: 700}},
		{ID: "it-3", EquipmentID: itEquipmentID, Timestamp: now.Add(-18 * time.Minute), Kind: telemetry.KindFuelLevel, Payload: telemetry.FuelLevel{Level: 80}},
		{ID: "it-4", EquipmentID: itEquipmentID, Timestamp: now.Add(-10 * time.Minute), Kind: telemetry.KindFuelLevel, Payload: telemetry.FuelLevel{Level: 60}},
		{ID: "it-5", EquipmentID: itEquipmentID, Timestamp: now.Add(-5 * time.Minute), Kind: telemetry.KindLocationUpdate, Payload: telemetry.LocationUpdate{Lat: 13.05, Long: 79.60}},
	}
	if err := records.InsertRecords(ctx, batch); err != nil {
		t.Fatalf("insert records: %v", err)
	}

	aggregator, err := usageapp.NewAggregatorJob(records, lines, stats, usage.NewAccumulator(time.Hour, 5.5))
	if err != nil {
		t.Fatalf("new aggregator: %v", err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := aggregator.Run(ctx, now); err != nil {
				t.Errorf("aggregate: %v", err)
			}
		}()
	}
	wg.Wait()

	got, err := stats.GetStatistics(ctx, itLineID)
	if err != nil {
		t.Fatalf("get statistics: %v", err)
	}
	if got.TotalEngineHours != 2 || got.TotalIdleHours != 1 || got.FuelConsumed != 11 || got.Version != 1 {
		t.Fatalf("unexpected statistics: %+v", got)
	}

	report, err := aggregator.Run(ctx, now)
	if err != nil {
		t.Fatalf("second aggregate: %v", err)
	}
	if report.GroupsProcessed != 0 {
		t.Fatalf("expected no-op second run, got %+v", report)
	}

	detector, err := anomalyapp.NewDetectorJob(stats, records, anomalies, anomalyapp.DefaultConfig())
	if err != nil {
		t.Fatalf("new detector: %v", err)
	}
	for i := 0; i < 2; i++ {
		if _, err := detector.Run(ctx, now); err != nil {
			t.Fatalf("detect: %v", err)
		}
	}

	open, err := anomalies.ListByLine(ctx, itLineID, anomaly.StatusUnresolved)
	if err != nil {
		t.Fatalf("list anomalies: %v", err)
	}
	seen := map[anomaly.Type]int{}
	for _, a := range open {
		seen[a.Type]++
	}
	if seen[anomaly.TypeSuddenFuelDrop] != 1 || seen[anomaly.TypeGeofenceBreach] != 1 {
		t.Fatalf("unexpected open anomalies: %+v", open)
	}
	for typ, count := range seen {
		if count > 1 {
			t.Fatalf("more than one open %s", typ)
		}
	}

	if err := anomalies.Resolve(ctx, open[0].ID); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if err := anomalies.Resolve(ctx, "missing"); !errors.Is(err, anomaly.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestCreateIfNoneOpen_Postgres(t *testing.T) {
	db := openDB(t)
	ctx := context.Background()
	now := time.Date(2026, time.May, 4, 10, 0, 0, 0, time.UTC)

	if err := contractsrepo.NewLineRepository(db).Save(ctx, contracts.Line{
		ID:          itLineID,
		EquipmentID: itEquipmentID,
		ContractID:  "contract-it",
		StartDate:   now.AddDate(0, -1, 0),
		EndDate:     now.AddDate(0, 1, 0),
	}); err != nil {
		t.Fatalf("save line: %v", err)
	}

	repo := anomalyrepo.NewAnomalyRepository(db)
	candidate := anomaly.Candidate{Type: anomaly.TypeHighEngineTemp, Severity: anomaly.SeverityHigh, Details: anomaly.Details{"maxTemp": 110.0}}

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		created int
	)
	for _, id := range []string{"it-a", "it-b", "it-c", "it-d"} {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			a, err := anomaly.New(id, itLineID, candidate, now)
			if err != nil {
				t.Errorf("new anomaly: %v", err)
				return
			}
			ok, err := repo.CreateIfNoneOpen(ctx, a)
			if err != nil {
				t.Errorf("create: %v", err)
				return
			}
			if ok {
				mu.Lock()
				created++
				mu.Unlock()
			}
		}(id)
	}
	wg.Wait()

	if created != 1 {
		t.Fatalf("expected exactly one insert, got %d", created)
	}
	open, err := repo.ListByLine(ctx, itLineID, anomaly.StatusUnresolved)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(open) != 1 || open[0].Details["maxTemp"] != 110.0 {
		t.Fatalf("unexpected open anomalies: %+v", open)
	}
}

func tableExists(db *sql.DB, table string) bool {
	var exists bool
	err := db.QueryRow(`
SELECT EXISTS (
	SELECT 1
	FROM information_schema.tables
	WHERE table_schema = 'public' AND table_name = $1
)`, table).Scan(&exists)
	if err != nil {
		return false
	}
	return exists
}
