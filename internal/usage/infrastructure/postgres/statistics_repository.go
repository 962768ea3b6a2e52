package postgres

import (
	"context"
	"database/sql"
	"errors"
	"time"

	contractspostgres "equipment-ops/internal/contracts/infrastructure/postgres"
	usage "equipment-ops/internal/usage/domain"
)

const statisticsColumns = `s.contract_line_id, s.total_engine_hours, s.total_idle_hours, s.fuel_consumed,
	s.payload_moved_tonnes, s.total_cycle_time_seconds, s.cycle_count,
	s.working_hours, s.working_to_idle_ratio, s.fuel_burn_rate, s.avg_cycle_time_seconds,
	s.version, s.updated_at`

// StatisticsRepository persists usage statistics and claims telemetry in one transaction.
type StatisticsRepository struct {
	db             *sql.DB
	telemetryTable string
}

// NewStatisticsRepository constructs a repository.
func NewStatisticsRepository(db *sql.DB) *StatisticsRepository {
	return &StatisticsRepository{db: db, telemetryTable: "telemetry_records"}
}

// ApplyBatch marks recordIDs processed, locks the line statistics, merges and writes them
// back under a version check. Any claimed record or version change rolls everything back.
func (r *StatisticsRepository) ApplyBatch(ctx context.Context, lineID string, recordIDs []string, now time.Time, merge usage.MergeFunc) (usage.Statistics, error) {
	if r == nil || r.db == nil {
		return usage.Statistics{}, errors.New("statistics repo: nil db")
	}
	if lineID == "" {
		return usage.Statistics{}, usage.ErrEmptyContractLine
	}
	if len(recordIDs) == 0 {
		return usage.Statistics{}, usage.ErrNoRecords
	}
	if merge == nil {
		return usage.Statistics{}, errors.New("statistics repo: nil merge")
	}
	now = now.UTC()

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return usage.Statistics{}, err
	}

	res, err := tx.ExecContext(ctx, `
UPDATE `+r.telemetryTable+`
SET processed = TRUE, processed_at = $2
WHERE id = ANY($1)
	AND processed = FALSE`, recordIDs, now)
	if err != nil {
		_ = tx.Rollback()
		return usage.Statistics{}, err
	}
	claimed, err := res.RowsAffected()
	if err != nil {
		_ = tx.Rollback()
		return usage.Statistics{}, err
	}
	if claimed != int64(len(recordIDs)) {
		_ = tx.Rollback()
		return usage.Statistics{}, usage.ErrRecordsAlreadyProcessed
	}

	current, err := scanStatistics(tx.QueryRowContext(ctx, `
SELECT `+statisticsColumns+`
FROM usage_statistics s
WHERE s.contract_line_id = $1
FOR UPDATE`, lineID))
	if err == sql.ErrNoRows {
		current = nil
	} else if err != nil {
		_ = tx.Rollback()
		return usage.Statistics{}, err
	}

	next := merge(current)
	next.ContractLineID = lineID
	next.UpdatedAt = now

	if current == nil {
		next.Version = 1
		res, err = tx.ExecContext(ctx, `
INSERT INTO usage_statistics (
	contract_line_id, total_engine_hours, total_idle_hours, fuel_consumed,
	payload_moved_tonnes, total_cycle_time_seconds, cycle_count,
	working_hours, working_to_idle_ratio, fuel_burn_rate, avg_cycle_time_seconds,
	version, updated_at
) VALUES (
	$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13
)
ON CONFLICT (contract_line_id) DO NOTHING`, statisticsArgs(next)...)
	} else {
		next.Version = current.Version + 1
		args := append(statisticsArgs(next), current.Version)
		res, err = tx.ExecContext(ctx, `
UPDATE usage_statistics SET
	total_engine_hours = $2,
	total_idle_hours = $3,
	fuel_consumed = $4,
	payload_moved_tonnes = $5,
	total_cycle_time_seconds = $6,
	cycle_count = $7,
	working_hours = $8,
	working_to_idle_ratio = $9,
	fuel_burn_rate = $10,
	avg_cycle_time_seconds = $11,
	version = $12,
	updated_at = $13
WHERE contract_line_id = $1
	AND version = $14`, args...)
	}
	if err != nil {
		_ = tx.Rollback()
		return usage.Statistics{}, err
	}
	written, err := res.RowsAffected()
	if err != nil {
		_ = tx.Rollback()
		return usage.Statistics{}, err
	}
	if written != 1 {
		_ = tx.Rollback()
		return usage.Statistics{}, usage.ErrConcurrentUpdate
	}

	if err := tx.Commit(); err != nil {
		return usage.Statistics{}, err
	}
	return next, nil
}

// GetStatistics returns the statistics of a line.
func (r *StatisticsRepository) GetStatistics(ctx context.Context, lineID string) (*usage.Statistics, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("statistics repo: nil db")
	}
	if lineID == "" {
		return nil, usage.ErrEmptyContractLine
	}
	stats, err := scanStatistics(r.db.QueryRowContext(ctx, `
SELECT `+statisticsColumns+`
FROM usage_statistics s
WHERE s.contract_line_id = $1`, lineID))
	if err == sql.ErrNoRows {
		return nil, usage.ErrStatisticsNotFound
	}
	if err != nil {
		return nil, err
	}
	return stats, nil
}

// ListActiveWithStatistics returns lines active at now that already have statistics.
func (r *StatisticsRepository) ListActiveWithStatistics(ctx context.Context, now time.Time) ([]usage.ActiveLine, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("statistics repo: nil db")
	}
	rows, err := r.db.QueryContext(ctx, `
SELECT `+contractspostgres.LineColumns+`, `+statisticsColumns+`
FROM contract_lines l
JOIN usage_statistics s ON s.contract_line_id = l.id
WHERE l.start_date <= $1
	AND l.end_date >= $1
ORDER BY l.id ASC`, now.UTC())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []usage.ActiveLine
	for rows.Next() {
		var (
			line  contractspostgres.LineScan
			stats usage.Statistics
		)
		if err := rows.Scan(append(line.Dest(), statisticsDest(&stats)...)...); err != nil {
			return nil, err
		}
		stats.UpdatedAt = stats.UpdatedAt.UTC()
		result = append(result, usage.ActiveLine{Line: line.Line(), Statistics: stats})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

func statisticsArgs(s usage.Statistics) []any {
	return []any{
		s.ContractLineID,
		s.TotalEngineHours,
		s.TotalIdleHours,
		s.FuelConsumed,
		s.PayloadMovedTonnes,
		s.TotalCycleTimeSeconds,
		s.CycleCount,
		s.WorkingHours,
		s.WorkingToIdleRatio,
		s.FuelBurnRate,
		s.AvgCycleTimeSeconds,
		s.Version,
		s.UpdatedAt,
	}
}

func statisticsDest(s *usage.Statistics) []any {
	return []any{
		&s.ContractLineID,
		&s.TotalEngineHours,
		&s.TotalIdleHours,
		&s.FuelConsumed,
		&s.PayloadMovedTonnes,
		&s.TotalCycleTimeSeconds,
		&s.CycleCount,
		&s.WorkingHours,
		&s.WorkingToIdleRatio,
		&s.FuelBurnRate,
		&s.AvgCycleTimeSeconds,
		&s.Version,
		&s.UpdatedAt,
	}
}

func scanStatistics(scanner interface{ Scan(dest ...any) error }) (*usage.Statistics, error) {
	var stats usage.Statistics
	if err := scanner.Scan(statisticsDest(&stats)...); err != nil {
		return nil, err
	}
	stats.UpdatedAt = stats.UpdatedAt.UTC()
	return &stats, nil
}
