package postgres

import (
	"context"
	"database/sql"
	"errors"
	"time"

	contracts "equipment-ops/internal/contracts/domain"
)

// LineColumns is the select list understood by ScanLine.
const LineColumns = `l.id, l.equipment_id, l.contract_id, l.start_date, l.end_date,
	l.site_lat, l.site_long, l.site_radius_km, l.site_timezone`

// LineRepository reads contract lines. Lines are owned by external business logic;
// Save exists for seeding and integration tests.
type LineRepository struct {
	db *sql.DB
}

// NewLineRepository constructs a repository.
func NewLineRepository(db *sql.DB) *LineRepository {
	return &LineRepository{db: db}
}

// FindActiveByEquipment returns the line of equipmentID active at now, or nil, nil.
// When several lines overlap the latest start wins.
func (r *LineRepository) FindActiveByEquipment(ctx context.Context, equipmentID string, now time.Time) (*contracts.Line, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("contract line repo: nil db")
	}
	row := r.db.QueryRowContext(ctx, `
SELECT `+LineColumns+`
FROM contract_lines l
WHERE l.equipment_id = $1
	AND l.start_date <= $2
	AND l.end_date >= $2
ORDER BY l.start_date DESC, l.id ASC
LIMIT 1`, equipmentID, now.UTC())
	line, err := ScanLine(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return line, nil
}

// Save upserts a contract line.
func (r *LineRepository) Save(ctx context.Context, line contracts.Line) error {
	if r == nil || r.db == nil {
		return errors.New("contract line repo: nil db")
	}
	if err := line.Validate(); err != nil {
		return err
	}
	var lat, long, radius sql.NullFloat64
	var timezone sql.NullString
	if line.Site != nil {
		lat = sql.NullFloat64{Float64: line.Site.Lat, Valid: true}
		long = sql.NullFloat64{Float64: line.Site.Long, Valid: true}
		radius = sql.NullFloat64{Float64: line.Site.RadiusKm, Valid: line.Site.RadiusKm > 0}
		timezone = sql.NullString{String: line.Site.Timezone, Valid: line.Site.Timezone != ""}
	}
	_, err := r.db.ExecContext(ctx, `
INSERT INTO contract_lines (
	id, equipment_id, contract_id, start_date, end_date,
	site_lat, site_long, site_radius_km, site_timezone
) VALUES (
	$1, $2, $3, $4, $5, $6, $7, $8, $9
)
ON CONFLICT (id)
DO UPDATE SET
	equipment_id = EXCLUDED.equipment_id,
	contract_id = EXCLUDED.contract_id,
	start_date = EXCLUDED.start_date,
	end_date = EXCLUDED.end_date,
	site_lat = EXCLUDED.site_lat,
	site_long = EXCLUDED.site_long,
	site_radius_km = EXCLUDED.site_radius_km,
	site_timezone = EXCLUDED.site_timezone`,
		line.ID,
		line.EquipmentID,
		line.ContractID,
		line.StartDate.UTC(),
		line.EndDate.UTC(),
		lat,
		long,
		radius,
		timezone,
	)
	return err
}

// ScanLine scans a row selecting exactly LineColumns.
func ScanLine(scanner interface{ Scan(dest ...any) error }) (*contracts.Line, error) {
	var scan LineScan
	if err := scanner.Scan(scan.Dest()...); err != nil {
		return nil, err
	}
	line := scan.Line()
	return &line, nil
}

// LineScan holds scan destinations for LineColumns, so callers can select extra columns.
type LineScan struct {
	line              contracts.Line
	lat, long, radius sql.NullFloat64
	timezone          sql.NullString
}

// Dest returns the destinations in LineColumns order.
func (s *LineScan) Dest() []any {
	return []any{
		&s.line.ID, &s.line.EquipmentID, &s.line.ContractID, &s.line.StartDate, &s.line.EndDate,
		&s.lat, &s.long, &s.radius, &s.timezone,
	}
}

// Line builds the scanned line. A line without site coordinates has a nil Site.
func (s *LineScan) Line() contracts.Line {
	line := s.line
	line.StartDate = line.StartDate.UTC()
	line.EndDate = line.EndDate.UTC()
	if s.lat.Valid && s.long.Valid {
		line.Site = &contracts.Site{
			Lat:      s.lat.Float64,
			Long:     s.long.Float64,
			RadiusKm: s.radius.Float64,
			Timezone: s.timezone.String,
		}
	}
	return line
}
