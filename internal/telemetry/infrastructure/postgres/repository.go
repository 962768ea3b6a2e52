package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	telemetry "equipment-ops/internal/telemetry/domain"
)

const defaultTelemetryTable = "telemetry_records"

// TelemetryRepository reads and writes raw telemetry records.
type TelemetryRepository struct {
	db    *sql.DB
	table string
	limit int
}

// NewTelemetryRepository constructs a repository with default table name.
func NewTelemetryRepository(db *sql.DB, opts ...RepositoryOption) *TelemetryRepository {
	repo := &TelemetryRepository{db: db, table: defaultTelemetryTable}
	for _, opt := range opts {
		opt(repo)
	}
	return repo
}

// RepositoryOption configures the repository.
type RepositoryOption func(*TelemetryRepository)

// WithUnprocessedLimit caps how many unprocessed records one run fetches.
func WithUnprocessedLimit(limit int) RepositoryOption {
	return func(repo *TelemetryRepository) {
		if limit > 0 {
			repo.limit = limit
		}
	}
}

// InsertRecords stores records as unprocessed; existing ids are left untouched.
func (r *TelemetryRepository) InsertRecords(ctx context.Context, records []telemetry.Record) error {
	if r == nil || r.db == nil {
		return errors.New("telemetry repo: nil db")
	}
	if len(records) == 0 {
		return nil
	}

	query := fmt.Sprintf(`
INSERT INTO %s (
	id,
	equipment_id,
	ts,
	kind,
	payload,
	processed
) VALUES (
	$1, $2, $3, $4, $5, FALSE
)
ON CONFLICT (id) DO NOTHING`, r.table)

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}

	stmt, err := tx.PrepareContext(ctx, query)
	if err != nil {
		_ = tx.Rollback()
		return err
	}
	defer stmt.Close()

	for _, record := range records {
		if record.ID == "" || record.EquipmentID == "" || record.Timestamp.IsZero() || !record.Kind.IsValid() {
			_ = tx.Rollback()
			return errors.New("telemetry repo: invalid record")
		}
		payload := []byte("{}")
		if record.Payload != nil {
			payload, err = telemetry.EncodePayload(record.Payload)
			if err != nil {
				_ = tx.Rollback()
				return err
			}
		}
		if _, err := stmt.ExecContext(ctx, record.ID, record.EquipmentID, record.Timestamp.UTC(), string(record.Kind), string(payload)); err != nil {
			_ = tx.Rollback()
			return err
		}
	}

	return tx.Commit()
}

// ListUnprocessed returns records not yet folded into statistics, oldest first.
func (r *TelemetryRepository) ListUnprocessed(ctx context.Context) ([]telemetry.Record, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("telemetry repo: nil db")
	}
	query := fmt.Sprintf(`
SELECT id, equipment_id, ts, kind, payload, processed
FROM %s
WHERE processed = FALSE
ORDER BY ts ASC, id ASC`, r.table)
	args := []any{}
	if r.limit > 0 {
		query += "\nLIMIT $1"
		args = append(args, r.limit)
	}
	return r.queryRecords(ctx, query, args...)
}

// ListWindow returns records of one equipment with from <= ts <= to, oldest first.
func (r *TelemetryRepository) ListWindow(ctx context.Context, equipmentID string, from, to time.Time) ([]telemetry.Record, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("telemetry repo: nil db")
	}
	if equipmentID == "" {
		return nil, errors.New("telemetry repo: empty equipment id")
	}
	query := fmt.Sprintf(`
SELECT id, equipment_id, ts, kind, payload, processed
FROM %s
WHERE equipment_id = $1
	AND ts >= $2
	AND ts <= $3
ORDER BY ts ASC, id ASC`, r.table)
	return r.queryRecords(ctx, query, equipmentID, from.UTC(), to.UTC())
}

func (r *TelemetryRepository) queryRecords(ctx context.Context, query string, args ...any) ([]telemetry.Record, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []telemetry.Record
	for rows.Next() {
		record, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, record)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

// scanRecord leaves Payload nil when the stored payload does not decode for its kind.
func scanRecord(scanner interface{ Scan(dest ...any) error }) (telemetry.Record, error) {
	var (
		record  telemetry.Record
		kind    string
		payload []byte
	)
	if err := scanner.Scan(&record.ID, &record.EquipmentID, &record.Timestamp, &kind, &payload, &record.Processed); err != nil {
		return telemetry.Record{}, err
	}
	record.Kind = telemetry.Kind(kind)
	record.Timestamp = record.Timestamp.UTC()
	if decoded, err := telemetry.DecodePayload(record.Kind, payload); err == nil {
		record.Payload = decoded
	}
	return record, nil
}
