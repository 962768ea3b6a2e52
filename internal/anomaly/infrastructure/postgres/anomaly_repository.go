package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	anomaly "equipment-ops/internal/anomaly/domain"
)

// AnomalyRepository is a Postgres repository for anomalies. The partial unique index
// anomalies_one_open_idx backs the conditional insert.
type AnomalyRepository struct {
	db *sql.DB
}

// NewAnomalyRepository constructs a repository.
func NewAnomalyRepository(db *sql.DB) *AnomalyRepository {
	return &AnomalyRepository{db: db}
}

// CreateIfNoneOpen inserts a unless an unresolved anomaly of the same line and type exists.
// A conflict on the open-anomaly index reports false, nil.
func (r *AnomalyRepository) CreateIfNoneOpen(ctx context.Context, a *anomaly.Anomaly) (bool, error) {
	if r == nil || r.db == nil {
		return false, errors.New("anomaly repo: nil db")
	}
	if a == nil || a.ID == "" || a.ContractLineID == "" || !a.Type.IsValid() {
		return false, anomaly.ErrInvalidCandidate
	}
	details, err := json.Marshal(a.Details)
	if err != nil {
		return false, err
	}
	status := a.Status
	if status == "" {
		status = anomaly.StatusUnresolved
	}
	res, err := r.db.ExecContext(ctx, `
INSERT INTO anomalies (
	id, contract_line_id, type, severity, status, details, detected_at
) VALUES (
	$1, $2, $3, $4, $5, $6, $7
)
ON CONFLICT (contract_line_id, type) WHERE status = 'UNRESOLVED'
DO NOTHING`,
		a.ID,
		a.ContractLineID,
		string(a.Type),
		string(a.Severity),
		string(status),
		string(details),
		a.DetectedAt.UTC(),
	)
	if err != nil {
		return false, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected == 1, nil
}

// ListByLine returns anomalies of a line, newest first. An empty status matches all.
func (r *AnomalyRepository) ListByLine(ctx context.Context, lineID string, status anomaly.Status) ([]anomaly.Anomaly, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("anomaly repo: nil db")
	}
	rows, err := r.db.QueryContext(ctx, `
SELECT id, contract_line_id, type, severity, status, details, detected_at
FROM anomalies
WHERE contract_line_id = $1
	AND ($2::text = '' OR status = $2::text)
ORDER BY detected_at DESC, id ASC`, lineID, string(status))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []anomaly.Anomaly
	for rows.Next() {
		a, err := scanAnomaly(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *a)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

// Resolve marks an anomaly resolved, freeing its (line, type) slot.
func (r *AnomalyRepository) Resolve(ctx context.Context, id string) error {
	if r == nil || r.db == nil {
		return errors.New("anomaly repo: nil db")
	}
	res, err := r.db.ExecContext(ctx, `
UPDATE anomalies
SET status = $2, resolved_at = $3
WHERE id = $1`, id, string(anomaly.StatusResolved), time.Now().UTC())
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return anomaly.ErrNotFound
	}
	return nil
}

func scanAnomaly(scanner interface{ Scan(dest ...any) error }) (*anomaly.Anomaly, error) {
	var (
		a        anomaly.Anomaly
		typ      string
		severity string
		status   string
		details  []byte
	)
	if err := scanner.Scan(&a.ID, &a.ContractLineID, &typ, &severity, &status, &details, &a.DetectedAt); err != nil {
		return nil, err
	}
	a.Type = anomaly.Type(typ)
	a.Severity = anomaly.Severity(severity)
	a.Status = anomaly.Status(status)
	a.DetectedAt = a.DetectedAt.UTC()
	a.Details = anomaly.Details{}
	if len(details) > 0 {
		if err := json.Unmarshal(details, &a.Details); err != nil {
			return nil, err
		}
	}
	return &a, nil
}
