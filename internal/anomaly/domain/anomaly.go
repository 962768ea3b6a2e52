package anomaly

import (
	"time"
)

// Type names the rule that produced an anomaly.
type Type string

const (
	TypePoorWorkingToIdleRatio   Type = "POOR_WORKING_TO_IDLE_RATIO"
	TypeHighFuelBurnRate         Type = "HIGH_FUEL_BURN_RATE"
	TypeSlowCycleTime            Type = "SLOW_CYCLE_TIME"
	TypeGeofenceBreach           Type = "GEOFENCE_BREACH"
	TypeAfterHoursOperation      Type = "AFTER_HOURS_OPERATION"
	TypeSuddenFuelDrop           Type = "SUDDEN_FUEL_DROP"
	TypeHighEngineTemp           Type = "HIGH_ENGINE_TEMP"
	TypeFrequentDiagnosticErrors Type = "FREQUENT_DIAGNOSTIC_ERRORS"
	TypeMissedMaintenanceWindow  Type = "MISSED_MAINTENANCE_WINDOW"
)

// IsValid reports whether t is a known anomaly type.
func (t Type) IsValid() bool {
	switch t {
	case TypePoorWorkingToIdleRatio, TypeHighFuelBurnRate, TypeSlowCycleTime,
		TypeGeofenceBreach, TypeAfterHoursOperation, TypeSuddenFuelDrop,
		TypeHighEngineTemp, TypeFrequentDiagnosticErrors, TypeMissedMaintenanceWindow:
		return true
	default:
		return false
	}
}

type Severity string

const (
	SeverityLow    Severity = "LOW"
	SeverityMedium Severity = "MEDIUM"
	SeverityHigh   Severity = "HIGH"
)

type Status string

const (
	StatusUnresolved Status = "UNRESOLVED"
	StatusResolved   Status = "RESOLVED"
)

// Details is free-form rule evidence.
type Details map[string]any

// Candidate is the output of one rule before deduplication.
type Candidate struct {
	Type     Type
	Severity Severity
	Details  Details
}

// Anomaly is a detected deviation tied to one contract line.
// At most one UNRESOLVED anomaly exists per (contract line, type).
type Anomaly struct {
	ID             string    `json:"id"`
	DetectedAt     time.Time `json:"detectedAt"`
	ContractLineID string    `json:"contractLineId"`
	Type           Type      `json:"type"`
	Severity       Severity  `json:"severity"`
	Status         Status    `json:"status"`
	Details        Details   `json:"details"`
}

// New builds an unresolved anomaly from a candidate.
func New(id, lineID string, candidate Candidate, detectedAt time.Time) (*Anomaly, error) {
	if id == "" || lineID == "" {
		return nil, ErrInvalidCandidate
	}
	if !candidate.Type.IsValid() || candidate.Severity == "" {
		return nil, ErrInvalidCandidate
	}
	details := candidate.Details
	if details == nil {
		details = Details{}
	}
	return &Anomaly{
		ID:             id,
		DetectedAt:     detectedAt.UTC(),
		ContractLineID: lineID,
		Type:           candidate.Type,
		Severity:       candidate.Severity,
		Status:         StatusUnresolved,
		Details:        details,
	}, nil
}
