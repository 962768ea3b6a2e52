package usage

import (
	"time"

	contracts "equipment-ops/internal/contracts/domain"
)

// Statistics is the cumulative usage record of one contract line.
// Derived fields are recomputed from the cumulative fields on every merge and never set directly.
type Statistics struct {
	ContractLineID string `json:"contractLineId"`

	TotalEngineHours      float64 `json:"totalEngineHours"`
	TotalIdleHours        float64 `json:"totalIdleHours"`
	FuelConsumed          float64 `json:"fuelConsumed"`
	PayloadMovedTonnes    float64 `json:"payloadMovedTonnes"`
	TotalCycleTimeSeconds float64 `json:"-"`
	CycleCount            int64   `json:"-"`

	WorkingHours        float64 `json:"workingHours"`
	WorkingToIdleRatio  float64 `json:"workingToIdleRatio"`
	FuelBurnRate        float64 `json:"fuelBurnRate"`
	AvgCycleTimeSeconds float64 `json:"avgCycleTimeSeconds"`

	// Version increments on every persisted update and backs compare-and-swap writes.
	Version   int64     `json:"version"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// BatchDelta is the contribution of one group of unprocessed records.
type BatchDelta struct {
	EngineHours        float64
	IdleHours          float64
	FuelConsumed       float64
	PayloadMovedTonnes float64
	CycleTimeSeconds   float64
	CycleCount         int64

	Records   int
	Malformed int
}

// IsZero reports whether the delta changes no cumulative field.
func (d BatchDelta) IsZero() bool {
	return d.EngineHours == 0 && d.IdleHours == 0 && d.FuelConsumed == 0 &&
		d.PayloadMovedTonnes == 0 && d.CycleTimeSeconds == 0 && d.CycleCount == 0
}

// Derive recomputes the derived fields from the cumulative ones.
func (s *Statistics) Derive() {
	s.WorkingHours = s.TotalEngineHours - s.TotalIdleHours
	s.WorkingToIdleRatio = 0
	if s.TotalEngineHours > 0 {
		s.WorkingToIdleRatio = s.WorkingHours / s.TotalEngineHours * 100
	}
	s.FuelBurnRate = 0
	if s.WorkingHours > 0 {
		s.FuelBurnRate = s.FuelConsumed / s.WorkingHours
	}
	s.AvgCycleTimeSeconds = 0
	if s.CycleCount > 0 {
		s.AvgCycleTimeSeconds = s.TotalCycleTimeSeconds / float64(s.CycleCount)
	}
}

// MergeFunc turns the current statistics (nil when absent) into the next ones.
type MergeFunc func(current *Statistics) Statistics

// ActiveLine pairs an active contract line with its current statistics.
type ActiveLine struct {
	Line       contracts.Line
	Statistics Statistics
}
