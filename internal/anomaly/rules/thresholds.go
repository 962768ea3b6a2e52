package rules

import (
	"errors"
	"fmt"
)

// Thresholds parameterizes the rule catalog.
type Thresholds struct {
	MinWorkingToIdleRatio      float64 `yaml:"min_working_to_idle_ratio"`
	MinEngineHoursForRatio     float64 `yaml:"min_engine_hours_for_ratio"`
	MaxFuelBurnRate            float64 `yaml:"max_fuel_burn_rate"`
	MinWorkingHoursForBurnRate float64 `yaml:"min_working_hours_for_burn_rate"`
	MaxAvgCycleTimeSeconds     float64 `yaml:"max_avg_cycle_time_seconds"`
	MaintenanceIntervalHours   float64 `yaml:"maintenance_interval_hours"`
	MaintenanceGraceHours      float64 `yaml:"maintenance_grace_hours"`
	GeofenceRadiusKm           float64 `yaml:"geofence_radius_km"`
	WorkdayStartHour           int     `yaml:"workday_start_hour"`
	WorkdayEndHour             int     `yaml:"workday_end_hour"`
	MaxFuelDrop                float64 `yaml:"max_fuel_drop"`
	MaxEngineTemp              float64 `yaml:"max_engine_temp"`
	DiagnosticRepeatCount      int     `yaml:"diagnostic_repeat_count"`
}

// DefaultThresholds returns the stock catalog thresholds.
func DefaultThresholds() Thresholds {
	return Thresholds{
		MinWorkingToIdleRatio:      50,
		MinEngineHoursForRatio:     10,
		MaxFuelBurnRate:            10,
		MinWorkingHoursForBurnRate: 5,
		MaxAvgCycleTimeSeconds:     150,
		MaintenanceIntervalHours:   250,
		MaintenanceGraceHours:      10,
		GeofenceRadiusKm:           5,
		WorkdayStartHour:           6,
		WorkdayEndHour:             19,
		MaxFuelDrop:                15,
		MaxEngineTemp:              102,
		DiagnosticRepeatCount:      3,
	}
}

// Validate rejects thresholds the rules cannot evaluate.
func (t Thresholds) Validate() error {
	if t.WorkdayStartHour < 0 || t.WorkdayStartHour > 23 || t.WorkdayEndHour < 0 || t.WorkdayEndHour > 23 {
		return fmt.Errorf("thresholds: workday hours must be within 0-23, got %d-%d", t.WorkdayStartHour, t.WorkdayEndHour)
	}
	if t.MaintenanceIntervalHours <= 0 {
		return errors.New("thresholds: maintenance interval must be positive")
	}
	if t.DiagnosticRepeatCount < 1 {
		return errors.New("thresholds: diagnostic repeat count must be at least 1")
	}
	return nil
}
