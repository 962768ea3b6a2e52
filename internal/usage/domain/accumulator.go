package usage

import (
	"time"

	telemetry "equipment-ops/internal/telemetry/domain"
)

const (
	// DefaultSampleInterval is the time slice one ENGINE_STATUS record stands for.
	DefaultSampleInterval = time.Minute
	// DefaultFuelRatePerHour is the fuel burnt per engine hour.
	DefaultFuelRatePerHour = 5.5
)

// Accumulator folds telemetry into usage statistics. It performs no I/O.
type Accumulator struct {
	sampleHours     float64
	fuelRatePerHour float64
}

// NewAccumulator builds an accumulator; non-positive values fall back to defaults.
func NewAccumulator(sampleInterval time.Duration, fuelRatePerHour float64) Accumulator {
	if sampleInterval <= 0 {
		sampleInterval = DefaultSampleInterval
	}
	if fuelRatePerHour <= 0 {
		fuelRatePerHour = DefaultFuelRatePerHour
	}
	return Accumulator{
		sampleHours:     sampleInterval.Hours(),
		fuelRatePerHour: fuelRatePerHour,
	}
}

// SampleHours returns the per-record engine-hour weight.
func (a Accumulator) SampleHours() float64 { return a.sampleHours }

// ComputeBatchDelta computes the contribution of records belonging to one equipment.
// RUNNING and IDLE samples add engine hours, IDLE also adds idle hours, OFF adds nothing.
// Fuel is derived from engine hours; FUEL_LEVEL readings are not accumulated.
func (a Accumulator) ComputeBatchDelta(records []telemetry.Record) BatchDelta {
	var delta BatchDelta
	for _, record := range records {
		delta.Records++
		if record.Malformed() {
			delta.Malformed++
			continue
		}
		switch p := record.Payload.(type) {
		case telemetry.EngineStatus:
			switch p.Status {
			case telemetry.EngineRunning:
				delta.EngineHours += a.sampleHours
			case telemetry.EngineIdle:
				delta.EngineHours += a.sampleHours
				delta.IdleHours += a.sampleHours
			case telemetry.EngineOff:
			}
		case telemetry.PayloadCycle:
			delta.PayloadMovedTonnes += p.PayloadTonnes
			delta.CycleTimeSeconds += p.CycleTimeSeconds
			delta.CycleCount++
		case telemetry.FuelLevel, telemetry.LocationUpdate, telemetry.EngineTemp,
			telemetry.DiagnosticCode, telemetry.HydraulicPressure:
		}
	}
	delta.FuelConsumed = delta.EngineHours * a.fuelRatePerHour
	return delta
}

// Merge adds delta to existing (zero when nil) and recomputes derived fields.
// Version and UpdatedAt are carried over untouched; the store owns them.
func Merge(existing *Statistics, lineID string, delta BatchDelta) Statistics {
	var next Statistics
	if existing != nil {
		next = *existing
	}
	if next.ContractLineID == "" {
		next.ContractLineID = lineID
	}
	next.TotalEngineHours += delta.EngineHours
	next.TotalIdleHours += delta.IdleHours
	next.FuelConsumed += delta.FuelConsumed
	next.PayloadMovedTonnes += delta.PayloadMovedTonnes
	next.TotalCycleTimeSeconds += delta.CycleTimeSeconds
	next.CycleCount += delta.CycleCount
	next.Derive()
	return next
}
