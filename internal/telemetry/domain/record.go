package telemetry

import (
	"sort"
	"time"
)

// Kind tags the payload carried by a telemetry record.
type Kind string

const (
	KindEngineStatus      Kind = "ENGINE_STATUS"
	KindFuelLevel         Kind = "FUEL_LEVEL"
	KindLocationUpdate    Kind = "LOCATION_UPDATE"
	KindEngineTemp        Kind = "ENGINE_TEMP"
	KindDiagnosticCode    Kind = "DIAGNOSTIC_CODE"
	KindPayloadCycle      Kind = "PAYLOAD_CYCLE"
	KindHydraulicPressure Kind = "HYDRAULIC_PRESSURE"
)

// IsValid reports whether the kind is one of the supported event kinds.
func (k Kind) IsValid() bool {
	switch k {
	case KindEngineStatus, KindFuelLevel, KindLocationUpdate, KindEngineTemp,
		KindDiagnosticCode, KindPayloadCycle, KindHydraulicPressure:
		return true
	default:
		return false
	}
}

// Record is one timestamped observation from one piece of equipment.
// Payload is nil when the stored payload could not be decoded for its kind.
type Record struct {
	ID          string
	Timestamp   time.Time
	EquipmentID string
	Kind        Kind
	Payload     Payload
	Processed   bool
}

// Malformed reports whether the record carries no usable payload.
func (r Record) Malformed() bool {
	return r.Payload == nil || r.Payload.Kind() != r.Kind
}

// SortChronologically orders records by timestamp, then id.
func SortChronologically(records []Record) {
	sort.SliceStable(records, func(i, j int) bool {
		if records[i].Timestamp.Equal(records[j].Timestamp) {
			return records[i].ID < records[j].ID
		}
		return records[i].Timestamp.Before(records[j].Timestamp)
	})
}

// GroupByEquipment partitions records per equipment, each group in chronological order.
func GroupByEquipment(records []Record) map[string][]Record {
	groups := make(map[string][]Record)
	for _, record := range records {
		if record.EquipmentID == "" {
			continue
		}
		groups[record.EquipmentID] = append(groups[record.EquipmentID], record)
	}
	for _, group := range groups {
		SortChronologically(group)
	}
	return groups
}

// IDs returns the record ids in order.
func IDs(records []Record) []string {
	ids := make([]string, 0, len(records))
	for _, record := range records {
		ids = append(ids, record.ID)
	}
	return ids
}
