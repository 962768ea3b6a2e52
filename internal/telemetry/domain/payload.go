package telemetry

import (
	"encoding/json"
	"fmt"
)

// EngineState is the reported engine state of an ENGINE_STATUS record.
type EngineState string

const (
	EngineIdle    EngineState = "IDLE"
	EngineRunning EngineState = "RUNNING"
	EngineOff     EngineState = "OFF"
)

// DiagnosticSeverity grades a DIAGNOSTIC_CODE record.
type DiagnosticSeverity string

const (
	DiagnosticLow    DiagnosticSeverity = "LOW"
	DiagnosticMedium DiagnosticSeverity = "MEDIUM"
	DiagnosticHigh   DiagnosticSeverity = "HIGH"
)

// Payload is the kind-specific body of a record. The set of implementations is closed.
type Payload interface {
	Kind() Kind
	isPayload()
}

type EngineStatus struct {
	Status EngineState `json:"status"`
	RPM    float64     `json:"rpm"`
}

type FuelLevel struct {
	Level float64 `json:"level"`
}

type LocationUpdate struct {
	Lat  float64 `json:"lat"`
	Long float64 `json:"long"`
}

type EngineTemp struct {
	Temp float64 `json:"temp"`
}

type DiagnosticCode struct {
	Code     string             `json:"code"`
	Severity DiagnosticSeverity `json:"severity"`
}

type PayloadCycle struct {
	PayloadTonnes    float64 `json:"payloadTonnes"`
	CycleTimeSeconds float64 `json:"cycleTimeSeconds"`
}

type HydraulicPressure struct {
	PressurePsi float64 `json:"pressurePsi"`
}

func (EngineStatus) Kind() Kind      { return KindEngineStatus }
func (FuelLevel) Kind() Kind         { return KindFuelLevel }
func (LocationUpdate) Kind() Kind    { return KindLocationUpdate }
func (EngineTemp) Kind() Kind        { return KindEngineTemp }
func (DiagnosticCode) Kind() Kind    { return KindDiagnosticCode }
func (PayloadCycle) Kind() Kind      { return KindPayloadCycle }
func (HydraulicPressure) Kind() Kind { return KindHydraulicPressure }

func (EngineStatus) isPayload()      {}
func (FuelLevel) isPayload()         {}
func (LocationUpdate) isPayload()    {}
func (EngineTemp) isPayload()        {}
func (DiagnosticCode) isPayload()    {}
func (PayloadCycle) isPayload()      {}
func (HydraulicPressure) isPayload() {}

// DecodePayload parses raw JSON into the payload for kind.
// Every field of the kind's schema is required.
func DecodePayload(kind Kind, raw []byte) (Payload, error) {
	if !kind.IsValid() {
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
	fields := make(map[string]json.RawMessage)
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}

	switch kind {
	case KindEngineStatus:
		var p EngineStatus
		if err := decodeFields(raw, fields, &p, "status", "rpm"); err != nil {
			return nil, err
		}
		switch p.Status {
		case EngineIdle, EngineRunning, EngineOff:
		default:
			return nil, fmt.Errorf("%w: engine status %q", ErrMalformedPayload, p.Status)
		}
		return p, nil
	case KindFuelLevel:
		var p FuelLevel
		if err := decodeFields(raw, fields, &p, "level"); err != nil {
			return nil, err
		}
		return p, nil
	case KindLocationUpdate:
		var p LocationUpdate
		if err := decodeFields(raw, fields, &p, "lat", "long"); err != nil {
			return nil, err
		}
		return p, nil
	case KindEngineTemp:
		var p EngineTemp
		if err := decodeFields(raw, fields, &p, "temp"); err != nil {
			return nil, err
		}
		return p, nil
	case KindDiagnosticCode:
		var p DiagnosticCode
		if err := decodeFields(raw, fields, &p, "code", "severity"); err != nil {
			return nil, err
		}
		if p.Code == "" {
			return nil, fmt.Errorf("%w: empty diagnostic code", ErrMalformedPayload)
		}
		switch p.Severity {
		case DiagnosticLow, DiagnosticMedium, DiagnosticHigh:
		default:
			return nil, fmt.Errorf("%w: diagnostic severity %q", ErrMalformedPayload, p.Severity)
		}
		return p, nil
	case KindPayloadCycle:
		var p PayloadCycle
		if err := decodeFields(raw, fields, &p, "payloadTonnes", "cycleTimeSeconds"); err != nil {
			return nil, err
		}
		if p.PayloadTonnes < 0 || p.CycleTimeSeconds < 0 {
			return nil, fmt.Errorf("%w: negative payload cycle", ErrMalformedPayload)
		}
		return p, nil
	case KindHydraulicPressure:
		var p HydraulicPressure
		if err := decodeFields(raw, fields, &p, "pressurePsi"); err != nil {
			return nil, err
		}
		return p, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
}

// EncodePayload renders a payload as JSON for storage.
func EncodePayload(p Payload) ([]byte, error) {
	if p == nil {
		return nil, ErrMalformedPayload
	}
	return json.Marshal(p)
}

func decodeFields(raw []byte, fields map[string]json.RawMessage, dst any, required ...string) error {
	for _, name := range required {
		value, ok := fields[name]
		if !ok || string(value) == "null" {
			return fmt.Errorf("%w: missing %s", ErrMalformedPayload, name)
		}
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	return nil
}
