package rules

import (
	"math"
	"sort"
	"time"

	anomaly "equipment-ops/internal/anomaly/domain"
	contracts "equipment-ops/internal/contracts/domain"
	telemetry "equipment-ops/internal/telemetry/domain"
	usage "equipment-ops/internal/usage/domain"
)

// LineContext is the contract line data a rule may read.
type LineContext struct {
	LineID      string
	EquipmentID string
	ContractID  string
	Site        *contracts.Site
}

// Input is what every rule evaluates: cumulative statistics plus the recent window,
// which must be in chronological order.
type Input struct {
	Statistics usage.Statistics
	Window     []telemetry.Record
	Line       LineContext
}

// Evaluator is a stateless predicate producing at most one candidate.
type Evaluator func(in Input, th Thresholds) (anomaly.Candidate, bool)

// Rule binds an anomaly type to its evaluator.
type Rule struct {
	Type     anomaly.Type
	Evaluate Evaluator
}

// Catalog returns the fixed rule set.
func Catalog() []Rule {
	return []Rule{
		{Type: anomaly.TypePoorWorkingToIdleRatio, Evaluate: poorWorkingToIdleRatio},
		{Type: anomaly.TypeHighFuelBurnRate, Evaluate: highFuelBurnRate},
		{Type: anomaly.TypeSlowCycleTime, Evaluate: slowCycleTime},
		{Type: anomaly.TypeMissedMaintenanceWindow, Evaluate: missedMaintenanceWindow},
		{Type: anomaly.TypeGeofenceBreach, Evaluate: geofenceBreach},
		{Type: anomaly.TypeAfterHoursOperation, Evaluate: afterHoursOperation},
		{Type: anomaly.TypeSuddenFuelDrop, Evaluate: suddenFuelDrop},
		{Type: anomaly.TypeHighEngineTemp, Evaluate: highEngineTemp},
		{Type: anomaly.TypeFrequentDiagnosticErrors, Evaluate: frequentDiagnosticErrors},
	}
}

// Engine runs a rule catalog.
type Engine struct {
	rules []Rule
}

// NewEngine builds an engine over rules; an empty list means the full catalog.
func NewEngine(rules ...Rule) *Engine {
	if len(rules) == 0 {
		rules = Catalog()
	}
	return &Engine{rules: rules}
}

// Evaluate runs every rule and collects the candidates that fired.
func (e *Engine) Evaluate(in Input, th Thresholds) []anomaly.Candidate {
	var candidates []anomaly.Candidate
	for _, rule := range e.rules {
		candidate, ok := rule.Evaluate(in, th)
		if !ok {
			continue
		}
		candidate.Type = rule.Type
		candidates = append(candidates, candidate)
	}
	return candidates
}

func poorWorkingToIdleRatio(in Input, th Thresholds) (anomaly.Candidate, bool) {
	s := in.Statistics
	if s.TotalEngineHours <= th.MinEngineHoursForRatio || s.WorkingToIdleRatio >= th.MinWorkingToIdleRatio {
		return anomaly.Candidate{}, false
	}
	return anomaly.Candidate{
		Severity: anomaly.SeverityMedium,
		Details: anomaly.Details{
			"workingToIdleRatio": s.WorkingToIdleRatio,
			"totalEngineHours":   s.TotalEngineHours,
			"threshold":          th.MinWorkingToIdleRatio,
		},
	}, true
}

func highFuelBurnRate(in Input, th Thresholds) (anomaly.Candidate, bool) {
	s := in.Statistics
	if s.WorkingHours <= th.MinWorkingHoursForBurnRate || s.FuelBurnRate <= th.MaxFuelBurnRate {
		return anomaly.Candidate{}, false
	}
	return anomaly.Candidate{
		Severity: anomaly.SeverityLow,
		Details: anomaly.Details{
			"fuelBurnRate": s.FuelBurnRate,
			"workingHours": s.WorkingHours,
			"threshold":    th.MaxFuelBurnRate,
		},
	}, true
}

func slowCycleTime(in Input, th Thresholds) (anomaly.Candidate, bool) {
	s := in.Statistics
	if s.CycleCount == 0 || s.AvgCycleTimeSeconds <= th.MaxAvgCycleTimeSeconds {
		return anomaly.Candidate{}, false
	}
	return anomaly.Candidate{
		Severity: anomaly.SeverityLow,
		Details: anomaly.Details{
			"avgCycleTimeSeconds": s.AvgCycleTimeSeconds,
			"cycleCount":          s.CycleCount,
			"threshold":           th.MaxAvgCycleTimeSeconds,
		},
	}, true
}

func missedMaintenanceWindow(in Input, th Thresholds) (anomaly.Candidate, bool) {
	interval := th.MaintenanceIntervalHours
	if interval <= 0 {
		return anomaly.Candidate{}, false
	}
	hours := in.Statistics.TotalEngineHours
	into := math.Mod(hours, interval)
	if hours <= interval || into >= th.MaintenanceGraceHours {
		return anomaly.Candidate{}, false
	}
	return anomaly.Candidate{
		Severity: anomaly.SeverityMedium,
		Details: anomaly.Details{
			"totalEngineHours":  hours,
			"interval":          interval,
			"hoursIntoInterval": into,
		},
	}, true
}

func geofenceBreach(in Input, th Thresholds) (anomaly.Candidate, bool) {
	site := in.Line.Site
	if site == nil {
		return anomaly.Candidate{}, false
	}
	radius := site.RadiusKm
	if radius <= 0 {
		radius = th.GeofenceRadiusKm
	}
	if radius <= 0 {
		return anomaly.Candidate{}, false
	}

	var (
		last  telemetry.LocationUpdate
		at    time.Time
		found bool
	)
	for _, record := range in.Window {
		if record.Malformed() {
			continue
		}
		if p, ok := record.Payload.(telemetry.LocationUpdate); ok {
			last, at, found = p, record.Timestamp, true
		}
	}
	if !found {
		return anomaly.Candidate{}, false
	}

	distance := HaversineKm(site.Lat, site.Long, last.Lat, last.Long)
	if distance <= radius {
		return anomaly.Candidate{}, false
	}
	return anomaly.Candidate{
		Severity: anomaly.SeverityHigh,
		Details: anomaly.Details{
			"lat":        last.Lat,
			"long":       last.Long,
			"distanceKm": distance,
			"radiusKm":   radius,
			"at":         at.UTC().Format(time.RFC3339),
		},
	}, true
}

func afterHoursOperation(in Input, th Thresholds) (anomaly.Candidate, bool) {
	loc := in.Line.Site.Location()
	var (
		first       time.Time
		firstHour   int
		occurrences int
	)
	for _, record := range in.Window {
		if record.Malformed() {
			continue
		}
		p, ok := record.Payload.(telemetry.EngineStatus)
		if !ok || p.Status == telemetry.EngineOff {
			continue
		}
		hour := record.Timestamp.In(loc).Hour()
		if hour >= th.WorkdayStartHour && hour <= th.WorkdayEndHour {
			continue
		}
		if occurrences == 0 {
			first, firstHour = record.Timestamp, hour
		}
		occurrences++
	}
	if occurrences == 0 {
		return anomaly.Candidate{}, false
	}
	return anomaly.Candidate{
		Severity: anomaly.SeverityMedium,
		Details: anomaly.Details{
			"at":          first.UTC().Format(time.RFC3339),
			"localHour":   firstHour,
			"occurrences": occurrences,
		},
	}, true
}

func suddenFuelDrop(in Input, th Thresholds) (anomaly.Candidate, bool) {
	var (
		prev      telemetry.FuelLevel
		hasPrev   bool
		from, to  float64
		largest   float64
		droppedAt time.Time
		foundDrop bool
	)
	for _, record := range in.Window {
		if record.Malformed() {
			continue
		}
		p, ok := record.Payload.(telemetry.FuelLevel)
		if !ok {
			continue
		}
		if hasPrev {
			drop := prev.Level - p.Level
			if drop > th.MaxFuelDrop && drop > largest {
				from, to, largest, droppedAt, foundDrop = prev.Level, p.Level, drop, record.Timestamp, true
			}
		}
		prev, hasPrev = p, true
	}
	if !foundDrop {
		return anomaly.Candidate{}, false
	}
	return anomaly.Candidate{
		Severity: anomaly.SeverityHigh,
		Details: anomaly.Details{
			"fromLevel": from,
			"toLevel":   to,
			"drop":      largest,
			"at":        droppedAt.UTC().Format(time.RFC3339),
		},
	}, true
}

func highEngineTemp(in Input, th Thresholds) (anomaly.Candidate, bool) {
	var (
		maxTemp float64
		at      time.Time
		found   bool
	)
	for _, record := range in.Window {
		if record.Malformed() {
			continue
		}
		p, ok := record.Payload.(telemetry.EngineTemp)
		if !ok || p.Temp <= th.MaxEngineTemp {
			continue
		}
		if !found || p.Temp > maxTemp {
			maxTemp, at, found = p.Temp, record.Timestamp, true
		}
	}
	if !found {
		return anomaly.Candidate{}, false
	}
	return anomaly.Candidate{
		Severity: anomaly.SeverityHigh,
		Details: anomaly.Details{
			"maxTemp":   maxTemp,
			"threshold": th.MaxEngineTemp,
			"at":        at.UTC().Format(time.RFC3339),
		},
	}, true
}

func frequentDiagnosticErrors(in Input, th Thresholds) (anomaly.Candidate, bool) {
	if th.DiagnosticRepeatCount <= 0 {
		return anomaly.Candidate{}, false
	}
	counts := make(map[string]int)
	severities := make(map[string]telemetry.DiagnosticSeverity)
	for _, record := range in.Window {
		if record.Malformed() {
			continue
		}
		p, ok := record.Payload.(telemetry.DiagnosticCode)
		if !ok {
			continue
		}
		counts[p.Code]++
		severities[p.Code] = p.Severity
	}

	codes := make([]string, 0, len(counts))
	for code, count := range counts {
		if count >= th.DiagnosticRepeatCount {
			codes = append(codes, code)
		}
	}
	if len(codes) == 0 {
		return anomaly.Candidate{}, false
	}
	sort.Slice(codes, func(i, j int) bool {
		if counts[codes[i]] == counts[codes[j]] {
			return codes[i] < codes[j]
		}
		return counts[codes[i]] > counts[codes[j]]
	})
	code := codes[0]
	return anomaly.Candidate{
		Severity: anomaly.SeverityMedium,
		Details: anomaly.Details{
			"code":     code,
			"count":    counts[code],
			"severity": string(severities[code]),
		},
	}, true
}
