package contracts

import (
	"errors"
	"time"
)

// ErrInvalidLine is returned when a contract line misses its identity or dates.
var ErrInvalidLine = errors.New("contract line: invalid")

// Site is the registered work site of a contract, used for geofencing.
type Site struct {
	Lat      float64
	Long     float64
	RadiusKm float64
	Timezone string
}

// Location resolves the site timezone, UTC when unset or unknown.
func (s *Site) Location() *time.Location {
	if s == nil || s.Timezone == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(s.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// Line is the billable assignment of one equipment unit to one contract for a date range.
// Lines are owned by external business logic and read-only here.
type Line struct {
	ID          string
	EquipmentID string
	ContractID  string
	StartDate   time.Time
	EndDate     time.Time
	Site        *Site
}

// Validate checks line invariants.
func (l Line) Validate() error {
	if l.ID == "" || l.EquipmentID == "" || l.ContractID == "" {
		return ErrInvalidLine
	}
	if l.StartDate.IsZero() || l.EndDate.IsZero() || l.EndDate.Before(l.StartDate) {
		return ErrInvalidLine
	}
	return nil
}

// ActiveAt reports start <= now <= end.
func (l Line) ActiveAt(now time.Time) bool {
	return !now.Before(l.StartDate) && !now.After(l.EndDate)
}
