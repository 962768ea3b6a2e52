package anomaly

import "errors"

var (
	// ErrNotFound indicates a missing anomaly record.
	ErrNotFound = errors.New("anomaly: not found")
	// ErrInvalidCandidate is returned when a candidate cannot become a record.
	ErrInvalidCandidate = errors.New("anomaly: invalid candidate")
)
