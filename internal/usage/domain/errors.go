package usage

import "errors"

var (
	// ErrEmptyContractLine is returned when a write has no contract line id.
	ErrEmptyContractLine = errors.New("usage: empty contract line id")
	// ErrNoRecords is returned when a batch has no records to mark.
	ErrNoRecords = errors.New("usage: no records")
	// ErrRecordsAlreadyProcessed is returned when another run claimed part of the batch first.
	ErrRecordsAlreadyProcessed = errors.New("usage: records already processed")
	// ErrConcurrentUpdate is returned when the statistics version changed under a write.
	ErrConcurrentUpdate = errors.New("usage: concurrent statistics update")
	// ErrStatisticsNotFound is returned when a contract line has no statistics yet.
	ErrStatisticsNotFound = errors.New("usage: statistics not found")
)
