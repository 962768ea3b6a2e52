package memory

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	anomaly "equipment-ops/internal/anomaly/domain"
	contracts "equipment-ops/internal/contracts/domain"
	telemetry "equipment-ops/internal/telemetry/domain"
	usage "equipment-ops/internal/usage/domain"
)

// Store is an in-memory implementation of every store seam, used by tests.
// ApplyBatch validates and commits optimistically around an optional delay so that
// interleaved callers exercise the claim guard and the version check.
type Store struct {
	mu         sync.RWMutex
	records    map[string]telemetry.Record
	lines      map[string]contracts.Line
	statistics map[string]usage.Statistics
	anomalies  []anomaly.Anomaly
	delay      time.Duration
	applyErr   map[string]error
}

// NewStore constructs an empty store.
func NewStore() *Store {
	return &Store{
		records:    make(map[string]telemetry.Record),
		lines:      make(map[string]contracts.Line),
		statistics: make(map[string]usage.Statistics),
		applyErr:   make(map[string]error),
	}
}

// SetDelay inserts an artificial pause between the read and the commit of ApplyBatch.
func (s *Store) SetDelay(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.delay = d
}

// FailApply makes ApplyBatch for lineID fail with err; nil clears it.
func (s *Store) FailApply(lineID string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err == nil {
		delete(s.applyErr, lineID)
		return
	}
	s.applyErr[lineID] = err
}

// InsertRecords stores telemetry as unprocessed. Records without an id get one.
func (s *Store) InsertRecords(ctx context.Context, records []telemetry.Record) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, record := range records {
		if record.EquipmentID == "" {
			return errors.New("memory store: record without equipment")
		}
		if record.ID == "" {
			record.ID = uuid.NewString()
		}
		record.Processed = false
		s.records[record.ID] = record
	}
	return nil
}

// Record returns a stored telemetry record.
func (s *Store) Record(id string) (telemetry.Record, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	record, ok := s.records[id]
	return record, ok
}

// ListUnprocessed returns all unprocessed records in chronological order.
func (s *Store) ListUnprocessed(ctx context.Context) ([]telemetry.Record, error) {
	_ = ctx
	s.mu.RLock()
	defer s.mu.RUnlock()
	result := make([]telemetry.Record, 0)
	for _, record := range s.records {
		if !record.Processed {
			result = append(result, record)
		}
	}
	telemetry.SortChronologically(result)
	return result, nil
}

// ListWindow returns records of one equipment with from <= timestamp <= to.
func (s *Store) ListWindow(ctx context.Context, equipmentID string, from, to time.Time) ([]telemetry.Record, error) {
	_ = ctx
	s.mu.RLock()
	defer s.mu.RUnlock()
	result := make([]telemetry.Record, 0)
	for _, record := range s.records {
		if record.EquipmentID != equipmentID {
			continue
		}
		if record.Timestamp.Before(from) || record.Timestamp.After(to) {
			continue
		}
		result = append(result, record)
	}
	telemetry.SortChronologically(result)
	return result, nil
}

// PutLine registers a contract line.
func (s *Store) PutLine(line contracts.Line) error {
	if err := line.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lines[line.ID] = line
	return nil
}

// FindActiveByEquipment returns the line of equipmentID active at now, latest start first.
func (s *Store) FindActiveByEquipment(ctx context.Context, equipmentID string, now time.Time) (*contracts.Line, error) {
	_ = ctx
	s.mu.RLock()
	defer s.mu.RUnlock()
	var found *contracts.Line
	for _, line := range s.lines {
		if line.EquipmentID != equipmentID || !line.ActiveAt(now) {
			continue
		}
		if found == nil || line.StartDate.After(found.StartDate) ||
			(line.StartDate.Equal(found.StartDate) && line.ID < found.ID) {
			candidate := line
			found = &candidate
		}
	}
	return found, nil
}

// ApplyBatch claims recordIDs and folds merge into the line statistics.
func (s *Store) ApplyBatch(ctx context.Context, lineID string, recordIDs []string, now time.Time, merge usage.MergeFunc) (usage.Statistics, error) {
	if lineID == "" {
		return usage.Statistics{}, usage.ErrEmptyContractLine
	}
	if len(recordIDs) == 0 {
		return usage.Statistics{}, usage.ErrNoRecords
	}

	s.mu.RLock()
	if err := s.applyErr[lineID]; err != nil {
		s.mu.RUnlock()
		return usage.Statistics{}, err
	}
	if err := s.checkUnprocessedLocked(recordIDs); err != nil {
		s.mu.RUnlock()
		return usage.Statistics{}, err
	}
	var current *usage.Statistics
	if existing, ok := s.statistics[lineID]; ok {
		snapshot := existing
		current = &snapshot
	}
	delay := s.delay
	s.mu.RUnlock()

	next := merge(current)

	if delay > 0 {
		select {
		case <-ctx.Done():
			return usage.Statistics{}, ctx.Err()
		case <-time.After(delay):
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkUnprocessedLocked(recordIDs); err != nil {
		return usage.Statistics{}, err
	}
	expected := int64(0)
	if current != nil {
		expected = current.Version
	}
	stored, exists := s.statistics[lineID]
	if exists != (current != nil) || (exists && stored.Version != expected) {
		return usage.Statistics{}, usage.ErrConcurrentUpdate
	}

	next.ContractLineID = lineID
	next.Version = expected + 1
	next.UpdatedAt = now.UTC()
	s.statistics[lineID] = next
	for _, id := range recordIDs {
		record := s.records[id]
		record.Processed = true
		s.records[id] = record
	}
	return next, nil
}

func (s *Store) checkUnprocessedLocked(recordIDs []string) error {
	for _, id := range recordIDs {
		record, ok := s.records[id]
		if !ok || record.Processed {
			return usage.ErrRecordsAlreadyProcessed
		}
	}
	return nil
}

// GetStatistics returns the statistics of a line.
func (s *Store) GetStatistics(ctx context.Context, lineID string) (*usage.Statistics, error) {
	_ = ctx
	s.mu.RLock()
	defer s.mu.RUnlock()
	stats, ok := s.statistics[lineID]
	if !ok {
		return nil, usage.ErrStatisticsNotFound
	}
	return &stats, nil
}

// ListActiveWithStatistics returns active lines that have statistics, ordered by line id.
func (s *Store) ListActiveWithStatistics(ctx context.Context, now time.Time) ([]usage.ActiveLine, error) {
	_ = ctx
	s.mu.RLock()
	defer s.mu.RUnlock()
	result := make([]usage.ActiveLine, 0)
	for id, line := range s.lines {
		if !line.ActiveAt(now) {
			continue
		}
		stats, ok := s.statistics[id]
		if !ok {
			continue
		}
		result = append(result, usage.ActiveLine{Line: line, Statistics: stats})
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].Line.ID < result[j].Line.ID
	})
	return result, nil
}

// CreateIfNoneOpen inserts a unless an unresolved anomaly of the same line and type exists.
func (s *Store) CreateIfNoneOpen(ctx context.Context, a *anomaly.Anomaly) (bool, error) {
	_ = ctx
	if a == nil {
		return false, anomaly.ErrInvalidCandidate
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.anomalies {
		if existing.ContractLineID == a.ContractLineID && existing.Type == a.Type && existing.Status == anomaly.StatusUnresolved {
			return false, nil
		}
	}
	s.anomalies = append(s.anomalies, *a)
	return true, nil
}

// ListByLine returns anomalies of a line, newest first. An empty status matches all.
func (s *Store) ListByLine(ctx context.Context, lineID string, status anomaly.Status) ([]anomaly.Anomaly, error) {
	_ = ctx
	s.mu.RLock()
	defer s.mu.RUnlock()
	result := make([]anomaly.Anomaly, 0)
	for _, a := range s.anomalies {
		if a.ContractLineID != lineID {
			continue
		}
		if status != "" && a.Status != status {
			continue
		}
		result = append(result, a)
	}
	sort.SliceStable(result, func(i, j int) bool {
		return result[i].DetectedAt.After(result[j].DetectedAt)
	})
	return result, nil
}

// Resolve marks an anomaly resolved.
func (s *Store) Resolve(ctx context.Context, id string) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.anomalies {
		if s.anomalies[i].ID == id {
			s.anomalies[i].Status = anomaly.StatusResolved
			return nil
		}
	}
	return anomaly.ErrNotFound
}
