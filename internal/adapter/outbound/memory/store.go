// Package memory provides an in-memory Storage implementation used by tests
// and by deployments that do not need persistence across restarts.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/toolgate/toolgate/internal/domain/audit"
	"github.com/toolgate/toolgate/internal/domain/metering"
	"github.com/toolgate/toolgate/internal/port/outbound"
)

// Store keeps audit entries and usage rollups in process memory.
// All methods are safe for concurrent use.
type Store struct {
	mu      sync.RWMutex
	entries []audit.Entry
	rollups map[metering.BucketKey]metering.Rollup
}

// NewStore creates an empty in-memory store.
func NewStore() *Store {
	return &Store{rollups: make(map[metering.BucketKey]metering.Rollup)}
}

// Init is a no-op; there is no schema to create.
func (s *Store) Init(context.Context) error { return nil }

// Close discards nothing; memory is reclaimed with the process.
func (s *Store) Close() error { return nil }

// InsertEntry appends the entry in insertion order.
func (s *Store) InsertEntry(_ context.Context, e audit.Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, e)
	return nil
}

// QueryEntries returns matching entries newest first.
func (s *Store) QueryEntries(_ context.Context, f audit.Filter) ([]audit.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}

	var out []audit.Entry
	skipped := 0
	for i := len(s.entries) - 1; i >= 0 && len(out) < limit; i-- {
		e := s.entries[i]
		if !entryMatches(e, f) {
			continue
		}
		if skipped < f.Offset {
			skipped++
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

func entryMatches(e audit.Entry, f audit.Filter) bool {
	if f.ConsumerID != "" && e.ConsumerID != f.ConsumerID {
		return false
	}
	if f.ServerID != "" && e.ServerID != f.ServerID {
		return false
	}
	if f.Tool != "" && e.Tool != f.Tool {
		return false
	}
	if f.Status != "" && e.Status != f.Status {
		return false
	}
	if !f.Since.IsZero() || !f.Until.IsZero() {
		ts, err := time.Parse(time.RFC3339Nano, e.Timestamp)
		if err != nil {
			return false
		}
		if !f.Since.IsZero() && ts.Before(f.Since) {
			return false
		}
		if !f.Until.IsZero() && !ts.Before(f.Until) {
			return false
		}
	}
	return true
}

// LastHash returns the hash of the most recently inserted entry.
func (s *Store) LastHash(context.Context) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.entries) == 0 {
		return "", nil
	}
	return s.entries[len(s.entries)-1].Hash, nil
}

// WalkEntries visits entries in insertion order.
func (s *Store) WalkEntries(_ context.Context, fn func(audit.Entry) error) error {
	s.mu.RLock()
	snapshot := make([]audit.Entry, len(s.entries))
	copy(snapshot, s.entries)
	s.mu.RUnlock()

	for _, e := range snapshot {
		if err := fn(e); err != nil {
			return err
		}
	}
	return nil
}

// EntryStats aggregates the whole log.
func (s *Store) EntryStats(context.Context) (*audit.Stats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := &audit.Stats{
		Total:    int64(len(s.entries)),
		ByStatus: make(map[string]int64),
		ByServer: make(map[string]int64),
	}
	for _, e := range s.entries {
		stats.ByStatus[e.Status]++
		stats.ByServer[e.ServerID]++
	}
	return stats, nil
}

// UpsertRollup sums the counters into the existing row for the key.
func (s *Store) UpsertRollup(_ context.Context, r metering.Rollup) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := metering.BucketKey{ConsumerID: r.ConsumerID, ServerID: r.ServerID, Tool: r.Tool, PeriodKey: r.PeriodKey}
	existing := s.rollups[key]
	existing.ConsumerID = r.ConsumerID
	existing.ServerID = r.ServerID
	existing.Tool = r.Tool
	existing.PeriodKey = r.PeriodKey
	existing.Calls += r.Calls
	existing.Errors += r.Errors
	existing.TotalLatencyMS += r.TotalLatencyMS
	s.rollups[key] = existing
	return nil
}

// QueryRollups returns rollups, optionally filtered by consumer.
func (s *Store) QueryRollups(_ context.Context, consumerID string) ([]metering.Rollup, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []metering.Rollup
	for _, r := range s.rollups {
		if consumerID != "" && r.ConsumerID != consumerID {
			continue
		}
		out = append(out, r)
	}
	return out, nil
}

// Compile-time interface verification.
var _ outbound.Storage = (*Store)(nil)
