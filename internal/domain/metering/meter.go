// Package metering aggregates per-caller usage into hourly buckets with a
// durable rollup.
package metering

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// PeriodKeyLayout renders the hourly UTC bucket key (YYYY-MM-DDTHH).
const PeriodKeyLayout = "2006-01-02T15"

// DefaultFlushInterval is how often buckets are rolled up in the background.
const DefaultFlushInterval = 60 * time.Second

// BucketKey identifies one in-memory aggregation bucket.
type BucketKey struct {
	ConsumerID string
	ServerID   string
	Tool       string
	PeriodKey  string
}

// Counters are the summed values of one bucket.
type Counters struct {
	Calls          int64
	Errors         int64
	TotalLatencyMS int64
}

// Rollup is one durable row of flushed counters.
type Rollup struct {
	ConsumerID     string `db:"consumer_id"`
	ServerID       string `db:"server_id"`
	Tool           string `db:"tool"`
	PeriodKey      string `db:"period_key"`
	Calls          int64  `db:"calls"`
	Errors         int64  `db:"errors"`
	TotalLatencyMS int64  `db:"total_latency_ms"`
}

// Summary is the aggregate view returned to callers.
type Summary struct {
	TotalCalls   int64            `json:"totalCalls"`
	TotalErrors  int64            `json:"totalErrors"`
	AvgLatencyMS int64            `json:"avgLatencyMs"`
	ByServer     map[string]int64 `json:"byServer"`
	ByTool       map[string]int64 `json:"byTool"`
}

// Store is the durable rollup surface, implemented by the sqlite and memory
// adapters. UpsertRollup sums counters into the existing row for the key.
type Store interface {
	UpsertRollup(ctx context.Context, r Rollup) error
	QueryRollups(ctx context.Context, consumerID string) ([]Rollup, error)
}

// Meter aggregates Record calls in memory and flushes them to the store on
// period rollover, on a background interval, and implicitly on reads.
// A disabled meter accepts records as no-ops and returns zeroed summaries.
type Meter struct {
	store   Store
	enabled bool
	logger  *slog.Logger

	mu            sync.Mutex
	buckets       map[BucketKey]*Counters
	currentPeriod string

	stopChan chan struct{}
	wg       sync.WaitGroup
	once     sync.Once

	// now is swappable for tests.
	now func() time.Time
}

// NewMeter creates a meter over store. A nil store or enabled=false yields a
// disabled meter.
func NewMeter(store Store, enabled bool, logger *slog.Logger) *Meter {
	return &Meter{
		store:    store,
		enabled:  enabled && store != nil,
		logger:   logger,
		buckets:  make(map[BucketKey]*Counters),
		stopChan: make(chan struct{}),
		now:      time.Now,
	}
}

// Record adds one call to the bucket for (consumer, server, tool, period).
// A period rollover flushes all buckets before the increment lands in the
// fresh period.
func (m *Meter) Record(ctx context.Context, consumerID, serverID, tool string, latency time.Duration, isError bool) {
	if !m.enabled {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	period := m.now().UTC().Format(PeriodKeyLayout)
	if m.currentPeriod == "" {
		m.currentPeriod = period
	} else if period != m.currentPeriod {
		m.flushLocked(ctx)
		m.currentPeriod = period
	}

	key := BucketKey{ConsumerID: consumerID, ServerID: serverID, Tool: tool, PeriodKey: period}
	c, ok := m.buckets[key]
	if !ok {
		c = &Counters{}
		m.buckets[key] = c
	}
	c.Calls++
	if isError {
		c.Errors++
	}
	c.TotalLatencyMS += latency.Milliseconds()
}

// Flush rolls all in-memory buckets into the store and clears the map.
func (m *Meter) Flush(ctx context.Context) error {
	if !m.enabled {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.flushLocked(ctx)
}

// flushLocked upserts every bucket, then resets the map. Buckets that fail to
// persist are kept for the next attempt.
func (m *Meter) flushLocked(ctx context.Context) error {
	var firstErr error
	for key, c := range m.buckets {
		err := m.store.UpsertRollup(ctx, Rollup{
			ConsumerID:     key.ConsumerID,
			ServerID:       key.ServerID,
			Tool:           key.Tool,
			PeriodKey:      key.PeriodKey,
			Calls:          c.Calls,
			Errors:         c.Errors,
			TotalLatencyMS: c.TotalLatencyMS,
		})
		if err != nil {
			if firstErr == nil {
				firstErr = fmt.Errorf("upsert rollup: %w", err)
			}
			m.logger.Warn("meter rollup failed", "consumer", key.ConsumerID, "error", err)
			continue
		}
		delete(m.buckets, key)
	}
	return firstErr
}

// Summary returns aggregates for one consumer, or for all consumers when
// consumerID is empty. Reading flushes first so in-memory increments are
// visible. The average truncates integer division.
func (m *Meter) Summary(ctx context.Context, consumerID string) (*Summary, error) {
	s := &Summary{ByServer: map[string]int64{}, ByTool: map[string]int64{}}
	if !m.enabled {
		return s, nil
	}

	if err := m.Flush(ctx); err != nil {
		return nil, err
	}

	rollups, err := m.store.QueryRollups(ctx, consumerID)
	if err != nil {
		return nil, fmt.Errorf("query rollups: %w", err)
	}

	var totalLatency int64
	for _, r := range rollups {
		s.TotalCalls += r.Calls
		s.TotalErrors += r.Errors
		totalLatency += r.TotalLatencyMS
		s.ByServer[r.ServerID] += r.Calls
		s.ByTool[r.Tool] += r.Calls
	}
	if s.TotalCalls > 0 {
		s.AvgLatencyMS = totalLatency / s.TotalCalls
	}
	return s, nil
}

// StartFlusher launches the periodic background flush.
func (m *Meter) StartFlusher(interval time.Duration) {
	if !m.enabled {
		return
	}
	if interval <= 0 {
		interval = DefaultFlushInterval
	}
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-m.stopChan:
				return
			case <-ticker.C:
				if err := m.Flush(context.Background()); err != nil {
					m.logger.Warn("background meter flush failed", "error", err)
				}
			}
		}
	}()
}

// Stop halts the background flush, performs a final flush, and waits for the
// goroutine to exit. Safe to call multiple times.
func (m *Meter) Stop(ctx context.Context) error {
	m.once.Do(func() {
		close(m.stopChan)
	})
	m.wg.Wait()
	return m.Flush(ctx)
}
