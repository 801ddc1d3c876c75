package audit

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Log is the append-only, hash-chained audit log. Writes are serialized so
// the prev-hash -> hash linkage is total-ordered per log instance.
type Log struct {
	store    Store
	chained  bool
	notifier Notifier
	logger   *slog.Logger

	mu       sync.Mutex
	lastHash string

	// now is swappable for tests.
	now func() time.Time
}

// Open creates a log over store. When the chain is enabled, lastHash resumes
// from the most recently persisted row, or GenesisHash for an empty log.
// notifier may be nil.
func Open(ctx context.Context, store Store, chained bool, notifier Notifier, logger *slog.Logger) (*Log, error) {
	l := &Log{
		store:    store,
		chained:  chained,
		notifier: notifier,
		logger:   logger,
		now:      time.Now,
	}
	if chained {
		last, err := store.LastHash(ctx)
		if err != nil {
			return nil, fmt.Errorf("resume chain: %w", err)
		}
		if last == "" {
			last = GenesisHash
		}
		l.lastHash = last
	}
	return l, nil
}

// Write assigns identity, timestamp, and chain linkage to the partial entry,
// persists it, and fans out to the notifier. Persistence failures are
// surfaced to the caller; notifier failures are swallowed by the notifier.
func (l *Log) Write(ctx context.Context, e Entry) (Entry, error) {
	e.ID = uuid.NewString()
	e.Timestamp = l.now().UTC().Format(time.RFC3339Nano)
	if len(e.Response) > MaxResponseBytes {
		e.Response = e.Response[:MaxResponseBytes]
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.chained {
		e.PrevHash = l.lastHash
		e.Hash = ComputeHash(e)
	}

	if err := l.store.InsertEntry(ctx, e); err != nil {
		return Entry{}, fmt.Errorf("persist audit entry: %w", err)
	}

	if l.notifier != nil {
		l.notifier.Notify(e)
	}

	if l.chained {
		l.lastHash = e.Hash
	}
	return e, nil
}

// Query returns entries matching the filter, newest first.
func (l *Log) Query(ctx context.Context, f Filter) ([]Entry, error) {
	if f.Limit <= 0 {
		f.Limit = 100
	}
	return l.store.QueryEntries(ctx, f)
}

// Verify walks all entries in insertion order and checks both linkage
// (each prev-hash equals the previous hash, GenesisHash first) and content
// (each hash recomputes to the stored value). The walk streams; nothing is
// materialized.
func (l *Log) Verify(ctx context.Context) (VerifyResult, error) {
	result := VerifyResult{Valid: true}
	expectedPrev := GenesisHash

	err := l.store.WalkEntries(ctx, func(e Entry) error {
		result.Checked++
		if e.PrevHash != expectedPrev || ComputeHash(e) != e.Hash {
			result.Valid = false
			result.BrokenAt = e.ID
			return errChainBroken
		}
		expectedPrev = e.Hash
		return nil
	})
	if err != nil && err != errChainBroken {
		return VerifyResult{}, fmt.Errorf("walk audit log: %w", err)
	}
	return result, nil
}

// errChainBroken stops the verification walk early.
var errChainBroken = fmt.Errorf("audit chain broken")

// Stats returns whole-log aggregates.
func (l *Log) Stats(ctx context.Context) (*Stats, error) {
	return l.store.EntryStats(ctx)
}
