// Package ratelimit provides per-key fixed-window admission control.
package ratelimit

import (
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
)

// Window is the fixed admission window length.
const Window = 60 * time.Second

// DefaultBurstMultiplier scales the per-minute limit into the admission cap.
const DefaultBurstMultiplier = 2.0

// shardCount is the number of independently locked window maps. Keys are
// distributed by xxhash so unrelated consumers never contend on one lock.
const shardCount = 16

// Result is the outcome of one admission check.
type Result struct {
	// Allowed indicates whether the request is admitted.
	Allowed bool
	// Remaining is the number of admissions left in the current window.
	Remaining int
	// ResetAt is when the current window expires.
	ResetAt time.Time
}

// window tracks consumption for one key.
type window struct {
	count   int
	resetAt time.Time
}

type shard struct {
	mu      sync.Mutex
	windows map[string]*window
}

// Limiter admits requests under a fixed 60-second window with a burst
// multiplier. Keys are fully isolated from each other. Expired windows are
// recreated lazily on access; a background sweep bounds memory but is not
// required for correctness.
type Limiter struct {
	defaultLimit int
	burst        float64
	shards       [shardCount]shard
	logger       *slog.Logger

	stopChan chan struct{}
	wg       sync.WaitGroup
	once     sync.Once

	// now is swappable for tests.
	now func() time.Time
}

// NewLimiter creates a limiter with the given default per-minute limit.
// A burst multiplier <= 0 falls back to DefaultBurstMultiplier.
func NewLimiter(defaultLimit int, burstMultiplier float64, logger *slog.Logger) *Limiter {
	if burstMultiplier <= 0 {
		burstMultiplier = DefaultBurstMultiplier
	}
	l := &Limiter{
		defaultLimit: defaultLimit,
		burst:        burstMultiplier,
		logger:       logger,
		stopChan:     make(chan struct{}),
		now:          time.Now,
	}
	for i := range l.shards {
		l.shards[i].windows = make(map[string]*window)
	}
	return l
}

// Check admits or rejects one request for key. override, when non-nil,
// replaces the default per-minute limit for this caller.
func (l *Limiter) Check(key string, override *int) Result {
	limit := l.defaultLimit
	if override != nil {
		limit = *override
	}
	cap := int(math.Ceil(float64(limit) * l.burst))

	sh := &l.shards[xxhash.Sum64String(key)%shardCount]
	sh.mu.Lock()
	defer sh.mu.Unlock()

	now := l.now()
	w, ok := sh.windows[key]
	if !ok || !now.Before(w.resetAt) {
		w = &window{resetAt: now.Add(Window)}
		sh.windows[key] = w
	}

	if w.count >= cap {
		return Result{Allowed: false, Remaining: 0, ResetAt: w.resetAt}
	}
	w.count++
	return Result{Allowed: true, Remaining: cap - w.count, ResetAt: w.resetAt}
}

// StartCleanup launches the background sweep that drops expired windows.
func (l *Limiter) StartCleanup(interval time.Duration) {
	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-l.stopChan:
				return
			case <-ticker.C:
				l.sweep()
			}
		}
	}()
}

// sweep removes windows whose reset instant has passed.
func (l *Limiter) sweep() {
	now := l.now()
	removed := 0
	for i := range l.shards {
		sh := &l.shards[i]
		sh.mu.Lock()
		for key, w := range sh.windows {
			if !now.Before(w.resetAt) {
				delete(sh.windows, key)
				removed++
			}
		}
		sh.mu.Unlock()
	}
	if removed > 0 {
		l.logger.Debug("rate limiter sweep completed", "removed_windows", removed)
	}
}

// Stop halts the background sweep and waits for it to exit.
// Safe to call multiple times.
func (l *Limiter) Stop() {
	l.once.Do(func() {
		close(l.stopChan)
	})
	l.wg.Wait()
}

// Size returns the number of tracked keys across all shards.
func (l *Limiter) Size() int {
	total := 0
	for i := range l.shards {
		sh := &l.shards[i]
		sh.mu.Lock()
		total += len(sh.windows)
		sh.mu.Unlock()
	}
	return total
}
