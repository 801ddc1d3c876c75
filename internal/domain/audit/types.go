// Package audit implements the tamper-evident audit log: hash-chained
// append, indexed query, integrity verification, and optional fan-out.
package audit

import (
	"context"
	"time"
)

// Status values recorded on terminal call outcomes.
const (
	// StatusSuccess means the backend returned a result.
	StatusSuccess = "success"
	// StatusError means the call failed (timeout, transport, remote error).
	StatusError = "error"
	// StatusDenied means the policy engine refused the call.
	StatusDenied = "denied"
	// StatusRateLimited means admission was refused.
	StatusRateLimited = "rate_limited"
)

// GenesisHash is the prev-hash of the first chained entry.
const GenesisHash = "genesis"

// MaxResponseBytes bounds the serialized response stored per entry.
// Longer payloads are stored truncated; the bound is part of the contract.
const MaxResponseBytes = 10_000

// Entry is one row recording a terminal call outcome.
type Entry struct {
	// ID is an opaque unique identifier.
	ID string `json:"id" db:"id"`
	// Timestamp is the ISO-8601 UTC instant the entry was written.
	Timestamp string `json:"timestamp" db:"timestamp"`
	// ConsumerID is the billing/audit subject behind the credential.
	ConsumerID string `json:"consumerId" db:"consumer_id"`
	// CredentialID identifies the credential used for the call.
	CredentialID string `json:"credentialId" db:"api_key_id"`
	// ServerID is the backend that owned the tool ("unknown" when unresolved).
	ServerID string `json:"serverId" db:"server_id"`
	// Tool is the invoked tool name.
	Tool string `json:"tool" db:"tool"`
	// Args is the bounded serialized argument map.
	Args string `json:"args,omitempty" db:"args"`
	// Response is the serialized backend result, truncated to MaxResponseBytes.
	Response string `json:"response,omitempty" db:"response"`
	// LatencyMS is the wall-clock call latency in milliseconds.
	LatencyMS int64 `json:"latencyMs" db:"latency_ms"`
	// Status is one of the Status constants.
	Status string `json:"status" db:"status"`
	// Error holds failure text for error/denied/rate_limited entries.
	Error string `json:"error,omitempty" db:"error"`
	// PrevHash is the previous entry's hash, or GenesisHash for the first.
	PrevHash string `json:"prevHash,omitempty" db:"prev_hash"`
	// Hash is the SHA-256 hex of this entry's canonical composition.
	Hash string `json:"hash,omitempty" db:"hash"`
}

// Filter selects entries for Query. Zero values mean "any".
type Filter struct {
	// ConsumerID filters by consumer.
	ConsumerID string
	// ServerID filters by backend.
	ServerID string
	// Tool filters by tool name.
	Tool string
	// Status filters by terminal status.
	Status string
	// Since is the inclusive lower bound of the time range.
	Since time.Time
	// Until is the exclusive upper bound of the time range.
	Until time.Time
	// Limit caps the result set (default 100 when zero).
	Limit int
	// Offset skips leading rows for cursor pagination.
	Offset int
}

// Stats aggregates the whole log.
type Stats struct {
	// Total is the number of entries.
	Total int64 `json:"total"`
	// ByStatus maps status values to counts.
	ByStatus map[string]int64 `json:"byStatus"`
	// ByServer maps backend ids to counts.
	ByServer map[string]int64 `json:"byServer"`
}

// VerifyResult reports the outcome of a chain walk.
type VerifyResult struct {
	// Valid is true when every entry links and recomputes correctly.
	Valid bool `json:"valid"`
	// BrokenAt is the id of the first failing entry (empty when valid).
	BrokenAt string `json:"brokenAt,omitempty"`
	// Checked is the number of entries examined.
	Checked int64 `json:"checked"`
}

// Store is the persistence surface the log writes through.
// Interface owned by the domain; implemented by the sqlite and memory
// adapters.
type Store interface {
	// InsertEntry persists one fully populated entry.
	InsertEntry(ctx context.Context, e Entry) error

	// QueryEntries returns entries matching the filter, newest first.
	QueryEntries(ctx context.Context, f Filter) ([]Entry, error)

	// LastHash returns the hash of the most recently inserted entry,
	// or "" when the log is empty.
	LastHash(ctx context.Context) (string, error)

	// WalkEntries streams all entries in insertion order.
	// Iteration stops at the first callback error.
	WalkEntries(ctx context.Context, fn func(Entry) error) error

	// EntryStats returns whole-log aggregates.
	EntryStats(ctx context.Context) (*Stats, error)
}

// Notifier receives a copy of each written entry. Delivery is best-effort;
// failures never fail the write.
type Notifier interface {
	Notify(e Entry)
}
