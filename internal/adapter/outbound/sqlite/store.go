// Package sqlite persists audit entries and usage rollups in a single
// SQLite database file.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/toolgate/toolgate/internal/domain/audit"
	"github.com/toolgate/toolgate/internal/domain/metering"
	"github.com/toolgate/toolgate/internal/port/outbound"
)

const schema = `
CREATE TABLE IF NOT EXISTS audit_log (
	id          TEXT PRIMARY KEY,
	timestamp   TEXT NOT NULL,
	consumer_id TEXT NOT NULL,
	api_key_id  TEXT NOT NULL DEFAULT '',
	server_id   TEXT NOT NULL,
	tool        TEXT NOT NULL,
	args        TEXT NOT NULL DEFAULT '',
	response    TEXT NOT NULL DEFAULT '',
	latency_ms  INTEGER NOT NULL DEFAULT 0,
	status      TEXT NOT NULL,
	error       TEXT NOT NULL DEFAULT '',
	prev_hash   TEXT NOT NULL,
	hash        TEXT NOT NULL,
	seq         INTEGER
);
CREATE INDEX IF NOT EXISTS idx_audit_timestamp ON audit_log(timestamp);
CREATE INDEX IF NOT EXISTS idx_audit_consumer  ON audit_log(consumer_id);
CREATE INDEX IF NOT EXISTS idx_audit_server    ON audit_log(server_id);
CREATE INDEX IF NOT EXISTS idx_audit_status    ON audit_log(status);
CREATE INDEX IF NOT EXISTS idx_audit_tool      ON audit_log(tool);

CREATE TABLE IF NOT EXISTS meter (
	consumer_id      TEXT NOT NULL,
	server_id        TEXT NOT NULL,
	tool             TEXT NOT NULL,
	period_key       TEXT NOT NULL,
	calls            INTEGER NOT NULL DEFAULT 0,
	errors           INTEGER NOT NULL DEFAULT 0,
	total_latency_ms INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (consumer_id, server_id, tool, period_key)
);
`

// Store implements the storage port over a SQLite file. A rowid-derived
// sequence column preserves insertion order for chain verification.
type Store struct {
	db *sqlx.DB
}

// NewStore opens (or creates) the database at path. WAL mode keeps reads
// from blocking the single writer.
func NewStore(path string) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(ON)", path)
	db, err := sqlx.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	// modernc.org/sqlite serializes through a single connection.
	db.SetMaxOpenConns(1)
	return &Store{db: db}, nil
}

// Init creates the schema. Safe to call on every start.
func (s *Store) Init(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// Close releases the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// InsertEntry persists one audit entry.
func (s *Store) InsertEntry(ctx context.Context, e audit.Entry) error {
	const q = `INSERT INTO audit_log
		(id, timestamp, consumer_id, api_key_id, server_id, tool, args, response, latency_ms, status, error, prev_hash, hash, seq)
		VALUES (:id, :timestamp, :consumer_id, :api_key_id, :server_id, :tool, :args, :response, :latency_ms, :status, :error, :prev_hash, :hash,
			(SELECT COALESCE(MAX(seq), 0) + 1 FROM audit_log))`
	if _, err := s.db.NamedExecContext(ctx, q, e); err != nil {
		return fmt.Errorf("insert audit entry: %w", err)
	}
	return nil
}

// QueryEntries returns matching entries newest first.
func (s *Store) QueryEntries(ctx context.Context, f audit.Filter) ([]audit.Entry, error) {
	var (
		where []string
		args  []any
	)
	add := func(clause string, v any) {
		where = append(where, clause)
		args = append(args, v)
	}
	if f.ConsumerID != "" {
		add("consumer_id = ?", f.ConsumerID)
	}
	if f.ServerID != "" {
		add("server_id = ?", f.ServerID)
	}
	if f.Tool != "" {
		add("tool = ?", f.Tool)
	}
	if f.Status != "" {
		add("status = ?", f.Status)
	}
	if !f.Since.IsZero() {
		add("timestamp >= ?", f.Since.UTC().Format(time.RFC3339Nano))
	}
	if !f.Until.IsZero() {
		add("timestamp < ?", f.Until.UTC().Format(time.RFC3339Nano))
	}

	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}

	q := "SELECT id, timestamp, consumer_id, api_key_id, server_id, tool, args, response, latency_ms, status, error, prev_hash, hash FROM audit_log"
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY seq DESC LIMIT ? OFFSET ?"
	args = append(args, limit, f.Offset)

	var out []audit.Entry
	if err := s.db.SelectContext(ctx, &out, q, args...); err != nil {
		return nil, fmt.Errorf("query audit entries: %w", err)
	}
	return out, nil
}

// LastHash returns the hash of the highest-sequence entry.
func (s *Store) LastHash(ctx context.Context) (string, error) {
	var hash string
	err := s.db.GetContext(ctx, &hash, "SELECT hash FROM audit_log ORDER BY seq DESC LIMIT 1")
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("query last hash: %w", err)
	}
	return hash, nil
}

// WalkEntries streams all entries in insertion order.
func (s *Store) WalkEntries(ctx context.Context, fn func(audit.Entry) error) error {
	rows, err := s.db.QueryxContext(ctx, "SELECT id, timestamp, consumer_id, api_key_id, server_id, tool, args, response, latency_ms, status, error, prev_hash, hash FROM audit_log ORDER BY seq ASC")
	if err != nil {
		return fmt.Errorf("walk audit entries: %w", err)
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var e audit.Entry
		if err := rows.StructScan(&e); err != nil {
			return fmt.Errorf("scan audit entry: %w", err)
		}
		if err := fn(e); err != nil {
			return err
		}
	}
	return rows.Err()
}

// EntryStats returns whole-log aggregates.
func (s *Store) EntryStats(ctx context.Context) (*audit.Stats, error) {
	stats := &audit.Stats{
		ByStatus: make(map[string]int64),
		ByServer: make(map[string]int64),
	}

	if err := s.db.GetContext(ctx, &stats.Total, "SELECT COUNT(*) FROM audit_log"); err != nil {
		return nil, fmt.Errorf("count audit entries: %w", err)
	}

	type bucket struct {
		Key   string `db:"key"`
		Count int64  `db:"count"`
	}
	var byStatus []bucket
	if err := s.db.SelectContext(ctx, &byStatus, "SELECT status AS key, COUNT(*) AS count FROM audit_log GROUP BY status"); err != nil {
		return nil, fmt.Errorf("group by status: %w", err)
	}
	for _, b := range byStatus {
		stats.ByStatus[b.Key] = b.Count
	}
	var byServer []bucket
	if err := s.db.SelectContext(ctx, &byServer, "SELECT server_id AS key, COUNT(*) AS count FROM audit_log GROUP BY server_id"); err != nil {
		return nil, fmt.Errorf("group by server: %w", err)
	}
	for _, b := range byServer {
		stats.ByServer[b.Key] = b.Count
	}
	return stats, nil
}

// UpsertRollup sums the counters into the row for the bucket key.
func (s *Store) UpsertRollup(ctx context.Context, r metering.Rollup) error {
	const q = `INSERT INTO meter
		(consumer_id, server_id, tool, period_key, calls, errors, total_latency_ms)
		VALUES (:consumer_id, :server_id, :tool, :period_key, :calls, :errors, :total_latency_ms)
		ON CONFLICT (consumer_id, server_id, tool, period_key) DO UPDATE SET
			calls            = calls + excluded.calls,
			errors           = errors + excluded.errors,
			total_latency_ms = total_latency_ms + excluded.total_latency_ms`
	if _, err := s.db.NamedExecContext(ctx, q, r); err != nil {
		return fmt.Errorf("upsert rollup: %w", err)
	}
	return nil
}

// QueryRollups returns rollups, optionally filtered by consumer.
func (s *Store) QueryRollups(ctx context.Context, consumerID string) ([]metering.Rollup, error) {
	q := "SELECT consumer_id, server_id, tool, period_key, calls, errors, total_latency_ms FROM meter"
	var args []any
	if consumerID != "" {
		q += " WHERE consumer_id = ?"
		args = append(args, consumerID)
	}
	q += " ORDER BY period_key ASC"

	var out []metering.Rollup
	if err := s.db.SelectContext(ctx, &out, q, args...); err != nil {
		return nil, fmt.Errorf("query rollups: %w", err)
	}
	return out, nil
}

// Compile-time interface verification.
var _ outbound.Storage = (*Store)(nil)
