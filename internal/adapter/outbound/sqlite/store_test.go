package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/toolgate/toolgate/internal/domain/audit"
	"github.com/toolgate/toolgate/internal/domain/metering"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewStore(filepath.Join(t.TempDir(), "gateway.db"))
	if err != nil {
		t.Fatalf("NewStore() error: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	if err := s.Init(context.Background()); err != nil {
		t.Fatalf("Init() error: %v", err)
	}
	return s
}

func TestStore_InitIsIdempotent(t *testing.T) {
	t.Parallel()

	s := openTestStore(t)
	if err := s.Init(context.Background()); err != nil {
		t.Fatalf("second Init() error: %v", err)
	}
}

func TestStore_AuditRoundTrip(t *testing.T) {
	t.Parallel()

	s := openTestStore(t)
	ctx := context.Background()

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	entries := []audit.Entry{
		{ID: "e1", Timestamp: base.Format(time.RFC3339Nano), ConsumerID: "alice", CredentialID: "k1", ServerID: "fs", Tool: "read_file", Args: `{"path":"/a"}`, LatencyMS: 12, Status: audit.StatusSuccess, PrevHash: audit.GenesisHash, Hash: "h1"},
		{ID: "e2", Timestamp: base.Add(time.Minute).Format(time.RFC3339Nano), ConsumerID: "bob", ServerID: "fs", Tool: "write_file", Status: audit.StatusDenied, Error: "No matching rule", PrevHash: "h1", Hash: "h2"},
		{ID: "e3", Timestamp: base.Add(2 * time.Minute).Format(time.RFC3339Nano), ConsumerID: "alice", ServerID: "web", Tool: "fetch", Status: audit.StatusError, Error: "timeout", PrevHash: "h2", Hash: "h3"},
	}
	for _, e := range entries {
		if err := s.InsertEntry(ctx, e); err != nil {
			t.Fatalf("InsertEntry(%s) error: %v", e.ID, err)
		}
	}

	last, err := s.LastHash(ctx)
	if err != nil || last != "h3" {
		t.Errorf("LastHash() = %q, %v, want h3", last, err)
	}

	got, err := s.QueryEntries(ctx, audit.Filter{ConsumerID: "alice"})
	if err != nil {
		t.Fatalf("QueryEntries() error: %v", err)
	}
	if len(got) != 2 || got[0].ID != "e3" || got[1].ID != "e1" {
		t.Fatalf("QueryEntries(alice) returned %d entries, want [e3 e1]", len(got))
	}
	if got[1].Args != `{"path":"/a"}` || got[1].CredentialID != "k1" {
		t.Errorf("round-tripped entry = %+v", got[1])
	}

	got, err = s.QueryEntries(ctx, audit.Filter{Status: audit.StatusDenied})
	if err != nil || len(got) != 1 || got[0].ID != "e2" {
		t.Errorf("QueryEntries(denied) = %v, %v", got, err)
	}

	got, err = s.QueryEntries(ctx, audit.Filter{Since: base.Add(30 * time.Second), Until: base.Add(90 * time.Second)})
	if err != nil || len(got) != 1 || got[0].ID != "e2" {
		t.Errorf("QueryEntries(range) = %v, %v", got, err)
	}

	got, err = s.QueryEntries(ctx, audit.Filter{Limit: 1, Offset: 1})
	if err != nil || len(got) != 1 || got[0].ID != "e2" {
		t.Errorf("QueryEntries(offset) = %v, %v", got, err)
	}

	var walked []string
	err = s.WalkEntries(ctx, func(e audit.Entry) error {
		walked = append(walked, e.ID)
		return nil
	})
	if err != nil {
		t.Fatalf("WalkEntries() error: %v", err)
	}
	if len(walked) != 3 || walked[0] != "e1" || walked[2] != "e3" {
		t.Errorf("WalkEntries order = %v, want insertion order", walked)
	}

	stats, err := s.EntryStats(ctx)
	if err != nil {
		t.Fatalf("EntryStats() error: %v", err)
	}
	if stats.Total != 3 || stats.ByStatus[audit.StatusSuccess] != 1 || stats.ByServer["fs"] != 2 {
		t.Errorf("EntryStats() = %+v", stats)
	}
}

func TestStore_EmptyLastHash(t *testing.T) {
	t.Parallel()

	last, err := openTestStore(t).LastHash(context.Background())
	if err != nil || last != "" {
		t.Errorf("LastHash() = %q, %v, want empty", last, err)
	}
}

func TestStore_RollupUpsert(t *testing.T) {
	t.Parallel()

	s := openTestStore(t)
	ctx := context.Background()

	r := metering.Rollup{ConsumerID: "alice", ServerID: "fs", Tool: "read_file", PeriodKey: "2026-03-01T12", Calls: 3, Errors: 1, TotalLatencyMS: 120}
	if err := s.UpsertRollup(ctx, r); err != nil {
		t.Fatalf("UpsertRollup() error: %v", err)
	}
	r.Calls, r.Errors, r.TotalLatencyMS = 2, 0, 80
	if err := s.UpsertRollup(ctx, r); err != nil {
		t.Fatalf("UpsertRollup() error: %v", err)
	}

	got, err := s.QueryRollups(ctx, "alice")
	if err != nil {
		t.Fatalf("QueryRollups() error: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("rollup count = %d, want 1", len(got))
	}
	if got[0].Calls != 5 || got[0].Errors != 1 || got[0].TotalLatencyMS != 200 {
		t.Errorf("rollup = %+v, want summed counters", got[0])
	}

	none, err := s.QueryRollups(ctx, "nobody")
	if err != nil || len(none) != 0 {
		t.Errorf("QueryRollups(nobody) = %v, %v", none, err)
	}
}

func TestStore_PersistsAcrossReopen(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "gateway.db")
	ctx := context.Background()

	s, err := NewStore(path)
	if err != nil {
		t.Fatalf("NewStore() error: %v", err)
	}
	if err := s.Init(ctx); err != nil {
		t.Fatalf("Init() error: %v", err)
	}
	e := audit.Entry{ID: "e1", Timestamp: time.Now().UTC().Format(time.RFC3339Nano), ConsumerID: "a", ServerID: "s", Tool: "t", Status: audit.StatusSuccess, PrevHash: audit.GenesisHash, Hash: "h1"}
	if err := s.InsertEntry(ctx, e); err != nil {
		t.Fatalf("InsertEntry() error: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close() error: %v", err)
	}

	reopened, err := NewStore(path)
	if err != nil {
		t.Fatalf("reopen NewStore() error: %v", err)
	}
	defer func() { _ = reopened.Close() }()
	if err := reopened.Init(ctx); err != nil {
		t.Fatalf("reopen Init() error: %v", err)
	}
	last, err := reopened.LastHash(ctx)
	if err != nil || last != "h1" {
		t.Errorf("LastHash() after reopen = %q, %v, want h1", last, err)
	}
}
