package webhook

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/toolgate/toolgate/internal/domain/audit"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestNotifier_DeliversEntryAsJSON(t *testing.T) {
	t.Parallel()

	var (
		mu       sync.Mutex
		received []audit.Entry
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if ct := r.Header.Get("Content-Type"); ct != "application/json" {
			t.Errorf("Content-Type = %q", ct)
		}
		var e audit.Entry
		if err := json.NewDecoder(r.Body).Decode(&e); err != nil {
			t.Errorf("decode body: %v", err)
		}
		mu.Lock()
		received = append(received, e)
		mu.Unlock()
	}))
	defer srv.Close()

	n := NewNotifier(srv.URL, discardLogger())
	n.Notify(audit.Entry{ID: "e1", ConsumerID: "alice", Tool: "read_file", Status: audit.StatusSuccess})
	n.Notify(audit.Entry{ID: "e2", ConsumerID: "bob", Tool: "fetch", Status: audit.StatusDenied})
	n.Wait()

	mu.Lock()
	defer mu.Unlock()
	if len(received) != 2 {
		t.Fatalf("received %d entries, want 2", len(received))
	}
	ids := map[string]bool{received[0].ID: true, received[1].ID: true}
	if !ids["e1"] || !ids["e2"] {
		t.Errorf("received ids = %v", ids)
	}
}

func TestNotifier_FailuresDoNotPropagate(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	n := NewNotifier(srv.URL, discardLogger())
	n.Notify(audit.Entry{ID: "e1"})
	n.Wait()

	// An unreachable endpoint must also be absorbed silently.
	dead := NewNotifier("http://127.0.0.1:1", discardLogger())
	dead.Notify(audit.Entry{ID: "e2"})
	dead.Wait()
}
