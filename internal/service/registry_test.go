package service

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/toolgate/toolgate/internal/domain/server"
	"github.com/toolgate/toolgate/internal/port/outbound"
	"github.com/toolgate/toolgate/pkg/mcp"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeBackendClient scripts a backend for registry tests.
type fakeBackendClient struct {
	tools    []mcp.Tool
	initErr  error
	listErr  error
	callResp json.RawMessage
	callErr  error
	stderr   string

	mu       sync.Mutex
	closed   bool
	doneOnce sync.Once
	done     chan struct{}
}

func newFakeBackendClient(tools ...mcp.Tool) *fakeBackendClient {
	return &fakeBackendClient{tools: tools, done: make(chan struct{}), callResp: json.RawMessage(`{}`)}
}

func (f *fakeBackendClient) Initialize(context.Context, string, string) error { return f.initErr }

func (f *fakeBackendClient) ListTools(context.Context) ([]mcp.Tool, error) {
	return f.tools, f.listErr
}

func (f *fakeBackendClient) CallTool(context.Context, string, map[string]any) (json.RawMessage, error) {
	return f.callResp, f.callErr
}

func (f *fakeBackendClient) StderrTail() string { return f.stderr }

func (f *fakeBackendClient) Exited() bool {
	select {
	case <-f.done:
		return true
	default:
		return false
	}
}

func (f *fakeBackendClient) ProcessDone() <-chan struct{} { return f.done }

func (f *fakeBackendClient) Close() error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	f.doneOnce.Do(func() { close(f.done) })
	return nil
}

// crash simulates the process dying on its own.
func (f *fakeBackendClient) crash() {
	f.doneOnce.Do(func() { close(f.done) })
}

func (f *fakeBackendClient) wasClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

// launcherFor returns clients per server id, in sequence for repeated starts.
func launcherFor(t *testing.T, clients map[string][]*fakeBackendClient) outbound.BackendLauncher {
	t.Helper()
	var mu sync.Mutex
	return func(spec server.Spec) (outbound.BackendClient, error) {
		mu.Lock()
		defer mu.Unlock()
		queue := clients[spec.ID]
		if len(queue) == 0 {
			return nil, errors.New("no client scripted for " + spec.ID)
		}
		c := queue[0]
		clients[spec.ID] = queue[1:]
		return c, nil
	}
}

func newTestRegistry(t *testing.T, launcher outbound.BackendLauncher) *Registry {
	t.Helper()
	r := NewRegistry(launcher, "toolgate", "test", testLogger())
	r.settle = time.Millisecond
	t.Cleanup(r.StopAll)
	return r
}

func enabledSpec(id string) server.Spec {
	return server.Spec{ID: id, Name: id, Command: "fake", Enabled: true}
}

func TestRegistry_StartDiscoversTools(t *testing.T) {
	t.Parallel()

	client := newFakeBackendClient(mcp.Tool{Name: "read_file"}, mcp.Tool{Name: "write_file"})
	r := newTestRegistry(t, launcherFor(t, map[string][]*fakeBackendClient{"fs": {client}}))
	if err := r.Register(enabledSpec("fs")); err != nil {
		t.Fatalf("Register() error: %v", err)
	}

	r.StartAll(context.Background())

	status := r.Status()
	if len(status) != 1 {
		t.Fatalf("Status() returned %d backends, want 1", len(status))
	}
	if status[0].Status != server.StatusRunning || status[0].ToolCount != 2 {
		t.Errorf("status = %+v, want running with 2 tools", status[0])
	}

	spec, c, ok := r.FindServerForTool("read_file")
	if !ok || spec.ID != "fs" || c == nil {
		t.Errorf("FindServerForTool(read_file) = %v, %v, %v", spec.ID, c, ok)
	}
	if _, _, ok := r.FindServerForTool("no_such_tool"); ok {
		t.Error("unknown tool should not resolve")
	}
}

func TestRegistry_DuplicateIDRejected(t *testing.T) {
	t.Parallel()

	r := newTestRegistry(t, launcherFor(t, nil))
	if err := r.Register(enabledSpec("fs")); err != nil {
		t.Fatalf("Register() error: %v", err)
	}
	if err := r.Register(enabledSpec("fs")); err == nil {
		t.Error("duplicate id should be rejected")
	}
}

func TestRegistry_DisabledServerNotStarted(t *testing.T) {
	t.Parallel()

	r := newTestRegistry(t, launcherFor(t, nil))
	spec := enabledSpec("fs")
	spec.Enabled = false
	if err := r.Register(spec); err != nil {
		t.Fatalf("Register() error: %v", err)
	}

	r.StartAll(context.Background())
	if got := r.Status()[0].Status; got != server.StatusStopped {
		t.Errorf("status = %v, want stopped", got)
	}
}

func TestRegistry_FirstRegisteredWinsForDuplicateTool(t *testing.T) {
	t.Parallel()

	first := newFakeBackendClient(mcp.Tool{Name: "fetch"})
	second := newFakeBackendClient(mcp.Tool{Name: "fetch"})
	r := newTestRegistry(t, launcherFor(t, map[string][]*fakeBackendClient{
		"web-a": {first},
		"web-b": {second},
	}))
	if err := r.Register(enabledSpec("web-a")); err != nil {
		t.Fatal(err)
	}
	if err := r.Register(enabledSpec("web-b")); err != nil {
		t.Fatal(err)
	}
	r.StartAll(context.Background())

	spec, _, ok := r.FindServerForTool("fetch")
	if !ok || spec.ID != "web-a" {
		t.Errorf("FindServerForTool(fetch) resolved to %q, want web-a", spec.ID)
	}
}

func TestRegistry_HandshakeFailureParksInError(t *testing.T) {
	t.Parallel()

	client := newFakeBackendClient()
	client.initErr = errors.New("protocol mismatch")
	client.stderr = "bad flag"
	r := newTestRegistry(t, launcherFor(t, map[string][]*fakeBackendClient{"fs": {client}}))
	if err := r.Register(enabledSpec("fs")); err != nil {
		t.Fatal(err)
	}

	if err := r.Start(context.Background(), "fs"); err == nil {
		t.Fatal("Start() expected handshake error")
	}

	status := r.Status()[0]
	if status.Status != server.StatusError {
		t.Errorf("status = %v, want error", status.Status)
	}
	if status.LastError == "" {
		t.Error("LastError should carry the failure")
	}
	if !client.wasClosed() {
		t.Error("failed client should be closed")
	}
}

func TestRegistry_CrashParksInErrorUntilStarted(t *testing.T) {
	t.Parallel()

	first := newFakeBackendClient(mcp.Tool{Name: "fetch"})
	second := newFakeBackendClient(mcp.Tool{Name: "fetch"})
	r := newTestRegistry(t, launcherFor(t, map[string][]*fakeBackendClient{"web": {first, second}}))
	if err := r.Register(enabledSpec("web")); err != nil {
		t.Fatal(err)
	}
	if err := r.Start(context.Background(), "web"); err != nil {
		t.Fatalf("Start() error: %v", err)
	}

	first.crash()

	deadline := time.Now().Add(2 * time.Second)
	for r.Status()[0].Status != server.StatusError {
		if time.Now().After(deadline) {
			t.Fatalf("backend never entered error state, status = %+v", r.Status()[0])
		}
		time.Sleep(5 * time.Millisecond)
	}

	// The crash is terminal: no new process is spawned on its own.
	time.Sleep(30 * time.Millisecond)
	status := r.Status()[0]
	if status.Status != server.StatusError || status.LastError == "" {
		t.Errorf("status = %+v, want error with a recorded cause", status)
	}
	if _, _, ok := r.FindServerForTool("fetch"); ok {
		t.Error("crashed backend should not resolve tools")
	}

	// Recovery takes an explicit Start.
	if err := r.Start(context.Background(), "web"); err != nil {
		t.Fatalf("Start() after crash error: %v", err)
	}
	if got := r.Status()[0].Status; got != server.StatusRunning {
		t.Errorf("status after explicit start = %v, want running", got)
	}
	if restarts := restartCount(r, "web"); restarts != 1 {
		t.Errorf("RestartCount = %d, want 1", restarts)
	}
	if _, _, ok := r.FindServerForTool("fetch"); !ok {
		t.Error("restarted backend should resolve tools again")
	}
}

func restartCount(r *Registry, id string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.servers[id].state.RestartCount
}

func TestRegistry_StopAllLeavesBackendsStopped(t *testing.T) {
	t.Parallel()

	client := newFakeBackendClient(mcp.Tool{Name: "fetch"})
	r := newTestRegistry(t, launcherFor(t, map[string][]*fakeBackendClient{"web": {client}}))
	if err := r.Register(enabledSpec("web")); err != nil {
		t.Fatal(err)
	}
	if err := r.Start(context.Background(), "web"); err != nil {
		t.Fatalf("Start() error: %v", err)
	}

	r.StopAll()

	if !client.wasClosed() {
		t.Error("StopAll should close the client")
	}
	if got := r.Status()[0].Status; got != server.StatusStopped {
		t.Errorf("status = %v, want stopped", got)
	}
	// Give any stray watcher a chance to misbehave.
	time.Sleep(30 * time.Millisecond)
	if got := r.Status()[0].Status; got != server.StatusStopped {
		t.Errorf("status after wait = %v, want stopped", got)
	}
}

func TestRegistry_ToolsByServerSkipsStopped(t *testing.T) {
	t.Parallel()

	running := newFakeBackendClient(mcp.Tool{Name: "fetch"})
	r := newTestRegistry(t, launcherFor(t, map[string][]*fakeBackendClient{"web": {running}}))
	if err := r.Register(enabledSpec("web")); err != nil {
		t.Fatal(err)
	}
	stopped := enabledSpec("idle")
	stopped.Enabled = false
	if err := r.Register(stopped); err != nil {
		t.Fatal(err)
	}
	r.StartAll(context.Background())

	got := r.ToolsByServer()
	if len(got) != 1 || got[0].ServerID != "web" || len(got[0].Tools) != 1 {
		t.Errorf("ToolsByServer() = %+v", got)
	}
}
