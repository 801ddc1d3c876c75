// Package service wires the domain layers into the gateway's operations.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/toolgate/toolgate/internal/domain/server"
	"github.com/toolgate/toolgate/internal/port/outbound"
	"github.com/toolgate/toolgate/pkg/mcp"
)

// settleDelay gives a spawned backend a moment to crash on startup before
// the handshake is attempted, so configuration mistakes surface immediately.
const settleDelay = 100 * time.Millisecond

// handshakeTimeout bounds initialize plus tool discovery on start.
const handshakeTimeout = 10 * time.Second

// ErrServerNotFound is returned for operations naming an unknown backend.
var ErrServerNotFound = errors.New("server not found")

// ErrServerNotRunning is returned when a call reaches a backend that has no
// live process.
var ErrServerNotRunning = errors.New("server not running")

// managedServer pairs a backend's spec with its runtime state and client.
type managedServer struct {
	spec   server.Spec
	state  server.State
	client outbound.BackendClient
	// generation invalidates stale crash watchers after a restart.
	generation int
}

// Registry owns the lifecycle of all configured backends: spawn, handshake,
// tool discovery, crash detection, and shutdown. Tool names resolve to the
// first backend registered with that tool.
type Registry struct {
	launcher outbound.BackendLauncher
	logger   *slog.Logger

	clientName    string
	clientVersion string

	mu      sync.RWMutex
	order   []string
	servers map[string]*managedServer
	closing bool

	// settle is swappable for tests.
	settle time.Duration
}

// NewRegistry creates an empty registry. clientName and clientVersion
// identify the gateway to backends during the handshake.
func NewRegistry(launcher outbound.BackendLauncher, clientName, clientVersion string, logger *slog.Logger) *Registry {
	return &Registry{
		launcher:      launcher,
		logger:        logger,
		clientName:    clientName,
		clientVersion: clientVersion,
		servers:       make(map[string]*managedServer),
		settle:        settleDelay,
	}
}

// Register adds one backend in configuration order. Duplicate ids are
// rejected.
func (r *Registry) Register(spec server.Spec) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.servers[spec.ID]; exists {
		return fmt.Errorf("duplicate server id %q", spec.ID)
	}
	r.servers[spec.ID] = &managedServer{spec: spec, state: server.State{Status: server.StatusStopped}}
	r.order = append(r.order, spec.ID)
	return nil
}

// StartAll starts every enabled backend in registration order. Individual
// failures are recorded on the backend and do not stop the others.
func (r *Registry) StartAll(ctx context.Context) {
	r.mu.RLock()
	ids := append([]string(nil), r.order...)
	r.mu.RUnlock()

	for _, id := range ids {
		if err := r.Start(ctx, id); err != nil {
			if errors.Is(err, errServerDisabled) {
				continue
			}
			r.logger.Error("backend failed to start", "server_id", id, "error", err)
		}
	}
}

var errServerDisabled = errors.New("server disabled")

// Start spawns one backend, waits for it to settle, performs the handshake,
// and discovers its tools. On any failure the backend lands in the error
// state with the stderr tail attached.
func (r *Registry) Start(ctx context.Context, id string) error {
	r.mu.Lock()
	ms, ok := r.servers[id]
	if !ok {
		r.mu.Unlock()
		return ErrServerNotFound
	}
	if !ms.spec.Enabled {
		r.mu.Unlock()
		return errServerDisabled
	}
	if ms.state.Status == server.StatusRunning || ms.state.Status == server.StatusStarting {
		r.mu.Unlock()
		return nil
	}
	if ms.state.StartedAt != (time.Time{}) {
		ms.state.RestartCount++
	}
	ms.state.Status = server.StatusStarting
	ms.state.LastError = ""
	ms.generation++
	gen := ms.generation
	spec := ms.spec
	r.mu.Unlock()

	client, err := r.launcher(spec)
	if err != nil {
		r.fail(id, gen, fmt.Sprintf("spawn: %v", err), nil)
		return err
	}

	// Give a misconfigured backend a moment to die before the handshake.
	select {
	case <-client.ProcessDone():
		err := fmt.Errorf("backend exited during startup: %s", client.StderrTail())
		r.fail(id, gen, err.Error(), client)
		return err
	case <-time.After(r.settle):
	}

	hctx, cancel := context.WithTimeout(ctx, handshakeTimeout)
	defer cancel()

	if err := client.Initialize(hctx, r.clientName, r.clientVersion); err != nil {
		err = fmt.Errorf("handshake: %w (stderr: %s)", err, client.StderrTail())
		r.fail(id, gen, err.Error(), client)
		return err
	}

	tools, err := client.ListTools(hctx)
	if err != nil {
		if spec.HealthCheck {
			err = fmt.Errorf("tool discovery: %w", err)
			r.fail(id, gen, err.Error(), client)
			return err
		}
		// Without a health check a discovery failure just means the backend
		// serves no routable tools until restarted.
		r.logger.Warn("tool discovery failed", "server_id", id, "error", err)
		tools = nil
	}

	r.mu.Lock()
	ms = r.servers[id]
	ms.client = client
	ms.state.Status = server.StatusRunning
	ms.state.Tools = tools
	ms.state.StartedAt = time.Now().UTC()
	r.mu.Unlock()

	r.logger.Info("backend started", "server_id", id, "tools", len(tools))
	r.warnDuplicateTools(id, tools)

	go r.watch(id, gen, client)
	return nil
}

// warnDuplicateTools logs when a newly started backend advertises a tool
// already owned by an earlier registration.
func (r *Registry) warnDuplicateTools(id string, tools []mcp.Tool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, tool := range tools {
		for _, otherID := range r.order {
			if otherID == id {
				break
			}
			other := r.servers[otherID]
			for _, t := range other.state.Tools {
				if t.Name == tool.Name {
					r.logger.Warn("duplicate tool name, earlier registration wins",
						"tool", tool.Name, "owner", otherID, "shadowed", id)
				}
			}
		}
	}
}

// watch parks the backend in the error state if its process exits while it
// is supposed to be running. A crashed backend stays there until it is
// explicitly started again; subsequent calls fail rather than race a
// respawning process.
func (r *Registry) watch(id string, gen int, client outbound.BackendClient) {
	<-client.ProcessDone()

	r.mu.Lock()
	ms, ok := r.servers[id]
	if !ok || ms.generation != gen || r.closing {
		r.mu.Unlock()
		return
	}
	ms.state.Status = server.StatusError
	ms.state.LastError = fmt.Sprintf("backend exited unexpectedly: %s", client.StderrTail())
	ms.state.Tools = nil
	ms.client = nil
	r.mu.Unlock()

	r.logger.Error("backend exited", "server_id", id)
}

// fail records a start failure and reaps the client if one was spawned.
func (r *Registry) fail(id string, gen int, msg string, client outbound.BackendClient) {
	if client != nil {
		_ = client.Close()
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	ms, ok := r.servers[id]
	if !ok || ms.generation != gen {
		return
	}
	ms.state.Status = server.StatusError
	ms.state.LastError = msg
	ms.client = nil
}

// Stop shuts one backend down and marks it stopped.
func (r *Registry) Stop(id string) error {
	r.mu.Lock()
	ms, ok := r.servers[id]
	if !ok {
		r.mu.Unlock()
		return ErrServerNotFound
	}
	client := ms.client
	ms.client = nil
	ms.state.Status = server.StatusStopped
	ms.state.Tools = nil
	ms.generation++
	r.mu.Unlock()

	if client != nil {
		return client.Close()
	}
	return nil
}

// StopAll shuts every backend down in reverse registration order.
func (r *Registry) StopAll() {
	r.mu.Lock()
	r.closing = true
	ids := append([]string(nil), r.order...)
	r.mu.Unlock()

	for i := len(ids) - 1; i >= 0; i-- {
		if err := r.Stop(ids[i]); err != nil && !errors.Is(err, ErrServerNotFound) {
			r.logger.Warn("backend stop failed", "server_id", ids[i], "error", err)
		}
	}
}

// FindServerForTool resolves a tool name to the first backend, in
// registration order, that advertises it and is running.
func (r *Registry) FindServerForTool(tool string) (server.Spec, outbound.BackendClient, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, id := range r.order {
		ms := r.servers[id]
		if ms.state.Status != server.StatusRunning || ms.client == nil {
			continue
		}
		for _, t := range ms.state.Tools {
			if t.Name == tool {
				return ms.spec, ms.client, true
			}
		}
	}
	return server.Spec{}, nil, false
}

// ToolsByServer returns the discovered tools of every running backend,
// keyed by backend id, in registration order.
func (r *Registry) ToolsByServer() []ServerTools {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]ServerTools, 0, len(r.order))
	for _, id := range r.order {
		ms := r.servers[id]
		if ms.state.Status != server.StatusRunning {
			continue
		}
		out = append(out, ServerTools{
			ServerID: id,
			Name:     ms.spec.Name,
			Tools:    append([]mcp.Tool(nil), ms.state.Tools...),
		})
	}
	return out
}

// ServerTools groups one backend's discovered tools.
type ServerTools struct {
	ServerID string     `json:"serverId"`
	Name     string     `json:"name"`
	Tools    []mcp.Tool `json:"tools"`
}

// Status summarizes every backend in registration order.
func (r *Registry) Status() []server.StatusInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]server.StatusInfo, 0, len(r.order))
	for _, id := range r.order {
		ms := r.servers[id]
		out = append(out, server.StatusInfo{
			ID:        id,
			Name:      ms.spec.Name,
			Status:    ms.state.Status,
			ToolCount: len(ms.state.Tools),
			Uptime:    ms.state.Uptime(),
			LastError: ms.state.LastError,
		})
	}
	return out
}

// CallTimeout returns the per-call timeout configured for a backend,
// falling back to the protocol default.
func (r *Registry) CallTimeout(id string) time.Duration {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if ms, ok := r.servers[id]; ok && ms.spec.CallTimeout > 0 {
		return ms.spec.CallTimeout
	}
	return 0
}
