// Package server contains domain types for registered tool backends.
package server

import (
	"time"

	"github.com/toolgate/toolgate/pkg/mcp"
)

// Status represents the lifecycle state of a managed backend process.
type Status string

const (
	// StatusStopped means no process is running for this backend.
	StatusStopped Status = "stopped"
	// StatusStarting means the process was spawned but has not settled yet.
	StatusStarting Status = "starting"
	// StatusRunning means the backend is healthy and accepting tool calls.
	StatusRunning Status = "running"
	// StatusError means the process exited abnormally or failed to start.
	StatusError Status = "error"
)

// Spec is the configured descriptor for one backend.
type Spec struct {
	// ID is the unique identifier for this backend.
	ID string
	// Name is the human-readable display name.
	Name string
	// Command is the executable to spawn.
	Command string
	// Args are passed to the command.
	Args []string
	// Env is overlaid on the gateway's process environment. Values are
	// visible to the child only; they are never exposed to callers.
	Env map[string]string
	// Tags are free-form labels for operator use.
	Tags []string
	// Enabled gates whether the backend may be started.
	Enabled bool
	// CallTimeout bounds each proxied tool call. Zero means the gateway
	// default (30s).
	CallTimeout time.Duration
	// HealthCheck enables the discovery handshake on start.
	HealthCheck bool
}

// State is the observable runtime state of one backend.
type State struct {
	// Status is the current lifecycle state.
	Status Status
	// Tools are the operations discovered via tools/list.
	Tools []mcp.Tool
	// LastError holds the most recent failure text, including up to the
	// last 500 bytes of captured stderr.
	LastError string
	// StartedAt is when the current process was spawned (zero if stopped).
	StartedAt time.Time
	// RestartCount counts start invocations after the first.
	RestartCount int
}

// Uptime returns how long the backend has been running, or zero.
func (s *State) Uptime() time.Duration {
	if s.Status != StatusRunning || s.StartedAt.IsZero() {
		return 0
	}
	return time.Since(s.StartedAt)
}

// StatusInfo is the per-backend summary returned by registry status queries.
type StatusInfo struct {
	ID        string        `json:"id"`
	Name      string        `json:"name"`
	Status    Status        `json:"status"`
	ToolCount int           `json:"toolCount"`
	Uptime    time.Duration `json:"uptime"`
	LastError string        `json:"lastError,omitempty"`
}
