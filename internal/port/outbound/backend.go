package outbound

import (
	"context"
	"encoding/json"

	"github.com/toolgate/toolgate/internal/domain/server"
	"github.com/toolgate/toolgate/pkg/mcp"
)

// BackendClient is one live connection to a spawned tool backend.
// Implemented by the stdio adapter; faked in registry tests.
type BackendClient interface {
	// Initialize performs the protocol handshake.
	Initialize(ctx context.Context, name, version string) error

	// ListTools returns the operations the backend advertises.
	ListTools(ctx context.Context) ([]mcp.Tool, error)

	// CallTool invokes one tool and returns the raw result.
	CallTool(ctx context.Context, name string, args map[string]any) (json.RawMessage, error)

	// StderrTail returns the retained tail of the backend's stderr.
	StderrTail() string

	// Exited reports whether the backend process has exited.
	Exited() bool

	// ProcessDone is closed when the backend process exits.
	ProcessDone() <-chan struct{}

	// Close fails pending calls and stops the backend process.
	Close() error
}

// BackendLauncher spawns the process described by spec and attaches a
// protocol client to it.
type BackendLauncher func(spec server.Spec) (BackendClient, error)
