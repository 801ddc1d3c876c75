package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/toolgate/toolgate/pkg/mcp"
)

// drainGrace bounds how long Close waits for in-flight calls to finish
// before the backend process is stopped.
const drainGrace = 5 * time.Second

// Client couples a backend process with a correlated protocol connection
// and exposes the handshake and tool operations.
type Client struct {
	proc *Process
	conn *Conn
}

// NewClient starts the backend command and attaches a connection to it.
func NewClient(command string, args []string, env map[string]string, logger *slog.Logger) (*Client, error) {
	proc, err := StartProcess(command, args, env)
	if err != nil {
		return nil, err
	}
	return &Client{
		proc: proc,
		conn: NewConn(proc.Stdin(), proc.Stdout(), logger),
	}, nil
}

// Initialize performs the protocol handshake.
func (c *Client) Initialize(ctx context.Context, name, version string) error {
	params := mcp.InitializeParams{
		ProtocolVersion: mcp.ProtocolVersion,
		Capabilities:    map[string]any{},
		ClientInfo:      mcp.ClientInfo{Name: name, Version: version},
	}
	if _, err := c.conn.Call(ctx, mcp.MethodInitialize, params); err != nil {
		return fmt.Errorf("initialize: %w", err)
	}
	// Per protocol the client confirms the handshake with a notification.
	return c.conn.Notify("notifications/initialized", nil)
}

// ListTools asks the backend which tools it offers.
func (c *Client) ListTools(ctx context.Context) ([]mcp.Tool, error) {
	raw, err := c.conn.Call(ctx, mcp.MethodListTools, nil)
	if err != nil {
		return nil, fmt.Errorf("list tools: %w", err)
	}
	var result mcp.ListToolsResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("decode tool list: %w", err)
	}
	return result.Tools, nil
}

// CallTool invokes one tool and returns the raw result.
func (c *Client) CallTool(ctx context.Context, name string, args map[string]any) (json.RawMessage, error) {
	params := mcp.CallToolParams{Name: name, Arguments: args}
	raw, err := c.conn.Call(ctx, mcp.MethodCallTool, params)
	if err != nil {
		return nil, err
	}
	return raw, nil
}

// StderrTail exposes the retained backend stderr for error reporting.
func (c *Client) StderrTail() string { return c.proc.StderrTail() }

// Exited reports whether the backend process has exited.
func (c *Client) Exited() bool { return c.proc.Exited() }

// ProcessDone is closed when the backend process exits.
func (c *Client) ProcessDone() <-chan struct{} { return c.proc.Done() }

// Close drains the connection and stops the backend process. New calls are
// rejected immediately; calls already in flight get until the grace window
// closes to complete.
func (c *Client) Close() error {
	c.conn.Shutdown(drainGrace)
	return c.proc.Stop()
}
