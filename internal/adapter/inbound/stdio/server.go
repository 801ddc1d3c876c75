// Package stdio serves the gateway's own tool surface over line-delimited
// JSON-RPC on an agent-facing stdin/stdout pair.
package stdio

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/toolgate/toolgate/internal/domain/audit"
	"github.com/toolgate/toolgate/internal/domain/auth"
	"github.com/toolgate/toolgate/internal/domain/server"
	"github.com/toolgate/toolgate/internal/service"
	"github.com/toolgate/toolgate/pkg/mcp"
)

// maxLineBytes bounds one inbound protocol line.
const maxLineBytes = 1 << 20

// Server answers initialize, tools/list, and tools/call for the gateway's
// own tools. One server serves one agent connection.
type Server struct {
	gateway *service.Gateway
	name    string
	version string
	logger  *slog.Logger

	writeMu sync.Mutex
	out     io.Writer
}

// NewServer creates a server over the given pipes.
func NewServer(gateway *service.Gateway, name, version string, out io.Writer, logger *slog.Logger) *Server {
	return &Server{
		gateway: gateway,
		name:    name,
		version: version,
		out:     out,
		logger:  logger,
	}
}

// Run reads requests from in until EOF or context cancellation. Lines that
// are not JSON objects are discarded; requests without an id get no reply.
func (s *Server) Run(ctx context.Context, in io.Reader) error {
	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)

	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return err
		}
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		req, _, err := mcp.DecodeLine(line)
		if err != nil || req == nil {
			continue
		}

		resp := s.handle(ctx, req)
		if resp == nil || len(req.ID) == 0 {
			continue
		}
		resp.ID = req.ID
		if err := s.writeResponse(resp); err != nil {
			return fmt.Errorf("write response: %w", err)
		}
	}
	return scanner.Err()
}

func (s *Server) writeResponse(resp *mcp.Response) error {
	data, err := json.Marshal(resp)
	if err != nil {
		return err
	}
	data = append(data, '\n')

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_, err = s.out.Write(data)
	return err
}

func (s *Server) handle(ctx context.Context, req *mcp.Request) *mcp.Response {
	switch req.Method {
	case mcp.MethodInitialize:
		return s.handleInitialize(req)
	case mcp.MethodListTools:
		resp, err := mcp.NewResultResponse(req.ID, mcp.ListToolsResult{Tools: gatewayTools()})
		if err != nil {
			return mcp.NewErrorResponse(req.ID, mcp.CodeInternalError, err.Error())
		}
		return resp
	case mcp.MethodCallTool:
		return s.handleCallTool(ctx, req)
	case "notifications/initialized":
		return nil
	default:
		return mcp.NewErrorResponse(req.ID, mcp.CodeMethodNotFound, fmt.Sprintf("method %q not supported", req.Method))
	}
}

func (s *Server) handleInitialize(req *mcp.Request) *mcp.Response {
	result := map[string]any{
		"protocolVersion": mcp.ProtocolVersion,
		"capabilities":    map[string]any{"tools": map[string]any{}},
		"serverInfo":      map[string]any{"name": s.name, "version": s.version},
	}
	resp, err := mcp.NewResultResponse(req.ID, result)
	if err != nil {
		return mcp.NewErrorResponse(req.ID, mcp.CodeInternalError, err.Error())
	}
	return resp
}

func (s *Server) handleCallTool(ctx context.Context, req *mcp.Request) *mcp.Response {
	var params mcp.CallToolParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return mcp.NewErrorResponse(req.ID, mcp.CodeInvalidParams, "malformed tools/call params")
	}

	result, err := s.dispatch(ctx, params.Name, params.Arguments)
	if err != nil {
		if errors.Is(err, auth.ErrInvalidCredential) {
			return mcp.NewErrorResponse(req.ID, mcp.CodeInvalidRequest, "invalid credential")
		}
		var badArg *argumentError
		if errors.As(err, &badArg) {
			return mcp.NewErrorResponse(req.ID, mcp.CodeInvalidParams, badArg.Error())
		}
		s.logger.Error("gateway tool failed", "tool", params.Name, "error", err)
		return mcp.NewErrorResponse(req.ID, mcp.CodeInternalError, err.Error())
	}

	resp, err := mcp.NewResultResponse(req.ID, result)
	if err != nil {
		return mcp.NewErrorResponse(req.ID, mcp.CodeInternalError, err.Error())
	}
	return resp
}

// argumentError marks caller mistakes in tool arguments.
type argumentError struct{ msg string }

func (e *argumentError) Error() string { return e.msg }

func badArgument(format string, a ...any) error {
	return &argumentError{msg: fmt.Sprintf(format, a...)}
}

// dispatch routes one gateway tool invocation.
func (s *Server) dispatch(ctx context.Context, name string, args map[string]any) (any, error) {
	switch name {
	case "call":
		return s.toolCall(ctx, args)
	case "list_tools":
		if _, err := s.authenticate(ctx, args); err != nil {
			return nil, err
		}
		return jsonTextResult(s.gateway.ListTools())
	case "list_servers":
		return jsonTextResult(serverList(s.gateway.ServerStatus()))
	case "server_status":
		return jsonTextResult(s.gateway.ServerStatus())
	case "audit_log":
		entries, err := s.gateway.AuditQuery(ctx, filterFromArgs(args))
		if err != nil {
			return nil, err
		}
		return jsonTextResult(entries)
	case "audit_verify":
		result, err := s.gateway.AuditVerify(ctx)
		if err != nil {
			return nil, err
		}
		return jsonTextResult(result)
	case "audit_stats":
		stats, err := s.gateway.AuditStats(ctx)
		if err != nil {
			return nil, err
		}
		return jsonTextResult(stats)
	case "usage":
		consumer, _ := args["consumer"].(string)
		summary, err := s.gateway.Usage(ctx, consumer)
		if err != nil {
			return nil, err
		}
		return jsonTextResult(summary)
	default:
		return nil, badArgument("unknown tool %q", name)
	}
}

// toolCall runs the full gated pipeline for one proxied tool call.
func (s *Server) toolCall(ctx context.Context, args map[string]any) (any, error) {
	tool, _ := args["tool"].(string)
	if tool == "" {
		return nil, badArgument("argument %q is required", "tool")
	}

	var toolArgs map[string]any
	if rawArgs, ok := args["args"].(string); ok && rawArgs != "" {
		if err := json.Unmarshal([]byte(rawArgs), &toolArgs); err != nil {
			return nil, badArgument("argument %q is not a JSON object: %v", "args", err)
		}
	}

	caller, err := s.authenticate(ctx, args)
	if err != nil {
		return nil, err
	}

	outcome, err := s.gateway.CallTool(ctx, caller, tool, toolArgs)
	if err != nil {
		return nil, err
	}
	return jsonTextResult(envelopeFor(outcome))
}

// authenticate resolves the optional credential argument.
func (s *Server) authenticate(ctx context.Context, args map[string]any) (*auth.Context, error) {
	credential, _ := args["credential"].(string)
	return s.gateway.Authenticate(ctx, credential)
}

// envelopeFor flattens an outcome into the caller-facing result object.
func envelopeFor(outcome *service.Outcome) map[string]any {
	env := map[string]any{"status": outcome.Status}
	switch outcome.Status {
	case audit.StatusSuccess:
		env["result"] = json.RawMessage(outcome.Result)
		env["latencyMs"] = outcome.LatencyMS
	case audit.StatusRateLimited:
		env["reason"] = outcome.Reason
		env["resetAt"] = outcome.ResetAt.UTC().Format(time.RFC3339)
	default:
		env["reason"] = outcome.Reason
	}
	return env
}

// serverList reduces status info to the id/name pairs list_servers returns.
func serverList(status []server.StatusInfo) []map[string]any {
	out := make([]map[string]any, 0, len(status))
	for _, s := range status {
		out = append(out, map[string]any{
			"id":     s.ID,
			"name":   s.Name,
			"status": s.Status,
		})
	}
	return out
}

// jsonTextResult wraps v as the single-element JSON-text content array.
func jsonTextResult(v any) (any, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal result: %w", err)
	}
	return mcp.TextResult(string(data)), nil
}

// filterFromArgs maps audit_log tool arguments onto a query filter.
func filterFromArgs(args map[string]any) audit.Filter {
	f := audit.Filter{}
	if v, ok := args["consumer"].(string); ok {
		f.ConsumerID = v
	}
	if v, ok := args["server"].(string); ok {
		f.ServerID = v
	}
	if v, ok := args["tool"].(string); ok {
		f.Tool = v
	}
	if v, ok := args["status"].(string); ok {
		f.Status = v
	}
	if v, ok := args["limit"].(float64); ok {
		f.Limit = int(v)
	}
	if v, ok := args["offset"].(float64); ok {
		f.Offset = int(v)
	}
	if v, ok := args["since"].(string); ok {
		if ts, err := time.Parse(time.RFC3339, v); err == nil {
			f.Since = ts
		}
	}
	if v, ok := args["until"].(string); ok {
		if ts, err := time.Parse(time.RFC3339, v); err == nil {
			f.Until = ts
		}
	}
	return f
}
