package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/toolgate/toolgate/internal/domain/audit"
	"github.com/toolgate/toolgate/internal/domain/auth"
	"github.com/toolgate/toolgate/internal/domain/metering"
	"github.com/toolgate/toolgate/internal/domain/policy"
	"github.com/toolgate/toolgate/internal/domain/ratelimit"
	"github.com/toolgate/toolgate/internal/domain/server"
)

// ErrToolNotFound is returned when no running backend advertises the tool.
var ErrToolNotFound = errors.New("tool not found")

// CallMetrics is the gateway's metrics surface. Implemented by the
// prometheus adapter; a nil value disables instrumentation.
type CallMetrics interface {
	ObserveCall(status string, seconds float64)
	PolicyEvaluation(allowed bool)
}

// Outcome is the terminal result of one gated tool call. Denials and rate
// limits are outcomes, not errors; only infrastructure faults surface as
// errors from CallTool.
type Outcome struct {
	// Status is the audit status the call terminated with.
	Status string
	// Result carries the backend's raw result on success.
	Result json.RawMessage
	// Reason explains denied, rate_limited, and error outcomes.
	Reason string
	// ResetAt is when the rate window reopens (rate_limited only).
	ResetAt time.Time
	// LatencyMS is the proxied call latency (success and error only).
	LatencyMS int64
}

// Gateway runs the per-call pipeline: authenticate, resolve, evaluate
// policy, rate limit, proxy, audit, meter. Every terminal path except an
// authentication failure writes exactly one audit entry.
type Gateway struct {
	authenticator auth.Authenticator
	engine        *policy.Engine
	limiter       *ratelimit.Limiter
	registry      *Registry
	auditLog      *audit.Log
	meter         *metering.Meter
	metrics       CallMetrics
	tracer        trace.Tracer
	logger        *slog.Logger
}

// NewGateway wires the pipeline stages together.
func NewGateway(
	authenticator auth.Authenticator,
	engine *policy.Engine,
	limiter *ratelimit.Limiter,
	registry *Registry,
	auditLog *audit.Log,
	meter *metering.Meter,
	metrics CallMetrics,
	logger *slog.Logger,
) *Gateway {
	return &Gateway{
		authenticator: authenticator,
		engine:        engine,
		limiter:       limiter,
		registry:      registry,
		auditLog:      auditLog,
		meter:         meter,
		metrics:       metrics,
		tracer:        otel.Tracer("toolgate/gateway"),
		logger:        logger,
	}
}

// Authenticate resolves a credential without running the rest of the
// pipeline. Inbound transports authenticate once per session.
func (g *Gateway) Authenticate(ctx context.Context, credential string) (*auth.Context, error) {
	return g.authenticator.Authenticate(ctx, credential)
}

// CallTool runs the full pipeline for one tool call on behalf of caller.
func (g *Gateway) CallTool(ctx context.Context, caller *auth.Context, tool string, args map[string]any) (*Outcome, error) {
	ctx, span := g.tracer.Start(ctx, "gateway.call_tool",
		trace.WithAttributes(
			attribute.String("tool", tool),
			attribute.String("consumer_id", caller.ConsumerID),
		))
	defer span.End()

	spec, client, found := g.registry.FindServerForTool(tool)
	if !found {
		outcome := &Outcome{Status: audit.StatusError, Reason: fmt.Sprintf("tool %q not found on any running server", tool)}
		if err := g.finish(ctx, span, caller, "unknown", tool, args, outcome); err != nil {
			return nil, err
		}
		return outcome, nil
	}
	span.SetAttributes(attribute.String("server_id", spec.ID))

	decision := g.engine.Evaluate(caller.Roles, spec.ID, tool, args)
	if g.metrics != nil {
		g.metrics.PolicyEvaluation(decision.Allowed)
	}
	if !decision.Allowed {
		outcome := &Outcome{Status: audit.StatusDenied, Reason: decision.Reason}
		if err := g.finish(ctx, span, caller, spec.ID, tool, args, outcome); err != nil {
			return nil, err
		}
		return outcome, nil
	}

	limitKey := caller.ConsumerID + ":" + spec.ID
	if res := g.limiter.Check(limitKey, caller.RateLimit); !res.Allowed {
		outcome := &Outcome{
			Status:  audit.StatusRateLimited,
			Reason:  "rate limit exceeded",
			ResetAt: res.ResetAt,
		}
		if err := g.finish(ctx, span, caller, spec.ID, tool, args, outcome); err != nil {
			return nil, err
		}
		return outcome, nil
	}

	callCtx := ctx
	if timeout := spec.CallTimeout; timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	start := time.Now()
	raw, err := client.CallTool(callCtx, tool, args)
	latency := time.Since(start)

	outcome := &Outcome{LatencyMS: latency.Milliseconds()}
	if err != nil {
		outcome.Status = audit.StatusError
		outcome.Reason = err.Error()
		if tail := client.StderrTail(); tail != "" && client.Exited() {
			outcome.Reason = fmt.Sprintf("%s (stderr: %s)", err.Error(), tail)
		}
	} else {
		outcome.Status = audit.StatusSuccess
		outcome.Result = raw
	}

	g.meter.Record(ctx, caller.ConsumerID, spec.ID, tool, latency, err != nil)
	if err := g.finish(ctx, span, caller, spec.ID, tool, args, outcome); err != nil {
		return nil, err
	}
	return outcome, nil
}

// finish writes the single audit entry for a terminal path and records the
// call metric. An audit write failure fails the whole call: no result leaves
// the gateway without a persisted audit row behind it.
func (g *Gateway) finish(ctx context.Context, span trace.Span, caller *auth.Context, serverID, tool string, args map[string]any, outcome *Outcome) error {
	span.SetAttributes(attribute.String("status", outcome.Status))
	if g.metrics != nil {
		g.metrics.ObserveCall(outcome.Status, float64(outcome.LatencyMS)/1000)
	}

	entry := audit.Entry{
		ConsumerID:   caller.ConsumerID,
		CredentialID: caller.CredentialID,
		ServerID:     serverID,
		Tool:         tool,
		Args:         marshalArgs(args),
		Response:     string(outcome.Result),
		LatencyMS:    outcome.LatencyMS,
		Status:       outcome.Status,
		Error:        outcome.Reason,
	}
	if _, err := g.auditLog.Write(ctx, entry); err != nil {
		g.logger.Error("audit write failed", "tool", tool, "status", outcome.Status, "error", err)
		return fmt.Errorf("audit write: %w", err)
	}
	return nil
}

// marshalArgs serializes the argument map for the audit trail.
func marshalArgs(args map[string]any) string {
	if len(args) == 0 {
		return ""
	}
	data, err := json.Marshal(args)
	if err != nil {
		return fmt.Sprintf("unserializable args: %v", err)
	}
	return string(data)
}

// ListTools reports the discovered tools of every running backend.
func (g *Gateway) ListTools() []ServerTools {
	return g.registry.ToolsByServer()
}

// ServerStatus summarizes every configured backend.
func (g *Gateway) ServerStatus() []server.StatusInfo {
	return g.registry.Status()
}

// AuditQuery reads the audit trail.
func (g *Gateway) AuditQuery(ctx context.Context, f audit.Filter) ([]audit.Entry, error) {
	return g.auditLog.Query(ctx, f)
}

// AuditVerify walks the hash chain.
func (g *Gateway) AuditVerify(ctx context.Context) (audit.VerifyResult, error) {
	return g.auditLog.Verify(ctx)
}

// AuditStats aggregates the audit trail.
func (g *Gateway) AuditStats(ctx context.Context) (*audit.Stats, error) {
	return g.auditLog.Stats(ctx)
}

// Usage summarizes metered calls, optionally for one consumer.
func (g *Gateway) Usage(ctx context.Context, consumerID string) (*metering.Summary, error) {
	return g.meter.Summary(ctx, consumerID)
}
