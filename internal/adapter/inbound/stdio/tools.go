package stdio

import (
	"encoding/json"

	"github.com/toolgate/toolgate/pkg/mcp"
)

// gatewayTools is the tool surface the gateway advertises to agents.
func gatewayTools() []mcp.Tool {
	return []mcp.Tool{
		{
			Name:        "call",
			Description: "Invoke a tool on a managed backend through the policy gate.",
			InputSchema: schema(`{
				"type": "object",
				"properties": {
					"tool":       {"type": "string", "description": "Tool name to invoke."},
					"args":       {"type": "string", "description": "Tool arguments as a JSON object string."},
					"credential": {"type": "string", "description": "Caller credential; omit when auth mode is none."}
				},
				"required": ["tool"]
			}`),
		},
		{
			Name:        "list_tools",
			Description: "List the tools discovered on all running backends.",
			InputSchema: schema(`{
				"type": "object",
				"properties": {
					"credential": {"type": "string", "description": "Caller credential; omit when auth mode is none."}
				}
			}`),
		},
		{
			Name:        "list_servers",
			Description: "List configured backends with their lifecycle state.",
			InputSchema: emptyObjectSchema(),
		},
		{
			Name:        "server_status",
			Description: "Detailed per-backend status: state, tool count, uptime, last error.",
			InputSchema: emptyObjectSchema(),
		},
		{
			Name:        "audit_log",
			Description: "Query the audit trail, newest first.",
			InputSchema: schema(`{
				"type": "object",
				"properties": {
					"consumer": {"type": "string"},
					"server":   {"type": "string"},
					"tool":     {"type": "string"},
					"status":   {"type": "string", "enum": ["success", "error", "denied", "rate_limited"]},
					"since":    {"type": "string", "format": "date-time"},
					"until":    {"type": "string", "format": "date-time"},
					"limit":    {"type": "integer"},
					"offset":   {"type": "integer"}
				}
			}`),
		},
		{
			Name:        "audit_verify",
			Description: "Walk the audit hash chain and report whether it is intact.",
			InputSchema: emptyObjectSchema(),
		},
		{
			Name:        "audit_stats",
			Description: "Aggregate audit counts by status and backend.",
			InputSchema: emptyObjectSchema(),
		},
		{
			Name:        "usage",
			Description: "Summarize metered calls, optionally for one consumer.",
			InputSchema: schema(`{
				"type": "object",
				"properties": {
					"consumer": {"type": "string"}
				}
			}`),
		},
	}
}

func schema(s string) json.RawMessage { return json.RawMessage(s) }

func emptyObjectSchema() json.RawMessage {
	return json.RawMessage(`{"type": "object", "properties": {}}`)
}
