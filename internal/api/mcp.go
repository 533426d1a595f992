package api

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/cotrain/offlineq/internal/drain"
	"github.com/cotrain/offlineq/internal/submit"
)

// MCPDeps holds dependencies for the MCP server.
type MCPDeps struct {
	Engine    *drain.Engine
	Submitter *submit.Submitter
}

// NewMCPServer creates an MCP server exposing queue inspection and control.
func NewMCPServer(deps MCPDeps, version string) *server.MCPServer {
	s := server.NewMCPServer(
		"offlineq",
		version,
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(false, true),
		server.WithInstructions("offlineq holds mutating API calls made while offline and replays them when connectivity returns."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("queue_stats",
			mcp.WithDescription("Return counts of queued actions by retry state, plus processing and connectivity flags."),
		),
		mcpQueueStats(deps),
	)

	s.AddTool(
		mcp.NewTool("list_queue",
			mcp.WithDescription("List queued actions in execution order."),
			mcp.WithNumber("limit", mcp.Description("Maximum number of actions to return (default all)")),
		),
		mcpListQueue(deps),
	)

	s.AddTool(
		mcp.NewTool("process_queue",
			mcp.WithDescription("Run one drain pass now. Does nothing when offline, empty, or a pass is already running."),
		),
		mcpProcessQueue(deps),
	)

	s.AddTool(
		mcp.NewTool("remove_action",
			mcp.WithDescription("Remove a queued action by id."),
			mcp.WithString("id", mcp.Description("Action id"), mcp.Required()),
		),
		mcpRemoveAction(deps),
	)

	s.AddTool(
		mcp.NewTool("clear_queue",
			mcp.WithDescription("Drop every queued action."),
		),
		mcpClearQueue(deps),
	)

	s.AddTool(
		mcp.NewTool("queue_api_call",
			mcp.WithDescription("Queue an API call for delivery. Relative endpoints resolve against the configured backend."),
			mcp.WithString("endpoint", mcp.Description("Absolute URL or path such as /api/items"), mcp.Required()),
			mcp.WithString("method", mcp.Description("HTTP method (default GET)")),
			mcp.WithString("body", mcp.Description("Request body, usually JSON")),
			mcp.WithString("description", mcp.Description("Human-readable label shown in the queue")),
		),
		mcpQueueAPICall(deps),
	)

	s.AddResource(
		mcp.NewResource(
			"queue://status",
			"Queue Status",
			mcp.WithResourceDescription("Processing flag, connectivity and queue stats as JSON"),
			mcp.WithMIMEType("application/json"),
		),
		mcpResourceStatus(deps),
	)

	return s
}

func mcpQueueStats(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		return mcpJSON(currentStatus(deps.Engine))
	}
}

func mcpListQueue(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		actions := deps.Engine.Queue()
		if limit := req.GetInt("limit", 0); limit > 0 && limit < len(actions) {
			actions = actions[:limit]
		}
		return mcpJSON(actions)
	}
}

func mcpProcessQueue(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		res, ran := deps.Engine.Process(ctx)
		if !ran {
			return mcpText("No drain pass ran: offline, queue empty, or a pass is already in progress."), nil
		}
		return mcpJSON(res)
	}
}

func mcpRemoveAction(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id, err := req.RequireString("id")
		if err != nil {
			return mcpError("id is required"), nil
		}
		if !deps.Engine.Remove(ctx, id) {
			return mcpError(fmt.Sprintf("action %s is not queued", id)), nil
		}
		return mcpText(fmt.Sprintf("Removed action %s", id)), nil
	}
}

func mcpClearQueue(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		n := deps.Engine.Clear(ctx)
		return mcpText(fmt.Sprintf("Removed %d queued actions", n)), nil
	}
}

func mcpQueueAPICall(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		endpoint, err := req.RequireString("endpoint")
		if err != nil {
			return mcpError("endpoint is required"), nil
		}
		id, err := deps.Submitter.QueueAPICall(ctx, endpoint, submit.APIOptions{
			Method:      req.GetString("method", ""),
			Body:        req.GetString("body", ""),
			Description: req.GetString("description", ""),
		})
		if err != nil {
			return mcpError(fmt.Sprintf("failed to queue: %v", err)), nil
		}
		return mcpText(fmt.Sprintf("Queued action %s", id)), nil
	}
}

func mcpResourceStatus(deps MCPDeps) server.ResourceHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		b, err := json.Marshal(currentStatus(deps.Engine))
		if err != nil {
			return nil, fmt.Errorf("marshaling status: %w", err)
		}
		return []mcp.ResourceContents{
			mcp.TextResourceContents{
				URI:      req.Params.URI,
				MIMEType: "application/json",
				Text:     string(b),
			},
		}, nil
	}
}

func mcpJSON(v any) (*mcp.CallToolResult, error) {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return mcpError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcpText(string(b)), nil
}

func mcpText(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: text},
		},
	}
}

func mcpError(msg string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}
