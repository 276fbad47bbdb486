package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/kalambet/catalogd/internal/recompute"
)

// NewMCPServer creates an MCP server exposing pass control and catalog
// status as tools.
func NewMCPServer(deps Deps) *server.MCPServer {
	s := server.NewMCPServer(
		"catalogd",
		deps.Version,
		server.WithToolCapabilities(true),
		server.WithInstructions("catalogd keeps embeddings, TF-IDF vectors, cluster labels and images of the book catalog up to date."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("trigger_pass",
			mcp.WithDescription("Run a recomputation task now instead of waiting for its schedule."),
			mcp.WithString("task", mcp.Description("Task name, e.g. vectors-watch or cluster-full"), mcp.Required()),
		),
		mcpTriggerPass(deps),
	)

	s.AddTool(
		mcp.NewTool("pass_status",
			mcp.WithDescription("Show every task with its last pass, and the most recent pass reports."),
			mcp.WithString("task", mcp.Description("Only report passes of this task")),
			mcp.WithNumber("limit", mcp.Description("Maximum number of pass reports (default 10)")),
		),
		mcpPassStatus(deps),
	)

	s.AddTool(
		mcp.NewTool("catalog_stats",
			mcp.WithDescription("Count catalog rows and how many of them have each derived artifact."),
		),
		mcpCatalogStats(deps),
	)

	return s
}

func mcpTriggerPass(deps Deps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		task, err := req.RequireString("task")
		if err != nil {
			return mcpError("task is required"), nil
		}
		if err := deps.Tasks.Trigger(task); err != nil {
			if errors.Is(err, recompute.ErrUnknownTask) {
				return mcpError(fmt.Sprintf("unknown task %q", task)), nil
			}
			return mcpError(fmt.Sprintf("trigger failed: %v", err)), nil
		}
		return mcpText(fmt.Sprintf("Triggered %s", task)), nil
	}
}

func mcpPassStatus(deps Deps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		limit := req.GetInt("limit", 10)
		if limit <= 0 {
			limit = 10
		}
		if limit > 100 {
			limit = 100
		}
		task := req.GetString("task", "")

		passes := deps.Tasks.Passes(0)
		recent := make([]recompute.PassReport, 0, limit)
		for _, p := range passes {
			if len(recent) == limit {
				break
			}
			if task == "" || p.Task == task {
				recent = append(recent, p)
			}
		}

		b, err := json.Marshal(map[string]any{
			"tasks":  deps.Tasks.Tasks(),
			"passes": recent,
		})
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal status: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpCatalogStats(deps Deps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		stats, err := deps.Catalog.Stats(ctx)
		if err != nil {
			return mcpError(fmt.Sprintf("reading stats: %v", err)), nil
		}
		b, err := json.Marshal(stats)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal stats: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
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
