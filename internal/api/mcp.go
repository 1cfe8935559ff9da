package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/docketloop/docket/internal/pipeline"
	"github.com/docketloop/docket/internal/storage"
)

// MCPDeps holds dependencies for the MCP review tools.
type MCPDeps struct {
	Queue    QueueReader
	Pipeline PipelineRunner
	Review   Reviewer
}

// NewMCPServer creates an MCP server exposing the review workflow to agent
// clients: inspect the queue, run an analysis, read a case, confirm it.
func NewMCPServer(deps MCPDeps) *server.MCPServer {
	s := server.NewMCPServer(
		"docket",
		"1.0.0",
		server.WithToolCapabilities(true),
		server.WithInstructions("docket — legal document analysis queue: review pending analyses, re-run them, and confirm results with feedback."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("review_queue",
			mcp.WithDescription("List queue entries awaiting review, optionally filtered by status."),
			mcp.WithString("status", mcp.Description("Status filter: pending, processing, processed, error, completed, deleted")),
			mcp.WithNumber("limit", mcp.Description("Maximum entries returned (default 20)")),
		),
		mcpReviewQueue(deps),
	)

	s.AddTool(
		mcp.NewTool("analyze_document",
			mcp.WithDescription("Run the analysis pipeline for one queue entry and return its result."),
			mcp.WithString("id", mcp.Description("Queue entry id"), mcp.Required()),
			mcp.WithBoolean("reanalyze", mcp.Description("Force a fresh analysis even if a result is stored")),
		),
		mcpAnalyzeDocument(deps),
	)

	s.AddTool(
		mcp.NewTool("case_detail",
			mcp.WithDescription("Return the denormalized detail view of a case."),
			mcp.WithString("id", mcp.Description("Case id"), mcp.Required()),
		),
		mcpCaseDetail(deps),
	)

	s.AddTool(
		mcp.NewTool("confirm_case",
			mcp.WithDescription("Confirm a processed analysis with reviewer feedback, making it a reference for future analyses."),
			mcp.WithString("id", mcp.Description("Case id"), mcp.Required()),
			mcp.WithString("feedback", mcp.Description("Reviewer feedback text"), mcp.Required()),
		),
		mcpConfirmCase(deps),
	)

	return s
}

func mcpReviewQueue(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		var statuses []string
		if status := req.GetString("status", ""); status != "" {
			if !storage.KnownStatus(status) {
				return mcpError(fmt.Sprintf("unknown status %q", status)), nil
			}
			statuses = []string{status}
		}

		limit := req.GetInt("limit", 20)
		if limit <= 0 {
			limit = 20
		}
		if limit > 100 {
			limit = 100
		}

		entries, err := deps.Queue.ListByStatus(statuses, "asc", limit)
		if err != nil {
			return mcpError(fmt.Sprintf("listing queue failed: %v", err)), nil
		}

		items := make([]queueItem, len(entries))
		for i, e := range entries {
			items[i] = queueItem{
				ID:          e.ID,
				Filename:    e.Filename,
				Status:      e.Status,
				ErrorReason: e.ErrorReason,
				CreatedAt:   e.CreatedAt.Format(time.RFC3339),
				UpdatedAt:   e.UpdatedAt.Format(time.RFC3339),
			}
		}

		b, err := json.Marshal(items)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal queue: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpAnalyzeDocument(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id, err := req.RequireString("id")
		if err != nil {
			return mcpError("id is required"), nil
		}
		reanalyze := req.GetBool("reanalyze", false)

		results, err := deps.Pipeline.Run(ctx, pipeline.RunOptions{EntryID: id, Reanalyze: reanalyze})
		if errors.Is(err, storage.ErrNotFound) {
			return mcpError(fmt.Sprintf("entry %s not found", id)), nil
		}
		if err != nil {
			return mcpError(fmt.Sprintf("analysis failed: %v", err)), nil
		}

		b, err := json.Marshal(results[0])
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal result: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpCaseDetail(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id, err := req.RequireString("id")
		if err != nil {
			return mcpError("id is required"), nil
		}

		detail, err := deps.Review.Detail(ctx, id)
		if errors.Is(err, storage.ErrNotFound) {
			return mcpError(fmt.Sprintf("case %s not found", id)), nil
		}
		if err != nil {
			return mcpError(fmt.Sprintf("loading case failed: %v", err)), nil
		}

		b, err := json.Marshal(detail)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal detail: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpConfirmCase(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id, err := req.RequireString("id")
		if err != nil {
			return mcpError("id is required"), nil
		}
		feedback, err := req.RequireString("feedback")
		if err != nil {
			return mcpError("feedback is required"), nil
		}

		if err := deps.Review.Confirm(ctx, id, feedback); err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				return mcpError(fmt.Sprintf("case %s not found", id)), nil
			}
			return mcpError(fmt.Sprintf("confirming case failed: %v", err)), nil
		}
		return mcpText(fmt.Sprintf("Case %s confirmed", id)), nil
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
