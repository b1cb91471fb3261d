package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/kalambet/exhibit/internal/ledger"
	"github.com/kalambet/exhibit/internal/processor"
	"github.com/kalambet/exhibit/internal/storage"
)

// recentLimit is how many jobs evidence://recent lists.
const recentLimit = 10

// MCPDeps holds dependencies for the MCP server. Archive is optional.
type MCPDeps struct {
	Jobs      Jobs
	Processor Submitter
	Archive   Archive
}

// NewMCPServer creates an MCP server with the evidence tools and resources
// registered.
func NewMCPServer(deps MCPDeps) *server.MCPServer {
	s := server.NewMCPServer(
		"exhibit",
		Version,
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(false, true),
		server.WithInstructions("exhibit: forensic analysis of video evidence. Submit a video by path, poll its status, then read the summary."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("submit_evidence",
			mcp.WithDescription("Queue a local video file for forensic analysis and return its evidence id."),
			mcp.WithString("path", mcp.Description("Absolute path of the video file"), mcp.Required()),
			mcp.WithString("device_id", mcp.Description("Recording device identifier (default \"unknown\")")),
			mcp.WithString("evidence_type", mcp.Description("Evidence type (default \"video\")")),
			mcp.WithString("location", mcp.Description("Where the recording was made")),
		),
		mcpSubmitEvidence(deps),
	)

	s.AddTool(
		mcp.NewTool("evidence_status",
			mcp.WithDescription("Report the status and progress of an evidence job."),
			mcp.WithString("id", mcp.Description("Evidence id returned by submit_evidence"), mcp.Required()),
		),
		mcpEvidenceStatus(deps),
	)

	s.AddTool(
		mcp.NewTool("evidence_result",
			mcp.WithDescription("Return the forensic summary of a completed evidence job."),
			mcp.WithString("id", mcp.Description("Evidence id returned by submit_evidence"), mcp.Required()),
		),
		mcpEvidenceResult(deps),
	)

	s.AddResource(
		mcp.NewResource(
			"evidence://recent",
			"Recent Evidence",
			mcp.WithResourceDescription("The 10 most recently submitted evidence jobs"),
			mcp.WithMIMEType("application/json"),
		),
		mcpResourceRecent(deps),
	)

	return s
}

func mcpSubmitEvidence(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		path, err := req.RequireString("path")
		if err != nil || path == "" {
			return mcpError("path is required"), nil
		}

		id, err := deps.Processor.Submit(ctx, processor.Request{
			Path:         path,
			DeviceID:     req.GetString("device_id", "unknown"),
			EvidenceType: req.GetString("evidence_type", "video"),
			Location:     req.GetString("location", ""),
		})
		if err != nil {
			return mcpError(fmt.Sprintf("submit failed: %v", err)), nil
		}
		return mcpText(fmt.Sprintf("Submitted evidence %s", id)), nil
	}
}

func mcpEvidenceStatus(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id, err := req.RequireString("id")
		if err != nil {
			return mcpError("id is required"), nil
		}

		job, err := deps.Jobs.Get(id)
		if errors.Is(err, ledger.ErrNotFound) {
			if rec, aerr := archived(ctx, deps.Archive, id); aerr == nil {
				return mcpJSON(map[string]any{
					"evidence_id": rec.ID,
					"status":      ledger.StatusCompleted,
					"progress":    1.0,
					"archived":    true,
				})
			}
			return mcpError(fmt.Sprintf("evidence %s not found", id)), nil
		}
		if err != nil {
			return mcpError(fmt.Sprintf("status failed: %v", err)), nil
		}
		return mcpJSON(newProgressView(job))
	}
}

func mcpEvidenceResult(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id, err := req.RequireString("id")
		if err != nil {
			return mcpError("id is required"), nil
		}

		job, err := deps.Jobs.Get(id)
		switch {
		case err == nil:
		case errors.Is(err, ledger.ErrNotFound):
			rec, aerr := archived(ctx, deps.Archive, id)
			if aerr != nil {
				return mcpError(fmt.Sprintf("evidence %s not found", id)), nil
			}
			return mcpJSON(envelopeFromRecord(rec))
		default:
			return mcpError(fmt.Sprintf("result failed: %v", err)), nil
		}

		switch job.Status {
		case ledger.StatusCompleted:
			if job.Result == nil {
				return mcpError("completed job has no summary"), nil
			}
			return mcpJSON(envelopeFromJob(job))
		case ledger.StatusFailed:
			return mcpError(fmt.Sprintf("processing failed: %s", job.Error)), nil
		default:
			return mcpText(fmt.Sprintf("Evidence %s is %s (%.0f%%)", id, job.Status, job.Progress*100)), nil
		}
	}
}

func archived(ctx context.Context, a Archive, id string) (storage.EvidenceRecord, error) {
	if a == nil {
		return storage.EvidenceRecord{}, storage.ErrNotFound
	}
	return a.GetEvidence(ctx, id)
}

func mcpResourceRecent(deps MCPDeps) server.ResourceHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		_, total := deps.Jobs.List(ledger.ListFilter{Limit: 1})
		jobs, _ := deps.Jobs.List(ledger.ListFilter{Offset: max(total-recentLimit, 0)})
		slices.Reverse(jobs)

		views := make([]progressView, len(jobs))
		for i, j := range jobs {
			views[i] = newProgressView(j)
		}

		b, err := json.Marshal(views)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal jobs: %w", err)
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
	b, err := json.Marshal(v)
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
