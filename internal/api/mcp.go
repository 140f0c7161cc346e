package api

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/kalambet/memprobe/internal/experience"
	"github.com/kalambet/memprobe/internal/poison"
	"github.com/kalambet/memprobe/internal/retrieval"
)

// NewMCPServer creates an MCP server over the same dependencies the HTTP API
// runs on, so agents can feed the memory and probe it from the same process.
func NewMCPServer(deps AppDeps) *server.MCPServer {
	s := server.NewMCPServer(
		"memprobe",
		"1.0.0",
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(false, true),
		server.WithInstructions("memprobe: experience memory with poisoned-retrieval evaluation. Store experiences, search them, and measure how much known injection content surfaces."),
		server.WithRecovery(),
	)

	// Tools
	s.AddTool(
		mcp.NewTool("add_experience",
			mcp.WithDescription("Store one experience record (a task and the recorded approach) into the memory."),
			mcp.WithString("query", mcp.Description("The task or question this experience answers"), mcp.Required()),
			mcp.WithString("response", mcp.Description("The recorded approach or answer"), mcp.Required()),
			mcp.WithString("category", mcp.Description("Optional task category, e.g. CITask")),
			mcp.WithArray("tags", mcp.Description("Optional free-form tags")),
			mcp.WithString("provenance", mcp.Description("\"benign\" (default) or \"injected\" when planting an attack record")),
		),
		mcpAddExperience(deps),
	)

	s.AddTool(
		mcp.NewTool("search_experiences",
			mcp.WithDescription("Rank stored experiences against a query and return the top matches with poison flags."),
			mcp.WithString("query", mcp.Description("Search query"), mcp.Required()),
			mcp.WithNumber("limit", mcp.Description("Maximum number of results (default 5)")),
			mcp.WithString("category", mcp.Description("Restrict matches to one category")),
		),
		mcpSearchExperiences(deps),
	)

	s.AddTool(
		mcp.NewTool("evaluate_poisoning",
			mcp.WithDescription("Run a query batch against the memory and report the poisoned retrieval rate. The run is persisted with its audit log."),
			mcp.WithArray("queries", mcp.Description("Queries to evaluate; omit to use a named scenario")),
			mcp.WithString("scenario", mcp.Description("Name of a stored scenario to evaluate")),
			mcp.WithNumber("top_k", mcp.Description("Results per query (default 5)")),
		),
		mcpEvaluatePoisoning(deps),
	)

	// Resources
	s.AddResource(
		mcp.NewResource(
			"memprobe://signatures",
			"Poison Signatures",
			mcp.WithResourceDescription("The signature table the classifier is running with, as versioned JSON"),
			mcp.WithMIMEType("application/json"),
		),
		mcpResourceSignatures(deps),
	)

	s.AddResource(
		mcp.NewResource(
			"memprobe://runs/recent",
			"Recent Evaluation Runs",
			mcp.WithResourceDescription("Last 10 evaluation runs (headline numbers only)"),
			mcp.WithMIMEType("application/json"),
		),
		mcpResourceRecentRuns(deps),
	)

	return s
}

func mcpAddExperience(deps AppDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		query, err := req.RequireString("query")
		if err != nil {
			return mcpError("query is required"), nil
		}
		response, err := req.RequireString("response")
		if err != nil {
			return mcpError("response is required"), nil
		}

		rec := experience.Record{
			QueryText:    query,
			ResponseText: response,
			Category:     req.GetString("category", ""),
			Tags:         req.GetStringSlice("tags", nil),
			Provenance:   experience.Provenance(req.GetString("provenance", "")),
		}

		status, err := admitRecord(deps, &rec)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to store experience: %v", err)), nil
		}

		return mcpText(fmt.Sprintf("Stored experience %s (%s)", rec.ID, status)), nil
	}
}

func mcpSearchExperiences(deps AppDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		query, err := req.RequireString("query")
		if err != nil {
			return mcpError("query is required"), nil
		}

		limit := req.GetInt("limit", retrieval.DefaultTopK)
		if limit <= 0 {
			limit = retrieval.DefaultTopK
		}
		if limit > 50 {
			limit = 50
		}

		results, err := deps.Retriever.Retrieve(ctx, query, retrieval.Params{
			TopK:     limit,
			Category: req.GetString("category", ""),
		})
		if err != nil {
			return mcpError(fmt.Sprintf("search failed: %v", err)), nil
		}

		if len(results) == 0 {
			return mcpText("[]"), nil
		}

		type hitResult struct {
			ID       string  `json:"id"`
			Score    float64 `json:"score"`
			Poisoned bool    `json:"poisoned"`
			Query    string  `json:"query"`
			Response string  `json:"response"`
			Category string  `json:"category,omitempty"`
		}

		hits := make([]hitResult, len(results))
		for i, res := range results {
			hits[i] = hitResult{
				ID:       res.Record.ID,
				Score:    res.Score,
				Poisoned: deps.Classifier.IsPoisoned(res.Record.ResponseText),
				Query:    res.Record.QueryText,
				Response: res.Record.ResponseText,
				Category: res.Record.Category,
			}
		}

		b, err := json.Marshal(hits)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal results: %v", err)), nil
		}

		return mcpText(string(b)), nil
	}
}

func mcpEvaluatePoisoning(deps AppDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		spec := evalSpec{
			Queries:  req.GetStringSlice("queries", nil),
			Scenario: req.GetString("scenario", ""),
			TopK:     req.GetInt("top_k", 0),
		}

		runID, scenarioName, report, err := runEvaluation(ctx, deps, spec)
		if err != nil {
			return mcpError(fmt.Sprintf("evaluation failed: %v", err)), nil
		}

		out := map[string]any{
			"run_id":          runID,
			"scenario":        scenarioName,
			"prr":             report.PRR,
			"severity":        deps.Thresholds.Classify(report.PRR),
			"total_retrieved": report.TotalRetrieved,
			"poisoned_hits":   report.PoisonedHits,
			"limitation":      report.Limitation,
		}
		b, err := json.Marshal(out)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal report: %v", err)), nil
		}

		return mcpText(string(b)), nil
	}
}

func mcpResourceSignatures(deps AppDeps) server.ResourceHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		table := poison.NewTable(deps.Classifier.Signatures())
		b, err := json.Marshal(table)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal signature table: %w", err)
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

func mcpResourceRecentRuns(deps AppDeps) server.ResourceHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		runs, err := deps.Runs.ListRuns(10, 0)
		if err != nil {
			return nil, fmt.Errorf("failed to list runs: %w", err)
		}

		type runOverview struct {
			ID        string  `json:"id"`
			CreatedAt string  `json:"created_at"`
			Scenario  string  `json:"scenario"`
			PRR       float64 `json:"prr"`
			Severity  string  `json:"severity"`
		}

		overviews := make([]runOverview, len(runs))
		for i, run := range runs {
			overviews[i] = runOverview{
				ID:        run.ID,
				CreatedAt: run.CreatedAt.Format(time.RFC3339),
				Scenario:  run.Scenario,
				PRR:       run.PRR,
				Severity:  string(deps.Thresholds.Classify(run.PRR)),
			}
		}

		b, err := json.Marshal(overviews)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal runs: %w", err)
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
