package mcp

import (
	"context"
	"encoding/json"
	"os"
	"time"

	"testheal/internal/llm"
	"testheal/internal/report"
	"testheal/internal/storage"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
)

func (t *Tools) register(s *server.MCPServer) {
	s.AddTool(mcp.NewTool("query_healing_history",
		mcp.WithDescription("List recorded healing attempts, newest first. Each attempt has the test, error, outcome, confidence, root cause and artifact paths."),
		mcp.WithString("test_id",
			mcp.Description("Only attempts for this test identity (package.TestName)"),
		),
		mcp.WithString("outcome",
			mcp.Description("Only this outcome: healed, skipped-not-ready, no-response, skipped-no-context, failed"),
		),
		mcp.WithString("since",
			mcp.Description("Time range like '1h', '30m' to filter recent attempts"),
		),
		mcp.WithNumber("limit",
			mcp.Description("Maximum number of results to return (default: 20)"),
		),
	), t.queryHistory)

	s.AddTool(mcp.NewTool("find_similar_failures",
		mcp.WithDescription("Find earlier healing attempts for the same test and error. Useful to see whether a failure is recurring and what was suggested before."),
		mcp.WithString("test_id",
			mcp.Required(),
			mcp.Description("Test identity the failure belongs to"),
		),
		mcp.WithString("error_message",
			mcp.Required(),
			mcp.Description("The failure's error message"),
		),
		mcp.WithString("error_type",
			mcp.Description("Error type, e.g. ElementNotFound"),
		),
		mcp.WithNumber("limit",
			mcp.Description("Maximum similar attempts to return (default: 5)"),
		),
	), t.findSimilar)

	s.AddTool(mcp.NewTool("get_healing_report",
		mcp.WithDescription("Return the markdown healing report for an attempt ID, a report file name, or the newest report of a test."),
		mcp.WithString("ref",
			mcp.Required(),
			mcp.Description("Attempt ID, report path or file name, or test name"),
		),
	), t.getReport)

	s.AddTool(mcp.NewTool("parse_healing_response",
		mcp.WithDescription("Run the healing response parser on a raw model reply and return the structured result with its parse status."),
		mcp.WithString("text",
			mcp.Required(),
			mcp.Description("Raw model reply"),
		),
	), t.parseResponse)

	s.AddTool(mcp.NewTool("healing_stats",
		mcp.WithDescription("Counts of healing attempts per outcome, average confidence and how many produced a healed test."),
	), t.stats)
}

func (t *Tools) queryHistory(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := req.GetArguments()

	f := storage.Filter{Limit: 20}
	if v, ok := args["test_id"].(string); ok {
		f.TestID = v
	}
	if v, ok := args["outcome"].(string); ok {
		f.Outcome = storage.Outcome(v)
	}
	if v, ok := args["limit"].(float64); ok && v > 0 {
		f.Limit = int(v)
	}
	if v, ok := args["since"].(string); ok && v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return mcp.NewToolResultError("invalid since: " + err.Error()), nil
		}
		f.Since = time.Now().Add(-d)
	}

	items, err := t.History.Attempts(ctx, f)
	if err != nil {
		return mcp.NewToolResultError("query failed: " + err.Error()), nil
	}
	return jsonResult(items)
}

func (t *Tools) findSimilar(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := req.GetArguments()

	testID, _ := args["test_id"].(string)
	message, _ := args["error_message"].(string)
	if testID == "" || message == "" {
		return mcp.NewToolResultError("test_id and error_message are required"), nil
	}
	errType, _ := args["error_type"].(string)

	limit := 5
	if l, ok := args["limit"].(float64); ok && l > 0 {
		limit = int(l)
	}

	sig := storage.GenerateErrorSignature(testID, errType, message)
	items, err := t.History.Attempts(ctx, storage.Filter{Signature: sig, Limit: limit})
	if err != nil {
		return mcp.NewToolResultError("query failed: " + err.Error()), nil
	}
	return jsonResult(map[string]any{
		"signature": sig,
		"attempts":  items,
	})
}

func (t *Tools) getReport(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	ref, _ := req.GetArguments()["ref"].(string)
	if ref == "" {
		return mcp.NewToolResultError("ref is required"), nil
	}

	path := ""
	if t.History != nil {
		if a, err := t.History.GetAttempt(ctx, ref); err == nil && a != nil {
			if a.ReportPath == "" {
				return mcp.NewToolResultError("attempt " + ref + " has no report (" + string(a.Outcome) + ")"), nil
			}
			p, err := report.Resolve(t.ReportDir, a.ReportPath)
			if err != nil {
				return mcp.NewToolResultError(err.Error()), nil
			}
			path = p
		}
	}
	if path == "" {
		p, err := report.Find(t.ReportDir, ref)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		path = p
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return mcp.NewToolResultError("read report: " + err.Error()), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}

func (t *Tools) parseResponse(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	text, _ := req.GetArguments()["text"].(string)
	return jsonResult(llm.Parse(text).Result())
}

func (t *Tools) stats(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	st, err := t.History.Stats(ctx)
	if err != nil {
		return mcp.NewToolResultError("stats failed: " + err.Error()), nil
	}
	return jsonResult(st)
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return mcp.NewToolResultError("encode result: " + err.Error()), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}
