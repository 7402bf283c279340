package mcp

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"testheal/internal/llm"
	"testheal/internal/storage"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTools(t *testing.T) (*Tools, *storage.History) {
	t.Helper()
	db, err := storage.InitDB(filepath.Join(t.TempDir(), "data"))
	require.NoError(t, err)
	h := storage.NewHistory(db)
	t.Cleanup(func() { h.Close() })
	return &Tools{History: h, ReportDir: t.TempDir()}, h
}

func call(args map[string]any) mcp.CallToolRequest {
	var req mcp.CallToolRequest
	req.Params.Arguments = args
	return req
}

func text(t *testing.T, res *mcp.CallToolResult) string {
	t.Helper()
	require.NotNil(t, res)
	require.NotEmpty(t, res.Content)
	tc, ok := res.Content[0].(mcp.TextContent)
	require.True(t, ok, "expected text content, got %T", res.Content[0])
	return tc.Text
}

func TestQueryHistory(t *testing.T) {
	tools, h := newTools(t)
	ctx := context.Background()
	now := time.Now()

	_, err := h.SaveAttempt(ctx, storage.Attempt{TestID: "app.TestLogin", Outcome: storage.OutcomeHealed, Confidence: 0.9, Timestamp: now})
	require.NoError(t, err)
	_, err = h.SaveAttempt(ctx, storage.Attempt{TestID: "app.TestCart", Outcome: storage.OutcomeNotReady, Timestamp: now.Add(-2 * time.Hour)})
	require.NoError(t, err)

	res, err := tools.queryHistory(ctx, call(map[string]any{"test_id": "app.TestLogin"}))
	require.NoError(t, err)
	var got []storage.Attempt
	require.NoError(t, json.Unmarshal([]byte(text(t, res)), &got))
	require.Len(t, got, 1)
	assert.Equal(t, storage.OutcomeHealed, got[0].Outcome)

	res, err = tools.queryHistory(ctx, call(map[string]any{"since": "1h"}))
	require.NoError(t, err)
	got = nil
	require.NoError(t, json.Unmarshal([]byte(text(t, res)), &got))
	assert.Len(t, got, 1)

	res, err = tools.queryHistory(ctx, call(map[string]any{"since": "yesterday"}))
	require.NoError(t, err)
	assert.True(t, res.IsError)
}

func TestFindSimilarFailures(t *testing.T) {
	tools, h := newTools(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := h.SaveAttempt(ctx, storage.Attempt{
			TestID:       "app.TestLogin",
			ErrorType:    "ElementNotFound",
			ErrorMessage: `element not found: click "#submit" within 10s`,
			Outcome:      storage.OutcomeHealed,
		})
		require.NoError(t, err)
	}
	_, err := h.SaveAttempt(ctx, storage.Attempt{TestID: "app.TestLogin", ErrorType: "Timeout", ErrorMessage: "context deadline exceeded", Outcome: storage.OutcomeHealed})
	require.NoError(t, err)

	res, err := tools.findSimilar(ctx, call(map[string]any{
		"test_id":       "app.TestLogin",
		"error_type":    "ElementNotFound",
		"error_message": `element not found: click "#submit" within 10s`,
		"limit":         float64(2),
	}))
	require.NoError(t, err)

	var got struct {
		Signature string            `json:"signature"`
		Attempts  []storage.Attempt `json:"attempts"`
	}
	require.NoError(t, json.Unmarshal([]byte(text(t, res)), &got))
	assert.Len(t, got.Attempts, 2)
	assert.Len(t, got.Signature, 16)

	res, err = tools.findSimilar(ctx, call(map[string]any{"test_id": "app.TestLogin"}))
	require.NoError(t, err)
	assert.True(t, res.IsError)
}

func TestGetHealingReport(t *testing.T) {
	tools, h := newTools(t)
	ctx := context.Background()

	path := filepath.Join(tools.ReportDir, "TestLogin_20260301_093000_analysis.md")
	require.NoError(t, os.WriteFile(path, []byte("# AI Healing Analysis\n"), 0o644))

	id, err := h.SaveAttempt(ctx, storage.Attempt{TestID: "app.TestLogin", Outcome: storage.OutcomeHealed, ReportPath: path})
	require.NoError(t, err)
	skipped, err := h.SaveAttempt(ctx, storage.Attempt{TestID: "app.TestLogin", Outcome: storage.OutcomeNoResponse})
	require.NoError(t, err)

	for _, ref := range []string{id, "TestLogin", path} {
		res, err := tools.getReport(ctx, call(map[string]any{"ref": ref}))
		require.NoError(t, err)
		assert.Equal(t, "# AI Healing Analysis\n", text(t, res), "ref %s", ref)
	}

	res, err := tools.getReport(ctx, call(map[string]any{"ref": skipped}))
	require.NoError(t, err)
	assert.True(t, res.IsError)

	res, err = tools.getReport(ctx, call(map[string]any{"ref": "TestMissing"}))
	require.NoError(t, err)
	assert.True(t, res.IsError)
}

func TestGetHealingReport_OnlyServesReportDir(t *testing.T) {
	tools, h := newTools(t)
	ctx := context.Background()

	outside := t.TempDir()
	secret := filepath.Join(outside, "secret.txt")
	require.NoError(t, os.WriteFile(secret, []byte("TOP-SECRET"), 0o600))
	foreign := filepath.Join(outside, "TestLogin_20260301_093000_analysis.md")
	require.NoError(t, os.WriteFile(foreign, []byte("TOP-SECRET"), 0o600))
	inside := filepath.Join(tools.ReportDir, "notes.txt")
	require.NoError(t, os.WriteFile(inside, []byte("TOP-SECRET"), 0o600))

	rel, err := filepath.Rel(tools.ReportDir, foreign)
	require.NoError(t, err)

	id, err := h.SaveAttempt(ctx, storage.Attempt{TestID: "app.TestLogin", Outcome: storage.OutcomeHealed, ReportPath: foreign})
	require.NoError(t, err)

	for _, ref := range []string{secret, foreign, rel, inside, "notes.txt", "..", id} {
		res, err := tools.getReport(ctx, call(map[string]any{"ref": ref}))
		require.NoError(t, err)
		assert.True(t, res.IsError, "ref %s", ref)
		assert.NotContains(t, text(t, res), "TOP-SECRET", "ref %s", ref)
	}
}

func TestParseHealingResponse(t *testing.T) {
	tools, _ := newTools(t)

	res, err := tools.parseResponse(context.Background(), call(map[string]any{
		"text": "Sure!\n```json\n{\"analysis\":\"a\",\"root_cause\":\"b\",\"confidence\":0.9}\n```",
	}))
	require.NoError(t, err)

	var got llm.Result
	require.NoError(t, json.Unmarshal([]byte(text(t, res)), &got))
	assert.Equal(t, llm.StatusParsed, got.Status)
	assert.Equal(t, "b", got.Response.RootCause)
	assert.InDelta(t, 0.9, got.Response.Confidence, 1e-9)
}

func TestHealingStats(t *testing.T) {
	tools, h := newTools(t)
	ctx := context.Background()
	_, err := h.SaveAttempt(ctx, storage.Attempt{TestID: "a", Outcome: storage.OutcomeHealed, Confidence: 0.5})
	require.NoError(t, err)

	res, err := tools.stats(ctx, call(nil))
	require.NoError(t, err)
	var st storage.Stats
	require.NoError(t, json.Unmarshal([]byte(text(t, res)), &st))
	assert.Equal(t, 1, st.Total)
	assert.Equal(t, 1, st.ByOutcome[storage.OutcomeHealed])
}

func TestNewServerRegistersTools(t *testing.T) {
	tools, _ := newTools(t)
	s := NewServer(tools, "test")
	ctx := context.Background()

	s.HandleMessage(ctx, []byte(`{"jsonrpc":"2.0","id":1,"method":"initialize","params":{"protocolVersion":"2024-11-05","capabilities":{},"clientInfo":{"name":"test","version":"1"}}}`))
	resp := s.HandleMessage(ctx, []byte(`{"jsonrpc":"2.0","id":2,"method":"tools/list"}`))
	data, err := json.Marshal(resp)
	require.NoError(t, err)

	for _, name := range []string{"query_healing_history", "find_similar_failures", "get_healing_report", "parse_healing_response", "healing_stats"} {
		assert.Contains(t, string(data), name)
	}
}
