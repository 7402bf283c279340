package report

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"testheal/internal/capture"
	"testheal/internal/llm"

	"github.com/charmbracelet/x/ansi"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var reportTime = time.Date(2026, 3, 1, 14, 5, 9, 0, time.UTC)

func sampleInput(fix string) Input {
	return Input{
		Context: capture.FailureContext{
			TestID:         "shop/e2e.TestCheckout/guest",
			TestName:       "TestCheckout/guest",
			ErrorMessage:   `locator "#pay" click: element not found`,
			ErrorType:      "ElementNotFound",
			URL:            "http://localhost:8080/checkout",
			ScreenshotPath: "test_artifacts/allure/screenshots/TestCheckout_guest_20260301_140509_ai_healing.png",
		},
		Response: llm.HealingResponse{
			Analysis:        "The pay button was renamed.",
			RootCause:       "selector #pay no longer exists",
			Confidence:      0.82,
			SuggestedFix:    "Click #pay-now instead.",
			UpdatedTestCode: fix,
			Recommendations: "Use data-testid attributes.",
			Status:          llm.StatusParsed,
			Strategy:        "json-fence",
			RawText:         "```json\n{\"analysis\":\"The pay button was renamed.\"}\n```",
		},
		Model: "llama3.1:8b",
		At:    reportTime,
	}
}

func TestWriter_WritesReportAndHealedCode(t *testing.T) {
	dir := t.TempDir()
	w := NewWriter(dir, nil)

	art, err := w.Write(sampleInput("func TestCheckout(t *testing.T) {}"))
	require.NoError(t, err)

	assert.Equal(t, filepath.Join(dir, "TestCheckout_guest_20260301_140509_analysis.md"), art.ReportPath)
	assert.Equal(t, filepath.Join(dir, "TestCheckout_guest_20260301_140509_healed"), art.HealedPath)

	healed, err := os.ReadFile(art.HealedPath)
	require.NoError(t, err)
	assert.Equal(t, "func TestCheckout(t *testing.T) {}\n", string(healed))

	body, err := os.ReadFile(art.ReportPath)
	require.NoError(t, err)
	for _, want := range []string{
		"- **Test Name**: `TestCheckout/guest`",
		"- **Timestamp**: `20260301_140509`",
		"- **Model Used**: `llama3.1:8b`",
		"- **Confidence**: **82.0%**",
		"- **Parse Status**: `parsed` (json-fence)",
		"## Root Cause\n```\nselector #pay no longer exists\n```",
		"## Updated Test Code\n```go\nfunc TestCheckout(t *testing.T) {}\n```",
		"<details>",
	} {
		assert.Contains(t, string(body), want)
	}
}

func TestWriter_NoFixNoHealedFile(t *testing.T) {
	dir := t.TempDir()
	art, err := NewWriter(dir, nil).Write(sampleInput("  \n"))
	require.NoError(t, err)
	assert.Empty(t, art.HealedPath)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestWriter_SameNameSameSecondKeepsBoth(t *testing.T) {
	dir := t.TempDir()
	w := NewWriter(dir, nil)

	first := sampleInput("func TestCheckout(t *testing.T) {}")
	second := sampleInput("func TestCheckout(t *testing.T) { t.Skip() }")
	second.Context.TestID = "shop/admin.TestCheckout/guest"

	a, err := w.Write(first)
	require.NoError(t, err)
	b, err := w.Write(second)
	require.NoError(t, err)

	assert.Equal(t, filepath.Join(dir, "TestCheckout_guest_20260301_140509-2_analysis.md"), b.ReportPath)
	assert.Equal(t, filepath.Join(dir, "TestCheckout_guest_20260301_140509-2_healed"), b.HealedPath)

	healed, err := os.ReadFile(a.HealedPath)
	require.NoError(t, err)
	assert.Equal(t, "func TestCheckout(t *testing.T) {}\n", string(healed))

	got, err := Find(dir, "TestCheckout/guest")
	require.NoError(t, err)
	assert.Equal(t, b.ReportPath, got)
}

func TestWriter_UnwritableDir(t *testing.T) {
	file := filepath.Join(t.TempDir(), "not-a-dir")
	require.NoError(t, os.WriteFile(file, nil, 0o644))

	_, err := NewWriter(file, nil).Write(sampleInput(""))
	assert.Error(t, err)
}

func TestMarkdown_RawResponseFenceIsLongerThanContent(t *testing.T) {
	md := Markdown(sampleInput(""))
	assert.Contains(t, md, "````\n```json\n")
	assert.Contains(t, md, "\n```\n````\n</details>")
}

func TestFenceFor(t *testing.T) {
	assert.Equal(t, "```", fenceFor("plain"))
	assert.Equal(t, "````", fenceFor("has ``` inside"))
	assert.Equal(t, "``````", fenceFor("`````"))
}

func TestSummary_ConfidenceNote(t *testing.T) {
	art := Artifacts{ReportPath: "reports/x_analysis.md", HealedPath: "reports/x_healed"}

	high := ansi.Strip(Summary(sampleInput("code"), art, 0.7, 80))
	assert.Contains(t, high, HighConfidenceNote)
	assert.Contains(t, high, "Confidence: 82.0%")
	assert.Contains(t, high, "Healed Test: reports/x_healed")

	low := ansi.Strip(Summary(sampleInput("code"), art, 0.9, 80))
	assert.Contains(t, low, LowConfidenceNote)
}

func TestStatusLine(t *testing.T) {
	line := ansi.Strip(StatusLine("shop.TestPay", 0.5, 0.7, "reports/p_analysis.md"))
	assert.Equal(t, "healed shop.TestPay 50.0% reports/p_analysis.md", line)
}

func TestSummary_FitsWidth(t *testing.T) {
	in := sampleInput("")
	in.Response.RootCause = strings.Repeat("the selector changed after the redesign ", 10)

	out := Summary(in, Artifacts{}, 0.7, 60)
	for _, line := range strings.Split(out, "\n") {
		assert.LessOrEqual(t, ansi.StringWidth(line), 62, line)
	}
}

func TestTruncateAndPad(t *testing.T) {
	assert.Equal(t, "short", Truncate("short", 10))
	assert.Equal(t, "abcd...", Truncate("abcdefghij", 7))
	assert.Equal(t, "..", Truncate("abcdefghij", 2))
	assert.Equal(t, "ab   ", Pad("ab", 5))
	assert.Equal(t, "abcdef", Pad("abcdef", 3))
}

func TestRender(t *testing.T) {
	out, err := Render("# Title\n\nSome **bold** text.", 60, "notty")
	require.NoError(t, err)
	assert.Contains(t, out, "Title")
	assert.Contains(t, out, "bold")
}

func TestFindAndList(t *testing.T) {
	dir := t.TempDir()
	w := NewWriter(dir, nil)

	older := sampleInput("")
	_, err := w.Write(older)
	require.NoError(t, err)

	newer := sampleInput("")
	newer.At = reportTime.Add(time.Hour)
	newerArt, err := w.Write(newer)
	require.NoError(t, err)

	// Same prefix, different test.
	other := sampleInput("")
	other.Context.TestName = "TestCheckout/guest_extra"
	_, err = w.Write(other)
	require.NoError(t, err)

	got, err := Find(dir, "TestCheckout/guest")
	require.NoError(t, err)
	assert.Equal(t, newerArt.ReportPath, got)

	got, err = Find(dir, filepath.Base(newerArt.ReportPath))
	require.NoError(t, err)
	assert.Equal(t, newerArt.ReportPath, got)

	_, err = Find(dir, "TestMissing")
	assert.Error(t, err)

	all, err := List(dir)
	require.NoError(t, err)
	assert.Len(t, all, 3)
}

func TestFind_StaysInsideDir(t *testing.T) {
	dir := t.TempDir()
	outside := t.TempDir()
	foreign := filepath.Join(outside, "TestCheckout_guest_20260301_140509_analysis.md")
	require.NoError(t, os.WriteFile(foreign, []byte("x"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("x"), 0o644))

	rel, err := filepath.Rel(dir, foreign)
	require.NoError(t, err)

	for _, ref := range []string{foreign, rel, "notes.txt", filepath.Join(dir, "notes.txt"), "/etc/passwd", ".."} {
		_, err := Find(dir, ref)
		assert.Error(t, err, "ref %s", ref)
	}

	art, err := NewWriter(dir, nil).Write(sampleInput("func TestCheckout(t *testing.T) {}"))
	require.NoError(t, err)
	got, err := Find(dir, art.ReportPath)
	require.NoError(t, err)
	assert.Equal(t, art.ReportPath, got)
	got, err = Find(dir, filepath.Base(art.HealedPath))
	require.NoError(t, err)
	assert.Equal(t, art.HealedPath, got)
}
