package report

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/x/ansi"
	"github.com/muesli/reflow/wordwrap"
)

var (
	colorAccent = lipgloss.Color("#cba6f7")
	colorGreen  = lipgloss.Color("#a6e3a1")
	colorYellow = lipgloss.Color("#f9e2af")
	colorRed    = lipgloss.Color("#f38ba8")
	colorDim    = lipgloss.Color("#6c7086")
	colorLabel  = lipgloss.Color("#b4befe")
	colorBorder = lipgloss.Color("#585b70")
)

var (
	TitleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#11111b")).
			Background(colorAccent).
			Padding(0, 1)

	PanelStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(colorBorder).
			Padding(0, 1)

	LabelStyle = lipgloss.NewStyle().Bold(true).Foreground(colorLabel)
	DimStyle   = lipgloss.NewStyle().Foreground(colorDim)
	OKStyle    = lipgloss.NewStyle().Foreground(colorGreen)
	WarnStyle  = lipgloss.NewStyle().Foreground(colorYellow)
	ErrStyle   = lipgloss.NewStyle().Foreground(colorRed)
)

const (
	HighConfidenceNote = "High confidence - review the healed test"
	LowConfidenceNote  = "Low confidence - manual review recommended"
	minSummaryWidth    = 40
)

// Summary is the boxed console view of a healing attempt. Confidence above
// threshold is called out as high.
func Summary(in Input, art Artifacts, threshold float64, width int) string {
	if width < minSummaryWidth {
		width = minSummaryWidth
	}
	inner := width - 4

	lines := []string{
		TitleStyle.Render("AI HEALING: " + Truncate(in.Context.TestName, inner-14)),
		"",
		field("Model", or(in.Model, "unknown"), inner),
		field("Confidence", Percent(in.Response.Confidence), inner),
		field("Root Cause", in.Response.RootCause, inner),
		field("Suggestion", or(in.Response.SuggestedFix, "None"), inner),
	}
	if art.ReportPath != "" {
		lines = append(lines, field("Report", art.ReportPath, inner))
	}
	if art.HealedPath != "" {
		lines = append(lines, field("Healed Test", art.HealedPath, inner))
	}
	if in.Context.ScreenshotPath != "" {
		lines = append(lines, field("Screenshot", in.Context.ScreenshotPath, inner))
	}

	lines = append(lines, "")
	if in.Response.Confidence > threshold {
		lines = append(lines, OKStyle.Render(HighConfidenceNote))
	} else {
		lines = append(lines, WarnStyle.Render(LowConfidenceNote))
	}

	return PanelStyle.Width(width).Render(strings.Join(lines, "\n"))
}

// field renders "Label: value" with the value wrapped under itself.
func field(label, value string, width int) string {
	prefix := label + ": "
	indent := len(prefix)
	wrapped := Wrap(strings.TrimSpace(value), width-indent)
	rows := strings.Split(wrapped, "\n")
	for i := 1; i < len(rows); i++ {
		rows[i] = strings.Repeat(" ", indent) + rows[i]
	}
	return LabelStyle.Render(prefix) + strings.Join(rows, "\n")
}

// Wrap word-wraps text to width columns.
func Wrap(text string, width int) string {
	if width <= 0 {
		return text
	}
	return wordwrap.String(text, width)
}

// Truncate cuts s to width display columns, ending in "..." when cut.
func Truncate(s string, width int) string {
	if ansi.StringWidth(s) <= width {
		return s
	}
	if width <= 3 {
		return strings.Repeat(".", max(width, 0))
	}
	return ansi.Truncate(s, width, "...")
}

// Pad right-pads s to width display columns.
func Pad(s string, width int) string {
	if w := ansi.StringWidth(s); w < width {
		return s + strings.Repeat(" ", width-w)
	}
	return s
}

// StatusLine is the one-line form used while streaming test results.
func StatusLine(testName string, confidence float64, threshold float64, reportPath string) string {
	style := WarnStyle
	if confidence > threshold {
		style = OKStyle
	}
	return fmt.Sprintf("%s %s %s %s",
		LabelStyle.Render("healed"),
		testName,
		style.Render(Percent(confidence)),
		DimStyle.Render(reportPath),
	)
}
