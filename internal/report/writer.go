// Package report writes healing reports and healed test artifacts and
// renders them for the terminal.
package report

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"testheal/internal/capture"
	"testheal/internal/llm"
	"testheal/internal/logger"

	"go.uber.org/zap"
)

// Input is one finished healing attempt.
type Input struct {
	Context  capture.FailureContext
	Response llm.HealingResponse
	Model    string
	At       time.Time
}

// Artifacts are the files written for an attempt. HealedPath is empty when
// the model returned no replacement code.
type Artifacts struct {
	ReportPath string `json:"report_path"`
	HealedPath string `json:"healed_path,omitempty"`
}

const maxCollisions = 100

type Writer struct {
	dir string
	log *zap.Logger
}

func NewWriter(dir string, log *zap.Logger) *Writer {
	return &Writer{dir: dir, log: logger.OrNop(log)}
}

func (w *Writer) Dir() string {
	return w.dir
}

// Paths returns where the artifacts for testName at t are written. n > 1
// tells apart attempts that share a file stem and second.
func (w *Writer) Paths(testName string, t time.Time, n int) (reportPath, healedPath string) {
	base := fmt.Sprintf("%s_%s", capture.FileStem(testName), t.Format(capture.TimestampLayout))
	if n > 1 {
		base = fmt.Sprintf("%s-%d", base, n)
	}
	return filepath.Join(w.dir, base+"_analysis.md"), filepath.Join(w.dir, base+"_healed")
}

// Write stores the markdown report and, when present, the healed code.
// The healed file has no extension so it is never compiled by accident.
// An existing report is never overwritten.
func (w *Writer) Write(in Input) (Artifacts, error) {
	if in.At.IsZero() {
		in.At = time.Now()
	}
	if err := os.MkdirAll(w.dir, 0o755); err != nil {
		return Artifacts{}, fmt.Errorf("create report dir: %w", err)
	}

	var reportPath, healedPath string
	for n := 1; ; n++ {
		reportPath, healedPath = w.Paths(in.Context.TestName, in.At, n)
		err := writeNew(reportPath, []byte(Markdown(in)))
		if err == nil {
			break
		}
		if !errors.Is(err, fs.ErrExist) || n >= maxCollisions {
			return Artifacts{}, fmt.Errorf("write report: %w", err)
		}
	}
	art := Artifacts{ReportPath: reportPath}
	w.log.Info("healing report saved", zap.String("test", in.Context.TestName), zap.String("path", reportPath))

	if in.Response.HasFix() {
		code := strings.TrimRight(in.Response.UpdatedTestCode, "\n") + "\n"
		if err := os.WriteFile(healedPath, []byte(code), 0o644); err != nil {
			return art, fmt.Errorf("write healed test: %w", err)
		}
		art.HealedPath = healedPath
		w.log.Info("healed test saved", zap.String("test", in.Context.TestName), zap.String("path", healedPath))
	}
	return art, nil
}

// Markdown renders the report body.
func Markdown(in Input) string {
	fc, r := in.Context, in.Response
	var b strings.Builder

	b.WriteString("# AI Healing Report\n\n")

	b.WriteString("## Test Information\n")
	fmt.Fprintf(&b, "- **Test Name**: `%s`\n", fc.TestName)
	if fc.TestID != "" && fc.TestID != fc.TestName {
		fmt.Fprintf(&b, "- **Test ID**: `%s`\n", fc.TestID)
	}
	fmt.Fprintf(&b, "- **Timestamp**: `%s`\n", in.At.Format(capture.TimestampLayout))
	fmt.Fprintf(&b, "- **Model Used**: `%s`\n", orNA(in.Model))
	fmt.Fprintf(&b, "- **URL**: `%s`\n", orNA(fc.URL))
	fmt.Fprintf(&b, "- **Page Title**: `%s`\n", orNA(fc.PageTitle))
	fmt.Fprintf(&b, "- **Error Type**: `%s`\n", or(fc.ErrorType, "Unknown"))
	fmt.Fprintf(&b, "- **Confidence**: **%s**\n", Percent(r.Confidence))
	fmt.Fprintf(&b, "- **Parse Status**: `%s` (%s)\n\n", r.Status, or(r.Strategy, "n/a"))

	section(&b, "Error Details", "", or(fc.ErrorMessage, "No error message"))
	section(&b, "Analysis", "", r.Analysis)
	section(&b, "Root Cause", "", r.RootCause)
	section(&b, "Suggested Fix", "", or(r.SuggestedFix, "No fix suggested"))
	section(&b, "Updated Test Code", "go", or(r.UpdatedTestCode, "// no updated code provided"))
	section(&b, "Recommendations", "", or(r.Recommendations, "None provided"))

	b.WriteString("## Screenshot\n")
	if fc.ScreenshotPath != "" {
		fmt.Fprintf(&b, "`%s`\n\n", fc.ScreenshotPath)
	} else {
		b.WriteString("No screenshot captured.\n\n")
	}
	if fc.CaptureError != "" {
		section(&b, "Capture Problems", "", fc.CaptureError)
	}

	b.WriteString("## Raw AI Response\n<details>\n<summary>Click to expand raw response</summary>\n\n")
	raw := or(r.RawText, "No raw response")
	f := fenceFor(raw)
	fmt.Fprintf(&b, "%s\n%s\n%s\n</details>\n\n", f, strings.TrimRight(raw, "\n"), f)

	b.WriteString("---\n*Generated by testheal*\n")
	return b.String()
}

func section(b *strings.Builder, title, lang, body string) {
	f := fenceFor(body)
	fmt.Fprintf(b, "## %s\n%s%s\n%s\n%s\n\n", title, f, lang, strings.TrimRight(body, "\n"), f)
}

// fenceFor returns a backtick fence longer than any run inside body.
func fenceFor(body string) string {
	longest, run := 0, 0
	for _, c := range body {
		if c == '`' {
			run++
			if run > longest {
				longest = run
			}
			continue
		}
		run = 0
	}
	return strings.Repeat("`", max(3, longest+1))
}

// Percent formats a confidence the way reports and summaries show it.
func Percent(c float64) string {
	return fmt.Sprintf("%.1f%%", c*100)
}

func or(s, def string) string {
	if strings.TrimSpace(s) == "" {
		return def
	}
	return s
}

func orNA(s string) string {
	return or(s, "N/A")
}

func writeNew(path string, data []byte) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
