// Package capture turns a failing test and its live browser page into a
// FailureContext.
package capture

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"testheal/internal/browser"
	"testheal/internal/logger"

	"go.uber.org/zap"
)

const (
	TimestampLayout    = "20060102_150405"
	DefaultStepTimeout = 10 * time.Second
)

// FailureContext is everything known about one failed attempt. It is not
// modified after Capture returns.
type FailureContext struct {
	TestID         string    `json:"test_id"`
	TestName       string    `json:"test_name"`
	ErrorMessage   string    `json:"error_message"`
	ErrorType      string    `json:"error_type"`
	TestDocstring  string    `json:"test_docstring,omitempty"`
	URL            string    `json:"url,omitempty"`
	PageTitle      string    `json:"page_title,omitempty"`
	ScreenshotPath string    `json:"screenshot_path,omitempty"`
	DOMSnapshot    string    `json:"dom_snapshot,omitempty"`
	DOMTruncated   bool      `json:"dom_truncated,omitempty"`
	CaptureError   string    `json:"capture_error,omitempty"`
	CapturedAt     time.Time `json:"captured_at"`
}

// Failure identifies the failed attempt being captured.
type Failure struct {
	TestID    string
	TestName  string
	Docstring string
	Err       error
	// ErrorType overrides the type derived from Err.
	ErrorType string
}

type Options struct {
	ScreenshotDir string
	ContextWindow int
	StepTimeout   time.Duration
	Now           func() time.Time
}

type Capturer struct {
	opts Options
	log  *zap.Logger
}

func New(opts Options, log *zap.Logger) *Capturer {
	if opts.ContextWindow <= 0 {
		opts.ContextWindow = 5000
	}
	if opts.StepTimeout <= 0 {
		opts.StepTimeout = DefaultStepTimeout
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Capturer{opts: opts, log: logger.OrNop(log)}
}

// ScreenshotPath is the deterministic screenshot location for a test at t.
func (c *Capturer) ScreenshotPath(testName string, t time.Time) string {
	name := fmt.Sprintf("%s_%s_ai_healing.png", FileStem(testName), t.Format(TimestampLayout))
	return filepath.Join(c.opts.ScreenshotDir, name)
}

// Capture never fails. Sub-steps that error are recorded in CaptureError
// and the remaining steps still run. page may be nil.
func (c *Capturer) Capture(ctx context.Context, page browser.Page, f Failure) FailureContext {
	now := c.opts.Now()
	fc := FailureContext{
		TestID:        f.TestID,
		TestName:      f.TestName,
		ErrorMessage:  errorMessage(f.Err),
		ErrorType:     f.ErrorType,
		TestDocstring: strings.TrimSpace(f.Docstring),
		CapturedAt:    now,
	}
	if fc.TestName == "" {
		fc.TestName = f.TestID
	}
	if fc.ErrorType == "" {
		fc.ErrorType = ErrorType(f.Err)
	}

	if page == nil {
		fc.CaptureError = browser.ErrNoPage.Error()
		c.log.Debug("no page to capture", zap.String("test", fc.TestName))
		return fc
	}

	var problems []string
	step := func(name string, fn func(context.Context) error) {
		stepCtx, cancel := context.WithTimeout(ctx, c.opts.StepTimeout)
		defer cancel()
		if err := safely(stepCtx, fn); err != nil {
			problems = append(problems, fmt.Sprintf("%s: %v", name, err))
			c.log.Warn("capture step failed", zap.String("test", fc.TestName), zap.String("step", name), zap.Error(err))
		}
	}

	step("url", func(ctx context.Context) (err error) {
		fc.URL, err = page.URL(ctx)
		return err
	})
	step("title", func(ctx context.Context) (err error) {
		fc.PageTitle, err = page.Title(ctx)
		return err
	})
	step("screenshot", func(ctx context.Context) error {
		path := c.ScreenshotPath(fc.TestName, now)
		if err := page.Screenshot(ctx, path); err != nil {
			return err
		}
		fc.ScreenshotPath = path
		return nil
	})
	step("html", func(ctx context.Context) error {
		html, err := page.HTML(ctx)
		if err != nil {
			return err
		}
		fc.DOMSnapshot, fc.DOMTruncated = TruncateDOM(StripStyles(html), c.opts.ContextWindow)
		return nil
	})

	fc.CaptureError = strings.Join(problems, "; ")
	c.log.Info("captured failure context",
		zap.String("test", fc.TestName),
		zap.String("url", fc.URL),
		zap.Bool("screenshot", fc.ScreenshotPath != ""),
		zap.Int("dom_chars", len(fc.DOMSnapshot)),
	)
	return fc
}

func safely(ctx context.Context, fn func(context.Context) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return fn(ctx)
}

func errorMessage(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

// ErrorType names the kind of err for reports. Errors that carry a Kind
// win; otherwise the innermost wrapped type is used.
func ErrorType(err error) string {
	if err == nil {
		return ""
	}
	var kinded interface{ Kind() string }
	if errors.As(err, &kinded) {
		return kinded.Kind()
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return "Timeout"
	}

	inner := err
	for {
		next := errors.Unwrap(inner)
		if next == nil {
			break
		}
		inner = next
	}
	name := fmt.Sprintf("%T", inner)
	name = strings.TrimPrefix(name, "*")
	if i := strings.LastIndex(name, "."); i >= 0 {
		pkg, typ := name[:i], name[i+1:]
		if pkg == "errors" || pkg == "fmt" {
			return "Error"
		}
		name = typ
	}
	return name
}
