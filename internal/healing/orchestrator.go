// Package healing decides when a failing test is analysed and drives one
// healing attempt from captured context to written report.
package healing

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"testheal/internal/browser"
	"testheal/internal/capture"
	"testheal/internal/llm"
	"testheal/internal/logger"
	"testheal/internal/pipeline"
	"testheal/internal/report"
	"testheal/internal/storage"

	"go.uber.org/zap"
)

type Capturer interface {
	Capture(ctx context.Context, page browser.Page, f capture.Failure) capture.FailureContext
}

// Readiness gates healing on a live backend with the model loaded.
type Readiness interface {
	EnsureReady(ctx context.Context) bool
}

type Inference interface {
	Heal(ctx context.Context, req llm.HealingRequest) (string, bool)
	Model() string
}

type ReportWriter interface {
	Write(in report.Input) (report.Artifacts, error)
}

type Recorder interface {
	SaveAttempt(ctx context.Context, a storage.Attempt) (string, error)
}

// Attacher links artifacts to a test in the external report.
type Attacher interface {
	Attach(testID, name, path string) error
}

// Options wires the orchestrator. Capturer, Readiness, Inference and
// Reports are required; the rest are optional.
type Options struct {
	Enabled             bool
	ConfidenceThreshold float64

	Capturer  Capturer
	Readiness Readiness
	Inference Inference
	Reports   ReportWriter
	Prompts   *llm.PromptBuilder

	History Recorder
	Journal Attacher
	Bus     *pipeline.EventBus

	// Summary receives the boxed console summary of each healed test.
	Summary      io.Writer
	SummaryWidth int

	Now func() time.Time
}

// Orchestrator holds the per-test failure counts and pending contexts. It
// is safe for concurrent use by parallel test workers.
type Orchestrator struct {
	opts    Options
	log     *zap.Logger
	counter *FailCounter
	pending *PendingStore

	// One inference request at a time.
	healMu sync.Mutex
}

func New(opts Options, log *zap.Logger) *Orchestrator {
	if opts.Prompts == nil {
		opts.Prompts = llm.NewPromptBuilder(nil, log)
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.SummaryWidth <= 0 {
		opts.SummaryWidth = 80
	}
	return &Orchestrator{
		opts:    opts,
		log:     logger.OrNop(log),
		counter: NewFailCounter(),
		pending: NewPendingStore(),
	}
}

func (o *Orchestrator) Enabled() bool {
	return o.opts.Enabled
}

func (o *Orchestrator) Counter() *FailCounter {
	return o.counter
}

func (o *Orchestrator) Pending() *PendingStore {
	return o.pending
}

// HandleReport is the test-runner hook. It never panics and never returns
// an error: healing problems are logged and reported in the Result only.
func (o *Orchestrator) HandleReport(ctx context.Context, rep TestReport) (res Result) {
	defer func() {
		if r := recover(); r != nil {
			o.log.Error("healing attempt panicked", zap.String("test", rep.name()), zap.Any("panic", r))
			o.publish(pipeline.EventHealingFailed, rep.TestID, res.Count, fmt.Sprint(r), nil)
			res = Result{Outcome: OutcomeFailed, Count: res.Count, Reason: fmt.Sprintf("panic: %v", r)}
		}
	}()

	if !o.opts.Enabled || rep.Phase != PhaseCall || rep.TestID == "" {
		return Result{Outcome: OutcomeIgnored}
	}
	if !rep.Failed {
		o.forget(rep.TestID)
		return Result{Outcome: OutcomeIgnored}
	}

	count := o.counter.Increment(rep.TestID, rep.Attempt)
	res.Count = count
	o.remember(ctx, rep, count)

	if count <= rep.MaxReruns {
		o.log.Info("test failed, will retry",
			zap.String("test", rep.name()),
			zap.Int("attempt", count),
			zap.Int("max_reruns", rep.MaxReruns),
		)
		o.publish(pipeline.EventHealingDeferred, rep.TestID, count, "will retry", nil)
		return Result{Outcome: OutcomeDeferred, Count: count}
	}

	o.log.Info("final failure, starting healing",
		zap.String("test", rep.name()),
		zap.Int("attempt", count),
	)
	res = o.heal(ctx, rep, count)
	res.Count = count
	return res
}

// remember captures the failure and stores it as the pending entry. A
// capture that panics leaves no entry behind.
func (o *Orchestrator) remember(ctx context.Context, rep TestReport, count int) {
	defer func() {
		if r := recover(); r != nil {
			o.log.Warn("failure capture panicked", zap.String("test", rep.name()), zap.Any("panic", r))
		}
	}()

	page, err := browser.FindPage(rep.Fixtures...)
	if err != nil && !errors.Is(err, browser.ErrNoPage) {
		o.log.Warn("could not get browser page", zap.String("test", rep.name()), zap.Error(err))
	}

	fc := o.opts.Capturer.Capture(ctx, page, capture.Failure{
		TestID:    rep.TestID,
		TestName:  rep.name(),
		Docstring: rep.Docstring,
		Err:       rep.Err,
		ErrorType: rep.ErrorType,
	})

	o.pending.Put(rep.TestID, PendingEntry{
		Context:  fc,
		Source:   o.source(rep),
		Attempt:  count,
		StoredAt: o.opts.Now(),
	})

	if fc.ScreenshotPath != "" {
		o.attach(rep.TestID, "AI Healing Screenshot", fc.ScreenshotPath)
	}
}

func (o *Orchestrator) source(rep TestReport) string {
	if rep.Source != "" || rep.SourcePath == "" {
		return rep.Source
	}
	data, err := os.ReadFile(rep.SourcePath)
	if err != nil {
		o.log.Warn("could not read test source", zap.String("path", rep.SourcePath), zap.Error(err))
		return ""
	}
	return string(data)
}

func (o *Orchestrator) heal(ctx context.Context, rep TestReport, count int) Result {
	defer o.forget(rep.TestID)

	entry, ok := o.pending.Get(rep.TestID)
	if !ok {
		o.log.Warn("no captured context, skipping healing", zap.String("test", rep.name()))
		o.publish(pipeline.EventHealingSkipped, rep.TestID, count, "no captured context", nil)
		o.record(ctx, rep, count, storage.Attempt{Outcome: storage.OutcomeNoContext, Reason: "no captured context"})
		return Result{Outcome: OutcomeSkipped, Reason: "no captured context"}
	}

	o.healMu.Lock()
	defer o.healMu.Unlock()

	start := o.opts.Now()
	o.publish(pipeline.EventHealingStarted, rep.TestID, count, "", nil)
	base := storage.Attempt{
		TestName:       entry.Context.TestName,
		ErrorType:      entry.Context.ErrorType,
		ErrorMessage:   entry.Context.ErrorMessage,
		ScreenshotPath: entry.Context.ScreenshotPath,
		Model:          o.opts.Inference.Model(),
	}

	if !o.opts.Readiness.EnsureReady(ctx) {
		o.log.Warn("backend not ready, skipping healing", zap.String("test", rep.name()))
		o.publish(pipeline.EventHealingSkipped, rep.TestID, count, "backend not ready", nil)
		base.Outcome, base.Reason = storage.OutcomeNotReady, "backend not ready"
		o.record(ctx, rep, count, base)
		return Result{Outcome: OutcomeSkipped, Reason: base.Reason}
	}

	prompt := o.opts.Prompts.Build(entry.Context, entry.Source)
	raw, ok := o.opts.Inference.Heal(ctx, llm.HealingRequest{
		Prompt:         prompt,
		ScreenshotPath: entry.Context.ScreenshotPath,
	})
	if !ok {
		o.log.Warn("no response from model, skipping healing", zap.String("test", rep.name()))
		o.publish(pipeline.EventHealingSkipped, rep.TestID, count, "no response", nil)
		base.Outcome, base.Reason = storage.OutcomeNoResponse, "no response from model"
		base.Duration = o.opts.Now().Sub(start)
		o.record(ctx, rep, count, base)
		return Result{Outcome: OutcomeSkipped, Reason: base.Reason}
	}

	resp := llm.Parse(raw)
	o.log.Info("model response parsed",
		zap.String("test", rep.name()),
		zap.String("status", string(resp.Status)),
		zap.String("strategy", resp.Strategy),
		zap.Float64("confidence", resp.Confidence),
	)

	base.Confidence = resp.Confidence
	base.ParseStatus = string(resp.Status)
	base.RootCause = resp.RootCause
	base.SuggestedFix = resp.SuggestedFix

	in := report.Input{Context: entry.Context, Response: resp, Model: o.opts.Inference.Model(), At: o.opts.Now()}
	art, err := o.opts.Reports.Write(in)
	base.ReportPath, base.HealedPath = art.ReportPath, art.HealedPath
	base.Duration = o.opts.Now().Sub(start)
	if err != nil {
		o.log.Error("could not write healing report", zap.String("test", rep.name()), zap.Error(err))
		o.publish(pipeline.EventHealingFailed, rep.TestID, count, err.Error(), nil)
		base.Outcome, base.Reason = storage.OutcomeFailed, err.Error()
		o.record(ctx, rep, count, base)
		return Result{Outcome: OutcomeFailed, Reason: err.Error(), Response: &resp, Artifacts: art}
	}

	o.attach(rep.TestID, "AI Healing Report", art.ReportPath)
	if art.HealedPath != "" {
		o.attach(rep.TestID, "AI Healed Test", art.HealedPath)
	}
	if o.opts.Summary != nil {
		fmt.Fprintln(o.opts.Summary, report.Summary(in, art, o.opts.ConfidenceThreshold, o.opts.SummaryWidth))
	}

	base.Outcome = storage.OutcomeHealed
	o.record(ctx, rep, count, base)
	o.publish(pipeline.EventHealingCompleted, rep.TestID, count, resp.RootCause, pipeline.HealingResult{
		Confidence: resp.Confidence,
		RootCause:  resp.RootCause,
		ReportPath: art.ReportPath,
		HealedPath: art.HealedPath,
	})
	return Result{Outcome: OutcomeHealed, Response: &resp, Artifacts: art}
}

// forget drops all state for id.
func (o *Orchestrator) forget(id string) {
	o.pending.Delete(id)
	o.counter.Delete(id)
}

func (o *Orchestrator) record(ctx context.Context, rep TestReport, count int, a storage.Attempt) {
	if o.opts.History == nil {
		return
	}
	a.TestID = rep.TestID
	a.Attempt = count
	if a.TestName == "" {
		a.TestName = rep.name()
	}
	if a.ErrorType == "" {
		a.ErrorType = rep.ErrorType
	}
	if a.ErrorMessage == "" && rep.Err != nil {
		a.ErrorMessage = rep.Err.Error()
	}
	a.Timestamp = o.opts.Now()
	if _, err := o.opts.History.SaveAttempt(ctx, a); err != nil {
		o.log.Warn("could not record healing attempt", zap.String("test", rep.name()), zap.Error(err))
	}
}

func (o *Orchestrator) attach(testID, name, path string) {
	if o.opts.Journal == nil {
		return
	}
	if err := o.opts.Journal.Attach(testID, name, path); err != nil {
		o.log.Warn("could not attach artifact", zap.String("name", name), zap.Error(err))
	}
}

func (o *Orchestrator) publish(t pipeline.EventType, testID string, attempt int, msg string, data any) {
	o.opts.Bus.Publish(pipeline.Event{Type: t, TestID: testID, Attempt: attempt, Message: msg, Data: data})
}
