package cmd

import (
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"testheal/internal/capture"
	"testheal/internal/config"
	"testheal/internal/healing"
	"testheal/internal/llm"
	"testheal/internal/logger"
	"testheal/internal/ollama"
	"testheal/internal/pipeline"
	"testheal/internal/report"
	"testheal/internal/storage"

	"github.com/briandowns/spinner"
	"go.uber.org/zap"
	"golang.org/x/term"
)

// app is the fully wired healing stack shared by run and heal.
type app struct {
	cfg       *config.Config
	log       *zap.Logger
	backend   *ollama.Client
	manager   *ollama.Manager
	inference *llm.Client
	reports   *report.Writer
	history   *storage.History
	journal   *logger.Journal
	bus       *pipeline.EventBus
	orch      *healing.Orchestrator

	docker *ollama.ContainerLauncher
}

func newApp(c *config.Config, l *zap.Logger, summary io.Writer) (*app, error) {
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	a := &app{cfg: c, log: l, bus: pipeline.NewEventBus()}
	a.backend = ollama.NewClient(c.OllamaHost)
	a.docker = ollama.NewContainerLauncher()
	a.manager = ollama.NewManager(a.backend, ollama.ManagerOptions{
		Model:       c.Model,
		Temperature: c.Temperature,
		MaxWait:     c.MaxWait(),
		Launcher:    ollama.ChainLauncher{ollama.NewProcessLauncher(c.OllamaHost), a.docker},
	}, l)
	a.inference = llm.NewClient(a.backend, llm.ClientOptions{
		Model:       c.Model,
		Temperature: c.Temperature,
		NumCtx:      c.NumCtx,
		Timeout:     c.GenerateTimeout(),
	}, l)
	a.reports = report.NewWriter(c.ReportDir(), l)

	db, err := storage.InitDB(c.DataDir)
	if err != nil {
		l.Warn("healing history disabled", zap.Error(err))
	} else {
		a.history = storage.NewHistory(db)
	}
	if j, err := logger.NewJournal(c.DataDir); err != nil {
		l.Warn("healing journal disabled", zap.Error(err))
	} else {
		a.journal = j
	}

	sanitizer, err := newSanitizer(c.Redactions)
	if err != nil {
		return nil, err
	}

	opts := healing.Options{
		Enabled:             c.Enabled,
		ConfidenceThreshold: c.ConfidenceThreshold,
		Capturer: capture.New(capture.Options{
			ScreenshotDir: c.ScreenshotDir(),
			ContextWindow: c.ContextWindow,
		}, l),
		Readiness:    a.manager,
		Inference:    a.inference,
		Reports:      a.reports,
		Prompts:      llm.NewPromptBuilder(sanitizer, l),
		Bus:          a.bus,
		Summary:      summary,
		SummaryWidth: terminalWidth(),
	}
	// Typed nils would defeat the orchestrator's nil checks.
	if a.history != nil {
		opts.History = a.history
	}
	if a.journal != nil {
		opts.Journal = a.journal
	}
	a.orch = healing.New(opts, l)
	return a, nil
}

// newSanitizer extends the built-in secret patterns with configured ones.
func newSanitizer(rules []config.Redaction) (*llm.Sanitizer, error) {
	s := llm.DefaultSanitizer()
	for _, r := range rules {
		if err := s.AddRule(r.Name, r.Pattern, r.Replacement); err != nil {
			return nil, err
		}
	}
	return s, nil
}

func (a *app) Close() error {
	var errs []error
	if a.history != nil {
		errs = append(errs, a.history.Close())
	}
	if a.docker != nil {
		errs = append(errs, a.docker.Close())
	}
	return errors.Join(errs...)
}

// followHealing shows a spinner on stderr while a healing attempt runs.
func (a *app) followHealing() {
	if !isTTY(os.Stderr) {
		return
	}
	s := spinner.New(spinner.CharSets[14], 100*time.Millisecond, spinner.WithWriter(os.Stderr))
	a.bus.Subscribe(pipeline.EventHealingStarted, func(e pipeline.Event) {
		s.Suffix = " Healing " + e.TestID + "..."
		s.Start()
	})
	stop := func(pipeline.Event) { s.Stop() }
	a.bus.Subscribe(pipeline.EventHealingCompleted, stop)
	a.bus.Subscribe(pipeline.EventHealingSkipped, stop)
	a.bus.Subscribe(pipeline.EventHealingFailed, stop)
}

func isTTY(f *os.File) bool {
	return term.IsTerminal(int(f.Fd()))
}

func terminalWidth() int {
	if w, _, err := term.GetSize(int(os.Stdout.Fd())); err == nil && w > 0 {
		return min(w, 100)
	}
	return 80
}
