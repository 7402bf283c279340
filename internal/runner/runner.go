package runner

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"regexp"
	"sort"
	"strings"

	"testheal/internal/healing"
	"testheal/internal/logger"
	"testheal/internal/pipeline"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Hook receives a report after every test attempt.
type Hook interface {
	HandleReport(ctx context.Context, rep healing.TestReport) healing.Result
}

type Options struct {
	GoBin string
	Dir   string
	// Env is appended to the current environment of every go invocation.
	Env       []string
	MaxReruns int
	// TestArgs are extra flags passed to go test, before the packages.
	TestArgs []string

	// Fixtures are handed to the hook with every report.
	Fixtures []any
	Hook     Hook
	Bus      *pipeline.EventBus

	// Echo receives the raw test output as it streams.
	Echo io.Writer
}

// TestOutcome is the final state of one top-level test.
type TestOutcome struct {
	TestResult
	Attempts int
	Healing  *healing.Result
}

type Summary struct {
	Tests           []TestOutcome
	PackageFailures []PackageFailure
}

func (s *Summary) Failed() []TestOutcome {
	var out []TestOutcome
	for _, t := range s.Tests {
		if t.Status == StatusFail {
			out = append(out, t)
		}
	}
	return out
}

func (s *Summary) OK() bool {
	return len(s.Failed()) == 0 && len(s.PackageFailures) == 0
}

type Runner struct {
	opts    Options
	log     *zap.Logger
	sources *SourceIndex
}

func New(opts Options, log *zap.Logger) *Runner {
	if opts.GoBin == "" {
		opts.GoBin = "go"
	}
	if opts.MaxReruns < 0 {
		opts.MaxReruns = 0
	}
	return &Runner{opts: opts, log: logger.OrNop(log)}
}

// Run tests the packages, reruns each failing top-level test up to
// MaxReruns times and reports every attempt to the hook.
func (r *Runner) Run(ctx context.Context, patterns []string) (*Summary, error) {
	if len(patterns) == 0 {
		patterns = []string{"./..."}
	}

	dirs, err := r.packageDirs(ctx, patterns)
	if err != nil {
		r.log.Warn("could not resolve package directories, test source will be missing", zap.Error(err))
	}
	r.sources = NewSourceIndex(dirs)

	col, err := r.goTest(ctx, patterns, "")
	if err != nil {
		return nil, err
	}

	sum := &Summary{PackageFailures: col.PackageFailures()}
	final := make(map[string]*TestOutcome)
	var order []string
	failing := make(map[string][]string)

	for _, res := range col.Results() {
		out := &TestOutcome{TestResult: res, Attempts: 1}
		final[res.ID()] = out
		order = append(order, res.ID())
		r.observe(ctx, out, 1)
		if res.Status == StatusFail {
			failing[res.Package] = append(failing[res.Package], res.Test)
		}
	}

	for attempt := 2; attempt <= r.opts.MaxReruns+1 && len(failing) > 0; attempt++ {
		next := make(map[string][]string)
		for _, pkg := range sortedKeys(failing) {
			tests := failing[pkg]
			for _, t := range tests {
				r.opts.Bus.Publish(pipeline.Event{Type: pipeline.EventTestRerun, TestID: pkg + "." + t, Attempt: attempt})
			}
			r.log.Info("rerunning failed tests",
				zap.String("package", pkg),
				zap.Strings("tests", tests),
				zap.Int("attempt", attempt),
			)

			col, err := r.goTest(ctx, []string{pkg}, RunPattern(tests))
			if err != nil {
				return nil, err
			}
			got := make(map[string]TestResult)
			for _, res := range col.Results() {
				got[res.Test] = res
			}
			pkgOutput := ""
			for _, pf := range col.PackageFailures() {
				pkgOutput += pf.Output
			}

			for _, t := range tests {
				res, ok := got[t]
				if !ok {
					res = TestResult{Package: pkg, Test: t, Status: StatusFail, Output: pkgOutput}
				}
				out := final[res.ID()]
				out.TestResult = res
				out.Attempts = attempt
				r.observe(ctx, out, attempt)
				if res.Status == StatusFail {
					next[pkg] = append(next[pkg], t)
				}
			}
		}
		failing = next
	}

	for _, id := range order {
		sum.Tests = append(sum.Tests, *final[id])
	}
	return sum, nil
}

// observe publishes the attempt's result and hands it to the hook.
func (r *Runner) observe(ctx context.Context, out *TestOutcome, attempt int) {
	res := out.TestResult
	id := res.ID()

	switch res.Status {
	case StatusSkip:
		r.opts.Bus.Publish(pipeline.Event{Type: pipeline.EventTestSkipped, TestID: id, Attempt: attempt})
		return
	case StatusPass:
		r.opts.Bus.Publish(pipeline.Event{Type: pipeline.EventTestPassed, TestID: id, Attempt: attempt})
	default:
		r.opts.Bus.Publish(pipeline.Event{Type: pipeline.EventTestFailed, TestID: id, Attempt: attempt, Message: firstLine(ErrorMessage(res.Output))})
	}

	if r.opts.Hook == nil {
		return
	}

	rep := healing.TestReport{
		TestID:    id,
		TestName:  res.Test,
		Phase:     healing.PhaseCall,
		Failed:    res.Status == StatusFail,
		MaxReruns: r.opts.MaxReruns,
		Attempt:   attempt,
		Fixtures:  r.opts.Fixtures,
	}
	if rep.Failed {
		sig := Classify(res.Output)
		rep.Err = errors.New(ErrorMessage(res.Output))
		rep.ErrorType = sig.ErrorType()
		if src := r.sources.Lookup(res.Package, res.Test); src != nil {
			rep.Source = src.Source
			rep.Docstring = src.Doc
		}
	}

	hr := r.opts.Hook.HandleReport(ctx, rep)
	if hr.Outcome != healing.OutcomeIgnored {
		out.Healing = &hr
	}
}

// goTest runs go test -json once and collects its events.
func (r *Runner) goTest(ctx context.Context, pkgs []string, run string) (*Collector, error) {
	args := []string{"test", "-json", "-count=1"}
	args = append(args, r.opts.TestArgs...)
	if run != "" {
		args = append(args, "-run", run)
	}
	args = append(args, pkgs...)

	cmd := exec.CommandContext(ctx, r.opts.GoBin, args...)
	cmd.Dir = r.opts.Dir
	cmd.Env = append(os.Environ(), r.opts.Env...)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, err
	}

	r.log.Debug("running go test", zap.Strings("args", args))
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", r.opts.GoBin, err)
	}

	col := NewCollector()
	var g errgroup.Group
	g.Go(func() error {
		return ParseEvents(stdout, func(ev TestEvent) {
			col.Add(ev)
			if r.opts.Echo != nil && ev.Output != "" {
				io.WriteString(r.opts.Echo, ev.Output)
			}
		})
	})
	g.Go(func() error {
		sc := bufio.NewScanner(stderr)
		for sc.Scan() {
			col.Add(TestEvent{Action: "output", Output: sc.Text() + "\n"})
			if r.opts.Echo != nil {
				fmt.Fprintln(r.opts.Echo, sc.Text())
			}
		}
		return sc.Err()
	})
	readErr := g.Wait()

	err = cmd.Wait()
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	var exitErr *exec.ExitError
	if err != nil && !errors.As(err, &exitErr) {
		return nil, fmt.Errorf("go test: %w", err)
	}
	if readErr != nil {
		return nil, fmt.Errorf("read go test output: %w", readErr)
	}
	return col, nil
}

// packageDirs maps import paths to directories with go list.
func (r *Runner) packageDirs(ctx context.Context, patterns []string) (map[string]string, error) {
	args := append([]string{"list", "-f", "{{.ImportPath}}\t{{.Dir}}"}, patterns...)
	cmd := exec.CommandContext(ctx, r.opts.GoBin, args...)
	cmd.Dir = r.opts.Dir
	cmd.Env = append(os.Environ(), r.opts.Env...)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("go list: %w: %s", err, strings.TrimSpace(stderr.String()))
	}

	dirs := make(map[string]string)
	for _, line := range strings.Split(stdout.String(), "\n") {
		pkg, dir, ok := strings.Cut(strings.TrimSpace(line), "\t")
		if ok {
			dirs[pkg] = dir
		}
	}
	return dirs, nil
}

// RunPattern builds a -run expression matching exactly the given top-level
// tests.
func RunPattern(tests []string) string {
	quoted := make([]string, len(tests))
	for i, t := range tests {
		quoted[i] = regexp.QuoteMeta(t)
	}
	return "^(" + strings.Join(quoted, "|") + ")$"
}

func firstLine(s string) string {
	line, _, _ := strings.Cut(s, "\n")
	return line
}

func sortedKeys(m map[string][]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
