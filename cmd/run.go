package cmd

import (
	"errors"
	"fmt"
	"io"
	"os"

	"testheal/internal/browser"
	"testheal/internal/pipeline"
	"testheal/internal/report"
	"testheal/internal/runner"

	"github.com/spf13/cobra"
)

var (
	runReruns   int
	runBrowser  bool
	runHeadless bool
	runHeal     bool
	runVerbose  bool
	runDir      string
	runTestArgs []string
)

var runCmd = &cobra.Command{
	Use:   "run [packages]",
	Short: "Run go tests with reruns and heal final failures",
	Long: `Run go test -json on the given packages (default ./...), rerun failing
top-level tests, and analyse every test that still fails after its last
rerun.

With --browser a shared Chrome is started and its control URL exported to
the tests as TESTHEAL_BROWSER_URL, so failure screenshots and DOM come from
the page the test was driving. Without --browser, a browser already
advertised in TESTHEAL_BROWSER_URL is used for capture.`,
	Example: `  # Run all tests with two reruns and healing on
  testheal run --heal --reruns 2 ./...

  # Share a headful browser with the tests
  testheal run --heal --browser --headless=false ./e2e/...`,
	RunE: runTests,
}

func init() {
	rootCmd.AddCommand(runCmd)
	runCmd.Flags().IntVar(&runReruns, "reruns", -1, "reruns per failing test (default from config)")
	runCmd.Flags().BoolVar(&runBrowser, "browser", false, "launch a shared browser for the tests")
	runCmd.Flags().BoolVar(&runHeadless, "headless", true, "run the shared browser headless")
	runCmd.Flags().BoolVar(&runHeal, "heal", false, "enable healing regardless of AI_HEALING_ENABLED")
	runCmd.Flags().BoolVarP(&runVerbose, "verbose", "v", false, "stream test output")
	runCmd.Flags().StringVar(&runDir, "dir", "", "module directory to run in")
	runCmd.Flags().StringArrayVar(&runTestArgs, "test-arg", nil, "extra flag for go test (repeatable)")
}

func runTests(cmd *cobra.Command, args []string) error {
	if runHeal {
		cfg.Enabled = true
	}
	if runReruns >= 0 {
		cfg.MaxReruns = runReruns
	}

	// Boxed summaries only with -v; otherwise one line per healed test.
	var boxes io.Writer
	if runVerbose {
		boxes = os.Stdout
	}
	a, err := newApp(cfg, log, boxes)
	if err != nil {
		return err
	}
	defer a.Close()
	a.followHealing()
	streamHealing(a.bus, os.Stdout, cfg.ConfidenceThreshold)
	state := pipeline.NewRunState(a.bus)

	opts := runner.Options{
		Dir:       runDir,
		MaxReruns: cfg.MaxReruns,
		TestArgs:  runTestArgs,
		Hook:      a.orch,
		Bus:       a.bus,
	}
	if runVerbose {
		opts.Echo = os.Stdout
	}

	if runBrowser {
		url, stop, err := browser.Launch(runHeadless)
		if err != nil {
			return fmt.Errorf("launch browser: %w", err)
		}
		defer stop()
		remote, err := browser.Connect(url)
		if err != nil {
			return fmt.Errorf("connect browser: %w", err)
		}
		defer remote.Close()
		opts.Env = append(opts.Env, browser.EnvControlURL+"="+url)
		opts.Fixtures = append(opts.Fixtures, remote)
	} else if os.Getenv(browser.EnvControlURL) != "" {
		// Tests inherit the variable, so capture from the same browser.
		remote, err := browser.ConnectFromEnv()
		if err != nil {
			return fmt.Errorf("connect browser: %w", err)
		}
		defer remote.Close()
		opts.Fixtures = append(opts.Fixtures, remote)
	}

	sum, err := runner.New(opts, log).Run(cmd.Context(), args)
	if err != nil {
		return err
	}

	printRunSummary(sum, state)
	if !sum.OK() {
		return errors.New("tests failed")
	}
	return nil
}

// streamHealing prints a status line as soon as a test is healed.
func streamHealing(bus *pipeline.EventBus, w io.Writer, threshold float64) {
	bus.Subscribe(pipeline.EventHealingCompleted, func(e pipeline.Event) {
		res, ok := e.Data.(pipeline.HealingResult)
		if !ok {
			return
		}
		fmt.Fprintln(w, report.StatusLine(e.TestID, res.Confidence, threshold, res.ReportPath))
	})
}

func printRunSummary(sum *runner.Summary, state *pipeline.RunState) {
	fmt.Println()
	for _, t := range sum.Tests {
		ts, _ := state.Test(t.ID())
		var mark string
		switch ts.Status {
		case pipeline.StatusPassed:
			mark = report.OKStyle.Render("PASS ")
		case pipeline.StatusFlaky:
			mark = report.WarnStyle.Render("FLAKY")
		case pipeline.StatusSkipped:
			mark = report.DimStyle.Render("SKIP ")
		default:
			mark = report.ErrStyle.Render("FAIL ")
		}
		line := fmt.Sprintf("%s %s", mark, t.ID())
		if t.Attempts > 1 {
			line += report.DimStyle.Render(fmt.Sprintf(" (%d attempts)", t.Attempts))
		}
		if ts.Healed != nil {
			line += " " + report.LabelStyle.Render("report: ") + ts.Healed.ReportPath
		} else if t.Healing != nil && t.Healing.Reason != "" {
			line += report.DimStyle.Render(" healing " + string(t.Healing.Outcome) + ": " + t.Healing.Reason)
		}
		fmt.Println(line)
	}
	for _, pf := range sum.PackageFailures {
		fmt.Printf("%s %s\n%s", report.ErrStyle.Render("FAIL "), pf.Package, report.DimStyle.Render(pf.Output))
	}

	s := state.Summary()
	fmt.Printf("\n%d tests: %d passed, %d flaky, %d failed, %d skipped, %d healed\n",
		s.Total, s.Passed, s.Flaky, s.Failed, s.Skipped, s.Healed)
}
