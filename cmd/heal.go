package cmd

import (
	"errors"
	"fmt"
	"os"

	"testheal/internal/browser"
	"testheal/internal/healing"
	"testheal/internal/runner"

	"github.com/spf13/cobra"
)

var (
	healTest      string
	healError     string
	healErrorType string
	healSource    string
	healDoc       string
	healURL       string
	healHeadless  bool
)

var healCmd = &cobra.Command{
	Use:   "heal",
	Short: "Analyse one failure without running tests",
	Long: `Run a single healing attempt for a failure you already have: the error
message, the test source and optionally the URL the test was on. With --url
the page is opened in a fresh browser so the screenshot and DOM can be
captured.`,
	Example: `  testheal heal --test TestLogin --error 'element not found: click "#submit"' \
    --source e2e/login_test.go --url http://localhost:3000/login`,
	RunE: healOnce,
}

func init() {
	rootCmd.AddCommand(healCmd)
	healCmd.Flags().StringVar(&healTest, "test", "", "test name")
	healCmd.Flags().StringVar(&healError, "error", "", "error message of the failure")
	healCmd.Flags().StringVar(&healErrorType, "error-type", "", "error type (derived from the message when empty)")
	healCmd.Flags().StringVar(&healSource, "source", "", "file holding the test source")
	healCmd.Flags().StringVar(&healDoc, "doc", "", "test documentation")
	healCmd.Flags().StringVar(&healURL, "url", "", "page to capture")
	healCmd.Flags().BoolVar(&healHeadless, "headless", true, "run the capture browser headless")
	_ = healCmd.MarkFlagRequired("test")
	_ = healCmd.MarkFlagRequired("error")
}

func healOnce(cmd *cobra.Command, args []string) error {
	cfg.Enabled = true
	a, err := newApp(cfg, log, os.Stdout)
	if err != nil {
		return err
	}
	defer a.Close()
	a.followHealing()

	errType := healErrorType
	if errType == "" {
		errType = runner.Classify(healError).ErrorType()
	}

	rep := healing.TestReport{
		TestID:     healTest,
		TestName:   healTest,
		Phase:      healing.PhaseCall,
		Failed:     true,
		Err:        errors.New(healError),
		ErrorType:  errType,
		Docstring:  healDoc,
		SourcePath: healSource,
		Attempt:    1,
	}

	if healURL != "" {
		url, stop, err := browser.Launch(healHeadless)
		if err != nil {
			return fmt.Errorf("launch browser: %w", err)
		}
		defer stop()
		remote, err := browser.Connect(url)
		if err != nil {
			return fmt.Errorf("connect browser: %w", err)
		}
		defer remote.Close()
		page, err := remote.Open(healURL)
		if err != nil {
			return err
		}
		rep.Fixtures = []any{page}
	}

	res := a.orch.HandleReport(cmd.Context(), rep)
	switch res.Outcome {
	case healing.OutcomeHealed:
		return nil
	case healing.OutcomeSkipped:
		return fmt.Errorf("healing skipped: %s", res.Reason)
	default:
		return fmt.Errorf("healing %s: %s", res.Outcome, res.Reason)
	}
}
