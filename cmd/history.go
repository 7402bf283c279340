package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"testheal/internal/report"
	"testheal/internal/storage"

	"github.com/spf13/cobra"
)

var (
	historyTest      string
	historyOutcome   string
	historySignature string
	historySince     string
	historyLimit     int
	historyStats     bool
	historyJSON      bool
	historyPrune     string
)

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Show recorded healing attempts",
	Example: `  # Last 20 attempts
  testheal history

  # Everything for one test in the last day
  testheal history --test example.com/app.TestLogin --since 24h

  # Outcome counts
  testheal history --stats

  # Forget attempts older than a month
  testheal history --prune 30d`,
	RunE: runHistory,
}

func init() {
	rootCmd.AddCommand(historyCmd)
	historyCmd.Flags().StringVar(&historyTest, "test", "", "only this test identity")
	historyCmd.Flags().StringVar(&historyOutcome, "outcome", "", "only this outcome (healed, skipped-not-ready, no-response, skipped-no-context, failed)")
	historyCmd.Flags().StringVar(&historySignature, "signature", "", "only this error signature")
	historyCmd.Flags().StringVar(&historySince, "since", "", "only attempts newer than this (30m, 24h, 7d)")
	historyCmd.Flags().IntVarP(&historyLimit, "limit", "n", 20, "maximum rows")
	historyCmd.Flags().BoolVar(&historyStats, "stats", false, "print outcome counts")
	historyCmd.Flags().BoolVar(&historyJSON, "json", false, "print JSON")
	historyCmd.Flags().StringVar(&historyPrune, "prune", "", "delete attempts older than this (e.g. 30d)")
}

func runHistory(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	db, err := storage.InitDB(cfg.DataDir)
	if err != nil {
		return err
	}
	h := storage.NewHistory(db)
	defer h.Close()

	out := cmd.OutOrStdout()

	if historyPrune != "" {
		age, err := parseAge(historyPrune)
		if err != nil {
			return err
		}
		n, err := h.Prune(ctx, time.Now().Add(-age))
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "pruned %d attempts\n", n)
		return nil
	}

	if historyStats {
		stats, err := h.Stats(ctx)
		if err != nil {
			return err
		}
		if historyJSON {
			return writeJSON(out, stats)
		}
		fmt.Fprintf(out, "%s %d\n", report.LabelStyle.Render("Total:"), stats.Total)
		for _, o := range []storage.Outcome{storage.OutcomeHealed, storage.OutcomeNotReady, storage.OutcomeNoResponse, storage.OutcomeNoContext, storage.OutcomeFailed} {
			fmt.Fprintf(out, "  %s %d\n", report.Pad(string(o)+":", 20), stats.ByOutcome[o])
		}
		fmt.Fprintf(out, "%s %s\n", report.LabelStyle.Render("Avg confidence:"), report.Percent(stats.AvgConfidence))
		fmt.Fprintf(out, "%s %d\n", report.LabelStyle.Render("With healed test:"), stats.WithFix)
		return nil
	}

	f := storage.Filter{
		TestID:    historyTest,
		Outcome:   storage.Outcome(historyOutcome),
		Signature: historySignature,
		Limit:     historyLimit,
	}
	if historySince != "" {
		age, err := parseAge(historySince)
		if err != nil {
			return err
		}
		f.Since = time.Now().Add(-age)
	}

	attempts, err := h.Attempts(ctx, f)
	if err != nil {
		return err
	}
	if historyJSON {
		return writeJSON(out, attempts)
	}
	if len(attempts) == 0 {
		fmt.Fprintln(out, report.DimStyle.Render("no healing attempts recorded"))
		return nil
	}

	width := terminalWidth()
	causeWidth := max(width-16-34-20-7-4, 20)
	header := fmt.Sprintf("%s %s %s %s %s",
		report.Pad("TIME", 16), report.Pad("TEST", 34), report.Pad("OUTCOME", 20), report.Pad("CONF", 7), "ROOT CAUSE")
	fmt.Fprintln(out, report.LabelStyle.Render(header))
	for _, a := range attempts {
		conf := "-"
		if a.Outcome == storage.OutcomeHealed {
			conf = report.Percent(a.Confidence)
		}
		cause := a.RootCause
		if cause == "" {
			cause = a.Reason
		}
		fmt.Fprintf(out, "%s %s %s %s %s\n",
			report.Pad(a.Timestamp.Local().Format("01-02 15:04:05"), 16),
			report.Pad(report.Truncate(a.TestID, 34), 34),
			outcomeStyle(a.Outcome, report.Pad(string(a.Outcome), 20)),
			report.Pad(conf, 7),
			report.Truncate(strings.ReplaceAll(cause, "\n", " "), causeWidth),
		)
	}
	return nil
}

func outcomeStyle(o storage.Outcome, s string) string {
	switch o {
	case storage.OutcomeHealed:
		return report.OKStyle.Render(s)
	case storage.OutcomeFailed:
		return report.ErrStyle.Render(s)
	default:
		return report.WarnStyle.Render(s)
	}
}

// parseAge accepts time.ParseDuration values plus a whole-day "Nd" form.
func parseAge(s string) (time.Duration, error) {
	if days, ok := strings.CutSuffix(s, "d"); ok {
		n, err := strconv.Atoi(days)
		if err != nil || n < 0 {
			return 0, fmt.Errorf("invalid age %q", s)
		}
		return time.Duration(n) * 24 * time.Hour, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid age %q: %w", s, err)
	}
	return d, nil
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
