package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	"testheal/internal/report"

	"github.com/spf13/cobra"
)

var reportStyle string

var reportCmd = &cobra.Command{
	Use:   "report",
	Short: "Browse healing reports",
}

var reportShowCmd = &cobra.Command{
	Use:   "show [report|test name]",
	Short: "Render a healing report in the terminal",
	Long: `Render a healing report. The argument may be a path, a report file name,
or a test name, in which case the newest report for that test is shown.
Without an argument the newest report is shown.`,
	Example: `  testheal report show TestLogin
  testheal report show test_artifacts/ai/ai_healing_reports/TestLogin_20260301_093000_analysis.md`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		dir := cfg.ReportDir()
		var path string
		if len(args) == 1 {
			p, err := report.Find(dir, args[0])
			if err != nil {
				return err
			}
			path = p
		} else {
			all, err := report.List(dir)
			if err != nil {
				return err
			}
			if len(all) == 0 {
				return fmt.Errorf("no reports in %s", dir)
			}
			path = all[0]
		}

		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		if !isTTY(os.Stdout) {
			_, err = cmd.OutOrStdout().Write(data)
			return err
		}
		out, err := report.Render(string(data), terminalWidth(), reportStyle)
		if err != nil {
			return err
		}
		fmt.Fprint(cmd.OutOrStdout(), out)
		return nil
	},
}

var reportListCmd = &cobra.Command{
	Use:   "list",
	Short: "List healing reports, newest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		all, err := report.List(cfg.ReportDir())
		if err != nil {
			return err
		}
		for _, p := range all {
			info, err := os.Stat(p)
			if err != nil {
				continue
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s  %s\n",
				report.DimStyle.Render(info.ModTime().Format("2006-01-02 15:04")), filepath.Base(p))
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(reportCmd)
	reportCmd.AddCommand(reportShowCmd, reportListCmd)
	reportShowCmd.Flags().StringVar(&reportStyle, "style", "", "glamour style (dark, light, notty); auto when empty")
}
