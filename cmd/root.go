package cmd

import (
	"fmt"
	"os"

	"testheal/internal/config"
	"testheal/internal/logger"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// Version is set at build time with -ldflags "-X testheal/cmd.Version=...".
var Version = "dev"

var (
	configPath string
	debugFlag  bool

	cfg *config.Config
	log *zap.Logger
)

var rootCmd = &cobra.Command{
	Use:   "testheal",
	Short: "Self-healing failure analysis for browser tests",
	Long: `testheal runs Go browser tests, captures the page state of tests that
keep failing after their reruns, and asks a local Ollama model to explain
the failure and propose a healed test.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		c, err := config.Load(configPath)
		if err != nil {
			return err
		}
		if debugFlag {
			c.Debug = true
		}
		l, err := logger.New(c.Debug)
		if err != nil {
			return err
		}
		cfg, log = c, l
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if log != nil {
			_ = log.Sync()
		}
	},
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.Version = Version
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file (default ./testheal.yaml)")
	rootCmd.PersistentFlags().BoolVar(&debugFlag, "debug", false, "debug logging")
}
