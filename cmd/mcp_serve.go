package cmd

import (
	"testheal/internal/mcp"
	"testheal/internal/storage"

	"github.com/spf13/cobra"
)

var mcpServeCmd = &cobra.Command{
	Use:   "mcp-serve",
	Short: "Start an MCP server over healing history and reports",
	Long: `Start a Model Context Protocol (MCP) server on stdio that lets AI agents
read testheal's healing history and reports.

The server provides tools for:
  - Querying healing attempts
  - Finding earlier attempts for the same failure
  - Reading healing reports
  - Parsing raw model replies
  - Outcome statistics

To use with an MCP client, register the command:
  {
    "mcp": {
      "testheal": {
        "type": "local",
        "command": ["testheal", "mcp-serve"],
        "enabled": true
      }
    }
  }`,
	Example: `  # Start MCP server
  testheal mcp-serve

  # Test MCP server manually (sends JSON-RPC via stdin)
  echo '{"jsonrpc":"2.0","method":"tools/list","id":1}' | testheal mcp-serve`,
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := storage.InitDB(cfg.DataDir)
		if err != nil {
			return err
		}
		h := storage.NewHistory(db)
		defer h.Close()

		return mcp.Serve(&mcp.Tools{History: h, ReportDir: cfg.ReportDir()}, Version)
	},
}

func init() {
	rootCmd.AddCommand(mcpServeCmd)
}
