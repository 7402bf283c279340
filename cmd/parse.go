package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"testheal/internal/llm"

	"github.com/spf13/cobra"
)

var parseCmd = &cobra.Command{
	Use:   "parse [file|-]",
	Short: "Parse a raw model reply into a healing response",
	Long: `Run the response parser on a saved model reply and print the tagged
result as JSON. Reads stdin when no file (or "-") is given.`,
	Example: `  testheal parse reply.txt
  curl -s localhost:11434/api/generate -d @req.json | jq -r .response | testheal parse`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var r io.Reader = os.Stdin
		if len(args) == 1 && args[0] != "-" {
			f, err := os.Open(args[0])
			if err != nil {
				return err
			}
			defer f.Close()
			r = f
		}
		raw, err := io.ReadAll(r)
		if err != nil {
			return fmt.Errorf("read reply: %w", err)
		}

		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(llm.Parse(string(raw)).Result())
	},
}

func init() {
	rootCmd.AddCommand(parseCmd)
}
