package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/ensembleworks/ensemble/cmd/ensemble/commands"
	"github.com/ensembleworks/ensemble/logger"
)

var rootCmd = &cobra.Command{
	Use:   "ensemble",
	Short: "Ensemble - multi-persona document analysis workflows",
	Long: `Ensemble runs documents through sequences of analyst personas, each
building on the previous persona's findings, and lets you explore the
results through follow-up chat.

Available commands:
  server    - Start the HTTP/WebSocket API server
  run       - Run a workflow against a document file
  personas  - Inspect available analyst personas
  workflows - Inspect available workflows
  usage     - Show AI usage and spend
  version   - Show version information

Examples:
  ensemble personas list                  # List analyst personas
  ensemble run quick_review report.txt    # Analyze a document
  ensemble usage --days 7                 # Spend over the last week
  ensemble server                         # Start the API server`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		jsonOutput, _ := cmd.Flags().GetBool("json")
		verbosity, _ := cmd.Flags().GetCount("verbose")
		if err := logger.Initialize(jsonOutput, verbosity > 0); err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().CountP("verbose", "v", "Increase output verbosity (repeat for more detail: -v, -vv)")
	rootCmd.PersistentFlags().Bool("json", false, "Emit logs as structured JSON")

	rootCmd.AddCommand(commands.ServerCmd)
	rootCmd.AddCommand(commands.RunCmd)
	rootCmd.AddCommand(commands.PersonasCmd)
	rootCmd.AddCommand(commands.WorkflowsCmd)
	rootCmd.AddCommand(commands.UsageCmd)
	rootCmd.AddCommand(commands.VersionCmd)
}

func main() {
	defer logger.Cleanup()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
