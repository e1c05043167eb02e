package commands

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ensembleworks/ensemble/internal/version"
)

// VersionCmd shows version information
var VersionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show Ensemble version information",
	Run: func(cmd *cobra.Command, args []string) {
		jsonOutput, _ := cmd.Flags().GetBool("json")

		if jsonOutput {
			output, _ := json.MarshalIndent(map[string]string{
				"version": version.Version,
				"commit":  version.Commit,
				"date":    version.Date,
			}, "", "  ")
			fmt.Println(string(output))
			return
		}
		fmt.Println(version.String())
	},
}
