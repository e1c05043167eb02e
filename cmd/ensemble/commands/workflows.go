package commands

import (
	"strings"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/ensembleworks/ensemble/config"
	"github.com/ensembleworks/ensemble/errors"
	"github.com/ensembleworks/ensemble/logger"
	"github.com/ensembleworks/ensemble/workflow"
)

// WorkflowsCmd inspects analysis workflows
var WorkflowsCmd = &cobra.Command{
	Use:   "workflows",
	Short: "Inspect available workflows",
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
}

var workflowsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List all workflows",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return errors.Wrap(err, "failed to load config")
		}

		database, err := openDatabase(cfg, "")
		if err != nil {
			return err
		}
		defer database.Close()

		store := workflow.NewStore(database, logger.Logger)
		if err := store.EnsureTemplates(); err != nil {
			return errors.Wrap(err, "failed to install workflow templates")
		}

		workflows, err := store.ListWorkflows()
		if err != nil {
			return err
		}

		pterm.Printf("%d workflows available:\n\n", len(workflows))
		for _, w := range workflows {
			pterm.Printf("  %-20s %s\n", w.ID, w.Description)
			pterm.Printf("  %-20s steps: %s\n", "", strings.Join(w.PersonaIDs, " -> "))
			pterm.Println()
		}
		return nil
	},
}

func init() {
	WorkflowsCmd.AddCommand(workflowsListCmd)
}
